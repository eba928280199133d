package speedtest

import (
	"context"
	"crypto/rand"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"speedtest-monitor/pkg/fetch"
	"speedtest-monitor/pkg/models"
)

// Measurer is the speed measurement capability the runner drives.
type Measurer interface {
	// Ping returns the round trip time to server in milliseconds.
	Ping(ctx context.Context, server models.Server) (float64, error)
	// Download returns the download throughput in Mbps.
	Download(ctx context.Context, server models.Server) (float64, error)
	// Upload returns the upload throughput in Mbps.
	Upload(ctx context.Context, server models.Server) (float64, error)
}

// HTTPMeasurer measures against the legacy speedtest.net HTTP endpoints
// (latency.txt, random{N}x{N}.jpg and upload.php).
type HTTPMeasurer struct {
	Transport     string
	TimeoutSec    int
	DownloadSizes []int
	UploadSizes   []int
	Concurrency   int
	PingCount     int
}

func baseURL(server models.Server) (string, error) {
	u, err := url.Parse(server.URL)
	if err != nil {
		return "", fmt.Errorf("invalid server url %q: %w", server.URL, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("invalid server url %q", server.URL)
	}
	if dir := path.Dir(u.Path); dir == "." || dir == "/" {
		u.Path = "/"
	} else {
		u.Path = dir + "/"
	}
	u.RawQuery = ""
	return u.String(), nil
}

func cacheBuster() string {
	return strconv.FormatInt(time.Now().UnixNano(), 10)
}

func (m *HTTPMeasurer) opts() fetch.Options {
	return fetch.Options{Transport: m.Transport, TimeoutSec: m.TimeoutSec}
}

func (m *HTTPMeasurer) Ping(ctx context.Context, server models.Server) (float64, error) {
	base, err := baseURL(server)
	if err != nil {
		return 0, err
	}

	count := m.PingCount
	if count < 1 {
		count = 3
	}

	best := time.Duration(0)
	for i := 0; i < count; i++ {
		res, err := fetch.FetchOK(ctx, base+"latency.txt?x="+cacheBuster(), m.opts())
		if err != nil {
			return 0, fmt.Errorf("latency request failed: %w", err)
		}
		if best == 0 || res.Duration < best {
			best = res.Duration
		}
	}
	return float64(best.Microseconds()) / 1000, nil
}

func (m *HTTPMeasurer) Download(ctx context.Context, server models.Server) (float64, error) {
	base, err := baseURL(server)
	if err != nil {
		return 0, err
	}
	if len(m.DownloadSizes) == 0 {
		return 0, fmt.Errorf("no download sizes configured")
	}

	var received atomic.Int64
	start := time.Now()
	err = runPool(ctx, m.Concurrency, len(m.DownloadSizes), func(ctx context.Context, i int) error {
		size := m.DownloadSizes[i]
		u := fmt.Sprintf("%srandom%dx%d.jpg?x=%s", base, size, size, cacheBuster())
		res, err := fetch.FetchOK(ctx, u, m.opts())
		if err != nil {
			return fmt.Errorf("download of %dx%d failed: %w", size, size, err)
		}
		received.Add(int64(len(res.Body)))
		return nil
	})
	if err != nil {
		return 0, err
	}
	return mbps(received.Load(), time.Since(start)), nil
}

func (m *HTTPMeasurer) Upload(ctx context.Context, server models.Server) (float64, error) {
	if len(m.UploadSizes) == 0 {
		return 0, fmt.Errorf("no upload sizes configured")
	}
	if _, err := baseURL(server); err != nil {
		return 0, err
	}

	payloads := make([][]byte, len(m.UploadSizes))
	for i, size := range m.UploadSizes {
		payloads[i] = make([]byte, size)
		if _, err := rand.Read(payloads[i]); err != nil {
			return 0, fmt.Errorf("failed to build upload payload: %w", err)
		}
	}

	var sent atomic.Int64
	start := time.Now()
	err := runPool(ctx, m.Concurrency, len(payloads), func(ctx context.Context, i int) error {
		opts := m.opts()
		opts.Method = http.MethodPost
		opts.Body = payloads[i]
		if _, err := fetch.FetchOK(ctx, server.URL+"?x="+cacheBuster(), opts); err != nil {
			return fmt.Errorf("upload of %d bytes failed: %w", len(payloads[i]), err)
		}
		sent.Add(int64(len(payloads[i])))
		return nil
	})
	if err != nil {
		return 0, err
	}
	return mbps(sent.Load(), time.Since(start)), nil
}

func mbps(bytes int64, elapsed time.Duration) float64 {
	if elapsed <= 0 {
		return 0
	}
	return float64(bytes) * 8 / elapsed.Seconds() / 1_000_000
}

// runPool calls fn for every index in [0, n) on at most workers goroutines
// and returns the first error.
func runPool(ctx context.Context, workers, n int, fn func(ctx context.Context, i int) error) error {
	if workers < 1 {
		workers = 1
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	jobs := make(chan int, n)
	errs := make(chan error, n)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				if ctx.Err() != nil {
					continue
				}
				if err := fn(ctx, i); err != nil {
					errs <- err
					cancel()
				}
			}
		}()
	}

	for i := 0; i < n; i++ {
		jobs <- i
	}
	close(jobs)

	wg.Wait()
	close(errs)

	if err := <-errs; err != nil {
		return err
	}
	return ctx.Err()
}

package fetch

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"runtime"
	"testing"
	"time"
)

func TestFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/echo":
			b, _ := io.ReadAll(r.Body)
			w.Header().Set("X-Method", r.Method)
			w.Header().Set("X-Test", r.Header.Get("X-Test"))
			w.Write(b)
		case "/missing":
			http.NotFound(w, r)
		default:
			w.Write([]byte("test=test"))
		}
	}))
	defer srv.Close()

	tests := []struct {
		name     string
		path     string
		opts     Options
		wantBody string
		wantErr  bool
	}{
		{
			name:     "Plain GET",
			path:     "/latency.txt",
			wantBody: "test=test",
		},
		{
			name: "POST with body and header",
			path: "/echo",
			opts: Options{
				Method:  http.MethodPost,
				Body:    []byte("payload"),
				Headers: []string{"X-Test: yes"},
			},
			wantBody: "payload",
		},
		{
			name:    "Not found",
			path:    "/missing",
			wantErr: true,
		},
		{
			name:    "Invalid transport",
			path:    "/latency.txt",
			opts:    Options{Transport: "nope://"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := FetchOK(context.Background(), srv.URL+tt.path, tt.opts)
			if (err != nil) != tt.wantErr {
				t.Fatalf("FetchOK() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if string(got.Body) != tt.wantBody {
				t.Errorf("FetchOK() body = %q, want %q", got.Body, tt.wantBody)
			}
			if got.Duration <= 0 {
				t.Errorf("FetchOK() duration = %v, want > 0", got.Duration)
			}
			if tt.opts.Method == http.MethodPost {
				if m := got.Response.Header.Get("X-Method"); m != http.MethodPost {
					t.Errorf("method = %q, want POST", m)
				}
				if p := got.Response.Header.Get("X-Test"); p != "yes" {
					t.Errorf("header X-Test = %q, want yes", p)
				}
			}
		})
	}
}

func TestFetchReleasesConnections(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("test=test"))
	}))
	defer srv.Close()

	before := runtime.NumGoroutine()
	for i := 0; i < 50; i++ {
		if _, err := FetchOK(context.Background(), srv.URL+"/latency.txt", Options{}); err != nil {
			t.Fatalf("FetchOK() error = %v", err)
		}
	}

	// Server side connection goroutines exit shortly after the client closes.
	deadline := time.Now().Add(2 * time.Second)
	after := runtime.NumGoroutine()
	for after > before+5 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
		after = runtime.NumGoroutine()
	}
	if after > before+5 {
		t.Errorf("goroutines grew from %d to %d after 50 requests", before, after)
	}
}

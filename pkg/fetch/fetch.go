// Package fetch provides functionality to make HTTP requests through various transports
package fetch

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/Jigsaw-Code/outline-sdk/transport"
	"github.com/Jigsaw-Code/outline-sdk/x/configurl"
)

// Options contains all the configuration options for making a fetch request
type Options struct {
	// Transport config string. Empty means a direct TCP connection.
	Transport string
	// HTTP method to use (default: "GET")
	Method string
	// Raw HTTP headers to add (without \r\n)
	Headers []string
	// Request body, sent as application/octet-stream unless a header says otherwise
	Body []byte
	// Timeout in seconds (default: 5)
	TimeoutSec int
}

// Result contains the response from a fetch request
type Result struct {
	// HTTP response, body already consumed
	Response *http.Response
	// Response body as bytes
	Body []byte
	// Time from sending the request until the body was read
	Duration time.Duration
}

// NewDialer builds the stream dialer described by a transport config string.
func NewDialer(transportConfig string) (transport.StreamDialer, error) {
	dialer, err := configurl.NewDefaultConfigToDialer().NewStreamDialer(transportConfig)
	if err != nil {
		return nil, fmt.Errorf("could not create dialer: %w", err)
	}
	return dialer, nil
}

// NewHTTPClient returns an http.Client whose connections go through dialer.
func NewHTTPClient(dialer transport.StreamDialer, timeout time.Duration) *http.Client {
	dialContext := func(ctx context.Context, network, addr string) (net.Conn, error) {
		if !strings.HasPrefix(network, "tcp") {
			return nil, fmt.Errorf("protocol not supported: %v", network)
		}
		return dialer.DialStream(ctx, addr)
	}

	return &http.Client{
		Transport: &http.Transport{DialContext: dialContext},
		Timeout:   timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// Fetch makes an HTTP request with the given options
func Fetch(ctx context.Context, url string, opts Options) (*Result, error) {
	if opts.Method == "" {
		opts.Method = http.MethodGet
	}
	if opts.TimeoutSec == 0 {
		opts.TimeoutSec = 5
	}

	dialer, err := NewDialer(opts.Transport)
	if err != nil {
		return nil, err
	}
	httpClient := NewHTTPClient(dialer, time.Duration(opts.TimeoutSec)*time.Second)
	// Each call owns its client; nothing may stay pooled once it returns.
	defer httpClient.CloseIdleConnections()

	var body io.Reader
	if opts.Body != nil {
		body = bytes.NewReader(opts.Body)
	}
	req, err := http.NewRequestWithContext(ctx, opts.Method, url, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if opts.Body != nil {
		req.Header.Set("Content-Type", "application/octet-stream")
	}

	// Process headers
	if len(opts.Headers) > 0 {
		headerText := strings.Join(opts.Headers, "\r\n") + "\r\n\r\n"
		h, err := textproto.NewReader(bufio.NewReader(strings.NewReader(headerText))).ReadMIMEHeader()
		if err != nil {
			return nil, fmt.Errorf("invalid header line: %w", err)
		}
		for name, values := range h {
			for _, value := range values {
				req.Header.Add(name, value)
			}
		}
	}

	start := time.Now()
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read of page body failed: %w", err)
	}

	return &Result{
		Response: resp,
		Body:     respBody,
		Duration: time.Since(start),
	}, nil
}

// FetchOK is Fetch that also treats a non-2xx status as an error.
func FetchOK(ctx context.Context, url string, opts Options) (*Result, error) {
	res, err := Fetch(ctx, url, opts)
	if err != nil {
		return nil, err
	}
	if res.Response.StatusCode < 200 || res.Response.StatusCode > 299 {
		return nil, fmt.Errorf("unexpected status %d from %s", res.Response.StatusCode, url)
	}
	return res, nil
}

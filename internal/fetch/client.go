// Package fetch implements the HTTP capability used for artifact downloads
// and index-page probes. The transfer loop is hand-rolled over net/http so
// it can stream to disk, verify declared sizes, enforce a throughput floor,
// and honor a cancel flag mid-transfer.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/segin/efgrabber/internal/grabber"
)

// Config controls client identity and transfer limits.
type Config struct {
	UserAgent string
	// Cookie is a literal Cookie header value; it takes precedence over
	// CookieFile when both are set.
	Cookie     string
	CookieFile string
	// ConnectTimeout bounds dialing; transfers are bounded per call.
	ConnectTimeout time.Duration
	// LowSpeedLimit aborts a transfer when throughput stays below this many
	// bytes/second for LowSpeedTime.
	LowSpeedLimit int64
	LowSpeedTime  time.Duration
	MaxRedirects  int
}

func (c *Config) applyDefaults() {
	if c.UserAgent == "" {
		c.UserAgent = grabber.DefaultUserAgent
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 30 * time.Second
	}
	if c.LowSpeedLimit <= 0 {
		c.LowSpeedLimit = 1024
	}
	if c.LowSpeedTime <= 0 {
		c.LowSpeedTime = 10 * time.Second
	}
	if c.MaxRedirects <= 0 {
		c.MaxRedirects = 10
	}
}

// Client implements grabber.Fetcher.
type Client struct {
	cfg       Config
	http      *http.Client
	cookie    string
	cancelled atomic.Bool
}

// New builds a Client. The cookie file, when configured and no literal is
// set, is read once at construction.
func New(cfg Config) (*Client, error) {
	cfg.applyDefaults()

	cookie := cfg.Cookie
	if cookie == "" && cfg.CookieFile != "" {
		loaded, err := LoadCookieFile(cfg.CookieFile)
		if err != nil {
			return nil, err
		}
		cookie = loaded
	}

	dialer := &net.Dialer{
		Timeout:   cfg.ConnectTimeout,
		KeepAlive: 120 * time.Second,
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 100,
		IdleConnTimeout:     90 * time.Second,
	}
	client := &http.Client{
		Transport: transport,
		CheckRedirect: func(_ *http.Request, via []*http.Request) error {
			if len(via) >= cfg.MaxRedirects {
				return fmt.Errorf("stopped after %d redirects", cfg.MaxRedirects)
			}
			return nil
		},
	}

	return &Client{cfg: cfg, http: client, cookie: cookie}, nil
}

// Cancel sets the cancel flag; in-flight transfers abort at the next
// progress tick. New fetches fail immediately until Reset.
func (c *Client) Cancel() { c.cancelled.Store(true) }

// Reset clears the cancel flag for a new run.
func (c *Client) Reset() { c.cancelled.Store(false) }

// Close releases idle connections.
func (c *Client) Close() {
	if t, ok := c.http.Transport.(*http.Transport); ok {
		t.CloseIdleConnections()
	}
}

// GetBytes fetches url into memory.
func (c *Client) GetBytes(ctx context.Context, url string, timeout time.Duration) (grabber.FetchResult, error) {
	var buf memorySink
	res, err := c.get(ctx, url, timeout, &buf)
	res.Body = buf.data
	return res, err
}

// GetToPath streams url to path, creating parent directories. The partial
// file is removed on any non-2xx status, transport failure, size mismatch,
// or cancellation.
func (c *Client) GetToPath(ctx context.Context, url, path string, timeout time.Duration) (grabber.FetchResult, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return grabber.FetchResult{}, fmt.Errorf("create directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return grabber.FetchResult{}, fmt.Errorf("create file: %w", err)
	}

	res, err := c.get(ctx, url, timeout, f)
	closeErr := f.Close()
	if err == nil && closeErr != nil {
		err = fmt.Errorf("close file: %w", closeErr)
	}
	if err != nil || res.HTTPCode < 200 || res.HTTPCode >= 300 {
		_ = os.Remove(path)
	}
	return res, err
}

// Head reports whether the URL answers 200 to a HEAD request.
func (c *Client) Head(ctx context.Context, url string) (bool, error) {
	reqCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodHead, url, nil)
	if err != nil {
		return false, fmt.Errorf("build request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return false, fmt.Errorf("head %s: %w", url, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK, nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	if c.cookie != "" {
		req.Header.Set("Cookie", c.cookie)
	}
}

func (c *Client) get(ctx context.Context, url string, timeout time.Duration, sink io.Writer) (grabber.FetchResult, error) {
	result := grabber.FetchResult{DeclaredLength: -1}

	if c.cancelled.Load() {
		return result, grabber.ErrCancelled
	}

	reqCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		reqCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return result, fmt.Errorf("build request: %w", err)
	}
	c.setHeaders(req)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		if c.cancelled.Load() {
			return result, grabber.ErrCancelled
		}
		return result, fmt.Errorf("get %s: %w", url, err)
	}
	defer resp.Body.Close()

	result.HTTPCode = resp.StatusCode
	result.ContentType = resp.Header.Get("Content-Type")
	result.SetCookies = resp.Header.Values("Set-Cookie")
	if resp.ContentLength >= 0 {
		result.DeclaredLength = resp.ContentLength
	}

	written, copyErr := c.copyWithFloor(resp.Body, sink)
	result.ActualLength = written
	result.WireTime = time.Since(start)

	if copyErr != nil {
		if errors.Is(copyErr, grabber.ErrCancelled) {
			return result, grabber.ErrCancelled
		}
		// A body cut short of its declared length surfaces as an unexpected
		// EOF from the transport; report it as the size mismatch it is.
		if errors.Is(copyErr, io.ErrUnexpectedEOF) && result.DeclaredLength >= 0 && written != result.DeclaredLength {
			return result, fmt.Errorf("%w: declared %d, got %d",
				grabber.ErrSizeMismatch, result.DeclaredLength, written)
		}
		return result, fmt.Errorf("read body from %s: %w", url, copyErr)
	}
	if result.DeclaredLength >= 0 && written != result.DeclaredLength {
		return result, fmt.Errorf("%w: declared %d, got %d",
			grabber.ErrSizeMismatch, result.DeclaredLength, written)
	}
	return result, nil
}

// copyWithFloor streams body to sink, checking the cancel flag on every
// chunk and aborting when throughput stays under the configured floor for
// the grace window.
func (c *Client) copyWithFloor(body io.Reader, sink io.Writer) (int64, error) {
	buf := make([]byte, 32*1024)
	var written int64

	windowStart := time.Now()
	var windowBytes int64

	for {
		if c.cancelled.Load() {
			return written, grabber.ErrCancelled
		}
		n, err := body.Read(buf)
		if n > 0 {
			if _, werr := sink.Write(buf[:n]); werr != nil {
				return written, fmt.Errorf("write sink: %w", werr)
			}
			written += int64(n)
			windowBytes += int64(n)
		}
		if err == io.EOF {
			return written, nil
		}
		if err != nil {
			return written, err
		}

		if elapsed := time.Since(windowStart); elapsed >= c.cfg.LowSpeedTime {
			floor := c.cfg.LowSpeedLimit * int64(elapsed/time.Second)
			if windowBytes < floor {
				return written, fmt.Errorf("transfer below %d B/s for %s",
					c.cfg.LowSpeedLimit, c.cfg.LowSpeedTime)
			}
			windowStart = time.Now()
			windowBytes = 0
		}
	}
}

type memorySink struct {
	data []byte
}

func (m *memorySink) Write(p []byte) (int, error) {
	m.data = append(m.data, p...)
	return len(p), nil
}

var _ grabber.Fetcher = (*Client)(nil)

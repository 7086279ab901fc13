// Package collyfetch implements the index-page fetcher using gocolly. Whole
// pages are buffered in memory, which is exactly what the extractor needs.
package collyfetch

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/segin/efgrabber/internal/grabber"
)

// Config controls collector behavior.
type Config struct {
	UserAgent string
	Cookie    string
	Timeout   time.Duration
}

// Fetcher implements grabber.PageFetcher using the Colly collector.
type Fetcher struct {
	cfg           Config
	baseCollector *colly.Collector
}

// New builds a Fetcher.
func New(cfg Config) *Fetcher {
	if cfg.UserAgent == "" {
		cfg.UserAgent = grabber.DefaultUserAgent
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	c := colly.NewCollector(colly.Async(false))
	c.IgnoreRobotsTxt = true
	c.WithTransport(newHTTPTransport())
	return &Fetcher{cfg: cfg, baseCollector: c}
}

// GetBytes executes a single HTTP GET using Colly.
func (f *Fetcher) GetBytes(ctx context.Context, url string, timeout time.Duration) (grabber.FetchResult, error) {
	if timeout <= 0 {
		timeout = f.cfg.Timeout
	}

	var (
		result   grabber.FetchResult
		fetchErr error
	)
	start := time.Now()

	collector := f.baseCollector.Clone()
	collector.UserAgent = f.cfg.UserAgent
	collector.IgnoreRobotsTxt = true
	collector.SetRequestTimeout(timeout)

	collector.OnRequest(func(r *colly.Request) {
		if f.cfg.Cookie != "" {
			r.Headers.Set("Cookie", f.cfg.Cookie)
		}
	})
	collector.OnResponse(func(r *colly.Response) {
		result = grabber.FetchResult{
			HTTPCode:       r.StatusCode,
			Body:           append([]byte(nil), r.Body...),
			DeclaredLength: -1,
			ActualLength:   int64(len(r.Body)),
			ContentType:    r.Headers.Get("Content-Type"),
			SetCookies:     r.Headers.Values("Set-Cookie"),
			WireTime:       time.Since(start),
		}
	})
	collector.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode != 0 {
			// Colly reports non-2xx statuses through OnError; the status is
			// still a valid observation for the caller.
			result = grabber.FetchResult{
				HTTPCode:       r.StatusCode,
				Body:           append([]byte(nil), r.Body...),
				DeclaredLength: -1,
				ActualLength:   int64(len(r.Body)),
				WireTime:       time.Since(start),
			}
			return
		}
		fetchErr = err
	})

	if err := f.visit(ctx, collector, url); err != nil {
		return grabber.FetchResult{}, err
	}
	if fetchErr != nil {
		return grabber.FetchResult{}, fmt.Errorf("fetch page %s: %w", url, fetchErr)
	}
	return result, nil
}

func (f *Fetcher) visit(ctx context.Context, collector *colly.Collector, url string) error {
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = collector.Visit(url)
		collector.Wait()
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("fetch page %s: %w", url, ctx.Err())
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 120 * time.Second,
		}).DialContext,
		MaxIdleConns:        30,
		MaxIdleConnsPerHost: 30,
		IdleConnTimeout:     90 * time.Second,
	}
}

var _ grabber.PageFetcher = (*Fetcher)(nil)

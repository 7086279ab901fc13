// Package headless fetches index pages through a real browser for hosts
// whose listings sit behind JavaScript-driven anti-bot gating.
package headless

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/segin/efgrabber/internal/grabber"
)

// Config controls the behavior of the headless fetcher.
type Config struct {
	MaxParallel       int
	UserAgent         string
	Cookie            string
	NavigationTimeout time.Duration
}

// Fetcher implements grabber.PageFetcher using chromedp and headless Chrome.
type Fetcher struct {
	cfg         Config
	limiter     chan struct{}
	allocator   context.Context
	allocCancel context.CancelFunc
}

// New creates a headless fetcher backed by chromedp.
func New(cfg Config) (*Fetcher, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 45 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = grabber.DefaultUserAgent
	}
	var limiter chan struct{}
	if cfg.MaxParallel > 0 {
		limiter = make(chan struct{}, cfg.MaxParallel)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.UserAgent(cfg.UserAgent),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Fetcher{
		cfg:         cfg,
		limiter:     limiter,
		allocator:   allocCtx,
		allocCancel: allocCancel,
	}, nil
}

// Close cancels the allocator context, shutting the browser down.
func (f *Fetcher) Close() {
	f.allocCancel()
}

// GetBytes navigates with a headless browser and returns the rendered DOM.
func (f *Fetcher) GetBytes(ctx context.Context, url string, timeout time.Duration) (grabber.FetchResult, error) {
	if err := f.acquire(ctx); err != nil {
		return grabber.FetchResult{}, err
	}
	defer f.release()

	taskCtx, taskCancel := chromedp.NewContext(f.allocator)
	defer taskCancel()

	navTimeout := f.cfg.NavigationTimeout
	if timeout > 0 && timeout < navTimeout {
		navTimeout = timeout
	}
	taskCtx, cancel := context.WithTimeout(taskCtx, navTimeout)
	defer cancel()

	meta := newResponseMeta()
	chromedp.ListenTarget(taskCtx, meta.captureEvent)

	start := time.Now()
	var html string
	actions := []chromedp.Action{
		network.Enable(),
	}
	if cookies := f.cookieParams(url); len(cookies) > 0 {
		actions = append(actions, network.SetCookies(cookies))
	}
	actions = append(actions,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(500*time.Millisecond),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err := chromedp.Run(taskCtx, actions...); err != nil {
		return grabber.FetchResult{}, fmt.Errorf("render %s: %w", url, err)
	}

	status := meta.status(url)
	if status == 0 {
		status = 200
	}
	body := []byte(html)
	return grabber.FetchResult{
		HTTPCode:       status,
		Body:           body,
		DeclaredLength: -1,
		ActualLength:   int64(len(body)),
		ContentType:    "text/html",
		WireTime:       time.Since(start),
	}, nil
}

func (f *Fetcher) cookieParams(url string) []*network.CookieParam {
	if f.cfg.Cookie == "" {
		return nil
	}
	var params []*network.CookieParam
	for _, pair := range strings.Split(f.cfg.Cookie, ";") {
		name, value, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok || name == "" {
			continue
		}
		params = append(params, &network.CookieParam{Name: name, Value: value, URL: url})
	}
	return params
}

func (f *Fetcher) acquire(ctx context.Context) error {
	if f.limiter == nil {
		return nil
	}
	select {
	case f.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("acquire headless slot: %w", ctx.Err())
	}
}

func (f *Fetcher) release() {
	if f.limiter != nil {
		<-f.limiter
	}
}

// responseMeta captures the document response status from CDP events.
type responseMeta struct {
	mu       sync.Mutex
	statuses map[string]int
}

func newResponseMeta() *responseMeta {
	return &responseMeta{statuses: make(map[string]int)}
}

func (m *responseMeta) captureEvent(ev any) {
	resp, ok := ev.(*network.EventResponseReceived)
	if !ok || resp.Type != network.ResourceTypeDocument || resp.Response == nil {
		return
	}
	m.mu.Lock()
	m.statuses[resp.Response.URL] = int(resp.Response.Status)
	m.mu.Unlock()
}

func (m *responseMeta) status(url string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if code, ok := m.statuses[url]; ok {
		return code
	}
	// Redirects leave the final document under a different URL; any
	// captured document status beats guessing.
	for _, code := range m.statuses {
		return code
	}
	return 0
}

var _ grabber.PageFetcher = (*Fetcher)(nil)

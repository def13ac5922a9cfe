// Package headless runs browser-mode visits in a local Chrome via chromedp.
package headless

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/JakeFAU/trafficpacer/internal/pacer"
)

// Config controls the local browser.
type Config struct {
	UserAgent string
	Headless  bool
	// Settle is the pause after the body is ready when waitUntil asks for an
	// idle network.
	Settle time.Duration
}

type allocator struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// Runner implements pacer.BrowserRunner with one exec allocator per proxy
// route and a fresh browser per session.
type Runner struct {
	cfg        Config
	mu         sync.Mutex
	allocators map[string]allocator
}

// NewRunner creates a chromedp-backed runner. No browser starts until Open.
func NewRunner(cfg Config) *Runner {
	if cfg.Settle <= 0 {
		cfg.Settle = 500 * time.Millisecond
	}
	return &Runner{cfg: cfg, allocators: make(map[string]allocator)}
}

// Close cancels every allocator, terminating their browsers.
func (r *Runner) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, a := range r.allocators {
		a.cancel()
		delete(r.allocators, key)
	}
}

func (r *Runner) allocatorOptions(proxy string) []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption(nil), chromedp.DefaultExecAllocatorOptions[:]...)
	opts = append(opts,
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	if r.cfg.Headless {
		opts = append(opts, chromedp.Flag("headless", "new"))
	} else {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	if r.cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(r.cfg.UserAgent))
	}
	if proxy != "" {
		opts = append(opts, chromedp.ProxyServer(proxy))
	}
	return opts
}

func (r *Runner) allocatorFor(proxy string) context.Context {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.allocators[proxy]; ok {
		return a.ctx
	}
	ctx, cancel := chromedp.NewExecAllocator(context.Background(), r.allocatorOptions(proxy)...)
	r.allocators[proxy] = allocator{ctx: ctx, cancel: cancel}
	return ctx
}

// Open starts a browser for the session and navigates to req.URL.
func (r *Runner) Open(ctx context.Context, req pacer.BrowserRequest) (pacer.BrowserSession, error) {
	tab, cancel := chromedp.NewContext(r.allocatorFor(req.Proxy))
	s := &session{tab: tab, cancel: cancel, req: req, meta: newResponseMeta(), start: time.Now()}
	chromedp.ListenTarget(tab, s.meta.captureEvent)

	// The first Run on a tab must use the tab context itself; a derived
	// context would tear the browser down when it is canceled.
	started := make(chan error, 1)
	go func() { started <- chromedp.Run(tab) }()
	select {
	case <-ctx.Done():
		cancel()
		return nil, fmt.Errorf("browser start: %w", ctx.Err())
	case err := <-started:
		if err != nil {
			cancel()
			return nil, fmt.Errorf("%w: start chrome: %w", pacer.ErrExecutorUnavailable, err)
		}
	}

	actions := []chromedp.Action{
		r.networkSetupAction(req.Referer),
		chromedp.Navigate(req.URL),
		chromedp.WaitReady("body", chromedp.ByQuery),
	}
	if req.WaitUntil == "networkidle" {
		actions = append(actions, chromedp.Sleep(r.cfg.Settle))
	}
	if err := s.run(ctx, actions...); err != nil {
		cancel()
		return nil, fmt.Errorf("navigate %s: %w", req.URL, err)
	}
	return s, nil
}

func (r *Runner) networkSetupAction(referer string) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if r.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(r.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		if referer != "" {
			if err := network.SetExtraHTTPHeaders(network.Headers{"Referer": referer}).Do(ctx); err != nil {
				return fmt.Errorf("set referer: %w", err)
			}
		}
		return nil
	})
}

type session struct {
	tab    context.Context
	cancel context.CancelFunc
	req    pacer.BrowserRequest
	meta   *responseMeta
	start  time.Time
}

// run executes actions on the tab, bounded by the caller's context.
func (s *session) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithCancel(s.tab)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	if deadline, ok := ctx.Deadline(); ok {
		var cancelDeadline context.CancelFunc
		runCtx, cancelDeadline = context.WithDeadline(runCtx, deadline)
		defer cancelDeadline()
	}
	if err := chromedp.Run(runCtx, actions...); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("chromedp run: %w", ctxErr)
		}
		return fmt.Errorf("chromedp run: %w", err)
	}
	return nil
}

func (s *session) Inspect(ctx context.Context) (pacer.PageState, error) {
	var (
		finalURL string
		title    string
		html     string
	)
	err := s.run(ctx,
		chromedp.Location(&finalURL),
		chromedp.Title(&title),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err != nil {
		return pacer.PageState{}, err
	}
	status, url := s.meta.snapshotWithFallbacks(s.req.URL, finalURL)
	return pacer.PageState{FinalURL: url, HTTPStatus: status, Title: title, Content: html}, nil
}

func (s *session) Click(ctx context.Context, selector string) (bool, error) {
	var nodes []*cdp.Node
	if err := s.run(ctx, chromedp.Nodes(selector, &nodes, chromedp.ByQuery, chromedp.AtLeast(0))); err != nil {
		return false, err
	}
	if len(nodes) == 0 {
		return false, nil
	}
	if err := s.run(ctx, chromedp.MouseClickNode(nodes[0])); err != nil {
		return false, err
	}
	return true, nil
}

func (s *session) Response(ctx context.Context) (pacer.BrowserResponse, error) {
	state, err := s.Inspect(ctx)
	if err != nil {
		return pacer.BrowserResponse{}, err
	}
	resp := pacer.BrowserResponse{
		OK:             state.HTTPStatus >= 200 && state.HTTPStatus < 400,
		HTTPStatus:     state.HTTPStatus,
		FinalURL:       state.FinalURL,
		Classification: pacer.ClassSuccess,
		Title:          state.Title,
		Content:        state.Content,
	}
	if !resp.OK {
		resp.Classification = pacer.ClassBlocked
	}
	if s.req.Screenshot {
		var buf []byte
		capture := chromedp.CaptureScreenshot(&buf)
		if s.req.FullPage {
			capture = chromedp.FullScreenshot(&buf, 90)
		}
		if err := s.run(ctx, capture); err != nil {
			return pacer.BrowserResponse{}, err
		}
		resp.ScreenshotBase64 = encodeScreenshot(buf)
	}
	resp.DurationMs = time.Since(s.start).Milliseconds()
	return resp, nil
}

// Close gracefully closes the browser, falling back to a hard cancel when ctx
// ends first.
func (s *session) Close(ctx context.Context) error {
	done := make(chan error, 1)
	go func() { done <- chromedp.Cancel(s.tab) }()
	select {
	case err := <-done:
		s.cancel()
		if err != nil {
			return fmt.Errorf("close browser: %w", err)
		}
		return nil
	case <-ctx.Done():
		s.cancel()
		return fmt.Errorf("close browser: %w", ctx.Err())
	}
}

type responseMeta struct {
	mu     sync.RWMutex
	status int
	url    string
}

func newResponseMeta() *responseMeta {
	return &responseMeta{}
}

func (m *responseMeta) capture(event *network.EventResponseReceived) {
	if event.Type != network.ResourceTypeDocument || event.Response == nil {
		return
	}
	m.mu.Lock()
	m.status = int(event.Response.Status)
	m.url = event.Response.URL
	m.mu.Unlock()
}

func (m *responseMeta) captureEvent(ev any) {
	if resp, ok := ev.(*network.EventResponseReceived); ok {
		m.capture(resp)
	}
}

func (m *responseMeta) snapshotWithFallbacks(requestURL, finalURL string) (int, string) {
	m.mu.RLock()
	status, url := m.status, m.url
	m.mu.RUnlock()
	switch {
	case finalURL != "":
		url = finalURL
	case url != "":
	default:
		url = requestURL
	}
	if status == 0 {
		status = http.StatusOK
	}
	return status, url
}

func encodeScreenshot(buf []byte) string {
	if len(buf) == 0 {
		return ""
	}
	return base64.StdEncoding.EncodeToString(buf)
}

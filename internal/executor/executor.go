// Package executor performs single visits in HTTP or browser mode and
// classifies the outcome.
package executor

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/url"
	"path"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/trafficpacer/internal/config"
	collyfetcher "github.com/JakeFAU/trafficpacer/internal/fetcher/colly"
	"github.com/JakeFAU/trafficpacer/internal/headless/detector"
	"github.com/JakeFAU/trafficpacer/internal/pacer"
	"github.com/JakeFAU/trafficpacer/internal/proxy"
)

const closeTimeout = 5 * time.Second

// Request is one visit to execute.
type Request struct {
	URL     string
	Referer string
	Country string
	Mode    pacer.Mode
}

// Outcome is the classified result of one visit. Err is nil only on success
// and wraps one of the pacer execution errors otherwise.
type Outcome struct {
	Mode           pacer.Mode
	Proxy          string
	Classification pacer.Classification
	HTTPStatus     int
	FinalURL       string
	Duration       time.Duration
	Challenge      string
	Err            error
}

// HTTPFetcher performs HTTP-mode visits.
type HTTPFetcher interface {
	Fetch(ctx context.Context, request collyfetcher.Request) (collyfetcher.Response, error)
}

// ProxyResolver resolves a country to a route.
type ProxyResolver interface {
	Resolve(snap *config.Snapshot, country string) proxy.Resolution
}

// Executor runs visits. It is safe for concurrent use.
type Executor struct {
	http    HTTPFetcher
	runners RunnerSource
	proxies ProxyResolver
	blobs   pacer.BlobStore
	ids     pacer.IDGenerator
	clock   pacer.Clock
	logger  *zap.Logger
}

// Options wires optional collaborators.
type Options struct {
	Blobs pacer.BlobStore
	IDs   pacer.IDGenerator
}

// New builds an Executor.
func New(fetcher HTTPFetcher, runners RunnerSource, proxies ProxyResolver, clock pacer.Clock, logger *zap.Logger, opts Options) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		http:    fetcher,
		runners: runners,
		proxies: proxies,
		blobs:   opts.Blobs,
		ids:     opts.IDs,
		clock:   clock,
		logger:  logger.Named("executor"),
	}
}

// Execute runs one visit bounded by engine.visit_timeout.
func (e *Executor) Execute(ctx context.Context, snap *config.Snapshot, req Request) Outcome {
	start := e.clock.Now()
	ctx, cancel := context.WithTimeout(ctx, snap.Engine.VisitTimeout)
	defer cancel()

	route := e.proxies.Resolve(snap, req.Country)
	var out Outcome
	if req.Mode == pacer.ModeBrowser {
		out = e.executeBrowser(ctx, snap, req, route)
	} else {
		req.Mode = pacer.ModeHTTP
		out = e.executeHTTP(ctx, snap, req, route)
	}
	out.Mode = req.Mode
	out.Proxy = route.Label()
	out.Duration = e.clock.Now().Sub(start)
	out.Classification = pacer.ClassifyError(out.Err)

	e.logger.Debug("visit finished",
		zap.String("url", req.URL),
		zap.String("mode", string(out.Mode)),
		zap.String("proxy", out.Proxy),
		zap.String("classification", string(out.Classification)),
		zap.Int("status", out.HTTPStatus),
		zap.Duration("duration", out.Duration),
		zap.Error(out.Err),
	)
	return out
}

func (e *Executor) executeHTTP(ctx context.Context, snap *config.Snapshot, req Request, route proxy.Resolution) Outcome {
	resp, err := e.http.Fetch(ctx, collyfetcher.Request{
		URL:       req.URL,
		Referer:   req.Referer,
		UserAgent: snap.Engine.UserAgent,
		Proxy:     route.Endpoint,
	})
	if err != nil {
		return Outcome{Err: transportError(ctx, err)}
	}
	out := Outcome{HTTPStatus: resp.StatusCode, FinalURL: resp.FinalURL}
	if match, ok := detector.FromConfig(snap.Browser).DetectHTML(string(resp.Body), resp.StatusCode); ok {
		out.Challenge = match.Signature
		out.Err = fmt.Errorf("%w: %s challenge", pacer.ErrExecutionBlocked, match.Signature)
		return out
	}
	if !statusOK(resp.StatusCode) {
		out.Err = fmt.Errorf("%w: status %d", pacer.ErrExecutionBlocked, resp.StatusCode)
	}
	return out
}

func (e *Executor) executeBrowser(ctx context.Context, snap *config.Snapshot, req Request, route proxy.Resolution) Outcome {
	sess, err := e.runners.For(snap).Open(ctx, e.browserRequest(ctx, snap, req, route, false))
	if err != nil {
		return Outcome{Err: transportError(ctx, err)}
	}
	defer e.closeSession(sess, req.URL)

	state, err := sess.Inspect(ctx)
	if err != nil {
		return Outcome{Err: transportError(ctx, err)}
	}
	det := detector.FromConfig(snap.Browser)
	out := Outcome{}
	state, out.Challenge, err = e.awaitChallenge(ctx, snap, det, sess, state)
	out.HTTPStatus = state.HTTPStatus
	out.FinalURL = state.FinalURL
	if err != nil {
		out.Err = err
		return out
	}
	switch state.Classification {
	case pacer.ClassTimeout:
		out.Err = fmt.Errorf("%w: reported by browser executor", pacer.ErrExecutionTimeout)
	case pacer.ClassNetworkError:
		out.Err = fmt.Errorf("%w: reported by browser executor", pacer.ErrNetwork)
	default:
		if state.HTTPStatus != 0 && !statusOK(state.HTTPStatus) {
			out.Err = fmt.Errorf("%w: status %d", pacer.ErrExecutionBlocked, state.HTTPStatus)
		}
	}
	return out
}

// awaitChallenge polls the session while a challenge is showing, clicking
// continue controls, until it clears or browser.challenge_budget is spent.
func (e *Executor) awaitChallenge(
	ctx context.Context,
	snap *config.Snapshot,
	det *detector.Detector,
	sess pacer.BrowserSession,
	state pacer.PageState,
) (pacer.PageState, string, error) {
	budgetEnd := e.clock.Now().Add(snap.Browser.ChallengeBudget)
	seen := ""
	for {
		match, challenged := det.Detect(detector.Page{Title: state.Title, Body: state.Content, Status: state.HTTPStatus})
		if !challenged && state.Classification == pacer.ClassBlocked {
			match, challenged = detector.Match{Signature: "executor"}, true
		}
		if !challenged {
			return state, seen, nil
		}
		seen = match.Signature
		if !e.clock.Now().Before(budgetEnd) {
			return state, seen, fmt.Errorf("%w: %s challenge persisted past %s", pacer.ErrExecutionBlocked, seen, snap.Browser.ChallengeBudget)
		}
		for _, selector := range det.ContinueSelectors() {
			clicked, err := sess.Click(ctx, selector)
			if err != nil {
				e.logger.Debug("continue click failed", zap.String("selector", selector), zap.Error(err))
				continue
			}
			if clicked {
				break
			}
		}
		timer := time.NewTimer(snap.Browser.ChallengePoll)
		select {
		case <-ctx.Done():
			timer.Stop()
			return state, seen, fmt.Errorf("%w: %s challenge unresolved: %w", pacer.ErrExecutionBlocked, seen, ctx.Err())
		case <-timer.C:
		}
		next, err := sess.Inspect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return state, seen, fmt.Errorf("%w: %s challenge unresolved: %w", pacer.ErrExecutionBlocked, seen, ctx.Err())
			}
			return state, seen, transportError(ctx, err)
		}
		state = next
	}
}

func (e *Executor) browserRequest(ctx context.Context, snap *config.Snapshot, req Request, route proxy.Resolution, diagnose bool) pacer.BrowserRequest {
	timeout := snap.Engine.VisitTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	return pacer.BrowserRequest{
		URL:        req.URL,
		Referer:    req.Referer,
		WaitUntil:  snap.Browser.WaitUntil,
		TimeoutMs:  timeout.Milliseconds(),
		Screenshot: diagnose,
		FullPage:   diagnose,
		Proxy:      route.Endpoint,
	}
}

// closeSession always runs with its own context so a canceled visit still
// releases the browser.
func (e *Executor) closeSession(sess pacer.BrowserSession, target string) {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	if err := sess.Close(ctx); err != nil {
		e.logger.Warn("browser session close failed", zap.String("url", target), zap.Error(err))
	}
}

// Diagnosis is the raw result of an operator-requested browser visit.
type Diagnosis struct {
	Response      pacer.BrowserResponse `json:"response"`
	Proxy         string                `json:"proxy"`
	ScreenshotURI string                `json:"screenshot_uri,omitempty"`
}

// Diagnose runs one browser visit with a full-page screenshot and returns
// the executor response unmodified. It never reports to observers.
func (e *Executor) Diagnose(ctx context.Context, snap *config.Snapshot, req Request) (Diagnosis, error) {
	ctx, cancel := context.WithTimeout(ctx, snap.Engine.VisitTimeout)
	defer cancel()

	route := e.proxies.Resolve(snap, req.Country)
	diag := Diagnosis{Proxy: route.Label()}
	sess, err := e.runners.For(snap).Open(ctx, e.browserRequest(ctx, snap, req, route, true))
	if err != nil {
		return diag, transportError(ctx, err)
	}
	defer e.closeSession(sess, req.URL)

	resp, err := sess.Response(ctx)
	if err != nil {
		return diag, transportError(ctx, err)
	}
	diag.Response = resp
	if e.blobs != nil && resp.ScreenshotBase64 != "" {
		uri, err := e.archiveScreenshot(ctx, snap, req.URL, resp.ScreenshotBase64)
		if err != nil {
			e.logger.Warn("screenshot archive failed", zap.String("url", req.URL), zap.Error(err))
		}
		diag.ScreenshotURI = uri
	}
	return diag, nil
}

func (e *Executor) archiveScreenshot(ctx context.Context, snap *config.Snapshot, target, encoded string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("decode screenshot: %w", err)
	}
	name := e.clock.Now().UTC().Format("150405")
	if e.ids != nil {
		if id, err := e.ids.NewID(); err == nil {
			name = id
		}
	}
	host := "unknown"
	if u, err := url.Parse(target); err == nil && u.Host != "" {
		host = u.Host
	}
	key := path.Join(snap.Storage.Prefix, pacer.DateOf(e.clock.Now(), snap.Location), host, name+".png")
	uri, err := e.blobs.PutObject(ctx, key, "image/png", bytes.NewReader(raw))
	if err != nil {
		return "", fmt.Errorf("put screenshot: %w", err)
	}
	return uri, nil
}

func transportError(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, pacer.ErrExecutorUnavailable):
		return fmt.Errorf("%w: %w", pacer.ErrNetwork, err)
	case isTimeout(err) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", pacer.ErrExecutionTimeout, err)
	default:
		return fmt.Errorf("%w: %w", pacer.ErrNetwork, err)
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func statusOK(status int) bool {
	return status >= 200 && status < 400
}

package executor

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/trafficpacer/internal/clock/system"
	"github.com/JakeFAU/trafficpacer/internal/config"
	collyfetcher "github.com/JakeFAU/trafficpacer/internal/fetcher/colly"
	"github.com/JakeFAU/trafficpacer/internal/pacer"
	"github.com/JakeFAU/trafficpacer/internal/proxy"
)

func testSnapshot(t *testing.T) *config.Snapshot {
	t.Helper()
	cfg := config.Default()
	cfg.Engine.HTTPConcurrency = 4
	cfg.Engine.BrowserConcurrency = 2
	cfg.Engine.MaxStepsPerTick = 10
	cfg.Engine.OwnerRPM = 60
	cfg.Engine.VisitTimeout = 2 * time.Second
	cfg.Engine.LeaseTTL = 10 * time.Second
	cfg.Browser.ChallengeBudget = 80 * time.Millisecond
	cfg.Browser.ChallengePoll = 10 * time.Millisecond
	cfg.Proxy.Countries = map[string]string{"US": "http://us.proxy:8080"}
	snap, err := config.NewSnapshot(cfg)
	require.NoError(t, err)
	return snap
}

type fakeFetcher struct {
	resp collyfetcher.Response
	err  error
	got  collyfetcher.Request
}

func (f *fakeFetcher) Fetch(_ context.Context, req collyfetcher.Request) (collyfetcher.Response, error) {
	f.got = req
	return f.resp, f.err
}

type fakeSession struct {
	mu      sync.Mutex
	states  []pacer.PageState
	inspect int
	clicks  []string
	clickOK string
	resp    pacer.BrowserResponse
	closed  bool
	closeOK bool
}

func (s *fakeSession) Inspect(context.Context) (pacer.PageState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.inspect
	if idx >= len(s.states) {
		idx = len(s.states) - 1
	}
	s.inspect++
	return s.states[idx], nil
}

func (s *fakeSession) Click(_ context.Context, selector string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clicks = append(s.clicks, selector)
	return selector == s.clickOK, nil
}

func (s *fakeSession) Response(context.Context) (pacer.BrowserResponse, error) {
	return s.resp, nil
}

func (s *fakeSession) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.closeOK = ctx.Err() == nil
	return nil
}

type fakeRunner struct {
	sess *fakeSession
	err  error
	req  pacer.BrowserRequest
}

func (r *fakeRunner) Open(_ context.Context, req pacer.BrowserRequest) (pacer.BrowserSession, error) {
	r.req = req
	if r.err != nil {
		return nil, r.err
	}
	return r.sess, nil
}

type staticRunners struct{ runner pacer.BrowserRunner }

func (s staticRunners) For(*config.Snapshot) pacer.BrowserRunner { return s.runner }

type memBlobs struct {
	key  string
	data []byte
}

func (m *memBlobs) PutObject(_ context.Context, key, _ string, r io.Reader) (string, error) {
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(r); err != nil {
		return "", err
	}
	m.key, m.data = key, buf.Bytes()
	return "mem://" + key, nil
}

type fixedIDs struct{}

func (fixedIDs) NewID() (string, error) { return "shot-1", nil }

func newTestExecutor(fetcher HTTPFetcher, runner pacer.BrowserRunner, opts Options) *Executor {
	return New(fetcher, staticRunners{runner: runner}, proxy.NewSelector(zap.NewNop()), system.New(), zap.NewNop(), opts)
}

func TestExecuteHTTPSuccessUsesProxy(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{resp: collyfetcher.Response{StatusCode: http.StatusOK, FinalURL: "https://t.example/", Body: []byte("<title>Shop</title>")}}
	exec := newTestExecutor(fetcher, nil, Options{})

	out := exec.Execute(context.Background(), testSnapshot(t), Request{URL: "https://t.example", Referer: "https://ref.example", Country: "us", Mode: pacer.ModeHTTP})
	require.NoError(t, out.Err)
	assert.Equal(t, pacer.ClassSuccess, out.Classification)
	assert.Equal(t, pacer.ModeHTTP, out.Mode)
	assert.Equal(t, "http://us.proxy:8080", out.Proxy)
	assert.Equal(t, "http://us.proxy:8080", fetcher.got.Proxy)
	assert.Equal(t, "https://ref.example", fetcher.got.Referer)
}

const contactPage = `<html><head><title>Contact us | Acme</title>
<script src="https://www.google.com/recaptcha/api.js"></script></head>
<body><form><div class="g-recaptcha" data-sitekey="k"></div></form>
<p>Reference #4411 on your invoice.</p></body></html>`

func TestExecuteHTTPClassification(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		resp collyfetcher.Response
		err  error
		want pacer.Classification
	}{
		{name: "redirect kept", resp: collyfetcher.Response{StatusCode: http.StatusFound}, want: pacer.ClassSuccess},
		{name: "forbidden", resp: collyfetcher.Response{StatusCode: http.StatusForbidden}, want: pacer.ClassBlocked},
		{name: "challenge on 200", resp: collyfetcher.Response{StatusCode: http.StatusOK, Body: []byte("<title>Just a moment...</title>")}, want: pacer.ClassBlocked},
		{name: "form captcha on 200", resp: collyfetcher.Response{StatusCode: http.StatusOK, Body: []byte(contactPage)}, want: pacer.ClassSuccess},
		{name: "captcha on 403", resp: collyfetcher.Response{StatusCode: http.StatusForbidden, Body: []byte(contactPage)}, want: pacer.ClassBlocked},
		{name: "deadline", err: fmt.Errorf("colly visit canceled: %w", context.DeadlineExceeded), want: pacer.ClassTimeout},
		{name: "connection refused", err: errors.New("dial tcp: connection refused"), want: pacer.ClassNetworkError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			exec := newTestExecutor(&fakeFetcher{resp: tt.resp, err: tt.err}, nil, Options{})
			out := exec.Execute(context.Background(), testSnapshot(t), Request{URL: "https://t.example"})
			assert.Equal(t, tt.want, out.Classification)
			assert.Equal(t, pacer.ModeHTTP, out.Mode)
			if tt.want != pacer.ClassSuccess {
				assert.Error(t, out.Err)
			}
		})
	}
}

func TestExecuteFallsBackToDirect(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{resp: collyfetcher.Response{StatusCode: http.StatusOK}}
	out := newTestExecutor(fetcher, nil, Options{}).Execute(context.Background(), testSnapshot(t), Request{URL: "https://t.example", Country: "FR"})
	require.NoError(t, out.Err)
	assert.Equal(t, proxy.DirectLabel, out.Proxy)
	assert.Empty(t, fetcher.got.Proxy)
}

func TestExecuteBrowserChallengeClears(t *testing.T) {
	t.Parallel()

	sess := &fakeSession{
		states: []pacer.PageState{
			{HTTPStatus: 503, Title: "Just a moment..."},
			{HTTPStatus: 200, Title: "Store", FinalURL: "https://t.example/home"},
		},
		clickOK: "button#challenge-continue",
	}
	exec := newTestExecutor(nil, &fakeRunner{sess: sess}, Options{})
	out := exec.Execute(context.Background(), testSnapshot(t), Request{URL: "https://t.example", Mode: pacer.ModeBrowser})

	require.NoError(t, out.Err)
	assert.Equal(t, pacer.ClassSuccess, out.Classification)
	assert.Equal(t, "cloudflare", out.Challenge)
	assert.Equal(t, "https://t.example/home", out.FinalURL)
	assert.Contains(t, sess.clicks, "button#challenge-continue")
	assert.True(t, sess.closed)
	assert.True(t, sess.closeOK)
}

func TestExecuteBrowserEmbeddedCaptchaIsSuccess(t *testing.T) {
	t.Parallel()

	sess := &fakeSession{states: []pacer.PageState{{HTTPStatus: 200, Title: "Contact us | Acme", Content: contactPage}}}
	exec := newTestExecutor(nil, &fakeRunner{sess: sess}, Options{})
	out := exec.Execute(context.Background(), testSnapshot(t), Request{URL: "https://t.example/contact", Mode: pacer.ModeBrowser})
	require.NoError(t, out.Err)
	assert.Equal(t, pacer.ClassSuccess, out.Classification)
	assert.Empty(t, out.Challenge)
	assert.Empty(t, sess.clicks)
}

func TestExecuteBrowserChallengeExhaustsBudget(t *testing.T) {
	t.Parallel()

	sess := &fakeSession{states: []pacer.PageState{{HTTPStatus: 403, Content: `<div class="g-recaptcha"></div>`}}}
	exec := newTestExecutor(nil, &fakeRunner{sess: sess}, Options{})
	out := exec.Execute(context.Background(), testSnapshot(t), Request{URL: "https://t.example", Mode: pacer.ModeBrowser})

	require.ErrorIs(t, out.Err, pacer.ErrExecutionBlocked)
	assert.Equal(t, pacer.ClassBlocked, out.Classification)
	assert.Equal(t, "recaptcha", out.Challenge)
	assert.Greater(t, sess.inspect, 1)
	assert.True(t, sess.closed)
}

func TestExecuteBrowserExecutorUnavailable(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{err: fmt.Errorf("%w: refused", pacer.ErrExecutorUnavailable)}
	out := newTestExecutor(nil, runner, Options{}).Execute(context.Background(), testSnapshot(t), Request{URL: "https://t.example", Mode: pacer.ModeBrowser})
	assert.Equal(t, pacer.ClassNetworkError, out.Classification)
	assert.ErrorIs(t, out.Err, pacer.ErrExecutorUnavailable)
	assert.Equal(t, pacer.ModeBrowser, out.Mode)
}

func TestExecuteBrowserReportedTimeout(t *testing.T) {
	t.Parallel()

	sess := &fakeSession{states: []pacer.PageState{{Classification: pacer.ClassTimeout}}}
	out := newTestExecutor(nil, &fakeRunner{sess: sess}, Options{}).Execute(context.Background(), testSnapshot(t), Request{URL: "https://t.example", Mode: pacer.ModeBrowser})
	assert.Equal(t, pacer.ClassTimeout, out.Classification)
}

func TestExecuteBrowserClosesAfterCancel(t *testing.T) {
	t.Parallel()

	sess := &fakeSession{states: []pacer.PageState{{Title: "Just a moment..."}}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out := newTestExecutor(nil, &fakeRunner{sess: sess}, Options{}).Execute(ctx, testSnapshot(t), Request{URL: "https://t.example", Mode: pacer.ModeBrowser})
	assert.Equal(t, pacer.ClassBlocked, out.Classification)
	assert.True(t, sess.closed)
	assert.True(t, sess.closeOK)
}

func TestDiagnoseReturnsRawResponseAndArchives(t *testing.T) {
	t.Parallel()

	raw := pacer.BrowserResponse{
		OK:               false,
		HTTPStatus:       403,
		Classification:   pacer.ClassBlocked,
		DurationMs:       900,
		ScreenshotBase64: base64.StdEncoding.EncodeToString([]byte("png-bytes")),
	}
	runner := &fakeRunner{sess: &fakeSession{resp: raw}}
	blobs := &memBlobs{}
	exec := newTestExecutor(nil, runner, Options{Blobs: blobs, IDs: fixedIDs{}})

	diag, err := exec.Diagnose(context.Background(), testSnapshot(t), Request{URL: "https://t.example/x", Country: "US"})
	require.NoError(t, err)
	assert.Equal(t, raw, diag.Response)
	assert.True(t, runner.req.Screenshot)
	assert.True(t, runner.req.FullPage)
	assert.Equal(t, "http://us.proxy:8080", runner.req.Proxy)
	assert.Equal(t, []byte("png-bytes"), blobs.data)
	assert.Contains(t, blobs.key, "t.example/shot-1.png")
	assert.Equal(t, "mem://"+blobs.key, diag.ScreenshotURI)
}

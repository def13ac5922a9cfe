// Package remote drives an external browser-automation executor over HTTP.
package remote

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/JakeFAU/trafficpacer/internal/pacer"
)

// Config controls the executor client.
type Config struct {
	URL       string
	UserAgent string
	Retries   int
}

// Runner implements pacer.BrowserRunner against a remote executor endpoint.
// Every inspection is a fresh POST; the remote executor cannot click.
type Runner struct {
	url    string
	client *resty.Client
}

// New builds a Runner for cfg.URL.
func New(cfg Config) *Runner {
	client := resty.New().
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json").
		SetRetryCount(cfg.Retries).
		SetRetryWaitTime(200 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			if r == nil {
				return true
			}
			return r.StatusCode() >= 502
		})
	if cfg.UserAgent != "" {
		client.SetHeader("User-Agent", cfg.UserAgent)
	}
	return &Runner{url: cfg.URL, client: client}
}

// Open posts the first request and returns a session around its response.
func (r *Runner) Open(ctx context.Context, req pacer.BrowserRequest) (pacer.BrowserSession, error) {
	resp, err := r.post(ctx, req)
	if err != nil {
		return nil, err
	}
	return &session{runner: r, req: req, last: resp, fresh: true}, nil
}

func (r *Runner) post(ctx context.Context, req pacer.BrowserRequest) (pacer.BrowserResponse, error) {
	var out pacer.BrowserResponse
	resp, err := r.client.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&out).
		Post(r.url)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return pacer.BrowserResponse{}, fmt.Errorf("browser executor call: %w", ctxErr)
		}
		return pacer.BrowserResponse{}, fmt.Errorf("%w: %w", pacer.ErrExecutorUnavailable, err)
	}
	if resp.IsError() {
		return pacer.BrowserResponse{}, fmt.Errorf("%w: executor returned %s", pacer.ErrExecutorUnavailable, resp.Status())
	}
	return out, nil
}

type session struct {
	runner *Runner
	req    pacer.BrowserRequest
	last   pacer.BrowserResponse
	fresh  bool
}

func (s *session) Inspect(ctx context.Context) (pacer.PageState, error) {
	if !s.fresh {
		req := s.req
		req.Screenshot = false
		resp, err := s.runner.post(ctx, req)
		if err != nil {
			return pacer.PageState{}, err
		}
		s.last = resp
	}
	s.fresh = false
	return pacer.PageState{
		FinalURL:   s.last.FinalURL,
		HTTPStatus: s.last.HTTPStatus,
		Title:      s.last.Title,
		Content:    s.last.Content,

		Classification: s.last.Classification,
	}, nil
}

func (s *session) Click(context.Context, string) (bool, error) {
	return false, nil
}

func (s *session) Response(context.Context) (pacer.BrowserResponse, error) {
	return s.last, nil
}

func (s *session) Close(context.Context) error {
	return nil
}

package executor

import (
	"sync"

	"github.com/JakeFAU/trafficpacer/internal/config"
	"github.com/JakeFAU/trafficpacer/internal/fetcher/headless"
	"github.com/JakeFAU/trafficpacer/internal/fetcher/remote"
	"github.com/JakeFAU/trafficpacer/internal/pacer"
)

// RunnerSource picks the browser runner for the current snapshot.
type RunnerSource interface {
	For(snap *config.Snapshot) pacer.BrowserRunner
}

// Runners selects the remote executor when browser.executor_url is set, the
// local chromedp runner when browser.local_enabled, and a failing runner
// otherwise. Runners are reused while their settings stay the same.
type Runners struct {
	mu     sync.Mutex
	remote map[string]*remote.Runner
	local  *headless.Runner
	noop   *headless.Noop
}

// NewRunners builds an empty runner cache.
func NewRunners() *Runners {
	return &Runners{remote: make(map[string]*remote.Runner), noop: headless.NewNoop()}
}

// For implements RunnerSource.
func (r *Runners) For(snap *config.Snapshot) pacer.BrowserRunner {
	r.mu.Lock()
	defer r.mu.Unlock()
	if url := snap.Browser.ExecutorURL; url != "" {
		runner, ok := r.remote[url]
		if !ok {
			runner = remote.New(remote.Config{URL: url, UserAgent: snap.Engine.UserAgent, Retries: 1})
			r.remote[url] = runner
		}
		return runner
	}
	if snap.Browser.LocalEnabled {
		if r.local == nil {
			r.local = headless.NewRunner(headless.Config{
				UserAgent: snap.Engine.UserAgent,
				Headless:  snap.Browser.LocalHeadless,
			})
		}
		return r.local
	}
	return r.noop
}

// Close shuts down the local browser, if one was started.
func (r *Runners) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.local != nil {
		r.local.Close()
		r.local = nil
	}
}

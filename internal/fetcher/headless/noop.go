package headless

import (
	"context"
	"fmt"

	"github.com/JakeFAU/trafficpacer/internal/pacer"
)

// Noop implements pacer.BrowserRunner when neither a remote executor nor a
// local browser is configured. Every Open fails as executor-unavailable.
type Noop struct{}

// NewNoop creates a new Noop runner.
func NewNoop() *Noop {
	return &Noop{}
}

// Open always fails.
func (Noop) Open(_ context.Context, req pacer.BrowserRequest) (pacer.BrowserSession, error) {
	return nil, fmt.Errorf("%w: no browser runner configured for %s", pacer.ErrExecutorUnavailable, req.URL)
}

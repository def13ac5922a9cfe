package failure

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/trafficpacer/internal/config"
	"github.com/JakeFAU/trafficpacer/internal/executor"
	"github.com/JakeFAU/trafficpacer/internal/pacer"
)

// View is a failure record with its derived state, as shown to operators.
type View struct {
	pacer.FailureRecord
	State               pacer.URLState `json:"state"`
	PreferBrowserActive bool           `json:"prefer_browser_active"`
}

// ViewPage is one page of views.
type ViewPage struct {
	Records  []View `json:"records"`
	Total    int    `json:"total"`
	Page     int    `json:"page"`
	PageSize int    `json:"page_size"`
}

// Update is a partial operator edit. Nil fields are left unchanged.
type Update struct {
	PreferBrowser *bool   `json:"prefer_browser,omitempty"`
	ResetCounters bool    `json:"reset_counters,omitempty"`
	ClearPrefer   bool    `json:"clear_prefer,omitempty"`
	Notes         *string `json:"notes,omitempty"`
}

// BatchOp names a bulk operator action.
type BatchOp string

// Supported batch operations.
const (
	BatchPrefer      BatchOp = "prefer"
	BatchReset       BatchOp = "reset"
	BatchClearPrefer BatchOp = "clear_prefer"
	BatchDelete      BatchOp = "delete"
)

// ErrUnknownBatchOp is returned for unsupported batch operations.
var ErrUnknownBatchOp = errors.New("unknown batch operation")

// BatchResult reports per-ID outcomes of a batch.
type BatchResult struct {
	Succeeded []string          `json:"succeeded"`
	Failed    map[string]string `json:"failed,omitempty"`
}

func (t *Tracker) view(snap *config.Snapshot, rec pacer.FailureRecord) View {
	return View{
		FailureRecord:       rec,
		State:               rec.State(snap.FailurePolicy()),
		PreferBrowserActive: rec.PreferBrowserActive(t.clock.Now()),
	}
}

// Search pages through records matching a keyword and/or owner.
func (t *Tracker) Search(ctx context.Context, snap *config.Snapshot, query pacer.FailureQuery) (ViewPage, error) {
	page, err := t.store.SearchFailures(ctx, query.Normalize())
	if err != nil {
		return ViewPage{}, fmt.Errorf("search failures: %w", err)
	}
	out := ViewPage{Total: page.Total, Page: page.Page, PageSize: page.PageSize, Records: make([]View, 0, len(page.Records))}
	for _, rec := range page.Records {
		out.Records = append(out.Records, t.view(snap, rec))
	}
	return out, nil
}

// Get returns one record by ID.
func (t *Tracker) Get(ctx context.Context, snap *config.Snapshot, id string) (View, error) {
	rec, err := t.store.GetFailureByID(ctx, id)
	if err != nil {
		return View{}, err
	}
	return t.view(snap, rec), nil
}

// Update applies an operator edit to the record with id.
func (t *Tracker) Update(ctx context.Context, snap *config.Snapshot, id string, upd Update) (View, error) {
	current, err := t.store.GetFailureByID(ctx, id)
	if err != nil {
		return View{}, err
	}
	now := t.clock.Now()
	policy := snap.FailurePolicy()
	rec, _, err := t.store.UpdateFailure(ctx, current.OwnerID, current.URL, func(rec *pacer.FailureRecord, found bool) (bool, error) {
		if !found {
			return false, fmt.Errorf("failure %s: %w", id, pacer.ErrNotFound)
		}
		if upd.ResetCounters {
			rec.HTTPFailConsecutive = 0
			rec.BrowserFailConsecutive = 0
		}
		if upd.ClearPrefer {
			rec.PreferBrowserUntil = nil
		}
		if upd.PreferBrowser != nil {
			if *upd.PreferBrowser {
				until := now.Add(policy.Cooldown)
				rec.PreferBrowserUntil = &until
			} else {
				rec.PreferBrowserUntil = nil
			}
		}
		if upd.Notes != nil {
			rec.Notes = *upd.Notes
		}
		rec.UpdatedAt = now
		return true, nil
	})
	if err != nil {
		return View{}, err
	}
	t.logger.Info("failure record updated by operator",
		zap.String("id", id),
		zap.String("url", rec.URL),
		zap.Bool("reset_counters", upd.ResetCounters),
		zap.Bool("clear_prefer", upd.ClearPrefer),
	)
	return t.view(snap, rec), nil
}

// ForcePreferBrowser opens a fresh prefer-browser window.
func (t *Tracker) ForcePreferBrowser(ctx context.Context, snap *config.Snapshot, id string) (View, error) {
	prefer := true
	return t.Update(ctx, snap, id, Update{PreferBrowser: &prefer})
}

// ResetCounters zeroes both consecutive-failure counters.
func (t *Tracker) ResetCounters(ctx context.Context, snap *config.Snapshot, id string) (View, error) {
	return t.Update(ctx, snap, id, Update{ResetCounters: true})
}

// ClearPrefer removes the prefer-browser window.
func (t *Tracker) ClearPrefer(ctx context.Context, snap *config.Snapshot, id string) (View, error) {
	return t.Update(ctx, snap, id, Update{ClearPrefer: true})
}

// SetNotes replaces the operator notes.
func (t *Tracker) SetNotes(ctx context.Context, snap *config.Snapshot, id, notes string) (View, error) {
	return t.Update(ctx, snap, id, Update{Notes: &notes})
}

// Delete removes the record.
func (t *Tracker) Delete(ctx context.Context, id string) error {
	if err := t.store.DeleteFailure(ctx, id); err != nil {
		return fmt.Errorf("delete failure %s: %w", id, err)
	}
	t.logger.Info("failure record deleted by operator", zap.String("id", id))
	return nil
}

// Batch applies op to every id, continuing past individual failures.
func (t *Tracker) Batch(ctx context.Context, snap *config.Snapshot, op BatchOp, ids []string) (BatchResult, error) {
	var apply func(id string) error
	switch op {
	case BatchPrefer:
		apply = func(id string) error { _, err := t.ForcePreferBrowser(ctx, snap, id); return err }
	case BatchReset:
		apply = func(id string) error { _, err := t.ResetCounters(ctx, snap, id); return err }
	case BatchClearPrefer:
		apply = func(id string) error { _, err := t.ClearPrefer(ctx, snap, id); return err }
	case BatchDelete:
		apply = func(id string) error { return t.Delete(ctx, id) }
	default:
		return BatchResult{}, fmt.Errorf("%w: %q", ErrUnknownBatchOp, op)
	}
	result := BatchResult{Succeeded: make([]string, 0, len(ids))}
	for _, id := range ids {
		if err := apply(id); err != nil {
			if result.Failed == nil {
				result.Failed = make(map[string]string)
			}
			result.Failed[id] = err.Error()
			continue
		}
		result.Succeeded = append(result.Succeeded, id)
	}
	return result, nil
}

// Diagnose runs one browser visit of the record's URL for inspection. It
// never touches the counters.
func (t *Tracker) Diagnose(ctx context.Context, snap *config.Snapshot, id, country string) (executor.Diagnosis, error) {
	if t.diagnoser == nil {
		return executor.Diagnosis{}, fmt.Errorf("%w: diagnosis not configured", pacer.ErrExecutorUnavailable)
	}
	rec, err := t.store.GetFailureByID(ctx, id)
	if err != nil {
		return executor.Diagnosis{}, err
	}
	return t.diagnoser.Diagnose(ctx, snap, executor.Request{URL: rec.URL, Country: country, Mode: pacer.ModeBrowser})
}

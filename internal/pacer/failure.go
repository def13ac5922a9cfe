package pacer

import "time"

// URLState is the failure-tracker state derived from a FailureRecord.
type URLState string

// Failure tracker states.
const (
	StateHealthy         URLState = "healthy"
	StateHTTPDegraded    URLState = "http_degraded"
	StateBrowserDegraded URLState = "browser_degraded"
)

// FailurePolicy holds the escalation thresholds and the prefer-browser cooldown.
type FailurePolicy struct {
	HTTPThreshold    int
	BrowserThreshold int
	Cooldown         time.Duration
}

// FailureRecord tracks consecutive failures for one URL scoped by owner.
type FailureRecord struct {
	ID                     string     `json:"id"`
	OwnerID                string     `json:"owner_id"`
	URL                    string     `json:"url"`
	HTTPFailConsecutive    int        `json:"http_fail_consecutive"`
	BrowserFailConsecutive int        `json:"browser_fail_consecutive"`
	LastFailAt             *time.Time `json:"last_fail_at,omitempty"`
	PreferBrowserUntil     *time.Time `json:"prefer_browser_until,omitempty"`
	Notes                  string     `json:"notes,omitempty"`
	CreatedAt              time.Time  `json:"created_at"`
	UpdatedAt              time.Time  `json:"updated_at"`
}

// State derives the tracker state from the counters.
func (r FailureRecord) State(p FailurePolicy) URLState {
	httpOver := p.HTTPThreshold > 0 && r.HTTPFailConsecutive >= p.HTTPThreshold
	browserOver := p.BrowserThreshold > 0 && r.BrowserFailConsecutive >= p.BrowserThreshold
	switch {
	case httpOver && browserOver:
		return StateBrowserDegraded
	case httpOver:
		return StateHTTPDegraded
	default:
		return StateHealthy
	}
}

// PreferBrowserActive reports whether the prefer-browser window is set and unexpired.
func (r FailureRecord) PreferBrowserActive(now time.Time) bool {
	return r.PreferBrowserUntil != nil && now.Before(*r.PreferBrowserUntil)
}

// Counter returns the consecutive-failure counter for mode.
func (r FailureRecord) Counter(mode Mode) int {
	if mode == ModeBrowser {
		return r.BrowserFailConsecutive
	}
	return r.HTTPFailConsecutive
}

// FailureQuery filters the operator search over failure records.
type FailureQuery struct {
	Keyword  string
	OwnerID  string
	Page     int
	PageSize int
}

// Normalize clamps paging to sane values.
func (q FailureQuery) Normalize() FailureQuery {
	if q.Page < 1 {
		q.Page = 1
	}
	if q.PageSize <= 0 {
		q.PageSize = 20
	}
	if q.PageSize > 200 {
		q.PageSize = 200
	}
	return q
}

// Offset is the zero-based index of the first record on the page.
func (q FailureQuery) Offset() int {
	return (q.Page - 1) * q.PageSize
}

// FailurePage is one page of failure records.
type FailurePage struct {
	Records  []FailureRecord `json:"records"`
	Total    int             `json:"total"`
	Page     int             `json:"page"`
	PageSize int             `json:"page_size"`
}

// FailureMutator edits a record in place inside a store-level critical section.
// found is false when no record exists yet; returning false discards the change.
type FailureMutator func(rec *FailureRecord, found bool) (bool, error)

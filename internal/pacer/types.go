package pacer

import (
	"fmt"
	"time"
)

// TaskStatus represents the lifecycle state of a visit task.
type TaskStatus string

// Task status values persisted in the task store.
const (
	TaskPending    TaskStatus = "pending"
	TaskRunning    TaskStatus = "running"
	TaskPaused     TaskStatus = "paused"
	TaskCompleted  TaskStatus = "completed"
	TaskTerminated TaskStatus = "terminated"
)

// Valid reports whether s is a known status.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskPending, TaskRunning, TaskPaused, TaskCompleted, TaskTerminated:
		return true
	default:
		return false
	}
}

// Schedulable reports whether the tick driver should consider a task in this status.
func (s TaskStatus) Schedulable() bool {
	return s == TaskPending || s == TaskRunning
}

// Mode selects how a visit is executed.
type Mode string

// Execution modes.
const (
	ModeHTTP    Mode = "http"
	ModeBrowser Mode = "browser"
)

// Classification is the outcome category of a single visit attempt.
type Classification string

// Attempt classifications.
const (
	ClassSuccess      Classification = "success"
	ClassBlocked      Classification = "blocked"
	ClassTimeout      Classification = "timeout"
	ClassNetworkError Classification = "network_error"
)

// HourWindow is the active-hour window [Start, End) in the engine timezone.
// End <= Start wraps past midnight; Start == End has no active hours.
type HourWindow struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Hours lists the active hours in window order, earliest first.
func (w HourWindow) Hours() []int {
	if w.Start < 0 || w.Start > 23 || w.End < 0 || w.End > 24 || w.Start == w.End {
		return nil
	}
	var hours []int
	if w.End > w.Start {
		for h := w.Start; h < w.End; h++ {
			hours = append(hours, h)
		}
		return hours
	}
	for h := w.Start; h < 24; h++ {
		hours = append(hours, h)
	}
	for h := 0; h < w.End; h++ {
		hours = append(hours, h)
	}
	return hours
}

// Contains reports whether hour is inside the window.
func (w HourWindow) Contains(hour int) bool {
	for _, h := range w.Hours() {
		if h == hour {
			return true
		}
	}
	return false
}

// Task is an owner's registration of a target URL with a daily visit quota.
type Task struct {
	ID         string     `json:"id"`
	OwnerID    string     `json:"owner_id"`
	TargetURL  string     `json:"target_url"`
	Referer    string     `json:"referer,omitempty"`
	Country    string     `json:"country,omitempty"`
	DailyQuota int        `json:"daily_quota"`
	Window     HourWindow `json:"window"`
	Status     TaskStatus `json:"status"`
	EndDate    string     `json:"end_date,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// Validate checks the fields a task needs before it can be planned.
func (t Task) Validate() error {
	switch {
	case t.OwnerID == "":
		return fmt.Errorf("owner id is required")
	case t.TargetURL == "":
		return fmt.Errorf("target url is required")
	case t.DailyQuota < 0:
		return fmt.Errorf("daily quota must be >= 0")
	case len(t.Window.Hours()) == 0:
		return fmt.Errorf("%w: window %d-%d", ErrNoActiveHours, t.Window.Start, t.Window.End)
	}
	if t.EndDate != "" {
		if _, err := ParseDate(t.EndDate); err != nil {
			return err
		}
	}
	return nil
}

// HoursPerDay is the length of the hourly arrays in a Plan.
const HoursPerDay = 24

// Plan is the hour-by-hour quota distribution for one task on one calendar date.
type Plan struct {
	TaskID         string           `json:"task_id"`
	Date           string           `json:"date"`
	HourlyQuota    [HoursPerDay]int `json:"hourly_quota"`
	HourlyProgress [HoursPerDay]int `json:"hourly_progress"`
	PreferredMode  Mode             `json:"preferred_mode"`
	Frozen         bool             `json:"frozen"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

// Total sums the hourly quota.
func (p Plan) Total() int {
	sum := 0
	for _, v := range p.HourlyQuota {
		sum += v
	}
	return sum
}

// Delivered sums the hourly progress.
func (p Plan) Delivered() int {
	sum := 0
	for _, v := range p.HourlyProgress {
		sum += v
	}
	return sum
}

// Remaining is the undelivered quota for hour, never negative.
func (p Plan) Remaining(hour int) int {
	if hour < 0 || hour >= HoursPerDay {
		return 0
	}
	if r := p.HourlyQuota[hour] - p.HourlyProgress[hour]; r > 0 {
		return r
	}
	return 0
}

// WorkItem is one visit the tick driver wants delivered.
type WorkItem struct {
	TaskID        string
	OwnerID       string
	URL           string
	Referer       string
	Country       string
	Date          string
	Hour          int
	RequestedMode Mode
}

// Attempt records the outcome of a single executed visit.
type Attempt struct {
	ID             string         `json:"id"`
	TaskID         string         `json:"task_id"`
	OwnerID        string         `json:"owner_id"`
	URL            string         `json:"url"`
	Mode           Mode           `json:"mode"`
	Proxy          string         `json:"proxy,omitempty"`
	Classification Classification `json:"classification"`
	HTTPStatus     int            `json:"http_status,omitempty"`
	FinalURL       string         `json:"final_url,omitempty"`
	Duration       time.Duration  `json:"duration"`
	At             time.Time      `json:"at"`
	Date           string         `json:"date"`
	Hour           int            `json:"hour"`
	Error          string         `json:"error,omitempty"`
}

// Succeeded reports whether the visit counts toward the quota.
func (a Attempt) Succeeded() bool {
	return a.Classification == ClassSuccess
}

// BrowserRequest is the payload sent to the browser-automation executor.
type BrowserRequest struct {
	URL        string `json:"url"`
	Referer    string `json:"referer,omitempty"`
	WaitUntil  string `json:"waitUntil"`
	TimeoutMs  int64  `json:"timeoutMs"`
	Screenshot bool   `json:"screenshot,omitempty"`
	FullPage   bool   `json:"fullPage,omitempty"`
	Proxy      string `json:"proxy,omitempty"`
}

// BrowserResponse is the browser-automation executor's reply.
type BrowserResponse struct {
	OK               bool           `json:"ok"`
	HTTPStatus       int            `json:"httpStatus,omitempty"`
	FinalURL         string         `json:"finalUrl,omitempty"`
	Classification   Classification `json:"classification"`
	DurationMs       int64          `json:"durationMs"`
	ScreenshotBase64 string         `json:"screenshotBase64,omitempty"`
	Title            string         `json:"title,omitempty"`
	Content          string         `json:"content,omitempty"`
}

// Lease is a short-lived exclusive claim on a task's plan.
type Lease struct {
	TaskID    string
	Holder    string
	Token     string
	ExpiresAt time.Time
}

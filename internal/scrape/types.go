package scrape

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Status is the lifecycle state of a task.
type Status string

const (
	// StatusScheduled means the task is queued and waiting for its trigger time or a slot.
	StatusScheduled Status = "scheduled"
	// StatusRunning means an attempt is in flight.
	StatusRunning Status = "running"
	// StatusPaused means the task was removed from the queue by an operator.
	StatusPaused Status = "paused"
	// StatusCompleted is terminal.
	StatusCompleted Status = "completed"
	// StatusFailed is terminal unless a retry is pending.
	StatusFailed Status = "failed"
	// StatusCancelled is terminal.
	StatusCancelled Status = "cancelled"
)

// TaskConfig describes what a task scrapes and how it is retried.
type TaskConfig struct {
	URL            string            `mapstructure:"url" json:"url"`
	AdditionalURLs []string          `mapstructure:"additional_urls" json:"additional_urls,omitempty"`
	Selectors      map[string]string `mapstructure:"selectors" json:"selectors,omitempty"`
	Headers        map[string]string `mapstructure:"headers" json:"headers,omitempty"`
	ClientID       string            `mapstructure:"client_id" json:"client_id,omitempty"`
	MaxAttempts    int               `mapstructure:"max_attempts" json:"max_attempts,omitempty"`
	Timeout        time.Duration     `mapstructure:"timeout" json:"timeout,omitempty"`
	Priority       int               `mapstructure:"priority" json:"priority,omitempty"`
	Schedule       string            `mapstructure:"schedule" json:"schedule,omitempty"`
	StartAt        time.Time         `mapstructure:"start_at" json:"start_at,omitempty"`
	UserAgent      string            `mapstructure:"user_agent" json:"user_agent,omitempty"`
}

// Targets returns the primary URL followed by any additional URLs.
func (c TaskConfig) Targets() []string {
	out := make([]string, 0, 1+len(c.AdditionalURLs))
	out = append(out, c.URL)
	out = append(out, c.AdditionalURLs...)
	return out
}

// Domain returns the lowercase hostname of the primary URL.
func (c TaskConfig) Domain() string {
	u, err := url.Parse(c.URL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

// Validate performs the structural checks a task must pass before it is accepted.
func (c TaskConfig) Validate() error {
	for _, target := range c.Targets() {
		if strings.TrimSpace(target) == "" {
			return fmt.Errorf("%w: url is required", ErrConfiguration)
		}
		u, err := url.Parse(target)
		if err != nil {
			return fmt.Errorf("%w: parse url %q: %v", ErrConfiguration, target, err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("%w: unsupported scheme %q", ErrConfiguration, u.Scheme)
		}
		if u.Host == "" {
			return fmt.Errorf("%w: url %q has no host", ErrConfiguration, target)
		}
	}
	if c.MaxAttempts < 0 {
		return fmt.Errorf("%w: max_attempts must be >= 0", ErrConfiguration)
	}
	if c.Timeout < 0 {
		return fmt.Errorf("%w: timeout must be >= 0", ErrConfiguration)
	}
	return nil
}

// Task is a point-in-time snapshot of a scheduled task.
type Task struct {
	ID          string     `json:"id"`
	Config      TaskConfig `json:"config"`
	Priority    int        `json:"priority"`
	Status      Status     `json:"status"`
	ScheduledAt time.Time  `json:"scheduled_at"`
	TriggerAt   time.Time  `json:"trigger_at"`
	StartedAt   time.Time  `json:"started_at,omitempty"`
	EndedAt     time.Time  `json:"ended_at,omitempty"`
	Attempt     int        `json:"attempt"`
	LastError   string     `json:"last_error,omitempty"`
	// RetryPending is set while a Failed task waits for its next attempt.
	RetryPending bool `json:"retry_pending,omitempty"`
}

// IsTerminal reports whether the task will never run again.
func (t Task) IsTerminal() bool {
	switch t.Status {
	case StatusCompleted, StatusCancelled:
		return true
	case StatusFailed:
		return !t.RetryPending
	default:
		return false
	}
}

// ErrorClass labels why an attempt ended.
type ErrorClass string

const (
	// ErrorClassNone marks a successful attempt.
	ErrorClassNone ErrorClass = "none"
	// ErrorClassTransient marks a failure that may succeed on retry.
	ErrorClassTransient ErrorClass = "transient"
	// ErrorClassTerminal marks a failure retrying cannot fix.
	ErrorClassTerminal ErrorClass = "terminal"
	// ErrorClassCancelled marks an attempt stopped by cancellation.
	ErrorClassCancelled ErrorClass = "cancelled"
)

// Timings is the per-stage breakdown of one attempt.
type Timings struct {
	RateLimit  time.Duration `json:"rate_limit"`
	Proxy      time.Duration `json:"proxy"`
	Browser    time.Duration `json:"browser"`
	Extraction time.Duration `json:"extraction"`
	Total      time.Duration `json:"total"`
}

// TaskResult is emitted once per attempt to the result sink.
type TaskResult struct {
	ID         string     `json:"id"`
	TaskID     string     `json:"task_id"`
	Attempt    int        `json:"attempt"`
	Status     Status     `json:"status"`
	Success    bool       `json:"success"`
	Pages      int        `json:"pages"`
	Records    int        `json:"records"`
	Bytes      int64      `json:"bytes"`
	Artifacts  []string   `json:"artifacts,omitempty"`
	ErrorClass ErrorClass `json:"error_class"`
	Error      string     `json:"error,omitempty"`
	Proxy      string     `json:"proxy,omitempty"`
	WillRetry  bool       `json:"will_retry"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt time.Time  `json:"finished_at"`
	Timings    Timings    `json:"timings"`
}

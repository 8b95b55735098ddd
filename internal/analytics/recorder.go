// Package analytics keeps an in-process, capped log of send attempts and
// summarizes it on request. Nothing is persisted across restarts.
package analytics

import (
	"fmt"
	"sync"
	"time"

	"github.com/farakor/osonish-relay/internal/dispatch"
)

const (
	DefaultMaxEntries  = 10000
	DefaultKeepEntries = 5000

	recentEventsLimit = 50
)

type Status string

const (
	StatusSent   Status = "sent"
	StatusFailed Status = "failed"
)

type Entry struct {
	Platform   dispatch.Platform `json:"platform"`
	Status     Status            `json:"status"`
	Error      string            `json:"error,omitempty"`
	DurationMs int64             `json:"durationMs"`
	Timestamp  time.Time         `json:"timestamp"`
}

// Filter selects entries by inclusive time range and platform. Zero values leave
// the corresponding bound open.
type Filter struct {
	From     time.Time
	To       time.Time
	Platform dispatch.Platform
}

type Totals struct {
	Total       int    `json:"total"`
	Successful  int    `json:"successful"`
	Failed      int    `json:"failed"`
	SuccessRate string `json:"successRate"`
}

type PlatformStats struct {
	Total      int `json:"total"`
	Successful int `json:"successful"`
	Failed     int `json:"failed"`
}

type TimeRange struct {
	From *time.Time `json:"from"`
	To   *time.Time `json:"to"`
}

type Summary struct {
	Summary       Totals                              `json:"summary"`
	PlatformStats map[dispatch.Platform]PlatformStats `json:"platformStats"`
	RecentEvents  []Entry                             `json:"recentEvents"`
	TimeRange     TimeRange                           `json:"timeRange"`
}

// Recorder is safe for concurrent use.
type Recorder struct {
	mu          sync.RWMutex
	entries     []Entry
	maxEntries  int
	keepEntries int
}

type Option func(*Recorder)

// WithLimits sets the length that triggers truncation and how many of the most
// recent entries survive it.
func WithLimits(maxEntries, keepEntries int) Option {
	return func(r *Recorder) {
		if maxEntries > 0 {
			r.maxEntries = maxEntries
		}
		if keepEntries > 0 {
			r.keepEntries = keepEntries
		}
	}
}

func NewRecorder(opts ...Option) *Recorder {
	r := &Recorder{
		maxEntries:  DefaultMaxEntries,
		keepEntries: DefaultKeepEntries,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.keepEntries > r.maxEntries {
		r.keepEntries = r.maxEntries
	}
	return r
}

// Record appends e. Once the list grows past maxEntries it is cut down to the
// keepEntries most recent entries in one step.
func (r *Recorder) Record(e Entry) {
	if e.DurationMs < 0 {
		e.DurationMs = 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.entries = append(r.entries, e)
	if len(r.entries) > r.maxEntries {
		kept := make([]Entry, r.keepEntries)
		copy(kept, r.entries[len(r.entries)-r.keepEntries:])
		r.entries = kept
	}
}

func (r *Recorder) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

func (r *Recorder) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = nil
}

func (r *Recorder) Query(f Filter) Summary {
	r.mu.RLock()
	matched := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		if f.matches(e) {
			matched = append(matched, e)
		}
	}
	r.mu.RUnlock()

	out := Summary{
		PlatformStats: make(map[dispatch.Platform]PlatformStats),
		TimeRange:     f.timeRange(),
	}

	for _, e := range matched {
		ps := out.PlatformStats[e.Platform]
		ps.Total++
		if e.Status == StatusSent {
			ps.Successful++
			out.Summary.Successful++
		} else {
			ps.Failed++
		}
		if e.Status == StatusFailed {
			out.Summary.Failed++
		}
		out.PlatformStats[e.Platform] = ps
	}
	out.Summary.Total = len(matched)
	out.Summary.SuccessRate = successRate(out.Summary.Successful, out.Summary.Total)

	start := len(matched) - recentEventsLimit
	if start < 0 {
		start = 0
	}
	out.RecentEvents = matched[start:]

	return out
}

func (f Filter) matches(e Entry) bool {
	if !f.From.IsZero() && e.Timestamp.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && e.Timestamp.After(f.To) {
		return false
	}
	if f.Platform != "" && e.Platform != f.Platform {
		return false
	}
	return true
}

func (f Filter) timeRange() TimeRange {
	var tr TimeRange
	if !f.From.IsZero() {
		from := f.From.UTC()
		tr.From = &from
	}
	if !f.To.IsZero() {
		to := f.To.UTC()
		tr.To = &to
	}
	return tr
}

func successRate(successful, total int) string {
	if total == 0 {
		return "0%"
	}
	return fmt.Sprintf("%.2f%%", float64(successful)/float64(total)*100)
}

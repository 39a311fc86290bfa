// Package audit keeps an append-only JSON-lines record of security
// relevant events: profile mutations, profile switches, token refreshes
// and envelope rotations.
//
// The log file is shared by every credwrap process on the host. Appends
// are serialized with a lock.FileLock whose staleness is configured
// separately from the profile store's lock. Token values and passphrases
// are never recorded.
package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"credwrap/internal/clock"
	"credwrap/internal/errs"
	"credwrap/internal/fsutil"
	"credwrap/internal/lock"
	"credwrap/internal/profile"
	"credwrap/internal/refresh"
	"credwrap/pkg/logging"
)

// FileName is the audit log's name inside the data directory.
const FileName = "audit.log"

const (
	ActionTokenRefresh = "token_refreshed"
	ActionTokenRotate  = "token_rotated"
	ActionTokenStore   = "token_stored"
	ActionTokenDelete  = "token_deleted"

	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// maxLineBytes bounds a single audit record when reading the log back.
const maxLineBytes = 64 * 1024

// Event is one audit record.
type Event struct {
	ID        string            `json:"id" yaml:"id"`
	Timestamp time.Time         `json:"timestamp" yaml:"timestamp"`
	Action    string            `json:"action" yaml:"action"`
	ProfileID string            `json:"profileId,omitempty" yaml:"profileId,omitempty"`
	Outcome   string            `json:"outcome" yaml:"outcome"`
	ErrorKind string            `json:"errorKind,omitempty" yaml:"errorKind,omitempty"`
	Details   map[string]string `json:"details,omitempty" yaml:"details,omitempty"`
}

// DefaultLockConfig returns the audit log lock settings. Appends are short,
// so a holder is presumed dead sooner than on the profile file.
func DefaultLockConfig() lock.FileLockConfig {
	cfg := lock.DefaultFileLockConfig()
	cfg.Stale = 30 * time.Second
	cfg.Retries = 20
	return cfg
}

// Log appends events to the audit file. It implements profile.Observer and
// refresh.MetricsCollector; metric events are written by a background
// goroutine so that recording never blocks a refresh.
type Log struct {
	path     string
	fileLock *lock.FileLock
	clock    clock.Clock
	newID    func() string

	mu sync.Mutex

	qmu    sync.RWMutex
	closed bool
	queue  chan Event
	done   chan struct{}
}

// Option configures a Log.
type Option func(*Log)

// WithClock sets the clock used to timestamp events.
func WithClock(c clock.Clock) Option {
	return func(l *Log) {
		l.clock = c
	}
}

// WithLockConfig configures the cross-process lock on the log file.
func WithLockConfig(cfg lock.FileLockConfig) Option {
	return func(l *Log) {
		l.fileLock = lock.NewFileLock(cfg)
	}
}

// WithIDGenerator replaces the uuid event id generator.
func WithIDGenerator(fn func() string) Option {
	return func(l *Log) {
		l.newID = fn
	}
}

// WithQueueSize bounds the number of refresh events waiting to be written.
func WithQueueSize(n int) Option {
	return func(l *Log) {
		if n > 0 {
			l.queue = make(chan Event, n)
		}
	}
}

// Open returns a Log writing to path and starts its background writer.
// Call Close to flush pending events.
func Open(path string, opts ...Option) *Log {
	l := &Log{
		path:     path,
		fileLock: lock.NewFileLock(DefaultLockConfig()),
		clock:    clock.Real{},
		newID:    uuid.NewString,
		queue:    make(chan Event, 256),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	go l.drain()
	return l
}

// Path returns the log file path.
func (l *Log) Path() string {
	return l.path
}

// Record appends ev, filling in its id, timestamp and outcome when unset.
func (l *Log) Record(ctx context.Context, ev Event) error {
	l.stamp(&ev)

	line, err := json.Marshal(ev)
	if err != nil {
		return errs.Wrap(errs.KindUnknown, "audit.record", err, "encoding event")
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	return l.fileLock.With(ctx, l.path, func() error {
		// #nosec G304 -- path is the configured audit log
		f, err := os.OpenFile(l.path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, fsutil.FilePerms)
		if err != nil {
			return errs.Wrap(errs.KindIO, "audit.record", err, "opening %s", l.path)
		}
		if _, err := f.Write(line); err != nil {
			f.Close()
			return errs.Wrap(errs.KindIO, "audit.record", err, "appending to %s", l.path)
		}
		if err := f.Sync(); err != nil {
			f.Close()
			return errs.Wrap(errs.KindIO, "audit.record", err, "syncing %s", l.path)
		}
		return f.Close()
	})
}

// ProfileChanged implements profile.Observer.
func (l *Log) ProfileChanged(ctx context.Context, action profile.Action, id string) {
	if err := l.Record(ctx, Event{Action: string(action), ProfileID: id}); err != nil {
		logging.Warn("Audit", "Failed to record %s for profile %s: %v", action, id, err)
	}
}

// RecordRefresh implements refresh.MetricsCollector. Events are dropped,
// with a warning, when the writer has fallen behind.
func (l *Log) RecordRefresh(m refresh.Metric) {
	ev := Event{
		Timestamp: m.Timestamp,
		Action:    ActionTokenRefresh,
		ProfileID: m.ProfileID,
		Outcome:   OutcomeSuccess,
		Details: map[string]string{
			"latency":    m.Latency.String(),
			"retryCount": strconv.Itoa(m.RetryCount),
		},
	}
	if !m.Success {
		ev.Outcome = OutcomeFailure
		ev.ErrorKind = m.ErrorKind
	}

	l.qmu.RLock()
	defer l.qmu.RUnlock()
	if l.closed {
		return
	}
	select {
	case l.queue <- ev:
	default:
		logging.Warn("Audit", "Audit queue full, dropping refresh event for profile %s", m.ProfileID)
	}
}

// Close stops the background writer after flushing queued events. It is
// safe to call more than once.
func (l *Log) Close() error {
	l.qmu.Lock()
	if !l.closed {
		l.closed = true
		close(l.queue)
	}
	l.qmu.Unlock()

	<-l.done
	return nil
}

func (l *Log) drain() {
	defer close(l.done)
	for ev := range l.queue {
		if err := l.Record(context.Background(), ev); err != nil {
			logging.Warn("Audit", "Failed to record %s for profile %s: %v", ev.Action, ev.ProfileID, err)
		}
	}
}

func (l *Log) stamp(ev *Event) {
	if ev.ID == "" {
		ev.ID = l.newID()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = l.clock.Now()
	}
	ev.Timestamp = ev.Timestamp.UTC()
	if ev.Outcome == "" {
		ev.Outcome = OutcomeSuccess
	}
}

// Filter selects events in Query. Zero fields match everything.
type Filter struct {
	ProfileID string
	Action    string
	Since     time.Time
	// Limit keeps only the most recent matches.
	Limit int
}

func (f Filter) match(ev Event) bool {
	if f.ProfileID != "" && ev.ProfileID != f.ProfileID {
		return false
	}
	if f.Action != "" && ev.Action != f.Action {
		return false
	}
	if !f.Since.IsZero() && ev.Timestamp.Before(f.Since) {
		return false
	}
	return true
}

// Query returns the events matching f in the order they were written.
// Lines that are not valid events are skipped.
func (l *Log) Query(ctx context.Context, f Filter) ([]Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// #nosec G304 -- path is the configured audit log
	file, err := os.Open(l.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, errs.Wrap(errs.KindIO, "audit.query", err, "opening %s", l.path)
	}
	defer file.Close()

	var (
		events  []Event
		skipped int
	)
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 4096), maxLineBytes)
	for scanner.Scan() {
		var ev Event
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil || ev.Action == "" {
			skipped++
			continue
		}
		if f.match(ev) {
			events = append(events, ev)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, errs.Wrap(errs.KindIO, "audit.query", err, "reading %s", l.path)
	}
	if skipped > 0 {
		logging.Debug("Audit", "Skipped %d malformed lines in %s", skipped, filepath.Base(l.path))
	}

	if f.Limit > 0 && len(events) > f.Limit {
		events = events[len(events)-f.Limit:]
	}
	return events, nil
}

var (
	_ profile.Observer         = (*Log)(nil)
	_ refresh.MetricsCollector = (*Log)(nil)
)

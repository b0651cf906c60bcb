// Package preview tracks the load lifecycle of an externally rendered preview
// surface. It knows nothing about lock state.
package preview

import (
	"sync"
	"time"

	"github.com/jun/doclock/internal/clock"
	"github.com/jun/doclock/internal/docerr"
	"github.com/jun/doclock/internal/model"
)

// DefaultDeadline is how long Loading may last without a signal.
const DefaultDeadline = 15 * time.Second

// RetryAction tells the caller what a retry requires.
type RetryAction int

const (
	// RetryRearmed means a known URL was re-armed; no network call is needed.
	RetryRearmed RetryAction = iota
	// RetryNeedsFetch means no URL is known and view info must be fetched again.
	RetryNeedsFetch
)

// State is a point-in-time view of the tracker.
type State struct {
	Load model.PreviewLoadState
	URL  string
	// Err is set in LoadTimedOut and LoadError.
	Err error
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock sets the clock used for the deadline timer.
func WithClock(c clock.Clock) Option {
	return func(t *Tracker) { t.clock = c }
}

// WithDeadline overrides DefaultDeadline.
func WithDeadline(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.deadline = d
		}
	}
}

// WithNotify registers a callback invoked after the deadline moves the
// tracker to TimedOut. It runs on the timer goroutine without the lock held.
func WithNotify(fn func(State)) Option {
	return func(t *Tracker) { t.notify = fn }
}

// Tracker is safe for concurrent use.
type Tracker struct {
	mu       sync.Mutex
	clock    clock.Clock
	deadline time.Duration
	notify   func(State)

	state  model.PreviewLoadState
	url    string
	err    error
	timer  clock.Timer
	token  uint64
	closed bool
}

// New creates an idle Tracker.
func New(opts ...Option) *Tracker {
	t := &Tracker{clock: clock.Real{}, deadline: DefaultDeadline}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Deadline returns the configured load deadline.
func (t *Tracker) Deadline() time.Duration {
	return t.deadline
}

// Begin enters Loading for url and arms the deadline. An empty url leaves the
// tracker unchanged and returns false.
func (t *Tracker) Begin(url string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed || url == "" {
		return false
	}
	t.url = url
	t.armLocked()
	return true
}

func (t *Tracker) armLocked() {
	t.stopTimerLocked()
	t.token++
	t.state = model.LoadLoading
	t.err = nil
	token := t.token
	t.timer = t.clock.AfterFunc(t.deadline, func() { t.expire(token) })
}

func (t *Tracker) stopTimerLocked() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

func (t *Tracker) expire(token uint64) {
	t.mu.Lock()
	if t.closed || token != t.token || t.state != model.LoadLoading {
		t.mu.Unlock()
		return
	}
	t.timer = nil
	t.state = model.LoadTimedOut
	t.err = docerr.Timeout("preview_load", t.deadline)
	snap := t.snapshotLocked()
	notify := t.notify
	t.mu.Unlock()

	if notify != nil {
		notify(snap)
	}
}

// Loaded records the surface's load signal. It is ignored unless the tracker
// is Loading and reports whether it was applied.
func (t *Tracker) Loaded() bool {
	return t.settle(model.LoadLoaded, nil)
}

// Failed records a load failure. It is ignored unless the tracker is Loading.
func (t *Tracker) Failed(err error) bool {
	if err == nil {
		err = &docerr.Error{Kind: docerr.KindServer, Op: "preview_load", Detail: "preview failed to load"}
	}
	return t.settle(model.LoadError, err)
}

func (t *Tracker) settle(to model.PreviewLoadState, err error) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed || t.state != model.LoadLoading {
		return false
	}
	t.stopTimerLocked()
	t.state = to
	t.err = err
	return true
}

// Retry re-arms Loading when a URL is already known. Otherwise the state is
// left alone and the caller must fetch view info and call Begin.
func (t *Tracker) Retry() RetryAction {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed || t.url == "" {
		return RetryNeedsFetch
	}
	t.armLocked()
	return RetryRearmed
}

// RetryAvailable reports whether a retry affordance should be offered.
func (t *Tracker) RetryAvailable() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state == model.LoadTimedOut || t.state == model.LoadError
}

// Reset returns to Idle and forgets the URL.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopTimerLocked()
	t.token++
	t.state = model.LoadIdle
	t.url = ""
	t.err = nil
}

// Close cancels the pending timer. Later signals are ignored.
func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopTimerLocked()
	t.closed = true
}

// Snapshot returns the current state.
func (t *Tracker) Snapshot() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

func (t *Tracker) snapshotLocked() State {
	return State{Load: t.state, URL: t.url, Err: t.err}
}

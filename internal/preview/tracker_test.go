package preview

import (
	"testing"
	"time"

	"github.com/jun/doclock/internal/clock"
	"github.com/jun/doclock/internal/docerr"
	"github.com/jun/doclock/internal/model"
)

func newTracker(opts ...Option) (*Tracker, *clock.Manual) {
	clk := clock.NewManual(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	return New(append([]Option{WithClock(clk)}, opts...)...), clk
}

func TestBegin_EmptyURLStaysIdle(t *testing.T) {
	tr, clk := newTracker()
	if tr.Begin("") {
		t.Error("Expected Begin with empty url to be rejected")
	}
	if s := tr.Snapshot(); s.Load != model.LoadIdle {
		t.Errorf("Expected Idle, got %v", s.Load)
	}
	if clk.Pending() != 0 {
		t.Errorf("Expected no timer, got %d", clk.Pending())
	}
}

func TestLoadedCancelsTimer(t *testing.T) {
	tr, clk := newTracker()
	tr.Begin("https://preview/D1")
	if clk.Pending() != 1 {
		t.Fatalf("Expected one armed timer, got %d", clk.Pending())
	}
	if !tr.Loaded() {
		t.Fatal("Expected Loaded to apply")
	}
	if clk.Pending() != 0 {
		t.Errorf("Expected timer cancelled, got %d", clk.Pending())
	}
	clk.Advance(time.Minute)
	if s := tr.Snapshot(); s.Load != model.LoadLoaded {
		t.Errorf("Expected Loaded, got %v", s.Load)
	}
}

func TestTimeoutRoundTrip(t *testing.T) {
	var notified []State
	tr, clk := newTracker(WithNotify(func(s State) { notified = append(notified, s) }))
	tr.Begin("https://preview/D1")

	clk.Advance(DefaultDeadline - time.Millisecond)
	if s := tr.Snapshot(); s.Load != model.LoadLoading {
		t.Fatalf("Expected Loading before the deadline, got %v", s.Load)
	}
	clk.Advance(time.Millisecond)
	s := tr.Snapshot()
	if s.Load != model.LoadTimedOut {
		t.Fatalf("Expected TimedOut, got %v", s.Load)
	}
	if !docerr.Is(s.Err, docerr.KindTimeout) {
		t.Errorf("Expected timeout error, got %v", s.Err)
	}
	if len(notified) != 1 || notified[0].Load != model.LoadTimedOut {
		t.Errorf("Expected one TimedOut notification, got %+v", notified)
	}
	if !tr.RetryAvailable() {
		t.Error("Expected retry affordance after timeout")
	}

	// A late load signal is ignored.
	if tr.Loaded() {
		t.Error("Expected Loaded after TimedOut to be ignored")
	}
	if s := tr.Snapshot(); s.Load != model.LoadTimedOut {
		t.Errorf("Expected TimedOut to stick, got %v", s.Load)
	}

	// Retry re-arms without forgetting the URL.
	if got := tr.Retry(); got != RetryRearmed {
		t.Fatalf("Expected RetryRearmed, got %v", got)
	}
	s = tr.Snapshot()
	if s.Load != model.LoadLoading || s.URL != "https://preview/D1" {
		t.Errorf("Expected Loading with known url, got %+v", s)
	}
	if !tr.Loaded() {
		t.Error("Expected Loaded after retry to apply")
	}
}

func TestFailedCancelsTimer(t *testing.T) {
	tr, clk := newTracker()
	tr.Begin("https://preview/D1")
	if !tr.Failed(nil) {
		t.Fatal("Expected Failed to apply")
	}
	clk.Advance(time.Minute)
	s := tr.Snapshot()
	if s.Load != model.LoadError || s.Err == nil {
		t.Errorf("Expected LoadError with error, got %+v", s)
	}
	if !tr.RetryAvailable() {
		t.Error("Expected retry after load error")
	}
}

func TestRetryWithoutURLNeedsFetch(t *testing.T) {
	tr, clk := newTracker()
	if got := tr.Retry(); got != RetryNeedsFetch {
		t.Errorf("Expected RetryNeedsFetch, got %v", got)
	}
	if clk.Pending() != 0 {
		t.Errorf("Expected no timer, got %d", clk.Pending())
	}
}

func TestStaleTimerIgnoredAfterRebegin(t *testing.T) {
	tr, clk := newTracker(WithDeadline(10 * time.Second))
	tr.Begin("https://preview/v1")
	clk.Advance(8 * time.Second)
	tr.Begin("https://preview/v2")
	clk.Advance(4 * time.Second)
	if s := tr.Snapshot(); s.Load != model.LoadLoading || s.URL != "https://preview/v2" {
		t.Fatalf("Expected the first deadline to be discarded, got %+v", s)
	}
	clk.Advance(6 * time.Second)
	if s := tr.Snapshot(); s.Load != model.LoadTimedOut {
		t.Errorf("Expected TimedOut at the second deadline, got %v", s.Load)
	}
}

func TestCloseCancelsTimer(t *testing.T) {
	called := false
	tr, clk := newTracker(WithNotify(func(State) { called = true }))
	tr.Begin("https://preview/D1")
	tr.Close()
	if clk.Pending() != 0 {
		t.Errorf("Expected timer cancelled on close, got %d", clk.Pending())
	}
	clk.Advance(time.Minute)
	if called {
		t.Error("Expected no notification after close")
	}
	if tr.Begin("https://preview/D1") {
		t.Error("Expected Begin after close to be ignored")
	}
}

func TestReset(t *testing.T) {
	tr, clk := newTracker()
	tr.Begin("https://preview/D1")
	tr.Reset()
	if s := tr.Snapshot(); s.Load != model.LoadIdle || s.URL != "" {
		t.Errorf("Expected idle after reset, got %+v", s)
	}
	if clk.Pending() != 0 {
		t.Errorf("Expected timer cancelled, got %d", clk.Pending())
	}
}

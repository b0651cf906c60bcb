// Package viewer runs one document session: a goroutine that owns the lock
// workflow and preview tracker, dispatches remote calls to workers and applies
// their results in order.
package viewer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jun/doclock/internal/clock"
	"github.com/jun/doclock/internal/docerr"
	"github.com/jun/doclock/internal/model"
	"github.com/jun/doclock/internal/preview"
	"github.com/jun/doclock/internal/workflow"
)

// ErrClosed is returned by every method once the session is closed.
var ErrClosed = errors.New("viewer: session closed")

// Remote is the document service as seen by a session. *client.Client
// implements it.
type Remote interface {
	FetchViewInfo(ctx context.Context, h model.DocumentHandle) (*model.ViewInfo, error)
	Checkout(ctx context.Context, h model.DocumentHandle) (*model.CheckoutResult, error)
	CheckIn(ctx context.Context, h model.DocumentHandle, comment string) (*model.CheckinResult, error)
	Discard(ctx context.Context, h model.DocumentHandle) (*model.DiscardResult, error)
	Delete(ctx context.Context, h model.DocumentHandle) (*model.DeleteResult, error)
}

// Snapshot is what a presentation layer renders.
type Snapshot struct {
	Handle         model.DocumentHandle
	Mode           model.ViewMode
	EditURL        string
	PreviewURL     string
	Document       model.DocumentInfo
	Lock           model.LockStatus
	Load           model.PreviewLoadState
	RetryAvailable bool
	Pending        workflow.Op
	Conflict       *docerr.Error
	Err            error
	Notice         workflow.Notice
	Closed         bool
}

// Result settles one request.
type Result struct {
	Snapshot Snapshot
	Err      error
}

// Option configures a Session.
type Option func(*Session)

func WithLogger(l *slog.Logger) Option {
	return func(s *Session) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithClock(c clock.Clock) Option {
	return func(s *Session) { s.clock = c }
}

// WithPreviewDeadline overrides preview.DefaultDeadline.
func WithPreviewDeadline(d time.Duration) Option {
	return func(s *Session) { s.deadline = d }
}

// WithStatusPoll re-fetches view info every interval so lock loss is
// noticed without user action. Zero disables polling.
func WithStatusPoll(every time.Duration) Option {
	return func(s *Session) { s.pollEvery = every }
}

type resultKind int

const (
	resultOp resultKind = iota
	resultFetch
	resultPoll
	resultTimeout
)

type result struct {
	gen    uint64
	kind   resultKind
	ev     workflow.Event
	seq    uint64
	reload bool
	info   *model.ViewInfo
	err    error
	waiter chan Result
}

// Session is one open document. Methods are safe for concurrent use.
type Session struct {
	handle    model.DocumentHandle
	remote    Remote
	logger    *slog.Logger
	clock     clock.Clock
	deadline  time.Duration
	pollEvery time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	cmds      chan func()
	results   chan result
	done      chan struct{}
	closeOnce sync.Once
	gen       atomic.Uint64

	// Owned by the loop goroutine.
	machine    *workflow.Machine
	reconciler *workflow.Reconciler
	tracker    *preview.Tracker
	previewURL string
	document   model.DocumentInfo
	infoSeq    uint64
	lastErr    error
	waiters    map[chan Result]struct{}
	subs       map[chan Snapshot]struct{}
	fetching   int
	pollTimer  clock.Timer
	closing    bool
}

// Open starts a session for h. The caller must Close it.
func Open(remote Remote, h model.DocumentHandle, opts ...Option) (*Session, error) {
	if strings.TrimSpace(string(h)) == "" {
		return nil, &docerr.Error{Kind: docerr.KindInvalidID, Op: "open", Code: model.CodeInvalidID, Detail: "empty document handle"}
	}
	s := &Session{
		handle:  h,
		remote:  remote,
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		clock:   clock.Real{},
		cmds:    make(chan func()),
		results: make(chan result, 16),
		done:    make(chan struct{}),
		machine: workflow.New(),
		waiters: make(map[chan Result]struct{}),
		subs:    make(map[chan Snapshot]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("document", string(h))
	s.reconciler = workflow.NewReconciler(s.machine)
	s.ctx, s.cancel = context.WithCancel(context.Background())

	gen := s.gen.Load()
	s.tracker = preview.New(
		preview.WithClock(s.clock),
		preview.WithDeadline(s.deadline),
		preview.WithNotify(func(preview.State) {
			s.post(result{gen: gen, kind: resultTimeout})
		}),
	)

	go s.loop()
	if s.pollEvery > 0 {
		s.exec(context.Background(), s.armPoll)
	}
	return s, nil
}

// Handle returns the document this session was opened for.
func (s *Session) Handle() model.DocumentHandle {
	return s.handle
}

func (s *Session) loop() {
	for {
		select {
		case fn := <-s.cmds:
			fn()
		case r := <-s.results:
			s.apply(r)
		}
		if s.closing {
			s.teardown()
			return
		}
	}
}

// exec runs fn on the loop goroutine and waits for it to finish.
func (s *Session) exec(ctx context.Context, fn func()) error {
	ran := make(chan struct{})
	select {
	case s.cmds <- func() { fn(); close(ran) }:
	case <-s.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	<-ran
	return nil
}

// post delivers a worker or timer result. It is dropped once the session is gone.
func (s *Session) post(r result) {
	if r.gen != s.gen.Load() {
		return
	}
	select {
	case s.results <- r:
	case <-s.done:
	}
}

// Close tears the session down. Pending timers are cancelled, in-flight
// calls are aborted and their results dropped. Close is idempotent.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		if err := s.exec(context.Background(), func() { s.closing = true }); err != nil {
			return
		}
		<-s.done
	})
}

func (s *Session) teardown() {
	s.gen.Add(1)
	s.machine.Apply(workflow.Destroyed{})
	s.tracker.Close()
	if s.pollTimer != nil {
		s.pollTimer.Stop()
		s.pollTimer = nil
	}
	s.cancel()
	for w := range s.waiters {
		close(w)
	}
	s.waiters = nil
	snap := s.snapshot()
	for ch := range s.subs {
		select {
		case ch <- snap:
		default:
		}
		close(ch)
	}
	s.subs = nil
	close(s.done)
	s.logger.Debug("viewer.session.closed")
}

// Done is closed after the session has been torn down.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Snapshot returns the current state.
func (s *Session) Snapshot(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	err := s.exec(ctx, func() { snap = s.snapshot() })
	return snap, err
}

// Subscribe streams snapshots after every state change. The channel is
// closed when the session closes or cancel is called. Slow readers miss
// intermediate snapshots but always see the latest.
func (s *Session) Subscribe(ctx context.Context) (<-chan Snapshot, func(), error) {
	ch := make(chan Snapshot, 8)
	err := s.exec(ctx, func() {
		s.subs[ch] = struct{}{}
		ch <- s.snapshot()
	})
	if err != nil {
		return nil, nil, err
	}
	cancel := func() {
		s.exec(context.Background(), func() {
			if _, ok := s.subs[ch]; ok {
				delete(s.subs, ch)
				close(ch)
			}
		})
	}
	return ch, cancel, nil
}

// Refresh clears a sticky conflict and fetches view info. The returned
// channel receives the snapshot once the fetch has been applied.
func (s *Session) Refresh(ctx context.Context) (<-chan Result, error) {
	var ch chan Result
	err := s.exec(ctx, func() {
		s.machine.Apply(workflow.RefreshRequested{})
		ch = s.newWaiter()
		s.fetch(true, ch)
		s.publish()
	})
	return ch, err
}

// Checkout requests the edit lock. Local rejections (busy, sticky conflict,
// wrong mode) are returned synchronously without a network call.
func (s *Session) Checkout(ctx context.Context) (<-chan Result, error) {
	return s.request(ctx, workflow.CheckoutRequested{})
}

// CheckIn commits edits with an optional comment.
func (s *Session) CheckIn(ctx context.Context, comment string) (<-chan Result, error) {
	return s.request(ctx, workflow.CheckinRequested{Comment: comment})
}

// Discard releases the lock without saving edits.
func (s *Session) Discard(ctx context.Context) (<-chan Result, error) {
	return s.request(ctx, workflow.DiscardRequested{})
}

// Delete removes the document. It does not change the view mode.
func (s *Session) Delete(ctx context.Context) (<-chan Result, error) {
	return s.request(ctx, workflow.DeleteRequested{})
}

// PreviewLoaded is the surface's load signal.
func (s *Session) PreviewLoaded(ctx context.Context) error {
	return s.exec(ctx, func() {
		if s.tracker.Loaded() {
			s.publish()
		}
	})
}

// PreviewFailed is the surface's error signal.
func (s *Session) PreviewFailed(ctx context.Context, cause error) error {
	return s.exec(ctx, func() {
		if s.tracker.Failed(cause) {
			s.logger.Warn("viewer.preview.error", "error", cause)
			s.publish()
		}
	})
}

// RetryPreview re-arms the preview load. View info is fetched again only
// when no URL is known.
func (s *Session) RetryPreview(ctx context.Context) error {
	return s.exec(ctx, func() {
		if s.tracker.Retry() == preview.RetryNeedsFetch {
			s.fetch(true, nil)
		}
		s.publish()
	})
}

func (s *Session) request(ctx context.Context, ev workflow.Event) (<-chan Result, error) {
	var (
		ch     chan Result
		reject error
	)
	err := s.exec(ctx, func() {
		out := s.machine.Apply(ev)
		if out.Dispatch == workflow.OpNone {
			reject = out.Err
			if reject == nil {
				reject = workflow.ErrInvalidState
			}
			s.logger.Debug("viewer.request.rejected", "event", eventName(ev), "error", reject)
			return
		}
		ch = s.newWaiter()
		s.dispatch(out.Dispatch, out.Comment, ch)
		s.publish()
	})
	if err != nil {
		return nil, err
	}
	if reject != nil {
		return nil, reject
	}
	return ch, nil
}

func (s *Session) newWaiter() chan Result {
	ch := make(chan Result, 1)
	s.waiters[ch] = struct{}{}
	return ch
}

func (s *Session) settle(w chan Result, err error) {
	if w == nil {
		return
	}
	if _, ok := s.waiters[w]; !ok {
		return
	}
	delete(s.waiters, w)
	w <- Result{Snapshot: s.snapshot(), Err: err}
	close(w)
}

// dispatch runs op on a worker goroutine.
func (s *Session) dispatch(op workflow.Op, comment string, w chan Result) {
	gen := s.gen.Load()
	ctx, h, remote := s.ctx, s.handle, s.remote
	s.logger.Info("viewer."+op.String()+".start")
	go func() {
		var ev workflow.Event
		switch op {
		case workflow.OpCheckout:
			r, err := remote.Checkout(ctx, h)
			if err != nil {
				ev = workflow.CheckoutFailed{Err: err}
			} else {
				ev = workflow.CheckoutSucceeded{Result: r}
			}
		case workflow.OpCheckin:
			r, err := remote.CheckIn(ctx, h, comment)
			if err != nil {
				ev = workflow.CheckinFailed{Err: err}
			} else {
				ev = workflow.CheckinSucceeded{Result: r}
			}
		case workflow.OpDiscard:
			r, err := remote.Discard(ctx, h)
			if err != nil {
				ev = workflow.DiscardFailed{Err: err}
			} else {
				ev = workflow.DiscardSucceeded{Result: r}
			}
		case workflow.OpDelete:
			r, err := remote.Delete(ctx, h)
			if err != nil {
				ev = workflow.DeleteFailed{Err: err}
			} else {
				ev = workflow.DeleteSucceeded{Result: r}
			}
		}
		s.post(result{gen: gen, kind: resultOp, ev: ev, waiter: w})
	}()
}

// fetch issues FetchViewInfo on a worker. reload restarts the preview load
// even when the URL is unchanged.
func (s *Session) fetch(reload bool, w chan Result) {
	gen := s.gen.Load()
	seq := s.reconciler.Begin()
	ctx, h, remote := s.ctx, s.handle, s.remote
	s.fetching++
	go func() {
		info, err := remote.FetchViewInfo(ctx, h)
		s.post(result{gen: gen, kind: resultFetch, seq: seq, reload: reload, info: info, err: err, waiter: w})
	}()
}

func (s *Session) armPoll() {
	if s.pollEvery <= 0 || s.closing {
		return
	}
	gen := s.gen.Load()
	s.pollTimer = s.clock.AfterFunc(s.pollEvery, func() {
		s.post(result{gen: gen, kind: resultPoll})
	})
}

func (s *Session) apply(r result) {
	if r.gen != s.gen.Load() {
		return
	}
	switch r.kind {
	case resultOp:
		s.applyOp(r)
	case resultFetch:
		s.applyFetch(r)
	case resultPoll:
		s.pollTimer = nil
		if s.fetching == 0 {
			s.fetch(false, nil)
		} else {
			s.armPoll()
		}
	case resultTimeout:
		s.logger.Warn("viewer.preview.timeout", "deadline", s.tracker.Deadline())
	}
	s.publish()
}

func (s *Session) applyOp(r result) {
	out := s.machine.Apply(r.ev)
	st := s.machine.State()
	if out.Accepted || out.Stale {
		s.lastErr = out.Err
	}

	switch out.Notice {
	case workflow.NoticeCheckedOut:
		s.logger.Info("viewer.checkout.success", "version", st.Version)
		s.tracker.Begin(st.EditURL)
	case workflow.NoticeConflict:
		holder := ""
		if st.Conflict != nil && st.Conflict.Holder != nil {
			holder = st.Conflict.Holder.DisplayName
		}
		s.logger.Info("viewer.checkout.conflict", "holder", holder)
	case workflow.NoticeCheckedIn:
		s.logger.Info("viewer.checkin.success", "version", st.Version)
	case workflow.NoticeDiscarded:
		s.logger.Info("viewer.discard.success")
	case workflow.NoticeDeleted:
		s.logger.Info("viewer.delete.success")
	case workflow.NoticeLockLost:
		s.logger.Warn("viewer.lock.lost", "error", out.Err)
		s.tracker.Begin(s.previewURL)
	default:
		if out.Err != nil {
			s.logger.Warn("viewer.op.error", "event", eventName(r.ev), "error", out.Err)
		}
	}
	if out.Refresh {
		s.fetch(true, nil)
	}
	s.settle(r.waiter, out.Err)
}

func (s *Session) applyFetch(r result) {
	s.fetching--
	if r.err != nil {
		s.lastErr = r.err
		s.logger.Warn("viewer.fetch.error", "error", r.err)
	} else if r.info != nil {
		if r.seq > s.infoSeq {
			s.infoSeq = r.seq
			s.previewURL = r.info.PreviewURL
			s.document = r.info.Document
		}
		out := s.reconciler.ObserveViewInfo(r.seq, r.info)
		if out.Notice == workflow.NoticeLockLost {
			s.logger.Warn("viewer.lock.lost", "holder", holderName(r.info.Lock))
		}
		if s.machine.State().Mode == model.ModePreview {
			cur := s.tracker.Snapshot()
			if r.reload || cur.URL != s.previewURL || cur.Load == model.LoadIdle || out.Notice == workflow.NoticeLockLost {
				s.tracker.Begin(s.previewURL)
			}
		}
		if r.reload {
			s.lastErr = nil
		}
	}
	if s.pollTimer == nil {
		s.armPoll()
	}
	s.settle(r.waiter, r.err)
}

func (s *Session) publish() {
	if len(s.subs) == 0 {
		return
	}
	snap := s.snapshot()
	for ch := range s.subs {
		select {
		case ch <- snap:
			continue
		default:
		}
		// Drop the oldest queued snapshot to make room for the newest.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- snap:
		default:
		}
	}
}

func (s *Session) snapshot() Snapshot {
	st := s.machine.State()
	ps := s.tracker.Snapshot()
	err := s.lastErr
	if err == nil && ps.Err != nil {
		err = ps.Err
	}
	return Snapshot{
		Handle:         s.handle,
		Mode:           st.Mode,
		EditURL:        st.EditURL,
		PreviewURL:     s.previewURL,
		Document:       s.document,
		Lock:           st.Lock,
		Load:           ps.Load,
		RetryAvailable: ps.Load == model.LoadTimedOut || ps.Load == model.LoadError,
		Pending:        st.Pending,
		Conflict:       st.Conflict,
		Err:            err,
		Notice:         st.LastNotice,
		Closed:         st.Destroyed,
	}
}

func holderName(st model.LockStatus) string {
	if st.LockedBy == nil {
		return ""
	}
	return st.LockedBy.DisplayName
}

func eventName(ev workflow.Event) string {
	switch ev.(type) {
	case workflow.CheckoutRequested, workflow.CheckoutSucceeded, workflow.CheckoutFailed:
		return "checkout"
	case workflow.CheckinRequested, workflow.CheckinSucceeded, workflow.CheckinFailed:
		return "checkin"
	case workflow.DiscardRequested, workflow.DiscardSucceeded, workflow.DiscardFailed:
		return "discard"
	case workflow.DeleteRequested, workflow.DeleteSucceeded, workflow.DeleteFailed:
		return "delete"
	}
	return "other"
}

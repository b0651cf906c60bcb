// Package workflow is the check-out/check-in state machine for one document.
//
// Machine is a pure state object: callers feed it typed events and act on the
// returned Outcome (issue a remote call, refresh the preview, surface an
// error). It performs no I/O and is not safe for concurrent use; a single
// owner, such as viewer.Session, serializes all events.
package workflow

import (
	"errors"
	"fmt"
	"time"

	"github.com/jun/doclock/internal/docerr"
	"github.com/jun/doclock/internal/model"
)

var (
	// ErrInvalidState is returned for intents that are not valid in the
	// current ViewMode, such as checkin outside Edit.
	ErrInvalidState = errors.New("workflow: invalid state for operation")
	// ErrDestroyed is returned for any intent after Destroyed.
	ErrDestroyed = errors.New("workflow: session destroyed")
)

// Op identifies a mutating remote operation.
type Op int

const (
	OpNone Op = iota
	OpCheckout
	OpCheckin
	OpDiscard
	OpDelete
)

func (o Op) String() string {
	switch o {
	case OpNone:
		return "none"
	case OpCheckout:
		return "checkout"
	case OpCheckin:
		return "checkin"
	case OpDiscard:
		return "discard"
	case OpDelete:
		return "delete"
	}
	return fmt.Sprintf("op(%d)", int(o))
}

// Notice is a user-facing signal emitted by a transition.
type Notice int

const (
	NoticeNone Notice = iota
	NoticeCheckedOut
	NoticeCheckedIn
	NoticeDiscarded
	NoticeDeleted
	NoticeConflict
	// NoticeLockLost means Edit was abandoned because the remote store no
	// longer reports the caller as holder.
	NoticeLockLost
)

func (n Notice) String() string {
	switch n {
	case NoticeNone:
		return "none"
	case NoticeCheckedOut:
		return "checked_out"
	case NoticeCheckedIn:
		return "checked_in"
	case NoticeDiscarded:
		return "discarded"
	case NoticeDeleted:
		return "deleted"
	case NoticeConflict:
		return "conflict"
	case NoticeLockLost:
		return "lock_lost"
	}
	return "unknown"
}

// State is a copy of the machine's observable state.
type State struct {
	Mode    model.ViewMode
	EditURL string
	Pending Op
	Lock    model.LockStatus
	// Conflict is the last checkout conflict. While set, checkout is refused
	// until RefreshRequested.
	Conflict *docerr.Error
	LastErr  error
	// Version is the last version number reported by checkout or checkin.
	Version    int64
	Destroyed  bool
	LastNotice Notice
}

// Outcome tells the owner what to do after an event.
type Outcome struct {
	// Accepted is false when the event was rejected or ignored.
	Accepted bool
	// Stale is set when a result or status arrived too late to apply.
	Stale bool
	// Err is a local rejection or a surfaced remote failure.
	Err error
	// Dispatch is the remote call the owner must issue, if any.
	Dispatch Op
	Comment  string
	Notice   Notice
	// Refresh asks the owner to fetch fresh view info.
	Refresh bool
}

// Event is an input to Machine.Apply.
type Event interface {
	event()
}

type (
	CheckoutRequested struct{}
	CheckoutSucceeded struct{ Result *model.CheckoutResult }
	CheckoutFailed    struct{ Err error }

	CheckinRequested struct{ Comment string }
	CheckinSucceeded struct{ Result *model.CheckinResult }
	CheckinFailed    struct{ Err error }

	DiscardRequested struct{}
	DiscardSucceeded struct{ Result *model.DiscardResult }
	DiscardFailed    struct{ Err error }

	DeleteRequested struct{}
	DeleteSucceeded struct{ Result *model.DeleteResult }
	DeleteFailed    struct{ Err error }

	// StatusObserved carries a lock status fetched under Seq, a number
	// obtained from NextStatusSeq when the fetch was issued.
	StatusObserved struct {
		Status model.LockStatus
		Seq    uint64
	}

	// RefreshRequested clears a sticky conflict before a new fetch.
	RefreshRequested struct{}

	Destroyed struct{}
)

func (CheckoutRequested) event() {}
func (CheckoutSucceeded) event() {}
func (CheckoutFailed) event()    {}
func (CheckinRequested) event()  {}
func (CheckinSucceeded) event()  {}
func (CheckinFailed) event()     {}
func (DiscardRequested) event()  {}
func (DiscardSucceeded) event()  {}
func (DiscardFailed) event()     {}
func (DeleteRequested) event()   {}
func (DeleteSucceeded) event()   {}
func (DeleteFailed) event()      {}
func (StatusObserved) event()    {}
func (RefreshRequested) event()  {}
func (Destroyed) event()         {}

// Machine holds the workflow state for one document handle.
type Machine struct {
	st State

	// issuedSeq is the last status sequence handed out by NextStatusSeq.
	issuedSeq uint64
	// observedSeq is the newest status applied.
	observedSeq uint64
	// opSeq is issuedSeq when the pending mutation was dispatched and again
	// when a mutation succeeds. Statuses fetched at or before it are stale.
	opSeq uint64
	// lostSeq is the newest status that showed another identity holding the lock.
	lostSeq uint64
}

// New returns a machine in Preview with no lock information.
func New() *Machine {
	return &Machine{st: State{Mode: model.ModePreview}}
}

// State returns a copy of the current state.
func (m *Machine) State() State {
	return m.st
}

// NextStatusSeq reserves a sequence number for a status fetch about to be issued.
func (m *Machine) NextStatusSeq() uint64 {
	m.issuedSeq++
	return m.issuedSeq
}

// Apply processes one event.
func (m *Machine) Apply(ev Event) Outcome {
	if m.st.Destroyed {
		switch ev.(type) {
		case CheckoutRequested, CheckinRequested, DiscardRequested, DeleteRequested:
			return Outcome{Err: ErrDestroyed}
		}
		return Outcome{Stale: true}
	}

	switch e := ev.(type) {
	case CheckoutRequested:
		return m.checkoutRequested()
	case CheckoutSucceeded:
		return m.checkoutSucceeded(e.Result)
	case CheckoutFailed:
		return m.checkoutFailed(e.Err)
	case CheckinRequested:
		return m.commitRequested(OpCheckin, e.Comment)
	case CheckinSucceeded:
		if m.st.Pending != OpCheckin {
			return Outcome{Stale: true}
		}
		if e.Result != nil {
			m.st.Version = e.Result.NewVersion
		}
		return m.committed(NoticeCheckedIn)
	case CheckinFailed:
		return m.commitFailed(OpCheckin, e.Err)
	case DiscardRequested:
		return m.commitRequested(OpDiscard, "")
	case DiscardSucceeded:
		if m.st.Pending != OpDiscard {
			return Outcome{Stale: true}
		}
		return m.committed(NoticeDiscarded)
	case DiscardFailed:
		return m.commitFailed(OpDiscard, e.Err)
	case DeleteRequested:
		if err := m.guard(OpDelete); err != nil {
			return Outcome{Err: err}
		}
		m.begin(OpDelete)
		return Outcome{Accepted: true, Dispatch: OpDelete}
	case DeleteSucceeded:
		if m.st.Pending != OpDelete {
			return Outcome{Stale: true}
		}
		m.st.Pending = OpNone
		m.st.LastErr = nil
		return m.notice(Outcome{Accepted: true}, NoticeDeleted)
	case DeleteFailed:
		if m.st.Pending != OpDelete {
			return Outcome{Stale: true}
		}
		m.st.Pending = OpNone
		m.st.LastErr = e.Err
		return Outcome{Accepted: true, Err: e.Err}
	case StatusObserved:
		return m.observe(e.Status, e.Seq)
	case RefreshRequested:
		m.st.Conflict = nil
		return Outcome{Accepted: true, Refresh: true}
	case Destroyed:
		m.st.Destroyed = true
		m.st.Pending = OpNone
		return Outcome{Accepted: true}
	}
	return Outcome{Err: fmt.Errorf("workflow: unknown event %T", ev)}
}

// guard enforces the single in-flight mutation rule.
func (m *Machine) guard(op Op) error {
	if m.st.Pending != OpNone {
		return docerr.Busy(op.String(), m.st.Pending.String())
	}
	return nil
}

func (m *Machine) begin(op Op) {
	m.st.Pending = op
	m.opSeq = m.issuedSeq
}

func (m *Machine) notice(o Outcome, n Notice) Outcome {
	o.Notice = n
	m.st.LastNotice = n
	return o
}

func (m *Machine) checkoutRequested() Outcome {
	if err := m.guard(OpCheckout); err != nil {
		return Outcome{Err: err}
	}
	if m.st.Mode != model.ModePreview {
		return Outcome{Err: fmt.Errorf("checkout in %s: %w", m.st.Mode, ErrInvalidState)}
	}
	if m.st.Conflict != nil {
		return Outcome{Err: m.st.Conflict}
	}
	m.begin(OpCheckout)
	return Outcome{Accepted: true, Dispatch: OpCheckout}
}

func (m *Machine) checkoutSucceeded(r *model.CheckoutResult) Outcome {
	if m.st.Pending != OpCheckout {
		return Outcome{Stale: true}
	}
	m.st.Pending = OpNone
	if r == nil || r.EditURL == "" {
		err := &docerr.Error{Kind: docerr.KindServer, Op: OpCheckout.String(), Detail: "checkout returned no edit url"}
		m.st.LastErr = err
		return Outcome{Accepted: true, Err: err}
	}
	// A status fetched after dispatch showed someone else holding the lock.
	if m.lostSeq > m.opSeq {
		err := docerr.Conflict(OpCheckout.String(), m.st.Lock.LockedBy, m.st.Lock.LockedAt)
		m.st.LastErr = err
		return m.notice(Outcome{Accepted: true, Stale: true, Err: err}, NoticeLockLost)
	}
	// Statuses fetched while the checkout was in flight predate the grant.
	m.opSeq = m.issuedSeq
	m.st.Mode = model.ModeEdit
	m.st.EditURL = r.EditURL
	m.st.Version = r.Version
	m.st.LastErr = nil
	lockedAt := r.LockedAt
	var at *time.Time
	if !lockedAt.IsZero() {
		at = &lockedAt
	}
	m.st.Lock = model.LockStatus{IsLocked: true, LockedAt: at, IsHeldByCaller: true}
	return m.notice(Outcome{Accepted: true}, NoticeCheckedOut)
}

func (m *Machine) checkoutFailed(err error) Outcome {
	if m.st.Pending != OpCheckout {
		return Outcome{Stale: true}
	}
	m.st.Pending = OpNone
	m.st.Mode = model.ModePreview
	m.st.EditURL = ""
	m.st.LastErr = err

	var de *docerr.Error
	if errors.As(err, &de) && de.Kind == docerr.KindLockConflict {
		m.st.Conflict = de
		m.st.Lock = model.LockStatus{IsLocked: true, LockedBy: de.Holder, LockedAt: de.LockedAt}
		return m.notice(Outcome{Accepted: true, Err: err}, NoticeConflict)
	}
	return Outcome{Accepted: true, Err: err}
}

func (m *Machine) commitRequested(op Op, comment string) Outcome {
	if err := m.guard(op); err != nil {
		return Outcome{Err: err}
	}
	if m.st.Mode != model.ModeEdit {
		return Outcome{Err: fmt.Errorf("%s in %s: %w", op, m.st.Mode, ErrInvalidState)}
	}
	m.begin(op)
	if op == OpCheckin {
		m.st.Mode = model.ModeProcessing
	} else {
		// Discard waits in Preview; the edit url is kept until it succeeds.
		m.st.Mode = model.ModePreview
	}
	return Outcome{Accepted: true, Dispatch: op, Comment: comment}
}

func (m *Machine) committed(n Notice) Outcome {
	m.st.Pending = OpNone
	m.opSeq = m.issuedSeq
	m.st.Mode = model.ModePreview
	m.st.EditURL = ""
	m.st.LastErr = nil
	m.st.Lock = model.LockStatus{}
	return m.notice(Outcome{Accepted: true, Refresh: true}, n)
}

// commitFailed reverts to Edit unless the lock is known to be gone, either
// from the server's not_checked_out answer or a status observed meanwhile.
func (m *Machine) commitFailed(op Op, err error) Outcome {
	if m.st.Pending != op {
		return Outcome{Stale: true}
	}
	m.st.Pending = OpNone
	m.st.LastErr = err
	if docerr.Is(err, docerr.KindNotCheckedOut) || m.lostSeq > m.opSeq {
		m.st.Mode = model.ModePreview
		m.st.EditURL = ""
		if m.st.Lock.IsHeldByCaller {
			m.st.Lock = model.LockStatus{}
		}
		return m.notice(Outcome{Accepted: true, Err: err, Refresh: true}, NoticeLockLost)
	}
	m.st.Mode = model.ModeEdit
	return Outcome{Accepted: true, Err: err}
}

// observe applies the reconciliation rule. Statuses are ordered by Seq; one
// fetched before the pending or last mutation was dispatched is ignored.
func (m *Machine) observe(status model.LockStatus, seq uint64) Outcome {
	if seq <= m.observedSeq || seq <= m.opSeq {
		return Outcome{Stale: true}
	}
	m.observedSeq = seq
	m.st.Lock = status

	if status.HeldByOther() {
		m.lostSeq = seq
	}
	if m.st.Mode == model.ModeEdit && !(status.IsLocked && status.IsHeldByCaller) {
		m.st.Mode = model.ModePreview
		m.st.EditURL = ""
		return m.notice(Outcome{Accepted: true}, NoticeLockLost)
	}
	return Outcome{Accepted: true}
}

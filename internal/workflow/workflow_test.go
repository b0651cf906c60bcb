package workflow

import (
	"errors"
	"testing"
	"time"

	"github.com/jun/doclock/internal/docerr"
	"github.com/jun/doclock/internal/model"
)

var t0 = time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)

func bob() *model.UserRef { return &model.UserRef{ID: "u-bob", DisplayName: "Bob"} }

func heldByBob() model.LockStatus {
	at := t0
	return model.LockStatus{IsLocked: true, LockedBy: bob(), LockedAt: &at}
}

// editing returns a machine that has checked out successfully.
func editing(t *testing.T) *Machine {
	t.Helper()
	m := New()
	if out := m.Apply(CheckoutRequested{}); out.Dispatch != OpCheckout {
		t.Fatalf("Expected checkout dispatch, got %+v", out)
	}
	m.Apply(CheckoutSucceeded{Result: &model.CheckoutResult{EditURL: "https://docs/D1/edit", LockedAt: t0, Version: 1}})
	if m.State().Mode != model.ModeEdit {
		t.Fatalf("Expected Edit, got %v", m.State().Mode)
	}
	return m
}

func TestCheckoutThenCheckIn(t *testing.T) {
	m := editing(t)
	st := m.State()
	if st.EditURL != "https://docs/D1/edit" || !st.Lock.IsHeldByCaller {
		t.Errorf("Unexpected edit state %+v", st)
	}

	out := m.Apply(CheckinRequested{Comment: "v2"})
	if out.Dispatch != OpCheckin || out.Comment != "v2" {
		t.Fatalf("Expected checkin dispatch with comment, got %+v", out)
	}
	if m.State().Mode != model.ModeProcessing {
		t.Errorf("Expected Processing while checkin is in flight, got %v", m.State().Mode)
	}

	out = m.Apply(CheckinSucceeded{Result: &model.CheckinResult{NewVersion: 2, PreviewURL: "https://docs/D1/preview"}})
	st = m.State()
	if st.Mode != model.ModePreview || st.EditURL != "" {
		t.Errorf("Expected Preview with cleared edit url, got %+v", st)
	}
	if !out.Refresh || out.Notice != NoticeCheckedIn {
		t.Errorf("Expected refresh and checked-in notice, got %+v", out)
	}
	if st.Version != 2 {
		t.Errorf("Expected version 2, got %d", st.Version)
	}
}

func TestCheckoutSuccessWithoutEditURL(t *testing.T) {
	m := New()
	m.Apply(CheckoutRequested{})
	out := m.Apply(CheckoutSucceeded{Result: &model.CheckoutResult{}})
	if m.State().Mode != model.ModePreview {
		t.Errorf("Expected Preview without an edit url, got %v", m.State().Mode)
	}
	if !docerr.Is(out.Err, docerr.KindServer) {
		t.Errorf("Expected server error, got %v", out.Err)
	}
}

func TestCheckoutConflictIsStickyUntilRefresh(t *testing.T) {
	m := New()
	m.Apply(CheckoutRequested{})
	at := t0
	conflict := docerr.Conflict("checkout", bob(), &at)
	out := m.Apply(CheckoutFailed{Err: conflict})

	st := m.State()
	if st.Mode != model.ModePreview {
		t.Errorf("Expected Preview after conflict, got %v", st.Mode)
	}
	if out.Notice != NoticeConflict || st.Conflict == nil || st.Conflict.Holder.DisplayName != "Bob" {
		t.Errorf("Expected conflict held by Bob, got %+v / %+v", out, st.Conflict)
	}
	if st.Lock.LockedAt == nil || !st.Lock.LockedAt.Equal(t0) {
		t.Errorf("Expected lock time %v, got %v", t0, st.Lock.LockedAt)
	}

	out = m.Apply(CheckoutRequested{})
	if out.Dispatch != OpNone || !docerr.Is(out.Err, docerr.KindLockConflict) {
		t.Errorf("Expected retry refused with the conflict, got %+v", out)
	}

	if out := m.Apply(RefreshRequested{}); !out.Refresh {
		t.Errorf("Expected refresh, got %+v", out)
	}
	if out := m.Apply(CheckoutRequested{}); out.Dispatch != OpCheckout {
		t.Errorf("Expected checkout allowed after refresh, got %+v", out)
	}
}

func TestCheckoutOtherErrorKeepsPreview(t *testing.T) {
	m := New()
	m.Apply(CheckoutRequested{})
	netErr := &docerr.Error{Kind: docerr.KindNetwork, Op: "checkout"}
	out := m.Apply(CheckoutFailed{Err: netErr})
	if m.State().Mode != model.ModePreview || out.Err != netErr {
		t.Errorf("Expected Preview with surfaced error, got %+v", out)
	}
	if m.State().Conflict != nil {
		t.Error("Expected no sticky conflict for a network error")
	}
	if out := m.Apply(CheckoutRequested{}); out.Dispatch != OpCheckout {
		t.Errorf("Expected retry allowed, got %+v", out)
	}
}

func TestDiscardTwiceDispatchesOnce(t *testing.T) {
	m := editing(t)
	first := m.Apply(DiscardRequested{})
	second := m.Apply(DiscardRequested{})
	if first.Dispatch != OpDiscard {
		t.Fatalf("Expected first discard dispatched, got %+v", first)
	}
	if second.Dispatch != OpNone || !docerr.Is(second.Err, docerr.KindBusy) {
		t.Errorf("Expected second discard rejected as busy, got %+v", second)
	}
	if st := m.State(); st.Mode != model.ModePreview || st.Pending != OpDiscard {
		t.Errorf("Expected Preview with discard pending, got mode=%v pending=%v", st.Mode, st.Pending)
	}

	out := m.Apply(DiscardSucceeded{Result: &model.DiscardResult{Success: true}})
	if m.State().Mode != model.ModePreview || m.State().EditURL != "" || out.Notice != NoticeDiscarded {
		t.Errorf("Expected Preview after discard, got %+v", m.State())
	}
}

func TestMutationsAreMutuallyExclusive(t *testing.T) {
	m := New()
	m.Apply(CheckoutRequested{})
	if out := m.Apply(DeleteRequested{}); !docerr.Is(out.Err, docerr.KindBusy) {
		t.Errorf("Expected delete rejected while checkout is pending, got %+v", out)
	}
	if out := m.Apply(CheckoutRequested{}); !docerr.Is(out.Err, docerr.KindBusy) {
		t.Errorf("Expected second checkout rejected, got %+v", out)
	}
}

func TestCheckinFailureRevertsToEdit(t *testing.T) {
	m := editing(t)
	m.Apply(CheckinRequested{})
	srvErr := &docerr.Error{Kind: docerr.KindServer, Op: "checkin", Detail: "drive down"}
	out := m.Apply(CheckinFailed{Err: srvErr})
	st := m.State()
	if st.Mode != model.ModeEdit || st.EditURL == "" {
		t.Errorf("Expected revert to Edit, got %+v", st)
	}
	if out.Err != srvErr {
		t.Errorf("Expected surfaced error, got %v", out.Err)
	}
}

func TestCheckinNotCheckedOutDropsToPreview(t *testing.T) {
	m := editing(t)
	m.Apply(CheckinRequested{})
	out := m.Apply(CheckinFailed{Err: &docerr.Error{Kind: docerr.KindNotCheckedOut, Op: "checkin"}})
	st := m.State()
	if st.Mode != model.ModePreview || st.EditURL != "" {
		t.Errorf("Expected Preview once the server denies the lock, got %+v", st)
	}
	if out.Notice != NoticeLockLost || !out.Refresh {
		t.Errorf("Expected lock-lost notice with refresh, got %+v", out)
	}
}

func TestDiscardFailureRevertsToEdit(t *testing.T) {
	m := editing(t)
	m.Apply(DiscardRequested{})
	m.Apply(DiscardFailed{Err: &docerr.Error{Kind: docerr.KindNetwork}})
	if st := m.State(); st.Mode != model.ModeEdit || st.EditURL != "https://docs/D1/edit" {
		t.Errorf("Expected Edit with the edit url restored, got %+v", st)
	}
}

func TestForeignStatusDuringDiscardKeepsPreviewOnFailure(t *testing.T) {
	m := editing(t)
	r := NewReconciler(m)
	m.Apply(DiscardRequested{})
	r.Observe(r.Begin(), heldByBob())
	if m.State().Mode != model.ModePreview {
		t.Fatalf("Expected Preview while discard is pending, got %v", m.State().Mode)
	}
	out := m.Apply(DiscardFailed{Err: &docerr.Error{Kind: docerr.KindServer}})
	if m.State().Mode != model.ModePreview || out.Notice != NoticeLockLost {
		t.Errorf("Expected lock loss to keep Preview after a failed discard, got %+v / %+v", m.State(), out)
	}
}

func TestCheckinOutsideEditIsInvalid(t *testing.T) {
	m := New()
	out := m.Apply(CheckinRequested{})
	if !errors.Is(out.Err, ErrInvalidState) || out.Dispatch != OpNone {
		t.Errorf("Expected ErrInvalidState, got %+v", out)
	}
	if out := m.Apply(DiscardRequested{}); !errors.Is(out.Err, ErrInvalidState) {
		t.Errorf("Expected ErrInvalidState for discard, got %+v", out)
	}
	m = editing(t)
	if out := m.Apply(CheckoutRequested{}); !errors.Is(out.Err, ErrInvalidState) {
		t.Errorf("Expected ErrInvalidState for checkout in Edit, got %+v", out)
	}
}

func TestReconciliationForcesPreview(t *testing.T) {
	m := editing(t)
	r := NewReconciler(m)
	seq := r.Begin()
	out := r.ObserveViewInfo(seq, &model.ViewInfo{Lock: heldByBob()})

	st := m.State()
	if st.Mode != model.ModePreview || st.EditURL != "" {
		t.Errorf("Expected Preview with no edit url, got %+v", st)
	}
	if out.Dispatch != OpNone {
		t.Errorf("Expected no remote call, got %v", out.Dispatch)
	}
	if out.Notice != NoticeLockLost {
		t.Errorf("Expected lock-lost notice, got %v", out.Notice)
	}
}

func TestReconciliationExpiredLockForcesPreview(t *testing.T) {
	m := editing(t)
	r := NewReconciler(m)
	r.Observe(r.Begin(), model.LockStatus{})
	if m.State().Mode != model.ModePreview {
		t.Errorf("Expected Preview once the lock is gone, got %v", m.State().Mode)
	}
}

func TestReconciliationKeepsEditWhenHeld(t *testing.T) {
	m := editing(t)
	r := NewReconciler(m)
	r.Observe(r.Begin(), model.LockStatus{IsLocked: true, IsHeldByCaller: true})
	if m.State().Mode != model.ModeEdit {
		t.Errorf("Expected Edit to survive a confirming status, got %v", m.State().Mode)
	}
}

func TestHeldByCallerInPreviewDoesNotEnterEdit(t *testing.T) {
	m := New()
	r := NewReconciler(m)
	r.Observe(r.Begin(), model.LockStatus{IsLocked: true, IsHeldByCaller: true})
	if m.State().Mode != model.ModePreview {
		t.Errorf("Expected Preview without a checkout result, got %v", m.State().Mode)
	}
}

func TestNewerConflictBeatsStaleCheckoutSuccess(t *testing.T) {
	m := New()
	r := NewReconciler(m)
	m.Apply(CheckoutRequested{})
	r.Observe(r.Begin(), heldByBob())

	out := m.Apply(CheckoutSucceeded{Result: &model.CheckoutResult{EditURL: "https://docs/D1/edit"}})
	st := m.State()
	if st.Mode != model.ModePreview || st.EditURL != "" {
		t.Errorf("Expected reconciliation to win, got %+v", st)
	}
	if !out.Stale || !docerr.Is(out.Err, docerr.KindLockConflict) {
		t.Errorf("Expected stale success surfaced as conflict, got %+v", out)
	}
	if st.Pending != OpNone {
		t.Errorf("Expected no pending op, got %v", st.Pending)
	}
}

func TestStatusFetchedBeforeCheckoutIsIgnored(t *testing.T) {
	m := New()
	r := NewReconciler(m)
	seq := r.Begin()
	m.Apply(CheckoutRequested{})
	m.Apply(CheckoutSucceeded{Result: &model.CheckoutResult{EditURL: "https://docs/D1/edit"}})

	out := r.Observe(seq, heldByBob())
	if !out.Stale {
		t.Errorf("Expected pre-checkout status to be stale, got %+v", out)
	}
	if m.State().Mode != model.ModeEdit {
		t.Errorf("Expected Edit to survive, got %v", m.State().Mode)
	}
}

func TestStatusFetchedDuringCheckoutIsStaleAfterSuccess(t *testing.T) {
	m := New()
	r := NewReconciler(m)
	m.Apply(CheckoutRequested{})
	inFlight := r.Begin()
	m.Apply(CheckoutSucceeded{Result: &model.CheckoutResult{EditURL: "https://docs/D1/edit", LockedAt: t0}})

	out := r.Observe(inFlight, model.LockStatus{})
	if !out.Stale || out.Notice == NoticeLockLost {
		t.Errorf("Expected in-flight unlocked status to be stale, got %+v", out)
	}
	st := m.State()
	if st.Mode != model.ModeEdit || st.EditURL != "https://docs/D1/edit" || !st.Lock.IsHeldByCaller {
		t.Errorf("Expected Edit to survive, got %+v", st)
	}

	// A status fetched after the grant still counts.
	r.Observe(r.Begin(), model.LockStatus{})
	if m.State().Mode != model.ModePreview {
		t.Errorf("Expected a newer unlocked status to force Preview, got %v", m.State().Mode)
	}
}

func TestStatusFetchedDuringCheckinIsStaleAfterSuccess(t *testing.T) {
	m := editing(t)
	r := NewReconciler(m)
	m.Apply(CheckinRequested{})
	inFlight := r.Begin()
	m.Apply(CheckinSucceeded{Result: &model.CheckinResult{NewVersion: 2}})

	if out := r.Observe(inFlight, model.LockStatus{IsLocked: true, IsHeldByCaller: true}); !out.Stale {
		t.Errorf("Expected in-flight status to be stale, got %+v", out)
	}
	if m.State().Lock.IsLocked {
		t.Errorf("Expected released lock to stay released, got %+v", m.State().Lock)
	}
}

func TestOlderStatusLosesToNewer(t *testing.T) {
	m := New()
	r := NewReconciler(m)
	older := r.Begin()
	newer := r.Begin()
	r.Observe(newer, model.LockStatus{})
	out := r.Observe(older, heldByBob())
	if !out.Stale || m.State().Lock.IsLocked {
		t.Errorf("Expected older status ignored, got %+v / %+v", out, m.State().Lock)
	}
}

func TestStatusDuringCheckinThenFailureDropsToPreview(t *testing.T) {
	m := editing(t)
	r := NewReconciler(m)
	m.Apply(CheckinRequested{})
	r.Observe(r.Begin(), heldByBob())
	if m.State().Mode != model.ModeProcessing {
		t.Fatalf("Expected Processing to hold until the result, got %v", m.State().Mode)
	}
	m.Apply(CheckinFailed{Err: &docerr.Error{Kind: docerr.KindServer}})
	if m.State().Mode != model.ModePreview {
		t.Errorf("Expected Preview since the lock was observed lost, got %v", m.State().Mode)
	}
}

func TestDeleteConflictLeavesModeAlone(t *testing.T) {
	m := New()
	if out := m.Apply(DeleteRequested{}); out.Dispatch != OpDelete {
		t.Fatalf("Expected delete dispatch, got %+v", out)
	}
	out := m.Apply(DeleteFailed{Err: docerr.Conflict("delete", bob(), nil)})
	st := m.State()
	if st.Mode != model.ModePreview || st.Conflict != nil {
		t.Errorf("Expected delete conflict to leave mode and checkout alone, got %+v", st)
	}
	if !docerr.Is(out.Err, docerr.KindLockConflict) {
		t.Errorf("Expected lock conflict, got %v", out.Err)
	}

	m = editing(t)
	m.Apply(DeleteRequested{})
	m.Apply(DeleteSucceeded{Result: &model.DeleteResult{Success: true}})
	if m.State().Mode != model.ModeEdit {
		t.Errorf("Expected delete to leave Edit alone, got %v", m.State().Mode)
	}
}

func TestDestroyedDropsResults(t *testing.T) {
	m := New()
	m.Apply(CheckoutRequested{})
	m.Apply(Destroyed{})

	out := m.Apply(CheckoutSucceeded{Result: &model.CheckoutResult{EditURL: "https://docs/D1/edit"}})
	if !out.Stale || m.State().Mode != model.ModePreview {
		t.Errorf("Expected late result dropped, got %+v / %v", out, m.State().Mode)
	}
	if out := m.Apply(CheckoutRequested{}); !errors.Is(out.Err, ErrDestroyed) {
		t.Errorf("Expected ErrDestroyed, got %+v", out)
	}
}

func TestLateResultForOtherOpIsStale(t *testing.T) {
	m := editing(t)
	if out := m.Apply(DiscardSucceeded{}); !out.Stale {
		t.Errorf("Expected unsolicited discard result to be stale, got %+v", out)
	}
	if m.State().Mode != model.ModeEdit {
		t.Errorf("Expected Edit unchanged, got %v", m.State().Mode)
	}
}

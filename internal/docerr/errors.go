// Package docerr classifies document session failures.
package docerr

import (
	"errors"
	"fmt"
	"time"

	"github.com/jun/doclock/internal/model"
)

// Kind tags a session failure.
type Kind int

const (
	KindServer Kind = iota
	KindNetwork
	KindAuth
	KindLockConflict
	KindNotCheckedOut
	KindTimeout
	KindInvalidID
	KindNotFound
	// KindBusy is raised locally when a mutating operation is already in flight.
	KindBusy
)

func (k Kind) String() string {
	switch k {
	case KindServer:
		return "server_error"
	case KindNetwork:
		return "network_error"
	case KindAuth:
		return "auth_error"
	case KindLockConflict:
		return "lock_conflict"
	case KindNotCheckedOut:
		return "not_checked_out"
	case KindTimeout:
		return "timeout"
	case KindInvalidID:
		return "invalid_id"
	case KindNotFound:
		return "not_found"
	case KindBusy:
		return "busy"
	}
	return "unknown"
}

// Error is a classified session failure.
type Error struct {
	Kind Kind
	// Op is the remote operation that failed (checkout, checkin, ...).
	Op string
	// Status is the HTTP status, zero when no response was received.
	Status int
	// Code and Detail come from the server's problem document when present.
	Code   string
	Detail string
	// Holder and LockedAt describe the current lock holder for KindLockConflict.
	Holder   *model.UserRef
	LockedAt *time.Time
	// CorrelationID is the identifier sent with the failing request.
	CorrelationID string
	Err           error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	switch e.Kind {
	case KindLockConflict:
		if e.Holder != nil && e.Holder.DisplayName != "" {
			return fmt.Sprintf("%s: document locked by %s", e.Op, e.Holder.DisplayName)
		}
		return fmt.Sprintf("%s: document locked", e.Op)
	case KindNetwork, KindAuth:
		if e.Err != nil {
			return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
		}
	case KindServer:
		if e.Code != "" {
			return fmt.Sprintf("%s: %s (%s)", e.Op, e.Code, e.Detail)
		}
		if e.Status != 0 {
			return fmt.Sprintf("%s: status %d: %s", e.Op, e.Status, e.Detail)
		}
	}
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Detail)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of err, or KindServer with ok=false when err is not an *Error.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return KindServer, false
}

// Is reports whether err is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}

// Conflict builds a KindLockConflict error.
func Conflict(op string, holder *model.UserRef, lockedAt *time.Time) *Error {
	return &Error{Kind: KindLockConflict, Op: op, Status: 409, Code: model.CodeDocumentLocked, Holder: holder, LockedAt: lockedAt}
}

// Busy builds the local "operation already in flight" rejection.
func Busy(op, pending string) *Error {
	return &Error{Kind: KindBusy, Op: op, Detail: fmt.Sprintf("operation already in flight: %s", pending)}
}

// Timeout builds the preview-load timeout error.
func Timeout(op string, after time.Duration) *Error {
	return &Error{Kind: KindTimeout, Op: op, Detail: fmt.Sprintf("no load signal after %s", after)}
}

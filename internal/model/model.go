package model

import "time"

// DocumentHandle identifies the document a session views or edits.
type DocumentHandle string

// ViewMode selects which surface is shown and which actions are valid.
type ViewMode int

const (
	ModePreview ViewMode = iota
	ModeEdit
	// ModeProcessing is transient and only used while a checkin commits.
	ModeProcessing
)

func (m ViewMode) String() string {
	switch m {
	case ModePreview:
		return "preview"
	case ModeEdit:
		return "edit"
	case ModeProcessing:
		return "processing"
	}
	return "unknown"
}

// PreviewLoadState tracks the externally rendered preview surface.
type PreviewLoadState int

const (
	LoadIdle PreviewLoadState = iota
	LoadLoading
	LoadLoaded
	LoadTimedOut
	LoadError
)

func (s PreviewLoadState) String() string {
	switch s {
	case LoadIdle:
		return "idle"
	case LoadLoading:
		return "loading"
	case LoadLoaded:
		return "loaded"
	case LoadTimedOut:
		return "timed_out"
	case LoadError:
		return "error"
	}
	return "unknown"
}

// UserRef is the opaque identity of a lock holder.
type UserRef struct {
	ID          string `json:"id,omitempty"`
	DisplayName string `json:"name,omitempty"`
	Email       string `json:"email,omitempty"`
}

// LockStatus is the remote store's view of a document's checkout.
// It is never inferred from local state.
type LockStatus struct {
	IsLocked       bool
	LockedBy       *UserRef
	LockedAt       *time.Time
	IsHeldByCaller bool
}

// HeldByOther reports whether someone other than the caller holds the lock.
func (s LockStatus) HeldByOther() bool {
	return s.IsLocked && !s.IsHeldByCaller
}

// DocumentInfo is the descriptive metadata returned with view info.
type DocumentInfo struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	MIMEType     string    `json:"mimeType,omitempty"`
	Size         int64     `json:"size"`
	ModifiedTime time.Time `json:"modifiedTime"`
	Version      int64     `json:"versionNumber"`
}

// ViewInfo is the result of fetching preview information for a document.
type ViewInfo struct {
	PreviewURL string
	Document   DocumentInfo
	Lock       LockStatus
}

// CheckoutResult is returned by a successful checkout.
type CheckoutResult struct {
	EditURL  string
	LockedAt time.Time
	Version  int64
}

// CheckinResult is returned by a successful checkin.
type CheckinResult struct {
	NewVersion int64
	PreviewURL string
}

// DiscardResult is returned by a successful discard.
type DiscardResult struct {
	Success bool
	Message string
}

// DeleteResult is returned by a successful delete.
type DeleteResult struct {
	Success bool
	Message string
}

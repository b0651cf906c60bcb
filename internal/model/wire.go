package model

import "time"

// Wire types written by the document service handlers. The client reads the
// same JSON through lenient views of its own.

// CheckoutStatusBody is the optional lock status embedded in preview-url responses.
type CheckoutStatusBody struct {
	IsCheckedOut  bool       `json:"isCheckedOut"`
	CheckedOutBy  *UserRef   `json:"checkedOutBy,omitempty"`
	CheckedOutAt  *time.Time `json:"checkedOutAt,omitempty"`
	IsCurrentUser bool       `json:"isCurrentUser"`
}

// PreviewURLResponse is the body of GET /documents/{id}/preview-url.
type PreviewURLResponse struct {
	PreviewURL     string              `json:"previewUrl"`
	DocumentInfo   DocumentInfo        `json:"documentInfo"`
	CheckoutStatus *CheckoutStatusBody `json:"checkoutStatus,omitempty"`
}

// CheckoutResponse is the body of a successful POST /documents/{id}/checkout.
type CheckoutResponse struct {
	EditURL       string    `json:"editUrl"`
	CheckedOutAt  time.Time `json:"checkedOutAt"`
	VersionNumber int64     `json:"versionNumber"`
}

// CheckinRequest is the body of POST /documents/{id}/checkin.
type CheckinRequest struct {
	Comment string `json:"comment,omitempty"`
}

// CheckinResponse is the body of a successful checkin.
type CheckinResponse struct {
	NewVersionNumber int64  `json:"newVersionNumber"`
	PreviewURL       string `json:"previewUrl"`
}

// StatusResponse is the body of discard and delete responses.
type StatusResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// Problem is an RFC 7807 problem document with the machine-readable code
// extension and, for conflicts, the holder fields.
type Problem struct {
	Type         string     `json:"type,omitempty"`
	Title        string     `json:"title,omitempty"`
	Status       int        `json:"status,omitempty"`
	Detail       string     `json:"detail,omitempty"`
	Instance     string     `json:"instance,omitempty"`
	Code         string     `json:"code,omitempty"`
	CheckedOutBy *UserRef   `json:"checkedOutBy,omitempty"`
	CheckedOutAt *time.Time `json:"checkedOutAt,omitempty"`
}

// Machine-readable problem codes.
const (
	CodeInvalidID        = "invalid_id"
	CodeDocumentNotFound = "document_not_found"
	CodeDocumentLocked   = "document_locked"
	CodeNotCheckedOut    = "not_checked_out"
	CodeNotAuthorized    = "not_authorized"
)

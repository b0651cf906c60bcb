package adapter

import (
	"context"
	"time"
)

// Document is content-store metadata for one document.
type Document struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	MIMEType     string    `json:"mimeType"`
	ModifiedTime time.Time `json:"modifiedTime"`
	Size         int64     `json:"size"`
	ETag         string    `json:"etag"`
	Version      int64     `json:"versionNumber"`
	// Comment is the note attached to the latest version.
	Comment string `json:"comment,omitempty"`
}

// WorkingCopy is the editable copy handed to the lock holder.
type WorkingCopy struct {
	ID          string
	EditURL     string
	BaseVersion int64
}

// ContentStore holds document binaries. Edits happen on a working copy that
// is either committed as a new version or dropped.
//
// Implementations: googledrive (per-user Drive), s3 (MinIO/S3 bucket) and
// memory (dev mode and tests).
type ContentStore interface {
	// Info returns document metadata, or ErrNotFound.
	Info(ctx context.Context, id string) (*Document, error)

	// PreviewURL returns a URL that renders the current version read-only.
	PreviewURL(ctx context.Context, id string) (string, error)

	// CreateWorkingCopy creates (or returns the existing) working copy of id
	// for userID.
	CreateWorkingCopy(ctx context.Context, id, userID string) (*WorkingCopy, error)

	// CommitWorkingCopy replaces the document content with userID's working
	// copy, bumps the version, records comment and removes the copy.
	CommitWorkingCopy(ctx context.Context, id, userID, comment string) (*Document, error)

	// DropWorkingCopy removes userID's working copy. Missing copies are not an error.
	DropWorkingCopy(ctx context.Context, id, userID string) error

	// Delete removes the document and any working copies.
	Delete(ctx context.Context, id string) error
}

// StoreProvider returns the ContentStore acting for a user. Drive needs the
// user's own credential; bucket-backed stores ignore userID.
type StoreProvider interface {
	StoreFor(ctx context.Context, userID string) (ContentStore, error)
}

// Shared serves one ContentStore to every user.
type Shared struct {
	Store ContentStore
}

func (s Shared) StoreFor(context.Context, string) (ContentStore, error) {
	return s.Store, nil
}

package adapter

import "errors"

var (
	// ErrNotFound is returned when the document or working copy does not exist.
	ErrNotFound = errors.New("resource not found")

	// ErrPreconditionFailed is returned when a working copy is committed over
	// a document that changed after the copy was taken.
	ErrPreconditionFailed = errors.New("precondition failed")

	// ErrNoWorkingCopy is returned by CommitWorkingCopy when nothing was checked out.
	ErrNoWorkingCopy = errors.New("no working copy")
)

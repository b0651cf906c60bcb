// Package service implements the document checkout service behind the REST
// surface: lock records live in a lockstore, content in a ContentStore.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"

	"github.com/jun/doclock/internal/adapter"
	"github.com/jun/doclock/internal/clock"
	"github.com/jun/doclock/internal/lockstore"
	"github.com/jun/doclock/internal/model"
)

var validID = regexp.MustCompile(`^[A-Za-z0-9_.-]{1,256}$`)

// Caller is the authenticated user making a request.
type Caller struct {
	ID    string
	Name  string
	Email string
}

// Failure is an expected, client-visible failure. Handlers render it as
// problem+json.
type Failure struct {
	Status int
	Code   string
	Detail string
	// Holder is set for document_locked.
	Holder *model.CheckoutRecord
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%d %s: %s", f.Status, f.Code, f.Detail)
}

func invalidID(id string) *Failure {
	return &Failure{Status: http.StatusBadRequest, Code: model.CodeInvalidID, Detail: fmt.Sprintf("%q is not a valid document id", id)}
}

func notFound(id string) *Failure {
	return &Failure{Status: http.StatusNotFound, Code: model.CodeDocumentNotFound, Detail: fmt.Sprintf("document %s not found", id)}
}

func locked(rec model.CheckoutRecord) *Failure {
	who := rec.UserName
	if who == "" {
		who = rec.UserID
	}
	return &Failure{
		Status: http.StatusConflict,
		Code:   model.CodeDocumentLocked,
		Detail: fmt.Sprintf("document is checked out by %s", who),
		Holder: &rec,
	}
}

func notCheckedOut(id string) *Failure {
	return &Failure{Status: http.StatusConflict, Code: model.CodeNotCheckedOut, Detail: fmt.Sprintf("document %s is not checked out by you", id)}
}

// Documents coordinates lock records with content-store operations.
type Documents struct {
	locks  lockstore.Store
	stores adapter.StoreProvider
	logger *slog.Logger
	clock  clock.Clock
}

type Option func(*Documents)

func WithLogger(l *slog.Logger) Option {
	return func(d *Documents) {
		if l != nil {
			d.logger = l
		}
	}
}

func WithClock(c clock.Clock) Option {
	return func(d *Documents) { d.clock = c }
}

func NewDocuments(locks lockstore.Store, stores adapter.StoreProvider, opts ...Option) *Documents {
	d := &Documents{
		locks:  locks,
		stores: stores,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		clock:  clock.Real{},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// prepare validates id and resolves the caller's content store.
func (d *Documents) prepare(ctx context.Context, caller Caller, id string) (adapter.ContentStore, error) {
	if !validID.MatchString(id) {
		return nil, invalidID(id)
	}
	store, err := d.stores.StoreFor(ctx, caller.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to get content store: %w", err)
	}
	return store, nil
}

func storeErr(id string, err error) error {
	if errors.Is(err, adapter.ErrNotFound) {
		return notFound(id)
	}
	return err
}

// ViewInfo returns the preview URL, metadata and checkout status of id
// relative to caller.
func (d *Documents) ViewInfo(ctx context.Context, caller Caller, id string) (*model.PreviewURLResponse, error) {
	store, err := d.prepare(ctx, caller, id)
	if err != nil {
		return nil, err
	}
	doc, err := store.Info(ctx, id)
	if err != nil {
		return nil, storeErr(id, err)
	}
	previewURL, err := store.PreviewURL(ctx, id)
	if err != nil {
		return nil, storeErr(id, err)
	}
	rec, err := d.locks.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to read checkout: %w", err)
	}

	resp := &model.PreviewURLResponse{
		PreviewURL: previewURL,
		DocumentInfo: model.DocumentInfo{
			ID:           doc.ID,
			Name:         doc.Name,
			MIMEType:     doc.MIMEType,
			Size:         doc.Size,
			ModifiedTime: doc.ModifiedTime,
			Version:      doc.Version,
		},
		CheckoutStatus: &model.CheckoutStatusBody{},
	}
	if rec != nil {
		holder := rec.Holder()
		at := rec.CheckedOutAt
		resp.CheckoutStatus = &model.CheckoutStatusBody{
			IsCheckedOut:  true,
			CheckedOutBy:  &holder,
			CheckedOutAt:  &at,
			IsCurrentUser: rec.UserID == caller.ID,
		}
	}
	return resp, nil
}

// Checkout takes the lock for caller and hands out an edit URL. A holder
// checking out again refreshes the lock and gets the same working copy.
func (d *Documents) Checkout(ctx context.Context, caller Caller, id string) (*model.CheckoutResponse, error) {
	store, err := d.prepare(ctx, caller, id)
	if err != nil {
		return nil, err
	}
	doc, err := store.Info(ctx, id)
	if err != nil {
		return nil, storeErr(id, err)
	}

	checkedOutAt := d.clock.Now().UTC()
	if cur, err := d.locks.Get(ctx, id); err == nil && cur != nil && cur.UserID == caller.ID {
		checkedOutAt = cur.CheckedOutAt
	}
	rec, err := d.locks.Acquire(ctx, model.CheckoutRecord{
		DocumentID:   id,
		UserID:       caller.ID,
		UserName:     caller.Name,
		UserEmail:    caller.Email,
		CheckedOutAt: checkedOutAt,
		Version:      doc.Version,
	})
	if err != nil {
		var le *lockstore.LockedError
		if errors.As(err, &le) {
			d.logger.Info("documents.checkout.conflict", "document", id, "user", caller.ID, "holder", le.Record.UserID)
			return nil, locked(le.Record)
		}
		return nil, fmt.Errorf("failed to acquire checkout: %w", err)
	}

	wc, err := store.CreateWorkingCopy(ctx, id, caller.ID)
	if err != nil {
		if rerr := d.locks.Release(ctx, id, caller.ID); rerr != nil {
			d.logger.Warn("documents.checkout.release_failed", "document", id, "error", rerr)
		}
		return nil, storeErr(id, err)
	}

	d.logger.Info("documents.checkout", "document", id, "user", caller.ID, "version", rec.Version)
	return &model.CheckoutResponse{
		EditURL:       wc.EditURL,
		CheckedOutAt:  rec.CheckedOutAt,
		VersionNumber: rec.Version,
	}, nil
}

// held returns caller's record for id or not_checked_out.
func (d *Documents) held(ctx context.Context, caller Caller, id string) (*model.CheckoutRecord, error) {
	rec, err := d.locks.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to read checkout: %w", err)
	}
	if rec == nil || rec.UserID != caller.ID {
		return nil, notCheckedOut(id)
	}
	return rec, nil
}

// CheckIn commits caller's working copy as a new version and releases the lock.
func (d *Documents) CheckIn(ctx context.Context, caller Caller, id, comment string) (*model.CheckinResponse, error) {
	store, err := d.prepare(ctx, caller, id)
	if err != nil {
		return nil, err
	}
	if _, err := d.held(ctx, caller, id); err != nil {
		return nil, err
	}

	doc, err := store.CommitWorkingCopy(ctx, id, caller.ID, comment)
	switch {
	case errors.Is(err, adapter.ErrNoWorkingCopy):
		return nil, notCheckedOut(id)
	case errors.Is(err, adapter.ErrPreconditionFailed):
		return nil, &Failure{Status: http.StatusConflict, Code: model.CodeDocumentLocked, Detail: "document changed while checked out"}
	case err != nil:
		return nil, storeErr(id, err)
	}

	if err := d.release(ctx, id, caller.ID); err != nil {
		return nil, err
	}
	previewURL, err := store.PreviewURL(ctx, id)
	if err != nil {
		return nil, storeErr(id, err)
	}

	d.logger.Info("documents.checkin", "document", id, "user", caller.ID, "version", doc.Version)
	return &model.CheckinResponse{NewVersionNumber: doc.Version, PreviewURL: previewURL}, nil
}

// Discard drops caller's working copy and releases the lock.
func (d *Documents) Discard(ctx context.Context, caller Caller, id string) (*model.StatusResponse, error) {
	store, err := d.prepare(ctx, caller, id)
	if err != nil {
		return nil, err
	}
	if _, err := d.held(ctx, caller, id); err != nil {
		return nil, err
	}
	if err := store.DropWorkingCopy(ctx, id, caller.ID); err != nil {
		return nil, storeErr(id, err)
	}
	if err := d.release(ctx, id, caller.ID); err != nil {
		return nil, err
	}

	d.logger.Info("documents.discard", "document", id, "user", caller.ID)
	return &model.StatusResponse{Success: true, Message: "Checkout discarded"}, nil
}

func (d *Documents) release(ctx context.Context, id, userID string) error {
	err := d.locks.Release(ctx, id, userID)
	if errors.Is(err, lockstore.ErrNotHeld) {
		return notCheckedOut(id)
	}
	if err != nil {
		return fmt.Errorf("failed to release checkout: %w", err)
	}
	return nil
}

// deleteOwnerPrefix marks the short-lived record Delete holds while it
// removes content. No caller can own it, so it conflicts with every checkout.
const deleteOwnerPrefix = "delete:"

// Delete removes an unlocked document. Any live checkout, including the
// caller's own, blocks it. The guard record makes the check and the claim one
// conditional write, so a checkout cannot slip in before the content is gone.
func (d *Documents) Delete(ctx context.Context, caller Caller, id string) (*model.StatusResponse, error) {
	store, err := d.prepare(ctx, caller, id)
	if err != nil {
		return nil, err
	}
	guard := deleteOwnerPrefix + caller.ID
	_, err = d.locks.Acquire(ctx, model.CheckoutRecord{
		DocumentID:   id,
		UserID:       guard,
		UserName:     caller.Name,
		UserEmail:    caller.Email,
		CheckedOutAt: d.clock.Now().UTC(),
	})
	if err != nil {
		var le *lockstore.LockedError
		if errors.As(err, &le) {
			return nil, locked(le.Record)
		}
		return nil, fmt.Errorf("failed to guard delete: %w", err)
	}
	defer func() {
		if rerr := d.locks.Release(ctx, id, guard); rerr != nil {
			d.logger.Warn("documents.delete.release_failed", "document", id, "error", rerr)
		}
	}()

	if err := store.Delete(ctx, id); err != nil {
		return nil, storeErr(id, err)
	}

	d.logger.Info("documents.delete", "document", id, "user", caller.ID)
	return &model.StatusResponse{Success: true, Message: "Document deleted"}, nil
}

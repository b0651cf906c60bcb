package googledrive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/jun/doclock/internal/adapter"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// appProperties keys written on working copies.
const (
	propSource  = "doclock_source"
	propUser    = "doclock_user"
	propBaseMD5 = "doclock_base_md5"
	propBaseVer = "doclock_base_version"
)

const fileFields = "id, name, mimeType, modifiedTime, size, md5Checksum, version, description"

// Store implements adapter.ContentStore on a user's Google Drive. Working
// copies are Drive copies tagged with appProperties naming the source file
// and the user.
type Store struct {
	service *drive.Service
}

// NewStore creates a Store. client should already carry the user's credential.
func NewStore(ctx context.Context, client *http.Client, opts ...option.ClientOption) (*Store, error) {
	opts = append([]option.ClientOption{option.WithHTTPClient(client)}, opts...)
	srv, err := drive.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("unable to retrieve Drive client: %w", err)
	}
	return &Store{service: srv}, nil
}

func toDocument(f *drive.File) *adapter.Document {
	modTime, _ := time.Parse(time.RFC3339, f.ModifiedTime)
	return &adapter.Document{
		ID:           f.Id,
		Name:         f.Name,
		MIMEType:     f.MimeType,
		ModifiedTime: modTime,
		Size:         f.Size,
		ETag:         f.Md5Checksum,
		Version:      f.Version,
		Comment:      f.Description,
	}
}

func (s *Store) get(ctx context.Context, id string) (*drive.File, error) {
	f, err := s.service.Files.Get(id).
		Context(ctx).
		SupportsAllDrives(true).
		Fields(googleapi.Field(fileFields)).
		Do()
	if err != nil {
		if isNotFound(err) {
			return nil, adapter.ErrNotFound
		}
		return nil, fmt.Errorf("unable to get file metadata: %w", err)
	}
	return f, nil
}

func (s *Store) Info(ctx context.Context, id string) (*adapter.Document, error) {
	f, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	return toDocument(f), nil
}

// PreviewURL returns Drive's embeddable preview page for id.
func (s *Store) PreviewURL(ctx context.Context, id string) (string, error) {
	if _, err := s.get(ctx, id); err != nil {
		return "", err
	}
	return previewURL(id), nil
}

func previewURL(id string) string {
	return fmt.Sprintf("https://drive.google.com/file/d/%s/preview", id)
}

func editURL(f *drive.File) string {
	if f.WebViewLink != "" {
		return f.WebViewLink
	}
	return fmt.Sprintf("https://drive.google.com/file/d/%s/edit", f.Id)
}

// workingCopies lists the copies of id owned by userID. An empty userID
// matches every user.
func (s *Store) workingCopies(ctx context.Context, id, userID string) ([]*drive.File, error) {
	q := fmt.Sprintf("appProperties has { key='%s' and value='%s' } and trashed = false", propSource, id)
	if userID != "" {
		q += fmt.Sprintf(" and appProperties has { key='%s' and value='%s' }", propUser, userID)
	}
	r, err := s.service.Files.List().
		Context(ctx).
		Q(q).
		SupportsAllDrives(true).
		IncludeItemsFromAllDrives(true).
		Fields("files(id, webViewLink, appProperties)").
		Do()
	if err != nil {
		return nil, fmt.Errorf("unable to list working copies: %w", err)
	}
	return r.Files, nil
}

func (s *Store) CreateWorkingCopy(ctx context.Context, id, userID string) (*adapter.WorkingCopy, error) {
	orig, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}

	existing, err := s.workingCopies(ctx, id, userID)
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		wc := existing[0]
		base, _ := strconv.ParseInt(wc.AppProperties[propBaseVer], 10, 64)
		return &adapter.WorkingCopy{ID: wc.Id, EditURL: editURL(wc), BaseVersion: base}, nil
	}

	f := &drive.File{
		Name: fmt.Sprintf("%s (working copy)", orig.Name),
		AppProperties: map[string]string{
			propSource:  id,
			propUser:    userID,
			propBaseMD5: orig.Md5Checksum,
			propBaseVer: strconv.FormatInt(orig.Version, 10),
		},
	}
	res, err := s.service.Files.Copy(id, f).
		Context(ctx).
		SupportsAllDrives(true).
		Fields("id, webViewLink").
		Do()
	if err != nil {
		if isNotFound(err) {
			return nil, adapter.ErrNotFound
		}
		return nil, fmt.Errorf("unable to copy file: %w", err)
	}
	return &adapter.WorkingCopy{ID: res.Id, EditURL: editURL(res), BaseVersion: orig.Version}, nil
}

func (s *Store) CommitWorkingCopy(ctx context.Context, id, userID, comment string) (*adapter.Document, error) {
	copies, err := s.workingCopies(ctx, id, userID)
	if err != nil {
		return nil, err
	}
	if len(copies) == 0 {
		return nil, adapter.ErrNoWorkingCopy
	}
	wc := copies[0]

	orig, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if base := wc.AppProperties[propBaseMD5]; base != "" && base != orig.Md5Checksum {
		return nil, adapter.ErrPreconditionFailed
	}

	resp, err := s.service.Files.Get(wc.Id).Context(ctx).SupportsAllDrives(true).Download()
	if err != nil {
		return nil, fmt.Errorf("unable to download working copy: %w", err)
	}
	content, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("unable to read working copy: %w", err)
	}

	update := &drive.File{Description: comment}
	update.ForceSendFields = []string{"Description"}
	res, err := s.service.Files.Update(id, update).
		Context(ctx).
		Media(bytes.NewReader(content)).
		SupportsAllDrives(true).
		Fields(googleapi.Field(fileFields)).
		Do()
	if err != nil {
		if isPreconditionFailed(err) {
			return nil, adapter.ErrPreconditionFailed
		}
		if isNotFound(err) {
			return nil, adapter.ErrNotFound
		}
		return nil, fmt.Errorf("unable to update file: %w", err)
	}

	if err := s.deleteFile(ctx, wc.Id); err != nil && !errors.Is(err, adapter.ErrNotFound) {
		return nil, err
	}
	return toDocument(res), nil
}

func (s *Store) DropWorkingCopy(ctx context.Context, id, userID string) error {
	copies, err := s.workingCopies(ctx, id, userID)
	if err != nil {
		return err
	}
	for _, wc := range copies {
		if err := s.deleteFile(ctx, wc.Id); err != nil && !errors.Is(err, adapter.ErrNotFound) {
			return err
		}
	}
	return nil
}

// Delete removes the document and every user's working copy of it.
func (s *Store) Delete(ctx context.Context, id string) error {
	if err := s.DropWorkingCopy(ctx, id, ""); err != nil {
		return err
	}
	return s.deleteFile(ctx, id)
}

func (s *Store) deleteFile(ctx context.Context, id string) error {
	if err := s.service.Files.Delete(id).Context(ctx).SupportsAllDrives(true).Do(); err != nil {
		if isNotFound(err) {
			return adapter.ErrNotFound
		}
		return fmt.Errorf("unable to delete file: %w", err)
	}
	return nil
}

func isPreconditionFailed(err error) bool {
	var gErr *googleapi.Error
	if errors.As(err, &gErr) {
		return gErr.Code == http.StatusPreconditionFailed
	}
	return false
}

func isNotFound(err error) bool {
	var gErr *googleapi.Error
	if errors.As(err, &gErr) {
		return gErr.Code == http.StatusNotFound
	}
	return false
}

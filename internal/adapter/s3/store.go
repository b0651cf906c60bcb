// Package s3 stores documents in an S3-compatible bucket through minio-go.
//
// Layout: documents/{id} holds the current version; working/{id}/{user}
// holds a user's working copy. Version, name and the last checkin comment
// travel as object user metadata.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jun/doclock/internal/adapter"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const (
	metaVersion  = "Doclock-Version"
	metaName     = "Doclock-Name"
	metaComment  = "Doclock-Comment"
	metaBaseETag = "Doclock-Base-Etag"
	metaBaseVer  = "Doclock-Base-Version"
)

// DefaultPresignTTL is how long preview and edit URLs stay valid.
const DefaultPresignTTL = 15 * time.Minute

// Config captures the bucket connection.
type Config struct {
	Endpoint  string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
	// Insecure selects plain HTTP.
	Insecure   bool
	PresignTTL time.Duration
	Transport  http.RoundTripper
}

// Store implements adapter.ContentStore on a bucket.
type Store struct {
	client *minio.Client
	cfg    Config
}

// New builds a Store. Empty keys fall back to the AWS/MinIO environment and
// instance credentials.
func New(cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3: bucket is required")
	}
	endpoint := strings.TrimPrefix(strings.TrimPrefix(cfg.Endpoint, "https://"), "http://")
	if endpoint == "" {
		endpoint = "s3.amazonaws.com"
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	if cfg.PresignTTL <= 0 {
		cfg.PresignTTL = DefaultPresignTTL
	}

	var creds *credentials.Credentials
	if cfg.AccessKey != "" {
		creds = credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, "")
	} else {
		creds = credentials.NewChainCredentials([]credentials.Provider{
			&credentials.EnvAWS{},
			&credentials.EnvMinio{},
			&credentials.IAM{},
		})
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds:        creds,
		Secure:       !cfg.Insecure,
		Region:       cfg.Region,
		Transport:    cfg.Transport,
		BucketLookup: minio.BucketLookupPath,
	})
	if err != nil {
		return nil, fmt.Errorf("s3: create client: %w", err)
	}
	return &Store{client: client, cfg: cfg}, nil
}

func documentKey(id string) string {
	return "documents/" + id
}

func workingPrefix(id string) string {
	return "working/" + id + "/"
}

func workingKey(id, userID string) string {
	return workingPrefix(id) + userID
}

// meta reads a user metadata value regardless of how the server cased it.
func meta(m map[string]string, key string) string {
	for k, v := range m {
		if strings.EqualFold(k, key) || strings.EqualFold(k, "X-Amz-Meta-"+key) {
			return v
		}
	}
	return ""
}

func toDocument(id string, info minio.ObjectInfo) *adapter.Document {
	version, _ := strconv.ParseInt(meta(info.UserMetadata, metaVersion), 10, 64)
	name, _ := url.QueryUnescape(meta(info.UserMetadata, metaName))
	comment, _ := url.QueryUnescape(meta(info.UserMetadata, metaComment))
	if name == "" {
		name = id
	}
	return &adapter.Document{
		ID:           id,
		Name:         name,
		MIMEType:     info.ContentType,
		ModifiedTime: info.LastModified.UTC(),
		Size:         info.Size,
		ETag:         info.ETag,
		Version:      version,
		Comment:      comment,
	}
}

func (s *Store) stat(ctx context.Context, key string) (minio.ObjectInfo, error) {
	info, err := s.client.StatObject(ctx, s.cfg.Bucket, key, minio.StatObjectOptions{})
	if err != nil {
		if isNotFound(err) {
			return minio.ObjectInfo{}, adapter.ErrNotFound
		}
		return minio.ObjectInfo{}, fmt.Errorf("s3: stat %s: %w", key, err)
	}
	return info, nil
}

func (s *Store) read(ctx context.Context, key string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.cfg.Bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("s3: get %s: %w", key, err)
	}
	defer obj.Close()
	data, err := io.ReadAll(obj)
	if err != nil {
		if isNotFound(err) {
			return nil, adapter.ErrNotFound
		}
		return nil, fmt.Errorf("s3: read %s: %w", key, err)
	}
	return data, nil
}

func (s *Store) write(ctx context.Context, key, contentType string, content []byte, md map[string]string) error {
	_, err := s.client.PutObject(ctx, s.cfg.Bucket, key, bytes.NewReader(content), int64(len(content)),
		minio.PutObjectOptions{ContentType: contentType, UserMetadata: md})
	if err != nil {
		return fmt.Errorf("s3: put %s: %w", key, err)
	}
	return nil
}

// Put uploads content as the next version of id. It seeds documents for
// local runs; documents normally arrive through other channels.
func (s *Store) Put(ctx context.Context, id, name, contentType string, content []byte) (*adapter.Document, error) {
	var version int64
	if info, err := s.stat(ctx, documentKey(id)); err == nil {
		version, _ = strconv.ParseInt(meta(info.UserMetadata, metaVersion), 10, 64)
	} else if !errors.Is(err, adapter.ErrNotFound) {
		return nil, err
	}
	md := map[string]string{
		metaVersion: strconv.FormatInt(version+1, 10),
		metaName:    url.QueryEscape(name),
	}
	if err := s.write(ctx, documentKey(id), contentType, content, md); err != nil {
		return nil, err
	}
	return s.Info(ctx, id)
}

func (s *Store) Info(ctx context.Context, id string) (*adapter.Document, error) {
	info, err := s.stat(ctx, documentKey(id))
	if err != nil {
		return nil, err
	}
	return toDocument(id, info), nil
}

// PreviewURL returns a presigned GET for the current version.
func (s *Store) PreviewURL(ctx context.Context, id string) (string, error) {
	if _, err := s.stat(ctx, documentKey(id)); err != nil {
		return "", err
	}
	u, err := s.client.PresignedGetObject(ctx, s.cfg.Bucket, documentKey(id), s.cfg.PresignTTL, nil)
	if err != nil {
		return "", fmt.Errorf("s3: presign preview: %w", err)
	}
	return u.String(), nil
}

// CreateWorkingCopy copies the document under working/ and hands out a
// presigned PUT for the editor to save into.
func (s *Store) CreateWorkingCopy(ctx context.Context, id, userID string) (*adapter.WorkingCopy, error) {
	key := workingKey(id, userID)
	info, err := s.stat(ctx, key)
	switch {
	case errors.Is(err, adapter.ErrNotFound):
		orig, err := s.stat(ctx, documentKey(id))
		if err != nil {
			return nil, err
		}
		content, err := s.read(ctx, documentKey(id))
		if err != nil {
			return nil, err
		}
		md := map[string]string{
			metaBaseETag: orig.ETag,
			metaBaseVer:  meta(orig.UserMetadata, metaVersion),
		}
		if err := s.write(ctx, key, orig.ContentType, content, md); err != nil {
			return nil, err
		}
		info = minio.ObjectInfo{UserMetadata: md}
	case err != nil:
		return nil, err
	}

	u, err := s.client.PresignedPutObject(ctx, s.cfg.Bucket, key, s.cfg.PresignTTL)
	if err != nil {
		return nil, fmt.Errorf("s3: presign edit: %w", err)
	}
	base, _ := strconv.ParseInt(meta(info.UserMetadata, metaBaseVer), 10, 64)
	return &adapter.WorkingCopy{ID: key, EditURL: u.String(), BaseVersion: base}, nil
}

func (s *Store) CommitWorkingCopy(ctx context.Context, id, userID, comment string) (*adapter.Document, error) {
	key := workingKey(id, userID)
	wc, err := s.stat(ctx, key)
	if errors.Is(err, adapter.ErrNotFound) {
		return nil, adapter.ErrNoWorkingCopy
	}
	if err != nil {
		return nil, err
	}
	orig, err := s.stat(ctx, documentKey(id))
	if err != nil {
		return nil, err
	}
	if base := meta(wc.UserMetadata, metaBaseETag); base != "" && base != orig.ETag {
		return nil, adapter.ErrPreconditionFailed
	}

	content, err := s.read(ctx, key)
	if err != nil {
		return nil, err
	}
	version, _ := strconv.ParseInt(meta(orig.UserMetadata, metaVersion), 10, 64)
	md := map[string]string{
		metaVersion: strconv.FormatInt(version+1, 10),
		metaName:    meta(orig.UserMetadata, metaName),
		metaComment: url.QueryEscape(comment),
	}
	if err := s.write(ctx, documentKey(id), orig.ContentType, content, md); err != nil {
		return nil, err
	}
	if err := s.remove(ctx, key); err != nil {
		return nil, err
	}
	return s.Info(ctx, id)
}

func (s *Store) DropWorkingCopy(ctx context.Context, id, userID string) error {
	return s.remove(ctx, workingKey(id, userID))
}

func (s *Store) Delete(ctx context.Context, id string) error {
	if _, err := s.stat(ctx, documentKey(id)); err != nil {
		return err
	}
	for obj := range s.client.ListObjects(ctx, s.cfg.Bucket, minio.ListObjectsOptions{Prefix: workingPrefix(id), Recursive: true}) {
		if obj.Err != nil {
			return fmt.Errorf("s3: list working copies: %w", obj.Err)
		}
		if err := s.remove(ctx, obj.Key); err != nil {
			return err
		}
	}
	return s.remove(ctx, documentKey(id))
}

func (s *Store) remove(ctx context.Context, key string) error {
	if err := s.client.RemoveObject(ctx, s.cfg.Bucket, key, minio.RemoveObjectOptions{}); err != nil && !isNotFound(err) {
		return fmt.Errorf("s3: remove %s: %w", key, err)
	}
	return nil
}

func isNotFound(err error) bool {
	errResp := minio.ErrorResponse{}
	if errors.As(err, &errResp) {
		return errResp.StatusCode == http.StatusNotFound || errResp.Code == "NoSuchKey"
	}
	return minio.ToErrorResponse(err).Code == "NoSuchKey"
}

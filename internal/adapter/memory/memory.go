// Package memory is an in-process ContentStore for DEV_MODE and tests.
package memory

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jun/doclock/internal/adapter"
)

const (
	maxDemoContentSize = 256 * 1024 // 256KB
	maxDemoTitleLength = 255
	maxDemoItemCount   = 50
)

type entry struct {
	doc     adapter.Document
	content []byte
}

type workingCopy struct {
	id      string
	content []byte
	base    int64
}

// Store implements adapter.ContentStore. URLs it hands out point at baseURL
// and are not served by anything; callers treat them as opaque.
type Store struct {
	mu      sync.RWMutex
	baseURL string
	docs    map[string]*entry
	copies  map[string]*workingCopy
	now     func() time.Time
}

// New creates an empty store. baseURL prefixes preview and edit URLs.
func New(baseURL string) *Store {
	return &Store{
		baseURL: strings.TrimRight(baseURL, "/"),
		docs:    make(map[string]*entry),
		copies:  make(map[string]*workingCopy),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func copyKey(id, userID string) string {
	return id + "/" + userID
}

func newETag() string {
	return uuid.New().String()
}

// Put creates a document or replaces its content as a new version. An empty
// id gets a generated one.
func (s *Store) Put(_ context.Context, id, name, mimeType string, content []byte) (*adapter.Document, error) {
	if len(name) > maxDemoTitleLength {
		return nil, fmt.Errorf("name too long (max %d characters)", maxDemoTitleLength)
	}
	if len(content) > maxDemoContentSize {
		return nil, fmt.Errorf("content too large (max %d bytes)", maxDemoContentSize)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if id == "" {
		id = uuid.New().String()
	}
	e, ok := s.docs[id]
	if !ok {
		if len(s.docs) >= maxDemoItemCount {
			return nil, fmt.Errorf("item limit reached (max %d)", maxDemoItemCount)
		}
		e = &entry{doc: adapter.Document{ID: id}}
		s.docs[id] = e
	}
	e.doc.Name = name
	e.doc.MIMEType = mimeType
	e.doc.Version++
	e.doc.Comment = ""
	s.setContentLocked(e, content)
	doc := e.doc
	return &doc, nil
}

func (s *Store) setContentLocked(e *entry, content []byte) {
	e.content = append([]byte(nil), content...)
	e.doc.Size = int64(len(content))
	e.doc.ModifiedTime = s.now()
	e.doc.ETag = newETag()
}

// Content returns the committed content of id.
func (s *Store) Content(_ context.Context, id string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.docs[id]
	if !ok {
		return nil, adapter.ErrNotFound
	}
	return append([]byte(nil), e.content...), nil
}

// WriteWorkingCopy stands in for the editor saving into userID's copy.
func (s *Store) WriteWorkingCopy(_ context.Context, id, userID string, content []byte) error {
	if len(content) > maxDemoContentSize {
		return fmt.Errorf("content too large (max %d bytes)", maxDemoContentSize)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	wc, ok := s.copies[copyKey(id, userID)]
	if !ok {
		return adapter.ErrNoWorkingCopy
	}
	wc.content = append([]byte(nil), content...)
	return nil
}

func (s *Store) Info(_ context.Context, id string) (*adapter.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.docs[id]
	if !ok {
		return nil, adapter.ErrNotFound
	}
	doc := e.doc
	return &doc, nil
}

func (s *Store) PreviewURL(_ context.Context, id string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.docs[id]
	if !ok {
		return "", adapter.ErrNotFound
	}
	return fmt.Sprintf("%s/preview/%s?v=%d", s.baseURL, url.PathEscape(id), e.doc.Version), nil
}

func (s *Store) CreateWorkingCopy(_ context.Context, id, userID string) (*adapter.WorkingCopy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.docs[id]
	if !ok {
		return nil, adapter.ErrNotFound
	}
	key := copyKey(id, userID)
	wc, ok := s.copies[key]
	if !ok {
		wc = &workingCopy{id: uuid.New().String(), content: append([]byte(nil), e.content...), base: e.doc.Version}
		s.copies[key] = wc
	}
	return &adapter.WorkingCopy{
		ID:          wc.id,
		EditURL:     fmt.Sprintf("%s/edit/%s", s.baseURL, wc.id),
		BaseVersion: wc.base,
	}, nil
}

func (s *Store) CommitWorkingCopy(_ context.Context, id, userID, comment string) (*adapter.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.docs[id]
	if !ok {
		return nil, adapter.ErrNotFound
	}
	key := copyKey(id, userID)
	wc, ok := s.copies[key]
	if !ok {
		return nil, adapter.ErrNoWorkingCopy
	}
	if wc.base != e.doc.Version {
		return nil, adapter.ErrPreconditionFailed
	}
	e.doc.Version++
	e.doc.Comment = comment
	s.setContentLocked(e, wc.content)
	delete(s.copies, key)
	doc := e.doc
	return &doc, nil
}

func (s *Store) DropWorkingCopy(_ context.Context, id, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.copies, copyKey(id, userID))
	return nil
}

func (s *Store) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.docs[id]; !ok {
		return adapter.ErrNotFound
	}
	delete(s.docs, id)
	for key := range s.copies {
		if strings.HasPrefix(key, id+"/") {
			delete(s.copies, key)
		}
	}
	return nil
}

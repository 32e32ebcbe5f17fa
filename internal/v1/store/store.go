// Package store implements a small collection-keyed document store whose
// authoritative copy is a single JSON file on disk. It backs the lecture
// and room entities; live participant state never touches it.
//
// Concurrency Design:
// One mutex serializes every operation end to end. Reads observe the
// in-memory cache, which is authoritative after the initial load; writes
// mutate the cache first and then replace the whole file atomically. The
// mutex covers the full read-modify-write of Update so concurrent patches
// to the same document cannot lose data.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/renameio/v2"
	"go.uber.org/zap"

	"github.com/lecturehall/classroom/backend/go/internal/v1/logging"
	"github.com/lecturehall/classroom/backend/go/internal/v1/metrics"
)

// Collection names used by the event subsystem.
const (
	CollectionEvents = "events"
	CollectionRooms  = "rooms"
)

// Document is one schemaless record in a collection.
type Document = map[string]any

// Predicate selects documents within a collection.
type Predicate func(Document) bool

// Kind distinguishes the two storage failure classes.
type Kind string

const (
	KindRead  Kind = "read"
	KindWrite Kind = "write"
)

// Error is a storage failure tagged with its kind.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("storage %s error: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsReadError reports whether err is a storage read failure.
func IsReadError(err error) bool {
	var se *Error
	return errors.As(err, &se) && se.Kind == KindRead
}

// IsWriteError reports whether err is a storage write failure.
func IsWriteError(err error) bool {
	var se *Error
	return errors.As(err, &se) && se.Kind == KindWrite
}

// Store is the single-writer document store. All six operations are
// serialized; at most one runs at a time.
type Store struct {
	mu    sync.Mutex
	path  string
	cache map[string][]Document
	now   func() time.Time
}

// Open loads the JSON file at path. A missing file is seeded with the
// default skeleton and written out; an unreadable or corrupt file is
// logged, reinitialized with defaults and rewritten. After this initial
// load the cache is authoritative and disk is never re-read.
func Open(path string) (*Store, error) {
	s := &Store{
		path:  path,
		cache: defaultSkeleton(),
		now:   time.Now,
	}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		logging.Info(context.Background(), "Store file missing, seeding defaults", zap.String("path", path))
		if werr := s.persistLocked(); werr != nil {
			return nil, werr
		}
	case err != nil:
		readErr := &Error{Kind: KindRead, Err: err}
		logging.Warn(context.Background(), "Store file unreadable, reinitializing", zap.String("path", path), zap.Error(readErr))
		if werr := s.persistLocked(); werr != nil {
			return nil, werr
		}
	default:
		var loaded map[string][]Document
		if uerr := json.Unmarshal(data, &loaded); uerr != nil {
			readErr := &Error{Kind: KindRead, Err: uerr}
			logging.Warn(context.Background(), "Store file corrupt, reinitializing", zap.String("path", path), zap.Error(readErr))
			if werr := s.persistLocked(); werr != nil {
				return nil, werr
			}
			break
		}
		if loaded == nil {
			loaded = map[string][]Document{}
		}
		// The default collections always exist, even when absent on disk.
		for name, docs := range defaultSkeleton() {
			if _, ok := loaded[name]; !ok {
				loaded[name] = docs
			}
		}
		s.cache = loaded
	}

	return s, nil
}

func defaultSkeleton() map[string][]Document {
	return map[string][]Document{
		CollectionEvents: {},
		CollectionRooms:  {},
	}
}

// Find returns every document in collection matching pred. The returned
// documents are the cached records; callers must not mutate them.
func (s *Store) Find(collection string, pred Predicate) []Document {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matches []Document
	for _, doc := range s.cache[collection] {
		if pred(doc) {
			matches = append(matches, doc)
		}
	}
	return matches
}

// FindOne returns the first document in collection matching pred.
func (s *Store) FindOne(collection string, pred Predicate) (Document, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, doc := range s.cache[collection] {
		if pred(doc) {
			return doc, true
		}
	}
	return nil, false
}

// Insert appends doc to collection and persists. The cache keeps the
// inserted document even when persistence fails; callers decide whether
// to retry.
func (s *Store) Insert(collection string, doc Document) (Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cache[collection] = append(s.cache[collection], doc)
	if err := s.persistLocked(); err != nil {
		return doc, err
	}
	return doc, nil
}

// Update applies a shallow merge of patch onto the first document matching
// pred, stamps lastModified and persists. It returns nil when nothing
// matched. The entire read-modify-write runs under the store mutex, so
// concurrent updates to the same document both land.
func (s *Store) Update(collection string, pred Predicate, patch Document) (Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, doc := range s.cache[collection] {
		if !pred(doc) {
			continue
		}
		for k, v := range patch {
			doc[k] = v
		}
		doc["lastModified"] = s.now().UTC().Format(time.RFC3339Nano)
		if err := s.persistLocked(); err != nil {
			return doc, err
		}
		return doc, nil
	}
	return nil, nil
}

// Delete removes every document matching pred and reports whether any
// were removed. Nothing is persisted when no document matched.
func (s *Store) Delete(collection string, pred Predicate) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	docs := s.cache[collection]
	kept := docs[:0]
	removed := false
	for _, doc := range docs {
		if pred(doc) {
			removed = true
			continue
		}
		kept = append(kept, doc)
	}
	if !removed {
		return false, nil
	}

	s.cache[collection] = kept
	if err := s.persistLocked(); err != nil {
		return true, err
	}
	return true, nil
}

// Ping reports whether the store's backing location is still reachable.
// Readiness probes call it; it touches neither the cache nor the file body.
func (s *Store) Ping() error {
	dir := filepath.Dir(s.path)
	if _, err := os.Stat(dir); err != nil {
		return &Error{Kind: KindWrite, Err: fmt.Errorf("store directory unreachable: %w", err)}
	}
	return nil
}

// persistLocked writes the whole cache to disk as one JSON document,
// replacing the previous file atomically. Caller must hold s.mu (or own
// the store exclusively, as Open does).
func (s *Store) persistLocked() error {
	data, err := json.MarshalIndent(s.cache, "", "  ")
	if err != nil {
		metrics.StoreWrites.WithLabelValues("error").Inc()
		return &Error{Kind: KindWrite, Err: fmt.Errorf("marshal store document: %w", err)}
	}

	pending, err := renameio.NewPendingFile(s.path)
	if err != nil {
		metrics.StoreWrites.WithLabelValues("error").Inc()
		return &Error{Kind: KindWrite, Err: fmt.Errorf("create pending store file: %w", err)}
	}
	defer func() {
		// renameio removes the temp file when not committed.
		_ = pending.Cleanup()
	}()

	if _, err := pending.Write(data); err != nil {
		metrics.StoreWrites.WithLabelValues("error").Inc()
		return &Error{Kind: KindWrite, Err: fmt.Errorf("write store document: %w", err)}
	}

	// fsync + rename: readers across a restart see the old or the new
	// document, never a torn intermediate.
	if err := pending.CloseAtomicallyReplace(); err != nil {
		metrics.StoreWrites.WithLabelValues("error").Inc()
		return &Error{Kind: KindWrite, Err: fmt.Errorf("replace store file: %w", err)}
	}

	metrics.StoreWrites.WithLabelValues("success").Inc()
	return nil
}

// Package store provides crash-safe JSON document persistence.
//
// Every piece of durable engine state lives in a whole-file JSON document
// under the data directory: paper-state.json, dedup.json, accounts.json,
// chart-history.json, live-chart-history.json, live-state.json. Writes use
// atomic file replacement (write to .tmp, then rename) so a crash mid-save
// never corrupts a document. Documents are pretty-printed with 2-space
// indent so operators can inspect them.
//
// Components do not write files directly. They register a document with a
// snapshot function and call MarkDirty; a single writer goroutine coalesces
// dirty markers and flushes at most once per debounce interval. A failed
// write leaves the document dirty for the next tick.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const defaultDebounce = 500 * time.Millisecond

// Store persists JSON documents to a data directory.
// All file operations are mutex-protected to prevent concurrent corruption.
type Store struct {
	dir string
	mu  sync.Mutex

	docsMu sync.Mutex
	docs   map[string]*document

	debounce time.Duration
	wakeCh   chan struct{}
	logger   *slog.Logger
}

// document is one registered dirty-tracked file.
type document struct {
	name     string
	snapshot func() any // called under the writer goroutine; must be cheap
	dirty    bool
}

// Open creates a store backed by the given directory.
func Open(dir string, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	return &Store{
		dir:      dir,
		docs:     make(map[string]*document),
		debounce: defaultDebounce,
		wakeCh:   make(chan struct{}, 1),
		logger:   logger.With("component", "store"),
	}, nil
}

// Dir returns the data directory path.
func (s *Store) Dir() string { return s.dir }

// Save atomically writes a document immediately, bypassing the debounce.
// Used for load-time migrations and final flush on shutdown.
func (s *Store) Save(name string, v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", name, err)
	}

	path := filepath.Join(s.dir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return os.Rename(tmp, path)
}

// Load reads a document into v. Returns os.ErrNotExist (wrapped) when the
// document has never been written; callers treat that as a fresh start.
func (s *Store) Load(name string, v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if err != nil {
		return fmt.Errorf("read %s: %w", name, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal %s: %w", name, err)
	}
	return nil
}

// Exists reports whether a document has been written before.
func (s *Store) Exists(name string) bool {
	_, err := os.Stat(filepath.Join(s.dir, name))
	return err == nil
}

// Register adds a dirty-tracked document. snapshot is invoked by the writer
// goroutine when flushing; it must return a JSON-serializable value and must
// be safe to call from another goroutine.
func (s *Store) Register(name string, snapshot func() any) {
	s.docsMu.Lock()
	defer s.docsMu.Unlock()
	s.docs[name] = &document{name: name, snapshot: snapshot}
}

// MarkDirty flags a document for the next debounced flush. Unknown names
// are ignored (the component registered nothing to persist).
func (s *Store) MarkDirty(name string) {
	s.docsMu.Lock()
	if doc, ok := s.docs[name]; ok {
		doc.dirty = true
	}
	s.docsMu.Unlock()

	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

// Run is the serializing writer loop. It wakes on MarkDirty, waits out the
// debounce interval so bursts coalesce into one write, and flushes every
// dirty document. Blocks until ctx is cancelled, then does a final flush.
func (s *Store) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			s.FlushAll()
			return
		case <-s.wakeCh:
		}

		select {
		case <-ctx.Done():
			s.FlushAll()
			return
		case <-time.After(s.debounce):
		}

		s.FlushAll()
	}
}

// FlushAll writes every dirty document now. Write failures keep the
// document dirty so the next tick retries.
func (s *Store) FlushAll() {
	s.docsMu.Lock()
	var pending []*document
	for _, doc := range s.docs {
		if doc.dirty {
			doc.dirty = false
			pending = append(pending, doc)
		}
	}
	s.docsMu.Unlock()

	for _, doc := range pending {
		if err := s.Save(doc.name, doc.snapshot()); err != nil {
			s.logger.Warn("flush failed, will retry", "doc", doc.name, "error", err)
			s.docsMu.Lock()
			doc.dirty = true
			s.docsMu.Unlock()
		}
	}
}

// AppendLine appends one line to a plain-text log file (debug-stats.log).
// Not atomic; the file is informational only.
func (s *Store) AppendLine(name, line string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(filepath.Join(s.dir, name), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open %s: %w", name, err)
	}
	defer f.Close()
	_, err = f.WriteString(line + "\n")
	return err
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package store persists and validates per-symbol transformation records,
// keyed by file path.
package store

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianTransform/services/transform"
)

// LockTable provides one mutex per canonical file path.
//
// # Description
//
// The table is owned by a TransformationStore instance and handed to
// collaborators by reference. There is deliberately no package-level
// singleton: independent stores (for example, one per test) never contend
// with each other.
//
// Writers to different files never block each other; writers to the same
// file are serialized.
//
// # Thread Safety
//
// Safe for concurrent use.
type LockTable struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewLockTable creates an empty lock table.
func NewLockTable() *LockTable {
	return &LockTable{locks: make(map[string]*sync.Mutex)}
}

// Get returns the mutex for the given file path, creating it on first use.
//
// Paths are canonicalized to absolute form so relative and absolute
// references to the same file share one lock.
func (t *LockTable) Get(filePath string) *sync.Mutex {
	abs, err := filepath.Abs(filePath)
	if err != nil {
		abs = filePath
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if mu, ok := t.locks[abs]; ok {
		return mu
	}
	mu := &sync.Mutex{}
	t.locks[abs] = mu
	return mu
}

// Len returns the number of distinct paths with a lock entry.
func (t *LockTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.locks)
}

// Config configures a TransformationStore.
type Config struct {
	// Dir is the directory transformation bundles are persisted to.
	// Default: "trace_debug/file_transformations".
	Dir string
}

// DefaultConfig returns the default store configuration.
func DefaultConfig() Config {
	return Config{
		Dir: filepath.Join("trace_debug", "file_transformations"),
	}
}

// TransformationStore records and validates transformation records per file.
//
// # Description
//
// Put validates identity fields and normalizes is_changed; records with
// empty transformed code or missing identity are rejected and logged, never
// raised into the caller. Bundles are persisted as one JSON array per source
// file under Config.Dir and retained after the run for audit and replay.
//
// # Thread Safety
//
// All public methods are safe for concurrent use. Access to a given file's
// bundle is serialized through the store's lock table; unrelated files never
// contend.
type TransformationStore struct {
	dir     string
	table   *LockTable
	mu      sync.Mutex
	bundles map[string]*transform.FileTransformationBundle
	logger  *slog.Logger
	now     func() time.Time
}

// New creates a TransformationStore.
//
// # Inputs
//
//   - config: Store configuration. Use DefaultConfig() for defaults.
//
// # Outputs
//
//   - *TransformationStore: Ready-to-use store.
//   - error: Non-nil if the persistence directory cannot be created.
func New(config Config) (*TransformationStore, error) {
	if config.Dir == "" {
		config.Dir = DefaultConfig().Dir
	}
	if err := os.MkdirAll(config.Dir, 0755); err != nil {
		return nil, fmt.Errorf("creating transformation directory %s: %w", config.Dir, err)
	}

	return &TransformationStore{
		dir:     config.Dir,
		table:   NewLockTable(),
		bundles: make(map[string]*transform.FileTransformationBundle),
		logger:  slog.Default().With("component", "store.TransformationStore"),
		now:     time.Now,
	}, nil
}

// Locks returns the store-owned lock table.
//
// Collaborators that mutate files tracked by this store (the applier, the
// verifier's rollback path) serialize on the same table.
func (s *TransformationStore) Locks() *LockTable {
	return s.table
}

// Dir returns the persistence directory.
func (s *TransformationStore) Dir() string { return s.dir }

// Put validates and records a transformation.
//
// # Description
//
// Rejections are logged with a reason and reported via the ok return; they
// are not raised as errors because a malformed record must not abort the
// rest of its file's bundle. A record for an already-present symbol key
// replaces the previous one, so a run holds at most one active record per
// symbol.
//
// # Inputs
//
//   - rec: The record to ingest. Mutated in place: defaults for status,
//     checksum, and timestamp are filled if missing.
//
// # Outputs
//
//   - bool: True if the record was accepted.
func (s *TransformationStore) Put(rec *transform.TransformationRecord) bool {
	if rec == nil {
		return false
	}
	if rec.FilePath == "" || rec.SymbolName == "" {
		s.logger.Warn("rejecting transformation record",
			"reason", transform.ErrMissingIdentity.Error(),
			"file", rec.FilePath,
			"symbol", rec.SymbolName)
		return false
	}
	if strings.TrimSpace(rec.TransformedCode) == "" {
		s.logger.Warn("rejecting transformation record",
			"reason", transform.ErrEmptyTransform.Error(),
			"file", rec.FilePath,
			"symbol", rec.SymbolName)
		return false
	}

	abs, err := filepath.Abs(rec.FilePath)
	if err == nil {
		rec.FilePath = abs
	}
	if rec.Status == "" {
		rec.Status = transform.StatusPending
	}
	if rec.Checksum == 0 && rec.OriginalCode != "" {
		rec.Checksum = transform.Checksum(rec.OriginalCode)
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = s.now()
	}

	lock := s.table.Get(rec.FilePath)
	lock.Lock()
	defer lock.Unlock()

	bundle := s.bundleLocked(rec.FilePath)
	if existing := bundle.Find(rec.SymbolName); existing != nil {
		*existing = *rec
	} else {
		bundle.Records = append(bundle.Records, rec)
	}
	return true
}

// Bundle returns the record bundle for a file.
//
// # Outputs
//
//   - *FileTransformationBundle: The live bundle. Callers must hold the
//     file's lock from Locks() while mutating records.
//   - error: ErrBundleNotFound if no records exist for the file.
func (s *TransformationStore) Bundle(filePath string) (*transform.FileTransformationBundle, error) {
	abs, err := filepath.Abs(filePath)
	if err != nil {
		abs = filePath
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	bundle, ok := s.bundles[abs]
	if !ok {
		return nil, fmt.Errorf("%w: %s", transform.ErrBundleNotFound, filePath)
	}
	return bundle, nil
}

// Files returns the paths of all files with recorded bundles.
func (s *TransformationStore) Files() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	files := make([]string, 0, len(s.bundles))
	for path := range s.bundles {
		files = append(files, path)
	}
	return files
}

// Flush persists a file's bundle to disk.
//
// # Description
//
// The bundle is written as one JSON array to
// <dir>/<sanitized-file-path>_transformations.json using a temp file and
// rename so readers never observe a half-written bundle.
func (s *TransformationStore) Flush(filePath string) error {
	bundle, err := s.Bundle(filePath)
	if err != nil {
		return err
	}

	lock := s.table.Get(filePath)
	lock.Lock()
	defer lock.Unlock()

	data, err := json.MarshalIndent(bundle.Records, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling bundle for %s: %w", filePath, err)
	}

	// Directory may have been removed by external cleanup mid-run.
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return fmt.Errorf("creating transformation directory: %w", err)
	}

	target := s.TransformFilePath(filePath)
	tmp, err := os.CreateTemp(s.dir, ".bundle-*.json")
	if err != nil {
		return fmt.Errorf("creating temp bundle file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("writing bundle for %s: %w", filePath, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing bundle for %s: %w", filePath, err)
	}
	if err := os.Rename(tmpPath, target); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("renaming bundle for %s: %w", filePath, err)
	}

	s.logger.Debug("flushed transformation bundle",
		"file", filePath,
		"records", len(bundle.Records),
		"path", target)
	return nil
}

// Load reads a transformation file from disk into a bundle.
//
// # Description
//
// Accepts the current format (a JSON array of records) and the legacy
// format (a JSON object keyed by symbol path). Records failing validation
// are dropped with a warning, mirroring Put's rejection policy; a file with
// zero valid records yields an empty bundle, not an error.
//
// # Inputs
//
//   - transformPath: Path to a *_transformations.json file.
//
// # Outputs
//
//   - *FileTransformationBundle: Parsed records. The bundle's file path is
//     taken from the first valid record.
//   - error: Non-nil if the file is unreadable or not valid JSON.
func (s *TransformationStore) Load(transformPath string) (*transform.FileTransformationBundle, error) {
	data, err := os.ReadFile(transformPath)
	if err != nil {
		return nil, fmt.Errorf("reading transform file %s: %w", transformPath, err)
	}

	var records []*transform.TransformationRecord
	if err := json.Unmarshal(data, &records); err != nil {
		// Legacy format: object keyed by "<abs-path>/<symbol>".
		var keyed map[string]*transform.TransformationRecord
		if mapErr := json.Unmarshal(data, &keyed); mapErr != nil {
			return nil, fmt.Errorf("parsing transform file %s: %w", transformPath, err)
		}
		for _, rec := range keyed {
			records = append(records, rec)
		}
	}

	bundle := &transform.FileTransformationBundle{}
	for _, rec := range records {
		if rec == nil || rec.FilePath == "" || rec.SymbolName == "" {
			s.logger.Warn("dropping record with missing identity",
				"transform_file", transformPath)
			continue
		}
		if strings.TrimSpace(rec.TransformedCode) == "" {
			s.logger.Warn("dropping record with empty transformed code",
				"transform_file", transformPath,
				"symbol", rec.SymbolName)
			continue
		}
		if bundle.FilePath == "" {
			abs, err := filepath.Abs(rec.FilePath)
			if err != nil {
				abs = rec.FilePath
			}
			bundle.FilePath = abs
		}
		if rec.Status == "" {
			rec.Status = transform.StatusPending
		}
		if rec.Checksum == 0 && rec.OriginalCode != "" {
			rec.Checksum = transform.Checksum(rec.OriginalCode)
		}
		bundle.Records = append(bundle.Records, rec)
	}

	return bundle, nil
}

// Adopt registers a loaded bundle with the store so Flush and Bundle work
// on it. An existing bundle for the same path is replaced.
func (s *TransformationStore) Adopt(bundle *transform.FileTransformationBundle) {
	if bundle == nil || bundle.FilePath == "" {
		return
	}

	lock := s.table.Get(bundle.FilePath)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.bundles[bundle.FilePath] = bundle
}

// TransformFilePath returns the persistence path for a source file's bundle.
func (s *TransformationStore) TransformFilePath(filePath string) string {
	return filepath.Join(s.dir, SanitizePath(filePath)+"_transformations.json")
}

// SanitizePath flattens a file path into a single filename-safe component.
//
// Path separators and drive colons become underscores so the bundle
// directory stays flat while distinct source paths stay distinct.
func SanitizePath(filePath string) string {
	abs, err := filepath.Abs(filePath)
	if err != nil {
		abs = filePath
	}
	replacer := strings.NewReplacer("/", "_", "\\", "_", ":", "_")
	return strings.TrimLeft(replacer.Replace(abs), "_")
}

// bundleLocked returns (creating if needed) the bundle for a path.
// Caller must hold the file's lock from the lock table.
func (s *TransformationStore) bundleLocked(filePath string) *transform.FileTransformationBundle {
	s.mu.Lock()
	defer s.mu.Unlock()

	if bundle, ok := s.bundles[filePath]; ok {
		return bundle
	}
	bundle := &transform.FileTransformationBundle{FilePath: filePath}
	s.bundles[filePath] = bundle
	return bundle
}

// Package store persists chat sessions on disk.
//
// Layout, under the workspace state dir:
//
//	sessions/<id>/meta.json          single-writer metadata snapshot
//	sessions/<id>/transcript.ndjson  append-only transcript records
//
// The store assumes a single writer per session; callers serialize through
// the session lock table. Every append is a single O_APPEND write of one
// line, so a record is either fully persisted or absent. Reads tolerate a
// trailing partial line (ignored, never repaired).
package store

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/eclia-dev/eclia/internal/workspace"
	"github.com/eclia-dev/eclia/pkg/models"
)

var (
	// ErrSessionNotFound is returned for operations on a missing session.
	ErrSessionNotFound = errors.New("store: session not found")

	// ErrSessionInUse is returned when deleting a session whose lock is held.
	ErrSessionInUse = errors.New("store: session in use")

	// ErrInvalidSessionID is returned for identifiers outside [A-Za-z0-9_-]{1,120}.
	ErrInvalidSessionID = errors.New("store: invalid session id")
)

const (
	metaFile       = "meta.json"
	transcriptFile = "transcript.ndjson"
)

// Seed carries optional initial metadata for ensureSession.
type Seed struct {
	Title  string
	Origin *models.Origin
}

// Store reads and writes session state under a workspace root.
type Store struct {
	root   *workspace.Root
	logger *slog.Logger

	// inUse reports whether the session lock is currently held; Delete
	// refuses to remove a session that is mid-turn.
	inUse func(sessionID string) bool
}

// New creates a store over root. inUse may be nil (no in-use protection).
func New(root *workspace.Root, inUse func(string) bool, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		root:   root,
		logger: logger.With("component", "store"),
		inUse:  inUse,
	}
}

// Ensure creates the session directory and meta.json if absent and returns
// the metadata. Idempotent: an existing session is returned unchanged.
func (s *Store) Ensure(id string, seed *Seed) (*models.Meta, error) {
	if !models.IsValidSessionID(id) {
		return nil, ErrInvalidSessionID
	}
	dir := s.root.SessionDir(id)
	if meta, err := s.readMeta(id); err == nil {
		return meta, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}

	now := time.Now().UTC()
	meta := &models.Meta{ID: id, CreatedAt: now, UpdatedAt: now}
	if seed != nil {
		meta.Title = seed.Title
		meta.Origin = seed.Origin
		if meta.Title == "" {
			meta.Title = seed.Origin.Label()
		}
	}
	if err := s.writeMeta(id, meta); err != nil {
		return nil, err
	}
	// Touch the transcript so appends and reads agree the session exists.
	f, err := os.OpenFile(filepath.Join(dir, transcriptFile), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create transcript: %w", err)
	}
	f.Close()
	s.logger.Debug("session created", "session", id)
	return meta, nil
}

// Transcript bundles a session's metadata with its full record list.
type Transcript struct {
	Meta    *models.Meta
	Records []models.Record
}

// Read returns the session's metadata and all transcript records. A trailing
// partial line (from a crash mid-append) is ignored.
func (s *Store) Read(id string) (*Transcript, error) {
	if !models.IsValidSessionID(id) {
		return nil, ErrInvalidSessionID
	}
	meta, err := s.readMeta(id)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(filepath.Join(s.root.SessionDir(id), transcriptFile))
	if err != nil {
		if os.IsNotExist(err) {
			return &Transcript{Meta: meta}, nil
		}
		return nil, fmt.Errorf("open transcript: %w", err)
	}
	defer f.Close()

	var records []models.Record
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var rec models.Record
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			// Partial or corrupt trailing line; ignore, do not repair.
			s.logger.Warn("skipping unparsable transcript line", "session", id, "error", err)
			continue
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan transcript: %w", err)
	}
	return &Transcript{Meta: meta, Records: records}, nil
}

// Append persists one record with the given timestamp.
func (s *Store) Append(id string, rec models.Record, ts time.Time) error {
	if !models.IsValidSessionID(id) {
		return ErrInvalidSessionID
	}
	dir := s.root.SessionDir(id)
	if _, err := os.Stat(dir); err != nil {
		if os.IsNotExist(err) {
			return ErrSessionNotFound
		}
		return fmt.Errorf("stat session dir: %w", err)
	}

	rec.Ts = ts.UTC()
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	f, err := os.OpenFile(filepath.Join(dir, transcriptFile), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open transcript: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append record: %w", err)
	}
	return nil
}

// AppendTurn persists a turn-close marker.
func (s *Store) AppendTurn(id string, turn models.TurnMeta, ts time.Time) error {
	return s.Append(id, models.TurnRecord(turn), ts)
}

// UpdateMeta applies patch to the session metadata under read-modify-write
// with an atomic rename. UpdatedAt is bumped automatically.
func (s *Store) UpdateMeta(id string, patch func(*models.Meta)) (*models.Meta, error) {
	meta, err := s.readMeta(id)
	if err != nil {
		return nil, err
	}
	patch(meta)
	meta.ID = id
	meta.UpdatedAt = time.Now().UTC()
	if err := s.writeMeta(id, meta); err != nil {
		return nil, err
	}
	return meta, nil
}

// Reset truncates the transcript, keeping metadata.
func (s *Store) Reset(id string) error {
	if !models.IsValidSessionID(id) {
		return ErrInvalidSessionID
	}
	if _, err := s.readMeta(id); err != nil {
		return err
	}
	path := filepath.Join(s.root.SessionDir(id), transcriptFile)
	if err := os.Truncate(path, 0); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("truncate transcript: %w", err)
	}
	return nil
}

// Delete removes the session directory and its artifact subtree. Fails with
// ErrSessionInUse while the session lock is held.
func (s *Store) Delete(id string) error {
	if !models.IsValidSessionID(id) {
		return ErrInvalidSessionID
	}
	if s.inUse != nil && s.inUse(id) {
		return ErrSessionInUse
	}
	dir := s.root.SessionDir(id)
	if _, err := os.Stat(dir); err != nil {
		if os.IsNotExist(err) {
			return ErrSessionNotFound
		}
		return fmt.Errorf("stat session dir: %w", err)
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove session dir: %w", err)
	}
	if err := os.RemoveAll(s.root.SessionArtifactsDir(id)); err != nil {
		return fmt.Errorf("remove session artifacts: %w", err)
	}
	os.RemoveAll(s.root.DebugDir(id))
	s.logger.Debug("session deleted", "session", id)
	return nil
}

// List returns metadata for all sessions, newest update first.
func (s *Store) List() ([]*models.Meta, error) {
	entries, err := os.ReadDir(s.root.SessionsDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read sessions dir: %w", err)
	}
	var metas []*models.Meta
	for _, e := range entries {
		if !e.IsDir() || !models.IsValidSessionID(e.Name()) {
			continue
		}
		meta, err := s.readMeta(e.Name())
		if err != nil {
			s.logger.Warn("skipping unreadable session", "session", e.Name(), "error", err)
			continue
		}
		metas = append(metas, meta)
	}
	sort.Slice(metas, func(i, j int) bool { return metas[i].UpdatedAt.After(metas[j].UpdatedAt) })
	return metas, nil
}

func (s *Store) readMeta(id string) (*models.Meta, error) {
	data, err := os.ReadFile(filepath.Join(s.root.SessionDir(id), metaFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("read meta: %w", err)
	}
	var meta models.Meta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("parse meta: %w", err)
	}
	return &meta, nil
}

// writeMeta snapshots metadata via temp file + rename so a crash never
// leaves a torn meta.json.
func (s *Store) writeMeta(id string, meta *models.Meta) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal meta: %w", err)
	}
	dir := s.root.SessionDir(id)
	tmp, err := os.CreateTemp(dir, metaFile+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp meta: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp meta: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp meta: %w", err)
	}
	if err := os.Rename(tmpName, filepath.Join(dir, metaFile)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename meta: %w", err)
	}
	return nil
}

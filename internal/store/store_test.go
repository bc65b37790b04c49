package store

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/eclia-dev/eclia/internal/workspace"
	"github.com/eclia-dev/eclia/pkg/models"
)

func newTestStore(t *testing.T, inUse func(string) bool) *Store {
	t.Helper()
	root, err := workspace.Open(t.TempDir())
	if err != nil {
		t.Fatalf("workspace.Open() error = %v", err)
	}
	return New(root, inUse, nil)
}

func TestEnsureIdempotent(t *testing.T) {
	s := newTestStore(t, nil)

	first, err := s.Ensure("sess-1", &Seed{Title: "hello"})
	if err != nil {
		t.Fatalf("Ensure() error = %v", err)
	}
	if first.Title != "hello" {
		t.Errorf("Title = %q, want %q", first.Title, "hello")
	}

	second, err := s.Ensure("sess-1", &Seed{Title: "other"})
	if err != nil {
		t.Fatalf("Ensure() second call error = %v", err)
	}
	if second.Title != "hello" {
		t.Errorf("existing session mutated: Title = %q, want %q", second.Title, "hello")
	}
	if !second.CreatedAt.Equal(first.CreatedAt) {
		t.Errorf("CreatedAt changed on re-ensure: %v != %v", second.CreatedAt, first.CreatedAt)
	}
}

func TestEnsureSeedsTitleFromOrigin(t *testing.T) {
	s := newTestStore(t, nil)

	meta, err := s.Ensure("sess-origin", &Seed{Origin: &models.Origin{Kind: models.OriginDiscord, Channel: "general"}})
	if err != nil {
		t.Fatalf("Ensure() error = %v", err)
	}
	if meta.Title != "discord #general" {
		t.Errorf("Title = %q, want %q", meta.Title, "discord #general")
	}
}

func TestInvalidSessionID(t *testing.T) {
	s := newTestStore(t, nil)

	ids := []string{"", "has space", "slash/inside", "../../etc", "x!y", string(make([]byte, 130))}
	for _, id := range ids {
		if _, err := s.Ensure(id, nil); !errors.Is(err, ErrInvalidSessionID) {
			t.Errorf("Ensure(%q) error = %v, want ErrInvalidSessionID", id, err)
		}
	}
}

func TestAppendAndRead(t *testing.T) {
	s := newTestStore(t, nil)
	if _, err := s.Ensure("sess-2", nil); err != nil {
		t.Fatalf("Ensure() error = %v", err)
	}

	ts := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	if err := s.Append("sess-2", models.MessageRecord(models.RoleUser, "hi"), ts); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if err := s.Append("sess-2", models.MessageRecord(models.RoleAssistant, "hello"), ts.Add(time.Second)); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if err := s.AppendTurn("sess-2", models.TurnMeta{ID: "t1", Model: "gpt-test"}, ts.Add(2*time.Second)); err != nil {
		t.Fatalf("AppendTurn() error = %v", err)
	}

	tr, err := s.Read("sess-2")
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if len(tr.Records) != 3 {
		t.Fatalf("len(Records) = %d, want 3", len(tr.Records))
	}
	if tr.Records[0].Role != models.RoleUser || tr.Records[0].Content != "hi" {
		t.Errorf("record[0] = %+v, want user/hi", tr.Records[0])
	}
	if tr.Records[2].Kind != models.RecordTurn || tr.Records[2].Turn == nil || tr.Records[2].Turn.ID != "t1" {
		t.Errorf("record[2] = %+v, want turn marker t1", tr.Records[2])
	}
	if !tr.Records[0].Ts.Equal(ts) {
		t.Errorf("record[0].Ts = %v, want %v", tr.Records[0].Ts, ts)
	}
}

func TestAppendMissingSession(t *testing.T) {
	s := newTestStore(t, nil)
	err := s.Append("never-created", models.MessageRecord(models.RoleUser, "hi"), time.Now())
	if !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("Append() error = %v, want ErrSessionNotFound", err)
	}
}

func TestReadToleratesTrailingPartialLine(t *testing.T) {
	root, err := workspace.Open(t.TempDir())
	if err != nil {
		t.Fatalf("workspace.Open() error = %v", err)
	}
	s := New(root, nil, nil)
	if _, err := s.Ensure("sess-3", nil); err != nil {
		t.Fatalf("Ensure() error = %v", err)
	}
	if err := s.Append("sess-3", models.MessageRecord(models.RoleUser, "intact"), time.Now()); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	// Simulate a crash mid-append: a torn final line with no newline.
	path := filepath.Join(root.SessionDir("sess-3"), transcriptFile)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatalf("open transcript: %v", err)
	}
	if _, err := f.WriteString(`{"kind":"message","role":"assis`); err != nil {
		t.Fatalf("write torn line: %v", err)
	}
	f.Close()

	tr, err := s.Read("sess-3")
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if len(tr.Records) != 1 {
		t.Fatalf("len(Records) = %d, want 1 (torn line dropped)", len(tr.Records))
	}
	if tr.Records[0].Content != "intact" {
		t.Errorf("surviving record = %+v", tr.Records[0])
	}
}

func TestUpdateMeta(t *testing.T) {
	s := newTestStore(t, nil)
	if _, err := s.Ensure("sess-4", nil); err != nil {
		t.Fatalf("Ensure() error = %v", err)
	}

	updated, err := s.UpdateMeta("sess-4", func(m *models.Meta) {
		m.Title = "renamed"
		m.LastRoute = "openai-compat:default"
	})
	if err != nil {
		t.Fatalf("UpdateMeta() error = %v", err)
	}
	if updated.Title != "renamed" || updated.LastRoute != "openai-compat:default" {
		t.Errorf("UpdateMeta() = %+v", updated)
	}

	reread, err := s.Read("sess-4")
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if reread.Meta.Title != "renamed" {
		t.Errorf("persisted Title = %q, want %q", reread.Meta.Title, "renamed")
	}
}

func TestResetKeepsMeta(t *testing.T) {
	s := newTestStore(t, nil)
	if _, err := s.Ensure("sess-5", &Seed{Title: "keep me"}); err != nil {
		t.Fatalf("Ensure() error = %v", err)
	}
	if err := s.Append("sess-5", models.MessageRecord(models.RoleUser, "bye"), time.Now()); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	if err := s.Reset("sess-5"); err != nil {
		t.Fatalf("Reset() error = %v", err)
	}
	tr, err := s.Read("sess-5")
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if len(tr.Records) != 0 {
		t.Errorf("len(Records) after reset = %d, want 0", len(tr.Records))
	}
	if tr.Meta.Title != "keep me" {
		t.Errorf("Title after reset = %q, want %q", tr.Meta.Title, "keep me")
	}
}

func TestDelete(t *testing.T) {
	held := false
	s := newTestStore(t, func(string) bool { return held })
	if _, err := s.Ensure("sess-6", nil); err != nil {
		t.Fatalf("Ensure() error = %v", err)
	}

	held = true
	if err := s.Delete("sess-6"); !errors.Is(err, ErrSessionInUse) {
		t.Fatalf("Delete() while locked error = %v, want ErrSessionInUse", err)
	}

	held = false
	if err := s.Delete("sess-6"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := s.Read("sess-6"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Read() after delete error = %v, want ErrSessionNotFound", err)
	}
	if err := s.Delete("sess-6"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Delete() twice error = %v, want ErrSessionNotFound", err)
	}
}

func TestList(t *testing.T) {
	s := newTestStore(t, nil)
	if metas, err := s.List(); err != nil || len(metas) != 0 {
		t.Fatalf("List() on empty store = %v, %v", metas, err)
	}

	for _, id := range []string{"a", "b", "c"} {
		if _, err := s.Ensure(id, nil); err != nil {
			t.Fatalf("Ensure(%q) error = %v", id, err)
		}
	}
	if _, err := s.UpdateMeta("b", func(m *models.Meta) { m.Title = "bumped" }); err != nil {
		t.Fatalf("UpdateMeta() error = %v", err)
	}

	metas, err := s.List()
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(metas) != 3 {
		t.Fatalf("len(List()) = %d, want 3", len(metas))
	}
	if metas[0].ID != "b" {
		t.Errorf("List()[0].ID = %q, want most recently updated %q", metas[0].ID, "b")
	}
}

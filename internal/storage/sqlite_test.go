package storage

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// TestMigrationsIdempotent runs Open twice on the same database and verifies
// the schema_version count stays correct (migration not re-applied).
func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(dir)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}
	v1, err := s1.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	s1.Close()

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	defer s2.Close()

	v2, err := s2.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	if len(v1) != len(v2) {
		t.Errorf("migration count changed: %d -> %d", len(v1), len(v2))
	}
}

func TestIndexesExist(t *testing.T) {
	s := openTestStore(t)

	var count int
	err := s.db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='index' AND name=?", "idx_interactions_user_created").Scan(&count)
	if err != nil {
		t.Fatalf("querying index: %v", err)
	}
	if count != 1 {
		t.Errorf("index idx_interactions_user_created not found")
	}
}

func TestParseMigrationVersion(t *testing.T) {
	v, err := parseMigrationVersion("001_init.sql")
	if err != nil || v != 1 {
		t.Errorf("parseMigrationVersion(001_init.sql) = %d, %v", v, err)
	}
	if _, err := parseMigrationVersion("init.sql"); err == nil {
		t.Error("expected error for unnumbered migration")
	}
}

func TestGetProfile_Missing(t *testing.T) {
	s := openTestStore(t)

	_, err := s.GetProfile("nobody")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestPutProfile_Overwrites(t *testing.T) {
	s := openTestStore(t)

	if err := s.PutProfile("u1", `{"age":30}`); err != nil {
		t.Fatalf("PutProfile: %v", err)
	}
	if err := s.PutProfile("u1", `{"age":31}`); err != nil {
		t.Fatalf("PutProfile: %v", err)
	}

	got, err := s.GetProfile("u1")
	if err != nil {
		t.Fatalf("GetProfile: %v", err)
	}
	if got != `{"age":31}` {
		t.Errorf("GetProfile = %q, want overwritten record", got)
	}

	var rows int
	s.db.QueryRow("SELECT COUNT(*) FROM profiles").Scan(&rows)
	if rows != 1 {
		t.Errorf("expected one row per user, got %d", rows)
	}
}

func TestInteractions_SaveAndList(t *testing.T) {
	s := openTestStore(t)

	base := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		err := s.SaveInteraction(Interaction{
			ID:          fmt.Sprintf("id-%d", i),
			UserID:      "alice",
			CreatedAt:   base.Add(time.Duration(i) * time.Minute),
			UserMessage: fmt.Sprintf("question %d", i),
			Reply:       "answer",
		})
		if err != nil {
			t.Fatalf("SaveInteraction: %v", err)
		}
	}
	if err := s.SaveInteraction(Interaction{ID: "other", UserID: "bob", CreatedAt: base, Status: "error"}); err != nil {
		t.Fatalf("SaveInteraction: %v", err)
	}

	got, err := s.ListInteractions("alice", 3)
	if err != nil {
		t.Fatalf("ListInteractions: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 interactions, got %d", len(got))
	}
	if got[0].ID != "id-4" || got[2].ID != "id-2" {
		t.Errorf("expected newest first, got %s..%s", got[0].ID, got[2].ID)
	}
	if got[0].Status != "ok" {
		t.Errorf("default status = %q, want ok", got[0].Status)
	}
	if !got[0].CreatedAt.Equal(base.Add(4 * time.Minute)) {
		t.Errorf("CreatedAt = %v", got[0].CreatedAt)
	}

	all, err := s.ListInteractions("", 100)
	if err != nil {
		t.Fatalf("ListInteractions: %v", err)
	}
	if len(all) != 6 {
		t.Errorf("expected 6 interactions across users, got %d", len(all))
	}
}

func TestListInteractions_SubSecondOrder(t *testing.T) {
	s := openTestStore(t)

	whole := time.Date(2025, 1, 1, 12, 0, 5, 0, time.UTC)
	turns := []Interaction{
		{ID: "older", UserID: "u", CreatedAt: whole},
		{ID: "newer", UserID: "u", CreatedAt: whole.Add(500 * time.Millisecond)},
		{ID: "newest", UserID: "u", CreatedAt: whole.Add(520 * time.Millisecond)},
	}
	for _, i := range turns {
		if err := s.SaveInteraction(i); err != nil {
			t.Fatalf("SaveInteraction: %v", err)
		}
	}

	got, err := s.ListInteractions("u", 10)
	if err != nil {
		t.Fatalf("ListInteractions: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 interactions, got %d", len(got))
	}
	for i, want := range []string{"newest", "newer", "older"} {
		if got[i].ID != want {
			t.Errorf("position %d = %s, want %s", i, got[i].ID, want)
		}
	}
	if !got[2].CreatedAt.Equal(whole) {
		t.Errorf("CreatedAt = %v, want %v", got[2].CreatedAt, whole)
	}
}

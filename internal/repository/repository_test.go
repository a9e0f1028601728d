package repository

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/collabkit/backend/internal/db"
	"github.com/collabkit/backend/internal/model"
)

// generateID generates a unique ID for testing.
func generateID() string {
	b := make([]byte, 16)
	rand.Read(b)
	return hex.EncodeToString(b)
}

func testDB(t *testing.T) *sql.DB {
	t.Helper()
	database, err := db.NewTestDB()
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return database
}

func TestEntityLifecycle(t *testing.T) {
	repo := NewEntityRepository(testDB(t))
	ctx := context.Background()

	now := time.Now()
	e := &model.Entity{
		ID:          "e1",
		WorkspaceID: "w1",
		Kind:        "task",
		Title:       "Build the thing",
		Plan:        "step 1",
		Context:     "some context",
		Status:      "idle",
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := repo.Create(ctx, e); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := repo.GetByID(ctx, "e1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Title != e.Title || got.Context != e.Context || got.Plan != e.Plan {
		t.Fatalf("round trip mismatch: %+v", got)
	}

	if err := repo.UpdateStatus(ctx, "e1", "running"); err != nil {
		t.Fatalf("update status: %v", err)
	}
	got, err = repo.GetByID(ctx, "e1")
	if err != nil {
		t.Fatalf("get after update: %v", err)
	}
	if got.Status != "running" {
		t.Fatalf("status not updated: %s", got.Status)
	}

	if err := repo.Delete(ctx, "e1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := repo.GetByID(ctx, "e1"); err != model.ErrEntityNotFound {
		t.Fatalf("expected ErrEntityNotFound after delete, got %v", err)
	}
}

func TestEntityNotFound(t *testing.T) {
	repo := NewEntityRepository(testDB(t))
	ctx := context.Background()

	if _, err := repo.GetByID(ctx, "missing"); err != model.ErrEntityNotFound {
		t.Fatalf("expected ErrEntityNotFound, got %v", err)
	}
	if err := repo.UpdateStatus(ctx, "missing", "running"); err != model.ErrEntityNotFound {
		t.Fatalf("expected ErrEntityNotFound on update, got %v", err)
	}
}

func TestDocumentContentRoundTrip(t *testing.T) {
	repo := NewDocumentRepository(testDB(t))
	ctx := context.Background()

	d := &model.Document{
		ID:          "d1",
		WorkspaceID: "w1",
		Title:       "Notes",
		Content:     "first draft",
		UpdatedAt:   time.Now(),
	}
	if err := repo.Create(ctx, d); err != nil {
		t.Fatalf("create: %v", err)
	}

	content, err := repo.GetContent(ctx, "d1")
	if err != nil {
		t.Fatalf("get content: %v", err)
	}
	if content != "first draft" {
		t.Fatalf("unexpected content: %q", content)
	}

	before, _ := repo.GetByID(ctx, "d1")
	time.Sleep(5 * time.Millisecond)
	if err := repo.SaveContent(ctx, "d1", "second draft"); err != nil {
		t.Fatalf("save content: %v", err)
	}
	after, err := repo.GetByID(ctx, "d1")
	if err != nil {
		t.Fatalf("get after save: %v", err)
	}
	if after.Content != "second draft" {
		t.Fatalf("content not saved: %q", after.Content)
	}
	if !after.UpdatedAt.After(before.UpdatedAt) {
		t.Fatal("save did not bump updated_at")
	}

	if _, err := repo.GetContent(ctx, "missing"); err != model.ErrDocumentNotFound {
		t.Fatalf("expected ErrDocumentNotFound, got %v", err)
	}
}

func TestCRDTStateUpsert(t *testing.T) {
	database := testDB(t)
	docs := NewDocumentRepository(database)
	states := NewCRDTStateRepository(database)
	ctx := context.Background()

	if err := docs.Create(ctx, &model.Document{
		ID: "d1", WorkspaceID: "w1", Title: "Doc", UpdatedAt: time.Now(),
	}); err != nil {
		t.Fatalf("create document: %v", err)
	}

	if _, ok, err := states.Load(ctx, "d1"); err != nil || ok {
		t.Fatalf("expected no state yet, ok=%v err=%v", ok, err)
	}

	if err := states.Save(ctx, "d1", []byte{1, 2, 3}); err != nil {
		t.Fatalf("save: %v", err)
	}
	state, ok, err := states.Load(ctx, "d1")
	if err != nil || !ok {
		t.Fatalf("load: ok=%v err=%v", ok, err)
	}
	if string(state) != string([]byte{1, 2, 3}) {
		t.Fatalf("state mismatch: %v", state)
	}

	// Save again replaces, not duplicates.
	if err := states.Save(ctx, "d1", []byte{9}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	state, _, _ = states.Load(ctx, "d1")
	if len(state) != 1 || state[0] != 9 {
		t.Fatalf("upsert did not replace: %v", state)
	}

	if err := states.Delete(ctx, "d1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok, _ := states.Load(ctx, "d1"); ok {
		t.Fatal("state survived delete")
	}
}

func TestEntityCreationIntegrityProperty(t *testing.T) {
	repo := NewEntityRepository(testDB(t))
	ctx := context.Background()

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	nonEmptyString := gen.AlphaString().SuchThat(func(s string) bool {
		return len(s) > 0 && len(s) <= 100
	})

	properties.Property("created entities can be retrieved intact", prop.ForAll(
		func(title, kind, entityCtx string) bool {
			id := generateID()
			now := time.Now()
			e := &model.Entity{
				ID:          id,
				WorkspaceID: "w1",
				Kind:        kind,
				Title:       title,
				Context:     entityCtx,
				Status:      "idle",
				CreatedAt:   now,
				UpdatedAt:   now,
			}
			if err := repo.Create(ctx, e); err != nil {
				t.Logf("create failed: %v", err)
				return false
			}
			got, err := repo.GetByID(ctx, id)
			if err != nil {
				t.Logf("get failed: %v", err)
				return false
			}
			ok := got.Title == title && got.Kind == kind && got.Context == entityCtx
			repo.Delete(ctx, id)
			return ok
		},
		nonEmptyString,
		nonEmptyString,
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}

package docsync

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/collabkit/backend/internal/crdt"
	"github.com/collabkit/backend/internal/db"
	"github.com/collabkit/backend/internal/model"
	"github.com/collabkit/backend/internal/repository"
)

func setupBridge(t *testing.T) (*Bridge, *repository.DocumentRepository, *repository.CRDTStateRepository) {
	t.Helper()

	database, err := db.NewTestDB()
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	docs := repository.NewDocumentRepository(database)
	states := repository.NewCRDTStateRepository(database)
	return NewBridge(docs, states, zap.NewNop()), docs, states
}

func createDoc(t *testing.T, docs *repository.DocumentRepository, id, content string) {
	t.Helper()
	require.NoError(t, docs.Create(context.Background(), &model.Document{
		ID:          id,
		WorkspaceID: "w1",
		Title:       "Test",
		Content:     content,
		UpdatedAt:   time.Now(),
	}))
}

func TestLoadOrInit_SeedsFromPlainText(t *testing.T) {
	bridge, docs, states := setupBridge(t)
	ctx := context.Background()

	createDoc(t, docs, "doc1", "# Title\n")

	doc, err := bridge.LoadOrInit(ctx, "doc1")
	require.NoError(t, err)
	require.Equal(t, "# Title\n", doc.Text())

	// The encoded state must already be persisted when LoadOrInit returns.
	state, found, err := states.Load(ctx, "doc1")
	require.NoError(t, err)
	require.True(t, found)

	decoded, err := crdt.Load("other", state)
	require.NoError(t, err)
	require.Equal(t, "# Title\n", decoded.Text())
}

func TestLoadOrInit_MissingDocumentSeedsEmpty(t *testing.T) {
	bridge, _, _ := setupBridge(t)

	doc, err := bridge.LoadOrInit(context.Background(), "nowhere")
	require.NoError(t, err)
	require.Equal(t, "", doc.Text())
}

func TestEditFlushRoundTrip(t *testing.T) {
	bridge, docs, _ := setupBridge(t)
	ctx := context.Background()

	createDoc(t, docs, "doc1", "# Title\n")

	doc, err := bridge.LoadOrInit(ctx, "doc1")
	require.NoError(t, err)

	_, err = doc.Insert(8, "Hello")
	require.NoError(t, err)

	require.NoError(t, bridge.FlushToPlainText(ctx, "doc1"))
	content, err := docs.GetContent(ctx, "doc1")
	require.NoError(t, err)
	require.Equal(t, "# Title\nHello", content)
}

func TestSecondLoadDecodesSameText(t *testing.T) {
	bridge, docs, states := setupBridge(t)
	ctx := context.Background()

	createDoc(t, docs, "doc1", "# Title\n")

	doc, err := bridge.LoadOrInit(ctx, "doc1")
	require.NoError(t, err)
	update, err := doc.Insert(8, "Hello")
	require.NoError(t, err)
	require.NoError(t, bridge.ApplyUpdate(ctx, "doc1", update))

	// A fresh bridge over the same store simulates a later load before any
	// flush: it must decode to the same linear text.
	fresh := NewBridge(docs, states, zap.NewNop())
	doc2, err := fresh.LoadOrInit(ctx, "doc1")
	require.NoError(t, err)
	require.Equal(t, "# Title\nHello", doc2.Text())
}

func TestEditorLifecycle_FlushOnLastDetach(t *testing.T) {
	bridge, docs, _ := setupBridge(t)
	ctx := context.Background()

	createDoc(t, docs, "doc1", "base")

	require.NoError(t, bridge.AddEditor(ctx, "doc1"))
	require.NoError(t, bridge.AddEditor(ctx, "doc1"))
	require.Equal(t, 2, bridge.Editors("doc1"))

	doc, err := bridge.LoadOrInit(ctx, "doc1")
	require.NoError(t, err)
	_, err = doc.Insert(4, "!")
	require.NoError(t, err)

	// First detach does not flush.
	require.NoError(t, bridge.RemoveEditor(ctx, "doc1"))
	content, err := docs.GetContent(ctx, "doc1")
	require.NoError(t, err)
	require.Equal(t, "base", content)

	// Last detach flushes.
	require.NoError(t, bridge.RemoveEditor(ctx, "doc1"))
	content, err = docs.GetContent(ctx, "doc1")
	require.NoError(t, err)
	require.Equal(t, "base!", content)
	require.Equal(t, 0, bridge.Editors("doc1"))
}

func TestReinitFromPlainText_DiscardsHistory(t *testing.T) {
	bridge, docs, _ := setupBridge(t)
	ctx := context.Background()

	createDoc(t, docs, "doc1", "original")

	doc, err := bridge.LoadOrInit(ctx, "doc1")
	require.NoError(t, err)
	_, err = doc.Insert(8, " plus edits")
	require.NoError(t, err)

	// Out-of-band edit to the plain text.
	require.NoError(t, docs.SaveContent(ctx, "doc1", "rewritten"))

	require.NoError(t, bridge.ReinitFromPlainText(ctx, "doc1"))
	text, err := bridge.Text(ctx, "doc1")
	require.NoError(t, err)
	require.Equal(t, "rewritten", text)
}

func TestDelete_RemovesBothRepresentations(t *testing.T) {
	bridge, docs, states := setupBridge(t)
	ctx := context.Background()

	createDoc(t, docs, "doc1", "content")
	_, err := bridge.LoadOrInit(ctx, "doc1")
	require.NoError(t, err)

	require.NoError(t, bridge.Delete(ctx, "doc1"))

	_, err = docs.GetContent(ctx, "doc1")
	require.ErrorIs(t, err, model.ErrDocumentNotFound)
	_, found, err := states.Load(ctx, "doc1")
	require.NoError(t, err)
	require.False(t, found)
}

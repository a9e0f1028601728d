// Package docsync keeps CRDT-backed collaborative buffers and their
// plain-text persisted copies mutually consistent across client attach and
// detach cycles.
package docsync

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/collabkit/backend/internal/crdt"
	"github.com/collabkit/backend/internal/model"
	"github.com/collabkit/backend/internal/repository"
)

// serverAgent is the agent id used for server-originated CRDT operations
// (initial seeding and recovery reseeds).
const serverAgent = "server"

// Bridge reconciles CRDT document state with the plain-text store. The plain
// text is the durable source of truth at rest; the CRDT binary state is a
// derived, regenerable cache of collaborative intent.
type Bridge struct {
	docs   *repository.DocumentRepository
	states *repository.CRDTStateRepository
	log    *zap.Logger

	mu   sync.Mutex
	open map[string]*openDoc
}

type openDoc struct {
	doc     *crdt.Doc
	editors int
}

// NewBridge creates a Bridge over the document and CRDT state repositories.
func NewBridge(docs *repository.DocumentRepository, states *repository.CRDTStateRepository, log *zap.Logger) *Bridge {
	if log == nil {
		log = zap.NewNop()
	}
	return &Bridge{
		docs:   docs,
		states: states,
		open:   make(map[string]*openDoc),
		log:    log,
	}
}

// LoadOrInit returns the CRDT document for a document id. If persisted CRDT
// state exists it is decoded; otherwise the CRDT is seeded from the current
// plain text as one atomic insert, and the encoded state is persisted before
// this returns, so the first attaching client never races the
// initialization write.
func (b *Bridge) LoadOrInit(ctx context.Context, documentID string) (*crdt.Doc, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.loadOrInitLocked(ctx, documentID)
}

func (b *Bridge) loadOrInitLocked(ctx context.Context, documentID string) (*crdt.Doc, error) {
	if od, ok := b.open[documentID]; ok {
		return od.doc, nil
	}

	state, found, err := b.states.Load(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if found {
		doc, err := crdt.Load(serverAgent, state)
		if err != nil {
			return nil, err
		}
		b.open[documentID] = &openDoc{doc: doc}
		return doc, nil
	}

	content, err := b.docs.GetContent(ctx, documentID)
	if err != nil && !errors.Is(err, model.ErrDocumentNotFound) {
		return nil, err
	}

	doc := crdt.New(serverAgent)
	if content != "" {
		if _, err := doc.Insert(0, content); err != nil {
			return nil, fmt.Errorf("seed crdt from plain text: %w", err)
		}
	}
	encoded, err := doc.EncodeState()
	if err != nil {
		return nil, err
	}
	if err := b.states.Save(ctx, documentID, encoded); err != nil {
		return nil, fmt.Errorf("persist initial crdt state: %w", err)
	}

	b.log.Info("crdt state initialized from plain text",
		zap.String("document", documentID),
		zap.Int("chars", doc.Len()))
	b.open[documentID] = &openDoc{doc: doc}
	return doc, nil
}

// ApplyUpdate integrates a client update into the document and persists the
// resulting state.
func (b *Bridge) ApplyUpdate(ctx context.Context, documentID string, update []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	doc, err := b.loadOrInitLocked(ctx, documentID)
	if err != nil {
		return err
	}
	if err := doc.ApplyUpdate(update); err != nil {
		return err
	}
	encoded, err := doc.EncodeState()
	if err != nil {
		return err
	}
	return b.states.Save(ctx, documentID, encoded)
}

// FlushToPlainText projects the CRDT text and overwrites the plain-text
// copy, bumping the document's last-modified timestamp. Called when the
// active-editor count drops to zero or on an explicit save.
func (b *Bridge) FlushToPlainText(ctx context.Context, documentID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.flushLocked(ctx, documentID)
}

func (b *Bridge) flushLocked(ctx context.Context, documentID string) error {
	doc, err := b.loadOrInitLocked(ctx, documentID)
	if err != nil {
		return err
	}
	if err := b.docs.SaveContent(ctx, documentID, doc.Text()); err != nil {
		return fmt.Errorf("flush document %s: %w", documentID, err)
	}
	return nil
}

// ReinitFromPlainText discards the CRDT history and reseeds it from the
// current plain text. This is a destructive recovery path for documents
// edited out-of-band; it is never invoked automatically.
func (b *Bridge) ReinitFromPlainText(ctx context.Context, documentID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	content, err := b.docs.GetContent(ctx, documentID)
	if err != nil {
		return err
	}

	doc := crdt.New(serverAgent)
	if content != "" {
		if _, err := doc.Insert(0, content); err != nil {
			return fmt.Errorf("reseed crdt from plain text: %w", err)
		}
	}
	encoded, err := doc.EncodeState()
	if err != nil {
		return err
	}
	if err := b.states.Save(ctx, documentID, encoded); err != nil {
		return err
	}

	editors := 0
	if od, ok := b.open[documentID]; ok {
		editors = od.editors
	}
	b.open[documentID] = &openDoc{doc: doc, editors: editors}

	b.log.Warn("crdt history discarded, reseeded from plain text",
		zap.String("document", documentID),
		zap.Int("chars", doc.Len()))
	return nil
}

// AddEditor records a client attaching to a document, loading the CRDT if
// needed.
func (b *Bridge) AddEditor(ctx context.Context, documentID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, err := b.loadOrInitLocked(ctx, documentID); err != nil {
		return err
	}
	b.open[documentID].editors++
	return nil
}

// RemoveEditor records a client detaching. When the active-editor count
// drops to zero the document is flushed to plain text and evicted from the
// in-memory cache.
func (b *Bridge) RemoveEditor(ctx context.Context, documentID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	od, ok := b.open[documentID]
	if !ok {
		return nil
	}
	if od.editors > 0 {
		od.editors--
	}
	if od.editors > 0 {
		return nil
	}

	if err := b.flushLocked(ctx, documentID); err != nil {
		return err
	}
	delete(b.open, documentID)
	return nil
}

// Editors returns the active-editor count for a document.
func (b *Bridge) Editors(documentID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if od, ok := b.open[documentID]; ok {
		return od.editors
	}
	return 0
}

// Delete removes both the document and its CRDT state together.
func (b *Bridge) Delete(ctx context.Context, documentID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.open, documentID)
	if err := b.states.Delete(ctx, documentID); err != nil {
		return err
	}
	return b.docs.Delete(ctx, documentID)
}

// Text returns the current linear text of a document.
func (b *Bridge) Text(ctx context.Context, documentID string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	doc, err := b.loadOrInitLocked(ctx, documentID)
	if err != nil {
		return "", err
	}
	return doc.Text(), nil
}

package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// CRDTStateRepository persists the encoded CRDT state per document. The
// binary state is a regenerable cache of collaborative intent; losing it
// never loses content because the plain text can reseed it.
type CRDTStateRepository struct {
	db *sql.DB
}

// NewCRDTStateRepository creates a new CRDTStateRepository.
func NewCRDTStateRepository(db *sql.DB) *CRDTStateRepository {
	return &CRDTStateRepository{db: db}
}

// Load returns the encoded state for a document, or ok=false when none is
// persisted.
func (r *CRDTStateRepository) Load(ctx context.Context, documentID string) (state []byte, ok bool, err error) {
	err = r.db.QueryRowContext(ctx,
		`SELECT state FROM crdt_states WHERE document_id = ?`, documentID).Scan(&state)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to load crdt state: %w", err)
	}
	return state, true, nil
}

// Save upserts the encoded state for a document.
func (r *CRDTStateRepository) Save(ctx context.Context, documentID string, state []byte) error {
	query := `
		INSERT INTO crdt_states (document_id, state, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(document_id) DO UPDATE SET state = excluded.state, updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, query, documentID, state, time.Now())
	if err != nil {
		return fmt.Errorf("failed to save crdt state: %w", err)
	}
	return nil
}

// Delete removes the persisted state for a document. Deleting state that was
// never persisted is a no-op.
func (r *CRDTStateRepository) Delete(ctx context.Context, documentID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM crdt_states WHERE document_id = ?`, documentID)
	if err != nil {
		return fmt.Errorf("failed to delete crdt state: %w", err)
	}
	return nil
}

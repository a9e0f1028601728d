// Package repository provides data access for entities, documents and
// persisted CRDT state.
package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/collabkit/backend/internal/model"
)

// EntityRepository provides data access for entity metadata. The session
// manager uses it to rehydrate execution context for messages that arrive
// without one.
type EntityRepository struct {
	db *sql.DB
}

// NewEntityRepository creates a new EntityRepository.
func NewEntityRepository(db *sql.DB) *EntityRepository {
	return &EntityRepository{db: db}
}

// Create inserts a new entity.
func (r *EntityRepository) Create(ctx context.Context, e *model.Entity) error {
	query := `
		INSERT INTO entities (id, workspace_id, kind, title, plan, context, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, query,
		e.ID,
		e.WorkspaceID,
		e.Kind,
		e.Title,
		e.Plan,
		e.Context,
		e.Status,
		e.CreatedAt,
		e.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create entity: %w", err)
	}

	return nil
}

// GetByID retrieves an entity by its ID.
func (r *EntityRepository) GetByID(ctx context.Context, id string) (*model.Entity, error) {
	query := `
		SELECT id, workspace_id, kind, title, plan, context, status, created_at, updated_at
		FROM entities
		WHERE id = ?
	`

	e := &model.Entity{}
	var plan, entityCtx sql.NullString

	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&e.ID,
		&e.WorkspaceID,
		&e.Kind,
		&e.Title,
		&plan,
		&entityCtx,
		&e.Status,
		&e.CreatedAt,
		&e.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, model.ErrEntityNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get entity: %w", err)
	}

	if plan.Valid {
		e.Plan = plan.String
	}
	if entityCtx.Valid {
		e.Context = entityCtx.String
	}

	return e, nil
}

// UpdateStatus updates the status of an entity.
func (r *EntityRepository) UpdateStatus(ctx context.Context, id, status string) error {
	query := `
		UPDATE entities
		SET status = ?, updated_at = ?
		WHERE id = ?
	`

	result, err := r.db.ExecContext(ctx, query, status, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to update entity status: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return model.ErrEntityNotFound
	}

	return nil
}

// Delete removes an entity.
func (r *EntityRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM entities WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete entity: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return model.ErrEntityNotFound
	}

	return nil
}

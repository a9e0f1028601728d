package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/collabkit/backend/internal/model"
)

// DocumentRepository provides data access for document metadata and the
// plain-text content, which is the durable source of truth at rest.
type DocumentRepository struct {
	db *sql.DB
}

// NewDocumentRepository creates a new DocumentRepository.
func NewDocumentRepository(db *sql.DB) *DocumentRepository {
	return &DocumentRepository{db: db}
}

// Create inserts a new document.
func (r *DocumentRepository) Create(ctx context.Context, d *model.Document) error {
	query := `
		INSERT INTO documents (id, workspace_id, title, content, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, query, d.ID, d.WorkspaceID, d.Title, d.Content, d.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create document: %w", err)
	}

	return nil
}

// GetByID retrieves a document by its ID.
func (r *DocumentRepository) GetByID(ctx context.Context, id string) (*model.Document, error) {
	query := `
		SELECT id, workspace_id, title, content, updated_at
		FROM documents
		WHERE id = ?
	`

	d := &model.Document{}
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&d.ID,
		&d.WorkspaceID,
		&d.Title,
		&d.Content,
		&d.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, model.ErrDocumentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get document: %w", err)
	}

	return d, nil
}

// GetContent returns the plain-text content of a document.
func (r *DocumentRepository) GetContent(ctx context.Context, id string) (string, error) {
	var content string
	err := r.db.QueryRowContext(ctx, `SELECT content FROM documents WHERE id = ?`, id).Scan(&content)
	if err == sql.ErrNoRows {
		return "", model.ErrDocumentNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get document content: %w", err)
	}
	return content, nil
}

// SaveContent overwrites the plain-text content and bumps the last-modified
// timestamp on the document record.
func (r *DocumentRepository) SaveContent(ctx context.Context, id, content string) error {
	query := `
		UPDATE documents
		SET content = ?, updated_at = ?
		WHERE id = ?
	`

	result, err := r.db.ExecContext(ctx, query, content, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to save document content: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return model.ErrDocumentNotFound
	}

	return nil
}

// Delete removes a document.
func (r *DocumentRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM documents WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return model.ErrDocumentNotFound
	}

	return nil
}

package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/lunamail/campaignd/internal/models"
)

type SuppressionRepository struct {
	db *sql.DB
}

func NewSuppressionRepository(db *sql.DB) *SuppressionRepository {
	return &SuppressionRepository{db: db}
}

// Upsert adds or refreshes a suppression entry. A later write with a
// different reason overwrites the earlier one.
func (r *SuppressionRepository) Upsert(workspaceID, email, reason string) error {
	now := time.Now()
	_, err := r.db.Exec(`
		INSERT INTO suppressions (id, workspace_id, email, reason, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(workspace_id, email) DO UPDATE SET
			reason = excluded.reason,
			updated_at = excluded.updated_at`,
		uuid.New().String(), workspaceID, models.NormalizeEmail(email), reason, now, now,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert suppression: %w", err)
	}
	return nil
}

// GetByEmail returns the suppression for an address, or nil
func (r *SuppressionRepository) GetByEmail(workspaceID, email string) (*models.Suppression, error) {
	s := &models.Suppression{}
	err := r.db.QueryRow(`
		SELECT id, workspace_id, email, reason, created_at, updated_at
		FROM suppressions WHERE workspace_id = ? AND email = ?`,
		workspaceID, models.NormalizeEmail(email),
	).Scan(&s.ID, &s.WorkspaceID, &s.Email, &s.Reason, &s.CreatedAt, &s.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

// LookupBatch returns reason by normalized email for every suppressed
// address in the batch
func (r *SuppressionRepository) LookupBatch(workspaceID string, emails []string) (map[string]string, error) {
	suppressed := map[string]string{}
	if len(emails) == 0 {
		return suppressed, nil
	}

	normalized := make([]string, 0, len(emails))
	for _, e := range emails {
		normalized = append(normalized, models.NormalizeEmail(e))
	}

	query := fmt.Sprintf(`
		SELECT email, reason FROM suppressions
		WHERE workspace_id = ? AND email IN (%s)`,
		placeholders(len(normalized)))

	args := []any{workspaceID}
	for _, e := range normalized {
		args = append(args, e)
	}

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var email, reason string
		if err := rows.Scan(&email, &reason); err != nil {
			return nil, err
		}
		suppressed[email] = reason
	}

	return suppressed, rows.Err()
}

// Delete removes a suppression entry
func (r *SuppressionRepository) Delete(workspaceID, email string) error {
	_, err := r.db.Exec("DELETE FROM suppressions WHERE workspace_id = ? AND email = ?",
		workspaceID, models.NormalizeEmail(email))
	return err
}

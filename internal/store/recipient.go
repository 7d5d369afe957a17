package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lunamail/campaignd/internal/models"
)

type RecipientRepository struct {
	db *sql.DB
}

func NewRecipientRepository(db *sql.DB) *RecipientRepository {
	return &RecipientRepository{db: db}
}

// RecipientCounts holds per-status recipient counts for a run
type RecipientCounts struct {
	Total   int
	Pending int
	Sent    int
	Failed  int
	Skipped int
}

// Processed returns how many recipients reached a terminal status
func (c RecipientCounts) Processed() int {
	return c.Sent + c.Failed + c.Skipped
}

// BulkInsert inserts recipients, silently skipping rows whose
// (run_id, subject_id) pair already exists. A retried batch is a no-op
// for rows already written.
func (r *RecipientRepository) BulkInsert(recipients []models.Recipient) error {
	if len(recipients) == 0 {
		return nil
	}

	tx, err := r.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO recipients (id, run_id, subject_id, email, variables, status, skip_reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, subject_id) DO NOTHING`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	now := time.Now()
	for i := range recipients {
		if recipients[i].ID == "" {
			recipients[i].ID = uuid.New().String()
		}
		if recipients[i].Status == "" {
			recipients[i].Status = models.RecipientStatusPending
		}
		recipients[i].CreatedAt = now

		_, err := stmt.Exec(recipients[i].ID, recipients[i].RunID, recipients[i].SubjectID,
			recipients[i].Email, recipients[i].Variables, recipients[i].Status,
			nullString(recipients[i].SkipReason), recipients[i].CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert recipient: %w", err)
		}
	}

	return tx.Commit()
}

// GetByID returns a recipient by ID, or nil if not found
func (r *RecipientRepository) GetByID(id string) (*models.Recipient, error) {
	rec := &models.Recipient{}
	var variables, skipReason, errText sql.NullString

	err := r.db.QueryRow(`
		SELECT id, run_id, subject_id, email, variables, status, skip_reason, error, created_at
		FROM recipients WHERE id = ?`, id,
	).Scan(&rec.ID, &rec.RunID, &rec.SubjectID, &rec.Email, &variables, &rec.Status, &skipReason, &errText, &rec.CreatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if variables.Valid {
		rec.Variables = variables.String
	}
	if skipReason.Valid {
		rec.SkipReason = skipReason.String
	}
	if errText.Valid {
		rec.Error = errText.String
	}

	return rec, nil
}

// PagePending returns pending recipients for a run ordered by id,
// starting after the given cursor. Used to fan out dispatch jobs.
func (r *RecipientRepository) PagePending(runID, afterID string, limit int) ([]models.Recipient, error) {
	rows, err := r.db.Query(`
		SELECT id, run_id, subject_id, email, variables, status, created_at
		FROM recipients
		WHERE run_id = ? AND status = ? AND id > ?
		ORDER BY id
		LIMIT ?`,
		runID, models.RecipientStatusPending, afterID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	recipients := []models.Recipient{}
	for rows.Next() {
		var rec models.Recipient
		var variables sql.NullString
		if err := rows.Scan(&rec.ID, &rec.RunID, &rec.SubjectID, &rec.Email, &variables, &rec.Status, &rec.CreatedAt); err != nil {
			return nil, err
		}
		if variables.Valid {
			rec.Variables = variables.String
		}
		recipients = append(recipients, rec)
	}

	return recipients, rows.Err()
}

// MarkSent marks a recipient sent
func (r *RecipientRepository) MarkSent(id string) error {
	_, err := r.db.Exec("UPDATE recipients SET status = ? WHERE id = ?",
		models.RecipientStatusSent, id)
	return err
}

// MarkFailed marks a recipient failed with the error text
func (r *RecipientRepository) MarkFailed(id, errMsg string) error {
	_, err := r.db.Exec("UPDATE recipients SET status = ?, error = ? WHERE id = ?",
		models.RecipientStatusFailed, errMsg, id)
	return err
}

// MarkSkipped marks a recipient skipped with a structured reason
func (r *RecipientRepository) MarkSkipped(id, reason string) error {
	_, err := r.db.Exec("UPDATE recipients SET status = ?, skip_reason = ? WHERE id = ?",
		models.RecipientStatusSkipped, reason, id)
	return err
}

// CountByStatus returns per-status counts for a run
func (r *RecipientRepository) CountByStatus(runID string) (RecipientCounts, error) {
	var c RecipientCounts
	err := r.db.QueryRow(`
		SELECT
			COUNT(*) as total,
			SUM(CASE WHEN status = 'pending' THEN 1 ELSE 0 END) as pending,
			SUM(CASE WHEN status = 'sent' THEN 1 ELSE 0 END) as sent,
			SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END) as failed,
			SUM(CASE WHEN status = 'skipped' THEN 1 ELSE 0 END) as skipped
		FROM recipients WHERE run_id = ?`, runID,
	).Scan(&c.Total, &c.Pending, &c.Sent, &c.Failed, &c.Skipped)

	return c, err
}

// SkipReasonBreakdown classifies skipped recipients for run stats
func (r *RecipientRepository) SkipReasonBreakdown(runID string) (models.SkippedReasons, error) {
	var out models.SkippedReasons

	rows, err := r.db.Query(`
		SELECT COALESCE(skip_reason, ''), COUNT(*)
		FROM recipients
		WHERE run_id = ? AND status = ?
		GROUP BY skip_reason`,
		runID, models.RecipientStatusSkipped,
	)
	if err != nil {
		return out, err
	}
	defer rows.Close()

	for rows.Next() {
		var reason string
		var count int
		if err := rows.Scan(&reason, &count); err != nil {
			return out, err
		}
		switch models.ClassifySkipReason(reason) {
		case "collision":
			out.Collision += count
		case "suppression":
			out.Suppression += count
		default:
			out.Other += count
		}
	}

	return out, rows.Err()
}

// SentSubjectIDs returns every subject id that already has a sent recipient
// in any run of the given campaign. Prevents resends across retriggers.
func (r *RecipientRepository) SentSubjectIDs(campaignID string) (map[string]bool, error) {
	rows, err := r.db.Query(`
		SELECT DISTINCT rec.subject_id
		FROM recipients rec
		JOIN runs ON rec.run_id = runs.id
		WHERE runs.campaign_id = ? AND rec.status = ?`,
		campaignID, models.RecipientStatusSent,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	seen := map[string]bool{}
	for rows.Next() {
		var subjectID string
		if err := rows.Scan(&subjectID); err != nil {
			return nil, err
		}
		seen[subjectID] = true
	}

	return seen, rows.Err()
}

// PendingLowerPriority returns the subset of subjectIDs that have a pending
// recipient in a non-terminal run of another active campaign in the same
// group with a strictly lower priority number (higher precedence).
func (r *RecipientRepository) PendingLowerPriority(groupID, campaignID string, priority int, subjectIDs []string) (map[string]bool, error) {
	blocked := map[string]bool{}
	if len(subjectIDs) == 0 {
		return blocked, nil
	}

	query := fmt.Sprintf(`
		SELECT DISTINCT rec.subject_id
		FROM recipients rec
		JOIN runs ON rec.run_id = runs.id
		JOIN campaigns c ON runs.campaign_id = c.id
		WHERE c.group_id = ?
		  AND c.id != ?
		  AND c.status = ?
		  AND c.priority < ?
		  AND runs.status NOT IN (?, ?)
		  AND rec.status = ?
		  AND rec.subject_id IN (%s)`,
		placeholders(len(subjectIDs)))

	args := []any{groupID, campaignID, models.CampaignStatusActive, priority,
		models.RunStatusCompleted, models.RunStatusFailed, models.RecipientStatusPending}
	for _, id := range subjectIDs {
		args = append(args, id)
	}

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var subjectID string
		if err := rows.Scan(&subjectID); err != nil {
			return nil, err
		}
		blocked[subjectID] = true
	}

	return blocked, rows.Err()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

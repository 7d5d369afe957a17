package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/lunamail/campaignd/internal/models"
)

type SendRepository struct {
	db *sql.DB
}

func NewSendRepository(db *sql.DB) *SendRepository {
	return &SendRepository{db: db}
}

// UpsertQueued creates a send row keyed by the idempotency key, or bumps
// its attempt counter if it already exists. The returned row reflects the
// state after the upsert; callers short-circuit when Status is already sent.
func (r *SendRepository) UpsertQueued(key string, rec *models.Recipient, run *models.Run) (*models.Send, error) {
	now := time.Now()
	_, err := r.db.Exec(`
		INSERT INTO sends (id, idempotency_key, recipient_id, run_id, campaign_id, workspace_id, status, attempts, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 1, ?, ?)
		ON CONFLICT(idempotency_key) DO UPDATE SET
			attempts = sends.attempts + 1,
			updated_at = excluded.updated_at`,
		uuid.New().String(), key, rec.ID, run.ID, run.CampaignID, run.WorkspaceID,
		models.SendStatusQueued, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert send: %w", err)
	}

	return r.GetByKey(key)
}

// GetByKey returns a send by idempotency key, or nil if not found
func (r *SendRepository) GetByKey(key string) (*models.Send, error) {
	return r.getWhere("idempotency_key = ?", key)
}

// GetByProviderMessageID returns a send by provider message id, or nil
func (r *SendRepository) GetByProviderMessageID(providerMessageID string) (*models.Send, error) {
	return r.getWhere("provider_message_id = ?", providerMessageID)
}

func (r *SendRepository) getWhere(where string, arg any) (*models.Send, error) {
	s := &models.Send{}
	var providerMessageID, lastError sql.NullString
	var sentAt sql.NullTime

	err := r.db.QueryRow(`
		SELECT id, idempotency_key, recipient_id, run_id, campaign_id, workspace_id, status, attempts, provider_message_id, last_error, created_at, updated_at, sent_at
		FROM sends WHERE `+where, arg,
	).Scan(&s.ID, &s.IdempotencyKey, &s.RecipientID, &s.RunID, &s.CampaignID, &s.WorkspaceID,
		&s.Status, &s.Attempts, &providerMessageID, &lastError, &s.CreatedAt, &s.UpdatedAt, &sentAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if providerMessageID.Valid {
		s.ProviderMessageID = providerMessageID.String
	}
	if lastError.Valid {
		s.LastError = lastError.String
	}
	if sentAt.Valid {
		s.SentAt = &sentAt.Time
	}

	return s, nil
}

// MarkSent transitions the send and its recipient to sent in one
// transaction and, when logEntry is non-nil, appends the collision
// ledger fact in the same transaction.
func (r *SendRepository) MarkSent(sendID, recipientID, providerMessageID string, logEntry *models.SendLog) error {
	tx, err := r.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now()
	if _, err := tx.Exec(`
		UPDATE sends SET status = ?, provider_message_id = ?, sent_at = ?, updated_at = ?
		WHERE id = ?`,
		models.SendStatusSent, providerMessageID, now, now, sendID,
	); err != nil {
		return fmt.Errorf("failed to mark send sent: %w", err)
	}

	if _, err := tx.Exec("UPDATE recipients SET status = ? WHERE id = ?",
		models.RecipientStatusSent, recipientID,
	); err != nil {
		return fmt.Errorf("failed to mark recipient sent: %w", err)
	}

	if logEntry != nil {
		if logEntry.SentAt.IsZero() {
			logEntry.SentAt = now
		}
		if err := appendSendLog(tx, logEntry); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// MarkFailed transitions the send and its recipient to failed in one
// transaction. Only called on the final allowed attempt.
func (r *SendRepository) MarkFailed(sendID, recipientID, errMsg string) error {
	tx, err := r.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		UPDATE sends SET status = ?, last_error = ?, updated_at = ? WHERE id = ?`,
		models.SendStatusFailed, errMsg, time.Now(), sendID,
	); err != nil {
		return fmt.Errorf("failed to mark send failed: %w", err)
	}

	if _, err := tx.Exec("UPDATE recipients SET status = ?, error = ? WHERE id = ?",
		models.RecipientStatusFailed, errMsg, recipientID,
	); err != nil {
		return fmt.Errorf("failed to mark recipient failed: %w", err)
	}

	return tx.Commit()
}

// RecordRetryableError stores the error text without changing status, so
// the queue's backoff can schedule another attempt.
func (r *SendRepository) RecordRetryableError(sendID, errMsg string) error {
	_, err := r.db.Exec("UPDATE sends SET last_error = ?, updated_at = ? WHERE id = ?",
		errMsg, time.Now(), sendID)
	return err
}

// UpdateDeliveryStatus applies provider feedback (delivered, bounced,
// complaint) to a send
func (r *SendRepository) UpdateDeliveryStatus(sendID, status, errText string) error {
	_, err := r.db.Exec("UPDATE sends SET status = ?, last_error = ?, updated_at = ? WHERE id = ?",
		status, errText, time.Now(), sendID)
	return err
}

package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/lunamail/campaignd/internal/models"
)

type RunRepository struct {
	db *sql.DB
}

func NewRunRepository(db *sql.DB) *RunRepository {
	return &RunRepository{db: db}
}

// Create creates a new run in the created state
func (r *RunRepository) Create(run *models.Run) error {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	run.Status = models.RunStatusCreated
	run.CreatedAt = time.Now()
	run.UpdatedAt = run.CreatedAt

	_, err := r.db.Exec(`
		INSERT INTO runs (id, campaign_id, workspace_id, status, stats, created_at, updated_at)
		VALUES (?, ?, ?, ?, '{}', ?, ?)`,
		run.ID, run.CampaignID, run.WorkspaceID, run.Status, run.CreatedAt, run.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

// GetByID returns a run by ID, or nil if not found
func (r *RunRepository) GetByID(id string) (*models.Run, error) {
	run := &models.Run{}
	var errText sql.NullString
	var completedAt sql.NullTime

	err := r.db.QueryRow(`
		SELECT id, campaign_id, workspace_id, status, COALESCE(stats, '{}'), error, created_at, updated_at, completed_at
		FROM runs WHERE id = ?`, id,
	).Scan(&run.ID, &run.CampaignID, &run.WorkspaceID, &run.Status, &run.Stats, &errText, &run.CreatedAt, &run.UpdatedAt, &completedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if errText.Valid {
		run.Error = errText.String
	}
	if completedAt.Valid {
		run.CompletedAt = &completedAt.Time
	}

	return run, nil
}

// UpdateStatus updates a run status
func (r *RunRepository) UpdateStatus(id, status string) error {
	now := time.Now()
	var completedAt *time.Time
	if status == models.RunStatusCompleted || status == models.RunStatusFailed {
		completedAt = &now
	}

	_, err := r.db.Exec(`
		UPDATE runs SET status = ?, completed_at = COALESCE(?, completed_at), updated_at = ?
		WHERE id = ?`,
		status, completedAt, now, id,
	)
	return err
}

// ActiveByCampaign returns the active (non-terminal) run for a campaign,
// or nil if there is none. At most one may exist.
func (r *RunRepository) ActiveByCampaign(campaignID string) (*models.Run, error) {
	run := &models.Run{}
	var errText sql.NullString
	var completedAt sql.NullTime

	err := r.db.QueryRow(`
		SELECT id, campaign_id, workspace_id, status, COALESCE(stats, '{}'), error, created_at, updated_at, completed_at
		FROM runs
		WHERE campaign_id = ? AND status NOT IN (?, ?)
		ORDER BY created_at DESC
		LIMIT 1`,
		campaignID, models.RunStatusCompleted, models.RunStatusFailed,
	).Scan(&run.ID, &run.CampaignID, &run.WorkspaceID, &run.Status, &run.Stats, &errText, &run.CreatedAt, &run.UpdatedAt, &completedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if errText.Valid {
		run.Error = errText.String
	}
	if completedAt.Valid {
		run.CompletedAt = &completedAt.Time
	}

	return run, nil
}

// SweepStale fails runs stuck in any active state past the threshold.
// Returns the number of runs swept. Recovery for crashed workers.
func (r *RunRepository) SweepStale(threshold time.Duration) (int, error) {
	cutoff := time.Now().Add(-threshold)
	res, err := r.db.Exec(`
		UPDATE runs SET status = ?, error = 'run timed out', completed_at = ?, updated_at = ?
		WHERE status NOT IN (?, ?) AND updated_at < ?`,
		models.RunStatusFailed, time.Now(), time.Now(),
		models.RunStatusCompleted, models.RunStatusFailed, cutoff,
	)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// SetStats stores the stats blob on a run
func (r *RunRepository) SetStats(id string, stats models.RunStats) error {
	data, err := json.Marshal(stats)
	if err != nil {
		return err
	}
	_, err = r.db.Exec("UPDATE runs SET stats = ?, updated_at = ? WHERE id = ?",
		string(data), time.Now(), id)
	return err
}

// CompleteIfSending transitions a run to a terminal status only if it is
// currently sending. Returns false when another process got there first
// (or the run was already failed by the stale sweep).
func (r *RunRepository) CompleteIfSending(id, status string, stats models.RunStats) (bool, error) {
	data, err := json.Marshal(stats)
	if err != nil {
		return false, err
	}

	now := time.Now()
	res, err := r.db.Exec(`
		UPDATE runs SET status = ?, stats = ?, completed_at = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		status, string(data), now, now, id, models.RunStatusSending,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// FailRun marks a run failed with an error message
func (r *RunRepository) FailRun(id, errMsg string) error {
	now := time.Now()
	_, err := r.db.Exec(`
		UPDATE runs SET status = ?, error = ?, completed_at = ?, updated_at = ?
		WHERE id = ? AND status NOT IN (?, ?)`,
		models.RunStatusFailed, errMsg, now, now, id,
		models.RunStatusCompleted, models.RunStatusFailed,
	)
	return err
}

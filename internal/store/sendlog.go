package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/lunamail/campaignd/internal/models"
)

type SendLogRepository struct {
	db *sql.DB
}

func NewSendLogRepository(db *sql.DB) *SendLogRepository {
	return &SendLogRepository{db: db}
}

// Append writes a collision ledger fact. Entries are never updated.
func (r *SendLogRepository) Append(entry *models.SendLog) error {
	return appendSendLog(r.db, entry)
}

// execer is satisfied by both *sql.DB and *sql.Tx, so the ledger insert
// can run standalone or inside the send transaction.
type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func appendSendLog(db execer, entry *models.SendLog) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.SentAt.IsZero() {
		entry.SentAt = time.Now()
	}

	_, err := db.Exec(`
		INSERT INTO send_log (id, workspace_id, subject_id, group_id, campaign_id, sent_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.WorkspaceID, entry.SubjectID, entry.GroupID, entry.CampaignID, entry.SentAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append send log: %w", err)
	}
	return nil
}

// LatestWithin returns, per subject id, the most recent ledger entry for the
// group since the given time, together with the highest precedence (lowest
// priority number) among the campaigns that wrote entries in the window.
// Subjects with no entry are absent from the map. An entry whose campaign
// no longer exists reports priority 0 and so blocks everyone.
func (r *SendLogRepository) LatestWithin(groupID string, subjectIDs []string, since time.Time) (map[string]models.LedgerEntry, error) {
	latest := map[string]models.LedgerEntry{}
	if len(subjectIDs) == 0 {
		return latest, nil
	}

	query := fmt.Sprintf(`
		SELECT sl.subject_id, MAX(sl.sent_at), MIN(COALESCE(c.priority, 0))
		FROM send_log sl
		LEFT JOIN campaigns c ON c.id = sl.campaign_id
		WHERE sl.group_id = ? AND sl.sent_at >= ? AND sl.subject_id IN (%s)
		GROUP BY sl.subject_id`,
		placeholders(len(subjectIDs)))

	args := []any{groupID, since}
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
		var entry models.LedgerEntry
		if err := rows.Scan(&subjectID, &entry.SentAt, &entry.Priority); err != nil {
			return nil, err
		}
		latest[subjectID] = entry
	}

	return latest, rows.Err()
}

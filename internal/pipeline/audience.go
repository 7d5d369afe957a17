package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/lunamail/campaignd/internal/collision"
	"github.com/lunamail/campaignd/internal/models"
	"github.com/lunamail/campaignd/internal/queue"
	"github.com/lunamail/campaignd/internal/segment"
)

// HandleBuildAudience materializes a run's audience and fans out send
// jobs. The handler is resumable: audience rows insert with conflict
// suppression and send jobs carry deterministic ids, so a redelivery
// after a crash picks up where the first attempt stopped.
func (s *Service) HandleBuildAudience(ctx context.Context, job *queue.Job) error {
	var payload BuildAudiencePayload
	if err := s.decode(job, &payload); err != nil {
		return err
	}

	run, err := s.runs.GetByID(payload.RunID)
	if err != nil {
		return fmt.Errorf("loading run: %w", err)
	}
	if run == nil {
		return queue.NonRetryable(fmt.Errorf("%w: %s", ErrRunNotFound, payload.RunID))
	}
	switch run.Status {
	case models.RunStatusCompleted, models.RunStatusFailed:
		return nil
	}

	campaign, err := s.campaigns.GetByID(run.CampaignID)
	if err != nil {
		return fmt.Errorf("loading campaign: %w", err)
	}
	if campaign == nil {
		return s.failRun(run.ID, fmt.Sprintf("campaign %s not found", run.CampaignID))
	}

	// The run only moves past audience_building once every row is
	// persisted, so restarting the build from scratch is safe.
	if run.Status == models.RunStatusCreated || run.Status == models.RunStatusAudienceBuilding {
		if err := s.buildAudience(ctx, run, campaign); err != nil {
			return err
		}
	}

	enqueued, err := s.fanOut(ctx, run, campaign)
	if err != nil {
		return err
	}

	if enqueued == 0 {
		// Every recipient was filtered at build time; close the run now,
		// no send job will ever arrive to do it.
		if err := s.finalizeRun(run.ID); err != nil {
			return err
		}
	}

	s.logger.Info("audience ready",
		"run_id", run.ID, "campaign_id", campaign.ID, "enqueued", enqueued)
	return nil
}

func (s *Service) buildAudience(ctx context.Context, run *models.Run, campaign *models.Campaign) error {
	seg, err := s.refs.GetSegment(campaign.SegmentID)
	if err != nil {
		return fmt.Errorf("loading segment: %w", err)
	}
	if seg == nil {
		return s.failRun(run.ID, fmt.Sprintf("segment %s not found", campaign.SegmentID))
	}
	conn, err := s.refs.GetConnector(seg.ConnectorID)
	if err != nil {
		return fmt.Errorf("loading segment connector: %w", err)
	}
	if conn == nil {
		return s.failRun(run.ID, fmt.Sprintf("connector %s not found", seg.ConnectorID))
	}

	var group *models.CampaignGroup
	if campaign.GroupID != "" {
		group, err = s.campaigns.GetGroup(campaign.GroupID)
		if err != nil {
			return fmt.Errorf("loading campaign group: %w", err)
		}
		if group == nil {
			return s.failRun(run.ID, fmt.Sprintf("campaign group %s not found", campaign.GroupID))
		}
	}

	if err := s.runs.UpdateStatus(run.ID, models.RunStatusAudienceBuilding); err != nil {
		return fmt.Errorf("updating run status: %w", err)
	}
	run.Status = models.RunStatusAudienceBuilding

	source, err := s.sources(conn, s.cfg.QueryTimeout)
	if err != nil {
		return s.failRun(run.ID, fmt.Sprintf("opening segment source: %v", err))
	}
	defer source.Close()

	rows, err := source.Query(ctx, seg.SQL)
	if err != nil {
		// A failing or rejected segment query will fail the same way on
		// every attempt; surface it on the run instead of retrying.
		return s.failRun(run.ID, fmt.Sprintf("segment query failed: %v", err))
	}

	rows = dedupeRows(rows)

	alreadySent, err := s.recipients.SentSubjectIDs(campaign.ID)
	if err != nil {
		return fmt.Errorf("loading sent subjects: %w", err)
	}
	if len(alreadySent) > 0 {
		kept := rows[:0]
		for _, row := range rows {
			if !alreadySent[row.SubjectID] {
				kept = append(kept, row)
			}
		}
		rows = kept
	}

	for start := 0; start < len(rows); start += s.cfg.BatchSize {
		end := start + s.cfg.BatchSize
		if end > len(rows) {
			end = len(rows)
		}
		if err := s.insertBatch(run, campaign, group, rows[start:end]); err != nil {
			return err
		}
	}

	counts, err := s.recipients.CountByStatus(run.ID)
	if err != nil {
		return fmt.Errorf("counting recipients: %w", err)
	}
	if err := s.runs.SetStats(run.ID, models.RunStats{Total: counts.Total}); err != nil {
		return fmt.Errorf("recording run stats: %w", err)
	}

	if err := s.runs.UpdateStatus(run.ID, models.RunStatusAudienceReady); err != nil {
		return fmt.Errorf("updating run status: %w", err)
	}
	run.Status = models.RunStatusAudienceReady
	return nil
}

// insertBatch classifies one batch of audience rows against the
// suppression list and the group's collision policy, then persists them.
func (s *Service) insertBatch(run *models.Run, campaign *models.Campaign, group *models.CampaignGroup, rows []segment.Row) error {
	emails := make([]string, 0, len(rows))
	for _, row := range rows {
		emails = append(emails, row.Email)
	}
	suppressed, err := s.suppressions.LookupBatch(run.WorkspaceID, emails)
	if err != nil {
		return fmt.Errorf("suppression lookup: %w", err)
	}

	verdicts := map[string]collision.Verdict{}
	if group != nil {
		candidates := make([]collision.Candidate, 0, len(rows))
		for _, row := range rows {
			candidates = append(candidates, collision.Candidate{SubjectID: row.SubjectID})
		}
		verdicts, err = s.collisions.Check(s.checkInput(campaign, group), candidates)
		if err != nil {
			return err
		}
	}

	recipients := make([]models.Recipient, 0, len(rows))
	for _, row := range rows {
		rec := models.Recipient{
			ID:        uuid.New().String(),
			RunID:     run.ID,
			SubjectID: row.SubjectID,
			Email:     models.NormalizeEmail(row.Email),
			Variables: row.Variables,
			Status:    models.RecipientStatusPending,
		}
		if reason, ok := suppressed[rec.Email]; ok {
			rec.Status = models.RecipientStatusSkipped
			rec.SkipReason = models.SkipPrefixSuppression + reason
			s.metrics.SuppressionHitsTotal.Inc()
		} else if v := verdicts[row.SubjectID]; v.Blocked {
			rec.Status = models.RecipientStatusSkipped
			rec.SkipReason = v.Reason
			s.metrics.CollisionBlocksTotal.WithLabelValues(strings.TrimPrefix(v.Reason, models.SkipPrefixCollision)).Inc()
		}
		recipients = append(recipients, rec)
	}

	if err := s.recipients.BulkInsert(recipients); err != nil {
		return fmt.Errorf("inserting recipients: %w", err)
	}
	return nil
}

// fanOut moves the run to sending and enqueues one send job per pending
// recipient. Job ids derive from recipient ids, so repeating the
// fan-out after a partial failure cannot double-enqueue.
func (s *Service) fanOut(ctx context.Context, run *models.Run, campaign *models.Campaign) (int, error) {
	if run.Status == models.RunStatusAudienceReady {
		if err := s.runs.UpdateStatus(run.ID, models.RunStatusSending); err != nil {
			return 0, fmt.Errorf("updating run status: %w", err)
		}
		run.Status = models.RunStatusSending
	}

	enqueued := 0
	afterID := ""
	for {
		page, err := s.recipients.PagePending(run.ID, afterID, s.cfg.BatchSize)
		if err != nil {
			return enqueued, fmt.Errorf("paging recipients: %w", err)
		}
		if len(page) == 0 {
			return enqueued, nil
		}
		for i := range page {
			rec := &page[i]
			job := &queue.Job{
				ID:          "send-" + rec.ID,
				Queue:       queue.QueueSend,
				Payload:     mustJSON(SendPayload{RecipientID: rec.ID}),
				MaxAttempts: s.cfg.SendMaxAttempts,
			}
			if err := s.enqueuer.Enqueue(ctx, job); err != nil {
				return enqueued, fmt.Errorf("enqueueing send: %w", err)
			}
			enqueued++
		}
		afterID = page[len(page)-1].ID
	}
}

func (s *Service) checkInput(campaign *models.Campaign, group *models.CampaignGroup) collision.CheckInput {
	return collision.CheckInput{
		WorkspaceID:   campaign.WorkspaceID,
		CampaignID:    campaign.ID,
		GroupID:       group.ID,
		WindowSeconds: group.WindowSeconds,
		Priority:      campaign.Priority,
		Policy:        group.Policy,
	}
}

// failRun marks the run failed and buries the job.
func (s *Service) failRun(runID, msg string) error {
	if err := s.runs.FailRun(runID, msg); err != nil {
		return fmt.Errorf("failing run: %w", err)
	}
	s.metrics.RunsCompletedTotal.WithLabelValues(models.RunStatusFailed).Inc()
	s.logger.Error("run failed", "run_id", runID, "reason", msg)
	return queue.NonRetryable(fmt.Errorf("run %s failed: %s", runID, msg))
}

func dedupeRows(rows []segment.Row) []segment.Row {
	seen := make(map[string]bool, len(rows))
	out := rows[:0]
	for _, row := range rows {
		if seen[row.SubjectID] {
			continue
		}
		seen[row.SubjectID] = true
		out = append(out, row)
	}
	return out
}

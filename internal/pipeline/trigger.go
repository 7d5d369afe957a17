package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/lunamail/campaignd/internal/models"
	"github.com/lunamail/campaignd/internal/queue"
)

// Trigger starts a run for a campaign. Exactly one run can be in flight
// per campaign; a second trigger while one is active is rejected, not
// queued. Returns the created run.
func (s *Service) Trigger(ctx context.Context, campaignID string) (*models.Run, error) {
	swept, err := s.runs.SweepStale(s.cfg.StaleRunAfter)
	if err != nil {
		return nil, fmt.Errorf("sweeping stale runs: %w", err)
	}
	if swept > 0 {
		s.metrics.RunsSweptTotal.Add(float64(swept))
		s.logger.Warn("swept stale runs", "count", swept)
	}

	campaign, err := s.campaigns.GetByID(campaignID)
	if err != nil {
		return nil, fmt.Errorf("loading campaign: %w", err)
	}
	if campaign == nil {
		return nil, ErrCampaignNotFound
	}
	if campaign.Status != models.CampaignStatusActive {
		return nil, fmt.Errorf("%w: campaign %s is %s", ErrCampaignNotActive, campaignID, campaign.Status)
	}

	active, err := s.runs.ActiveByCampaign(campaignID)
	if err != nil {
		return nil, fmt.Errorf("checking active runs: %w", err)
	}
	if active != nil {
		return nil, fmt.Errorf("%w: run %s is %s", ErrRunActive, active.ID, active.Status)
	}

	run := &models.Run{
		ID:          uuid.New().String(),
		CampaignID:  campaign.ID,
		WorkspaceID: campaign.WorkspaceID,
		Status:      models.RunStatusCreated,
	}
	if err := s.runs.Create(run); err != nil {
		return nil, fmt.Errorf("creating run: %w", err)
	}

	job := &queue.Job{
		ID:          "audience-" + run.ID,
		Queue:       queue.QueueBuildAudience,
		Payload:     mustJSON(BuildAudiencePayload{RunID: run.ID}),
		MaxAttempts: s.cfg.SendMaxAttempts,
	}
	if err := s.enqueuer.Enqueue(ctx, job); err != nil {
		return nil, fmt.Errorf("enqueueing audience build: %w", err)
	}

	if err := s.campaigns.SetLastTriggered(campaign.ID, time.Now()); err != nil {
		s.logger.Error("failed to record trigger time", "campaign_id", campaign.ID, "error", err)
	}

	s.metrics.RunsStartedTotal.Inc()
	s.logger.Info("run started", "campaign_id", campaign.ID, "run_id", run.ID)
	return run, nil
}

// HandleTrigger consumes trigger jobs produced by the scheduler.
// Conflicts are terminal: a campaign that went inactive or already has
// a run in flight will not become triggerable by retrying.
func (s *Service) HandleTrigger(ctx context.Context, job *queue.Job) error {
	var payload TriggerPayload
	if err := s.decode(job, &payload); err != nil {
		return err
	}

	_, err := s.Trigger(ctx, payload.CampaignID)
	switch {
	case err == nil:
		return nil
	case isTriggerConflict(err):
		s.logger.Info("trigger skipped", "campaign_id", payload.CampaignID, "reason", err)
		return nil
	default:
		return err
	}
}

func isTriggerConflict(err error) bool {
	return errors.Is(err, ErrCampaignNotFound) ||
		errors.Is(err, ErrCampaignNotActive) ||
		errors.Is(err, ErrRunActive)
}

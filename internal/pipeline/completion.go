package pipeline

import (
	"fmt"

	"github.com/lunamail/campaignd/internal/models"
	"github.com/lunamail/campaignd/internal/store"
)

// maybeCompleteRun closes the run once no recipient is still pending.
// Every send job calls it after its own outcome lands, so the check is
// evaluated many times and must be monotonic: the status-guarded update
// ensures exactly one caller performs the transition, and a run that
// already left the sending state is never touched again.
func (s *Service) maybeCompleteRun(runID string) error {
	counts, err := s.recipients.CountByStatus(runID)
	if err != nil {
		return fmt.Errorf("counting recipients: %w", err)
	}
	if counts.Pending > 0 || counts.Processed() == 0 {
		return nil
	}
	return s.closeRun(runID, counts)
}

// finalizeRun closes a run whose fan-out enqueued nothing. This is the
// one path where a run may complete with zero processed recipients: an
// empty audience will never see a send job, so the builder closes it.
func (s *Service) finalizeRun(runID string) error {
	counts, err := s.recipients.CountByStatus(runID)
	if err != nil {
		return fmt.Errorf("counting recipients: %w", err)
	}
	if counts.Pending > 0 {
		return nil
	}
	return s.closeRun(runID, counts)
}

func (s *Service) closeRun(runID string, counts store.RecipientCounts) error {
	reasons, err := s.recipients.SkipReasonBreakdown(runID)
	if err != nil {
		return fmt.Errorf("classifying skips: %w", err)
	}

	stats := models.RunStats{
		Total:          counts.Total,
		Sent:           counts.Sent,
		Failed:         counts.Failed,
		Skipped:        counts.Skipped,
		SkippedReasons: reasons,
	}

	won, err := s.runs.CompleteIfSending(runID, models.RunStatusCompleted, stats)
	if err != nil {
		return fmt.Errorf("completing run: %w", err)
	}
	if !won {
		return nil
	}

	s.metrics.RunsCompletedTotal.WithLabelValues(models.RunStatusCompleted).Inc()
	s.logger.Info("run completed",
		"run_id", runID,
		"total", stats.Total, "sent", stats.Sent,
		"failed", stats.Failed, "skipped", stats.Skipped)

	return s.completeCampaignIfOneShot(runID)
}

// completeCampaignIfOneShot marks a manually triggered campaign
// completed after its run finishes. Scheduled campaigns stay active so
// the next cron slot can trigger them again.
func (s *Service) completeCampaignIfOneShot(runID string) error {
	run, err := s.runs.GetByID(runID)
	if err != nil || run == nil {
		return err
	}
	campaign, err := s.campaigns.GetByID(run.CampaignID)
	if err != nil || campaign == nil {
		return err
	}
	if campaign.Schedule != "" || campaign.Status != models.CampaignStatusActive {
		return nil
	}
	if err := s.campaigns.UpdateStatus(campaign.ID, models.CampaignStatusCompleted); err != nil {
		return fmt.Errorf("completing campaign: %w", err)
	}
	return nil
}

package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/lunamail/campaignd/internal/models"
	"github.com/lunamail/campaignd/internal/provider"
	"github.com/lunamail/campaignd/internal/queue"
	"github.com/lunamail/campaignd/internal/ratelimit"
	"github.com/lunamail/campaignd/internal/render"
)

// sendContext is everything a dispatch needs beyond the recipient row.
// Loaded once per job, shared across a batch.
type sendContext struct {
	run      *models.Run
	campaign *models.Campaign
	group    *models.CampaignGroup
	profile  *models.SenderProfile
	tmpl     *models.TemplateVersion
	adapter  provider.Adapter
	rate     float64
}

// HandleSend dispatches a single recipient. The send row keyed by the
// recipient id is the idempotency anchor: a redelivered job that finds
// the row already sent does nothing.
func (s *Service) HandleSend(ctx context.Context, job *queue.Job) error {
	var payload SendPayload
	if err := s.decode(job, &payload); err != nil {
		return err
	}

	rec, err := s.recipients.GetByID(payload.RecipientID)
	if err != nil {
		return fmt.Errorf("loading recipient: %w", err)
	}
	if rec == nil {
		return queue.NonRetryable(fmt.Errorf("%w: %s", ErrRecipientNotFound, payload.RecipientID))
	}

	sc, err := s.loadSendContext(rec.RunID, 0)
	if err != nil {
		return err
	}

	sendErr := s.dispatchOne(ctx, sc, rec, job.FinalAttempt())

	// The completion check runs whatever happened to this recipient:
	// its outcome may have been the run's last, and a recipient that
	// keeps failing must not hold the run open past its final attempt.
	if err := s.maybeCompleteRun(sc.run.ID); err != nil {
		s.logger.Error("run completion check failed", "run_id", sc.run.ID, "error", err)
	}

	return sendErr
}

// HandleSendBatch dispatches a slice of recipients under one job. Each
// recipient goes through the identical per-recipient sequence, so a
// redelivered batch skips the members that already reached a terminal
// state and retries only the rest.
func (s *Service) HandleSendBatch(ctx context.Context, job *queue.Job) error {
	var payload SendBatchPayload
	if err := s.decode(job, &payload); err != nil {
		return err
	}

	sc, err := s.loadSendContext(payload.RunID, payload.RatePerSecond)
	if err != nil {
		return err
	}

	var firstErr error
	for _, recipientID := range payload.RecipientIDs {
		rec, err := s.recipients.GetByID(recipientID)
		if err != nil {
			return fmt.Errorf("loading recipient: %w", err)
		}
		if rec == nil {
			s.logger.Warn("batch recipient missing", "recipient_id", recipientID, "run_id", payload.RunID)
			continue
		}
		if err := s.dispatchOne(ctx, sc, rec, job.FinalAttempt()); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if err := s.maybeCompleteRun(sc.run.ID); err != nil {
		s.logger.Error("run completion check failed", "run_id", sc.run.ID, "error", err)
	}

	return firstErr
}

// loadSendContext resolves the run's campaign, group, sender profile,
// provider adapter and active template version. Broken references are
// configuration errors and bury the job.
func (s *Service) loadSendContext(runID string, rateOverride float64) (*sendContext, error) {
	run, err := s.runs.GetByID(runID)
	if err != nil {
		return nil, fmt.Errorf("loading run: %w", err)
	}
	if run == nil {
		return nil, queue.NonRetryable(fmt.Errorf("%w: %s", ErrRunNotFound, runID))
	}

	campaign, err := s.campaigns.GetByID(run.CampaignID)
	if err != nil {
		return nil, fmt.Errorf("loading campaign: %w", err)
	}
	if campaign == nil {
		return nil, queue.NonRetryable(fmt.Errorf("%w: campaign %s", ErrMissingReference, run.CampaignID))
	}

	var group *models.CampaignGroup
	if campaign.GroupID != "" {
		group, err = s.campaigns.GetGroup(campaign.GroupID)
		if err != nil {
			return nil, fmt.Errorf("loading campaign group: %w", err)
		}
		if group == nil {
			return nil, queue.NonRetryable(fmt.Errorf("%w: group %s", ErrMissingReference, campaign.GroupID))
		}
	}

	profile, err := s.refs.GetSenderProfile(campaign.SenderProfileID)
	if err != nil {
		return nil, fmt.Errorf("loading sender profile: %w", err)
	}
	if profile == nil {
		return nil, queue.NonRetryable(fmt.Errorf("%w: sender profile %s", ErrMissingReference, campaign.SenderProfileID))
	}

	conn, err := s.refs.GetConnector(profile.ConnectorID)
	if err != nil {
		return nil, fmt.Errorf("loading provider connector: %w", err)
	}
	if conn == nil {
		return nil, queue.NonRetryable(fmt.Errorf("%w: connector %s", ErrMissingReference, profile.ConnectorID))
	}
	adapter, err := s.adapters(conn)
	if err != nil {
		return nil, queue.NonRetryable(fmt.Errorf("building provider adapter: %w", err))
	}

	tmpl, err := s.refs.GetActiveTemplateVersion(campaign.TemplateID)
	if err != nil {
		return nil, fmt.Errorf("loading template: %w", err)
	}
	if tmpl == nil {
		return nil, queue.NonRetryable(fmt.Errorf("%w: template %s has no active version", ErrMissingReference, campaign.TemplateID))
	}

	rate := rateOverride
	if rate <= 0 {
		rate = campaign.RatePerSecond
	}
	if rate <= 0 {
		rate = profile.RatePerSecond
	}
	if rate <= 0 {
		rate = s.cfg.DefaultPerSecond
	}

	return &sendContext{
		run:      run,
		campaign: campaign,
		group:    group,
		profile:  profile,
		tmpl:     tmpl,
		adapter:  adapter,
		rate:     rate,
	}, nil
}

// dispatchOne runs the full per-recipient sequence: terminal-state
// short-circuit, send-time collision re-check, idempotent send row,
// pacing, render, provider call, bookkeeping.
func (s *Service) dispatchOne(ctx context.Context, sc *sendContext, rec *models.Recipient, finalAttempt bool) error {
	if rec.Status != models.RecipientStatusPending {
		return nil
	}

	// Audiences for grouped campaigns can be built concurrently before
	// either campaign has sent, so the verdict is re-checked here with
	// the ledger as it stands now.
	if sc.group != nil {
		verdict, err := s.collisions.CheckOne(s.checkInput(sc.campaign, sc.group), rec.SubjectID)
		if err != nil {
			return err
		}
		if verdict.Blocked {
			if err := s.recipients.MarkSkipped(rec.ID, verdict.Reason); err != nil {
				return fmt.Errorf("marking recipient skipped: %w", err)
			}
			s.metrics.SendsTotal.WithLabelValues("skipped").Inc()
			return nil
		}
	}

	send, err := s.sends.UpsertQueued(rec.ID, rec, sc.run)
	if err != nil {
		return fmt.Errorf("claiming send: %w", err)
	}
	if send.Status == models.SendStatusSent || send.Status == models.SendStatusDelivered {
		// A prior attempt reached the provider but died before the job
		// completed. The message went out; only the local state lags.
		if rec.Status != models.RecipientStatusSent {
			if err := s.recipients.MarkSent(rec.ID); err != nil {
				return fmt.Errorf("repairing recipient state: %w", err)
			}
		}
		s.metrics.SendsTotal.WithLabelValues("short_circuit").Inc()
		return nil
	}

	if err := s.pace(ctx, sc); err != nil {
		return err
	}

	vars := render.Variables(rec.Email, rec.Variables)
	msg := &provider.Message{
		From:     sc.profile.FromEmail,
		FromName: sc.profile.FromName,
		ReplyTo:  sc.profile.ReplyTo,
		To:       rec.Email,
		Subject:  render.Render(sc.tmpl.Subject, vars),
		HTML:     render.Render(sc.tmpl.HTML, vars),
		Text:     render.Render(sc.tmpl.Text, vars),
	}

	s.metrics.SendAttemptsTotal.Inc()
	providerMessageID, sendErr := sc.adapter.Send(ctx, msg)
	if sendErr != nil {
		return s.recordFailure(sc, rec, send, sendErr, finalAttempt)
	}

	var logEntry *models.SendLog
	if sc.group != nil {
		logEntry = &models.SendLog{
			WorkspaceID: sc.run.WorkspaceID,
			SubjectID:   rec.SubjectID,
			GroupID:     sc.group.ID,
			CampaignID:  sc.campaign.ID,
			SentAt:      time.Now(),
		}
	}
	if err := s.sends.MarkSent(send.ID, rec.ID, providerMessageID, logEntry); err != nil {
		return fmt.Errorf("recording send: %w", err)
	}

	s.metrics.SendsTotal.WithLabelValues("sent").Inc()
	s.logger.Debug("recipient sent",
		"run_id", sc.run.ID, "recipient_id", rec.ID, "provider_message_id", providerMessageID)
	return nil
}

func (s *Service) recordFailure(sc *sendContext, rec *models.Recipient, send *models.Send, sendErr error, finalAttempt bool) error {
	if provider.IsPermanent(sendErr) || finalAttempt {
		if err := s.sends.MarkFailed(send.ID, rec.ID, sendErr.Error()); err != nil {
			return fmt.Errorf("recording send failure: %w", err)
		}
		s.metrics.SendsTotal.WithLabelValues("failed").Inc()
		s.logger.Warn("recipient failed",
			"run_id", sc.run.ID, "recipient_id", rec.ID, "error", sendErr)
		if provider.IsPermanent(sendErr) {
			return queue.NonRetryable(sendErr)
		}
		return sendErr
	}

	if err := s.sends.RecordRetryableError(send.ID, sendErr.Error()); err != nil {
		return fmt.Errorf("recording send error: %w", err)
	}
	return fmt.Errorf("provider send failed: %w", sendErr)
}

// pace blocks until the sender profile's rate limiter admits one send.
func (s *Service) pace(ctx context.Context, sc *sendContext) error {
	delay, err := ratelimit.Wait(ctx, s.pacer, sc.profile.ID, sc.rate)
	if err != nil {
		return fmt.Errorf("acquiring send slot: %w", err)
	}
	s.metrics.PacerDelaySeconds.Observe(delay.Seconds())
	return nil
}

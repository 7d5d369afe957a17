package feedback

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/go-playground/validator/v10"

	"github.com/lunamail/campaignd/internal/metrics"
	"github.com/lunamail/campaignd/internal/models"
	"github.com/lunamail/campaignd/internal/queue"
	"github.com/lunamail/campaignd/internal/store"
)

// Ingestor consumes feedback events off the queue and applies them to
// the send ledger and the suppression list.
type Ingestor struct {
	sends        *store.SendRepository
	suppressions *store.SuppressionRepository
	metrics      *metrics.Metrics
	logger       *slog.Logger
	validate     *validator.Validate
}

func NewIngestor(db *store.DB, m *metrics.Metrics, logger *slog.Logger) *Ingestor {
	return &Ingestor{
		sends:        store.NewSendRepository(db.DB),
		suppressions: store.NewSuppressionRepository(db.DB),
		metrics:      m,
		logger:       logger.With("component", "feedback"),
		validate:     validator.New(),
	}
}

// RegisterHandlers binds the ingestor's queue handler
func (i *Ingestor) RegisterHandlers(p *queue.Processor) {
	p.Register(queue.QueueFeedback, i.HandleEvent)
}

// HandleEvent applies one feedback event. Events that cannot be traced
// to a send are logged and dropped, not retried: the send they refer to
// will never appear later.
func (i *Ingestor) HandleEvent(ctx context.Context, job *queue.Job) error {
	var ev Event
	if err := json.Unmarshal(job.Payload, &ev); err != nil {
		return queue.NonRetryable(fmt.Errorf("invalid feedback payload: %w", err))
	}
	if err := i.validate.Struct(&ev); err != nil {
		return queue.NonRetryable(fmt.Errorf("invalid feedback payload: %w", err))
	}

	send, err := i.sends.GetByProviderMessageID(ev.ProviderMessageID)
	if err != nil {
		return fmt.Errorf("loading send: %w", err)
	}
	if send == nil {
		i.metrics.FeedbackOrphansTotal.Inc()
		i.logger.Warn("feedback event for unknown message",
			"provider_message_id", ev.ProviderMessageID, "type", ev.Type)
		return nil
	}

	switch ev.Type {
	case TypeDelivery:
		if err := i.sends.UpdateDeliveryStatus(send.ID, models.SendStatusDelivered, ""); err != nil {
			return fmt.Errorf("recording delivery: %w", err)
		}

	case TypeBounce:
		if err := i.sends.UpdateDeliveryStatus(send.ID, models.SendStatusBounced, ev.Diagnostic); err != nil {
			return fmt.Errorf("recording bounce: %w", err)
		}
		// Transient bounces (full mailbox, greylisting) do not suppress;
		// the address may work on the next campaign.
		if ev.Permanent {
			if err := i.suppress(send.WorkspaceID, ev.Recipients, models.SuppressionReasonBounce); err != nil {
				return err
			}
		}

	case TypeComplaint:
		if err := i.sends.UpdateDeliveryStatus(send.ID, models.SendStatusComplaint, ""); err != nil {
			return fmt.Errorf("recording complaint: %w", err)
		}
		if err := i.suppress(send.WorkspaceID, ev.Recipients, models.SuppressionReasonComplaint); err != nil {
			return err
		}
	}

	i.metrics.FeedbackEventsTotal.WithLabelValues(ev.Type).Inc()
	i.logger.Info("feedback event applied",
		"type", ev.Type, "send_id", send.ID, "recipients", len(ev.Recipients))
	return nil
}

func (i *Ingestor) suppress(workspaceID string, emails []string, reason string) error {
	for _, email := range emails {
		if email == "" {
			continue
		}
		if err := i.suppressions.Upsert(workspaceID, email, reason); err != nil {
			return fmt.Errorf("suppressing %s: %w", email, err)
		}
	}
	return nil
}

package feedback

import (
	"encoding/json"
	"fmt"
	"time"
)

// Event types
const (
	TypeDelivery  = "delivery"
	TypeBounce    = "bounce"
	TypeComplaint = "complaint"
)

// Event is a provider feedback notification normalized at the webhook
// boundary. WorkspaceID comes from the connector that owns the webhook
// token, never from the request body.
type Event struct {
	Type              string    `json:"type" validate:"required,oneof=delivery bounce complaint"`
	ProviderMessageID string    `json:"providerMessageId" validate:"required"`
	WorkspaceID       string    `json:"workspaceId" validate:"required"`
	Recipients        []string  `json:"recipients,omitempty"`
	Permanent         bool      `json:"permanent,omitempty"`
	Diagnostic        string    `json:"diagnostic,omitempty"`
	Timestamp         time.Time `json:"timestamp"`
}

// JobID derives the deterministic queue job id for this event, so a
// provider redelivering the same notification cannot enqueue it twice.
func (e *Event) JobID() string {
	return fmt.Sprintf("fb-%s-%s", e.ProviderMessageID, e.Type)
}

// snsEnvelope is the Amazon SNS message wrapper SES notifications
// arrive in.
type snsEnvelope struct {
	Type         string `json:"Type"`
	MessageID    string `json:"MessageId"`
	Message      string `json:"Message"`
	SubscribeURL string `json:"SubscribeURL"`
}

// sesNotification is the SES event payload carried inside an SNS
// envelope. SES publishes "notificationType" for feedback notifications
// and "eventType" for event-destination streams; both spellings occur.
type sesNotification struct {
	NotificationType string `json:"notificationType"`
	EventType        string `json:"eventType"`
	Mail             struct {
		MessageID string    `json:"messageId"`
		Timestamp time.Time `json:"timestamp"`
	} `json:"mail"`
	Bounce struct {
		BounceType        string    `json:"bounceType"`
		Timestamp         time.Time `json:"timestamp"`
		BouncedRecipients []struct {
			EmailAddress   string `json:"emailAddress"`
			DiagnosticCode string `json:"diagnosticCode"`
		} `json:"bouncedRecipients"`
	} `json:"bounce"`
	Complaint struct {
		Timestamp            time.Time `json:"timestamp"`
		ComplainedRecipients []struct {
			EmailAddress string `json:"emailAddress"`
		} `json:"complainedRecipients"`
	} `json:"complaint"`
	Delivery struct {
		Timestamp  time.Time `json:"timestamp"`
		Recipients []string  `json:"recipients"`
	} `json:"delivery"`
}

// parseSESNotification converts a raw SES notification into an Event.
// Unrecognized notification types return nil.
func parseSESNotification(raw []byte, workspaceID string) (*Event, error) {
	var n sesNotification
	if err := json.Unmarshal(raw, &n); err != nil {
		return nil, fmt.Errorf("parsing ses notification: %w", err)
	}

	kind := n.NotificationType
	if kind == "" {
		kind = n.EventType
	}

	ev := &Event{
		ProviderMessageID: n.Mail.MessageID,
		WorkspaceID:       workspaceID,
	}

	switch kind {
	case "Bounce":
		ev.Type = TypeBounce
		ev.Permanent = n.Bounce.BounceType == "Permanent"
		ev.Timestamp = n.Bounce.Timestamp
		for _, r := range n.Bounce.BouncedRecipients {
			ev.Recipients = append(ev.Recipients, r.EmailAddress)
			if ev.Diagnostic == "" {
				ev.Diagnostic = r.DiagnosticCode
			}
		}
	case "Complaint":
		ev.Type = TypeComplaint
		ev.Timestamp = n.Complaint.Timestamp
		for _, r := range n.Complaint.ComplainedRecipients {
			ev.Recipients = append(ev.Recipients, r.EmailAddress)
		}
	case "Delivery":
		ev.Type = TypeDelivery
		ev.Timestamp = n.Delivery.Timestamp
		ev.Recipients = n.Delivery.Recipients
	default:
		return nil, nil
	}

	if ev.ProviderMessageID == "" {
		return nil, fmt.Errorf("ses %s notification without message id", kind)
	}
	return ev, nil
}

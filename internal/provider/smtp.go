package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/gomail.v2"
)

// SMTPSettings are the connector settings for an SMTP provider
type SMTPSettings struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
}

// SMTPAdapter dispatches through a plain SMTP relay. SMTP has no native
// message id in the submission response, so a uuid is assigned and stamped
// into the Message-ID header for later correlation.
type SMTPAdapter struct {
	settings SMTPSettings
	dialer   *gomail.Dialer
}

// NewSMTPAdapter parses connector settings and builds the adapter
func NewSMTPAdapter(settingsJSON string) (*SMTPAdapter, error) {
	var s SMTPSettings
	if err := json.Unmarshal([]byte(settingsJSON), &s); err != nil {
		return nil, fmt.Errorf("invalid smtp connector settings: %w", err)
	}
	if s.Host == "" {
		return nil, fmt.Errorf("smtp connector settings missing host")
	}
	if s.Port == 0 {
		s.Port = 587
	}

	return &SMTPAdapter{
		settings: s,
		dialer:   gomail.NewDialer(s.Host, s.Port, s.Username, s.Password),
	}, nil
}

// Send dispatches one message and returns the assigned message id
func (a *SMTPAdapter) Send(ctx context.Context, msg *Message) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	messageID := uuid.New().String()
	domain := a.settings.Host
	if at := strings.LastIndex(msg.From, "@"); at >= 0 {
		domain = msg.From[at+1:]
	}

	m := gomail.NewMessage()
	m.SetHeader("From", formatFrom(msg.From, msg.FromName))
	m.SetHeader("To", msg.To)
	m.SetHeader("Subject", msg.Subject)
	m.SetHeader("Message-ID", fmt.Sprintf("<%s@%s>", messageID, domain))
	if msg.ReplyTo != "" {
		m.SetHeader("Reply-To", msg.ReplyTo)
	}

	if msg.Text != "" {
		m.SetBody("text/plain", msg.Text)
		if msg.HTML != "" {
			m.AddAlternative("text/html", msg.HTML)
		}
	} else {
		m.SetBody("text/html", msg.HTML)
	}

	if err := a.dialer.DialAndSend(m); err != nil {
		return "", classifySMTPError(err)
	}

	return messageID, nil
}

// classifySMTPError marks 5xx responses permanent; everything else
// (timeouts, 4xx, connection refused) stays retryable.
func classifySMTPError(err error) error {
	msg := err.Error()
	for _, code := range []string{"550", "551", "552", "553", "554"} {
		if strings.Contains(msg, code) {
			return Permanent(err)
		}
	}
	return err
}

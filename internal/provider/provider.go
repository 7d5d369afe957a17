package provider

import (
	"context"
	"errors"
	"fmt"

	"github.com/lunamail/campaignd/internal/models"
)

var ErrUnsupportedConnector = errors.New("unsupported connector type")

// Message is a rendered email ready for dispatch.
type Message struct {
	From     string
	FromName string
	ReplyTo  string
	To       string
	Subject  string
	HTML     string
	Text     string
}

// Adapter dispatches a rendered message through one provider and returns
// the provider's message id. The pipeline treats the network edge as
// at-least-once; bookkeeping idempotency lives above this interface.
type Adapter interface {
	Send(ctx context.Context, msg *Message) (providerMessageID string, err error)
}

// permanentError marks a provider failure that retrying will not fix
// (rejected recipient, bad credentials reported as permanent, etc.).
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps an error as non-transient.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// ForConnector builds the adapter for a provider connector. Unknown
// connector types are a configuration error, not a transient one.
func ForConnector(conn *models.Connector) (Adapter, error) {
	switch conn.Type {
	case models.ConnectorTypeSMTP:
		return NewSMTPAdapter(conn.Settings)
	case models.ConnectorTypeSES:
		return NewSESAdapter(conn.Settings)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedConnector, conn.Type)
	}
}

func formatFrom(email, name string) string {
	if name == "" {
		return email
	}
	return name + " <" + email + ">"
}

package segment

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lunamail/campaignd/internal/models"
)

var ErrUnsupportedConnector = errors.New("unsupported data connector type")

// PostgresSettings is the settings payload of a postgres data connector.
type PostgresSettings struct {
	DSN string `json:"dsn"`
}

// ForConnector builds a segment source for a data connector.
func ForConnector(conn *models.Connector, timeout time.Duration) (Source, error) {
	switch conn.Type {
	case models.ConnectorTypePostgres:
		var settings PostgresSettings
		if err := json.Unmarshal([]byte(conn.Settings), &settings); err != nil {
			return nil, fmt.Errorf("parsing postgres connector settings: %w", err)
		}
		if settings.DSN == "" {
			return nil, fmt.Errorf("postgres connector %s has no dsn", conn.ID)
		}
		return NewPostgresSource(settings.DSN, timeout)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedConnector, conn.Type)
	}
}

package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/lunamail/campaignd/internal/collision"
	"github.com/lunamail/campaignd/internal/metrics"
	"github.com/lunamail/campaignd/internal/models"
	"github.com/lunamail/campaignd/internal/provider"
	"github.com/lunamail/campaignd/internal/queue"
	"github.com/lunamail/campaignd/internal/ratelimit"
	"github.com/lunamail/campaignd/internal/segment"
	"github.com/lunamail/campaignd/internal/store"
)

var (
	ErrCampaignNotFound  = errors.New("campaign not found")
	ErrCampaignNotActive = errors.New("campaign is not active")
	ErrRunActive         = errors.New("campaign already has an active run")
	ErrRunNotFound       = errors.New("run not found")
	ErrRecipientNotFound = errors.New("recipient not found")
	ErrMissingReference  = errors.New("missing campaign reference")
)

// Enqueuer is the queue surface the pipeline needs
type Enqueuer interface {
	Enqueue(ctx context.Context, job *queue.Job) error
}

// SourceFactory builds a segment source for a data connector
type SourceFactory func(conn *models.Connector, timeout time.Duration) (segment.Source, error)

// AdapterFactory builds a provider adapter for a provider connector
type AdapterFactory func(conn *models.Connector) (provider.Adapter, error)

// Config tunes the pipeline service
type Config struct {
	BatchSize        int
	StaleRunAfter    time.Duration
	SendMaxAttempts  int
	DefaultPerSecond float64
	QueryTimeout     time.Duration
}

// Service executes the campaign pipeline: triggering, audience building,
// dispatch and run completion. All stages communicate through the store
// and the durable queue; the service holds no per-run state.
type Service struct {
	cfg    Config
	logger *slog.Logger

	campaigns    *store.CampaignRepository
	runs         *store.RunRepository
	recipients   *store.RecipientRepository
	sends        *store.SendRepository
	sendLog      *store.SendLogRepository
	suppressions *store.SuppressionRepository
	refs         *store.ReferenceRepository

	collisions *collision.Engine
	pacer      ratelimit.Pacer
	enqueuer   Enqueuer
	sources    SourceFactory
	adapters   AdapterFactory
	metrics    *metrics.Metrics

	validate *validator.Validate
}

// Deps collects the service's collaborators
type Deps struct {
	DB       *store.DB
	Pacer    ratelimit.Pacer
	Enqueuer Enqueuer
	Sources  SourceFactory
	Adapters AdapterFactory
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
}

// NewService creates the pipeline service
func NewService(cfg Config, deps Deps) *Service {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.StaleRunAfter <= 0 {
		cfg.StaleRunAfter = 30 * time.Minute
	}
	if cfg.SendMaxAttempts <= 0 {
		cfg.SendMaxAttempts = 5
	}
	if cfg.DefaultPerSecond <= 0 {
		cfg.DefaultPerSecond = 10
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = 30 * time.Second
	}
	if deps.Adapters == nil {
		deps.Adapters = provider.ForConnector
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New()
	}

	recipients := store.NewRecipientRepository(deps.DB.DB)
	sendLog := store.NewSendLogRepository(deps.DB.DB)

	return &Service{
		cfg:          cfg,
		logger:       deps.Logger.With("component", "pipeline"),
		campaigns:    store.NewCampaignRepository(deps.DB.DB),
		runs:         store.NewRunRepository(deps.DB.DB),
		recipients:   recipients,
		sends:        store.NewSendRepository(deps.DB.DB),
		sendLog:      sendLog,
		suppressions: store.NewSuppressionRepository(deps.DB.DB),
		refs:         store.NewReferenceRepository(deps.DB.DB),
		collisions:   collision.NewEngine(sendLog, recipients),
		pacer:        deps.Pacer,
		enqueuer:     deps.Enqueuer,
		sources:      deps.Sources,
		adapters:     deps.Adapters,
		metrics:      deps.Metrics,
		validate:     validator.New(),
	}
}

// RegisterHandlers binds the pipeline's queue handlers
func (s *Service) RegisterHandlers(p *queue.Processor) {
	p.Register(queue.QueueTrigger, s.HandleTrigger)
	p.Register(queue.QueueBuildAudience, s.HandleBuildAudience)
	p.Register(queue.QueueSend, s.HandleSend)
	p.Register(queue.QueueSendBatch, s.HandleSendBatch)
}

// Job payloads. Validated at the consumer boundary before any work runs.

type TriggerPayload struct {
	CampaignID string `json:"campaignId" validate:"required"`
}

type BuildAudiencePayload struct {
	RunID string `json:"runId" validate:"required"`
}

type SendPayload struct {
	RecipientID string `json:"recipientId" validate:"required"`
}

type SendBatchPayload struct {
	RunID         string   `json:"runId" validate:"required"`
	RecipientIDs  []string `json:"recipientIds" validate:"required,min=1,dive,required"`
	RatePerSecond float64  `json:"ratePerSecond" validate:"gte=0"`
}

func (s *Service) decode(job *queue.Job, payload any) error {
	if err := json.Unmarshal(job.Payload, payload); err != nil {
		return queue.NonRetryable(fmt.Errorf("invalid %s payload: %w", job.Queue, err))
	}
	if err := s.validate.Struct(payload); err != nil {
		return queue.NonRetryable(fmt.Errorf("invalid %s payload: %w", job.Queue, err))
	}
	return nil
}

func mustJSON(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err) // payload types marshal by construction
	}
	return data
}

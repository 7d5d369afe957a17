package feedback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/lunamail/campaignd/internal/metrics"
	"github.com/lunamail/campaignd/internal/models"
	"github.com/lunamail/campaignd/internal/pipeline"
	"github.com/lunamail/campaignd/internal/queue"
	"github.com/lunamail/campaignd/internal/store"
)

const maxBodyBytes = 1 << 20

// Enqueuer is the queue surface the webhook needs
type Enqueuer interface {
	Enqueue(ctx context.Context, job *queue.Job) error
}

// Triggerer starts a campaign run, backing the manual trigger endpoint
type Triggerer interface {
	Trigger(ctx context.Context, campaignID string) (*models.Run, error)
}

// Server receives provider feedback webhooks and serves the ops
// endpoints. Webhook handlers only normalize and enqueue; all state
// changes happen in the ingestor so a provider retry storm cannot
// outpace the store.
type Server struct {
	router     *chi.Mux
	httpServer *http.Server
	refs       *store.ReferenceRepository
	enqueuer   Enqueuer
	triggerer  Triggerer
	metrics    *metrics.Metrics
	logger     *slog.Logger
	addr       string
	confirmer  *http.Client
}

// NewServer creates the webhook server
func NewServer(addr string, refs *store.ReferenceRepository, enqueuer Enqueuer, triggerer Triggerer, m *metrics.Metrics, logger *slog.Logger) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		refs:      refs,
		enqueuer:  enqueuer,
		triggerer: triggerer,
		metrics:   m,
		logger:    logger.With("component", "webhook"),
		addr:      addr,
		confirmer: &http.Client{Timeout: 10 * time.Second},
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Recoverer)

	s.router.Get("/healthz", s.handleHealth)
	s.router.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	s.router.Post("/webhooks/{provider}/{token}", s.handleWebhook)
	s.router.Post("/campaigns/{id}/trigger", s.handleTrigger)
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	campaignID := chi.URLParam(r, "id")

	run, err := s.triggerer.Trigger(r.Context(), campaignID)
	switch {
	case err == nil:
		s.sendJSON(w, http.StatusAccepted, run)
	case errors.Is(err, pipeline.ErrCampaignNotFound):
		s.sendError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, pipeline.ErrCampaignNotActive), errors.Is(err, pipeline.ErrRunActive):
		s.sendError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error("trigger failed", "campaign_id", campaignID, "error", err)
		s.sendError(w, http.StatusInternalServerError, "trigger failed")
	}
}

// ListenAndServe starts the HTTP server
func (s *Server) ListenAndServe() error {
	s.httpServer = &http.Server{
		Addr:         s.addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("starting webhook server", "addr", s.addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down webhook server")
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// Router exposes the handler for tests
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	providerName := chi.URLParam(r, "provider")
	token := chi.URLParam(r, "token")

	conn, err := s.refs.GetConnectorByWebhookToken(token)
	if err != nil {
		s.sendError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	if conn == nil {
		// Token mismatches get the same shape as unknown routes so the
		// endpoint cannot be probed for valid tokens.
		http.NotFound(w, r)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		s.sendError(w, http.StatusBadRequest, "unreadable body")
		return
	}

	var events []*Event
	switch providerName {
	case models.ConnectorTypeSES:
		events, err = s.parseSNS(body, conn.WorkspaceID)
	default:
		events, err = parseDirect(body, conn.WorkspaceID)
	}
	if err != nil {
		s.logger.Warn("rejected webhook payload",
			"provider", providerName, "connector_id", conn.ID, "error", err)
		s.sendError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	for _, ev := range events {
		payload, err := json.Marshal(ev)
		if err != nil {
			s.sendError(w, http.StatusInternalServerError, "encode failed")
			return
		}
		job := &queue.Job{
			ID:          ev.JobID(),
			Queue:       queue.QueueFeedback,
			Payload:     payload,
			MaxAttempts: 5,
		}
		if err := s.enqueuer.Enqueue(r.Context(), job); err != nil {
			s.sendError(w, http.StatusInternalServerError, "enqueue failed")
			return
		}
	}

	s.sendJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// parseSNS unwraps the SNS envelope SES notifications arrive in.
// Subscription confirmations are completed inline and produce no events.
func (s *Server) parseSNS(body []byte, workspaceID string) ([]*Event, error) {
	var env snsEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("parsing sns envelope: %w", err)
	}

	switch env.Type {
	case "SubscriptionConfirmation":
		if env.SubscribeURL == "" {
			return nil, fmt.Errorf("subscription confirmation without subscribe url")
		}
		resp, err := s.confirmer.Get(env.SubscribeURL)
		if err != nil {
			return nil, fmt.Errorf("confirming sns subscription: %w", err)
		}
		resp.Body.Close()
		s.logger.Info("confirmed sns subscription", "message_id", env.MessageID)
		return nil, nil

	case "Notification":
		ev, err := parseSESNotification([]byte(env.Message), workspaceID)
		if err != nil {
			return nil, err
		}
		if ev == nil {
			return nil, nil
		}
		return []*Event{ev}, nil

	default:
		return nil, fmt.Errorf("unsupported sns message type %q", env.Type)
	}
}

// parseDirect accepts the normalized event format for providers that
// post plain JSON.
func parseDirect(body []byte, workspaceID string) ([]*Event, error) {
	var ev Event
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, fmt.Errorf("parsing event: %w", err)
	}
	ev.WorkspaceID = workspaceID
	if ev.Type == "" || ev.ProviderMessageID == "" {
		return nil, fmt.Errorf("event missing type or message id")
	}
	return []*Event{&ev}, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"remote_addr", r.RemoteAddr,
		)
	})
}

func (s *Server) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) sendError(w http.ResponseWriter, status int, message string) {
	s.sendJSON(w, status, map[string]string{"error": message})
}

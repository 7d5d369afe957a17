package pipeline

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/lunamail/campaignd/internal/metrics"
	"github.com/lunamail/campaignd/internal/models"
	"github.com/lunamail/campaignd/internal/provider"
	"github.com/lunamail/campaignd/internal/queue"
	"github.com/lunamail/campaignd/internal/segment"
	"github.com/lunamail/campaignd/internal/store"
)

// fakeQueue records enqueued jobs with the same duplicate-id semantics
// as the durable queue.
type fakeQueue struct {
	jobs []*queue.Job
	ids  map[string]bool
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{ids: map[string]bool{}}
}

func (q *fakeQueue) Enqueue(ctx context.Context, job *queue.Job) error {
	if q.ids[job.ID] {
		return nil
	}
	q.ids[job.ID] = true
	q.jobs = append(q.jobs, job)
	return nil
}

func (q *fakeQueue) byQueue(name string) []*queue.Job {
	var out []*queue.Job
	for _, j := range q.jobs {
		if j.Queue == name {
			out = append(out, j)
		}
	}
	return out
}

type fakeAdapter struct {
	calls []string
	errs  map[string]error // keyed by recipient address
	seq   int
}

func (a *fakeAdapter) Send(ctx context.Context, msg *provider.Message) (string, error) {
	a.calls = append(a.calls, msg.To)
	if err := a.errs[msg.To]; err != nil {
		return "", err
	}
	a.seq++
	return fmt.Sprintf("pm-%d", a.seq), nil
}

type fakeSource struct {
	rows []segment.Row
	err  error
}

func (s *fakeSource) Query(ctx context.Context, query string) ([]segment.Row, error) {
	return s.rows, s.err
}

func (s *fakeSource) Close() error { return nil }

type nopPacer struct{}

func (nopPacer) Acquire(ctx context.Context, key string, perSecond float64) (time.Duration, error) {
	return 0, nil
}

type testEnv struct {
	db      *store.DB
	queue   *fakeQueue
	adapter *fakeAdapter
	source  *fakeSource

	campaigns    *store.CampaignRepository
	runs         *store.RunRepository
	recipients   *store.RecipientRepository
	sends        *store.SendRepository
	sendLog      *store.SendLogRepository
	suppressions *store.SuppressionRepository
	refs         *store.ReferenceRepository
}

func newTestService(t *testing.T) (*Service, *testEnv) {
	t.Helper()

	sqlDB, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { sqlDB.Close() })
	if _, err := sqlDB.Exec("PRAGMA foreign_keys = ON"); err != nil {
		t.Fatalf("failed to enable foreign keys: %v", err)
	}
	if err := store.Migrate(sqlDB); err != nil {
		t.Fatalf("migration failed: %v", err)
	}

	env := &testEnv{
		db:           &store.DB{DB: sqlDB},
		queue:        newFakeQueue(),
		adapter:      &fakeAdapter{errs: map[string]error{}},
		source:       &fakeSource{},
		campaigns:    store.NewCampaignRepository(sqlDB),
		runs:         store.NewRunRepository(sqlDB),
		recipients:   store.NewRecipientRepository(sqlDB),
		sends:        store.NewSendRepository(sqlDB),
		sendLog:      store.NewSendLogRepository(sqlDB),
		suppressions: store.NewSuppressionRepository(sqlDB),
		refs:         store.NewReferenceRepository(sqlDB),
	}

	env.mustCreate(t, env.refs.CreateConnector(&models.Connector{
		ID: "conn-data", WorkspaceID: "ws1", Name: "warehouse",
		Type: models.ConnectorTypePostgres, Settings: `{"dsn":"postgres://ro@db/app"}`,
	}))
	env.mustCreate(t, env.refs.CreateConnector(&models.Connector{
		ID: "conn-smtp", WorkspaceID: "ws1", Name: "relay",
		Type: models.ConnectorTypeSMTP, Settings: `{"host":"smtp.example.com"}`,
	}))
	env.mustCreate(t, env.refs.CreateSenderProfile(&models.SenderProfile{
		ID: "profile-1", WorkspaceID: "ws1", Name: "default",
		FromEmail: "news@example.com", FromName: "Example News", ConnectorID: "conn-smtp",
	}))
	env.mustCreate(t, env.refs.CreateSegment(&models.Segment{
		ID: "segment-1", WorkspaceID: "ws1", Name: "active users",
		ConnectorID: "conn-data", SQL: "SELECT id, email FROM users WHERE active",
	}))
	env.mustCreate(t, env.refs.CreateTemplate(
		&models.Template{ID: "template-1", WorkspaceID: "ws1", Name: "newsletter"},
		&models.TemplateVersion{Version: 1, Subject: "Hello {{name}}", HTML: "<p>Hi {{email}}</p>", Text: "Hi"},
	))

	svc := NewService(Config{BatchSize: 2, SendMaxAttempts: 3}, Deps{
		DB:       env.db,
		Pacer:    nopPacer{},
		Enqueuer: env.queue,
		Sources: func(conn *models.Connector, timeout time.Duration) (segment.Source, error) {
			return env.source, nil
		},
		Adapters: func(conn *models.Connector) (provider.Adapter, error) {
			return env.adapter, nil
		},
		Metrics: metrics.New(),
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return svc, env
}

func (e *testEnv) mustCreate(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("fixture setup failed: %v", err)
	}
}

func (e *testEnv) createCampaign(t *testing.T, mutate func(*models.Campaign)) *models.Campaign {
	t.Helper()

	c := &models.Campaign{
		ID:              uuid.New().String(),
		WorkspaceID:     "ws1",
		Name:            "spring newsletter",
		Status:          models.CampaignStatusActive,
		Priority:        100,
		TemplateID:      "template-1",
		SegmentID:       "segment-1",
		SenderProfileID: "profile-1",
	}
	if mutate != nil {
		mutate(c)
	}
	if err := e.campaigns.Create(c); err != nil {
		t.Fatalf("failed to create campaign: %v", err)
	}
	return c
}

// drain processes every job currently queued, including jobs enqueued by
// the handlers it invokes, failing the test on any handler error.
func (e *testEnv) drain(t *testing.T, svc *Service) {
	t.Helper()
	ctx := context.Background()

	for i := 0; i < len(e.queue.jobs); i++ {
		job := e.queue.jobs[i]
		job.Attempts = 1

		var err error
		switch job.Queue {
		case queue.QueueTrigger:
			err = svc.HandleTrigger(ctx, job)
		case queue.QueueBuildAudience:
			err = svc.HandleBuildAudience(ctx, job)
		case queue.QueueSend:
			err = svc.HandleSend(ctx, job)
		case queue.QueueSendBatch:
			err = svc.HandleSendBatch(ctx, job)
		default:
			t.Fatalf("unexpected queue %s", job.Queue)
		}
		if err != nil {
			t.Fatalf("handler for %s/%s failed: %v", job.Queue, job.ID, err)
		}
	}
}

func TestTriggerConflicts(t *testing.T) {
	svc, env := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Trigger(ctx, "no-such-campaign"); !errors.Is(err, ErrCampaignNotFound) {
		t.Errorf("expected ErrCampaignNotFound, got %v", err)
	}

	draft := env.createCampaign(t, func(c *models.Campaign) { c.Status = models.CampaignStatusDraft })
	if _, err := svc.Trigger(ctx, draft.ID); !errors.Is(err, ErrCampaignNotActive) {
		t.Errorf("expected ErrCampaignNotActive, got %v", err)
	}

	active := env.createCampaign(t, nil)
	run, err := svc.Trigger(ctx, active.ID)
	if err != nil {
		t.Fatalf("Trigger failed: %v", err)
	}
	if run.Status != models.RunStatusCreated {
		t.Errorf("run status: %s", run.Status)
	}
	if _, err := svc.Trigger(ctx, active.ID); !errors.Is(err, ErrRunActive) {
		t.Errorf("expected ErrRunActive, got %v", err)
	}

	// The trigger recorded the campaign's last trigger time.
	reloaded, _ := env.campaigns.GetByID(active.ID)
	if reloaded.LastTriggeredAt == nil {
		t.Error("last triggered time not recorded")
	}
}

func TestHandleTriggerSwallowsConflicts(t *testing.T) {
	svc, env := newTestService(t)
	ctx := context.Background()

	campaign := env.createCampaign(t, nil)
	if _, err := svc.Trigger(ctx, campaign.ID); err != nil {
		t.Fatalf("Trigger failed: %v", err)
	}

	// A scheduler trigger arriving while a run is active is dropped, not
	// retried.
	job := &queue.Job{
		ID: "trigger-x", Queue: queue.QueueTrigger,
		Payload: mustJSON(TriggerPayload{CampaignID: campaign.ID}), MaxAttempts: 3,
	}
	if err := svc.HandleTrigger(ctx, job); err != nil {
		t.Errorf("conflict should not propagate: %v", err)
	}

	bad := &queue.Job{ID: "trigger-y", Queue: queue.QueueTrigger, Payload: []byte(`{}`)}
	err := svc.HandleTrigger(ctx, bad)
	if !queue.IsNonRetryable(err) {
		t.Errorf("invalid payload should be non-retryable, got %v", err)
	}
}

func TestPipelineHappyPath(t *testing.T) {
	svc, env := newTestService(t)
	ctx := context.Background()

	env.source.rows = []segment.Row{
		{SubjectID: "u1", Email: "a@example.com", Variables: `{"name":"Ann"}`},
		{SubjectID: "u2", Email: "b@example.com"},
		{SubjectID: "u3", Email: "c@example.com"},
	}

	campaign := env.createCampaign(t, nil)
	run, err := svc.Trigger(ctx, campaign.ID)
	if err != nil {
		t.Fatalf("Trigger failed: %v", err)
	}
	env.drain(t, svc)

	if got := len(env.adapter.calls); got != 3 {
		t.Fatalf("adapter called %d times, want 3", got)
	}

	final, _ := env.runs.GetByID(run.ID)
	if final.Status != models.RunStatusCompleted {
		t.Fatalf("run status: %s", final.Status)
	}
	if final.CompletedAt == nil {
		t.Error("completed run missing completion time")
	}
	if !strings.Contains(final.Stats, `"sent":3`) {
		t.Errorf("run stats: %s", final.Stats)
	}

	counts, _ := env.recipients.CountByStatus(run.ID)
	if counts.Sent != 3 || counts.Pending != 0 {
		t.Errorf("recipient counts: %+v", counts)
	}

	// Rendered output picked up the recipient variables.
	send, _ := env.sends.GetByKey(firstRecipientID(t, env, run.ID, "u1"))
	if send == nil || send.Status != models.SendStatusSent || send.ProviderMessageID == "" {
		t.Errorf("send row: %+v", send)
	}

	// A manually triggered campaign is done once its run is.
	reloaded, _ := env.campaigns.GetByID(campaign.ID)
	if reloaded.Status != models.CampaignStatusCompleted {
		t.Errorf("campaign status: %s", reloaded.Status)
	}
}

func TestScheduledCampaignStaysActive(t *testing.T) {
	svc, env := newTestService(t)
	ctx := context.Background()

	env.source.rows = []segment.Row{{SubjectID: "u1", Email: "a@example.com"}}
	campaign := env.createCampaign(t, func(c *models.Campaign) { c.Schedule = "0 9 * * *" })

	if _, err := svc.Trigger(ctx, campaign.ID); err != nil {
		t.Fatalf("Trigger failed: %v", err)
	}
	env.drain(t, svc)

	reloaded, _ := env.campaigns.GetByID(campaign.ID)
	if reloaded.Status != models.CampaignStatusActive {
		t.Errorf("scheduled campaign must stay active, got %s", reloaded.Status)
	}
}

func TestSuppressedRecipientSkipped(t *testing.T) {
	svc, env := newTestService(t)
	ctx := context.Background()

	env.source.rows = []segment.Row{
		{SubjectID: "u1", Email: "blocked@example.com"},
		{SubjectID: "u2", Email: "ok@example.com"},
	}
	if err := env.suppressions.Upsert("ws1", "Blocked@Example.com", models.SuppressionReasonBounce); err != nil {
		t.Fatalf("suppression setup failed: %v", err)
	}

	campaign := env.createCampaign(t, nil)
	run, _ := svc.Trigger(ctx, campaign.ID)
	env.drain(t, svc)

	if len(env.adapter.calls) != 1 || env.adapter.calls[0] != "ok@example.com" {
		t.Fatalf("adapter calls: %v", env.adapter.calls)
	}

	rec := recipientBySubject(t, env, run.ID, "u1")
	if rec.Status != models.RecipientStatusSkipped {
		t.Errorf("recipient status: %s", rec.Status)
	}
	if rec.SkipReason != models.SkipPrefixSuppression+models.SuppressionReasonBounce {
		t.Errorf("skip reason: %s", rec.SkipReason)
	}

	final, _ := env.runs.GetByID(run.ID)
	if final.Status != models.RunStatusCompleted {
		t.Errorf("run status: %s", final.Status)
	}
	if !strings.Contains(final.Stats, `"suppression":1`) {
		t.Errorf("run stats: %s", final.Stats)
	}
}

func TestCollisionWindowSkipsAtBuildTime(t *testing.T) {
	svc, env := newTestService(t)
	ctx := context.Background()

	group := &models.CampaignGroup{
		ID: "grp1", WorkspaceID: "ws1", Name: "promos",
		WindowSeconds: 7200, Policy: models.PolicyFirstQueuedWins,
	}
	if err := env.campaigns.CreateGroup(group); err != nil {
		t.Fatalf("group setup failed: %v", err)
	}
	// u1 was served by another campaign in the group an hour ago.
	if err := env.sendLog.Append(&models.SendLog{
		WorkspaceID: "ws1", SubjectID: "u1", GroupID: "grp1",
		CampaignID: "other-campaign", SentAt: time.Now().Add(-time.Hour),
	}); err != nil {
		t.Fatalf("send log setup failed: %v", err)
	}

	env.source.rows = []segment.Row{
		{SubjectID: "u1", Email: "a@example.com"},
		{SubjectID: "u2", Email: "b@example.com"},
	}
	campaign := env.createCampaign(t, func(c *models.Campaign) { c.GroupID = "grp1" })
	run, _ := svc.Trigger(ctx, campaign.ID)
	env.drain(t, svc)

	rec := recipientBySubject(t, env, run.ID, "u1")
	if rec.Status != models.RecipientStatusSkipped || rec.SkipReason != "collision:already_sent" {
		t.Errorf("u1: status=%s reason=%s", rec.Status, rec.SkipReason)
	}
	if len(env.adapter.calls) != 1 || env.adapter.calls[0] != "b@example.com" {
		t.Errorf("adapter calls: %v", env.adapter.calls)
	}

	// The successful send appended its own collision fact.
	var n int
	err := env.db.QueryRow(
		`SELECT COUNT(*) FROM send_log WHERE group_id = ? AND subject_id = ?`, "grp1", "u2",
	).Scan(&n)
	if err != nil {
		t.Fatalf("send log count failed: %v", err)
	}
	if n != 1 {
		t.Errorf("send log entries for u2: %d", n)
	}
}

func TestCollisionPriorityBlocksLowerCampaign(t *testing.T) {
	svc, env := newTestService(t)
	ctx := context.Background()

	group := &models.CampaignGroup{
		ID: "grp1", WorkspaceID: "ws1", Name: "promos",
		WindowSeconds: 3600, Policy: models.PolicyHighestPriorityWins,
	}
	if err := env.campaigns.CreateGroup(group); err != nil {
		t.Fatalf("group setup failed: %v", err)
	}

	// An urgent campaign holds a pending recipient for u1.
	urgent := env.createCampaign(t, func(c *models.Campaign) {
		c.GroupID = "grp1"
		c.Priority = 10
	})
	urgentRun := &models.Run{ID: "run-urgent", CampaignID: urgent.ID, WorkspaceID: "ws1", Status: models.RunStatusSending}
	if err := env.runs.Create(urgentRun); err != nil {
		t.Fatalf("run setup failed: %v", err)
	}
	if err := env.runs.UpdateStatus(urgentRun.ID, models.RunStatusSending); err != nil {
		t.Fatalf("run setup failed: %v", err)
	}
	if err := env.recipients.BulkInsert([]models.Recipient{{
		ID: "rec-urgent", RunID: urgentRun.ID, SubjectID: "u1",
		Email: "a@example.com", Status: models.RecipientStatusPending,
	}}); err != nil {
		t.Fatalf("recipient setup failed: %v", err)
	}

	env.source.rows = []segment.Row{
		{SubjectID: "u1", Email: "a@example.com"},
		{SubjectID: "u2", Email: "b@example.com"},
	}
	newsletter := env.createCampaign(t, func(c *models.Campaign) { c.GroupID = "grp1" })
	run, _ := svc.Trigger(ctx, newsletter.ID)
	env.drain(t, svc)

	rec := recipientBySubject(t, env, run.ID, "u1")
	if rec.Status != models.RecipientStatusSkipped || rec.SkipReason != "collision:lower_priority" {
		t.Errorf("u1: status=%s reason=%s", rec.Status, rec.SkipReason)
	}
	if len(env.adapter.calls) != 1 || env.adapter.calls[0] != "b@example.com" {
		t.Errorf("adapter calls: %v", env.adapter.calls)
	}
}

func TestCollisionWindowYieldsToHigherPrecedence(t *testing.T) {
	svc, env := newTestService(t)
	ctx := context.Background()

	group := &models.CampaignGroup{
		ID: "grp1", WorkspaceID: "ws1", Name: "promos",
		WindowSeconds: 86400, Policy: models.PolicyHighestPriorityWins,
	}
	if err := env.campaigns.CreateGroup(group); err != nil {
		t.Fatalf("group setup failed: %v", err)
	}

	// The priority-2 newsletter reaches user-123 first.
	env.source.rows = []segment.Row{{SubjectID: "user-123", Email: "a@example.com"}}
	newsletter := env.createCampaign(t, func(c *models.Campaign) {
		c.GroupID = "grp1"
		c.Priority = 2
	})
	svc.Trigger(ctx, newsletter.ID)
	env.drain(t, svc)
	if len(env.adapter.calls) != 1 {
		t.Fatalf("adapter calls after newsletter: %v", env.adapter.calls)
	}

	// The priority-1 campaign still proceeds inside the window.
	urgent := env.createCampaign(t, func(c *models.Campaign) {
		c.GroupID = "grp1"
		c.Priority = 1
	})
	urgentRun, _ := svc.Trigger(ctx, urgent.ID)
	env.drain(t, svc)

	rec := recipientBySubject(t, env, urgentRun.ID, "user-123")
	if rec.Status != models.RecipientStatusSent {
		t.Errorf("urgent recipient: status=%s reason=%s", rec.Status, rec.SkipReason)
	}
	if len(env.adapter.calls) != 2 {
		t.Errorf("adapter calls after urgent: %v", env.adapter.calls)
	}

	// A later lower-precedence campaign is held by the window, which now
	// contains the priority-1 entry.
	followup := env.createCampaign(t, func(c *models.Campaign) {
		c.GroupID = "grp1"
		c.Priority = 2
	})
	followupRun, err := svc.Trigger(ctx, followup.ID)
	if err != nil {
		t.Fatalf("followup trigger failed: %v", err)
	}
	env.drain(t, svc)

	rec = recipientBySubject(t, env, followupRun.ID, "user-123")
	if rec.Status != models.RecipientStatusSkipped || rec.SkipReason != "collision:already_sent" {
		t.Errorf("followup recipient: status=%s reason=%s", rec.Status, rec.SkipReason)
	}
	if len(env.adapter.calls) != 2 {
		t.Errorf("adapter calls after followup: %v", env.adapter.calls)
	}
}

func TestSendAllPolicyNeverBlocks(t *testing.T) {
	svc, env := newTestService(t)
	ctx := context.Background()

	group := &models.CampaignGroup{
		ID: "grp1", WorkspaceID: "ws1", Name: "transactional",
		WindowSeconds: 3600, Policy: models.PolicySendAll,
	}
	if err := env.campaigns.CreateGroup(group); err != nil {
		t.Fatalf("group setup failed: %v", err)
	}
	if err := env.sendLog.Append(&models.SendLog{
		WorkspaceID: "ws1", SubjectID: "u1", GroupID: "grp1",
		CampaignID: "other-campaign", SentAt: time.Now().Add(-time.Minute),
	}); err != nil {
		t.Fatalf("send log setup failed: %v", err)
	}

	env.source.rows = []segment.Row{{SubjectID: "u1", Email: "a@example.com"}}
	campaign := env.createCampaign(t, func(c *models.Campaign) { c.GroupID = "grp1" })
	run, _ := svc.Trigger(ctx, campaign.ID)
	env.drain(t, svc)

	if len(env.adapter.calls) != 1 {
		t.Fatalf("adapter calls: %v", env.adapter.calls)
	}
	final, _ := env.runs.GetByID(run.ID)
	if final.Status != models.RunStatusCompleted {
		t.Errorf("run status: %s", final.Status)
	}
}

func TestSendRedeliveryShortCircuits(t *testing.T) {
	svc, env := newTestService(t)
	ctx := context.Background()

	env.source.rows = []segment.Row{{SubjectID: "u1", Email: "a@example.com"}}
	campaign := env.createCampaign(t, nil)
	svc.Trigger(ctx, campaign.ID)
	env.drain(t, svc)

	if len(env.adapter.calls) != 1 {
		t.Fatalf("adapter calls after first pass: %v", env.adapter.calls)
	}

	// Redeliver the send job as the queue would after a worker crash.
	sendJobs := env.queue.byQueue(queue.QueueSend)
	if len(sendJobs) != 1 {
		t.Fatalf("send jobs: %d", len(sendJobs))
	}
	redelivered := *sendJobs[0]
	redelivered.Attempts = 2
	if err := svc.HandleSend(ctx, &redelivered); err != nil {
		t.Fatalf("redelivered send failed: %v", err)
	}

	if len(env.adapter.calls) != 1 {
		t.Errorf("provider called again on redelivery: %v", env.adapter.calls)
	}
}

func TestPermanentFailureMarksRecipientFailed(t *testing.T) {
	svc, env := newTestService(t)
	ctx := context.Background()

	env.source.rows = []segment.Row{
		{SubjectID: "u1", Email: "gone@example.com"},
		{SubjectID: "u2", Email: "ok@example.com"},
	}
	env.adapter.errs["gone@example.com"] = provider.Permanent(errors.New("550 user unknown"))

	campaign := env.createCampaign(t, nil)
	run, _ := svc.Trigger(ctx, campaign.ID)

	// Build and fan out, then dispatch each send by hand since one fails.
	for _, job := range env.queue.byQueue(queue.QueueBuildAudience) {
		job.Attempts = 1
		if err := svc.HandleBuildAudience(ctx, job); err != nil {
			t.Fatalf("build failed: %v", err)
		}
	}
	var sendErrs []error
	for _, job := range env.queue.byQueue(queue.QueueSend) {
		job.Attempts = 1
		if err := svc.HandleSend(ctx, job); err != nil {
			sendErrs = append(sendErrs, err)
		}
	}

	if len(sendErrs) != 1 || !queue.IsNonRetryable(sendErrs[0]) {
		t.Fatalf("expected one non-retryable send error, got %v", sendErrs)
	}

	rec := recipientBySubject(t, env, run.ID, "u1")
	if rec.Status != models.RecipientStatusFailed {
		t.Errorf("failed recipient status: %s", rec.Status)
	}

	// The failure was terminal, so the run still completes.
	final, _ := env.runs.GetByID(run.ID)
	if final.Status != models.RunStatusCompleted {
		t.Fatalf("run status: %s", final.Status)
	}
	if !strings.Contains(final.Stats, `"sent":1`) || !strings.Contains(final.Stats, `"failed":1`) {
		t.Errorf("run stats: %s", final.Stats)
	}
}

func TestRetryableFailureKeepsRunOpen(t *testing.T) {
	svc, env := newTestService(t)
	ctx := context.Background()

	env.source.rows = []segment.Row{{SubjectID: "u1", Email: "flaky@example.com"}}
	env.adapter.errs["flaky@example.com"] = errors.New("421 try again later")

	campaign := env.createCampaign(t, nil)
	run, _ := svc.Trigger(ctx, campaign.ID)
	for _, job := range env.queue.byQueue(queue.QueueBuildAudience) {
		job.Attempts = 1
		if err := svc.HandleBuildAudience(ctx, job); err != nil {
			t.Fatalf("build failed: %v", err)
		}
	}

	sendJob := env.queue.byQueue(queue.QueueSend)[0]
	sendJob.Attempts = 1
	err := svc.HandleSend(ctx, sendJob)
	if err == nil || queue.IsNonRetryable(err) {
		t.Fatalf("expected retryable error, got %v", err)
	}

	rec := recipientBySubject(t, env, run.ID, "u1")
	if rec.Status != models.RecipientStatusPending {
		t.Errorf("recipient must stay pending for the retry, got %s", rec.Status)
	}
	final, _ := env.runs.GetByID(run.ID)
	if final.Status != models.RunStatusSending {
		t.Errorf("run must stay open, got %s", final.Status)
	}

	// The retry succeeds and closes the run.
	delete(env.adapter.errs, "flaky@example.com")
	sendJob.Attempts = 2
	if err := svc.HandleSend(ctx, sendJob); err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	final, _ = env.runs.GetByID(run.ID)
	if final.Status != models.RunStatusCompleted {
		t.Errorf("run status after retry: %s", final.Status)
	}
}

func TestFinalAttemptFailureClosesRun(t *testing.T) {
	svc, env := newTestService(t)
	ctx := context.Background()

	env.source.rows = []segment.Row{{SubjectID: "u1", Email: "flaky@example.com"}}
	env.adapter.errs["flaky@example.com"] = errors.New("timeout")

	campaign := env.createCampaign(t, nil)
	run, _ := svc.Trigger(ctx, campaign.ID)
	for _, job := range env.queue.byQueue(queue.QueueBuildAudience) {
		job.Attempts = 1
		svc.HandleBuildAudience(ctx, job)
	}

	sendJob := env.queue.byQueue(queue.QueueSend)[0]
	sendJob.Attempts = sendJob.MaxAttempts
	if err := svc.HandleSend(ctx, sendJob); err == nil {
		t.Fatal("expected error on final attempt")
	}

	rec := recipientBySubject(t, env, run.ID, "u1")
	if rec.Status != models.RecipientStatusFailed {
		t.Errorf("recipient status: %s", rec.Status)
	}
	// A recipient that exhausted its attempts must not hold the run open.
	final, _ := env.runs.GetByID(run.ID)
	if final.Status != models.RunStatusCompleted {
		t.Errorf("run status: %s", final.Status)
	}
}

func TestEmptyAudienceCompletesImmediately(t *testing.T) {
	svc, env := newTestService(t)
	ctx := context.Background()

	env.source.rows = nil
	campaign := env.createCampaign(t, nil)
	run, _ := svc.Trigger(ctx, campaign.ID)
	env.drain(t, svc)

	if jobs := env.queue.byQueue(queue.QueueSend); len(jobs) != 0 {
		t.Errorf("send jobs for an empty audience: %d", len(jobs))
	}
	final, _ := env.runs.GetByID(run.ID)
	if final.Status != models.RunStatusCompleted {
		t.Errorf("run status: %s", final.Status)
	}
	if !strings.Contains(final.Stats, `"total":0`) {
		t.Errorf("run stats: %s", final.Stats)
	}
}

func TestSegmentQueryFailureFailsRun(t *testing.T) {
	svc, env := newTestService(t)
	ctx := context.Background()

	env.source.err = errors.New("relation \"users\" does not exist")
	campaign := env.createCampaign(t, nil)
	run, _ := svc.Trigger(ctx, campaign.ID)

	job := env.queue.byQueue(queue.QueueBuildAudience)[0]
	job.Attempts = 1
	err := svc.HandleBuildAudience(ctx, job)
	if !queue.IsNonRetryable(err) {
		t.Fatalf("expected non-retryable error, got %v", err)
	}

	final, _ := env.runs.GetByID(run.ID)
	if final.Status != models.RunStatusFailed {
		t.Errorf("run status: %s", final.Status)
	}
	if !strings.Contains(final.Error, "segment query failed") {
		t.Errorf("run error: %s", final.Error)
	}
}

func TestBuildAudienceRedeliveryIsIdempotent(t *testing.T) {
	svc, env := newTestService(t)
	ctx := context.Background()

	env.source.rows = []segment.Row{
		{SubjectID: "u1", Email: "a@example.com"},
		{SubjectID: "u2", Email: "b@example.com"},
	}
	campaign := env.createCampaign(t, nil)
	run, _ := svc.Trigger(ctx, campaign.ID)

	buildJob := env.queue.byQueue(queue.QueueBuildAudience)[0]
	buildJob.Attempts = 1
	if err := svc.HandleBuildAudience(ctx, buildJob); err != nil {
		t.Fatalf("build failed: %v", err)
	}
	// Redelivery after the run already reached sending.
	buildJob.Attempts = 2
	if err := svc.HandleBuildAudience(ctx, buildJob); err != nil {
		t.Fatalf("redelivered build failed: %v", err)
	}

	counts, _ := env.recipients.CountByStatus(run.ID)
	if counts.Total != 2 {
		t.Errorf("recipients duplicated: %+v", counts)
	}
	if jobs := env.queue.byQueue(queue.QueueSend); len(jobs) != 2 {
		t.Errorf("send jobs duplicated: %d", len(jobs))
	}
}

func TestHandleSendBatch(t *testing.T) {
	svc, env := newTestService(t)
	ctx := context.Background()

	env.source.rows = []segment.Row{
		{SubjectID: "u1", Email: "a@example.com"},
		{SubjectID: "u2", Email: "b@example.com"},
	}
	campaign := env.createCampaign(t, nil)
	run, _ := svc.Trigger(ctx, campaign.ID)
	for _, job := range env.queue.byQueue(queue.QueueBuildAudience) {
		job.Attempts = 1
		if err := svc.HandleBuildAudience(ctx, job); err != nil {
			t.Fatalf("build failed: %v", err)
		}
	}

	var ids []string
	for _, subject := range []string{"u1", "u2"} {
		ids = append(ids, recipientBySubject(t, env, run.ID, subject).ID)
	}
	batch := &queue.Job{
		ID: "batch-1", Queue: queue.QueueSendBatch, MaxAttempts: 3, Attempts: 1,
		Payload: mustJSON(SendBatchPayload{RunID: run.ID, RecipientIDs: append(ids, "missing-recipient")}),
	}
	if err := svc.HandleSendBatch(ctx, batch); err != nil {
		t.Fatalf("batch failed: %v", err)
	}

	if len(env.adapter.calls) != 2 {
		t.Errorf("adapter calls: %v", env.adapter.calls)
	}
	final, _ := env.runs.GetByID(run.ID)
	if final.Status != models.RunStatusCompleted {
		t.Errorf("run status: %s", final.Status)
	}
}

func TestSchedulerTick(t *testing.T) {
	svc, env := newTestService(t)
	ctx := context.Background()

	hourly := env.createCampaign(t, func(c *models.Campaign) { c.Schedule = "0 * * * *" })
	env.createCampaign(t, nil) // manual, never scheduled

	// Last triggered over three slots ago: exactly one trigger job, for
	// the latest slot.
	past := time.Now().Add(-3 * time.Hour)
	if err := env.campaigns.SetLastTriggered(hourly.ID, past); err != nil {
		t.Fatalf("setup failed: %v", err)
	}

	sched := NewScheduler(svc, time.Second)
	if err := sched.Tick(ctx, time.Now()); err != nil {
		t.Fatalf("Tick failed: %v", err)
	}

	jobs := env.queue.byQueue(queue.QueueTrigger)
	if len(jobs) != 1 {
		t.Fatalf("trigger jobs: %d", len(jobs))
	}
	if !strings.HasPrefix(jobs[0].ID, "trigger-"+hourly.ID+"-") {
		t.Errorf("job id: %s", jobs[0].ID)
	}

	// A second tick in the same slot enqueues nothing new: the job id is
	// deterministic and the fake queue drops duplicates.
	if err := sched.Tick(ctx, time.Now()); err != nil {
		t.Fatalf("Tick failed: %v", err)
	}
	if jobs := env.queue.byQueue(queue.QueueTrigger); len(jobs) != 1 {
		t.Errorf("duplicate trigger jobs: %d", len(jobs))
	}
}

func TestDueSlot(t *testing.T) {
	now := time.Date(2026, 3, 10, 14, 30, 0, 0, time.UTC)

	c := &models.Campaign{Schedule: "0 * * * *", CreatedAt: now.Add(-30 * time.Minute)}
	if _, ok := dueSlot(c, now); !ok {
		t.Error("expected a due slot for the 14:00 boundary")
	}

	slot, ok := dueSlot(c, now)
	if !ok || !slot.Equal(time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)) {
		t.Errorf("slot: %v", slot)
	}

	// Created after the last boundary: nothing due yet.
	c = &models.Campaign{Schedule: "0 * * * *", CreatedAt: now.Add(-10 * time.Minute)}
	if _, ok := dueSlot(c, now); ok {
		t.Error("no slot should be due yet")
	}

	// Missed slots collapse to the latest one.
	last := now.Add(-5 * time.Hour)
	c = &models.Campaign{Schedule: "0 * * * *", CreatedAt: last, LastTriggeredAt: &last}
	slot, ok = dueSlot(c, now)
	if !ok || !slot.Equal(time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)) {
		t.Errorf("missed slots should collapse to 14:00, got %v", slot)
	}

	// Invalid cron expressions never fire.
	c = &models.Campaign{Schedule: "not a cron", CreatedAt: last}
	if _, ok := dueSlot(c, now); ok {
		t.Error("invalid schedule must not fire")
	}
}

func firstRecipientID(t *testing.T, env *testEnv, runID, subjectID string) string {
	t.Helper()
	return recipientBySubject(t, env, runID, subjectID).ID
}

func recipientBySubject(t *testing.T, env *testEnv, runID, subjectID string) *models.Recipient {
	t.Helper()

	var id string
	err := env.db.QueryRow(
		`SELECT id FROM recipients WHERE run_id = ? AND subject_id = ?`, runID, subjectID,
	).Scan(&id)
	if err != nil {
		t.Fatalf("recipient %s not found in run %s: %v", subjectID, runID, err)
	}
	rec, err := env.recipients.GetByID(id)
	if err != nil || rec == nil {
		t.Fatalf("failed to load recipient %s: %v", id, err)
	}
	return rec
}

package feedback

import (
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	_ "github.com/mattn/go-sqlite3"

	"github.com/lunamail/campaignd/internal/metrics"
	"github.com/lunamail/campaignd/internal/models"
	"github.com/lunamail/campaignd/internal/pipeline"
	"github.com/lunamail/campaignd/internal/queue"
	"github.com/lunamail/campaignd/internal/store"
)

type recordingEnqueuer struct {
	jobs []*queue.Job
}

func (r *recordingEnqueuer) Enqueue(ctx context.Context, job *queue.Job) error {
	r.jobs = append(r.jobs, job)
	return nil
}

type fakeTriggerer struct {
	run *models.Run
	err error
}

func (f *fakeTriggerer) Trigger(ctx context.Context, campaignID string) (*models.Run, error) {
	return f.run, f.err
}

func setupWebhook(t *testing.T, triggerer Triggerer) (*Server, *recordingEnqueuer) {
	t.Helper()

	sqlDB, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { sqlDB.Close() })
	if err := store.Migrate(sqlDB); err != nil {
		t.Fatalf("migration failed: %v", err)
	}

	refs := store.NewReferenceRepository(sqlDB)
	if err := refs.CreateConnector(&models.Connector{
		ID: "conn-ses", WorkspaceID: "ws1", Name: "ses",
		Type: models.ConnectorTypeSES, Settings: `{"region":"eu-west-1"}`,
		WebhookToken: "tok-sekret",
	}); err != nil {
		t.Fatalf("connector setup failed: %v", err)
	}

	enqueuer := &recordingEnqueuer{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := NewServer(":0", refs, enqueuer, triggerer, metrics.New(), logger)
	return srv, enqueuer
}

func post(t *testing.T, srv *Server, path, body string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	return rec
}

func TestWebhookUnknownToken(t *testing.T) {
	srv, enqueuer := setupWebhook(t, nil)

	rec := post(t, srv, "/webhooks/ses/wrong-token", "{}")
	if rec.Code != http.StatusNotFound {
		t.Errorf("status: %d", rec.Code)
	}
	if len(enqueuer.jobs) != 0 {
		t.Errorf("jobs enqueued for unknown token: %d", len(enqueuer.jobs))
	}
}

func TestWebhookSESBounceNotification(t *testing.T) {
	srv, enqueuer := setupWebhook(t, nil)

	notification := `{
		"notificationType": "Bounce",
		"mail": {"messageId": "pm-9"},
		"bounce": {
			"bounceType": "Permanent",
			"bouncedRecipients": [{"emailAddress": "victim@example.com", "diagnosticCode": "550 user unknown"}]
		}
	}`
	envelope, _ := json.Marshal(map[string]string{
		"Type":    "Notification",
		"Message": notification,
	})

	rec := post(t, srv, "/webhooks/ses/tok-sekret", string(envelope))
	if rec.Code != http.StatusOK {
		t.Fatalf("status: %d body: %s", rec.Code, rec.Body.String())
	}

	if len(enqueuer.jobs) != 1 {
		t.Fatalf("jobs enqueued: %d", len(enqueuer.jobs))
	}
	job := enqueuer.jobs[0]
	if job.ID != "fb-pm-9-bounce" || job.Queue != queue.QueueFeedback {
		t.Errorf("job: id=%s queue=%s", job.ID, job.Queue)
	}

	var ev Event
	if err := json.Unmarshal(job.Payload, &ev); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if !ev.Permanent || ev.WorkspaceID != "ws1" || ev.Diagnostic != "550 user unknown" {
		t.Errorf("event: %+v", ev)
	}
	if len(ev.Recipients) != 1 || ev.Recipients[0] != "victim@example.com" {
		t.Errorf("recipients: %v", ev.Recipients)
	}
}

func TestWebhookSESSubscriptionConfirmation(t *testing.T) {
	srv, enqueuer := setupWebhook(t, nil)

	var confirmed int
	sns := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet && r.URL.Path == "/confirm" {
			confirmed++
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer sns.Close()

	envelope, _ := json.Marshal(map[string]string{
		"Type":         "SubscriptionConfirmation",
		"MessageId":    "sub-1",
		"SubscribeURL": sns.URL + "/confirm",
	})
	rec := post(t, srv, "/webhooks/ses/tok-sekret", string(envelope))
	if rec.Code != http.StatusOK {
		t.Fatalf("status: %d body: %s", rec.Code, rec.Body.String())
	}
	if confirmed != 1 {
		t.Errorf("subscribe url fetched %d times, want 1", confirmed)
	}
	if len(enqueuer.jobs) != 0 {
		t.Errorf("confirmation enqueued %d jobs", len(enqueuer.jobs))
	}

	// A confirmation without a subscribe url cannot be completed.
	envelope, _ = json.Marshal(map[string]string{
		"Type":      "SubscriptionConfirmation",
		"MessageId": "sub-2",
	})
	rec = post(t, srv, "/webhooks/ses/tok-sekret", string(envelope))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing subscribe url status: %d", rec.Code)
	}
}

func TestWebhookSESIgnoresUnknownNotificationType(t *testing.T) {
	srv, enqueuer := setupWebhook(t, nil)

	envelope, _ := json.Marshal(map[string]string{
		"Type":    "Notification",
		"Message": `{"notificationType": "Open", "mail": {"messageId": "pm-9"}}`,
	})
	rec := post(t, srv, "/webhooks/ses/tok-sekret", string(envelope))
	if rec.Code != http.StatusOK {
		t.Errorf("status: %d", rec.Code)
	}
	if len(enqueuer.jobs) != 0 {
		t.Errorf("jobs enqueued: %d", len(enqueuer.jobs))
	}
}

func TestWebhookSESRejectsGarbage(t *testing.T) {
	srv, _ := setupWebhook(t, nil)

	rec := post(t, srv, "/webhooks/ses/tok-sekret", "not json")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status: %d", rec.Code)
	}
}

func TestWebhookDirectEvent(t *testing.T) {
	srv, enqueuer := setupWebhook(t, nil)

	// The body claims another workspace; the connector's wins.
	body := `{"type":"complaint","providerMessageId":"pm-4","workspaceId":"attacker","recipients":["a@example.com"]}`
	rec := post(t, srv, "/webhooks/generic/tok-sekret", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status: %d body: %s", rec.Code, rec.Body.String())
	}

	if len(enqueuer.jobs) != 1 {
		t.Fatalf("jobs enqueued: %d", len(enqueuer.jobs))
	}
	var ev Event
	json.Unmarshal(enqueuer.jobs[0].Payload, &ev)
	if ev.WorkspaceID != "ws1" {
		t.Errorf("workspace id from body was trusted: %s", ev.WorkspaceID)
	}

	rec = post(t, srv, "/webhooks/generic/tok-sekret", `{"recipients":[]}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("incomplete event status: %d", rec.Code)
	}
}

func TestTriggerEndpoint(t *testing.T) {
	run := &models.Run{ID: "run-1", CampaignID: "camp-1", Status: models.RunStatusCreated}

	srv, _ := setupWebhook(t, &fakeTriggerer{run: run})
	rec := post(t, srv, "/campaigns/camp-1/trigger", "")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status: %d", rec.Code)
	}
	var got models.Run
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("body: %v", err)
	}
	if got.ID != "run-1" {
		t.Errorf("run: %+v", got)
	}

	srv, _ = setupWebhook(t, &fakeTriggerer{err: pipeline.ErrCampaignNotFound})
	if rec := post(t, srv, "/campaigns/nope/trigger", ""); rec.Code != http.StatusNotFound {
		t.Errorf("not found status: %d", rec.Code)
	}

	srv, _ = setupWebhook(t, &fakeTriggerer{err: pipeline.ErrRunActive})
	if rec := post(t, srv, "/campaigns/camp-1/trigger", ""); rec.Code != http.StatusConflict {
		t.Errorf("conflict status: %d", rec.Code)
	}
}

func TestHealthz(t *testing.T) {
	srv, _ := setupWebhook(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("status: %d", rec.Code)
	}
}

func TestParseSESNotificationKinds(t *testing.T) {
	ev, err := parseSESNotification([]byte(`{
		"eventType": "Delivery",
		"mail": {"messageId": "pm-2"},
		"delivery": {"recipients": ["a@example.com"]}
	}`), "ws1")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if ev.Type != TypeDelivery || ev.ProviderMessageID != "pm-2" {
		t.Errorf("event: %+v", ev)
	}

	// Missing message id is an error, not a silent drop.
	_, err = parseSESNotification([]byte(`{"notificationType": "Bounce"}`), "ws1")
	if err == nil {
		t.Error("expected error for missing message id")
	}
}

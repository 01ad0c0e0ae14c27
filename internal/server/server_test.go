package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"sketchline/internal/billing"
	"sketchline/internal/config"
	"sketchline/internal/db"
	"sketchline/internal/domain"
	"sketchline/internal/engine"
	"sketchline/internal/migrate"
	"sketchline/internal/repo"
	"sketchline/internal/scm"
	"sketchline/internal/webhook"
)

const (
	testWebhookSecret = "hook-secret"
	testJWTSecret     = "jwt-secret"
)

type stubBilling struct{}

func (stubBilling) Lookup(ctx context.Context, accountID int64) (domain.EntitlementState, error) {
	return domain.EntitlementState{AccountID: accountID, HasBalance: true, Balance: 5}, nil
}

func (stubBilling) Report(ctx context.Context, usage billing.Usage) error { return nil }

type stubChanges struct{}

func (stubChanges) ListChangedFiles(ctx context.Context, repo string, number int) ([]domain.ChangedFile, error) {
	return []domain.ChangedFile{{Name: "main.go", Patch: "+func main() {}"}}, nil
}

type stubGenerator struct{}

func (stubGenerator) ProduceBrief(ctx context.Context, changeContext string) (string, error) {
	return "brief", nil
}

func (stubGenerator) ProduceArtifact(ctx context.Context, brief string) ([]byte, string, error) {
	return []byte("png"), "image/png", nil
}

type stubStore struct{}

func (stubStore) Put(ctx context.Context, data []byte, contentType string) (string, error) {
	return "https://cdn.example/sketch.png", nil
}

type recordingComments struct {
	existing *scm.Comment
	upserts  []string
}

func (c *recordingComments) FindExisting(ctx context.Context, repo string, number int, marker string) (*scm.Comment, error) {
	return c.existing, nil
}

func (c *recordingComments) Upsert(ctx context.Context, repo string, number int, existingID int64, body string) error {
	c.upserts = append(c.upserts, body)
	c.existing = &scm.Comment{ID: 1001, Body: body}
	return nil
}

type testServer struct {
	URL      string
	Client   *http.Client
	Repo     repo.Repo
	Comments *recordingComments
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	comments := &recordingComments{}
	eng := engine.New(conn, config.Default(), engine.Collaborators{
		Billing:   stubBilling{},
		Changes:   stubChanges{},
		Generator: stubGenerator{},
		Artifacts: stubStore{},
		Comments:  comments,
	})
	handler, err := New(Config{
		Engine:        eng,
		BasePath:      "/v0",
		Auth:          AuthConfig{JWTSecret: testJWTSecret},
		WebhookSecret: testWebhookSecret,
		// Synchronous so assertions see the finished run.
		Runner: func(runID string) {
			if err := eng.Run(context.Background(), runID); err != nil {
				t.Errorf("run %s: %v", runID, err)
			}
		},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	t.Cleanup(func() {
		srv.Shutdown(context.Background())
		ln.Close()
		conn.Close()
	})
	return &testServer{
		URL:      "http://" + ln.Addr().String(),
		Client:   &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }},
		Repo:     repo.Repo{DB: conn},
		Comments: comments,
	}
}

func prDelivery() []byte {
	return []byte(`{
		"action": "opened",
		"pull_request": {
			"number": 42,
			"title": "Add parser",
			"body": "Tokenizer rework.",
			"head": {"sha": "deadbeefcafe0123"}
		},
		"repository": {"id": 9, "full_name": "acme/widgets"},
		"installation": {"id": 7}
	}`)
}

func (s *testServer) deliver(t *testing.T, event string, body []byte, sign bool) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, s.URL+"/webhooks/github", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-GitHub-Event", event)
	if sign {
		req.Header.Set("X-Hub-Signature-256", webhook.Sign(body, testWebhookSecret))
	} else {
		req.Header.Set("X-Hub-Signature-256", "sha256="+strings.Repeat("0", 64))
	}
	resp, err := s.Client.Do(req)
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp, strings.TrimSpace(string(b))
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	resp, err := s.Client.Get(s.URL + "/health")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || string(b) != "ok" {
		t.Fatalf("health: %d %q", resp.StatusCode, b)
	}
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	s := newTestServer(t)
	resp, _ := s.deliver(t, "pull_request", prDelivery(), false)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	runs, err := s.Repo.ListRuns(context.Background(), 10, "", "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(runs) != 0 {
		t.Fatal("unauthenticated delivery created a run")
	}
}

func TestWebhookIgnoresNonActionable(t *testing.T) {
	s := newTestServer(t)

	resp, body := s.deliver(t, "issues", prDelivery(), true)
	if resp.StatusCode != http.StatusOK || body != "Ignored event" {
		t.Fatalf("event: %d %q", resp.StatusCode, body)
	}

	closed := bytes.Replace(prDelivery(), []byte(`"opened"`), []byte(`"closed"`), 1)
	resp, body = s.deliver(t, "pull_request", closed, true)
	if resp.StatusCode != http.StatusOK || body != "Ignored action" {
		t.Fatalf("action: %d %q", resp.StatusCode, body)
	}

	runs, _ := s.Repo.ListRuns(context.Background(), 10, "", "")
	if len(runs) != 0 {
		t.Fatal("ignored delivery created a run")
	}
}

func TestWebhookRejectsMalformedPayload(t *testing.T) {
	s := newTestServer(t)
	resp, _ := s.deliver(t, "pull_request", []byte(`{"action":"opened"}`), true)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestWebhookAcceptedDelivery(t *testing.T) {
	s := newTestServer(t)

	resp, body := s.deliver(t, "pull_request", prDelivery(), true)
	if resp.StatusCode != http.StatusOK || body != "Workflow accepted" {
		t.Fatalf("deliver: %d %q", resp.StatusCode, body)
	}

	run, err := s.Repo.GetRun(context.Background(), "7:9:42:deadbeefcafe0123")
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run.Status != domain.RunSuccess {
		t.Fatalf("status = %s, error = %v", run.Status, run.Error)
	}
	if len(s.Comments.upserts) != 1 {
		t.Fatalf("upserts = %d", len(s.Comments.upserts))
	}
	if !strings.Contains(s.Comments.upserts[0], "**Latest** `deadbee`") {
		t.Fatalf("comment body: %q", s.Comments.upserts[0])
	}

	// Redelivery of the same head is a no-op.
	resp, body = s.deliver(t, "pull_request", prDelivery(), true)
	if resp.StatusCode != http.StatusOK || body != "Workflow already exists" {
		t.Fatalf("redeliver: %d %q", resp.StatusCode, body)
	}
	if len(s.Comments.upserts) != 1 {
		t.Fatal("redelivery posted another comment")
	}
}

func TestCheckoutRedirect(t *testing.T) {
	s := newTestServer(t)

	resp, err := s.Client.Get(s.URL + "/billing/checkout?installation_id=7")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	loc := resp.Header.Get("Location")
	if !strings.Contains(loc, "installation_id=7") {
		t.Fatalf("location = %q", loc)
	}

	resp, err = s.Client.Get(s.URL + "/billing/checkout")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing installation_id: status = %d", resp.StatusCode)
	}
}

func mintJWT(t *testing.T, subject string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err := token.SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("sign jwt: %v", err)
	}
	return signed
}

func TestOperatorAPIRequiresAuth(t *testing.T) {
	s := newTestServer(t)

	resp, err := s.Client.Get(s.URL + "/v0/runs")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, s.URL+"/v0/runs", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	resp, err = s.Client.Do(req)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad token status = %d", resp.StatusCode)
	}
}

func TestOperatorAPIListsRuns(t *testing.T) {
	s := newTestServer(t)
	if resp, body := s.deliver(t, "pull_request", prDelivery(), true); resp.StatusCode != http.StatusOK {
		t.Fatalf("deliver: %d %q", resp.StatusCode, body)
	}

	req, _ := http.NewRequest(http.MethodGet, s.URL+"/v0/runs", nil)
	req.Header.Set("Authorization", "Bearer "+mintJWT(t, "ops"))
	resp, err := s.Client.Do(req)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		t.Fatalf("status = %d body = %s", resp.StatusCode, b)
	}
	var runs []domain.Run
	if err := json.NewDecoder(resp.Body).Decode(&runs); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(runs) != 1 || runs[0].ID != "7:9:42:deadbeefcafe0123" {
		t.Fatalf("runs = %+v", runs)
	}

	stepsURL := fmt.Sprintf("%s/v0/runs/%s/steps", s.URL, "7:9:42:deadbeefcafe0123")
	req, _ = http.NewRequest(http.MethodGet, stepsURL, nil)
	req.Header.Set("Authorization", "Bearer "+mintJWT(t, "ops"))
	resp2, err := s.Client.Do(req)
	if err != nil {
		t.Fatalf("get steps: %v", err)
	}
	defer resp2.Body.Close()
	var steps []domain.StepResult
	if err := json.NewDecoder(resp2.Body).Decode(&steps); err != nil {
		t.Fatalf("decode steps: %v", err)
	}
	if len(steps) != 8 {
		t.Fatalf("want all 8 checkpoints, got %d", len(steps))
	}
}

func TestHandleErrorMapsBySentinel(t *testing.T) {
	if got := handleError(nil); got != nil {
		t.Fatalf("nil error mapped to %v", got)
	}
	if got := handleError(repo.ErrNotFound); got.GetStatus() != http.StatusNotFound {
		t.Fatalf("ErrNotFound status = %d", got.GetStatus())
	}
	if got := handleError(fmt.Errorf("wrap: %w", repo.ErrNotFound)); got.GetStatus() != http.StatusNotFound {
		t.Fatalf("wrapped ErrNotFound status = %d", got.GetStatus())
	}
	// error text must not influence the status
	for _, msg := range []string{"invalid cursor", "missing row", "required thing", "disk io"} {
		if got := handleError(errors.New(msg)); got.GetStatus() != http.StatusInternalServerError {
			t.Fatalf("%q status = %d", msg, got.GetStatus())
		}
	}
}

func TestOperatorAPIAcceptsAPIKey(t *testing.T) {
	s := newTestServer(t)
	secret := "slk_test_key"
	err := s.Repo.InsertAPIKey(context.Background(), domain.APIKey{
		ID:        "key-1",
		Name:      "ops",
		KeyHash:   repo.HashAPIKey(secret),
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		t.Fatalf("insert key: %v", err)
	}

	req, _ := http.NewRequest(http.MethodGet, s.URL+"/v0/runs", nil)
	req.Header.Set("X-Api-Key", secret)
	resp, err := s.Client.Do(req)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("api key status = %d", resp.StatusCode)
	}

	req, _ = http.NewRequest(http.MethodGet, s.URL+"/v0/runs", nil)
	req.Header.Set("X-Api-Key", "wrong")
	resp, err = s.Client.Do(req)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad api key status = %d", resp.StatusCode)
	}
}

package server

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/example/orchestrator/internal/daemon"
	"github.com/example/orchestrator/internal/db"
	"github.com/example/orchestrator/internal/domain"
	"github.com/example/orchestrator/internal/eventlog"
	"github.com/example/orchestrator/internal/migrate"
	"github.com/example/orchestrator/internal/provider"
	"github.com/example/orchestrator/internal/repo"
	"github.com/example/orchestrator/internal/runner"
	"github.com/example/orchestrator/internal/synth"
)

const testJWTSecret = "test-secret"
const testWebhookSecret = "test-webhook-secret"

// --- fakes, same shape as internal/runner's own test fakes ---

type fakeDaemon struct {
	mu          sync.Mutex
	containerID string
	removed     int
}

func (f *fakeDaemon) Ping(context.Context) error { return nil }
func (f *fakeDaemon) BuildImage(context.Context, string, string, daemon.ProgressSink) (string, error) {
	return "img-1", nil
}
func (f *fakeDaemon) CreateAndStart(context.Context, daemon.CreateContainerRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.containerID = "container-1"
	return f.containerID, nil
}
func (f *fakeDaemon) ExecStream(ctx context.Context, _ string, _ daemon.ExecRequest, sink daemon.FrameSink) (daemon.ExecResult, error) {
	line := []byte("opened https://github.com/acme/widgets/pull/7\n")
	sink(daemon.StreamStdout, line)
	return daemon.ExecResult{ExitCode: 0}, nil
}
func (f *fakeDaemon) StopAndRemove(context.Context, string) error {
	f.mu.Lock()
	f.removed++
	f.mu.Unlock()
	return nil
}
func (f *fakeDaemon) ContainerExists(context.Context, string) (bool, error) { return true, nil }

type fakeProvider struct{}

func (fakeProvider) EnsureFork(context.Context, string, string) (provider.Fork, error) {
	return provider.Fork{FullName: "orc-bot/widgets", URL: "https://github.com/orc-bot/widgets"}, nil
}
func (fakeProvider) FindOpenPR(context.Context, string, string, int) (provider.OpenPR, bool, error) {
	return provider.OpenPR{}, false, nil
}

type testSynthesizer struct{}

func (testSynthesizer) Synthesize(context.Context, synth.RecipeRequest) (string, error) {
	return "FROM scratch", nil
}

type fakeCompleter struct{}

func (fakeCompleter) Complete(context.Context, string) (string, error) {
	return "fix it", nil
}

func newTestRepo(t *testing.T) repo.Repo {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo.Repo{DB: conn}
}

func seedIssue(t *testing.T, r repo.Repo) (domain.Repository, domain.Issue, domain.Agent) {
	t.Helper()
	now := time.Now().UTC().Format(time.RFC3339)
	ctx := context.Background()

	rep := domain.Repository{ID: uuid.New().String(), FullName: "acme/widgets", OriginURL: "https://github.com/acme/widgets", CreatedAt: now}
	if err := r.InsertRepository(ctx, rep); err != nil {
		t.Fatalf("insert repository: %v", err)
	}
	issue := domain.Issue{ID: uuid.New().String(), RepositoryID: rep.ID, Number: 42, Title: "bug", Status: "open", CreatedAt: now, UpdatedAt: now}
	if err := r.InsertIssue(ctx, issue); err != nil {
		t.Fatalf("insert issue: %v", err)
	}
	agent := domain.Agent{ID: uuid.New().String(), Name: "agent-a", CreatedAt: now}
	if err := r.InsertAgent(ctx, agent); err != nil {
		t.Fatalf("insert agent: %v", err)
	}
	return rep, issue, agent
}

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func newTestServer(t *testing.T, r repo.Repo, d runner.DaemonClient) *testServer {
	t.Helper()
	rn := runner.New(r, d, fakeProvider{}, testSynthesizer{}, fakeCompleter{}, nil)
	integrator := eventlog.New(r, testWebhookSecret)

	handler, err := New(Config{
		Repo:       r,
		Runner:     rn,
		Integrator: integrator,
		BasePath:   "/v0",
		Auth:       AuthConfig{JWTSecret: testJWTSecret},
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
	ts := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
		},
	}
	t.Cleanup(ts.close)
	return ts
}

func testToken(t *testing.T) string {
	t.Helper()
	claims := jwt.RegisteredClaims{Subject: "tester"}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, bearer string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func TestUnauthenticatedRequestIsRejected(t *testing.T) {
	r := newTestRepo(t)
	srv := newTestServer(t, r, &fakeDaemon{})
	res, body := doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/repositories", nil, "")
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", res.StatusCode, string(body))
	}
}

func TestHealthDoesNotRequireAuth(t *testing.T) {
	r := newTestRepo(t)
	srv := newTestServer(t, r, &fakeDaemon{})
	res, body := doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/health", nil, "")
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", res.StatusCode, string(body))
	}
}

func TestCreateAndListRepository(t *testing.T) {
	r := newTestRepo(t)
	srv := newTestServer(t, r, &fakeDaemon{})
	token := testToken(t)

	res, body := doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/repositories", map[string]any{
		"full_name":  "acme/widgets",
		"origin_url": "https://github.com/acme/widgets",
	}, token)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create repository: %d %s", res.StatusCode, string(body))
	}

	listRes, listBody := doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/repositories", nil, token)
	if listRes.StatusCode != http.StatusOK {
		t.Fatalf("list repositories: %d %s", listRes.StatusCode, string(listBody))
	}
	var items []domain.Repository
	if err := json.Unmarshal(listBody, &items); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(items) != 1 || items[0].FullName != "acme/widgets" {
		t.Fatalf("unexpected repositories: %+v", items)
	}
}

func TestSpawnWorkspaceReturnsRunningThenCompletes(t *testing.T) {
	r := newTestRepo(t)
	fd := &fakeDaemon{}
	srv := newTestServer(t, r, fd)
	token := testToken(t)
	_, issue, agent := seedIssue(t, r)

	res, body := doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/workspaces/spawn", map[string]any{
		"issue_id": issue.ID,
		"agent_id": agent.ID,
	}, token)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("spawn: %d %s", res.StatusCode, string(body))
	}
	var ws domain.Workspace
	if err := json.Unmarshal(body, &ws); err != nil {
		t.Fatalf("unmarshal workspace: %v", err)
	}
	if ws.Status != "running" {
		t.Fatalf("expected running, got %s", ws.Status)
	}

	deadline := time.Now().Add(2 * time.Second)
	completed := false
	for time.Now().Before(deadline) {
		getRes, getBody := doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/workspaces/"+ws.ID, nil, token)
		var cur domain.Workspace
		_ = json.Unmarshal(getBody, &cur)
		_ = getRes
		if cur.Status == "completed" {
			completed = true
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if !completed {
		t.Fatalf("workspace %s did not reach completed", ws.ID)
	}

	prRes, prBody := doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/workspaces/"+ws.ID+"/pr", nil, token)
	if prRes.StatusCode != http.StatusOK {
		t.Fatalf("pr resolution: %d %s", prRes.StatusCode, string(prBody))
	}
	var pr PRResolution
	if err := json.Unmarshal(prBody, &pr); err != nil {
		t.Fatalf("unmarshal pr: %v", err)
	}
	if pr.PRURL == nil || *pr.PRURL != "https://github.com/acme/widgets/pull/7" {
		t.Fatalf("unexpected pr resolution: %+v", pr)
	}
}

func TestDestroyWorkspaceIsIdempotent(t *testing.T) {
	r := newTestRepo(t)
	srv := newTestServer(t, r, &fakeDaemon{})
	token := testToken(t)
	_, issue, agent := seedIssue(t, r)

	spawnRes, spawnBody := doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/workspaces/spawn", map[string]any{
		"issue_id": issue.ID,
		"agent_id": agent.ID,
	}, token)
	if spawnRes.StatusCode != http.StatusOK {
		t.Fatalf("spawn: %d %s", spawnRes.StatusCode, string(spawnBody))
	}
	var ws domain.Workspace
	_ = json.Unmarshal(spawnBody, &ws)

	res1, body1 := doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/workspaces/"+ws.ID+"/destroy", nil, token)
	if res1.StatusCode != http.StatusOK {
		t.Fatalf("first destroy: %d %s", res1.StatusCode, string(body1))
	}
	res2, body2 := doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/workspaces/"+ws.ID+"/destroy", nil, token)
	if res2.StatusCode != http.StatusOK {
		t.Fatalf("second destroy: %d %s", res2.StatusCode, string(body2))
	}
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	r := newTestRepo(t)
	srv := newTestServer(t, r, &fakeDaemon{})
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/webhooks/github", bytes.NewReader([]byte(`{}`)))
	req.Header.Set("x-github-event", "pull_request")
	req.Header.Set("x-hub-signature-256", "sha256=deadbeef")
	res, err := srv.client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", res.StatusCode)
	}
}

func TestWebhookAcceptsValidSignature(t *testing.T) {
	r := newTestRepo(t)
	srv := newTestServer(t, r, &fakeDaemon{})
	body := []byte(`{"action":"opened","number":1,"pull_request":{"html_url":"https://github.com/acme/widgets/pull/1","merged":false}}`)
	mac := hmac.New(sha256.New, []byte(testWebhookSecret))
	mac.Write(body)
	sig := "sha256=" + hex.EncodeToString(mac.Sum(nil))

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/webhooks/github", bytes.NewReader(body))
	req.Header.Set("x-github-event", "pull_request")
	req.Header.Set("x-hub-signature-256", sig)
	res, err := srv.client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.StatusCode)
	}
}

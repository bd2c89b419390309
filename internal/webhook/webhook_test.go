package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/carletonai/docsync/internal/config"
	docsync "github.com/carletonai/docsync/internal/sync"
)

// mockRunner is a mock implementation of Runner
type mockRunner struct {
	mu      sync.Mutex
	calls   int
	err     error
	started chan struct{}
	proceed chan struct{}
	once    sync.Once
}

func (m *mockRunner) Run(_ context.Context) (*docsync.Result, error) {
	if m.started != nil {
		m.once.Do(func() { close(m.started) })
	}
	if m.proceed != nil {
		<-m.proceed
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return &docsync.Result{RunID: "run-err"}, m.err
	}
	return &docsync.Result{
		RunID:   "run-1",
		Phase:   docsync.PhaseComplete,
		Written: []string{"CuMind/a.md"},
		Commit:  "abc123",
	}, nil
}

func (m *mockRunner) Phase() docsync.Phase {
	return docsync.PhaseIdle
}

func (m *mockRunner) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func setupTestConfig(t *testing.T) (*config.Config, string) {
	t.Helper()

	secretPath := filepath.Join(t.TempDir(), "webhook_secret")
	secret := "test-secret-key"
	if err := os.WriteFile(secretPath, []byte(secret+"\n"), 0600); err != nil {
		t.Fatalf("failed to write secret file: %v", err)
	}

	cfg := config.Default()
	cfg.Serve = config.ServeConfig{
		ListenAddr:              "127.0.0.1:0",
		GitHubWebhookSecretFile: secretPath,
		AllowedEventTypes:       []string{"push"},
		AllowedRefs:             []string{"refs/heads/dev"},
		AllowedRepos:            []string{"carletonai/CuMind"},
	}
	return cfg, secret
}

func newTestServer(t *testing.T) (*Server, *mockRunner, string) {
	t.Helper()
	cfg, secret := setupTestConfig(t)
	runner := &mockRunner{}
	server, err := NewServer(cfg, runner, testLogger())
	if err != nil {
		t.Fatalf("NewServer() failed: %v", err)
	}
	return server, runner, secret
}

func computeSignature(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func pushRequest(t *testing.T, secret, event string, body []byte) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-GitHub-Event", event)
	req.Header.Set("X-Hub-Signature-256", computeSignature(body, secret))
	return req
}

const pushBody = `{"ref":"refs/heads/dev","after":"abc123","repository":{"full_name":"carletonai/CuMind"}}`

func TestNewServer(t *testing.T) {
	server, _, _ := newTestServer(t)

	if string(server.secret) != "test-secret-key" {
		t.Errorf("expected trimmed secret 'test-secret-key', got %q", string(server.secret))
	}
}

func TestNewServer_Errors(t *testing.T) {
	tests := []struct {
		name   string
		modify func(t *testing.T, cfg *config.Config)
	}{
		{
			name: "missing secret file",
			modify: func(_ *testing.T, cfg *config.Config) {
				cfg.Serve.GitHubWebhookSecretFile = "/nonexistent/secret"
			},
		},
		{
			name: "empty secret file",
			modify: func(t *testing.T, cfg *config.Config) {
				path := filepath.Join(t.TempDir(), "empty")
				if err := os.WriteFile(path, []byte("  \n"), 0600); err != nil {
					t.Fatal(err)
				}
				cfg.Serve.GitHubWebhookSecretFile = path
			},
		},
		{
			name: "no trigger configured",
			modify: func(_ *testing.T, cfg *config.Config) {
				cfg.Serve.GitHubWebhookSecretFile = ""
				cfg.Serve.Interval = 0
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, _ := setupTestConfig(t)
			tt.modify(t, cfg)
			if _, err := NewServer(cfg, &mockRunner{}, testLogger()); err == nil {
				t.Fatal("expected error, got nil")
			}
		})
	}
}

func TestNewServer_IntervalOnly(t *testing.T) {
	cfg, _ := setupTestConfig(t)
	cfg.Serve.GitHubWebhookSecretFile = ""
	cfg.Serve.Interval = config.Duration(6 * time.Hour)

	server, err := NewServer(cfg, &mockRunner{}, testLogger())
	if err != nil {
		t.Fatalf("NewServer() failed: %v", err)
	}

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, pushRequest(t, "x", "push", []byte(pushBody)))
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 with webhooks disabled, got %d", rec.Code)
	}
}

func TestServe_InitialSyncAndShutdown(t *testing.T) {
	server, runner, _ := newTestServer(t)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	// Cancel the context immediately so Serve returns after the initial sync
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := server.Serve(ctx, l); err != nil {
		t.Fatalf("Serve() returned %v", err)
	}
	if runner.callCount() != 1 {
		t.Errorf("expected one initial sync, got %d", runner.callCount())
	}
}

func TestServe_Interval(t *testing.T) {
	cfg, _ := setupTestConfig(t)
	cfg.Serve.Interval = config.Duration(20 * time.Millisecond)
	runner := &mockRunner{}
	server, err := NewServer(cfg, runner, testLogger())
	if err != nil {
		t.Fatal(err)
	}

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- server.Serve(ctx, l) }()

	deadline := time.After(2 * time.Second)
	for runner.callCount() < 3 {
		select {
		case <-deadline:
			t.Fatalf("expected interval syncs, got %d runs", runner.callCount())
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Serve() returned %v", err)
	}
}

func TestVerifySignature(t *testing.T) {
	server, _, secret := newTestServer(t)
	body := []byte(`{"ref":"refs/heads/dev"}`)

	tests := []struct {
		name      string
		signature string
		want      bool
	}{
		{name: "valid signature", signature: computeSignature(body, secret), want: true},
		{name: "invalid signature", signature: "sha256=invalid", want: false},
		{name: "wrong secret", signature: computeSignature(body, "other"), want: false},
		{name: "missing prefix", signature: strings.TrimPrefix(computeSignature(body, secret), "sha256="), want: false},
		{name: "sha1 signature", signature: "sha1=abc", want: false},
		{name: "empty", signature: "", want: false},
		{name: "prefix only", signature: "sha256=", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := server.verifySignature(body, tt.signature); got != tt.want {
				t.Errorf("verifySignature() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFilters(t *testing.T) {
	server, _, _ := newTestServer(t)

	if !server.isEventTypeAllowed("push") || server.isEventTypeAllowed("issues") {
		t.Error("event filter mismatch")
	}
	if !server.isRefAllowed("refs/heads/dev") || server.isRefAllowed("refs/heads/main") {
		t.Error("ref filter mismatch")
	}
	if !server.isRepoAllowed("CarletonAI/cumind") || server.isRepoAllowed("someone/else") {
		t.Error("repo filter mismatch")
	}

	server.cfg.Serve.AllowedEventTypes = nil
	server.cfg.Serve.AllowedRefs = nil
	server.cfg.Serve.AllowedRepos = nil
	if !server.isEventTypeAllowed("push") || server.isEventTypeAllowed("release") {
		t.Error("without a filter only push events are allowed")
	}
	if !server.isRefAllowed("refs/heads/anything") || !server.isRepoAllowed("any/repo") {
		t.Error("empty filters must allow everything")
	}
}

func TestHandleWebhook(t *testing.T) {
	tests := []struct {
		name       string
		method     string
		event      string
		body       string
		badSig     bool
		noJSON     bool
		wantStatus int
		wantBody   string
		wantSync   bool
	}{
		{name: "valid push", event: "push", body: pushBody, wantStatus: http.StatusAccepted, wantBody: "Sync triggered", wantSync: true},
		{name: "ping", event: "ping", body: `{"zen":"hi"}`, wantStatus: http.StatusOK, wantBody: "pong"},
		{name: "wrong method", method: http.MethodGet, event: "push", body: pushBody, wantStatus: http.StatusMethodNotAllowed},
		{name: "invalid content type", event: "push", body: pushBody, noJSON: true, wantStatus: http.StatusBadRequest},
		{name: "invalid signature", event: "push", body: pushBody, badSig: true, wantStatus: http.StatusForbidden},
		{name: "disallowed event", event: "issues", body: pushBody, wantStatus: http.StatusOK, wantBody: "Event type not configured"},
		{name: "invalid payload", event: "push", body: `{not json`, wantStatus: http.StatusBadRequest},
		{
			name:       "disallowed repo",
			event:      "push",
			body:       `{"ref":"refs/heads/dev","repository":{"full_name":"evil/fork"}}`,
			wantStatus: http.StatusOK,
			wantBody:   "Repository not configured",
		},
		{
			name:       "disallowed ref",
			event:      "push",
			body:       `{"ref":"refs/heads/main","repository":{"full_name":"carletonai/CuMind"}}`,
			wantStatus: http.StatusOK,
			wantBody:   "Ref not configured",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server, runner, secret := newTestServer(t)
			server.debounce.delay = 10 * time.Millisecond

			req := pushRequest(t, secret, tt.event, []byte(tt.body))
			if tt.method != "" {
				req.Method = tt.method
			}
			if tt.badSig {
				req.Header.Set("X-Hub-Signature-256", "sha256=deadbeef")
			}
			if tt.noJSON {
				req.Header.Set("Content-Type", "text/plain")
			}

			rec := httptest.NewRecorder()
			server.Handler().ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("expected status %d, got %d (%s)", tt.wantStatus, rec.Code, rec.Body.String())
			}
			if tt.wantBody != "" && !strings.Contains(rec.Body.String(), tt.wantBody) {
				t.Errorf("expected body to contain %q, got %q", tt.wantBody, rec.Body.String())
			}

			time.Sleep(50 * time.Millisecond)
			if got := runner.callCount() > 0; got != tt.wantSync {
				t.Errorf("sync triggered = %v, want %v", got, tt.wantSync)
			}
		})
	}
}

func TestHandleWebhook_UnknownPath(t *testing.T) {
	server, _, secret := newTestServer(t)
	req := pushRequest(t, secret, "push", []byte(pushBody))
	req.URL.Path = "/other"

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestHandleHealth(t *testing.T) {
	server, _, _ := newTestServer(t)
	server.performSync(context.Background())

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp struct {
		Status  string     `json:"status"`
		Phase   string     `json:"phase"`
		LastRun *runStatus `json:"last_run"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if resp.Status != "ok" || resp.Phase != "idle" {
		t.Errorf("unexpected health response %+v", resp)
	}
	if resp.LastRun == nil || resp.LastRun.RunID != "run-1" || resp.LastRun.Commit != "abc123" {
		t.Errorf("unexpected last run %+v", resp.LastRun)
	}
}

func TestHandleHealth_ReportsFailure(t *testing.T) {
	cfg, _ := setupTestConfig(t)
	runner := &mockRunner{err: errors.New("sync: upstream source unreachable")}
	server, err := NewServer(cfg, runner, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	server.performSync(context.Background())

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if !strings.Contains(rec.Body.String(), "unreachable") {
		t.Errorf("expected last error in health response, got %s", rec.Body.String())
	}
}

func TestMetricsEndpoint(t *testing.T) {
	server, _, secret := newTestServer(t)
	server.Handler().ServeHTTP(httptest.NewRecorder(), pushRequest(t, secret, "ping", []byte(`{}`)))

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "docsync_webhook_requests_total") {
		t.Error("expected webhook request counter in metrics output")
	}
}

func TestDebouncer(t *testing.T) {
	var callCount int
	var mu sync.Mutex
	d := &debouncer{delay: 50 * time.Millisecond}

	// Trigger multiple times rapidly
	for i := 0; i < 5; i++ {
		d.trigger(func() {
			mu.Lock()
			callCount++
			mu.Unlock()
		})
		time.Sleep(10 * time.Millisecond)
	}

	// Wait for debounce to complete
	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	count := callCount
	mu.Unlock()

	if count != 1 {
		t.Errorf("expected callback to be called once, got %d", count)
	}
}

// TestPerformSync_SingleFlight verifies that concurrent performSync calls use
// single-flight semantics: at most one sync runs at a time and at most one
// additional run is queued; excess concurrent requests are dropped.
func TestPerformSync_SingleFlight(t *testing.T) {
	cfg, _ := setupTestConfig(t)
	runner := &mockRunner{
		started: make(chan struct{}),
		proceed: make(chan struct{}),
	}
	server, err := NewServer(cfg, runner, testLogger())
	if err != nil {
		t.Fatalf("NewServer() failed: %v", err)
	}

	ctx := context.Background()

	done := make(chan struct{})
	go func() {
		defer close(done)
		server.performSync(ctx)
	}()

	<-runner.started

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			server.performSync(ctx)
		}()
	}
	wg.Wait()

	server.syncMu.Lock()
	pending := server.syncPending
	server.syncMu.Unlock()
	if !pending {
		t.Error("expected syncPending to be true after concurrent performSync calls")
	}

	close(runner.proceed)
	<-done // performSync only returns once all pending syncs have completed

	if got := runner.callCount(); got != 2 {
		t.Errorf("expected the first run plus one re-run, got %d", got)
	}

	server.syncMu.Lock()
	stillRunning := server.syncRunning
	stillPending := server.syncPending
	server.syncMu.Unlock()

	if stillRunning {
		t.Error("expected syncRunning to be false after all syncs completed")
	}
	if stillPending {
		t.Error("expected syncPending to be false after pending re-run was serviced")
	}
}

// Package webhook implements the long-running trigger server: GitHub push
// webhooks, a fixed interval, and the metrics and health endpoints.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/carletonai/docsync/internal/activation"
	"github.com/carletonai/docsync/internal/config"
	"github.com/carletonai/docsync/internal/metrics"
	docsync "github.com/carletonai/docsync/internal/sync"
)

// Runner runs one sync. *sync.Engine implements it.
type Runner interface {
	Run(ctx context.Context) (*docsync.Result, error)
	Phase() docsync.Phase
}

// GitHubPushEvent represents the relevant fields from a GitHub push webhook
type GitHubPushEvent struct {
	Ref        string `json:"ref"`
	After      string `json:"after"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
}

// runStatus is the outcome of the last finished run, served on /healthz
type runStatus struct {
	RunID      string    `json:"run_id,omitempty"`
	FinishedAt time.Time `json:"finished_at"`
	Phase      string    `json:"phase,omitempty"`
	Written    int       `json:"written"`
	Failed     int       `json:"failed"`
	Commit     string    `json:"commit,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// Server implements the trigger HTTP server
type Server struct {
	cfg    *config.Config
	runner Runner
	logger *slog.Logger
	// secret is nil when webhooks are disabled and only the interval triggers
	secret []byte

	syncMu      sync.Mutex // guards syncRunning, syncPending and last
	syncRunning bool       // whether a sync is currently in progress
	syncPending bool       // whether another sync is needed after the current one
	last        *runStatus

	debounce *debouncer
	// runCtx is cancelled on shutdown so in-flight runs stop fetching
	runCtx context.Context
}

// debouncer implements debouncing for webhook events
type debouncer struct {
	mu       sync.Mutex
	timer    *time.Timer
	delay    time.Duration
	callback func()
}

// NewServer creates a new trigger server. A webhook secret is required
// unless an interval is configured.
func NewServer(cfg *config.Config, runner Runner, logger *slog.Logger) (*Server, error) {
	s := &Server{
		cfg:      cfg,
		runner:   runner,
		logger:   logger,
		debounce: &debouncer{delay: 2 * time.Second},
		runCtx:   context.Background(),
	}

	if cfg.Serve.GitHubWebhookSecretFile == "" {
		if cfg.Serve.Interval <= 0 {
			return nil, fmt.Errorf("serve requires serve.github_webhook_secret_file or serve.interval")
		}
		return s, nil
	}

	secret, err := os.ReadFile(cfg.Serve.GitHubWebhookSecretFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read webhook secret: %w", err)
	}
	secret = []byte(strings.TrimSpace(string(secret)))
	if len(secret) == 0 {
		return nil, fmt.Errorf("webhook secret file %s is empty", cfg.Serve.GitHubWebhookSecretFile)
	}
	s.secret = secret

	return s, nil
}

// Handler returns the HTTP routes of the server
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleWebhook)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// Start performs an initial sync and serves until ctx is cancelled. The
// listener comes from systemd socket activation when available.
func (s *Server) Start(ctx context.Context) error {
	listener, activated, err := activation.Listen(s.cfg.Serve.ListenAddr)
	if err != nil {
		return err
	}
	if activated {
		s.logger.Info("using socket-activated listener", "addr", listener.Addr().String())
	}
	return s.Serve(ctx, listener)
}

// Serve performs an initial sync and serves on l until ctx is cancelled
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	s.runCtx = ctx

	s.logger.Info("performing initial sync before starting server")
	s.performSync(ctx)

	server := &http.Server{
		Handler:           s.Handler(),
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MB
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server starting",
			"addr", l.Addr().String(),
			"webhook", s.secret != nil,
			"interval", s.cfg.Serve.Interval.Std())
		if err := server.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	if interval := s.cfg.Serve.Interval.Std(); interval > 0 {
		go s.runInterval(ctx, interval)
	}

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// runInterval triggers a sync on every tick until ctx is cancelled
func (s *Server) runInterval(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.logger.Info("interval elapsed, triggering sync", "interval", interval)
			go s.performSync(ctx)
		}
	}
}

// respond writes a plain text response and counts it
func (s *Server) respond(w http.ResponseWriter, status int, msg string) {
	metrics.WebhookRequests.WithLabelValues(strconv.Itoa(status)).Inc()
	if status >= http.StatusBadRequest {
		http.Error(w, msg, status)
		return
	}
	w.WriteHeader(status)
	_, _ = fmt.Fprintln(w, msg)
}

// handleWebhook handles incoming GitHub webhook requests
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		s.respond(w, http.StatusNotFound, "Not found")
		return
	}
	if s.secret == nil {
		s.respond(w, http.StatusNotFound, "Webhooks are not enabled")
		return
	}

	if r.Method != http.MethodPost {
		s.logger.Warn("rejecting non-POST request", "method", r.Method)
		s.respond(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	contentType := r.Header.Get("Content-Type")
	if contentType != "application/json" {
		s.logger.Warn("rejecting request with invalid content type", "content_type", contentType)
		s.respond(w, http.StatusBadRequest, "Invalid content type")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20)) // 1 MB limit
	if err != nil {
		s.logger.Error("failed to read request body", "error", err)
		s.respond(w, http.StatusInternalServerError, "Failed to read body")
		return
	}
	defer func() {
		_ = r.Body.Close()
	}()

	signature := r.Header.Get("X-Hub-Signature-256")
	if !s.verifySignature(body, signature) {
		s.logger.Warn("rejecting request with invalid signature")
		s.respond(w, http.StatusForbidden, "Invalid signature")
		return
	}

	eventType := r.Header.Get("X-GitHub-Event")
	delivery := r.Header.Get("X-GitHub-Delivery")
	s.logger.Info("received webhook", "event", eventType, "delivery", delivery)

	// GitHub sends a ping when the hook is created
	if eventType == "ping" {
		s.respond(w, http.StatusOK, "pong")
		return
	}

	if !s.isEventTypeAllowed(eventType) {
		s.logger.Info("ignoring disallowed event type", "event", eventType)
		s.respond(w, http.StatusOK, "Event type not configured for sync")
		return
	}

	var event GitHubPushEvent
	if err := json.Unmarshal(body, &event); err != nil {
		s.logger.Error("failed to parse webhook payload", "error", err)
		s.respond(w, http.StatusBadRequest, "Invalid payload")
		return
	}

	if !s.isRepoAllowed(event.Repository.FullName) {
		s.logger.Info("ignoring disallowed repository", "repo", event.Repository.FullName)
		s.respond(w, http.StatusOK, "Repository not configured for sync")
		return
	}

	if !s.isRefAllowed(event.Ref) {
		s.logger.Info("ignoring disallowed ref", "ref", event.Ref)
		s.respond(w, http.StatusOK, "Ref not configured for sync")
		return
	}

	s.logger.Info("webhook accepted",
		"event", eventType,
		"ref", event.Ref,
		"commit", event.After,
		"repo", event.Repository.FullName)

	s.debounce.trigger(func() {
		s.performSync(s.runCtx)
	})

	s.respond(w, http.StatusAccepted, "Sync triggered")
}

// handleHealth reports the current phase and the last run
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.syncMu.Lock()
	last := s.last
	s.syncMu.Unlock()

	resp := struct {
		Status  string     `json:"status"`
		Phase   string     `json:"phase"`
		LastRun *runStatus `json:"last_run,omitempty"`
	}{
		Status:  "ok",
		Phase:   string(s.runner.Phase()),
		LastRun: last,
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// verifySignature verifies the GitHub webhook signature
func (s *Server) verifySignature(body []byte, signature string) bool {
	// GitHub signature format: sha256=<hex>
	hexSig, ok := strings.CutPrefix(signature, "sha256=")
	if !ok || hexSig == "" {
		return false
	}

	mac := hmac.New(sha256.New, s.secret)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	// Constant-time comparison
	return hmac.Equal([]byte(hexSig), []byte(expected))
}

// isEventTypeAllowed checks if the event type is in the allowed list
func (s *Server) isEventTypeAllowed(eventType string) bool {
	if len(s.cfg.Serve.AllowedEventTypes) == 0 {
		return eventType == "push"
	}
	return slices.Contains(s.cfg.Serve.AllowedEventTypes, eventType)
}

// isRefAllowed checks if the ref is in the allowed list
func (s *Server) isRefAllowed(ref string) bool {
	if len(s.cfg.Serve.AllowedRefs) == 0 {
		return true // no filter configured
	}
	return slices.Contains(s.cfg.Serve.AllowedRefs, ref)
}

// isRepoAllowed checks if the repository is in the allowed list. GitHub
// repository names are case-insensitive.
func (s *Server) isRepoAllowed(fullName string) bool {
	if len(s.cfg.Serve.AllowedRepos) == 0 {
		return true // no filter configured
	}
	return slices.ContainsFunc(s.cfg.Serve.AllowedRepos, func(allowed string) bool {
		return strings.EqualFold(allowed, fullName)
	})
}

// performSync executes the sync operation with single-flight semantics.
// If a sync is already in progress, at most one additional run is queued;
// further concurrent requests are dropped to avoid unbounded goroutine pile-up.
func (s *Server) performSync(ctx context.Context) {
	s.syncMu.Lock()
	if s.syncRunning {
		s.syncPending = true
		s.syncMu.Unlock()
		s.logger.Info("sync already in progress, queuing pending re-run")
		return
	}
	s.syncRunning = true
	s.syncMu.Unlock()

	for {
		status := s.runOnce(ctx)

		// Atomically check whether another sync was requested while we were
		// running. If not, release the running slot and stop; if yes, clear
		// the flag and loop to service that one pending request.
		s.syncMu.Lock()
		s.last = status
		if !s.syncPending {
			s.syncRunning = false
			s.syncMu.Unlock()
			break
		}
		s.syncPending = false
		s.syncMu.Unlock()

		s.logger.Info("re-running sync due to pending request")
	}
}

func (s *Server) runOnce(ctx context.Context) *runStatus {
	res, err := s.runner.Run(ctx)

	status := &runStatus{FinishedAt: time.Now()}
	if res != nil {
		status.RunID = res.RunID
		status.Phase = string(res.Phase)
		status.Written = len(res.Written)
		status.Failed = len(res.Failed)
		status.Commit = res.Commit
	}

	switch {
	case err != nil:
		status.Error = err.Error()
		s.logger.Error("sync failed", "error", err)
	case res.PublishErr != nil:
		status.Error = res.PublishErr.Error()
		s.logger.Warn("sync completed but publishing failed", "error", res.PublishErr)
	default:
		s.logger.Info("sync completed successfully", "run_id", res.RunID, "written", len(res.Written))
	}
	return status
}

// trigger schedules the callback to run after the debounce delay
func (d *debouncer) trigger(callback func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.callback = callback

	if d.timer != nil {
		d.timer.Stop()
	}

	d.timer = time.AfterFunc(d.delay, func() {
		d.mu.Lock()
		cb := d.callback
		d.mu.Unlock()

		if cb != nil {
			cb()
		}
	})
}

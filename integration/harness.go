//go:build integration

// Package integration runs the docsync binary against a fake GitHub API and
// a real git repository.
package integration

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/carletonai/docsync/internal/testutil"
)

const defaultTimeout = 2 * time.Minute

// buildBinary compiles cmd/docsync into dir
func buildBinary(dir string) (string, error) {
	root, err := testutil.FindProjectRoot()
	if err != nil {
		return "", err
	}
	bin := filepath.Join(dir, "docsync")
	cmd := exec.Command("go", "build", "-o", bin, "./cmd/docsync")
	cmd.Dir = root
	if out, err := cmd.CombinedOutput(); err != nil {
		return "", fmt.Errorf("go build: %v: %s", err, out)
	}
	return bin, nil
}

// FakeGitHub serves the subset of the contents API docsync uses
type FakeGitHub struct {
	mu    sync.Mutex
	files map[string]string // repo path -> content
	srv   *httptest.Server
}

// NewFakeGitHub starts a fake API for carletonai/CuMind
func NewFakeGitHub(t *testing.T) *FakeGitHub {
	t.Helper()
	f := &FakeGitHub{files: make(map[string]string)}
	f.srv = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.srv.Close)
	return f
}

// URL returns the API base URL
func (f *FakeGitHub) URL() string {
	return f.srv.URL
}

// Set stores or replaces an upstream file
func (f *FakeGitHub) Set(p, content string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[p] = content
}

type contentJSON struct {
	Type     string `json:"type"`
	Name     string `json:"name"`
	Path     string `json:"path"`
	Size     int    `json:"size"`
	Encoding string `json:"encoding,omitempty"`
	Content  string `json:"content,omitempty"`
}

func (f *FakeGitHub) serve(w http.ResponseWriter, r *http.Request) {
	const prefix = "/repos/carletonai/CuMind/contents/"
	if r.Method != http.MethodGet || !strings.HasPrefix(r.URL.Path, prefix) {
		http.NotFound(w, r)
		return
	}
	p := strings.TrimPrefix(r.URL.Path, prefix)

	f.mu.Lock()
	defer f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if content, ok := f.files[p]; ok {
		_ = json.NewEncoder(w).Encode(contentJSON{
			Type:     "file",
			Name:     path.Base(p),
			Path:     p,
			Size:     len(content),
			Encoding: "base64",
			Content:  base64.StdEncoding.EncodeToString([]byte(content)),
		})
		return
	}

	var entries []contentJSON
	for fp, content := range f.files {
		if path.Dir(fp) == p {
			entries = append(entries, contentJSON{Type: "file", Name: path.Base(fp), Path: fp, Size: len(content)})
		}
	}
	if len(entries) == 0 {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"message":"Not Found"}`))
		return
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	_ = json.NewEncoder(w).Encode(entries)
}

// Site is a git repository holding a docs directory
type Site struct {
	t    *testing.T
	Root string
	Docs string
}

// NewSite initializes a repository with a hand-written index page
func NewSite(t *testing.T) *Site {
	t.Helper()
	root := t.TempDir()
	s := &Site{t: t, Root: root, Docs: filepath.Join(root, "docs")}
	s.Git("init", "-q", "-b", "main")
	testutil.WriteTree(t, root, map[string]string{"docs/index.md": "# Home\n"})
	s.Git("add", "docs/index.md")
	s.Git("-c", "user.name=test", "-c", "user.email=test@example.com", "commit", "-q", "-m", "init")
	return s
}

// Git runs a git command in the site repository
func (s *Site) Git(args ...string) string {
	s.t.Helper()
	out, err := exec.Command("git", append([]string{"-C", s.Root}, args...)...).CombinedOutput()
	if err != nil {
		s.t.Fatalf("git %v: %v: %s", args, err, out)
	}
	return strings.TrimSpace(string(out))
}

// Commits returns the number of commits on HEAD
func (s *Site) Commits() string {
	return s.Git("rev-list", "--count", "HEAD")
}

// WriteConfig writes a config file pointing at api and returns its path
func (s *Site) WriteConfig(api string, mappings string) string {
	s.t.Helper()
	cfg := fmt.Sprintf(`source:
  repo: carletonai/CuMind
  ref: dev
  api_url: %q
mappings:
%s
paths:
  docs_dir: %q
  lock_file: %q
fetch:
  timeout: 5s
publish:
  enabled: true
  backend: native
  repo_dir: %q
`, api, mappings, s.Docs, filepath.Join(s.t.TempDir(), "docsync.lock"), s.Root)

	p := filepath.Join(s.t.TempDir(), "config.yaml")
	if err := os.WriteFile(p, []byte(cfg), 0o600); err != nil {
		s.t.Fatal(err)
	}
	return p
}

// Run executes the binary and returns its output and exit code
func Run(t *testing.T, bin string, args ...string) (string, int) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()

	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Stdout = &out
	cmd.Stderr = &out
	cmd.Env = append(os.Environ(), "GITHUB_TOKEN=")

	err := cmd.Run()
	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return out.String(), 0
	case errors.As(err, &exitErr):
		return out.String(), exitErr.ExitCode()
	default:
		t.Fatalf("run %s: %v", bin, err)
		return "", -1
	}
}

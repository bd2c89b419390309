package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/carletonai/docsync/internal/testutil"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	content := `
source:
  repo: "carletonai/CuMind"
  ref: "dev"

mappings:
  - source: "docs/guide.md"
    dest: "external/guide.md"
  - source: "docs"
    dest: "CuMind"
    pattern: "*.md"
    prune: true

paths:
  docs_dir: "/srv/site/docs"
  protected: ["index.md", "guides"]

fetch:
  timeout: "10s"

publish:
  enabled: true
  backend: "shell"
  push: true
`
	cfg, err := Load(writeConfig(t, "config.yaml", content))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Source.Repo != "carletonai/CuMind" {
		t.Errorf("expected repo carletonai/CuMind, got %s", cfg.Source.Repo)
	}
	want := []Mapping{
		{Source: "docs/guide.md", Dest: "external/guide.md"},
		{Source: "docs", Dest: "CuMind", Pattern: "*.md", Prune: true},
	}
	if diff := cmp.Diff(want, cfg.Mappings); diff != "" {
		t.Errorf("mappings mismatch (-want +got):\n%s", diff)
	}
	if cfg.Fetch.Timeout.Std() != 10*time.Second {
		t.Errorf("expected timeout 10s, got %s", cfg.Fetch.Timeout.Std())
	}
	if cfg.Publish.Backend != BackendShell {
		t.Errorf("expected shell backend, got %s", cfg.Publish.Backend)
	}
	if dir := filepath.Dir(cfg.Paths.LockFile); dir != filepath.Clean(os.TempDir()) {
		t.Errorf("default lock file must live outside the site tree, got %s", cfg.Paths.LockFile)
	}
	if cfg.Paths.LockFile != defaultLockFile("/srv/site/docs") {
		t.Errorf("unexpected default lock file %s", cfg.Paths.LockFile)
	}
}

func TestLoad_TOML(t *testing.T) {
	content := `
[source]
repo = "carletonai/CuMind"
ref = "main"

[[mappings]]
source = "README.md"
dest = "cumind/readme.md"

[fetch]
timeout = "5s"
requests_per_second = 2.5

[transform]
frontmatter = false
`
	cfg, err := Load(writeConfig(t, "config.toml", content))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Source.Ref != "main" {
		t.Errorf("expected ref main, got %s", cfg.Source.Ref)
	}
	if len(cfg.Mappings) != 1 || cfg.Mappings[0].Dest != "cumind/readme.md" {
		t.Errorf("unexpected mappings: %+v", cfg.Mappings)
	}
	if cfg.Fetch.Timeout.Std() != 5*time.Second {
		t.Errorf("expected timeout 5s, got %s", cfg.Fetch.Timeout.Std())
	}
	if cfg.Fetch.RequestsPerSecond != 2.5 {
		t.Errorf("expected rate 2.5, got %v", cfg.Fetch.RequestsPerSecond)
	}
	if cfg.Transform.FrontmatterEnabled() {
		t.Error("expected frontmatter transform to be disabled")
	}
}

func TestLoad_Errors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}

	if _, err := Load(writeConfig(t, "bad.yaml", "source: [")); err == nil {
		t.Error("expected parse error")
	}

	_, err := Load(writeConfig(t, "bad-duration.yaml", `
source: {repo: "a/b"}
mappings: [{source: "x.md", dest: "x.md"}]
fetch: {timeout: "soon"}
`))
	if err == nil || !strings.Contains(err.Error(), "invalid duration") {
		t.Errorf("expected invalid duration error, got %v", err)
	}
}

func TestLoad_ExampleConfig(t *testing.T) {
	root, err := testutil.FindProjectRoot()
	if err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(filepath.Join(root, "examples", "config.yaml"))
	if err != nil {
		t.Fatalf("example config does not load: %v", err)
	}
	if len(cfg.Mappings) == 0 {
		t.Error("example config has no mappings")
	}
}

func TestDefault(t *testing.T) {
	t.Setenv("GITHUB_TOKEN", "")

	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config is invalid: %v", err)
	}

	want := &Config{
		Source:   SourceConfig{Repo: DefaultRepo, Ref: DefaultRef},
		Mappings: []Mapping{{Source: "docs", Dest: "CuMind", Pattern: "*.md"}},
		Paths: PathsConfig{
			DocsDir:  "docs",
			LockFile: defaultLockFile("docs"),
		},
		Fetch: FetchConfig{Timeout: Duration(DefaultTimeout), RequestsPerSecond: DefaultRate},
		Publish: PublishConfig{
			Enabled:     true,
			Backend:     BackendNative,
			RepoDir:     ".",
			Message:     DefaultMessage,
			AuthorName:  DefaultAuthorName,
			AuthorEmail: "docsync@users.noreply.github.com",
			Remote:      "origin",
		},
		Serve: ServeConfig{ListenAddr: ":8080"},
	}
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("default config mismatch (-want +got):\n%s", diff)
	}
	if !cfg.Transform.FrontmatterEnabled() {
		t.Error("frontmatter transform should default to enabled")
	}
}

func validConfig() Config {
	cfg := Config{
		Source: SourceConfig{Repo: "carletonai/CuMind", Ref: "dev"},
		Mappings: []Mapping{
			{Source: "docs/guide.md", Dest: "external/guide.md"},
		},
	}
	cfg.applyDefaults()
	return cfg
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{
			name:   "valid config",
			mutate: func(c *Config) {},
		},
		{
			name:    "missing repo",
			mutate:  func(c *Config) { c.Source.Repo = "" },
			wantErr: "source.repo is required",
		},
		{
			name:    "repo without owner",
			mutate:  func(c *Config) { c.Source.Repo = "CuMind" },
			wantErr: "owner/name",
		},
		{
			name:    "no mappings",
			mutate:  func(c *Config) { c.Mappings = nil },
			wantErr: "at least one mapping",
		},
		{
			name: "missing source",
			mutate: func(c *Config) {
				c.Mappings = []Mapping{{Dest: "a.md"}}
			},
			wantErr: "source is required",
		},
		{
			name: "absolute dest",
			mutate: func(c *Config) {
				c.Mappings = []Mapping{{Source: "a.md", Dest: "/etc/passwd"}}
			},
			wantErr: "must stay inside",
		},
		{
			name: "dest escapes docs dir",
			mutate: func(c *Config) {
				c.Mappings = []Mapping{{Source: "a.md", Dest: "external/../../a.md"}}
			},
			wantErr: "must stay inside",
		},
		{
			name: "duplicate dest",
			mutate: func(c *Config) {
				c.Mappings = []Mapping{
					{Source: "a.md", Dest: "x/a.md"},
					{Source: "b.md", Dest: "x/./a.md"},
				}
			},
			wantErr: "used by another mapping",
		},
		{
			name: "dest overlaps protected path",
			mutate: func(c *Config) {
				c.Paths.Protected = []string{"guides"}
				c.Mappings = []Mapping{{Source: "a.md", Dest: "guides/a.md"}}
			},
			wantErr: "overlaps protected path",
		},
		{
			name: "dir mapping containing protected path",
			mutate: func(c *Config) {
				c.Paths.Protected = []string{"external/handwritten.md"}
				c.Mappings = []Mapping{{Source: "docs", Dest: "external", Pattern: "*.md"}}
			},
			wantErr: "overlaps protected path",
		},
		{
			name: "file mapping inside pruned dir",
			mutate: func(c *Config) {
				c.Mappings = []Mapping{
					{Source: "docs", Dest: "CuMind", Pattern: "*.md", Prune: true},
					{Source: "README.md", Dest: "CuMind/readme.md"},
				}
			},
			wantErr: "inside directory mapping",
		},
		{
			name: "file mapping inside unpruned dir",
			mutate: func(c *Config) {
				c.Mappings = []Mapping{
					{Source: "docs", Dest: "CuMind", Pattern: "*.md"},
					{Source: "README.md", Dest: "CuMind/guide.md"},
				}
			},
			wantErr: "inside directory mapping",
		},
		{
			name: "nested dir mappings",
			mutate: func(c *Config) {
				c.Mappings = []Mapping{
					{Source: "docs", Dest: "CuMind", Pattern: "*.md"},
					{Source: "docs/api", Dest: "CuMind/api", Pattern: "*.md"},
				}
			},
			wantErr: "inside directory mapping",
		},
		{
			name: "file mapping next to dir mapping",
			mutate: func(c *Config) {
				c.Mappings = []Mapping{
					{Source: "docs", Dest: "CuMind/guide", Pattern: "*.md"},
					{Source: "README.md", Dest: "CuMind/index.md"},
				}
			},
		},
		{
			name: "prune without pattern",
			mutate: func(c *Config) {
				c.Mappings = []Mapping{{Source: "a.md", Dest: "a.md", Prune: true}}
			},
			wantErr: "prune requires a pattern",
		},
		{
			name: "bad pattern",
			mutate: func(c *Config) {
				c.Mappings = []Mapping{{Source: "docs", Dest: "d", Pattern: "[md"}}
			},
			wantErr: "pattern",
		},
		{
			name:    "invalid backend",
			mutate:  func(c *Config) { c.Publish.Backend = "svn" },
			wantErr: "invalid publish.backend",
		},
		{
			name:    "push without publish",
			mutate:  func(c *Config) { c.Publish.Push = true },
			wantErr: "publish.push requires publish.enabled",
		},
		{
			name:    "ssh key with native backend",
			mutate:  func(c *Config) { c.Auth.SSHKeyFile = "/key" },
			wantErr: "only supported by the shell",
		},
		{
			name: "ssh key with shell backend",
			mutate: func(c *Config) {
				c.Auth.SSHKeyFile = "/key"
				c.Publish.Backend = BackendShell
			},
		},
		{
			name:    "negative rate",
			mutate:  func(c *Config) { c.Fetch.RequestsPerSecond = -1 },
			wantErr: "requests_per_second",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected error containing %q, got nil", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestOwnerRepo(t *testing.T) {
	owner, name, err := SourceConfig{Repo: "carletonai/CuMind"}.OwnerRepo()
	if err != nil {
		t.Fatal(err)
	}
	if owner != "carletonai" || name != "CuMind" {
		t.Errorf("got %s/%s", owner, name)
	}

	for _, repo := range []string{"", "a", "a/", "/b", "a/b/c"} {
		if _, _, err := (SourceConfig{Repo: repo}).OwnerRepo(); err == nil {
			t.Errorf("expected error for %q", repo)
		}
	}
}

func TestToken(t *testing.T) {
	t.Setenv("GITHUB_TOKEN", " env-token \n")

	cfg := validConfig()
	token, err := cfg.Token()
	if err != nil {
		t.Fatal(err)
	}
	if token != "env-token" {
		t.Errorf("expected env-token, got %q", token)
	}
	if cfg.AuthMethod() != "token-env" {
		t.Errorf("expected token-env, got %s", cfg.AuthMethod())
	}

	cfg.Auth.TokenFile = writeConfig(t, "token", "file-token\n")
	token, err = cfg.Token()
	if err != nil {
		t.Fatal(err)
	}
	if token != "file-token" {
		t.Errorf("expected file-token, got %q", token)
	}
	if cfg.AuthMethod() != "token-file" {
		t.Errorf("expected token-file, got %s", cfg.AuthMethod())
	}

	cfg.Auth.TokenFile = filepath.Join(t.TempDir(), "missing")
	if _, err := cfg.Token(); err == nil {
		t.Error("expected error for missing token file")
	}
}

func TestExpandEnv(t *testing.T) {
	t.Setenv("DOCSYNC_TEST_ROOT", "/srv/site")
	t.Setenv("DOCSYNC_TEST_REPO", "carletonai/CuMind")

	path := writeConfig(t, "config.yaml", `
source:
  repo: "${DOCSYNC_TEST_REPO}"
mappings:
  - source: "docs/a.md"
    dest: "a.md"
paths:
  docs_dir: "${DOCSYNC_TEST_ROOT}/docs"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Source.Repo != "carletonai/CuMind" {
		t.Errorf("repo not expanded: %s", cfg.Source.Repo)
	}
	if cfg.Paths.DocsDir != "/srv/site/docs" {
		t.Errorf("docs_dir not expanded: %s", cfg.Paths.DocsDir)
	}
}

func TestDefaultLockFile(t *testing.T) {
	wd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}

	a := defaultLockFile("docs")
	if a != defaultLockFile(filepath.Join(wd, "docs")) {
		t.Error("relative and absolute docs dir must share a lock")
	}
	if a == defaultLockFile("other/docs") {
		t.Error("different docs dirs must not share a lock")
	}
	if !strings.HasPrefix(filepath.Base(a), "docsync-") || filepath.Ext(a) != ".lock" {
		t.Errorf("unexpected lock name %s", a)
	}
}

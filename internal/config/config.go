package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// PublishBackend selects how changed files are committed
type PublishBackend string

const (
	BackendNative PublishBackend = "native"
	BackendShell  PublishBackend = "shell"
)

const (
	DefaultRepo       = "carletonai/CuMind"
	DefaultRef        = "dev"
	DefaultDocsDir    = "docs"
	DefaultMessage    = "docs: sync upstream documentation"
	DefaultAuthorName = "docsync"
	DefaultTimeout    = 30 * time.Second
	DefaultRate       = 5.0
)

// Config represents the complete docsync configuration
type Config struct {
	Source    SourceConfig    `yaml:"source" toml:"source"`
	Mappings  []Mapping       `yaml:"mappings" toml:"mappings"`
	Paths     PathsConfig     `yaml:"paths" toml:"paths"`
	Fetch     FetchConfig     `yaml:"fetch" toml:"fetch"`
	Transform TransformConfig `yaml:"transform" toml:"transform"`
	Publish   PublishConfig   `yaml:"publish" toml:"publish"`
	Auth      AuthConfig      `yaml:"auth" toml:"auth"`
	Serve     ServeConfig     `yaml:"serve" toml:"serve"`
}

// SourceConfig identifies the upstream repository
type SourceConfig struct {
	Repo   string `yaml:"repo" toml:"repo"`
	Ref    string `yaml:"ref" toml:"ref"`
	APIURL string `yaml:"api_url" toml:"api_url"`
}

// Mapping maps an upstream path to a destination path relative to the docs
// directory. A mapping with a Pattern is a directory mapping: Source names an
// upstream directory and every matching file lands in Dest.
type Mapping struct {
	Source  string `yaml:"source" toml:"source"`
	Dest    string `yaml:"dest" toml:"dest"`
	Pattern string `yaml:"pattern,omitempty" toml:"pattern,omitempty"`
	Prune   bool   `yaml:"prune,omitempty" toml:"prune,omitempty"`
}

// IsDir reports whether the mapping expands a directory listing
func (m Mapping) IsDir() bool {
	return m.Pattern != ""
}

// PathsConfig configures local filesystem paths
type PathsConfig struct {
	DocsDir   string   `yaml:"docs_dir" toml:"docs_dir"`
	LockFile  string   `yaml:"lock_file" toml:"lock_file"`
	Protected []string `yaml:"protected" toml:"protected"`
}

// FetchConfig bounds upstream requests
type FetchConfig struct {
	Timeout           Duration `yaml:"timeout" toml:"timeout"`
	RequestsPerSecond float64  `yaml:"requests_per_second" toml:"requests_per_second"`
}

// TransformConfig controls content rewriting before comparison
type TransformConfig struct {
	Frontmatter *bool `yaml:"frontmatter" toml:"frontmatter"`
}

// FrontmatterEnabled reports whether missing frontmatter is injected
func (t TransformConfig) FrontmatterEnabled() bool {
	return t.Frontmatter == nil || *t.Frontmatter
}

// PublishConfig configures the commit produced by a run
type PublishConfig struct {
	Enabled     bool           `yaml:"enabled" toml:"enabled"`
	Backend     PublishBackend `yaml:"backend" toml:"backend"`
	RepoDir     string         `yaml:"repo_dir" toml:"repo_dir"`
	Message     string         `yaml:"message" toml:"message"`
	AuthorName  string         `yaml:"author_name" toml:"author_name"`
	AuthorEmail string         `yaml:"author_email" toml:"author_email"`
	Push        bool           `yaml:"push" toml:"push"`
	Remote      string         `yaml:"remote" toml:"remote"`
	Branch      string         `yaml:"branch" toml:"branch"`
}

// AuthConfig configures credentials for the upstream API and for pushes
type AuthConfig struct {
	TokenFile  string `yaml:"token_file" toml:"token_file"`
	SSHKeyFile string `yaml:"ssh_key_file" toml:"ssh_key_file"`
}

// ServeConfig configures the long-running trigger server
type ServeConfig struct {
	ListenAddr              string   `yaml:"listen_addr" toml:"listen_addr"`
	GitHubWebhookSecretFile string   `yaml:"github_webhook_secret_file" toml:"github_webhook_secret_file"`
	AllowedEventTypes       []string `yaml:"allowed_event_types" toml:"allowed_event_types"`
	AllowedRefs             []string `yaml:"allowed_refs" toml:"allowed_refs"`
	AllowedRepos            []string `yaml:"allowed_repos" toml:"allowed_repos"`
	Interval                Duration `yaml:"interval" toml:"interval"`
}

// Default returns the built-in configuration used when no config file exists.
// It mirrors the CuMind documentation job.
func Default() *Config {
	cfg := &Config{
		Source: SourceConfig{
			Repo: DefaultRepo,
			Ref:  DefaultRef,
		},
		Mappings: []Mapping{
			{Source: "docs", Dest: "CuMind", Pattern: "*.md"},
		},
		Publish: PublishConfig{
			Enabled: true,
		},
	}
	cfg.expandEnv()
	cfg.applyDefaults()
	return cfg
}

// Duration is a time.Duration read from strings such as "30s" or "6h" in
// both YAML and TOML files.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	*d = Duration(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns the value as a time.Duration
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Load reads and parses the configuration file. Files ending in .toml are
// parsed as TOML, everything else as YAML.
func Load(path string) (*Config, error) {
	// Expand environment variables in path
	path = os.ExpandEnv(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		err = toml.Unmarshal(data, &cfg)
	} else {
		err = yaml.Unmarshal(data, &cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.expandEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// expandEnv expands environment variables in all string fields
func (c *Config) expandEnv() {
	c.Source.Repo = os.ExpandEnv(c.Source.Repo)
	c.Source.Ref = os.ExpandEnv(c.Source.Ref)
	c.Source.APIURL = os.ExpandEnv(c.Source.APIURL)
	c.Paths.DocsDir = os.ExpandEnv(c.Paths.DocsDir)
	c.Paths.LockFile = os.ExpandEnv(c.Paths.LockFile)
	c.Publish.RepoDir = os.ExpandEnv(c.Publish.RepoDir)
	c.Publish.AuthorEmail = os.ExpandEnv(c.Publish.AuthorEmail)
	c.Auth.TokenFile = os.ExpandEnv(c.Auth.TokenFile)
	c.Auth.SSHKeyFile = os.ExpandEnv(c.Auth.SSHKeyFile)
	c.Serve.ListenAddr = os.ExpandEnv(c.Serve.ListenAddr)
	c.Serve.GitHubWebhookSecretFile = os.ExpandEnv(c.Serve.GitHubWebhookSecretFile)
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.Paths.DocsDir == "" {
		c.Paths.DocsDir = DefaultDocsDir
	}
	if c.Paths.LockFile == "" {
		c.Paths.LockFile = defaultLockFile(c.Paths.DocsDir)
	}
	if c.Fetch.Timeout <= 0 {
		c.Fetch.Timeout = Duration(DefaultTimeout)
	}
	if c.Fetch.RequestsPerSecond == 0 {
		c.Fetch.RequestsPerSecond = DefaultRate
	}
	if c.Publish.Backend == "" {
		c.Publish.Backend = BackendNative
	}
	if c.Publish.RepoDir == "" {
		c.Publish.RepoDir = "."
	}
	if c.Publish.Message == "" {
		c.Publish.Message = DefaultMessage
	}
	if c.Publish.AuthorName == "" {
		c.Publish.AuthorName = DefaultAuthorName
	}
	if c.Publish.AuthorEmail == "" {
		c.Publish.AuthorEmail = DefaultAuthorName + "@users.noreply.github.com"
	}
	if c.Publish.Remote == "" {
		c.Publish.Remote = "origin"
	}
	if c.Serve.ListenAddr == "" {
		c.Serve.ListenAddr = ":8080"
	}
}

// defaultLockFile names a lock outside the site tree, one per docs directory
func defaultLockFile(docsDir string) string {
	abs, err := filepath.Abs(docsDir)
	if err != nil {
		abs = docsDir
	}
	sum := sha256.Sum256([]byte(abs))
	return filepath.Join(os.TempDir(), "docsync-"+hex.EncodeToString(sum[:8])+".lock")
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if c.Source.Repo == "" {
		return fmt.Errorf("source.repo is required")
	}
	if _, _, err := c.Source.OwnerRepo(); err != nil {
		return err
	}

	if c.Paths.DocsDir == "" {
		return fmt.Errorf("paths.docs_dir is required")
	}

	if len(c.Mappings) == 0 {
		return fmt.Errorf("at least one mapping is required")
	}
	if err := c.validateMappings(); err != nil {
		return err
	}

	switch c.Publish.Backend {
	case BackendNative, BackendShell:
		// valid
	default:
		return fmt.Errorf("invalid publish.backend: %s (must be native or shell)", c.Publish.Backend)
	}
	if c.Publish.Push && !c.Publish.Enabled {
		return fmt.Errorf("publish.push requires publish.enabled")
	}
	if c.Auth.SSHKeyFile != "" && c.Publish.Backend != BackendShell {
		return fmt.Errorf("auth.ssh_key_file is only supported by the shell publish backend")
	}

	if c.Fetch.RequestsPerSecond < 0 {
		return fmt.Errorf("fetch.requests_per_second must not be negative")
	}
	if c.Serve.Interval < 0 {
		return fmt.Errorf("serve.interval must not be negative")
	}

	return nil
}

// validateMappings enforces that destinations stay inside the docs directory
// and that synced subtrees never overlap each other or protected paths.
func (c *Config) validateMappings() error {
	protected := make([]string, 0, len(c.Paths.Protected))
	for _, p := range c.Paths.Protected {
		clean := filepath.Clean(p)
		if !filepath.IsLocal(clean) {
			return fmt.Errorf("paths.protected entry %q must be relative to the docs directory", p)
		}
		protected = append(protected, clean)
	}

	seen := make(map[string]bool)
	var dirDests []string
	for i, m := range c.Mappings {
		if m.Source == "" {
			return fmt.Errorf("mappings[%d].source is required", i)
		}
		if m.Dest == "" {
			return fmt.Errorf("mappings[%d].dest is required", i)
		}
		dest := filepath.Clean(m.Dest)
		if !filepath.IsLocal(dest) {
			return fmt.Errorf("mappings[%d].dest %q must stay inside the docs directory", i, m.Dest)
		}
		if m.IsDir() {
			if _, err := path.Match(m.Pattern, ""); err != nil {
				return fmt.Errorf("mappings[%d].pattern %q: %w", i, m.Pattern, err)
			}
		} else if m.Prune {
			return fmt.Errorf("mappings[%d].prune requires a pattern", i)
		}
		if seen[dest] {
			return fmt.Errorf("mappings[%d].dest %q is used by another mapping", i, m.Dest)
		}
		seen[dest] = true
		for _, p := range protected {
			if within(dest, p) || within(p, dest) {
				return fmt.Errorf("mappings[%d].dest %q overlaps protected path %q", i, m.Dest, p)
			}
		}
		if m.IsDir() {
			dirDests = append(dirDests, dest)
		}
	}

	// A directory mapping owns its whole subtree.
	for i, m := range c.Mappings {
		dest := filepath.Clean(m.Dest)
		for _, dir := range dirDests {
			if dest != dir && within(dest, dir) {
				return fmt.Errorf("mappings[%d].dest %q is inside directory mapping %q", i, m.Dest, dir)
			}
		}
	}

	return nil
}

// within reports whether path equals dir or lies below it
func within(path, dir string) bool {
	if path == dir {
		return true
	}
	rel, err := filepath.Rel(dir, path)
	return err == nil && filepath.IsLocal(rel)
}

// OwnerRepo splits source.repo into owner and name
func (s SourceConfig) OwnerRepo() (string, string, error) {
	owner, name, ok := strings.Cut(s.Repo, "/")
	if !ok || owner == "" || name == "" || strings.Contains(name, "/") {
		return "", "", fmt.Errorf("source.repo must have the form owner/name: %q", s.Repo)
	}
	return owner, name, nil
}

// Token returns the API token from auth.token_file, or $GITHUB_TOKEN when no
// file is configured. An empty token means anonymous access.
func (c *Config) Token() (string, error) {
	if c.Auth.TokenFile == "" {
		return strings.TrimSpace(os.Getenv("GITHUB_TOKEN")), nil
	}
	data, err := os.ReadFile(c.Auth.TokenFile)
	if err != nil {
		return "", fmt.Errorf("failed to read token file: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// AuthMethod returns a description of the configured auth method
func (c *Config) AuthMethod() string {
	if c.Auth.SSHKeyFile != "" {
		return "ssh"
	}
	if c.Auth.TokenFile != "" {
		return "token-file"
	}
	if os.Getenv("GITHUB_TOKEN") != "" {
		return "token-env"
	}
	return "none"
}

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/dustin/go-humanize/english"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/carletonai/docsync/internal/config"
	"github.com/carletonai/docsync/internal/git"
	"github.com/carletonai/docsync/internal/source"
	"github.com/carletonai/docsync/internal/sync"
	"github.com/carletonai/docsync/internal/webhook"
)

var (
	// Set by goreleaser
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// Global flags
	cfgFile   string
	logLevel  string
	logFormat string
	dryRun    bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "docsync",
	Short: "Mirror upstream documentation into a docs directory",
	Long: `docsync fetches documentation pages from an upstream GitHub repository,
writes the ones that changed into the local docs directory and records them
in a single commit.

Without a subcommand it performs one sync, like "docsync sync". It can also
run as a long-running server that syncs on GitHub push webhooks and on a
fixed interval.`,
	SilenceUsage: true,
	Args:         cobra.NoArgs,
	RunE:         runSync,
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Perform a one-time sync from the upstream repository",
	Long: `Sync fetches every mapped upstream file, compares it with the local copy and
atomically writes the files that differ. When at least one file changed, the
changes are committed (and optionally pushed).

Files that fail to fetch are reported but do not fail the run. The command
exits non-zero only when the docs directory is not writable, the upstream
source is unreachable, or another run holds the lock.`,
	Args: cobra.NoArgs,
	RunE: runSync,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the webhook and interval trigger server",
	Long: `Serve performs an initial sync and then keeps running, triggering a sync on
verified GitHub push webhooks and every serve.interval. Prometheus metrics
are exposed on /metrics and the last run on /healthz.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		_, _ = fmt.Fprintf(out, "docsync %s\n", version)
		_, _ = fmt.Fprintf(out, "  commit: %s\n", commit)
		_, _ = fmt.Fprintf(out, "  built:  %s\n", date)
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $XDG_CONFIG_HOME/docsync/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")

	// Sync flags, also accepted by the root command
	syncCmd.Flags().BoolVar(&dryRun, "dry-run", false, "show what would be done without making changes")
	rootCmd.Flags().BoolVar(&dryRun, "dry-run", false, "show what would be done without making changes")

	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

func runSync(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	engine, err := newEngine(ctx, cfg, logger, dryRun)
	if err != nil {
		return err
	}

	res, err := engine.Run(ctx)
	if res != nil {
		printSummary(cmd.OutOrStdout(), cfg, res)
	}
	if err != nil {
		logger.Error("sync failed", "error", err)
		return err
	}
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	engine, err := newEngine(ctx, cfg, logger, false)
	if err != nil {
		return err
	}

	server, err := webhook.NewServer(cfg, engine, logger)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}
	return server.Start(ctx)
}

// newEngine wires the upstream source, the publisher and the local
// filesystem into a sync engine
func newEngine(ctx context.Context, cfg *config.Config, logger *slog.Logger, dryRun bool) (*sync.Engine, error) {
	token, err := cfg.Token()
	if err != nil {
		return nil, err
	}

	owner, repo, err := cfg.Source.OwnerRepo()
	if err != nil {
		return nil, err
	}
	src, err := source.NewGitHub(ctx, source.Options{
		Owner:             owner,
		Repo:              repo,
		Ref:               cfg.Source.Ref,
		BaseURL:           cfg.Source.APIURL,
		Token:             token,
		RequestsPerSecond: cfg.Fetch.RequestsPerSecond,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create upstream source: %w", err)
	}
	logger.Debug("upstream source ready", "source", src.String(), "auth", cfg.AuthMethod())

	pub, err := newPublisher(cfg, token)
	if err != nil {
		return nil, err
	}

	return sync.NewEngine(cfg, src, pub, afero.NewOsFs(), logger, dryRun), nil
}

// newPublisher returns nil when publishing is disabled
func newPublisher(cfg *config.Config, token string) (git.Publisher, error) {
	if !cfg.Publish.Enabled {
		return nil, nil
	}

	opts := git.Options{
		Dir:         cfg.Publish.RepoDir,
		AuthorName:  cfg.Publish.AuthorName,
		AuthorEmail: cfg.Publish.AuthorEmail,
		Remote:      cfg.Publish.Remote,
		Branch:      cfg.Publish.Branch,
		Token:       token,
		SSHKeyFile:  cfg.Auth.SSHKeyFile,
	}

	switch cfg.Publish.Backend {
	case config.BackendShell:
		return git.NewShellClient(opts), nil
	default:
		repo, err := git.OpenNative(opts)
		if err != nil {
			return nil, err
		}
		return repo, nil
	}
}

// printSummary writes a human readable report of a run
func printSummary(w io.Writer, cfg *config.Config, res *sync.Result) {
	verb := "wrote"
	if res.DryRun {
		verb = "would write"
	}

	_, _ = fmt.Fprintf(w, "%s@%s: %s %s (%s), %s unchanged, %s removed, %s failed\n",
		cfg.Source.Repo, cfg.Source.Ref,
		verb, english.Plural(len(res.Written), "file", "files"), humanize.Bytes(uint64(res.Bytes)),
		humanize.Comma(int64(len(res.Unchanged))),
		humanize.Comma(int64(len(res.Removed))),
		humanize.Comma(int64(len(res.Failed))))

	for _, f := range res.Failed {
		_, _ = fmt.Fprintf(w, "  failed: %v\n", f)
	}
	if res.Commit != "" {
		_, _ = fmt.Fprintf(w, "  commit: %s\n", res.Commit)
	}
	if res.Pushed {
		_, _ = fmt.Fprintf(w, "  pushed: %s\n", cfg.Publish.Remote)
	}
	if res.PublishErr != nil {
		_, _ = fmt.Fprintf(w, "  publish error: %v\n", res.PublishErr)
	}
	_, _ = fmt.Fprintf(w, "  run %s finished %s\n", res.RunID, humanize.Time(res.FinishedAt))
}

func setupLogger() *slog.Logger {
	// Parse log level
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	// Create handler based on format
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if logFormat == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	return slog.New(handler)
}

// defaultConfigPath returns $XDG_CONFIG_HOME/docsync/config.yaml
func defaultConfigPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("failed to determine config directory: %w", err)
	}
	return filepath.Join(dir, "docsync", "config.yaml"), nil
}

// loadConfig reads --config, or the default config file. A missing default
// file falls back to the built-in configuration.
func loadConfig(logger *slog.Logger) (*config.Config, error) {
	configPath := cfgFile
	if configPath == "" {
		path, err := defaultConfigPath()
		if err != nil {
			return nil, err
		}
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			logger.Info("no config file found, using built-in defaults", "path", path)
			cfg := config.Default()
			if err := cfg.Validate(); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		configPath = path
	}

	logger.Info("loading configuration", "path", configPath)

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger.Debug("configuration loaded",
		"repo", cfg.Source.Repo,
		"ref", cfg.Source.Ref,
		"mappings", len(cfg.Mappings),
		"docs_dir", cfg.Paths.DocsDir,
		"publish", cfg.Publish.Enabled)

	return cfg, nil
}

func setupSignalHandler() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

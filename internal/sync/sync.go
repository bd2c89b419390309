package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"path/filepath"
	gosync "sync"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"

	"github.com/carletonai/docsync/internal/config"
	"github.com/carletonai/docsync/internal/docs"
	"github.com/carletonai/docsync/internal/git"
	"github.com/carletonai/docsync/internal/metrics"
	"github.com/carletonai/docsync/internal/source"
)

// Engine orchestrates the sync process
type Engine struct {
	cfg    *config.Config
	source source.Source
	pub    git.Publisher
	fs     afero.Fs
	logger *slog.Logger
	dryRun bool
	now    func() time.Time

	mu    gosync.Mutex
	phase Phase
}

// NewEngine creates a new sync engine. pub may be nil when publishing is
// disabled.
func NewEngine(cfg *config.Config, src source.Source, pub git.Publisher, fs afero.Fs, logger *slog.Logger, dryRun bool) *Engine {
	return &Engine{
		cfg:    cfg,
		source: src,
		pub:    pub,
		fs:     fs,
		logger: logger,
		dryRun: dryRun,
		now:    time.Now,
		phase:  PhaseIdle,
	}
}

// Phase returns the phase of the run in progress, or idle
func (e *Engine) Phase() Phase {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.phase
}

func (e *Engine) setPhase(logger *slog.Logger, p Phase) {
	e.mu.Lock()
	e.phase = p
	e.mu.Unlock()
	logger.Debug("phase", "phase", p)
}

// target is one upstream file and where it lands
type target struct {
	source string
	dest   string // relative to the docs directory
}

// listing remembers which files a pruned directory mapping saw upstream
type listing struct {
	mapping config.Mapping
	names   map[string]bool
}

// Run executes one sync run. Per-file fetch failures are recorded in the
// result; fatal errors are returned together with the partial result.
func (e *Engine) Run(ctx context.Context) (*Result, error) {
	res := &Result{
		RunID:     uuid.NewString(),
		StartedAt: e.now(),
		Phase:     PhaseIdle,
		DryRun:    e.dryRun,
	}
	logger := e.logger.With("run_id", res.RunID)
	repo := e.cfg.Source.Repo

	metrics.LastSyncStart.WithLabelValues(repo).SetToCurrentTime()
	defer func() {
		e.setPhase(logger, PhaseIdle)
		metrics.LastSyncEnd.WithLabelValues(repo).SetToCurrentTime()
	}()

	logger.Info("starting sync",
		"repo", repo,
		"ref", e.cfg.Source.Ref,
		"docs_dir", e.cfg.Paths.DocsDir,
		"dry_run", e.dryRun)

	root, err := filepath.Abs(e.cfg.Paths.DocsDir)
	if err != nil {
		return e.fail(res, &WriteError{Path: e.cfg.Paths.DocsDir, Stage: StageProbe, Err: err})
	}
	if err := e.probe(root); err != nil {
		return e.fail(res, err)
	}

	lock, err := acquireLock(e.cfg.Paths.LockFile)
	if err != nil {
		return e.fail(res, err)
	}
	defer func() {
		_ = lock.Unlock()
	}()

	e.setPhase(logger, PhaseFetching)
	res.Phase = PhaseFetching

	// reached is set once any upstream request got an answer, even a 404
	reached := false
	record := func(fe *FetchError) {
		if source.IsNotFound(fe.Err) {
			reached = true
		}
		res.Failed = append(res.Failed, fe)
		logger.Warn("fetch failed", "path", fe.Path, "stage", fe.Stage, "error", fe.Err)
	}

	targets, listings, ok := e.expand(ctx, logger, record)
	reached = reached || ok

	for _, t := range targets {
		if err := ctx.Err(); err != nil {
			return e.fail(res, err)
		}

		content, err := e.fetch(ctx, t.source)
		if err != nil {
			record(&FetchError{Path: t.source, Stage: StageFetch, Err: err})
			continue
		}
		reached = true

		if e.cfg.Transform.FrontmatterEnabled() {
			content, err = docs.EnsureFrontmatter(path.Base(t.dest), content)
			if err != nil {
				record(&FetchError{Path: t.source, Stage: StageTransform, Err: err})
				continue
			}
		}

		if err := e.apply(logger, res, root, t, content); err != nil {
			return e.fail(res, err)
		}
	}

	if !reached && len(res.Failed) > 0 {
		return e.fail(res, fmt.Errorf("%w: all %d requests failed", ErrSourceUnreachable, len(res.Failed)))
	}

	for _, l := range listings {
		if err := e.prune(logger, res, root, l); err != nil {
			return e.fail(res, err)
		}
	}

	if len(res.Failed) > 0 {
		res.Phase = PhasePartialFailure
	} else {
		res.Phase = PhaseComplete
	}
	e.setPhase(logger, res.Phase)

	e.publish(ctx, logger, res, root)

	res.FinishedAt = e.now()
	e.observe(res)

	logger.Info("sync completed",
		"phase", res.Phase,
		"written", len(res.Written),
		"unchanged", len(res.Unchanged),
		"removed", len(res.Removed),
		"failed", len(res.Failed),
		"commit", res.Commit,
		"duration", res.Duration())
	return res, nil
}

// expand turns mappings into file targets. Directory mappings are listed
// upstream; a failed listing is recorded and skipped. ok reports whether any
// listing succeeded.
func (e *Engine) expand(ctx context.Context, logger *slog.Logger, record func(*FetchError)) ([]target, []listing, bool) {
	var (
		targets  []target
		listings []listing
		ok       bool
	)

	for _, m := range e.cfg.Mappings {
		if !m.IsDir() {
			targets = append(targets, target{source: m.Source, dest: filepath.ToSlash(filepath.Clean(m.Dest))})
			continue
		}

		entries, err := e.list(ctx, m.Source)
		if err != nil {
			record(&FetchError{Path: m.Source, Stage: StageList, Err: err})
			continue
		}
		ok = true

		names := make(map[string]bool)
		for _, entry := range entries {
			if !docs.MatchPattern(m.Pattern, entry.Name) {
				continue
			}
			if !isPlainName(entry.Name) {
				record(&FetchError{Path: entry.Path, Stage: StageList, Err: fmt.Errorf("invalid file name %q", entry.Name)})
				continue
			}
			names[entry.Name] = true
			targets = append(targets, target{
				source: entry.Path,
				dest:   path.Join(filepath.ToSlash(filepath.Clean(m.Dest)), entry.Name),
			})
		}
		logger.Debug("expanded directory mapping", "source", m.Source, "dest", m.Dest, "files", len(names))

		if m.Prune {
			listings = append(listings, listing{mapping: m, names: names})
		}
	}

	return targets, listings, ok
}

func (e *Engine) timeout() time.Duration {
	if d := e.cfg.Fetch.Timeout.Std(); d > 0 {
		return d
	}
	return config.DefaultTimeout
}

func (e *Engine) fetch(ctx context.Context, p string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout())
	defer cancel()
	return e.source.Fetch(ctx, p)
}

func (e *Engine) list(ctx context.Context, dir string) ([]source.Entry, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout())
	defer cancel()
	return e.source.List(ctx, dir)
}

// apply compares content with the destination file and writes it if it
// differs. Any error is a fatal WriteError.
func (e *Engine) apply(logger *slog.Logger, res *Result, root string, t target, content []byte) error {
	dst, err := e.resolve(root, t.dest)
	if err != nil {
		return &WriteError{Path: t.dest, Stage: StageWrite, Err: err}
	}

	same, err := e.unchanged(dst, content)
	if err != nil {
		return &WriteError{Path: t.dest, Stage: StageWrite, Err: err}
	}
	if same {
		logger.Debug("file unchanged", "dest", t.dest)
		res.Unchanged = append(res.Unchanged, t.dest)
		return nil
	}

	if e.dryRun {
		logger.Info("[dry-run] would write", "dest", t.dest, "source", t.source, "bytes", len(content))
		res.Written = append(res.Written, t.dest)
		return nil
	}

	logger.Info("writing file", "dest", t.dest, "source", t.source, "bytes", len(content))
	if err := e.writeAtomic(dst, content); err != nil {
		return &WriteError{Path: t.dest, Stage: StageWrite, Err: err}
	}
	res.Written = append(res.Written, t.dest)
	res.Bytes += int64(len(content))
	return nil
}

// prune removes files of a directory mapping that no longer exist upstream.
// Only files matching the mapping's pattern directly inside its destination
// are considered.
func (e *Engine) prune(logger *slog.Logger, res *Result, root string, l listing) error {
	dest := filepath.ToSlash(filepath.Clean(l.mapping.Dest))
	dir, err := e.resolve(root, dest)
	if err != nil {
		return &WriteError{Path: dest, Stage: StagePrune, Err: err}
	}

	names, err := docs.DiscoverFiles(e.fs, dir, l.mapping.Pattern)
	if err != nil {
		return &WriteError{Path: dest, Stage: StagePrune, Err: err}
	}

	for _, name := range names {
		if l.names[name] {
			continue
		}
		rel := path.Join(dest, name)
		if e.dryRun {
			logger.Info("[dry-run] would remove", "dest", rel)
		} else {
			logger.Info("removing file", "dest", rel)
			if err := e.fs.Remove(filepath.Join(dir, name)); err != nil {
				return &WriteError{Path: rel, Stage: StagePrune, Err: err}
			}
		}
		res.Removed = append(res.Removed, rel)
	}
	return nil
}

// publish commits every synced destination that differs from HEAD and
// optionally pushes. Unchanged files are included so a commit or push that
// failed in an earlier run is retried. Failures are stored in the result and
// never undo local writes.
func (e *Engine) publish(ctx context.Context, logger *slog.Logger, res *Result, root string) {
	switch {
	case e.dryRun:
		if res.Changed() {
			logger.Info("[dry-run] would commit", "files", len(res.Written)+len(res.Removed))
		}
		return
	case !e.cfg.Publish.Enabled || e.pub == nil:
		if res.Changed() {
			logger.Info("publishing disabled, leaving changes uncommitted")
		}
		return
	}

	synced := make([]string, 0, len(res.Written)+len(res.Unchanged)+len(res.Removed))
	synced = append(synced, res.Written...)
	synced = append(synced, res.Unchanged...)
	synced = append(synced, res.Removed...)
	if len(synced) == 0 {
		return
	}

	e.setPhase(logger, PhaseCommitting)

	paths := make([]string, 0, len(synced))
	for _, rel := range synced {
		p, err := e.resolve(root, rel)
		if err != nil {
			e.publishFailed(logger, res, StageCommit, err)
			return
		}
		paths = append(paths, p)
	}

	hash, err := e.pub.Commit(ctx, paths, e.cfg.Publish.Message)
	switch {
	case errors.Is(err, git.ErrNothingToCommit):
		logger.Info("no changes to commit")
	case err != nil:
		e.publishFailed(logger, res, StageCommit, err)
		return
	default:
		res.Commit = hash
		logger.Info("committed changes", "commit", hash)
	}

	if !e.cfg.Publish.Push {
		return
	}
	// an up-to-date remote makes this a no-op
	if err := e.pub.Push(ctx); err != nil {
		e.publishFailed(logger, res, StagePush, err)
		return
	}
	res.Pushed = true
	logger.Info("pushed", "remote", e.cfg.Publish.Remote, "branch", e.cfg.Publish.Branch)
}

func (e *Engine) publishFailed(logger *slog.Logger, res *Result, stage string, err error) {
	res.PublishErr = &PublishError{Stage: stage, Err: err}
	metrics.PublishFailed.WithLabelValues(stage).Inc()
	logger.Error("publish failed, local files are kept", "stage", stage, "error", err)
}

// fail finishes a run aborted by err
func (e *Engine) fail(res *Result, err error) (*Result, error) {
	res.FinishedAt = e.now()
	metrics.SyncFailed.WithLabelValues(errorType(err)).Inc()
	return res, err
}

func (e *Engine) observe(res *Result) {
	metrics.SyncRuns.WithLabelValues(string(res.Phase)).Inc()
	metrics.SyncFiles.WithLabelValues("written").Add(float64(len(res.Written)))
	metrics.SyncFiles.WithLabelValues("unchanged").Add(float64(len(res.Unchanged)))
	metrics.SyncFiles.WithLabelValues("removed").Add(float64(len(res.Removed)))
	metrics.SyncFiles.WithLabelValues("failed").Add(float64(len(res.Failed)))
	metrics.SyncBytesWritten.Add(float64(res.Bytes))
	metrics.SyncDuration.WithLabelValues(e.cfg.Source.Repo).Observe(res.Duration().Seconds())
}

// isPlainName reports whether name is a single local path element
func isPlainName(name string) bool {
	return name != "" && name != "." && name != ".." &&
		filepath.IsLocal(name) && filepath.Base(name) == name && path.Base(name) == name
}

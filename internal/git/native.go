package git

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/format/index"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
)

// NativeRepo implements Publisher in-process with go-git
type NativeRepo struct {
	opts     Options
	repo     *git.Repository
	worktree *git.Worktree
	root     string
	now      func() time.Time
}

// OpenNative opens the worktree containing opts.Dir
func OpenNative(opts Options) (*NativeRepo, error) {
	if opts.Remote == "" {
		opts.Remote = git.DefaultRemoteName
	}

	repo, err := git.PlainOpenWithOptions(opts.Dir, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return nil, fmt.Errorf("failed to open git repository at %s: %w", opts.Dir, err)
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("failed to open worktree: %w", err)
	}

	return &NativeRepo{
		opts:     opts,
		repo:     repo,
		worktree: worktree,
		root:     worktree.Filesystem.Root(),
		now:      time.Now,
	}, nil
}

// Commit stages paths and commits them. It refuses to commit while other
// paths are staged, since those would end up in the same commit.
func (r *NativeRepo) Commit(ctx context.Context, paths []string, message string) (string, error) {
	if message == "" {
		return "", fmt.Errorf("commit message cannot be empty")
	}
	if r.opts.AuthorName == "" || r.opts.AuthorEmail == "" {
		return "", fmt.Errorf("author name and email are required")
	}

	rels, err := relativePaths(r.root, paths)
	if err != nil {
		return "", err
	}

	for _, rel := range rels {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		// Add also stages deletions; a missing file that was never tracked
		// has no index entry to remove.
		if _, err := r.worktree.Add(rel); err != nil && !errors.Is(err, index.ErrEntryNotFound) {
			return "", fmt.Errorf("failed to stage %s: %w", rel, err)
		}
	}

	status, err := r.worktree.Status()
	if err != nil {
		return "", fmt.Errorf("failed to get worktree status: %w", err)
	}
	owned := make(map[string]bool, len(rels))
	for _, rel := range rels {
		owned[rel] = true
	}
	var staged, foreign []string
	for path, fileStatus := range status {
		if fileStatus.Staging == git.Untracked || fileStatus.Staging == git.Unmodified {
			continue
		}
		if owned[path] {
			staged = append(staged, path)
		} else {
			foreign = append(foreign, path)
		}
	}
	if len(staged) == 0 {
		return "", ErrNothingToCommit
	}
	// go-git always commits the whole index
	if len(foreign) > 0 {
		sort.Strings(foreign)
		return "", fmt.Errorf("%w: %s", ErrForeignStaged, strings.Join(foreign, ", "))
	}

	who := &object.Signature{
		Name:  r.opts.AuthorName,
		Email: r.opts.AuthorEmail,
		When:  r.now(),
	}
	hash, err := r.worktree.Commit(message, &git.CommitOptions{Author: who, Committer: who})
	if err != nil {
		if errors.Is(err, git.ErrEmptyCommit) {
			return "", ErrNothingToCommit
		}
		return "", fmt.Errorf("failed to create commit: %w", err)
	}

	return hash.String(), nil
}

// Push pushes the current branch to the configured remote. A remote that is
// already up to date is not an error.
func (r *NativeRepo) Push(ctx context.Context) error {
	head, err := r.repo.Head()
	if err != nil {
		return fmt.Errorf("failed to resolve HEAD: %w", err)
	}
	if !head.Name().IsBranch() {
		return fmt.Errorf("HEAD is detached, nothing to push")
	}

	branch := r.opts.Branch
	if branch == "" {
		branch = head.Name().Short()
	}
	refSpec := gitconfig.RefSpec(fmt.Sprintf("%s:%s", head.Name(), plumbing.NewBranchReferenceName(branch)))

	remote, err := r.repo.Remote(r.opts.Remote)
	if err != nil {
		return fmt.Errorf("git remote %q not found: %w", r.opts.Remote, err)
	}

	pushOpts := &git.PushOptions{
		RemoteName: r.opts.Remote,
		RefSpecs:   []gitconfig.RefSpec{refSpec},
		Auth:       r.authFor(remote.Config().URLs[0]),
	}

	err = r.repo.PushContext(ctx, pushOpts)
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return fmt.Errorf("failed to push to %s: %w", r.opts.Remote, err)
	}
	return nil
}

// authFor returns token auth for HTTPS remotes
func (r *NativeRepo) authFor(url string) transport.AuthMethod {
	if r.opts.Token == "" || !strings.HasPrefix(url, "https://") {
		return nil
	}
	return &githttp.BasicAuth{
		Username: "x-access-token",
		Password: r.opts.Token,
	}
}

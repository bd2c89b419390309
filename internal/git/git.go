package git

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

var (
	// ErrNothingToCommit indicates the given paths carry no changes
	ErrNothingToCommit = errors.New("git: nothing to commit")
	// ErrForeignStaged indicates the index holds staged changes to paths
	// other than the ones being committed
	ErrForeignStaged = errors.New("git: index has staged changes outside the synced paths")
)

// Publisher records synced files as a commit and publishes it
type Publisher interface {
	// Commit stages the given absolute paths (additions, modifications and
	// deletions) and commits them, returning the commit hash. Paths that
	// match HEAD are ignored; ErrNothingToCommit means none differ. Changes
	// staged for other paths never become part of the commit.
	Commit(ctx context.Context, paths []string, message string) (string, error)
	// Push pushes the current branch to the configured remote. Pushing a
	// remote that is already up to date succeeds.
	Push(ctx context.Context) error
}

// Options configures a Publisher
type Options struct {
	// Dir is any directory inside the worktree
	Dir         string
	AuthorName  string
	AuthorEmail string
	Remote      string
	// Branch is the remote branch to push to; empty pushes to the branch
	// with the same name as the current one.
	Branch     string
	Token      string
	SSHKeyFile string
}

// ShellClient implements Publisher by shelling out to the git command
type ShellClient struct {
	opts Options
	root string
}

// NewShellClient creates a publisher that uses the git command
func NewShellClient(opts Options) *ShellClient {
	if opts.Remote == "" {
		opts.Remote = "origin"
	}
	return &ShellClient{opts: opts}
}

// Commit stages paths and commits the ones that differ from HEAD. Other
// staged entries are left in the index.
func (c *ShellClient) Commit(ctx context.Context, paths []string, message string) (string, error) {
	root, err := c.worktreeRoot(ctx)
	if err != nil {
		return "", err
	}

	rels, err := relativePaths(root, paths)
	if err != nil {
		return "", err
	}

	var present, missing []string
	for i, rel := range rels {
		if _, err := os.Lstat(paths[i]); err == nil {
			present = append(present, rel)
		} else {
			missing = append(missing, rel)
		}
	}

	if len(present) > 0 {
		args := append([]string{"-C", root, "add", "-A", "--"}, present...)
		if err := c.runCommand(exec.CommandContext(ctx, "git", args...)); err != nil {
			return "", fmt.Errorf("git add failed: %w", err)
		}
	}
	if len(missing) > 0 {
		args := append([]string{"-C", root, "rm", "--cached", "--ignore-unmatch", "-q", "--"}, missing...)
		if err := c.runCommand(exec.CommandContext(ctx, "git", args...)); err != nil {
			return "", fmt.Errorf("git rm failed: %w", err)
		}
	}

	diffArgs := append([]string{"-C", root, "diff", "--cached", "--name-only", "-z", "--"}, rels...)
	out, err := exec.CommandContext(ctx, "git", diffArgs...).Output()
	if err != nil {
		return "", fmt.Errorf("git diff failed: %w", err)
	}
	changed := splitNUL(out)
	if len(changed) == 0 {
		return "", ErrNothingToCommit
	}

	// --only leaves anything else staged in the index out of the commit
	commitArgs := append([]string{"-C", root, "commit", "-q", "--only", "-m", message, "--"}, changed...)
	cmd := exec.CommandContext(ctx, "git", commitArgs...)
	cmd.Args = insertGitFlags(cmd.Args,
		"-c", "user.name="+c.opts.AuthorName,
		"-c", "user.email="+c.opts.AuthorEmail,
	)
	if err := c.runCommand(cmd); err != nil {
		return "", fmt.Errorf("git commit failed: %w", err)
	}

	output, err := exec.CommandContext(ctx, "git", "-C", root, "rev-parse", "HEAD").Output()
	if err != nil {
		return "", fmt.Errorf("git rev-parse failed: %w", err)
	}
	return strings.TrimSpace(string(output)), nil
}

// Push pushes HEAD to the configured remote branch
func (c *ShellClient) Push(ctx context.Context) error {
	root, err := c.worktreeRoot(ctx)
	if err != nil {
		return err
	}

	output, err := exec.CommandContext(ctx, "git", "-C", root, "remote", "get-url", c.opts.Remote).Output()
	if err != nil {
		return fmt.Errorf("git remote %q not found: %w", c.opts.Remote, err)
	}
	url := strings.TrimSpace(string(output))

	target := "HEAD"
	if c.opts.Branch != "" {
		target = "HEAD:refs/heads/" + c.opts.Branch
	}

	cmd := exec.CommandContext(ctx, "git", "-C", root, "push", c.opts.Remote, target)
	c.configureAuth(cmd, url)
	if err := c.runCommand(cmd); err != nil {
		return fmt.Errorf("git push failed: %w", err)
	}
	return nil
}

func (c *ShellClient) worktreeRoot(ctx context.Context) (string, error) {
	if c.root != "" {
		return c.root, nil
	}
	output, err := exec.CommandContext(ctx, "git", "-C", c.opts.Dir, "rev-parse", "--show-toplevel").Output()
	if err != nil {
		return "", fmt.Errorf("%s is not inside a git worktree: %w", c.opts.Dir, err)
	}
	c.root = strings.TrimSpace(string(output))
	return c.root, nil
}

// configureAuth sets up authentication for git operations
func (c *ShellClient) configureAuth(cmd *exec.Cmd, url string) {
	if cmd.Env == nil {
		cmd.Env = os.Environ()
	}
	cmd.Env = append(cmd.Env, "GIT_TERMINAL_PROMPT=0")

	// SSH authentication
	if c.opts.SSHKeyFile != "" && (strings.HasPrefix(url, "git@") || strings.HasPrefix(url, "ssh://")) {
		// The path is shell-quoted to prevent injection via crafted filenames.
		sshCmd := fmt.Sprintf("ssh -i %s -o StrictHostKeyChecking=accept-new -F /dev/null", shellQuote(c.opts.SSHKeyFile))
		cmd.Env = append(cmd.Env, "GIT_SSH_COMMAND="+sshCmd)
		return
	}

	// HTTPS authentication with token. The token travels in the environment
	// and a credential helper echoes it, so it never appears in argv.
	if c.opts.Token != "" && strings.HasPrefix(url, "https://") {
		cmd.Env = append(cmd.Env, "DOCSYNC_GIT_TOKEN="+c.opts.Token)
		cmd.Args = insertGitFlags(cmd.Args,
			"-c", `credential.helper=!f() { echo "username=x-access-token"; echo "password=$DOCSYNC_GIT_TOKEN"; }; f`,
		)
	}
}

// relativePaths converts paths to worktree-relative slash paths, rejecting
// anything outside root. Deleted files are resolved through their parent
// directory.
func relativePaths(root string, paths []string) ([]string, error) {
	if real, err := filepath.EvalSymlinks(root); err == nil {
		root = real
	}

	rels := make([]string, 0, len(paths))
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return nil, err
		}
		if dir, err := filepath.EvalSymlinks(filepath.Dir(abs)); err == nil {
			abs = filepath.Join(dir, filepath.Base(abs))
		}
		rel, err := filepath.Rel(root, abs)
		if err != nil || !filepath.IsLocal(rel) {
			return nil, fmt.Errorf("path %s is outside the worktree %s", p, root)
		}
		rels = append(rels, filepath.ToSlash(rel))
	}
	return rels, nil
}

// splitNUL splits NUL-terminated git output into names
func splitNUL(out []byte) []string {
	var names []string
	for _, name := range strings.Split(string(out), "\x00") {
		if name != "" {
			names = append(names, name)
		}
	}
	return names
}

// insertGitFlags inserts flags immediately after the "git" command name,
// before the subcommand (e.g. "clone", "fetch").
func insertGitFlags(args []string, flags ...string) []string {
	if len(args) == 0 {
		return flags
	}
	result := make([]string, 0, len(args)+len(flags))
	result = append(result, args[0])
	result = append(result, flags...)
	result = append(result, args[1:]...)
	return result
}

// shellQuote wraps s in single quotes, escaping any embedded single quotes.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// runCommand executes a command and returns an error with stderr on failure
func (c *ShellClient) runCommand(cmd *exec.Cmd) error {
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: %s", err, strings.TrimSpace(string(output)))
	}
	return nil
}

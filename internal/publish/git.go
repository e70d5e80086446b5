package publish

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/population-tracker/population-tracker/internal/population"
)

// Runner executes git with args inside dir and returns combined output.
type Runner func(ctx context.Context, dir string, args ...string) ([]byte, error)

// ExecRunner runs the git binary. Prompts are disabled so a missing
// credential fails fast instead of hanging the loop.
func ExecRunner(ctx context.Context, dir string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	return cmd.CombinedOutput()
}

// GitOptions configures a GitPublisher.
type GitOptions struct {
	RepoDir     string
	Remote      string
	Branch      string
	Pull        bool
	Force       bool
	AuthorName  string
	AuthorEmail string
}

// GitPublisher commits the artifacts and wrapper in a local working tree and
// pushes them. With Force set the remote is treated as a disposable mirror.
type GitPublisher struct {
	opts    GitOptions
	wrapper Wrapper
	run     Runner
	now     func() time.Time
	logger  *logrus.Entry
}

// NewGitPublisher creates a GitPublisher. A nil run uses ExecRunner.
func NewGitPublisher(opts GitOptions, wrapper Wrapper, run Runner, now func() time.Time, logger *logrus.Entry) *GitPublisher {
	if run == nil {
		run = ExecRunner
	}
	if now == nil {
		now = time.Now
	}
	return &GitPublisher{
		opts:    opts,
		wrapper: wrapper,
		run:     run,
		now:     now,
		logger:  logger.WithField("component", "git_publisher"),
	}
}

// Publish pulls, refreshes the wrapper, commits exactly the artifacts plus
// the wrapper, and pushes. It never retries; local files are left intact
// on failure.
func (g *GitPublisher) Publish(ctx context.Context, artifactPaths []string) error {
	if err := g.publish(ctx, artifactPaths); err != nil {
		return population.NewError(population.StagePublish, err)
	}
	return nil
}

func (g *GitPublisher) publish(ctx context.Context, artifactPaths []string) error {
	if len(artifactPaths) == 0 {
		return errors.New("no artifacts to publish")
	}

	paths, err := g.repoRelative(append(append([]string{}, artifactPaths...), g.wrapper.Path))
	if err != nil {
		return err
	}

	branch, err := g.branch(ctx)
	if err != nil {
		return err
	}

	if g.opts.Pull {
		if err := g.pull(ctx, branch); err != nil {
			return err
		}
	}

	now := g.now()
	if err := g.wrapper.Write(artifactPaths[0], now); err != nil {
		return err
	}

	addArgs := append([]string{"add", "--"}, paths...)
	if _, err := g.git(ctx, addArgs...); err != nil {
		return fmt.Errorf("staging: %w", err)
	}

	message := "Update graph " + now.Format(StampLayout)
	// An unchanged chart still commits so the push always runs, including
	// a retry of a commit whose earlier push failed.
	commitArgs := append([]string{"commit", "--allow-empty", "-m", message, "--"}, paths...)
	if _, err := g.git(ctx, commitArgs...); err != nil {
		return fmt.Errorf("committing: %w", err)
	}

	pushArgs := []string{"push"}
	if g.opts.Force {
		pushArgs = append(pushArgs, "--force")
	}
	pushArgs = append(pushArgs, g.opts.Remote, "HEAD:"+branch)
	if _, err := g.git(ctx, pushArgs...); err != nil {
		return fmt.Errorf("pushing to %s/%s: %w", g.opts.Remote, branch, err)
	}

	g.logger.WithFields(logrus.Fields{
		"remote": g.opts.Remote,
		"branch": branch,
		"files":  len(paths),
	}).Info("graph is live on the website")
	return nil
}

// pull merges the remote branch into the working tree. A remote without the
// branch yet is skipped so the first push can create it; any other failure,
// merge conflicts included, aborts the publish.
func (g *GitPublisher) pull(ctx context.Context, branch string) error {
	if _, err := g.git(ctx, "ls-remote", "--exit-code", "--heads", g.opts.Remote, branch); err != nil {
		var exit exitCoder
		if errors.As(err, &exit) && exit.ExitCode() == 2 {
			g.logger.WithFields(logrus.Fields{
				"remote": g.opts.Remote,
				"branch": branch,
			}).Info("remote branch does not exist yet, skipping pull")
			return nil
		}
		return fmt.Errorf("checking %s/%s: %w", g.opts.Remote, branch, err)
	}

	if _, err := g.git(ctx, "pull", "--no-edit", g.opts.Remote, branch); err != nil {
		// Leave the tree as it was before the pull for the next attempt.
		if _, abortErr := g.git(ctx, "merge", "--abort"); abortErr != nil {
			g.logger.WithError(abortErr).Debug("merge abort after failed pull")
		}
		return fmt.Errorf("pulling %s/%s: %w", g.opts.Remote, branch, err)
	}
	return nil
}

// exitCoder is satisfied by *exec.ExitError.
type exitCoder interface {
	ExitCode() int
}

// branch returns the configured branch or the one checked out.
func (g *GitPublisher) branch(ctx context.Context) (string, error) {
	if g.opts.Branch != "" {
		return g.opts.Branch, nil
	}
	out, err := g.git(ctx, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", fmt.Errorf("resolving current branch: %w", err)
	}
	branch := strings.TrimSpace(string(out))
	if branch == "" || branch == "HEAD" {
		return "", errors.New("working tree has a detached HEAD; configure publish.git.branch")
	}
	return branch, nil
}

// repoRelative maps paths to slash-separated paths inside RepoDir.
func (g *GitPublisher) repoRelative(paths []string) ([]string, error) {
	root, err := filepath.Abs(g.opts.RepoDir)
	if err != nil {
		return nil, fmt.Errorf("resolving repo dir: %w", err)
	}
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return nil, fmt.Errorf("resolving %s: %w", p, err)
		}
		rel, err := filepath.Rel(root, abs)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return nil, fmt.Errorf("%s is outside the repository %s", p, root)
		}
		out = append(out, filepath.ToSlash(rel))
	}
	return out, nil
}

func (g *GitPublisher) git(ctx context.Context, args ...string) ([]byte, error) {
	full := make([]string, 0, len(args)+4)
	if g.opts.AuthorName != "" {
		full = append(full, "-c", "user.name="+g.opts.AuthorName)
	}
	if g.opts.AuthorEmail != "" {
		full = append(full, "-c", "user.email="+g.opts.AuthorEmail)
	}
	full = append(full, args...)

	out, err := g.run(ctx, g.opts.RepoDir, full...)
	if err != nil {
		return out, fmt.Errorf("git %s failed: %w: %s", args[0], err, strings.TrimSpace(string(out)))
	}
	return out, nil
}

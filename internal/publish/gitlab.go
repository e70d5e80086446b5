package publish

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"time"
	"unicode/utf8"

	"github.com/sirupsen/logrus"

	"github.com/population-tracker/population-tracker/internal/gitlab"
	"github.com/population-tracker/population-tracker/internal/population"
)

// CommitAPI is the subset of the GitLab client the publisher needs.
type CommitAPI interface {
	FileExists(ctx context.Context, project, branch, path string) (bool, error)
	CreateCommit(ctx context.Context, project, branch, message string, changes []gitlab.FileChange) (string, error)
}

// GitLabPublisher adds a regular commit to a hosted branch through the
// GitLab API. Unlike GitPublisher it never rewrites remote history.
type GitLabPublisher struct {
	api     CommitAPI
	project string
	branch  string
	dir     string
	wrapper Wrapper
	now     func() time.Time
	logger  *logrus.Entry
}

// NewGitLabPublisher creates a publisher committing to project/branch.
// Files are stored in the repository under their base names, below dir when
// dir is not empty.
func NewGitLabPublisher(api CommitAPI, project, branch, dir string, wrapper Wrapper, now func() time.Time, logger *logrus.Entry) *GitLabPublisher {
	if now == nil {
		now = time.Now
	}
	return &GitLabPublisher{
		api:     api,
		project: project,
		branch:  branch,
		dir:     dir,
		wrapper: wrapper,
		now:     now,
		logger:  logger.WithField("component", "gitlab_publisher"),
	}
}

func (g *GitLabPublisher) Publish(ctx context.Context, artifactPaths []string) error {
	if err := g.publish(ctx, artifactPaths); err != nil {
		return population.NewError(population.StagePublish, err)
	}
	return nil
}

func (g *GitLabPublisher) publish(ctx context.Context, artifactPaths []string) error {
	if len(artifactPaths) == 0 {
		return errors.New("no artifacts to publish")
	}

	// Every file lands flat under dir remotely, so the page and the chart
	// are siblings there whatever the local layout.
	now := g.now()
	if err := g.wrapper.WriteSrc(filepath.Base(artifactPaths[0]), now); err != nil {
		return err
	}

	local := append(append([]string{}, artifactPaths...), g.wrapper.Path)
	changes := make([]gitlab.FileChange, 0, len(local))
	for _, p := range local {
		data, err := os.ReadFile(p)
		if err != nil {
			return fmt.Errorf("reading %s: %w", p, err)
		}
		remotePath := path.Join(g.dir, filepath.Base(p))

		exists, err := g.api.FileExists(ctx, g.project, g.branch, remotePath)
		if err != nil {
			return err
		}

		change := gitlab.FileChange{
			Action:  gitlab.ActionCreate,
			Path:    remotePath,
			Content: string(data),
		}
		if exists {
			change.Action = gitlab.ActionUpdate
		}
		if !utf8.Valid(data) {
			change.Content = base64.StdEncoding.EncodeToString(data)
			change.Base64 = true
		}
		changes = append(changes, change)
	}

	sha, err := g.api.CreateCommit(ctx, g.project, g.branch, "Update graph "+now.Format(StampLayout), changes)
	if err != nil {
		return err
	}

	g.logger.WithFields(logrus.Fields{
		"project": g.project,
		"branch":  g.branch,
		"commit":  sha,
	}).Info("graph is live on the website")
	return nil
}

// Package gitlab wraps the GitLab REST and GraphQL APIs used to publish the
// chart as a regular commit on a hosted repository.
package gitlab

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/sirupsen/logrus"
	goGitlab "gitlab.com/gitlab-org/api/client-go"
)

// FileAction is the per-file operation of a commit.
type FileAction string

const (
	ActionCreate FileAction = "create"
	ActionUpdate FileAction = "update"
)

// FileChange is one file written by a commit.
type FileChange struct {
	Action  FileAction
	Path    string
	Content string
	// Base64 marks Content as base64-encoded binary data.
	Base64 bool
}

// Client wraps a go-gitlab REST client and an optional GraphQL layer into a
// single entry-point for all GitLab API interactions.
type Client struct {
	rest       *goGitlab.Client
	graphQL    *graphQLClient
	logger     *logrus.Entry
	useGraphQL bool
}

// New creates a new Client configured against the given GitLab instance.
// useGraphQL routes commits through the GraphQL commitCreate mutation.
func New(baseURL, token string, useGraphQL bool, logger *logrus.Entry) (*Client, error) {
	rest, err := goGitlab.NewClient(token, goGitlab.WithBaseURL(baseURL))
	if err != nil {
		return nil, fmt.Errorf("creating gitlab REST client: %w", err)
	}

	c := &Client{
		rest:       rest,
		logger:     logger.WithField("component", "gitlab"),
		useGraphQL: useGraphQL,
	}
	if useGraphQL {
		c.graphQL = newGraphQLClient(baseURL, token)
	}
	return c, nil
}

// FileExists reports whether path exists on branch of project.
func (c *Client) FileExists(ctx context.Context, project, branch, path string) (bool, error) {
	_, resp, err := c.rest.RepositoryFiles.GetFileMetaData(project, path, &goGitlab.GetFileMetaDataOptions{
		Ref: goGitlab.Ptr(branch),
	}, goGitlab.WithContext(ctx))
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return false, nil
		}
		return false, fmt.Errorf("checking %s on %s: %w", path, branch, err)
	}
	return true, nil
}

// CreateCommit writes changes to branch as one commit and returns its SHA.
func (c *Client) CreateCommit(ctx context.Context, project, branch, message string, changes []FileChange) (string, error) {
	if len(changes) == 0 {
		return "", errors.New("commit has no changes")
	}
	if c.useGraphQL {
		return c.createCommitGraphQL(ctx, project, branch, message, changes)
	}
	return c.createCommitREST(ctx, project, branch, message, changes)
}

func (c *Client) createCommitREST(ctx context.Context, project, branch, message string, changes []FileChange) (string, error) {
	actions := make([]*goGitlab.CommitActionOptions, 0, len(changes))
	for _, ch := range changes {
		action := goGitlab.FileCreate
		if ch.Action == ActionUpdate {
			action = goGitlab.FileUpdate
		}
		opt := &goGitlab.CommitActionOptions{
			Action:   goGitlab.Ptr(action),
			FilePath: goGitlab.Ptr(ch.Path),
			Content:  goGitlab.Ptr(ch.Content),
		}
		if ch.Base64 {
			opt.Encoding = goGitlab.Ptr("base64")
		}
		actions = append(actions, opt)
	}

	commit, _, err := c.rest.Commits.CreateCommit(project, &goGitlab.CreateCommitOptions{
		Branch:        goGitlab.Ptr(branch),
		CommitMessage: goGitlab.Ptr(message),
		Actions:       actions,
	}, goGitlab.WithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("creating commit on %s: %w", branch, err)
	}
	return commit.ID, nil
}

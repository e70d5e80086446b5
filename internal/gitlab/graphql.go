package gitlab

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	graphql "github.com/hasura/go-graphql-client"
)

// --------------------------------------------------------------------------
// GraphQL transport (adds the PRIVATE-TOKEN header)
// --------------------------------------------------------------------------

type tokenTransport struct {
	token string
	base  http.RoundTripper
}

func (t *tokenTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("PRIVATE-TOKEN", t.token)
	return t.base.RoundTrip(req)
}

// --------------------------------------------------------------------------
// GraphQL client wrapper
// --------------------------------------------------------------------------

// graphQLClient wraps the hasura go-graphql-client with GitLab auth.
type graphQLClient struct {
	client *graphql.Client
}

// newGraphQLClient creates a GraphQL client targeting the given GitLab
// instance. The token is injected via a custom HTTP transport.
func newGraphQLClient(baseURL, token string) *graphQLClient {
	httpClient := &http.Client{
		Transport: &tokenTransport{
			token: token,
			base:  http.DefaultTransport,
		},
		Timeout: 30 * time.Second,
	}

	endpoint := strings.TrimRight(baseURL, "/") + "/api/graphql"
	return &graphQLClient{
		client: graphql.NewClient(endpoint, httpClient),
	}
}

// --------------------------------------------------------------------------
// commitCreate mutation input types
// --------------------------------------------------------------------------

// CommitAction mirrors GitLab's CommitAction input object.
type CommitAction struct {
	Action   string `json:"action"`
	FilePath string `json:"filePath"`
	Content  string `json:"content"`
	Encoding string `json:"encoding,omitempty"`
}

// GetGraphQLType names the input object for the hasura client.
func (CommitAction) GetGraphQLType() string { return "CommitAction" }

// CommitCreateInput mirrors GitLab's CommitCreateInput input object.
type CommitCreateInput struct {
	ProjectPath string         `json:"projectPath"`
	Branch      string         `json:"branch"`
	Message     string         `json:"message"`
	Actions     []CommitAction `json:"actions"`
}

// GetGraphQLType names the input object for the hasura client.
func (CommitCreateInput) GetGraphQLType() string { return "CommitCreateInput" }

// --------------------------------------------------------------------------
// GraphQL mutations
// --------------------------------------------------------------------------

func (c *Client) createCommitGraphQL(ctx context.Context, project, branch, message string, changes []FileChange) (string, error) {
	input := CommitCreateInput{
		ProjectPath: project,
		Branch:      branch,
		Message:     message,
		Actions:     make([]CommitAction, 0, len(changes)),
	}
	for _, ch := range changes {
		a := CommitAction{
			Action:   strings.ToUpper(string(ch.Action)),
			FilePath: ch.Path,
			Content:  ch.Content,
			Encoding: "TEXT",
		}
		if ch.Base64 {
			a.Encoding = "BASE64"
		}
		input.Actions = append(input.Actions, a)
	}

	var mutation struct {
		CommitCreate struct {
			Commit struct {
				SHA string `graphql:"sha"`
			} `graphql:"commit"`
			Errors []string `graphql:"errors"`
		} `graphql:"commitCreate(input: $input)"`
	}

	variables := map[string]interface{}{
		"input": input,
	}

	if err := c.graphQL.client.Mutate(ctx, &mutation, variables); err != nil {
		return "", fmt.Errorf("GraphQL: commitCreate on %s: %w", branch, err)
	}
	if errs := mutation.CommitCreate.Errors; len(errs) > 0 {
		return "", fmt.Errorf("GraphQL: commitCreate on %s: %s", branch, strings.Join(errs, "; "))
	}
	return mutation.CommitCreate.Commit.SHA, nil
}

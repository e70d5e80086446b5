package publish

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/population-tracker/population-tracker/internal/gitlab"
	"github.com/population-tracker/population-tracker/internal/population"
)

var fixedNow = time.Date(2024, 6, 1, 12, 30, 0, 0, time.Local)

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func nowFn() time.Time { return fixedNow }

// workspace creates an artifact and returns (dir, artifact, wrapper).
func workspace(t *testing.T) (string, string, Wrapper) {
	t.Helper()
	dir := t.TempDir()
	artifact := filepath.Join(dir, "server_population.png")
	if err := os.WriteFile(artifact, []byte("\x89PNG\r\n\x1a\nfake"), 0o644); err != nil {
		t.Fatalf("write artifact: %v", err)
	}
	return dir, artifact, Wrapper{
		Path:           filepath.Join(dir, "index.html"),
		Title:          "Server Population",
		RefreshSeconds: 180,
	}
}

func TestWrapperWrite(t *testing.T) {
	_, artifact, w := workspace(t)
	if err := w.Write(artifact, fixedNow); err != nil {
		t.Fatalf("write: %v", err)
	}
	data, err := os.ReadFile(w.Path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	page := string(data)
	for _, want := range []string{
		`<meta http-equiv="refresh" content="180">`,
		"Last Updated: 2024-06-01 12:30:00",
		`<img src="server_population.png"`,
	} {
		if !strings.Contains(page, want) {
			t.Fatalf("wrapper missing %q:\n%s", want, page)
		}
	}
}

func TestWrapperRelativeImage(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "img"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	w := Wrapper{Path: filepath.Join(dir, "index.html"), RefreshSeconds: 60}
	if err := w.Write(filepath.Join(dir, "img", "chart.png"), fixedNow); err != nil {
		t.Fatalf("write: %v", err)
	}
	data, _ := os.ReadFile(w.Path)
	if !strings.Contains(string(data), `src="img/chart.png"`) {
		t.Fatalf("unexpected image src:\n%s", data)
	}
}

// exitStatus mimics *exec.ExitError for a given exit code.
type exitStatus int

func (e exitStatus) Error() string { return fmt.Sprintf("exit status %d", int(e)) }
func (e exitStatus) ExitCode() int { return int(e) }

// fakeGit records invocations and fails the first command whose verb
// matches failOn. missingBranch makes ls-remote report no matching ref.
type fakeGit struct {
	calls         [][]string
	failOn        string
	branch        string
	missingBranch bool
}

func (f *fakeGit) run(_ context.Context, _ string, args ...string) ([]byte, error) {
	f.calls = append(f.calls, args)
	verb := args[0]
	for i := 0; i < len(args)-1; i++ {
		if args[i] == "-c" && i+2 < len(args) {
			verb = args[i+2]
		}
	}
	if verb == f.failOn {
		return []byte("! [rejected] main -> main (stale info)"), errors.New("exit status 1")
	}
	if verb == "rev-parse" {
		return []byte(f.branch + "\n"), nil
	}
	if verb == "ls-remote" && f.missingBranch {
		return nil, exitStatus(2)
	}
	return nil, nil
}

func (f *fakeGit) verbs() []string {
	out := make([]string, 0, len(f.calls))
	for _, c := range f.calls {
		out = append(out, c[0])
	}
	return out
}

func TestGitPublisherSequence(t *testing.T) {
	dir, artifact, w := workspace(t)
	fg := &fakeGit{branch: "main"}
	p := NewGitPublisher(GitOptions{RepoDir: dir, Remote: "origin", Pull: true, Force: true}, w, fg.run, nowFn, testLogger())

	if err := p.Publish(context.Background(), []string{artifact}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	want := []string{"rev-parse", "ls-remote", "pull", "add", "commit", "push"}
	if got := fg.verbs(); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("git verbs = %v, want %v", got, want)
	}

	if lsRemote := strings.Join(fg.calls[1], " "); lsRemote != "ls-remote --exit-code --heads origin main" {
		t.Fatalf("ls-remote args = %q", lsRemote)
	}
	add := fg.calls[3]
	if strings.Join(add, " ") != "add -- server_population.png index.html" {
		t.Fatalf("add args = %v", add)
	}
	commit := fg.calls[4]
	if commit[1] != "--allow-empty" || commit[3] != "Update graph 2024-06-01 12:30:00" {
		t.Fatalf("commit args = %v", commit)
	}
	push := fg.calls[5]
	if strings.Join(push, " ") != "push --force origin HEAD:main" {
		t.Fatalf("push args = %v", push)
	}
	if _, err := os.Stat(w.Path); err != nil {
		t.Fatalf("wrapper not written: %v", err)
	}
}

func TestGitPublisherAuthorAndNoPull(t *testing.T) {
	dir, artifact, w := workspace(t)
	fg := &fakeGit{}
	opts := GitOptions{
		RepoDir:     dir,
		Remote:      "mirror",
		Branch:      "gh-pages",
		AuthorName:  "tracker",
		AuthorEmail: "tracker@example.com",
	}
	p := NewGitPublisher(opts, w, fg.run, nowFn, testLogger())

	if err := p.Publish(context.Background(), []string{artifact}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(fg.calls) != 3 {
		t.Fatalf("expected add, commit, push; got %v", fg.calls)
	}
	push := strings.Join(fg.calls[2], " ")
	if push != "-c user.name=tracker -c user.email=tracker@example.com push mirror HEAD:gh-pages" {
		t.Fatalf("push = %q", push)
	}
}

func TestGitPublisherPushRejectedKeepsFiles(t *testing.T) {
	dir, artifact, w := workspace(t)
	before, _ := os.ReadFile(artifact)
	fg := &fakeGit{branch: "main", failOn: "push"}
	p := NewGitPublisher(GitOptions{RepoDir: dir, Remote: "origin", Force: true}, w, fg.run, nowFn, testLogger())

	err := p.Publish(context.Background(), []string{artifact})
	if population.StageOf(err) != population.StagePublish {
		t.Fatalf("expected publish error, got %v", err)
	}
	if !strings.Contains(err.Error(), "rejected") {
		t.Fatalf("error should carry git output: %v", err)
	}

	after, readErr := os.ReadFile(artifact)
	if readErr != nil || string(after) != string(before) {
		t.Fatalf("artifact changed after failed publish: %v", readErr)
	}
	if _, err := os.Stat(w.Path); err != nil {
		t.Fatalf("wrapper missing after failed publish: %v", err)
	}

	// The next attempt starts from scratch and succeeds.
	fg.failOn = ""
	if err := p.Publish(context.Background(), []string{artifact}); err != nil {
		t.Fatalf("retry publish: %v", err)
	}
}

func TestGitPublisherPullConflictAborts(t *testing.T) {
	dir, artifact, w := workspace(t)
	fg := &fakeGit{branch: "main", failOn: "pull"}
	p := NewGitPublisher(GitOptions{RepoDir: dir, Remote: "origin", Pull: true}, w, fg.run, nowFn, testLogger())

	if err := p.Publish(context.Background(), []string{artifact}); err == nil {
		t.Fatal("expected error")
	}
	if got := fg.verbs(); strings.Join(got, ",") != "rev-parse,ls-remote,pull,merge" {
		t.Fatalf("git verbs = %v", got)
	}
}

func TestGitPublisherSkipsPullForMissingRemoteBranch(t *testing.T) {
	dir, artifact, w := workspace(t)
	fg := &fakeGit{branch: "main", missingBranch: true}
	p := NewGitPublisher(GitOptions{RepoDir: dir, Remote: "origin", Pull: true, Force: true}, w, fg.run, nowFn, testLogger())

	if err := p.Publish(context.Background(), []string{artifact}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if got := fg.verbs(); strings.Join(got, ",") != "rev-parse,ls-remote,add,commit,push" {
		t.Fatalf("git verbs = %v", got)
	}
}

func TestGitPublisherRemoteCheckFailure(t *testing.T) {
	dir, artifact, w := workspace(t)
	fg := &fakeGit{branch: "main", failOn: "ls-remote"}
	p := NewGitPublisher(GitOptions{RepoDir: dir, Remote: "origin", Pull: true}, w, fg.run, nowFn, testLogger())

	if err := p.Publish(context.Background(), []string{artifact}); population.StageOf(err) != population.StagePublish {
		t.Fatalf("expected publish error, got %v", err)
	}
	if got := fg.verbs(); strings.Join(got, ",") != "rev-parse,ls-remote" {
		t.Fatalf("git verbs = %v", got)
	}
}

func TestGitPublisherRejectsOutsidePaths(t *testing.T) {
	dir, _, w := workspace(t)
	outside := filepath.Join(t.TempDir(), "chart.png")
	fg := &fakeGit{branch: "main"}
	p := NewGitPublisher(GitOptions{RepoDir: dir, Remote: "origin"}, w, fg.run, nowFn, testLogger())

	if err := p.Publish(context.Background(), []string{outside}); err == nil {
		t.Fatal("expected error for artifact outside repo")
	}
	if len(fg.calls) != 0 {
		t.Fatalf("no git command should run, got %v", fg.calls)
	}
}

func TestGitPublisherDetachedHead(t *testing.T) {
	dir, artifact, w := workspace(t)
	fg := &fakeGit{branch: "HEAD"}
	p := NewGitPublisher(GitOptions{RepoDir: dir, Remote: "origin"}, w, fg.run, nowFn, testLogger())

	if err := p.Publish(context.Background(), []string{artifact}); err == nil {
		t.Fatal("expected detached HEAD error")
	}
}

func gitOrSkip(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
}

func mustGit(t *testing.T, dir string, args ...string) string {
	t.Helper()
	out, err := ExecRunner(context.Background(), dir, args...)
	if err != nil {
		t.Fatalf("git %v: %v: %s", args, err, out)
	}
	return strings.TrimSpace(string(out))
}

func TestGitPublisherAgainstRealRepository(t *testing.T) {
	gitOrSkip(t)

	remote := filepath.Join(t.TempDir(), "site.git")
	mustGit(t, t.TempDir(), "init", "--bare", remote)

	work := t.TempDir()
	mustGit(t, work, "init")
	mustGit(t, work, "checkout", "-b", "main")
	mustGit(t, work, "-c", "user.name=seed", "-c", "user.email=seed@example.com", "commit", "--allow-empty", "-m", "seed")
	mustGit(t, work, "remote", "add", "origin", remote)
	mustGit(t, work, "push", "origin", "main")

	artifact := filepath.Join(work, "server_population.png")
	if err := os.WriteFile(artifact, []byte("\x89PNG\r\n\x1a\nv1"), 0o644); err != nil {
		t.Fatalf("write artifact: %v", err)
	}
	w := Wrapper{Path: filepath.Join(work, "index.html"), RefreshSeconds: 180}
	opts := GitOptions{
		RepoDir:     work,
		Remote:      "origin",
		Pull:        true,
		Force:       true,
		AuthorName:  "tracker",
		AuthorEmail: "tracker@example.com",
	}
	p := NewGitPublisher(opts, w, nil, nowFn, testLogger())

	if err := p.Publish(context.Background(), []string{artifact}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	files := mustGit(t, work, "ls-tree", "--name-only", "main")
	if !strings.Contains(files, "index.html") || !strings.Contains(files, "server_population.png") {
		t.Fatalf("remote tree = %q", files)
	}
	subject := mustGit(t, remote, "log", "-1", "--format=%s", "main")
	if subject != "Update graph 2024-06-01 12:30:00" {
		t.Fatalf("remote head subject = %q", subject)
	}
}

// realRepo creates a working tree on main with one seed commit and an
// origin pointing at an empty bare repository.
func realRepo(t *testing.T) (work, remote string) {
	t.Helper()
	remote = filepath.Join(t.TempDir(), "site.git")
	mustGit(t, t.TempDir(), "init", "--bare", remote)

	work = t.TempDir()
	mustGit(t, work, "init")
	mustGit(t, work, "checkout", "-b", "main")
	mustGit(t, work, "-c", "user.name=seed", "-c", "user.email=seed@example.com", "commit", "--allow-empty", "-m", "seed")
	mustGit(t, work, "remote", "add", "origin", remote)
	return work, remote
}

func TestGitPublisherRepublishesUnchangedContent(t *testing.T) {
	gitOrSkip(t)
	work, remote := realRepo(t)
	mustGit(t, work, "push", "origin", "main")

	artifact := filepath.Join(work, "server_population.png")
	if err := os.WriteFile(artifact, []byte("\x89PNG\r\n\x1a\nsame"), 0o644); err != nil {
		t.Fatalf("write artifact: %v", err)
	}
	w := Wrapper{Path: filepath.Join(work, "index.html"), RefreshSeconds: 180}
	opts := GitOptions{
		RepoDir:     work,
		Remote:      "origin",
		Pull:        true,
		Force:       true,
		AuthorName:  "tracker",
		AuthorEmail: "tracker@example.com",
	}
	p := NewGitPublisher(opts, w, nil, nowFn, testLogger())

	for attempt := 0; attempt < 2; attempt++ {
		if err := p.Publish(context.Background(), []string{artifact}); err != nil {
			t.Fatalf("attempt %d: %v", attempt, err)
		}
	}

	count := mustGit(t, remote, "rev-list", "--count", "main")
	if count != "3" {
		t.Fatalf("remote main has %s commits, want seed plus two publishes", count)
	}
	if status := mustGit(t, work, "status", "--porcelain"); status != "" {
		t.Fatalf("working tree not clean: %q", status)
	}
}

func TestGitPublisherCreatesMissingRemoteBranch(t *testing.T) {
	gitOrSkip(t)
	work, remote := realRepo(t)

	artifact := filepath.Join(work, "server_population.png")
	if err := os.WriteFile(artifact, []byte("\x89PNG\r\n\x1a\nfirst"), 0o644); err != nil {
		t.Fatalf("write artifact: %v", err)
	}
	w := Wrapper{Path: filepath.Join(work, "index.html"), RefreshSeconds: 180}
	opts := GitOptions{
		RepoDir:     work,
		Remote:      "origin",
		Branch:      "main",
		Pull:        true,
		Force:       true,
		AuthorName:  "tracker",
		AuthorEmail: "tracker@example.com",
	}
	p := NewGitPublisher(opts, w, nil, nowFn, testLogger())

	if err := p.Publish(context.Background(), []string{artifact}); err != nil {
		t.Fatalf("first publish to empty remote: %v", err)
	}
	files := mustGit(t, remote, "ls-tree", "--name-only", "main")
	if !strings.Contains(files, "server_population.png") {
		t.Fatalf("remote tree = %q", files)
	}

	// The branch exists now, so the next publish pulls it first.
	if err := p.Publish(context.Background(), []string{artifact}); err != nil {
		t.Fatalf("second publish: %v", err)
	}
}

type fakeCommitAPI struct {
	existing map[string]bool
	changes  []gitlab.FileChange
	message  string
	err      error
}

func (f *fakeCommitAPI) FileExists(_ context.Context, _, _, path string) (bool, error) {
	return f.existing[path], nil
}

func (f *fakeCommitAPI) CreateCommit(_ context.Context, _, _, message string, changes []gitlab.FileChange) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.message = message
	f.changes = changes
	return "abc123", nil
}

func TestGitLabPublisher(t *testing.T) {
	_, artifact, w := workspace(t)
	api := &fakeCommitAPI{existing: map[string]bool{"site/index.html": true}}
	p := NewGitLabPublisher(api, "group/site", "main", "site", w, nowFn, testLogger())

	if err := p.Publish(context.Background(), []string{artifact}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if api.message != "Update graph 2024-06-01 12:30:00" {
		t.Fatalf("message = %q", api.message)
	}
	if len(api.changes) != 2 {
		t.Fatalf("changes = %+v", api.changes)
	}
	png, page := api.changes[0], api.changes[1]
	if png.Path != "site/server_population.png" || png.Action != gitlab.ActionCreate || !png.Base64 {
		t.Fatalf("png change = %+v", png)
	}
	if page.Path != "site/index.html" || page.Action != gitlab.ActionUpdate || page.Base64 {
		t.Fatalf("page change = %+v", page)
	}
}

func TestGitLabPublisherPageReferencesRemoteArtifact(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "charts"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	artifact := filepath.Join(dir, "charts", "server_population.png")
	if err := os.WriteFile(artifact, []byte("\x89PNG\r\n\x1a\nfake"), 0o644); err != nil {
		t.Fatalf("write artifact: %v", err)
	}
	w := Wrapper{Path: filepath.Join(dir, "index.html"), RefreshSeconds: 180}
	api := &fakeCommitAPI{}
	p := NewGitLabPublisher(api, "group/site", "main", "site", w, nowFn, testLogger())

	if err := p.Publish(context.Background(), []string{artifact}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	page := api.changes[1]
	if page.Path != "site/index.html" {
		t.Fatalf("page path = %q", page.Path)
	}
	if !strings.Contains(page.Content, `src="server_population.png"`) {
		t.Fatalf("page does not reference the committed chart:\n%s", page.Content)
	}
}

func TestGitLabPublisherError(t *testing.T) {
	_, artifact, w := workspace(t)
	api := &fakeCommitAPI{err: errors.New("403 Forbidden")}
	p := NewGitLabPublisher(api, "group/site", "main", "", w, nowFn, testLogger())

	if err := p.Publish(context.Background(), []string{artifact}); population.StageOf(err) != population.StagePublish {
		t.Fatalf("expected publish error, got %v", err)
	}
}

type countingPublisher struct{ calls int }

func (c *countingPublisher) Publish(context.Context, []string) error {
	c.calls++
	return nil
}

func TestThrottled(t *testing.T) {
	inner := &countingPublisher{}
	p := NewThrottled(inner, time.Hour, testLogger())

	if err := p.Publish(context.Background(), []string{"a"}); err != nil {
		t.Fatalf("first publish: %v", err)
	}
	if err := p.Publish(context.Background(), []string{"a"}); !errors.Is(err, ErrSkipped) {
		t.Fatalf("second publish = %v, want ErrSkipped", err)
	}
	if inner.calls != 1 {
		t.Fatalf("inner calls = %d", inner.calls)
	}
}

func TestThrottledDisabled(t *testing.T) {
	inner := &countingPublisher{}
	p := NewThrottled(inner, 0, testLogger())
	for i := 0; i < 5; i++ {
		if err := p.Publish(context.Background(), []string{"a"}); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}
	if inner.calls != 5 {
		t.Fatalf("inner calls = %d", inner.calls)
	}
}

func TestNopPublisherWritesWrapper(t *testing.T) {
	_, artifact, w := workspace(t)
	p := NewNopPublisher(w, nowFn, testLogger())
	if err := p.Publish(context.Background(), []string{artifact}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if _, err := os.Stat(w.Path); err != nil {
		t.Fatalf("wrapper not written: %v", err)
	}
}

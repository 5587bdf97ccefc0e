package listener

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hochfrequenz/pulselistener/internal/config"
	"github.com/hochfrequenz/pulselistener/internal/domain"
	"github.com/hochfrequenz/pulselistener/internal/ipc"
	"github.com/hochfrequenz/pulselistener/internal/pulse"
	"github.com/hochfrequenz/pulselistener/internal/repository/repotest"
	"github.com/hochfrequenz/pulselistener/internal/taskcluster"
)

type fakeReview struct {
	mu        sync.Mutex
	published []domain.WorkResult
}

func (f *fakeReview) FetchPatchStack(ctx context.Context, diffPHID, defaultBase string) (*domain.Diff, error) {
	return &domain.Diff{
		PHID:         diffPHID,
		BaseRevision: defaultBase,
		Patches:      []domain.Patch{{ID: diffPHID, Text: repotest.NewFilePatch("listener.txt", "hello")}},
	}, nil
}

func (f *fakeReview) PublishResult(ctx context.Context, diffPHID string, result domain.WorkResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, result)
	return nil
}

func (f *fakeReview) results() []domain.WorkResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.WorkResult(nil), f.published...)
}

type idleSubscriber struct{}

func (idleSubscriber) Subscribe(ctx context.Context) (<-chan pulse.Message, error) {
	ch := make(chan pulse.Message)
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}

func shortDir(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("/tmp", "pl-lst-*")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	return dir
}

const codeReviewTOML = `
[general]
cache_root = %q
database_path = %q

[phabricator]
enabled = true
url = "http://phabricator.invalid/api/"
token = "api-token"
publish = %t

[repository]
name = "test-repo"
url = %q
branch = %q
dir = %q
try_url = %q

[web]
socket = %q
`

func writeCodeReviewConfig(t *testing.T, path string, remotes repotest.Remotes, dir string, publish bool) {
	t.Helper()
	content := fmt.Sprintf(codeReviewTOML,
		dir, filepath.Join(dir, "results.db"), publish,
		remotes.Upstream, repotest.Branch, remotes.Clone, remotes.Try,
		filepath.Join(dir, "web.sock"))
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(15 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(25 * time.Millisecond)
	}
}

func TestNew_NoWorkflow(t *testing.T) {
	cfg := config.Default()
	cfg.General.DatabasePath = filepath.Join(t.TempDir(), "results.db")

	_, err := New(cfg, Options{}, nil)
	if !errors.Is(err, config.ErrNoWorkflow) {
		t.Fatalf("expected ErrNoWorkflow, got %v", err)
	}
}

func TestNew_MissingSecret(t *testing.T) {
	cfg := config.Default()
	cfg.Phabricator.Enabled = true

	_, err := New(cfg, Options{}, nil)
	if err == nil || !strings.Contains(err.Error(), "phabricator.token") {
		t.Fatalf("expected missing token error, got %v", err)
	}
}

func TestCodeReviewWorkflow_EndToEnd(t *testing.T) {
	remotes := repotest.Setup(t)
	dir := shortDir(t)
	path := filepath.Join(dir, "config.toml")
	writeCodeReviewConfig(t, path, remotes, dir, true)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	review := &fakeReview{}
	l, err := New(cfg, Options{ConfigPath: path, Review: review}, nil)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()
	defer func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("Run: %v", err)
		}
	}()

	client := ipc.NewClient(cfg.Web.Socket)
	waitFor(t, "ipc socket", func() bool {
		resp, err := client.SendCommand(ipc.CommandPing, "", nil)
		return err == nil && resp.Success
	})

	resp, err := client.SendCommand(ipc.CommandSubmit, "req-1", json.RawMessage(`{"diff":"PHID-DIFF-e2e"}`))
	if err != nil || !resp.Success {
		t.Fatalf("submit: %v %+v", err, resp)
	}

	waitFor(t, "published result", func() bool { return len(review.results()) == 1 })
	result := review.results()[0]
	if result.Status != domain.StatusPushed || result.DiffPHID != "PHID-DIFF-e2e" {
		t.Fatalf("unexpected result: %+v", result)
	}
	if got := repotest.Head(t, remotes.Try, "refs/heads/try"); got != result.Revision {
		t.Errorf("try head = %s, want %s", got, result.Revision)
	}

	// Results reach the store and the web process can read them back
	waitFor(t, "stored result", func() bool {
		resp, err := client.SendCommand(ipc.CommandResults, "", map[string]int{"limit": 10})
		return err == nil && resp.Success && strings.Contains(string(resp.Data), "PHID-DIFF-e2e")
	})

	// Turning publication off is picked up without a restart
	writeCodeReviewConfig(t, path, remotes, dir, false)
	waitFor(t, "publish toggle", func() bool { return !l.Dispatcher().Publishing() })
}

func TestCodeCoverageWiring(t *testing.T) {
	dir := shortDir(t)
	cfg := config.Default()
	cfg.General.DatabasePath = filepath.Join(dir, "results.db")
	cfg.CodeCoverage.Enabled = true
	cfg.CodeCoverage.HookID = "services-staging-codecoverage/bot"
	cfg.Pulse.User = "bot"
	cfg.Pulse.Password = "secret"

	l, err := New(cfg, Options{
		Subscriber:  idleSubscriber{},
		Taskcluster: taskcluster.NewClient("http://taskcluster.invalid", taskcluster.Credentials{}),
	}, nil)
	if err != nil {
		t.Fatal(err)
	}

	got := strings.Join(l.Bus().Queues(), ",")
	if got != "monitoring,monitoring-escalations,pulse-codecov" {
		t.Errorf("queues = %s", got)
	}
	if l.Dispatcher() != nil {
		t.Error("code review should be disabled")
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()
	time.Sleep(100 * time.Millisecond)
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestNew_BadOverflow(t *testing.T) {
	cfg := config.Default()
	cfg.CodeCoverage.Enabled = true
	cfg.CodeCoverage.HookID = "bot"
	cfg.Pulse.User = "bot"
	cfg.Pulse.Password = "secret"
	cfg.General.QueueOverflow = "explode"

	if _, err := New(cfg, Options{}, nil); err == nil {
		t.Error("expected an overflow policy error")
	}
}

func TestWebArgs(t *testing.T) {
	if got := strings.Join(WebArgs("/etc/pl.toml"), " "); got != "web --config /etc/pl.toml" {
		t.Errorf("WebArgs = %q", got)
	}
	if got := strings.Join(WebArgs(""), " "); got != "web" {
		t.Errorf("WebArgs = %q", got)
	}

	cfg := config.Default()
	if WebAddr(cfg) != "127.0.0.1:8000" {
		t.Errorf("WebAddr = %q", WebAddr(cfg))
	}
}

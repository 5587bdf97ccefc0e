package webserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hochfrequenz/pulselistener/internal/bus"
	"github.com/hochfrequenz/pulselistener/internal/domain"
	"github.com/hochfrequenz/pulselistener/internal/ipc"
)

func shortSockPath(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("/tmp", "pl-web-*")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	return filepath.Join(dir, "w.sock")
}

type staticResults []domain.WorkResult

func (s staticResults) RecentResults(ctx context.Context, limit int) ([]domain.WorkResult, error) {
	if limit > 0 && limit < len(s) {
		return s[:limit], nil
	}
	return s, nil
}

func (s staticResults) ResultsForDiff(ctx context.Context, diffPHID string) ([]domain.WorkResult, error) {
	var out []domain.WorkResult
	for _, r := range s {
		if r.DiffPHID == diffPHID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s staticResults) CountByStatus(ctx context.Context) (map[domain.ResultStatus]int, error) {
	counts := map[domain.ResultStatus]int{}
	for _, r := range s {
		counts[r.Status]++
	}
	return counts, nil
}

// startComponent runs the daemon side on a bus and waits for the socket
func startComponent(t *testing.T, results ResultLister, opts ...bus.QueueOptions) (*bus.Bus, string) {
	t.Helper()
	sock := shortSockPath(t)
	b := bus.New()
	if len(opts) > 0 {
		b.Declare(DefaultQueue, opts[0])
	}
	comp := NewComponent(ComponentConfig{SocketPath: sock}, results, nil)
	if err := b.Register(comp); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, err := os.Stat(sock); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("ipc socket never appeared")
		}
		time.Sleep(10 * time.Millisecond)
	}
	return b, sock
}

func TestComponent_SubmissionReachesQueue(t *testing.T) {
	b, sock := startComponent(t, nil)

	srv := newTestServer(ipc.NewClient(sock))
	rec := httptest.NewRecorder()
	body := `{"diff":"PHID-DIFF-xyz"}`
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/codereview/new", strings.NewReader(body)))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}

	q, err := b.Queue(DefaultQueue)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	payload, err := q.Get(ctx)
	if err != nil {
		t.Fatal(err)
	}
	raw, ok := payload.(json.RawMessage)
	if !ok {
		t.Fatalf("payload type = %T, want json.RawMessage", payload)
	}
	if string(raw) != body {
		t.Errorf("payload = %s, want %s", raw, body)
	}
}

func TestComponent_FullQueueIsBackpressure(t *testing.T) {
	_, sock := startComponent(t, nil, bus.QueueOptions{Capacity: 1, Overflow: bus.OverflowBlock})
	client := ipc.NewClient(sock)

	first, err := client.SendCommand(ipc.CommandSubmit, "1", json.RawMessage(`{"diff":"a"}`))
	if err != nil || !first.Success {
		t.Fatalf("first submission should fit: %v %+v", err, first)
	}

	second, err := client.SendCommand(ipc.CommandSubmit, "2", json.RawMessage(`{"diff":"b"}`))
	if err != nil {
		t.Fatal(err)
	}
	if second.Success || second.Error.Code != ipc.ErrCodeBackpressure {
		t.Errorf("expected backpressure, got %+v", second)
	}
}

func TestComponent_Results(t *testing.T) {
	results := staticResults{
		{DiffPHID: "PHID-DIFF-2", Status: domain.StatusPushed, Revision: "abc"},
		{DiffPHID: "PHID-DIFF-1", Status: domain.StatusError, Detail: "NoOpCommit: nothing"},
	}
	_, sock := startComponent(t, results)

	srv := newTestServer(ipc.NewClient(sock))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/results?limit=1", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}

	var got []domain.WorkResult
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].DiffPHID != "PHID-DIFF-2" {
		t.Errorf("unexpected results: %+v", got)
	}
}

func TestComponent_ResultsForDiffAndStats(t *testing.T) {
	results := staticResults{
		{DiffPHID: "PHID-DIFF-2", Status: domain.StatusPushed, Revision: "abc"},
		{DiffPHID: "PHID-DIFF-1", Status: domain.StatusError, Detail: "NoOpCommit: nothing"},
		{DiffPHID: "PHID-DIFF-1", Status: domain.StatusPushed, Revision: "def"},
	}
	_, sock := startComponent(t, results)
	srv := newTestServer(ipc.NewClient(sock))

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/results?diff=PHID-DIFF-1", nil))
	var got []domain.WorkResult
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decoding %q: %v", rec.Body.String(), err)
	}
	if len(got) != 2 || got[0].Status != domain.StatusError || got[1].Revision != "def" {
		t.Errorf("unexpected results: %+v", got)
	}

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/results?diff=PHID-DIFF-9", nil))
	if strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Errorf("unknown diff body = %q, want []", rec.Body.String())
	}

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/stats", nil))
	var counts map[string]int
	if err := json.Unmarshal(rec.Body.Bytes(), &counts); err != nil {
		t.Fatalf("decoding %q: %v", rec.Body.String(), err)
	}
	if counts["pushed"] != 2 || counts["error"] != 1 {
		t.Errorf("counts = %v", counts)
	}
}

func TestComponent_RequiresSocket(t *testing.T) {
	comp := NewComponent(ComponentConfig{}, nil, nil)
	if err := bus.New().Register(comp); err == nil {
		t.Error("expected error without socket path")
	}
}

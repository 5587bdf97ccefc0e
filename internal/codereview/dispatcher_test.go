package codereview

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hochfrequenz/pulselistener/internal/bus"
	"github.com/hochfrequenz/pulselistener/internal/domain"
	"github.com/hochfrequenz/pulselistener/internal/phabricator"
)

type fakeReview struct {
	mu        sync.Mutex
	stacks    map[string]*domain.Diff
	fetchErr  error
	published []domain.WorkResult
	bases     []string
}

func (f *fakeReview) FetchPatchStack(ctx context.Context, diffPHID, defaultBase string) (*domain.Diff, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bases = append(f.bases, defaultBase)
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	d, ok := f.stacks[diffPHID]
	if !ok {
		return nil, fmt.Errorf("diff %s: %w", diffPHID, phabricator.ErrNotFound)
	}
	return d, nil
}

func (f *fakeReview) PublishResult(ctx context.Context, diffPHID string, result domain.WorkResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, result)
	return nil
}

type memoryRecorder struct {
	mu      sync.Mutex
	results []domain.WorkResult
}

func (m *memoryRecorder) RecordResult(ctx context.Context, r domain.WorkResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results = append(m.results, r)
	return nil
}

func newDispatcher(t *testing.T, cfg Config) (*Dispatcher, *fakeReview, *memoryRecorder, *bus.Bus) {
	t.Helper()
	review := &fakeReview{stacks: map[string]*domain.Diff{
		"PHID-DIFF-1": {PHID: "PHID-DIFF-1", Patches: []domain.Patch{{ID: "PHID-DIFF-1", Text: "p"}}},
	}}
	store := &memoryRecorder{}
	d := New(cfg, review, store, nil)
	b := bus.New()
	if err := b.Register(d); err != nil {
		t.Fatal(err)
	}
	return d, review, store, b
}

func get(t *testing.T, b *bus.Bus, queue string) any {
	t.Helper()
	q, err := b.Queue(queue)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	payload, err := q.Get(ctx)
	if err != nil {
		t.Fatalf("nothing on %s: %v", queue, err)
	}
	return payload
}

func TestParseNotification(t *testing.T) {
	tests := []struct {
		name    string
		payload any
		phid    string
		wantErr bool
	}{
		{"diff field", json.RawMessage(`{"diff":"PHID-DIFF-1"}`), "PHID-DIFF-1", false},
		{"diff_phid field", []byte(`{"diff_phid":"PHID-DIFF-2","revision":"PHID-DREV-2"}`), "PHID-DIFF-2", false},
		{"string payload", `{"diff":"PHID-DIFF-3"}`, "PHID-DIFF-3", false},
		{"struct payload", Notification{Diff: "PHID-DIFF-4"}, "PHID-DIFF-4", false},
		{"missing diff", json.RawMessage(`{"revision":"PHID-DREV-1"}`), "", true},
		{"not a diff phid", json.RawMessage(`{"diff":"PHID-DREV-1"}`), "", true},
		{"not json", json.RawMessage(`diff`), "", true},
		{"wrong type", 42, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, err := ParseNotification(tt.payload)
			if tt.wantErr {
				if !errors.Is(err, ErrMalformed) {
					t.Fatalf("expected ErrMalformed, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if n.PHID() != tt.phid {
				t.Errorf("PHID = %q, want %q", n.PHID(), tt.phid)
			}
		})
	}
}

func TestHandleNotification_QueuesDiff(t *testing.T) {
	d, review, _, b := newDispatcher(t, Config{})

	if err := d.HandleNotification(context.Background(), json.RawMessage(`{"diff":"PHID-DIFF-1"}`)); err != nil {
		t.Fatal(err)
	}

	diff, ok := get(t, b, WorkQueue).(*domain.Diff)
	if !ok || diff.PHID != "PHID-DIFF-1" {
		t.Fatalf("unexpected work item: %#v", diff)
	}
	if review.bases[0] != domain.DefaultBaseRevision {
		t.Errorf("default base = %q, want %q", review.bases[0], domain.DefaultBaseRevision)
	}
}

func TestHandleNotification_Drops(t *testing.T) {
	d, review, _, b := newDispatcher(t, Config{Repository: "mozilla-central"})

	payloads := []any{
		json.RawMessage(`{"nothing":true}`),
		json.RawMessage(`{"diff":"PHID-DIFF-1","repository":"other-repo"}`),
	}
	for _, p := range payloads {
		if err := d.HandleNotification(context.Background(), p); err != nil {
			t.Fatalf("drops should not error: %v", err)
		}
	}

	q, _ := b.Queue(WorkQueue)
	if q.Len() != 0 {
		t.Errorf("work queue has %d items, want 0", q.Len())
	}
	if len(review.bases) != 0 {
		t.Error("dropped notifications should never reach the review system")
	}
}

func TestHandleNotification_UnknownDiffIsRejected(t *testing.T) {
	d, _, _, b := newDispatcher(t, Config{})

	if err := d.HandleNotification(context.Background(), json.RawMessage(`{"diff":"PHID-DIFF-404"}`)); err != nil {
		t.Fatal(err)
	}

	result, ok := get(t, b, ResultsQueue).(domain.WorkResult)
	if !ok {
		t.Fatal("expected a WorkResult")
	}
	if result.Status != domain.StatusRejected || result.DiffPHID != "PHID-DIFF-404" {
		t.Errorf("unexpected result: %+v", result)
	}
}

func TestHandleNotification_FetchErrorIsReported(t *testing.T) {
	d, review, _, b := newDispatcher(t, Config{})
	review.fetchErr = errors.New("conduit down")

	if err := d.HandleNotification(context.Background(), json.RawMessage(`{"diff":"PHID-DIFF-1"}`)); err != nil {
		t.Fatal(err)
	}

	result, ok := get(t, b, ResultsQueue).(domain.WorkResult)
	if !ok {
		t.Fatal("expected a WorkResult")
	}
	if result.Status != domain.StatusError || result.DiffPHID != "PHID-DIFF-1" {
		t.Errorf("unexpected result: %+v", result)
	}
	if !strings.HasPrefix(result.Detail, "FetchError: ") || !strings.Contains(result.Detail, "conduit down") {
		t.Errorf("Detail = %q", result.Detail)
	}
	if work, _ := b.Queue(WorkQueue); work.Len() != 0 {
		t.Error("nothing should be queued for the worker")
	}
}

func TestHandleNotification_FetchErrorOnShutdown(t *testing.T) {
	d, review, _, b := newDispatcher(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	review.fetchErr = context.Canceled

	if err := d.HandleNotification(ctx, json.RawMessage(`{"diff":"PHID-DIFF-1"}`)); err == nil {
		t.Fatal("expected an error")
	}
	if results, _ := b.Queue(ResultsQueue); results.Len() != 0 {
		t.Error("no result should be emitted while shutting down")
	}
}

func TestHandleNotification_InvalidDiffIsRejected(t *testing.T) {
	d, review, _, b := newDispatcher(t, Config{})
	review.stacks["PHID-DIFF-empty"] = &domain.Diff{PHID: "PHID-DIFF-empty"}
	review.stacks["PHID-DIFF-other"] = &domain.Diff{PHID: "PHID-DIFF-1", Patches: []domain.Patch{{ID: "x", Text: "p"}}}

	for _, phid := range []string{"PHID-DIFF-empty", "PHID-DIFF-other"} {
		if err := d.HandleNotification(context.Background(), json.RawMessage(`{"diff":"`+phid+`"}`)); err != nil {
			t.Fatal(err)
		}
		result, ok := get(t, b, ResultsQueue).(domain.WorkResult)
		if !ok {
			t.Fatal("expected a WorkResult")
		}
		if result.Status != domain.StatusRejected || result.DiffPHID != phid {
			t.Errorf("unexpected result for %s: %+v", phid, result)
		}
	}
	if work, _ := b.Queue(WorkQueue); work.Len() != 0 {
		t.Error("invalid diffs must not reach the worker")
	}
}

func TestHandleResult_PublishToggle(t *testing.T) {
	d, review, store, _ := newDispatcher(t, Config{Publish: false})
	ctx := context.Background()

	pushed := domain.WorkResult{DiffPHID: "PHID-DIFF-1", Status: domain.StatusPushed, Revision: "abc"}
	if err := d.HandleResult(ctx, pushed); err != nil {
		t.Fatal(err)
	}
	if len(review.published) != 0 {
		t.Error("nothing should be published while publishing is off")
	}

	d.SetPublish(true)
	if !d.Publishing() {
		t.Fatal("Publishing should be true after SetPublish(true)")
	}
	if err := d.HandleResult(ctx, &pushed); err != nil {
		t.Fatal(err)
	}
	if len(review.published) != 1 {
		t.Errorf("published %d results, want 1", len(review.published))
	}

	if len(store.results) != 2 {
		t.Errorf("recorded %d results, want 2", len(store.results))
	}
}

func TestHandleResult_RejectedNeverPublished(t *testing.T) {
	d, review, store, _ := newDispatcher(t, Config{Publish: true})

	if err := d.HandleResult(context.Background(), domain.WorkResult{DiffPHID: "PHID-DIFF-9", Status: domain.StatusRejected}); err != nil {
		t.Fatal(err)
	}
	if len(review.published) != 0 {
		t.Error("rejected results must not be published")
	}
	if len(store.results) != 1 {
		t.Error("rejected results are still recorded")
	}
}

func TestDispatcher_EndToEndOnBus(t *testing.T) {
	_, review, store, b := newDispatcher(t, Config{Publish: true})

	// Stand-in worker: turns every diff into a pushed result
	work, _ := b.Queue(WorkQueue)
	results, _ := b.Queue(ResultsQueue)
	b.Go("fake-worker", func(ctx context.Context) error {
		for {
			payload, err := work.Get(ctx)
			if err != nil {
				return nil
			}
			diff := payload.(*domain.Diff)
			results.Put(ctx, domain.WorkResult{DiffPHID: diff.PHID, Status: domain.StatusPushed, Revision: "rev"})
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	if err := b.Emit(ctx, WebQueue, json.RawMessage(`{"diff":"PHID-DIFF-1"}`)); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		review.mu.Lock()
		n := len(review.published)
		review.mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("result was never published")
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatal(err)
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.results) != 1 || store.results[0].Revision != "rev" {
		t.Errorf("unexpected recorded results: %+v", store.results)
	}
}

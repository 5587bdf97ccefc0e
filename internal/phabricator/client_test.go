package phabricator

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/hochfrequenz/pulselistener/internal/domain"
)

// fakeConduit serves a small stack: D3 (diff 30) depends on D2 (diff 20),
// which depends on the closed D1.
type fakeConduit struct {
	mu       sync.Mutex
	comments []string
	tokens   []string
}

func (f *fakeConduit) handler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		method := strings.TrimPrefix(r.URL.Path, "/api/")
		if method == "conduit.getcapabilities" {
			_ = json.NewEncoder(w).Encode(map[string]any{"result": capabilities, "error_code": nil, "error_info": nil})
			return
		}

		var params map[string]any
		if err := json.Unmarshal([]byte(r.FormValue("params")), &params); err != nil {
			t.Errorf("decode params: %v", err)
		}
		meta, _ := params["__conduit__"].(map[string]any)
		token, _ := meta["token"].(string)
		f.mu.Lock()
		f.tokens = append(f.tokens, token)
		f.mu.Unlock()

		var result any
		switch method {
		case "differential.diff.search":
			c := params["constraints"].(map[string]any)
			if phids, ok := c["phids"]; ok {
				switch phids.([]any)[0] {
				case "PHID-DIFF-3":
					result = diffs(30, "PHID-DIFF-3", "PHID-DREV-3", "")
				case "PHID-DIFF-orphan":
					result = diffs(99, "PHID-DIFF-orphan", "", "")
				default:
					result = map[string]any{"data": []any{}}
				}
			} else {
				switch c["revisionPHIDs"].([]any)[0] {
				case "PHID-DREV-2":
					result = diffs(20, "PHID-DIFF-2", "PHID-DREV-2", "abc123")
				}
			}
		case "edge.search":
			switch params["sourcePHIDs"].([]any)[0] {
			case "PHID-DREV-3":
				result = edges("PHID-DREV-3", "PHID-DREV-2")
			case "PHID-DREV-2":
				result = edges("PHID-DREV-2", "PHID-DREV-1")
			default:
				result = map[string]any{"data": []any{}}
			}
		case "differential.revision.search":
			phid := params["constraints"].(map[string]any)["phids"].([]any)[0].(string)
			result = map[string]any{"data": []any{map[string]any{
				"phid":   phid,
				"fields": map[string]any{"status": map[string]any{"closed": phid == "PHID-DREV-1"}},
			}}}
		case "differential.getrawdiff":
			result = "raw diff " + jsonNumber(params["diffID"])
		case "differential.revision.edit":
			tx := params["transactions"].([]any)[0].(map[string]any)
			f.mu.Lock()
			f.comments = append(f.comments, params["objectIdentifier"].(string)+": "+tx["value"].(string))
			f.mu.Unlock()
			result = map[string]any{}
		default:
			code := "ERR-CONDUIT-CORE"
			info := "unknown method"
			_ = json.NewEncoder(w).Encode(map[string]any{"result": nil, "error_code": code, "error_info": info})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"result": result, "error_code": nil, "error_info": nil})
	})
}

var capabilities = map[string]any{
	"authentication": []string{"token", "asymmetric", "session", "sessionless"},
	"signatures":     []string{"consign"},
	"input":          []string{"json", "urlencoded"},
	"output":         []string{"json", "human"},
}

func diffs(id int, phid, revision, base string) map[string]any {
	refs := []any{}
	if base != "" {
		refs = append(refs, map[string]any{"type": "base", "identifier": base})
	}
	return map[string]any{"data": []any{map[string]any{
		"id":   id,
		"phid": phid,
		"fields": map[string]any{
			"revisionPHID": revision,
			"refs":         refs,
		},
	}}}
}

func edges(src, dst string) map[string]any {
	return map[string]any{"data": []any{map[string]any{"sourcePHID": src, "destinationPHID": dst}}}
}

func jsonNumber(v any) string {
	b, _ := json.Marshal(v)
	return string(b)
}

func newTestClient(t *testing.T) (*Client, *fakeConduit) {
	t.Helper()
	fake := &fakeConduit{}
	srv := httptest.NewServer(fake.handler(t))
	t.Cleanup(srv.Close)
	return NewClient(srv.URL+"/api", "api-secret"), fake
}

func TestFetchPatchStack_WalksOpenParents(t *testing.T) {
	client, fake := newTestClient(t)

	diff, err := client.FetchPatchStack(context.Background(), "PHID-DIFF-3", "central")
	if err != nil {
		t.Fatalf("FetchPatchStack: %v", err)
	}

	if diff.PHID != "PHID-DIFF-3" {
		t.Errorf("PHID = %q", diff.PHID)
	}
	if got := strings.Join(diff.PatchIDs(), ","); got != "PHID-DIFF-2,PHID-DIFF-3" {
		t.Errorf("patch order = %s, want oldest first", got)
	}
	if diff.Patches[0].Text != "raw diff 20" || diff.Patches[1].Text != "raw diff 30" {
		t.Errorf("unexpected patch texts: %+v", diff.Patches)
	}
	if diff.BaseRevision != "abc123" {
		t.Errorf("BaseRevision = %q, want base of the bottom diff", diff.BaseRevision)
	}
	for _, tok := range fake.tokens {
		if tok != "api-secret" {
			t.Fatalf("request sent without token: %q", tok)
		}
	}
}

func TestFetchPatchStack_DefaultBase(t *testing.T) {
	client, _ := newTestClient(t)

	diff, err := client.FetchPatchStack(context.Background(), "PHID-DIFF-orphan", "central")
	if err != nil {
		t.Fatalf("FetchPatchStack: %v", err)
	}
	if len(diff.Patches) != 1 {
		t.Fatalf("expected a single patch, got %d", len(diff.Patches))
	}
	if diff.BaseRevision != "central" {
		t.Errorf("BaseRevision = %q, want central", diff.BaseRevision)
	}
}

func TestFetchPatchStack_UnknownDiff(t *testing.T) {
	client, _ := newTestClient(t)

	_, err := client.FetchPatchStack(context.Background(), "PHID-DIFF-missing", "central")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPublishResult(t *testing.T) {
	client, fake := newTestClient(t)

	err := client.PublishResult(context.Background(), "PHID-DIFF-3", domain.WorkResult{
		DiffPHID: "PHID-DIFF-3",
		Status:   domain.StatusPushed,
		Revision: "deadbeef",
	})
	if err != nil {
		t.Fatalf("PublishResult: %v", err)
	}
	if len(fake.comments) != 1 {
		t.Fatalf("expected one comment, got %d", len(fake.comments))
	}
	if !strings.HasPrefix(fake.comments[0], "PHID-DREV-3: ") || !strings.Contains(fake.comments[0], "deadbeef") {
		t.Errorf("unexpected comment: %q", fake.comments[0])
	}
}

func TestPublishResult_OrphanDiff(t *testing.T) {
	client, _ := newTestClient(t)

	err := client.PublishResult(context.Background(), "PHID-DIFF-orphan", domain.WorkResult{Status: domain.StatusError})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCall_APIError(t *testing.T) {
	client, _ := newTestClient(t)

	err := client.call(context.Background(), "no.such.method", nil, nil)
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Code != "ERR-CONDUIT-CORE" {
		t.Errorf("Code = %q", apiErr.Code)
	}
}

func TestCall_CancelledContext(t *testing.T) {
	client, fake := newTestClient(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := client.FetchPatchStack(ctx, "PHID-DIFF-3", "central"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	fake.mu.Lock()
	defer fake.mu.Unlock()
	if len(fake.tokens) != 0 {
		t.Errorf("cancelled call reached conduit %d times", len(fake.tokens))
	}
}

func TestNewClient_Host(t *testing.T) {
	for _, base := range []string{"https://phab.example.com/api/", "https://phab.example.com/api", "https://phab.example.com/"} {
		if got := NewClient(base, "t").host; got != "https://phab.example.com" {
			t.Errorf("NewClient(%q).host = %q", base, got)
		}
	}
}

func TestResultComment(t *testing.T) {
	msg := ResultComment(domain.WorkResult{Status: domain.StatusError, Detail: "NoOpCommit: commit is the same as base, nothing changed"})
	if !strings.Contains(msg, "NoOpCommit") {
		t.Errorf("comment should carry the detail: %q", msg)
	}
}

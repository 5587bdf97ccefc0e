//go:build integration

package integration

import (
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"
)

var (
	buildOnce sync.Once
	builtPath string
	buildErr  error
	buildOut  []byte
)

// binaryPath builds the CLI once per test run and returns its path
func binaryPath(t *testing.T) string {
	t.Helper()
	buildOnce.Do(func() {
		dir, err := os.MkdirTemp("", "pulselistener-bin-*")
		if err != nil {
			buildErr = err
			return
		}
		builtPath = filepath.Join(dir, "pulselistener")
		cmd := exec.Command("go", "build", "-o", builtPath, "../cmd/pulselistener")
		buildOut, buildErr = cmd.CombinedOutput()
	})
	if buildErr != nil {
		t.Fatalf("Failed to build binary: %v\n%s", buildErr, buildOut)
	}
	return builtPath
}

// ShortTempDir returns a temp dir short enough to hold a unix socket path
func ShortTempDir(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("/tmp", "pl-it-*")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	return dir
}

// FreePort returns a TCP port that was free a moment ago
func FreePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

// WaitFor polls cond until it holds or the deadline passes
func WaitFor(t *testing.T, what string, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(100 * time.Millisecond)
	}
}

// FakeConduit serves single-diff stacks whose raw diff is Patch
type FakeConduit struct {
	Patch string
}

// Start runs the fake on an httptest server and returns its API url
func (f *FakeConduit) Start(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		var params map[string]any
		_ = json.Unmarshal([]byte(r.FormValue("params")), &params)

		var result any
		switch filepath.Base(r.URL.Path) {
		case "conduit.getcapabilities":
			result = map[string]any{
				"authentication": []string{"token"},
				"signatures":     []string{"consign"},
				"input":          []string{"json", "urlencoded"},
				"output":         []string{"json"},
			}
		case "differential.diff.search":
			phid := params["constraints"].(map[string]any)["phids"].([]any)[0].(string)
			result = map[string]any{"data": []any{map[string]any{
				"id":     7,
				"phid":   phid,
				"fields": map[string]any{"revisionPHID": "", "refs": []any{}},
			}}}
		case "differential.getrawdiff":
			result = f.Patch
		default:
			_ = json.NewEncoder(w).Encode(map[string]any{
				"result": nil, "error_code": "ERR-CONDUIT-CORE", "error_info": "unknown method " + strconv.Quote(r.URL.Path),
			})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"result": result, "error_code": nil, "error_info": nil})
	}))
	t.Cleanup(srv.Close)
	return srv.URL + "/api/"
}

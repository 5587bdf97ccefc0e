// Package repotest builds throwaway git remotes for tests.
package repotest

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

// Branch is the upstream branch every fixture uses
const Branch = "central"

// Remotes holds the paths of a seeded upstream and an empty try remote
type Remotes struct {
	Upstream string
	Try      string
	// Clone is a path where a clone does not exist yet
	Clone string
}

// Git runs a git command in dir and fails the test on error
func Git(t testing.TB, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME=Test", "GIT_AUTHOR_EMAIL=test@test.com",
		"GIT_COMMITTER_NAME=Test", "GIT_COMMITTER_EMAIL=test@test.com",
	)
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %v failed: %s", args, out)
	}
	return strings.TrimSpace(string(out))
}

// Setup creates a bare upstream with one commit on Branch and a bare try remote
func Setup(t testing.TB) Remotes {
	t.Helper()
	root := t.TempDir()

	seed := filepath.Join(root, "seed")
	if err := os.MkdirAll(seed, 0755); err != nil {
		t.Fatal(err)
	}
	Git(t, seed, "init")
	Git(t, seed, "checkout", "-b", Branch)
	if err := os.WriteFile(filepath.Join(seed, "README.md"), []byte("# Test\n"), 0644); err != nil {
		t.Fatal(err)
	}
	Git(t, seed, "add", ".")
	Git(t, seed, "commit", "-m", "Initial commit")

	upstream := filepath.Join(root, "upstream.git")
	Git(t, root, "clone", "--bare", seed, upstream)

	try := filepath.Join(root, "try.git")
	Git(t, root, "init", "--bare", try)

	return Remotes{
		Upstream: upstream,
		Try:      try,
		Clone:    filepath.Join(root, "clone"),
	}
}

// Head returns the commit a ref points to in a repository
func Head(t testing.TB, repo, ref string) string {
	t.Helper()
	return Git(t, repo, "rev-parse", ref)
}

// Message returns the subject of a commit
func Message(t testing.TB, repo, rev string) string {
	t.Helper()
	return Git(t, repo, "log", "-1", "--format=%s", rev)
}

// Count returns the number of commits reachable from rev
func Count(t testing.TB, repo, rev string) int {
	t.Helper()
	var n int
	fmt.Sscanf(Git(t, repo, "rev-list", "--count", rev), "%d", &n)
	return n
}

// NewFilePatch returns a unified diff creating name with one line of content
func NewFilePatch(name, line string) string {
	return fmt.Sprintf(`diff --git a/%[1]s b/%[1]s
new file mode 100644
--- /dev/null
+++ b/%[1]s
@@ -0,0 +1 @@
+%[2]s
`, name, line)
}

// BrokenPatch returns a diff whose context does not exist upstream
func BrokenPatch() string {
	return `diff --git a/README.md b/README.md
--- a/README.md
+++ b/README.md
@@ -1 +1 @@
-this line is not there
+replacement
`
}

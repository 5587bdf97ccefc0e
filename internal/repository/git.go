// Package repository drives the local clone the repository worker mutates.
// All operations shell out to the git CLI.
package repository

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/hochfrequenz/pulselistener/internal/domain"
)

// Author is the identity commits are created with
type Author struct {
	Name  string
	Email string
}

func (a Author) String() string {
	return fmt.Sprintf("%s <%s>", a.Name, a.Email)
}

// Config configures a Git repository
type Config struct {
	// Dir is the local clone
	Dir string
	// URL is the upstream the clone syncs from
	URL string
	// Branch is the upstream branch drafts are measured against
	Branch string
	// TryURL is the remote commits are force-pushed to
	TryURL string
	// TryBranch is the ref pushed on TryURL
	TryBranch string
	Author    Author
	SSH       SSHCredential
}

// Git is a local clone operated through the git CLI
type Git struct {
	config Config
	logger *slog.Logger
}

// New creates a Git repository handle. Nothing touches disk until Checkout.
func New(config Config, logger *slog.Logger) *Git {
	if config.Branch == "" {
		config.Branch = domain.DefaultBaseRevision
	}
	if config.TryBranch == "" {
		config.TryBranch = "try"
	}
	if config.Author.Name == "" {
		config.Author = Author{Name: "pulselistener", Email: "pulselistener@localhost"}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Git{
		config: config,
		logger: logger.With("component", "repository", "repo", config.URL),
	}
}

// Dir returns the clone directory
func (g *Git) Dir() string {
	return g.config.Dir
}

func (g *Git) upstream() string {
	return "origin/" + g.config.Branch
}

// Checkout clones the upstream or, for an existing clone, resyncs it
func (g *Git) Checkout(ctx context.Context) error {
	if _, err := os.Stat(filepath.Join(g.config.Dir, ".git")); os.IsNotExist(err) {
		if err := os.MkdirAll(filepath.Dir(g.config.Dir), 0755); err != nil {
			return fmt.Errorf("creating clone parent dir: %w", err)
		}
		g.logger.Info("cloning repository", "dir", g.config.Dir)
		cmd := exec.CommandContext(ctx, "git", "clone", "--branch", g.config.Branch, g.config.URL, g.config.Dir)
		if out, err := cmd.CombinedOutput(); err != nil {
			return &CommandError{Args: cmd.Args[1:], Output: string(out), Err: err}
		}
	} else {
		if _, err := g.run(ctx, nil, "remote", "set-url", "origin", g.config.URL); err != nil {
			return err
		}
	}

	// Recover from anything a previous process left behind
	if err := g.RevertAll(ctx); err != nil {
		return err
	}
	return g.Pull(ctx)
}

// Pull fetches the upstream branch and moves the clone onto it
func (g *Git) Pull(ctx context.Context) error {
	if _, err := g.run(ctx, nil, "fetch", "--prune", "origin", g.config.Branch); err != nil {
		return err
	}
	if _, err := g.run(ctx, nil, "checkout", "-B", g.config.Branch, g.upstream()); err != nil {
		return err
	}
	_, err := g.run(ctx, nil, "reset", "--hard", g.upstream())
	return err
}

// StripDrafts removes every local commit not present upstream. Having no
// drafts is not an error.
func (g *Git) StripDrafts(ctx context.Context) error {
	drafts, err := g.drafts(ctx)
	if err != nil {
		return err
	}
	if len(drafts) == 0 {
		g.logger.Debug("no drafts to strip")
	} else {
		g.logger.Info("stripping drafts", "count", len(drafts))
	}
	if _, err := g.run(ctx, nil, "checkout", "-f", "-B", g.config.Branch, g.upstream()); err != nil {
		return err
	}
	_, err = g.run(ctx, nil, "reset", "--hard", g.upstream())
	return err
}

// Update moves the working copy to rev, a remote branch or commit. It
// returns false when rev is unknown and the clone stays on the upstream
// branch.
func (g *Git) Update(ctx context.Context, rev string) (bool, error) {
	if rev == "" || rev == g.config.Branch {
		return true, nil
	}
	for _, candidate := range []string{"origin/" + rev, rev} {
		if _, err := g.run(ctx, nil, "rev-parse", "--verify", "--quiet", candidate+"^{commit}"); err != nil {
			continue
		}
		_, err := g.run(ctx, nil, "reset", "--hard", candidate)
		return err == nil, err
	}
	return false, nil
}

// ImportPatch applies a unified diff and commits it. A patch that changes
// nothing produces no commit.
func (g *Git) ImportPatch(ctx context.Context, patch domain.Patch, message string) error {
	if _, err := g.run(ctx, strings.NewReader(patch.Text), "apply", "--index", "--whitespace=nowarn", "-"); err != nil {
		return err
	}

	if _, err := g.run(ctx, nil, "diff", "--cached", "--quiet"); err == nil {
		g.logger.Warn("patch produced no changes", "patch", patch.ID)
		return nil
	}

	_, err := g.commit(ctx, message)
	return err
}

// Collapse squashes every commit after base into one commit with message
func (g *Git) Collapse(ctx context.Context, base, message string) error {
	if _, err := g.run(ctx, nil, "reset", "--soft", base); err != nil {
		return err
	}
	_, err := g.commit(ctx, message)
	return err
}

// Push force-pushes rev to the try destination
func (g *Git) Push(ctx context.Context, rev string) error {
	dest := g.config.TryURL
	if dest == "" {
		return errors.New("no try destination configured")
	}
	refspec := fmt.Sprintf("%s:refs/heads/%s", rev, g.config.TryBranch)

	return g.config.SSH.withKeyFile("", func(sshCommand string) error {
		var env []string
		if sshCommand != "" {
			env = append(env, "GIT_SSH_COMMAND="+sshCommand)
		}
		_, err := g.runEnv(ctx, nil, env, "push", "--force", dest, refspec)
		return err
	})
}

// Tip returns the commit the working copy is on
func (g *Git) Tip(ctx context.Context) (string, error) {
	out, err := g.run(ctx, nil, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// RevertAll discards uncommitted changes and any half-applied patch
func (g *Git) RevertAll(ctx context.Context) error {
	// Nothing may be in progress; ignore the error in that case
	g.run(ctx, nil, "am", "--abort")
	g.run(ctx, nil, "rebase", "--abort")

	if _, err := g.run(ctx, nil, "reset", "--hard"); err != nil {
		return err
	}
	_, err := g.run(ctx, nil, "clean", "-fd")
	return err
}

// State reports the tip and drafts of the clone
func (g *Git) State(ctx context.Context) (domain.RepositoryState, error) {
	tip, err := g.Tip(ctx)
	if err != nil {
		return domain.RepositoryState{}, err
	}
	drafts, err := g.drafts(ctx)
	if err != nil {
		return domain.RepositoryState{}, err
	}
	return domain.RepositoryState{Tip: tip, Drafts: drafts}, nil
}

func (g *Git) drafts(ctx context.Context) ([]string, error) {
	out, err := g.run(ctx, nil, "rev-list", g.upstream()+"..HEAD")
	if err != nil {
		return nil, err
	}
	return strings.Fields(out), nil
}

func (g *Git) commit(ctx context.Context, message string) (string, error) {
	return g.run(ctx, nil,
		"-c", "user.name="+g.config.Author.Name,
		"-c", "user.email="+g.config.Author.Email,
		"commit", "--no-verify", "--author", g.config.Author.String(), "-m", message,
	)
}

func (g *Git) run(ctx context.Context, stdin io.Reader, args ...string) (string, error) {
	return g.runEnv(ctx, stdin, nil, args...)
}

func (g *Git) runEnv(ctx context.Context, stdin io.Reader, env []string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = g.config.Dir
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	cmd.Env = append(cmd.Env, env...)
	cmd.Stdin = stdin

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if stderr.Len() > 0 {
		g.logger.Debug("git", "args", args, "stderr", strings.TrimSpace(stderr.String()))
	}
	if err != nil {
		return stdout.String(), &CommandError{Args: args, Output: stderr.String(), Err: err}
	}
	return stdout.String(), nil
}

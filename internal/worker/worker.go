// Package worker runs the repository worker: the single consumer of the
// mutation queue that applies patch stacks to the local clone and pushes
// them to try.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hochfrequenz/pulselistener/internal/bus"
	"github.com/hochfrequenz/pulselistener/internal/domain"
)

// Repository is the set of clone operations the worker drives
type Repository interface {
	Checkout(ctx context.Context) error
	Pull(ctx context.Context) error
	StripDrafts(ctx context.Context) error
	Update(ctx context.Context, rev string) (bool, error)
	ImportPatch(ctx context.Context, patch domain.Patch, message string) error
	Collapse(ctx context.Context, base, message string) error
	Push(ctx context.Context, rev string) error
	Tip(ctx context.Context) (string, error)
	RevertAll(ctx context.Context) error
}

// emitTimeout bounds how long a finished result may wait for room on the
// results queue once the worker has been asked to stop
const emitTimeout = 5 * time.Second

// Config names the queues the worker is wired to
type Config struct {
	WorkQueue    string
	ResultsQueue string
}

// Worker owns the clone exclusively. Exactly one Worker may exist per clone
// and it processes one diff at a time.
type Worker struct {
	config  Config
	repo    Repository
	logger  *slog.Logger
	work    *bus.Queue
	results *bus.Queue

	emitTimeout time.Duration

	mu    sync.Mutex
	state State
	hook  TransitionHook
}

// New creates a worker for repo
func New(config Config, repo Repository, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		config: config,
		repo:   repo,
		logger: logger.With("component", "repository-worker"),
		state:  StateIdle,

		emitTimeout: emitTimeout,
	}
}

// SetTransitionHook installs a callback invoked on every state change
func (w *Worker) SetTransitionHook(hook TransitionHook) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.hook = hook
}

// State returns the current workflow step
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Register declares the work and results queues and adds the worker loop
func (w *Worker) Register(b *bus.Bus) error {
	w.work = b.Declare(w.config.WorkQueue)
	w.results = b.Declare(w.config.ResultsQueue)
	b.Go("repository-worker", w.Run)
	return nil
}

// Run checks out the clone then drains the work queue until ctx is done.
// A diff already being processed when ctx is cancelled runs to completion.
func (w *Worker) Run(ctx context.Context) error {
	if w.work == nil || w.results == nil {
		return fmt.Errorf("worker is not registered on a bus")
	}

	w.logger.Info("checking out repository")
	if err := w.repo.Checkout(ctx); err != nil {
		return fmt.Errorf("initial checkout: %w", err)
	}
	w.logger.Info("initial clone finished")

	for {
		payload, err := w.work.Get(ctx)
		if err != nil {
			if ctx.Err() != nil {
				w.logger.Info("worker stopping")
				return nil
			}
			return err
		}

		diff, ok := asDiff(payload)
		if !ok {
			w.logger.Warn("dropping unexpected payload on work queue", "type", fmt.Sprintf("%T", payload))
			continue
		}

		result := w.Process(context.WithoutCancel(ctx), diff)
		w.emit(ctx, result)
	}
}

// emit puts result on the results queue. After ctx is cancelled the consumer
// may be gone, so the put only waits emitTimeout before the result is lost.
func (w *Worker) emit(ctx context.Context, result domain.WorkResult) {
	err := w.results.Put(ctx, result)
	if err == nil {
		return
	}
	if ctx.Err() == nil {
		w.logger.Error("failed to emit result", "phid", result.DiffPHID, "error", err)
		return
	}

	putCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.emitTimeout)
	defer cancel()
	if err := w.results.Put(putCtx, result); err != nil {
		w.logger.Error("result lost on shutdown", "phid", result.DiffPHID, "status", string(result.Status), "error", err)
	}
}

// Process runs the whole workflow for one diff and always leaves the clone
// clean. It never returns an error: failures become an error result.
func (w *Worker) Process(ctx context.Context, diff *domain.Diff) domain.WorkResult {
	log := w.logger.With("phid", diff.PHID)
	log.Info("received diff", "patches", len(diff.Patches))

	commit, err := w.handle(ctx, diff, log)
	if err != nil {
		log.Warn("failed to process diff", "error", err, "kind", Classify(err))
		w.recoverClone(ctx, diff, log)
		w.transition(diff.PHID, StateIdle)
		return domain.WorkResult{
			DiffPHID: diff.PHID,
			Status:   domain.StatusError,
			Detail:   detail(err),
			At:       time.Now().UTC(),
		}
	}

	// The pushed commit only lives on try
	if err := w.repo.StripDrafts(ctx); err != nil {
		log.Error("failed to strip pushed commit", "error", err)
	}
	w.transition(diff.PHID, StateIdle)
	log.Info("diff has been pushed", "rev", commit)
	return domain.WorkResult{
		DiffPHID: diff.PHID,
		Status:   domain.StatusPushed,
		Revision: commit,
		At:       time.Now().UTC(),
	}
}

func (w *Worker) handle(ctx context.Context, diff *domain.Diff, log *slog.Logger) (string, error) {
	w.transition(diff.PHID, StateCleaning)
	if err := w.clean(ctx, log); err != nil {
		return "", err
	}

	w.transition(diff.PHID, StateApplying)
	if len(diff.Patches) == 0 {
		return "", domain.ErrEmptyPatchStack
	}

	found, err := w.repo.Update(ctx, diff.Base())
	if err != nil {
		return "", err
	}
	if !found {
		log.Warn("base revision not found, using upstream tip", "base", diff.Base())
	}

	base, err := w.repo.Tip(ctx)
	if err != nil {
		return "", err
	}

	for _, patch := range diff.Patches {
		log.Info("applying patch", "patch", patch.ID)
		if err := w.repo.ImportPatch(ctx, patch, domain.CommitMessage(patch.ID)); err != nil {
			return "", fmt.Errorf("applying patch %s: %w", patch.ID, err)
		}
	}

	if len(diff.Patches) > 1 {
		w.transition(diff.PHID, StateRebasing)
		msg := domain.CollapsedMessage(diff.PatchIDs())
		log.Info("rebasing multiple patches into a single commit", "msg", msg)
		if err := w.repo.Collapse(ctx, base, msg); err != nil {
			return "", fmt.Errorf("collapsing patches: %w", err)
		}
	}

	commit, err := w.repo.Tip(ctx)
	if err != nil {
		return "", err
	}
	if commit == base {
		return "", fmt.Errorf("%w (%s)", domain.ErrNoOpCommit, base)
	}

	w.transition(diff.PHID, StatePushing)
	log.Info("pushing patches to try", "rev", commit)
	if err := w.repo.Push(ctx, commit); err != nil {
		return "", fmt.Errorf("pushing to try: %w", err)
	}
	return commit, nil
}

// clean strips every draft and syncs with upstream
func (w *Worker) clean(ctx context.Context, log *slog.Logger) error {
	log.Info("remove all drafts")
	if err := w.repo.StripDrafts(ctx); err != nil {
		return fmt.Errorf("stripping drafts: %w", err)
	}
	log.Info("pull updates from remote repo")
	if err := w.repo.Pull(ctx); err != nil {
		return fmt.Errorf("pulling: %w", err)
	}
	return nil
}

// recoverClone returns the clone to the last synced state. Failures are only
// logged: the next diff starts with a full clean anyway.
func (w *Worker) recoverClone(ctx context.Context, diff *domain.Diff, log *slog.Logger) {
	w.transition(diff.PHID, StateRecovering)
	if err := w.repo.RevertAll(ctx); err != nil {
		log.Error("failed to revert uncommitted changes", "error", err)
	}
	if err := w.repo.StripDrafts(ctx); err != nil {
		log.Error("failed to strip drafts", "error", err)
	}
}

func (w *Worker) transition(phid string, to State) {
	w.mu.Lock()
	from := w.state
	w.state = to
	hook := w.hook
	w.mu.Unlock()

	if from == to {
		return
	}
	w.logger.Debug("state transition", "phid", phid, "from", string(from), "to", string(to))
	if hook != nil {
		hook(phid, from, to)
	}
}

func asDiff(payload any) (*domain.Diff, bool) {
	switch d := payload.(type) {
	case *domain.Diff:
		return d, d != nil
	case domain.Diff:
		return &d, true
	}
	return nil, false
}

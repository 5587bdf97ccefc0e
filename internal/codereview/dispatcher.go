// Package codereview turns build notifications into work for the
// repository worker and reports the worker's results back to Phabricator.
package codereview

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/hochfrequenz/pulselistener/internal/bus"
	"github.com/hochfrequenz/pulselistener/internal/domain"
	"github.com/hochfrequenz/pulselistener/internal/phabricator"
)

// Default queue names
const (
	WebQueue     = "web-builds"
	WorkQueue    = "mercurial"
	ResultsQueue = "phabricator-results"
)

// ReviewClient is the code review system
type ReviewClient interface {
	FetchPatchStack(ctx context.Context, diffPHID, defaultBase string) (*domain.Diff, error)
	PublishResult(ctx context.Context, diffPHID string, result domain.WorkResult) error
}

// ResultRecorder keeps the history of work results
type ResultRecorder interface {
	RecordResult(ctx context.Context, result domain.WorkResult) error
}

// Config configures the dispatcher
type Config struct {
	NotificationQueue string
	WorkQueue         string
	ResultsQueue      string
	// Repository filters notifications naming another repository
	Repository  string
	DefaultBase string
	Publish     bool
}

// Dispatcher moves diffs from notifications to the work queue and results
// from the worker to Phabricator.
type Dispatcher struct {
	config  Config
	client  ReviewClient
	store   ResultRecorder
	logger  *slog.Logger
	publish atomic.Bool

	work    *bus.Queue
	results *bus.Queue
}

// New creates a dispatcher. store may be nil.
func New(config Config, client ReviewClient, store ResultRecorder, logger *slog.Logger) *Dispatcher {
	if config.NotificationQueue == "" {
		config.NotificationQueue = WebQueue
	}
	if config.WorkQueue == "" {
		config.WorkQueue = WorkQueue
	}
	if config.ResultsQueue == "" {
		config.ResultsQueue = ResultsQueue
	}
	if config.DefaultBase == "" {
		config.DefaultBase = domain.DefaultBaseRevision
	}
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		config: config,
		client: client,
		store:  store,
		logger: logger.With("component", "codereview"),
	}
	d.publish.Store(config.Publish)
	return d
}

// SetPublish toggles publication of results on Phabricator
func (d *Dispatcher) SetPublish(enabled bool) {
	if d.publish.Swap(enabled) != enabled {
		d.logger.Info("result publication changed", "publish", enabled)
	}
}

// Publishing reports whether results are published
func (d *Dispatcher) Publishing() bool {
	return d.publish.Load()
}

// Register declares the queues and consumes notifications and results
func (d *Dispatcher) Register(b *bus.Bus) error {
	b.Declare(d.config.NotificationQueue)
	d.work = b.Declare(d.config.WorkQueue)
	d.results = b.Declare(d.config.ResultsQueue)

	if err := b.Consume(d.config.NotificationQueue, d.HandleNotification); err != nil {
		return err
	}
	return b.Consume(d.config.ResultsQueue, d.HandleResult)
}

// HandleNotification resolves a notification into a diff and queues it.
// Malformed and irrelevant notifications are logged and dropped.
func (d *Dispatcher) HandleNotification(ctx context.Context, payload any) error {
	n, err := ParseNotification(payload)
	if err != nil {
		d.logger.Warn("dropping notification", "reason", err)
		return nil
	}
	if !n.relevant(d.config.Repository) {
		d.logger.Info("dropping notification", "reason", ErrIrrelevant, "repository", n.Repository)
		return nil
	}

	phid := n.PHID()
	log := d.logger.With("phid", phid)

	diff, err := d.client.FetchPatchStack(ctx, phid, d.config.DefaultBase)
	if errors.Is(err, phabricator.ErrNotFound) {
		log.Warn("diff not found on Phabricator", "error", err)
		return d.emitResult(ctx, domain.WorkResult{
			DiffPHID: phid,
			Status:   domain.StatusRejected,
			Detail:   err.Error(),
			At:       time.Now(),
		})
	}
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("resolving %s: %w", phid, err)
		}
		log.Error("resolving diff", "error", err)
		return d.emitResult(ctx, domain.WorkResult{
			DiffPHID: phid,
			Status:   domain.StatusError,
			Detail:   "FetchError: " + err.Error(),
			At:       time.Now(),
		})
	}
	if err := checkDiff(diff, phid); err != nil {
		log.Warn("rejecting diff", "error", err)
		return d.emitResult(ctx, domain.WorkResult{
			DiffPHID: phid,
			Status:   domain.StatusRejected,
			Detail:   err.Error(),
			At:       time.Now(),
		})
	}

	if d.work == nil {
		return fmt.Errorf("dispatcher is not registered on a bus")
	}
	if err := d.work.Put(ctx, diff); err != nil {
		return fmt.Errorf("queueing %s: %w", phid, err)
	}
	log.Info("queued diff", "patches", len(diff.Patches), "base", diff.Base())
	return nil
}

// checkDiff verifies the review system answered for the requested diff
func checkDiff(diff *domain.Diff, phid string) error {
	if diff == nil {
		return fmt.Errorf("no diff returned for %s", phid)
	}
	if err := diff.Validate(); err != nil {
		return err
	}
	if diff.PHID != phid {
		return fmt.Errorf("requested %s but got %s", phid, diff.PHID)
	}
	return nil
}

// HandleResult records a work result and publishes it when enabled.
// Rejected results are never published.
func (d *Dispatcher) HandleResult(ctx context.Context, payload any) error {
	var result domain.WorkResult
	switch r := payload.(type) {
	case domain.WorkResult:
		result = r
	case *domain.WorkResult:
		result = *r
	default:
		d.logger.Warn("dropping unexpected payload on results queue", "type", fmt.Sprintf("%T", payload))
		return nil
	}
	log := d.logger.With("phid", result.DiffPHID, "status", string(result.Status))

	if d.store != nil {
		if err := d.store.RecordResult(ctx, result); err != nil {
			log.Error("recording result", "error", err)
		}
	}

	if result.Status == domain.StatusRejected || !d.Publishing() {
		log.Info("result not published")
		return nil
	}
	if err := d.client.PublishResult(ctx, result.DiffPHID, result); err != nil {
		return fmt.Errorf("publishing result of %s: %w", result.DiffPHID, err)
	}
	log.Info("published result")
	return nil
}

func (d *Dispatcher) emitResult(ctx context.Context, result domain.WorkResult) error {
	if d.results == nil {
		return fmt.Errorf("dispatcher is not registered on a bus")
	}
	return d.results.Put(ctx, result)
}

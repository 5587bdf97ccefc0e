// Package coverage triggers the code coverage hook once the build tasks of
// a task group resolve.
package coverage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"sync"

	"github.com/hochfrequenz/pulselistener/internal/bus"
	"github.com/hochfrequenz/pulselistener/internal/domain"
	"github.com/hochfrequenz/pulselistener/internal/taskcluster"
)

// Defaults
const (
	DefaultHookGroupID = "project-releng"
	PulseQueue         = "pulse-codecov"
	MonitoringQueue    = "monitoring"
)

// Env keys of a build task naming the pushed repository and revision
const (
	envRepository = "GECKO_HEAD_REPOSITORY"
	envRevision   = "GECKO_HEAD_REV"
)

var coverageBuild = regexp.MustCompile(`^build-[\w-]+-ccov(/.*)?$`)

// SupportedRepositories are the only repositories coverage is collected for
var SupportedRepositories = []string{
	"https://hg.mozilla.org/mozilla-central",
	"https://hg.mozilla.org/try",
}

// ErrMalformed is returned for Pulse messages without a task group
var ErrMalformed = errors.New("malformed task group message")

// GroupResolved is the body of a task-group-resolved Pulse message
type GroupResolved struct {
	TaskGroupID string `json:"taskGroupId"`
}

// HookPayload is sent to the coverage hook
type HookPayload struct {
	Repository string `json:"REPOSITORY"`
	Revision   string `json:"REVISION"`
}

// ParseMessage decodes a Pulse message body. It has the shape of a pulse
// parser so it can be handed to the listener directly.
func ParseMessage(ctx context.Context, body []byte) (any, error) {
	var msg GroupResolved
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if msg.TaskGroupID == "" {
		return nil, fmt.Errorf("%w: missing taskGroupId", ErrMalformed)
	}
	return msg, nil
}

// IsCoverageBuild reports whether a task is a coverage build
func IsCoverageBuild(task taskcluster.GroupTask) bool {
	return coverageBuild.MatchString(task.Task.Metadata.Name)
}

// Taskcluster is the part of the Taskcluster API the workflow needs
type Taskcluster interface {
	ListTaskGroup(ctx context.Context, groupID string) ([]taskcluster.GroupTask, error)
	TriggerHook(ctx context.Context, hookGroupID, hookID string, payload any) (string, error)
}

// TriggerStore persists the groups the hook already fired for
type TriggerStore interface {
	Triggered(ctx context.Context, groupID string) (bool, error)
	MarkTriggered(ctx context.Context, groupID, taskID string) (bool, error)
}

// Config configures the workflow
type Config struct {
	PulseQueue      string
	MonitoringQueue string
	HookGroupID     string
	HookID          string
}

// Workflow is the code coverage client application
type Workflow struct {
	config Config
	tc     Taskcluster
	store  TriggerStore
	logger *slog.Logger

	mu        sync.Mutex
	triggered map[string]bool

	monitoring *bus.Queue
}

// New creates the workflow. store may be nil, in which case triggered
// groups are only remembered in memory.
func New(config Config, tc Taskcluster, store TriggerStore, logger *slog.Logger) *Workflow {
	if config.PulseQueue == "" {
		config.PulseQueue = PulseQueue
	}
	if config.MonitoringQueue == "" {
		config.MonitoringQueue = MonitoringQueue
	}
	if config.HookGroupID == "" {
		config.HookGroupID = DefaultHookGroupID
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Workflow{
		config:    config,
		tc:        tc,
		store:     store,
		logger:    logger.With("component", "coverage"),
		triggered: make(map[string]bool),
	}
}

// HookGroupID returns the hook group triggered
func (w *Workflow) HookGroupID() string { return w.config.HookGroupID }

// HookID returns the hook triggered
func (w *Workflow) HookID() string { return w.config.HookID }

// Register declares the queues and consumes resolved task groups
func (w *Workflow) Register(b *bus.Bus) error {
	if w.config.HookID == "" {
		return errors.New("code coverage needs a hook id")
	}
	b.Declare(w.config.PulseQueue)
	w.monitoring = b.Declare(w.config.MonitoringQueue)
	return b.Consume(w.config.PulseQueue, w.Handle)
}

// Handle triggers the hook for a resolved group and asks monitoring to
// watch the created task.
func (w *Workflow) Handle(ctx context.Context, payload any) error {
	msg, ok := payload.(GroupResolved)
	if !ok {
		w.logger.Warn("dropping unexpected payload", "type", fmt.Sprintf("%T", payload))
		return nil
	}

	hook, err := w.Parse(ctx, msg)
	if err != nil {
		return err
	}
	if hook == nil {
		return nil
	}

	taskID, err := w.tc.TriggerHook(ctx, w.config.HookGroupID, w.config.HookID, hook)
	if err != nil {
		return fmt.Errorf("triggering hook for group %s: %w", msg.TaskGroupID, err)
	}
	w.markTriggered(ctx, msg.TaskGroupID, taskID)
	w.logger.Info("triggered coverage hook", "group", msg.TaskGroupID, "task", taskID, "revision", hook.Revision)

	if w.monitoring == nil {
		return nil
	}
	return w.monitoring.Put(ctx, domain.WatchRequest{TaskID: taskID})
}

// Parse decides whether the group deserves a coverage run. A nil payload
// means nothing should be triggered.
func (w *Workflow) Parse(ctx context.Context, msg GroupResolved) (*HookPayload, error) {
	log := w.logger.With("group", msg.TaskGroupID)

	done, err := w.alreadyTriggered(ctx, msg.TaskGroupID)
	if err != nil {
		return nil, err
	}
	if done {
		log.Debug("group already triggered")
		return nil, nil
	}

	tasks, err := w.tc.ListTaskGroup(ctx, msg.TaskGroupID)
	if err != nil {
		return nil, fmt.Errorf("listing group %s: %w", msg.TaskGroupID, err)
	}

	var build *taskcluster.GroupTask
	for i := range tasks {
		if !IsCoverageBuild(tasks[i]) {
			continue
		}
		if tasks[i].Status.State != domain.TaskCompleted {
			log.Info("coverage build did not complete", "task", tasks[i].Status.ID, "state", string(tasks[i].Status.State))
			return nil, nil
		}
		if build == nil {
			build = &tasks[i]
		}
	}
	if build == nil {
		log.Debug("no coverage build in group")
		return nil, nil
	}

	env := build.Task.Payload.Env
	repository := env[envRepository]
	if !slices.Contains(SupportedRepositories, repository) {
		log.Info("skipping unsupported repository", "repository", repository)
		return nil, nil
	}
	return &HookPayload{Repository: repository, Revision: env[envRevision]}, nil
}

func (w *Workflow) alreadyTriggered(ctx context.Context, groupID string) (bool, error) {
	w.mu.Lock()
	known := w.triggered[groupID]
	w.mu.Unlock()
	if known || w.store == nil {
		return known, nil
	}
	return w.store.Triggered(ctx, groupID)
}

func (w *Workflow) markTriggered(ctx context.Context, groupID, taskID string) {
	w.mu.Lock()
	w.triggered[groupID] = true
	w.mu.Unlock()
	if w.store == nil {
		return
	}
	if _, err := w.store.MarkTriggered(ctx, groupID, taskID); err != nil {
		w.logger.Error("persisting triggered group", "group", groupID, "error", err)
	}
}

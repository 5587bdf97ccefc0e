// Package monitoring follows Taskcluster tasks created by the daemon and
// alerts administrators when they fail or take too long.
package monitoring

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/hochfrequenz/pulselistener/internal/bus"
	"github.com/hochfrequenz/pulselistener/internal/domain"
	"github.com/hochfrequenz/pulselistener/internal/notify"
	"github.com/robfig/cron/v3"
)

// Defaults
const (
	DefaultQueue           = "monitoring"
	DefaultEscalationQueue = "monitoring-escalations"
	DefaultSchedule        = "@every 1m"
	DefaultTimeout         = 7 * time.Hour
)

var scheduleParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule parses a cron expression or descriptor such as "@every 1m"
func ParseSchedule(expr string) (cron.Schedule, error) {
	return scheduleParser.Parse(expr)
}

// Escalation is emitted for tasks unresolved after the timeout
type Escalation struct {
	TaskID string           `json:"task_id"`
	State  domain.TaskState `json:"state"`
	Since  time.Time        `json:"since"`
}

// Taskcluster reads task statuses
type Taskcluster interface {
	TaskStatus(ctx context.Context, taskID string) (*domain.Task, error)
}

// Config configures monitoring
type Config struct {
	Queue           string
	EscalationQueue string
	Schedule        string
	Timeout         time.Duration
	// TaskURL links notifications to the task, optional
	TaskURL func(taskID string) string
}

// Monitoring tracks tasks until they resolve or time out
type Monitoring struct {
	config   Config
	tc       Taskcluster
	notifier notify.Notifier
	logger   *slog.Logger
	now      func() time.Time

	mu      sync.Mutex
	tracked map[string]time.Time

	// checking is held for the duration of a Check
	checking sync.Mutex

	escalations *bus.Queue
}

// New creates monitoring. notifier may be nil.
func New(config Config, tc Taskcluster, notifier notify.Notifier, logger *slog.Logger) *Monitoring {
	if config.Queue == "" {
		config.Queue = DefaultQueue
	}
	if config.EscalationQueue == "" {
		config.EscalationQueue = DefaultEscalationQueue
	}
	if config.Schedule == "" {
		config.Schedule = DefaultSchedule
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultTimeout
	}
	if notifier == nil {
		notifier = notify.NoopNotifier{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitoring{
		config:   config,
		tc:       tc,
		notifier: notifier,
		logger:   logger.With("component", "monitoring"),
		now:      time.Now,
		tracked:  make(map[string]time.Time),
	}
}

// Register declares the queues, consumes watch requests and adds the
// periodic checker
func (m *Monitoring) Register(b *bus.Bus) error {
	if _, err := ParseSchedule(m.config.Schedule); err != nil {
		return fmt.Errorf("monitoring schedule %q: %w", m.config.Schedule, err)
	}
	b.Declare(m.config.Queue)
	m.escalations = b.Declare(m.config.EscalationQueue)
	if err := b.Consume(m.config.Queue, m.HandleWatch); err != nil {
		return err
	}
	b.Go("monitoring", m.Run)
	return nil
}

// HandleWatch starts tracking the task named by a watch request
func (m *Monitoring) HandleWatch(ctx context.Context, payload any) error {
	var req domain.WatchRequest
	switch p := payload.(type) {
	case domain.WatchRequest:
		req = p
	case *domain.WatchRequest:
		req = *p
	case json.RawMessage:
		if err := json.Unmarshal(p, &req); err != nil {
			return fmt.Errorf("decoding watch request: %w", err)
		}
	default:
		return fmt.Errorf("unexpected watch payload %T", payload)
	}
	if req.TaskID == "" {
		return errors.New("watch request without task id")
	}

	m.Track(req.TaskID)
	return nil
}

// Track starts following a task. Tracking an already tracked task keeps
// its original start time.
func (m *Monitoring) Track(taskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tracked[taskID]; ok {
		return
	}
	m.tracked[taskID] = m.now()
	m.logger.Info("tracking task", "task", taskID, "tracked", len(m.tracked))
}

// Tracked returns the ids of the tracked tasks, sorted
func (m *Monitoring) Tracked() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.tracked))
	for id := range m.tracked {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Run checks tracked tasks on the configured schedule until ctx is done
func (m *Monitoring) Run(ctx context.Context) error {
	schedule, err := ParseSchedule(m.config.Schedule)
	if err != nil {
		return err
	}

	logger := cronLogger{m.logger}
	c := cron.New(
		cron.WithParser(scheduleParser),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	c.Schedule(schedule, cron.FuncJob(func() { m.Check(ctx) }))
	c.Start()
	m.logger.Info("monitoring started", "schedule", m.config.Schedule, "timeout", m.config.Timeout)

	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

// Check polls every tracked task once. A Check started while another one
// is still running returns immediately.
func (m *Monitoring) Check(ctx context.Context) {
	if !m.checking.TryLock() {
		m.logger.Debug("previous check still running, skipping")
		return
	}
	defer m.checking.Unlock()

	m.mu.Lock()
	snapshot := make(map[string]time.Time, len(m.tracked))
	for id, since := range m.tracked {
		snapshot[id] = since
	}
	m.mu.Unlock()

	for id, since := range snapshot {
		if ctx.Err() != nil {
			return
		}
		m.checkTask(ctx, id, since)
	}
}

func (m *Monitoring) checkTask(ctx context.Context, taskID string, since time.Time) {
	log := m.logger.With("task", taskID)

	task, err := m.tc.TaskStatus(ctx, taskID)
	if err != nil {
		log.Warn("reading task status", "error", err)
		return
	}

	if task.State.Resolved() {
		if !m.untrack(taskID) {
			return
		}
		log.Info("task resolved", "state", string(task.State))
		if task.State != domain.TaskCompleted {
			m.send(ctx, notify.Notification{
				Title:   fmt.Sprintf("Task %s %s", taskID, task.State),
				Message: resolvedMessage(task),
				Type:    notify.NotifyError,
				TaskID:  taskID,
				Link:    m.taskURL(taskID),
			})
		}
		return
	}

	if m.now().Sub(since) < m.config.Timeout {
		return
	}

	if !m.untrack(taskID) {
		return
	}
	escalation := Escalation{TaskID: taskID, State: task.State, Since: since}
	log.Warn("task exceeded timeout", "state", string(task.State), "since", since)
	if m.escalations != nil {
		if err := m.escalations.Put(ctx, escalation); err != nil {
			log.Error("emitting escalation", "error", err)
		}
	}
	m.send(ctx, notify.Notification{
		Title:   fmt.Sprintf("Task %s is still %s", taskID, task.State),
		Message: fmt.Sprintf("Tracked since %s, longer than the %s timeout.", humanize.Time(since), m.config.Timeout),
		Type:    notify.NotifyWarning,
		TaskID:  taskID,
		Link:    m.taskURL(taskID),
	})
}

func resolvedMessage(task *domain.Task) string {
	msg := fmt.Sprintf("Task %s resolved as %s", task.ID, task.State)
	if runtime, ok := task.Runtime(); ok {
		run, _ := task.LastRun()
		msg += " after " + strings.TrimSpace(humanize.RelTime(*run.Started, run.Started.Add(runtime), "", ""))
	}
	return msg + "."
}

// untrack stops following taskID and reports whether it was tracked
func (m *Monitoring) untrack(taskID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tracked[taskID]; !ok {
		return false
	}
	delete(m.tracked, taskID)
	return true
}

func (m *Monitoring) send(ctx context.Context, n notify.Notification) {
	if err := m.notifier.Send(ctx, n); err != nil {
		m.logger.Error("sending notification", "task", n.TaskID, "error", err)
	}
}

func (m *Monitoring) taskURL(taskID string) string {
	if m.config.TaskURL == nil {
		return ""
	}
	return m.config.TaskURL(taskID)
}

// cronLogger routes cron's own messages to slog
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append([]any{"error", err}, keysAndValues...)...)
}

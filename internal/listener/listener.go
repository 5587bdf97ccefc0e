// Package listener builds the daemon: it wires the enabled workflows onto a
// shared message bus and runs them.
package listener

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"

	"github.com/hochfrequenz/pulselistener/internal/bus"
	"github.com/hochfrequenz/pulselistener/internal/codereview"
	"github.com/hochfrequenz/pulselistener/internal/config"
	"github.com/hochfrequenz/pulselistener/internal/coverage"
	"github.com/hochfrequenz/pulselistener/internal/monitoring"
	"github.com/hochfrequenz/pulselistener/internal/notify"
	"github.com/hochfrequenz/pulselistener/internal/phabricator"
	"github.com/hochfrequenz/pulselistener/internal/pulse"
	"github.com/hochfrequenz/pulselistener/internal/repository"
	"github.com/hochfrequenz/pulselistener/internal/resultstore"
	"github.com/hochfrequenz/pulselistener/internal/taskcluster"
	"github.com/hochfrequenz/pulselistener/internal/webserver"
	"github.com/hochfrequenz/pulselistener/internal/worker"
)

// Options overrides collaborators, mostly for tests
type Options struct {
	// ConfigPath is watched for runtime changes when set
	ConfigPath string
	// Executable launches the web process; empty disables the child
	Executable string

	Review      codereview.ReviewClient
	Repository  worker.Repository
	Taskcluster *taskcluster.Client
	Subscriber  pulse.Subscriber
}

// Listener is the assembled daemon
type Listener struct {
	config *config.Config
	opts   Options
	logger *slog.Logger

	bus        *bus.Bus
	store      *resultstore.Store
	dispatcher *codereview.Dispatcher
	worker     *worker.Worker
	web        *webserver.Component
	coverage   *coverage.Workflow
	monitoring *monitoring.Monitoring
	pulse      *pulse.Listener
}

// New validates cfg and wires every enabled workflow
func New(cfg *config.Config, opts Options, logger *slog.Logger) (*Listener, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	overflow, err := bus.ParseOverflowPolicy(cfg.General.QueueOverflow)
	if err != nil {
		return nil, err
	}

	l := &Listener{
		config: cfg,
		opts:   opts,
		logger: logger,
		bus: bus.New(
			bus.WithLogger(logger),
			bus.WithDefaultQueueOptions(bus.QueueOptions{Capacity: cfg.General.QueueCapacity, Overflow: overflow}),
		),
	}

	if err := os.MkdirAll(filepath.Dir(cfg.General.DatabasePath), 0755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	l.store, err = resultstore.New(cfg.General.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("opening result store: %w", err)
	}

	if cfg.Phabricator.Enabled {
		if err := l.wireCodeReview(); err != nil {
			l.store.Close()
			return nil, err
		}
	}
	if cfg.CodeCoverage.Enabled {
		if err := l.wireCodeCoverage(); err != nil {
			l.store.Close()
			return nil, err
		}
	}
	return l, nil
}

func (l *Listener) wireCodeReview() error {
	cfg := l.config

	review := l.opts.Review
	if review == nil {
		review = phabricator.NewClient(cfg.Phabricator.URL, cfg.Phabricator.Token)
	}
	l.dispatcher = codereview.New(codereview.Config{
		NotificationQueue: codereview.WebQueue,
		WorkQueue:         codereview.WorkQueue,
		ResultsQueue:      codereview.ResultsQueue,
		Repository:        cfg.Repository.Name,
		DefaultBase:       cfg.Repository.Branch,
		Publish:           cfg.Phabricator.Publish,
	}, review, l.store, l.logger)

	repo := l.opts.Repository
	if repo == nil {
		key, err := cfg.Repository.SSHKeyMaterial()
		if err != nil {
			return err
		}
		repo = repository.New(repository.Config{
			Dir:       cfg.Repository.Dir,
			URL:       cfg.Repository.URL,
			Branch:    cfg.Repository.Branch,
			TryURL:    cfg.Repository.TryURL,
			TryBranch: cfg.Repository.TryBranch,
			Author:    repository.Author{Name: cfg.Repository.AuthorName, Email: cfg.Repository.AuthorEmail},
			SSH:       repository.SSHCredential{User: cfg.Repository.SSHUser, Key: key},
		}, l.logger)
	}
	l.worker = worker.New(worker.Config{
		WorkQueue:    codereview.WorkQueue,
		ResultsQueue: codereview.ResultsQueue,
	}, repo, l.logger)

	var proc webserver.ProcessConfig
	if l.opts.Executable != "" {
		proc = webserver.ProcessConfig{
			Executable: l.opts.Executable,
			Args:       WebArgs(l.opts.ConfigPath),
		}
	}
	l.web = webserver.NewComponent(webserver.ComponentConfig{
		Queue:      codereview.WebQueue,
		SocketPath: cfg.Web.Socket,
		Process:    proc,
	}, l.store, l.logger)

	for _, c := range []bus.Component{l.dispatcher, l.worker, l.web} {
		if err := l.bus.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func (l *Listener) wireCodeCoverage() error {
	cfg := l.config

	tc := l.opts.Taskcluster
	if tc == nil {
		tc = taskcluster.NewClient(cfg.Taskcluster.RootURL, taskcluster.Credentials{
			ClientID:    cfg.Taskcluster.ClientID,
			AccessToken: cfg.Taskcluster.AccessToken,
		})
	}

	l.coverage = coverage.New(coverage.Config{
		PulseQueue:      coverage.PulseQueue,
		MonitoringQueue: monitoring.DefaultQueue,
		HookGroupID:     cfg.CodeCoverage.HookGroupID,
		HookID:          cfg.CodeCoverage.HookID,
	}, tc, l.store, l.logger)

	timeout, err := cfg.Monitoring.TimeoutDuration()
	if err != nil {
		return err
	}
	notifier := notify.NewMultiNotifier(
		notify.NewLogNotifier(l.logger),
		notify.NewSlackNotifier(cfg.Notifications.SlackWebhook),
		notify.NewEmailNotifier(tc, cfg.Monitoring.Admins),
	)
	l.monitoring = monitoring.New(monitoring.Config{
		Queue:           monitoring.DefaultQueue,
		EscalationQueue: monitoring.DefaultEscalationQueue,
		Schedule:        cfg.Monitoring.Schedule,
		Timeout:         timeout,
		TaskURL:         tc.TaskURL,
	}, tc, notifier, l.logger)

	sub := l.opts.Subscriber
	if sub == nil {
		sub = pulse.NewAMQPSubscriber(pulse.AMQPConfig{
			URL:      cfg.Pulse.URL,
			User:     cfg.Pulse.User,
			Password: cfg.Pulse.Password,
			Exchange: cfg.Pulse.Exchange,
			Topic:    cfg.Pulse.Topic,
		}, l.logger)
	}
	l.pulse = pulse.NewListener(coverage.PulseQueue, sub, coverage.ParseMessage, l.logger)

	for _, c := range []bus.Component{l.coverage, l.monitoring, l.pulse} {
		if err := l.bus.Register(c); err != nil {
			return err
		}
	}
	// Escalations are informational; keep the queue drained
	return l.bus.Consume(monitoring.DefaultEscalationQueue, func(ctx context.Context, payload any) error {
		if esc, ok := payload.(monitoring.Escalation); ok {
			l.logger.Warn("task escalated", "task", esc.TaskID, "state", string(esc.State), "since", esc.Since)
		}
		return nil
	})
}

// WebArgs returns the command line of the web process
func WebArgs(configPath string) []string {
	args := []string{"web"}
	if configPath != "" {
		args = append(args, "--config", configPath)
	}
	return args
}

// WebAddr returns the listen address of the web process
func WebAddr(cfg *config.Config) string {
	return net.JoinHostPort(cfg.Web.Host, strconv.Itoa(cfg.Web.Port))
}

// Bus returns the message bus
func (l *Listener) Bus() *bus.Bus { return l.bus }

// Dispatcher returns the code review dispatcher, nil when disabled
func (l *Listener) Dispatcher() *codereview.Dispatcher { return l.dispatcher }

// Run starts every consumer and blocks until ctx is cancelled or one of
// them fails. The result store is closed on return.
func (l *Listener) Run(ctx context.Context) error {
	defer l.store.Close()

	if l.opts.ConfigPath != "" && l.dispatcher != nil {
		go func() {
			err := config.Watch(ctx, l.opts.ConfigPath, l.logger, l.applyConfig)
			if err != nil && ctx.Err() == nil {
				l.logger.Warn("config watch stopped", "error", err)
			}
		}()
	}

	l.logger.Info("pulselistener running",
		"code_review", l.config.Phabricator.Enabled,
		"code_coverage", l.config.CodeCoverage.Enabled,
		"queues", l.bus.Queues())
	return l.bus.Run(ctx)
}

// applyConfig picks up the settings that may change at runtime
func (l *Listener) applyConfig(cfg *config.Config) {
	if l.dispatcher != nil {
		l.dispatcher.SetPublish(cfg.Phabricator.Publish)
	}
}

package webserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hochfrequenz/pulselistener/internal/bus"
	"github.com/hochfrequenz/pulselistener/internal/domain"
	"github.com/hochfrequenz/pulselistener/internal/ipc"
)

// DefaultQueue is the queue accepted web notifications are emitted onto
const DefaultQueue = "web-builds"

// restartDelay is the pause before relaunching a crashed web process
const restartDelay = 5 * time.Second

// submitTimeout bounds how long a submission may wait on a full queue
const submitTimeout = 5 * time.Second

// ResultLister reads recorded work results
type ResultLister interface {
	RecentResults(ctx context.Context, limit int) ([]domain.WorkResult, error)
	ResultsForDiff(ctx context.Context, diffPHID string) ([]domain.WorkResult, error)
	CountByStatus(ctx context.Context) (map[domain.ResultStatus]int, error)
}

// ResultsParams are the parameters of CommandResults
type ResultsParams struct {
	Limit int    `json:"limit,omitempty"`
	Diff  string `json:"diff,omitempty"`
}

// ComponentConfig configures the daemon side of the web ingress
type ComponentConfig struct {
	Queue      string
	SocketPath string
	// Process is the child to launch; an empty Executable means the web
	// process is managed elsewhere.
	Process ProcessConfig
}

// Component owns the ipc socket, emits submissions onto the bus and keeps
// the web process running.
type Component struct {
	config  ComponentConfig
	results ResultLister
	logger  *slog.Logger
	queue   *bus.Queue
	server  *ipc.Server
}

// NewComponent creates the daemon side of the web ingress. results may be nil.
func NewComponent(config ComponentConfig, results ResultLister, logger *slog.Logger) *Component {
	if config.Queue == "" {
		config.Queue = DefaultQueue
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &Component{
		config:  config,
		results: results,
		logger:  logger.With("component", "webserver"),
	}
	c.server = ipc.NewServer(config.SocketPath, logger)
	c.server.Handle(ipc.CommandSubmit, c.handleSubmit)
	c.server.Handle(ipc.CommandResults, c.handleResults)
	c.server.Handle(ipc.CommandStats, c.handleStats)
	c.server.Handle(ipc.CommandPing, func(ctx context.Context, req *ipc.Request) *ipc.Response {
		return ipc.SuccessResponse(map[string]string{"status": "ok"})
	})
	return c
}

// Register declares the output queue and adds the supervisor task
func (c *Component) Register(b *bus.Bus) error {
	if c.config.SocketPath == "" {
		return errors.New("web ingress needs a socket path")
	}
	c.queue = b.Declare(c.config.Queue)
	b.Go("web-server", c.Run)
	return nil
}

// Run serves the ipc socket and supervises the web process until ctx is done
func (c *Component) Run(ctx context.Context) error {
	if c.queue == nil {
		return fmt.Errorf("web ingress is not registered on a bus")
	}
	if err := c.server.Start(); err != nil {
		return err
	}
	defer c.server.Stop()
	c.logger.Info("ipc socket ready", "socket", c.config.SocketPath)

	if c.config.Process.Executable == "" {
		<-ctx.Done()
		return nil
	}

	for {
		proc := NewProcess(c.config.Process, c.logger)
		if err := proc.Start(ctx); err != nil {
			c.logger.Error("web process failed to start", "error", err)
		} else {
			exited := make(chan error, 1)
			go func() { exited <- proc.Wait() }()
			select {
			case <-ctx.Done():
				proc.Stop()
				return nil
			case err := <-exited:
				c.logger.Warn("web process exited", "error", err)
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(restartDelay):
		}
	}
}

func (c *Component) handleSubmit(ctx context.Context, req *ipc.Request) *ipc.Response {
	if len(req.Params) == 0 || !json.Valid(req.Params) {
		return ipc.ErrorResponse(ipc.ErrCodeValidation, "body must be JSON")
	}

	ctx, cancel := context.WithTimeout(ctx, submitTimeout)
	defer cancel()

	body := append(json.RawMessage(nil), req.Params...)
	if err := c.queue.Put(ctx, body); err != nil {
		c.logger.Warn("rejecting web submission", "id", req.ID, "error", err)
		return ipc.ErrorResponse(ipc.ErrCodeBackpressure, "queue is full, retry later")
	}
	c.logger.Info("queued web submission", "id", req.ID, "queue", c.config.Queue)
	return ipc.SuccessResponse(map[string]string{"id": req.ID})
}

func (c *Component) handleResults(ctx context.Context, req *ipc.Request) *ipc.Response {
	if c.results == nil {
		return ipc.SuccessResponse([]domain.WorkResult{})
	}

	var params ResultsParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return ipc.ErrorResponse(ipc.ErrCodeValidation, err.Error())
		}
	}

	var results []domain.WorkResult
	var err error
	if params.Diff != "" {
		results, err = c.results.ResultsForDiff(ctx, params.Diff)
	} else {
		results, err = c.results.RecentResults(ctx, params.Limit)
	}
	if err != nil {
		return ipc.ErrorResponse(ipc.ErrCodeInternal, err.Error())
	}
	if results == nil {
		results = []domain.WorkResult{}
	}
	return ipc.SuccessResponse(results)
}

func (c *Component) handleStats(ctx context.Context, req *ipc.Request) *ipc.Response {
	counts := map[domain.ResultStatus]int{}
	if c.results != nil {
		var err error
		if counts, err = c.results.CountByStatus(ctx); err != nil {
			return ipc.ErrorResponse(ipc.ErrCodeInternal, err.Error())
		}
	}
	return ipc.SuccessResponse(counts)
}

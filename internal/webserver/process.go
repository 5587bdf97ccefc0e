package webserver

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// ProcessConfig describes how to launch the web process
type ProcessConfig struct {
	Executable string
	Args       []string
	Env        []string
}

// Process manages the web server child process
type Process struct {
	config ProcessConfig
	logger *slog.Logger
	cmd    *exec.Cmd
	done   chan error
	mu     sync.Mutex

	stopGrace time.Duration
}

const defaultStopGrace = 5 * time.Second

// NewProcess creates a new child process manager
func NewProcess(config ProcessConfig, logger *slog.Logger) *Process {
	if logger == nil {
		logger = slog.Default()
	}
	return &Process{config: config, logger: logger.With("component", "web-process")}
}

// Start launches the child process. ctx only bounds the startup check; the
// child keeps running after ctx is done until Stop is called.
func (p *Process) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.cmd = exec.Command(p.config.Executable, p.config.Args...)
	p.cmd.Stdout = os.Stdout
	p.cmd.Stderr = os.Stderr
	p.cmd.Env = append(os.Environ(), p.config.Env...)

	if err := p.cmd.Start(); err != nil {
		return fmt.Errorf("starting web process: %w", err)
	}

	done := make(chan error, 1)
	p.done = done
	cmd := p.cmd
	go func() { done <- cmd.Wait() }()

	// Catch processes that die right away, such as on a bad listen address
	select {
	case err := <-done:
		if err == nil {
			err = fmt.Errorf("exit status 0")
		}
		return fmt.Errorf("web process exited immediately after start: %w", err)
	case <-ctx.Done():
		p.logger.Info("web process started during shutdown", "pid", p.cmd.Process.Pid)
		return nil
	case <-time.After(100 * time.Millisecond):
	}

	p.logger.Info("web process started", "pid", p.cmd.Process.Pid)
	return nil
}

// Stop sends SIGTERM and waits up to stopGrace for the child to exit
// before killing it.
func (p *Process) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cmd == nil || p.cmd.Process == nil {
		return nil
	}

	_ = p.cmd.Process.Signal(syscall.SIGTERM)

	select {
	case err := <-p.done:
		p.done <- err
		return nil
	case <-time.After(p.grace()):
	}
	p.logger.Warn("web process ignored SIGTERM, killing", "pid", p.cmd.Process.Pid)
	if err := p.cmd.Process.Kill(); err != nil {
		return err
	}
	err := <-p.done
	p.done <- err
	return nil
}

func (p *Process) grace() time.Duration {
	if p.stopGrace > 0 {
		return p.stopGrace
	}
	return defaultStopGrace
}

// Wait blocks until the child exits
func (p *Process) Wait() error {
	p.mu.Lock()
	done := p.done
	p.mu.Unlock()

	if done == nil {
		return nil
	}
	err := <-done
	// Let later Stop/Wait calls observe the exit too
	go func() { done <- err }()
	return err
}

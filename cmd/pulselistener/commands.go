package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hochfrequenz/pulselistener/internal/config"
	"github.com/hochfrequenz/pulselistener/internal/ipc"
	"github.com/hochfrequenz/pulselistener/internal/listener"
	"github.com/hochfrequenz/pulselistener/internal/webserver"
	"github.com/spf13/cobra"
)

var (
	runNoWeb  bool
	webAddr   string
	webSocket string
)

func init() {
	// run command
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the daemon",
		RunE:  runDaemon,
	}
	runCmd.Flags().BoolVar(&runNoWeb, "no-web", false, "do not start the web process")
	rootCmd.AddCommand(runCmd)

	// web command
	webCmd := &cobra.Command{
		Use:    "web",
		Short:  "Run the HTTP ingress (started by run)",
		Hidden: true,
		RunE:   runWeb,
	}
	webCmd.Flags().StringVar(&webAddr, "addr", "", "listen address, defaults to web.host:web.port")
	webCmd.Flags().StringVar(&webSocket, "socket", "", "daemon socket, defaults to web.socket")
	rootCmd.AddCommand(webCmd)

	// check-config command
	checkCmd := &cobra.Command{
		Use:   "check-config",
		Short: "Validate the configuration and exit",
		RunE:  runCheckConfig,
	}
	rootCmd.AddCommand(checkCmd)
}

// loadConfig returns the resolved config path along with the config
func loadConfig() (string, *config.Config, error) {
	path := config.ResolvePath(configPath)
	cfg, err := config.Load(path)
	if err != nil {
		return "", nil, err
	}
	if logLevel != "" {
		cfg.General.LogLevel = logLevel
	}
	return path, cfg, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runDaemon(cmd *cobra.Command, args []string) error {
	path, cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(os.Stderr, cfg.General.LogLevel, cfg.General.LogFormat)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	if err := os.MkdirAll(cfg.General.CacheRoot, 0755); err != nil {
		return fmt.Errorf("creating cache root: %w", err)
	}

	opts := listener.Options{ConfigPath: path}
	if !runNoWeb {
		exe, err := os.Executable()
		if err != nil {
			return fmt.Errorf("locating executable: %w", err)
		}
		opts.Executable = exe
	}

	l, err := listener.New(cfg, opts, logger)
	if err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	if err := l.Run(ctx); err != nil {
		return err
	}
	logger.Info("pulselistener stopped")
	return nil
}

func runWeb(cmd *cobra.Command, args []string) error {
	_, cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(os.Stderr, cfg.General.LogLevel, cfg.General.LogFormat)
	if err != nil {
		return err
	}

	addr := webAddr
	if addr == "" {
		addr = listener.WebAddr(cfg)
	}
	socket := webSocket
	if socket == "" {
		socket = cfg.Web.Socket
	}

	ctx, stop := signalContext()
	defer stop()

	server := webserver.NewServer(ipc.NewClient(socket), logger)
	return server.ListenAndServe(ctx, addr)
}

func runCheckConfig(cmd *cobra.Command, args []string) error {
	path, cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Configuration %s is valid\n", path)
	fmt.Fprintf(out, "  code review:   %v (publish: %v)\n", cfg.Phabricator.Enabled, cfg.Phabricator.Publish)
	fmt.Fprintf(out, "  code coverage: %v\n", cfg.CodeCoverage.Enabled)
	if cfg.Phabricator.Enabled {
		fmt.Fprintf(out, "  repository:    %s (%s) -> %s\n", cfg.Repository.URL, cfg.Repository.Branch, cfg.Repository.TryURL)
		fmt.Fprintf(out, "  web:           %s\n", listener.WebAddr(cfg))
	}
	return nil
}

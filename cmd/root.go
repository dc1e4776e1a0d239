// Package cmd wires the termhost commands: the root command serves the
// HTTP API, the host command runs the detached pty daemon.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/termhost/termhost/internal/backend"
	"github.com/termhost/termhost/internal/config"
	"github.com/termhost/termhost/internal/events"
	"github.com/termhost/termhost/internal/metrics"
	"github.com/termhost/termhost/internal/models"
	"github.com/termhost/termhost/internal/ptyhost"
	"github.com/termhost/termhost/internal/server"
	"github.com/termhost/termhost/internal/shell"
	"github.com/termhost/termhost/internal/store"
	"github.com/termhost/termhost/internal/terminal"
)

const (
	shutdownTimeout = 10 * time.Second
	pruneAfterDays  = 7
)

// Execute runs the termhost CLI.
func Execute() error {
	root := CreateRootCmd()
	root.AddCommand(CreateHostCmd())
	return root.Execute()
}

// CreateRootCmd creates the root command, which runs the server.
func CreateRootCmd() *cobra.Command {
	var configFile string
	var addr string

	cmd := &cobra.Command{
		Use:   "termhost",
		Short: "Terminal session service",
		Long: `Serves terminal sessions over HTTP and websockets, backed by a ` +
			`detached pty host so sessions can survive restarts of the service.`,
		SilenceUsage: true,
		RunE: func(*cobra.Command, []string) error {
			return runServe(configFile, addr)
		},
	}
	cmd.Flags().StringVarP(&configFile, "config", "c", "", "config file (default ~/.termhost/config.toml)")
	cmd.Flags().StringVar(&addr, "addr", "", "listen address override")
	return cmd
}

func runServe(configFile, addrOverride string) error {
	path, cfg, err := loadConfig(configFile)
	if err != nil {
		return err
	}
	if addrOverride != "" {
		cfg.Server.Addr = addrOverride
	}

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	cfgSvc := config.NewService(cfg, logger.With("component", "config"))
	watcher, err := config.NewWatcher(path, cfgSvc, logger.With("component", "config"))
	if err != nil {
		logger.Warn("config watching disabled", "error", err)
	} else {
		defer watcher.Close()
	}

	storePath, err := cfg.StorePath()
	if err != nil {
		return err
	}
	st, err := store.Open(storePath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	if n, err := st.Prune(time.Now().AddDate(0, 0, -pruneAfterDays)); err == nil && n > 0 {
		logger.Debug("pruned old sessions", "count", n)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	provider, hostClient, err := selectProvider(ctx, cfg, logger)
	if err != nil {
		return err
	}

	bus := events.New()
	svc := terminal.NewService(provider, cfgSvc, st, bus, logger.With("component", "terminal"))

	// Pick persistent sessions from the previous run back up.
	if err := svc.Reconcile(ctx); err != nil {
		logger.Warn("session reconcile failed", "error", err)
	}

	var hostConnected func() bool
	if hostClient != nil {
		hostConnected = func() bool {
			select {
			case <-hostClient.Closed():
				return false
			default:
				return true
			}
		}
	}

	srv := server.New(svc, cfgSvc, st, shellStatuses(), hostConnected, logger.With("component", "http"))
	httpSrv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: srv,
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutting down")

		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		// Persistent sessions detach and stay alive in the host;
		// everything else is torn down.
		svc.DisposeAll(shutCtx)
		if hostClient != nil {
			hostClient.Close()
		}
		httpSrv.Shutdown(shutCtx)
	}()

	logger.Info("termhost serving", "addr", cfg.Server.Addr, "host", hostClient != nil)
	if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server failed: %w", err)
	}
	logger.Info("server stopped")
	return nil
}

// selectProvider connects to the detached pty host when configured,
// falling back to an in-process provider so the service still works
// without it.
func selectProvider(ctx context.Context, cfg config.Config, logger *slog.Logger) (backend.Provider, *ptyhost.Client, error) {
	if cfg.Host.Enabled {
		socketPath, err := cfg.SocketPath()
		if err != nil {
			return nil, nil, err
		}
		hostLog := logger.With("component", "ptyhost")

		var client *ptyhost.Client
		if cfg.Host.Autostart {
			client, err = ptyhost.EnsureHost(ctx, socketPath, hostLog)
		} else {
			client, err = ptyhost.Connect(socketPath, hostLog)
			if err == nil {
				if perr := client.Ping(ctx); perr != nil {
					client.Close()
					client, err = nil, perr
				}
			}
		}
		if err == nil {
			metrics.HostConnected.Set(1)
			go func() {
				<-client.Closed()
				metrics.HostConnected.Set(0)
			}()
			return client, client, nil
		}
		logger.Warn("pty host unavailable, sessions will not survive restarts", "error", err)
	}

	local := backend.NewLocalProvider(localOptions(cfg, logger))
	return local, nil, nil
}

func localOptions(cfg config.Config, logger *slog.Logger) backend.LocalOptions {
	return backend.LocalOptions{
		Logger:       logger.With("component", "backend"),
		DefaultShell: cfg.Terminal.Shell,
		ReplayBytes:  cfg.Terminal.ReplayBytes,
		HighWater:    cfg.Terminal.HighWater,
		LowWater:     cfg.Terminal.LowWater,
	}
}

func loadConfig(configFile string) (string, config.Config, error) {
	path := configFile
	if path == "" {
		p, err := config.DefaultPath()
		if err != nil {
			return "", config.Config{}, err
		}
		path = p
	}
	cfg, err := config.Load(path)
	if err != nil {
		return path, cfg, err
	}
	return path, cfg, nil
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.JSON {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

func shellStatuses() []models.ShellStatus {
	statuses := shell.Available()
	out := make([]models.ShellStatus, 0, len(statuses))
	for _, st := range statuses {
		out = append(out, models.ShellStatus{Name: st.Name, Installed: st.Installed, Path: st.Path})
	}
	return out
}

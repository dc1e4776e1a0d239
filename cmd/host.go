package cmd

import (
	"context"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/termhost/termhost/internal/ptyhost"
)

// CreateHostCmd creates the host command, the detached daemon that owns
// pty sessions. It is normally started on demand by the server, not by
// hand.
func CreateHostCmd() *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:   "host",
		Short: "Run the detached pty host",
		Long: `Runs the daemon that owns pty sessions so they can outlive the ` +
			`serving process. Persistent sessions stay alive across server ` +
			`restarts as long as this daemon keeps running.`,
		SilenceUsage: true,
		RunE: func(*cobra.Command, []string) error {
			return runHost(configFile)
		},
	}
	cmd.Flags().StringVarP(&configFile, "config", "c", "", "config file (default ~/.termhost/config.toml)")
	return cmd
}

func runHost(configFile string) error {
	_, cfg, err := loadConfig(configFile)
	if err != nil {
		return err
	}

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	socketPath, err := cfg.SocketPath()
	if err != nil {
		return err
	}
	pidPath, err := cfg.PidPath()
	if err != nil {
		return err
	}

	host := ptyhost.New(ptyhost.Options{
		SocketPath: socketPath,
		PidPath:    pidPath,
		Logger:     logger.With("component", "ptyhost"),
		Local:      localOptions(cfg, logger),
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return host.Run(ctx)
}

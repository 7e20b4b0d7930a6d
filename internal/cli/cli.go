// Package cli defines the toolgate command tree. Commands stay thin: they
// resolve settings, build the relevant component, and run it; all behavior
// lives in the packages they wire together.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/toolgate/toolgate/internal/adapter"
	"github.com/toolgate/toolgate/internal/bridge"
	"github.com/toolgate/toolgate/internal/config"
	"github.com/toolgate/toolgate/internal/daemon"
	"github.com/toolgate/toolgate/internal/ipc"
	"github.com/toolgate/toolgate/internal/protocol"
	"github.com/toolgate/toolgate/internal/router"
	"github.com/toolgate/toolgate/internal/web"
)

// Execute runs the root command.
func Execute() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

type rootFlags struct {
	configPath string
	verbose    bool
}

func newRootCommand() *cobra.Command {
	flags := &rootFlags{}
	root := &cobra.Command{
		Use:           "toolgate",
		Short:         "Aggregate many tool servers behind one endpoint",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "toolgate.yaml", "path to the server configuration file")
	root.PersistentFlags().BoolVarP(&flags.verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(
		newServeCommand(flags),
		newStdioCommand(flags),
		newHTTPCommand(flags),
		newStatusCommand(),
		newReloadCommand(),
		newStopCommand(),
	)
	return root
}

// newLogger builds the process logger. Logs go to stderr so stdout stays
// reserved for protocol traffic in stdio mode.
func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func newServeCommand(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway daemon in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger(flags.verbose)
			settings, err := config.LoadSettings()
			if err != nil {
				return err
			}
			d, err := daemon.New(daemon.Options{
				ConfigPath:    flags.configPath,
				SocketPath:    settings.SocketPath,
				PIDPath:       settings.PIDPath,
				DashboardAddr: settings.DashboardAddr,
				Logger:        logger,
			})
			if err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()
			return d.Run(ctx)
		},
	}
}

func newStdioCommand(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "stdio",
		Short: "Bridge stdio JSON-RPC to the shared daemon, starting it if needed",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger(flags.verbose)
			settings, err := config.LoadSettings()
			if err != nil {
				return err
			}
			self, err := os.Executable()
			if err != nil {
				return fmt.Errorf("resolve own binary: %w", err)
			}
			ctx, cancel := signalContext()
			defer cancel()
			return bridge.Run(ctx, bridge.Options{
				SocketPath:   settings.SocketPath,
				PIDPath:      settings.PIDPath,
				SpawnCommand: []string{self, "serve", "--config", flags.configPath},
				Logger:       logger,
			})
		},
	}
}

func newHTTPCommand(flags *rootFlags) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "http",
		Short: "Serve the gateway over HTTP with session handshakes",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger(flags.verbose)
			settings, err := config.LoadSettings()
			if err != nil {
				return err
			}
			if addr == "" {
				addr = settings.HTTPAddr
			}

			r, err := buildRouter(flags.configPath, logger)
			if err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()

			go func() {
				summary := r.ConnectAll(ctx, 30*time.Second, 4)
				logger.Info("backend connect pass finished",
					"attempted", summary.Attempted, "succeeded", summary.Succeeded, "failed", summary.Failed)
			}()

			srv := web.NewServer(protocol.NewHandler(r, logger), &web.Options{
				Addr:        addr,
				Logger:      logger,
				BearerToken: settings.BearerToken,
			})
			return srv.ListenAndServe(ctx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to TOOLGATE_HTTP_ADDR)")
	return cmd
}

// buildRouter assembles a standalone router from the configuration, for modes
// that do not go through the daemon.
func buildRouter(configPath string, logger *slog.Logger) (*router.Router, error) {
	cfg, warnings, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	for _, warning := range warnings {
		logger.Warn("config warning", "detail", warning)
	}
	r := router.New(&router.Options{Logger: logger})
	for _, sc := range cfg.Servers {
		if !sc.IsEnabled() {
			continue
		}
		sc := sc
		a, err := adapter.New(&sc, logger)
		if err != nil {
			logger.Error("skipping misconfigured server", "server", sc.Name, "error", err)
			continue
		}
		if err := r.AddAdapter(a); err != nil {
			logger.Error("skipping duplicate server", "server", sc.Name, "error", err)
		}
	}
	return r, nil
}

// daemonRequest performs one control request against a running daemon.
func daemonRequest(msgType ipc.MessageType) (*ipc.Message, error) {
	settings, err := config.LoadSettings()
	if err != nil {
		return nil, err
	}
	if _, running := daemon.ProbeVerified(settings.PIDPath, settings.SocketPath, 5*time.Second); !running {
		return nil, fmt.Errorf("daemon is not running")
	}
	client, err := ipc.Dial(settings.SocketPath)
	if err != nil {
		return nil, err
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := client.WaitReady(ctx); err != nil {
		return nil, fmt.Errorf("daemon handshake: %w", err)
	}
	return client.Do(ctx, msgType, nil)
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the running daemon's servers and routes",
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := daemonRequest(ipc.TypeStatus)
			if err != nil {
				return err
			}
			var status ipc.StatusResult
			if err := json.Unmarshal(res.Payload, &status); err != nil {
				return fmt.Errorf("decode status: %w", err)
			}
			fmt.Printf("daemon pid %d, up since %s, %d routes\n",
				status.PID, status.StartedAt.Format(time.RFC3339), status.Routes)
			for _, sh := range status.Servers {
				fmt.Printf("  %-24s %-10s %d tools\n", sh.Server, sh.Health, sh.ToolCount)
			}
			return nil
		},
	}
}

func newReloadCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "reload",
		Short: "Reload the daemon's configuration without restarting it",
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := daemonRequest(ipc.TypeReload)
			if err != nil {
				return err
			}
			var result ipc.ReloadResult
			if err := json.Unmarshal(res.Payload, &result); err != nil {
				return fmt.Errorf("decode reload result: %w", err)
			}
			fmt.Printf("added %d, removed %d, unchanged %d\n",
				len(result.Added), len(result.Removed), len(result.Unchanged))
			return nil
		},
	}
}

func newStopCommand() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the running daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !force {
				if _, err := daemonRequest(ipc.TypeStop); err == nil {
					fmt.Println("daemon stopping")
					return nil
				}
			}
			settings, err := config.LoadSettings()
			if err != nil {
				return err
			}
			if err := daemon.SignalStop(settings.PIDPath); err != nil {
				return err
			}
			fmt.Println("daemon stopped")
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "skip the graceful IPC stop and signal the process directly")
	return cmd
}

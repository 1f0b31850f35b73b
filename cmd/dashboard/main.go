// Package main is the entry point for the Sympozium dashboard backend.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/go-logr/logr"
	"github.com/spf13/cobra"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"

	"github.com/alexsjones/sympozium-dashboard/internal/agents"
	"github.com/alexsjones/sympozium-dashboard/internal/apiserver"
	"github.com/alexsjones/sympozium-dashboard/internal/config"
	"github.com/alexsjones/sympozium-dashboard/internal/console"
	"github.com/alexsjones/sympozium-dashboard/internal/eventbus"
	"github.com/alexsjones/sympozium-dashboard/internal/observability"
	"github.com/alexsjones/sympozium-dashboard/internal/transport"
	"github.com/alexsjones/sympozium-dashboard/internal/tui"
)

var (
	// version is set via -ldflags at build time.
	version = "dev"

	configPath string
	kubeconfig string
	mode       string
	agentURL   string
	scriptPath string
	devLogs    bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "dashboard",
		Short: "Sympozium dashboard - agent console backend",
		Long: `The Sympozium dashboard backend serves the agent console: it connects
to agent facades (or a local simulator), assembles streamed replies and
keeps each console session alive for the lifetime of the process.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", getEnv("DASHBOARD_CONFIG", ""), "Path to the dashboard config file")
	rootCmd.PersistentFlags().StringVar(&kubeconfig, "kubeconfig", "", "Path to kubeconfig")
	rootCmd.PersistentFlags().StringVar(&mode, "mode", getEnv("DASHBOARD_MODE", ""), "Console mode: live or demo (overrides config)")
	rootCmd.PersistentFlags().StringVar(&agentURL, "agent-url", getEnv("DASHBOARD_AGENT_URL", ""), "Fixed agent facade URL for live mode (overrides config)")
	rootCmd.PersistentFlags().StringVar(&scriptPath, "script", getEnv("DASHBOARD_SCRIPT", ""), "Simulator script file (overrides config)")
	rootCmd.PersistentFlags().BoolVar(&devLogs, "dev", false, "Development logging")

	rootCmd.AddCommand(
		newServeCmd(),
		newChatCmd(),
		newVersionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads the config file, if any, and applies flag overrides.
func loadConfig() (*config.Config, error) {
	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if mode != "" {
		cfg.Console.Mode = transport.Mode(mode)
	}
	if agentURL != "" {
		cfg.Console.URL = agentURL
	}
	if scriptPath != "" {
		cfg.Console.ScriptPath = scriptPath
	}
	if devLogs {
		cfg.Logging.Development = true
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg *config.Config, w io.Writer) logr.Logger {
	opts := []zap.Opts{zap.UseDevMode(cfg.Logging.Development), zap.WriteTo(w)}
	if cfg.Logging.Verbosity > 0 {
		opts = append(opts, zap.Level(zapcoreLevel(cfg.Logging.Verbosity)))
	}
	log := zap.New(opts...)
	ctrl.SetLogger(log)
	return log
}

func newServeCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the console HTTP and WebSocket API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			log := newLogger(cfg, os.Stderr)

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			shutdown, err := observability.Init(ctx, observability.Options{
				Enabled:     cfg.Tracing.Enabled,
				ServiceName: cfg.Tracing.ServiceName,
			}.WithEnv(), log)
			if err != nil {
				log.Error(err, "tracing disabled")
			}
			defer func() {
				flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer flushCancel()
				_ = shutdown(flushCtx)
			}()

			rt, err := newRuntime(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer rt.Close()

			opts := apiserver.Options{AllowedOrigins: cfg.Server.AllowedOrigins}
			if rt.agents != nil {
				opts.Agents = rt.agents
			}
			server := apiserver.NewServer(rt.handler, rt.connector, opts, log)
			return server.Start(ctx, cfg.Server.Addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", getEnv("DASHBOARD_ADDR", ""), "Listen address (overrides config)")
	return cmd
}

func newChatCmd() *cobra.Command {
	var namespace string
	var logFile string

	cmd := &cobra.Command{
		Use:   "chat [namespace/]agent",
		Short: "Chat with an agent from the terminal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			ns, agent := namespace, args[0]
			if before, after, ok := strings.Cut(args[0], "/"); ok {
				ns, agent = before, after
			}

			// The TUI owns the terminal, so logs go to a file or nowhere.
			var w io.Writer = io.Discard
			if logFile != "" {
				f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
				if err != nil {
					return fmt.Errorf("opening log file: %w", err)
				}
				defer f.Close()
				w = f
			}
			log := newLogger(cfg, w)

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			rt, err := newRuntime(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer rt.Close()

			key := agents.SessionKey(ns, agent)
			c := rt.handler.Open(key, console.WithFactory(func() (transport.Connection, error) {
				connCtx, connCancel := context.WithTimeout(ctx, 10*time.Second)
				defer connCancel()
				return rt.connector(connCtx, ns, agent)
			}))
			defer c.Close()

			m := tui.New(c, rt.store.Subscribe(ctx, key))
			p := tea.NewProgram(m, tea.WithAltScreen())
			_, err = p.Run()
			return err
		},
	}
	cmd.Flags().StringVarP(&namespace, "namespace", "n", "default", "Kubernetes namespace")
	cmd.Flags().StringVar(&logFile, "log-file", "", "Write logs to this file")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("sympozium-dashboard %s\n", version)
		},
	}
}

// consoleRuntime is the console machinery shared by serve and chat.
type consoleRuntime struct {
	store     *console.Store
	handler   *console.Handler
	connector apiserver.Connector
	agents    *agents.Resolver
	bus       eventbus.EventBus
	watcher   *config.Watcher
}

func newRuntime(ctx context.Context, cfg *config.Config, log logr.Logger) (*consoleRuntime, error) {
	rt := &consoleRuntime{store: console.NewStore(log)}

	scripts, err := config.NewScriptSource(cfg.Console.ScriptPath, log)
	if err != nil {
		return nil, fmt.Errorf("loading simulator script: %w", err)
	}
	if cfg.Console.ScriptPath != "" {
		rt.watcher, err = config.NewWatcher(log)
		if err != nil {
			return nil, err
		}
		if err := scripts.Watch(ctx, rt.watcher); err != nil {
			rt.Close()
			return nil, fmt.Errorf("watching simulator script: %w", err)
		}
	}

	var resolver endpointResolver
	if cfg.Kubernetes.Enabled {
		c, err := newKubeClient(kubeconfig)
		if err != nil {
			rt.Close()
			return nil, err
		}
		rt.agents = agents.NewResolver(c, cfg.Kubernetes.ClusterDomain, log)
		resolver = rt.agents
	}
	rt.connector = newConnector(cfg, scripts, resolver, log)

	var handlerOpts []console.HandlerOption
	if cfg.Console.MailboxSize > 0 {
		handlerOpts = append(handlerOpts, console.WithMailboxSize(cfg.Console.MailboxSize))
	}
	bus, err := newEventBus(cfg.EventBus, log)
	if err != nil {
		rt.Close()
		return nil, err
	}
	if bus != nil {
		rt.bus = bus
		mirror := console.NewMirror(bus, log)
		go mirror.Run(ctx)
		handlerOpts = append(handlerOpts, console.WithObserver(mirror))
	}

	rt.handler = console.NewHandler(rt.store, nil, log, handlerOpts...)
	return rt, nil
}

func (rt *consoleRuntime) Close() {
	if rt.watcher != nil {
		_ = rt.watcher.Close()
	}
	if rt.bus != nil {
		_ = rt.bus.Close()
	}
	rt.store.Close()
}

func newEventBus(cfg config.EventBusConfig, log logr.Logger) (eventbus.EventBus, error) {
	switch cfg.Backend {
	case config.BackendMemory:
		return eventbus.NewMemoryEventBus(), nil
	case config.BackendNATS:
		bus, err := eventbus.NewNATSEventBus(eventbus.NATSOptions{URL: cfg.URL}, log)
		if err != nil {
			return nil, fmt.Errorf("connecting to event bus: %w", err)
		}
		return bus, nil
	default:
		return nil, nil
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

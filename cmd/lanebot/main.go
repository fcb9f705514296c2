package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"lanebot/internal/agent"
	"lanebot/internal/bus"
	"lanebot/internal/capability"
	"lanebot/internal/channel"
	"lanebot/internal/config"
	"lanebot/internal/domain"
	"lanebot/internal/history"
	"lanebot/internal/plugin"
	"lanebot/internal/provider"
	"lanebot/internal/waq"

	"github.com/spf13/cobra"
)

var (
	version    = "0.1.0"
	logger     *slog.Logger
	configPath string // overridable via --config flag
)

func main() {
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	root := &cobra.Command{
		Use:   "lanebot",
		Short: "lanebot: durable lane-queue personal assistant",
		Long:  "lanebot is an AI assistant that processes each chat's messages strictly in order, survives crashes via a write-ahead queue, and extends itself with plugins.",
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.json (default: ~/.lanebot/config.json)")

	root.AddCommand(initCmd())
	root.AddCommand(chatCmd())
	root.AddCommand(gatewayCmd())
	root.AddCommand(statusCmd())
	root.AddCommand(configCmd())
	root.AddCommand(pluginsCmd())
	root.AddCommand(doctorCmd())
	root.AddCommand(daemonCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// resolveConfigPath returns the config path from --config flag or default.
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultConfigPath()
}

// applyLogLevel rebuilds the package logger at the configured level.
func applyLogLevel(level string) {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize config, workspace, and queue directories",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgDir := config.DefaultConfigDir()
			cfgPath := config.DefaultConfigPath()
			if err := os.MkdirAll(cfgDir, 0o755); err != nil {
				return err
			}
			cfg := config.Defaults()
			if err := config.Save(cfgPath, cfg); err != nil {
				return err
			}
			for _, dir := range []string{
				config.ExpandPath(cfg.General.Workspace),
				config.ExpandPath(cfg.Queue.Dir),
				config.ExpandPath(cfg.Plugins.Dir),
				config.ExpandPath(cfg.Roles.Dir),
			} {
				if err := os.MkdirAll(dir, 0o755); err != nil {
					return err
				}
			}
			logger.Info("initialized", "config", cfgPath, "workspace", cfg.General.Workspace)
			return nil
		},
	}
}

// core bundles everything assembleCore wires together so commands can start
// the pieces they need and shut the rest down.
type core struct {
	dispatcher *agent.Dispatcher
	registry   *capability.Registry
	host       *plugin.Host
	factory    *provider.Factory
	store      *history.SQLiteStore
}

func (c *core) close() {
	if c.store != nil {
		c.store.Close()
	}
}

// assembleCore builds the full processing pipeline: capability registry with
// built-ins and plugins, role registry, tool-calling loop, lane queue over
// the write-ahead store, and the dispatcher connecting them to the bus.
func assembleCore(ctx context.Context, cfg *config.Config, messageBus domain.MessageBus) (*core, error) {
	c := &core{}

	var store domain.HistoryStore
	if cfg.History.Enabled {
		s, err := history.NewSQLiteStore(cfg.History.DBPath, logger)
		if err != nil {
			return nil, fmt.Errorf("history store: %w", err)
		}
		c.store = s
		store = s
	}

	c.factory = provider.NewFactory(cfg, logger)
	prov, err := c.factory.DefaultProvider()
	if err != nil || prov == nil {
		logger.Warn("no default provider, falling back to ollama")
		prov = provider.NewOllama(provider.OllamaConfig{Logger: logger})
	}

	c.registry = registerCapabilities(cfg)

	roles := agent.NewRoleRegistry(logger)
	roles.RegisterBuiltins()
	if cfg.Roles.Dir != "" {
		roles.LoadFromDirectory(cfg.Roles.Dir)
	}

	loop := agent.NewLoop(agent.LoopConfig{
		Provider:  prov,
		Providers: c.factory,
		Registry:  c.registry,
		Audit:     store,
		Logger:    logger,
		MaxRounds: cfg.General.MaxRounds,
	})

	spawner := agent.NewSpawner(loop, roles, logger)
	c.registry.Register(agent.NewDelegateCapability(spawner, roles))

	if cfg.Plugins.Enabled {
		host, err := plugin.NewHost(plugin.HostConfig{
			Dir:            cfg.Plugins.Dir,
			Registry:       c.registry,
			Audit:          store,
			Logger:         logger,
			TimeoutSeconds: cfg.Plugins.TimeoutSeconds,
			MaxConcurrent:  cfg.Plugins.MaxConcurrent,
		})
		if err != nil {
			return nil, fmt.Errorf("plugin host: %w", err)
		}
		host.Discover(ctx)
		c.host = host
	}

	queueStore, err := waq.NewStore(cfg.Queue.Dir, logger)
	if err != nil {
		return nil, fmt.Errorf("queue store: %w", err)
	}
	lanes := waq.NewLaneQueue(waq.LaneQueueConfig{
		Store:   queueStore,
		Logger:  logger,
		BaseCtx: ctx,
	})

	var sessions *agent.SessionManager
	if store != nil {
		sessions = agent.NewSessionManager(store, logger)
	}

	c.dispatcher = agent.NewDispatcher(agent.DispatcherConfig{
		Lanes:        lanes,
		Loop:         loop,
		Roles:        roles,
		Router:       agent.NewRouter(roles, logger),
		Sessions:     sessions,
		Bus:          messageBus,
		Logger:       logger,
		DefaultRole:  cfg.General.DefaultRole,
		HistoryTurns: cfg.General.HistoryTurns,
	})

	return c, nil
}

// registerCapabilities creates the registry and installs the enabled
// built-in capabilities.
func registerCapabilities(cfg *config.Config) *capability.Registry {
	reg := capability.NewRegistry(logger)

	if cfg.Capabilities.Shell.Enabled {
		workDir := cfg.Capabilities.Shell.WorkingDir
		if workDir == "" {
			workDir = cfg.General.Workspace
		}
		reg.Register(capability.NewShellCapability(capability.ShellConfig{
			WorkingDir:     workDir,
			TimeoutSeconds: cfg.Capabilities.Shell.Timeout,
			MaxOutputBytes: cfg.Capabilities.Shell.MaxOutputBytes,
		}))
	}
	reg.Register(capability.NewReadFileCapability(cfg.General.Workspace))
	reg.Register(capability.NewWriteFileCapability(cfg.General.Workspace))
	reg.Register(capability.NewListDirCapability(cfg.General.Workspace))
	if cfg.Capabilities.Web.Enabled {
		reg.Register(capability.NewWebSearchCapability())
		reg.Register(capability.NewWebFetchCapability())
	}
	if cfg.Capabilities.Browse.Enabled {
		reg.Register(capability.NewBrowseCapability(capability.BrowseConfig{
			Headless: cfg.Capabilities.Browse.Headless,
			Timeout:  time.Duration(cfg.Capabilities.Browse.TimeoutSeconds) * time.Second,
			Logger:   logger,
		}))
	}
	reg.Register(capability.NewSysInfoCapability())

	return reg
}

func chatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Start interactive chat (CLI)",
		RunE:  runChat,
	}
}

func runChat(cmd *cobra.Command, args []string) error {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Warn("config not found, using defaults", "path", cfgPath, "err", err)
		cfg = config.Defaults()
		cfg.General.Workspace = config.ExpandPath(cfg.General.Workspace)
		cfg.History.DBPath = config.ExpandPath(cfg.History.DBPath)
		cfg.Queue.Dir = config.ExpandPath(cfg.Queue.Dir)
		cfg.Plugins.Dir = config.ExpandPath(cfg.Plugins.Dir)
		cfg.Roles.Dir = config.ExpandPath(cfg.Roles.Dir)
	}
	applyLogLevel(cfg.General.LogLevel)

	if err := os.MkdirAll(cfg.General.Workspace, 0o755); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	messageBus := bus.New(100, logger)
	defer messageBus.Close()

	c, err := assembleCore(ctx, cfg, messageBus)
	if err != nil {
		return err
	}
	defer c.close()

	// Orphaned work items re-enter their lanes before any new input arrives.
	c.dispatcher.Recover()
	go c.dispatcher.Run(ctx)

	cliCh := channel.NewCLI(channel.CLIConfig{Logger: logger})
	return cliCh.Start(ctx, messageBus)
}

func gatewayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gateway",
		Short: "Start gateway (all enabled channels + dispatcher)",
		Long:  "Starts all enabled channels (Telegram, CLI) and the lane dispatcher. Press Ctrl+C to stop.",
		RunE:  runGateway,
	}
}

func runGateway(cmd *cobra.Command, args []string) error {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	applyLogLevel(cfg.General.LogLevel)

	if err := os.MkdirAll(cfg.General.Workspace, 0o755); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	messageBus := bus.New(100, logger)

	c, err := assembleCore(ctx, cfg, messageBus)
	if err != nil {
		return err
	}
	defer c.close()

	if prov, err := c.factory.DefaultProvider(); err == nil && prov != nil {
		if err := prov.Healthy(ctx); err != nil {
			logger.Warn("default provider unhealthy at startup", "provider", prov.Name(), "err", err)
		} else {
			logger.Info("provider healthy", "provider", prov.Name())
		}
	}

	c.dispatcher.Recover()
	go c.dispatcher.Run(ctx)

	var telegramCh *channel.Telegram
	if cfg.Channels.Telegram.Enabled && cfg.Channels.Telegram.Token != "" {
		telegramCh = channel.NewTelegram(channel.TelegramConfig{
			Token:     cfg.Channels.Telegram.Token,
			AllowFrom: cfg.Channels.Telegram.AllowFrom,
			ParseMode: cfg.Channels.Telegram.ParseMode,
			Logger:    logger,
		})
		go func() {
			if err := telegramCh.Start(ctx, messageBus); err != nil {
				logger.Error("telegram channel error", "err", err)
			}
		}()
		logger.Info("telegram channel enabled")
	} else {
		logger.Info("telegram channel disabled")
	}

	if cfg.Channels.CLI.Enabled {
		cliCh := channel.NewCLI(channel.CLIConfig{Logger: logger})
		go func() {
			if err := cliCh.Start(ctx, messageBus); err != nil {
				logger.Error("cli channel error", "err", err)
			}
		}()
	}

	logger.Info("gateway started. Press Ctrl+C to stop.")

	<-ctx.Done()
	logger.Info("shutting down gateway...")

	const shutdownTimeout = 10 * time.Second
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	var shutdownErr error
	done := make(chan struct{})
	go func() {
		defer close(done)
		if telegramCh != nil {
			telegramCh.Stop()
		}
		messageBus.Close()
	}()

	select {
	case <-done:
		logger.Info("shutdown complete")
	case <-shutdownCtx.Done():
		logger.Warn("shutdown timed out, forcing exit")
		shutdownErr = fmt.Errorf("shutdown timed out")
	}

	return shutdownErr
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show system status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				logger.Info("config", "path", cfgPath, "loaded", false)
				cfg = config.Defaults()
			} else {
				logger.Info("config", "path", cfgPath, "loaded", true)
			}
			ctx := context.Background()

			factory := provider.NewFactory(cfg, logger)
			prov := factory.HealthyProvider(ctx)
			if prov != nil {
				logger.Info("provider", "name", prov.Name(), "healthy", true)
			} else {
				logger.Info("provider", "healthy", false)
			}

			if store, err := waq.NewStore(config.ExpandPath(cfg.Queue.Dir), logger); err == nil {
				pending := store.LoadPending()
				perLane := make(map[string]int)
				for _, item := range pending {
					perLane[item.LaneID]++
				}
				logger.Info("queue", "pending", len(pending), "lanes", len(perLane))
				for lane, n := range perLane {
					logger.Info("lane", "id", lane, "pending", n)
				}
			}

			if cfg.Plugins.Enabled {
				host, err := plugin.NewHost(plugin.HostConfig{
					Dir:      config.ExpandPath(cfg.Plugins.Dir),
					Registry: capability.NewRegistry(logger),
					Logger:   logger,
				})
				if err == nil {
					host.Discover(ctx)
					for _, st := range host.List() {
						logger.Info("plugin",
							"name", st.Manifest.Name,
							"version", st.Manifest.Version,
							"enabled", st.Manifest.Enabled,
							"ready", st.Ready,
							"missingEnv", st.MissingEnv,
						)
					}
				}
			}
			return nil
		},
	}
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View and modify configuration",
		Long:  "Get, set, and list configuration values. Changes are saved to the config file.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get [path]",
		Short: "Get a config value (e.g. general.defaultProvider)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			val, err := config.GetByPath(cfg, args[0])
			if err != nil {
				return err
			}
			data, _ := json.MarshalIndent(val, "", "  ")
			fmt.Println(string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set [path] [value]",
		Short: "Set a config value (e.g. general.defaultRole coder)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := config.SetByPath(cfg, args[0], args[1]); err != nil {
				return fmt.Errorf("set value: %w", err)
			}
			if err := config.Save(cfgPath, cfg); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			logger.Info("config updated", "path", args[0], "value", args[1], "file", cfgPath)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List all config values",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			sanitized := config.Sanitize(cfg)
			data, _ := json.MarshalIndent(sanitized, "", "  ")
			fmt.Println(string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show config file path",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(resolveConfigPath())
		},
	})

	return cmd
}

package main

import (
	"context"
	"fmt"
	"strings"

	"lanebot/internal/capability"
	"lanebot/internal/config"
	"lanebot/internal/plugin"

	"github.com/spf13/cobra"
)

func pluginsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plugins",
		Short: "Manage plugins",
		Long:  "List, install, reload, enable, and disable plugins in the plugins directory.",
	}

	cmd.AddCommand(pluginsListCmd())
	cmd.AddCommand(pluginsInstallCmd())
	cmd.AddCommand(pluginsReloadCmd())
	cmd.AddCommand(pluginsEnableCmd())
	cmd.AddCommand(pluginsDisableCmd())

	return cmd
}

// newPluginHost builds a host over the configured plugins directory with a
// throwaway registry, for commands that manage plugins without running the
// assistant.
func newPluginHost() (*plugin.Host, error) {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Warn("config not found, using defaults", "path", cfgPath, "err", err)
		cfg = config.Defaults()
	}
	return plugin.NewHost(plugin.HostConfig{
		Dir:            config.ExpandPath(cfg.Plugins.Dir),
		Registry:       capability.NewRegistry(logger),
		Logger:         logger,
		TimeoutSeconds: cfg.Plugins.TimeoutSeconds,
		MaxConcurrent:  cfg.Plugins.MaxConcurrent,
	})
}

func pluginsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List loaded plugins and their readiness",
		RunE: func(cmd *cobra.Command, args []string) error {
			host, err := newPluginHost()
			if err != nil {
				return err
			}
			host.Discover(context.Background())

			statuses := host.List()
			if len(statuses) == 0 {
				fmt.Println("No plugins found in", host.Dir())
				return nil
			}
			for _, st := range statuses {
				state := "ready"
				if !st.Manifest.Enabled {
					state = "disabled"
				} else if len(st.MissingEnv) > 0 {
					state = "not ready (missing env: " + strings.Join(st.MissingEnv, ", ") + ")"
				}
				fmt.Printf("  %-20s v%-8s %s\n", st.Manifest.Name, st.Manifest.Version, state)
				if len(st.Manifest.Actions) > 0 {
					fmt.Printf("  %-20s actions: %s\n", "", strings.Join(st.Manifest.Actions, ", "))
				}
			}
			return nil
		},
	}
}

func pluginsInstallCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "install [url]",
		Short: "Install a single-file plugin from a URL",
		Long:  "Downloads a plugin, validates its header and entry point, and loads it. GitHub blob URLs are accepted directly.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			host, err := newPluginHost()
			if err != nil {
				return err
			}
			manifest, err := host.InstallFromURL(context.Background(), args[0])
			if err != nil {
				return fmt.Errorf("install plugin: %w", err)
			}
			fmt.Printf("Installed plugin %q v%s\n", manifest.Name, manifest.Version)
			if missing := manifest.MissingEnv(); len(missing) > 0 {
				fmt.Printf("Not ready yet: set %s\n", strings.Join(missing, ", "))
			}
			return nil
		},
	}
}

func pluginsReloadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reload [name]",
		Short: "Reload a plugin from its current on-disk file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			host, err := newPluginHost()
			if err != nil {
				return err
			}
			ctx := context.Background()
			host.Discover(ctx)
			manifest, err := host.Reload(ctx, args[0])
			if err != nil {
				return fmt.Errorf("reload plugin: %w", err)
			}
			fmt.Printf("Reloaded plugin %q v%s\n", manifest.Name, manifest.Version)
			return nil
		},
	}
}

func pluginsEnableCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "enable [name]",
		Short: "Enable a plugin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			host, err := newPluginHost()
			if err != nil {
				return err
			}
			host.Discover(context.Background())
			if err := host.Enable(args[0]); err != nil {
				return err
			}
			fmt.Printf("Enabled plugin %q\n", args[0])
			return nil
		},
	}
}

func pluginsDisableCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "disable [name]",
		Short: "Disable a plugin without removing it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			host, err := newPluginHost()
			if err != nil {
				return err
			}
			host.Discover(context.Background())
			if err := host.Disable(args[0]); err != nil {
				return err
			}
			fmt.Printf("Disabled plugin %q\n", args[0])
			return nil
		},
	}
}

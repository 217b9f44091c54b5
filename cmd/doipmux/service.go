package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/diagnet/doipmux/internal/config"
	"github.com/diagnet/doipmux/internal/svc"
)

func newServiceCmd() *cobra.Command {
	var name string

	serviceCmd := &cobra.Command{
		Use:   "service",
		Short: "Manage the doipmux system service",
		Long: `Install, control and inspect doipmux as a system service that runs the
configured sessions like "doipmux run".

Supported platforms:
  - Linux (systemd)
  - macOS (launchd)
  - Windows (Service Control Manager)

Examples:
  sudo doipmux service install --config /etc/doipmux/doipmux.yaml
  sudo doipmux service start
  doipmux service status
  doipmux service logs --follow`,
	}
	serviceCmd.PersistentFlags().StringVarP(&name, "name", "n", svc.DefaultServiceName, "service name")

	var (
		user     string
		force    bool
		discover bool
	)
	installCmd := &cobra.Command{
		Use:   "install",
		Short: "Install doipmux as a system service",
		Long: `Install doipmux as a system service that starts at boot.

The config file is validated before installing. Requires root privileges.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := svc.CheckPrivileges(); err != nil {
				return err
			}
			cfg, err := installConfig(name, cfgFile)
			if err != nil {
				return err
			}
			cfg.UserName = user
			cfg.Discover = discover

			log.Info().
				Str("name", cfg.Name).
				Str("config", cfg.ConfigPath).
				Msg("installing service")
			if err := svc.Install(cfg, force); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "Service %q installed.\n", cfg.Name)
			_, _ = fmt.Fprintf(out, "\nTo start the service:\n  doipmux service start --name %s\n", cfg.Name)
			return nil
		},
	}
	installCmd.Flags().StringVar(&user, "user", "", "run the service as this user (Linux/macOS only)")
	installCmd.Flags().BoolVarP(&force, "force", "f", false, "reinstall if the service already exists")
	installCmd.Flags().BoolVar(&discover, "discover", false, "broadcast vehicle identification requests while running")

	uninstallCmd := &cobra.Command{
		Use:   "uninstall",
		Short: "Remove the doipmux system service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := svc.CheckPrivileges(); err != nil {
				return err
			}
			if err := svc.Uninstall(svc.DefaultConfig(name)); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Service %q uninstalled.\n", name)
			return nil
		},
	}

	serviceCmd.AddCommand(
		installCmd,
		uninstallCmd,
		newServiceControlCmd("start", "Start the doipmux service", &name),
		newServiceControlCmd("stop", "Stop the doipmux service", &name),
		newServiceControlCmd("restart", "Restart the doipmux service", &name),
		newServiceStatusCmd(&name),
		newServiceLogsCmd(&name),
		newServiceRunCmd(&name),
	)
	return serviceCmd
}

// installConfig resolves the config path and checks that it loads.
func installConfig(name, path string) (*svc.ServiceConfig, error) {
	cfg := svc.DefaultConfig(name)
	if path != "" {
		abs, err := filepath.Abs(path)
		if err != nil {
			return nil, fmt.Errorf("resolve config path: %w", err)
		}
		cfg.ConfigPath = abs
	}
	if _, err := os.Stat(cfg.ConfigPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file not found: %s\nCreate it first or pass --config", cfg.ConfigPath)
	}
	loaded, err := config.Load(cfg.ConfigPath)
	if err != nil {
		return nil, err
	}
	if len(loaded.Targets) == 0 {
		return nil, fmt.Errorf("%s: no targets configured", cfg.ConfigPath)
	}
	return cfg, nil
}

func newServiceControlCmd(action, short string, name *string) *cobra.Command {
	return &cobra.Command{
		Use:   action,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := svc.CheckPrivileges(); err != nil {
				return err
			}
			log.Info().Str("name", *name).Str("action", action).Msg("controlling service")
			if err := svc.Control(svc.DefaultConfig(*name), action); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Service %q: %s done.\n", *name, action)
			return nil
		},
	}
}

func newServiceStatusCmd(name *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the doipmux service status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "Service: %s\n", *name)

			status, err := svc.Status(svc.DefaultConfig(*name))
			if err != nil {
				_, _ = fmt.Fprintf(out, "Status:  not installed or unknown\n")
				_, _ = fmt.Fprintf(out, "Error:   %v\n", err)
				return nil
			}
			_, _ = fmt.Fprintf(out, "Status:  %s\n", svc.StatusString(status))
			return nil
		},
	}
}

func newServiceLogsCmd(name *string) *cobra.Command {
	var (
		follow bool
		lines  int
	)
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "View the doipmux service logs",
		Long: `View logs from the doipmux service.

Log locations by platform:
  - Linux:  journalctl -u doipmux
  - macOS:  /var/log/doipmux.{out,err}.log`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return svc.ViewLogs(svc.LogOptions{ServiceName: *name, Follow: follow, Lines: lines})
		},
	}
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "follow log output")
	cmd.Flags().IntVar(&lines, "lines", 50, "number of log lines to show")
	return cmd
}

// newServiceRunCmd is the entry point the service manager starts.
func newServiceRunCmd(name *string) *cobra.Command {
	var discover bool
	cmd := &cobra.Command{
		Use:    "run",
		Short:  "Run the sessions under the service manager",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := svc.DefaultConfig(*name)
			if cfgFile != "" {
				cfg.ConfigPath = cfgFile
			}
			log.Info().Str("name", cfg.Name).Str("config", cfg.ConfigPath).Msg("starting as service")

			prg := &svc.Program{
				ConfigPath: cfg.ConfigPath,
				Run:        serviceRunFunc(cmd, discover),
			}
			return svc.Run(prg, cfg)
		},
	}
	cmd.Flags().BoolVar(&discover, "discover", false, "broadcast vehicle identification requests while running")
	return cmd
}

// serviceRunFunc loads the config the service was installed with and runs
// its sessions.
func serviceRunFunc(cmd *cobra.Command, discover bool) svc.RunFunc {
	return func(ctx context.Context, configPath string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if !cmd.Flags().Changed("log-level") {
			config.ApplyLogLevel(cfg.LogLevel)
		}
		return runSessions(ctx, cfg, discover)
	}
}

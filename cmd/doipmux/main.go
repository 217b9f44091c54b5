// doipmux drives diagnostic sessions over IP-based transport to vehicle
// gateways: UDP discovery, shared TCP connections and per-endpoint routing.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/diagnet/doipmux/internal/config"
	"github.com/diagnet/doipmux/internal/logging/loki"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	cfgFile  string
	logLevel string
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "doipmux",
		Short: "doipmux - diagnostic transport over IP",
		Long: `doipmux discovers vehicle gateways on the local networks and runs
addressed diagnostic sessions over shared TCP connections.

EXAMPLES:

  # List the interfaces discovery would use:
  doipmux interfaces

  # Broadcast a vehicle identification request and print the answers:
  doipmux discover --timeout 3s

  # Check that a gateway accepts connections:
  doipmux probe 192.168.0.10

  # Run the sessions from a config file:
  doipmux run --config doipmux.yaml

  # Install the sessions as a system service:
  sudo doipmux service install --config /etc/doipmux/doipmux.yaml

For more help on any command, use: doipmux <command> --help`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			setupLogging()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "info", "log level")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "doipmux %s\n", Version)
			_, _ = fmt.Fprintf(out, "  Commit:     %s\n", Commit)
			_, _ = fmt.Fprintf(out, "  Build Time: %s\n", BuildTime)
			_, _ = fmt.Fprintf(out, "  Go:         %s\n", runtime.Version())
		},
	}

	rootCmd.AddCommand(
		versionCmd,
		newInterfacesCmd(),
		newDiscoverCmd(),
		newProbeCmd(),
		newRunCmd(),
		newCaptureCmd(),
		newServiceCmd(),
	)
	return rootCmd
}

func setupLogging() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}

// loadConfig reads --config, or returns the defaults when it is unset.
// The config's log level applies unless --log-level was given.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	if cfgFile == "" {
		return config.Default(), nil
	}
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if !cmd.Flags().Changed("log-level") {
		config.ApplyLogLevel(cfg.LogLevel)
	}
	return cfg, nil
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		defer signal.Stop(sigChan)
		select {
		case <-sigChan:
			log.Info().Msg("shutting down...")
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// startLogShipping tees the logger into Loki when configured. The returned
// function restores the console-only logger and pushes what is left.
func startLogShipping(cfg *config.Config) func() {
	lc := cfg.Logging.Loki
	if lc.URL == "" {
		return func() {}
	}

	labels := make(map[string]string)
	if host, err := os.Hostname(); err == nil {
		labels["host"] = host
	}
	for k, v := range lc.Labels {
		labels[k] = v
	}

	w := loki.NewWriter(loki.Config{
		URL:           lc.URL,
		Labels:        labels,
		BatchSize:     lc.BatchSize,
		FlushInterval: lc.FlushIntervalDuration(),
	})
	ctx, cancel := context.WithCancel(context.Background())
	go w.Run(ctx)

	prev := log.Logger
	log.Logger = zerolog.New(zerolog.MultiLevelWriter(zerolog.ConsoleWriter{Out: os.Stderr}, w)).
		With().Timestamp().Logger()
	log.Info().Str("url", lc.URL).Msg("shipping logs to loki")

	return func() {
		log.Logger = prev
		cancel()
		w.Wait()
	}
}

// Command nimbus runs the game server.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	_ "go.uber.org/automaxprocs"

	"github.com/nimbusgames/nimbus/internal/config"
	"github.com/nimbusgames/nimbus/internal/logging"
	"github.com/nimbusgames/nimbus/internal/plugins"
	"github.com/nimbusgames/nimbus/internal/server"
)

var (
	flagConfig           string
	flagPlugins          string
	flagBind             string
	flagLogLevel         string
	flagJSONLogs         bool
	flagUnsafePlugins    bool
	flagABIMismatch      bool
	flagStrictVersioning bool
)

func main() {
	root := &cobra.Command{
		Use:           "nimbus",
		Short:         "Real-time game server with spatial replication and a plugin host",
		Version:       plugins.CoreVersion,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          run,
	}

	root.Flags().StringVarP(&flagConfig, "config", "c", "config.yaml", "configuration file path")
	root.Flags().StringVarP(&flagPlugins, "plugins", "p", "", "plugin directory path")
	root.Flags().StringVarP(&flagBind, "bind", "b", "", "bind address (e.g. 127.0.0.1:8080)")
	root.Flags().StringVarP(&flagLogLevel, "log-level", "l", "", "log level (trace, debug, info, warn, error)")
	root.Flags().BoolVar(&flagJSONLogs, "json-logs", false, "output logs in JSON format")
	root.Flags().BoolVar(&flagUnsafePlugins, "danger-allow-unsafe-plugins", false,
		"accepted but not read by the plugin loader; --danger-allow-abi-mismatch admits mismatched plugins")
	root.Flags().BoolVar(&flagABIMismatch, "danger-allow-abi-mismatch", false,
		"allow plugins with a mismatched ABI string (may crash the server)")
	root.Flags().BoolVar(&flagStrictVersioning, "strict-versioning", false,
		"require exact ABI version equality including patch digits")

	if err := root.Execute(); err != nil {
		log := logging.L()
		log.Error().Err(err).Msg("fatal")
		logging.Flush()
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	_ = godotenv.Load()

	cfg, err := config.Load(flagConfig)
	if err != nil {
		return err
	}
	applyFlagOverrides(cmd, &cfg)

	log := logging.Init(cfg.Logging)
	log.Info().
		Str("bind_address", cfg.BindAddress).
		Str("plugin_directory", cfg.PluginDirectory).
		Str("abi", plugins.HostABIVersion()).
		Msg("starting")

	srv, err := server.New(cfg, log)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signals := make(chan os.Signal, 2)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-signals
		log.Info().Msg("signal received, shutting down")
		cancel()
		<-signals
		log.Error().Msg("second signal, exiting immediately")
		logging.Flush()
		os.Exit(1)
	}()

	return srv.Run(ctx)
}

// applyFlagOverrides lets explicit CLI flags win over file and environment.
func applyFlagOverrides(cmd *cobra.Command, cfg *config.Config) {
	if cmd.Flags().Changed("plugins") {
		cfg.PluginDirectory = flagPlugins
	}
	if cmd.Flags().Changed("bind") {
		cfg.BindAddress = flagBind
	}
	if cmd.Flags().Changed("log-level") {
		cfg.Logging.Level = flagLogLevel
	}
	if cmd.Flags().Changed("json-logs") {
		cfg.Logging.JSONFormat = flagJSONLogs
	}
	if cmd.Flags().Changed("danger-allow-unsafe-plugins") {
		cfg.PluginSafety.AllowUnsafePlugins = flagUnsafePlugins
	}
	if cmd.Flags().Changed("danger-allow-abi-mismatch") {
		cfg.PluginSafety.AllowABIMismatch = flagABIMismatch
	}
	if cmd.Flags().Changed("strict-versioning") {
		cfg.PluginSafety.StrictVersioning = flagStrictVersioning
	}
}

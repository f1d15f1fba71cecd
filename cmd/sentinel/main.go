package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/hivetrap/sentinel/internal/config"
	"github.com/hivetrap/sentinel/internal/logs"
	"github.com/hivetrap/sentinel/internal/server"
)

var (
	configFile   string
	dataDir      string
	listen       string
	logLevel     string
	logToFile    bool
	logDir       string
	modelsDir    string
	geoipURL     string
	geoipTimeout int
	mmdbPath     string
	alertWebhook string

	version = "v0.1.0" // This will be injected by -ldflags during build
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "sentinel",
		Short:   "Sentinel - central honeypot telemetry service with ML attack scoring",
		Version: version,
		RunE:    runServer,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Configuration file path")
	rootCmd.PersistentFlags().StringVarP(&dataDir, "data-dir", "d", "", "Data directory path (default: ~/.sentinel)")
	rootCmd.PersistentFlags().StringVarP(&listen, "listen", "l", "", "Listen address (default: :5000)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&logToFile, "log-to-file", false, "Enable logging to file in standard OS location")
	rootCmd.PersistentFlags().StringVar(&logDir, "log-dir", "", "Custom log directory path (overrides standard OS location)")
	rootCmd.PersistentFlags().StringVar(&modelsDir, "models-dir", "", "Model bundle directory (default: <data-dir>/models)")
	rootCmd.PersistentFlags().StringVar(&geoipURL, "geoip-url", "", "HTTP GeoIP lookup URL template with one %s for the address")
	rootCmd.PersistentFlags().IntVar(&geoipTimeout, "geoip-timeout", 0, "GeoIP lookup timeout in seconds")
	rootCmd.PersistentFlags().StringVar(&mmdbPath, "mmdb-path", "", "Local MaxMind city database path")
	rootCmd.PersistentFlags().StringVar(&alertWebhook, "alert-webhook", "", "Webhook URL for high-risk alerts")

	bindFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// bindFlags lets flags override file and environment configuration.
func bindFlags(cmd *cobra.Command) {
	flags := cmd.PersistentFlags()
	_ = viper.BindPFlag("config", flags.Lookup("config"))
	_ = viper.BindPFlag("data-dir", flags.Lookup("data-dir"))
	_ = viper.BindPFlag("listen", flags.Lookup("listen"))
	_ = viper.BindPFlag("models-dir", flags.Lookup("models-dir"))
	_ = viper.BindPFlag("geoip.lookup-url", flags.Lookup("geoip-url"))
	_ = viper.BindPFlag("geoip.timeout-seconds", flags.Lookup("geoip-timeout"))
	_ = viper.BindPFlag("geoip.mmdb-path", flags.Lookup("mmdb-path"))
	_ = viper.BindPFlag("alerts.webhook-url", flags.Lookup("alert-webhook"))
}

func runServer(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	if cfg.Logging == nil {
		cfg.Logging = logs.DefaultLogConfig()
	}
	if cmd.Flags().Changed("log-level") || cfg.Logging.Level == "" {
		cfg.Logging.Level = logLevel
	}
	if cmd.Flags().Changed("log-to-file") {
		cfg.Logging.EnableFile = logToFile
	}
	if logDir != "" {
		cfg.Logging.LogDir = logDir
	}

	logger, err := logs.SetupLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to setup logger: %w", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	logger.Info("Starting sentinel",
		zap.String("version", version),
		zap.String("listen", cfg.Listen),
		zap.String("data_dir", cfg.DataDir),
		zap.String("log_level", cfg.Logging.Level))

	srv, err := server.NewServer(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("Received signal, shutting down", zap.String("signal", sig.String()))
		cancel()
	}()

	return srv.Run(ctx)
}

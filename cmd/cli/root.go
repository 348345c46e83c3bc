// Package cli provides the command-line interface for scanlink.
// It implements the Cobra-based command tree for watching scans, inspecting
// backend reference data and running the fake backend.
package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/anstrom/scanlink/internal/config"
	scanerrors "github.com/anstrom/scanlink/internal/errors"
	"github.com/anstrom/scanlink/internal/logging"
	"github.com/anstrom/scanlink/internal/metrics"
)

const (
	envPrefix = "SCANLINK"

	metricsReadHeaderTimeout = 5 * time.Second
	metricsShutdownTimeout   = 2 * time.Second

	exitFailure = 1
	// exitFatal marks failures that retrying will not fix, such as bad
	// configuration or an unreachable backend.
	exitFatal = 2
)

var (
	cfgFile     string
	verbose     bool
	address     string
	metricsAddr string
)

// Build information - these will be set by ldflags during build.
var (
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "scanlink",
	Short: "Realtime client for a network scanning backend",
	Long: `scanlink connects to a scanning backend over a websocket, bootstraps its
reference data, and follows running scans, keeping a live view of discovered
devices and progress across reconnects.`,
	Version:       getVersion(),
	SilenceUsage:  true,
	SilenceErrors: false,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	if scanerrors.IsFatal(err) {
		return exitFatal
	}
	return exitFailure
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./scanlink.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().StringVar(&address, "address", "", "backend host:port, overrides endpoint.address")
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this host:port")

	// Bind flags to viper
	for key, flag := range map[string]string{
		"verbose":             "verbose",
		"endpoint.address":    "address",
		"metrics.listen_addr": "metrics-addr",
	} {
		if err := viper.BindPFlag(key, rootCmd.PersistentFlags().Lookup(flag)); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to bind %s flag: %v\n", flag, err)
		}
	}
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		// Use config file from the flag.
		viper.SetConfigFile(cfgFile)
	} else {
		// Search for config in current directory
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName("scanlink")
	}

	// Read in environment variables that match, e.g. SCANLINK_ENDPOINT_ADDRESS
	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// If a config file is found, read it in.
	if err := viper.ReadInConfig(); err == nil {
		if verbose {
			fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
		}
	}

	// Initialize structured logging after config is loaded
	initLogging()
}

// loadConfig loads the config file and applies flag and environment overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(viper.ConfigFileUsed())
	if err != nil {
		return nil, err
	}
	applyOverrides(cfg, viper.GetViper())

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyOverrides copies the values that may come from flags or SCANLINK_*
// variables onto cfg.
func applyOverrides(cfg *config.Config, v *viper.Viper) {
	if addr := v.GetString("endpoint.address"); addr != "" {
		cfg.Endpoint.Address = addr
	}
	if scheme := v.GetString("endpoint.scheme"); scheme != "" {
		cfg.Endpoint.Scheme = scheme
	}
	if level := v.GetString("logging.level"); level != "" {
		cfg.Logging.Level = level
	}
	if listen := v.GetString("metrics.listen_addr"); listen != "" {
		cfg.Metrics.Enabled = true
		cfg.Metrics.ListenAddr = listen
	}
	if v.GetBool("verbose") {
		cfg.Logging.Level = string(logging.LevelDebug)
	}
}

// getVersion returns the version string.
func getVersion() string {
	return fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildTime)
}

// SetVersion sets the version information (called from main).
func SetVersion(v, c, bt string) {
	version = v
	commit = c
	buildTime = bt
	rootCmd.Version = getVersion()
}

// initLogging initializes structured logging based on configuration.
func initLogging() {
	cfg, err := config.Load(viper.ConfigFileUsed())
	if err != nil {
		logging.SetDefault(logging.NewDefault())
		return
	}
	applyOverrides(cfg, viper.GetViper())

	logConfig := logging.Config{
		Level:     logging.LogLevel(cfg.Logging.Level),
		Format:    logging.LogFormat(cfg.Logging.Format),
		Output:    cfg.Logging.Output,
		AddSource: cfg.Logging.Level == "debug",
	}

	logger, err := logging.New(logConfig)
	if err != nil {
		logger = logging.NewDefault()
		fmt.Fprintf(os.Stderr, "Warning: failed to initialize logging: %v\n", err)
	}
	logging.SetDefault(logger)

	if verbose {
		logging.Info("Structured logging initialized", "level", cfg.Logging.Level, "format", cfg.Logging.Format)
	}
}

// startMetrics creates the collectors and, when enabled, serves them on
// /metrics until ctx is done. A nil result disables recording.
func startMetrics(ctx context.Context, cfg config.MetricsConfig) *metrics.PrometheusMetrics {
	if !cfg.Enabled {
		return nil
	}

	pm := metrics.NewPrometheusMetrics()
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(pm.GetRegistry(), promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: metricsReadHeaderTimeout,
	}
	logger := logging.Component("metrics")

	go func() {
		logger.Info("Serving metrics", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server failed", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	return pm
}

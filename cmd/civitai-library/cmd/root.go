package cmd

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"go-civitai-library/internal/api"
	"go-civitai-library/internal/config"
	"go-civitai-library/internal/models"
)

// cfgFile holds the path to the config file specified by the user
var cfgFile string

// logApiFlag holds the value of the --log-api flag
var logApiFlag bool

// dataDirFlag holds the value of the --data-dir flag
var dataDirFlag string

// apiDelayFlag holds the value of the --api-delay flag
var apiDelayFlag int

// apiTimeoutFlag holds the value of the --api-timeout flag
var apiTimeoutFlag int

var (
	logLevelFlag  string
	logFormatFlag string
)

// globalStore holds the loaded configuration
var globalStore *config.Store

// globalHttpTransport holds the globally configured HTTP transport (base or logging-wrapped)
var globalHttpTransport http.RoundTripper

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "civitai-library",
	Short: "Browse and enrich a local library of Stable Diffusion models",
	Long: `Civitai Library scans your model folders, enriches each weight file with
Civitai catalog metadata, caches previews locally and serves a browsable,
filterable gallery over HTTP.`,
	PersistentPreRunE: loadGlobalConfig, // Load config before any command runs
	SilenceUsage:      true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error executing command: %v\n", err)
		api.CloseAllLoggingTransports()
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", config.DefaultConfigPath, "Configuration file path")
	rootCmd.PersistentFlags().BoolVar(&logApiFlag, "log-api", false, "Log API requests/responses to api.log (overrides config)")
	rootCmd.PersistentFlags().StringVar(&dataDirFlag, "data-dir", "", "Directory for caches, state and images (overrides config)")
	rootCmd.PersistentFlags().IntVar(&apiDelayFlag, "api-delay", -1, "Delay between API calls in ms (overrides config, -1 uses config default)")
	rootCmd.PersistentFlags().IntVar(&apiTimeoutFlag, "api-timeout", -1, "Timeout for API HTTP client in seconds (overrides config, -1 uses config default)")
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormatFlag, "log-format", "text", "Log format (text or json)")
}

// initLogging configures logrus from the --log-level and --log-format flags.
func initLogging(level, format string) error {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid --log-level %q: %w", level, err)
	}
	log.SetLevel(lvl)
	switch strings.ToLower(format) {
	case "json":
		log.SetFormatter(&log.JSONFormatter{})
	case "text", "":
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	default:
		return fmt.Errorf("invalid --log-format %q (want text or json)", format)
	}
	return nil
}

// loadGlobalConfig opens the configuration store and installs flag overrides.
// It also sets up the global HTTP transport based on logging settings.
func loadGlobalConfig(cmd *cobra.Command, args []string) error {
	if err := initLogging(logLevelFlag, logFormatFlag); err != nil {
		return err
	}

	store, err := config.Open(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to open config %s: %w", cfgFile, err)
	}
	globalStore = store

	flags := cmd.Flags()
	logApiChanged := flags.Changed("log-api")
	dataDirChanged := flags.Changed("data-dir") && dataDirFlag != ""
	apiDelayChanged := flags.Changed("api-delay")
	apiTimeoutChanged := flags.Changed("api-timeout")

	if apiDelayChanged && apiDelayFlag < 0 {
		log.Warnf("--api-delay flag provided with invalid value %d, using config value", apiDelayFlag)
		apiDelayChanged = false
	}
	if apiTimeoutChanged && apiTimeoutFlag <= 0 {
		log.Warnf("--api-timeout flag provided with invalid value %d, using config value", apiTimeoutFlag)
		apiTimeoutChanged = false
	}

	globalStore.SetOverrides(func(cfg *models.Config) {
		if logApiChanged {
			cfg.LogApiRequests = logApiFlag
		}
		if dataDirChanged {
			cfg.DataDir = dataDirFlag
		}
		if apiDelayChanged {
			cfg.ApiDelayMs = apiDelayFlag
		}
		if apiTimeoutChanged {
			cfg.ApiClientTimeoutSec = apiTimeoutFlag
		}
	})

	cfg := globalStore.Get()
	log.Debugf("Final LogApiRequests value after config load and flag check: %t", cfg.LogApiRequests)

	// --- Setup Global HTTP Transport ---
	baseTransport := http.DefaultTransport
	globalHttpTransport = baseTransport
	if cfg.LogApiRequests {
		logFilePath := filepath.Join(cfg.DataDir, "api.log")
		if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
			log.WithError(err).Warnf("Data dir %s not usable, saving api.log to current directory.", cfg.DataDir)
			logFilePath = "api.log"
		}
		log.Infof("API logging to file: %s", logFilePath)

		loggingTransport, err := api.NewLoggingTransport(baseTransport, logFilePath)
		if err != nil {
			log.WithError(err).Error("Failed to initialize API logging transport, logging disabled.")
		} else {
			globalHttpTransport = loggingTransport
		}
	}
	return nil
}

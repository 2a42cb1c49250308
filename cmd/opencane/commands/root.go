package commands

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/opencane/opencane/pkg/config"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "opencane",
	Short: "Backend runtime for assistive smart cane devices",
	Long: `opencane - backend runtime for assistive smart cane devices.

The serve command runs the full service: device sessions over MQTT or
WebSocket, the voice turn pipeline, the vision lifelog, digital tasks,
and the control HTTP API.

Configuration is a single YAML file; every field has a default, so a
minimal file names the adapter and credentials and nothing else.

Examples:
  # Run with defaults (mock adapter, loopback HTTP)
  opencane serve

  # Run against a broker
  opencane serve -c /etc/opencane/config.yaml

  # Check a config without starting anything
  opencane validate -c config.yaml

  # Inspect a running instance
  opencane status --addr 127.0.0.1:18792 --token $TOKEN`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// configError marks load or validation failures, which exit with their own
// code so supervisors can tell bad config from a startup crash.
type configError struct{ err error }

func (e configError) Error() string { return e.err.Error() }
func (e configError) Unwrap() error { return e.err }

// Execute runs the root command and maps the result to an exit code:
// 0 success, 1 invalid configuration, 2 startup or runtime failure.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		var ce configError
		if errors.As(err, &ce) {
			return 1
		}
		return 2
	}
	return 0
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path (defaults apply when omitted)")
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, configError{err}
	}
	if err := cfg.Validate(); err != nil {
		return nil, configError{fmt.Errorf("config: invalid:\n%w", err)}
	}
	return cfg, nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

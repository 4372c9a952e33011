package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/explaindio/musetalk-container/pkg/config"
	"github.com/explaindio/musetalk-container/pkg/log"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// v holds flags, environment and the optional config file
var v = config.NewViper()

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "gpuworker",
	Short: "GPU node worker agent",
	Long: `gpuworker connects a GPU node to the job orchestrator.

It sends a heartbeat every few seconds, claims one job at a time when idle,
runs it on the local processing endpoint and reports progress and the final
result back to the orchestrator.

Every option can be set as a flag, as an environment variable with the
upper-cased key (INTERNAL_API_KEY, POLL_INTERVAL_SEC, ...) or in gpuworker.yaml.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"gpuworker version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	flags := rootCmd.PersistentFlags()
	flags.String("orchestrator-base-url", "", "Orchestrator base URL")
	flags.String("internal-api-key", "", "Shared internal API key")
	flags.String("worker-id", "", "Worker id (provider machine ids take precedence)")
	flags.String("worker-type", "", "Worker pool: main, transient, expensive")
	flags.String("provider", "", "GPU provider name")
	flags.String("gpu-class-name", "", "GPU class reported to the orchestrator")
	flags.Int("poll-interval-sec", 0, "Seconds between claims when no job is available")
	flags.Int("heartbeat-interval-sec", 0, "Seconds between heartbeats")
	flags.String("generate-url", "", "Local processing endpoint")
	flags.String("generate-health-url", "", "Local endpoint readiness probe (empty disables)")
	flags.Duration("generate-timeout", 0, "Upper bound for one local generate call")
	flags.String("speedtest-url", "", "File downloaded once to measure bandwidth (empty skips)")
	flags.String("status-addr", "", "Local status server address (empty disables)")
	flags.String("data-dir", "", "Job journal directory (empty disables)")
	flags.String("log-level", "", "Log level: debug, info, warn, error")
	flags.Bool("log-json", true, "Log as JSON")

	// Only flags set on the command line override env and config values
	flags.VisitAll(func(f *pflag.Flag) {
		_ = v.BindPFlag(strings.ReplaceAll(f.Name, "-", "_"), f)
	})

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(probeCmd)
	rootCmd.AddCommand(historyCmd)
}

// loadConfig decodes the effective configuration and initialises logging
// to logOut
func loadConfig(logOut io.Writer) (*config.Config, error) {
	cfg, err := config.Load(v)
	if err != nil {
		return nil, err
	}

	log.Init(log.Config{
		Level:      log.ParseLevel(cfg.LogLevel),
		JSONOutput: cfg.LogJSON,
		Output:     logOut,
	})
	return cfg, nil
}

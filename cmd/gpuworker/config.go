package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/explaindio/musetalk-container/pkg/config"
	"github.com/explaindio/musetalk-container/pkg/types"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration as YAML",
	Long: `Print the configuration after merging defaults, gpuworker.yaml,
environment variables and flags. The API key is redacted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(os.Stderr)
		if err != nil {
			return err
		}
		return printConfig(cmd.OutOrStdout(), cfg, config.ResolveIdentity(cfg, os.LookupEnv))
	},
}

// effectiveConfig is the document printed by the config command
type effectiveConfig struct {
	Config   config.Config        `yaml:",inline"`
	Identity types.WorkerIdentity `yaml:"identity"`
	Problem  string               `yaml:"problem,omitempty"`
}

func printConfig(out io.Writer, cfg *config.Config, identity types.WorkerIdentity) error {
	doc := effectiveConfig{
		Config:   cfg.Redacted(),
		Identity: identity,
	}
	if err := cfg.Validate(); err != nil {
		doc.Problem = err.Error()
	}

	data, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	_, err = out.Write(data)
	return err
}

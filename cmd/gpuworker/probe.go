package main

import (
	"encoding/json"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/explaindio/musetalk-container/pkg/gateway"
	"github.com/explaindio/musetalk-container/pkg/sysinfo"
	"github.com/explaindio/musetalk-container/pkg/types"
)

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Measure this node and check the local endpoint",
	Long: `Print the system_info payload sent with every heartbeat and whether
the local processing endpoint answers its readiness probe.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(os.Stderr)
		if err != nil {
			return err
		}

		sys := sysinfo.Collect(cmd.Context(), sysinfo.Options{SpeedtestURL: cfg.SpeedtestURL})
		gw := gateway.New(gateway.Config{GenerateURL: cfg.GenerateURL, HealthURL: cfg.GenerateHealthURL})

		return printProbe(cmd.OutOrStdout(), probeResult{
			SystemInfo:     sys,
			GenerateURL:    cfg.GenerateURL,
			GeneratorReady: gw.Ready(cmd.Context()),
		})
	},
}

type probeResult struct {
	SystemInfo     types.SystemMetrics `json:"system_info"`
	GenerateURL    string              `json:"generate_url"`
	GeneratorReady bool                `json:"generator_ready"`
}

func printProbe(out io.Writer, r probeResult) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}

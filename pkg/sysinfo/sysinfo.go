// Package sysinfo measures the node capabilities reported with every
// heartbeat. Measurements run once at startup; any probe that fails is left
// out of the payload.
package sysinfo

import (
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	"github.com/denisbrodbeck/machineid"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/explaindio/musetalk-container/pkg/log"
	"github.com/explaindio/musetalk-container/pkg/types"
)

const (
	bytesPerGB = 1024 * 1024 * 1024

	// appID scopes the protected machine id to this agent
	appID = "gpuworker"

	defaultSpeedtestTimeout = 20 * time.Second
)

// Options controls which probes run
type Options struct {
	// DiskPath is the filesystem measured for disk_total_gb/disk_free_gb
	DiskPath string

	// SpeedtestURL is downloaded once to estimate bandwidth. Empty skips it.
	SpeedtestURL string

	SpeedtestTimeout time.Duration

	// Client used for the speed test; nil uses a fresh client
	Client *http.Client
}

// probes are the measurement sources, replaceable in tests
type probes struct {
	cpuCounts func(ctx context.Context, logical bool) (int, error)
	memory    func(ctx context.Context) (total, available uint64, err error)
	diskUsage func(ctx context.Context, path string) (total, free uint64, err error)
	hostID    func() (string, error)
}

var defaultProbes = probes{
	cpuCounts: cpu.CountsWithContext,
	memory: func(ctx context.Context) (uint64, uint64, error) {
		vm, err := mem.VirtualMemoryWithContext(ctx)
		if err != nil {
			return 0, 0, err
		}
		return vm.Total, vm.Available, nil
	},
	diskUsage: func(ctx context.Context, path string) (uint64, uint64, error) {
		u, err := disk.UsageWithContext(ctx, path)
		if err != nil {
			return 0, 0, err
		}
		return u.Total, u.Free, nil
	},
	hostID: func() (string, error) {
		return machineid.ProtectedID(appID)
	},
}

// Collect runs every probe and returns the capability payload
func Collect(ctx context.Context, opts Options) types.SystemMetrics {
	return collect(ctx, opts, defaultProbes)
}

func collect(ctx context.Context, opts Options, p probes) types.SystemMetrics {
	logger := log.WithComponent("sysinfo")
	var m types.SystemMetrics

	if n, err := p.cpuCounts(ctx, false); err == nil && n > 0 {
		m.CPUCoresPhysical = &n
	} else if err != nil {
		logger.Debug().Err(err).Msg("Physical core count unavailable")
	}
	if n, err := p.cpuCounts(ctx, true); err == nil && n > 0 {
		m.CPUCoresLogical = &n
	} else if err != nil {
		logger.Debug().Err(err).Msg("Logical core count unavailable")
	}

	if total, avail, err := p.memory(ctx); err == nil {
		m.RAMTotalGB = gb(total)
		m.RAMAvailableGB = gb(avail)
	} else {
		logger.Debug().Err(err).Msg("Memory info unavailable")
	}

	path := opts.DiskPath
	if path == "" {
		path = "/"
	}
	if total, free, err := p.diskUsage(ctx, path); err == nil {
		m.DiskTotalGB = gb(total)
		m.DiskFreeGB = gb(free)
	} else {
		logger.Debug().Err(err).Str("path", path).Msg("Disk usage unavailable")
	}

	if id, err := p.hostID(); err == nil && id != "" {
		m.HostID = &id
	} else if err != nil {
		logger.Debug().Err(err).Msg("Machine id unavailable")
	}

	if opts.SpeedtestURL != "" {
		if mbps, err := MeasureDownload(ctx, opts); err == nil {
			m.DownloadSpeedMbps = &mbps
		} else {
			logger.Warn().Err(err).Msg("Download speed test failed")
		}
	}

	return m
}

// MeasureDownload fetches SpeedtestURL and returns the throughput in Mbit/s
func MeasureDownload(ctx context.Context, opts Options) (float64, error) {
	timeout := opts.SpeedtestTimeout
	if timeout <= 0 {
		timeout = defaultSpeedtestTimeout
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{}
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, opts.SpeedtestURL, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create speed test request: %w", err)
	}

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("speed test request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("speed test returned HTTP %d", resp.StatusCode)
	}

	n, err := io.Copy(io.Discard, resp.Body)
	if err != nil {
		return 0, fmt.Errorf("speed test download failed: %w", err)
	}
	elapsed := time.Since(start).Seconds()
	if n == 0 || elapsed <= 0 {
		return 0, fmt.Errorf("speed test downloaded nothing")
	}

	return round2(float64(n) * 8 / 1e6 / elapsed), nil
}

func gb(b uint64) *float64 {
	v := round2(float64(b) / bytesPerGB)
	return &v
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

package config

import (
	"os"
	"strings"

	"github.com/google/uuid"

	"github.com/explaindio/musetalk-container/pkg/types"
)

// providerIDEnv lists the provider-specific variables that carry a node id,
// in order of precedence.
var providerIDEnv = []string{
	"SALAD_MACHINE_ID",
	"VAST_CONTAINERLABEL",
	"OCTASPACE_NODE_ID",
}

// LookupEnvFunc matches os.LookupEnv
type LookupEnvFunc func(string) (string, bool)

// ResolveIdentity builds the worker identity from provider signals, the
// configured override and finally a generated id.
func ResolveIdentity(c *Config, lookup LookupEnvFunc) types.WorkerIdentity {
	if lookup == nil {
		lookup = os.LookupEnv
	}

	return types.WorkerIdentity{
		WorkerID:   resolveWorkerID(c.WorkerID, lookup),
		WorkerType: c.WorkerType,
		Provider:   c.Provider,
		GPUClass:   c.GPUClass,
	}
}

func resolveWorkerID(override string, lookup LookupEnvFunc) string {
	for _, key := range providerIDEnv {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	if override = strings.TrimSpace(override); override != "" {
		return override
	}
	return GenerateWorkerID()
}

// GenerateWorkerID returns worker-<8 hex>
func GenerateWorkerID() string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return "worker-" + id[:8]
}

package health

import "time"

// Result represents the outcome of a health check
type Result struct {
	Healthy  bool
	Message  string
	Duration time.Duration
}

// Config contains common configuration for health checks
type Config struct {
	// Timeout is the maximum time to wait for a health check to complete
	Timeout time.Duration

	// Retries is the number of consecutive failures before marking as unhealthy
	Retries int
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		Timeout: 5 * time.Second,
		Retries: 1,
	}
}

// Status tracks the current health status of a checked endpoint
type Status struct {
	// ConsecutiveFailures tracks the number of consecutive failed checks
	ConsecutiveFailures int

	// Healthy is false until the first successful check
	Healthy bool
}

// NewStatus creates a Status that has not seen a successful check yet
func NewStatus() *Status {
	return &Status{}
}

// Update updates the status based on a new health check result
func (s *Status) Update(result Result, config Config) {
	if result.Healthy {
		s.ConsecutiveFailures = 0
		s.Healthy = true
		return
	}

	s.ConsecutiveFailures++
	if s.ConsecutiveFailures >= config.Retries {
		s.Healthy = false
	}
}

package worker

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/explaindio/musetalk-container/pkg/client"
	"github.com/explaindio/musetalk-container/pkg/events"
	"github.com/explaindio/musetalk-container/pkg/log"
	"github.com/explaindio/musetalk-container/pkg/metrics"
	"github.com/explaindio/musetalk-container/pkg/types"
)

const (
	DefaultClaimAttempts = 3
	DefaultClaimBackoff  = time.Second
)

// ClaimOutcome tells apart the reasons a claim cycle produced no job
type ClaimOutcome string

const (
	// ClaimJob means a job was handed out
	ClaimJob ClaimOutcome = "job"

	// ClaimEmpty means the orchestrator has no work
	ClaimEmpty ClaimOutcome = "empty"

	// ClaimRejected means the orchestrator answered with an error
	ClaimRejected ClaimOutcome = "rejected"

	// ClaimExhausted means every attempt hit a transport fault
	ClaimExhausted ClaimOutcome = "exhausted"

	// ClaimCancelled means shutdown interrupted the cycle
	ClaimCancelled ClaimOutcome = "cancelled"
)

// SleepFunc waits for d or until ctx is done
type SleepFunc func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Claimer asks the orchestrator for work, retrying transport faults with
// exponential backoff (base, 2x base, 4x base after attempts 1, 2 and 3)
type Claimer struct {
	orch     Orchestrator
	session  *client.Session
	attempts int
	backoff  time.Duration
	sleep    SleepFunc
	broker   *events.Broker
	logger   zerolog.Logger
}

// NewClaimer creates a claimer that uses the control loop's session
func NewClaimer(orch Orchestrator, session *client.Session, broker *events.Broker) *Claimer {
	return &Claimer{
		orch:     orch,
		session:  session,
		attempts: DefaultClaimAttempts,
		backoff:  DefaultClaimBackoff,
		sleep:    sleepContext,
		broker:   broker,
		logger:   log.WithComponent("claim"),
	}
}

// Claim runs one claim cycle. The job is nil for every outcome but ClaimJob.
func (c *Claimer) Claim(ctx context.Context) (*types.Job, ClaimOutcome) {
	job, outcome := c.claim(ctx)
	if outcome != ClaimCancelled {
		metrics.ClaimsTotal.WithLabelValues(string(outcome)).Inc()
	}
	return job, outcome
}

func (c *Claimer) claim(ctx context.Context) (*types.Job, ClaimOutcome) {
	var lastErr error

	for attempt := 1; attempt <= c.attempts; attempt++ {
		if ctx.Err() != nil {
			return nil, ClaimCancelled
		}

		metrics.ClaimAttemptsTotal.Inc()
		resp, err := c.orch.Claim(ctx, c.session)
		if err == nil {
			switch {
			case resp.Error != "":
				c.logger.Warn().Str("error", resp.Error).Msg("Claim rejected by orchestrator")
				return nil, ClaimRejected
			case resp.Job == nil:
				c.logger.Debug().Msg("No job available")
				return nil, ClaimEmpty
			default:
				c.logger.Info().Str("job_id", resp.Job.ID).Int("attempt", attempt).Msg("Claimed job")
				return resp.Job, ClaimJob
			}
		}

		var te *client.TransportError
		if !errors.As(err, &te) {
			c.logger.Warn().Err(err).Msg("Claim rejected by orchestrator")
			return nil, ClaimRejected
		}
		if ctx.Err() != nil {
			return nil, ClaimCancelled
		}

		lastErr = err
		c.session.Rebuild()
		c.broker.Publish(&events.Event{
			Type:     events.EventSessionRebuilt,
			Message:  err.Error(),
			Metadata: map[string]string{events.MetaActivity: c.session.Name()},
		})

		// Every failed attempt is followed by a delay, the last one included
		delay := c.backoff << (attempt - 1)
		c.logger.Warn().Err(err).
			Int("attempt", attempt).
			Int("max_attempts", c.attempts).
			Dur("backoff", delay).
			Msg("Claim attempt failed, backing off")
		if err := c.sleep(ctx, delay); err != nil {
			return nil, ClaimCancelled
		}
	}

	c.logger.Error().Err(lastErr).Int("attempts", c.attempts).Msg("Claim attempts exhausted")
	c.broker.Publish(&events.Event{
		Type:     events.EventClaimExhausted,
		Message:  lastErr.Error(),
		Metadata: map[string]string{events.MetaAttempts: strconv.Itoa(c.attempts)},
	})
	return nil, ClaimExhausted
}

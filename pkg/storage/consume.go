package storage

import (
	"context"
	"errors"
	"strconv"

	"github.com/explaindio/musetalk-container/pkg/events"
	"github.com/explaindio/musetalk-container/pkg/log"
)

// Consume records job events from sub until ctx is done or sub is closed.
// Write failures are logged and do not stop consumption.
func Consume(ctx context.Context, j Journal, sub events.Subscriber) error {
	logger := log.WithComponent("journal")
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sub:
			if !ok {
				return nil
			}
			if err := Apply(j, ev); err != nil {
				logger.Warn().Err(err).
					Str("event", string(ev.Type)).
					Str("job_id", ev.JobID).
					Msg("Failed to journal event")
			}
		}
	}
}

// Apply folds one event into the journal. Events that do not concern a job
// are ignored.
func Apply(j Journal, ev *events.Event) error {
	if ev.JobID == "" {
		return nil
	}

	switch ev.Type {
	case events.EventJobClaimed:
		return j.Record(&JobRecord{
			JobID:     ev.JobID,
			Status:    StatusClaimed,
			ClaimedAt: ev.Timestamp,
		})

	case events.EventJobSucceeded, events.EventJobFailed:
		rec, err := j.Get(ev.JobID)
		if errors.Is(err, ErrNotFound) {
			rec = &JobRecord{JobID: ev.JobID, ClaimedAt: ev.Timestamp}
		} else if err != nil {
			return err
		}

		rec.Status = StatusSucceeded
		if ev.Type == events.EventJobFailed {
			rec.Status = StatusFailed
			rec.Message = ev.Message
		}
		rec.FinishedAt = ev.Timestamp
		rec.OutputURL = ev.Metadata[events.MetaOutputURL]
		rec.ErrorKind = ev.Metadata[events.MetaErrorKind]
		rec.ErrorType = ev.Metadata[events.MetaErrorType]
		rec.Stage = ev.Metadata[events.MetaStage]
		rec.Retryable, _ = strconv.ParseBool(ev.Metadata[events.MetaRetryable])
		rec.DurationMs, _ = strconv.ParseInt(ev.Metadata[events.MetaDurationMs], 10, 64)
		return j.Record(rec)
	}
	return nil
}

package storage

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/explaindio/musetalk-container/pkg/events"
)

func newTestJournal(t *testing.T, max int) *BoltJournal {
	t.Helper()
	j, err := NewBoltJournal(t.TempDir(), max)
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j
}

func TestRecordAndGet(t *testing.T) {
	j := newTestJournal(t, 0)

	require.NoError(t, j.Record(&JobRecord{JobID: "job-1", Status: StatusClaimed}))
	rec, err := j.Get("job-1")
	require.NoError(t, err)
	assert.Equal(t, StatusClaimed, rec.Status)
	assert.Equal(t, uint64(1), rec.Seq)

	require.NoError(t, j.Record(&JobRecord{JobID: "job-1", Status: StatusSucceeded, OutputURL: "o"}))
	rec, err = j.Get("job-1")
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, rec.Status)
	assert.Equal(t, uint64(1), rec.Seq, "updates keep the original position")

	_, err = j.Get("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRecentNewestFirst(t *testing.T) {
	j := newTestJournal(t, 0)
	for i := 1; i <= 5; i++ {
		require.NoError(t, j.Record(&JobRecord{JobID: fmt.Sprintf("job-%d", i)}))
	}

	recs, err := j.Recent(3)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, "job-5", recs[0].JobID)
	assert.Equal(t, "job-3", recs[2].JobID)

	recs, err = j.Recent(50)
	require.NoError(t, err)
	assert.Len(t, recs, 5)
}

func TestPrune(t *testing.T) {
	j := newTestJournal(t, 3)
	for i := 1; i <= 5; i++ {
		require.NoError(t, j.Record(&JobRecord{JobID: fmt.Sprintf("job-%d", i)}))
	}

	recs, err := j.Recent(10)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, "job-3", recs[2].JobID)

	_, err = j.Get("job-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestOpenReadOnlyMissing(t *testing.T) {
	_, err := OpenReadOnly(t.TempDir())
	assert.Error(t, err)
}

func TestApplyLifecycle(t *testing.T) {
	j := newTestJournal(t, 0)
	claimed := time.Now().Add(-time.Minute)

	require.NoError(t, Apply(j, &events.Event{Type: events.EventJobClaimed, JobID: "job-42", Timestamp: claimed}))
	require.NoError(t, Apply(j, &events.Event{
		Type:      events.EventJobFailed,
		JobID:     "job-42",
		Timestamp: claimed.Add(30 * time.Second),
		Message:   "CUDA out of memory",
		Metadata: map[string]string{
			events.MetaErrorKind:  "processing",
			events.MetaErrorType:  "processing_error",
			events.MetaStage:      "inference",
			events.MetaRetryable:  "true",
			events.MetaDurationMs: "30000",
		},
	}))
	require.NoError(t, Apply(j, &events.Event{Type: events.EventClaimExhausted}))

	rec, err := j.Get("job-42")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, rec.Status)
	assert.Equal(t, "CUDA out of memory", rec.Message)
	assert.Equal(t, "inference", rec.Stage)
	assert.True(t, rec.Retryable)
	assert.Equal(t, int64(30000), rec.DurationMs)
	assert.True(t, rec.ClaimedAt.Equal(claimed))
}

func TestConsume(t *testing.T) {
	j := newTestJournal(t, 0)
	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Consume(ctx, j, sub) }()

	broker.Publish(&events.Event{Type: events.EventJobClaimed, JobID: "job-7"})
	broker.Publish(&events.Event{
		Type:     events.EventJobSucceeded,
		JobID:    "job-7",
		Metadata: map[string]string{events.MetaOutputURL: "https://x/y.mp4"},
	})

	require.Eventually(t, func() bool {
		rec, err := j.Get("job-7")
		return err == nil && rec.Status == StatusSucceeded
	}, 2*time.Second, 10*time.Millisecond)

	rec, err := j.Get("job-7")
	require.NoError(t, err)
	assert.Equal(t, "https://x/y.mp4", rec.OutputURL)

	cancel()
	assert.NoError(t, <-done)
}

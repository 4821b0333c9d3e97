package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drpcorg/tabula/tables"
	"github.com/drpcorg/tabula/tabula_errors"
)

func TestStateClassification(t *testing.T) {
	assert.True(t, StateCompleted.Terminal())
	assert.True(t, StateFailedTerminal.Terminal())
	assert.True(t, StateCanceled.Terminal())
	assert.False(t, StatePending.Terminal())
	assert.False(t, StateClaimed.Terminal())
	assert.False(t, StateRunning.Terminal())
	assert.False(t, StateFailedRetry.Terminal())

	assert.True(t, StatePending.claimable())
	assert.True(t, StateFailedRetry.claimable())
	assert.False(t, StateClaimed.claimable())
	assert.False(t, StateRunning.claimable())
	assert.False(t, StateCompleted.claimable())
}

func TestJobDocumentRoundtrip(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	job := &Job{
		ID:          "j1",
		Version:     2,
		Kind:        Recurring,
		Func:        "send_digest",
		CronSpec:    "0 0 * * *",
		Args:        tables.Value{"user": "u1"},
		Creator:     "alice",
		State:       StateFailedRetry,
		ScheduledAt: at,
		NextRun:     at.Add(time.Minute),
		Attempts:    2,
		LastError:   "boom",
		CreatedAt:   at.Add(-time.Hour),
	}
	val, err := job.value()
	require.NoError(t, err)

	back, err := jobFromDoc(&tables.Document{ID: "j1", Version: 2, Value: val})
	require.NoError(t, err)
	assert.Equal(t, job.Kind, back.Kind)
	assert.Equal(t, job.Func, back.Func)
	assert.Equal(t, job.CronSpec, back.CronSpec)
	assert.Equal(t, job.Creator, back.Creator)
	assert.Equal(t, job.State, back.State)
	assert.True(t, job.ScheduledAt.Equal(back.ScheduledAt))
	assert.True(t, job.NextRun.Equal(back.NextRun))
	assert.Equal(t, job.Attempts, back.Attempts)
	assert.Equal(t, job.LastError, back.LastError)
	assert.Equal(t, "u1", back.Args["user"])
}

func TestBackoffDoublesToCap(t *testing.T) {
	cfg := Config{BackoffBase: time.Second, BackoffMax: 10 * time.Second}.withDefaults()
	assert.Equal(t, time.Second, cfg.backoff(1))
	assert.Equal(t, 2*time.Second, cfg.backoff(2))
	assert.Equal(t, 4*time.Second, cfg.backoff(3))
	assert.Equal(t, 8*time.Second, cfg.backoff(4))
	assert.Equal(t, 10*time.Second, cfg.backoff(5))
	assert.Equal(t, 10*time.Second, cfg.backoff(50))
}

func TestCronParser(t *testing.T) {
	sched, err := StandardCronParser{}.Parse("CRON_TZ=UTC 0 0 * * *")
	require.NoError(t, err)
	after := time.Date(2026, 3, 1, 23, 59, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC), sched.Next(after))

	_, err = StandardCronParser{}.Parse("not a cron spec")
	assert.ErrorIs(t, err, tabula_errors.ErrInvalidSpec)
}

func TestManualClock(t *testing.T) {
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	clock := NewManualClock(start)
	assert.True(t, clock.Now().Equal(start))
	clock.Advance(90 * time.Second)
	assert.True(t, clock.Now().Equal(start.Add(90*time.Second)))
}

package scheduler_test

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drpcorg/tabula"
	"github.com/drpcorg/tabula/auth"
	"github.com/drpcorg/tabula/host"
	"github.com/drpcorg/tabula/scheduler"
	"github.com/drpcorg/tabula/tables"
	"github.com/drpcorg/tabula/tabula_errors"
	"github.com/drpcorg/tabula/utils"
)

func utilsWarnLogger() utils.Logger {
	return utils.NewDefaultLogger(slog.LevelWarn)
}

var (
	alice = auth.Identity{Subject: "alice"}
	eve   = auth.Identity{Subject: "eve"}
	admin = auth.Identity{Subject: "root", Admin: true}
)

const (
	waitFor = 10 * time.Second
	tick    = 10 * time.Millisecond
)

func openDB(t *testing.T, clock scheduler.Clock, mut func(*scheduler.Config)) *tabula.DB {
	t.Helper()
	cfg := scheduler.Config{
		Workers:       2,
		PollInterval:  10 * time.Millisecond,
		LeaseDuration: 10 * time.Minute,
		BackoffBase:   time.Second,
		BackoffMax:    4 * time.Second,
		MaxRetries:    2,
		Clock:         clock,
	}
	if mut != nil {
		mut(&cfg)
	}
	db, err := tabula.Open(t.TempDir(), tabula.Options{
		Logger:    utilsWarnLogger(),
		Scheduler: cfg,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func scheduleAt(t *testing.T, db *tabula.DB, who auth.Identity, fn string, args tables.Value, at time.Time) *scheduler.Job {
	t.Helper()
	var job *scheduler.Job
	require.NoError(t, db.Run(context.Background(), who, func(tx *tabula.Tx) error {
		var err error
		job, err = db.Scheduler().ScheduleAt(tx, who, fn, args, at)
		return err
	}))
	return job
}

func getJob(t *testing.T, db *tabula.DB, id string) (*scheduler.Job, error) {
	t.Helper()
	var job *scheduler.Job
	err := db.Run(context.Background(), admin, func(tx *tabula.Tx) error {
		var err error
		job, err = db.Scheduler().Get(tx, id)
		return err
	})
	return job, err
}

func jobState(t *testing.T, db *tabula.DB, id string) scheduler.State {
	t.Helper()
	job, err := getJob(t, db, id)
	require.NoError(t, err)
	return job.State
}

func TestOneShotCompletesWithEffects(t *testing.T) {
	clock := scheduler.NewManualClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	db := openDB(t, clock, nil)

	var runs atomic.Int64
	db.Scheduler().Register("greet", func(ctx context.Context, tx host.DocTx, args tables.Value) error {
		runs.Add(1)
		_, err := tx.Insert("greetings", "g1", tables.Value{"text": args["text"]})
		return err
	})
	db.Scheduler().Start()

	job := scheduleAt(t, db, alice, "greet", tables.Value{"text": "hello"}, clock.Now())
	assert.Equal(t, scheduler.StatePending, job.State)
	assert.Equal(t, "alice", job.Creator)

	require.Eventually(t, func() bool {
		return jobState(t, db, job.ID) == scheduler.StateCompleted
	}, waitFor, tick)
	assert.Equal(t, int64(1), runs.Load())

	// the function's writes committed with the completion
	require.NoError(t, db.Run(context.Background(), alice, func(tx *tabula.Tx) error {
		doc, err := tx.Get("greetings", "g1")
		if err != nil {
			return err
		}
		assert.Equal(t, "hello", doc.Value["text"])
		return nil
	}))

	done, err := getJob(t, db, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, done.Attempts)
	assert.False(t, done.FinishedAt.IsZero())
}

func TestEachDueJobRunsExactlyOnce(t *testing.T) {
	clock := scheduler.NewManualClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	db := openDB(t, clock, func(cfg *scheduler.Config) { cfg.Workers = 4 })

	var mu sync.Mutex
	runs := map[string]int{}
	db.Scheduler().Register("tick", func(ctx context.Context, tx host.DocTx, args tables.Value) error {
		mu.Lock()
		runs[args["job"].(string)]++
		mu.Unlock()
		return nil
	})
	db.Scheduler().Start()

	var ids []string
	for i := 0; i < 8; i++ {
		job := scheduleAt(t, db, alice, "tick", tables.Value{"job": string(rune('a' + i))}, clock.Now())
		ids = append(ids, job.ID)
	}

	require.Eventually(t, func() bool {
		for _, id := range ids {
			if jobState(t, db, id) != scheduler.StateCompleted {
				return false
			}
		}
		return true
	}, waitFor, tick)

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, runs, 8)
	for name, n := range runs {
		assert.Equal(t, 1, n, "job %s", name)
	}
}

func TestFutureJobWaitsForItsTime(t *testing.T) {
	clock := scheduler.NewManualClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	db := openDB(t, clock, nil)

	var runs atomic.Int64
	db.Scheduler().Register("later", func(ctx context.Context, tx host.DocTx, args tables.Value) error {
		runs.Add(1)
		return nil
	})
	db.Scheduler().Start()

	job := scheduleAt(t, db, alice, "later", nil, clock.Now().Add(time.Hour))
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, scheduler.StatePending, jobState(t, db, job.ID))
	assert.Equal(t, int64(0), runs.Load())

	clock.Advance(2 * time.Hour)
	require.Eventually(t, func() bool {
		return jobState(t, db, job.ID) == scheduler.StateCompleted
	}, waitFor, tick)
	assert.Equal(t, int64(1), runs.Load())
}

func TestFailingJobRetriesThenTerminal(t *testing.T) {
	clock := scheduler.NewManualClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	db := openDB(t, clock, nil) // MaxRetries 2

	var runs atomic.Int64
	db.Scheduler().Register("doomed", func(ctx context.Context, tx host.DocTx, args tables.Value) error {
		runs.Add(1)
		return errors.New("boom")
	})
	db.Scheduler().Start()

	job := scheduleAt(t, db, alice, "doomed", nil, clock.Now())

	require.Eventually(t, func() bool {
		// push the clock past any retry backoff
		clock.Advance(5 * time.Second)
		return jobState(t, db, job.ID) == scheduler.StateFailedTerminal
	}, waitFor, tick)

	dead, err := getJob(t, db, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, dead.Attempts) // first run plus MaxRetries
	assert.Contains(t, dead.LastError, "boom")
	assert.False(t, dead.FinishedAt.IsZero())

	// terminal means no further attempts
	runsAtTerminal := runs.Load()
	assert.Equal(t, int64(3), runsAtTerminal)
	clock.Advance(time.Hour)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, runsAtTerminal, runs.Load())
}

func TestPanickingJobFailsWithoutKillingWorkers(t *testing.T) {
	clock := scheduler.NewManualClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	db := openDB(t, clock, func(cfg *scheduler.Config) { cfg.MaxRetries = 1 })

	db.Scheduler().Register("explode", func(ctx context.Context, tx host.DocTx, args tables.Value) error {
		panic("kaboom")
	})
	var runs atomic.Int64
	db.Scheduler().Register("survivor", func(ctx context.Context, tx host.DocTx, args tables.Value) error {
		runs.Add(1)
		return nil
	})
	db.Scheduler().Start()

	bad := scheduleAt(t, db, alice, "explode", nil, clock.Now())
	require.Eventually(t, func() bool {
		clock.Advance(5 * time.Second)
		return jobState(t, db, bad.ID) == scheduler.StateFailedTerminal
	}, waitFor, tick)

	dead, err := getJob(t, db, bad.ID)
	require.NoError(t, err)
	assert.Contains(t, dead.LastError, "kaboom")

	// the workers outlived the panic and still run jobs
	good := scheduleAt(t, db, alice, "survivor", nil, clock.Now())
	require.Eventually(t, func() bool {
		return jobState(t, db, good.ID) == scheduler.StateCompleted
	}, waitFor, tick)
	assert.Equal(t, int64(1), runs.Load())
}

func TestUnregisteredFunctionFails(t *testing.T) {
	clock := scheduler.NewManualClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	db := openDB(t, clock, func(cfg *scheduler.Config) { cfg.MaxRetries = 1 })
	db.Scheduler().Start()

	job := scheduleAt(t, db, alice, "no_such_fn", nil, clock.Now())
	require.Eventually(t, func() bool {
		clock.Advance(5 * time.Second)
		return jobState(t, db, job.ID) == scheduler.StateFailedTerminal
	}, waitFor, tick)

	dead, err := getJob(t, db, job.ID)
	require.NoError(t, err)
	assert.Contains(t, dead.LastError, "not registered")
}

func TestRecurringDoesNotDrift(t *testing.T) {
	start := time.Date(2026, 3, 1, 23, 30, 0, 0, time.UTC)
	clock := scheduler.NewManualClock(start)
	db := openDB(t, clock, nil)

	var runs atomic.Int64
	db.Scheduler().Register("digest", func(ctx context.Context, tx host.DocTx, args tables.Value) error {
		runs.Add(1)
		return nil
	})
	db.Scheduler().Start()

	var job *scheduler.Job
	require.NoError(t, db.Run(context.Background(), alice, func(tx *tabula.Tx) error {
		var err error
		job, err = db.Scheduler().ScheduleCron(tx, alice, "digest", nil, "CRON_TZ=UTC 0 0 * * *")
		return err
	}))
	firstMidnight := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	assert.True(t, job.ScheduledAt.Equal(firstMidnight))

	// the occurrence runs forty minutes late
	clock.Advance(70 * time.Minute)
	require.Eventually(t, func() bool {
		return jobState(t, db, job.ID) == scheduler.StateCompleted
	}, waitFor, tick)
	assert.Equal(t, int64(1), runs.Load())

	// the follow-up is anchored to the scheduled midnight, not to the late
	// completion at 00:40
	next := findPendingRecurrence(t, db, job.ID, "digest")
	assert.True(t, next.ScheduledAt.Equal(firstMidnight.AddDate(0, 0, 1)),
		"next occurrence at %s", next.ScheduledAt)
	assert.Equal(t, "alice", next.Creator)
	assert.Equal(t, scheduler.Recurring, next.Kind)
}

func findPendingRecurrence(t *testing.T, db *tabula.DB, doneID, fn string) *scheduler.Job {
	t.Helper()
	var next *scheduler.Job
	require.NoError(t, db.Run(context.Background(), admin, func(tx *tabula.Tx) error {
		for doc, err := range tx.Scan(scheduler.JobsTable) {
			if err != nil {
				return err
			}
			if doc.ID == doneID {
				continue
			}
			job, err := db.Scheduler().Get(tx, doc.ID)
			if err != nil {
				return err
			}
			if job.Func == fn && job.State == scheduler.StatePending {
				next = job
			}
		}
		return nil
	}))
	require.NotNil(t, next, "no pending recurrence found")
	return next
}

func TestCancel(t *testing.T) {
	clock := scheduler.NewManualClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	db := openDB(t, clock, nil)

	var runs atomic.Int64
	db.Scheduler().Register("later", func(ctx context.Context, tx host.DocTx, args tables.Value) error {
		runs.Add(1)
		return nil
	})
	db.Scheduler().Start()

	job := scheduleAt(t, db, alice, "later", nil, clock.Now().Add(time.Hour))

	// only the creator (or admin/system) may cancel
	err := db.Run(context.Background(), eve, func(tx *tabula.Tx) error {
		return db.Scheduler().Cancel(tx, eve, job.ID)
	})
	assert.ErrorIs(t, err, tabula_errors.ErrAuth)

	require.NoError(t, db.Run(context.Background(), alice, func(tx *tabula.Tx) error {
		return db.Scheduler().Cancel(tx, alice, job.ID)
	}))
	assert.Equal(t, scheduler.StateCanceled, jobState(t, db, job.ID))

	// canceling a terminal job is rejected
	err = db.Run(context.Background(), alice, func(tx *tabula.Tx) error {
		return db.Scheduler().Cancel(tx, alice, job.ID)
	})
	assert.ErrorIs(t, err, tabula_errors.ErrJobTerminal)

	// the function never runs, even once its time arrives
	clock.Advance(2 * time.Hour)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int64(0), runs.Load())
}

func TestCancelUnknownJob(t *testing.T) {
	clock := scheduler.NewManualClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	db := openDB(t, clock, nil)
	err := db.Run(context.Background(), alice, func(tx *tabula.Tx) error {
		return db.Scheduler().Cancel(tx, alice, "missing")
	})
	assert.ErrorIs(t, err, tabula_errors.ErrJobUnknown)
}

func TestExpiredLeaseIsReclaimed(t *testing.T) {
	clock := scheduler.NewManualClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	db := openDB(t, clock, nil)

	var runs atomic.Int64
	db.Scheduler().Register("work", func(ctx context.Context, tx host.DocTx, args tables.Value) error {
		runs.Add(1)
		return nil
	})

	job := scheduleAt(t, db, alice, "work", nil, clock.Now())

	// simulate a worker that claimed the job and died: lease already expired
	expired := clock.Now().Add(-time.Minute)
	require.NoError(t, db.Run(context.Background(), admin, func(tx *tabula.Tx) error {
		_, err := tx.Patch(scheduler.JobsTable, job.ID, job.Version, tables.Value{
			"state":     string(scheduler.StateClaimed),
			"worker":    "w-dead",
			"lease_exp": expired.Format(time.RFC3339Nano),
		})
		return err
	}))

	db.Scheduler().Start()
	require.Eventually(t, func() bool {
		return jobState(t, db, job.ID) == scheduler.StateCompleted
	}, waitFor, tick)

	done, err := getJob(t, db, job.ID)
	require.NoError(t, err)
	// the reaper charged the lost attempt before handing the job back
	assert.Equal(t, 1, done.Attempts)
	assert.Equal(t, int64(1), runs.Load())
}

func TestJanitorSweepsOldTerminalJobs(t *testing.T) {
	clock := scheduler.NewManualClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	db := openDB(t, clock, func(cfg *scheduler.Config) { cfg.Retention = time.Second })

	var runs atomic.Int64
	db.Scheduler().Register("work", func(ctx context.Context, tx host.DocTx, args tables.Value) error {
		runs.Add(1)
		return nil
	})
	db.Scheduler().Start()

	job := scheduleAt(t, db, alice, "work", nil, clock.Now())
	require.Eventually(t, func() bool {
		return jobState(t, db, job.ID) == scheduler.StateCompleted
	}, waitFor, tick)

	clock.Advance(time.Minute)
	require.Eventually(t, func() bool {
		_, err := getJob(t, db, job.ID)
		return errors.Is(err, tabula_errors.ErrJobUnknown)
	}, waitFor, tick)
}

func TestScheduleValidation(t *testing.T) {
	clock := scheduler.NewManualClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	db := openDB(t, clock, nil)

	err := db.Run(context.Background(), alice, func(tx *tabula.Tx) error {
		_, err := db.Scheduler().ScheduleAt(tx, alice, "", nil, clock.Now())
		return err
	})
	assert.ErrorIs(t, err, tabula_errors.ErrValidation)

	err = db.Run(context.Background(), alice, func(tx *tabula.Tx) error {
		_, err := db.Scheduler().ScheduleCron(tx, alice, "digest", nil, "every day at noon")
		return err
	})
	assert.ErrorIs(t, err, tabula_errors.ErrInvalidSpec)
}

func TestScheduleRidesCallerTransaction(t *testing.T) {
	clock := scheduler.NewManualClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	db := openDB(t, clock, nil)

	// the transaction aborts, so the job must not exist
	var id string
	err := db.Run(context.Background(), alice, func(tx *tabula.Tx) error {
		job, err := db.Scheduler().ScheduleAt(tx, alice, "work", nil, clock.Now())
		if err != nil {
			return err
		}
		id = job.ID
		return errors.New("change of plans")
	})
	require.Error(t, err)

	_, err = getJob(t, db, id)
	assert.ErrorIs(t, err, tabula_errors.ErrJobUnknown)
}

package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/drpcorg/tabula/auth"
	"github.com/drpcorg/tabula/host"
	"github.com/drpcorg/tabula/tables"
	"github.com/drpcorg/tabula/tabula_errors"
	"github.com/drpcorg/tabula/utils"
)

var ClaimCount = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "tabula",
	Subsystem: "scheduler",
	Name:      "claims",
}, []string{"result"})

var RunCount = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "tabula",
	Subsystem: "scheduler",
	Name:      "runs",
}, []string{"result"})

var ReapCount = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "tabula",
	Subsystem: "scheduler",
	Name:      "reaps",
}, []string{"result"})

var RunDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "tabula",
	Subsystem: "scheduler",
	Name:      "run_duration_seconds",
	Buckets:   []float64{.001, .01, .1, .5, 1, 5, 30, 120},
}, []string{"fn"})

// errRace is the expected claim contention: another worker's transition
// committed first. Resolved by moving on to the next job, never surfaced.
var errRace = errors.New("scheduler: lost the claim race")

// errLeaseLost aborts a completion transaction whose job was reclaimed or
// canceled underneath the worker.
var errLeaseLost = errors.New("scheduler: lease no longer held")

// Func is a scheduled function. Its writes through tx commit in the same
// transaction as the job's Completed transition: effects and completion are
// atomically visible together, or neither is. A Func may run more than once
// across crashes and conflicts; non-transactional side effects must be
// idempotent.
type Func func(ctx context.Context, tx host.DocTx, args tables.Value) error

// Config is immutable after the scheduler is constructed.
type Config struct {
	Workers       int
	PollInterval  time.Duration
	LeaseDuration time.Duration
	BackoffBase   time.Duration
	BackoffMax    time.Duration
	MaxRetries    int
	ScanBatch     int
	// Retention keeps terminal job records around for inspection before the
	// janitor deletes them.
	Retention time.Duration

	Clock Clock
	Cron  CronParser
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.LeaseDuration <= 0 {
		c.LeaseDuration = 30 * time.Second
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 10 * time.Minute
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.ScanBatch <= 0 {
		c.ScanBatch = 64
	}
	if c.Retention <= 0 {
		c.Retention = 24 * time.Hour
	}
	if c.Clock == nil {
		c.Clock = WallClock{}
	}
	if c.Cron == nil {
		c.Cron = StandardCronParser{}
	}
	return c
}

// backoff returns the retry delay for the given attempt count, doubling
// from the base up to the cap.
func (c Config) backoff(attempts int) time.Duration {
	d := c.BackoffBase
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= c.BackoffMax {
			return c.BackoffMax
		}
	}
	return min(d, c.BackoffMax)
}

type Scheduler struct {
	host   host.Host
	cfg    Config
	worker string

	funcs utils.CMap[string, Func]

	lock   sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(h host.Host, cfg Config) *Scheduler {
	return &Scheduler{
		host:   h,
		cfg:    cfg.withDefaults(),
		worker: "w-" + uuid.NewString(),
	}
}

// Register binds a function name jobs refer to. Registration after Start is
// allowed; jobs naming an unregistered function fail their attempt.
func (s *Scheduler) Register(name string, fn Func) {
	s.funcs.Store(name, fn)
}

// Start spawns the worker, reaper and janitor loops.
func (s *Scheduler) Start() {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	for i := 0; i < s.cfg.Workers; i++ {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.workerLoop(ctx)
		}()
	}
	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.reaperLoop(ctx)
	}()
	go func() {
		defer s.wg.Done()
		s.janitorLoop(ctx)
	}()
}

// Close cancels all loops and waits for in-flight cycles to drain. Leases of
// jobs interrupted mid-run expire naturally and are reclaimed by the next
// live scheduler.
func (s *Scheduler) Close() {
	s.lock.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.lock.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}

// ScheduleAt stages a one-shot job in the caller's transaction: the job
// exists only if the transaction commits.
func (s *Scheduler) ScheduleAt(tx host.DocTx, who auth.Identity, fn string, args tables.Value, at time.Time) (*Job, error) {
	if fn == "" {
		return nil, errors.Wrap(tabula_errors.ErrValidation, "empty function name")
	}
	job := &Job{
		ID:          uuid.NewString(),
		Kind:        OneShot,
		Func:        fn,
		Args:        args,
		Creator:     who.Subject,
		State:       StatePending,
		ScheduledAt: at,
		NextRun:     at,
		CreatedAt:   s.cfg.Clock.Now(),
	}
	return job, s.insert(tx, job)
}

// ScheduleCron stages a recurring job. The spec is validated here, at
// creation time; the first occurrence is computed from now.
func (s *Scheduler) ScheduleCron(tx host.DocTx, who auth.Identity, fn string, args tables.Value, spec string) (*Job, error) {
	if fn == "" {
		return nil, errors.Wrap(tabula_errors.ErrValidation, "empty function name")
	}
	sched, err := s.cfg.Cron.Parse(spec)
	if err != nil {
		return nil, err
	}
	first := sched.Next(s.cfg.Clock.Now())
	job := &Job{
		ID:          uuid.NewString(),
		Kind:        Recurring,
		Func:        fn,
		CronSpec:    spec,
		Args:        args,
		Creator:     who.Subject,
		State:       StatePending,
		ScheduledAt: first,
		NextRun:     first,
		CreatedAt:   s.cfg.Clock.Now(),
	}
	return job, s.insert(tx, job)
}

func (s *Scheduler) insert(tx host.DocTx, job *Job) error {
	val, err := job.value()
	if err != nil {
		return err
	}
	doc, err := tx.Insert(JobsTable, job.ID, val)
	if err != nil {
		return err
	}
	job.Version = doc.Version
	return nil
}

// Get reads a job inside the caller's transaction.
func (s *Scheduler) Get(tx host.DocTx, id string) (*Job, error) {
	doc, err := tx.Get(JobsTable, id)
	if err != nil {
		if errors.Is(err, tabula_errors.ErrDocumentUnknown) {
			return nil, errors.Wrap(tabula_errors.ErrJobUnknown, id)
		}
		return nil, err
	}
	return jobFromDoc(doc)
}

// Cancel transitions a job to Canceled from any non-terminal state. If the
// cancellation commits before a claim, the function is never invoked; a
// worker already running it loses its completion commit to this one.
func (s *Scheduler) Cancel(tx host.DocTx, who auth.Identity, id string) error {
	job, err := s.Get(tx, id)
	if err != nil {
		return err
	}
	if !who.System && !who.Admin && who.Subject != job.Creator {
		return errors.Wrapf(tabula_errors.ErrAuth, "job %s is not yours to cancel", id)
	}
	if job.State.Terminal() {
		return errors.Wrapf(tabula_errors.ErrJobTerminal, "job %s is %s", id, job.State)
	}
	job.State = StateCanceled
	job.FinishedAt = s.cfg.Clock.Now()
	return s.patch(tx, job)
}

func (s *Scheduler) patch(tx host.DocTx, job *Job) error {
	val, err := job.value()
	if err != nil {
		return err
	}
	doc, err := tx.Patch(JobsTable, job.ID, job.Version, val)
	if err != nil {
		return err
	}
	job.Version = doc.Version
	return nil
}

func (s *Scheduler) workerLoop(ctx context.Context) {
	log := s.host.Logger()
	ctx = log.WithDefaultArgs(ctx, "worker", s.worker)
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		if err := s.cycle(ctx); err != nil && ctx.Err() == nil {
			log.WarnCtx(ctx, "scan cycle failed", "error", err)
		}
		timer.Reset(s.cfg.PollInterval)
	}
}

// cycle scans due jobs from a snapshot, then contends for them one
// transaction per claim. Losing a claim is expected and just moves on.
func (s *Scheduler) cycle(ctx context.Context) error {
	due, err := s.scanDue(ctx)
	if err != nil {
		return err
	}
	for due.Len() > 0 {
		if ctx.Err() != nil {
			return nil
		}
		_, job := due.Pop()
		claimed, err := s.claim(ctx, job)
		switch {
		case errors.Is(err, errRace):
			ClaimCount.WithLabelValues("race").Inc()
			continue
		case err != nil:
			return err
		case claimed == nil:
			continue
		}
		ClaimCount.WithLabelValues("ok").Inc()
		s.execute(ctx, claimed)
	}
	return nil
}

func (s *Scheduler) scanDue(ctx context.Context) (*utils.Heap[int64, *Job], error) {
	now := s.cfg.Clock.Now()
	due := &utils.Heap[int64, *Job]{}
	err := s.host.RunSystem(ctx, func(tx host.DocTx) error {
		for doc, err := range tx.Scan(JobsTable) {
			if err != nil {
				return err
			}
			job, err := jobFromDoc(doc)
			if err != nil {
				s.host.Logger().WarnCtx(ctx, "skipping unreadable job", "job", doc.ID, "error", err)
				continue
			}
			if !job.State.claimable() || job.NextRun.After(now) {
				continue
			}
			due.Push(job.NextRun.UnixNano(), job)
			if due.Len() >= s.cfg.ScanBatch {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return due, nil
}

// claim is the mutual-exclusion transition: a single-attempt transaction
// conditioned on the job version the scan read. Exactly one worker's commit
// succeeds; everyone else gets the conflict and backs off to the next job.
func (s *Scheduler) claim(ctx context.Context, job *Job) (*Job, error) {
	now := s.cfg.Clock.Now()
	var claimed *Job
	err := s.host.TrySystem(ctx, func(tx host.DocTx) error {
		cur, err := s.Get(tx, job.ID)
		if err != nil {
			if errors.Is(err, tabula_errors.ErrJobUnknown) {
				return nil
			}
			return err
		}
		if !cur.State.claimable() || cur.NextRun.After(now) {
			return nil
		}
		cur.State = StateClaimed
		cur.Worker = s.worker
		cur.LeaseExpiry = now.Add(s.cfg.LeaseDuration)
		if err := s.patch(tx, cur); err != nil {
			return err
		}
		claimed = cur
		return nil
	})
	if errors.Is(err, tabula_errors.ErrConflict) {
		return nil, errRace
	}
	return claimed, err
}

func (s *Scheduler) execute(ctx context.Context, job *Job) {
	log := s.host.Logger()
	ctx = log.WithDefaultArgs(ctx, "job", job.ID, "fn", job.Func)
	start := time.Now()

	// informational transition; a conflict here means the lease moved
	err := s.host.TrySystem(ctx, func(tx host.DocTx) error {
		cur, err := s.Get(tx, job.ID)
		if err != nil {
			return err
		}
		if cur.State != StateClaimed || cur.Worker != s.worker {
			return errLeaseLost
		}
		cur.State = StateRunning
		if err := s.patch(tx, cur); err != nil {
			return err
		}
		*job = *cur
		return nil
	})
	if err != nil {
		log.DebugCtx(ctx, "lost job before running", "error", err)
		return
	}

	fn, registered := s.funcs.Load(job.Func)
	var execErr error
	if !registered {
		execErr = errors.Wrapf(tabula_errors.ErrJobExecution, "function %q is not registered", job.Func)
	} else {
		execErr = s.complete(ctx, job, fn)
	}

	switch {
	case execErr == nil:
		RunCount.WithLabelValues("completed").Inc()
		RunDuration.WithLabelValues(job.Func).Observe(time.Since(start).Seconds())
	case errors.Is(execErr, errLeaseLost):
		RunCount.WithLabelValues("lease_lost").Inc()
		log.DebugCtx(ctx, "job reassigned mid-run")
	default:
		s.fail(ctx, job, execErr)
	}
}

// complete invokes the function and commits its staged writes together with
// the Completed transition: the job never appears completed without its
// effects, and its effects are never visible without the completion. A
// commit conflict re-runs the function from a fresh snapshot.
func (s *Scheduler) complete(ctx context.Context, job *Job, fn Func) error {
	return s.host.RunSystem(ctx, func(tx host.DocTx) error {
		if err := invoke(ctx, fn, tx, job.Args); err != nil {
			return errors.Wrap(tabula_errors.ErrJobExecution, err.Error())
		}
		cur, err := s.Get(tx, job.ID)
		if err != nil {
			return err
		}
		if cur.State != StateRunning || cur.Worker != s.worker {
			return errLeaseLost
		}
		cur.State = StateCompleted
		cur.FinishedAt = s.cfg.Clock.Now()
		if err := s.patch(tx, cur); err != nil {
			return err
		}
		if cur.Kind == Recurring {
			return s.spawnNext(tx, cur)
		}
		return nil
	})
}

// invoke shields the worker from a panicking function: the panic becomes
// the attempt's failure, the transaction aborts, and the worker lives on.
func invoke(ctx context.Context, fn Func, tx host.DocTx, args tables.Value) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return fn(ctx, tx, args)
}

// spawnNext stages the following occurrence of a recurring job. The next
// time comes from the originally scheduled time, not the completion time: a
// daily midnight job that ran five seconds late is due next midnight, not
// five seconds past it.
func (s *Scheduler) spawnNext(tx host.DocTx, done *Job) error {
	sched, err := s.cfg.Cron.Parse(done.CronSpec)
	if err != nil {
		// spec was validated at creation; treat a late parse failure as
		// terminal rather than silently dropping the recurrence
		return err
	}
	at := sched.Next(done.ScheduledAt)
	next := &Job{
		ID:          uuid.NewString(),
		Kind:        Recurring,
		Func:        done.Func,
		CronSpec:    done.CronSpec,
		Args:        done.Args,
		Creator:     done.Creator,
		State:       StatePending,
		ScheduledAt: at,
		NextRun:     at,
		CreatedAt:   s.cfg.Clock.Now(),
	}
	return s.insert(tx, next)
}

// fail records an execution failure: bounded exponential backoff toward the
// next attempt, or the terminal state past the retry budget.
func (s *Scheduler) fail(ctx context.Context, job *Job, execErr error) {
	log := s.host.Logger()
	err := s.host.RunSystem(ctx, func(tx host.DocTx) error {
		cur, err := s.Get(tx, job.ID)
		if err != nil {
			return err
		}
		if cur.State != StateRunning || cur.Worker != s.worker {
			return errLeaseLost
		}
		cur.Attempts++
		cur.LastError = execErr.Error()
		cur.Worker = ""
		cur.LeaseExpiry = time.Time{}
		if cur.Attempts > s.cfg.MaxRetries {
			cur.State = StateFailedTerminal
			cur.FinishedAt = s.cfg.Clock.Now()
		} else {
			cur.State = StateFailedRetry
			cur.NextRun = s.cfg.Clock.Now().Add(s.cfg.backoff(cur.Attempts))
		}
		return s.patch(tx, cur)
	})
	switch {
	case err == nil:
		RunCount.WithLabelValues("failed").Inc()
		log.WarnCtx(ctx, "job attempt failed", "error", execErr)
	case errors.Is(err, errLeaseLost):
		RunCount.WithLabelValues("lease_lost").Inc()
	case ctx.Err() == nil:
		log.ErrorCtx(ctx, fmt.Sprintf("could not record job failure: %s", err))
	}
}

// Package scheduler owns the ScheduledJob lifecycle: claiming, leasing,
// execution bookkeeping, retry/backoff and recurrence. Jobs are documents in
// the reserved _jobs table, so their state transitions ride the same
// optimistic concurrency as every other document: exactly one claim commit
// wins, no separate lock service.
package scheduler

import (
	"time"

	"github.com/goccy/go-json"
	"github.com/pkg/errors"

	"github.com/drpcorg/tabula/tables"
	"github.com/drpcorg/tabula/tabula_errors"
)

// JobsTable is the reserved system table job documents live in.
const JobsTable = "_jobs"

type Kind string

const (
	OneShot   Kind = "one_shot"
	Recurring Kind = "recurring"
)

type State string

const (
	StatePending        State = "pending"
	StateClaimed        State = "claimed"
	StateRunning        State = "running"
	StateCompleted      State = "completed"
	StateFailedRetry    State = "failed_retry"
	StateFailedTerminal State = "failed_terminal"
	StateCanceled       State = "canceled"
)

func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailedTerminal, StateCanceled:
		return true
	}
	return false
}

// claimable states: due jobs a worker may try to take.
func (s State) claimable() bool {
	return s == StatePending || s == StateFailedRetry
}

// Job is the document body of one scheduled invocation. Version carries the
// document version it was read at; claim and completion transitions patch
// against it.
type Job struct {
	ID      string `json:"-"`
	Version uint64 `json:"-"`

	Kind Kind   `json:"kind"`
	Func string `json:"fn"`
	// CronSpec is set for Recurring jobs only; the kind tag is what decides
	// the completion transition's recurrence step.
	CronSpec string       `json:"cron,omitempty"`
	Args     tables.Value `json:"args,omitempty"`
	Creator  string       `json:"creator,omitempty"`

	State State `json:"state"`
	// ScheduledAt is the originally scheduled occurrence time. Recurrence is
	// always computed from it, never from the completion time, so late
	// execution does not drift the schedule.
	ScheduledAt time.Time `json:"sched_at"`
	// NextRun is when the job becomes due: equals ScheduledAt initially,
	// moved forward by retry backoff.
	NextRun time.Time `json:"next_run"`

	Worker      string    `json:"worker,omitempty"`
	LeaseExpiry time.Time `json:"lease_exp,omitempty"`

	Attempts   int       `json:"attempts"`
	LastError  string    `json:"last_err,omitempty"`
	CreatedAt  time.Time `json:"ct"`
	FinishedAt time.Time `json:"fin_at,omitempty"`
}

func (j *Job) value() (tables.Value, error) {
	data, err := json.Marshal(j)
	if err != nil {
		return nil, err
	}
	val := tables.Value{}
	if err := json.Unmarshal(data, &val); err != nil {
		return nil, err
	}
	return val, nil
}

func jobFromDoc(doc *tables.Document) (*Job, error) {
	data, err := json.Marshal(doc.Value)
	if err != nil {
		return nil, err
	}
	job := &Job{}
	if err := json.Unmarshal(data, job); err != nil {
		return nil, errors.Wrapf(tabula_errors.ErrValidation, "corrupt job %s: %s", doc.ID, err)
	}
	job.ID = doc.ID
	job.Version = doc.Version
	return job, nil
}

package scheduler

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/drpcorg/tabula/host"
	"github.com/drpcorg/tabula/tabula_errors"
)

// reaperLoop recovers jobs whose worker died: a Claimed or Running job with
// an expired lease goes back to Pending with its retry count incremented, or
// to Failed-Terminal past the retry budget. This is what makes delivery
// at-least-once across worker crashes.
func (s *Scheduler) reaperLoop(ctx context.Context) {
	log := s.host.Logger()
	ctx = log.WithDefaultArgs(ctx, "process", "reaper")
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if err := s.reap(ctx); err != nil && ctx.Err() == nil {
			log.WarnCtx(ctx, "reap cycle failed", "error", err)
		}
	}
}

func (s *Scheduler) reap(ctx context.Context) error {
	now := s.cfg.Clock.Now()
	var expired []*Job
	err := s.host.RunSystem(ctx, func(tx host.DocTx) error {
		expired = expired[:0]
		for doc, err := range tx.Scan(JobsTable) {
			if err != nil {
				return err
			}
			job, err := jobFromDoc(doc)
			if err != nil {
				continue
			}
			if job.State != StateClaimed && job.State != StateRunning {
				continue
			}
			if job.LeaseExpiry.After(now) {
				continue
			}
			expired = append(expired, job)
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, job := range expired {
		if ctx.Err() != nil {
			return nil
		}
		// one transaction per job: a conflict means the worker finished (or
		// another reaper got there) after our scan, which is fine
		err := s.host.TrySystem(ctx, func(tx host.DocTx) error {
			cur, err := s.Get(tx, job.ID)
			if err != nil {
				if errors.Is(err, tabula_errors.ErrJobUnknown) {
					return nil
				}
				return err
			}
			if cur.State != StateClaimed && cur.State != StateRunning {
				return nil
			}
			if cur.LeaseExpiry.After(now) {
				return nil
			}
			cur.Attempts++
			cur.Worker = ""
			cur.LeaseExpiry = time.Time{}
			cur.LastError = "lease expired"
			if cur.Attempts > s.cfg.MaxRetries {
				cur.State = StateFailedTerminal
				cur.FinishedAt = now
			} else {
				cur.State = StatePending
				cur.NextRun = now
			}
			return s.patch(tx, cur)
		})
		switch {
		case errors.Is(err, tabula_errors.ErrConflict):
			ReapCount.WithLabelValues("race").Inc()
		case err != nil:
			return err
		default:
			ReapCount.WithLabelValues("ok").Inc()
			s.host.Logger().InfoCtx(ctx, "reclaimed expired lease", "job", job.ID, "worker", job.Worker)
		}
	}
	return nil
}

// janitorLoop deletes terminal job records once they age past the retention
// window.
func (s *Scheduler) janitorLoop(ctx context.Context) {
	log := s.host.Logger()
	ctx = log.WithDefaultArgs(ctx, "process", "janitor")
	interval := s.cfg.Retention / 10
	if interval < s.cfg.PollInterval {
		interval = s.cfg.PollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if err := s.sweep(ctx); err != nil && ctx.Err() == nil {
			log.WarnCtx(ctx, "retention sweep failed", "error", err)
		}
	}
}

func (s *Scheduler) sweep(ctx context.Context) error {
	cutoff := s.cfg.Clock.Now().Add(-s.cfg.Retention)
	var stale []string
	err := s.host.RunSystem(ctx, func(tx host.DocTx) error {
		stale = stale[:0]
		for doc, err := range tx.Scan(JobsTable) {
			if err != nil {
				return err
			}
			job, err := jobFromDoc(doc)
			if err != nil {
				stale = append(stale, doc.ID)
				continue
			}
			if job.State.Terminal() && !job.FinishedAt.IsZero() && job.FinishedAt.Before(cutoff) {
				stale = append(stale, job.ID)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, id := range stale {
		if ctx.Err() != nil {
			return nil
		}
		err := s.host.TrySystem(ctx, func(tx host.DocTx) error {
			if err := tx.Delete(JobsTable, id); err != nil && !errors.Is(err, tabula_errors.ErrDocumentUnknown) {
				return err
			}
			return nil
		})
		if err != nil && !errors.Is(err, tabula_errors.ErrConflict) {
			return err
		}
	}
	return nil
}

package indexes

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/drpcorg/tabula/storage"
	"github.com/drpcorg/tabula/tables"
	"github.com/drpcorg/tabula/utils"
)

var OutboxApplied = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "tabula",
	Subsystem: "indexes",
	Name:      "outbox_applied",
}, []string{"index", "result"})

var OutboxDrainDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
	Namespace: "tabula",
	Subsystem: "indexes",
	Name:      "outbox_drain_seconds",
	Buckets:   []float64{.001, .01, .1, .5, 1, 5, 30},
})

// External is the indexing service contract. ApplyDelta must be idempotent:
// the drainer delivers at least once.
type External interface {
	ApplyDelta(ctx context.Context, index, docID string, old, new any) error
}

// outboxRecord is one externally-projected index delta, written in the same
// transaction as the document mutation it derives from and drained after
// that transaction commits.
type outboxRecord struct {
	Table string `json:"t"`
	Field string `json:"f"`
	DocID string `json:"id"`
	Old   any    `json:"old,omitempty"`
	New   any    `json:"new,omitempty"`
}

func (c *Coordinator) stageOutbox(tx *storage.Tx, t *tables.Table, f tables.Field, docID string, oldV, newV any) error {
	payload, err := json.Marshal(&outboxRecord{
		Table: t.Name,
		Field: f.Name,
		DocID: docID,
		Old:   oldV,
		New:   newV,
	})
	if err != nil {
		return err
	}
	tx.Stage(storage.OutboxKey(c.outboxSeq.Add(1)), payload)
	DeltaCount.WithLabelValues(t.Name, f.Name, "outbox").Inc()
	return nil
}

// Drainer owns the outbox keyspace: it wakes on commit notifications,
// pushes pending deltas to the external service and deletes what applied.
// A delta that keeps failing stays in the outbox for the next cycle, so the
// external projection converges without ever corrupting in-process state.
type Drainer struct {
	eng    *storage.Pebble
	svc    External
	log    utils.Logger
	wake   chan struct{}
	done   chan struct{}
	policy func() backoff.BackOff

	// FallbackPoll bounds how stale the outbox can go if a wake signal is
	// lost. Immutable after Run starts.
	FallbackPoll time.Duration
}

func NewDrainer(eng *storage.Pebble, svc External, log utils.Logger) *Drainer {
	return &Drainer{
		eng:  eng,
		svc:  svc,
		log:  log,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
		policy: func() backoff.BackOff {
			return backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 4)
		},
		FallbackPoll: 5 * time.Second,
	}
}

// Wake nudges the drainer; safe to call from commit paths, never blocks.
func (d *Drainer) Wake() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *Drainer) Run(ctx context.Context) {
	defer close(d.done)
	ticker := time.NewTicker(d.FallbackPoll)
	defer ticker.Stop()
	for {
		d.drain(ctx)
		select {
		case <-ctx.Done():
			return
		case <-d.wake:
		case <-ticker.C:
		}
	}
}

// Done is closed when Run returns.
func (d *Drainer) Done() <-chan struct{} {
	return d.done
}

func (d *Drainer) drain(ctx context.Context) {
	start := time.Now()
	lo, hi := storage.OutboxRange()
	var keys [][]byte
	var recs []outboxRecord
	err := d.eng.SnapshotScan(lo, hi, func(key, payload []byte, _ storage.Seq) (bool, error) {
		rec := outboxRecord{}
		if err := json.Unmarshal(payload, &rec); err != nil {
			// unreadable record, drop it rather than wedge the outbox
			d.log.ErrorCtx(ctx, "corrupt outbox record dropped", "error", err)
			return true, d.eng.Delete(append([]byte(nil), key...))
		}
		keys = append(keys, append([]byte(nil), key...))
		recs = append(recs, rec)
		return true, nil
	})
	if err != nil {
		d.log.ErrorCtx(ctx, "outbox scan failed", "error", err)
		return
	}
	for i, rec := range recs {
		if ctx.Err() != nil {
			return
		}
		index := fmt.Sprintf("%s.%s", rec.Table, rec.Field)
		policy := backoff.WithContext(d.policy(), ctx)
		err := backoff.Retry(func() error {
			return d.svc.ApplyDelta(ctx, index, rec.DocID, rec.Old, rec.New)
		}, policy)
		if err != nil {
			OutboxApplied.WithLabelValues(index, "error").Inc()
			d.log.WarnCtx(ctx, "outbox delta not applied, will retry", "index", index, "doc", rec.DocID, "error", err)
			continue
		}
		if err := d.eng.Delete(keys[i]); err != nil {
			d.log.ErrorCtx(ctx, "outbox cleanup failed", "index", index, "error", err)
			continue
		}
		OutboxApplied.WithLabelValues(index, "ok").Inc()
	}
	OutboxDrainDuration.Observe(time.Since(start).Seconds())
}

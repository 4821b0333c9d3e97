package tabula

import (
	"context"
	"time"

	"github.com/drpcorg/tabula/host"
	"github.com/drpcorg/tabula/indexes"
	"github.com/drpcorg/tabula/storage"
	"github.com/drpcorg/tabula/tables"
	"github.com/drpcorg/tabula/utils"
)

// Delta is one committed document change in its stable wire form. Job-state
// transitions ride along naturally: jobs are documents of the _jobs table.
type Delta struct {
	Table   string       `json:"table"`
	ID      string       `json:"id"`
	Version uint64       `json:"v,omitempty"`
	Value   tables.Value `json:"val,omitempty"`
	Deleted bool         `json:"deleted,omitempty"`
}

// CommitRecord is the unit the sync layer consumes: every delta of one
// committed transaction, tagged with its commit sequence. Records arrive in
// commit order.
type CommitRecord struct {
	Seq    uint64    `json:"seq"`
	Time   time.Time `json:"time"`
	Deltas []Delta   `json:"deltas"`
}

// Subscribe attaches a commit stream consumer. A consumer that stops
// draining is detached with an overflow error rather than blocking commits.
func (db *DB) Subscribe() *utils.Sub[CommitRecord] {
	return db.stream.Subscribe()
}

// afterCommit is invoked by the engine inside the commit critical section:
// once per committed transaction, in sequence order. It must not call back
// into the engine; blob collection therefore runs in its own goroutine.
func (db *DB) afterCommit(ctx context.Context, seq storage.Seq, tx *Tx) {
	db.commits.Inc()
	// the shared schema cache changes only here, so it never gets ahead of
	// (or falls behind) the committed state
	for _, name := range tx.dropped {
		db.schemas.Remove(name)
	}
	for name, t := range tx.loaded {
		db.schemas.Add(name, t)
	}
	// committed schema declarations supersede whatever the cache holds
	for name, t := range tx.created {
		db.schemas.Add(name, t)
	}
	if len(tx.deltas) > 0 {
		db.stream.Publish(CommitRecord{
			Seq:    uint64(seq),
			Time:   time.Now(),
			Deltas: tx.deltas,
		})
	}
	// the drainer no-ops when the outbox is empty, so waking on every
	// commit is cheap
	db.drainer.Wake()
	if len(tx.blobDrops) > 0 {
		drops := tx.blobDrops
		db.gc.Add(1)
		go func() {
			defer db.gc.Done()
			db.registry.Collect(context.WithoutCancel(ctx), drops)
		}()
	}
}

// RebuildIndex recomputes a structural index from scratch, replacing its
// entries atomically. Run it after a schema change adds an index to a table
// that already holds documents.
func (db *DB) RebuildIndex(ctx context.Context, table, field string) (int, error) {
	var t *tables.Table
	err := db.RunSystem(ctx, func(dtx host.DocTx) error {
		var err error
		t, err = dtx.(*Tx).table(table)
		return err
	})
	if err != nil {
		return 0, err
	}
	return indexes.Rebuild(ctx, db.eng, db.coord, t, field)
}

package indexes

import (
	"context"

	"github.com/pkg/errors"

	"github.com/drpcorg/tabula/storage"
	"github.com/drpcorg/tabula/tables"
	"github.com/drpcorg/tabula/tabula_errors"
)

const rebuildAttempts = 3

// Rebuild recomputes a structural index from scratch over the current
// document set, atomically replacing its entries. Used when a schema change
// adds an index to a table that already has documents. The whole rebuild is
// one transaction: concurrent writers to the table conflict it, so it
// retries a few times before giving up.
func Rebuild(ctx context.Context, eng *storage.Pebble, c *Coordinator, t *tables.Table, field string) (count int, err error) {
	i := t.Fields.Find(field)
	if i < 0 || !t.Fields[i].Index.Structural() {
		return 0, errors.Wrapf(tabula_errors.ErrValidation, "no structural index on %s.%s", t.Name, field)
	}
	f := t.Fields[i]
	for attempt := 0; attempt < rebuildAttempts; attempt++ {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		count, err = rebuildOnce(eng, c, t, f)
		if !errors.Is(err, tabula_errors.ErrConflict) {
			break
		}
	}
	if err == nil {
		RebuildCount.WithLabelValues(t.Name, f.Name).Inc()
	}
	return count, err
}

func rebuildOnce(eng *storage.Pebble, c *Coordinator, t *tables.Table, f tables.Field) (int, error) {
	tx, err := eng.Begin()
	if err != nil {
		return 0, err
	}
	lo, hi := storage.IndexRange(ID(t.Name, f.Name))
	for key := range tx.Scan(lo, hi) {
		tx.StageDelete(key)
	}
	count := 0
	dlo, dhi := storage.DocRange(t.Name)
	for key, payload := range tx.Scan(dlo, dhi) {
		id := storage.DocKeyID(t.Name, key)
		doc, err := tables.DecodeDocument(t.Name, id, payload)
		if err != nil {
			tx.Abort()
			return 0, err
		}
		v := doc.Value[f.Name]
		if v == nil {
			continue
		}
		if err := c.stageStructural(tx, t, f, id, nil, tables.Canon(v)); err != nil {
			tx.Abort()
			return 0, err
		}
		count++
	}
	if _, err := eng.Commit(tx); err != nil {
		return 0, err
	}
	return count, nil
}

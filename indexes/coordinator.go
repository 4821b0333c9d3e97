// Package indexes maintains derived indexes over documents. Structural
// (hash/unique) indexes are staged into the mutating transaction and are
// visible atomically with it. Search/vector indexes are projected to an
// external indexing service through a commit-scoped outbox and converge
// eventually.
package indexes

import (
	"bytes"
	"iter"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash"
	"github.com/goccy/go-json"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/drpcorg/tabula/storage"
	"github.com/drpcorg/tabula/tables"
	"github.com/drpcorg/tabula/tabula_errors"
)

var DeltaCount = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "tabula",
	Subsystem: "indexes",
	Name:      "deltas",
}, []string{"table", "field", "op"})

var RebuildCount = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "tabula",
	Subsystem: "indexes",
	Name:      "rebuilds",
}, []string{"table", "field"})

// ID derives the stable index id for a (table, field) pair.
func ID(table, field string) uint64 {
	buf := make([]byte, 0, len(table)+1+len(field))
	buf = append(buf, table...)
	buf = append(buf, 0)
	buf = append(buf, field...)
	return xxhash.Sum64(buf)
}

// uniqueSlot is the payload of a unique-index bucket: all documents whose
// canonical value hashes into it. Racing inserts into the same bucket write
// the same key, so the engine's write-write check turns the race into a
// conflict instead of a lost constraint.
type uniqueSlot struct {
	Entries []uniqueEntry `json:"e"`
}

type uniqueEntry struct {
	DocID string `json:"id"`
	Canon []byte `json:"c"`
}

// Coordinator computes and stages index deltas for document mutations. It
// holds no per-transaction state; the transaction buffer is the state.
type Coordinator struct {
	outboxSeq atomic.Uint64
}

func NewCoordinator() *Coordinator {
	c := &Coordinator{}
	c.outboxSeq.Store(uint64(time.Now().UnixNano()))
	return c
}

// OnChange stages every index delta the document mutation implies: entries
// keyed by the prior field values go away, entries keyed by the new values
// appear. old is nil for inserts, new is nil for deletes.
func (c *Coordinator) OnChange(tx *storage.Tx, t *tables.Table, docID string, old, new tables.Value) error {
	for _, f := range t.Fields {
		if f.Index == tables.NoIndex {
			continue
		}
		var oldV, newV any
		if old != nil {
			oldV = old[f.Name]
		}
		if new != nil {
			newV = new[f.Name]
		}
		oldC, newC := canonOrNil(oldV), canonOrNil(newV)
		if bytes.Equal(oldC, newC) {
			continue
		}
		var err error
		switch {
		case f.Index.Structural():
			err = c.stageStructural(tx, t, f, docID, oldC, newC)
		case f.Index.External():
			err = c.stageOutbox(tx, t, f, docID, oldV, newV)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func canonOrNil(v any) []byte {
	if v == nil {
		return nil
	}
	return tables.Canon(v)
}

func (c *Coordinator) stageStructural(tx *storage.Tx, t *tables.Table, f tables.Field, docID string, oldC, newC []byte) error {
	index := ID(t.Name, f.Name)
	unique := f.Index == tables.UniqueIndex
	if oldC != nil {
		if unique {
			if err := c.dropUnique(tx, index, docID, oldC); err != nil {
				return err
			}
		} else {
			tx.StageDelete(storage.IndexKey(index, xxhash.Sum64(oldC), docID))
		}
		DeltaCount.WithLabelValues(t.Name, f.Name, "remove").Inc()
	}
	if newC != nil {
		if unique {
			if err := c.addUnique(tx, t, f, index, docID, newC); err != nil {
				return err
			}
		} else {
			tx.Stage(storage.IndexKey(index, xxhash.Sum64(newC), docID), newC)
		}
		DeltaCount.WithLabelValues(t.Name, f.Name, "add").Inc()
	}
	return nil
}

func (c *Coordinator) addUnique(tx *storage.Tx, t *tables.Table, f tables.Field, index uint64, docID string, canon []byte) error {
	key := storage.IndexKey(index, xxhash.Sum64(canon), "")
	slot, err := readSlot(tx, key)
	if err != nil {
		return err
	}
	for _, e := range slot.Entries {
		if bytes.Equal(e.Canon, canon) && e.DocID != docID {
			return errors.Wrapf(tabula_errors.ErrUniqueIndex,
				"table %q field %q: value already held by %q", t.Name, f.Name, e.DocID)
		}
	}
	slot.Entries = append(slot.Entries, uniqueEntry{DocID: docID, Canon: canon})
	payload, err := json.Marshal(slot)
	if err != nil {
		return err
	}
	tx.Stage(key, payload)
	return nil
}

func (c *Coordinator) dropUnique(tx *storage.Tx, index uint64, docID string, canon []byte) error {
	key := storage.IndexKey(index, xxhash.Sum64(canon), "")
	slot, err := readSlot(tx, key)
	if err != nil {
		return err
	}
	kept := slot.Entries[:0]
	for _, e := range slot.Entries {
		if e.DocID != docID || !bytes.Equal(e.Canon, canon) {
			kept = append(kept, e)
		}
	}
	slot.Entries = kept
	if len(slot.Entries) == 0 {
		tx.StageDelete(key)
		return nil
	}
	payload, err := json.Marshal(slot)
	if err != nil {
		return err
	}
	tx.Stage(key, payload)
	return nil
}

func readSlot(tx *storage.Tx, key []byte) (*uniqueSlot, error) {
	payload, found, err := tx.Read(key)
	if err != nil {
		return nil, err
	}
	slot := &uniqueSlot{}
	if found {
		if err := json.Unmarshal(payload, slot); err != nil {
			return nil, err
		}
	}
	return slot, nil
}

// Seek yields the ids of documents whose field equals value, through the
// transaction's snapshot plus its own staged writes. Hash collisions are
// filtered by comparing canonical bytes.
func (c *Coordinator) Seek(tx *storage.Tx, t *tables.Table, field string, value any) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		i := t.Fields.Find(field)
		if i < 0 || !t.Fields[i].Index.Structural() {
			yield("", errors.Wrapf(tabula_errors.ErrValidation, "no structural index on %s.%s", t.Name, field))
			return
		}
		index := ID(t.Name, field)
		canon := tables.Canon(value)
		hash := xxhash.Sum64(canon)
		if t.Fields[i].Index == tables.UniqueIndex {
			slot, err := readSlot(tx, storage.IndexKey(index, hash, ""))
			if err != nil {
				yield("", err)
				return
			}
			for _, e := range slot.Entries {
				if bytes.Equal(e.Canon, canon) {
					if !yield(e.DocID, nil) {
						return
					}
				}
			}
			return
		}
		lo, hi := storage.IndexHashRange(index, hash)
		for key, payload := range tx.Scan(lo, hi) {
			if !bytes.Equal(payload, canon) {
				continue
			}
			if !yield(storage.IndexKeyDocID(key), nil) {
				return
			}
		}
	}
}

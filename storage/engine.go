// Package storage adapts pebble into the compare-and-commit contract the
// rest of the system is written against: snapshot reads, staged writes and
// an atomic commit that fails with ErrConflict when any key the transaction
// read or wrote was modified by another committed transaction since the
// snapshot was taken.
package storage

import (
	"bytes"
	"iter"
	"sort"

	"github.com/cockroachdb/pebble"
)

// Seq is a committed timestamp. The engine produces exactly one new Seq per
// successful commit; all staged writes of that commit become visible
// together, stamped with it.
type Seq uint64

type write struct {
	payload []byte
	del     bool
}

// Tx is one transaction's view: a pebble snapshot taken at begin time plus
// the read set (key -> stamp observed) and the write buffer. Owned by a
// single caller; not safe for concurrent use.
type Tx struct {
	eng     *Pebble
	snap    *pebble.Snapshot
	snapSeq Seq

	reads  map[string]Seq
	writes map[string]*write
}

// Snapshot reports the commit sequence the transaction's read view was
// taken at.
func (tx *Tx) Snapshot() Seq {
	return tx.snapSeq
}

// Read returns the payload for key: buffered writes of this transaction
// shadow the snapshot. Snapshot reads are recorded in the read set.
func (tx *Tx) Read(key []byte) (payload []byte, found bool, err error) {
	if w, ok := tx.writes[string(key)]; ok {
		if w.del {
			return nil, false, nil
		}
		return w.payload, true, nil
	}
	stamped, closer, err := tx.snap.Get(key)
	if err == pebble.ErrNotFound {
		tx.reads[string(key)] = 0
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	seq, payload := unstamp(stamped)
	payload = append([]byte(nil), payload...)
	_ = closer.Close()
	tx.reads[string(key)] = seq
	return payload, true, nil
}

// Stage buffers a write. Nothing is visible outside this transaction until
// Commit.
func (tx *Tx) Stage(key, payload []byte) {
	tx.writes[string(key)] = &write{payload: payload}
}

// StageDelete buffers a deletion.
func (tx *Tx) StageDelete(key []byte) {
	tx.writes[string(key)] = &write{del: true}
}

// Pending reports whether the transaction has staged anything.
func (tx *Tx) Pending() bool {
	return len(tx.writes) > 0
}

// Scan yields key/payload pairs in [lo, hi), buffered writes overlaid on the
// snapshot. Every yielded snapshot key joins the read set.
func (tx *Tx) Scan(lo, hi []byte) iter.Seq2[[]byte, []byte] {
	return func(yield func(key, payload []byte) bool) {
		var buffered []string
		for key := range tx.writes {
			if bytes.Compare([]byte(key), lo) >= 0 && bytes.Compare([]byte(key), hi) < 0 {
				buffered = append(buffered, key)
			}
		}
		sort.Strings(buffered)

		it, err := tx.snap.NewIter(&pebble.IterOptions{LowerBound: lo, UpperBound: hi})
		if err != nil {
			return
		}
		defer it.Close()

		valid := it.First()
		for valid || len(buffered) > 0 {
			// pick the smaller of the buffer head and the iterator head
			if valid && (len(buffered) == 0 || bytes.Compare(it.Key(), []byte(buffered[0])) < 0) {
				seq, payload := unstamp(it.Value())
				key := append([]byte(nil), it.Key()...)
				tx.reads[string(key)] = seq
				if !yield(key, append([]byte(nil), payload...)) {
					return
				}
				valid = it.Next()
				continue
			}
			key := buffered[0]
			buffered = buffered[1:]
			if valid && bytes.Equal(it.Key(), []byte(key)) {
				valid = it.Next()
			}
			w := tx.writes[key]
			if w.del {
				continue
			}
			if !yield([]byte(key), w.payload) {
				return
			}
		}
	}
}

// Abort discards the buffer and releases the snapshot. No observable effect.
func (tx *Tx) Abort() {
	if tx.snap != nil {
		_ = tx.snap.Close()
		tx.snap = nil
	}
	tx.writes = nil
	tx.reads = nil
}

package storage

import (
	"encoding/binary"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/pkg/errors"

	"github.com/drpcorg/tabula/tabula_errors"
	"github.com/drpcorg/tabula/utils"
)

// Pebble is the storage engine: one pebble instance per database directory.
// Every stored value carries an 8-byte commit-sequence stamp; the stamp is
// what conflict detection compares.
type Pebble struct {
	log utils.Logger

	// mu serializes commits: stamp validation and batch application must
	// be one critical section or two conflicting transactions could both
	// pass validation.
	mu     sync.Mutex
	db     *pebble.DB
	last   Seq
	closed bool
	// ops counts non-transactional accessors (Get, Delete, SnapshotScan)
	// in flight; Close drains them before releasing the pebble instance.
	ops sync.WaitGroup
}

var writeOptions = pebble.WriteOptions{Sync: true}

func Open(dir string, log utils.Logger) (*Pebble, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, errors.Wrap(err, "storage open")
	}
	p := &Pebble{log: log, db: db}
	val, closer, err := db.Get(MetaKey)
	switch err {
	case nil:
		p.last = Seq(binary.BigEndian.Uint64(val))
		_ = closer.Close()
	case pebble.ErrNotFound:
	default:
		_ = db.Close()
		return nil, errors.Wrap(err, "storage meta")
	}
	return p, nil
}

func (p *Pebble) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return tabula_errors.ErrClosed
	}
	p.closed = true
	p.mu.Unlock()
	p.ops.Wait()
	p.mu.Lock()
	defer p.mu.Unlock()
	err := p.db.Close()
	p.db = nil
	return err
}

// acquire admits one non-transactional accessor; the caller must release
// via p.ops.Done.
func (p *Pebble) acquire() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return tabula_errors.ErrClosed
	}
	p.ops.Add(1)
	return nil
}

// Last reports the latest committed sequence.
func (p *Pebble) Last() Seq {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last
}

// Begin opens a read snapshot at the current committed sequence.
func (p *Pebble) Begin() (*Tx, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, tabula_errors.ErrClosed
	}
	return &Tx{
		eng:     p,
		snap:    p.db.NewSnapshot(),
		snapSeq: p.last,
		reads:   make(map[string]Seq),
		writes:  make(map[string]*write),
	}, nil
}

// Commit validates the transaction's read and write sets against the current
// state and, if nothing moved underneath it, applies the buffer atomically
// under the next commit sequence. On conflict nothing is applied and
// tabula_errors.ErrConflict is returned; the transaction is spent either way.
func (p *Pebble) Commit(tx *Tx) (Seq, error) {
	return p.commit(tx, nil)
}

// CommitAnd commits like Commit and, on success, invokes then while still
// inside the commit critical section. then runs at most once per sequence
// and in sequence order; post-commit work that consumers observe as a
// stream (publication, cache promotion) belongs here. then must not call
// back into the engine.
func (p *Pebble) CommitAnd(tx *Tx, then func(Seq)) (Seq, error) {
	return p.commit(tx, then)
}

func (p *Pebble) commit(tx *Tx, then func(Seq)) (Seq, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	defer tx.Abort()
	if p.closed {
		return 0, tabula_errors.ErrClosed
	}

	for key, seen := range tx.reads {
		cur, err := p.stampOf([]byte(key))
		if err != nil {
			return 0, err
		}
		if cur != seen {
			return 0, errors.Wrapf(tabula_errors.ErrConflict, "key %q", key)
		}
	}
	for key := range tx.writes {
		if _, read := tx.reads[key]; read {
			continue
		}
		cur, err := p.stampOf([]byte(key))
		if err != nil {
			return 0, err
		}
		if cur > tx.snapSeq {
			return 0, errors.Wrapf(tabula_errors.ErrConflict, "key %q", key)
		}
	}

	seq := p.last + 1
	batch := p.db.NewBatch()
	for key, w := range tx.writes {
		var err error
		if w.del {
			err = batch.Delete([]byte(key), nil)
		} else {
			err = batch.Set([]byte(key), stamp(seq, w.payload), nil)
		}
		if err != nil {
			_ = batch.Close()
			return 0, err
		}
	}
	if err := batch.Set(MetaKey, binary.BigEndian.AppendUint64(nil, uint64(seq)), nil); err != nil {
		_ = batch.Close()
		return 0, err
	}
	if err := p.db.Apply(batch, &writeOptions); err != nil {
		_ = batch.Close()
		return 0, errors.Wrap(err, "storage apply")
	}
	p.last = seq
	if then != nil {
		then(seq)
	}
	return seq, nil
}

func (p *Pebble) stampOf(key []byte) (Seq, error) {
	stamped, closer, err := p.db.Get(key)
	if err == pebble.ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	seq, _ := unstamp(stamped)
	_ = closer.Close()
	return seq, nil
}

func stamp(seq Seq, payload []byte) []byte {
	out := make([]byte, 8, 8+len(payload))
	binary.BigEndian.PutUint64(out, uint64(seq))
	return append(out, payload...)
}

func unstamp(stamped []byte) (Seq, []byte) {
	if len(stamped) < 8 {
		return 0, nil
	}
	return Seq(binary.BigEndian.Uint64(stamped)), stamped[8:]
}

// Get reads the current committed payload outside of any transaction. Used
// by background components (outbox drainer, blob GC) that own their keyspace.
func (p *Pebble) Get(key []byte) (payload []byte, seq Seq, found bool, err error) {
	if err := p.acquire(); err != nil {
		return nil, 0, false, err
	}
	defer p.ops.Done()
	stamped, closer, err := p.db.Get(key)
	if err == pebble.ErrNotFound {
		return nil, 0, false, nil
	}
	if err != nil {
		return nil, 0, false, err
	}
	seq, payload = unstamp(stamped)
	payload = append([]byte(nil), payload...)
	_ = closer.Close()
	return payload, seq, true, nil
}

// Delete removes a key outside of any transaction. Restricted to keyspaces
// with a single owner; transactional state must go through Commit.
func (p *Pebble) Delete(key []byte) error {
	if err := p.acquire(); err != nil {
		return err
	}
	defer p.ops.Done()
	return p.db.Delete(key, &writeOptions)
}

// SnapshotScan iterates the current committed state of [lo, hi) without
// joining any read set.
func (p *Pebble) SnapshotScan(lo, hi []byte, visit func(key, payload []byte, seq Seq) (bool, error)) error {
	if err := p.acquire(); err != nil {
		return err
	}
	defer p.ops.Done()
	snap := p.db.NewSnapshot()
	defer snap.Close()
	it, err := snap.NewIter(&pebble.IterOptions{LowerBound: lo, UpperBound: hi})
	if err != nil {
		return err
	}
	defer it.Close()
	for valid := it.First(); valid; valid = it.Next() {
		seq, payload := unstamp(it.Value())
		keep, err := visit(it.Key(), payload, seq)
		if err != nil {
			return err
		}
		if !keep {
			return nil
		}
	}
	return nil
}

// Metrics exposes the underlying pebble metrics for the prometheus
// collector.
func (p *Pebble) Metrics() *pebble.Metrics {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || p.db == nil {
		return nil
	}
	return p.db.Metrics()
}

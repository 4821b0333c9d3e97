// Package tabula is the domain layer of a multi-tenant reactive document
// backend: tables of versioned semi-structured documents over pebble,
// transaction-scoped index maintenance and a crash-safe job scheduler. All
// mutations go through a transaction; there is no other write path.
package tabula

import (
	"context"
	"log/slog"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/drpcorg/tabula/auth"
	"github.com/drpcorg/tabula/blob"
	"github.com/drpcorg/tabula/host"
	"github.com/drpcorg/tabula/indexes"
	"github.com/drpcorg/tabula/scheduler"
	"github.com/drpcorg/tabula/storage"
	"github.com/drpcorg/tabula/tables"
	"github.com/drpcorg/tabula/tabula_errors"
	"github.com/drpcorg/tabula/utils"
)

type Options struct {
	// Name is the instance name; identity tokens must carry it as issuer.
	Name   string
	Secret []byte

	Logger utils.Logger

	// MaxCommitRetries bounds how many times a conflicted transaction is
	// re-run from a fresh snapshot before the conflict surfaces.
	MaxCommitRetries int

	// StreamLimit is the per-subscriber commit stream buffer.
	StreamLimit int

	Scheduler scheduler.Config

	// Verifier overrides the instance-secret token verifier.
	Verifier auth.Verifier
	// External is the indexing service search/vector deltas are projected
	// to. Leave nil to log-and-drop (dev mode).
	External indexes.External
	// Blobs overrides the blob existence checker consulted by validation.
	Blobs blob.Checker
}

func (o *Options) setDefaults() {
	if o.Name == "" {
		o.Name = "dev"
	}
	if len(o.Secret) == 0 {
		o.Secret = []byte("tabula-dev-secret")
	}
	if o.Logger == nil {
		o.Logger = utils.NewDefaultLogger(slog.LevelInfo)
	}
	if o.MaxCommitRetries <= 0 {
		o.MaxCommitRetries = 3
	}
	if o.StreamLimit <= 0 {
		o.StreamLimit = 256
	}
	if o.Verifier == nil {
		o.Verifier = auth.NewInstanceVerifier(o.Name, o.Secret)
	}
}

type DB struct {
	log  utils.Logger
	opts Options

	eng      *storage.Pebble
	schemas  *lru.Cache[string, *tables.Table]
	coord    *indexes.Coordinator
	drainer  *indexes.Drainer
	resolver *auth.Resolver
	registry *blob.Registry
	sched    *scheduler.Scheduler
	stream   *utils.Stream[CommitRecord]

	commits   *xsync.Counter
	conflicts *xsync.Counter

	// gc tracks blob-collection goroutines spawned after commits; Close
	// drains it before releasing the engine.
	gc          sync.WaitGroup
	drainCancel context.CancelFunc
}

func Open(dir string, opts Options) (*DB, error) {
	opts.setDefaults()
	eng, err := storage.Open(dir, opts.Logger)
	if err != nil {
		return nil, err
	}
	schemas, _ := lru.New[string, *tables.Table](1024)
	db := &DB{
		log:       opts.Logger,
		opts:      opts,
		eng:       eng,
		schemas:   schemas,
		coord:     indexes.NewCoordinator(),
		resolver:  auth.NewResolver(opts.Verifier),
		registry:  blob.NewRegistry(eng, opts.Logger),
		stream:    utils.NewStream[CommitRecord](opts.StreamLimit),
		commits:   xsync.NewCounter(),
		conflicts: xsync.NewCounter(),
	}
	if db.opts.Blobs == nil {
		db.opts.Blobs = db.registry
	}
	external := opts.External
	if external == nil {
		external = discardExternal{log: opts.Logger}
	}
	db.drainer = indexes.NewDrainer(eng, external, opts.Logger)
	drainCtx, cancel := context.WithCancel(context.Background())
	db.drainCancel = cancel
	go db.drainer.Run(drainCtx)

	db.sched = scheduler.New(db, opts.Scheduler)
	if err := db.bootstrap(); err != nil {
		db.drainCancel()
		_ = eng.Close()
		return nil, err
	}
	return db, nil
}

// bootstrap declares the reserved system tables.
func (db *DB) bootstrap() error {
	return db.RunSystem(context.Background(), func(dtx host.DocTx) error {
		tx := dtx.(*Tx)
		return tx.EnsureTable(&tables.Table{Name: scheduler.JobsTable, Shared: true})
	})
}

func (db *DB) Close() error {
	db.sched.Close()
	if db.drainCancel != nil {
		db.drainCancel()
		<-db.drainer.Done()
	}
	db.gc.Wait()
	db.stream.Close()
	return db.eng.Close()
}

func (db *DB) Logger() utils.Logger {
	return db.log
}

// Scheduler returns the job scheduler bound to this database. Start it at
// service init; Close drains it.
func (db *DB) Scheduler() *scheduler.Scheduler {
	return db.sched
}

// Blobs returns the blob registry backing validation and GC.
func (db *DB) Blobs() *blob.Registry {
	return db.registry
}

// Verifier exposes the configured token verifier (the dev shell mints
// tokens through it).
func (db *DB) Verifier() auth.Verifier {
	return db.opts.Verifier
}

// Collector returns a prometheus collector over the storage engine.
func (db *DB) Collector() prometheus.Collector {
	return storage.NewCollector(db.eng)
}

// Stats reports commit and conflict totals since open.
func (db *DB) Stats() (commits, conflicts int64) {
	return db.commits.Value(), db.conflicts.Value()
}

// RunSession resolves the token into an identity and runs fn in a
// transaction as that principal. Resolution happens anew on every call so
// token revocation takes effect at the next transaction boundary.
func (db *DB) RunSession(ctx context.Context, token string, fn func(tx *Tx) error) error {
	who, err := db.resolver.Resolve(ctx, token)
	if err != nil {
		return err
	}
	return db.Run(ctx, who, fn)
}

// Run executes fn in a transaction: a snapshot read view plus a buffer of
// staged writes, committed atomically. On commit conflict the whole fn is
// re-run from a fresh snapshot up to MaxCommitRetries times; fn must
// therefore be safe to re-execute. Any error from fn aborts with no
// observable effect.
func (db *DB) Run(ctx context.Context, who auth.Identity, fn func(tx *Tx) error) error {
	var err error
	for attempt := 0; attempt <= db.opts.MaxCommitRetries; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		err = db.runOnce(ctx, who, fn)
		if !errors.Is(err, tabula_errors.ErrConflict) {
			return err
		}
		db.conflicts.Inc()
	}
	return err
}

// Try is a single commit attempt: conflicts surface immediately.
func (db *DB) Try(ctx context.Context, who auth.Identity, fn func(tx *Tx) error) error {
	return db.runOnce(ctx, who, fn)
}

func (db *DB) runOnce(ctx context.Context, who auth.Identity, fn func(tx *Tx) error) error {
	st, err := db.eng.Begin()
	if err != nil {
		return err
	}
	tx := &Tx{db: db, ctx: ctx, st: st, who: who}
	if err := fn(tx); err != nil {
		st.Abort()
		return err
	}
	if !st.Pending() {
		// read-only transaction, nothing to commit
		st.Abort()
		return nil
	}
	// afterCommit runs inside the commit critical section so subscribers
	// observe records in sequence order
	_, err = db.eng.CommitAnd(st, func(seq storage.Seq) {
		db.afterCommit(ctx, seq, tx)
	})
	return err
}

// host.Host implementation: background subsystems run as the system
// identity.

func (db *DB) RunSystem(ctx context.Context, fn func(tx host.DocTx) error) error {
	return db.Run(ctx, auth.SystemIdentity, func(tx *Tx) error { return fn(tx) })
}

func (db *DB) TrySystem(ctx context.Context, fn func(tx host.DocTx) error) error {
	return db.Try(ctx, auth.SystemIdentity, func(tx *Tx) error { return fn(tx) })
}

var _ host.Host = (*DB)(nil)

// discardExternal keeps dev instances without an indexing service alive:
// deltas for search/vector indexes are acknowledged and dropped.
type discardExternal struct {
	log utils.Logger
}

func (d discardExternal) ApplyDelta(ctx context.Context, index, docID string, old, new any) error {
	d.log.DebugCtx(ctx, "no external indexer, delta dropped", "index", index, "doc", docID)
	return nil
}

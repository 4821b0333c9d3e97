// Package blob is the blob-storage boundary: document validation checks
// referenced blob ids for existence, and deleting a blob-referencing
// document triggers an asynchronous garbage-collection hook.
package blob

import (
	"context"
	"time"

	"github.com/goccy/go-json"
	"github.com/pkg/errors"

	"github.com/drpcorg/tabula/storage"
	"github.com/drpcorg/tabula/tabula_errors"
	"github.com/drpcorg/tabula/utils"
)

// Checker is what document validation consumes.
type Checker interface {
	Exists(ctx context.Context, id string) (bool, error)
}

// Meta is the blob metadata record kept under the B keyspace. Blob bytes
// themselves live in the external blob storage.
type Meta struct {
	Size        int64     `json:"size"`
	ContentType string    `json:"ctype,omitempty"`
	CreatedAt   time.Time `json:"ct"`
}

// Registry tracks known blob ids in the engine's B keyspace.
type Registry struct {
	eng *storage.Pebble
	log utils.Logger
}

func NewRegistry(eng *storage.Pebble, log utils.Logger) *Registry {
	return &Registry{eng: eng, log: log}
}

func (r *Registry) Register(id string, meta Meta) error {
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = time.Now()
	}
	tx, err := r.eng.Begin()
	if err != nil {
		return err
	}
	payload, err := json.Marshal(meta)
	if err != nil {
		tx.Abort()
		return err
	}
	tx.Stage(storage.BlobKey(id), payload)
	_, err = r.eng.Commit(tx)
	return err
}

func (r *Registry) Exists(_ context.Context, id string) (bool, error) {
	_, _, found, err := r.eng.Get(storage.BlobKey(id))
	return found, err
}

func (r *Registry) Stat(id string) (*Meta, error) {
	payload, _, found, err := r.eng.Get(storage.BlobKey(id))
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, errors.Wrap(tabula_errors.ErrBlobUnknown, id)
	}
	meta := &Meta{}
	if err := json.Unmarshal(payload, meta); err != nil {
		return nil, err
	}
	return meta, nil
}

// Collect is the GC hook: invoked after a commit deletes documents that
// referenced blobs. Not synchronous with the deleting transaction; a blob
// that is still referenced elsewhere must not be passed in.
func (r *Registry) Collect(ctx context.Context, ids []string) {
	for _, id := range ids {
		if ctx.Err() != nil {
			return
		}
		if err := r.eng.Delete(storage.BlobKey(id)); err != nil {
			r.log.WarnCtx(ctx, "blob gc failed", "blob", id, "error", err)
		}
	}
}

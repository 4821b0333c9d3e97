// Defines the Host interfaces background subsystems are written against.
package host

import (
	"context"
	"iter"

	"github.com/drpcorg/tabula/tables"
	"github.com/drpcorg/tabula/utils"
)

// DocTx is the document-store view of one open transaction. All staged
// mutations commit atomically when the transaction commits; nothing is
// visible to other transactions before that.
type DocTx interface {
	Insert(table, id string, val tables.Value) (*tables.Document, error)
	Get(table, id string) (*tables.Document, error)
	Patch(table, id string, expected uint64, val tables.Value) (*tables.Document, error)
	Delete(table, id string) error
	Scan(table string) iter.Seq2[*tables.Document, error]
}

type Host interface {
	Logger() utils.Logger

	// RunSystem executes fn in a system-identity transaction, retrying the
	// whole function from a fresh snapshot on commit conflict up to the
	// configured bound. fn may run more than once.
	RunSystem(ctx context.Context, fn func(tx DocTx) error) error

	// TrySystem is a single commit attempt: a conflict surfaces immediately
	// as tabula_errors.ErrConflict. This is what mutual-exclusion claims
	// ride on.
	TrySystem(ctx context.Context, fn func(tx DocTx) error) error
}

package tabula

import (
	"context"
	"iter"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/drpcorg/tabula/auth"
	"github.com/drpcorg/tabula/storage"
	"github.com/drpcorg/tabula/tables"
	"github.com/drpcorg/tabula/tabula_errors"
)

// Tx is one transaction: the document-store view over a storage snapshot
// plus everything staged so far (document writes, index deltas, outbox
// records, job state). Owned by the caller that opened it; never shared.
type Tx struct {
	db  *DB
	ctx context.Context
	st  *storage.Tx
	who auth.Identity

	// created holds tables staged by this transaction, visible to it before
	// commit without poisoning the shared schema cache. loaded holds
	// schemas decoded from this transaction's snapshot, dropped the drops
	// to purge from the shared cache once the commit lands.
	created map[string]*tables.Table
	loaded  map[string]*tables.Table
	dropped []string

	deltas    []Delta
	blobDrops []string
}

func (tx *Tx) Identity() auth.Identity {
	return tx.who
}

// Snapshot reports the commit sequence this transaction reads at.
func (tx *Tx) Snapshot() uint64 {
	return uint64(tx.st.Snapshot())
}

func (tx *Tx) table(name string) (*tables.Table, error) {
	if t, ok := tx.created[name]; ok {
		return t, nil
	}
	// The table key joins the read set even when the schema is cached: a
	// commit racing a concurrent DropTable must conflict, not land orphan
	// documents in a dropped table.
	payload, found, err := tx.st.Read(storage.TableKey(name))
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, errors.Wrap(tabula_errors.ErrTableUnknown, name)
	}
	if t, ok := tx.loaded[name]; ok {
		return t, nil
	}
	if t, ok := tx.db.schemas.Get(name); ok {
		return t, nil
	}
	t, err := tables.DecodeTable(payload)
	if err != nil {
		return nil, err
	}
	// decoded from this transaction's snapshot; the shared cache is only
	// updated after commit, in commit order
	if tx.loaded == nil {
		tx.loaded = map[string]*tables.Table{}
	}
	tx.loaded[name] = t
	return t, nil
}

// EnsureTable declares a table if it does not exist yet; an existing table
// is left untouched.
func (tx *Tx) EnsureTable(t *tables.Table) error {
	if _, err := tx.table(t.Name); err == nil {
		return nil
	} else if !errors.Is(err, tabula_errors.ErrTableUnknown) {
		return err
	}
	return tx.CreateTable(t)
}

// CreateTable declares or redeclares a table schema. Reserved tables and
// schema changes require an admin or system identity; anyone may declare a
// fresh application table. Adding a structural index to a table that
// already has documents needs a DB.RebuildIndex pass after commit.
func (tx *Tx) CreateTable(t *tables.Table) error {
	if err := t.Validate(); err != nil {
		return err
	}
	_, err := tx.table(t.Name)
	exists := err == nil
	if err != nil && !errors.Is(err, tabula_errors.ErrTableUnknown) {
		return err
	}
	if (exists || tables.IsSystem(t.Name)) && !tx.who.System && !tx.who.Admin {
		return errors.Wrapf(tabula_errors.ErrAuth, "cannot declare table %q", t.Name)
	}
	payload, err := tables.EncodeTable(t)
	if err != nil {
		return err
	}
	tx.st.Stage(storage.TableKey(t.Name), payload)
	if tx.created == nil {
		tx.created = map[string]*tables.Table{}
	}
	tx.created[t.Name] = t
	return nil
}

// DropTable removes the table, all its documents and all their index
// entries in one atomic commit.
func (tx *Tx) DropTable(name string) error {
	t, err := tx.table(name)
	if err != nil {
		return err
	}
	if !tx.who.System && !tx.who.Admin {
		return errors.Wrapf(tabula_errors.ErrAuth, "cannot drop table %q", name)
	}
	lo, hi := storage.DocRange(name)
	for key, payload := range tx.st.Scan(lo, hi) {
		id := storage.DocKeyID(name, key)
		doc, err := tables.DecodeDocument(name, id, payload)
		if err != nil {
			return err
		}
		if err := tx.removeDoc(t, doc); err != nil {
			return err
		}
	}
	tx.st.StageDelete(storage.TableKey(name))
	delete(tx.created, name)
	delete(tx.loaded, name)
	tx.dropped = append(tx.dropped, name)
	return nil
}

// Insert assigns version 1 to a new document. An empty id gets a generated
// one; a caller-supplied id that already exists is rejected. The table is
// created on first use.
func (tx *Tx) Insert(table, id string, val tables.Value) (*tables.Document, error) {
	if id == "" {
		id = uuid.NewString()
	}
	if !tables.ValidDocumentID(id) {
		return nil, errors.Wrapf(tabula_errors.ErrValidation, "bad document id %q", id)
	}
	t, err := tx.table(table)
	if errors.Is(err, tabula_errors.ErrTableUnknown) && !tables.IsSystem(table) {
		t = &tables.Table{Name: table}
		if err = tx.CreateTable(t); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	}
	if !auth.CanWrite(tx.who, t) {
		return nil, errors.Wrapf(tabula_errors.ErrAuth, "no write access to table %q", table)
	}
	if err := tx.checkValue(t, val); err != nil {
		return nil, err
	}
	key := storage.DocKey(table, id)
	if _, found, err := tx.st.Read(key); err != nil {
		return nil, err
	} else if found {
		return nil, errors.Wrapf(tabula_errors.ErrDocumentExists, "%s/%s", table, id)
	}
	doc := &tables.Document{
		Table:     table,
		ID:        id,
		Version:   1,
		CreatedAt: time.Now(),
		Value:     val,
	}
	if err := tx.stageDoc(doc); err != nil {
		return nil, err
	}
	if err := tx.db.coord.OnChange(tx.st, t, id, nil, val); err != nil {
		return nil, err
	}
	tx.deltas = append(tx.deltas, Delta{Table: table, ID: id, Version: 1, Value: val})
	return doc, nil
}

// Get reads a document through the transaction's snapshot (plus its own
// staged writes).
func (tx *Tx) Get(table, id string) (*tables.Document, error) {
	t, err := tx.table(table)
	if err != nil {
		return nil, err
	}
	if !auth.CanRead(tx.who, t) {
		return nil, errors.Wrapf(tabula_errors.ErrAuth, "no read access to table %q", table)
	}
	payload, found, err := tx.st.Read(storage.DocKey(table, id))
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, errors.Wrapf(tabula_errors.ErrDocumentUnknown, "%s/%s", table, id)
	}
	return tables.DecodeDocument(table, id, payload)
}

// Patch merges val into the document top-level: present keys replace, an
// explicit nil removes. It requires the version the caller read; a mismatch
// inside the snapshot fails fast with the conflict instead of wasting a
// commit attempt.
func (tx *Tx) Patch(table, id string, expected uint64, val tables.Value) (*tables.Document, error) {
	t, err := tx.table(table)
	if err != nil {
		return nil, err
	}
	if !auth.CanWrite(tx.who, t) {
		return nil, errors.Wrapf(tabula_errors.ErrAuth, "no write access to table %q", table)
	}
	cur, err := tx.Get(table, id)
	if err != nil {
		return nil, err
	}
	if cur.Version != expected {
		return nil, errors.Wrapf(tabula_errors.ErrConflict,
			"%s/%s: expected version %d, have %d", table, id, expected, cur.Version)
	}
	merged := make(tables.Value, len(cur.Value)+len(val))
	for k, v := range cur.Value {
		merged[k] = v
	}
	for k, v := range val {
		if v == nil {
			delete(merged, k)
			continue
		}
		merged[k] = v
	}
	if err := tx.checkValue(t, merged); err != nil {
		return nil, err
	}
	doc := &tables.Document{
		Table:     table,
		ID:        id,
		Version:   cur.Version + 1,
		CreatedAt: cur.CreatedAt,
		Value:     merged,
	}
	if err := tx.stageDoc(doc); err != nil {
		return nil, err
	}
	if err := tx.db.coord.OnChange(tx.st, t, id, cur.Value, merged); err != nil {
		return nil, err
	}
	tx.deltas = append(tx.deltas, Delta{Table: table, ID: id, Version: doc.Version, Value: merged})
	return doc, nil
}

// Delete removes the document and every index entry referencing it, and
// queues referenced blobs for the GC hook after commit.
func (tx *Tx) Delete(table, id string) error {
	t, err := tx.table(table)
	if err != nil {
		return err
	}
	if !auth.CanWrite(tx.who, t) {
		return errors.Wrapf(tabula_errors.ErrAuth, "no write access to table %q", table)
	}
	cur, err := tx.Get(table, id)
	if err != nil {
		return err
	}
	return tx.removeDoc(t, cur)
}

func (tx *Tx) removeDoc(t *tables.Table, doc *tables.Document) error {
	tx.st.StageDelete(storage.DocKey(t.Name, doc.ID))
	if err := tx.db.coord.OnChange(tx.st, t, doc.ID, doc.Value, nil); err != nil {
		return err
	}
	tx.blobDrops = append(tx.blobDrops, tables.BlobRefs(doc.Value)...)
	tx.deltas = append(tx.deltas, Delta{Table: t.Name, ID: doc.ID, Deleted: true})
	return nil
}

// Scan yields the table's documents in id order.
func (tx *Tx) Scan(table string) iter.Seq2[*tables.Document, error] {
	return func(yield func(*tables.Document, error) bool) {
		t, err := tx.table(table)
		if err != nil {
			yield(nil, err)
			return
		}
		if !auth.CanRead(tx.who, t) {
			yield(nil, errors.Wrapf(tabula_errors.ErrAuth, "no read access to table %q", table))
			return
		}
		lo, hi := storage.DocRange(table)
		for key, payload := range tx.st.Scan(lo, hi) {
			id := storage.DocKeyID(table, key)
			doc, err := tables.DecodeDocument(table, id, payload)
			if !yield(doc, err) {
				return
			}
		}
	}
}

// Tables yields every declared table in name order.
func (tx *Tx) Tables() iter.Seq2[*tables.Table, error] {
	return func(yield func(*tables.Table, error) bool) {
		lo, hi := storage.TableRange()
		for _, payload := range tx.st.Scan(lo, hi) {
			t, err := tables.DecodeTable(payload)
			if !yield(t, err) {
				return
			}
		}
	}
}

// Seek yields ids of documents whose indexed field equals value.
func (tx *Tx) Seek(table, field string, value any) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		t, err := tx.table(table)
		if err != nil {
			yield("", err)
			return
		}
		if !auth.CanRead(tx.who, t) {
			yield("", errors.Wrapf(tabula_errors.ErrAuth, "no read access to table %q", table))
			return
		}
		for id, err := range tx.db.coord.Seek(tx.st, t, field, value) {
			if !yield(id, err) {
				return
			}
		}
	}
}

func (tx *Tx) stageDoc(doc *tables.Document) error {
	payload, err := doc.Encode()
	if err != nil {
		return err
	}
	tx.st.Stage(storage.DocKey(doc.Table, doc.ID), payload)
	return nil
}

func (tx *Tx) checkValue(t *tables.Table, val tables.Value) error {
	if err := t.CheckValue(val); err != nil {
		return err
	}
	for _, ref := range tables.BlobRefs(val) {
		ok, err := tx.db.opts.Blobs.Exists(tx.ctx, ref)
		if err != nil {
			return err
		}
		if !ok {
			return errors.Wrapf(tabula_errors.ErrValidation, "unknown blob %q", ref)
		}
	}
	return nil
}

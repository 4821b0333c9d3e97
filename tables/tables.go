// Package tables holds the table/document model: schemas, field types,
// index kinds, access rules and the document envelope.
package tables

import (
	"unicode/utf8"

	"github.com/pkg/errors"

	"github.com/drpcorg/tabula/tabula_errors"
)

type FieldType byte

const (
	Any     FieldType = 'A'
	String  FieldType = 'S'
	Int     FieldType = 'I'
	Float   FieldType = 'F'
	Bool    FieldType = 'B'
	Map     FieldType = 'M'
	List    FieldType = 'L'
	BlobRef FieldType = 'R'
)

type IndexKind byte

const (
	NoIndex IndexKind = 0
	// HashIndex and UniqueIndex are structural: maintained inside the
	// mutating transaction, visible atomically with the commit.
	HashIndex   IndexKind = 'H'
	UniqueIndex IndexKind = 'U'
	// SearchIndex and VectorIndex are projected to an external indexing
	// service through the commit outbox, eventually consistent.
	SearchIndex IndexKind = 'S'
	VectorIndex IndexKind = 'V'
)

func (k IndexKind) Structural() bool {
	return k == HashIndex || k == UniqueIndex
}

func (k IndexKind) External() bool {
	return k == SearchIndex || k == VectorIndex
}

type Field struct {
	Name  string    `json:"name"`
	Type  FieldType `json:"type"`
	Index IndexKind `json:"index,omitempty"`
}

type Fields []Field

func (f Fields) Find(name string) int {
	for i := 0; i < len(f); i++ {
		if f[i].Name == name {
			return i
		}
	}
	return -1
}

// ACL lists role names allowed to read/write a table. An empty list admits
// any authenticated identity; system tables ignore ACLs entirely.
type ACL struct {
	Read  []string `json:"read,omitempty"`
	Write []string `json:"write,omitempty"`
}

type Table struct {
	Name   string `json:"name"`
	Fields Fields `json:"fields,omitempty"`
	ACL    ACL    `json:"acl,omitempty"`
	// Shared opens a reserved table to its ACL like an application table:
	// the jobs table is reserved (only system identities may declare it) yet
	// any authenticated principal schedules and cancels through it.
	Shared bool `json:"shared,omitempty"`
}

func hasUnsafeChars(text string) bool {
	for _, l := range text {
		if l < ' ' {
			return true
		}
	}
	return false
}

func (f Field) Valid() bool {
	switch f.Type {
	case Any, String, Int, Float, Bool, Map, List, BlobRef:
	default:
		return false
	}
	switch f.Index {
	case NoIndex, HashIndex, UniqueIndex, SearchIndex, VectorIndex:
	default:
		return false
	}
	return len(f.Name) > 0 && len(f.Name) <= 64 &&
		utf8.ValidString(f.Name) && !hasUnsafeChars(f.Name) && f.Name[0] != '$'
}

// System tables live under the reserved underscore prefix and are only
// writable by system identities.
func IsSystem(table string) bool {
	return len(table) > 0 && table[0] == '_'
}

func ValidTableName(name string) bool {
	return len(name) > 0 && len(name) <= 64 &&
		utf8.ValidString(name) && !hasUnsafeChars(name)
}

func ValidDocumentID(id string) bool {
	return len(id) > 0 && len(id) <= 128 &&
		utf8.ValidString(id) && !hasUnsafeChars(id)
}

func (t *Table) Validate() error {
	if !ValidTableName(t.Name) {
		return errors.Wrapf(tabula_errors.ErrValidation, "bad table name %q", t.Name)
	}
	seen := map[string]struct{}{}
	for _, f := range t.Fields {
		if !f.Valid() {
			return errors.Wrapf(tabula_errors.ErrValidation, "bad field %q in table %q", f.Name, t.Name)
		}
		if _, dup := seen[f.Name]; dup {
			return errors.Wrapf(tabula_errors.ErrValidation, "duplicate field %q in table %q", f.Name, t.Name)
		}
		seen[f.Name] = struct{}{}
	}
	return nil
}

package tables

import (
	"github.com/pkg/errors"

	"github.com/drpcorg/tabula/tabula_errors"
)

const maxDepth = 16

// BlobRefKey marks a blob reference inside a value tree: {"$blob": "<id>"}.
const BlobRefKey = "$blob"

// CheckValue validates a document body against the table schema. Fields the
// schema does not declare are allowed with any shape; declared fields must
// match their declared type when present.
func (t *Table) CheckValue(v Value) error {
	if err := checkTree(v, 0); err != nil {
		return err
	}
	for _, f := range t.Fields {
		fv, ok := v[f.Name]
		if !ok || fv == nil {
			continue
		}
		if !typeMatches(f.Type, fv) {
			return errors.Wrapf(tabula_errors.ErrValidation,
				"field %q of table %q: expected type %c", f.Name, t.Name, f.Type)
		}
	}
	return nil
}

func typeMatches(ft FieldType, v any) bool {
	switch ft {
	case Any:
		return true
	case String:
		_, ok := v.(string)
		return ok
	case Int:
		switch n := v.(type) {
		case int, int64:
			return true
		case float64:
			return n == float64(int64(n))
		}
		return false
	case Float:
		switch v.(type) {
		case float64, int, int64:
			return true
		}
		return false
	case Bool:
		_, ok := v.(bool)
		return ok
	case Map:
		_, ok := v.(map[string]any)
		return ok
	case List:
		_, ok := v.([]any)
		return ok
	case BlobRef:
		m, ok := v.(map[string]any)
		if !ok {
			return false
		}
		_, ok = m[BlobRefKey].(string)
		return ok
	}
	return false
}

func checkTree(v any, depth int) error {
	if depth > maxDepth {
		return errors.Wrap(tabula_errors.ErrValidation, "value nesting too deep")
	}
	switch val := v.(type) {
	case nil, bool, string, float64, int, int64:
	case []any:
		for _, item := range val {
			if err := checkTree(item, depth+1); err != nil {
				return err
			}
		}
	case map[string]any:
		for k, item := range val {
			if len(k) == 0 || hasUnsafeChars(k) {
				return errors.Wrapf(tabula_errors.ErrValidation, "bad key %q", k)
			}
			if err := checkTree(item, depth+1); err != nil {
				return err
			}
		}
	default:
		return errors.Wrapf(tabula_errors.ErrValidation, "unsupported value type %T", v)
	}
	return nil
}

// BlobRefs walks a value tree and collects every referenced blob id.
func BlobRefs(v any) (refs []string) {
	switch val := v.(type) {
	case []any:
		for _, item := range val {
			refs = append(refs, BlobRefs(item)...)
		}
	case map[string]any:
		if id, ok := val[BlobRefKey].(string); ok {
			refs = append(refs, id)
		}
		for _, item := range val {
			refs = append(refs, BlobRefs(item)...)
		}
	}
	return
}

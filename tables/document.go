package tables

import (
	"sort"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/pkg/errors"

	"github.com/drpcorg/tabula/tabula_errors"
)

// Value is the semi-structured document body: nested maps, lists and JSON
// scalars.
type Value = map[string]any

// Document is the versioned envelope around a Value. Version starts at 1 and
// strictly increases on every committed mutation.
type Document struct {
	Table     string    `json:"-"`
	ID        string    `json:"-"`
	Version   uint64    `json:"v"`
	CreatedAt time.Time `json:"ct"`
	Value     Value     `json:"val"`
}

func (d *Document) Encode() ([]byte, error) {
	return json.Marshal(d)
}

func DecodeDocument(table, id string, data []byte) (*Document, error) {
	doc := &Document{Table: table, ID: id}
	if err := json.Unmarshal(data, doc); err != nil {
		return nil, errors.Wrapf(tabula_errors.ErrValidation, "corrupt document %s/%s: %s", table, id, err)
	}
	return doc, nil
}

func EncodeTable(t *Table) ([]byte, error) {
	return json.Marshal(t)
}

func DecodeTable(data []byte) (*Table, error) {
	t := &Table{}
	if err := json.Unmarshal(data, t); err != nil {
		return nil, errors.Wrap(tabula_errors.ErrValidation, err.Error())
	}
	return t, nil
}

// Canon renders a field value to canonical bytes: identical values always
// produce identical bytes regardless of map iteration order. Used as the
// hash input for structural index keys.
func Canon(v any) []byte {
	return appendCanon(nil, v)
}

func appendCanon(buf []byte, v any) []byte {
	switch val := v.(type) {
	case nil:
		return append(buf, 'n')
	case bool:
		if val {
			return append(buf, 't')
		}
		return append(buf, 'f')
	case string:
		buf = append(buf, 's')
		return append(strconv.AppendInt(buf, int64(len(val)), 10), val...)
	case float64:
		buf = append(buf, 'd')
		return strconv.AppendFloat(buf, val, 'g', -1, 64)
	// Documents decode from storage with every number as float64. Integer
	// inputs must render the same bytes, or an index entry staged on insert
	// would never match the removal computed from the stored document.
	case int64:
		return appendCanon(buf, float64(val))
	case int:
		return appendCanon(buf, float64(val))
	case []any:
		buf = append(buf, 'l')
		buf = strconv.AppendInt(buf, int64(len(val)), 10)
		for _, item := range val {
			buf = appendCanon(buf, item)
		}
		return buf
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf = append(buf, 'm')
		buf = strconv.AppendInt(buf, int64(len(keys)), 10)
		for _, k := range keys {
			buf = appendCanon(buf, k)
			buf = appendCanon(buf, val[k])
		}
		return buf
	default:
		// non-JSON value, round-trip through the codec
		data, err := json.Marshal(v)
		if err != nil {
			return append(buf, '?')
		}
		var plain any
		if json.Unmarshal(data, &plain) != nil {
			return append(buf, '?')
		}
		return appendCanon(buf, plain)
	}
}

package storage

import "encoding/binary"

// Single-byte key prefixes, one keyspace per record family:
//
//	M         engine meta (last committed sequence)
//	T<name>   table schema records
//	D<table>\x00<id>  document records (jobs included, via the _jobs table)
//	I<index><hash><id> structural index entries
//	O<seq>    outbox records for externally-projected indexes
//	B<id>     blob metadata
const (
	prefixMeta   = 'M'
	prefixTable  = 'T'
	prefixDoc    = 'D'
	prefixIndex  = 'I'
	prefixOutbox = 'O'
	prefixBlob   = 'B'
)

var MetaKey = []byte{prefixMeta}

func TableKey(name string) []byte {
	return append([]byte{prefixTable}, name...)
}

func TableKeyName(key []byte) string {
	return string(key[1:])
}

func TableRange() (lo, hi []byte) {
	return []byte{prefixTable}, []byte{prefixTable + 1}
}

func DocKey(table, id string) []byte {
	key := make([]byte, 0, 2+len(table)+len(id))
	key = append(key, prefixDoc)
	key = append(key, table...)
	key = append(key, 0)
	return append(key, id...)
}

// DocKeyID recovers the document id from a key produced by DocKey.
func DocKeyID(table string, key []byte) string {
	return string(key[2+len(table):])
}

func DocRange(table string) (lo, hi []byte) {
	lo = append(append([]byte{prefixDoc}, table...), 0)
	hi = append(append([]byte{prefixDoc}, table...), 1)
	return
}

// IndexKey addresses one entry of a structural index: the index id, the
// xxhash of the canonical field value, then the document id so that one
// hash bucket holds any number of documents.
func IndexKey(index uint64, hash uint64, docID string) []byte {
	key := make([]byte, 1, 17+len(docID))
	key[0] = prefixIndex
	key = binary.BigEndian.AppendUint64(key, index)
	key = binary.BigEndian.AppendUint64(key, hash)
	return append(key, docID...)
}

func IndexKeyDocID(key []byte) string {
	return string(key[17:])
}

func IndexHashRange(index uint64, hash uint64) (lo, hi []byte) {
	if hash == ^uint64(0) {
		_, hi = IndexRange(index)
		return IndexKey(index, hash, ""), hi
	}
	return IndexKey(index, hash, ""), IndexKey(index, hash+1, "")
}

func IndexRange(index uint64) (lo, hi []byte) {
	if index == ^uint64(0) {
		return IndexKey(index, 0, ""), []byte{prefixIndex + 1}
	}
	return IndexKey(index, 0, ""), IndexKey(index+1, 0, "")
}

func OutboxKey(seq uint64) []byte {
	return binary.BigEndian.AppendUint64([]byte{prefixOutbox}, seq)
}

func OutboxRange() (lo, hi []byte) {
	return []byte{prefixOutbox}, []byte{prefixOutbox + 1}
}

func BlobKey(id string) []byte {
	return append([]byte{prefixBlob}, id...)
}

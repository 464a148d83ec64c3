package storage

import (
	"fmt"
	"math"
	"time"

	"github.com/bobboyms/oxidb/pkg/types"
	"google.golang.org/protobuf/encoding/protowire"
)

// Wire field numbers for the WAL document entry. There is no .proto for
// this: the record is small and fixed-shape enough that hand-building it
// with protowire's tag/varint/length-delimited primitives is simpler than
// maintaining generated code for one message type.
const (
	fieldTableName protowire.Number = 1
	fieldIndexName protowire.Number = 2
	fieldDocument  protowire.Number = 3
	fieldKeyType   protowire.Number = 4
	fieldKeyValue  protowire.Number = 5
	fieldMultiKey  protowire.Number = 6 // repeated nested (indexName, keyType, keyValue)
)

// keyKind tags which Comparable concrete type fieldKeyValue holds.
type keyKind uint64

const (
	keyKindInt keyKind = iota
	keyKindString
	keyKindBool
	keyKindFloat
	keyKindDate
)

// SerializeDocumentEntry encodes a table/index/key/document tuple for the
// WAL using the protobuf wire format, without a generated message type.
func SerializeDocumentEntry(tableName, indexName string, key types.Comparable, document []byte) ([]byte, error) {
	var b []byte
	b = protowire.AppendTag(b, fieldTableName, protowire.BytesType)
	b = protowire.AppendString(b, tableName)
	b = protowire.AppendTag(b, fieldIndexName, protowire.BytesType)
	b = protowire.AppendString(b, indexName)
	if document != nil {
		b = protowire.AppendTag(b, fieldDocument, protowire.BytesType)
		b = protowire.AppendBytes(b, document)
	}

	switch k := key.(type) {
	case types.IntKey:
		b = protowire.AppendTag(b, fieldKeyType, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(keyKindInt))
		b = protowire.AppendTag(b, fieldKeyValue, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(int64(k)))
	case types.VarcharKey:
		b = protowire.AppendTag(b, fieldKeyType, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(keyKindString))
		b = protowire.AppendTag(b, fieldKeyValue, protowire.BytesType)
		b = protowire.AppendString(b, string(k))
	case types.BoolKey:
		b = protowire.AppendTag(b, fieldKeyType, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(keyKindBool))
		b = protowire.AppendTag(b, fieldKeyValue, protowire.VarintType)
		v := uint64(0)
		if bool(k) {
			v = 1
		}
		b = protowire.AppendVarint(b, v)
	case types.FloatKey:
		b = protowire.AppendTag(b, fieldKeyType, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(keyKindFloat))
		b = protowire.AppendTag(b, fieldKeyValue, protowire.Fixed64Type)
		b = protowire.AppendFixed64(b, math.Float64bits(float64(k)))
	case types.DateKey:
		b = protowire.AppendTag(b, fieldKeyType, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(keyKindDate))
		b = protowire.AppendTag(b, fieldKeyValue, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(time.Time(k).UnixNano()))
	default:
		return nil, fmt.Errorf("unsupported key type: %T", k)
	}

	return b, nil
}

// DeserializeDocumentEntry decodes a buffer produced by SerializeDocumentEntry.
func DeserializeDocumentEntry(data []byte) (tableName, indexName string, key types.Comparable, document []byte, err error) {
	var kind keyKind
	haveKind := false

	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			err = protowire.ParseError(n)
			return
		}
		data = data[n:]

		switch num {
		case fieldTableName:
			var s string
			s, n, err = consumeString(data, typ)
			if err != nil {
				return
			}
			tableName = s
			data = data[n:]
		case fieldIndexName:
			var s string
			s, n, err = consumeString(data, typ)
			if err != nil {
				return
			}
			indexName = s
			data = data[n:]
		case fieldDocument:
			var bs []byte
			bs, n, err = consumeBytes(data, typ)
			if err != nil {
				return
			}
			document = bs
			data = data[n:]
		case fieldKeyType:
			var v uint64
			v, n, err = consumeVarint(data, typ)
			if err != nil {
				return
			}
			kind = keyKind(v)
			haveKind = true
			data = data[n:]
		case fieldKeyValue:
			if !haveKind {
				err = fmt.Errorf("key value encountered before key type")
				return
			}
			switch kind {
			case keyKindInt:
				var v uint64
				v, n, err = consumeVarint(data, typ)
				if err != nil {
					return
				}
				key = types.IntKey(int64(v))
				data = data[n:]
			case keyKindString:
				var s string
				s, n, err = consumeString(data, typ)
				if err != nil {
					return
				}
				key = types.VarcharKey(s)
				data = data[n:]
			case keyKindBool:
				var v uint64
				v, n, err = consumeVarint(data, typ)
				if err != nil {
					return
				}
				key = types.BoolKey(v != 0)
				data = data[n:]
			case keyKindFloat:
				var v uint64
				v, n, err = consumeFixed64(data, typ)
				if err != nil {
					return
				}
				key = types.FloatKey(math.Float64frombits(v))
				data = data[n:]
			case keyKindDate:
				var v uint64
				v, n, err = consumeVarint(data, typ)
				if err != nil {
					return
				}
				key = types.DateKey(time.Unix(0, int64(v)))
				data = data[n:]
			default:
				err = fmt.Errorf("unsupported key type in wire entry: %d", kind)
				return
			}
		default:
			n = protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				err = protowire.ParseError(n)
				return
			}
			data = data[n:]
		}
	}

	if key == nil {
		err = fmt.Errorf("missing key in document entry")
	}
	return
}

// SerializeMultiIndexEntry encodes a single InsertRow WAL record covering
// one heap document and every index key it must update, so a multi-index
// insert is durable as one atomic log record instead of one per index.
func SerializeMultiIndexEntry(tableName string, keys map[string]types.Comparable, document []byte) ([]byte, error) {
	var b []byte
	b = protowire.AppendTag(b, fieldTableName, protowire.BytesType)
	b = protowire.AppendString(b, tableName)
	if document != nil {
		b = protowire.AppendTag(b, fieldDocument, protowire.BytesType)
		b = protowire.AppendBytes(b, document)
	}

	for indexName, key := range keys {
		var nested []byte
		nested = protowire.AppendTag(nested, fieldIndexName, protowire.BytesType)
		nested = protowire.AppendString(nested, indexName)

		kind, err := appendKeyValue(&nested, key)
		if err != nil {
			return nil, err
		}
		_ = kind

		b = protowire.AppendTag(b, fieldMultiKey, protowire.BytesType)
		b = protowire.AppendBytes(b, nested)
	}

	return b, nil
}

// DeserializeMultiIndexEntry decodes a buffer produced by SerializeMultiIndexEntry.
func DeserializeMultiIndexEntry(data []byte) (tableName string, keys map[string]types.Comparable, document []byte, err error) {
	keys = make(map[string]types.Comparable)

	for len(data) > 0 {
		var num protowire.Number
		var typ protowire.Type
		var n int
		num, typ, n = protowire.ConsumeTag(data)
		if n < 0 {
			err = protowire.ParseError(n)
			return
		}
		data = data[n:]

		switch num {
		case fieldTableName:
			var s string
			s, n, err = consumeString(data, typ)
			if err != nil {
				return
			}
			tableName = s
			data = data[n:]
		case fieldDocument:
			var bs []byte
			bs, n, err = consumeBytes(data, typ)
			if err != nil {
				return
			}
			document = bs
			data = data[n:]
		case fieldMultiKey:
			var nested []byte
			nested, n, err = consumeBytes(data, typ)
			if err != nil {
				return
			}
			data = data[n:]

			var indexName string
			var key types.Comparable
			indexName, key, err = decodeIndexKeyPair(nested)
			if err != nil {
				return
			}
			keys[indexName] = key
		default:
			n = protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				err = protowire.ParseError(n)
				return
			}
			data = data[n:]
		}
	}

	if tableName == "" {
		err = fmt.Errorf("missing table name in multi-index entry")
	}
	return
}

// appendKeyValue appends the fieldKeyType/fieldKeyValue pair for key to *b,
// shared by SerializeDocumentEntry's single-key form and the nested
// per-index entries inside SerializeMultiIndexEntry.
func appendKeyValue(b *[]byte, key types.Comparable) (keyKind, error) {
	buf := *b
	defer func() { *b = buf }()

	switch k := key.(type) {
	case types.IntKey:
		buf = protowire.AppendTag(buf, fieldKeyType, protowire.VarintType)
		buf = protowire.AppendVarint(buf, uint64(keyKindInt))
		buf = protowire.AppendTag(buf, fieldKeyValue, protowire.VarintType)
		buf = protowire.AppendVarint(buf, uint64(int64(k)))
		return keyKindInt, nil
	case types.VarcharKey:
		buf = protowire.AppendTag(buf, fieldKeyType, protowire.VarintType)
		buf = protowire.AppendVarint(buf, uint64(keyKindString))
		buf = protowire.AppendTag(buf, fieldKeyValue, protowire.BytesType)
		buf = protowire.AppendString(buf, string(k))
		return keyKindString, nil
	case types.BoolKey:
		buf = protowire.AppendTag(buf, fieldKeyType, protowire.VarintType)
		buf = protowire.AppendVarint(buf, uint64(keyKindBool))
		buf = protowire.AppendTag(buf, fieldKeyValue, protowire.VarintType)
		v := uint64(0)
		if bool(k) {
			v = 1
		}
		buf = protowire.AppendVarint(buf, v)
		return keyKindBool, nil
	case types.FloatKey:
		buf = protowire.AppendTag(buf, fieldKeyType, protowire.VarintType)
		buf = protowire.AppendVarint(buf, uint64(keyKindFloat))
		buf = protowire.AppendTag(buf, fieldKeyValue, protowire.Fixed64Type)
		buf = protowire.AppendFixed64(buf, math.Float64bits(float64(k)))
		return keyKindFloat, nil
	case types.DateKey:
		buf = protowire.AppendTag(buf, fieldKeyType, protowire.VarintType)
		buf = protowire.AppendVarint(buf, uint64(keyKindDate))
		buf = protowire.AppendTag(buf, fieldKeyValue, protowire.VarintType)
		buf = protowire.AppendVarint(buf, uint64(time.Time(k).UnixNano()))
		return keyKindDate, nil
	default:
		return 0, fmt.Errorf("unsupported key type: %T", k)
	}
}

// decodeIndexKeyPair decodes a nested (indexName, keyType, keyValue) blob
// written by appendKeyValue inside SerializeMultiIndexEntry.
func decodeIndexKeyPair(data []byte) (indexName string, key types.Comparable, err error) {
	var kind keyKind
	haveKind := false

	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			err = protowire.ParseError(n)
			return
		}
		data = data[n:]

		switch num {
		case fieldIndexName:
			var s string
			s, n, err = consumeString(data, typ)
			if err != nil {
				return
			}
			indexName = s
			data = data[n:]
		case fieldKeyType:
			var v uint64
			v, n, err = consumeVarint(data, typ)
			if err != nil {
				return
			}
			kind = keyKind(v)
			haveKind = true
			data = data[n:]
		case fieldKeyValue:
			if !haveKind {
				err = fmt.Errorf("key value encountered before key type")
				return
			}
			switch kind {
			case keyKindInt:
				var v uint64
				v, n, err = consumeVarint(data, typ)
				if err != nil {
					return
				}
				key = types.IntKey(int64(v))
				data = data[n:]
			case keyKindString:
				var s string
				s, n, err = consumeString(data, typ)
				if err != nil {
					return
				}
				key = types.VarcharKey(s)
				data = data[n:]
			case keyKindBool:
				var v uint64
				v, n, err = consumeVarint(data, typ)
				if err != nil {
					return
				}
				key = types.BoolKey(v != 0)
				data = data[n:]
			case keyKindFloat:
				var v uint64
				v, n, err = consumeFixed64(data, typ)
				if err != nil {
					return
				}
				key = types.FloatKey(math.Float64frombits(v))
				data = data[n:]
			case keyKindDate:
				var v uint64
				v, n, err = consumeVarint(data, typ)
				if err != nil {
					return
				}
				key = types.DateKey(time.Unix(0, int64(v)))
				data = data[n:]
			default:
				err = fmt.Errorf("unsupported key type in wire entry: %d", kind)
				return
			}
		default:
			n = protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				err = protowire.ParseError(n)
				return
			}
			data = data[n:]
		}
	}

	if key == nil {
		err = fmt.Errorf("missing key in multi-index entry")
	}
	return
}

func consumeString(data []byte, typ protowire.Type) (string, int, error) {
	if typ != protowire.BytesType {
		return "", 0, fmt.Errorf("expected bytes wire type, got %d", typ)
	}
	s, n := protowire.ConsumeString(data)
	if n < 0 {
		return "", 0, protowire.ParseError(n)
	}
	return s, n, nil
}

func consumeBytes(data []byte, typ protowire.Type) ([]byte, int, error) {
	if typ != protowire.BytesType {
		return nil, 0, fmt.Errorf("expected bytes wire type, got %d", typ)
	}
	b, n := protowire.ConsumeBytes(data)
	if n < 0 {
		return nil, 0, protowire.ParseError(n)
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out, n, nil
}

func consumeVarint(data []byte, typ protowire.Type) (uint64, int, error) {
	if typ != protowire.VarintType {
		return 0, 0, fmt.Errorf("expected varint wire type, got %d", typ)
	}
	v, n := protowire.ConsumeVarint(data)
	if n < 0 {
		return 0, 0, protowire.ParseError(n)
	}
	return v, n, nil
}

func consumeFixed64(data []byte, typ protowire.Type) (uint64, int, error) {
	if typ != protowire.Fixed64Type {
		return 0, 0, fmt.Errorf("expected fixed64 wire type, got %d", typ)
	}
	v, n := protowire.ConsumeFixed64(data)
	if n < 0 {
		return 0, 0, protowire.ParseError(n)
	}
	return v, n, nil
}

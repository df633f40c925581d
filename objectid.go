// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package persist

import (
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/cespare/xxhash"
	"github.com/featurebasedb/persist/errors"
	"github.com/google/uuid"
)

// ObjectID identifies a persistent object: an entity name plus the values of
// its primary key columns. ObjectIDs are comparable, so they can be used as
// map keys directly. The zero ObjectID identifies nothing.
//
// The key is kept in a canonical encoding: columns sorted by name, each value
// tagged with its normalized kind. Two ObjectIDs built from equal inputs are
// therefore equal regardless of the Go integer type used for a key value.
type ObjectID struct {
	entity string
	key    string
	temp   bool
}

// NewObjectID returns the ObjectID of a single-column primary key.
func NewObjectID(entity, column string, value interface{}) (ObjectID, error) {
	return NewCompoundObjectID(entity, map[string]interface{}{column: value})
}

// NewCompoundObjectID returns the ObjectID of a primary key made of one or
// more columns.
func NewCompoundObjectID(entity string, values map[string]interface{}) (ObjectID, error) {
	if entity == "" {
		return ObjectID{}, errors.New(ErrInvalidObjectID, "entity name is required")
	}
	if len(values) == 0 {
		return ObjectID{}, errors.Newf(ErrInvalidObjectID, "no primary key values for %s", entity)
	}

	cols := make([]string, 0, len(values))
	for col := range values {
		if col == "" {
			return ObjectID{}, errors.Newf(ErrInvalidObjectID, "empty primary key column for %s", entity)
		}
		cols = append(cols, col)
	}
	sort.Strings(cols)

	var b strings.Builder
	for i, col := range cols {
		v := values[col]
		if v == nil {
			return ObjectID{}, errors.Newf(ErrInvalidObjectID, "null value for %s.%s", entity, col)
		}
		enc, err := encodeValue(v)
		if err != nil {
			return ObjectID{}, errors.WrapCode(err, ErrInvalidObjectID, fmt.Sprintf("key %s.%s", entity, col))
		}
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.Quote(col))
		b.WriteByte('=')
		b.WriteString(enc)
	}
	return ObjectID{entity: entity, key: b.String()}, nil
}

// MustObjectID is like NewObjectID but panics on error.
func MustObjectID(entity, column string, value interface{}) ObjectID {
	id, err := NewObjectID(entity, column, value)
	if err != nil {
		panic(err)
	}
	return id
}

// NewTempObjectID returns a temporary ObjectID for an object that has no
// primary key yet. Every call returns a distinct value.
func NewTempObjectID(entity string) ObjectID {
	return ObjectID{entity: entity, key: uuid.NewString(), temp: true}
}

// Entity returns the name of the entity the id belongs to.
func (id ObjectID) Entity() string { return id.entity }

// IsTemporary reports whether id was created by NewTempObjectID.
func (id ObjectID) IsTemporary() bool { return id.temp }

// IsZero reports whether id is the zero ObjectID.
func (id ObjectID) IsZero() bool { return id == ObjectID{} }

// Equal reports whether id and other identify the same object.
func (id ObjectID) Equal(other ObjectID) bool { return id == other }

// Hash returns a 64-bit hash of id, stable across processes.
func (id ObjectID) Hash() uint64 {
	d := xxhash.New()
	_, _ = d.Write([]byte(id.entity))
	if id.temp {
		_, _ = d.Write([]byte{0, 't'})
	} else {
		_, _ = d.Write([]byte{0, 'p'})
	}
	_, _ = d.Write([]byte(id.key))
	return d.Sum64()
}

// Values returns the primary key column values of id. Integers are returned
// as int64, unsigned integers as uint64 and floats as float64. A temporary id
// has no values.
func (id ObjectID) Values() map[string]interface{} {
	if id.temp || id.key == "" {
		return nil
	}
	m, err := decodeKey(id.key)
	if err != nil {
		// The key was produced by encodeValue, so this is unreachable.
		panic(err)
	}
	return m
}

// Value returns the value of a single primary key column.
func (id ObjectID) Value(column string) (interface{}, bool) {
	v, ok := id.Values()[column]
	return v, ok
}

// String returns a human readable form of id.
func (id ObjectID) String() string {
	if id.IsZero() {
		return "<ObjectID:none>"
	}
	if id.temp {
		return fmt.Sprintf("<ObjectID:%s, TEMP:%s>", id.entity, id.key)
	}
	return fmt.Sprintf("<ObjectID:%s, %s>", id.entity, id.key)
}

// encodeValue returns the canonical, kind-tagged encoding of v.
func encodeValue(v interface{}) (string, error) {
	switch x := v.(type) {
	case int:
		return "i:" + strconv.FormatInt(int64(x), 10), nil
	case int8:
		return "i:" + strconv.FormatInt(int64(x), 10), nil
	case int16:
		return "i:" + strconv.FormatInt(int64(x), 10), nil
	case int32:
		return "i:" + strconv.FormatInt(int64(x), 10), nil
	case int64:
		return "i:" + strconv.FormatInt(x, 10), nil
	case uint:
		return "u:" + strconv.FormatUint(uint64(x), 10), nil
	case uint8:
		return "u:" + strconv.FormatUint(uint64(x), 10), nil
	case uint16:
		return "u:" + strconv.FormatUint(uint64(x), 10), nil
	case uint32:
		return "u:" + strconv.FormatUint(uint64(x), 10), nil
	case uint64:
		return "u:" + strconv.FormatUint(x, 10), nil
	case float32:
		return "f:" + strconv.FormatFloat(float64(x), 'g', -1, 64), nil
	case float64:
		return "f:" + strconv.FormatFloat(x, 'g', -1, 64), nil
	case string:
		return "s:" + strconv.Quote(x), nil
	case []byte:
		return "x:" + hex.EncodeToString(x), nil
	case bool:
		return "b:" + strconv.FormatBool(x), nil
	default:
		return "", errors.Errorf("unsupported key type %T", v)
	}
}

func decodeKey(key string) (map[string]interface{}, error) {
	m := make(map[string]interface{})
	for len(key) > 0 {
		q, err := strconv.QuotedPrefix(key)
		if err != nil {
			return nil, errors.Wrap(err, "decoding key column")
		}
		col, _ := strconv.Unquote(q)
		key = key[len(q):]
		if len(key) < 3 || key[0] != '=' || key[2] != ':' {
			return nil, errors.Errorf("malformed key near %q", key)
		}
		tag := key[1]
		key = key[3:]

		var raw string
		if tag == 's' {
			if raw, err = strconv.QuotedPrefix(key); err != nil {
				return nil, errors.Wrap(err, "decoding string key")
			}
		} else if i := strings.IndexByte(key, ','); i >= 0 {
			raw = key[:i]
		} else {
			raw = key
		}
		key = strings.TrimPrefix(key[len(raw):], ",")

		v, err := decodeValue(tag, raw)
		if err != nil {
			return nil, err
		}
		m[col] = v
	}
	return m, nil
}

func decodeValue(tag byte, raw string) (interface{}, error) {
	switch tag {
	case 'i':
		return strconv.ParseInt(raw, 10, 64)
	case 'u':
		return strconv.ParseUint(raw, 10, 64)
	case 'f':
		return strconv.ParseFloat(raw, 64)
	case 's':
		return strconv.Unquote(raw)
	case 'x':
		return hex.DecodeString(raw)
	case 'b':
		return strconv.ParseBool(raw)
	default:
		return nil, errors.Errorf("unknown key tag %q", tag)
	}
}

// valuesEqual compares two column values, treating numerically equal values
// of different Go integer types as equal.
func valuesEqual(a, b interface{}) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	ea, erra := encodeValue(a)
	eb, errb := encodeValue(b)
	if erra == nil && errb == nil {
		return ea == eb
	}
	return fmt.Sprintf("%T:%v", a, a) == fmt.Sprintf("%T:%v", b, b)
}

// discriminatorKey returns the lookup key of a discriminator value.
func discriminatorKey(v interface{}) string {
	if v == nil {
		return ""
	}
	if enc, err := encodeValue(v); err == nil {
		return enc
	}
	return fmt.Sprintf("%T:%v", v, v)
}

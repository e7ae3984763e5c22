package plugin

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/teranos/lake/errors"
)

// KV is one primary key entry. Value is a scalar: string, integer, float or bool.
type KV struct {
	Key   string
	Value any
}

// PrimaryKeys is an ordered key → scalar mapping scoping one task invocation,
// e.g. {boardId: 8} or {projectId: 42, boardId: 8}. The zero value is the empty scope.
type PrimaryKeys struct {
	kvs []KV
}

// Keys builds PrimaryKeys from alternating key, value arguments.
//
//	plugin.Keys("boardId", 8)
func Keys(pairs ...any) PrimaryKeys {
	pk := PrimaryKeys{}
	for i := 0; i+1 < len(pairs); i += 2 {
		key, ok := pairs[i].(string)
		if !ok {
			key = fmt.Sprint(pairs[i])
		}
		pk = pk.With(key, pairs[i+1])
	}
	return pk
}

// ParseKeys parses "key=value" pairs, as given on the command line.
// Integer, float and boolean literals become typed values; everything else is a string.
func ParseKeys(pairs []string) (PrimaryKeys, error) {
	pk := PrimaryKeys{}
	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return PrimaryKeys{}, errors.NewInvalidRequestError("scope %q must be key=value", pair)
		}
		pk = pk.With(key, parseScalar(strings.TrimSpace(raw)))
	}
	return pk, nil
}

func parseScalar(raw string) any {
	if i, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return f
	}
	if b, err := strconv.ParseBool(raw); err == nil {
		return b
	}
	return raw
}

// With returns a copy with key set to value; an existing key keeps its position.
func (pk PrimaryKeys) With(key string, value any) PrimaryKeys {
	out := make([]KV, len(pk.kvs), len(pk.kvs)+1)
	copy(out, pk.kvs)
	for i := range out {
		if out[i].Key == key {
			out[i].Value = value
			return PrimaryKeys{kvs: out}
		}
	}
	return PrimaryKeys{kvs: append(out, KV{Key: key, Value: value})}
}

// Get returns the value stored under key.
func (pk PrimaryKeys) Get(key string) (any, bool) {
	for _, kv := range pk.kvs {
		if kv.Key == key {
			return kv.Value, true
		}
	}
	return nil, false
}

// Text returns the value under key formatted as text, or "" when absent.
func (pk PrimaryKeys) Text(key string) string {
	v, ok := pk.Get(key)
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprint(t)
	}
}

// Int returns the value under key as an integer.
func (pk PrimaryKeys) Int(key string) (int64, error) {
	v, ok := pk.Get(key)
	if !ok {
		return 0, errors.NewInvalidRequestError("primary key %q missing from scope %s", key, pk.Identity())
	}
	switch t := v.(type) {
	case int:
		return int64(t), nil
	case int64:
		return t, nil
	case int32:
		return int64(t), nil
	case float64:
		if t == float64(int64(t)) {
			return int64(t), nil
		}
	case string:
		if i, err := strconv.ParseInt(t, 10, 64); err == nil {
			return i, nil
		}
	}
	return 0, errors.NewInvalidRequestError("primary key %q is not an integer: %v", key, v)
}

// Require returns an error naming the first key absent from pk.
func (pk PrimaryKeys) Require(keys ...string) error {
	for _, key := range keys {
		if _, ok := pk.Get(key); !ok {
			return errors.NewInvalidRequestError("primary key %q missing from scope %s", key, pk.Identity())
		}
	}
	return nil
}

// Select returns the subset of pk holding keys, in the order requested.
// Keys absent from pk are skipped.
func (pk PrimaryKeys) Select(keys ...string) PrimaryKeys {
	out := PrimaryKeys{}
	for _, key := range keys {
		if v, ok := pk.Get(key); ok {
			out = out.With(key, v)
		}
	}
	return out
}

// Len returns the number of keys.
func (pk PrimaryKeys) Len() int { return len(pk.kvs) }

// Pairs returns a copy of the entries in declared order.
func (pk PrimaryKeys) Pairs() []KV {
	out := make([]KV, len(pk.kvs))
	copy(out, pk.kvs)
	return out
}

// Identity is the canonical text form: a JSON object with keys in declared order.
// Two scopes are the same invocation scope iff their identities are equal.
func (pk PrimaryKeys) Identity() string {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, kv := range pk.kvs {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, _ := json.Marshal(kv.Key)
		buf.Write(key)
		buf.WriteByte(':')
		val, err := json.Marshal(kv.Value)
		if err != nil {
			val, _ = json.Marshal(fmt.Sprint(kv.Value))
		}
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.String()
}

// MarshalJSON encodes pk as its identity
func (pk PrimaryKeys) MarshalJSON() ([]byte, error) {
	return []byte(pk.Identity()), nil
}

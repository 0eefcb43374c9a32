// Package models provides the data model of the mirror/delta sync engine.
package models

import (
	"bytes"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
)

// UUID is a wrapper around string for UUID v4 type safety.
type UUID string

// Value implements driver.Valuer for UUID.
func (u UUID) Value() (driver.Value, error) {
	return string(u), nil
}

// Scan implements sql.Scanner for UUID.
func (u *UUID) Scan(value interface{}) error {
	switch v := value.(type) {
	case nil:
		*u = ""
	case []byte:
		*u = UUID(v)
	case string:
		*u = UUID(v)
	default:
		return fmt.Errorf("cannot scan %T into UUID", value)
	}
	return nil
}

// String returns the string representation of the UUID.
func (u UUID) String() string {
	return string(u)
}

// Fields is a JSON object payload: a mirror baseline or a delta.
type Fields map[string]interface{}

// Value implements driver.Valuer by storing the object as JSON text.
func (f Fields) Value() (driver.Value, error) {
	if f == nil {
		return "{}", nil
	}
	data, err := json.Marshal(map[string]interface{}(f))
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// Scan implements sql.Scanner for Fields.
func (f *Fields) Scan(value interface{}) error {
	var data []byte
	switch v := value.(type) {
	case nil:
		*f = Fields{}
		return nil
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T into Fields", value)
	}
	out, err := DecodeFields(data)
	if err != nil {
		return fmt.Errorf("decode fields: %w", err)
	}
	if out == nil {
		out = Fields{}
	}
	*f = out
	return nil
}

// DecodeFields decodes one JSON object. Numbers become float64 unless that
// would round them, in which case the literal is kept as a json.Number.
// Trailing data after the object is an error.
func DecodeFields(data []byte) (Fields, error) {
	var out Fields
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("unexpected data after JSON object")
	}
	ExactNumbers(out)
	return out, nil
}

// maxExactInt is the largest integer a float64 holds without rounding.
const maxExactInt = 1 << 53

// ExactNumbers replaces json.Number values in v, in place, with float64
// where the conversion is lossless. Larger integers stay json.Number.
func ExactNumbers(v interface{}) {
	switch t := v.(type) {
	case Fields:
		ExactNumbers(map[string]interface{}(t))
	case map[string]interface{}:
		for k, child := range t {
			if n, ok := child.(json.Number); ok {
				t[k] = exactNumber(n)
				continue
			}
			ExactNumbers(child)
		}
	case []interface{}:
		for i, child := range t {
			if n, ok := child.(json.Number); ok {
				t[i] = exactNumber(n)
				continue
			}
			ExactNumbers(child)
		}
	}
}

func exactNumber(n json.Number) interface{} {
	if !strings.ContainsAny(n.String(), ".eE") {
		i, err := n.Int64()
		if err != nil || i > maxExactInt || i < -maxExactInt {
			return n
		}
		return float64(i)
	}
	f, err := n.Float64()
	if err != nil {
		return n
	}
	return f
}

// Clone returns a shallow copy.
func (f Fields) Clone() Fields {
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// Overlay returns a copy of f with every field of delta replacing f's value.
// Fields absent from delta keep f's value.
func (f Fields) Overlay(delta Fields) Fields {
	out := f.Clone()
	for k, v := range delta {
		out[k] = v
	}
	return out
}

// Keys returns the field names in sorted order.
func (f Fields) Keys() []string {
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ChangedFields lists the fields whose value differs between f and next,
// including fields present in only one of them. The result is sorted.
func (f Fields) ChangedFields(next Fields) []string {
	var changed []string
	for k, v := range next {
		old, ok := f[k]
		if !ok || !ValuesEqual(old, v) {
			changed = append(changed, k)
		}
	}
	for k := range f {
		if _, ok := next[k]; !ok {
			changed = append(changed, k)
		}
	}
	sort.Strings(changed)
	return changed
}

// ValuesEqual compares two JSON values by their canonical encoding, so an
// int and the float64 it decodes to compare equal.
func ValuesEqual(a, b interface{}) bool {
	ab, errA := json.Marshal(a)
	bb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(ab, bb)
}

// StringList is a list of names stored as a JSON array.
type StringList []string

// Value implements driver.Valuer for StringList.
func (s StringList) Value() (driver.Value, error) {
	if s == nil {
		return "[]", nil
	}
	data, err := json.Marshal([]string(s))
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// Scan implements sql.Scanner for StringList.
func (s *StringList) Scan(value interface{}) error {
	var data []byte
	switch v := value.(type) {
	case nil:
		*s = nil
		return nil
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T into StringList", value)
	}
	var out []string
	if err := json.Unmarshal(data, &out); err != nil {
		return fmt.Errorf("decode string list: %w", err)
	}
	*s = out
	return nil
}

// Union returns the sorted union of s and other without duplicates.
func (s StringList) Union(other []string) StringList {
	seen := make(map[string]bool, len(s)+len(other))
	out := make(StringList, 0, len(s)+len(other))
	for _, list := range [][]string{s, other} {
		for _, name := range list {
			if !seen[name] {
				seen[name] = true
				out = append(out, name)
			}
		}
	}
	sort.Strings(out)
	return out
}

// Contains reports whether name is in s.
func (s StringList) Contains(name string) bool {
	for _, n := range s {
		if n == name {
			return true
		}
	}
	return false
}

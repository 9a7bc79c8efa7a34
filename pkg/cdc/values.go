package cdc

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Values is an ordered column to value mapping. Iteration and JSON encoding follow
// insertion order, which matches the monitored table's column order.
type Values struct {
	keys []string
	vals map[string]interface{}
}

// NewValues creates an empty mapping with room for n columns.
func NewValues(n int) *Values {
	return &Values{
		keys: make([]string, 0, n),
		vals: make(map[string]interface{}, n),
	}
}

// Set assigns a value, appending the column if it is new.
func (v *Values) Set(column string, value interface{}) {
	if v.vals == nil {
		v.vals = make(map[string]interface{})
	}
	if _, ok := v.vals[column]; !ok {
		v.keys = append(v.keys, column)
	}
	v.vals[column] = value
}

// Get returns the value stored for column.
func (v *Values) Get(column string) (interface{}, bool) {
	if v == nil {
		return nil, false
	}
	val, ok := v.vals[column]
	return val, ok
}

// Len returns the number of columns.
func (v *Values) Len() int {
	if v == nil {
		return 0
	}
	return len(v.keys)
}

// Keys returns the columns in order.
func (v *Values) Keys() []string {
	if v == nil {
		return nil
	}
	out := make([]string, len(v.keys))
	copy(out, v.keys)
	return out
}

// Range calls fn for each column in order until fn returns false.
func (v *Values) Range(fn func(column string, value interface{}) bool) {
	if v == nil {
		return
	}
	for _, k := range v.keys {
		if !fn(k, v.vals[k]) {
			return
		}
	}
}

// SameColumns reports whether both mappings hold the same columns in the same order.
func (v *Values) SameColumns(other *Values) bool {
	if v.Len() != other.Len() {
		return false
	}
	if v.Len() == 0 {
		return true
	}
	for i, k := range v.keys {
		if other.keys[i] != k {
			return false
		}
	}
	return true
}

// Map returns an unordered copy of the mapping.
func (v *Values) Map() map[string]interface{} {
	out := make(map[string]interface{}, v.Len())
	v.Range(func(k string, val interface{}) bool {
		out[k] = val
		return true
	})
	return out
}

// MarshalJSON encodes the mapping as a JSON object in column order.
func (v *Values) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range v.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		val, err := json.Marshal(v.vals[k])
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", k, err)
		}
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes a JSON object, keeping its key order. Numbers are kept as json.Number.
func (v *Values) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("expected JSON object, got %v", tok)
	}

	v.keys = v.keys[:0]
	v.vals = make(map[string]interface{})
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("expected object key, got %v", tok)
		}
		var val interface{}
		if err := dec.Decode(&val); err != nil {
			return fmt.Errorf("column %s: %w", key, err)
		}
		v.Set(key, val)
	}

	if _, err := dec.Token(); err != nil {
		return err
	}
	if dec.More() {
		return fmt.Errorf("unexpected data after JSON object")
	}
	return nil
}

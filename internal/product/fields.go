package product

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Fields is an insertion-ordered string mapping. Order is significant: the
// authoritative source writes first, so "first seen" during unification means
// "authoritative".
type Fields struct {
	keys   []string
	values map[string]string
}

// NewFields returns an empty mapping.
func NewFields() *Fields {
	return &Fields{values: make(map[string]string)}
}

// FieldsOf builds a mapping from alternating key/value arguments.
func FieldsOf(pairs ...string) *Fields {
	f := NewFields()
	for i := 0; i+1 < len(pairs); i += 2 {
		f.Set(pairs[i], pairs[i+1])
	}
	return f
}

// Len reports the number of keys.
func (f *Fields) Len() int {
	if f == nil {
		return 0
	}
	return len(f.keys)
}

// NonEmpty counts keys whose value is not blank.
func (f *Fields) NonEmpty() int {
	if f == nil {
		return 0
	}
	n := 0
	for _, k := range f.keys {
		if strings.TrimSpace(f.values[k]) != "" {
			n++
		}
	}
	return n
}

// Get returns the value stored under key.
func (f *Fields) Get(key string) (string, bool) {
	if f == nil {
		return "", false
	}
	v, ok := f.values[key]
	return v, ok
}

// Has reports whether key is present.
func (f *Fields) Has(key string) bool {
	_, ok := f.Get(key)
	return ok
}

// Set stores value under key, keeping the key's original position when it
// already exists.
func (f *Fields) Set(key, value string) {
	f.init()
	if _, ok := f.values[key]; !ok {
		f.keys = append(f.keys, key)
	}
	f.values[key] = value
}

// SetIfAbsent stores value only when key is missing and reports whether it did.
func (f *Fields) SetIfAbsent(key, value string) bool {
	f.init()
	if _, ok := f.values[key]; ok {
		return false
	}
	f.keys = append(f.keys, key)
	f.values[key] = value
	return true
}

func (f *Fields) init() {
	if f.values == nil {
		f.values = make(map[string]string)
	}
}

// Fill copies every key of src that f lacks and returns how many were added.
func (f *Fields) Fill(src *Fields) int {
	added := 0
	src.Each(func(k, v string) {
		if strings.TrimSpace(v) == "" {
			return
		}
		if f.SetIfAbsent(k, v) {
			added++
		}
	})
	return added
}

// Delete removes key and reports whether it was present.
func (f *Fields) Delete(key string) bool {
	if f == nil {
		return false
	}
	if _, ok := f.values[key]; !ok {
		return false
	}
	delete(f.values, key)
	for i, k := range f.keys {
		if k == key {
			f.keys = append(f.keys[:i], f.keys[i+1:]...)
			break
		}
	}
	return true
}

// Keys returns the keys in insertion order.
func (f *Fields) Keys() []string {
	if f == nil {
		return nil
	}
	out := make([]string, len(f.keys))
	copy(out, f.keys)
	return out
}

// Each visits every pair in insertion order.
func (f *Fields) Each(fn func(key, value string)) {
	if f == nil {
		return
	}
	for _, k := range f.keys {
		fn(k, f.values[k])
	}
}

// Clone returns a deep copy.
func (f *Fields) Clone() *Fields {
	out := NewFields()
	f.Each(out.Set)
	return out
}

// Equal reports whether both mappings hold the same pairs in the same order.
func (f *Fields) Equal(other *Fields) bool {
	if f.Len() != other.Len() {
		return false
	}
	for i, k := range f.Keys() {
		ok := other.keys[i]
		if k != ok || f.values[k] != other.values[ok] {
			return false
		}
	}
	return true
}

// Map returns an unordered copy.
func (f *Fields) Map() map[string]string {
	out := make(map[string]string, f.Len())
	f.Each(func(k, v string) { out[k] = v })
	return out
}

// MarshalJSON writes the mapping as an object preserving key order.
func (f *Fields) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range f.Keys() {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(k)
		if err != nil {
			return nil, fmt.Errorf("marshal key: %w", err)
		}
		val, err := json.Marshal(f.values[k])
		if err != nil {
			return nil, fmt.Errorf("marshal value: %w", err)
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON reads an object keeping document order. Non-string scalars are
// stored in their JSON text form.
func (f *Fields) UnmarshalJSON(data []byte) error {
	f.keys = nil
	f.values = make(map[string]string)
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("read fields: %w", err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("fields must be a JSON object")
	}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return fmt.Errorf("read key: %w", err)
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("unexpected key token %v", tok)
		}
		var raw any
		if err := dec.Decode(&raw); err != nil {
			return fmt.Errorf("read value for %q: %w", key, err)
		}
		f.Set(key, scalarString(raw))
	}
	if _, err := dec.Token(); err != nil {
		return fmt.Errorf("close fields: %w", err)
	}
	return nil
}

func scalarString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		return t.String()
	case bool:
		if t {
			return "Yes"
		}
		return "No"
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	}
}

// Package doc defines the document and metadata model shared by fetchers,
// handlers and committers.
package doc

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
)

// Metadata is a multi-valued string bag with case-insensitive keys.
// The first spelling used for a key is kept for output, and keys iterate in
// insertion order. The zero value is ready to use. A nil *Metadata can be
// read from but not written to.
type Metadata struct {
	mu      sync.RWMutex
	entries map[string]*entry
	order   []string
}

type entry struct {
	name   string
	values []string
}

// NewMetadata returns an empty Metadata.
func NewMetadata() *Metadata {
	return &Metadata{}
}

// FromMap builds Metadata from a plain map. Map iteration order is random so
// callers that care about key order should use Add.
func FromMap(m map[string][]string) *Metadata {
	md := NewMetadata()
	for k, v := range m {
		md.Add(k, v...)
	}
	return md
}

func normalize(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}

// Add appends values to key, creating it when absent. Adding zero values
// creates an empty entry so the field is present.
func (m *Metadata) Add(key string, values ...string) {
	if strings.TrimSpace(key) == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.lookupOrCreate(key)
	e.values = append(e.values, values...)
}

// Set replaces the values of key. Setting zero values removes the key.
func (m *Metadata) Set(key string, values ...string) {
	if strings.TrimSpace(key) == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(values) == 0 {
		m.remove(key)
		return
	}
	e := m.lookupOrCreate(key)
	e.values = append([]string(nil), values...)
}

// Get returns the first value of key or an empty string.
func (m *Metadata) Get(key string) string {
	if m == nil {
		return ""
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[normalize(key)]
	if !ok || len(e.values) == 0 {
		return ""
	}
	return e.values[0]
}

// Values returns a copy of the values stored under key.
func (m *Metadata) Values(key string) []string {
	if m == nil {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[normalize(key)]
	if !ok {
		return nil
	}
	return append([]string(nil), e.values...)
}

// Has reports whether key is present, even with no values.
func (m *Metadata) Has(key string) bool {
	if m == nil {
		return false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.entries[normalize(key)]
	return ok
}

// Remove deletes key and returns the values it held.
func (m *Metadata) Remove(key string) []string {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.remove(key)
}

// Keys returns the field names in insertion order, using their original case.
func (m *Metadata) Keys() []string {
	if m == nil {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.order))
	for _, k := range m.order {
		keys = append(keys, m.entries[k].name)
	}
	return keys
}

// Len returns the number of fields.
func (m *Metadata) Len() int {
	if m == nil {
		return 0
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.order)
}

// Clone returns a deep copy.
func (m *Metadata) Clone() *Metadata {
	out := NewMetadata()
	if m == nil {
		return out
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, k := range m.order {
		e := m.entries[k]
		out.Add(e.name, e.values...)
	}
	return out
}

// Map returns a copy keyed by original field names.
func (m *Metadata) Map() map[string][]string {
	out := make(map[string][]string)
	if m == nil {
		return out
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, k := range m.order {
		e := m.entries[k]
		out[e.name] = append([]string(nil), e.values...)
	}
	return out
}

// Merge copies every field of other into m using the given policy.
func (m *Metadata) Merge(other *Metadata, onSet OnSet) {
	if other == nil {
		return
	}
	for _, k := range other.Keys() {
		m.SetWith(k, onSet, other.Values(k)...)
	}
}

// SetWith stores values under key following the onSet policy.
func (m *Metadata) SetWith(key string, onSet OnSet, values ...string) {
	switch onSet {
	case OnSetReplace:
		m.Set(key, values...)
	case OnSetPrepend:
		m.Set(key, append(append([]string(nil), values...), m.Values(key)...)...)
	case OnSetOptional:
		if !m.hasNonBlank(key) {
			m.Set(key, values...)
		}
	default:
		m.Add(key, values...)
	}
}

func (m *Metadata) hasNonBlank(key string) bool {
	for _, v := range m.Values(key) {
		if strings.TrimSpace(v) != "" {
			return true
		}
	}
	return false
}

// Rename moves the values of from to to, applying onSet on the target.
// Renaming a key to a different spelling of itself only changes its case.
func (m *Metadata) Rename(from, to string, onSet OnSet) {
	if !m.Has(from) {
		return
	}
	if normalize(from) == normalize(to) {
		m.mu.Lock()
		m.entries[normalize(from)].name = to
		m.mu.Unlock()
		return
	}
	values := m.Remove(from)
	m.SetWith(to, onSet, values...)
}

// String renders the bag as key=values pairs for debugging.
func (m *Metadata) String() string {
	var b strings.Builder
	for i, k := range m.Keys() {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%s=%v", k, m.Values(k))
	}
	return b.String()
}

// MarshalJSON renders the bag as an object of string arrays.
func (m *Metadata) MarshalJSON() ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	var b strings.Builder
	b.WriteByte('{')
	for i, k := range m.Keys() {
		if i > 0 {
			b.WriteByte(',')
		}
		key, err := json.Marshal(k)
		if err != nil {
			return nil, fmt.Errorf("marshal key %q: %w", k, err)
		}
		vals := m.Values(k)
		if vals == nil {
			vals = []string{}
		}
		val, err := json.Marshal(vals)
		if err != nil {
			return nil, fmt.Errorf("marshal values of %q: %w", k, err)
		}
		b.Write(key)
		b.WriteByte(':')
		b.Write(val)
	}
	b.WriteByte('}')
	return []byte(b.String()), nil
}

// UnmarshalJSON accepts an object whose values are strings or string arrays.
func (m *Metadata) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode metadata: %w", err)
	}
	for k, v := range raw {
		var many []string
		if err := json.Unmarshal(v, &many); err == nil {
			m.Set(k, many...)
			if len(many) == 0 {
				m.Add(k)
			}
			continue
		}
		var one string
		if err := json.Unmarshal(v, &one); err != nil {
			return fmt.Errorf("decode metadata field %q: %w", k, err)
		}
		m.Set(k, one)
	}
	return nil
}

func (m *Metadata) lookupOrCreate(key string) *entry {
	if m.entries == nil {
		m.entries = make(map[string]*entry)
	}
	norm := normalize(key)
	e, ok := m.entries[norm]
	if !ok {
		e = &entry{name: strings.TrimSpace(key)}
		m.entries[norm] = e
		m.order = append(m.order, norm)
	}
	return e
}

func (m *Metadata) remove(key string) []string {
	norm := normalize(key)
	e, ok := m.entries[norm]
	if !ok {
		return nil
	}
	delete(m.entries, norm)
	for i, k := range m.order {
		if k == norm {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	return e.values
}

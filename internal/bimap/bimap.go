// Package bimap provides an immutable two-way lookup table used to translate
// between enum values and their wire names.
package bimap

import "fmt"

// BiMap maps keys to values and values back to keys. It is built once and
// never modified, so it is safe for concurrent reads.
type BiMap[K comparable, V comparable] struct {
	forward map[K]V
	reverse map[V]K
}

// New builds a BiMap from input. Every value must be unique, otherwise the
// reverse direction would be ambiguous and New panics. Tables are package
// level literals, so a duplicate is a programming error.
func New[K comparable, V comparable](input map[K]V) *BiMap[K, V] {
	m := &BiMap[K, V]{
		forward: make(map[K]V, len(input)),
		reverse: make(map[V]K, len(input)),
	}
	for k, v := range input {
		if prev, dup := m.reverse[v]; dup {
			panic(fmt.Sprintf("bimap: value %v mapped by both %v and %v", v, prev, k))
		}
		m.forward[k] = v
		m.reverse[v] = k
	}
	return m
}

// Lookup returns the value stored for key.
func (m *BiMap[K, V]) Lookup(key K) (V, bool) {
	v, ok := m.forward[key]
	return v, ok
}

// RLookup returns the key that maps to value.
func (m *BiMap[K, V]) RLookup(value V) (K, bool) {
	k, ok := m.reverse[value]
	return k, ok
}

// Len returns the number of pairs.
func (m *BiMap[K, V]) Len() int {
	return len(m.forward)
}

package utils

// BiMap is an immutable bidirectional map supporting lookups in both
// directions. It is built once from an input map and never modified after
// that, so it is safe for concurrent reads without locking.
type BiMap[K comparable, V comparable] struct {
	fwd map[K]V
	rev map[V]K
}

// NewBiMap builds a BiMap from input. The input map is copied defensively.
// If input contains duplicate values, the reverse mapping keeps the last
// key seen for that value.
func NewBiMap[K comparable, V comparable](input map[K]V) *BiMap[K, V] {
	fwd := make(map[K]V, len(input))
	rev := make(map[V]K, len(input))
	for k, v := range input {
		fwd[k] = v
		rev[v] = k
	}
	return &BiMap[K, V]{fwd: fwd, rev: rev}
}

// Lookup returns the value for key and whether it was present.
func (m *BiMap[K, V]) Lookup(key K) (V, bool) {
	value, ok := m.fwd[key]
	return value, ok
}

// DirectLookup returns the value for key, or the zero value when absent.
func (m *BiMap[K, V]) DirectLookup(key K) V {
	return m.fwd[key]
}

// RLookup returns the key for value and whether it was present.
func (m *BiMap[K, V]) RLookup(value V) (K, bool) {
	key, ok := m.rev[value]
	return key, ok
}

// DirectRLookup returns the key for value, or the zero value when absent.
func (m *BiMap[K, V]) DirectRLookup(value V) K {
	return m.rev[value]
}

package entity

import "fmt"

// PrimaryMap is the owning arena for one entity type. Insertion allocates the
// next handle; slots are never reused.
type PrimaryMap[K Key, V any] struct {
	values []V
}

// Insert appends v and returns its fresh handle.
func (m *PrimaryMap[K, V]) Insert(v V) K {
	k := K(len(m.values))
	m.values = append(m.values, v)
	return k
}

// Get returns the pointer to the entity for k.
func (m *PrimaryMap[K, V]) Get(k K) *V {
	if int(k) >= len(m.values) {
		panic(fmt.Sprintf("BUG: entity %d out of range (%d allocated)", k, len(m.values)))
	}
	return &m.values[k]
}

// Len returns the number of allocated entities.
func (m *PrimaryMap[K, V]) Len() int {
	return len(m.values)
}

// Contains reports whether k has been allocated by this map.
func (m *PrimaryMap[K, V]) Contains(k K) bool {
	return Valid(k) && int(k) < len(m.values)
}

// Iter calls f for each entity in insertion order until f returns false.
func (m *PrimaryMap[K, V]) Iter(f func(K, *V) bool) {
	for i := range m.values {
		if !f(K(i), &m.values[i]) {
			return
		}
	}
}

// Reset drops all entities while retaining the backing storage.
func (m *PrimaryMap[K, V]) Reset() {
	m.values = m.values[:0]
}

// SecondaryMap stores per-entity side data keyed by handles allocated
// elsewhere. Reading a key that was never written yields the default value.
type SecondaryMap[K Key, V any] struct {
	values []V
	def    V
}

// NewSecondaryMapWithDefault returns a SecondaryMap whose unwritten keys read
// as def instead of the zero value.
func NewSecondaryMapWithDefault[K Key, V any](def V) SecondaryMap[K, V] {
	return SecondaryMap[K, V]{def: def}
}

// Set associates v with k, growing the map as needed.
func (m *SecondaryMap[K, V]) Set(k K, v V) {
	for int(k) >= len(m.values) {
		m.values = append(m.values, m.def)
	}
	m.values[k] = v
}

// Get returns the value for k, or the default if k was never written.
func (m *SecondaryMap[K, V]) Get(k K) V {
	if int(k) >= len(m.values) {
		return m.def
	}
	return m.values[k]
}

// GetRef returns a pointer to the slot for k, materializing it if necessary.
func (m *SecondaryMap[K, V]) GetRef(k K) *V {
	for int(k) >= len(m.values) {
		m.values = append(m.values, m.def)
	}
	return &m.values[k]
}

// Len returns the number of materialized slots.
func (m *SecondaryMap[K, V]) Len() int {
	return len(m.values)
}

// Reset drops all slots while retaining the backing storage.
func (m *SecondaryMap[K, V]) Reset() {
	m.values = m.values[:0]
}

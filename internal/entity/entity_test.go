package entity

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type testKey uint32

func TestPrimaryMap(t *testing.T) {
	var m PrimaryMap[testKey, string]
	k0 := m.Insert("a")
	k1 := m.Insert("b")
	k2 := m.Insert("c")
	require.Equal(t, testKey(0), k0)
	require.Equal(t, testKey(1), k1)
	require.Equal(t, testKey(2), k2)
	require.Equal(t, 3, m.Len())
	require.Equal(t, "b", *m.Get(k1))

	*m.Get(k1) = "bb"
	require.Equal(t, "bb", *m.Get(k1))

	var order []testKey
	m.Iter(func(k testKey, v *string) bool {
		order = append(order, k)
		return true
	})
	require.Equal(t, []testKey{0, 1, 2}, order)

	require.True(t, m.Contains(k2))
	require.False(t, m.Contains(None[testKey]()))
	require.Panics(t, func() { m.Get(testKey(100)) })
}

func TestSecondaryMap_default(t *testing.T) {
	m := NewSecondaryMapWithDefault[testKey](int64(-1))
	require.Equal(t, int64(-1), m.Get(testKey(10)))
	m.Set(testKey(5), 42)
	require.Equal(t, int64(42), m.Get(testKey(5)))
	// Slots materialized below the written key read as the default.
	require.Equal(t, int64(-1), m.Get(testKey(3)))
	require.Equal(t, int64(-1), m.Get(testKey(6)))
}

func TestSet_bitwise(t *testing.T) {
	var a, b Set[testKey]
	a.Insert(1)
	a.Insert(64)
	a.Insert(200)
	b.Insert(64)
	b.Insert(3)

	require.True(t, a.Contains(64))
	require.False(t, a.Contains(2))
	require.Equal(t, 3, a.Len())

	var u Set[testKey]
	u.Union(&a)
	u.Union(&b)
	require.Equal(t, 4, u.Len())
	require.True(t, u.Contains(3))

	a.Intersect(&b)
	require.Equal(t, 1, a.Len())
	require.True(t, a.Contains(64))

	var members []testKey
	u.Iter(func(k testKey) { members = append(members, k) })
	require.Equal(t, []testKey{1, 3, 64, 200}, members)
}

func TestSparseSet(t *testing.T) {
	var s SparseSet[testKey]
	require.True(t, s.Insert(10))
	require.False(t, s.Insert(10))
	require.True(t, s.Insert(0))
	require.True(t, s.Contains(10))
	require.False(t, s.Contains(9))
	require.Equal(t, 2, s.Len())
	require.Equal(t, []testKey{10, 0}, s.Members())
	s.Clear()
	require.Equal(t, 0, s.Len())
	require.False(t, s.Contains(10))
}

func TestList_appendAndGrow(t *testing.T) {
	var p ListPool[testKey]
	var l List[testKey]
	require.Equal(t, 0, l.Len(&p))

	const n = 20
	for i := 0; i < n; i++ {
		l = l.Append(&p, testKey(i))
	}
	require.Equal(t, n, l.Len(&p))
	for i := 0; i < n; i++ {
		require.Equal(t, testKey(i), l.Get(&p, i))
	}

	l.Set(&p, 3, testKey(100))
	require.Equal(t, testKey(100), l.Get(&p, 3))

	l.Truncate(&p, 5)
	require.Equal(t, 5, l.Len(&p))
	require.Equal(t, []testKey{0, 1, 2, 100, 4}, l.Slice(&p))
}

func TestList_freeListReuse(t *testing.T) {
	var p ListPool[testKey]
	l1 := FromSlice(&p, []testKey{1, 2, 3})
	// Growing past the size class frees the old block.
	l2 := l1.Append(&p, 4)
	require.NotEqual(t, l1, l2)
	// A fresh 3-element list reuses the freed block.
	l3 := FromSlice(&p, []testKey{7, 8, 9})
	require.Equal(t, l1, l3)
	require.Equal(t, []testKey{7, 8, 9}, l3.Slice(&p))
	require.Equal(t, []testKey{1, 2, 3, 4}, l2.Slice(&p))
}

func TestPool(t *testing.T) {
	p := NewPool[int]()
	for i := 0; i < 300; i++ {
		v := p.Allocate()
		*v = i
	}
	require.Equal(t, 300, p.Allocated())
	for i := 0; i < 300; i++ {
		require.Equal(t, i, *p.View(i))
	}
	p.Reset()
	require.Equal(t, 0, p.Allocated())
}

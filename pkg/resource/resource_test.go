package resource

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBagAdd(t *testing.T) {
	a := Bag{CPU: 2, RAM: 1024}
	b := Bag{CPU: 1, Disk: 10}

	sum := a.Add(b)

	assert.Equal(t, 3.0, sum.Value(CPU))
	assert.Equal(t, 1024.0, sum.Value(RAM))
	assert.Equal(t, 10.0, sum.Value(Disk))

	// originals untouched
	assert.Equal(t, 2.0, a.Value(CPU))
	assert.Equal(t, 1.0, b.Value(CPU))
}

func TestBagFilter(t *testing.T) {
	b := Bag{CPU: 2, RevocableCPU: 1, RAM: 512}

	filtered := b.Filter(func(k Kind) bool { return k == CPU })

	require.Len(t, filtered, 1)
	assert.Equal(t, 2.0, filtered.Value(CPU))
}

func TestBagStripRevocable(t *testing.T) {
	b := Bag{CPU: 2, RevocableCPU: 4, RAM: 512}

	stripped := b.StripRevocable()

	assert.Equal(t, 2.0, stripped.Value(CPU))
	assert.Equal(t, 512.0, stripped.Value(RAM))
	assert.Equal(t, 0.0, stripped.Value(RevocableCPU))
}

func TestCompareDominance(t *testing.T) {
	cases := []struct {
		name string
		l, r Bag
		want Ordering
	}{
		{"equal empty", Bag{}, Bag{}, Equal},
		{"l dominates on one axis", Bag{CPU: 2}, Bag{CPU: 1}, Greater},
		{"l dominates on all axes", Bag{CPU: 2, RAM: 100}, Bag{CPU: 1, RAM: 50}, Greater},
		{"r dominates", Bag{CPU: 1}, Bag{CPU: 2}, Less},
		{"mixed signs tie", Bag{CPU: 2, RAM: 10}, Bag{CPU: 1, RAM: 20}, Equal},
		{"missing key reads zero", Bag{CPU: 1}, Bag{}, Greater},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Compare(tc.l, tc.r))
		})
	}
}

func TestIsRevocable(t *testing.T) {
	assert.True(t, IsRevocable(RevocableCPU))
	assert.False(t, IsRevocable(CPU))

	RegisterRevocable(Kind("gpu_revocable"))
	assert.True(t, IsRevocable(Kind("gpu_revocable")))
}

package portregistry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocate_LowestFree(t *testing.T) {
	r := New(50000, 50002)

	p1, err := r.Allocate()
	require.NoError(t, err)
	assert.Equal(t, 50000, p1)

	p2, err := r.Allocate()
	require.NoError(t, err)
	assert.Equal(t, 50001, p2)
}

func TestAllocate_SkipsDeadPorts(t *testing.T) {
	r := New(50000, 51000)
	r.MarkDead(50000)

	p, err := r.Allocate()
	require.NoError(t, err)
	assert.Greater(t, p, 50000)
	assert.LessOrEqual(t, p, 51000)
	assert.False(t, r.IsDead(p))
}

func TestRelease_DeadPortIsNoop(t *testing.T) {
	r := New(50000, 50000)
	r.MarkDead(50000)
	r.Release(50000)

	_, err := r.Allocate()
	assert.ErrorIs(t, err, ErrRangeExhausted)
}

func TestReserve_OutOfRangeIgnored(t *testing.T) {
	r := New(50000, 50001)
	r.Reserve(99999)

	p1, err := r.Allocate()
	require.NoError(t, err)
	p2, err := r.Allocate()
	require.NoError(t, err)
	assert.ElementsMatch(t, []int{50000, 50001}, []int{p1, p2})
}

func TestAllocate_ExhaustedRange(t *testing.T) {
	r := New(50000, 50001)
	_, err := r.Allocate()
	require.NoError(t, err)
	_, err = r.Allocate()
	require.NoError(t, err)

	_, err = r.Allocate()
	assert.ErrorIs(t, err, ErrRangeExhausted)
}

func TestMarkDead_PermanentlyRetires(t *testing.T) {
	r := New(50000, 50000)
	p, err := r.Allocate()
	require.NoError(t, err)
	r.MarkDead(p)
	r.Release(p) // should be a no-op

	_, err = r.Allocate()
	assert.ErrorIs(t, err, ErrRangeExhausted)
}

package consumergroup

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConsumerGroup_JoinAssignsAllPartitionsToSoleMember(t *testing.T) {
	g := New(1, "workers", 100, 200, 4)
	require.NoError(t, g.Join(10))
	assert.ElementsMatch(t, []uint32{1, 2, 3, 4}, g.Assignment(10))
}

func TestConsumerGroup_RebalanceSplitsEvenly(t *testing.T) {
	g := New(1, "workers", 100, 200, 4)
	require.NoError(t, g.Join(10))
	require.NoError(t, g.Join(20))

	a1 := g.Assignment(10)
	a2 := g.Assignment(20)
	assert.Len(t, a1, 2)
	assert.Len(t, a2, 2)

	all := append(append([]uint32{}, a1...), a2...)
	assert.ElementsMatch(t, []uint32{1, 2, 3, 4}, all)
}

func TestConsumerGroup_LeaveRedistributes(t *testing.T) {
	g := New(1, "workers", 100, 200, 4)
	require.NoError(t, g.Join(10))
	require.NoError(t, g.Join(20))

	g.Leave(20)
	assert.Empty(t, g.Assignment(20))
	assert.ElementsMatch(t, []uint32{1, 2, 3, 4}, g.Assignment(10))
}

func TestConsumerGroup_JoinTwiceFails(t *testing.T) {
	g := New(1, "workers", 100, 200, 2)
	require.NoError(t, g.Join(10))
	assert.Error(t, g.Join(10))
}

func TestConsumerGroup_MemberCount(t *testing.T) {
	g := New(1, "workers", 100, 200, 2)
	assert.Equal(t, 0, g.MemberCount())
	require.NoError(t, g.Join(1))
	require.NoError(t, g.Join(2))
	assert.Equal(t, 2, g.MemberCount())
}

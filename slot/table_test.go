package slot_test

import (
	"testing"

	"github.com/eyeKill/slotbalancer/slot"
	"github.com/stretchr/testify/assert"
)

func TestSlotTableProjection(t *testing.T) {
	ast := assert.New(t)
	b := slot.NewBuilder(nil, 2, 3)
	b.SetServers([]slot.ServerID{"A", "B", "C"})
	_, err := b.ReplaceLeader(0, "A")
	ast.Nil(err)
	ast.Nil(b.AddFollower(0, "B"))
	ast.Nil(b.AddFollower(0, "C"))
	b.IncrEpoch()
	table := b.Build()

	ast.Equal(uint64(1), table.Epoch())
	ast.Equal(slot.ServerID("A"), table.Leader(0))
	ast.Equal([]slot.ServerID{"B", "C"}, table.Followers(0))
	ast.Equal(slot.ServerID(""), table.Leader(1))
	ast.Empty(table.Followers(1))
}

func TestDataNodeSlotNeverHasBothRoles(t *testing.T) {
	ast := assert.New(t)
	b := slot.NewBuilder(nil, 1, 2)
	_, _ = b.ReplaceLeader(0, "A")
	node := b.DataNodeSlot("A")
	ast.True(node.ContainsLeader(0))
	ast.False(node.ContainsFollower(0))
}

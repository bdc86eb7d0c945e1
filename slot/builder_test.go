package slot_test

import (
	"testing"

	"github.com/eyeKill/slotbalancer/slot"
	"github.com/stretchr/testify/assert"
)

func TestBuilderReplaceLeaderFromEmpty(t *testing.T) {
	ast := assert.New(t)
	b := slot.NewBuilder(nil, 4, 1)
	old, err := b.ReplaceLeader(0, "A")
	ast.Nil(err)
	ast.Equal(slot.ServerID(""), old)
	ast.Equal(slot.ServerID("A"), b.DataServersOwningLeader(0))
	ast.True(b.DataNodeSlot("A").ContainsLeader(0))
}

func TestBuilderReplaceLeaderSwapsOutFollower(t *testing.T) {
	ast := assert.New(t)
	b := slot.NewBuilder(nil, 1, 3)
	_, err := b.ReplaceLeader(0, "A")
	ast.Nil(err)
	ast.Nil(b.AddFollower(0, "B"))
	old, err := b.ReplaceLeader(0, "B")
	ast.Nil(err)
	ast.Equal(slot.ServerID("A"), old)
	ast.False(b.DataNodeSlot("B").ContainsFollower(0))
	ast.True(b.DataNodeSlot("B").ContainsLeader(0))
}

func TestBuilderAddFollowerDuplicate(t *testing.T) {
	ast := assert.New(t)
	b := slot.NewBuilder(nil, 1, 3)
	_, _ = b.ReplaceLeader(0, "A")
	ast.Nil(b.AddFollower(0, "B"))
	err := b.AddFollower(0, "B")
	ast.NotNil(err)
	err = b.AddFollower(0, "A")
	ast.NotNil(err)
}

func TestBuilderAddFollowerOverflow(t *testing.T) {
	ast := assert.New(t)
	b := slot.NewBuilder(nil, 1, 2)
	_, _ = b.ReplaceLeader(0, "A")
	ast.Nil(b.AddFollower(0, "B"))
	err := b.AddFollower(0, "C")
	ast.NotNil(err)
	var overflow *slot.OverflowError
	ast.ErrorAs(err, &overflow)
}

func TestBuilderRemoveFollowerNotFound(t *testing.T) {
	ast := assert.New(t)
	b := slot.NewBuilder(nil, 1, 3)
	err := b.RemoveFollower(0, "Z")
	ast.NotNil(err)
	var nf *slot.NotFoundError
	ast.ErrorAs(err, &nf)
}

func TestBuilderWatermarkQueriesIncludeZeroCount(t *testing.T) {
	ast := assert.New(t)
	b := slot.NewBuilder(nil, 2, 1)
	b.SetServers([]slot.ServerID{"A", "B", "C"})
	_, _ = b.ReplaceLeader(0, "A")
	_, _ = b.ReplaceLeader(1, "A")

	below := b.DataNodeSlotsLeaderBelow(1)
	ids := slot.CollectServers(below)
	ast.Equal([]slot.ServerID{"B", "C"}, ids)

	beyond := b.DataNodeSlotsLeaderBeyond(0)
	ast.Equal([]slot.ServerID{"A"}, slot.CollectServers(beyond))
}

func TestBuilderRemoveServerStripsRoles(t *testing.T) {
	ast := assert.New(t)
	b := slot.NewBuilder(nil, 1, 2)
	b.SetServers([]slot.ServerID{"A", "B"})
	_, _ = b.ReplaceLeader(0, "A")
	ast.Nil(b.AddFollower(0, "B"))

	b.RemoveServer("A")
	ast.Equal(slot.ServerID(""), b.DataServersOwningLeader(0))
	ast.True(b.DataNodeSlot("B").ContainsFollower(0))
}

func TestBuilderBuildIncrementsNothingUntilIncrEpochCalled(t *testing.T) {
	ast := assert.New(t)
	b := slot.NewBuilder(nil, 1, 1)
	before := b.Build()
	ast.Equal(uint64(0), before.Epoch())
	b.IncrEpoch()
	after := b.Build()
	ast.Equal(uint64(1), after.Epoch())
}

func TestBuilderSeededFromPreviousTable(t *testing.T) {
	ast := assert.New(t)
	seed := slot.NewBuilder(nil, 2, 2)
	seed.SetServers([]slot.ServerID{"A", "B"})
	_, _ = seed.ReplaceLeader(0, "A")
	ast.Nil(seed.AddFollower(0, "B"))
	seed.IncrEpoch()
	table := seed.Build()

	next := slot.NewBuilder(table, 2, 2)
	ast.Equal(slot.ServerID("A"), next.DataServersOwningLeader(0))
	ast.Equal([]slot.ServerID{"B"}, next.DataServersOwningFollower(0))
	ast.Equal(uint64(1), next.Epoch())
}

// A builder seeded from a previous table must list that table's leaders and
// followers in its membership index before SetServers ever runs, or a
// caller's repair pass against a just-loaded table -- before it has learned
// the live membership -- has nothing to check a departed server against.
func TestBuilderSeededFromPreviousTableRegistersItsServers(t *testing.T) {
	ast := assert.New(t)
	seed := slot.NewBuilder(nil, 2, 2)
	seed.SetServers([]slot.ServerID{"A", "B"})
	_, _ = seed.ReplaceLeader(0, "A")
	ast.Nil(seed.AddFollower(0, "B"))
	seed.IncrEpoch()
	table := seed.Build()

	next := slot.NewBuilder(table, 2, 2)
	ast.ElementsMatch([]slot.ServerID{"A", "B"}, next.Servers())
}

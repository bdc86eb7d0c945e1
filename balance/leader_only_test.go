package balance_test

import (
	"testing"

	"github.com/eyeKill/slotbalancer/balance"
	"github.com/eyeKill/slotbalancer/slot"
	"github.com/stretchr/testify/assert"
)

// S1: trivial placement. slotNum=4, slotReplicas=1, servers={A}. Seed
// empty. Result: leader of every slot = A, no followers, epoch 1.
func TestLeaderOnlyTrivialPlacement(t *testing.T) {
	ast := assert.New(t)
	b := slot.NewBuilder(nil, 4, 1)
	members := []slot.ServerID{"A"}
	b.SetServers(members)

	lb := balance.NewLeaderOnlyBalancer(b, members)
	table, err := lb.Balance()
	ast.Nil(err)
	ast.NotNil(table)
	ast.Equal(uint64(1), table.Epoch())
	for id := 0; id < 4; id++ {
		ast.Equal(slot.ServerID("A"), table.Leader(slot.ID(id)))
		ast.Empty(table.Followers(slot.ID(id)))
	}
}

// S6: replica=1 degenerate. slotNum=8, slotReplicas=1, servers={A,B,C}:
// leader counts become {3,3,2} in some rotation, deterministic by
// server-id tie-break.
func TestLeaderOnlyDegenerateDistribution(t *testing.T) {
	ast := assert.New(t)
	b := slot.NewBuilder(nil, 8, 1)
	members := []slot.ServerID{"A", "B", "C"}
	b.SetServers(members)

	lb := balance.NewLeaderOnlyBalancer(b, members)
	table, err := lb.Balance()
	ast.Nil(err)
	ast.NotNil(table)

	counts := map[slot.ServerID]int{}
	for id := 0; id < 8; id++ {
		counts[table.Leader(slot.ID(id))]++
	}
	var values []int
	for _, v := range counts {
		values = append(values, v)
	}
	ast.Len(values, 3)
	sum := 0
	maxCount, minCount := 0, 1<<30
	for _, v := range values {
		sum += v
		if v > maxCount {
			maxCount = v
		}
		if v < minCount {
			minCount = v
		}
	}
	ast.Equal(8, sum)
	ast.LessOrEqual(maxCount-minCount, 1)
}

func TestLeaderOnlyRepairsDepartedLeader(t *testing.T) {
	ast := assert.New(t)
	b := slot.NewBuilder(nil, 2, 1)
	b.SetServers([]slot.ServerID{"A", "B"})
	_, err := b.ReplaceLeader(0, "A")
	ast.Nil(err)
	_, err = b.ReplaceLeader(1, "B")
	ast.Nil(err)
	b.IncrEpoch()

	seed := b.Build()
	b2 := slot.NewBuilder(seed, 2, 1)
	members := []slot.ServerID{"B"}
	b2.SetServers(members)
	// "A" departed; its slot still names A as leader in the seed.

	lb := balance.NewLeaderOnlyBalancer(b2, members)
	table, err := lb.Balance()
	ast.Nil(err)
	ast.NotNil(table)
	ast.Equal(slot.ServerID("B"), table.Leader(0))
	ast.Equal(slot.ServerID("B"), table.Leader(1))
}

func TestLeaderOnlyNoDataServers(t *testing.T) {
	ast := assert.New(t)
	b := slot.NewBuilder(nil, 1, 1)
	lb := balance.NewLeaderOnlyBalancer(b, nil)
	_, err := lb.Balance()
	ast.NotNil(err)
	var nds *balance.NoDataServersError
	ast.ErrorAs(err, &nds)
}

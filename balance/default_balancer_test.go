package balance_test

import (
	"testing"

	"github.com/eyeKill/slotbalancer/balance"
	"github.com/eyeKill/slotbalancer/slot"
	"github.com/stretchr/testify/assert"
)

// runToFixpoint repeatedly invokes Balance on the same builder until a
// round makes no progress, matching the caller contract described in
// spec.md §8 property 7: iterating until None converges in O(slotNum)
// invocations.
func runToFixpoint(t *testing.T, b *slot.Builder, members []slot.ServerID, policy balance.Policy) *slot.SlotTable {
	t.Helper()
	var last *slot.SlotTable
	for i := 0; i < 10*b.SlotNum()+10; i++ {
		bal := balance.NewBalancer(b, members, policy)
		table, err := bal.Balance()
		assert.Nil(t, err)
		if table == nil {
			return last
		}
		last = table
	}
	t.Fatalf("balance did not converge within bound")
	return nil
}

func countRoles(b *slot.Builder, members []slot.ServerID) (leaders, followers map[slot.ServerID]int) {
	leaders = make(map[slot.ServerID]int)
	followers = make(map[slot.ServerID]int)
	for _, m := range members {
		node := b.DataNodeSlot(m)
		leaders[m] = node.LeaderCount()
		followers[m] = node.FollowerCount()
	}
	return
}

// S2: balanced 3-way, replicas=2. slotNum=6, slotReplicas=2, servers={A,B,C},
// seed empty. After iterating to fixpoint: each server leads 2 slots and
// follows 2 slots; no server both leads and follows the same slot.
func TestDefaultBalancerThreeWayFixpoint(t *testing.T) {
	ast := assert.New(t)
	members := []slot.ServerID{"A", "B", "C"}
	b := slot.NewBuilder(nil, 6, 2)
	b.SetServers(members)
	policy := balance.NewPolicy(6)

	table := runToFixpoint(t, b, members, policy)
	ast.NotNil(table)

	leaders, followers := countRoles(b, members)
	for _, m := range members {
		ast.Equal(2, leaders[m], "leader count for %s", m)
		ast.Equal(2, followers[m], "follower count for %s", m)
	}
	for id := 0; id < 6; id++ {
		leader := b.DataServersOwningLeader(slot.ID(id))
		for _, f := range b.DataServersOwningFollower(slot.ID(id)) {
			ast.NotEqual(leader, f)
		}
	}
}

// S3: server join. Start from S2's fixpoint, add server D. Iterate to
// fixpoint: leader counts in {1,2}, follower counts in {1,2}.
func TestDefaultBalancerServerJoin(t *testing.T) {
	ast := assert.New(t)
	members := []slot.ServerID{"A", "B", "C"}
	b := slot.NewBuilder(nil, 6, 2)
	b.SetServers(members)
	policy := balance.NewPolicy(6)
	runToFixpoint(t, b, members, policy)

	membersWithD := []slot.ServerID{"A", "B", "C", "D"}
	b.SetServers(membersWithD)
	runToFixpoint(t, b, membersWithD, policy)

	leaders, followers := countRoles(b, membersWithD)
	for _, m := range membersWithD {
		ast.Contains([]int{1, 2}, leaders[m])
		ast.Contains([]int{1, 2}, followers[m])
	}
}

// S4: server leave. Start from S2's fixpoint, remove server C (stripped
// from the builder by the caller before balancing, per the resolved Open
// Question). Iterate to fixpoint: each of {A,B} leads 3 slots and follows
// 3 slots.
func TestDefaultBalancerServerLeave(t *testing.T) {
	ast := assert.New(t)
	members := []slot.ServerID{"A", "B", "C"}
	b := slot.NewBuilder(nil, 6, 2)
	b.SetServers(members)
	policy := balance.NewPolicy(6)
	runToFixpoint(t, b, members, policy)

	b.RemoveServer("C")
	remaining := []slot.ServerID{"A", "B"}
	b.SetServers(remaining)
	runToFixpoint(t, b, remaining, policy)

	leaders, followers := countRoles(b, remaining)
	ast.Equal(3, leaders["A"])
	ast.Equal(3, leaders["B"])
	ast.Equal(3, followers["A"])
	ast.Equal(3, followers["B"])
}

// S5: no progress. Already-balanced table with matching membership: the
// first Balance call returns nil.
func TestDefaultBalancerNoProgressWhenAlreadyBalanced(t *testing.T) {
	ast := assert.New(t)
	members := []slot.ServerID{"A", "B", "C"}
	b := slot.NewBuilder(nil, 6, 2)
	b.SetServers(members)
	policy := balance.NewPolicy(6)
	runToFixpoint(t, b, members, policy)

	bal := balance.NewBalancer(b, members, policy)
	table, err := bal.Balance()
	ast.Nil(err)
	ast.Nil(table)
}

func TestDefaultBalancerNoDataServers(t *testing.T) {
	ast := assert.New(t)
	b := slot.NewBuilder(nil, 4, 2)
	policy := balance.NewPolicy(4)
	bal := balance.NewDefaultSlotBalancer(b, nil, policy)
	_, err := bal.Balance()
	ast.NotNil(err)
	var nds *balance.NoDataServersError
	ast.ErrorAs(err, &nds)
}

func TestDefaultBalancerMovementBoundedByPolicy(t *testing.T) {
	ast := assert.New(t)
	members := []slot.ServerID{"A", "B", "C"}
	b := slot.NewBuilder(nil, 6, 2)
	b.SetServers(members)
	policy := balance.NewPolicy(6, balance.WithMaxMoveLeaderSlots(2), balance.WithMaxMoveFollowerSlots(2))

	before := snapshotAssignments(b, 6)
	bal := balance.NewBalancer(b, members, policy)
	_, err := bal.Balance()
	ast.Nil(err)
	after := snapshotAssignments(b, 6)

	moved := 0
	for i := range before {
		if before[i] != after[i] {
			moved++
		}
	}
	ast.LessOrEqual(moved, 4) // bounded by max(maxMoveLeaderSlots, maxMoveFollowerSlots) * small constant
}

func snapshotAssignments(b *slot.Builder, slotNum int) []string {
	out := make([]string, slotNum)
	for id := 0; id < slotNum; id++ {
		leader := b.DataServersOwningLeader(slot.ID(id))
		followers := b.DataServersOwningFollower(slot.ID(id))
		s := string(leader)
		for _, f := range followers {
			s += "," + string(f)
		}
		out[id] = s
	}
	return out
}

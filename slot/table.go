// Package slot holds the slot-table data model: the immutable SlotTable a
// balancer round emits, the per-server DataNodeSlot projection of it, and
// the SlotTableBuilder mutation surface a balancer works against.
package slot

import "sort"

// ServerID identifies a data-server. Equality is by string identity; the
// set of ids is totally ordered lexicographically, which seeds every
// tie-break in the balance package.
type ServerID string

// ID is a slot identifier in [0, slotNum).
type ID int

// Assignment is the leader/follower role assignment for a single slot.
type Assignment struct {
	Leader    ServerID
	Followers []ServerID
}

// HasLeader reports whether the slot currently has a leader assigned.
func (a Assignment) HasLeader() bool {
	return a.Leader != ""
}

// ContainsFollower reports whether server is a follower of this assignment.
func (a Assignment) ContainsFollower(server ServerID) bool {
	for _, f := range a.Followers {
		if f == server {
			return true
		}
	}
	return false
}

// SlotTable is an immutable snapshot of role assignments for every slot,
// plus a monotonic epoch. Two tables with the same epoch are identical.
type SlotTable struct {
	epoch        uint64
	slotNum      int
	slotReplicas int
	assignments  []Assignment
}

// Epoch returns the table's monotonic version number.
func (t *SlotTable) Epoch() uint64 { return t.epoch }

// SlotNum returns the number of slots in the table.
func (t *SlotTable) SlotNum() int { return t.slotNum }

// SlotReplicas returns the configured replica factor.
func (t *SlotTable) SlotReplicas() int { return t.slotReplicas }

// Leader returns the leader of the given slot, or "" if unset.
func (t *SlotTable) Leader(id ID) ServerID {
	return t.assignments[id].Leader
}

// Followers returns a copy of the follower list for the given slot, ordered
// lexicographically.
func (t *SlotTable) Followers(id ID) []ServerID {
	src := t.assignments[id].Followers
	out := make([]ServerID, len(src))
	copy(out, src)
	return out
}

// Assignment returns a copy of the full assignment for the given slot.
func (t *SlotTable) Assignment(id ID) Assignment {
	a := t.assignments[id]
	out := Assignment{Leader: a.Leader, Followers: make([]ServerID, len(a.Followers))}
	copy(out.Followers, a.Followers)
	return out
}

// NewSlotTable builds a SlotTable from already-materialized pieces. It
// exists for deserialization (e.g. the controller reading a persisted
// table back out of zookeeper) and tests -- ordinary balancer code never
// constructs a SlotTable directly, it always goes through a Builder.
func NewSlotTable(epoch uint64, slotNum, slotReplicas int, assignments []Assignment) *SlotTable {
	out := make([]Assignment, slotNum)
	for id := 0; id < slotNum && id < len(assignments); id++ {
		a := assignments[id]
		followers := make([]ServerID, len(a.Followers))
		copy(followers, a.Followers)
		sort.Slice(followers, func(i, j int) bool { return followers[i] < followers[j] })
		out[id] = Assignment{Leader: a.Leader, Followers: followers}
	}
	return &SlotTable{epoch: epoch, slotNum: slotNum, slotReplicas: slotReplicas, assignments: out}
}

// DataNodeSlot is the per-server projection of a slot-table (or a builder's
// working copy): which slots a server leads, and which it follows. A slot
// never appears in both sets for the same DataNodeSlot.
type DataNodeSlot struct {
	Server    ServerID
	leaders   map[ID]struct{}
	followers map[ID]struct{}
}

func newDataNodeSlot(server ServerID) *DataNodeSlot {
	return &DataNodeSlot{
		Server:    server,
		leaders:   make(map[ID]struct{}),
		followers: make(map[ID]struct{}),
	}
}

// ContainsLeader reports whether the server leads the given slot.
func (d *DataNodeSlot) ContainsLeader(id ID) bool {
	_, ok := d.leaders[id]
	return ok
}

// ContainsFollower reports whether the server follows the given slot.
func (d *DataNodeSlot) ContainsFollower(id ID) bool {
	_, ok := d.followers[id]
	return ok
}

// LeaderCount returns the number of slots this server leads.
func (d *DataNodeSlot) LeaderCount() int { return len(d.leaders) }

// FollowerCount returns the number of slots this server follows.
func (d *DataNodeSlot) FollowerCount() int { return len(d.followers) }

// Leaders returns the slots this server leads, sorted ascending.
func (d *DataNodeSlot) Leaders() []ID { return sortedIDs(d.leaders) }

// Followers returns the slots this server follows, sorted ascending.
func (d *DataNodeSlot) Followers() []ID { return sortedIDs(d.followers) }

func sortedIDs(set map[ID]struct{}) []ID {
	out := make([]ID, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// CollectServers returns the server ids of the given DataNodeSlots, sorted
// lexicographically. Duplicates in nodes are not removed.
func CollectServers(nodes []*DataNodeSlot) []ServerID {
	out := make([]ServerID, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, n.Server)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

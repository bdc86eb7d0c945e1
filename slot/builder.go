package slot

import "sort"

// Builder is the mutable working copy of a slot-table. It owns a working
// assignment list plus per-server leader/follower indices kept in
// lock-step with every mutation. It is constructed from a previous
// SlotTable (or empty), mutated only by a balancer, and consumed by Build,
// which returns an immutable SlotTable at the current epoch (IncrEpoch
// bumps it).
//
// A Builder is not safe for concurrent mutation; callers must not share one
// across goroutines without external synchronization.
type Builder struct {
	epoch        uint64
	slotNum      int
	slotReplicas int
	assignments  []Assignment
	nodes        map[ServerID]*DataNodeSlot
	servers      map[ServerID]struct{}
}

// NewBuilder seeds a Builder from prev (which may be nil, meaning an empty
// table) and the target slotNum/slotReplicas. Every server named as a
// leader or follower in prev is also registered into the membership index,
// so a caller's first repair pass against a freshly loaded table can see
// and strip one that has since left the cluster, before SetServers runs.
func NewBuilder(prev *SlotTable, slotNum, slotReplicas int) *Builder {
	b := &Builder{
		slotNum:      slotNum,
		slotReplicas: slotReplicas,
		assignments:  make([]Assignment, slotNum),
		nodes:        make(map[ServerID]*DataNodeSlot),
		servers:      make(map[ServerID]struct{}),
	}
	if prev != nil {
		b.epoch = prev.epoch
		for id := 0; id < slotNum && id < prev.slotNum; id++ {
			a := prev.assignments[id]
			if a.Leader != "" {
				b.assignments[id].Leader = a.Leader
				b.node(a.Leader).leaders[ID(id)] = struct{}{}
				b.servers[a.Leader] = struct{}{}
			}
			for _, f := range a.Followers {
				b.assignments[id].Followers = append(b.assignments[id].Followers, f)
				b.node(f).followers[ID(id)] = struct{}{}
				b.servers[f] = struct{}{}
			}
		}
	}
	return b
}

// SetServers adds ids to the registered data-server membership. It is
// called by the orchestrator right before handing the builder to a
// balancer, so that watermark queries can report servers with zero leaders
// or followers -- those servers would otherwise never appear in any index.
// Servers already registered but absent from ids stay registered; only
// RemoveServer takes a server out.
func (b *Builder) SetServers(ids []ServerID) {
	for _, id := range ids {
		b.servers[id] = struct{}{}
		b.node(id)
	}
}

// Servers returns the registered membership, sorted lexicographically.
func (b *Builder) Servers() []ServerID {
	out := make([]ServerID, 0, len(b.servers))
	for id := range b.servers {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// RemoveServer strips server from the membership and from every slot it
// currently leads or follows. Used by the orchestrator's repair pass for
// servers that have left the cluster before a balance round runs.
func (b *Builder) RemoveServer(server ServerID) {
	delete(b.servers, server)
	node, ok := b.nodes[server]
	if !ok {
		return
	}
	for id := range node.leaders {
		b.assignments[id].Leader = ""
	}
	for id := range node.followers {
		b.assignments[id].Followers = removeFromSlice(b.assignments[id].Followers, server)
	}
	delete(b.nodes, server)
}

func removeFromSlice(s []ServerID, v ServerID) []ServerID {
	out := s[:0]
	for _, x := range s {
		if x != v {
			out = append(out, x)
		}
	}
	return out
}

func (b *Builder) node(server ServerID) *DataNodeSlot {
	n, ok := b.nodes[server]
	if !ok {
		n = newDataNodeSlot(server)
		b.nodes[server] = n
	}
	return n
}

// SlotNum returns the number of slots managed by this builder.
func (b *Builder) SlotNum() int { return b.slotNum }

// SlotReplicas returns the configured replica factor.
func (b *Builder) SlotReplicas() int { return b.slotReplicas }

// Epoch returns the builder's current epoch (pre-increment).
func (b *Builder) Epoch() uint64 { return b.epoch }

// IncrEpoch bumps the builder's epoch by one.
func (b *Builder) IncrEpoch() {
	b.epoch++
}

// Build returns an immutable SlotTable snapshot of the builder at its
// current epoch. The caller is expected to have called
// IncrEpoch itself beforehand if a mutation occurred; Build never
// increments on its own so that repeated Build calls on an unmodified
// builder stay idempotent.
func (b *Builder) Build() *SlotTable {
	assignments := make([]Assignment, b.slotNum)
	for id, a := range b.assignments {
		followers := make([]ServerID, len(a.Followers))
		copy(followers, a.Followers)
		sort.Slice(followers, func(i, j int) bool { return followers[i] < followers[j] })
		assignments[id] = Assignment{Leader: a.Leader, Followers: followers}
	}
	return &SlotTable{
		epoch:        b.epoch,
		slotNum:      b.slotNum,
		slotReplicas: b.slotReplicas,
		assignments:  assignments,
	}
}

// ReplaceLeader sets slot's leader to newLeader and returns the prior
// leader (which may be "" if the slot had none). If newLeader was already
// a follower of the slot it is removed from the follower set first.
func (b *Builder) ReplaceLeader(id ID, newLeader ServerID) (ServerID, error) {
	old := b.assignments[id].Leader
	if b.node(newLeader).ContainsFollower(id) {
		delete(b.node(newLeader).followers, id)
		b.assignments[id].Followers = removeFromSlice(b.assignments[id].Followers, newLeader)
	}
	if old != "" {
		delete(b.node(old).leaders, id)
	}
	b.assignments[id].Leader = newLeader
	b.node(newLeader).leaders[id] = struct{}{}
	if b.node(newLeader).ContainsFollower(id) {
		return "", &InvariantViolationError{Slot: id, Server: newLeader, Reason: "leader also a follower after replace"}
	}
	return old, nil
}

// AddFollower adds server as a follower of slot.
func (b *Builder) AddFollower(id ID, server ServerID) error {
	if b.assignments[id].Leader == server || b.node(server).ContainsFollower(id) {
		return &DuplicateReplicaError{Slot: id, Server: server}
	}
	if len(b.assignments[id].Followers) >= b.slotReplicas-1 {
		return &OverflowError{Slot: id, Replicas: b.slotReplicas}
	}
	b.assignments[id].Followers = append(b.assignments[id].Followers, server)
	b.node(server).followers[id] = struct{}{}
	return nil
}

// RemoveFollower removes server from slot's follower set.
func (b *Builder) RemoveFollower(id ID, server ServerID) error {
	if !b.node(server).ContainsFollower(id) {
		return &NotFoundError{Slot: id, Server: server}
	}
	delete(b.node(server).followers, id)
	b.assignments[id].Followers = removeFromSlice(b.assignments[id].Followers, server)
	return nil
}

// DataNodeSlot returns the per-server projection for server. If server has
// never been referenced it returns an empty-but-valid projection.
func (b *Builder) DataNodeSlot(server ServerID) *DataNodeSlot {
	return b.node(server)
}

// DataServersOwningFollower returns, sorted lexicographically, the servers
// that currently follow the given slot.
func (b *Builder) DataServersOwningFollower(id ID) []ServerID {
	out := make([]ServerID, len(b.assignments[id].Followers))
	copy(out, b.assignments[id].Followers)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// DataServersOwningLeader returns the current leader of the given slot, or
// "" if unset.
func (b *Builder) DataServersOwningLeader(id ID) ServerID {
	return b.assignments[id].Leader
}

// DataNodeSlotsLeaderBeyond returns the DataNodeSlot of every registered
// server whose leader count is strictly greater than threshold.
func (b *Builder) DataNodeSlotsLeaderBeyond(threshold int) []*DataNodeSlot {
	return b.filterServers(func(n *DataNodeSlot) bool { return n.LeaderCount() > threshold })
}

// DataNodeSlotsLeaderBelow returns the DataNodeSlot of every registered
// server whose leader count is strictly less than threshold.
func (b *Builder) DataNodeSlotsLeaderBelow(threshold int) []*DataNodeSlot {
	return b.filterServers(func(n *DataNodeSlot) bool { return n.LeaderCount() < threshold })
}

// DataNodeSlotsFollowerBeyond returns the DataNodeSlot of every registered
// server whose follower count is strictly greater than threshold.
func (b *Builder) DataNodeSlotsFollowerBeyond(threshold int) []*DataNodeSlot {
	return b.filterServers(func(n *DataNodeSlot) bool { return n.FollowerCount() > threshold })
}

// DataNodeSlotsFollowerBelow returns the DataNodeSlot of every registered
// server whose follower count is strictly less than threshold.
func (b *Builder) DataNodeSlotsFollowerBelow(threshold int) []*DataNodeSlot {
	return b.filterServers(func(n *DataNodeSlot) bool { return n.FollowerCount() < threshold })
}

func (b *Builder) filterServers(pred func(*DataNodeSlot) bool) []*DataNodeSlot {
	var out []*DataNodeSlot
	for server := range b.servers {
		node := b.node(server)
		if pred(node) {
			out = append(out, node)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Server < out[j].Server })
	return out
}

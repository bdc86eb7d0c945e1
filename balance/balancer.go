// Package balance implements the slot-table balancer: the constraint
// satisfying optimizer that re-assigns leader/follower roles across a
// cluster's current membership when it changes or drifts from uniform
// load. DefaultSlotBalancer and LeaderOnlyBalancer both implement Balancer;
// NewBalancer picks between them based on the configured replica factor.
package balance

import "github.com/eyeKill/slotbalancer/slot"

// Balancer recomputes a slot-table against its builder's current working
// copy. It returns a new immutable SlotTable if anything changed, or nil if
// the round made no progress. A DefaultSlotBalancer call applies at most one
// phase of work; a LeaderOnlyBalancer call runs its whole fill, repair and
// rebalance pass.
type Balancer interface {
	Balance() (*slot.SlotTable, error)
}

// NewBalancer returns a LeaderOnlyBalancer when the builder's replica
// factor is below 2 (no followers to balance), or a DefaultSlotBalancer
// otherwise.
func NewBalancer(builder *slot.Builder, currentDataServers []slot.ServerID, policy Policy) Balancer {
	if builder.SlotReplicas() < 2 {
		return NewLeaderOnlyBalancer(builder, currentDataServers)
	}
	return NewDefaultSlotBalancer(builder, currentDataServers, policy)
}

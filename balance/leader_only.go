package balance

import (
	"sort"

	"github.com/eyeKill/slotbalancer/internal/obs"
	"github.com/eyeKill/slotbalancer/slot"
	"go.uber.org/zap"
)

// LeaderOnlyBalancer is the degenerate balancer used when slotReplicas < 2:
// there are no followers to place, so every slot reduces to "pick a
// leader and keep the leader counts even."
type LeaderOnlyBalancer struct {
	builder            *slot.Builder
	currentDataServers []slot.ServerID
	memberSet          map[slot.ServerID]struct{}
}

// NewLeaderOnlyBalancer builds a LeaderOnlyBalancer over builder's current
// working copy and the given membership.
func NewLeaderOnlyBalancer(builder *slot.Builder, currentDataServers []slot.ServerID) *LeaderOnlyBalancer {
	set := make(map[slot.ServerID]struct{}, len(currentDataServers))
	for _, s := range currentDataServers {
		set[s] = struct{}{}
	}
	return &LeaderOnlyBalancer{
		builder:            builder,
		currentDataServers: sortedCopy(currentDataServers),
		memberSet:          set,
	}
}

func sortedCopy(ids []slot.ServerID) []slot.ServerID {
	out := make([]slot.ServerID, len(ids))
	copy(out, ids)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Balance runs the leader-only placement algorithm described in spec.md
// §4.4: fill leaderless slots, repair slots whose leader has left the
// membership, then greedily even out leader counts.
func (l *LeaderOnlyBalancer) Balance() (*slot.SlotTable, error) {
	if len(l.currentDataServers) == 0 {
		return nil, &NoDataServersError{}
	}
	changed := false

	for id := 0; id < l.builder.SlotNum(); id++ {
		leader := l.builder.DataServersOwningLeader(slot.ID(id))
		if leader == "" {
			l.assignFewestLeaders(slot.ID(id))
			changed = true
		}
	}

	for id := 0; id < l.builder.SlotNum(); id++ {
		leader := l.builder.DataServersOwningLeader(slot.ID(id))
		if leader != "" {
			if _, ok := l.memberSet[leader]; !ok {
				l.assignFewestLeaders(slot.ID(id))
				changed = true
			}
		}
	}

	ceil := (l.builder.SlotNum() + len(l.currentDataServers) - 1) / len(l.currentDataServers)
	for l.rebalanceOnce(ceil) {
		changed = true
	}

	if !changed {
		return nil, nil
	}
	l.builder.IncrEpoch()
	return l.builder.Build(), nil
}

func (l *LeaderOnlyBalancer) assignFewestLeaders(id slot.ID) {
	cmp := leastLeadersFirst(l.builder)
	candidates := sortedCopy(l.currentDataServers)
	sortServers(candidates, cmp)
	target := candidates[0]
	old, err := l.builder.ReplaceLeader(id, target)
	if err != nil {
		obs.Log().Error("[LeaderOnly] replaceLeader invariant violation", zap.Int("slot", int(id)), zap.Error(err))
		return
	}
	obs.Log().Info("[LeaderOnly] assigned leader", zap.Int("slot", int(id)),
		zap.String("from", string(old)), zap.String("to", string(target)))
}

func (l *LeaderOnlyBalancer) rebalanceOnce(ceil int) bool {
	cmp := mostLeadersFirst(l.builder)
	hottest := sortedCopy(l.currentDataServers)
	sortServers(hottest, cmp)
	hot := hottest[0]
	if l.builder.DataNodeSlot(hot).LeaderCount() <= ceil {
		return false
	}
	slots := l.builder.DataNodeSlot(hot).Leaders()
	if len(slots) == 0 {
		return false
	}
	id := slots[0]

	coolest := sortedCopy(l.currentDataServers)
	sortServers(coolest, leastLeadersFirst(l.builder))
	target := coolest[0]
	if target == hot {
		return false
	}
	old, err := l.builder.ReplaceLeader(id, target)
	if err != nil {
		obs.Log().Error("[LeaderOnly] rebalance invariant violation", zap.Int("slot", int(id)), zap.Error(err))
		return false
	}
	obs.Log().Info("[LeaderOnly] rebalanced leader", zap.Int("slot", int(id)),
		zap.String("from", string(old)), zap.String("to", string(target)))
	return true
}

package balance

import (
	"github.com/eyeKill/slotbalancer/internal/obs"
	"github.com/eyeKill/slotbalancer/slot"
	"go.uber.org/zap"
)

// DefaultSlotBalancer orchestrates its balancing phases against a
// slot.Builder, in fixed priority order, returning on the first phase that
// changes state:
//
//  0a. assignOrphanLeaders      -- fill slots with no leader at all
//  0b. fillMissingFollowers     -- fill slots short of their full follower set
//  1.  balanceLeaderSlots       -- reduce leader hotspots
//  2.  balanceHighFollowerSlots -- reduce follower hotspots
//  3.  balanceLowFollowerSlots  -- raise follower cold spots
//  4.  balanceLowLeaders        -- raise leader cold spots
//
// Phases 0a/0b run first because every watermark phase below them assumes
// every slot already has a leader and a full follower set -- an empty or
// under-filled slot has count 0 everywhere, which trivially satisfies every
// low-water-mark check (every server is simultaneously "below" the
// threshold, so the exclude set built from that check swallows the whole
// membership and leaves no donor candidate) and would otherwise stall the
// state machine on a fresh or partially-repaired table. Both phases assign
// directly rather than moving an existing role, so -- like the watermark
// phases below them -- they are capped by the policy's movement limits to
// keep each round's change-set bounded; a table with many orphaned slots
// fills in over several successive invocations, not one.
//
// Leader imbalance harms request routing the most, and raising cold
// followers is cheaper than raising cold leaders (which forces a leader
// handoff) -- hence the ordering of phases 1-4. Returning after the first
// successful phase keeps each round's change-set small and bounded, which
// is what lets repeated invocations converge.
type DefaultSlotBalancer struct {
	builder            *slot.Builder
	currentDataServers []slot.ServerID
	policy             Policy
	slotNum            int
	slotReplicas       int
}

// NewDefaultSlotBalancer builds a DefaultSlotBalancer over builder's
// current working copy and the given membership, using policy for
// watermarks and movement caps.
func NewDefaultSlotBalancer(builder *slot.Builder, currentDataServers []slot.ServerID, policy Policy) *DefaultSlotBalancer {
	return &DefaultSlotBalancer{
		builder:            builder,
		currentDataServers: sortedCopy(currentDataServers),
		policy:             policy,
		slotNum:            builder.SlotNum(),
		slotReplicas:       builder.SlotReplicas(),
	}
}

// GetSlotTableBuilder exposes the working builder, e.g. for diagnostics
// after a round that made no progress.
func (d *DefaultSlotBalancer) GetSlotTableBuilder() *slot.Builder { return d.builder }

func divCeil(a, b int) int {
	return (a + b - 1) / b
}

// Balance runs exactly one phase and returns the resulting SlotTable, or
// nil if no phase changed anything.
func (d *DefaultSlotBalancer) Balance() (*slot.SlotTable, error) {
	if len(d.currentDataServers) == 0 {
		return nil, &NoDataServersError{}
	}

	changed, err := d.assignOrphanLeaders()
	if err != nil {
		return nil, err
	}
	if changed {
		obs.Log().Info("[assignOrphanLeaders] end")
		return d.finish(), nil
	}

	changed, err = d.fillMissingFollowers()
	if err != nil {
		return nil, err
	}
	if changed {
		obs.Log().Info("[fillMissingFollowers] end")
		return d.finish(), nil
	}

	changed, err = d.balanceLeaderSlots()
	if err != nil {
		return nil, err
	}
	if changed {
		obs.Log().Info("[balanceLeaderSlots] end")
		return d.finish(), nil
	}

	changed, err = d.balanceHighFollowerSlots()
	if err != nil {
		return nil, err
	}
	if changed {
		obs.Log().Info("[balanceHighFollowerSlots] end")
		return d.finish(), nil
	}

	changed, err = d.balanceLowFollowerSlots()
	if err != nil {
		return nil, err
	}
	if changed {
		obs.Log().Info("[balanceLowFollowerSlots] end")
		return d.finish(), nil
	}

	changed, err = d.balanceLowLeaders()
	if err != nil {
		return nil, err
	}
	if changed {
		obs.Log().Info("[balanceLowLeaders] end")
		return d.finish(), nil
	}

	obs.Log().Info("[balance] do nothing")
	return nil, nil
}

func (d *DefaultSlotBalancer) finish() *slot.SlotTable {
	d.builder.IncrEpoch()
	return d.builder.Build()
}

// --- phase 0a: orphan leaders --------------------------------------------

// assignOrphanLeaders gives a leader to every slot that currently has none
// -- a fresh table, or one a repair pass just stripped a departed leader
// from. Candidates are recomputed least-leaders-first on every assignment,
// same as LeaderOnlyBalancer.assignFewestLeaders, so a run of orphan slots
// spreads evenly across the membership rather than piling onto one server.
// Assignments are capped by the policy's leader movement limit, same as
// every other phase, so a table with more orphans than the cap allows
// fills in over several successive Balance calls.
func (d *DefaultSlotBalancer) assignOrphanLeaders() (bool, error) {
	maxMove := d.policy.MaxMoveLeaderSlots()
	changed := false
	assigned := 0
	for id := 0; id < d.slotNum && assigned < maxMove; id++ {
		slotID := slot.ID(id)
		if d.builder.DataServersOwningLeader(slotID) != "" {
			continue
		}
		candidates := sortedCopy(d.currentDataServers)
		sortServers(candidates, leastLeadersFirst(d.builder))
		target := candidates[0]
		if _, err := d.builder.ReplaceLeader(slotID, target); err != nil {
			return false, &InvariantViolationError{Op: "assignOrphanLeaders", Detail: err.Error()}
		}
		obs.Log().Info("[assignOrphanLeaders] assigned leader", zap.Int("slot", id), zap.String("to", string(target)))
		changed = true
		assigned++
	}
	return changed, nil
}

// --- phase 0b: missing followers -----------------------------------------

// fillMissingFollowers brings every slot's follower set up to slotReplicas-1
// by direct assignment, not relocation. A slot can be short a follower for
// the same reasons a slot can be missing its leader entirely: a fresh
// table, a server departure, or a membership change that widened
// slotReplicas-1. Without this phase a slot whose followers never leave 0
// would stay there forever, for the identical reason assignOrphanLeaders is
// needed: every "low follower count" watermark check is trivially true
// across the whole membership, so the rebalancing phases below never find
// a donor that isn't itself excluded as equally cold.
//
// Candidates are recomputed least-followers-first for every assignment, and
// skip a slot's current leader and existing followers. Capped by the
// policy's follower movement limit, like every other phase.
func (d *DefaultSlotBalancer) fillMissingFollowers() (bool, error) {
	if d.slotReplicas < 2 {
		return false, nil
	}
	maxMove := d.policy.MaxMoveFollowerSlots()
	changed := false
	filled := 0
	for id := 0; id < d.slotNum && filled < maxMove; id++ {
		slotID := slot.ID(id)
		for len(d.builder.DataServersOwningFollower(slotID)) < d.slotReplicas-1 {
			if filled >= maxMove {
				break
			}
			candidates := sortedCopy(d.currentDataServers)
			sortServers(candidates, leastFollowersFirst(d.builder))
			target, ok := firstEligibleFollower(d.builder, slotID, candidates)
			if !ok {
				break
			}
			if err := d.builder.AddFollower(slotID, target); err != nil {
				return false, &InvariantViolationError{Op: "fillMissingFollowers", Detail: err.Error()}
			}
			obs.Log().Info("[fillMissingFollowers] added follower", zap.Int("slot", id), zap.String("to", string(target)))
			changed = true
			filled++
		}
	}
	return changed, nil
}

// firstEligibleFollower returns the first of candidates that neither leads
// nor already follows slot.
func firstEligibleFollower(b *slot.Builder, id slot.ID, candidates []slot.ServerID) (slot.ServerID, bool) {
	leader := b.DataServersOwningLeader(id)
	for _, c := range candidates {
		if c == leader || b.DataNodeSlot(c).ContainsFollower(id) {
			continue
		}
		return c, true
	}
	return "", false
}

// --- phase 1: leader hotspots -----------------------------------------

func (d *DefaultSlotBalancer) balanceLeaderSlots() (bool, error) {
	leaderCeilAvg := divCeil(d.slotNum, len(d.currentDataServers))
	ok, err := d.upgradeHighLeaders(leaderCeilAvg)
	if err != nil || ok {
		return ok, err
	}
	return d.migrateHighLeaders(leaderCeilAvg)
}

func (d *DefaultSlotBalancer) upgradeHighLeaders(ceilAvg int) (bool, error) {
	maxMove := d.policy.MaxMoveLeaderSlots()
	threshold := d.policy.HighWaterMarkSlotLeaderNums(ceilAvg)
	balanced := 0
	notSatisfies := make(map[slot.ServerID]struct{})

	for balanced < maxMove {
		highDataServers := d.findDataServersLeaderHighWaterMark(threshold)
		if len(highDataServers) == 0 {
			break
		}
		if containsAll(notSatisfies, highDataServers) {
			obs.Log().Info("[upgradeHighLeaders] could not find followers to upgrade", zap.Any("servers", highDataServers))
			break
		}
		excludes := toSet(highDataServers)
		mergeSet(excludes, d.findDataServersLeaderHighWaterMark(threshold-1))

		progressed := false
		for _, hot := range highDataServers {
			if _, skip := notSatisfies[hot]; skip {
				continue
			}
			candidate, slotID, ok := d.selectFollower4LeaderUpgradeOut(hot, excludes)
			if !ok {
				notSatisfies[hot] = struct{}{}
				continue
			}
			old, err := d.builder.ReplaceLeader(slotID, candidate)
			if err != nil {
				return false, &InvariantViolationError{Op: "upgradeHighLeaders", Detail: err.Error()}
			}
			// hot keeps a replica of this slot -- it swaps from leader to follower.
			if err := d.builder.AddFollower(slotID, old); err != nil {
				return false, &InvariantViolationError{Op: "upgradeHighLeaders", Detail: err.Error()}
			}
			obs.Log().Info("[upgradeHighLeaders] leader balance", zap.Int("slot", int(slotID)),
				zap.String("from", string(old)), zap.String("to", string(candidate)))
			balanced++
			progressed = true
			break
		}
		if !progressed {
			break
		}
	}
	return balanced != 0, nil
}

func (d *DefaultSlotBalancer) migrateHighLeaders(ceilAvg int) (bool, error) {
	maxMove := d.policy.MaxMoveFollowerSlots()
	threshold := d.policy.HighWaterMarkSlotLeaderNums(ceilAvg)

	highDataServers := d.findDataServersLeaderHighWaterMark(threshold)
	if len(highDataServers) == 0 {
		return false, nil
	}
	excludes := toSet(highDataServers)
	mergeSet(excludes, d.findDataServersLeaderHighWaterMark(threshold-1))

	balanced := 0
	movedIn := make(map[slot.ServerID]struct{})
	for _, hot := range highDataServers {
		oldFollower, slotID, candidate, ok := d.selectFollower4LeaderMigrate(hot, excludes, movedIn)
		if !ok {
			obs.Log().Warn("[migrateHighLeaders] could not find dataServer to migrate follower", zap.String("server", string(hot)))
			continue
		}
		if err := d.builder.RemoveFollower(slotID, oldFollower); err != nil {
			return false, &InvariantViolationError{Op: "migrateHighLeaders", Detail: err.Error()}
		}
		if err := d.builder.AddFollower(slotID, candidate); err != nil {
			return false, &InvariantViolationError{Op: "migrateHighLeaders", Detail: err.Error()}
		}
		movedIn[candidate] = struct{}{}
		obs.Log().Info("[migrateHighLeaders] follower balance", zap.Int("slot", int(slotID)),
			zap.String("from", string(oldFollower)), zap.String("to", string(candidate)))
		balanced++
		if balanced >= maxMove {
			break
		}
	}
	return balanced != 0, nil
}

func (d *DefaultSlotBalancer) selectFollower4LeaderUpgradeOut(hot slot.ServerID, excludes map[slot.ServerID]struct{}) (slot.ServerID, slot.ID, bool) {
	leaderSlots := d.builder.DataNodeSlot(hot).Leaders()
	candidatesBySlots := make(map[slot.ServerID][]slot.ID)
	for _, s := range leaderSlots {
		for _, f := range d.builder.DataServersOwningFollower(s) {
			if _, excluded := excludes[f]; excluded {
				continue
			}
			candidatesBySlots[f] = append(candidatesBySlots[f], s)
		}
	}
	if len(candidatesBySlots) == 0 {
		obs.Log().Debug("[LeaderUpgradeOut] no upgrade candidates", zap.String("hot", string(hot)), zap.Any("leaderSlots", leaderSlots))
		return "", 0, false
	}
	servers := keysOf(candidatesBySlots)
	sortServers(servers, leastLeadersFirst(d.builder))
	chosen := servers[0]
	return chosen, candidatesBySlots[chosen][0], true
}

func (d *DefaultSlotBalancer) selectFollower4LeaderMigrate(hot slot.ServerID, excludes, movedIn map[slot.ServerID]struct{}) (slot.ServerID, slot.ID, slot.ServerID, bool) {
	leaderSlots := d.builder.DataNodeSlot(hot).Leaders()
	followersBySlots := make(map[slot.ServerID][]slot.ID)
	for _, s := range leaderSlots {
		for _, f := range d.builder.DataServersOwningFollower(s) {
			if _, moved := movedIn[f]; moved {
				continue
			}
			followersBySlots[f] = append(followersBySlots[f], s)
		}
	}
	obs.Log().Debug("[LeaderMigrate] candidates", zap.String("hot", string(hot)), zap.Any("leaderSlots", leaderSlots))
	migrateServers := keysOf(followersBySlots)
	sortServers(migrateServers, mostFollowersFirst(d.builder))
	for _, m := range migrateServers {
		for _, s := range followersBySlots[m] {
			candidates := d.getCandidateDataServers(excludes, leastLeadersFirst(d.builder))
			for _, c := range candidates {
				if c == m {
					continue
				}
				if d.builder.DataNodeSlot(c).ContainsFollower(s) {
					obs.Log().Debug("[LeaderMigrate] follower conflict", zap.Int("slot", int(s)),
						zap.String("from", string(m)), zap.String("to", string(c)))
					continue
				}
				return m, s, c, true
			}
		}
	}
	return "", 0, "", false
}

// --- phase 2/3: follower hotspots / coldspots --------------------------

func (d *DefaultSlotBalancer) balanceHighFollowerSlots() (bool, error) {
	followerCeilAvg := divCeil(d.slotNum*(d.slotReplicas-1), len(d.currentDataServers))
	maxMove := d.policy.MaxMoveFollowerSlots()
	threshold := d.policy.HighWaterMarkSlotFollowerNums(followerCeilAvg)
	balanced := 0

	for balanced < maxMove {
		highDataServers := d.findDataServersFollowerHighWaterMark(threshold)
		if len(highDataServers) == 0 {
			break
		}
		excludes := toSet(highDataServers)
		mergeSet(excludes, d.findDataServersFollowerHighWaterMark(threshold-1))

		progressed := false
		for _, hot := range highDataServers {
			candidate, slotID, ok := d.selectFollower4BalanceOut(hot, excludes)
			if !ok {
				obs.Log().Warn("[balanceHighFollowerSlots] could not find follower slot to balance", zap.String("server", string(hot)))
				continue
			}
			if err := d.builder.RemoveFollower(slotID, hot); err != nil {
				return false, &InvariantViolationError{Op: "balanceHighFollowerSlots", Detail: err.Error()}
			}
			if err := d.builder.AddFollower(slotID, candidate); err != nil {
				return false, &InvariantViolationError{Op: "balanceHighFollowerSlots", Detail: err.Error()}
			}
			obs.Log().Info("[balanceHighFollowerSlots] follower balance", zap.Int("slot", int(slotID)),
				zap.String("from", string(hot)), zap.String("to", string(candidate)))
			balanced++
			progressed = true
			break
		}
		if !progressed {
			break
		}
	}
	return balanced != 0, nil
}

func (d *DefaultSlotBalancer) balanceLowFollowerSlots() (bool, error) {
	followerFloorAvg := (d.slotNum * (d.slotReplicas - 1)) / len(d.currentDataServers)
	maxMove := d.policy.MaxMoveFollowerSlots()
	threshold := d.policy.LowWaterMarkSlotFollowerNums(followerFloorAvg)
	balanced := 0

	for balanced < maxMove {
		lowDataServers := d.findDataServersFollowerLowWaterMark(threshold)
		if len(lowDataServers) == 0 {
			break
		}
		excludes := toSet(lowDataServers)
		mergeSet(excludes, d.findDataServersFollowerLowWaterMark(threshold+1))

		progressed := false
		for _, cold := range lowDataServers {
			oldFollower, slotID, ok := d.selectFollower4BalanceIn(cold, excludes)
			if !ok {
				obs.Log().Warn("[balanceLowFollowerSlots] could not find follower slot to balance", zap.String("server", string(cold)))
				continue
			}
			if err := d.builder.RemoveFollower(slotID, oldFollower); err != nil {
				return false, &InvariantViolationError{Op: "balanceLowFollowerSlots", Detail: err.Error()}
			}
			if err := d.builder.AddFollower(slotID, cold); err != nil {
				return false, &InvariantViolationError{Op: "balanceLowFollowerSlots", Detail: err.Error()}
			}
			obs.Log().Info("[balanceLowFollowerSlots] follower balance", zap.Int("slot", int(slotID)),
				zap.String("from", string(oldFollower)), zap.String("to", string(cold)))
			balanced++
			progressed = true
			break
		}
		if !progressed {
			break
		}
	}
	return balanced != 0, nil
}

func (d *DefaultSlotBalancer) selectFollower4BalanceOut(hot slot.ServerID, excludes map[slot.ServerID]struct{}) (slot.ServerID, slot.ID, bool) {
	followerSlots := d.builder.DataNodeSlot(hot).Followers()
	candidates := d.getCandidateDataServers(excludes, leastFollowersFirst(d.builder))
	for _, s := range followerSlots {
		for _, c := range candidates {
			node := d.builder.DataNodeSlot(c)
			if node.ContainsLeader(s) || node.ContainsFollower(s) {
				continue
			}
			return c, s, true
		}
	}
	return "", 0, false
}

func (d *DefaultSlotBalancer) selectFollower4BalanceIn(cold slot.ServerID, excludes map[slot.ServerID]struct{}) (slot.ServerID, slot.ID, bool) {
	coldNode := d.builder.DataNodeSlot(cold)
	candidates := d.getCandidateDataServers(excludes, mostFollowersFirst(d.builder))
	for _, c := range candidates {
		for _, s := range d.builder.DataNodeSlot(c).Followers() {
			if coldNode.ContainsFollower(s) || coldNode.ContainsLeader(s) {
				continue
			}
			return c, s, true
		}
	}
	return "", 0, false
}

// --- phase 4: leader coldspots ------------------------------------------

func (d *DefaultSlotBalancer) balanceLowLeaders() (bool, error) {
	leaderFloorAvg := d.slotNum / len(d.currentDataServers)
	maxMove := d.policy.MaxMoveLeaderSlots()
	threshold := d.policy.LowWaterMarkSlotLeaderNums(leaderFloorAvg)
	balanced := 0
	notSatisfies := make(map[slot.ServerID]struct{})

	for balanced < maxMove {
		lowDataServers := d.findDataServersLeaderLowWaterMark(threshold)
		if len(lowDataServers) == 0 {
			break
		}
		if containsAll(notSatisfies, lowDataServers) {
			obs.Log().Info("[balanceLowLeaders] could not find followers to upgrade", zap.Any("servers", lowDataServers))
			break
		}
		excludes := toSet(lowDataServers)
		mergeSet(excludes, d.findDataServersLeaderLowWaterMark(threshold+1))

		progressed := false
		for _, cold := range lowDataServers {
			if _, skip := notSatisfies[cold]; skip {
				continue
			}
			oldLeader, slotID, ok := d.selectFollower4LeaderUpgradeIn(cold, excludes)
			if !ok {
				notSatisfies[cold] = struct{}{}
				continue
			}
			replaced, err := d.builder.ReplaceLeader(slotID, cold)
			if err != nil {
				return false, &InvariantViolationError{Op: "balanceLowLeaders", Detail: err.Error()}
			}
			if replaced != oldLeader {
				obs.Log().Error("[balanceLowLeaders] conflict leader", zap.Int("slot", int(slotID)),
					zap.String("expected", string(oldLeader)), zap.String("got", string(replaced)))
				return false, &InvariantViolationError{
					Op:     "balanceLowLeaders",
					Detail: "conflict leader: expected " + string(oldLeader) + ", got " + string(replaced),
				}
			}
			// oldLeader keeps a replica of this slot -- it swaps from leader to follower.
			if err := d.builder.AddFollower(slotID, oldLeader); err != nil {
				return false, &InvariantViolationError{Op: "balanceLowLeaders", Detail: err.Error()}
			}
			obs.Log().Info("[balanceLowLeaders] leader balance", zap.Int("slot", int(slotID)),
				zap.String("from", string(oldLeader)), zap.String("to", string(cold)))
			balanced++
			progressed = true
			break
		}
		if !progressed {
			break
		}
	}
	return balanced != 0, nil
}

func (d *DefaultSlotBalancer) selectFollower4LeaderUpgradeIn(cold slot.ServerID, excludes map[slot.ServerID]struct{}) (slot.ServerID, slot.ID, bool) {
	followerSlots := d.builder.DataNodeSlot(cold).Followers()
	leadersBySlots := make(map[slot.ServerID][]slot.ID)
	for _, s := range followerSlots {
		leader := d.builder.DataServersOwningLeader(s)
		if leader == "" {
			obs.Log().Error("[LeaderUpgradeIn] no leader for slot", zap.Int("slot", int(s)), zap.String("follower", string(cold)))
			continue
		}
		if _, excluded := excludes[leader]; excluded {
			continue
		}
		leadersBySlots[leader] = append(leadersBySlots[leader], s)
	}
	if len(leadersBySlots) == 0 {
		return "", 0, false
	}
	servers := keysOf(leadersBySlots)
	sortServers(servers, mostLeadersFirst(d.builder))
	chosen := servers[0]
	return chosen, leadersBySlots[chosen][0], true
}

// --- watermark lookups ---------------------------------------------------

func (d *DefaultSlotBalancer) findDataServersLeaderHighWaterMark(threshold int) []slot.ServerID {
	nodes := d.builder.DataNodeSlotsLeaderBeyond(threshold)
	servers := slot.CollectServers(nodes)
	sortServers(servers, mostLeadersFirst(d.builder))
	return servers
}

func (d *DefaultSlotBalancer) findDataServersLeaderLowWaterMark(threshold int) []slot.ServerID {
	nodes := d.builder.DataNodeSlotsLeaderBelow(threshold)
	servers := slot.CollectServers(nodes)
	sortServers(servers, leastLeadersFirst(d.builder))
	return servers
}

func (d *DefaultSlotBalancer) findDataServersFollowerHighWaterMark(threshold int) []slot.ServerID {
	nodes := d.builder.DataNodeSlotsFollowerBeyond(threshold)
	servers := slot.CollectServers(nodes)
	sortServers(servers, mostFollowersFirst(d.builder))
	return servers
}

func (d *DefaultSlotBalancer) findDataServersFollowerLowWaterMark(threshold int) []slot.ServerID {
	nodes := d.builder.DataNodeSlotsFollowerBelow(threshold)
	servers := slot.CollectServers(nodes)
	sortServers(servers, leastFollowersFirst(d.builder))
	return servers
}

func (d *DefaultSlotBalancer) getCandidateDataServers(excludes map[slot.ServerID]struct{}, cmp less) []slot.ServerID {
	var out []slot.ServerID
	for _, s := range d.currentDataServers {
		if _, excluded := excludes[s]; !excluded {
			out = append(out, s)
		}
	}
	sortServers(out, cmp)
	return out
}

// --- small set helpers ---------------------------------------------------

func toSet(ids []slot.ServerID) map[slot.ServerID]struct{} {
	set := make(map[slot.ServerID]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

func mergeSet(dst map[slot.ServerID]struct{}, ids []slot.ServerID) {
	for _, id := range ids {
		dst[id] = struct{}{}
	}
}

func containsAll(set map[slot.ServerID]struct{}, ids []slot.ServerID) bool {
	for _, id := range ids {
		if _, ok := set[id]; !ok {
			return false
		}
	}
	return true
}

func keysOf(m map[slot.ServerID][]slot.ID) []slot.ServerID {
	out := make([]slot.ServerID, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

package balance

import (
	"sort"

	"github.com/eyeKill/slotbalancer/slot"
)

// less is a total ordering over server ids, usable with sort.Slice.
type less func(a, b slot.ServerID) bool

// mostLeadersFirst orders by descending leader count, ties broken by
// ascending server id.
func mostLeadersFirst(b *slot.Builder) less {
	return func(a, c slot.ServerID) bool {
		la, lc := b.DataNodeSlot(a).LeaderCount(), b.DataNodeSlot(c).LeaderCount()
		if la != lc {
			return la > lc
		}
		return a < c
	}
}

// leastLeadersFirst orders by ascending leader count, ties broken by
// ascending server id.
func leastLeadersFirst(b *slot.Builder) less {
	return func(a, c slot.ServerID) bool {
		la, lc := b.DataNodeSlot(a).LeaderCount(), b.DataNodeSlot(c).LeaderCount()
		if la != lc {
			return la < lc
		}
		return a < c
	}
}

// mostFollowersFirst orders by descending follower count, ties broken by
// ascending server id.
func mostFollowersFirst(b *slot.Builder) less {
	return func(a, c slot.ServerID) bool {
		fa, fc := b.DataNodeSlot(a).FollowerCount(), b.DataNodeSlot(c).FollowerCount()
		if fa != fc {
			return fa > fc
		}
		return a < c
	}
}

// leastFollowersFirst orders by ascending follower count, ties broken by
// ascending server id.
func leastFollowersFirst(b *slot.Builder) less {
	return func(a, c slot.ServerID) bool {
		fa, fc := b.DataNodeSlot(a).FollowerCount(), b.DataNodeSlot(c).FollowerCount()
		if fa != fc {
			return fa < fc
		}
		return a < c
	}
}

// sortServers sorts ids in place by cmp.
func sortServers(ids []slot.ServerID, cmp less) {
	sort.Slice(ids, func(i, j int) bool { return cmp(ids[i], ids[j]) })
}

// Package controller is the ambient orchestrator around the balance
// package: it watches cluster membership, invokes a Balancer once per
// tick, and persists the result. None of this lives in balance itself,
// which works only on the builder and membership it is handed.
package controller

import (
	"context"
	"errors"
	"time"

	"github.com/samuel/go-zookeeper/zk"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/eyeKill/slotbalancer/balance"
	"github.com/eyeKill/slotbalancer/internal/obs"
	"github.com/eyeKill/slotbalancer/registry"
	"github.com/eyeKill/slotbalancer/slot"
)

// Controller ticks a balance round on a fixed interval against live
// zookeeper-sourced membership, and persists whatever new SlotTable comes
// out of it.
type Controller struct {
	conn      *zk.Conn
	watcher   *registry.Watcher
	tablePath string

	builder      *slot.Builder
	policy       balance.Policy
	slotNum      int
	slotReplicas int

	appliedEpoch atomic.Uint64
	roundsRun    atomic.Int64
}

// New constructs a Controller, seeding its builder from whatever SlotTable
// is already persisted at tablePath (if any).
func New(conn *zk.Conn, membershipPath, tablePath string, slotNum, slotReplicas int, policy balance.Policy) (*Controller, error) {
	watcher, err := registry.NewWatcher(conn, membershipPath)
	if err != nil {
		return nil, err
	}
	if err := registry.EnsurePath(conn, tablePath); err != nil {
		return nil, err
	}
	prev, err := loadTable(conn, tablePath)
	if err != nil {
		return nil, err
	}
	c := &Controller{
		conn:         conn,
		watcher:      watcher,
		tablePath:    tablePath,
		builder:      slot.NewBuilder(prev, slotNum, slotReplicas),
		policy:       policy,
		slotNum:      slotNum,
		slotReplicas: slotReplicas,
	}
	if prev != nil {
		c.appliedEpoch.Store(prev.Epoch())
	}
	return c, nil
}

func loadTable(conn *zk.Conn, path string) (*slot.SlotTable, error) {
	data, _, err := conn.Get(path)
	if err != nil {
		if err == zk.ErrNoNode {
			return nil, nil
		}
		return nil, err
	}
	return unmarshalTable(data)
}

// AppliedEpoch returns the epoch of the most recently persisted SlotTable.
func (c *Controller) AppliedEpoch() uint64 { return c.appliedEpoch.Load() }

// RoundsRun returns the number of ticks that produced a new SlotTable.
func (c *Controller) RoundsRun() int64 { return c.roundsRun.Load() }

// Run ticks a balance round every interval until ctx is cancelled.
func (c *Controller) Run(ctx context.Context, interval time.Duration) {
	log := obs.Log()
	log.Info("Starting rebalance loop.", zap.Duration("interval", interval))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info("Rebalance loop stopping.")
			return
		case <-ticker.C:
			if err := c.tick(); err != nil {
				log.Error("Rebalance tick failed.", zap.Error(err))
			}
		}
	}
}

// tick runs exactly one phase of balancing: refresh membership, repair
// departed servers, invoke the balancer, persist a changed table. It never
// blocks on more than one round -- the caller's interval is what drives
// convergence across several ticks, matching the balancer's own "one
// invocation, one phase" contract.
func (c *Controller) tick() error {
	log := obs.Log()
	members, err := c.watcher.Snapshot()
	if err != nil {
		return err
	}

	c.repairDeparted(members)
	c.builder.SetServers(members)

	bal := balance.NewBalancer(c.builder, members, c.policy)
	table, err := bal.Balance()
	if err != nil {
		var invariant *balance.InvariantViolationError
		if errors.As(err, &invariant) {
			log.Error("Invariant violation, abandoning round and keeping prior table.", zap.Error(err))
			return nil
		}
		var noServers *balance.NoDataServersError
		if errors.As(err, &noServers) {
			log.Warn("No data-servers registered, skipping round.")
			return nil
		}
		return err
	}
	if table == nil {
		return nil
	}

	if err := c.persist(table); err != nil {
		return err
	}
	c.appliedEpoch.Store(table.Epoch())
	c.roundsRun.Inc()
	log.Info("Applied new slot-table.", zap.Uint64("epoch", table.Epoch()))
	return nil
}

// repairDeparted strips every server the builder still knows about that is
// no longer present in members, so a balance round never tries to reassign
// work to a server that has already left the cluster. This only tears the
// departed server's roles out; it leaves behind slots with no leader and
// slots short a follower. tick's very next Balancer.Balance() call repairs
// those, via DefaultSlotBalancer's orphan-leader and missing-follower
// phases (or LeaderOnlyBalancer's equivalent fill step when slotReplicas<2)
// -- resolving the leader-left-membership open question as the combination
// of this strip and that phase, not this function alone.
func (c *Controller) repairDeparted(members []slot.ServerID) {
	live := make(map[slot.ServerID]struct{}, len(members))
	for _, m := range members {
		live[m] = struct{}{}
	}
	for _, known := range c.builder.Servers() {
		if _, ok := live[known]; !ok {
			obs.Log().Info("Server departed, stripping from builder.", zap.String("server", string(known)))
			c.builder.RemoveServer(known)
		}
	}
}

func (c *Controller) persist(table *slot.SlotTable) error {
	data, err := marshalTable(table)
	if err != nil {
		return err
	}
	_, err = c.conn.Set(c.tablePath, data, -1)
	return err
}

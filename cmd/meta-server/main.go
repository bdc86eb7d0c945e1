// meta-server runs the slot-table controller against a zookeeper ensemble:
// it watches the live data-server membership and periodically rebalances
// the cluster's leader/follower slot assignments.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/eyeKill/slotbalancer/balance"
	"github.com/eyeKill/slotbalancer/controller"
	"github.com/eyeKill/slotbalancer/internal/obs"
	"github.com/eyeKill/slotbalancer/registry"
	"github.com/eyeKill/slotbalancer/slot"
)

var (
	hostname          = flag.String("hostname", "localhost", "This server's hostname")
	port              = flag.Int("port", 7900, "This server's port, used as part of its membership id")
	zkServersFlag     = flag.String("zk-servers", "localhost:2181", "Zookeeper server cluster, separated by space")
	slotNum           = flag.Int("slot-num", 1024, "Number of slots in the cluster")
	slotReplicas      = flag.Int("slot-replicas", 2, "Replica factor per slot, including the leader")
	rebalanceInterval = flag.Duration("rebalance-interval", 10*time.Second, "How often to run a balance round")
)

const (
	membershipPath = "/slotbalancer/servers"
	tablePath      = "/slotbalancer/table"
)

func setupCloseHandler(cancel context.CancelFunc, conn interface{ Close() }) {
	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-c
		obs.Log().Info("Ctrl-C captured, shutting down.")
		cancel()
		if conn != nil {
			conn.Close()
		}
	}()
}

func main() {
	flag.Parse()
	log := obs.Log()

	zkServers := strings.Fields(*zkServersFlag)
	conn, err := registry.ConnectToZk(zkServers)
	if err != nil {
		log.Panic("Failed to connect to zookeeper.", zap.Error(err))
	}
	defer conn.Close()
	log.Info("Connected to zookeeper.", zap.String("server", conn.Server()))

	watcher, err := registry.NewWatcher(conn, membershipPath)
	if err != nil {
		log.Panic("Failed to set up membership watcher.", zap.Error(err))
	}
	serverID := selfID(*hostname, *port)
	if err := watcher.Register(serverID); err != nil {
		log.Panic("Failed to register self to zookeeper.", zap.Error(err))
	}
	log.Info("Registered self as data-server.", zap.String("id", string(serverID)))

	policy := balance.NewPolicy(*slotNum)
	ctrl, err := controller.New(conn, membershipPath, tablePath, *slotNum, *slotReplicas, policy)
	if err != nil {
		log.Panic("Failed to construct controller.", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	setupCloseHandler(cancel, conn)
	ctrl.Run(ctx, *rebalanceInterval)
}

func selfID(hostname string, port int) slot.ServerID {
	return slot.ServerID(hostname + ":" + strconv.Itoa(port))
}

// Package registry sources the controller's membership snapshot from
// zookeeper: the live set of data-server ids a balance round runs against.
package registry

import (
	"sort"
	"time"

	"github.com/samuel/go-zookeeper/zk"

	"github.com/eyeKill/slotbalancer/internal/obs"
	"github.com/eyeKill/slotbalancer/slot"
)

// Watcher tracks the live children of a zookeeper membership znode. It does
// not itself block waiting for changes -- the controller's tick loop polls
// it once per interval, matching the teacher's common.ZNodeChildrenCache in
// spirit (a znode-children index refreshed against zookeeper) but without
// the push-based watch channel, since a fixed-interval poll is all the
// controller needs.
type Watcher struct {
	conn *zk.Conn
	path string
}

// NewWatcher returns a Watcher over the children of path, creating path if
// it does not already exist.
func NewWatcher(conn *zk.Conn, path string) (*Watcher, error) {
	if err := EnsurePath(conn, path); err != nil {
		return nil, err
	}
	return &Watcher{conn: conn, path: path}, nil
}

// Snapshot returns the current membership, sorted lexicographically by
// server id -- each child znode name under the watched path is itself a
// ServerID.
func (w *Watcher) Snapshot() ([]slot.ServerID, error) {
	children, _, err := w.conn.Children(w.path)
	if err != nil {
		return nil, err
	}
	out := make([]slot.ServerID, len(children))
	for i, c := range children {
		out[i] = slot.ServerID(c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// Register creates an ephemeral znode for id under the watched path,
// marking this process as a live data-server until its session expires.
func (w *Watcher) Register(id slot.ServerID) error {
	p := w.path + "/" + string(id)
	_, err := w.conn.Create(p, nil, zk.FlagEphemeral, zk.WorldACL(zk.PermAll))
	if err == zk.ErrNodeExists {
		return nil
	}
	return err
}

// EnsurePath creates p (and only p, not its ancestors) if it doesn't exist
// yet. Mirrors the teacher's common.EnsurePath.
func EnsurePath(conn *zk.Conn, p string) error {
	exists, _, err := conn.Exists(p)
	if err != nil {
		return err
	}
	if !exists {
		_, err = conn.Create(p, []byte{}, 0, zk.WorldACL(zk.PermAll))
		if err != nil && err != zk.ErrNodeExists {
			return err
		}
	}
	return nil
}

// ConnectToZk dials the given zookeeper ensemble, matching the teacher's
// common.ConnectToZk.
func ConnectToZk(servers []string) (*zk.Conn, error) {
	conn, _, err := zk.Connect(servers, 3*time.Second)
	if err != nil {
		return nil, err
	}
	conn.SetLogger(zkLoggerAdapter{})
	return conn, nil
}

// zkLoggerAdapter routes the zookeeper client's own diagnostic logging
// through the shared zap logger instead of the standard library's log
// package, matching the teacher's ZkLoggerAdapter.
type zkLoggerAdapter struct{}

func (zkLoggerAdapter) Printf(format string, args ...interface{}) {
	obs.Sugar().Debugf(format, args...)
}

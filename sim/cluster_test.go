/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Wed Feb 27 14:12:37 2019 mstenber
 * Last modified: Wed Feb 27 16:20:11 2019 mstenber
 * Edit time:     58 min
 *
 */

package sim

import (
	"context"
	"testing"
	"time"

	"github.com/fingon/go-blockmaster/config"
	"github.com/fingon/go-blockmaster/editlog"
	"github.com/fingon/go-blockmaster/namespace"
	"github.com/fingon/go-blockmaster/namesystem"
	"github.com/fingon/go-blockmaster/protocol"
	"github.com/fingon/go-blockmaster/storage/factory"
	"github.com/stvp/assert"
)

var _ Coordinator = &namesystem.Namesystem{}

// testCluster runs a real coordinator with its monitors on short
// intervals, and the nodes heartbeating in the background.
type testCluster struct {
	*Cluster
	t      *testing.T
	ns     *namesystem.Namesystem
	mem    *namespace.MemNamespace
	cancel context.CancelFunc
}

func ProdCluster(t *testing.T, nodes int, setup func(c *config.Config)) *testCluster {
	var c config.Config
	c.Heartbeat.Interval = 10 * time.Millisecond
	c.Heartbeat.RecheckInterval = 50 * time.Millisecond
	c.Replication.Interval = 10 * time.Millisecond
	c.Decommission.Interval = 20 * time.Millisecond
	c.Lease.CheckInterval = 20 * time.Millisecond
	if setup != nil {
		setup(&c)
	}
	st, err := factory.NewStorage(factory.StorageConfiguration{BackendName: "inmemory"})
	assert.Nil(t, err)
	j := editlog.Journal{Storage: st}.Init()
	mem := namespace.MemNamespace{Log: j}.Init()
	mem.SetReady()
	ns, err := namesystem.Namesystem{Config: c.Init(),
		Namespace: mem,
		EditLog:   j,
		FatalHook: func(format string, args ...interface{}) {
			t.Errorf(format, args...)
		}}.Init()
	assert.Nil(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	assert.Nil(t, ns.Start(ctx))
	self := &testCluster{Cluster: Cluster{Coordinator: ns}.Init(),
		t: t, ns: ns, mem: mem, cancel: cancel}
	_, err = self.AddNodes(nodes)
	assert.Nil(t, err)
	go self.Run(ctx, 5*time.Millisecond)
	return self
}

func (self *testCluster) Close() {
	self.cancel()
	assert.True(self.t, self.ns.Stop())
}

func (self *testCluster) waitFor(what string, cond func() bool) {
	deadline := time.Now().Add(10 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			self.t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (self *testCluster) blocks(p string) []protocol.LocatedBlock {
	lbs, err := self.ns.GetBlockLocations("", p, 0, 1<<40)
	assert.Nil(self.t, err)
	return lbs.Blocks
}

func TestWriteAndReplaceDeadNode(t *testing.T) {
	t.Parallel()
	tc := ProdCluster(t, 4, nil)
	defer tc.Close()

	assert.Nil(t, tc.WriteFile("/a", "c1", 3, 1000, 2000))
	lbs := tc.blocks("/a")
	assert.Equal(t, len(lbs), 2)
	assert.Equal(t, lbs[1].Offset, int64(1000))
	for _, lb := range lbs {
		assert.Equal(t, len(lb.Locations), 3)
		assert.Equal(t, len(tc.Replicas(lb.Block.ID)), 3)
	}
	fs := tc.mem.GetFileInfo("/a")
	assert.Equal(t, fs.Length, int64(3000))
	assert.True(t, !fs.UnderConstruction)

	victim := tc.Node(lbs[0].Locations[0].Name)
	victim.Stop()
	tc.waitFor("dead node", func() bool {
		return tc.ns.GetStats().DeadDatanodes == 1
	})
	tc.waitFor("re-replication", func() bool {
		for _, lb := range lbs {
			if len(tc.Replicas(lb.Block.ID)) < 3 {
				return false
			}
		}
		return true
	})
	n := 0
	for _, d := range tc.Running() {
		n += d.Stats().Transferred
	}
	assert.True(t, n >= 1)
	tc.waitFor("no pending replication", func() bool {
		s := tc.ns.GetStats()
		return s.UnderReplicatedBlocks == 0 && s.PendingReplications == 0
	})
}

func TestLeaseRecovery(t *testing.T) {
	t.Parallel()
	tc := ProdCluster(t, 3, nil)
	defer tc.Close()

	lb, err := tc.OpenFile("/o", "c1", 3, 500)
	assert.Nil(t, err)
	assert.Equal(t, len(tc.Replicas(lb.Block.ID)), 3)
	assert.True(t, tc.mem.GetFileInfo("/o").UnderConstruction)

	closed, err := tc.ns.RecoverLease("/o", "c2", "c2")
	assert.Nil(t, err)
	assert.True(t, !closed)
	tc.waitFor("file closed", func() bool {
		return !tc.mem.GetFileInfo("/o").UnderConstruction
	})
	assert.Equal(t, tc.mem.GetFileInfo("/o").Length, int64(500))
	recovered := 0
	for _, n := range tc.Nodes() {
		r, ok := n.Replica(lb.Block.ID)
		assert.True(t, ok)
		assert.True(t, r.GenStamp > lb.Block.GenStamp)
		recovered += n.Stats().Recovered
	}
	assert.Equal(t, recovered, 1)
	closed, err = tc.ns.RecoverLease("/o", "c2", "c2")
	assert.Nil(t, err)
	assert.True(t, closed)
}

func TestDecommissionDrains(t *testing.T) {
	t.Parallel()
	tc := ProdCluster(t, 4, nil)
	defer tc.Close()

	assert.Nil(t, tc.WriteFile("/d", "c1", 2, 4096))
	lb := tc.blocks("/d")[0]
	h := tc.Node(lb.Locations[0].Name)
	tc.ns.SetHosts(nil, []string{h.ID().Host()})
	tc.waitFor("decommissioned node shut down", func() bool {
		return !h.Running()
	})
	assert.Equal(t, len(tc.Replicas(lb.Block.ID)), 2)
	assert.Equal(t, len(tc.ns.GetDecommissioningNodes()), 0)
}

func TestCorruptReplicaReplaced(t *testing.T) {
	t.Parallel()
	tc := ProdCluster(t, 3, nil)
	defer tc.Close()

	assert.Nil(t, tc.WriteFile("/c", "c1", 2, 100))
	lb := tc.blocks("/c")[0]
	bad := tc.Node(lb.Locations[0].Name)
	assert.Nil(t, bad.Corrupt(lb.Block.ID))
	assert.True(t, bad.Corrupt(12345) != nil)

	tc.waitFor("corrupt replica replaced", func() bool {
		_, ok := bad.Replica(lb.Block.ID)
		return !ok && len(tc.Replicas(lb.Block.ID)) == 2
	})
	assert.Equal(t, bad.Stats().Invalidated, 1)
	assert.Equal(t, tc.ns.MissingBlocks(), 0)
}

func TestAdminCommands(t *testing.T) {
	t.Parallel()
	tc := ProdCluster(t, 2, func(c *config.Config) {
		c.AccessToken.Enabled = true
	})
	defer tc.Close()

	for _, n := range tc.Nodes() {
		assert.True(t, n.Keys() != nil)
	}
	assert.Nil(t, tc.ns.SetBalancerBandwidth(1234))
	tc.waitFor("bandwidth", func() bool {
		for _, n := range tc.Nodes() {
			if n.Bandwidth() != 1234 {
				return false
			}
		}
		return true
	})

	tc.ns.FinalizeUpgrade()
	n := tc.Nodes()[0]
	assert.Nil(t, n.BlockReport())
	assert.True(t, n.UpgradeFinalized())
}

/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Tue Feb 26 14:02:18 2019 mstenber
 * Last modified: Wed Feb 27 11:40:12 2019 mstenber
 * Edit time:     88 min
 *
 */

package namesystem

import (
	"context"
	"testing"
	"time"

	"github.com/fingon/go-blockmaster/block"
	"github.com/fingon/go-blockmaster/config"
	"github.com/fingon/go-blockmaster/node"
	"github.com/fingon/go-blockmaster/protocol"
	"github.com/stvp/assert"
)

func (self *testSystem) descriptor(id protocol.DatanodeID) *node.Descriptor {
	return self.ns.registry.GetByStorageID(id.StorageID)
}

func TestUnderConstructionReport(t *testing.T) {
	t.Parallel()
	ts := ProdNamesystem(t, nil)
	ts.openFile("/f", "c1", 3, 7)
	ts.start()
	assert.True(t, !ts.ns.IsInSafeMode())
	ids := ts.addNodes(3)
	ns := ts.ns
	f := ts.mem.GetFile("/f")

	b := *ts.stored(7)
	b.NumBytes = 1024
	ts.received(ids[0], b)
	assert.Equal(t, f.UC.Targets, []string{ids[0].StorageID})
	assert.Equal(t, ts.stored(7).NumBytes, int64(1024))
	assert.Equal(t, ns.corrupt.Size(), 0)
	assert.Equal(t, ns.blocks.NumNodes(b), 1)

	// Shorter replica of a block being written is not corrupt.
	short := b
	short.NumBytes = 512
	ts.received(ids[1], short)
	assert.Equal(t, ns.corrupt.Size(), 0)
	assert.Equal(t, len(f.UC.Targets), 2)

	// Newer stamp: recovery target only.
	newer := b
	newer.GenStamp++
	ts.received(ids[2], newer)
	assert.Equal(t, len(f.UC.Targets), 3)
	assert.Equal(t, ns.blocks.NumNodes(b), 2)
	assert.Equal(t, ns.invalidates.PendingDeletion(), 0)

	// Being-written report of an unknown block gets it deleted.
	assert.Nil(t, ns.ProcessBlocksBeingWrittenReport(ids[2],
		block.Report{{ID: 12345, GenStamp: 1}}))
	assert.True(t, ns.invalidates.Contains(ids[2].StorageID, block.Block{ID: 12345}))
}

func TestInconsistentLength(t *testing.T) {
	t.Parallel()
	for _, longerFirst := range []bool{false, true} {
		ts := ProdNamesystem(t, nil)
		ts.closedFile("/f", 3, 1)
		ts.start()
		ts.leaveSafeMode()
		ids := ts.addNodes(2)
		ns := ts.ns

		short := *ts.stored(1)
		short.NumBytes = 100
		long := short
		long.NumBytes = 200
		shortNode, longNode := ids[0], ids[1]
		if longerFirst {
			ts.received(longNode, long)
			ts.received(shortNode, short)
		} else {
			ts.received(shortNode, short)
			ts.received(longNode, long)
		}
		assert.Equal(t, ts.stored(1).NumBytes, int64(200))
		assert.True(t, ns.corrupt.IsReplicaCorrupt(short, shortNode.StorageID))
		assert.True(t, !ns.corrupt.IsReplicaCorrupt(long, longNode.StorageID))
		num := ns.countNodes(long)
		assert.Equal(t, num.Live, 1)
		assert.Equal(t, num.Corrupt, 1)
		assert.True(t, ns.needed.Contains(long))
	}
}

func TestCorruptReplicaInvalidated(t *testing.T) {
	t.Parallel()
	ts := ProdNamesystem(t, nil)
	ts.closedFile("/f", 2, 1)
	ts.start()
	ts.leaveSafeMode()
	ids := ts.addNodes(3)
	ns := ts.ns
	b := *ts.stored(1)
	b.NumBytes = 10
	ts.received(ids[0], b)

	assert.Nil(t, ns.ReportBadBlocks([]protocol.LocatedBlock{{Block: b,
		Locations: ids[:1]}}))
	assert.True(t, ns.corrupt.IsReplicaCorrupt(b, ids[0].StorageID))
	assert.Equal(t, ns.blocks.NumNodes(b), 1)
	assert.Equal(t, ns.MissingBlocks(), 1)
	cfbs := ns.ListCorruptFileBlocks("/")
	assert.Equal(t, len(cfbs), 1)
	assert.Equal(t, cfbs[0].Path, "/f")
	assert.Equal(t, len(ns.ListCorruptFileBlocks("/other")), 0)

	lbs, err := ns.GetBlockLocations("", "/f", 0, 1)
	assert.Nil(t, err)
	assert.True(t, lbs.Blocks[0].Corrupt)
	assert.Equal(t, len(lbs.Blocks[0].Locations), 1)

	// The corrupt copy stays while it is needed as the last resort.
	ts.received(ids[1], b)
	assert.Equal(t, ns.blocks.NumNodes(b), 2)
	assert.Equal(t, ns.MissingBlocks(), 0)
	lbs, err = ns.GetBlockLocations("", "/f", 0, 1)
	assert.Nil(t, err)
	assert.True(t, !lbs.Blocks[0].Corrupt)
	assert.Equal(t, lbs.Blocks[0].Locations, []protocol.DatanodeID{ids[1]})

	// Fully replicated again: the corrupt one goes.
	ts.received(ids[2], b)
	assert.Equal(t, ns.blocks.NumNodes(b), 2)
	assert.True(t, !ns.blocks.Contains(b, ts.descriptor(ids[0])))
	assert.True(t, ns.invalidates.Contains(ids[0].StorageID, b))
	assert.Equal(t, ns.corrupt.Size(), 0)
	assert.True(t, !ns.needed.Contains(b))

	assert.True(t, ns.ReportBadBlocks([]protocol.LocatedBlock{{Block: b,
		Locations: []protocol.DatanodeID{{Name: "1.2.3.4:5", StorageID: ids[0].StorageID}}}}) != nil)
}

func TestBlockReceivedIdempotent(t *testing.T) {
	t.Parallel()
	ts := ProdNamesystem(t, nil)
	ts.closedFile("/f", 1, 1, 2)
	ts.start()
	ns := ts.ns
	assert.True(t, ns.IsInSafeMode())
	id := ts.addNode("10.0.0.1:50010")
	b := *ts.stored(1)
	ts.received(id, b)
	ts.received(id, b)
	assert.Equal(t, ns.safeMode.BlockSafe(), 1)
	assert.Equal(t, ns.blocks.NumNodes(b), 1)
	assert.True(t, ns.IsInSafeMode())

	// Same through a full report.
	_, err := ns.ProcessReport(id, block.Report{b})
	assert.Nil(t, err)
	assert.Equal(t, ns.safeMode.BlockSafe(), 1)
}

func TestRemoveAddRoundTrip(t *testing.T) {
	t.Parallel()
	ts := ProdNamesystem(t, nil)
	ts.closedFile("/f", 2, 1)
	ts.start()
	ts.leaveSafeMode()
	ids := ts.addNodes(2)
	ns := ts.ns
	b := *ts.stored(1)
	ts.received(ids[0], b)
	ts.received(ids[1], b)
	assert.True(t, !ns.needed.Contains(b))

	sid := ids[0].StorageID
	func() {
		defer ns.lock.Locked()()
		ns.excess.Add(sid, b)
		ns.invalidates.Add(sid, b)
	}()

	_, err := ns.ProcessReport(ids[0], block.Report{})
	assert.Nil(t, err)
	assert.True(t, !ns.excess.Contains(sid, b))
	assert.Equal(t, ns.blocks.NumNodes(b), 1)
	assert.True(t, ns.needed.Contains(b))

	_, err = ns.ProcessReport(ids[0], block.Report{b})
	assert.Nil(t, err)
	assert.True(t, !ns.invalidates.Contains(sid, b))
	assert.Equal(t, ns.blocks.NumNodes(b), 2)
	assert.True(t, !ns.needed.Contains(b))
	assert.Equal(t, ns.countNodes(b).Live, 2)

	// Unknown blocks in a report are deleted.
	_, err = ns.ProcessReport(ids[1], block.Report{b, {ID: 99, GenStamp: 1}})
	assert.Nil(t, err)
	assert.True(t, ns.invalidates.Contains(ids[1].StorageID, block.Block{ID: 99}))
}

func TestDeadNode(t *testing.T) {
	t.Parallel()
	ts := ProdNamesystem(t, nil)
	ts.closedFile("/f", 3, 1)
	ts.start()
	ts.leaveSafeMode()
	ids := ts.addNodes(3)
	ns := ts.ns
	b := *ts.stored(1)
	for _, id := range ids {
		ts.received(id, b)
	}
	assert.Equal(t, ns.needed.Size(), 0)

	expire := ns.Config.Heartbeat.ExpireInterval
	ts.advance(expire)
	ts.heartbeat(ids[0].Name)
	ts.heartbeat(ids[1].Name)
	ns.heartbeatCheck(context.Background())
	assert.True(t, ts.descriptor(ids[2]).IsAlive())

	ts.advance(time.Millisecond)
	ns.heartbeatCheck(context.Background())
	assert.True(t, !ts.descriptor(ids[2]).IsAlive())
	assert.True(t, ns.needed.Contains(b))
	assert.Equal(t, ns.blocks.NumNodes(b), 2)

	s := ns.GetStats()
	assert.Equal(t, s.LiveDatanodes, 2)
	assert.Equal(t, s.DeadDatanodes, 1)
	assert.Equal(t, s.UnderReplicatedBlocks, 1)
	assert.Equal(t, len(ns.DatanodeReport(protocol.ReportDead)), 1)
	assert.Equal(t, len(ns.DatanodeReport(protocol.ReportLive)), 2)

	cmds, err := ns.HandleHeartbeat(ids[2], protocol.Heartbeat{})
	assert.Nil(t, err)
	assert.Equal(t, cmds, []*protocol.Command{protocol.RegisterCommand})
	assert.True(t, ns.BlockReceived(ids[2], b, "") != nil)
}

func TestReplicationWork(t *testing.T) {
	t.Parallel()
	ts := ProdNamesystem(t, nil)
	ts.closedFile("/f", 3, 1)
	ts.start()
	ts.leaveSafeMode()
	ids := ts.addNodes(2)
	ns := ts.ns
	b := *ts.stored(1)
	ts.received(ids[0], b)
	ts.received(ids[1], b)
	assert.True(t, ns.needed.Contains(b))

	// Nowhere to copy to yet.
	assert.Equal(t, ns.computeDatanodeWork(), 0)
	assert.Equal(t, ns.pending.Size(), 0)

	target := ts.addNode("10.0.0.9:50010")
	assert.Equal(t, ns.computeDatanodeWork(), 1)
	assert.Equal(t, ns.pending.NumReplicas(b), 1)
	assert.Equal(t, ns.GetStats().ScheduledReplications, 1)
	assert.True(t, !ns.needed.Contains(b))

	var transfer *protocol.Command
	for _, id := range ids {
		if c := findCommand(ts.heartbeat(id.Name), protocol.ActionTransfer); c != nil {
			assert.True(t, transfer == nil)
			transfer = c
		}
	}
	assert.True(t, transfer != nil)
	assert.Equal(t, transfer.Blocks[0].ID, b.ID)
	assert.Equal(t, transfer.Targets[0], []protocol.DatanodeID{target})

	ts.received(target, b)
	assert.Equal(t, ns.pending.Size(), 0)
	assert.Equal(t, ns.countNodes(b).Live, 3)
	assert.Equal(t, ns.computeDatanodeWork(), 0)
}

func TestPendingTimeout(t *testing.T) {
	t.Parallel()
	ts := ProdNamesystem(t, func(c *config.Config) {
		c.Replication.PendingTimeout = time.Minute
	})
	ts.closedFile("/f", 2, 1)
	ts.start()
	ts.leaveSafeMode()
	ids := ts.addNodes(2)
	ns := ts.ns
	b := *ts.stored(1)
	ts.received(ids[0], b)
	assert.Equal(t, ns.computeDatanodeWork(), 1)
	assert.True(t, !ns.needed.Contains(b))

	ts.advance(2 * time.Minute)
	ns.pending.CheckTimeouts(ts.now)
	ns.processPendingReplications()
	assert.True(t, ns.needed.Contains(b))
}

func TestRackAwareExcess(t *testing.T) {
	t.Parallel()
	ts := ProdNamesystem(t, func(c *config.Config) {
		c.Topology.Resolver = "static"
		c.Topology.Mapping = map[string]string{
			"10.0.0.1": "/r1", "10.0.0.2": "/r1",
			"10.0.0.3": "/r2", "10.0.0.4": "/r2",
			"10.0.0.5": "/r3"}
	})
	ts.closedFile("/f", 4, 1)
	ts.start()
	ts.leaveSafeMode()
	ids := ts.addNodes(5)
	ns := ts.ns
	assert.Equal(t, ns.topology.NumRacks(), 3)
	b := *ts.stored(1)
	for _, id := range ids[:4] {
		ts.received(id, b)
	}
	assert.Equal(t, ns.countNodes(b).Live, 4)

	ok, err := ns.SetReplication("/f", 2)
	assert.Nil(t, err)
	assert.True(t, ok)
	assert.Equal(t, ns.excess.Size(), 2)
	assert.Equal(t, ns.invalidates.PendingDeletion(), 2)

	racks := make(map[string]bool)
	for _, d := range ns.blocks.Nodes(b) {
		if ns.replicaKind(b, d) == replicaLive {
			racks[d.Location] = true
		}
	}
	assert.Equal(t, len(racks), 2)
	assert.True(t, racks["/r1"])
	assert.True(t, racks["/r2"])
}

func TestOverReplicationOnReceive(t *testing.T) {
	t.Parallel()
	ts := ProdNamesystem(t, nil)
	ts.closedFile("/f", 1, 1)
	ts.start()
	ts.leaveSafeMode()
	ids := ts.addNodes(2)
	ns := ts.ns
	b := *ts.stored(1)
	ts.received(ids[0], b)

	// A balancer style move: the new copy asks the old one to go.
	assert.Nil(t, ns.BlockReceived(ids[1], b, ids[0].StorageID))
	assert.True(t, ns.excess.Contains(ids[0].StorageID, b))
	assert.True(t, ns.invalidates.Contains(ids[0].StorageID, b))
	assert.Equal(t, ns.countNodes(b).Live, 1)
}

func TestInvalidateWorkBound(t *testing.T) {
	t.Parallel()
	ts := ProdNamesystem(t, nil)
	ts.start()
	ts.leaveSafeMode()
	ids := ts.addNodes(4)
	ns := ts.ns
	limit := ns.Config.InvalidateLimit
	func() {
		defer ns.lock.Locked()()
		for _, id := range ids {
			d := ts.descriptor(id)
			for i := 0; i < limit+30; i++ {
				ns.addToInvalidates(block.Block{ID: int64(1000 + i),
					GenStamp: block.FirstValidGenerationStamp}, d, false)
			}
		}
	}()
	total := 4 * (limit + 30)
	assert.Equal(t, ns.invalidates.PendingDeletion(), total)

	// ceil(4 * 0.32) nodes per round, limit blocks each.
	assert.Equal(t, ns.computeDatanodeWork(), 2*limit)
	assert.Equal(t, ns.invalidates.PendingDeletion(), total-2*limit)
	served := 0
	for _, id := range ids {
		c := findCommand(ts.heartbeat(id.Name), protocol.ActionInvalidate)
		if c == nil {
			assert.Equal(t, ns.invalidates.NumBlocks(id.StorageID), limit+30)
			continue
		}
		assert.Equal(t, len(c.Blocks), limit)
		assert.Equal(t, ns.invalidates.NumBlocks(id.StorageID), 30)
		served++
	}
	assert.Equal(t, served, 2)
}

/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Mon Feb 25 16:41:09 2019 mstenber
 * Last modified: Tue Feb 26 11:02:37 2019 mstenber
 * Edit time:     52 min
 *
 */

package namesystem

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/fingon/go-blockmaster/block"
	"github.com/fingon/go-blockmaster/metrics"
	"github.com/fingon/go-blockmaster/mlog"
	"github.com/fingon/go-blockmaster/node"
	"github.com/fingon/go-blockmaster/protocol"
	"github.com/fingon/go-blockmaster/replica"
)

// SetBalancerBandwidth is handed to every storage node with its next
// heartbeat.
func (self *Namesystem) SetBalancerBandwidth(bandwidth int64) error {
	if bandwidth <= 0 {
		return fmt.Errorf("invalid balancer bandwidth %d", bandwidth)
	}
	for _, d := range self.registry.Datanodes() {
		d.SetBalancerBandwidth(bandwidth)
	}
	mlog.Infof("namesystem/admin", "Balancer bandwidth set to %d", bandwidth)
	return nil
}

func (self *Namesystem) isDatanodeDead(d *node.Descriptor) bool {
	return d.IsExpired(self.Now(), self.Config.Heartbeat.ExpireInterval)
}

// DatanodeReport lists storage nodes by liveness. Dead listings also
// contain hosts named in the host lists that never registered.
func (self *Namesystem) DatanodeReport(t protocol.ReportType) []protocol.DatanodeInfo {
	listLive := t == protocol.ReportAll || t == protocol.ReportLive
	listDead := t == protocol.ReportAll || t == protocol.ReportDead
	defer self.lock.Locked()()

	mustList := make(map[string]bool)
	if listDead {
		for _, h := range self.hosts.Includes() {
			mustList[h] = true
		}
		for _, h := range self.hosts.Excludes() {
			mustList[h] = true
		}
	}
	now := self.Now()
	stale := self.Config.Heartbeat.StaleInterval
	var r []protocol.DatanodeInfo
	for _, d := range self.registry.Datanodes() {
		dead := self.isDatanodeDead(d)
		if (dead && listDead) || (!dead && listLive) {
			r = append(r, d.Info(now, stale, self.blocks.NumBlocks(d)))
		}
		delete(mustList, d.Name)
		delete(mustList, d.Host())
		delete(mustList, d.HostName)
	}
	if listDead {
		hosts := make([]string, 0, len(mustList))
		for h := range mustList {
			hosts = append(hosts, h)
		}
		sort.Strings(hosts)
		for _, h := range hosts {
			r = append(r, protocol.DatanodeInfo{
				DatanodeID: protocol.DatanodeID{Name: h},
				HostName:   h,
				AdminState: node.AdminNormal.String()})
		}
	}
	return r
}

// GetDecommissioningNodes returns the live nodes being decommissioned.
func (self *Namesystem) GetDecommissioningNodes() []*node.Descriptor {
	defer self.lock.Locked()()
	var r []*node.Descriptor
	for _, d := range self.registry.Datanodes() {
		if !self.isDatanodeDead(d) && d.IsDecommissionInProgress() {
			r = append(r, d)
		}
	}
	return r
}

func (self *Namesystem) metaSaveBlock(w io.Writer, b block.Block) {
	num := self.countNodes(b)
	if f := self.blocks.GetINode(b); f != nil {
		fmt.Fprintf(w, "%s: ", f.Path)
	}
	missing := ""
	if num.Live+num.Decommissioned == 0 {
		missing = " MISSING"
	}
	// l: live d: decommissioned c: corrupt e: excess
	fmt.Fprintf(w, "%s%s (replicas: l: %d d: %d c: %d e: %d) ",
		b, missing, num.Live, num.Decommissioned, num.Corrupt, num.Excess)
	for _, d := range self.blocks.Nodes(b) {
		state := ""
		if self.corrupt.IsReplicaCorrupt(b, d.StorageID) {
			state = "(corrupt)"
		} else if d.IsDecommissioned() || d.IsDecommissionInProgress() {
			state = "(decommissioned)"
		}
		fmt.Fprintf(w, " %s%s : ", d.Name, state)
	}
	fmt.Fprintln(w)
}

// MetaSave dumps the replication state in human readable form.
func (self *Namesystem) MetaSave(w io.Writer) error {
	defer self.lock.Locked()()
	totalInodes := self.Namespace.TotalFiles()
	totalBlocks := self.blocks.Size()
	live, dead := 0, 0
	nodes := self.registry.Datanodes()
	for _, d := range nodes {
		if self.isDatanodeDead(d) {
			dead++
		} else {
			live++
		}
	}
	fmt.Fprintf(w, "%d files and directories, %d blocks = %d total\n",
		totalInodes, totalBlocks, totalInodes+totalBlocks)
	fmt.Fprintf(w, "Live Datanodes: %d\n", live)
	fmt.Fprintf(w, "Dead Datanodes: %d\n", dead)

	fmt.Fprintf(w, "Metasave: Blocks waiting for replication: %d\n", self.needed.Size())
	self.needed.ForEach(func(b block.Block, level int) bool {
		self.metaSaveBlock(w, b)
		return true
	})
	self.pending.MetaSave(w)
	self.invalidates.MetaSave(w, func(sid string) string {
		if d := self.registry.GetByStorageID(sid); d != nil {
			return d.Name
		}
		return sid
	})

	now := self.Now()
	fmt.Fprintf(w, "Metasave: Number of datanodes: %d\n", len(nodes))
	for _, d := range nodes {
		fmt.Fprintln(w, d.Dump(now, self.blocks.NumBlocks(d)))
	}
	_, err := fmt.Fprintln(w)
	return err
}

// ListCorruptFileBlocks returns blocks without any live replica in
// files under prefix, at most MaxCorruptFilesReturned of them.
func (self *Namesystem) ListCorruptFileBlocks(prefix string) []protocol.CorruptFileBlock {
	defer self.lock.Locked()()
	limit := self.Config.MaxCorruptFilesReturned
	var r []protocol.CorruptFileBlock
	self.needed.ForEach(func(b block.Block, level int) bool {
		if level != replica.LevelCorrupt {
			return true
		}
		f := self.blocks.GetINode(b)
		if f == nil || !strings.HasPrefix(f.Path, prefix) {
			return true
		}
		if self.countNodes(b).Live != 0 {
			return true
		}
		r = append(r, protocol.CorruptFileBlock{Block: b, Path: f.Path})
		return len(r) < limit
	})
	return r
}

// MissingBlocks is the number of blocks with no usable replica.
func (self *Namesystem) MissingBlocks() int {
	defer self.lock.Locked()()
	return self.needed.CorruptBlockSize()
}

// GetStats returns a snapshot of the coordinator counters.
func (self *Namesystem) GetStats() metrics.Snapshot {
	defer self.lock.Locked()()
	rs := self.registry.Stats()
	s := metrics.Snapshot{
		CapacityTotal:         rs.CapacityTotal,
		CapacityUsed:          rs.CapacityUsed,
		CapacityRemaining:     rs.CapacityRemaining,
		TotalLoad:             rs.TotalLoad,
		TotalFiles:            self.Namespace.TotalFiles(),
		BlocksTotal:           self.blocks.Size(),
		UnderReplicatedBlocks: self.needed.Size(),
		PendingReplications:   self.pending.Size(),
		ScheduledReplications: self.scheduledReplications.GetInt(),
		CorruptReplicaBlocks:  self.corrupt.Size(),
		ExcessBlocks:          self.excess.Size(),
		PendingDeletionBlocks: self.invalidates.PendingDeletion(),
		MissingBlocks:         self.needed.CorruptBlockSize(),
		TotalLeases:           self.leases.CountLeases(),
		StaleDatanodes:        self.registry.NumStaleNodes(),
		SafeMode:              self.safeMode.IsOn(),
		SafeModeMilliseconds:  self.safeModeTime.Get(),
		GenerationStamp:       self.Namespace.GenerationStamp(),
	}
	for _, d := range self.registry.Datanodes() {
		if self.isDatanodeDead(d) {
			s.DeadDatanodes++
			continue
		}
		s.LiveDatanodes++
		if d.IsDecommissionInProgress() {
			s.DecommissioningNodes++
		}
	}
	return s
}

// FinalizeUpgrade broadcasts a finalize command with the next heartbeat
// of every live node, and makes later block reports answer with it.
func (self *Namesystem) FinalizeUpgrade() {
	self.upgradeFinalized.Set(true)
	for _, d := range self.registry.Heartbeats() {
		d.SetNeedFinalize(true)
	}
	mlog.Infof("namesystem/admin", "Upgrade finalized")
}

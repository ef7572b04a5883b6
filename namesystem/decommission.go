/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Fri Feb 22 10:05:31 2019 mstenber
 * Last modified: Mon Feb 25 14:27:09 2019 mstenber
 * Edit time:     58 min
 *
 */

package namesystem

import (
	"sort"
	"strings"

	"github.com/fingon/go-blockmaster/block"
	"github.com/fingon/go-blockmaster/mlog"
	"github.com/fingon/go-blockmaster/namespace"
	"github.com/fingon/go-blockmaster/node"
	"github.com/fingon/go-blockmaster/replica"
)

// startDecommission starts decommissioning d, or rechecks its state if
// it is already in progress.
func (self *Namesystem) startDecommission(d *node.Descriptor) {
	if d.IsDecommissioned() {
		return
	}
	if d.IsDecommissionInProgress() {
		self.checkDecommissionState(d)
		return
	}
	mlog.Infof("namesystem/decommission", "Start Decommissioning node %s", d.Name)
	d.StartDecommission(self.Now())
	self.checkDecommissionState(d)
}

func (self *Namesystem) stopDecommission(d *node.Descriptor) {
	mlog.Infof("namesystem/decommission", "Stop Decommissioning node %s", d.Name)
	d.StopDecommission()
}

func (self *Namesystem) logBlockReplicationInfo(b block.Block, f *namespace.File, d *node.Descriptor, num replica.NumberReplicas) {
	mlog.Infof("namesystem/decommission", "Block: %s, Expected Replicas: %d, %s, Is Open File: %v, Datanodes having this block: %s, Current Datanode: %s, Is current datanode decommissioning: %v",
		b, f.Replication, num, f.IsUnderConstruction(), nodeNames(self.blocks.Nodes(b)),
		d.Name, d.IsDecommissionInProgress())
}

// isReplicationInProgress is true if some block of d still lacks
// replicas elsewhere. Blocks that slipped past startDecommission are
// queued here.
func (self *Namesystem) isReplicationInProgress(d *node.Descriptor) bool {
	inProgress := false
	var status node.DecommissioningStatus
	for _, bp := range self.blocks.NodeBlocks(d) {
		b := *bp
		f := self.blocks.GetINode(b)
		if f == nil {
			continue
		}
		num := self.countNodes(b)
		if f.Replication <= num.Live {
			continue
		}
		if !inProgress {
			inProgress = true
			self.logBlockReplicationInfo(b, f, d, num)
		}
		status.UnderReplicatedBlocks++
		if num.Live == 0 && num.Decommissioned > 0 {
			status.DecommissionOnlyReplicas++
		}
		if f.IsUnderConstruction() {
			status.UnderReplicatedInOpenFiles++
			if f.IsLastBlock(b) {
				continue
			}
		}
		if !self.needed.Contains(b) && self.pending.NumReplicas(b) == 0 {
			self.needed.Add(b, num.Live, num.Decommissioned, f.Replication)
		}
	}
	status.StartTime = d.DecommissionStatus.StartTime
	d.DecommissionStatus = status
	return inProgress
}

// checkDecommissionState completes the decommission of d once nothing
// depends on it. Returns true if d is decommissioned.
func (self *Namesystem) checkDecommissionState(d *node.Descriptor) bool {
	if d.IsDecommissionInProgress() && !self.isReplicationInProgress(d) {
		d.SetDecommissioned()
		mlog.Infof("namesystem/decommission", "Decommission complete for node %s", d.Name)
	}
	return d.IsDecommissioned()
}

// decommissionScan checks the next NodesPerInterval decommissioning
// nodes, continuing after the node the previous scan stopped at.
func (self *Namesystem) decommissionScan() {
	defer self.lock.Locked()()
	nodes := self.registry.Datanodes()
	if len(nodes) == 0 {
		return
	}
	start := sort.Search(len(nodes), func(i int) bool {
		return strings.Compare(nodes[i].StorageID, self.decommissionCursor) > 0
	})
	count := 0
	for i := 0; i < len(nodes); i++ {
		d := nodes[(start+i)%len(nodes)]
		self.decommissionCursor = d.StorageID
		if !d.IsDecommissionInProgress() {
			continue
		}
		self.checkDecommissionState(d)
		count++
		if count == self.Config.Decommission.NodesPerInterval {
			return
		}
	}
}

// RefreshNodes rereads the host lists and applies them: nodes no
// longer included are decommissioned at once, newly excluded ones
// start decommissioning and nodes no longer excluded return to
// service.
func (self *Namesystem) RefreshNodes() error {
	if err := self.hosts.Refresh(); err != nil {
		return err
	}
	defer self.lock.Locked()()
	self.applyHostsList()
	return nil
}

func (self *Namesystem) applyHostsList() {
	for _, d := range self.registry.Datanodes() {
		switch {
		case !self.hosts.InHostsList(d):
			d.SetDecommissioned()
		case self.hosts.InExcludedHostsList(d):
			self.startDecommission(d)
		case d.IsDecommissionInProgress() || d.IsDecommissioned():
			self.stopDecommission(d)
		}
	}
}

// SetHosts replaces the include and exclude lists without going
// through the host files, and applies them like RefreshNodes.
func (self *Namesystem) SetHosts(includes, excludes []string) {
	self.hosts.SetIncludes(includes)
	self.hosts.SetExcludes(excludes)
	defer self.lock.Locked()()
	self.applyHostsList()
}

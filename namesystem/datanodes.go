/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Thu Feb 21 09:30:12 2019 mstenber
 * Last modified: Mon Feb 25 15:11:48 2019 mstenber
 * Edit time:     163 min
 *
 */

package namesystem

import (
	"context"
	"fmt"

	"github.com/fingon/go-blockmaster/block"
	"github.com/fingon/go-blockmaster/mlog"
	"github.com/fingon/go-blockmaster/namespace"
	"github.com/fingon/go-blockmaster/node"
	"github.com/fingon/go-blockmaster/protocol"
	"github.com/fingon/go-blockmaster/topology"
	"github.com/google/uuid"
)

// getDatanode returns nil for unknown storage ids, and an error if
// the id is known under a different name.
func (self *Namesystem) getDatanode(id protocol.DatanodeID) (*node.Descriptor, error) {
	d := self.registry.GetByStorageID(id.StorageID)
	if d == nil {
		return nil, nil
	}
	if d.Name != id.Name {
		err := &UnregisteredNodeError{ID: id,
			Reason: fmt.Sprintf("node %s is expected to serve this storage", d.Name)}
		mlog.Errorf("namesystem/datanodes", "BLOCK* getDatanode: %v", err)
		return nil, err
	}
	return d, nil
}

// liveDatanode is getDatanode for node messages: the node must be
// registered and alive, and not decommissioned.
func (self *Namesystem) liveDatanode(id protocol.DatanodeID, what string) (*node.Descriptor, error) {
	d, err := self.getDatanode(id)
	if err != nil {
		return nil, err
	}
	if d == nil || !d.IsAlive() {
		return nil, &UnregisteredNodeError{ID: id,
			Reason: fmt.Sprintf("%s from dead or unregistered node", what)}
	}
	if d.IsDecommissioned() {
		d.SetDead()
		return nil, &DisallowedNodeError{ID: id}
	}
	return d, nil
}

func (self *Namesystem) resolveLocation(d *node.Descriptor) string {
	loc := self.resolver.Resolve([]string{d.Host()})[0]
	if loc == "" {
		loc = self.Config.Topology.DefaultRack
	}
	return topology.NormalizeLocation(loc)
}

func (self *Namesystem) newStorageID() string {
	for {
		id := "DS-" + uuid.New().String()
		if self.registry.GetByStorageID(id) == nil {
			return id
		}
	}
}

// verifyNodeRegistration returns false if reg may not connect at all.
// Excluded nodes may connect but are decommissioned.
func (self *Namesystem) verifyNodeRegistration(reg *protocol.Registration) (bool, error) {
	probe := node.NewDescriptor(reg, "")
	if !self.hosts.InHostsList(probe) {
		return false, nil
	}
	if self.hosts.InExcludedHostsList(probe) {
		d, err := self.getDatanode(reg.DatanodeID)
		if err != nil {
			return false, err
		}
		if d == nil {
			return false, fmt.Errorf("verifyNodeRegistration: unknown datanode %s", reg.Name)
		}
		if !self.checkDecommissionState(d) {
			self.startDecommission(d)
		}
	}
	return true, nil
}

// RegisterDatanode admits a storage node. A fresh storage id is
// assigned to reg if it has none; the access keys are filled in.
func (self *Namesystem) RegisterDatanode(reg *protocol.Registration) error {
	defer self.lock.Locked()()
	mlog.Infof("namesystem/datanodes", "BLOCK* registerDatanode: node registration from %s storage %s",
		reg.Name, reg.StorageID)
	ok, err := self.verifyNodeRegistration(reg)
	if err != nil {
		return err
	}
	if !ok {
		return &DisallowedNodeError{ID: reg.DatanodeID}
	}
	if self.keys != nil {
		reg.Keys = self.keys.ExportKeys()
	}
	now := self.Now()

	var nodeS *node.Descriptor
	if reg.StorageID != "" {
		nodeS = self.registry.GetByStorageID(reg.StorageID)
	}
	nodeN := self.registry.GetByName(reg.Name)
	if nodeN != nil && nodeN != nodeS {
		// The same address served another storage before; that
		// storage is gone.
		mlog.Infof("namesystem/datanodes", "BLOCK* registerDatanode: node from name: %s", nodeN.Name)
		self.removeDatanode(nodeN)
		self.registry.Wipe(nodeN)
		nodeN = nil
	}
	if nodeS != nil {
		if nodeN == nodeS {
			mlog.Printf2("namesystem/datanodes", "BLOCK* registerDatanode: node restarted: %s", reg.Name)
		} else {
			mlog.Infof("namesystem/datanodes", "BLOCK* registerDatanode: node %s is replaced by %s with the same storageID %s",
				nodeS.Name, reg.Name, reg.StorageID)
		}
		self.topology.Remove(nodeS)
		self.registry.Rename(nodeS, func() { nodeS.UpdateRegInfo(reg) })
		if cr, ok := self.resolver.(*topology.CachedResolver); ok {
			cr.Invalidate(nodeS.Host())
		}
		nodeS.Location = self.resolveLocation(nodeS)
		self.topology.Add(nodeS)
		self.registry.AddHeartbeat(nodeS, now)
		return nil
	}

	if reg.StorageID == "" {
		reg.StorageID = self.newStorageID()
		mlog.Printf2("namesystem/datanodes", "BLOCK* registerDatanode: new storageID %s assigned", reg.StorageID)
	}
	d := node.NewDescriptor(reg, topology.DefaultRack)
	d.Location = self.resolveLocation(d)
	self.registry.Put(d)
	self.topology.Add(d)
	self.registry.AddHeartbeat(d, now)
	self.applySafeMode(self.safeMode.CheckMode(now, self.numLive()))
	return nil
}

// HandleHeartbeat records the usage of a node and returns the work
// queued for it. A pending lease recovery is sent alone.
func (self *Namesystem) HandleHeartbeat(id protocol.DatanodeID, hb protocol.Heartbeat) ([]*protocol.Command, error) {
	d, err := self.getDatanode(id)
	if err != nil {
		return []*protocol.Command{protocol.RegisterCommand}, nil
	}
	if d != nil && d.IsDecommissioned() {
		d.SetDead()
		return nil, &DisallowedNodeError{ID: id}
	}
	if d == nil || !d.IsAlive() {
		return []*protocol.Command{protocol.RegisterCommand}, nil
	}
	self.registry.UpdateHeartbeat(d, node.Usage{Capacity: hb.Capacity,
		DfsUsed:      hb.DfsUsed,
		Remaining:    hb.Remaining,
		XceiverCount: hb.XceiverCount}, self.Now())

	if c := d.LeaseRecoveryCommand(int(^uint(0) >> 1)); c != nil {
		return []*protocol.Command{c}, nil
	}
	var cmds []*protocol.Command
	if c := d.ReplicationCommand(self.Config.Replication.MaxStreams - hb.XmitsInProgress); c != nil {
		cmds = append(cmds, c)
	}
	if c := d.InvalidateCommand(self.Config.InvalidateLimit); c != nil {
		cmds = append(cmds, c)
	}
	if self.keys != nil && d.NeedKeyUpdate() {
		cmds = append(cmds, &protocol.Command{Action: protocol.ActionKeyUpdate,
			Keys: self.keys.ExportKeys()})
		d.SetNeedKeyUpdate(false)
	}
	if bw := d.TakeBalancerBandwidth(); bw > 0 {
		cmds = append(cmds, &protocol.Command{Action: protocol.ActionBalancerBandwidth,
			Bandwidth: bw})
	}
	if d.TakeNeedFinalize() {
		cmds = append(cmds, protocol.FinalizeCommand)
	}
	return cmds, nil
}

// ProcessReport reconciles a full block report of a node. The
// FINALIZE_UPGRADE command is returned once the upgrade has been
// finalized.
func (self *Namesystem) ProcessReport(id protocol.DatanodeID, report block.Report) (*protocol.Command, error) {
	defer self.lock.Locked()()
	start := self.Now()
	mlog.Printf2("namesystem/datanodes", "BLOCK* processReport: from %s %d blocks", id.Name, len(report))
	d, err := self.liveDatanode(id, "ProcessReport")
	if err != nil {
		return nil, err
	}
	if self.safeMode.IsStartup() && d.FirstBlockReportDone {
		mlog.Infof("namesystem/datanodes", "BLOCK* processReport: discarded non-initial block report from %s because namenode still in startup phase",
			id.Name)
		return self.finalizeCommand(), nil
	}
	toAdd, toRemove, toInvalidate := self.blocks.ReportDiff(d, report)
	for _, b := range toRemove {
		self.removeStoredBlock(b, d)
	}
	for _, b := range toAdd {
		self.addStoredBlock(b, d, nil)
	}
	for _, b := range toInvalidate {
		mlog.Infof("namesystem/datanodes", "BLOCK* processReport: %s on %s size %d does not belong to any file.",
			b, d.Name, b.NumBytes)
		self.addToInvalidates(b, d, true)
	}
	mlog.Infof("namesystem/datanodes", "*BLOCK* processReport: from %s, blocks: %d, processing time: %d msecs",
		id.Name, len(report), self.Now().Sub(start).Milliseconds())
	d.FirstBlockReportDone = true
	return self.finalizeCommand(), nil
}

func (self *Namesystem) finalizeCommand() *protocol.Command {
	if self.upgradeFinalized.Get() {
		return protocol.FinalizeCommand
	}
	return nil
}

// addTarget adds d to the write targets of f. Returns false if it
// already was one.
func addTarget(f *namespace.File, d *node.Descriptor) bool {
	for _, id := range f.UC.Targets {
		if id == d.StorageID {
			return false
		}
	}
	f.UC.Targets = append(f.UC.Targets, d.StorageID)
	return true
}

// ProcessBlocksBeingWrittenReport adds the node as a target of the
// open blocks it has; anything else it reports is deleted.
func (self *Namesystem) ProcessBlocksBeingWrittenReport(id protocol.DatanodeID, report block.Report) error {
	defer self.lock.Locked()()
	d, err := self.liveDatanode(id, "ProcessBlocksBeingWrittenReport")
	if err != nil {
		return err
	}
	for _, b := range report {
		stored := self.blocks.GetStoredBlockWithoutMatchingGS(b)
		if stored == nil {
			self.rejectAddStoredBlock(b, d, "Block not in blockMap with any generation stamp")
			continue
		}
		f := self.blocks.GetINode(*stored)
		switch {
		case f == nil:
			self.rejectAddStoredBlock(b, d, "Block does not correspond to any file")
		case !f.IsUnderConstruction():
			self.rejectAddStoredBlock(b, d, "Reported as block being written but is a block of closed file.")
		case !f.IsLastBlock(b):
			self.rejectAddStoredBlock(b, d, "Reported as block being written but not the last block of an under-construction file.")
		default:
			if addTarget(f, d) {
				self.incrementSafeBlockCount(len(self.targetDescriptors(f.UC.Targets)))
			}
		}
	}
	return nil
}

// BlockReceived is the incremental report of a new replica. delHint
// is the storage id of a replica the sender replaced (if any).
func (self *Namesystem) BlockReceived(id protocol.DatanodeID, b block.Block, delHint string) error {
	defer self.lock.Locked()()
	d, err := self.liveDatanode(id, "Got blockReceived message")
	if err != nil {
		mlog.Warnf("namesystem/datanodes", "BLOCK* blockReceived: %s is received from %s: %v", b, id.Name, err)
		return err
	}
	mlog.Printf2("namesystem/datanodes", "BLOCK* blockReceived: %s is received from %s", b, id.Name)
	var hint *node.Descriptor
	if delHint != "" {
		hint = self.registry.GetByStorageID(delHint)
		if hint == nil {
			mlog.Warnf("namesystem/datanodes", "BLOCK* blockReceived: %s is expected to be removed from an unrecorded node %s",
				b, delHint)
		}
	}
	self.pending.Decrement(b)
	self.addStoredBlock(b, d, hint)
	d.DecBlocksScheduled()
	return nil
}

// ErrorReport handles a problem reported by a node; a fatal disk
// error takes the node out.
func (self *Namesystem) ErrorReport(id protocol.DatanodeID, code protocol.ErrorCode, msg string) error {
	mlog.Infof("namesystem/datanodes", "Error report from %s: %s", id.Name, msg)
	if code == protocol.ErrorNotify {
		return nil
	}
	d, err := self.getDatanode(id)
	if err != nil {
		return err
	}
	if d == nil {
		return &UnregisteredNodeError{ID: id}
	}
	switch code {
	case protocol.ErrorDisk:
		mlog.Warnf("namesystem/datanodes", "Volume failed on %s", id.Name)
	case protocol.ErrorFatalDisk:
		return self.RemoveDatanode(id)
	}
	return nil
}

// ReportBadBlocks marks the listed replicas corrupt.
func (self *Namesystem) ReportBadBlocks(blocks []protocol.LocatedBlock) error {
	defer self.lock.Locked()()
	mlog.Infof("namesystem/datanodes", "*DIR* reportBadBlocks")
	for _, lb := range blocks {
		for _, id := range lb.Locations {
			if err := self.markBlockAsCorrupt(lb.Block, id); err != nil {
				return err
			}
		}
	}
	return nil
}

func (self *Namesystem) RemoveDatanode(id protocol.DatanodeID) error {
	defer self.lock.Locked()()
	d, err := self.getDatanode(id)
	if err != nil {
		return err
	}
	if d == nil {
		mlog.Warnf("namesystem/datanodes", "BLOCK* removeDatanode: %s does not exist", id.Name)
		return nil
	}
	self.removeDatanode(d)
	return nil
}

// removeDatanode drops d from the live set, the block map and the
// topology. The descriptor itself stays registered.
func (self *Namesystem) removeDatanode(d *node.Descriptor) {
	self.registry.RemoveHeartbeat(d)
	for _, b := range self.blocks.NodeBlocks(d) {
		self.removeStoredBlock(*b, d)
	}
	d.ResetBlocks()
	d.FirstBlockReportDone = false
	self.invalidates.RemoveNode(d.StorageID)
	self.excess.RemoveNode(d.StorageID)
	self.topology.Remove(d)
	mlog.Printf2("namesystem/datanodes", "BLOCK* removeDatanode: %s is removed", d.Name)
	self.applySafeMode(self.safeMode.CheckMode(self.Now(), self.numLive()))
}

// heartbeatCheck removes the expired nodes one at a time, each under
// its own hold of the big lock.
func (self *Namesystem) heartbeatCheck(ctx context.Context) {
	if self.safeMode.IsOn() {
		return
	}
	hb := self.Config.Heartbeat
	for ctx.Err() == nil {
		dead := self.registry.CheckHeartbeats(self.Now(), hb.ExpireInterval, hb.StaleInterval)
		if dead == nil {
			return
		}
		func() {
			defer self.lock.Locked()()
			if self.registry.RemoveIfExpired(dead, self.Now(), hb.ExpireInterval) {
				mlog.Infof("namesystem/datanodes", "BLOCK* heartbeatCheck: lost heartbeat from %s", dead.Name)
				self.removeDatanode(dead)
			}
		}()
	}
}

// shouldAvoidStaleForWrite turns stale avoidance off when too many
// nodes are stale.
func (self *Namesystem) shouldAvoidStaleForWrite() bool {
	hb := self.Config.Heartbeat
	if !hb.AvoidStaleForWrite {
		return false
	}
	return float64(self.registry.NumStaleNodes()) <= hb.StaleWriteRatio*float64(self.numLive())
}

/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Wed Feb 27 13:02:11 2019 mstenber
 * Last modified: Wed Feb 27 15:40:52 2019 mstenber
 * Edit time:     97 min
 *
 */

package sim

import (
	"errors"
	"fmt"

	"github.com/fingon/go-blockmaster/block"
	"github.com/fingon/go-blockmaster/blockkey"
	"github.com/fingon/go-blockmaster/mlog"
	"github.com/fingon/go-blockmaster/namesystem"
	"github.com/fingon/go-blockmaster/protocol"
	"github.com/fingon/go-blockmaster/util"
)

// Stats counts the commands a DataNode has carried out.
type Stats struct {
	Transferred, Invalidated, Recovered int
}

// DataNode is a storage node that keeps replica metadata only.
type DataNode struct {
	Name     string
	Capacity int64

	cluster *Cluster

	lock      util.MutexLocked
	reg       protocol.Registration
	replicas  map[int64]block.Block
	writing   map[int64]bool
	running   bool
	keys      *blockkey.ExportedKeys
	bandwidth int64
	finalized bool
	stats     Stats
}

func (self *DataNode) ID() protocol.DatanodeID {
	defer self.lock.Locked()()
	return self.reg.DatanodeID
}

func (self *DataNode) String() string {
	return self.Name
}

// Running is false once the node has been stopped (or shut down by
// the coordinator).
func (self *DataNode) Running() bool {
	defer self.lock.Locked()()
	return self.running
}

// Stop makes the node silent; the coordinator finds out only when the
// heartbeats expire.
func (self *DataNode) Stop() {
	defer self.lock.Locked()()
	self.running = false
}

func (self *DataNode) Stats() Stats {
	defer self.lock.Locked()()
	return self.stats
}

// Bandwidth is the last balancer bandwidth received.
func (self *DataNode) Bandwidth() int64 {
	defer self.lock.Locked()()
	return self.bandwidth
}

// Keys are the current block access keys (nil if tokens are off).
func (self *DataNode) Keys() *blockkey.ExportedKeys {
	defer self.lock.Locked()()
	return self.keys
}

func (self *DataNode) UpgradeFinalized() bool {
	defer self.lock.Locked()()
	return self.finalized
}

// Replica returns the local replica with the given block id.
func (self *DataNode) Replica(id int64) (block.Block, bool) {
	defer self.lock.Locked()()
	b, ok := self.replicas[id]
	return b, ok
}

// Blocks returns the finalized replicas sorted by id.
func (self *DataNode) Blocks() block.Report {
	defer self.lock.Locked()()
	return self.report(false)
}

func (self *DataNode) report(writing bool) block.Report {
	r := block.Report{}
	for id, b := range self.replicas {
		if self.writing[id] == writing {
			r = append(r, b)
		}
	}
	block.SortByID(r)
	return r
}

func (self *DataNode) used() int64 {
	var n int64
	for _, b := range self.replicas {
		n += b.NumBytes
	}
	return n
}

// store adds (or replaces) a replica. Replicas still being written
// are not finalized until a lease recovery closes them.
func (self *DataNode) store(b block.Block, writing bool) {
	defer self.lock.Locked()()
	self.replicas[b.ID] = b
	if writing {
		self.writing[b.ID] = true
	} else {
		delete(self.writing, b.ID)
	}
}

// Register (re)registers the node, heartbeats once and sends its block
// reports.
func (self *DataNode) Register() error {
	c := self.cluster.Coordinator
	reg := func() protocol.Registration {
		defer self.lock.Locked()()
		self.running = true
		return self.reg
	}()
	if err := c.RegisterDatanode(&reg); err != nil {
		self.shutdown(err)
		return err
	}
	func() {
		defer self.lock.Locked()()
		self.reg = reg
		if reg.Keys != nil {
			self.keys = reg.Keys
		}
	}()
	mlog.Printf2("sim/datanode", "%s registered as %s", self.Name, reg.StorageID)
	// Registration carries no usage; report it before anything else so
	// that the node can be chosen as a target.
	if err := self.Heartbeat(); err != nil {
		return err
	}
	if err := self.sendBeingWrittenReport(); err != nil {
		return err
	}
	return self.BlockReport()
}

func (self *DataNode) sendBeingWrittenReport() error {
	r := func() block.Report {
		defer self.lock.Locked()()
		return self.report(true)
	}()
	if len(r) == 0 {
		return nil
	}
	return self.cluster.Coordinator.ProcessBlocksBeingWrittenReport(self.ID(), r)
}

// BlockReport sends the full list of finalized replicas.
func (self *DataNode) BlockReport() error {
	cmd, err := self.cluster.Coordinator.ProcessReport(self.ID(), self.Blocks())
	if err != nil {
		return err
	}
	if cmd != nil {
		return self.execute(cmd)
	}
	return nil
}

// Heartbeat reports usage and carries out the returned commands.
func (self *DataNode) Heartbeat() error {
	hb := func() protocol.Heartbeat {
		defer self.lock.Locked()()
		used := self.used()
		return protocol.Heartbeat{Capacity: self.Capacity,
			DfsUsed:   used,
			Remaining: self.Capacity - used}
	}()
	cmds, err := self.cluster.Coordinator.HandleHeartbeat(self.ID(), hb)
	if err != nil {
		self.shutdown(err)
		return err
	}
	for _, cmd := range cmds {
		if err := self.execute(cmd); err != nil {
			return err
		}
	}
	return nil
}

// shutdown stops the node if the coordinator refuses it.
func (self *DataNode) shutdown(err error) {
	var dne *namesystem.DisallowedNodeError
	if errors.As(err, &dne) {
		mlog.Infof("sim/datanode", "%s shutting down: %v", self.Name, err)
		self.Stop()
	}
}

func (self *DataNode) execute(cmd *protocol.Command) error {
	mlog.Printf2("sim/datanode", "%s executing %v", self.Name, cmd)
	switch cmd.Action {
	case protocol.ActionRegister:
		return self.Register()
	case protocol.ActionTransfer:
		for i, b := range cmd.Blocks {
			if err := self.transfer(b, cmd.Targets[i]); err != nil {
				return err
			}
		}
	case protocol.ActionInvalidate:
		defer self.lock.Locked()()
		for _, b := range cmd.Blocks {
			if r, ok := self.replicas[b.ID]; ok && r.MatchesGenStamp(b) {
				delete(self.replicas, b.ID)
				delete(self.writing, b.ID)
				self.stats.Invalidated++
			}
		}
	case protocol.ActionRecoverLease:
		for i, b := range cmd.Blocks {
			if err := self.recover(b, cmd.Targets[i]); err != nil {
				mlog.Errorf("sim/datanode", "%s: recovery of %s failed: %v", self.Name, b, err)
			}
		}
	case protocol.ActionKeyUpdate:
		defer self.lock.Locked()()
		self.keys = cmd.Keys
	case protocol.ActionBalancerBandwidth:
		defer self.lock.Locked()()
		self.bandwidth = cmd.Bandwidth
	case protocol.ActionFinalizeUpgrade:
		defer self.lock.Locked()()
		self.finalized = true
	default:
		return fmt.Errorf("%s: unsupported command %v", self.Name, cmd)
	}
	return nil
}

// transfer copies a local replica to every node of the pipeline.
func (self *DataNode) transfer(b block.Block, targets []protocol.DatanodeID) error {
	c := self.cluster.Coordinator
	r, ok := self.Replica(b.ID)
	if !ok || !r.MatchesGenStamp(b) {
		msg := fmt.Sprintf("Can't send invalid block %s", b)
		return c.ErrorReport(self.ID(), protocol.ErrorInvalidBlock, msg)
	}
	for _, t := range targets {
		n := self.cluster.Node(t.Name)
		if n == nil || !n.Running() {
			mlog.Printf2("sim/datanode", "%s: transfer target %s unavailable", self.Name, t)
			continue
		}
		n.store(r, false)
		if err := c.BlockReceived(n.ID(), r, ""); err != nil {
			return err
		}
	}
	defer self.lock.Locked()()
	self.stats.Transferred++
	return nil
}

// recover synchronizes the replicas of the last block of a file under
// lease recovery to their shortest common length, and closes the file.
func (self *DataNode) recover(b block.Block, targets []protocol.DatanodeID) error {
	c := self.cluster.Coordinator
	var holders []*DataNode
	var ids []protocol.DatanodeID
	length := int64(-1)
	for _, t := range targets {
		n := self.cluster.Node(t.Name)
		if n == nil || !n.Running() {
			continue
		}
		r, ok := n.Replica(b.ID)
		if !ok || r.GenStamp < b.GenStamp {
			continue
		}
		holders = append(holders, n)
		ids = append(ids, n.ID())
		if length < 0 || r.NumBytes < length {
			length = r.NumBytes
		}
	}
	if len(holders) == 0 {
		mlog.Infof("sim/datanode", "%s: no replicas of %s left, dropping it", self.Name, b)
		return c.CommitBlockSynchronization(b, 0, 0, true, true, nil)
	}
	gs, err := c.NextGenerationStampForBlock(b, true)
	if err != nil {
		return err
	}
	nb := block.Block{ID: b.ID, GenStamp: gs, NumBytes: length}
	for _, n := range holders {
		n.store(nb, false)
	}
	if err := c.CommitBlockSynchronization(b, gs, length, true, false, ids); err != nil {
		return err
	}
	defer self.lock.Locked()()
	self.stats.Recovered++
	return nil
}

// Corrupt reports the local replica of block id as corrupt.
func (self *DataNode) Corrupt(id int64) error {
	r, ok := self.Replica(id)
	if !ok {
		return fmt.Errorf("%s has no replica of block %d", self.Name, id)
	}
	return self.cluster.Coordinator.ReportBadBlocks([]protocol.LocatedBlock{
		{Block: r, Locations: []protocol.DatanodeID{self.ID()}}})
}

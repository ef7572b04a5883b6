/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Fri Feb 15 11:02:12 2019 mstenber
 * Last modified: Mon Feb 18 10:12:44 2019 mstenber
 * Edit time:     131 min
 *
 */

package node

import (
	"fmt"
	"strings"
	"time"

	"github.com/fingon/go-blockmaster/block"
	"github.com/fingon/go-blockmaster/protocol"
	"github.com/fingon/go-blockmaster/util"
)

type AdminState int

const (
	AdminNormal AdminState = iota
	AdminDecommissionInProgress
	AdminDecommissioned
)

func (self AdminState) String() string {
	switch self {
	case AdminNormal:
		return "Normal"
	case AdminDecommissionInProgress:
		return "Decommission in progress"
	case AdminDecommissioned:
		return "Decommissioned"
	}
	return fmt.Sprintf("AdminState(%d)", int(self))
}

// BlocksScheduledRollInterval is how long an unacknowledged scheduled
// block keeps counting against the node.
const BlocksScheduledRollInterval = 10 * time.Minute

// BlockTargetPair is a queued replication: copy Block to Targets.
type BlockTargetPair struct {
	Block   block.Block
	Targets []protocol.DatanodeID
}

type Usage struct {
	Capacity     int64
	DfsUsed      int64
	Remaining    int64
	XceiverCount int
}

type DecommissioningStatus struct {
	UnderReplicatedBlocks      int
	DecommissionOnlyReplicas   int
	UnderReplicatedInOpenFiles int
	StartTime                  time.Time
}

// Descriptor is the coordinator's view of one storage node.
//
// Identity and Location change only under the coordinator lock.
// Liveness and admin state are atomics; usage, scheduling counters and
// the command queues are guarded by the per-node leaf lock.
type Descriptor struct {
	protocol.DatanodeID
	HostName string
	Location string

	alive      util.AtomicBool
	adminState util.AtomicInt

	// Coordinator lock
	FirstBlockReportDone bool
	DecommissionStatus   DecommissioningStatus

	lock                    util.OrderedMutex
	usage                   Usage
	lastUpdate              time.Time
	needKeyUpdate           bool
	needFinalize            bool
	balancerBandwidth       int64
	currBlocksScheduled     int
	prevBlocksScheduled     int
	blocksScheduledRollTime time.Time
	replicateBlocks         []BlockTargetPair
	invalidateBlocks        []block.Block
	recoverBlocks           []BlockTargetPair
}

func NewDescriptor(reg *protocol.Registration, location string) *Descriptor {
	d := &Descriptor{DatanodeID: reg.DatanodeID,
		HostName: reg.HostName,
		Location: location}
	d.lock = util.OrderedMutex{Name: "node " + reg.Name, Rank: util.RankLeaf}
	return d
}

// Key and NetworkLocation make Descriptor a topology.Node.
func (self *Descriptor) Key() string {
	return self.StorageID
}

func (self *Descriptor) NetworkLocation() string {
	return self.Location
}

func (self *Descriptor) String() string {
	return self.Name
}

func (self *Descriptor) IsAlive() bool {
	return self.alive.Get()
}

func (self *Descriptor) SetAlive(alive bool) {
	self.alive.Set(alive)
}

func (self *Descriptor) AdminState() AdminState {
	return AdminState(self.adminState.Get())
}

func (self *Descriptor) setAdminState(s AdminState) {
	self.adminState.Set(int64(s))
}

func (self *Descriptor) IsDecommissionInProgress() bool {
	return self.AdminState() == AdminDecommissionInProgress
}

func (self *Descriptor) IsDecommissioned() bool {
	return self.AdminState() == AdminDecommissioned
}

func (self *Descriptor) StartDecommission(now time.Time) {
	self.setAdminState(AdminDecommissionInProgress)
	self.DecommissionStatus = DecommissioningStatus{StartTime: now}
}

func (self *Descriptor) StopDecommission() {
	self.setAdminState(AdminNormal)
	self.DecommissionStatus = DecommissioningStatus{}
}

func (self *Descriptor) SetDecommissioned() {
	self.setAdminState(AdminDecommissioned)
}

// UpdateRegInfo takes new network identity from a re-registration.
func (self *Descriptor) UpdateRegInfo(reg *protocol.Registration) {
	self.Name = reg.Name
	self.InfoPort = reg.InfoPort
	self.IpcPort = reg.IpcPort
	self.HostName = reg.HostName
}

// UpdateHeartbeat sets the usage from a heartbeat.
func (self *Descriptor) UpdateHeartbeat(u Usage, now time.Time) {
	defer self.lock.Locked()()
	self.usage = u
	self.lastUpdate = now
	self.rollBlocksScheduled(now)
}

// SetDead backdates the last heartbeat so that the next liveness
// check expires the node.
func (self *Descriptor) SetDead() {
	defer self.lock.Locked()()
	self.lastUpdate = time.Time{}
}

func (self *Descriptor) Usage() Usage {
	defer self.lock.Locked()()
	return self.usage
}

func (self *Descriptor) LastUpdate() time.Time {
	defer self.lock.Locked()()
	return self.lastUpdate
}

// IsStale is true if the node has not heartbeated for interval.
func (self *Descriptor) IsStale(now time.Time, interval time.Duration) bool {
	return now.Sub(self.LastUpdate()) > interval
}

// IsExpired is true if the node should be declared dead.
func (self *Descriptor) IsExpired(now time.Time, expire time.Duration) bool {
	return now.Sub(self.LastUpdate()) > expire
}

// ResetBlocks forgets the usage and the queued work; the block set
// itself lives in the replica directory.
func (self *Descriptor) ResetBlocks() {
	defer self.lock.Locked()()
	self.usage = Usage{}
	self.invalidateBlocks = nil
	self.replicateBlocks = nil
	self.recoverBlocks = nil
	self.currBlocksScheduled = 0
	self.prevBlocksScheduled = 0
}

func (self *Descriptor) rollBlocksScheduled(now time.Time) {
	if self.blocksScheduledRollTime.IsZero() {
		self.blocksScheduledRollTime = now
		return
	}
	if now.Sub(self.blocksScheduledRollTime) > BlocksScheduledRollInterval {
		self.prevBlocksScheduled = self.currBlocksScheduled
		self.currBlocksScheduled = 0
		self.blocksScheduledRollTime = now
	}
}

// BlocksScheduled is the approximate number of blocks being written
// to the node.
func (self *Descriptor) BlocksScheduled() int {
	defer self.lock.Locked()()
	return self.currBlocksScheduled + self.prevBlocksScheduled
}

func (self *Descriptor) IncBlocksScheduled() {
	defer self.lock.Locked()()
	self.currBlocksScheduled++
}

func (self *Descriptor) DecBlocksScheduled() {
	defer self.lock.Locked()()
	if self.prevBlocksScheduled > 0 {
		self.prevBlocksScheduled--
	} else if self.currBlocksScheduled > 0 {
		self.currBlocksScheduled--
	}
}

func (self *Descriptor) SetNeedKeyUpdate(v bool) {
	defer self.lock.Locked()()
	self.needKeyUpdate = v
}

func (self *Descriptor) NeedKeyUpdate() bool {
	defer self.lock.Locked()()
	return self.needKeyUpdate
}

// SetNeedFinalize queues a FINALIZE_UPGRADE for the next heartbeat.
func (self *Descriptor) SetNeedFinalize(v bool) {
	defer self.lock.Locked()()
	self.needFinalize = v
}

// TakeNeedFinalize reports whether a finalize is queued and clears it.
func (self *Descriptor) TakeNeedFinalize() bool {
	defer self.lock.Locked()()
	v := self.needFinalize
	self.needFinalize = false
	return v
}

func (self *Descriptor) SetBalancerBandwidth(bw int64) {
	defer self.lock.Locked()()
	self.balancerBandwidth = bw
}

// TakeBalancerBandwidth returns the pending bandwidth and clears it.
func (self *Descriptor) TakeBalancerBandwidth() int64 {
	defer self.lock.Locked()()
	bw := self.balancerBandwidth
	self.balancerBandwidth = 0
	return bw
}

func (self *Descriptor) AddBlockToBeReplicated(b block.Block, targets []*Descriptor) {
	ids := make([]protocol.DatanodeID, len(targets))
	for i, t := range targets {
		ids[i] = t.DatanodeID
	}
	defer self.lock.Locked()()
	self.replicateBlocks = append(self.replicateBlocks, BlockTargetPair{Block: b, Targets: ids})
}

func (self *Descriptor) AddBlocksToBeInvalidated(blocks []block.Block) {
	defer self.lock.Locked()()
	self.invalidateBlocks = append(self.invalidateBlocks, blocks...)
}

// AddBlockToBeRecovered makes the node the primary of the recovery
// of b among targets.
func (self *Descriptor) AddBlockToBeRecovered(b block.Block, targets []*Descriptor) {
	ids := make([]protocol.DatanodeID, len(targets))
	for i, t := range targets {
		ids[i] = t.DatanodeID
	}
	defer self.lock.Locked()()
	for _, p := range self.recoverBlocks {
		if p.Block.Equal(b) {
			return
		}
	}
	self.recoverBlocks = append(self.recoverBlocks, BlockTargetPair{Block: b, Targets: ids})
}

func (self *Descriptor) NumBlocksToBeReplicated() int {
	defer self.lock.Locked()()
	return len(self.replicateBlocks)
}

func (self *Descriptor) NumBlocksToBeInvalidated() int {
	defer self.lock.Locked()()
	return len(self.invalidateBlocks)
}

// ReplicationCommand dequeues at most max queued replications.
func (self *Descriptor) ReplicationCommand(max int) *protocol.Command {
	defer self.lock.Locked()()
	n := util.IMin(max, len(self.replicateBlocks))
	if n <= 0 {
		return nil
	}
	c := &protocol.Command{Action: protocol.ActionTransfer}
	for _, p := range self.replicateBlocks[:n] {
		c.Blocks = append(c.Blocks, p.Block)
		c.Targets = append(c.Targets, p.Targets)
	}
	self.replicateBlocks = self.replicateBlocks[n:]
	return c
}

// InvalidateCommand dequeues at most max queued deletions.
func (self *Descriptor) InvalidateCommand(max int) *protocol.Command {
	defer self.lock.Locked()()
	n := util.IMin(max, len(self.invalidateBlocks))
	if n <= 0 {
		return nil
	}
	c := &protocol.Command{Action: protocol.ActionInvalidate,
		Blocks: append([]block.Block{}, self.invalidateBlocks[:n]...)}
	self.invalidateBlocks = self.invalidateBlocks[n:]
	return c
}

// LeaseRecoveryCommand dequeues at most max blocks to recover.
func (self *Descriptor) LeaseRecoveryCommand(max int) *protocol.Command {
	defer self.lock.Locked()()
	n := util.IMin(max, len(self.recoverBlocks))
	if n <= 0 {
		return nil
	}
	c := &protocol.Command{Action: protocol.ActionRecoverLease}
	for _, p := range self.recoverBlocks[:n] {
		c.Blocks = append(c.Blocks, p.Block)
		c.Targets = append(c.Targets, p.Targets)
	}
	self.recoverBlocks = self.recoverBlocks[n:]
	return c
}

// Info returns the externally visible state.
func (self *Descriptor) Info(now time.Time, staleInterval time.Duration, numBlocks int) protocol.DatanodeInfo {
	defer self.lock.Locked()()
	return protocol.DatanodeInfo{DatanodeID: self.DatanodeID,
		HostName:          self.HostName,
		Capacity:          self.usage.Capacity,
		DfsUsed:           self.usage.DfsUsed,
		Remaining:         self.usage.Remaining,
		XceiverCount:      self.usage.XceiverCount,
		LastUpdate:        self.lastUpdate,
		NetworkLocation:   self.Location,
		AdminState:        self.AdminState().String(),
		Alive:             self.IsAlive(),
		Stale:             now.Sub(self.lastUpdate) > staleInterval,
		BlocksScheduled:   self.currBlocksScheduled + self.prevBlocksScheduled,
		NumBlocks:         numBlocks,
		DecommissionStart: self.DecommissionStatus.StartTime}
}

// Dump is the metasave line of the node.
func (self *Descriptor) Dump(now time.Time, numBlocks int) string {
	u := self.Usage()
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s", self.Name, self.Location)
	if self.IsDecommissioned() {
		b.WriteString(" DD")
	} else if self.IsDecommissionInProgress() {
		b.WriteString(" DP")
	} else {
		b.WriteString(" IN")
	}
	fmt.Fprintf(&b, " %d %d %d %d %d %s blocks=%d",
		u.Capacity, u.DfsUsed, u.Capacity-u.DfsUsed-u.Remaining, u.Remaining,
		u.XceiverCount, self.LastUpdate().Format(time.RFC3339), numBlocks)
	return b.String()
}

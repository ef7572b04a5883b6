/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Wed Feb 27 12:31:40 2019 mstenber
 * Last modified: Wed Feb 27 15:52:09 2019 mstenber
 * Edit time:     64 min
 *
 */

// sim is a cluster of in-process storage nodes that talk to the
// coordinator directly. The nodes keep only replica metadata; they
// register, heartbeat, report blocks and carry out the commands they
// are given.
package sim

import (
	"context"
	"fmt"
	"time"

	"github.com/fingon/go-blockmaster/block"
	"github.com/fingon/go-blockmaster/mlog"
	"github.com/fingon/go-blockmaster/protocol"
	"github.com/fingon/go-blockmaster/util"
)

const DefaultCapacity = int64(1) << 40

// Coordinator is the part of the block coordinator the nodes and the
// writing clients use.
type Coordinator interface {
	RegisterDatanode(reg *protocol.Registration) error
	HandleHeartbeat(id protocol.DatanodeID, hb protocol.Heartbeat) ([]*protocol.Command, error)
	ProcessReport(id protocol.DatanodeID, report block.Report) (*protocol.Command, error)
	ProcessBlocksBeingWrittenReport(id protocol.DatanodeID, report block.Report) error
	BlockReceived(id protocol.DatanodeID, b block.Block, delHint string) error
	ErrorReport(id protocol.DatanodeID, code protocol.ErrorCode, msg string) error
	ReportBadBlocks(blocks []protocol.LocatedBlock) error
	NextGenerationStampForBlock(b block.Block, fromCoordinator bool) (int64, error)
	CommitBlockSynchronization(last block.Block, newGenStamp, newLength int64, closeFile, deleteBlock bool, newTargets []protocol.DatanodeID) error

	StartFile(p, holder, clientMachine string, overwrite bool, replication int, blockSize int64) error
	GetAdditionalBlock(p, holder string, excludedNodes []protocol.DatanodeID) (*protocol.LocatedBlock, error)
	CompleteFile(p, holder string) (protocol.CompleteStatus, error)
}

type Cluster struct {
	Coordinator Coordinator

	// Capacity of new nodes (default DefaultCapacity).
	Capacity int64

	// BlockSize of written files (default 64MB).
	BlockSize int64

	lock   util.MutexLocked
	nodes  []*DataNode
	byName map[string]*DataNode
}

func (self Cluster) Init() *Cluster {
	if self.Capacity == 0 {
		self.Capacity = DefaultCapacity
	}
	if self.BlockSize == 0 {
		self.BlockSize = 64 << 20
	}
	self.byName = make(map[string]*DataNode)
	return &self
}

// AddNode creates and registers a node called name ("host:port").
func (self *Cluster) AddNode(name string) (*DataNode, error) {
	n := &DataNode{Name: name,
		Capacity: self.Capacity,
		cluster:  self,
		reg:      protocol.Registration{DatanodeID: protocol.DatanodeID{Name: name}},
		replicas: make(map[int64]block.Block),
		writing:  make(map[int64]bool)}
	func() {
		defer self.lock.Locked()()
		self.nodes = append(self.nodes, n)
		self.byName[name] = n
	}()
	return n, n.Register()
}

// AddNodes adds n nodes named 10.0.<index/250>.<index%250+1>:50010.
func (self *Cluster) AddNodes(n int) ([]*DataNode, error) {
	var r []*DataNode
	for i := 0; i < n; i++ {
		idx := len(self.Nodes())
		name := fmt.Sprintf("10.0.%d.%d:50010", idx/250, idx%250+1)
		d, err := self.AddNode(name)
		if err != nil {
			return r, err
		}
		r = append(r, d)
	}
	return r, nil
}

func (self *Cluster) Node(name string) *DataNode {
	defer self.lock.Locked()()
	return self.byName[name]
}

func (self *Cluster) Nodes() []*DataNode {
	defer self.lock.Locked()()
	return append([]*DataNode{}, self.nodes...)
}

// Running returns the nodes that have not been stopped.
func (self *Cluster) Running() []*DataNode {
	var r []*DataNode
	for _, n := range self.Nodes() {
		if n.Running() {
			r = append(r, n)
		}
	}
	return r
}

// Replicas returns the running nodes holding block id.
func (self *Cluster) Replicas(id int64) []*DataNode {
	var r []*DataNode
	for _, n := range self.Running() {
		if _, ok := n.Replica(id); ok {
			r = append(r, n)
		}
	}
	return r
}

// Tick heartbeats every running node once, in parallel. The first
// error is returned; the rest are only logged.
func (self *Cluster) Tick() error {
	var wg util.SimpleWaitGroup
	var lock util.MutexLocked
	var first error
	for _, n := range self.Running() {
		n := n
		wg.Go(func() {
			err := n.Heartbeat()
			if err == nil {
				return
			}
			mlog.Printf2("sim/cluster", "%s heartbeat: %v", n.Name, err)
			defer lock.Locked()()
			if first == nil {
				first = err
			}
		})
	}
	wg.Wait()
	return first
}

// Run ticks every interval until ctx is done.
func (self *Cluster) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if err := self.Tick(); err != nil {
			mlog.Errorf("sim/cluster", "tick: %v", err)
		}
	}
}

// writeBlock allocates the next block of p and stores it on the
// pipeline nodes.
func (self *Cluster) writeBlock(p, client string, size int64, finalize bool) (*protocol.LocatedBlock, error) {
	if size > self.BlockSize {
		return nil, fmt.Errorf("block of %d bytes exceeds block size %d", size, self.BlockSize)
	}
	lb, err := self.Coordinator.GetAdditionalBlock(p, client, nil)
	if err != nil {
		return nil, err
	}
	b := lb.Block
	b.NumBytes = size
	for _, loc := range lb.Locations {
		n := self.Node(loc.Name)
		if n == nil {
			return nil, fmt.Errorf("pipeline node %s is not in the cluster", loc)
		}
		n.store(b, !finalize)
		if !finalize {
			continue
		}
		if err := self.Coordinator.BlockReceived(n.ID(), b, ""); err != nil {
			return nil, err
		}
	}
	lb.Block = b
	return lb, nil
}

// WriteFile creates p with one block per size and closes it.
func (self *Cluster) WriteFile(p, client string, replication int, sizes ...int64) error {
	c := self.Coordinator
	if err := c.StartFile(p, client, client, false, replication, self.BlockSize); err != nil {
		return err
	}
	for _, size := range sizes {
		if _, err := self.writeBlock(p, client, size, true); err != nil {
			return err
		}
	}
	st, err := c.CompleteFile(p, client)
	if err != nil {
		return err
	}
	if st != protocol.CompleteSuccess {
		return fmt.Errorf("complete %s: %v", p, st)
	}
	return nil
}

// OpenFile creates p and writes one block of size bytes that is left
// unfinished, as if the client died mid-write.
func (self *Cluster) OpenFile(p, client string, replication int, size int64) (*protocol.LocatedBlock, error) {
	if err := self.Coordinator.StartFile(p, client, client, false, replication, self.BlockSize); err != nil {
		return nil, err
	}
	return self.writeBlock(p, client, size, false)
}

/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Wed Feb 20 15:10:32 2019 mstenber
 * Last modified: Thu Feb 21 11:02:13 2019 mstenber
 * Edit time:     104 min
 *
 */

package placement

import (
	"github.com/fingon/go-blockmaster/block"
	"github.com/fingon/go-blockmaster/mlog"
	"github.com/fingon/go-blockmaster/node"
	"github.com/fingon/go-blockmaster/topology"
)

// RackAware places the first replica on the writer (or a random
// node), the second on a different rack, the third on the rack of the
// second, and the rest randomly, subject to at most maxNodesPerRack
// per rack.
type RackAware struct {
	Context
}

var _ Policy = &RackAware{}

// chooser is the state of one ChooseTargets call.
type chooser struct {
	*Context
	excluded        map[*node.Descriptor]bool
	results         []*node.Descriptor
	blockSize       int64
	maxNodesPerRack int
	avoidStale      bool
}

func (self *chooser) isExcluded(n topology.Node) bool {
	return self.excluded[n.(*node.Descriptor)]
}

func (self *chooser) isGoodTarget(d *node.Descriptor) bool {
	if d.IsDecommissionInProgress() || d.IsDecommissioned() {
		mlog.Printf2("placement/rackaware", "Node %s is not chosen: decommissioning", d)
		return false
	}
	if self.avoidStale && d.IsStale(self.Now(), self.StaleInterval) {
		mlog.Printf2("placement/rackaware", "Node %s is not chosen: stale", d)
		return false
	}
	u := d.Usage()
	if self.blockSize*MinBlocksForWrite > u.Remaining-int64(d.BlocksScheduled())*self.blockSize {
		mlog.Printf2("placement/rackaware", "Node %s is not chosen: disk full", d)
		return false
	}
	if self.ConsiderLoad && self.Load != nil {
		load, live := self.Load()
		if live > 0 && float64(u.XceiverCount) > 2.0*float64(load)/float64(live) {
			mlog.Printf2("placement/rackaware", "Node %s is not chosen: too busy", d)
			return false
		}
	}
	counter := 1
	for _, r := range self.results {
		if self.Topology.IsOnSameRack(r, d) {
			counter++
		}
	}
	if counter > self.maxNodesPerRack {
		mlog.Printf2("placement/rackaware", "Node %s is not chosen: rack has too many chosen", d)
		return false
	}
	return true
}

// chooseRandom adds up to num good nodes from scope; returns how many
// it could not find.
func (self *chooser) chooseRandom(num int, scope string) int {
	available := self.Topology.CountNumOfAvailableNodes(scope, self.isExcluded)
	for num > 0 && available > 0 {
		n := self.Topology.ChooseRandom(self.Rand, scope, self.isExcluded)
		if n == nil {
			break
		}
		d := n.(*node.Descriptor)
		available--
		self.excluded[d] = true
		if self.isGoodTarget(d) {
			self.results = append(self.results, d)
			num--
		}
	}
	return num
}

func (self *chooser) chooseLocalRack(local *node.Descriptor) int {
	if local == nil {
		return self.chooseRandom(1, "")
	}
	if self.chooseRandom(1, topology.NormalizeLocation(local.NetworkLocation())) == 0 {
		return 0
	}
	for _, r := range self.results {
		if r != local {
			if self.chooseRandom(1, topology.NormalizeLocation(r.NetworkLocation())) == 0 {
				return 0
			}
			break
		}
	}
	return self.chooseRandom(1, "")
}

func (self *chooser) chooseLocalNode(local *node.Descriptor) int {
	if local == nil {
		return self.chooseRandom(1, "")
	}
	if !self.excluded[local] {
		self.excluded[local] = true
		if self.isGoodTarget(local) {
			self.results = append(self.results, local)
			return 0
		}
	}
	return self.chooseLocalRack(local)
}

func (self *chooser) chooseRemoteRack(num int, local *node.Descriptor) int {
	left := self.chooseRandom(num, "~"+topology.NormalizeLocation(local.NetworkLocation()))
	if left == 0 {
		return 0
	}
	return self.chooseRandom(left, topology.NormalizeLocation(local.NetworkLocation()))
}

// choose fills results with num more nodes; returns the writer used
// for pipeline ordering.
func (self *chooser) choose(num int, writer *node.Descriptor) *node.Descriptor {
	newBlock := len(self.results) == 0
	if writer == nil && !newBlock {
		writer = self.results[0]
	}
	step := func(left int) bool {
		if left > 0 {
			mlog.Warnf("placement/rackaware", "Not able to place enough replicas, still in need of %d", num)
			return false
		}
		num--
		return num > 0
	}
	switch len(self.results) {
	case 0:
		before := len(self.results)
		if !step(self.chooseLocalNode(writer)) {
			return writer
		}
		if writer == nil && len(self.results) > before {
			writer = self.results[0]
		}
		fallthrough
	case 1:
		if !step(self.chooseRemoteRack(1, self.results[0])) {
			return writer
		}
		fallthrough
	case 2:
		var left int
		switch {
		case self.Topology.IsOnSameRack(self.results[0], self.results[1]):
			left = self.chooseRemoteRack(1, self.results[0])
		case newBlock:
			left = self.chooseLocalRack(self.results[1])
		default:
			left = self.chooseLocalRack(writer)
		}
		if !step(left) {
			return writer
		}
		fallthrough
	default:
		if left := self.chooseRandom(num, ""); left > 0 {
			mlog.Warnf("placement/rackaware", "Not able to place enough replicas, still in need of %d", left)
		}
	}
	return writer
}

func (self *RackAware) ChooseTargets(numReplicas int, writer *node.Descriptor, chosen []*node.Descriptor, excluded map[*node.Descriptor]bool, blockSize int64, avoidStale bool) []*node.Descriptor {
	clusterSize := self.Topology.NumLeaves()
	if numReplicas <= 0 || clusterSize == 0 {
		return nil
	}
	total := len(chosen) + numReplicas
	if total > clusterSize {
		numReplicas -= total - clusterSize
		total = clusterSize
	}
	if numReplicas <= 0 {
		return nil
	}
	maxNodesPerRack := (total-1)/self.Topology.NumRacks() + 2
	if writer != nil && !self.Topology.Contains(writer) {
		writer = nil
	}

	run := func(avoidStale bool) (*chooser, *node.Descriptor) {
		c := &chooser{Context: &self.Context,
			excluded:        make(map[*node.Descriptor]bool),
			results:         append([]*node.Descriptor{}, chosen...),
			blockSize:       blockSize,
			maxNodesPerRack: maxNodesPerRack,
			avoidStale:      avoidStale}
		for d := range excluded {
			c.excluded[d] = true
		}
		for _, d := range chosen {
			c.excluded[d] = true
		}
		return c, c.choose(numReplicas, writer)
	}
	c, local := run(avoidStale)
	if avoidStale && len(c.results) < total {
		mlog.Printf2("placement/rackaware", "retrying without stale node avoidance")
		c, local = run(false)
	}
	r := c.results[len(chosen):]
	if writer == nil {
		writer = local
	}
	return pipeline(self.Topology, writer, r)
}

func (self *RackAware) ChooseReplicaToDelete(b block.Block, replication int, first, second []*node.Descriptor) *node.Descriptor {
	return chooseReplicaToDelete(&self.Context, first, second)
}

/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Tue Feb 19 13:41:12 2019 mstenber
 * Last modified: Tue Feb 19 14:02:50 2019 mstenber
 * Edit time:     14 min
 *
 */

package replica

import (
	"github.com/fingon/go-blockmaster/block"
	"github.com/fingon/go-blockmaster/util"
)

// Excess remembers replicas chosen for deletion because a block had
// too many of them, per storage id.
type Excess struct {
	nodes map[string]map[int64]block.Block
	count util.AtomicInt
}

func (self Excess) Init() *Excess {
	self.nodes = make(map[string]map[int64]block.Block)
	return &self
}

func (self *Excess) Add(storageID string, b block.Block) bool {
	m := self.nodes[storageID]
	if m == nil {
		m = make(map[int64]block.Block)
		self.nodes[storageID] = m
	}
	if _, found := m[b.ID]; found {
		return false
	}
	m[b.ID] = b
	self.count.Add(1)
	return true
}

func (self *Excess) Remove(storageID string, b block.Block) bool {
	m := self.nodes[storageID]
	if _, found := m[b.ID]; !found {
		return false
	}
	delete(m, b.ID)
	if len(m) == 0 {
		delete(self.nodes, storageID)
	}
	self.count.Add(-1)
	return true
}

func (self *Excess) Contains(storageID string, b block.Block) bool {
	_, found := self.nodes[storageID][b.ID]
	return found
}

// RemoveNode forgets everything about storageID.
func (self *Excess) RemoveNode(storageID string) {
	self.count.AddInt(-len(self.nodes[storageID]))
	delete(self.nodes, storageID)
}

// Size is the total number of excess replicas; safe to call without
// the coordinator lock.
func (self *Excess) Size() int {
	return self.count.GetInt()
}

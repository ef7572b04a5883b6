/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Tue Feb 19 10:40:02 2019 mstenber
 * Last modified: Tue Feb 19 11:12:30 2019 mstenber
 * Edit time:     21 min
 *
 */

package replica

import (
	"sort"

	"github.com/emirpasic/gods/maps/treemap"
	"github.com/emirpasic/gods/utils"
	"github.com/fingon/go-blockmaster/block"
	"github.com/fingon/go-blockmaster/mlog"
)

// CorruptReplicas tracks (block, storage id) pairs known to be
// corrupt.
type CorruptReplicas struct {
	// block id -> *corruptEntry
	blocks *treemap.Map
}

type corruptEntry struct {
	block block.Block
	nodes map[string]bool
}

func (self CorruptReplicas) Init() *CorruptReplicas {
	self.blocks = treemap.NewWith(utils.Int64Comparator)
	return &self
}

func (self *CorruptReplicas) get(id int64) *corruptEntry {
	v, found := self.blocks.Get(id)
	if !found {
		return nil
	}
	return v.(*corruptEntry)
}

// Add marks the replica of b on storageID corrupt. Returns false if
// it already was.
func (self *CorruptReplicas) Add(b block.Block, storageID string) bool {
	e := self.get(b.ID)
	if e == nil {
		e = &corruptEntry{block: b, nodes: make(map[string]bool)}
		self.blocks.Put(b.ID, e)
	}
	if e.nodes[storageID] {
		mlog.Printf2("replica/corrupt", "duplicate corrupt %s on %s", b, storageID)
		return false
	}
	e.nodes[storageID] = true
	mlog.Infof("replica/corrupt", "BLOCK NameSystem.addToCorruptReplicasMap: %s added as corrupt on %s", b, storageID)
	return true
}

// Remove forgets every corrupt replica of b.
func (self *CorruptReplicas) Remove(b block.Block) {
	self.blocks.Remove(b.ID)
}

// RemoveNode forgets the corrupt replica of b on storageID.
func (self *CorruptReplicas) RemoveNode(b block.Block, storageID string) bool {
	e := self.get(b.ID)
	if e == nil || !e.nodes[storageID] {
		return false
	}
	delete(e.nodes, storageID)
	if len(e.nodes) == 0 {
		self.blocks.Remove(b.ID)
	}
	return true
}

func (self *CorruptReplicas) IsReplicaCorrupt(b block.Block, storageID string) bool {
	e := self.get(b.ID)
	return e != nil && e.nodes[storageID]
}

func (self *CorruptReplicas) NumCorruptReplicas(b block.Block) int {
	e := self.get(b.ID)
	if e == nil {
		return 0
	}
	return len(e.nodes)
}

// Nodes returns the storage ids holding corrupt replicas of b.
func (self *CorruptReplicas) Nodes(b block.Block) []string {
	e := self.get(b.ID)
	if e == nil {
		return nil
	}
	r := make([]string, 0, len(e.nodes))
	for k := range e.nodes {
		r = append(r, k)
	}
	sort.Strings(r)
	return r
}

// Size is the number of blocks with at least one corrupt replica.
func (self *CorruptReplicas) Size() int {
	return self.blocks.Size()
}

// Blocks returns up to n corrupt blocks with id greater than after,
// in id order.
func (self *CorruptReplicas) Blocks(n int, after *int64) []block.Block {
	var r []block.Block
	it := self.blocks.Iterator()
	for it.Next() && len(r) < n {
		if after != nil && it.Key().(int64) <= *after {
			continue
		}
		r = append(r, it.Value().(*corruptEntry).block)
	}
	return r
}

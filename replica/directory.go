/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Mon Feb 18 12:02:11 2019 mstenber
 * Last modified: Tue Feb 19 10:31:45 2019 mstenber
 * Edit time:     118 min
 *
 */

// replica keeps the coordinator's books on where block replicas are
// and what should happen to them: the directory of block locations,
// corrupt replicas, the under-replication queue, in-flight
// replications, and replicas waiting to be deleted.
//
// Everything except Pending is guarded by the coordinator lock.
package replica

import (
	"github.com/fingon/go-blockmaster/block"
	"github.com/fingon/go-blockmaster/namespace"
	"github.com/fingon/go-blockmaster/node"
)

type entry struct {
	block *block.Block
	file  *namespace.File
	nodes []*node.Descriptor
}

// Directory maps blocks to the nodes holding them and back. Lookup is
// by block id; generation stamps are checked separately.
type Directory struct {
	blocks     map[int64]*entry
	nodeBlocks map[*node.Descriptor]map[int64]*entry
}

func (self Directory) Init() *Directory {
	self.blocks = make(map[int64]*entry)
	self.nodeBlocks = make(map[*node.Descriptor]map[int64]*entry)
	return &self
}

func (self *Directory) Size() int {
	return len(self.blocks)
}

func (self *Directory) get(b block.Block) *entry {
	e := self.blocks[b.ID]
	if e == nil || !e.block.MatchesGenStamp(b) {
		return nil
	}
	return e
}

// AddINode records that b belongs to f. b becomes the stored block.
func (self *Directory) AddINode(b *block.Block, f *namespace.File) *block.Block {
	e := self.blocks[b.ID]
	if e == nil {
		e = &entry{}
		self.blocks[b.ID] = e
	}
	e.block = b
	e.file = f
	return b
}

// RemoveINode detaches the block from its file; the block is
// forgotten entirely once no node holds it either.
func (self *Directory) RemoveINode(b block.Block) {
	e := self.blocks[b.ID]
	if e == nil {
		return
	}
	e.file = nil
	if len(e.nodes) == 0 {
		delete(self.blocks, b.ID)
	}
}

// RemoveBlock forgets the block and all of its locations.
func (self *Directory) RemoveBlock(b block.Block) {
	e := self.blocks[b.ID]
	if e == nil {
		return
	}
	for _, d := range e.nodes {
		self.removeReverse(d, b.ID)
	}
	delete(self.blocks, b.ID)
}

// GetStoredBlock returns the stored block matching id and stamp.
func (self *Directory) GetStoredBlock(b block.Block) *block.Block {
	e := self.get(b)
	if e == nil {
		return nil
	}
	return e.block
}

// GetStoredBlockWithoutMatchingGS returns the stored block with the
// same id regardless of the generation stamp.
func (self *Directory) GetStoredBlockWithoutMatchingGS(b block.Block) *block.Block {
	e := self.blocks[b.ID]
	if e == nil {
		return nil
	}
	return e.block
}

// GetINode returns the owning file (or nil).
func (self *Directory) GetINode(b block.Block) *namespace.File {
	e := self.blocks[b.ID]
	if e == nil {
		return nil
	}
	return e.file
}

// AddNode records a replica of b on d. Returns false if it was
// already known.
func (self *Directory) AddNode(b block.Block, d *node.Descriptor) bool {
	e := self.blocks[b.ID]
	if e == nil {
		nb := b
		e = &entry{block: &nb}
		self.blocks[b.ID] = e
	}
	for _, o := range e.nodes {
		if o == d {
			return false
		}
	}
	e.nodes = append(e.nodes, d)
	m := self.nodeBlocks[d]
	if m == nil {
		m = make(map[int64]*entry)
		self.nodeBlocks[d] = m
	}
	m[b.ID] = e
	return true
}

func (self *Directory) removeReverse(d *node.Descriptor, id int64) {
	m := self.nodeBlocks[d]
	delete(m, id)
	if len(m) == 0 {
		delete(self.nodeBlocks, d)
	}
}

// RemoveNode forgets the replica of b on d. Returns false if there
// was none.
func (self *Directory) RemoveNode(b block.Block, d *node.Descriptor) bool {
	e := self.blocks[b.ID]
	if e == nil {
		return false
	}
	for i, o := range e.nodes {
		if o == d {
			e.nodes = append(e.nodes[:i], e.nodes[i+1:]...)
			self.removeReverse(d, b.ID)
			if len(e.nodes) == 0 && e.file == nil {
				delete(self.blocks, b.ID)
			}
			return true
		}
	}
	return false
}

// Nodes returns the holders of b.
func (self *Directory) Nodes(b block.Block) []*node.Descriptor {
	e := self.blocks[b.ID]
	if e == nil {
		return nil
	}
	return append([]*node.Descriptor{}, e.nodes...)
}

func (self *Directory) NumNodes(b block.Block) int {
	e := self.blocks[b.ID]
	if e == nil {
		return 0
	}
	return len(e.nodes)
}

func (self *Directory) Contains(b block.Block, d *node.Descriptor) bool {
	m := self.nodeBlocks[d]
	if m == nil {
		return false
	}
	_, found := m[b.ID]
	return found
}

// NodeBlocks returns the stored blocks d holds.
func (self *Directory) NodeBlocks(d *node.Descriptor) []*block.Block {
	m := self.nodeBlocks[d]
	r := make([]*block.Block, 0, len(m))
	for _, e := range m {
		r = append(r, e.block)
	}
	return r
}

func (self *Directory) NumBlocks(d *node.Descriptor) int {
	return len(self.nodeBlocks[d])
}

// ForEach calls cb for every stored block until it returns false.
func (self *Directory) ForEach(cb func(b *block.Block, f *namespace.File) bool) {
	for _, e := range self.blocks {
		if !cb(e.block, e.file) {
			return
		}
	}
}

// ReportDiff compares what d is known to hold with a full report.
//
// toAdd are reported replicas we did not know d to have, toRemove
// are replicas d no longer has, and toInvalidate are reported blocks
// that belong to no file (or are stale versions).
func (self *Directory) ReportDiff(d *node.Descriptor, report block.Report) (toAdd []block.Block, toRemove []block.Block, toInvalidate []block.Block) {
	reported := make(map[int64]bool, len(report))
	for _, r := range report {
		e := self.get(r)
		if e == nil {
			// A stale stamp on the last block of a file being
			// written is handled by addStoredBlock.
			if o := self.blocks[r.ID]; o != nil && o.file != nil &&
				o.file.IsUnderConstruction() && o.file.IsLastBlock(r) {
				e = o
			}
		}
		if e == nil {
			toInvalidate = append(toInvalidate, r)
			continue
		}
		reported[r.ID] = true
		if !self.Contains(r, d) {
			toAdd = append(toAdd, r)
		}
	}
	for id, e := range self.nodeBlocks[d] {
		if !reported[id] {
			toRemove = append(toRemove, *e.block)
		}
	}
	block.SortByID(toRemove)
	return
}

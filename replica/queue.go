/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Tue Feb 19 11:20:40 2019 mstenber
 * Last modified: Wed Feb 20 09:45:31 2019 mstenber
 * Edit time:     84 min
 *
 */

package replica

import (
	"fmt"

	"github.com/emirpasic/gods/sets/treeset"
	"github.com/emirpasic/gods/utils"
	"github.com/fingon/go-blockmaster/block"
	"github.com/fingon/go-blockmaster/mlog"
)

// Priority levels of UnderReplicated, most urgent first.
const (
	// Only decommissioning nodes have the block.
	LevelMissing = iota
	// live < (target+1)/2
	LevelCritical
	// live < target
	LevelNormal
	// No usable replica at all; nothing to copy from.
	LevelCorrupt

	NumLevels
	// LevelNone means the block needs no replication.
	LevelNone = NumLevels
)

// UnderReplicated is the priority queue of blocks needing more
// replicas. A block is in at most one level.
type UnderReplicated struct {
	levels  [NumLevels]*treeset.Set // of block id
	levelOf map[int64]int
	blocks  map[int64]block.Block

	// replIndex is the position the next ChooseBlocks starts from.
	replIndex int
}

func (self UnderReplicated) Init() *UnderReplicated {
	for i := range self.levels {
		self.levels[i] = treeset.NewWith(utils.Int64Comparator)
	}
	self.levelOf = make(map[int64]int)
	self.blocks = make(map[int64]block.Block)
	return &self
}

// Priority computes the level of a block with the given counts.
func Priority(cur, decommissioned, expected int) int {
	switch {
	case cur < 0 || cur >= expected:
		return LevelNone
	case cur == 0 && decommissioned > 0:
		return LevelMissing
	case cur == 0:
		return LevelCorrupt
	case cur < (expected+1)/2:
		return LevelCritical
	}
	return LevelNormal
}

func (self *UnderReplicated) Size() int {
	return len(self.levelOf)
}

func (self *UnderReplicated) SizeAt(level int) int {
	return self.levels[level].Size()
}

// CorruptBlockSize is the number of blocks with no usable replica.
func (self *UnderReplicated) CorruptBlockSize() int {
	return self.levels[LevelCorrupt].Size()
}

func (self *UnderReplicated) Contains(b block.Block) bool {
	_, found := self.levelOf[b.ID]
	return found
}

// Level returns the level b is at (LevelNone if not queued).
func (self *UnderReplicated) Level(b block.Block) int {
	if l, found := self.levelOf[b.ID]; found {
		return l
	}
	return LevelNone
}

func (self *UnderReplicated) put(b block.Block, level int) {
	self.levels[level].Add(b.ID)
	self.levelOf[b.ID] = level
	self.blocks[b.ID] = b
}

// Add queues b if it needs replication and is not queued yet.
func (self *UnderReplicated) Add(b block.Block, cur, decommissioned, expected int) bool {
	if self.Contains(b) {
		return false
	}
	level := Priority(cur, decommissioned, expected)
	if level == LevelNone {
		return false
	}
	self.put(b, level)
	mlog.Printf2("replica/queue", "UnderReplicated.Add %s has only %d replicas and needs %d, level %d",
		b, cur, expected, level)
	return true
}

// Remove dequeues b.
func (self *UnderReplicated) Remove(b block.Block) bool {
	level, found := self.levelOf[b.ID]
	if !found {
		return false
	}
	self.levels[level].Remove(b.ID)
	delete(self.levelOf, b.ID)
	delete(self.blocks, b.ID)
	mlog.Printf2("replica/queue", "UnderReplicated.Remove %s from level %d", b, level)
	return true
}

// Update re-buckets b after its counts changed by the given deltas.
func (self *UnderReplicated) Update(b block.Block, cur, decommissioned, expected, curDelta, expectedDelta int) {
	oldCur := cur - curDelta
	oldExpected := expected - expectedDelta
	oldLevel := Priority(oldCur, decommissioned, oldExpected)
	level := Priority(cur, decommissioned, expected)
	mlog.Printf2("replica/queue", "UnderReplicated.Update %s cur %d(%+d) exp %d(%+d) level %d->%d",
		b, cur, curDelta, expected, expectedDelta, oldLevel, level)
	if known, found := self.levelOf[b.ID]; found && known != level {
		self.Remove(b)
	}
	if level != LevelNone && !self.Contains(b) {
		self.put(b, level)
	}
}

func (self *UnderReplicated) Clear() {
	for _, l := range self.levels {
		l.Clear()
	}
	self.levelOf = make(map[int64]int)
	self.blocks = make(map[int64]block.Block)
	self.replIndex = 0
}

// ForEach calls cb for every queued block in priority order.
func (self *UnderReplicated) ForEach(cb func(b block.Block, level int) bool) {
	for level, l := range self.levels {
		it := l.Iterator()
		for it.Next() {
			if !cb(self.blocks[it.Value().(int64)], level) {
				return
			}
		}
	}
}

func (self *UnderReplicated) ordered() []block.Block {
	r := make([]block.Block, 0, self.Size())
	self.ForEach(func(b block.Block, level int) bool {
		r = append(r, b)
		return true
	})
	return r
}

// ChooseBlocks returns up to n queued blocks in total, grouped by
// priority level, continuing from where the previous call stopped and
// wrapping around to the start. wrapped is called each time the end of the queue is
// passed.
func (self *UnderReplicated) ChooseBlocks(n int, wrapped func()) [NumLevels][]block.Block {
	var r [NumLevels][]block.Block
	all := self.ordered()
	if n > len(all) {
		n = len(all)
	}
	if n == 0 {
		return r
	}
	if self.replIndex >= len(all) {
		self.replIndex = 0
		if wrapped != nil {
			wrapped()
		}
	}
	for i := 0; i < n; i++ {
		if self.replIndex >= len(all) {
			self.replIndex = 0
			if wrapped != nil {
				wrapped()
			}
		}
		b := all[self.replIndex]
		self.replIndex++
		level := self.levelOf[b.ID]
		r[level] = append(r[level], b)
	}
	return r
}

func (self *UnderReplicated) String() string {
	return fmt.Sprintf("UnderReplicated{%d %d %d %d}",
		self.SizeAt(LevelMissing), self.SizeAt(LevelCritical),
		self.SizeAt(LevelNormal), self.SizeAt(LevelCorrupt))
}

// RemoveChosen dequeues a block handed out by ChooseBlocks so that the
// cursor does not skip the block after it.
func (self *UnderReplicated) RemoveChosen(b block.Block) bool {
	if !self.Remove(b) {
		return false
	}
	if self.replIndex > 0 {
		self.replIndex--
	}
	return true
}

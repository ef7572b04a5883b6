/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Tue Feb 19 14:05:30 2019 mstenber
 * Last modified: Wed Feb 20 11:30:12 2019 mstenber
 * Edit time:     31 min
 *
 */

package replica

import (
	"fmt"
	"io"

	"github.com/emirpasic/gods/maps/treemap"
	"github.com/emirpasic/gods/utils"
	"github.com/fingon/go-blockmaster/block"
	"github.com/fingon/go-blockmaster/mlog"
	"github.com/fingon/go-blockmaster/util"
)

// InvalidateSets holds, per storage id, replicas that should be
// deleted at the next opportunity.
type InvalidateSets struct {
	// storage id -> map[int64]block.Block
	nodes *treemap.Map
	count util.AtomicInt
}

func (self InvalidateSets) Init() *InvalidateSets {
	self.nodes = treemap.NewWith(utils.StringComparator)
	return &self
}

func (self *InvalidateSets) set(storageID string, create bool) map[int64]block.Block {
	v, found := self.nodes.Get(storageID)
	if found {
		return v.(map[int64]block.Block)
	}
	if !create {
		return nil
	}
	m := make(map[int64]block.Block)
	self.nodes.Put(storageID, m)
	return m
}

// Add schedules b for deletion on storageID.
func (self *InvalidateSets) Add(storageID string, b block.Block) bool {
	m := self.set(storageID, true)
	if _, found := m[b.ID]; found {
		return false
	}
	m[b.ID] = b
	self.count.Add(1)
	mlog.Printf2("replica/invalidate", "InvalidateSets.Add %s on %s", b, storageID)
	return true
}

func (self *InvalidateSets) Remove(storageID string, b block.Block) bool {
	m := self.set(storageID, false)
	if _, found := m[b.ID]; !found {
		return false
	}
	delete(m, b.ID)
	self.count.Add(-1)
	if len(m) == 0 {
		self.nodes.Remove(storageID)
	}
	return true
}

// RemoveNode drops everything scheduled for storageID.
func (self *InvalidateSets) RemoveNode(storageID string) {
	self.count.AddInt(-len(self.set(storageID, false)))
	self.nodes.Remove(storageID)
}

func (self *InvalidateSets) Contains(storageID string, b block.Block) bool {
	_, found := self.set(storageID, false)[b.ID]
	return found
}

// Keys returns the storage ids with pending deletions, sorted.
func (self *InvalidateSets) Keys() []string {
	keys := self.nodes.Keys()
	r := make([]string, len(keys))
	for i, k := range keys {
		r[i] = k.(string)
	}
	return r
}

func (self *InvalidateSets) NumBlocks(storageID string) int {
	return len(self.set(storageID, false))
}

// Take removes and returns up to limit blocks scheduled for
// storageID, lowest ids first.
func (self *InvalidateSets) Take(storageID string, limit int) []block.Block {
	m := self.set(storageID, false)
	if len(m) == 0 {
		return nil
	}
	all := make([]block.Block, 0, len(m))
	for _, b := range m {
		all = append(all, b)
	}
	block.SortByID(all)
	if len(all) > limit {
		all = all[:limit]
	}
	for _, b := range all {
		delete(m, b.ID)
	}
	self.count.AddInt(-len(all))
	if len(m) == 0 {
		self.nodes.Remove(storageID)
	}
	return all
}

// PendingDeletion is the total number of scheduled deletions; safe to
// call without the coordinator lock.
func (self *InvalidateSets) PendingDeletion() int {
	return self.count.GetInt()
}

// MetaSave writes the scheduled deletions per storage node. name maps
// a storage id to something more readable.
func (self *InvalidateSets) MetaSave(w io.Writer, name func(storageID string) string) {
	keys := self.Keys()
	fmt.Fprintf(w, "Metasave: Blocks waiting deletion from %d datanodes.\n", len(keys))
	for _, k := range keys {
		m := self.set(k, false)
		all := make([]block.Block, 0, len(m))
		for _, b := range m {
			all = append(all, b)
		}
		block.SortByID(all)
		fmt.Fprintf(w, "%s %v\n", name(k), all)
	}
}

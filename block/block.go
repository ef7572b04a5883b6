/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Tue Feb 12 10:40:12 2019 mstenber
 * Last modified: Tue Feb 12 11:02:51 2019 mstenber
 * Edit time:     22 min
 *
 */

// block contains the Block value type shared by every other package.
//
// A block is identified by its ID; the generation stamp distinguishes
// successive versions of the same block slot (recovery and append bump
// it), and NumBytes is the length the coordinator believes it has.
package block

import (
	"fmt"
	"sort"
)

// GrandfatherGenerationStamp is the stamp of blocks that predate
// generation stamps altogether; such replicas match any stamp.
const GrandfatherGenerationStamp int64 = 0

// FirstValidGenerationStamp is the first stamp handed out by a fresh
// coordinator.
const FirstValidGenerationStamp int64 = 1000

type Block struct {
	ID       int64
	GenStamp int64
	NumBytes int64
}

// Key is the identity used by the replica directory: generation
// stamps are compared separately.
type Key int64

func (self Block) Key() Key {
	return Key(self.ID)
}

func (self Block) Name() string {
	return fmt.Sprintf("blk_%d", self.ID)
}

func (self Block) String() string {
	return fmt.Sprintf("blk_%d_%d", self.ID, self.GenStamp)
}

// Equal compares identity and version, but not the length.
func (self Block) Equal(other Block) bool {
	return self.ID == other.ID && self.GenStamp == other.GenStamp
}

// MatchesGenStamp is true if the generation stamps match, or either
// of them is the wildcard stamp.
func (self Block) MatchesGenStamp(other Block) bool {
	return self.GenStamp == other.GenStamp ||
		self.GenStamp == GrandfatherGenerationStamp ||
		other.GenStamp == GrandfatherGenerationStamp
}

// Set sets all fields from other.
func (self *Block) Set(other Block) {
	*self = other
}

// SortByID sorts blocks by id (and then generation stamp).
func SortByID(blocks []Block) {
	sort.Slice(blocks, func(i, j int) bool {
		if blocks[i].ID != blocks[j].ID {
			return blocks[i].ID < blocks[j].ID
		}
		return blocks[i].GenStamp < blocks[j].GenStamp
	})
}

// Report is the list of blocks a storage node claims to hold.
type Report []Block

// Find returns the reported replica with the given id, if any.
func (self Report) Find(id int64) (Block, bool) {
	for _, b := range self {
		if b.ID == id {
			return b, true
		}
	}
	return Block{}, false
}

/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Tue Feb 19 13:02:55 2019 mstenber
 * Last modified: Wed Feb 20 10:11:04 2019 mstenber
 * Edit time:     37 min
 *
 */

package replica

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/fingon/go-blockmaster/block"
	"github.com/fingon/go-blockmaster/mlog"
	"github.com/fingon/go-blockmaster/util"
)

const DefaultPendingTimeout = 5 * time.Minute

type pendingEntry struct {
	block      block.Block
	started    time.Time
	inProgress int
}

// Pending tracks replications that were scheduled but not yet
// confirmed by a block report. It has its own lock, as the timeout
// monitor runs without the coordinator lock.
type Pending struct {
	Timeout time.Duration

	lock     util.OrderedMutex
	blocks   map[int64]*pendingEntry
	timedOut []block.Block
}

func (self Pending) Init() *Pending {
	if self.Timeout <= 0 {
		self.Timeout = DefaultPendingTimeout
	}
	self.lock = util.OrderedMutex{Name: "pending", Rank: util.RankLeaf}
	self.blocks = make(map[int64]*pendingEntry)
	return &self
}

// Increment records numReplicas more copies of b in flight.
func (self *Pending) Increment(b block.Block, numReplicas int, now time.Time) {
	defer self.lock.Locked()()
	e := self.blocks[b.ID]
	if e == nil {
		e = &pendingEntry{block: b}
		self.blocks[b.ID] = e
	}
	e.inProgress += numReplicas
	e.started = now
}

// Decrement records that one in-flight copy of b arrived.
func (self *Pending) Decrement(b block.Block) {
	defer self.lock.Locked()()
	e := self.blocks[b.ID]
	if e == nil {
		return
	}
	mlog.Printf2("replica/pending", "Pending.Decrement %s", b)
	e.inProgress--
	if e.inProgress <= 0 {
		delete(self.blocks, b.ID)
	}
}

func (self *Pending) Remove(b block.Block) {
	defer self.lock.Locked()()
	delete(self.blocks, b.ID)
}

// NumReplicas returns how many copies of b are in flight.
func (self *Pending) NumReplicas(b block.Block) int {
	defer self.lock.Locked()()
	e := self.blocks[b.ID]
	if e == nil {
		return 0
	}
	return e.inProgress
}

func (self *Pending) Size() int {
	defer self.lock.Locked()()
	return len(self.blocks)
}

// CheckTimeouts moves entries older than Timeout to the timed-out
// list. Returns the number moved.
func (self *Pending) CheckTimeouts(now time.Time) int {
	defer self.lock.Locked()()
	n := 0
	for id, e := range self.blocks {
		if now.Sub(e.started) > self.Timeout {
			mlog.Warnf("replica/pending", "PendingReplicationMonitor timed out %s", e.block)
			self.timedOut = append(self.timedOut, e.block)
			delete(self.blocks, id)
			n++
		}
	}
	return n
}

// TimedOutBlocks drains the timed-out list.
func (self *Pending) TimedOutBlocks() []block.Block {
	defer self.lock.Locked()()
	r := self.timedOut
	self.timedOut = nil
	block.SortByID(r)
	return r
}

// MetaSave writes the pending entries in human readable form.
func (self *Pending) MetaSave(w io.Writer) {
	defer self.lock.Locked()()
	fmt.Fprintf(w, "Metasave: Blocks being replicated: %d\n", len(self.blocks))
	ids := make([]int64, 0, len(self.blocks))
	for id := range self.blocks {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		e := self.blocks[id]
		fmt.Fprintf(w, "%s StartTime: %s NumReplicaInProgress: %d\n",
			e.block, e.started.Format(time.RFC3339), e.inProgress)
	}
}

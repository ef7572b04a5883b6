/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Thu Feb 21 13:02:55 2019 mstenber
 * Last modified: Tue Feb 26 10:40:21 2019 mstenber
 * Edit time:     247 min
 *
 */

package namesystem

import (
	"fmt"
	"log"
	"math"
	"strings"

	"github.com/fingon/go-blockmaster/block"
	"github.com/fingon/go-blockmaster/mlog"
	"github.com/fingon/go-blockmaster/namespace"
	"github.com/fingon/go-blockmaster/node"
	"github.com/fingon/go-blockmaster/placement"
	"github.com/fingon/go-blockmaster/protocol"
	"github.com/fingon/go-blockmaster/replica"
)

type replicaKind int

const (
	replicaLive replicaKind = iota
	replicaDecommissioned
	replicaCorrupt
	replicaExcess
)

// replicaKind classifies the replica of b on d. Corruption wins over
// decommissioning, which wins over excess.
func (self *Namesystem) replicaKind(b block.Block, d *node.Descriptor) replicaKind {
	switch {
	case self.corrupt.IsReplicaCorrupt(b, d.StorageID):
		return replicaCorrupt
	case d.IsDecommissionInProgress() || d.IsDecommissioned():
		return replicaDecommissioned
	case self.excess.Contains(d.StorageID, b):
		return replicaExcess
	}
	return replicaLive
}

func (self *Namesystem) countNodes(b block.Block) (num replica.NumberReplicas) {
	for _, d := range self.blocks.Nodes(b) {
		switch self.replicaKind(b, d) {
		case replicaLive:
			num.Live++
		case replicaDecommissioned:
			num.Decommissioned++
		case replicaCorrupt:
			num.Corrupt++
		case replicaExcess:
			num.Excess++
		}
	}
	return
}

// updateNeededReplications re-buckets b after its replica count or
// target changed by the given deltas.
func (self *Namesystem) updateNeededReplications(b block.Block, curDelta, expectedDelta int) {
	f := self.blocks.GetINode(b)
	if f == nil {
		return
	}
	stored := *self.blocks.GetStoredBlockWithoutMatchingGS(b)
	if f.IsUnderConstruction() && f.IsLastBlock(stored) {
		// Still being written; checked when the file is closed.
		self.needed.Remove(stored)
		return
	}
	num := self.countNodes(stored)
	self.needed.Update(stored, num.Live, num.Decommissioned, f.Replication,
		curDelta, expectedDelta)
}

// checkReplicationFactor queues the blocks of a just closed file that
// lack replicas.
func (self *Namesystem) checkReplicationFactor(f *namespace.File) {
	for _, b := range f.Blocks {
		num := self.countNodes(*b)
		if num.Live < f.Replication {
			self.needed.Add(*b, num.Live, num.Decommissioned, f.Replication)
		}
	}
}

// chooseSourceDatanode picks the node to copy b from: never a corrupt,
// excess or decommissioned replica, nor a node at its stream limit.
// Decommissioning nodes are preferred as they take no writes;
// otherwise a coin flip rotates among the candidates.
func (self *Namesystem) chooseSourceDatanode(b block.Block) (src *node.Descriptor, containing []*node.Descriptor, num replica.NumberReplicas) {
	for _, d := range self.blocks.Nodes(b) {
		kind := self.replicaKind(b, d)
		switch kind {
		case replicaLive:
			num.Live++
		case replicaDecommissioned:
			num.Decommissioned++
		case replicaCorrupt:
			num.Corrupt++
		case replicaExcess:
			num.Excess++
		}
		containing = append(containing, d)
		if kind == replicaCorrupt || kind == replicaExcess {
			continue
		}
		if d.NumBlocksToBeReplicated() >= self.Config.Replication.MaxStreams {
			continue
		}
		if d.IsDecommissioned() {
			continue
		}
		if d.IsDecommissionInProgress() || src == nil {
			src = d
			continue
		}
		if src.IsDecommissionInProgress() {
			continue
		}
		if self.Rand.Intn(2) == 0 {
			src = d
		}
	}
	return
}

// computeDatanodeWork is one round of the replication monitor. Returns
// the number of replications and deletions scheduled.
func (self *Namesystem) computeDatanodeWork() int {
	if self.safeMode.IsOn() {
		return 0
	}
	live := self.numLive()
	r := self.Config.Replication
	blocksToProcess := live * r.WorkMultiplier
	nodesToProcess := int(math.Ceil(float64(live) * r.InvalidateWorkPct))

	replicated := self.computeReplicationWork(blocksToProcess)
	self.scheduledReplications.SetInt(replicated)
	return replicated + self.computeInvalidateWork(nodesToProcess)
}

func (self *Namesystem) computeReplicationWork(blocksToProcess int) int {
	chosen := func() [replica.NumLevels][]block.Block {
		defer self.lock.Locked()()
		if self.needed.Size() == 0 {
			self.missingCur.Set(0)
			self.missingPrev.Set(0)
			return [replica.NumLevels][]block.Block{}
		}
		return self.needed.ChooseBlocks(blocksToProcess, func() {
			self.missingPrev.Set(self.missingCur.Swap(0))
		})
	}()
	scheduled := 0
	for _, blocks := range chosen {
		for _, b := range blocks {
			if self.computeReplicationWorkForBlock(b) {
				scheduled++
			}
		}
	}
	return scheduled
}

// computeReplicationWorkForBlock schedules one replication of b.
// Targets are chosen without the big lock; everything is rechecked
// before the work is committed.
func (self *Namesystem) computeReplicationWorkForBlock(b block.Block) bool {
	var stored block.Block
	var src *node.Descriptor
	var chosen []*node.Descriptor
	var required, effective int
	excluded := make(map[*node.Descriptor]bool)

	ok := func() bool {
		defer self.lock.Locked()()
		f := self.blocks.GetINode(b)
		if f == nil || f.IsUnderConstruction() {
			// abandoned, or reopened for append
			self.needed.RemoveChosen(b)
			return false
		}
		stored = *self.blocks.GetStoredBlockWithoutMatchingGS(b)
		required = f.Replication
		var containing []*node.Descriptor
		var num replica.NumberReplicas
		src, containing, num = self.chooseSourceDatanode(stored)
		if num.Live+num.Decommissioned <= 0 {
			self.missingCur.Add(1)
		}
		if src == nil {
			return false
		}
		effective = num.Live + self.pending.NumReplicas(stored)
		if effective >= required {
			self.needed.RemoveChosen(stored)
			mlog.Infof("namesystem/replication", "BLOCK* Removing %s from neededReplications as it has enough replicas", stored)
			return false
		}
		for _, d := range containing {
			if self.replicaKind(stored, d) == replicaLive {
				chosen = append(chosen, d)
			} else {
				excluded[d] = true
			}
		}
		return true
	}()
	if !ok {
		return false
	}

	targets := self.placement.ChooseTargets(required-effective, src, chosen,
		excluded, stored.NumBytes, self.shouldAvoidStaleForWrite())
	if len(targets) == 0 {
		return false
	}

	ok = func() bool {
		defer self.lock.Locked()()
		f := self.blocks.GetINode(stored)
		if f == nil || f.IsUnderConstruction() {
			self.needed.RemoveChosen(stored)
			return false
		}
		required = f.Replication
		effective = self.countNodes(stored).Live + self.pending.NumReplicas(stored)
		if effective >= required {
			self.needed.RemoveChosen(stored)
			mlog.Infof("namesystem/replication", "BLOCK* Removing %s from neededReplications as it has enough replicas", stored)
			return false
		}
		src.AddBlockToBeReplicated(stored, targets)
		for _, t := range targets {
			t.IncBlocksScheduled()
		}
		self.pending.Increment(stored, len(targets), self.Now())
		mlog.Printf2("namesystem/replication", "BLOCK* %s is moved from neededReplications to pendingReplications", stored)
		if effective+len(targets) >= required {
			self.needed.RemoveChosen(stored)
		}
		return true
	}()
	if !ok {
		return false
	}
	mlog.Infof("namesystem/replication", "BLOCK* ask %s to replicate %s to datanode(s) %s",
		src.Name, stored, nodeNames(targets))
	return true
}

func nodeNames(nodes []*node.Descriptor) string {
	names := make([]string, len(nodes))
	for i, d := range nodes {
		names[i] = d.Name
	}
	return strings.Join(names, " ")
}

// computeInvalidateWork hands pending deletions to a random subset of
// at most nodesToProcess nodes.
func (self *Namesystem) computeInvalidateWork(nodesToProcess int) int {
	keys := func() []string {
		defer self.lock.Locked()()
		return self.invalidates.Keys()
	}()
	if nodesToProcess > len(keys) {
		nodesToProcess = len(keys)
	}
	for i := 0; i < nodesToProcess; i++ {
		j := i + self.Rand.Intn(len(keys)-i)
		keys[i], keys[j] = keys[j], keys[i]
	}
	count := 0
	for _, sid := range keys[:nodesToProcess] {
		count += self.invalidateWorkForOneNode(sid)
	}
	return count
}

func (self *Namesystem) invalidateWorkForOneNode(storageID string) int {
	var d *node.Descriptor
	var blocks []block.Block
	func() {
		defer self.lock.Locked()()
		if self.safeMode.IsOn() {
			return
		}
		d = self.registry.GetByStorageID(storageID)
		if d == nil {
			self.invalidates.RemoveNode(storageID)
			return
		}
		blocks = self.invalidates.Take(storageID, self.Config.InvalidateLimit)
		if len(blocks) > 0 {
			d.AddBlocksToBeInvalidated(blocks)
		}
	}()
	if len(blocks) == 0 {
		return 0
	}
	mlog.Infof("namesystem/replication", "BLOCK* ask %s to delete %v", d.Name, blocks)
	return len(blocks)
}

// processPendingReplications requeues replications that timed out.
func (self *Namesystem) processPendingReplications() {
	timedOut := self.pending.TimedOutBlocks()
	if len(timedOut) == 0 {
		return
	}
	defer self.lock.Locked()()
	for _, b := range timedOut {
		f := self.blocks.GetINode(b)
		if f == nil {
			continue
		}
		num := self.countNodes(b)
		self.needed.Add(b, num.Live, num.Decommissioned, f.Replication)
	}
}

func (self *Namesystem) rejectAddStoredBlock(b block.Block, d *node.Descriptor, reason string) {
	mlog.Infof("namesystem/replication", "BLOCK* addStoredBlock: addStoredBlock request received for %s on %s size %d but was rejected: %s",
		b, d.Name, b.NumBytes, reason)
	self.addToInvalidates(b, d, true)
}

// addStoredBlock records a replica of b reported by d. delHint is the
// node a replacement copy was made for, if any.
func (self *Namesystem) addStoredBlock(b block.Block, d, delHint *node.Descriptor) {
	if !self.lock.HeldBy() {
		log.Panicf("addStoredBlock %s without the namesystem lock", b)
	}
	stored := self.blocks.GetStoredBlock(b)
	if stored == nil {
		stored = self.blocks.GetStoredBlockWithoutMatchingGS(b)
		if stored == nil {
			self.rejectAddStoredBlock(b, d, "Block not in blockMap with any generation stamp")
			return
		}
		f := self.blocks.GetINode(*stored)
		if f == nil {
			self.rejectAddStoredBlock(b, d, "Block does not correspond to any file")
			return
		}
		oldGS := b.GenStamp < stored.GenStamp
		newGS := b.GenStamp > stored.GenStamp
		ucLast := f.IsUnderConstruction() && f.IsLastBlock(b)
		if oldGS && !ucLast {
			self.rejectAddStoredBlock(b, d, fmt.Sprintf("Reported block has old generation stamp but is not the last block of an under-construction file. (current generation is %d)",
				stored.GenStamp))
			return
		}
		if ucLast && (oldGS || newGS) {
			// Recovery target only; the replica is recorded by
			// commitBlockSynchronization.
			mlog.Infof("namesystem/replication", "BLOCK* addStoredBlock: Targets updated: %s on %s is added as a target for %s with size %d",
				b, d.Name, stored, b.NumBytes)
			addTarget(f, d)
			return
		}
	}
	f := self.blocks.GetINode(*stored)
	if f == nil {
		self.rejectAddStoredBlock(b, d, "Block does not correspond to any file")
		return
	}
	added := self.blocks.AddNode(*stored, d)
	if added {
		self.invalidates.Remove(d.StorageID, *stored)
	}

	underConstruction := false
	if f.IsUnderConstruction() {
		last := f.LastBlock()
		if last == nil {
			mlog.Errorf("namesystem/replication", "Null blocks for reported = %s stored = %s file = %s", b, stored, f.Path)
			return
		}
		underConstruction = last.ID == stored.ID
	}

	if b.NumBytes >= 0 {
		cursize := stored.NumBytes
		if cursize == 0 {
			stored.NumBytes = b.NumBytes
		} else if cursize != b.NumBytes {
			mlog.Warnf("namesystem/replication", "Inconsistent size for %s reported from %s current size is %d reported size is %d",
				b, d.Name, cursize, b.NumBytes)
			if cursize > b.NumBytes && !underConstruction {
				mlog.Warnf("namesystem/replication", "Mark new replica %s from %s as corrupt because its length is shorter than existing ones",
					b, d.Name)
				self.markReplicaCorrupt(*stored, d)
			} else {
				if !underConstruction {
					for _, o := range self.blocks.Nodes(*stored) {
						if o == d {
							continue
						}
						mlog.Warnf("namesystem/replication", "Mark existing replica %s from %s as corrupt because its length is shorter than the new one",
							b, o.Name)
						self.markReplicaCorrupt(*stored, o)
					}
				}
				stored.NumBytes = b.NumBytes
			}
		}
	}

	curDelta := 0
	if added {
		curDelta = 1
		if !self.safeMode.IsOn() {
			mlog.Infof("namesystem/replication", "BLOCK* addStoredBlock: blockMap updated: %s is added to %s size %d",
				d.Name, stored, stored.NumBytes)
		}
	} else {
		mlog.Warnf("namesystem/replication", "BLOCK* addStoredBlock: Redundant addStoredBlock request received for %s on %s size %d",
			stored, d.Name, stored.NumBytes)
	}

	num := self.countNodes(*stored)
	current := num.Live + self.pending.NumReplicas(*stored)
	if added {
		self.incrementSafeBlockCount(current)
	}

	if underConstruction {
		// Replication is checked when the file is closed.
		addTarget(f, d)
		return
	}
	if self.safeMode.IsOn() {
		// processMisReplicatedBlocks takes care of these
		return
	}
	if current >= f.Replication {
		self.needed.Remove(*stored)
	} else {
		self.updateNeededReplications(*stored, curDelta, 0)
	}
	if current > f.Replication {
		self.processOverReplicatedBlock(*stored, f.Replication, d, delHint)
	}
	corruptCount := self.corrupt.NumCorruptReplicas(*stored)
	if num.Corrupt != corruptCount {
		mlog.Warnf("namesystem/replication", "Inconsistent number of corrupt replicas for %s blockMap has %d but corrupt replicas map has %d",
			stored, num.Corrupt, corruptCount)
	}
	if corruptCount > 0 && num.Live >= f.Replication {
		self.invalidateCorruptReplicas(*stored)
	}
}

// removeStoredBlock forgets the replica of b on d and requeues b if
// it is still wanted.
func (self *Namesystem) removeStoredBlock(b block.Block, d *node.Descriptor) {
	if !self.lock.HeldBy() {
		log.Panicf("removeStoredBlock %s without the namesystem lock", b)
	}
	mlog.Printf2("namesystem/replication", "BLOCK* removeStoredBlock: %s from %s", b, d.Name)
	if !self.blocks.RemoveNode(b, d) {
		mlog.Printf2("namesystem/replication", "BLOCK* removeStoredBlock: %s has already been removed from node %s", b, d.Name)
		return
	}
	if self.blocks.GetINode(b) != nil {
		self.decrementSafeBlockCount(b)
		self.updateNeededReplications(b, -1, 0)
	}
	if self.excess.Remove(d.StorageID, b) {
		mlog.Printf2("namesystem/replication", "BLOCK* removeStoredBlock: %s is removed from excessBlocks", b)
	}
	self.corrupt.RemoveNode(b, d.StorageID)
}

// markBlockAsCorrupt is markReplicaCorrupt for a node known only by
// its id.
func (self *Namesystem) markBlockAsCorrupt(b block.Block, id protocol.DatanodeID) error {
	d, err := self.getDatanode(id)
	if err != nil {
		return err
	}
	if d == nil {
		return fmt.Errorf("Cannot mark block %s as corrupt because datanode %s does not exist", b.Name(), id.Name)
	}
	self.markReplicaCorrupt(b, d)
	return nil
}

func (self *Namesystem) markReplicaCorrupt(b block.Block, d *node.Descriptor) {
	stored := self.blocks.GetStoredBlock(b)
	if stored == nil {
		// Possibly reported by a scanner before the block report.
		mlog.Infof("namesystem/replication", "BLOCK markBlockAsCorrupt: %s could not be marked as corrupt as it does not exist in blocksMap", b)
		return
	}
	f := self.blocks.GetINode(*stored)
	if f == nil {
		mlog.Infof("namesystem/replication", "BLOCK markBlockAsCorrupt: %s could not be marked as corrupt as it does not belong to any file", b)
		self.addToInvalidates(*stored, d, true)
		return
	}
	if !self.corrupt.Add(*stored, d.StorageID) {
		return
	}
	if self.countNodes(*stored).Live > f.Replication {
		self.invalidateBlock(*stored, d)
	} else {
		self.updateNeededReplications(*stored, -1, 0)
	}
}

// invalidateBlock deletes the replica of b on d unless it is the only
// live one. Returns true if it was scheduled for deletion.
func (self *Namesystem) invalidateBlock(b block.Block, d *node.Descriptor) bool {
	mlog.Infof("namesystem/replication", "DIR* invalidateBlock: %s on %s", b, d.Name)
	if self.countNodes(b).Live > 1 {
		self.addToInvalidates(b, d, true)
		self.removeStoredBlock(b, d)
		mlog.Printf2("namesystem/replication", "BLOCK* invalidateBlocks: %s on %s listed for deletion", b, d.Name)
		return true
	}
	mlog.Infof("namesystem/replication", "BLOCK* invalidateBlocks: %s on %s is the only copy and was not deleted", b, d.Name)
	return false
}

// invalidateCorruptReplicas deletes the corrupt replicas of b once it
// has enough live ones.
func (self *Namesystem) invalidateCorruptReplicas(b block.Block) {
	ids := self.corrupt.Nodes(b)
	mlog.Printf2("namesystem/replication", "invalidateCorruptReplicas: invalidating corrupt replicas on %d nodes", len(ids))
	for _, sid := range ids {
		d := self.registry.GetByStorageID(sid)
		if d == nil {
			self.corrupt.RemoveNode(b, sid)
			continue
		}
		if !self.invalidateBlock(b, d) {
			mlog.Infof("namesystem/replication", "invalidateCorruptReplicas: left corrupt %s on %s", b, d.Name)
		}
	}
}

func (self *Namesystem) addToInvalidates(b block.Block, d *node.Descriptor, log bool) {
	self.invalidates.Add(d.StorageID, b)
	if log {
		mlog.Infof("namesystem/replication", "BLOCK* addToInvalidates: %s to %s", b.Name(), d.Name)
	}
}

// addToInvalidatesAll schedules every replica of b for deletion.
func (self *Namesystem) addToInvalidatesAll(b block.Block) {
	nodes := self.blocks.Nodes(b)
	for _, d := range nodes {
		self.addToInvalidates(b, d, false)
	}
	if len(nodes) > 0 {
		mlog.Infof("namesystem/replication", "BLOCK* addToInvalidates: %s to %s", b.Name(), nodeNames(nodes))
	}
}

// processOverReplicatedBlock picks replicas of b to delete so that
// replication healthy ones remain.
func (self *Namesystem) processOverReplicatedBlock(b block.Block, replication int, added, delHint *node.Descriptor) {
	if added == delHint {
		delHint = nil
	}
	var nonExcess []*node.Descriptor
	for _, d := range self.blocks.Nodes(b) {
		if self.replicaKind(b, d) == replicaLive {
			nonExcess = append(nonExcess, d)
		}
	}
	self.chooseExcessReplicates(nonExcess, b, replication, added, delHint)
}

func containsNode(nodes []*node.Descriptor, d *node.Descriptor) bool {
	for _, o := range nodes {
		if o == d {
			return true
		}
	}
	return false
}

func withoutNode(nodes []*node.Descriptor, d *node.Descriptor) []*node.Descriptor {
	r := make([]*node.Descriptor, 0, len(nodes))
	for _, o := range nodes {
		if o != d {
			r = append(r, o)
		}
	}
	return r
}

// chooseExcessReplicates marks len(nonExcess)-replication replicas as
// excess. Replicas on racks with another copy go first so that no
// rack is emptied while an alternative exists. delHint is honoured
// first if that does not cost a rack.
func (self *Namesystem) chooseExcessReplicates(nonExcess []*node.Descriptor, b block.Block, replication int, added, delHint *node.Descriptor) {
	rackMap, moreThanOne, exactlyOne := placement.SplitNodesWithRack(nonExcess)
	first := true
	for len(nonExcess) > replication {
		var cur *node.Descriptor
		if first && delHint != nil && containsNode(nonExcess, delHint) &&
			(containsNode(moreThanOne, delHint) ||
				(added != nil && !containsNode(moreThanOne, added))) {
			cur = delHint
		} else {
			cur = self.placement.ChooseReplicaToDelete(b, replication, moreThanOne, exactlyOne)
		}
		if cur == nil {
			return
		}
		first = false
		moreThanOne, exactlyOne = placement.AdjustSetsWithChosenReplica(rackMap, moreThanOne, exactlyOne, cur)
		nonExcess = withoutNode(nonExcess, cur)
		if self.excess.Add(cur.StorageID, b) {
			mlog.Printf2("namesystem/replication", "BLOCK* chooseExcessReplicates: (%s, %s) is added to excessReplicateMap", cur.Name, b)
		}
		self.addToInvalidates(b, cur, false)
		mlog.Infof("namesystem/replication", "BLOCK* chooseExcessReplicates: (%s, %s) is added to recentInvalidateSets", cur.Name, b)
	}
}

// processMisReplicatedBlocks rebuilds the replication queue from
// scratch when safe mode is left.
func (self *Namesystem) processMisReplicatedBlocks() {
	var nrInvalid, nrUnder, nrOver int
	self.needed.Clear()
	type candidate struct {
		b *block.Block
		f *namespace.File
	}
	var all []candidate
	self.blocks.ForEach(func(b *block.Block, f *namespace.File) bool {
		all = append(all, candidate{b, f})
		return true
	})
	for _, c := range all {
		b := *c.b
		if c.f == nil {
			nrInvalid++
			self.addToInvalidatesAll(b)
			continue
		}
		if c.f.IsUnderConstruction() && c.f.IsLastBlock(b) {
			continue
		}
		num := self.countNodes(b)
		if self.needed.Add(b, num.Live, num.Decommissioned, c.f.Replication) {
			nrUnder++
		}
		if num.Live > c.f.Replication {
			nrOver++
			self.processOverReplicatedBlock(b, c.f.Replication, nil, nil)
		}
	}
	mlog.Infof("namesystem/replication", "Total number of blocks = %d", self.blocks.Size())
	mlog.Infof("namesystem/replication", "Number of invalid blocks = %d", nrInvalid)
	mlog.Infof("namesystem/replication", "Number of under-replicated blocks = %d", nrUnder)
	mlog.Infof("namesystem/replication", "Number of  over-replicated blocks = %d", nrOver)
}

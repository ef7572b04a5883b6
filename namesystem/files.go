/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Wed Feb 20 10:02:55 2019 mstenber
 * Last modified: Mon Feb 25 14:40:17 2019 mstenber
 * Edit time:     204 min
 *
 */

package namesystem

import (
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/fingon/go-blockmaster/block"
	"github.com/fingon/go-blockmaster/blockkey"
	"github.com/fingon/go-blockmaster/lease"
	"github.com/fingon/go-blockmaster/mlog"
	"github.com/fingon/go-blockmaster/namespace"
	"github.com/fingon/go-blockmaster/node"
	"github.com/fingon/go-blockmaster/protocol"
	"github.com/fingon/go-blockmaster/topology"
)

func (self *Namesystem) checkSafeMode(format string, args ...interface{}) error {
	if !self.safeMode.IsOn() {
		return nil
	}
	return &SafeModeError{Op: fmt.Sprintf(format, args...),
		Tip: self.safeMode.TurnOffTip(self.Now(), self.numLive())}
}

func isValidName(p string) bool {
	if !strings.HasPrefix(p, "/") || strings.Contains(p, ":") {
		return false
	}
	for _, c := range strings.Split(p, "/") {
		if c == "." || c == ".." {
			return false
		}
	}
	return path.Clean(p) == p
}

func (self *Namesystem) verifyReplication(p string, replication int, clientMachine string) error {
	text := "file " + p
	if clientMachine != "" {
		text += " on client " + clientMachine
	}
	text += fmt.Sprintf(".\nRequested replication %d", replication)
	r := self.Config.Replication
	if replication > r.Max {
		return fmt.Errorf("%s exceeds maximum %d", text, r.Max)
	}
	if replication < r.Min {
		return fmt.Errorf("%s is less than the required minimum %d", text, r.Min)
	}
	return nil
}

func (self *Namesystem) leaseDescription(holder string) string {
	if l := self.leases.GetLease(holder); l != nil {
		return l.String()
	}
	return fmt.Sprintf("Holder %s does not have any open files.", holder)
}

// checkLease returns the file p if holder is writing it.
func (self *Namesystem) checkLease(p, holder string) (*namespace.File, error) {
	f := self.Namespace.GetFile(p)
	if f == nil {
		return nil, &LeaseExpiredError{fmt.Sprintf("No lease on %s File does not exist. %s",
			p, self.leaseDescription(holder))}
	}
	if !f.IsUnderConstruction() {
		return nil, &LeaseExpiredError{fmt.Sprintf("No lease on %s File is not open for writing. %s",
			p, self.leaseDescription(holder))}
	}
	if holder != "" && f.UC.Holder != holder {
		return nil, &LeaseExpiredError{fmt.Sprintf("Lease mismatch on %s owned by %s but is accessed by %s",
			p, f.UC.Holder, holder)}
	}
	return f, nil
}

// checkFileProgress is true if the blocks of f (all, or just the
// penultimate one) have reached minimum replication.
func (self *Namesystem) checkFileProgress(f *namespace.File, all bool) bool {
	min := self.Config.Replication.Min
	if all {
		for _, b := range f.Blocks {
			if self.blocks.NumNodes(*b) < min {
				return false
			}
		}
		return true
	}
	if b := f.PenultimateBlock(); b != nil && self.blocks.NumNodes(*b) < min {
		return false
	}
	return true
}

// StartFile creates p open for writing by holder.
func (self *Namesystem) StartFile(p, holder, clientMachine string, overwrite bool, replication int, blockSize int64) error {
	err := func() error {
		defer self.lock.Locked()()
		return self.startFileInternal(p, holder, clientMachine, overwrite, false, replication, blockSize)
	}()
	if err != nil {
		return err
	}
	return self.logSync()
}

func (self *Namesystem) startFileInternal(p, holder, clientMachine string, overwrite, append bool, replication int, blockSize int64) error {
	mlog.Printf2("namesystem/files", "startFile %s holder %s on %s", p, holder, clientMachine)
	if err := self.checkSafeMode("Cannot create file%s", p); err != nil {
		return err
	}
	if !isValidName(p) {
		return fmt.Errorf("Invalid file name: %s", p)
	}
	f := self.Namespace.GetFile(p)
	if err := self.recoverLeaseInternal(f, p, holder, clientMachine, false); err != nil {
		return err
	}
	if err := self.verifyReplication(p, replication, clientMachine); err != nil {
		return fmt.Errorf("failed to create %v", err)
	}
	if append {
		if f == nil {
			return fmt.Errorf("failed to append to non-existent file %s on client %s", p, clientMachine)
		}
	} else if f != nil {
		if !overwrite {
			return &namespace.FileExistsError{Path: p}
		}
		self.deleteInternal(p, true)
	}
	now := self.Now()
	uc := &namespace.UnderConstruction{Holder: holder, ClientMachine: clientMachine}
	if nodes := self.registry.GetByHost(clientMachine); len(nodes) > 0 {
		uc.ClientNode = nodes[0].StorageID
	}
	if append {
		if _, err := self.Namespace.ConvertToUnderConstruction(p, uc); err != nil {
			return err
		}
	} else {
		self.nextGenerationStamp()
		if _, err := self.Namespace.AddFile(p, replication, blockSize, uc, now); err != nil {
			return fmt.Errorf("DIR* startFile: Unable to add to namespace: %v", err)
		}
	}
	self.leases.AddLease(holder, p, now)
	mlog.Printf2("namesystem/files", "DIR* startFile: add %s to namespace for %s", p, holder)
	return nil
}

func (self *Namesystem) recoverLeaseInternal(f *namespace.File, p, holder, clientMachine string, force bool) error {
	if f == nil || !f.IsUnderConstruction() {
		return nil
	}
	if !force {
		if l := self.leases.GetLease(holder); l != nil && self.leases.GetLeaseByPath(p) == l {
			return &AlreadyBeingCreatedError{fmt.Sprintf(
				"failed to create file %s for %s on client %s because current leaseholder is trying to recreate file.",
				p, holder, clientMachine)}
		}
	}
	l := self.leases.GetLease(f.UC.Holder)
	if l == nil {
		return &AlreadyBeingCreatedError{fmt.Sprintf(
			"failed to create file %s for %s on client %s because pendingCreates is non-null but no leases found.",
			p, holder, clientMachine)}
	}
	if force {
		if f.UC.Holder == RecoveryLeaseHolder {
			return &AlreadyBeingCreatedError{fmt.Sprintf(
				"failed to recover lease of %s for %s on client %s, because the file is already under recovery by %s",
				p, holder, clientMachine, f.UC.Holder)}
		}
		mlog.Infof("namesystem/files", "recoverLease: recover lease %s, src=%s from client %s",
			l, p, f.UC.Holder)
		return self.internalReleaseLeaseOne(l, p)
	}
	if l.ExpiredSoftLimit(self.Now()) {
		mlog.Infof("namesystem/files", "startFile: recover lease %s, src=%s from client %s",
			l, p, f.UC.Holder)
		if err := self.internalReleaseLease(l, p); err != nil {
			mlog.Warnf("namesystem/files", "startFile: %v", err)
		}
	}
	return &AlreadyBeingCreatedError{fmt.Sprintf(
		"failed to create file %s for %s on client %s, because this file is already being created by %s on %s",
		p, holder, clientMachine, f.UC.Holder, f.UC.ClientMachine)}
}

// AppendFile reopens p for writing. If the last block has room, its
// current holders become the write targets and it is returned.
func (self *Namesystem) AppendFile(p, holder, clientMachine string) (*protocol.LocatedBlock, error) {
	err := func() error {
		defer self.lock.Locked()()
		return self.startFileInternal(p, holder, clientMachine, false, true,
			self.Config.Replication.Max, 0)
	}()
	if err != nil {
		return nil, err
	}
	if err := self.logSync(); err != nil {
		return nil, err
	}
	defer self.lock.Locked()()
	f := self.Namespace.GetFile(p)
	if f == nil || !f.IsUnderConstruction() {
		return nil, &LeaseExpiredError{fmt.Sprintf("No lease on %s", p)}
	}
	last := f.LastBlock()
	if last == nil || f.BlockSize <= last.NumBytes {
		return nil, nil
	}
	targets := self.blocks.Nodes(*last)
	for _, d := range targets {
		self.blocks.RemoveNode(*last, d)
	}
	f.UC.Targets = storageIDs(targets)
	lb := &protocol.LocatedBlock{Block: *last,
		Offset:    f.Length() - last.NumBytes,
		Locations: datanodeIDs(targets),
		Token:     self.blockToken(holder, *last, blockkey.ModeWrite)}
	self.updateNeededReplications(*last, 0, 0)
	for _, d := range targets {
		self.invalidates.Remove(d.StorageID, *last)
	}
	return lb, nil
}

// RecoverLease starts lease recovery of p. Returns true if the file
// is already closed.
func (self *Namesystem) RecoverLease(p, holder, clientMachine string) (bool, error) {
	closed, err := func() (bool, error) {
		defer self.lock.Locked()()
		if err := self.checkSafeMode("Cannot recover the lease of %s", p); err != nil {
			return false, err
		}
		f := self.Namespace.GetFile(p)
		if f == nil {
			return false, &FileNotFoundError{Path: p}
		}
		if !f.IsUnderConstruction() {
			return true, nil
		}
		return false, self.recoverLeaseInternal(f, p, holder, clientMachine, true)
	}()
	if err != nil {
		return false, err
	}
	return closed, self.logSync()
}

func (self *Namesystem) internalReleaseLease(l *lease.Lease, p string) error {
	if !l.HasPath() {
		return self.internalReleaseLeaseOne(l, p)
	}
	var first error
	for _, lp := range l.Paths() {
		if err := self.internalReleaseLeaseOne(l, lp); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (self *Namesystem) internalReleaseLeaseOne(l *lease.Lease, p string) error {
	mlog.Infof("namesystem/files", "Recovering lease=%s, src=%s", l, p)
	f := self.Namespace.GetFile(p)
	if f == nil {
		msg := fmt.Sprintf("DIR* internalReleaseCreate: attempt to release a create lock on %s file does not exist", p)
		mlog.Warnf("namesystem/files", "%s", msg)
		return errors.New(msg)
	}
	if !f.IsUnderConstruction() {
		msg := fmt.Sprintf("DIR* internalReleaseCreate: attempt to release a create lock on %s but file is already closed", p)
		mlog.Warnf("namesystem/files", "%s", msg)
		return errors.New(msg)
	}
	if len(f.UC.Targets) == 0 {
		if len(f.Blocks) == 0 {
			self.finalizeFileUnderConstruction(p, f)
			mlog.Warnf("namesystem/files", "BLOCK* internalReleaseLease: No blocks found, lease removed for %s", p)
			return nil
		}
		f.UC.Targets = storageIDs(self.blocks.Nodes(*f.LastBlock()))
	}
	self.assignPrimaryDatanode(f)
	now := self.Now()
	f.UC.Holder = RecoveryLeaseHolder
	nl := self.leases.ReassignLease(l, p, RecoveryLeaseHolder, now)
	self.leases.RenewLease(nl.Holder, now)
	return nil
}

// assignPrimaryDatanode hands the recovery of the last block to the
// next live target after the previous primary.
func (self *Namesystem) assignPrimaryDatanode(f *namespace.File) {
	targets := self.targetDescriptors(f.UC.Targets)
	if len(targets) == 0 {
		mlog.Warnf("namesystem/files", "BLOCK* INodeFileUnderConstruction.initLeaseRecovery: No blocks found, lease removed.")
		return
	}
	last := *f.LastBlock()
	previous := f.UC.PrimaryIndex
	for i := 1; i <= len(targets); i++ {
		j := (previous + i) % len(targets)
		if targets[j].IsAlive() {
			f.UC.PrimaryIndex = j
			primary := targets[j]
			primary.AddBlockToBeRecovered(last, targets)
			mlog.Infof("namesystem/files", "BLOCK* %s recovery started, primary=%s", last, primary)
			return
		}
	}
}

// finalizeFileUnderConstruction closes f and queues its under
// replicated blocks.
func (self *Namesystem) finalizeFileUnderConstruction(p string, f *namespace.File) error {
	mlog.Infof("namesystem/files", "Removing lease on  %s from client %s", p, f.UC.Holder)
	self.leases.RemoveLease(f.UC.Holder, p)
	if err := self.Namespace.CloseFile(p, self.Now()); err != nil {
		return err
	}
	self.checkReplicationFactor(f)
	return nil
}

// GetAdditionalBlock allocates the next block of p and picks its
// write pipeline. Placement runs without the big lock.
func (self *Namesystem) GetAdditionalBlock(p, holder string, excludedNodes []protocol.DatanodeID) (*protocol.LocatedBlock, error) {
	var replication int
	var blockSize, fileLength int64
	var writer *node.Descriptor
	err := func() error {
		defer self.lock.Locked()()
		mlog.Printf2("namesystem/files", "BLOCK* getAdditionalBlock: file %s for %s", p, holder)
		if err := self.checkSafeMode("Cannot add block to %s", p); err != nil {
			return err
		}
		f, err := self.checkLease(p, holder)
		if err != nil {
			return err
		}
		if !self.checkFileProgress(f, false) {
			return &NotReplicatedYetError{Path: p}
		}
		fileLength = f.Length()
		blockSize = f.BlockSize
		replication = f.Replication
		if f.UC.ClientNode != "" {
			writer = self.registry.GetByStorageID(f.UC.ClientNode)
		}
		return nil
	}()
	if err != nil {
		return nil, err
	}

	excluded := make(map[*node.Descriptor]bool)
	for _, id := range excludedNodes {
		if d := self.registry.GetByStorageID(id.StorageID); d != nil {
			excluded[d] = true
		}
	}
	targets := self.placement.ChooseTargets(replication, writer, nil, excluded,
		blockSize, self.shouldAvoidStaleForWrite())
	if len(targets) < self.Config.Replication.Min {
		return nil, &ReplicationShortfallError{Path: p, Got: len(targets),
			Want: self.Config.Replication.Min}
	}

	var b *block.Block
	err = func() error {
		defer self.lock.Locked()()
		if err := self.checkSafeMode("Cannot add block to %s", p); err != nil {
			return err
		}
		f, err := self.checkLease(p, holder)
		if err != nil {
			return err
		}
		if !self.checkFileProgress(f, false) {
			return &NotReplicatedYetError{Path: p}
		}
		b, err = self.allocateBlock(p, f)
		if err != nil {
			return err
		}
		f.UC.Targets = storageIDs(targets)
		for _, d := range targets {
			d.IncBlocksScheduled()
		}
		return self.Namespace.PersistBlocks(p)
	}()
	if err != nil {
		return nil, err
	}
	if err := self.logSync(); err != nil {
		return nil, err
	}
	return &protocol.LocatedBlock{Block: *b, Offset: fileLength,
		Locations: datanodeIDs(targets),
		Token:     self.blockToken(holder, *b, blockkey.ModeWrite)}, nil
}

// allocateBlock adds a block with a fresh random id to f.
func (self *Namesystem) allocateBlock(p string, f *namespace.File) (*block.Block, error) {
	b := &block.Block{ID: self.Rand.Int63(),
		GenStamp: self.Namespace.GenerationStamp()}
	for b.ID == 0 || self.blocks.GetINode(*b) != nil {
		b.ID = self.Rand.Int63()
	}
	if err := self.Namespace.AddBlock(p, b); err != nil {
		return nil, err
	}
	self.blocks.AddINode(b, f)
	mlog.Infof("namesystem/files", "BLOCK* allocateBlock: %s. %s", p, b)
	return b, nil
}

// AbandonBlock drops a block the writer could not write.
func (self *Namesystem) AbandonBlock(b block.Block, p, holder string) error {
	err := func() error {
		defer self.lock.Locked()()
		mlog.Printf2("namesystem/files", "BLOCK* abandonBlock: %s of file %s", b, p)
		if err := self.checkSafeMode("Cannot abandon block %s for fle%s", b, p); err != nil {
			return err
		}
		if _, err := self.checkLease(p, holder); err != nil {
			return err
		}
		self.blocks.RemoveBlock(b)
		if err := self.Namespace.RemoveBlock(p, b); err != nil {
			return err
		}
		mlog.Printf2("namesystem/files", "BLOCK* abandonBlock: %s is removed from pendingCreates", b)
		return nil
	}()
	if err != nil {
		return err
	}
	return self.logSync()
}

// CompleteFile closes p once every block has reached minimum
// replication.
func (self *Namesystem) CompleteFile(p, holder string) (protocol.CompleteStatus, error) {
	status, err := func() (protocol.CompleteStatus, error) {
		defer self.lock.Locked()()
		mlog.Printf2("namesystem/files", "DIR* completeFile: %s for %s", p, holder)
		if err := self.checkSafeMode("Cannot complete %s", p); err != nil {
			return protocol.CompleteOperationFailed, err
		}
		f, err := self.checkLease(p, holder)
		if err != nil {
			return protocol.CompleteOperationFailed, err
		}
		if !self.checkFileProgress(f, true) {
			return protocol.CompleteStillWaiting, nil
		}
		if err := self.finalizeFileUnderConstruction(p, f); err != nil {
			return protocol.CompleteOperationFailed, err
		}
		mlog.Infof("namesystem/files", "DIR* completeFile: %s is closed by %s", p, holder)
		return protocol.CompleteSuccess, nil
	}()
	if err != nil || status != protocol.CompleteSuccess {
		return status, err
	}
	return status, self.logSync()
}

// Fsync journals the current block list of an open file.
func (self *Namesystem) Fsync(p, holder string) error {
	err := func() error {
		defer self.lock.Locked()()
		mlog.Infof("namesystem/files", "BLOCK* fsync: %s for %s", p, holder)
		if err := self.checkSafeMode("Cannot fsync file %s", p); err != nil {
			return err
		}
		if _, err := self.checkLease(p, holder); err != nil {
			return err
		}
		return self.Namespace.PersistBlocks(p)
	}()
	if err != nil {
		return err
	}
	return self.logSync()
}

func (self *Namesystem) RenewLease(holder string) error {
	defer self.lock.Locked()()
	if err := self.checkSafeMode("Cannot renew lease for %s", holder); err != nil {
		return err
	}
	self.leases.RenewLease(holder, self.Now())
	return nil
}

// Delete removes p. The blocks are released a batch at a time so that
// a large delete does not hold the big lock for long. Returns false if
// p did not exist.
func (self *Namesystem) Delete(p string, recursive bool) (bool, error) {
	var removed []*block.Block
	err := func() error {
		defer self.lock.Locked()()
		mlog.Printf2("namesystem/files", "DIR* delete: %s", p)
		if err := self.checkSafeMode("Cannot delete %s", p); err != nil {
			return err
		}
		var err error
		removed, err = self.Namespace.Delete(p, recursive, self.Now())
		if err != nil {
			return err
		}
		self.leases.RemoveLeaseWithPrefixPath(p)
		return nil
	}()
	if err != nil {
		var nf *FileNotFoundError
		if errors.As(err, &nf) {
			return false, nil
		}
		return false, err
	}
	if err := self.logSync(); err != nil {
		return false, err
	}
	self.removeBlocks(removed)
	mlog.Infof("namesystem/files", "DIR* delete: %s is removed", p)
	return true, nil
}

// deleteInternal is the overwrite path of startFile; the big lock is
// held throughout.
func (self *Namesystem) deleteInternal(p string, recursive bool) {
	removed, err := self.Namespace.Delete(p, recursive, self.Now())
	if err != nil {
		mlog.Warnf("namesystem/files", "DIR* delete: %s: %v", p, err)
		return
	}
	self.leases.RemoveLeaseWithPrefixPath(p)
	for _, b := range removed {
		self.removeBlock(*b)
	}
}

func (self *Namesystem) removeBlocks(removed []*block.Block) {
	step := self.Config.BlockDeletionIncrement
	for start := 0; start < len(removed); start += step {
		end := start + step
		if end > len(removed) {
			end = len(removed)
		}
		func() {
			defer self.lock.Locked()()
			for _, b := range removed[start:end] {
				self.removeBlock(*b)
			}
		}()
	}
}

// removeBlock forgets a block of a deleted file and schedules its
// replicas for deletion.
func (self *Namesystem) removeBlock(b block.Block) {
	self.addToInvalidatesAll(b)
	self.corrupt.Remove(b)
	self.pending.Remove(b)
	self.needed.Remove(b)
	self.blocks.RemoveINode(b)
}

// Rename moves src to dst; open files keep their leases.
func (self *Namesystem) Rename(src, dst string) error {
	err := func() error {
		defer self.lock.Locked()()
		if err := self.checkSafeMode("Cannot rename %s", src); err != nil {
			return err
		}
		if !isValidName(dst) {
			return fmt.Errorf("Invalid name: %s", dst)
		}
		if err := self.Namespace.Rename(src, dst, self.Now()); err != nil {
			return err
		}
		self.leases.ChangeLease(src, dst)
		return nil
	}()
	if err != nil {
		return err
	}
	return self.logSync()
}

// SetReplication changes the target replication of p and queues the
// resulting replication or deletion work. Returns false if p does not
// exist.
func (self *Namesystem) SetReplication(p string, replication int) (bool, error) {
	ok, err := func() (bool, error) {
		defer self.lock.Locked()()
		if err := self.checkSafeMode("Cannot set replication for %s", p); err != nil {
			return false, err
		}
		if err := self.verifyReplication(p, replication, ""); err != nil {
			return false, err
		}
		old, err := self.Namespace.SetReplication(p, replication)
		if err != nil {
			var nf *FileNotFoundError
			if errors.As(err, &nf) {
				return false, nil
			}
			return false, err
		}
		if old == replication {
			return true, nil
		}
		f := self.Namespace.GetFile(p)
		for _, b := range f.Blocks {
			self.updateNeededReplications(*b, 0, replication-old)
		}
		if old > replication {
			mlog.Infof("namesystem/files", "Reducing replication for file %s. New replication is %d", p, replication)
			for _, b := range f.Blocks {
				self.processOverReplicatedBlock(*b, replication, nil, nil)
			}
		} else {
			mlog.Infof("namesystem/files", "Increasing replication for file %s. New replication is %d", p, replication)
		}
		return true, nil
	}()
	if err != nil || !ok {
		return ok, err
	}
	return true, self.logSync()
}

type locatedBlock struct {
	protocol.LocatedBlock
	nodes []*node.Descriptor
}

// GetBlockLocations returns the blocks of p overlapping [offset,
// offset+length) with their usable replicas, nearest to clientMachine
// first.
func (self *Namesystem) GetBlockLocations(clientMachine, p string, offset, length int64) (*protocol.LocatedBlocks, error) {
	if offset < 0 {
		return nil, fmt.Errorf("Negative offset is not supported. File: %s", p)
	}
	if length < 0 {
		return nil, fmt.Errorf("Negative length is not supported. File: %s", p)
	}
	result, located, err := self.getBlockLocationsInternal(p, offset, length)
	if err != nil {
		return nil, err
	}
	client := self.clientNode(clientMachine)
	now := self.Now()
	avoidStale := self.Config.Heartbeat.AvoidStaleForRead
	stale := self.Config.Heartbeat.StaleInterval
	for _, lb := range located {
		nodes := lb.nodes
		distance := make(map[*node.Descriptor]int, len(nodes))
		for _, d := range nodes {
			distance[d] = self.topology.Distance(client, d)
		}
		rank := func(d *node.Descriptor) int {
			r := 0
			if d.IsDecommissioned() || d.IsDecommissionInProgress() {
				r += 2
			}
			if avoidStale && d.IsStale(now, stale) {
				r++
			}
			return r
		}
		sort.SliceStable(nodes, func(i, j int) bool {
			ri, rj := rank(nodes[i]), rank(nodes[j])
			if ri != rj {
				return ri < rj
			}
			return distance[nodes[i]] < distance[nodes[j]]
		})
		lb.Locations = datanodeIDs(nodes)
		lb.Token = self.blockToken(clientMachine, lb.Block, blockkey.ModeRead)
		result.Blocks = append(result.Blocks, lb.LocatedBlock)
	}
	return result, nil
}

func (self *Namesystem) getBlockLocationsInternal(p string, offset, length int64) (*protocol.LocatedBlocks, []*locatedBlock, error) {
	defer self.lock.Locked()()
	f := self.Namespace.GetFile(p)
	if f == nil {
		return nil, nil, &FileNotFoundError{Path: p}
	}
	result := &protocol.LocatedBlocks{FileLength: f.Length(),
		UnderConstruction: f.IsUnderConstruction()}
	var located []*locatedBlock
	var pos int64
	i := 0
	for ; i < len(f.Blocks); i++ {
		size := f.Blocks[i].NumBytes
		if offset < pos+size {
			break
		}
		pos += size
	}
	if len(f.Blocks) > 0 && i == len(f.Blocks) {
		// offset is past the end
		return result, nil, nil
	}
	end := offset + length
	for ; i < len(f.Blocks); i++ {
		b := *f.Blocks[i]
		nodes := self.blocks.Nodes(b)
		numCorrupt := self.countNodes(b).Corrupt
		if n := self.corrupt.NumCorruptReplicas(b); n != numCorrupt {
			mlog.Warnf("namesystem/files", "Inconsistent number of corrupt replicas for %s blockMap has %d but corrupt replicas map has %d",
				b, numCorrupt, n)
		}
		blockCorrupt := len(nodes) > 0 && numCorrupt == len(nodes)
		var usable []*node.Descriptor
		for _, d := range nodes {
			if blockCorrupt || !self.corrupt.IsReplicaCorrupt(b, d.StorageID) {
				usable = append(usable, d)
			}
		}
		located = append(located, &locatedBlock{
			LocatedBlock: protocol.LocatedBlock{Block: b, Offset: pos, Corrupt: blockCorrupt},
			nodes:        usable})
		pos += b.NumBytes
		if pos >= end {
			break
		}
	}
	return result, located, nil
}

type pseudoNode struct {
	key, location string
}

func (self *pseudoNode) Key() string {
	return self.key
}

func (self *pseudoNode) NetworkLocation() string {
	return self.location
}

// clientNode is the storage node running on clientMachine, or a
// resolved stand-in if there is none.
func (self *Namesystem) clientNode(clientMachine string) topology.Node {
	if nodes := self.registry.GetByHost(clientMachine); len(nodes) > 0 {
		return nodes[0]
	}
	loc := self.resolver.Resolve([]string{clientMachine})[0]
	return &pseudoNode{key: "client:" + clientMachine, location: topology.NormalizeLocation(loc)}
}

// NextGenerationStampForBlock is called by the primary of a lease
// recovery (or the coordinator itself) before it synchronizes the
// replicas of b.
func (self *Namesystem) NextGenerationStampForBlock(b block.Block, fromCoordinator bool) (int64, error) {
	gs, err := func() (int64, error) {
		defer self.lock.Locked()()
		if err := self.checkSafeMode("Cannot get nextGenStamp for %s", b); err != nil {
			return 0, err
		}
		stored := self.blocks.GetStoredBlock(b)
		if stored == nil {
			msg := fmt.Sprintf("%s is missing", b)
			if s := self.blocks.GetStoredBlockWithoutMatchingGS(b); s != nil {
				msg = fmt.Sprintf("%s has out of date GS %d found %d, may already be committed",
					b, b.GenStamp, s.GenStamp)
			}
			mlog.Infof("namesystem/files", "%s", msg)
			return 0, errors.New(msg)
		}
		f := self.blocks.GetINode(*stored)
		if f == nil || !f.IsUnderConstruction() {
			msg := fmt.Sprintf("%s is already commited, file=%v", b, f)
			mlog.Infof("namesystem/files", "%s", msg)
			return 0, errors.New(msg)
		}
		if !fromCoordinator && f.UC.Holder == RecoveryLeaseHolder {
			// Only the coordinator may run recovery for its own lease.
			msg := fmt.Sprintf("%s is being recovered by NameNode, ignoring the request from a client", b)
			mlog.Infof("namesystem/files", "%s", msg)
			return 0, errors.New(msg)
		}
		if !f.UC.SetLastRecoveryTime(self.Now(), self.Config.Lease.SoftLimit) {
			msg := fmt.Sprintf("%s is already being recovered, ignoring this request.", b)
			mlog.Infof("namesystem/files", "%s", msg)
			return 0, errors.New(msg)
		}
		return self.nextGenerationStamp(), nil
	}()
	if err != nil {
		return 0, err
	}
	return gs, self.logSync()
}

// CommitBlockSynchronization records the outcome of a lease
// recovery: the surviving length, stamp and replicas of the last
// block. With closeFile the file is closed as well.
func (self *Namesystem) CommitBlockSynchronization(last block.Block, newGenStamp, newLength int64, closeFile, deleteBlock bool, newTargets []protocol.DatanodeID) error {
	err := func() error {
		defer self.lock.Locked()()
		mlog.Infof("namesystem/files", "commitBlockSynchronization(lastblock=%s, newgenerationstamp=%d, newlength=%d, newtargets=%v, closeFile=%v, deleteBlock=%v)",
			last, newGenStamp, newLength, newTargets, closeFile, deleteBlock)
		if err := self.checkSafeMode("Cannot commitBlockSynchronization %s", last); err != nil {
			return err
		}
		stored := self.blocks.GetStoredBlock(last)
		if stored == nil {
			return fmt.Errorf("Block (=%s) not found", last)
		}
		f := self.blocks.GetINode(*stored)
		if f == nil || !f.IsUnderConstruction() {
			return fmt.Errorf("Unexpected block (=%s) since the file (=%v) is not under construction",
				last, f)
		}
		p := f.Path
		self.blocks.RemoveBlock(*stored)
		if deleteBlock {
			if err := self.Namespace.RemoveBlock(p, *stored); err != nil {
				return err
			}
		} else {
			stored.Set(block.Block{ID: stored.ID, GenStamp: newGenStamp, NumBytes: newLength})
			self.blocks.AddINode(stored, f)
			var targets []*node.Descriptor
			for _, id := range newTargets {
				d, err := self.getDatanode(id)
				if err != nil || d == nil {
					mlog.Warnf("namesystem/files", "commitBlockSynchronization: unknown target %s", id)
					continue
				}
				if closeFile {
					self.blocks.AddNode(*stored, d)
				}
				targets = append(targets, d)
			}
			f.UC.Targets = storageIDs(targets)
		}
		if !closeFile {
			if err := self.Namespace.PersistBlocks(p); err != nil {
				return err
			}
			mlog.Infof("namesystem/files", "commitBlockSynchronization(%s) successful", last)
			return nil
		}
		if err := self.finalizeFileUnderConstruction(p, f); err != nil {
			return err
		}
		mlog.Infof("namesystem/files", "commitBlockSynchronization(newblock=%s, file=%s, newgenerationstamp=%d, newlength=%d, newtargets=%v) successful",
			stored, p, newGenStamp, newLength, newTargets)
		return nil
	}()
	if err != nil {
		return err
	}
	return self.logSync()
}

// checkLeases releases the leases past the hard limit.
func (self *Namesystem) checkLeases() {
	defer self.lock.Locked()()
	for _, l := range self.leases.ExpiredHardLimit(self.Now()) {
		mlog.Infof("namesystem/files", "Lease %s has expired hard limit", l)
		for _, p := range l.Paths() {
			if err := self.internalReleaseLeaseOne(l, p); err != nil {
				mlog.Errorf("namesystem/files", "Cannot release the path %s in the lease %s: %v", p, l, err)
				self.leases.RemoveLease(l.Holder, p)
			}
		}
	}
}

func storageIDs(nodes []*node.Descriptor) []string {
	r := make([]string, len(nodes))
	for i, d := range nodes {
		r[i] = d.StorageID
	}
	return r
}

func datanodeIDs(nodes []*node.Descriptor) []protocol.DatanodeID {
	r := make([]protocol.DatanodeID, len(nodes))
	for i, d := range nodes {
		r[i] = d.DatanodeID
	}
	return r
}

// targetDescriptors maps storage ids to known nodes, dropping
// unknown ones.
func (self *Namesystem) targetDescriptors(ids []string) []*node.Descriptor {
	var r []*node.Descriptor
	for _, id := range ids {
		if d := self.registry.GetByStorageID(id); d != nil {
			r = append(r, d)
		}
	}
	return r
}

/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Fri Feb 22 13:44:10 2019 mstenber
 * Last modified: Mon Feb 25 16:40:52 2019 mstenber
 * Edit time:     49 min
 *
 */

package namesystem

import (
	"github.com/fingon/go-blockmaster/block"
	"github.com/fingon/go-blockmaster/mlog"
	"github.com/fingon/go-blockmaster/protocol"
	"github.com/fingon/go-blockmaster/safemode"
	"github.com/fingon/go-blockmaster/util"
)

// applySafeMode acts on what the gate decided. An extension is
// finished by safeModeCheck.
func (self *Namesystem) applySafeMode(action safemode.Action) {
	if action == safemode.ActionLeave {
		self.leaveSafeMode()
	}
}

// safeBlockCount is the number of blocks safe mode waits for. Empty
// last blocks of open files may never have been written to, so they
// are not counted.
func (self *Namesystem) safeBlockCount() int {
	excluded := 0
	for _, l := range self.leases.SortedLeases() {
		for _, p := range l.Paths() {
			f := self.Namespace.GetFile(p)
			if f == nil {
				mlog.Errorf("namesystem/safemode", "Found a lease for nonexisting file: %s", p)
				continue
			}
			if !f.IsUnderConstruction() {
				mlog.Errorf("namesystem/safemode", "Found a lease for file that is not under construction: %s", p)
				continue
			}
			if lb := f.LastBlock(); lb != nil && lb.NumBytes == 0 {
				excluded++
			}
		}
	}
	total := self.blocks.Size()
	mlog.Infof("namesystem/safemode", "Number of blocks excluded by safe block count: %d total blocks: %d and thus the safe blocks: %d",
		excluded, total, total-excluded)
	return total - excluded
}

func (self *Namesystem) setBlockTotal() {
	self.applySafeMode(self.safeMode.SetBlockTotal(self.safeBlockCount(),
		self.Now(), self.numLive()))
}

func (self *Namesystem) incrementSafeBlockCount(replication int) {
	self.applySafeMode(self.safeMode.IncrementSafeBlockCount(replication,
		self.Now(), self.numLive()))
}

func (self *Namesystem) decrementSafeBlockCount(b block.Block) {
	live := self.countNodes(b).Live
	self.applySafeMode(self.safeMode.DecrementSafeBlockCount(live,
		self.Now(), self.numLive()))
}

// leaveSafeMode opens the gate and reclassifies every block. The
// first exit ends the startup safe mode.
func (self *Namesystem) leaveSafeMode() {
	start := self.Now()
	self.processMisReplicatedBlocks()
	mlog.Infof("namesystem/safemode", "STATE* Safe mode termination scan for invalid, over- and under-replicated blocks completed in %d msec",
		self.Now().Sub(start).Milliseconds())
	if self.safeModeTime.Get() == 0 {
		spent := self.Now().Sub(self.startTime)
		mlog.Infof("namesystem/safemode", "STATE* Leaving safe mode after %d secs.", int64(spent.Seconds()))
		self.safeModeTime.Set(util.I64Max(spent.Milliseconds(), 1))
		// Writers could not reach us meanwhile.
		self.leases.RenewAllLeases(self.Now())
	}
	self.safeMode.Leave()
	mlog.Infof("namesystem/safemode", "STATE* Network topology has %d racks and %d datanodes",
		self.topology.NumRacks(), self.topology.NumLeaves())
	mlog.Infof("namesystem/safemode", "STATE* UnderReplicatedBlocks has %d blocks", self.needed.Size())
}

// safeModeCheck ends the safe mode extension once it has passed with
// the threshold still met.
func (self *Namesystem) safeModeCheck() {
	defer self.lock.Locked()()
	if self.safeMode.IsManual() || !self.safeMode.IsOn() {
		return
	}
	if self.safeMode.CanLeave(self.Now(), self.numLive()) {
		self.leaveSafeMode()
	}
}

// SetSafeMode enters or leaves safe mode by operator request, and
// returns whether safe mode is on afterwards.
func (self *Namesystem) SetSafeMode(action protocol.SafeModeAction) (bool, error) {
	switch action {
	case protocol.SafeModeEnter:
		func() {
			defer self.lock.Locked()()
			self.safeMode.Enter(self.Now(), self.numLive())
		}()
		if err := self.logSync(); err != nil {
			return true, err
		}
	case protocol.SafeModeLeave:
		func() {
			defer self.lock.Locked()()
			if !self.safeMode.IsOn() {
				mlog.Infof("namesystem/safemode", "STATE* Safe mode is already OFF.")
				return
			}
			self.leaveSafeMode()
		}()
	}
	return self.IsInSafeMode(), nil
}

func (self *Namesystem) IsInSafeMode() bool {
	return self.safeMode.IsOn()
}

// IsInStartupSafeMode is true while the automatic startup gate is
// closed.
func (self *Namesystem) IsInStartupSafeMode() bool {
	return self.safeMode.IsStartup()
}

// GetSafeModeTip explains what it takes for safe mode to end ("" if
// it is off).
func (self *Namesystem) GetSafeModeTip() string {
	if !self.IsInSafeMode() {
		return ""
	}
	return self.safeMode.TurnOffTip(self.Now(), self.numLive())
}

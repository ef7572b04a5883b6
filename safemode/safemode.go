/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Fri Feb 22 10:40:20 2019 mstenber
 * Last modified: Fri Feb 22 13:21:05 2019 mstenber
 * Edit time:     95 min
 *
 */

// safemode implements the gate that keeps the namespace read-only
// until enough of the blocks have been reported by storage nodes.
//
// The gate only keeps state and decides; leaving safe mode (and the
// scan that goes with it) and running the extension timer are up to
// the caller, as told by the returned Action.
package safemode

import (
	"fmt"
	"time"

	"github.com/fingon/go-blockmaster/mlog"
	"github.com/fingon/go-blockmaster/util"
)

type Action int

const (
	ActionNone Action = iota
	// Threshold reached; wait Extension and then CanLeave.
	ActionStartExtension
	ActionLeave
)

func (self Action) String() string {
	switch self {
	case ActionNone:
		return "None"
	case ActionStartExtension:
		return "StartExtension"
	case ActionLeave:
		return "Leave"
	}
	return fmt.Sprintf("Action(%d)", int(self))
}

const statusReportInterval = 20 * time.Second

type Config struct {
	// Fraction of blocks that must reach SafeReplication.
	Threshold float64

	// Live storage nodes needed.
	DatanodeThreshold int

	Extension time.Duration

	SafeReplication int
}

// Gate is the safe mode state machine. It has its own leaf lock;
// callers pass in the number of live nodes so that the gate never
// reaches back into the registry.
type Gate struct {
	Config

	lock util.OrderedMutex

	// tracking is set while block counts are tracked for the
	// automatic exit; manual blocks the automatic exit.
	tracking, manual bool

	on      bool
	reached time.Time

	blockTotal, blockSafe int
	lastStatusReport      time.Time
}

// Init returns a startup gate: tracking blocks, but off until
// SetBlockTotal decides otherwise.
func (self Gate) Init() *Gate {
	if self.SafeReplication <= 0 {
		self.SafeReplication = 1
	}
	self.lock = util.OrderedMutex{Name: "safemode", Rank: util.RankLeaf}
	self.tracking = true
	mlog.Infof("safemode/safemode", "dfs.safemode.threshold.pct          = %v", self.Threshold)
	mlog.Infof("safemode/safemode", "dfs.namenode.safemode.min.datanodes = %v", self.DatanodeThreshold)
	mlog.Infof("safemode/safemode", "dfs.safemode.extension              = %v", self.Extension)
	return &self
}

// Active is true while the gate has any say; once left, only a
// manual Enter activates it again.
func (self *Gate) Active() bool {
	defer self.lock.Locked()()
	return self.tracking || self.manual
}

func (self *Gate) IsOn() bool {
	defer self.lock.Locked()()
	return self.on
}

func (self *Gate) IsManual() bool {
	defer self.lock.Locked()()
	return self.manual
}

// IsStartup is true during the automatic startup safe mode.
func (self *Gate) IsStartup() bool {
	defer self.lock.Locked()()
	return self.on && !self.manual
}

// Tracking is true if block counts are maintained.
func (self *Gate) Tracking() bool {
	defer self.lock.Locked()()
	return self.tracking
}

func (self *Gate) BlockTotal() int {
	defer self.lock.Locked()()
	return self.blockTotal
}

func (self *Gate) BlockSafe() int {
	defer self.lock.Locked()()
	return self.blockSafe
}

func (self *Gate) safeBlockRatio() float64 {
	if !self.tracking {
		return 0
	}
	if self.blockTotal == 0 {
		return 1
	}
	return float64(self.blockSafe) / float64(self.blockTotal)
}

func (self *Gate) needEnter(numLive int) bool {
	if !self.tracking {
		return true
	}
	return self.safeBlockRatio() < self.Threshold ||
		numLive < self.DatanodeThreshold
}

func (self *Gate) enter() {
	self.on = true
	self.reached = time.Time{}
}

func (self *Gate) reportStatus(msg string, now time.Time, numLive int, rightNow bool) {
	if !rightNow && now.Sub(self.lastStatusReport) < statusReportInterval {
		return
	}
	mlog.Infof("safemode/safemode", "%s \n%s", msg, self.turnOffTip(now, numLive))
	self.lastStatusReport = now
}

func (self *Gate) checkMode(now time.Time, numLive int) Action {
	if !self.tracking && !self.manual {
		return ActionNone
	}
	if self.needEnter(numLive) {
		self.enter()
		self.reportStatus("STATE* Safe mode ON", now, numLive, false)
		return ActionNone
	}
	if self.manual {
		return ActionNone
	}
	if !self.on || self.Extension <= 0 || self.Threshold <= 0 {
		return ActionLeave
	}
	if !self.reached.IsZero() {
		self.reportStatus("STATE* Safe mode ON", now, numLive, false)
		return ActionNone
	}
	self.reached = now
	self.reportStatus("STATE* Safe mode extension entered", now, numLive, true)
	return ActionStartExtension
}

// CheckMode re-evaluates the gate.
func (self *Gate) CheckMode(now time.Time, numLive int) Action {
	defer self.lock.Locked()()
	return self.checkMode(now, numLive)
}

// SetBlockTotal sets the number of blocks that count towards the
// threshold.
func (self *Gate) SetBlockTotal(total int, now time.Time, numLive int) Action {
	defer self.lock.Locked()()
	if !self.tracking {
		return ActionNone
	}
	self.blockTotal = total
	return self.checkMode(now, numLive)
}

// IncrementSafeBlockCount is called when a block gains a replica and
// now has replication live ones.
func (self *Gate) IncrementSafeBlockCount(replication int, now time.Time, numLive int) Action {
	defer self.lock.Locked()()
	if !self.tracking {
		return ActionNone
	}
	if replication == self.SafeReplication {
		self.blockSafe++
	}
	return self.checkMode(now, numLive)
}

// DecrementSafeBlockCount is called when a block loses a replica and
// now has replication live ones.
func (self *Gate) DecrementSafeBlockCount(replication int, now time.Time, numLive int) Action {
	defer self.lock.Locked()()
	if !self.tracking {
		return ActionNone
	}
	if replication == self.SafeReplication-1 {
		self.blockSafe--
	}
	return self.checkMode(now, numLive)
}

// CanLeave is polled during the extension.
func (self *Gate) CanLeave(now time.Time, numLive int) bool {
	defer self.lock.Locked()()
	if !self.on || self.manual || self.reached.IsZero() {
		return false
	}
	if now.Sub(self.reached) < self.Extension {
		self.reportStatus("STATE* Safe mode ON", now, numLive, false)
		return false
	}
	return !self.needEnter(numLive)
}

// Enter turns safe mode on manually.
func (self *Gate) Enter(now time.Time, numLive int) {
	defer self.lock.Locked()()
	if !self.on {
		self.tracking = false
		self.manual = true
		self.blockTotal = 0
		self.blockSafe = 0
		self.enter()
		self.reportStatus("STATE* Safe mode is ON", now, numLive, true)
		return
	}
	self.manual = true
	mlog.Infof("safemode/safemode", "STATE* Safe mode is ON. %s", self.turnOffTip(now, numLive))
}

// Leave turns the gate off for good. Returns false if it was off
// already.
func (self *Gate) Leave() bool {
	defer self.lock.Locked()()
	wasOn := self.on
	if wasOn {
		mlog.Infof("safemode/safemode", "STATE* Safe mode is OFF")
	}
	self.on = false
	self.reached = time.Time{}
	self.tracking = false
	self.manual = false
	return wasOn
}

func (self *Gate) turnOffTip(now time.Time, numLive int) string {
	leaveMsg := "Safe mode will be turned off automatically"
	if !self.on {
		return "Safe mode is OFF"
	}
	if self.manual {
		leaveMsg = "Use \"blockmaster -safemode leave\" to turn safe mode off"
	}
	if !self.tracking {
		return leaveMsg + "."
	}
	msg := ""
	if self.reached.IsZero() {
		if self.safeBlockRatio() < self.Threshold {
			msg += fmt.Sprintf("The reported blocks is only %d"+
				" but the threshold is %.4f and the total blocks %d.",
				self.blockSafe, self.Threshold, self.blockTotal)
		}
		if numLive < self.DatanodeThreshold {
			if msg != "" {
				msg += "\n"
			}
			msg += fmt.Sprintf("The number of live datanodes %d needs an additional %d live "+
				"datanodes to reach the minimum number %d.",
				numLive, self.DatanodeThreshold-numLive, self.DatanodeThreshold)
		}
		msg += " " + leaveMsg
	} else {
		msg = fmt.Sprintf("The reported blocks %d has reached the threshold"+
			" %.4f of total blocks %d.", self.blockSafe, self.Threshold, self.blockTotal)
		if self.DatanodeThreshold > 0 {
			msg += fmt.Sprintf(" The number of live datanodes %d has reached "+
				"the minimum number %d.", numLive, self.DatanodeThreshold)
		}
		msg += " " + leaveMsg
	}
	if self.reached.IsZero() || self.manual {
		return msg + "."
	}
	left := self.reached.Add(self.Extension).Sub(now)
	if left < 0 {
		left = -left
	}
	return fmt.Sprintf("%s in %d seconds.", msg, int64(left/time.Second))
}

// TurnOffTip explains what it takes to leave safe mode.
func (self *Gate) TurnOffTip(now time.Time, numLive int) string {
	defer self.lock.Locked()()
	return self.turnOffTip(now, numLive)
}

func (self *Gate) String() string {
	defer self.lock.Locked()()
	s := fmt.Sprintf("Current safe block ratio = %v. Target threshold = %v. Minimal replication = %d.",
		self.safeBlockRatio(), self.Threshold, self.SafeReplication)
	if !self.reached.IsZero() {
		s += fmt.Sprintf(" Threshold was reached %s.", self.reached.Format(time.RFC1123))
	}
	return s
}

// IsConsistent checks the counters against the number of active
// blocks.
func (self *Gate) IsConsistent(activeBlocks int) bool {
	defer self.lock.Locked()()
	if !self.tracking {
		return true
	}
	return self.blockTotal == activeBlocks ||
		(self.blockSafe >= 0 && self.blockSafe <= self.blockTotal)
}

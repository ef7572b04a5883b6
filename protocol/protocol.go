/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Tue Feb 12 11:31:55 2019 mstenber
 * Last modified: Wed Feb 13 09:40:02 2019 mstenber
 * Edit time:     38 min
 *
 */

// protocol describes the storage node <-> coordinator messages
// without committing to any wire format.
package protocol

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/fingon/go-blockmaster/block"
	"github.com/fingon/go-blockmaster/blockkey"
)

// DatanodeID is the network identity of a storage node. Name is
// host:port of the data transfer endpoint.
type DatanodeID struct {
	Name      string
	StorageID string
	InfoPort  int
	IpcPort   int
}

// Host returns the host part of the name.
func (self DatanodeID) Host() string {
	host, _, err := net.SplitHostPort(self.Name)
	if err != nil {
		if i := strings.LastIndex(self.Name, ":"); i >= 0 {
			return self.Name[:i]
		}
		return self.Name
	}
	return host
}

func (self DatanodeID) String() string {
	return self.Name
}

type Registration struct {
	DatanodeID

	// HostName is the name the node reports for itself; it is used
	// only for include/exclude matching.
	HostName string

	// Filled in by the coordinator on successful registration.
	Keys *blockkey.ExportedKeys
}

type Action int

const (
	ActionRegister Action = iota + 1
	ActionTransfer
	ActionInvalidate
	ActionKeyUpdate
	ActionBalancerBandwidth
	ActionFinalizeUpgrade
	ActionRecoverLease
	ActionUpgrade
)

var actionNames = map[Action]string{
	ActionRegister:          "REGISTER",
	ActionTransfer:          "TRANSFER",
	ActionInvalidate:        "INVALIDATE",
	ActionKeyUpdate:         "KEY_UPDATE",
	ActionBalancerBandwidth: "BALANCER_BANDWIDTH",
	ActionFinalizeUpgrade:   "FINALIZE_UPGRADE",
	ActionRecoverLease:      "RECOVER_LEASE",
	ActionUpgrade:           "UPGRADE",
}

func (self Action) String() string {
	if s, ok := actionNames[self]; ok {
		return s
	}
	return fmt.Sprintf("Action(%d)", int(self))
}

// Command is an instruction returned to a storage node. Targets[i] is
// the transfer pipeline for Blocks[i] (TRANSFER only).
type Command struct {
	Action    Action
	Blocks    []block.Block
	Targets   [][]DatanodeID
	Keys      *blockkey.ExportedKeys
	Bandwidth int64
}

func (self *Command) String() string {
	switch self.Action {
	case ActionTransfer, ActionInvalidate, ActionRecoverLease:
		return fmt.Sprintf("%v(%d blocks)", self.Action, len(self.Blocks))
	case ActionBalancerBandwidth:
		return fmt.Sprintf("%v(%d)", self.Action, self.Bandwidth)
	}
	return self.Action.String()
}

var RegisterCommand = &Command{Action: ActionRegister}
var FinalizeCommand = &Command{Action: ActionFinalizeUpgrade}

// Heartbeat is the periodic usage report of a storage node.
type Heartbeat struct {
	Capacity        int64
	DfsUsed         int64
	Remaining       int64
	XceiverCount    int
	XmitsInProgress int
}

type ReportType int

const (
	ReportAll ReportType = iota
	ReportLive
	ReportDead
)

type SafeModeAction int

const (
	SafeModeGet SafeModeAction = iota
	SafeModeEnter
	SafeModeLeave
)

// ErrorCode of ErrorReport
type ErrorCode int

const (
	ErrorNotify ErrorCode = iota
	ErrorDisk
	ErrorInvalidBlock
	ErrorFatalDisk
)

// CompleteStatus of CompleteFile
type CompleteStatus int

const (
	CompleteOperationFailed CompleteStatus = iota
	CompleteStillWaiting
	CompleteSuccess
)

func (self CompleteStatus) String() string {
	switch self {
	case CompleteOperationFailed:
		return "OPERATION_FAILED"
	case CompleteStillWaiting:
		return "STILL_WAITING"
	case CompleteSuccess:
		return "COMPLETE_SUCCESS"
	}
	return fmt.Sprintf("CompleteStatus(%d)", int(self))
}

// LocatedBlock is a block plus the nodes that (will) hold it.
type LocatedBlock struct {
	Block     block.Block
	Offset    int64
	Locations []DatanodeID
	Corrupt   bool
	Token     *blockkey.Token
}

type LocatedBlocks struct {
	FileLength        int64
	UnderConstruction bool
	Blocks            []LocatedBlock
}

// DatanodeInfo is the externally visible state of a storage node.
type DatanodeInfo struct {
	DatanodeID
	HostName          string
	Capacity          int64
	DfsUsed           int64
	Remaining         int64
	XceiverCount      int
	LastUpdate        time.Time
	NetworkLocation   string
	AdminState        string
	Alive             bool
	Stale             bool
	BlocksScheduled   int
	NumBlocks         int
	DecommissionStart time.Time
}

// FileStatus is a read-only view of a file for clients.
type FileStatus struct {
	Path              string
	Length            int64
	Replication       int
	BlockSize         int64
	ModTime           time.Time
	AccessTime        time.Time
	UnderConstruction bool
}

// CorruptFileBlock is one entry of ListCorruptFileBlocks.
type CorruptFileBlock struct {
	Block block.Block
	Path  string
}

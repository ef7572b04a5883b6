/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Wed Feb 20 09:40:02 2019 mstenber
 * Last modified: Fri Feb 22 11:18:35 2019 mstenber
 * Edit time:     24 min
 *
 */

package namesystem

import (
	"fmt"

	"github.com/fingon/go-blockmaster/namespace"
	"github.com/fingon/go-blockmaster/protocol"
)

// SafeModeError rejects mutations while the safe mode gate is on.
type SafeModeError struct {
	Op  string
	Tip string
}

func (self *SafeModeError) Error() string {
	return fmt.Sprintf("%s. Name node is in safe mode.\n%s", self.Op, self.Tip)
}

// UnregisteredNodeError tells a storage node to register (again).
type UnregisteredNodeError struct {
	ID     protocol.DatanodeID
	Reason string
}

func (self *UnregisteredNodeError) Error() string {
	if self.Reason != "" {
		return fmt.Sprintf("Unregistered data node: %s: %s", self.ID.Name, self.Reason)
	}
	return fmt.Sprintf("Unregistered data node: %s", self.ID.Name)
}

// DisallowedNodeError rejects nodes that are decommissioned or not
// in the include list.
type DisallowedNodeError struct {
	ID protocol.DatanodeID
}

func (self *DisallowedNodeError) Error() string {
	return fmt.Sprintf("Datanode denied communication with namenode: %s", self.ID.Name)
}

// AlreadyBeingCreatedError is a create/recovery race; the caller may
// retry later.
type AlreadyBeingCreatedError struct {
	Msg string
}

func (self *AlreadyBeingCreatedError) Error() string {
	return self.Msg
}

func (self *AlreadyBeingCreatedError) Temporary() bool {
	return true
}

// LeaseExpiredError means the caller no longer holds the lease of the
// file it is writing.
type LeaseExpiredError struct {
	Msg string
}

func (self *LeaseExpiredError) Error() string {
	return self.Msg
}

// ReplicationShortfallError means fewer targets than the minimum
// replication could be found.
type ReplicationShortfallError struct {
	Path      string
	Got, Want int
}

func (self *ReplicationShortfallError) Error() string {
	return fmt.Sprintf("File %s could only be replicated to %d nodes, instead of %d",
		self.Path, self.Got, self.Want)
}

// NotReplicatedYetError asks the writer to retry once the previous
// block has reached minimum replication.
type NotReplicatedYetError struct {
	Path string
}

func (self *NotReplicatedYetError) Error() string {
	return fmt.Sprintf("Not replicated yet:%s", self.Path)
}

func (self *NotReplicatedYetError) Temporary() bool {
	return true
}

type FileNotFoundError = namespace.FileNotFoundError

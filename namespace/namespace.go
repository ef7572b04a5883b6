/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Wed Feb 13 12:40:31 2019 mstenber
 * Last modified: Thu Feb 14 10:12:02 2019 mstenber
 * Edit time:     64 min
 *
 */

// namespace is the file tree the coordinator consults: which files
// exist, which blocks they consist of, and who is writing them.
//
// The coordinator depends only on the Namespace and EditLog
// interfaces; MemNamespace is the in-memory implementation that
// journals every mutation.
package namespace

import (
	"context"
	"time"

	"github.com/fingon/go-blockmaster/block"
	"github.com/fingon/go-blockmaster/protocol"
)

// UnderConstruction is the write state of a file open for writing.
type UnderConstruction struct {
	Holder        string
	ClientMachine string

	// ClientNode is the storage id of the node the writer runs on
	// ("" if none).
	ClientNode string

	// Targets are the storage ids the last block is being written
	// to.
	Targets []string

	// PrimaryIndex is the target last chosen as the lease recovery
	// primary.
	PrimaryIndex int

	// LastRecoveryTime is when lease recovery was last started;
	// zero if never.
	LastRecoveryTime time.Time
}

// File is the block-bearing inode. Blocks are shared with the replica
// directory, so stamp/length updates are visible to both.
type File struct {
	Path        string
	Replication int
	BlockSize   int64
	ModTime     time.Time
	AccessTime  time.Time
	Blocks      []*block.Block

	// UC is non-nil while the file is open for writing.
	UC *UnderConstruction
}

func (self *File) IsUnderConstruction() bool {
	return self.UC != nil
}

func (self *File) LastBlock() *block.Block {
	if len(self.Blocks) == 0 {
		return nil
	}
	return self.Blocks[len(self.Blocks)-1]
}

func (self *File) PenultimateBlock() *block.Block {
	if len(self.Blocks) < 2 {
		return nil
	}
	return self.Blocks[len(self.Blocks)-2]
}

// IsLastBlock is true if b is (the same id as) the last block.
func (self *File) IsLastBlock(b block.Block) bool {
	last := self.LastBlock()
	return last != nil && last.ID == b.ID
}

func (self *File) Length() (l int64) {
	for _, b := range self.Blocks {
		l += b.NumBytes
	}
	return
}

// SetLastRecoveryTime records the start of a recovery attempt. It
// fails if a recovery was started within the soft limit.
func (self *UnderConstruction) SetLastRecoveryTime(now time.Time, softLimit time.Duration) bool {
	if !self.LastRecoveryTime.IsZero() && now.Sub(self.LastRecoveryTime) < softLimit {
		return false
	}
	self.LastRecoveryTime = now
	return true
}

func (self *File) Status() *protocol.FileStatus {
	return &protocol.FileStatus{Path: self.Path,
		Length:            self.Length(),
		Replication:       self.Replication,
		BlockSize:         self.BlockSize,
		ModTime:           self.ModTime,
		AccessTime:        self.AccessTime,
		UnderConstruction: self.IsUnderConstruction()}
}

// Namespace is the file tree as seen by the coordinator. All methods
// except WaitForReady are called with the coordinator lock held.
type Namespace interface {
	// WaitForReady blocks until the namespace has been loaded.
	WaitForReady(ctx context.Context) error

	GetFile(path string) *File
	Exists(path string) bool

	// AddFile creates a new file open for writing.
	AddFile(path string, replication int, blockSize int64, uc *UnderConstruction, now time.Time) (*File, error)

	// ConvertToUnderConstruction reopens a closed file (append).
	ConvertToUnderConstruction(path string, uc *UnderConstruction) (*File, error)

	// CloseFile finalizes a file under construction.
	CloseFile(path string, now time.Time) error

	AddBlock(path string, b *block.Block) error
	RemoveBlock(path string, b block.Block) error

	// PersistBlocks journals the current block list of an open file.
	PersistBlocks(path string) error

	// Delete removes path (and, if recursive, everything under it)
	// and returns the removed blocks.
	Delete(path string, recursive bool, now time.Time) ([]*block.Block, error)

	Rename(src, dst string, now time.Time) error

	// SetReplication returns the old replication factor.
	SetReplication(path string, replication int) (int, error)

	SetTimes(path string, mtime, atime time.Time) error

	GetFileInfo(path string) *protocol.FileStatus

	// List returns the status of the files under prefix, sorted by
	// path.
	List(prefix string) []*protocol.FileStatus

	TotalFiles() int

	// Files returns every file, sorted by path.
	Files() []*File

	// Generation stamp high water mark is persisted with the
	// namespace.
	GenerationStamp() int64
	SetGenerationStamp(gs int64)
}

type OpType byte

const (
	OpAdd OpType = iota + 1
	OpClose
	OpReopen
	OpPersistBlocks
	OpDelete
	OpRename
	OpSetReplication
	OpSetTimes
	OpSetGenStamp
)

// FileRecord is the journaled form of a File.
type FileRecord struct {
	Path        string
	Replication int
	BlockSize   int64
	ModTime     int64
	AccessTime  int64
	Blocks      []block.Block
	UC          *UnderConstruction
}

// Op is a single namespace mutation.
type Op struct {
	Type        OpType
	Path        string
	Dst         string `codec:",omitempty"`
	File        *FileRecord `codec:",omitempty"`
	Replication int
	Recursive   bool
	ModTime     int64
	AccessTime  int64
	GenStamp    int64
}

// EditLog is the journal of namespace mutations. Log buffers; LogSync
// makes everything logged so far durable and must be called before a
// mutation is acknowledged.
type EditLog interface {
	Log(op *Op)
	LogSync() error
}

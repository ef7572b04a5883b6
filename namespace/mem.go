/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Wed Feb 13 13:30:12 2019 mstenber
 * Last modified: Thu Feb 14 10:40:31 2019 mstenber
 * Edit time:     93 min
 *
 */

package namespace

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/fingon/go-blockmaster/block"
	"github.com/fingon/go-blockmaster/mlog"
	"github.com/fingon/go-blockmaster/protocol"
	"github.com/fingon/go-blockmaster/util"
)

// MemNamespace keeps the file tree in memory and journals every
// mutation to the EditLog. Directories are implicit (path prefixes).
type MemNamespace struct {
	// Log receives the mutations. Required.
	Log EditLog

	lock     util.OrderedMutex
	files    map[string]*File
	genStamp int64
	ready    chan struct{}
}

var _ Namespace = &MemNamespace{}

type FileNotFoundError struct {
	Path string
}

func (self *FileNotFoundError) Error() string {
	return fmt.Sprintf("File does not exist: %s", self.Path)
}

type FileExistsError struct {
	Path string
}

func (self *FileExistsError) Error() string {
	return fmt.Sprintf("File already exists: %s", self.Path)
}

func (self MemNamespace) Init() *MemNamespace {
	self.lock = util.OrderedMutex{Name: "namespace", Rank: util.RankNamespace}
	self.files = make(map[string]*File)
	self.genStamp = block.FirstValidGenerationStamp
	self.ready = make(chan struct{})
	return &self
}

func clean(p string) string {
	return path.Clean("/" + p)
}

// SetReady opens the ready gate; WaitForReady callers are released.
func (self *MemNamespace) SetReady() {
	defer self.lock.Locked()()
	select {
	case <-self.ready:
	default:
		close(self.ready)
	}
}

func (self *MemNamespace) WaitForReady(ctx context.Context) error {
	select {
	case <-self.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (self *MemNamespace) GetFile(p string) *File {
	defer self.lock.Locked()()
	return self.files[clean(p)]
}

func (self *MemNamespace) Exists(p string) bool {
	return self.GetFile(p) != nil
}

func (self *MemNamespace) getFile(p string) (*File, error) {
	f := self.files[p]
	if f == nil {
		return nil, &FileNotFoundError{p}
	}
	return f, nil
}

func record(f *File) *FileRecord {
	r := &FileRecord{Path: f.Path,
		Replication: f.Replication,
		BlockSize:   f.BlockSize,
		ModTime:     f.ModTime.UnixNano(),
		AccessTime:  f.AccessTime.UnixNano()}
	for _, b := range f.Blocks {
		r.Blocks = append(r.Blocks, *b)
	}
	if f.UC != nil {
		uc := *f.UC
		uc.Targets = append([]string{}, f.UC.Targets...)
		r.UC = &uc
	}
	return r
}

func fromRecord(r *FileRecord) *File {
	f := &File{Path: r.Path,
		Replication: r.Replication,
		BlockSize:   r.BlockSize,
		ModTime:     time.Unix(0, r.ModTime),
		AccessTime:  time.Unix(0, r.AccessTime),
		UC:          r.UC}
	for i := range r.Blocks {
		b := r.Blocks[i]
		f.Blocks = append(f.Blocks, &b)
	}
	return f
}

func (self *MemNamespace) AddFile(p string, replication int, blockSize int64, uc *UnderConstruction, now time.Time) (*File, error) {
	defer self.lock.Locked()()
	p = clean(p)
	if self.files[p] != nil {
		return nil, &FileExistsError{p}
	}
	f := &File{Path: p, Replication: replication, BlockSize: blockSize,
		ModTime: now, AccessTime: now, UC: uc}
	self.files[p] = f
	mlog.Printf2("namespace/mem", "AddFile %s r%d", p, replication)
	self.Log.Log(&Op{Type: OpAdd, Path: p, File: record(f)})
	return f, nil
}

func (self *MemNamespace) ConvertToUnderConstruction(p string, uc *UnderConstruction) (*File, error) {
	defer self.lock.Locked()()
	f, err := self.getFile(clean(p))
	if err != nil {
		return nil, err
	}
	f.UC = uc
	self.Log.Log(&Op{Type: OpReopen, Path: f.Path, File: record(f)})
	return f, nil
}

func (self *MemNamespace) CloseFile(p string, now time.Time) error {
	defer self.lock.Locked()()
	f, err := self.getFile(clean(p))
	if err != nil {
		return err
	}
	f.UC = nil
	f.ModTime = now
	self.Log.Log(&Op{Type: OpClose, Path: f.Path, File: record(f)})
	return nil
}

func (self *MemNamespace) AddBlock(p string, b *block.Block) error {
	defer self.lock.Locked()()
	f, err := self.getFile(clean(p))
	if err != nil {
		return err
	}
	f.Blocks = append(f.Blocks, b)
	return nil
}

func (self *MemNamespace) RemoveBlock(p string, b block.Block) error {
	defer self.lock.Locked()()
	f, err := self.getFile(clean(p))
	if err != nil {
		return err
	}
	for i, fb := range f.Blocks {
		if fb.ID == b.ID {
			f.Blocks = append(f.Blocks[:i], f.Blocks[i+1:]...)
			self.Log.Log(&Op{Type: OpPersistBlocks, Path: f.Path, File: record(f)})
			return nil
		}
	}
	return fmt.Errorf("%s not in %s", b, f.Path)
}

func (self *MemNamespace) PersistBlocks(p string) error {
	defer self.lock.Locked()()
	f, err := self.getFile(clean(p))
	if err != nil {
		return err
	}
	self.Log.Log(&Op{Type: OpPersistBlocks, Path: f.Path, File: record(f)})
	return nil
}

// under returns the paths at or below p, sorted.
func (self *MemNamespace) under(p string) []string {
	var paths []string
	prefix := strings.TrimSuffix(p, "/") + "/"
	for k := range self.files {
		if k == p || strings.HasPrefix(k, prefix) {
			paths = append(paths, k)
		}
	}
	sort.Strings(paths)
	return paths
}

func (self *MemNamespace) Delete(p string, recursive bool, now time.Time) ([]*block.Block, error) {
	defer self.lock.Locked()()
	p = clean(p)
	paths := self.under(p)
	if len(paths) == 0 {
		return nil, &FileNotFoundError{p}
	}
	if len(paths) > 1 || paths[0] != p {
		if !recursive {
			return nil, fmt.Errorf("%s is non empty", p)
		}
	}
	var blocks []*block.Block
	for _, k := range paths {
		blocks = append(blocks, self.files[k].Blocks...)
		delete(self.files, k)
	}
	self.Log.Log(&Op{Type: OpDelete, Path: p, Recursive: recursive, ModTime: now.UnixNano()})
	return blocks, nil
}

func (self *MemNamespace) Rename(src, dst string, now time.Time) error {
	defer self.lock.Locked()()
	src = clean(src)
	dst = clean(dst)
	paths := self.under(src)
	if len(paths) == 0 {
		return &FileNotFoundError{src}
	}
	if len(self.under(dst)) > 0 {
		return &FileExistsError{dst}
	}
	for _, k := range paths {
		f := self.files[k]
		delete(self.files, k)
		f.Path = dst + strings.TrimPrefix(k, src)
		f.ModTime = now
		self.files[f.Path] = f
	}
	self.Log.Log(&Op{Type: OpRename, Path: src, Dst: dst, ModTime: now.UnixNano()})
	return nil
}

func (self *MemNamespace) SetReplication(p string, replication int) (int, error) {
	defer self.lock.Locked()()
	f, err := self.getFile(clean(p))
	if err != nil {
		return 0, err
	}
	old := f.Replication
	f.Replication = replication
	self.Log.Log(&Op{Type: OpSetReplication, Path: f.Path, Replication: replication})
	return old, nil
}

func (self *MemNamespace) SetTimes(p string, mtime, atime time.Time) error {
	defer self.lock.Locked()()
	f, err := self.getFile(clean(p))
	if err != nil {
		return err
	}
	if !mtime.IsZero() {
		f.ModTime = mtime
	}
	if !atime.IsZero() {
		f.AccessTime = atime
	}
	self.Log.Log(&Op{Type: OpSetTimes, Path: f.Path,
		ModTime: f.ModTime.UnixNano(), AccessTime: f.AccessTime.UnixNano()})
	return nil
}

func (self *MemNamespace) GetFileInfo(p string) *protocol.FileStatus {
	defer self.lock.Locked()()
	f := self.files[clean(p)]
	if f == nil {
		return nil
	}
	return f.Status()
}

func (self *MemNamespace) List(prefix string) []*protocol.FileStatus {
	defer self.lock.Locked()()
	var r []*protocol.FileStatus
	for _, k := range self.under(clean(prefix)) {
		r = append(r, self.files[k].Status())
	}
	return r
}

func (self *MemNamespace) TotalFiles() int {
	defer self.lock.Locked()()
	return len(self.files)
}

func (self *MemNamespace) GenerationStamp() int64 {
	defer self.lock.Locked()()
	return self.genStamp
}

func (self *MemNamespace) SetGenerationStamp(gs int64) {
	defer self.lock.Locked()()
	self.genStamp = gs
	self.Log.Log(&Op{Type: OpSetGenStamp, GenStamp: gs})
}

// Apply replays a journaled op (without journaling it again).
func (self *MemNamespace) Apply(op *Op) error {
	defer self.lock.Locked()()
	switch op.Type {
	case OpAdd, OpClose, OpReopen, OpPersistBlocks:
		if op.File == nil {
			return fmt.Errorf("op %d without file", op.Type)
		}
		self.files[op.Path] = fromRecord(op.File)
	case OpDelete:
		for _, k := range self.under(op.Path) {
			delete(self.files, k)
		}
	case OpRename:
		for _, k := range self.under(op.Path) {
			f := self.files[k]
			delete(self.files, k)
			f.Path = op.Dst + strings.TrimPrefix(k, op.Path)
			f.ModTime = time.Unix(0, op.ModTime)
			self.files[f.Path] = f
		}
	case OpSetReplication:
		if f := self.files[op.Path]; f != nil {
			f.Replication = op.Replication
		}
	case OpSetTimes:
		if f := self.files[op.Path]; f != nil {
			f.ModTime = time.Unix(0, op.ModTime)
			f.AccessTime = time.Unix(0, op.AccessTime)
		}
	case OpSetGenStamp:
		self.genStamp = op.GenStamp
	default:
		return fmt.Errorf("unknown op %d", op.Type)
	}
	return nil
}

// Replayer feeds journaled ops to a callback in order.
type Replayer interface {
	Replay(cb func(op *Op) error) error
}

// Load rebuilds the namespace from the journal and opens the ready
// gate.
func (self *MemNamespace) Load(r Replayer) error {
	n := 0
	err := r.Replay(func(op *Op) error {
		n++
		return self.Apply(op)
	})
	if err != nil {
		return err
	}
	mlog.Infof("namespace/mem", "Loaded %d ops, %d files", n, self.TotalFiles())
	self.SetReady()
	return nil
}

// Files returns all files (for the block map rebuild at startup).
func (self *MemNamespace) Files() []*File {
	defer self.lock.Locked()()
	r := make([]*File, 0, len(self.files))
	for _, k := range self.under("/") {
		r = append(r, self.files[k])
	}
	return r
}

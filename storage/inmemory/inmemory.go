/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2017 Markus Stenberg
 *
 * Created:       Sun Dec 17 22:20:08 2017 mstenber
 * Last modified: Wed Feb 13 11:48:30 2019 mstenber
 * Edit time:     78 min
 *
 */

package inmemory

import (
	"fmt"

	"github.com/fingon/go-blockmaster/mlog"
	"github.com/fingon/go-blockmaster/storage"
	"github.com/fingon/go-blockmaster/util"
)

// inMemoryBackend provides in-memory storage; records are just kept
// in a slice (index = sequence - 1).
type inMemoryBackend struct {
	records [][]byte
	lock    util.MutexLocked
}

var _ storage.Backend = &inMemoryBackend{}

func NewInMemoryBackend() storage.Backend {
	return &inMemoryBackend{}
}

func (self *inMemoryBackend) Init(config storage.BackendConfiguration) {
}

func (self *inMemoryBackend) Close() {

}

func (self *inMemoryBackend) Append(seq uint64, data []byte) error {
	defer self.lock.Locked()()
	if seq != uint64(len(self.records))+1 {
		return fmt.Errorf("im.Append: non-sequential %d after %d", seq, len(self.records))
	}
	mlog.Printf2("storage/inmemory/inmemory", "im.Append %d", seq)
	self.records = append(self.records, append([]byte{}, data...))
	return nil
}

func (self *inMemoryBackend) Get(seq uint64) ([]byte, error) {
	defer self.lock.Locked()()
	if seq == 0 || seq > uint64(len(self.records)) {
		return nil, storage.ErrNotFound
	}
	return self.records[seq-1], nil
}

func (self *inMemoryBackend) Iterate(from uint64, cb storage.IterateCallback) error {
	unlock := self.lock.Locked()
	records := self.records
	unlock()
	if from == 0 {
		from = 1
	}
	for seq := from; seq <= uint64(len(records)); seq++ {
		if err := cb(seq, records[seq-1]); err != nil {
			return err
		}
	}
	return nil
}

func (self *inMemoryBackend) LastSequence() uint64 {
	defer self.lock.Locked()()
	return uint64(len(self.records))
}

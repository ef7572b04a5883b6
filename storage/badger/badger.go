/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2017 Markus Stenberg
 *
 * Created:       Sat Dec 23 15:10:01 2017 mstenber
 * Last modified: Wed Feb 13 11:41:09 2019 mstenber
 * Edit time:     171 min
 *
 */

package badger

import (
	"fmt"
	"log"

	"github.com/dgraph-io/badger"
	"github.com/fingon/go-blockmaster/mlog"
	"github.com/fingon/go-blockmaster/storage"
	"github.com/fingon/go-blockmaster/util"
)

// badgerBackend provides on-disk storage.
//
// - key prefix r + big-endian sequence -> record
type badgerBackend struct {
	db      *badger.DB
	lastSeq uint64
}

var _ storage.Backend = &badgerBackend{}

var recordPrefix = []byte("r")

func recordKey(seq uint64) []byte {
	return util.ConcatBytes(recordPrefix, util.Uint64Bytes(seq))
}

func NewBadgerBackend() storage.Backend {
	return &badgerBackend{}
}

func (self *badgerBackend) Init(config storage.BackendConfiguration) {
	dir := config.Directory
	opts := badger.DefaultOptions
	opts.Dir = dir
	opts.ValueDir = dir
	opts.SyncWrites = !config.NoSync
	db, err := badger.Open(opts)
	if err != nil {
		log.Panic("badger.Open", err)
	}
	self.db = db
	err = db.View(func(txn *badger.Txn) error {
		iopts := badger.DefaultIteratorOptions
		iopts.Reverse = true
		iopts.PrefetchValues = false
		it := txn.NewIterator(iopts)
		defer it.Close()
		it.Seek(recordKey(^uint64(0)))
		if it.ValidForPrefix(recordPrefix) {
			self.lastSeq = util.BytesUint64(it.Item().Key()[len(recordPrefix):])
		}
		return nil
	})
	if err != nil {
		log.Panic(err)
	}
	mlog.Printf2("storage/badger/badger", "bad.Init %s, last %d", dir, self.lastSeq)
}

func (self *badgerBackend) Close() {
	self.db.Close()
}

func (self *badgerBackend) Append(seq uint64, data []byte) error {
	if seq != self.lastSeq+1 {
		return fmt.Errorf("bad.Append: non-sequential %d after %d", seq, self.lastSeq)
	}
	mlog.Printf2("storage/badger/badger", "bad.Append %d (%d b)", seq, len(data))
	err := self.db.Update(func(txn *badger.Txn) error {
		return txn.Set(recordKey(seq), data)
	})
	if err == nil {
		self.lastSeq = seq
	}
	return err
}

func (self *badgerBackend) Get(seq uint64) (v []byte, err error) {
	err = self.db.View(func(txn *badger.Txn) error {
		i, err := txn.Get(recordKey(seq))
		if err == nil {
			v, err = i.ValueCopy(nil)
		}
		return err
	})
	if err == badger.ErrKeyNotFound {
		err = storage.ErrNotFound
	}
	return
}

func (self *badgerBackend) Iterate(from uint64, cb storage.IterateCallback) error {
	return self.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(recordKey(from)); it.ValidForPrefix(recordPrefix); it.Next() {
			item := it.Item()
			seq := util.BytesUint64(item.Key()[len(recordPrefix):])
			v, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if err = cb(seq, v); err != nil {
				return err
			}
		}
		return nil
	})
}

func (self *badgerBackend) LastSequence() uint64 {
	return self.lastSeq
}

/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2018 Markus Stenberg
 *
 * Created:       Wed Jan  3 22:49:15 2018 mstenber
 * Last modified: Wed Feb 13 11:20:15 2019 mstenber
 * Edit time:     52 min
 *
 */

package bolt

import (
	"fmt"
	"log"

	bbolt "github.com/coreos/bbolt"

	"github.com/fingon/go-blockmaster/mlog"
	"github.com/fingon/go-blockmaster/storage"
	"github.com/fingon/go-blockmaster/util"
)

var recordKey = []byte("records")

// boltBackend provides on-disk storage.
//
// - bucket records: big-endian sequence -> record
type boltBackend struct {
	db      *bbolt.DB
	lastSeq uint64
}

var _ storage.Backend = &boltBackend{}

func NewBoltBackend() storage.Backend {
	self := &boltBackend{}
	return self
}

func (self *boltBackend) Init(config storage.BackendConfiguration) {
	dir := config.Directory
	db, err := bbolt.Open(fmt.Sprintf("%s/bbolt.db", dir), 0600, nil)
	if err != nil {
		log.Fatal("bbolt.Open", err)
	}
	db.NoSync = config.NoSync
	self.db = db
	err = db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(recordKey)
		if err != nil {
			return err
		}
		k, _ := b.Cursor().Last()
		if k != nil {
			self.lastSeq = util.BytesUint64(k)
		}
		return nil
	})
	if err != nil {
		log.Panic(err)
	}
	mlog.Printf2("storage/bolt/bolt", "bbolt.Init %s, last %d", dir, self.lastSeq)
}

func (self *boltBackend) Close() {
	self.db.Close()
}

func (self *boltBackend) Append(seq uint64, data []byte) error {
	if seq != self.lastSeq+1 {
		return fmt.Errorf("bbolt.Append: non-sequential %d after %d", seq, self.lastSeq)
	}
	mlog.Printf2("storage/bolt/bolt", "bbolt.Append %d (%d b)", seq, len(data))
	err := self.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(recordKey).Put(util.Uint64Bytes(seq), data)
	})
	if err == nil {
		self.lastSeq = seq
	}
	return err
}

func (self *boltBackend) Get(seq uint64) (v []byte, err error) {
	self.db.View(func(tx *bbolt.Tx) error {
		bv := tx.Bucket(recordKey).Get(util.Uint64Bytes(seq))
		if bv != nil {
			// bbolt memory is valid only within the transaction
			v = append([]byte{}, bv...)
		}
		return nil
	})
	if v == nil {
		err = storage.ErrNotFound
	}
	return
}

func (self *boltBackend) Iterate(from uint64, cb storage.IterateCallback) error {
	return self.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(recordKey).Cursor()
		for k, v := c.Seek(util.Uint64Bytes(from)); k != nil; k, v = c.Next() {
			if err := cb(util.BytesUint64(k), append([]byte{}, v...)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (self *boltBackend) LastSequence() uint64 {
	return self.lastSeq
}

/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Thu Feb 14 11:02:44 2019 mstenber
 * Last modified: Thu Feb 14 11:50:31 2019 mstenber
 * Edit time:     41 min
 *
 */

// editlog is the durable journal of namespace mutations. Records are
// msgpack-encoded namespace.Ops stored in a storage.Storage, one
// record per transaction id.
package editlog

import (
	"log"

	"github.com/fingon/go-blockmaster/mlog"
	"github.com/fingon/go-blockmaster/namespace"
	"github.com/fingon/go-blockmaster/storage"
	"github.com/fingon/go-blockmaster/util"
	"github.com/ugorji/go/codec"
)

type Journal struct {
	Storage *storage.Storage

	lock    util.OrderedMutex
	handle  codec.MsgpackHandle
	pending [][]byte
	txid    uint64

	numTransactions util.AtomicInt
	numSyncs        util.AtomicInt
}

var _ namespace.EditLog = &Journal{}
var _ namespace.Replayer = &Journal{}

func (self Journal) Init() *Journal {
	self.lock = util.OrderedMutex{Name: "journal", Rank: util.RankLeaf}
	self.txid = self.Storage.LastSequence()
	return &self
}

func (self *Journal) Log(op *namespace.Op) {
	var buf []byte
	if err := codec.NewEncoderBytes(&buf, &self.handle).Encode(op); err != nil {
		log.Panicf("encode %v: %v", op.Type, err)
	}
	defer self.lock.Locked()()
	self.pending = append(self.pending, buf)
}

// LogSync writes out everything logged so far.
func (self *Journal) LogSync() error {
	defer self.lock.Locked()()
	if len(self.pending) == 0 {
		return nil
	}
	for i, rec := range self.pending {
		if err := self.Storage.Append(self.txid+1, rec); err != nil {
			self.pending = self.pending[i:]
			return err
		}
		self.txid++
		self.numTransactions.Add(1)
	}
	mlog.Printf2("editlog/journal", "LogSync %d records, txid %d", len(self.pending), self.txid)
	self.pending = nil
	self.numSyncs.Add(1)
	return nil
}

// Replay decodes every stored record in order.
func (self *Journal) Replay(cb func(op *namespace.Op) error) error {
	return self.Storage.Iterate(1, func(seq uint64, data []byte) error {
		var op namespace.Op
		if err := codec.NewDecoderBytes(data, &self.handle).Decode(&op); err != nil {
			return err
		}
		return cb(&op)
	})
}

// LastTxID is the id of the last durable transaction.
func (self *Journal) LastTxID() uint64 {
	defer self.lock.Locked()()
	return self.txid
}

func (self *Journal) NumTransactions() int64 {
	return self.numTransactions.Get()
}

func (self *Journal) NumSyncs() int64 {
	return self.numSyncs.Get()
}

func (self *Journal) Close() {
	self.Storage.Close()
}

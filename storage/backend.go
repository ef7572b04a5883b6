/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2018 Markus Stenberg
 *
 * Created:       Fri Jan  5 11:14:11 2018 mstenber
 * Last modified: Wed Feb 13 11:02:31 2019 mstenber
 * Edit time:     31 min
 *
 */

// storage provides append-only record logs on top of key-value
// stores. The coordinator journal is the only user; records are
// opaque byte slices keyed by a dense, increasing sequence number.
package storage

import (
	"errors"

	"github.com/fingon/go-blockmaster/codec"
	"github.com/fingon/go-blockmaster/util"
)

var ErrNotFound = errors.New("storage: record not found")

type BackendConfiguration struct {
	// Directory is where on-disk backends keep their files.
	Directory string

	// NoSync turns off per-append durability (tests only).
	NoSync bool
}

// IterateCallback is called for each record in sequence order;
// returning an error stops the iteration and is passed through.
type IterateCallback func(seq uint64, data []byte) error

// Backend is the shadow behind the throne; it actually stores the
// records. Append must be durable (unless NoSync) when it returns.
type Backend interface {
	Init(config BackendConfiguration)

	// Close the backend
	Close()

	// Append stores record seq; seq must be LastSequence()+1.
	Append(seq uint64, data []byte) error

	// Get returns record seq, or ErrNotFound.
	Get(seq uint64) ([]byte, error)

	// Iterate calls cb for every record >= from.
	Iterate(from uint64, cb IterateCallback) error

	// LastSequence returns the highest stored sequence number (0 if
	// empty).
	LastSequence() uint64
}

// Storage is the codec-applying layer on top of a Backend. The
// sequence number is used as the additional data of the codec, so a
// record moved to another position fails to decode.
type Storage struct {
	Backend Backend
	Codec   codec.Codec
}

func (self Storage) Init() *Storage {
	if self.Codec == nil {
		self.Codec = &codec.CodecChain{}
	}
	return &self
}

func seqAD(seq uint64) []byte {
	return util.Uint64Bytes(seq)
}

func (self *Storage) Append(seq uint64, data []byte) error {
	enc, err := self.Codec.EncodeBytes(data, seqAD(seq))
	if err != nil {
		return err
	}
	return self.Backend.Append(seq, enc)
}

func (self *Storage) Get(seq uint64) ([]byte, error) {
	data, err := self.Backend.Get(seq)
	if err != nil {
		return nil, err
	}
	return self.Codec.DecodeBytes(data, seqAD(seq))
}

func (self *Storage) Iterate(from uint64, cb IterateCallback) error {
	return self.Backend.Iterate(from, func(seq uint64, data []byte) error {
		dec, err := self.Codec.DecodeBytes(data, seqAD(seq))
		if err != nil {
			return err
		}
		return cb(seq, dec)
	})
}

func (self *Storage) LastSequence() uint64 {
	return self.Backend.LastSequence()
}

func (self *Storage) Close() {
	self.Backend.Close()
}

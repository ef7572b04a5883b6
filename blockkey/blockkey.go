/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Tue Feb 12 11:15:02 2019 mstenber
 * Last modified: Wed Feb 13 09:12:40 2019 mstenber
 * Edit time:     71 min
 *
 */

// blockkey manages the rotating secrets that storage nodes use to
// verify block access tokens handed to clients.
//
// The coordinator rotates the key set every KeyUpdateInterval; the
// heartbeat of every live node then carries KEY_UPDATE with the
// exported keys. Tokens are CMAC-authenticated identifiers.
package blockkey

import (
	"bytes"
	"crypto/rand"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/fingon/go-blockmaster/block"
	"github.com/fingon/go-blockmaster/mlog"
	"github.com/fingon/go-blockmaster/util"
	"github.com/jacobsa/crypto/cmac"
	"github.com/minio/sha256-simd"
	"github.com/ugorji/go/codec"
	"golang.org/x/crypto/pbkdf2"
)

const keyIterations = 4096

type AccessMode uint8

const (
	ModeRead AccessMode = 1 << iota
	ModeWrite
	ModeCopy
	ModeReplace
)

type Key struct {
	ID     int32
	Expiry time.Time
	Secret []byte
}

// ExportedKeys is the KEY_UPDATE payload (and part of the
// registration response).
type ExportedKeys struct {
	Enabled           bool
	KeyUpdateInterval time.Duration
	TokenLifetime     time.Duration
	CurrentKey        Key
	AllKeys           []Key
}

type TokenIdentifier struct {
	Expiry  int64
	KeyID   int32
	User    string
	BlockID int64
	Modes   AccessMode
}

type Token struct {
	Identifier []byte
	Password   []byte
}

var ErrInvalidToken = errors.New("invalid block token")

type Manager struct {
	KeyUpdateInterval time.Duration
	TokenLifetime     time.Duration

	// Password is the master secret keys are derived from. Random
	// if not set.
	Password []byte

	lock    util.OrderedMutex
	serial  int32
	current Key
	keys    map[int32]Key
	handle  codec.MsgpackHandle
}

func (self Manager) Init() *Manager {
	if self.KeyUpdateInterval == 0 {
		self.KeyUpdateInterval = 600 * time.Minute
	}
	if self.TokenLifetime == 0 {
		self.TokenLifetime = 600 * time.Minute
	}
	if self.Password == nil {
		self.Password = make([]byte, 32)
		if _, err := rand.Read(self.Password); err != nil {
			log.Panic(err)
		}
	}
	self.lock = util.OrderedMutex{Name: "blockkey", Rank: util.RankLeaf}
	self.keys = make(map[int32]Key)
	return &self
}

func (self *Manager) newKey(now time.Time) Key {
	self.serial++
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		log.Panic(err)
	}
	secret := pbkdf2.Key(self.Password, salt, keyIterations, 32, sha256.New)
	// A key stays valid for verification for two update intervals
	// plus the lifetime of tokens minted with it.
	expiry := now.Add(2*self.KeyUpdateInterval + self.TokenLifetime)
	return Key{ID: self.serial, Expiry: expiry, Secret: secret}
}

// UpdateKeys rotates the current key and drops expired ones.
func (self *Manager) UpdateKeys(now time.Time) {
	defer self.lock.Locked()()
	for id, k := range self.keys {
		if !k.Expiry.After(now) {
			delete(self.keys, id)
		}
	}
	self.current = self.newKey(now)
	self.keys[self.current.ID] = self.current
	mlog.Printf2("blockkey/blockkey", "UpdateKeys: current %d, %d keys", self.current.ID, len(self.keys))
}

func (self *Manager) ExportKeys() *ExportedKeys {
	defer self.lock.Locked()()
	ek := &ExportedKeys{Enabled: true,
		KeyUpdateInterval: self.KeyUpdateInterval,
		TokenLifetime:     self.TokenLifetime,
		CurrentKey:        self.current}
	for _, k := range self.keys {
		ek.AllKeys = append(ek.AllKeys, k)
	}
	return ek
}

func (self *Manager) mac(secret, data []byte) []byte {
	h, err := cmac.New(secret)
	if err != nil {
		log.Panic(err)
	}
	h.Write(data)
	return h.Sum(nil)
}

func (self *Manager) GenerateToken(now time.Time, user string, b block.Block, modes AccessMode) (*Token, error) {
	defer self.lock.Locked()()
	if self.current.Secret == nil {
		return nil, errors.New("no block keys available")
	}
	ti := TokenIdentifier{Expiry: now.Add(self.TokenLifetime).UnixNano(),
		KeyID: self.current.ID, User: user, BlockID: b.ID, Modes: modes}
	var buf []byte
	if err := codec.NewEncoderBytes(&buf, &self.handle).Encode(&ti); err != nil {
		return nil, err
	}
	return &Token{Identifier: buf, Password: self.mac(self.current.Secret, buf)}, nil
}

// CheckToken verifies the token grants mode on b to user at now.
func (self *Manager) CheckToken(now time.Time, token *Token, user string, b block.Block, mode AccessMode) error {
	defer self.lock.Locked()()
	var ti TokenIdentifier
	if err := codec.NewDecoderBytes(token.Identifier, &self.handle).Decode(&ti); err != nil {
		return err
	}
	k, ok := self.keys[ti.KeyID]
	if !ok {
		return fmt.Errorf("%w: unknown key %d", ErrInvalidToken, ti.KeyID)
	}
	if !bytes.Equal(self.mac(k.Secret, token.Identifier), token.Password) {
		return fmt.Errorf("%w: bad password", ErrInvalidToken)
	}
	if now.UnixNano() > ti.Expiry {
		return fmt.Errorf("%w: expired", ErrInvalidToken)
	}
	if ti.User != user || ti.BlockID != b.ID || ti.Modes&mode == 0 {
		return fmt.Errorf("%w: not valid for %s %v by %s", ErrInvalidToken, b, mode, user)
	}
	return nil
}

/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2018 Markus Stenberg
 *
 * Created:       Fri Jan  5 12:22:52 2018 mstenber
 * Last modified: Wed Feb 13 12:05:44 2019 mstenber
 * Edit time:     48 min
 *
 */

package factory

import (
	"fmt"
	"sort"

	"github.com/fingon/go-blockmaster/codec"
	"github.com/fingon/go-blockmaster/mlog"
	"github.com/fingon/go-blockmaster/storage"
	"github.com/fingon/go-blockmaster/storage/badger"
	"github.com/fingon/go-blockmaster/storage/bolt"
	"github.com/fingon/go-blockmaster/storage/inmemory"
)

type factoryCallback func() storage.Backend

var backendFactories = map[string]factoryCallback{
	"inmemory": func() storage.Backend {
		return inmemory.NewInMemoryBackend()
	},
	"badger": func() storage.Backend {
		return badger.NewBadgerBackend()
	},
	"bolt": func() storage.Backend {
		return bolt.NewBoltBackend()
	}}

func List() []string {
	keys := make([]string, 0, len(backendFactories))
	for k := range backendFactories {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func New(name, dir string) (storage.Backend, error) {
	var config storage.BackendConfiguration
	config.Directory = dir
	return NewWithConfig(name, config)
}

func NewWithConfig(name string, config storage.BackendConfiguration) (storage.Backend, error) {
	mlog.Printf2("storage/factory/factory", "f.NewWithConfig %v %v", name, config)
	cb, ok := backendFactories[name]
	if !ok {
		return nil, fmt.Errorf("unknown storage backend %q (known: %v)", name, List())
	}
	be := cb()
	be.Init(config)
	return be, nil
}

type StorageConfiguration struct {
	storage.BackendConfiguration
	BackendName string

	// Password enables record authentication (or encryption, if
	// Encrypt is set).
	Password, Salt string
	Encrypt        bool
	Iterations     int

	// Compression is "lz4" (default) or "snappy".
	Compression string
}

func NewStorage(config StorageConfiguration) (*storage.Storage, error) {
	mlog.Printf2("storage/factory/factory", "f.NewStorage")
	iterations := config.Iterations
	if iterations == 0 {
		iterations = 12345
	}
	salt := config.Salt
	if salt == "" {
		salt = "asdf"
	}
	c2 := &codec.CompressingCodec{Algorithm: config.Compression}
	var c *codec.CodecChain
	switch {
	case config.Password != "" && config.Encrypt:
		mlog.Printf2("storage/factory/factory", " with encryption + compression")
		c1 := codec.EncryptingCodec{}.Init([]byte(config.Password), []byte(salt), iterations)
		c = codec.CodecChain{}.Init(c1, c2)
	case config.Password != "":
		mlog.Printf2("storage/factory/factory", " with authentication + compression")
		c1 := codec.AuthenticatingCodec{}.Init([]byte(config.Password), []byte(salt), iterations)
		c = codec.CodecChain{}.Init(c1, c2)
	default:
		mlog.Printf2("storage/factory/factory", " only compression")
		c = codec.CodecChain{}.Init(c2)
	}
	be, err := NewWithConfig(config.BackendName, config.BackendConfiguration)
	if err != nil {
		return nil, err
	}
	return storage.Storage{Backend: be, Codec: c}.Init(), nil
}

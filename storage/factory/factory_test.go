/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2018 Markus Stenberg
 *
 * Created:       Fri Jan  5 16:28:57 2018 mstenber
 * Last modified: Wed Feb 13 12:27:02 2019 mstenber
 * Edit time:     31 min
 *
 */

package factory

import (
	"errors"
	"fmt"
	"testing"

	"github.com/fingon/go-blockmaster/storage"
	"github.com/stvp/assert"
)

func TestList(t *testing.T) {
	t.Parallel()
	assert.Equal(t, len(List()), len(backendFactories))
	assert.Equal(t, List(), []string{"badger", "bolt", "inmemory"})
	_, err := New("nope", "")
	assert.True(t, err != nil)
}

func ProdBackend(t *testing.T, name string) {
	config := storage.BackendConfiguration{Directory: t.TempDir(), NoSync: true}
	be, err := NewWithConfig(name, config)
	assert.Nil(t, err)
	assert.Equal(t, be.LastSequence(), uint64(0))
	_, err = be.Get(1)
	assert.Equal(t, err, storage.ErrNotFound)

	for i := 1; i <= 5; i++ {
		err = be.Append(uint64(i), []byte(fmt.Sprintf("r%d", i)))
		assert.Nil(t, err)
	}
	assert.True(t, be.Append(7, []byte("gap")) != nil)
	assert.Equal(t, be.LastSequence(), uint64(5))

	v, err := be.Get(3)
	assert.Nil(t, err)
	assert.Equal(t, string(v), "r3")

	var seen []uint64
	err = be.Iterate(2, func(seq uint64, data []byte) error {
		assert.Equal(t, string(data), fmt.Sprintf("r%d", seq))
		seen = append(seen, seq)
		return nil
	})
	assert.Nil(t, err)
	assert.Equal(t, seen, []uint64{2, 3, 4, 5})

	stop := errors.New("stop")
	err = be.Iterate(0, func(seq uint64, data []byte) error {
		return stop
	})
	assert.Equal(t, err, stop)

	if name == "inmemory" {
		be.Close()
		return
	}

	// On-disk backends remember where they were
	be.Close()
	be, err = NewWithConfig(name, config)
	assert.Nil(t, err)
	assert.Equal(t, be.LastSequence(), uint64(5))
	assert.Nil(t, be.Append(6, []byte("r6")))
	be.Close()
}

func TestBackends(t *testing.T) {
	t.Parallel()
	for _, name := range List() {
		name := name
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ProdBackend(t, name)
		})
	}
}

func TestStorage(t *testing.T) {
	t.Parallel()
	add := func(name string, config StorageConfiguration) {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			config.BackendName = "inmemory"
			config.Iterations = 16
			s, err := NewStorage(config)
			assert.Nil(t, err)
			defer s.Close()
			assert.Nil(t, s.Append(1, []byte("first")))
			assert.Nil(t, s.Append(2, []byte("second")))
			v, err := s.Get(2)
			assert.Nil(t, err)
			assert.Equal(t, string(v), "second")

			n := 0
			err = s.Iterate(1, func(seq uint64, data []byte) error {
				n++
				return nil
			})
			assert.Nil(t, err)
			assert.Equal(t, n, 2)

			if config.Password == "" {
				return
			}
			// Swapping records is detected
			r1, _ := s.Backend.Get(1)
			r2, _ := s.Backend.Get(2)
			be := s.Backend
			s.Backend = backendFactories["inmemory"]()
			s.Backend.Append(1, r2)
			s.Backend.Append(2, r1)
			_, err = s.Get(1)
			assert.True(t, err != nil)
			s.Backend = be
		})
	}
	add("plain", StorageConfiguration{})
	add("snappy", StorageConfiguration{Compression: "snappy"})
	add("auth", StorageConfiguration{Password: "pw"})
	add("encrypt", StorageConfiguration{Password: "pw", Encrypt: true})
}

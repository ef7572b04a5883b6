/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2018 Markus Stenberg
 *
 * Created:       Thu Jan  4 12:21:40 2018 mstenber
 * Last modified: Tue Feb 12 09:41:10 2019 mstenber
 * Edit time:     74 min
 *
 */

package util

import (
	"log"
	"os"
	"sync"
	"sync/atomic"

	"github.com/fingon/go-blockmaster/util/gid"
)

// MutexLocked is sync.Mutex with convenience features (just defer
// x.Locked()()).
type MutexLocked sync.Mutex

func (self *MutexLocked) Locked() (unlock func()) {
	mut := (*sync.Mutex)(self)
	mut.Lock()
	return func() {
		mut.Unlock()
	}
}

// Lock ranks used by the coordinator. Locks must be acquired in
// increasing rank order; leaf locks must not be held while taking
// anything else.
const (
	RankNamesystem = 10
	RankHeartbeats = 20
	RankNodeMap    = 30
	RankNamespace  = 35
	RankLeaf       = 40
)

// OrderedMutex is a mutex that knows its position in the global lock
// order. When lock order checking is enabled, acquiring it while the
// same goroutine holds a lock of equal or higher rank panics.
type OrderedMutex struct {
	Name string
	Rank int

	mut sync.Mutex
}

var checkOrder int32

var heldMutex sync.Mutex

// goroutine id -> stack of held ordered mutexes
var held = make(map[uint64][]*OrderedMutex)

func init() {
	if os.Getenv("LOCKORDER") != "" {
		checkOrder = 1
	}
}

// SetLockOrderChecking enables or disables the (slow) lock order
// verification. The returned function restores the previous state.
func SetLockOrderChecking(enabled bool) (undo func()) {
	var v int32
	if enabled {
		v = 1
	}
	old := atomic.SwapInt32(&checkOrder, v)
	return func() {
		atomic.StoreInt32(&checkOrder, old)
	}
}

func (self *OrderedMutex) Lock() {
	if atomic.LoadInt32(&checkOrder) == 0 {
		self.mut.Lock()
		return
	}
	g := gid.GetGoroutineID()
	heldMutex.Lock()
	stack := held[g]
	if len(stack) > 0 {
		top := stack[len(stack)-1]
		if top.Rank >= self.Rank {
			heldMutex.Unlock()
			log.Panicf("lock order violation: %s(%d) taken while holding %s(%d)",
				self.Name, self.Rank, top.Name, top.Rank)
		}
	}
	heldMutex.Unlock()
	self.mut.Lock()
	heldMutex.Lock()
	held[g] = append(held[g], self)
	heldMutex.Unlock()
}

func (self *OrderedMutex) Unlock() {
	if atomic.LoadInt32(&checkOrder) != 0 {
		g := gid.GetGoroutineID()
		heldMutex.Lock()
		stack := held[g]
		for i := len(stack) - 1; i >= 0; i-- {
			if stack[i] == self {
				stack = append(stack[:i], stack[i+1:]...)
				break
			}
		}
		if len(stack) == 0 {
			delete(held, g)
		} else {
			held[g] = stack
		}
		heldMutex.Unlock()
	}
	self.mut.Unlock()
}

func (self *OrderedMutex) Locked() (unlock func()) {
	self.Lock()
	return func() {
		self.Unlock()
	}
}

// HeldBy reports whether the calling goroutine holds the mutex. It is
// only meaningful with lock order checking enabled; otherwise it
// returns true so that assertions built on it stay quiet.
func (self *OrderedMutex) HeldBy() bool {
	if atomic.LoadInt32(&checkOrder) == 0 {
		return true
	}
	g := gid.GetGoroutineID()
	heldMutex.Lock()
	defer heldMutex.Unlock()
	for _, m := range held[g] {
		if m == self {
			return true
		}
	}
	return false
}

/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2018 Markus Stenberg
 *
 * Created:       Wed Mar 21 11:19:49 2018 mstenber
 * Last modified: Tue Feb 12 10:07:33 2019 mstenber
 * Edit time:     9 min
 *
 */

package util

import "sync/atomic"

// AtomicInt is an int64 counter that may be read without holding the
// lock of the structure it lives in (e.g. for metrics snapshots).
type AtomicInt int64

func (self *AtomicInt) Get() int64 {
	return atomic.LoadInt64((*int64)(self))
}

func (self *AtomicInt) GetInt() int {
	return int(self.Get())
}

func (self *AtomicInt) Add(value int64) int64 {
	return atomic.AddInt64((*int64)(self), value)
}

func (self *AtomicInt) AddInt(value int) int {
	return int(self.Add(int64(value)))
}

func (self *AtomicInt) Set(value int64) {
	atomic.StoreInt64((*int64)(self), value)
}

func (self *AtomicInt) SetInt(value int) {
	self.Set(int64(value))
}

// Swap stores value and returns the previous one.
func (self *AtomicInt) Swap(value int64) int64 {
	return atomic.SwapInt64((*int64)(self), value)
}

type AtomicBool int32

func (self *AtomicBool) Get() bool {
	return atomic.LoadInt32((*int32)(self)) != 0
}

func (self *AtomicBool) Set(value bool) {
	var v int32
	if value {
		v = 1
	}
	atomic.StoreInt32((*int32)(self), v)
}

/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2018 Markus Stenberg
 *
 * Created:       Mon Jan  8 10:19:05 2018 mstenber
 * Last modified: Tue Feb 12 10:21:14 2019 mstenber
 * Edit time:     6 min
 *
 */

package util

import (
	"sync"
	"time"
)

type SimpleWaitGroup struct {
	sync.WaitGroup
}

func (self *SimpleWaitGroup) Go(cb func()) {
	self.Add(1)
	go func() {
		defer self.Done()
		cb()
	}()
}

// WaitTimeout waits for the group for at most d. It returns false if
// the timeout fired first; the stragglers are left running.
func (self *SimpleWaitGroup) WaitTimeout(d time.Duration) bool {
	return WaitTimeout(self.Wait, d)
}

// WaitTimeout runs the blocking wait function in the background and
// returns true if it completed within d.
func WaitTimeout(wait func(), d time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wait()
		close(done)
	}()
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	}
}

/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Mon Feb 25 09:12:40 2019 mstenber
 * Last modified: Mon Feb 25 11:02:31 2019 mstenber
 * Edit time:     63 min
 *
 */

// task runs the coordinator's background loops: each loop is a
// goroutine that can be cancelled, and Stop waits for them only for a
// bounded time.
package task

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/fingon/go-blockmaster/mlog"
	"github.com/fingon/go-blockmaster/util"
	"golang.org/x/sync/errgroup"
)

const DefaultJoinTimeout = 5 * time.Second

// Policy says what happens when a task iteration fails.
type Policy int

const (
	// Continue logs the failure and keeps looping.
	Continue Policy = iota
	// Fatal calls the supervisor's fatal hook and stops the task.
	Fatal
)

var ErrStopped = errors.New("supervisor stopped")

type Supervisor struct {
	JoinTimeout time.Duration

	// FatalHook is called for failures of Fatal tasks (default
	// log.Fatalf).
	FatalHook func(format string, args ...interface{})

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group

	lock    util.MutexLocked
	stopped bool
	running util.AtomicInt
}

func (self Supervisor) Init(ctx context.Context) *Supervisor {
	if self.JoinTimeout <= 0 {
		self.JoinTimeout = DefaultJoinTimeout
	}
	if self.FatalHook == nil {
		self.FatalHook = log.Fatalf
	}
	ctx, self.cancel = context.WithCancel(ctx)
	self.group, self.ctx = errgroup.WithContext(ctx)
	return &self
}

// Context is cancelled when the supervisor stops (or a Fatal task
// fails).
func (self *Supervisor) Context() context.Context {
	return self.ctx
}

// Running is the number of tasks not yet returned.
func (self *Supervisor) Running() int {
	return self.running.GetInt()
}

// run calls fn once, turning a panic into an error.
func run(ctx context.Context, name string, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s panicked: %v", name, r)
		}
	}()
	return fn(ctx)
}

// failed handles an iteration error; returns non-nil if the task
// should end.
func (self *Supervisor) failed(name string, policy Policy, err error) error {
	if err == nil || errors.Is(err, context.Canceled) {
		return nil
	}
	if policy == Fatal {
		self.FatalHook("%s failed: %v", name, err)
		return err
	}
	mlog.Errorf("task/task", "%s: %v", name, err)
	return nil
}

func (self *Supervisor) spawn(name string, cb func(ctx context.Context) error) error {
	defer self.lock.Locked()()
	if self.stopped {
		return ErrStopped
	}
	self.running.Add(1)
	self.group.Go(func() error {
		defer self.running.Add(-1)
		mlog.Printf2("task/task", "%s starting", name)
		err := cb(self.ctx)
		mlog.Printf2("task/task", "%s done: %v", name, err)
		return err
	})
	return nil
}

// Go runs fn once in the background.
func (self *Supervisor) Go(name string, policy Policy, fn func(ctx context.Context) error) error {
	return self.spawn(name, func(ctx context.Context) error {
		return self.failed(name, policy, run(ctx, name, fn))
	})
}

// Every runs fn, then again every interval until the context is
// cancelled.
func (self *Supervisor) Every(name string, interval time.Duration, policy Policy, fn func(ctx context.Context) error) error {
	return self.spawn(name, func(ctx context.Context) error {
		timer := time.NewTimer(0)
		defer timer.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-timer.C:
			}
			if err := self.failed(name, policy, run(ctx, name, fn)); err != nil {
				return err
			}
			timer.Reset(interval)
		}
	})
}

// Stop cancels every task and waits at most JoinTimeout for them.
// Returns false if some did not finish in time.
func (self *Supervisor) Stop() bool {
	func() {
		defer self.lock.Locked()()
		self.stopped = true
	}()
	self.cancel()
	ok := util.WaitTimeout(func() { self.group.Wait() }, self.JoinTimeout)
	if !ok {
		mlog.Warnf("task/task", "%d task(s) did not stop within %v", self.Running(), self.JoinTimeout)
	}
	return ok
}

/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Mon Feb 25 11:10:02 2019 mstenber
 * Last modified: Mon Feb 25 12:01:40 2019 mstenber
 * Edit time:     34 min
 *
 */

package task

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/fingon/go-blockmaster/util"
	"github.com/stvp/assert"
)

func TestEvery(t *testing.T) {
	t.Parallel()
	s := Supervisor{}.Init(context.Background())
	var n util.AtomicInt
	done := make(chan struct{})
	s.Every("counter", time.Millisecond, Continue, func(ctx context.Context) error {
		if n.Add(1) == 3 {
			close(done)
		}
		if n.Get() == 2 {
			return errors.New("transient")
		}
		if n.Get() == 4 {
			panic("also transient")
		}
		return nil
	})
	<-done
	assert.True(t, s.Stop())
	assert.Equal(t, s.Running(), 0)
	assert.Equal(t, s.Go("late", Continue, func(ctx context.Context) error { return nil }), ErrStopped)
}

func TestFatal(t *testing.T) {
	t.Parallel()
	var fatal string
	s := Supervisor{FatalHook: func(format string, args ...interface{}) {
		fatal = fmt.Sprintf(format, args...)
	}}.Init(context.Background())
	s.Every("sibling", time.Hour, Continue, func(ctx context.Context) error { return nil })
	s.Go("replication", Fatal, func(ctx context.Context) error {
		panic("boom")
	})
	// The failure cancels the siblings too
	<-s.Context().Done()
	assert.True(t, s.Stop())
	assert.Equal(t, fatal, "replication failed: replication panicked: boom")
}

func TestStopTimeout(t *testing.T) {
	t.Parallel()
	s := Supervisor{JoinTimeout: 10 * time.Millisecond}.Init(context.Background())
	release := make(chan struct{})
	s.Go("stubborn", Continue, func(ctx context.Context) error {
		<-release
		return nil
	})
	assert.True(t, !s.Stop())
	assert.Equal(t, s.Running(), 1)
	close(release)
}

/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Fri Feb 22 13:30:45 2019 mstenber
 * Last modified: Fri Feb 22 14:12:11 2019 mstenber
 * Edit time:     36 min
 *
 */

package safemode

import (
	"strings"
	"testing"
	"time"

	"github.com/stvp/assert"
)

var t0 = time.Unix(5000, 0)

func TestStartupNoBlocks(t *testing.T) {
	t.Parallel()
	g := Gate{Config: Config{Threshold: 0.95}}.Init()
	assert.True(t, !g.IsOn())
	assert.Equal(t, g.SetBlockTotal(0, t0, 0), ActionLeave)
	assert.True(t, !g.Leave())
	assert.True(t, !g.Active())
}

func TestStartupImmediateLeave(t *testing.T) {
	t.Parallel()
	g := Gate{Config: Config{Threshold: 1}}.Init()
	assert.Equal(t, g.SetBlockTotal(2, t0, 1), ActionNone)
	assert.True(t, g.IsOn())
	assert.True(t, g.IsStartup())
	assert.True(t, strings.HasPrefix(g.TurnOffTip(t0, 1), "The reported blocks is only 0 but the threshold is 1.0000 and the total blocks 2."))
	assert.Equal(t, g.IncrementSafeBlockCount(1, t0, 1), ActionNone)
	// Extra replicas do not count twice
	assert.Equal(t, g.IncrementSafeBlockCount(2, t0, 1), ActionNone)
	assert.Equal(t, g.BlockSafe(), 1)
	assert.Equal(t, g.IncrementSafeBlockCount(1, t0, 1), ActionLeave)
	assert.True(t, g.IsConsistent(2))
	assert.True(t, g.Leave())
	assert.True(t, !g.IsOn())
	assert.Equal(t, g.TurnOffTip(t0, 1), "Safe mode is OFF")
	// Gate no longer tracks anything
	assert.Equal(t, g.DecrementSafeBlockCount(0, t0, 1), ActionNone)
}

func TestExtension(t *testing.T) {
	t.Parallel()
	g := Gate{Config: Config{Threshold: 0.5, Extension: 30 * time.Second,
		DatanodeThreshold: 2}}.Init()
	assert.Equal(t, g.SetBlockTotal(2, t0, 1), ActionNone)
	assert.Equal(t, g.IncrementSafeBlockCount(1, t0, 1), ActionNone)
	tip := g.TurnOffTip(t0, 1)
	assert.True(t, strings.Contains(tip, "needs an additional 1 live datanodes"))
	assert.Equal(t, g.CheckMode(t0, 2), ActionStartExtension)
	assert.Equal(t, g.CheckMode(t0, 2), ActionNone)
	assert.True(t, strings.HasSuffix(g.TurnOffTip(t0.Add(10*time.Second), 2), "automatically in 20 seconds."))

	assert.True(t, !g.CanLeave(t0.Add(10*time.Second), 2))
	// Losing a safe block during the extension restarts it
	assert.Equal(t, g.DecrementSafeBlockCount(0, t0.Add(20*time.Second), 2), ActionNone)
	assert.True(t, !g.CanLeave(t0.Add(40*time.Second), 2))
	assert.Equal(t, g.IncrementSafeBlockCount(1, t0.Add(40*time.Second), 2), ActionStartExtension)
	assert.True(t, !g.CanLeave(t0.Add(50*time.Second), 2))
	assert.True(t, g.CanLeave(t0.Add(71*time.Second), 2))
	assert.True(t, !g.CanLeave(t0.Add(71*time.Second), 1))
}

func TestManual(t *testing.T) {
	t.Parallel()
	g := Gate{Config: Config{Threshold: 0.5}}.Init()
	g.SetBlockTotal(0, t0, 0)
	g.Leave()

	g.Enter(t0, 3)
	assert.True(t, g.IsOn())
	assert.True(t, g.IsManual())
	assert.True(t, !g.IsStartup())
	assert.True(t, !g.Tracking())
	assert.Equal(t, g.CheckMode(t0, 3), ActionNone)
	assert.True(t, !g.CanLeave(t0.Add(time.Hour), 3))
	assert.Equal(t, g.TurnOffTip(t0, 3), "Use \"blockmaster -safemode leave\" to turn safe mode off.")
	assert.True(t, g.IsConsistent(10))
	assert.True(t, g.Leave())

	// Manual on top of startup keeps counting but never leaves by
	// itself
	g = Gate{Config: Config{Threshold: 1}}.Init()
	g.SetBlockTotal(1, t0, 1)
	g.Enter(t0, 1)
	assert.Equal(t, g.IncrementSafeBlockCount(1, t0, 1), ActionNone)
	assert.True(t, g.IsOn())
	assert.Equal(t, g.BlockSafe(), 1)
	assert.True(t, strings.HasPrefix(g.String(), "Current safe block ratio = 1."))
}

func TestActionString(t *testing.T) {
	t.Parallel()
	assert.Equal(t, ActionLeave.String(), "Leave")
	assert.Equal(t, Action(42).String(), "Action(42)")
}

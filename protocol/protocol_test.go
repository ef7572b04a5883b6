/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Wed Feb 13 09:41:12 2019 mstenber
 * Last modified: Wed Feb 13 09:45:50 2019 mstenber
 * Edit time:     3 min
 *
 */

package protocol

import (
	"testing"

	"github.com/fingon/go-blockmaster/block"
	"github.com/stvp/assert"
)

func TestDatanodeID(t *testing.T) {
	t.Parallel()
	assert.Equal(t, DatanodeID{Name: "10.0.0.1:50010"}.Host(), "10.0.0.1")
	assert.Equal(t, DatanodeID{Name: "[::1]:50010"}.Host(), "::1")
	assert.Equal(t, DatanodeID{Name: "plain"}.Host(), "plain")
}

func TestCommandString(t *testing.T) {
	t.Parallel()
	c := &Command{Action: ActionInvalidate, Blocks: []block.Block{{ID: 1}}}
	assert.Equal(t, c.String(), "INVALIDATE(1 blocks)")
	assert.Equal(t, RegisterCommand.String(), "REGISTER")
	assert.Equal(t, Action(99).String(), "Action(99)")
	assert.Equal(t, CompleteStillWaiting.String(), "STILL_WAITING")
}

/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Mon Feb 18 10:41:30 2019 mstenber
 * Last modified: Mon Feb 18 11:30:12 2019 mstenber
 * Edit time:     41 min
 *
 */

package node

import (
	"io/ioutil"
	"path/filepath"
	"testing"
	"time"

	"github.com/fingon/go-blockmaster/block"
	"github.com/fingon/go-blockmaster/protocol"
	"github.com/fingon/go-blockmaster/util"
	"github.com/stvp/assert"
)

func newDescriptor(name, id string) *Descriptor {
	return NewDescriptor(&protocol.Registration{
		DatanodeID: protocol.DatanodeID{Name: name, StorageID: id}}, "/r1")
}

func TestDescriptorQueues(t *testing.T) {
	t.Parallel()
	d := newDescriptor("h1:1", "s1")
	t2 := newDescriptor("h2:1", "s2")
	assert.Equal(t, d.ReplicationCommand(10), (*protocol.Command)(nil))
	d.AddBlockToBeReplicated(block.Block{ID: 1}, []*Descriptor{t2})
	d.AddBlockToBeReplicated(block.Block{ID: 2}, []*Descriptor{t2})
	c := d.ReplicationCommand(1)
	assert.Equal(t, c.Action, protocol.ActionTransfer)
	assert.Equal(t, len(c.Blocks), 1)
	assert.Equal(t, c.Targets[0][0].StorageID, "s2")
	assert.Equal(t, d.NumBlocksToBeReplicated(), 1)

	d.AddBlocksToBeInvalidated([]block.Block{{ID: 3}, {ID: 4}, {ID: 5}})
	c = d.InvalidateCommand(2)
	assert.Equal(t, len(c.Blocks), 2)
	assert.Equal(t, d.NumBlocksToBeInvalidated(), 1)

	d.AddBlockToBeRecovered(block.Block{ID: 6}, []*Descriptor{d, t2})
	d.AddBlockToBeRecovered(block.Block{ID: 6}, []*Descriptor{d})
	c = d.LeaseRecoveryCommand(10)
	assert.Equal(t, c.Action, protocol.ActionRecoverLease)
	assert.Equal(t, len(c.Blocks), 1)
	assert.Equal(t, len(c.Targets[0]), 2)

	d.SetBalancerBandwidth(100)
	assert.Equal(t, d.TakeBalancerBandwidth(), int64(100))
	assert.Equal(t, d.TakeBalancerBandwidth(), int64(0))

	d.ResetBlocks()
	assert.Equal(t, d.NumBlocksToBeReplicated(), 0)
	assert.Equal(t, d.NumBlocksToBeInvalidated(), 0)
}

func TestBlocksScheduled(t *testing.T) {
	t.Parallel()
	d := newDescriptor("h1:1", "s1")
	now := time.Unix(1000, 0)
	d.UpdateHeartbeat(Usage{}, now)
	d.IncBlocksScheduled()
	d.IncBlocksScheduled()
	assert.Equal(t, d.BlocksScheduled(), 2)
	d.UpdateHeartbeat(Usage{}, now.Add(BlocksScheduledRollInterval+time.Second))
	d.IncBlocksScheduled()
	assert.Equal(t, d.BlocksScheduled(), 3)
	d.DecBlocksScheduled()
	assert.Equal(t, d.BlocksScheduled(), 2)
	d.UpdateHeartbeat(Usage{}, now.Add(3*BlocksScheduledRollInterval))
	assert.Equal(t, d.BlocksScheduled(), 1)
}

func TestAdminState(t *testing.T) {
	t.Parallel()
	d := newDescriptor("h1:1", "s1")
	now := time.Unix(1000, 0)
	assert.Equal(t, d.AdminState(), AdminNormal)
	d.StartDecommission(now)
	assert.True(t, d.IsDecommissionInProgress())
	assert.Equal(t, d.DecommissionStatus.StartTime, now)
	d.SetDecommissioned()
	assert.True(t, d.IsDecommissioned())
	assert.Equal(t, d.AdminState().String(), "Decommissioned")
	d.StopDecommission()
	assert.Equal(t, d.AdminState(), AdminNormal)
}

// Not parallel; enables lock order checking.
func TestRegistry(t *testing.T) {
	defer util.SetLockOrderChecking(true)()
	r := Registry{}.Init()
	now := time.Unix(1000, 0)
	d1 := newDescriptor("10.0.0.1:50010", "s1")
	d2 := newDescriptor("10.0.0.1:50011", "s2")
	r.Put(d1)
	r.Put(d2)
	assert.Equal(t, r.Size(), 2)
	assert.Equal(t, r.GetByStorageID("s2"), d2)
	assert.Equal(t, r.GetByName("10.0.0.1:50010"), d1)
	assert.Equal(t, len(r.GetByHost("10.0.0.1")), 2)

	assert.True(t, r.AddHeartbeat(d1, now))
	assert.True(t, !r.AddHeartbeat(d1, now))
	assert.True(t, r.AddHeartbeat(d2, now))
	assert.True(t, d1.IsAlive())
	r.UpdateHeartbeat(d1, Usage{Capacity: 100, DfsUsed: 10, Remaining: 90, XceiverCount: 2}, now)
	r.UpdateHeartbeat(d2, Usage{Capacity: 50, Remaining: 50}, now.Add(time.Minute))
	st := r.Stats()
	assert.Equal(t, st.CapacityTotal, int64(150))
	assert.Equal(t, st.CapacityRemaining, int64(140))
	assert.Equal(t, st.TotalLoad, int64(2))
	assert.Equal(t, st.NumLive, 2)

	dead := r.CheckHeartbeats(now.Add(time.Minute+time.Second), time.Minute, 30*time.Second)
	assert.Equal(t, dead, d1)
	assert.Equal(t, r.NumStaleNodes(), 1)
	assert.True(t, !r.RemoveIfExpired(d2, now.Add(time.Minute+time.Second), time.Minute))
	assert.True(t, r.RemoveIfExpired(d1, now.Add(time.Minute+time.Second), time.Minute))
	assert.True(t, !d1.IsAlive())
	st = r.Stats()
	assert.Equal(t, st.CapacityTotal, int64(50))
	assert.Equal(t, st.NumLive, 1)

	r.Rename(d2, func() { d2.Name = "10.0.0.2:50010" })
	assert.Equal(t, r.GetByName("10.0.0.2:50010"), d2)
	assert.Equal(t, len(r.GetByHost("10.0.0.1")), 1)

	r.Wipe(d1)
	assert.Equal(t, r.GetByStorageID("s1"), (*Descriptor)(nil))
	assert.Equal(t, len(r.Datanodes()), 1)
}

func TestHostsList(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	inc := filepath.Join(dir, "include")
	exc := filepath.Join(dir, "exclude")
	assert.Nil(t, ioutil.WriteFile(inc, []byte("10.0.0.1 # first\nhost2\n"), 0644))
	assert.Nil(t, ioutil.WriteFile(exc, []byte("10.0.0.1:50010\n"), 0644))

	h := HostsList{IncludeFile: inc, ExcludeFile: exc}.Init()
	d1 := newDescriptor("10.0.0.1:50010", "s1")
	d3 := newDescriptor("10.0.0.3:50010", "s3")
	assert.True(t, h.InHostsList(d1))
	assert.True(t, h.InHostsList(d3))
	assert.Nil(t, h.Refresh())
	assert.Equal(t, h.Includes(), []string{"10.0.0.1", "host2"})
	assert.True(t, h.InHostsList(d1))
	assert.True(t, !h.InHostsList(d3))
	d3.HostName = "host2"
	assert.True(t, h.InHostsList(d3))
	assert.True(t, h.InExcludedHostsList(d1))
	assert.True(t, !h.InExcludedHostsList(d3))

	h.IncludeFile = filepath.Join(dir, "missing")
	assert.True(t, h.Refresh() != nil)
	h.SetIncludes(nil)
	assert.True(t, h.InHostsList(d3))
}

/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Wed Feb 20 12:01:44 2019 mstenber
 * Last modified: Wed Feb 20 13:40:02 2019 mstenber
 * Edit time:     72 min
 *
 */

package replica

import (
	"bytes"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/fingon/go-blockmaster/block"
	"github.com/fingon/go-blockmaster/namespace"
	"github.com/fingon/go-blockmaster/node"
	"github.com/fingon/go-blockmaster/protocol"
	"github.com/stvp/assert"
)

func newDescriptor(i int) *node.Descriptor {
	return node.NewDescriptor(&protocol.Registration{
		DatanodeID: protocol.DatanodeID{
			Name:      fmt.Sprintf("h%d:50010", i),
			StorageID: fmt.Sprintf("s%d", i)}}, "/r1")
}

func TestDirectory(t *testing.T) {
	t.Parallel()
	dir := Directory{}.Init()
	d1 := newDescriptor(1)
	d2 := newDescriptor(2)
	f := &namespace.File{Path: "/f", Replication: 2}
	b := &block.Block{ID: 1, GenStamp: 1001, NumBytes: 10}
	f.Blocks = append(f.Blocks, b)
	assert.Equal(t, dir.AddINode(b, f), b)
	assert.Equal(t, dir.Size(), 1)
	assert.Equal(t, dir.GetINode(*b), f)

	// Adding is idempotent
	assert.True(t, dir.AddNode(*b, d1))
	assert.True(t, !dir.AddNode(*b, d1))
	assert.True(t, dir.AddNode(*b, d2))
	assert.Equal(t, dir.NumNodes(*b), 2)
	assert.Equal(t, dir.NumBlocks(d1), 1)
	assert.True(t, dir.Contains(*b, d2))

	// Stamp matching
	assert.Equal(t, dir.GetStoredBlock(block.Block{ID: 1, GenStamp: 1001}), b)
	assert.Equal(t, dir.GetStoredBlock(block.Block{ID: 1, GenStamp: 1002}), (*block.Block)(nil))
	assert.Equal(t, dir.GetStoredBlock(block.Block{ID: 1}), b)
	assert.Equal(t, dir.GetStoredBlockWithoutMatchingGS(block.Block{ID: 1, GenStamp: 7}), b)

	// Removal keeps the entry while the file refers to it
	assert.True(t, dir.RemoveNode(*b, d1))
	assert.True(t, !dir.RemoveNode(*b, d1))
	assert.True(t, dir.RemoveNode(*b, d2))
	assert.Equal(t, dir.Size(), 1)
	assert.Equal(t, dir.NumBlocks(d1), 0)

	// Orphaned replica disappears with its last holder
	dir.AddNode(*b, d1)
	dir.RemoveINode(*b)
	assert.Equal(t, dir.GetINode(*b), (*namespace.File)(nil))
	assert.Equal(t, dir.Size(), 1)
	dir.RemoveNode(*b, d1)
	assert.Equal(t, dir.Size(), 0)

	dir.AddINode(b, f)
	dir.AddNode(*b, d1)
	dir.RemoveBlock(*b)
	assert.Equal(t, dir.Size(), 0)
	assert.Equal(t, dir.NumBlocks(d1), 0)
}

func TestReportDiff(t *testing.T) {
	t.Parallel()
	dir := Directory{}.Init()
	d := newDescriptor(1)
	f := &namespace.File{Path: "/f", Replication: 1}
	uc := &namespace.File{Path: "/uc", Replication: 1,
		UC: &namespace.UnderConstruction{Holder: "c"}}
	b1 := &block.Block{ID: 1, GenStamp: 1001}
	b2 := &block.Block{ID: 2, GenStamp: 1001}
	b3 := &block.Block{ID: 3, GenStamp: 1001}
	b4 := &block.Block{ID: 4, GenStamp: 1005}
	f.Blocks = []*block.Block{b1, b2, b3}
	uc.Blocks = []*block.Block{b4}
	for _, b := range f.Blocks {
		dir.AddINode(b, f)
	}
	dir.AddINode(b4, uc)
	dir.AddNode(*b1, d)
	dir.AddNode(*b3, d)

	report := block.Report{
		{ID: 1, GenStamp: 1001},
		{ID: 2, GenStamp: 1001},
		{ID: 4, GenStamp: 1004},
		{ID: 9, GenStamp: 1001},
		{ID: 3, GenStamp: 999},
	}
	toAdd, toRemove, toInvalidate := dir.ReportDiff(d, report)
	assert.Equal(t, toAdd, []block.Block{{ID: 2, GenStamp: 1001}, {ID: 4, GenStamp: 1004}})
	assert.Equal(t, toRemove, []block.Block{*b3})
	assert.Equal(t, toInvalidate, []block.Block{{ID: 9, GenStamp: 1001}, {ID: 3, GenStamp: 999}})
}

func TestCorruptReplicas(t *testing.T) {
	t.Parallel()
	c := CorruptReplicas{}.Init()
	b := block.Block{ID: 5}
	assert.True(t, c.Add(b, "s1"))
	assert.True(t, !c.Add(b, "s1"))
	assert.True(t, c.Add(b, "s2"))
	c.Add(block.Block{ID: 7}, "s1")
	assert.Equal(t, c.NumCorruptReplicas(b), 2)
	assert.Equal(t, c.Nodes(b), []string{"s1", "s2"})
	assert.True(t, c.IsReplicaCorrupt(b, "s2"))
	assert.Equal(t, c.Size(), 2)
	after := int64(5)
	assert.Equal(t, c.Blocks(10, &after), []block.Block{{ID: 7}})
	assert.Equal(t, len(c.Blocks(1, nil)), 1)

	assert.True(t, c.RemoveNode(b, "s1"))
	assert.True(t, !c.RemoveNode(b, "s1"))
	assert.True(t, c.RemoveNode(b, "s2"))
	assert.Equal(t, c.Size(), 1)
	c.Remove(block.Block{ID: 7})
	assert.Equal(t, c.Size(), 0)
}

func TestPriority(t *testing.T) {
	t.Parallel()
	assert.Equal(t, Priority(0, 1, 3), LevelMissing)
	assert.Equal(t, Priority(0, 0, 3), LevelCorrupt)
	assert.Equal(t, Priority(1, 0, 3), LevelCritical)
	assert.Equal(t, Priority(2, 0, 3), LevelNormal)
	assert.Equal(t, Priority(3, 0, 3), LevelNone)
	assert.Equal(t, Priority(4, 0, 3), LevelNone)
	assert.Equal(t, Priority(1, 0, 2), LevelNormal)
}

func TestUnderReplicated(t *testing.T) {
	t.Parallel()
	q := UnderReplicated{}.Init()
	assert.True(t, q.Add(block.Block{ID: 1}, 1, 0, 3))
	assert.True(t, !q.Add(block.Block{ID: 1}, 2, 0, 3))
	assert.True(t, !q.Add(block.Block{ID: 2}, 3, 0, 3))
	assert.True(t, q.Add(block.Block{ID: 3}, 0, 0, 3))
	assert.True(t, q.Add(block.Block{ID: 4}, 2, 0, 3))
	assert.Equal(t, q.Size(), 3)
	assert.Equal(t, q.CorruptBlockSize(), 1)
	assert.Equal(t, q.Level(block.Block{ID: 1}), LevelCritical)

	// Gained a replica: critical -> normal
	q.Update(block.Block{ID: 1}, 2, 0, 3, 1, 0)
	assert.Equal(t, q.Level(block.Block{ID: 1}), LevelNormal)
	// Replication lowered: no longer needed
	q.Update(block.Block{ID: 4}, 2, 0, 2, 0, -1)
	assert.True(t, !q.Contains(block.Block{ID: 4}))
	assert.Equal(t, q.String(), "UnderReplicated{0 0 1 1}")

	assert.True(t, q.Remove(block.Block{ID: 3}))
	assert.True(t, !q.Remove(block.Block{ID: 3}))
	q.Clear()
	assert.Equal(t, q.Size(), 0)
}

func TestChooseBlocks(t *testing.T) {
	t.Parallel()
	q := UnderReplicated{}.Init()
	for i := 1; i <= 5; i++ {
		q.Add(block.Block{ID: int64(i)}, 1, 0, 2)
	}
	q.Add(block.Block{ID: 10}, 1, 0, 3)
	wraps := 0
	wrapped := func() { wraps++ }

	r := q.ChooseBlocks(4, wrapped)
	assert.Equal(t, r[LevelCritical], []block.Block{{ID: 10}})
	assert.Equal(t, len(r[LevelNormal]), 3)
	assert.Equal(t, wraps, 0)

	r = q.ChooseBlocks(4, wrapped)
	assert.Equal(t, wraps, 1)
	assert.Equal(t, r[LevelNormal], []block.Block{{ID: 4}, {ID: 5}, {ID: 1}})
	assert.Equal(t, r[LevelCritical], []block.Block{{ID: 10}})

	r = q.ChooseBlocks(100, wrapped)
	n := 0
	for _, l := range r {
		n += len(l)
	}
	assert.Equal(t, n, 6)

	empty := UnderReplicated{}.Init()
	r = empty.ChooseBlocks(3, wrapped)
	assert.Equal(t, len(r[LevelNormal]), 0)
}

func TestPending(t *testing.T) {
	t.Parallel()
	p := Pending{Timeout: time.Minute}.Init()
	now := time.Unix(1000, 0)
	b := block.Block{ID: 1, GenStamp: 1001}
	p.Increment(b, 2, now)
	p.Increment(block.Block{ID: 2}, 1, now.Add(50*time.Second))
	assert.Equal(t, p.NumReplicas(b), 2)
	p.Decrement(b)
	assert.Equal(t, p.NumReplicas(b), 1)

	var buf bytes.Buffer
	p.MetaSave(&buf)
	assert.True(t, strings.HasPrefix(buf.String(), "Metasave: Blocks being replicated: 2\n"))

	assert.Equal(t, p.CheckTimeouts(now.Add(90*time.Second)), 1)
	assert.Equal(t, p.Size(), 1)
	assert.Equal(t, p.TimedOutBlocks(), []block.Block{b})
	assert.Equal(t, len(p.TimedOutBlocks()), 0)

	p.Decrement(block.Block{ID: 2})
	assert.Equal(t, p.Size(), 0)
}

func TestExcessAndInvalidate(t *testing.T) {
	t.Parallel()
	e := Excess{}.Init()
	assert.True(t, e.Add("s1", block.Block{ID: 1}))
	assert.True(t, !e.Add("s1", block.Block{ID: 1}))
	e.Add("s1", block.Block{ID: 2})
	assert.True(t, e.Contains("s1", block.Block{ID: 2}))
	assert.True(t, e.Remove("s1", block.Block{ID: 2}))
	assert.Equal(t, e.Size(), 1)
	e.RemoveNode("s1")
	assert.Equal(t, e.Size(), 0)

	inv := InvalidateSets{}.Init()
	for i := 5; i > 0; i-- {
		inv.Add("s2", block.Block{ID: int64(i)})
	}
	inv.Add("s1", block.Block{ID: 9})
	assert.Equal(t, inv.Keys(), []string{"s1", "s2"})
	assert.Equal(t, inv.PendingDeletion(), 6)
	assert.Equal(t, inv.Take("s2", 2), []block.Block{{ID: 1}, {ID: 2}})
	assert.Equal(t, inv.NumBlocks("s2"), 3)
	assert.True(t, inv.Remove("s2", block.Block{ID: 3}))
	assert.True(t, !inv.Contains("s2", block.Block{ID: 3}))
	assert.Equal(t, len(inv.Take("s2", 10)), 2)
	assert.Equal(t, inv.Keys(), []string{"s1"})
	inv.RemoveNode("s1")
	assert.Equal(t, inv.PendingDeletion(), 0)
}

func BenchmarkDirectoryAddNode(b *testing.B) {
	dir := Directory{}.Init()
	nodes := []*node.Descriptor{newDescriptor(1), newDescriptor(2), newDescriptor(3)}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		blk := block.Block{ID: int64(i)}
		for _, d := range nodes {
			dir.AddNode(blk, d)
		}
	}
}

func BenchmarkChooseBlocks(b *testing.B) {
	q := UnderReplicated{}.Init()
	for i := 0; i < 10000; i++ {
		q.Add(block.Block{ID: int64(i)}, i%3, 1, 3)
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		q.ChooseBlocks(100, nil)
	}
}

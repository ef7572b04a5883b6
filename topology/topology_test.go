/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Fri Feb 15 10:03:01 2019 mstenber
 * Last modified: Fri Feb 15 10:40:20 2019 mstenber
 * Edit time:     27 min
 *
 */

package topology

import (
	"math/rand"
	"testing"

	"github.com/stvp/assert"
)

type leaf struct {
	key, loc string
}

func (self *leaf) Key() string {
	return self.key
}

func (self *leaf) NetworkLocation() string {
	return self.loc
}

func TestTopology(t *testing.T) {
	t.Parallel()
	top := Topology{}.Init()
	a1 := &leaf{"a1", "/r1"}
	a2 := &leaf{"a2", "/r1"}
	b1 := &leaf{"b1", "/r2"}
	c1 := &leaf{"c1", "/dc2/r3"}
	for _, n := range []Node{a1, a2, b1, c1, a1} {
		top.Add(n)
	}
	assert.Equal(t, top.NumLeaves(), 4)
	assert.Equal(t, top.NumRacks(), 3)
	assert.Equal(t, top.Racks(), []string{"/dc2/r3", "/r1", "/r2"})
	assert.True(t, top.Contains(b1))
	assert.True(t, top.IsOnSameRack(a1, a2))
	assert.True(t, !top.IsOnSameRack(a1, b1))

	assert.Equal(t, top.Distance(a1, a1), 0)
	assert.Equal(t, top.Distance(a1, a2), 2)
	assert.Equal(t, top.Distance(a1, b1), 4)
	assert.Equal(t, top.Distance(a1, c1), 5)

	assert.Equal(t, len(top.Leaves("/r1")), 2)
	assert.Equal(t, len(top.Leaves("~/r1")), 2)
	assert.Equal(t, len(top.Leaves("/dc2")), 1)
	assert.Equal(t, top.CountNumOfAvailableNodes("", func(n Node) bool {
		return n.Key() == "a1"
	}), 3)

	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 20; i++ {
		n := top.ChooseRandom(rng, "~/r1", nil)
		assert.True(t, n == b1 || n == c1)
	}
	assert.Equal(t, top.ChooseRandom(rng, "/r2", func(n Node) bool { return true }), nil)

	top.Remove(b1)
	top.Remove(b1)
	assert.Equal(t, top.NumLeaves(), 3)
	assert.Equal(t, top.NumRacks(), 2)
	assert.True(t, !top.Contains(b1))
}

type countingResolver struct {
	calls int
}

func (self *countingResolver) Resolve(names []string) []string {
	self.calls++
	r := make([]string, len(names))
	for i, n := range names {
		r[i] = "/rack-" + n
	}
	return r
}

func TestResolvers(t *testing.T) {
	t.Parallel()
	assert.Equal(t, ListResolvers(), []string{"flat", "static"})
	_, err := NewResolver("dns", ResolverConfig{})
	assert.True(t, err != nil)

	r, err := NewResolver("flat", ResolverConfig{})
	assert.Nil(t, err)
	assert.Equal(t, r.Resolve([]string{"x"}), []string{DefaultRack})

	r, err = NewResolver("static", ResolverConfig{
		Mapping:         map[string]string{"h1": "r1"},
		DefaultLocation: "/other",
		CacheSize:       10})
	assert.Nil(t, err)
	assert.Equal(t, r.Resolve([]string{"h1", "h2"}), []string{"/r1", "/other"})

	cr := &countingResolver{}
	c := CachedResolver{Resolver: cr, Size: 10}.Init()
	assert.Equal(t, c.Resolve([]string{"a", "b"}), []string{"/rack-a", "/rack-b"})
	assert.Equal(t, c.Resolve([]string{"b", "a"}), []string{"/rack-b", "/rack-a"})
	assert.Equal(t, cr.calls, 1)
	c.Invalidate("a")
	c.Resolve([]string{"a", "b"})
	assert.Equal(t, cr.calls, 2)
}

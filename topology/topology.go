/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Thu Feb 14 12:40:10 2019 mstenber
 * Last modified: Fri Feb 15 09:20:31 2019 mstenber
 * Edit time:     88 min
 *
 */

// topology is the network map of storage nodes: a tree of locations
// ("/datacenter/rack") with nodes as leaves. Distances between nodes
// are the number of tree edges between them.
package topology

import (
	"fmt"
	"math/rand"
	"strings"

	"github.com/emirpasic/gods/maps/treemap"
	"github.com/emirpasic/gods/utils"
	"github.com/fingon/go-blockmaster/mlog"
	"github.com/fingon/go-blockmaster/util"
)

const DefaultRack = "/default-rack"

// Node is a leaf of the topology.
type Node interface {
	// Key uniquely identifies the node.
	Key() string
	NetworkLocation() string
}

type Topology struct {
	lock util.OrderedMutex

	// location -> (key -> Node), both sorted so that choices made
	// with a seeded rng are reproducible
	racks    *treemap.Map
	numNodes int
}

func (self Topology) Init() *Topology {
	self.lock = util.OrderedMutex{Name: "topology", Rank: util.RankLeaf}
	self.racks = treemap.NewWith(utils.StringComparator)
	return &self
}

// NormalizeLocation returns location in /a/b form.
func NormalizeLocation(location string) string {
	if location == "" {
		return DefaultRack
	}
	if !strings.HasPrefix(location, "/") {
		location = "/" + location
	}
	return strings.TrimSuffix(location, "/")
}

func (self *Topology) rack(location string) *treemap.Map {
	v, found := self.racks.Get(location)
	if !found {
		return nil
	}
	return v.(*treemap.Map)
}

func (self *Topology) Add(n Node) {
	defer self.lock.Locked()()
	loc := NormalizeLocation(n.NetworkLocation())
	r := self.rack(loc)
	if r == nil {
		r = treemap.NewWith(utils.StringComparator)
		self.racks.Put(loc, r)
	}
	if _, found := r.Get(n.Key()); !found {
		self.numNodes++
	}
	r.Put(n.Key(), n)
	mlog.Printf2("topology/topology", "Add %s at %s", n.Key(), loc)
}

func (self *Topology) Remove(n Node) {
	defer self.lock.Locked()()
	loc := NormalizeLocation(n.NetworkLocation())
	r := self.rack(loc)
	if r == nil {
		return
	}
	if _, found := r.Get(n.Key()); !found {
		return
	}
	r.Remove(n.Key())
	self.numNodes--
	if r.Empty() {
		self.racks.Remove(loc)
	}
	mlog.Printf2("topology/topology", "Remove %s from %s", n.Key(), loc)
}

func (self *Topology) Contains(n Node) bool {
	defer self.lock.Locked()()
	r := self.rack(NormalizeLocation(n.NetworkLocation()))
	if r == nil {
		return false
	}
	_, found := r.Get(n.Key())
	return found
}

func (self *Topology) NumRacks() int {
	defer self.lock.Locked()()
	return self.racks.Size()
}

func (self *Topology) NumLeaves() int {
	defer self.lock.Locked()()
	return self.numNodes
}

func (self *Topology) Racks() []string {
	defer self.lock.Locked()()
	r := make([]string, 0, self.racks.Size())
	for _, k := range self.racks.Keys() {
		r = append(r, k.(string))
	}
	return r
}

// Leaves returns the nodes within scope (see ChooseRandom).
func (self *Topology) Leaves(scope string) []Node {
	defer self.lock.Locked()()
	return self.leaves(scope)
}

func inScope(location, scope string) bool {
	if scope == "" || scope == "/" {
		return true
	}
	return location == scope || strings.HasPrefix(location, scope+"/")
}

func (self *Topology) leaves(scope string) []Node {
	exclude := strings.HasPrefix(scope, "~")
	if exclude {
		scope = scope[1:]
	}
	var r []Node
	it := self.racks.Iterator()
	for it.Next() {
		if inScope(it.Key().(string), scope) == exclude {
			continue
		}
		for _, v := range it.Value().(*treemap.Map).Values() {
			r = append(r, v.(Node))
		}
	}
	return r
}

func (self *Topology) IsOnSameRack(a, b Node) bool {
	return NormalizeLocation(a.NetworkLocation()) == NormalizeLocation(b.NetworkLocation())
}

func path(n Node) []string {
	loc := NormalizeLocation(n.NetworkLocation())
	return append(strings.Split(loc[1:], "/"), n.Key())
}

// Distance is the number of edges between a and b in the tree: 0 for
// the same node, 2 within a rack, 4 across racks of a flat cluster.
func (self *Topology) Distance(a, b Node) int {
	if a.Key() == b.Key() {
		return 0
	}
	pa := path(a)
	pb := path(b)
	common := 0
	for common < len(pa) && common < len(pb) && pa[common] == pb[common] {
		common++
	}
	return len(pa) - common + len(pb) - common
}

// ChooseRandom picks a random node within scope. A scope prefixed
// with ~ means everything except that scope. Nodes for which excluded
// returns true are skipped. Returns nil if nothing qualifies.
//
// excluded runs without the topology lock held, so it may take leaf
// locks of its own.
func (self *Topology) ChooseRandom(rng *rand.Rand, scope string, excluded func(Node) bool) Node {
	cands := filter(self.Leaves(scope), excluded)
	if len(cands) == 0 {
		return nil
	}
	return cands[rng.Intn(len(cands))]
}

func filter(nodes []Node, excluded func(Node) bool) []Node {
	if excluded == nil {
		return nodes
	}
	r := nodes[:0]
	for _, n := range nodes {
		if !excluded(n) {
			r = append(r, n)
		}
	}
	return r
}

// CountNumOfAvailableNodes counts nodes within scope not excluded.
func (self *Topology) CountNumOfAvailableNodes(scope string, excluded func(Node) bool) int {
	return len(filter(self.Leaves(scope), excluded))
}

func (self *Topology) String() string {
	defer self.lock.Locked()()
	var b strings.Builder
	fmt.Fprintf(&b, "Number of racks: %d\nExpected number of leaves: %d\n", self.racks.Size(), self.numNodes)
	for _, n := range self.leaves("") {
		fmt.Fprintf(&b, "%s%s\n", NormalizeLocation(n.NetworkLocation())+"/", n.Key())
	}
	return b.String()
}

/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Wed Feb 20 14:02:11 2019 mstenber
 * Last modified: Thu Feb 21 10:20:45 2019 mstenber
 * Edit time:     66 min
 *
 */

// placement decides where new replicas go and which surplus replicas
// are removed. Policies are selected by name from a factory.
package placement

import (
	"fmt"
	"math/rand"
	"sort"
	"time"

	"github.com/fingon/go-blockmaster/block"
	"github.com/fingon/go-blockmaster/node"
	"github.com/fingon/go-blockmaster/topology"
)

// MinBlocksForWrite is how many blocks of free space a target needs.
const MinBlocksForWrite = 5

// Heartbeats a node may miss before it is preferred for deletion.
const TolerateHeartbeatMultiplier = 4

// Context is what a policy needs from the rest of the coordinator.
type Context struct {
	Topology *topology.Topology
	Rand     *rand.Rand

	// ConsiderLoad rejects targets with more than twice the average
	// transfer load.
	ConsiderLoad bool

	StaleInterval     time.Duration
	HeartbeatInterval time.Duration

	Now func() time.Time

	// Load returns the total transfer load and number of live nodes.
	Load func() (totalLoad, numLive int)
}

type Policy interface {
	// ChooseTargets picks up to numReplicas more nodes for a block
	// that already has chosen. writer may be nil. The result excludes
	// chosen and is ordered as a write pipeline.
	ChooseTargets(numReplicas int, writer *node.Descriptor, chosen []*node.Descriptor, excluded map[*node.Descriptor]bool, blockSize int64, avoidStale bool) []*node.Descriptor

	// ChooseReplicaToDelete picks a victim among first, or among
	// second if first is empty.
	ChooseReplicaToDelete(b block.Block, replication int, first, second []*node.Descriptor) *node.Descriptor
}

type factoryCallback func(ctx Context) Policy

var policies = map[string]factoryCallback{
	"default": func(ctx Context) Policy {
		return &RackAware{Context: ctx}
	},
	"random": func(ctx Context) Policy {
		return &Random{Context: ctx}
	},
}

// List returns the known policy names, sorted.
func List() []string {
	keys := make([]string, 0, len(policies))
	for k := range policies {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func New(name string, ctx Context) (Policy, error) {
	cb, ok := policies[name]
	if !ok {
		return nil, fmt.Errorf("unknown placement policy %q", name)
	}
	if ctx.Now == nil {
		ctx.Now = time.Now
	}
	if ctx.Rand == nil {
		ctx.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return cb(ctx), nil
}

// SplitNodesWithRack groups nodes by rack into those sharing a rack
// with another replica and those alone on theirs.
func SplitNodesWithRack(nodes []*node.Descriptor) (rackMap map[string][]*node.Descriptor, moreThanOne, exactlyOne []*node.Descriptor) {
	rackMap = make(map[string][]*node.Descriptor)
	for _, d := range nodes {
		loc := topology.NormalizeLocation(d.NetworkLocation())
		rackMap[loc] = append(rackMap[loc], d)
	}
	for _, d := range nodes {
		if len(rackMap[topology.NormalizeLocation(d.NetworkLocation())]) > 1 {
			moreThanOne = append(moreThanOne, d)
		} else {
			exactlyOne = append(exactlyOne, d)
		}
	}
	return
}

func without(nodes []*node.Descriptor, d *node.Descriptor) []*node.Descriptor {
	r := make([]*node.Descriptor, 0, len(nodes))
	for _, o := range nodes {
		if o != d {
			r = append(r, o)
		}
	}
	return r
}

// AdjustSetsWithChosenReplica updates the split after cur was chosen
// for deletion: a rack left with one replica moves it to exactlyOne.
func AdjustSetsWithChosenReplica(rackMap map[string][]*node.Descriptor, moreThanOne, exactlyOne []*node.Descriptor, cur *node.Descriptor) ([]*node.Descriptor, []*node.Descriptor) {
	loc := topology.NormalizeLocation(cur.NetworkLocation())
	rack := without(rackMap[loc], cur)
	if len(rack) == 0 {
		delete(rackMap, loc)
	} else {
		rackMap[loc] = rack
	}
	moreThanOne = without(moreThanOne, cur)
	exactlyOne = without(exactlyOne, cur)
	if len(rack) == 1 {
		moreThanOne = without(moreThanOne, rack[0])
		exactlyOne = append(exactlyOne, rack[0])
	}
	return moreThanOne, exactlyOne
}

// VerifyBlockPlacement returns how many more racks the replicas
// should span to cover minRacks (bounded by the racks there are).
func VerifyBlockPlacement(t *topology.Topology, locs []*node.Descriptor, minRacks int) int {
	if n := t.NumRacks(); n < minRacks {
		minRacks = n
	}
	racks := make(map[string]bool)
	for _, d := range locs {
		racks[topology.NormalizeLocation(d.NetworkLocation())] = true
	}
	if missing := minRacks - len(racks); missing > 0 {
		return missing
	}
	return 0
}

// chooseReplicaToDelete prefers the node silent for longest (beyond
// the tolerated heartbeat gap), and otherwise the one with the least
// remaining space.
func chooseReplicaToDelete(ctx *Context, first, second []*node.Descriptor) *node.Descriptor {
	cands := first
	if len(cands) == 0 {
		cands = second
	}
	oldest := ctx.Now().Add(-ctx.HeartbeatInterval * TolerateHeartbeatMultiplier)
	var oldestNode, minSpaceNode *node.Descriptor
	var oldestTime time.Time
	var minSpace int64
	for _, d := range cands {
		last := d.LastUpdate()
		if last.Before(oldest) && (oldestNode == nil || last.Before(oldestTime)) {
			oldestNode = d
			oldestTime = last
		}
		free := d.Usage().Remaining
		if minSpaceNode == nil || free < minSpace {
			minSpaceNode = d
			minSpace = free
		}
	}
	if oldestNode != nil {
		return oldestNode
	}
	return minSpaceNode
}

// pipeline orders targets so that each hop goes to the closest node
// not yet in the pipeline, starting from writer.
func pipeline(t *topology.Topology, writer *node.Descriptor, targets []*node.Descriptor) []*node.Descriptor {
	if len(targets) == 0 {
		return targets
	}
	r := append([]*node.Descriptor{}, targets...)
	var prev topology.Node
	if writer != nil {
		prev = writer
	} else {
		prev = r[0]
	}
	for i := range r {
		best := i
		bestDist := t.Distance(prev, r[i])
		for j := i + 1; j < len(r); j++ {
			if d := t.Distance(prev, r[j]); d < bestDist {
				best = j
				bestDist = d
			}
		}
		r[i], r[best] = r[best], r[i]
		prev = r[i]
	}
	return r
}

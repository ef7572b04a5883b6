/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Thu Feb 21 11:10:40 2019 mstenber
 * Last modified: Thu Feb 21 11:31:02 2019 mstenber
 * Edit time:     12 min
 *
 */

package placement

import (
	"github.com/fingon/go-blockmaster/block"
	"github.com/fingon/go-blockmaster/node"
)

// Random ignores racks and picks any good targets.
type Random struct {
	Context
}

var _ Policy = &Random{}

func (self *Random) ChooseTargets(numReplicas int, writer *node.Descriptor, chosen []*node.Descriptor, excluded map[*node.Descriptor]bool, blockSize int64, avoidStale bool) []*node.Descriptor {
	if numReplicas <= 0 || self.Topology.NumLeaves() == 0 {
		return nil
	}
	run := func(avoidStale bool) []*node.Descriptor {
		c := &chooser{Context: &self.Context,
			excluded:        make(map[*node.Descriptor]bool),
			results:         append([]*node.Descriptor{}, chosen...),
			blockSize:       blockSize,
			maxNodesPerRack: self.Topology.NumLeaves(),
			avoidStale:      avoidStale}
		for d := range excluded {
			c.excluded[d] = true
		}
		for _, d := range chosen {
			c.excluded[d] = true
		}
		c.chooseRandom(numReplicas, "")
		return c.results[len(chosen):]
	}
	r := run(avoidStale)
	if avoidStale && len(r) < numReplicas {
		r = run(false)
	}
	return pipeline(self.Topology, writer, r)
}

func (self *Random) ChooseReplicaToDelete(b block.Block, replication int, first, second []*node.Descriptor) *node.Descriptor {
	return chooseReplicaToDelete(&self.Context, first, second)
}

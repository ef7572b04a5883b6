/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Tue Feb 26 09:02:17 2019 mstenber
 * Last modified: Tue Feb 26 10:11:40 2019 mstenber
 * Edit time:     41 min
 *
 */

// metrics exposes the coordinator state read-only. A Source produces
// Snapshots; Collector turns any Source into Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Snapshot is a point-in-time copy of the coordinator counters.
type Snapshot struct {
	CapacityTotal     int64
	CapacityUsed      int64
	CapacityRemaining int64
	TotalLoad         int64

	TotalFiles            int
	BlocksTotal           int
	UnderReplicatedBlocks int
	PendingReplications   int
	ScheduledReplications int
	CorruptReplicaBlocks  int
	ExcessBlocks          int
	PendingDeletionBlocks int
	MissingBlocks         int
	TotalLeases           int
	LiveDatanodes         int
	DeadDatanodes         int
	DecommissioningNodes  int
	StaleDatanodes        int
	SafeMode              bool
	SafeModeMilliseconds  int64
	GenerationStamp       int64
}

type Source interface {
	Snapshot() Snapshot
}

type gauge struct {
	desc  *prometheus.Desc
	value func(s *Snapshot) float64
}

// Collector is a prometheus.Collector over a Source. Each scrape takes
// one Snapshot.
type Collector struct {
	Source    Source
	Namespace string

	gauges []gauge
}

func b2f(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func (self Collector) Init() *Collector {
	if self.Namespace == "" {
		self.Namespace = "blockmaster"
	}
	add := func(name, help string, value func(s *Snapshot) float64) {
		desc := prometheus.NewDesc(prometheus.BuildFQName(self.Namespace, "", name),
			help, nil, nil)
		self.gauges = append(self.gauges, gauge{desc, value})
	}
	add("capacity_total_bytes", "Configured capacity of live storage nodes",
		func(s *Snapshot) float64 { return float64(s.CapacityTotal) })
	add("capacity_used_bytes", "Space used by blocks on live storage nodes",
		func(s *Snapshot) float64 { return float64(s.CapacityUsed) })
	add("capacity_remaining_bytes", "Space remaining on live storage nodes",
		func(s *Snapshot) float64 { return float64(s.CapacityRemaining) })
	add("total_load", "Active transfer threads on live storage nodes",
		func(s *Snapshot) float64 { return float64(s.TotalLoad) })
	add("files_total", "Files in the namespace",
		func(s *Snapshot) float64 { return float64(s.TotalFiles) })
	add("blocks_total", "Blocks in the block map",
		func(s *Snapshot) float64 { return float64(s.BlocksTotal) })
	add("under_replicated_blocks", "Blocks waiting for replication",
		func(s *Snapshot) float64 { return float64(s.UnderReplicatedBlocks) })
	add("pending_replication_blocks", "Blocks with replication in flight",
		func(s *Snapshot) float64 { return float64(s.PendingReplications) })
	add("scheduled_replication_blocks", "Replications scheduled by the last monitor pass",
		func(s *Snapshot) float64 { return float64(s.ScheduledReplications) })
	add("corrupt_replica_blocks", "Blocks with at least one corrupt replica",
		func(s *Snapshot) float64 { return float64(s.CorruptReplicaBlocks) })
	add("excess_blocks", "Replicas chosen for removal as excess",
		func(s *Snapshot) float64 { return float64(s.ExcessBlocks) })
	add("pending_deletion_blocks", "Replicas waiting to be invalidated",
		func(s *Snapshot) float64 { return float64(s.PendingDeletionBlocks) })
	add("missing_blocks", "Blocks with no usable replica",
		func(s *Snapshot) float64 { return float64(s.MissingBlocks) })
	add("leases_total", "Outstanding write leases",
		func(s *Snapshot) float64 { return float64(s.TotalLeases) })
	add("live_datanodes", "Storage nodes with recent heartbeats",
		func(s *Snapshot) float64 { return float64(s.LiveDatanodes) })
	add("dead_datanodes", "Registered storage nodes considered dead",
		func(s *Snapshot) float64 { return float64(s.DeadDatanodes) })
	add("decommissioning_datanodes", "Live storage nodes being decommissioned",
		func(s *Snapshot) float64 { return float64(s.DecommissioningNodes) })
	add("stale_datanodes", "Live storage nodes with a stale heartbeat",
		func(s *Snapshot) float64 { return float64(s.StaleDatanodes) })
	add("safe_mode", "1 while in safe mode",
		func(s *Snapshot) float64 { return b2f(s.SafeMode) })
	add("startup_safe_mode_milliseconds", "Time spent in startup safe mode",
		func(s *Snapshot) float64 { return float64(s.SafeModeMilliseconds) })
	add("generation_stamp", "Current generation stamp",
		func(s *Snapshot) float64 { return float64(s.GenerationStamp) })
	return &self
}

func (self *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, g := range self.gauges {
		ch <- g.desc
	}
}

func (self *Collector) Collect(ch chan<- prometheus.Metric) {
	s := self.Source.Snapshot()
	for _, g := range self.gauges {
		ch <- prometheus.MustNewConstMetric(g.desc, prometheus.GaugeValue,
			g.value(&s))
	}
}

var _ prometheus.Collector = &Collector{}

// StaticSource returns the same Snapshot every time.
type StaticSource Snapshot

func (self StaticSource) Snapshot() Snapshot {
	return Snapshot(self)
}

/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Wed Feb 20 09:12:40 2019 mstenber
 * Last modified: Mon Feb 25 16:02:11 2019 mstenber
 * Edit time:     311 min
 *
 */

// namesystem is the block coordinator: it ties the namespace, the
// replica books, the storage node registry, leases and the safe mode
// gate together behind the client, storage node and admin operations.
//
// Everything the coordinator owns is guarded by one big lock. Public
// methods take it themselves and sync the edit log only after
// releasing it; lower case methods expect it held. Lock order is big
// lock, registry heartbeat lock, registry map lock, and then the leaf
// locks of individual components.
package namesystem

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"time"

	"github.com/fingon/go-blockmaster/block"
	"github.com/fingon/go-blockmaster/blockkey"
	"github.com/fingon/go-blockmaster/config"
	"github.com/fingon/go-blockmaster/lease"
	"github.com/fingon/go-blockmaster/mlog"
	"github.com/fingon/go-blockmaster/namespace"
	"github.com/fingon/go-blockmaster/node"
	"github.com/fingon/go-blockmaster/placement"
	"github.com/fingon/go-blockmaster/replica"
	"github.com/fingon/go-blockmaster/safemode"
	"github.com/fingon/go-blockmaster/task"
	"github.com/fingon/go-blockmaster/topology"
	"github.com/fingon/go-blockmaster/util"
)

// RecoveryLeaseHolder holds the leases of files under lease
// recovery.
const RecoveryLeaseHolder = "NN_Recovery"

type Namesystem struct {
	Config    *config.Config
	Namespace namespace.Namespace
	EditLog   namespace.EditLog

	// Now and Rand default to the wall clock and a seeded source;
	// tests inject their own.
	Now  func() time.Time
	Rand *rand.Rand

	// FatalHook handles failures of the replication monitor
	// (default log.Fatalf).
	FatalHook func(format string, args ...interface{})

	lock util.OrderedMutex

	registry  *node.Registry
	hosts     *node.HostsList
	topology  *topology.Topology
	resolver  topology.Resolver
	placement placement.Policy
	leases    *lease.Manager
	safeMode  *safemode.Gate
	keys      *blockkey.Manager // nil if access tokens are disabled

	blocks      *replica.Directory
	corrupt     *replica.CorruptReplicas
	needed      *replica.UnderReplicated
	pending     *replica.Pending
	excess      *replica.Excess
	invalidates *replica.InvalidateSets

	missingPrev, missingCur util.AtomicInt
	scheduledReplications   util.AtomicInt
	upgradeFinalized        util.AtomicBool
	safeModeTime            util.AtomicInt // ms spent in startup safe mode

	// Storage id the decommission scan continues after.
	decommissionCursor string

	startTime  time.Time
	supervisor *task.Supervisor
}

func (self Namesystem) Init() (*Namesystem, error) {
	if self.Config == nil {
		self.Config = config.Config{}.Init()
	}
	if err := self.Config.Validate(); err != nil {
		return nil, err
	}
	if self.Namespace == nil || self.EditLog == nil {
		return nil, fmt.Errorf("namesystem needs a Namespace and an EditLog")
	}
	if self.Now == nil {
		self.Now = time.Now
	}
	if self.Rand == nil {
		self.Rand = util.GetSeededRng()
	}
	if self.FatalHook == nil {
		self.FatalHook = log.Fatalf
	}
	c := self.Config
	self.lock = util.OrderedMutex{Name: "namesystem", Rank: util.RankNamesystem}
	self.startTime = self.Now()

	self.registry = node.Registry{}.Init()
	self.hosts = node.HostsList{IncludeFile: c.Hosts.IncludeFile,
		ExcludeFile: c.Hosts.ExcludeFile}.Init()
	if err := self.hosts.Refresh(); err != nil {
		return nil, err
	}
	self.topology = topology.Topology{}.Init()
	resolver, err := topology.NewResolver(c.Topology.Resolver,
		topology.ResolverConfig{Mapping: c.Topology.Mapping,
			DefaultLocation: c.Topology.DefaultRack,
			CacheSize:       c.Topology.CacheSize})
	if err != nil {
		return nil, err
	}
	self.resolver = resolver

	self.leases = lease.Manager{SoftLimit: c.Lease.SoftLimit,
		HardLimit: c.Lease.HardLimit}.Init()
	self.safeMode = safemode.Gate{Config: safemode.Config{
		Threshold:         c.SafeMode.Threshold,
		DatanodeThreshold: c.SafeMode.MinDatanodes,
		Extension:         c.SafeMode.Extension,
		SafeReplication:   c.Replication.Min}}.Init()
	if c.AccessToken.Enabled {
		self.keys = blockkey.Manager{KeyUpdateInterval: c.AccessToken.KeyUpdateInterval,
			TokenLifetime: c.AccessToken.TokenLifetime}.Init()
		self.keys.UpdateKeys(self.Now())
	}

	self.blocks = replica.Directory{}.Init()
	self.corrupt = replica.CorruptReplicas{}.Init()
	self.needed = replica.UnderReplicated{}.Init()
	self.pending = replica.Pending{Timeout: c.Replication.PendingTimeout}.Init()
	self.excess = replica.Excess{}.Init()
	self.invalidates = replica.InvalidateSets{}.Init()

	ns := &self
	policy, err := placement.New(c.Placement.Policy, placement.Context{
		Topology:          self.topology,
		Rand:              self.Rand,
		ConsiderLoad:      c.Placement.ConsiderLoad,
		StaleInterval:     c.Heartbeat.StaleInterval,
		HeartbeatInterval: c.Heartbeat.Interval,
		Now:               func() time.Time { return ns.Now() },
		Load: func() (int, int) {
			s := ns.registry.Stats()
			return int(s.TotalLoad), s.NumLive
		}})
	if err != nil {
		return nil, err
	}
	ns.placement = policy
	mlog.Infof("namesystem/namesystem", "defaultReplication = %d", c.Replication.Default)
	mlog.Infof("namesystem/namesystem", "maxReplication = %d", c.Replication.Max)
	mlog.Infof("namesystem/namesystem", "minReplication = %d", c.Replication.Min)
	mlog.Infof("namesystem/namesystem", "maxReplicationStreams = %d", c.Replication.MaxStreams)
	mlog.Infof("namesystem/namesystem", "placement policy = %s, resolver = %s",
		c.Placement.Policy, c.Topology.Resolver)
	return ns, nil
}

// Start waits for the namespace, rebuilds the block map from it and
// starts the background monitors.
func (self *Namesystem) Start(ctx context.Context) error {
	if err := self.Namespace.WaitForReady(ctx); err != nil {
		return err
	}
	self.load()
	c := self.Config
	s := task.Supervisor{FatalHook: self.FatalHook}.Init(ctx)
	self.supervisor = s
	s.Every("heartbeatCheck", c.Heartbeat.RecheckInterval, task.Continue,
		func(ctx context.Context) error {
			self.heartbeatCheck(ctx)
			return nil
		})
	s.Every("replicationMonitor", c.Replication.Interval, task.Fatal,
		func(ctx context.Context) error {
			self.computeDatanodeWork()
			self.processPendingReplications()
			return nil
		})
	s.Every("pendingReplicationMonitor", c.Replication.Interval, task.Continue,
		func(ctx context.Context) error {
			self.pending.CheckTimeouts(self.Now())
			return nil
		})
	s.Every("decommissionMonitor", c.Decommission.Interval, task.Continue,
		func(ctx context.Context) error {
			self.decommissionScan()
			return nil
		})
	s.Every("leaseMonitor", c.Lease.CheckInterval, task.Continue,
		func(ctx context.Context) error {
			self.checkLeases()
			return nil
		})
	s.Every("safeModeMonitor", time.Second, task.Continue,
		func(ctx context.Context) error {
			self.safeModeCheck()
			return nil
		})
	if self.keys != nil {
		s.Every("accessKeyUpdater", c.AccessToken.KeyUpdateInterval, task.Continue,
			func(ctx context.Context) error {
				self.updateAccessKeys()
				return nil
			})
	}
	return nil
}

// Stop cancels the monitors. Returns false if some did not stop in
// time.
func (self *Namesystem) Stop() bool {
	if self.supervisor == nil {
		return true
	}
	return self.supervisor.Stop()
}

// load rebuilds the block map and the leases from the namespace.
func (self *Namesystem) load() {
	defer self.lock.Locked()()
	now := self.Now()
	for _, f := range self.Namespace.Files() {
		for _, b := range f.Blocks {
			self.blocks.AddINode(b, f)
		}
		if f.IsUnderConstruction() {
			self.leases.AddLease(f.UC.Holder, f.Path, now)
		}
	}
	mlog.Infof("namesystem/namesystem", "Loaded %d files, %d blocks, %d leases",
		self.Namespace.TotalFiles(), self.blocks.Size(), self.leases.CountPath())
	self.setBlockTotal()
}

func (self *Namesystem) logSync() error {
	return self.EditLog.LogSync()
}

func (self *Namesystem) numLive() int {
	return self.registry.NumLive()
}

// nextGenerationStamp is journaled with the namespace.
func (self *Namesystem) nextGenerationStamp() int64 {
	gs := self.Namespace.GenerationStamp() + 1
	self.Namespace.SetGenerationStamp(gs)
	return gs
}

// blockToken is nil when access tokens are disabled.
func (self *Namesystem) blockToken(user string, b block.Block, mode blockkey.AccessMode) *blockkey.Token {
	if self.keys == nil {
		return nil
	}
	t, err := self.keys.GenerateToken(self.Now(), user, b, mode)
	if err != nil {
		mlog.Warnf("namesystem/namesystem", "Unable to generate access token for %s: %v", b, err)
		return nil
	}
	return t
}

func (self *Namesystem) updateAccessKeys() {
	self.keys.UpdateKeys(self.Now())
	for _, d := range self.registry.Heartbeats() {
		d.SetNeedKeyUpdate(true)
	}
	mlog.Printf2("namesystem/namesystem", "Access keys updated")
}

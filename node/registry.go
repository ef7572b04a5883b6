/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Fri Feb 15 13:45:02 2019 mstenber
 * Last modified: Mon Feb 18 10:40:50 2019 mstenber
 * Edit time:     97 min
 *
 */

// node tracks the storage nodes known to the coordinator.
//
// Registry has two named locks. The heartbeat lock guards the list of
// live nodes and the aggregate usage figures; the map lock guards the
// lookup maps. When both are needed the heartbeat lock is taken first,
// and both are always taken after the coordinator lock.
package node

import (
	"time"

	"github.com/emirpasic/gods/maps/treemap"
	"github.com/emirpasic/gods/utils"
	"github.com/fingon/go-blockmaster/mlog"
	"github.com/fingon/go-blockmaster/util"
)

type Stats struct {
	CapacityTotal     int64
	CapacityUsed      int64
	CapacityRemaining int64
	TotalLoad         int64
	NumLive           int
}

type Registry struct {
	heartbeatLock util.OrderedMutex
	heartbeats    []*Descriptor
	stats         Stats

	mapLock util.OrderedMutex
	byID    *treemap.Map // storage id -> *Descriptor
	byName  map[string]*Descriptor
	byHost  map[string][]*Descriptor

	numStale util.AtomicInt
}

func (self Registry) Init() *Registry {
	self.heartbeatLock = util.OrderedMutex{Name: "heartbeats", Rank: util.RankHeartbeats}
	self.mapLock = util.OrderedMutex{Name: "datanodeMap", Rank: util.RankNodeMap}
	self.byID = treemap.NewWith(utils.StringComparator)
	self.byName = make(map[string]*Descriptor)
	self.byHost = make(map[string][]*Descriptor)
	return &self
}

func (self *Registry) GetByStorageID(id string) *Descriptor {
	defer self.mapLock.Locked()()
	v, found := self.byID.Get(id)
	if !found {
		return nil
	}
	return v.(*Descriptor)
}

// GetByName looks up by host:port.
func (self *Registry) GetByName(name string) *Descriptor {
	defer self.mapLock.Locked()()
	return self.byName[name]
}

func (self *Registry) GetByHost(host string) []*Descriptor {
	defer self.mapLock.Locked()()
	return append([]*Descriptor{}, self.byHost[host]...)
}

func (self *Registry) Size() int {
	defer self.mapLock.Locked()()
	return self.byID.Size()
}

// Datanodes returns every known node sorted by storage id.
func (self *Registry) Datanodes() []*Descriptor {
	defer self.mapLock.Locked()()
	r := make([]*Descriptor, 0, self.byID.Size())
	for _, v := range self.byID.Values() {
		r = append(r, v.(*Descriptor))
	}
	return r
}

func (self *Registry) removeHost(d *Descriptor) {
	host := d.Host()
	l := self.byHost[host]
	for i, o := range l {
		if o == d {
			l = append(l[:i], l[i+1:]...)
			break
		}
	}
	if len(l) == 0 {
		delete(self.byHost, host)
	} else {
		self.byHost[host] = l
	}
	if self.byName[d.Name] == d {
		delete(self.byName, d.Name)
	}
}

func (self *Registry) addHost(d *Descriptor) {
	host := d.Host()
	self.byHost[host] = append(self.byHost[host], d)
	self.byName[d.Name] = d
}

// Put adds (or replaces) d in the maps.
func (self *Registry) Put(d *Descriptor) {
	defer self.mapLock.Locked()()
	if v, found := self.byID.Get(d.StorageID); found {
		self.removeHost(v.(*Descriptor))
	}
	self.byID.Put(d.StorageID, d)
	self.addHost(d)
}

// Rename updates the name maps after d's network identity changed.
func (self *Registry) Rename(d *Descriptor, update func()) {
	defer self.mapLock.Locked()()
	self.removeHost(d)
	update()
	self.addHost(d)
}

// Wipe removes d from the maps.
func (self *Registry) Wipe(d *Descriptor) {
	defer self.mapLock.Locked()()
	v, found := self.byID.Get(d.StorageID)
	if found && v.(*Descriptor) == d {
		self.byID.Remove(d.StorageID)
	}
	self.removeHost(d)
	mlog.Printf2("node/registry", "Wipe %s", d)
}

func (self *Registry) updateStats(d *Descriptor, sign int64) {
	u := d.Usage()
	self.stats.CapacityTotal += sign * u.Capacity
	self.stats.CapacityUsed += sign * u.DfsUsed
	self.stats.CapacityRemaining += sign * u.Remaining
	self.stats.TotalLoad += sign * int64(u.XceiverCount)
}

// AddHeartbeat marks d alive (registration is an implicit
// heartbeat). Returns false if it already was.
func (self *Registry) AddHeartbeat(d *Descriptor, now time.Time) bool {
	defer self.heartbeatLock.Locked()()
	for _, o := range self.heartbeats {
		if o == d {
			return false
		}
	}
	d.UpdateHeartbeat(Usage{}, now)
	self.heartbeats = append(self.heartbeats, d)
	self.updateStats(d, 1)
	d.SetAlive(true)
	return true
}

// RemoveHeartbeat marks d dead and removes its usage from the
// aggregates.
func (self *Registry) RemoveHeartbeat(d *Descriptor) {
	defer self.heartbeatLock.Locked()()
	self.removeHeartbeat(d)
}

func (self *Registry) removeHeartbeat(d *Descriptor) {
	if !d.IsAlive() {
		return
	}
	self.updateStats(d, -1)
	for i, o := range self.heartbeats {
		if o == d {
			self.heartbeats = append(self.heartbeats[:i], self.heartbeats[i+1:]...)
			break
		}
	}
	d.SetAlive(false)
}

// UpdateHeartbeat applies new usage figures of a live node.
func (self *Registry) UpdateHeartbeat(d *Descriptor, u Usage, now time.Time) {
	defer self.heartbeatLock.Locked()()
	self.updateStats(d, -1)
	d.UpdateHeartbeat(u, now)
	self.updateStats(d, 1)
}

// RemoveIfExpired rechecks d under the heartbeat lock and, if it has
// expired, marks it dead. Returns true if it did.
func (self *Registry) RemoveIfExpired(d *Descriptor, now time.Time, expire time.Duration) bool {
	defer self.heartbeatLock.Locked()()
	if !d.IsAlive() || !d.IsExpired(now, expire) {
		return false
	}
	self.removeHeartbeat(d)
	return true
}

// Heartbeats returns the live nodes.
func (self *Registry) Heartbeats() []*Descriptor {
	defer self.heartbeatLock.Locked()()
	return append([]*Descriptor{}, self.heartbeats...)
}

func (self *Registry) NumLive() int {
	defer self.heartbeatLock.Locked()()
	return len(self.heartbeats)
}

func (self *Registry) Stats() Stats {
	defer self.heartbeatLock.Locked()()
	s := self.stats
	s.NumLive = len(self.heartbeats)
	return s
}

// CheckHeartbeats returns the first expired node (if any) and counts
// the stale ones.
func (self *Registry) CheckHeartbeats(now time.Time, expire, stale time.Duration) (dead *Descriptor) {
	defer self.heartbeatLock.Locked()()
	numStale := 0
	for _, d := range self.heartbeats {
		if dead == nil && d.IsExpired(now, expire) {
			dead = d
		}
		if d.IsStale(now, stale) {
			numStale++
		}
	}
	self.numStale.SetInt(numStale)
	return
}

func (self *Registry) NumStaleNodes() int {
	return self.numStale.GetInt()
}

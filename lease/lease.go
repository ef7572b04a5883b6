/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Thu Feb 21 14:05:12 2019 mstenber
 * Last modified: Fri Feb 22 09:40:51 2019 mstenber
 * Edit time:     71 min
 *
 */

// lease keeps track of which writer holds which open files, and when
// their grants run out.
package lease

import (
	"fmt"
	"strings"
	"time"

	"github.com/emirpasic/gods/maps/treemap"
	"github.com/emirpasic/gods/sets/treeset"
	"github.com/emirpasic/gods/utils"
	"github.com/fingon/go-blockmaster/mlog"
	"github.com/fingon/go-blockmaster/util"
)

const (
	DefaultSoftLimit = time.Minute
	DefaultHardLimit = time.Hour
)

// Lease is one writer's grant over the files it has open. The
// fields other than Holder are guarded by the manager.
type Lease struct {
	Holder string

	m          *Manager
	lastUpdate time.Time
	paths      *treeset.Set
}

func (self *Lease) LastUpdate() time.Time {
	defer self.m.lock.Locked()()
	return self.lastUpdate
}

func (self *Lease) ExpiredHardLimit(now time.Time) bool {
	defer self.m.lock.Locked()()
	return now.Sub(self.lastUpdate) > self.m.HardLimit
}

func (self *Lease) ExpiredSoftLimit(now time.Time) bool {
	defer self.m.lock.Locked()()
	return now.Sub(self.lastUpdate) > self.m.SoftLimit
}

func (self *Lease) HasPath() bool {
	defer self.m.lock.Locked()()
	return !self.paths.Empty()
}

// Paths returns the open files of the lease, sorted.
func (self *Lease) Paths() []string {
	defer self.m.lock.Locked()()
	return stringValues(self.paths.Values())
}

func (self *Lease) String() string {
	defer self.m.lock.Locked()()
	return fmt.Sprintf("[Lease.  Holder: %s, pendingcreates: %d]", self.Holder, self.paths.Size())
}

func stringValues(values []interface{}) []string {
	r := make([]string, len(values))
	for i, v := range values {
		r[i] = v.(string)
	}
	return r
}

// byExpiry orders leases oldest first.
func byExpiry(a, b interface{}) int {
	la := a.(*Lease)
	lb := b.(*Lease)
	switch {
	case la.lastUpdate.Before(lb.lastUpdate):
		return -1
	case lb.lastUpdate.Before(la.lastUpdate):
		return 1
	}
	return strings.Compare(la.Holder, lb.Holder)
}

// Manager holds the leases. It has its own leaf lock, so it may be
// used with or without the coordinator lock.
type Manager struct {
	SoftLimit, HardLimit time.Duration

	lock   util.OrderedMutex
	leases map[string]*Lease
	sorted *treeset.Set
	// path -> *Lease
	byPath *treemap.Map
}

func (self Manager) Init() *Manager {
	if self.SoftLimit <= 0 {
		self.SoftLimit = DefaultSoftLimit
	}
	if self.HardLimit <= 0 {
		self.HardLimit = DefaultHardLimit
	}
	self.lock = util.OrderedMutex{Name: "lease", Rank: util.RankLeaf}
	self.leases = make(map[string]*Lease)
	self.sorted = treeset.NewWith(byExpiry)
	self.byPath = treemap.NewWith(utils.StringComparator)
	return &self
}

func (self *Manager) GetLease(holder string) *Lease {
	defer self.lock.Locked()()
	return self.leases[holder]
}

func (self *Manager) getLeaseByPath(path string) *Lease {
	v, found := self.byPath.Get(path)
	if !found {
		return nil
	}
	return v.(*Lease)
}

// GetLeaseByPath returns the lease covering path, if any.
func (self *Manager) GetLeaseByPath(path string) *Lease {
	defer self.lock.Locked()()
	return self.getLeaseByPath(path)
}

func (self *Manager) CountLeases() int {
	defer self.lock.Locked()()
	return self.sorted.Size()
}

// CountPath is the number of files open for writing.
func (self *Manager) CountPath() int {
	defer self.lock.Locked()()
	return self.byPath.Size()
}

// SortedLeases returns the leases oldest first.
func (self *Manager) SortedLeases() []*Lease {
	defer self.lock.Locked()()
	values := self.sorted.Values()
	r := make([]*Lease, len(values))
	for i, v := range values {
		r[i] = v.(*Lease)
	}
	return r
}

func (self *Manager) addLease(holder, path string, now time.Time) *Lease {
	l := self.leases[holder]
	if l == nil {
		l = &Lease{Holder: holder, m: self, lastUpdate: now,
			paths: treeset.NewWithStringComparator()}
		self.leases[holder] = l
		self.sorted.Add(l)
	} else {
		self.renew(l, now)
	}
	self.byPath.Put(path, l)
	l.paths.Add(path)
	return l
}

// AddLease grants holder a lease over path (renewing an existing
// lease of the holder).
func (self *Manager) AddLease(holder, path string, now time.Time) *Lease {
	defer self.lock.Locked()()
	mlog.Printf2("lease/lease", "AddLease %s %s", holder, path)
	return self.addLease(holder, path, now)
}

func (self *Manager) removeLease(l *Lease, path string) {
	self.byPath.Remove(path)
	l.paths.Remove(path)
	if l.paths.Empty() {
		self.sorted.Remove(l)
		delete(self.leases, l.Holder)
	}
}

// RemoveLease releases path from holder.
func (self *Manager) RemoveLease(holder, path string) {
	defer self.lock.Locked()()
	l := self.leases[holder]
	if l == nil {
		mlog.Warnf("lease/lease", "Removing non-existent lease! holder=%s src=%s", holder, path)
		return
	}
	self.removeLease(l, path)
}

// ReassignLease moves path from whatever lease covers it to
// newHolder.
func (self *Manager) ReassignLease(l *Lease, path, newHolder string, now time.Time) *Lease {
	defer self.lock.Locked()()
	if l != nil {
		self.removeLease(l, path)
	}
	return self.addLease(newHolder, path, now)
}

func (self *Manager) renew(l *Lease, now time.Time) {
	self.sorted.Remove(l)
	l.lastUpdate = now
	self.sorted.Add(l)
}

// RenewLease extends the grant of holder, if it has one.
func (self *Manager) RenewLease(holder string, now time.Time) {
	defer self.lock.Locked()()
	if l := self.leases[holder]; l != nil {
		self.renew(l, now)
	}
}

// RenewAllLeases extends every lease; used when the coordinator
// comes out of startup safe mode.
func (self *Manager) RenewAllLeases(now time.Time) {
	defer self.lock.Locked()()
	for _, l := range self.leases {
		self.renew(l, now)
	}
}

func isPrefixPath(prefix, path string) bool {
	return path == prefix || strings.HasPrefix(path, strings.TrimSuffix(prefix, "/")+"/")
}

func (self *Manager) pathsWithPrefix(prefix string) []string {
	var r []string
	for _, k := range self.byPath.Keys() {
		if isPrefixPath(prefix, k.(string)) {
			r = append(r, k.(string))
		}
	}
	return r
}

// ChangeLease renames src (and anything under it) to dst in the open
// file bookkeeping.
func (self *Manager) ChangeLease(src, dst string) {
	defer self.lock.Locked()()
	for _, old := range self.pathsWithPrefix(src) {
		l := self.getLeaseByPath(old)
		renamed := dst + old[len(src):]
		mlog.Printf2("lease/lease", "ChangeLease %s -> %s", old, renamed)
		self.byPath.Remove(old)
		l.paths.Remove(old)
		l.paths.Add(renamed)
		self.byPath.Put(renamed, l)
	}
}

// RemoveLeaseWithPrefixPath drops the leases of prefix and anything
// under it.
func (self *Manager) RemoveLeaseWithPrefixPath(prefix string) {
	defer self.lock.Locked()()
	for _, p := range self.pathsWithPrefix(prefix) {
		self.removeLease(self.getLeaseByPath(p), p)
	}
}

// ExpiredHardLimit returns the leases past the hard limit, oldest
// first.
func (self *Manager) ExpiredHardLimit(now time.Time) []*Lease {
	defer self.lock.Locked()()
	var r []*Lease
	it := self.sorted.Iterator()
	for it.Next() {
		l := it.Value().(*Lease)
		if now.Sub(l.lastUpdate) <= self.HardLimit {
			break
		}
		r = append(r, l)
	}
	return r
}

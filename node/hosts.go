/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Fri Feb 15 13:10:30 2019 mstenber
 * Last modified: Mon Feb 18 09:31:02 2019 mstenber
 * Edit time:     36 min
 *
 */

package node

import (
	"bufio"
	"os"
	"strings"

	"github.com/emirpasic/gods/sets/treeset"
	"github.com/fingon/go-blockmaster/mlog"
	"github.com/fingon/go-blockmaster/util"
)

// HostsList is the include/exclude list pair. An empty include list
// means every host is allowed.
type HostsList struct {
	IncludeFile, ExcludeFile string

	lock     util.OrderedMutex
	includes *treeset.Set
	excludes *treeset.Set
}

func (self HostsList) Init() *HostsList {
	self.lock = util.OrderedMutex{Name: "hosts", Rank: util.RankLeaf}
	self.includes = treeset.NewWithStringComparator()
	self.excludes = treeset.NewWithStringComparator()
	return &self
}

func readHostsFile(filename string) (*treeset.Set, error) {
	s := treeset.NewWithStringComparator()
	if filename == "" {
		return s, nil
	}
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if i := strings.Index(line, "#"); i >= 0 {
			line = line[:i]
		}
		for _, h := range strings.Fields(line) {
			s.Add(h)
		}
	}
	return s, scanner.Err()
}

// Refresh rereads the include and exclude files.
func (self *HostsList) Refresh() error {
	inc, err := readHostsFile(self.IncludeFile)
	if err != nil {
		return err
	}
	exc, err := readHostsFile(self.ExcludeFile)
	if err != nil {
		return err
	}
	defer self.lock.Locked()()
	self.includes = inc
	self.excludes = exc
	mlog.Printf2("node/hosts", "Refresh: %d includes, %d excludes", inc.Size(), exc.Size())
	return nil
}

func toSet(hosts []string) *treeset.Set {
	s := treeset.NewWithStringComparator()
	for _, h := range hosts {
		s.Add(h)
	}
	return s
}

func (self *HostsList) SetIncludes(hosts []string) {
	defer self.lock.Locked()()
	self.includes = toSet(hosts)
}

func (self *HostsList) SetExcludes(hosts []string) {
	defer self.lock.Locked()()
	self.excludes = toSet(hosts)
}

func values(s *treeset.Set) []string {
	r := make([]string, 0, s.Size())
	for _, v := range s.Values() {
		r = append(r, v.(string))
	}
	return r
}

func (self *HostsList) Includes() []string {
	defer self.lock.Locked()()
	return values(self.includes)
}

func (self *HostsList) Excludes() []string {
	defer self.lock.Locked()()
	return values(self.excludes)
}

// names are the identities a node may be listed under.
func names(d *Descriptor) []interface{} {
	r := []interface{}{d.Host(), d.Name}
	if d.HostName != "" {
		r = append(r, d.HostName)
	}
	return r
}

func containsAny(s *treeset.Set, d *Descriptor) bool {
	for _, n := range names(d) {
		if s.Contains(n) {
			return true
		}
	}
	return false
}

// InHostsList is true if d may connect.
func (self *HostsList) InHostsList(d *Descriptor) bool {
	defer self.lock.Locked()()
	return self.includes.Empty() || containsAny(self.includes, d)
}

func (self *HostsList) InExcludedHostsList(d *Descriptor) bool {
	defer self.lock.Locked()()
	return containsAny(self.excludes, d)
}

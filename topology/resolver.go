/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Fri Feb 15 09:21:44 2019 mstenber
 * Last modified: Fri Feb 15 10:02:12 2019 mstenber
 * Edit time:     34 min
 *
 */

package topology

import (
	"fmt"
	"sort"

	"github.com/bluele/gcache"
	"github.com/fingon/go-blockmaster/mlog"
)

// Resolver maps host names (or addresses) to network locations.
type Resolver interface {
	Resolve(names []string) []string
}

type ResolverConfig struct {
	// Mapping is host -> location (static resolver).
	Mapping map[string]string

	// DefaultLocation is used for unknown hosts.
	DefaultLocation string

	// CacheSize, if non-zero, wraps the resolver in a cache.
	CacheSize int
}

type resolverFactory func(config ResolverConfig) Resolver

var resolverFactories = map[string]resolverFactory{
	"flat": func(config ResolverConfig) Resolver {
		return &flatResolver{location: NormalizeLocation(config.DefaultLocation)}
	},
	"static": func(config ResolverConfig) Resolver {
		m := make(map[string]string)
		for k, v := range config.Mapping {
			m[k] = NormalizeLocation(v)
		}
		return &staticResolver{mapping: m,
			location: NormalizeLocation(config.DefaultLocation)}
	},
}

func ListResolvers() []string {
	keys := make([]string, 0, len(resolverFactories))
	for k := range resolverFactories {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func NewResolver(name string, config ResolverConfig) (Resolver, error) {
	cb, ok := resolverFactories[name]
	if !ok {
		return nil, fmt.Errorf("unknown resolver %q (known: %v)", name, ListResolvers())
	}
	r := cb(config)
	if config.CacheSize > 0 {
		r = CachedResolver{Resolver: r, Size: config.CacheSize}.Init()
	}
	return r, nil
}

type flatResolver struct {
	location string
}

func (self *flatResolver) Resolve(names []string) []string {
	r := make([]string, len(names))
	for i := range names {
		r[i] = self.location
	}
	return r
}

type staticResolver struct {
	mapping  map[string]string
	location string
}

func (self *staticResolver) Resolve(names []string) []string {
	r := make([]string, len(names))
	for i, name := range names {
		if loc, ok := self.mapping[name]; ok {
			r[i] = loc
		} else {
			r[i] = self.location
		}
	}
	return r
}

// CachedResolver remembers what the underlying resolver said.
type CachedResolver struct {
	Resolver Resolver
	Size     int

	cache gcache.Cache
}

func (self CachedResolver) Init() *CachedResolver {
	self.cache = gcache.New(self.Size).ARC().Build()
	return &self
}

func (self *CachedResolver) Resolve(names []string) []string {
	r := make([]string, len(names))
	var missing []string
	var missingIdx []int
	for i, name := range names {
		v, err := self.cache.Get(name)
		if err == nil {
			r[i] = v.(string)
			continue
		}
		missing = append(missing, name)
		missingIdx = append(missingIdx, i)
	}
	if len(missing) == 0 {
		return r
	}
	mlog.Printf2("topology/resolver", "CachedResolver: resolving %d uncached", len(missing))
	for j, loc := range self.Resolver.Resolve(missing) {
		r[missingIdx[j]] = loc
		self.cache.Set(missing[j], loc)
	}
	return r
}

// Invalidate forgets name (e.g. when the node re-registers).
func (self *CachedResolver) Invalidate(name string) {
	self.cache.Remove(name)
}

/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Fri Feb 22 09:45:03 2019 mstenber
 * Last modified: Fri Feb 22 10:31:40 2019 mstenber
 * Edit time:     30 min
 *
 */

package lease

import (
	"testing"
	"time"

	"github.com/stvp/assert"
)

func TestLeaseManager(t *testing.T) {
	t.Parallel()
	m := Manager{SoftLimit: time.Second, HardLimit: 10 * time.Second}.Init()
	t0 := time.Unix(1000, 0)
	a := m.AddLease("a", "/d/f1", t0)
	m.AddLease("a", "/d/f2", t0)
	b := m.AddLease("b", "/x", t0.Add(time.Second))
	assert.Equal(t, m.CountLeases(), 2)
	assert.Equal(t, m.CountPath(), 3)
	assert.Equal(t, m.GetLeaseByPath("/d/f2"), a)
	assert.Equal(t, a.Paths(), []string{"/d/f1", "/d/f2"})
	assert.Equal(t, m.SortedLeases(), []*Lease{a, b})

	assert.True(t, a.ExpiredSoftLimit(t0.Add(2*time.Second)))
	assert.True(t, !a.ExpiredHardLimit(t0.Add(2*time.Second)))

	// Renewal moves a behind b
	m.RenewLease("a", t0.Add(5*time.Second))
	assert.Equal(t, m.SortedLeases(), []*Lease{b, a})
	assert.Equal(t, m.ExpiredHardLimit(t0.Add(12*time.Second)), []*Lease{b})
	assert.Equal(t, len(m.ExpiredHardLimit(t0.Add(20*time.Second))), 2)

	m.ChangeLease("/d", "/e")
	assert.Equal(t, a.Paths(), []string{"/e/f1", "/e/f2"})
	assert.Equal(t, m.GetLeaseByPath("/d/f1"), (*Lease)(nil))

	r := m.ReassignLease(b, "/x", "recovery", t0.Add(6*time.Second))
	assert.Equal(t, r.Holder, "recovery")
	assert.Equal(t, m.GetLease("b"), (*Lease)(nil))

	m.RemoveLease("a", "/e/f1")
	assert.True(t, a.HasPath())
	m.RemoveLeaseWithPrefixPath("/e")
	assert.True(t, !a.HasPath())
	assert.Equal(t, m.GetLease("a"), (*Lease)(nil))
	m.RemoveLease("nobody", "/zz")
	assert.Equal(t, m.CountLeases(), 1)

	m.RenewAllLeases(t0.Add(100 * time.Second))
	assert.Equal(t, len(m.ExpiredHardLimit(t0.Add(101*time.Second))), 0)
}

func TestIsPrefixPath(t *testing.T) {
	t.Parallel()
	assert.True(t, isPrefixPath("/a", "/a"))
	assert.True(t, isPrefixPath("/a", "/a/b"))
	assert.True(t, isPrefixPath("/a/", "/a/b"))
	assert.True(t, !isPrefixPath("/a", "/ab"))
	assert.True(t, isPrefixPath("/", "/ab"))
}

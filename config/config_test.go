/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Tue Feb 26 10:20:12 2019 mstenber
 * Last modified: Tue Feb 26 10:58:40 2019 mstenber
 * Edit time:     22 min
 *
 */

package config

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stvp/assert"
)

func TestDefaults(t *testing.T) {
	t.Parallel()
	c, err := Load("")
	assert.Nil(t, err)
	assert.Equal(t, c.Replication.Default, 3)
	assert.Equal(t, c.Heartbeat.ExpireInterval, 10*time.Minute+30*time.Second)
	assert.Equal(t, c.Heartbeat.StaleInterval, 30*time.Second)
	assert.Equal(t, c.InvalidateLimit, 100)
	assert.Equal(t, c.Journal.Backend, "bolt")
	assert.True(t, strings.Contains(c.String(), "policy: default"))
}

func TestDerived(t *testing.T) {
	t.Parallel()
	c, err := Parse([]byte(`
heartbeat:
  interval: 10s
  recheck_interval: 1m
  stale_interval: 5s
  avoid_stale_for_write: true
replication:
  default: 2
`))
	assert.Nil(t, err)
	assert.Equal(t, c.Heartbeat.ExpireInterval, 2*time.Minute+100*time.Second)
	// Raised to 3 heartbeats, then recheck follows it
	assert.Equal(t, c.Heartbeat.StaleInterval, 30*time.Second)
	assert.Equal(t, c.Heartbeat.RecheckInterval, 30*time.Second)
	assert.Equal(t, c.InvalidateLimit, 200)
	assert.Equal(t, c.Replication.Default, 2)
}

func TestValidate(t *testing.T) {
	t.Parallel()
	add := func(name, data string) {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(data))
			assert.True(t, err != nil)
		})
	}
	add("min", "replication: {min: -1}")
	add("max", "replication: {max: 40000}")
	add("minmax", "replication: {min: 5, max: 4, default: 4}")
	add("ratio", "heartbeat: {stale_write_ratio: 1.5}")
	add("threshold", "safemode: {threshold: 2}")
	add("syntax", "replication: [")
}

func TestLoadFile(t *testing.T) {
	t.Parallel()
	dir, err := ioutil.TempDir("", "config")
	assert.Nil(t, err)
	defer os.RemoveAll(dir)
	fn := filepath.Join(dir, "blockmaster.yaml")
	ioutil.WriteFile(fn, []byte("placement:\n  policy: random\n"), 0600)
	c, err := Load(fn)
	assert.Nil(t, err)
	assert.Equal(t, c.Placement.Policy, "random")
	_, err = Load(filepath.Join(dir, "missing"))
	assert.True(t, err != nil)
}

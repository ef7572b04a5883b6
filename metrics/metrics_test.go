/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Tue Feb 26 10:12:02 2019 mstenber
 * Last modified: Tue Feb 26 10:30:55 2019 mstenber
 * Edit time:     14 min
 *
 */

package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stvp/assert"
)

func TestCollector(t *testing.T) {
	t.Parallel()
	src := StaticSource{BlocksTotal: 42, MissingBlocks: 3, SafeMode: true,
		LiveDatanodes: 7}
	c := Collector{Source: src, Namespace: "test"}.Init()
	assert.Equal(t, testutil.CollectAndCount(c), len(c.gauges))

	r := prometheus.NewPedanticRegistry()
	assert.Nil(t, r.Register(c))
	mfs, err := r.Gather()
	assert.Nil(t, err)
	values := make(map[string]float64)
	for _, mf := range mfs {
		values[mf.GetName()] = mf.GetMetric()[0].GetGauge().GetValue()
	}
	assert.Equal(t, values["test_blocks_total"], 42.0)
	assert.Equal(t, values["test_missing_blocks"], 3.0)
	assert.Equal(t, values["test_safe_mode"], 1.0)
	assert.Equal(t, values["test_live_datanodes"], 7.0)
	assert.Equal(t, values["test_dead_datanodes"], 0.0)
}

func TestCollectorDefaultNamespace(t *testing.T) {
	t.Parallel()
	c := Collector{Source: StaticSource{}}.Init()
	assert.Equal(t, c.Namespace, "blockmaster")
}

func BenchmarkCollect(b *testing.B) {
	c := Collector{Source: StaticSource{BlocksTotal: 1}}.Init()
	ch := make(chan prometheus.Metric, len(c.gauges))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		c.Collect(ch)
		for j := 0; j < len(c.gauges); j++ {
			<-ch
		}
	}
}

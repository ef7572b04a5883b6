/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Thu Feb 21 10:21:02 2019 mstenber
 * Last modified: Thu Feb 21 10:33:15 2019 mstenber
 * Edit time:     5 min
 *
 */

package gid

import (
	"sync"
	"testing"

	"github.com/stvp/assert"
)

func TestGetGoroutineID(t *testing.T) {
	t.Parallel()
	mine := GetGoroutineID()
	assert.True(t, mine > 0)
	assert.Equal(t, GetGoroutineID(), mine)

	const n = 8
	ids := make(chan uint64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ids <- GetGoroutineID()
		}()
	}
	wg.Wait()
	close(ids)
	seen := map[uint64]bool{mine: true}
	for id := range ids {
		assert.True(t, !seen[id], id)
		seen[id] = true
	}
	assert.Equal(t, len(seen), n+1)
}

func BenchmarkGetGoroutineID(b *testing.B) {
	for i := 0; i < b.N; i++ {
		GetGoroutineID()
	}
}

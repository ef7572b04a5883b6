/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Tue Feb 12 11:03:10 2019 mstenber
 * Last modified: Tue Feb 12 11:09:31 2019 mstenber
 * Edit time:     4 min
 *
 */

package block

import (
	"testing"

	"github.com/stvp/assert"
)

func TestBlock(t *testing.T) {
	t.Parallel()
	b := Block{ID: 7, GenStamp: 3, NumBytes: 1024}
	assert.Equal(t, b.String(), "blk_7_3")
	assert.Equal(t, b.Name(), "blk_7")
	assert.True(t, b.Equal(Block{ID: 7, GenStamp: 3}))
	assert.True(t, !b.Equal(Block{ID: 7, GenStamp: 4}))
	assert.True(t, b.MatchesGenStamp(Block{ID: 7, GenStamp: GrandfatherGenerationStamp}))
	assert.True(t, !b.MatchesGenStamp(Block{ID: 7, GenStamp: 4}))
	assert.Equal(t, b.Key(), Key(7))
}

func TestSortAndFind(t *testing.T) {
	t.Parallel()
	r := Report{{ID: 3}, {ID: 1, GenStamp: 2}, {ID: 1, GenStamp: 1}}
	SortByID(r)
	assert.Equal(t, r[0], Block{ID: 1, GenStamp: 1})
	assert.Equal(t, r[2].ID, int64(3))
	b, ok := r.Find(3)
	assert.True(t, ok)
	assert.Equal(t, b.ID, int64(3))
	_, ok = r.Find(9)
	assert.True(t, !ok)
}

//                           _       _
// __      _____  __ ___   ___  __ _| |_ ___
// \ \ /\ / / _ \/ _` \ \ / / |/ _` | __/ _ \
//  \ V  V /  __/ (_| |\ V /| | (_| | ||  __/
//   \_/\_/ \___|\__,_| \_/ |_|\__,_|\__\___|
//
//  Copyright © 2016 - 2024 Weaviate B.V. All rights reserved.
//
//  CONTACT: hello@weaviate.io
//

package candystore

import (
	"context"
	"fmt"
	"math/rand"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// options that make shard files saturate quickly
func splitHappyOptions() []Option {
	return []Option{
		WithRowsPerShard(4),
		WithSlotsPerRow(16),
		WithMaxShardFileSize(32 * 1024),
	}
}

func TestSplit_PreservesLiveSet(t *testing.T) {
	dir := t.TempDir()
	logger, _ := test.NewNullLogger()
	ctx := context.Background()

	s, err := Open(ctx, dir, logger, splitHappyOptions()...)
	require.Nil(t, err)

	const n = 5000
	rnd := rand.New(rand.NewSource(42))
	keys := make([][]byte, n)
	for i := range keys {
		keys[i] = make([]byte, 32)
		rnd.Read(keys[i])

		_, err := s.Insert(keys[i], valueForKey(keys[i]))
		require.Nil(t, err)
	}

	require.Greater(t, s.shards.count(), 1,
		"expected at least one split at this volume")

	t.Run("every key still resolves", func(t *testing.T) {
		for _, i := range rnd.Perm(n)[:500] {
			v, err := s.Get(keys[i])
			require.Nil(t, err)
			assert.Equal(t, valueForKey(keys[i]), v)
		}
	})

	t.Run("iteration yields the exact multiset", func(t *testing.T) {
		assert.Equal(t, n, countAndVerify(t, s))
	})

	t.Run("still intact after reopen", func(t *testing.T) {
		require.Nil(t, s.Close(ctx))
		s, err = Open(ctx, dir, logger, splitHappyOptions()...)
		require.Nil(t, err)
		defer s.Close(ctx)

		assert.Equal(t, n, countAndVerify(t, s))
	})
}

// each value is derived from its key so iteration can verify pairs
// without carrying a reference map
func valueForKey(key []byte) []byte {
	return fmt.Appendf(nil, "value-of-%x", key[:8])
}

func countAndVerify(t *testing.T, s *Store) int {
	t.Helper()

	count := 0
	it := s.Iter()
	defer it.Close()
	for it.Next() {
		require.Equal(t, valueForKey(it.Key()), it.Value())
		count++
	}
	require.Nil(t, it.Err())
	return count
}

func TestSplit_RowSaturationTriggersSplit(t *testing.T) {
	// generous file size: only full rows can force splits here
	s := testStore(t,
		WithRowsPerShard(1),
		WithSlotsPerRow(16),
		WithMaxShardFileSize(64*1024*1024))

	for i := 0; i < 500; i++ {
		_, err := s.Insert(fmt.Appendf(nil, "key-%04d", i), []byte("v"))
		require.Nil(t, err)
	}

	assert.Greater(t, s.shards.count(), 1)

	for i := 0; i < 500; i++ {
		v, err := s.Get(fmt.Appendf(nil, "key-%04d", i))
		require.Nil(t, err)
		assert.Equal(t, []byte("v"), v)
	}
}

func TestSplit_RangesStayAligned(t *testing.T) {
	s := testStore(t, splitHappyOptions()...)

	rnd := rand.New(rand.NewSource(7))
	for i := 0; i < 3000; i++ {
		key := make([]byte, 16)
		rnd.Read(key)
		_, err := s.Insert(key, make([]byte, 32))
		require.Nil(t, err)
	}

	files := s.shards.snapshot()
	require.Greater(t, len(files), 1)

	var pos uint32
	for _, f := range files {
		assert.Equal(t, pos, f.rangeLo, "ranges must tile the keyspace")
		width := f.rangeHi - f.rangeLo
		assert.Zero(t, width&(width-1), "range width must be a power of two")
		assert.Zero(t, f.rangeLo%width, "range must be aligned to its width")
		pos = f.rangeHi
	}
	assert.Equal(t, uint32(1<<16), pos)
}

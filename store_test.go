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
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whalevietnamese/candystore/entities"
)

func testStore(t *testing.T, opts ...Option) *Store {
	t.Helper()

	logger, _ := test.NewNullLogger()
	s, err := Open(context.Background(), t.TempDir(), logger, opts...)
	require.Nil(t, err)
	t.Cleanup(func() {
		s.Close(context.Background())
	})
	return s
}

func TestStore_RoundTrip(t *testing.T) {
	s := testStore(t)

	old, err := s.Insert([]byte("mykey"), []byte("myval"))
	require.Nil(t, err)
	assert.Nil(t, old)

	v, err := s.Get([]byte("mykey"))
	require.Nil(t, err)
	assert.Equal(t, []byte("myval"), v)

	_, err = s.Get([]byte("yourkey"))
	assert.True(t, entities.IsNotFound(err))

	it := s.Iter()
	defer it.Close()
	require.True(t, it.Next())
	assert.Equal(t, []byte("mykey"), it.Key())
	assert.Equal(t, []byte("myval"), it.Value())
	assert.False(t, it.Next())
	assert.Nil(t, it.Err())
}

func TestStore_InsertReturnsPrevious(t *testing.T) {
	s := testStore(t)

	old, err := s.Insert([]byte("k"), []byte("v1"))
	require.Nil(t, err)
	assert.Nil(t, old)

	old, err = s.Insert([]byte("k"), []byte("v2"))
	require.Nil(t, err)
	assert.Equal(t, []byte("v1"), old)

	v, err := s.Get([]byte("k"))
	require.Nil(t, err)
	assert.Equal(t, []byte("v2"), v)
}

func TestStore_Replace(t *testing.T) {
	s := testStore(t)

	_, err := s.Replace([]byte("absent"), []byte("v"))
	assert.True(t, entities.IsNotFound(err))

	_, err = s.Insert([]byte("k"), []byte("v1"))
	require.Nil(t, err)

	old, err := s.Replace([]byte("k"), []byte("v2"))
	require.Nil(t, err)
	assert.Equal(t, []byte("v1"), old)
}

func TestStore_Remove(t *testing.T) {
	s := testStore(t)

	_, err := s.Remove([]byte("absent"))
	assert.True(t, entities.IsNotFound(err))

	_, err = s.Insert([]byte("k"), []byte("v"))
	require.Nil(t, err)

	old, err := s.Remove([]byte("k"))
	require.Nil(t, err)
	assert.Equal(t, []byte("v"), old)

	_, err = s.Get([]byte("k"))
	assert.True(t, entities.IsNotFound(err))

	it := s.Iter()
	defer it.Close()
	assert.False(t, it.Next())
}

func TestStore_EmptyKeyAndValue(t *testing.T) {
	s := testStore(t)

	_, err := s.Insert([]byte{}, []byte{})
	require.Nil(t, err)

	v, err := s.Get([]byte{})
	require.Nil(t, err)
	assert.Len(t, v, 0)
}

func TestStore_SizeBounds(t *testing.T) {
	s := testStore(t, WithMaxKeySize(32), WithMaxValueSize(64))

	_, err := s.Insert(make([]byte, 33), []byte("v"))
	assert.ErrorIs(t, err, entities.CapacityExceeded)

	_, err = s.Insert([]byte("k"), make([]byte, 65))
	assert.ErrorIs(t, err, entities.CapacityExceeded)

	// nothing was mutated
	it := s.Iter()
	defer it.Close()
	assert.False(t, it.Next())

	_, err = s.Insert(make([]byte, 32), make([]byte, 64))
	require.Nil(t, err)
}

func TestStore_CompareAndSet(t *testing.T) {
	s := testStore(t)

	t.Run("on absent key", func(t *testing.T) {
		swapped, err := s.CompareAndSet([]byte("k"), []byte("v0"), []byte("v1"))
		assert.False(t, swapped)
		assert.True(t, entities.IsNotFound(err))
	})

	t.Run("insert-if-absent via nil expected", func(t *testing.T) {
		swapped, err := s.CompareAndSet([]byte("k"), nil, []byte("v0"))
		require.Nil(t, err)
		assert.True(t, swapped)

		swapped, err = s.CompareAndSet([]byte("k"), nil, []byte("other"))
		require.Nil(t, err)
		assert.False(t, swapped)
	})

	t.Run("mismatch leaves value alone", func(t *testing.T) {
		swapped, err := s.CompareAndSet([]byte("k"), []byte("wrong"), []byte("v1"))
		require.Nil(t, err)
		assert.False(t, swapped)

		v, err := s.Get([]byte("k"))
		require.Nil(t, err)
		assert.Equal(t, []byte("v0"), v)
	})

	t.Run("match swaps", func(t *testing.T) {
		swapped, err := s.CompareAndSet([]byte("k"), []byte("v0"), []byte("v1"))
		require.Nil(t, err)
		assert.True(t, swapped)

		v, err := s.Get([]byte("k"))
		require.Nil(t, err)
		assert.Equal(t, []byte("v1"), v)
	})
}

// two racing swaps from the same expected value: exactly one wins and
// the final value is the winner's
func TestStore_CompareAndSetConcurrent(t *testing.T) {
	s := testStore(t)

	key := []byte("contested")
	_, err := s.Insert(key, []byte("v0"))
	require.Nil(t, err)

	results := make([]bool, 2)
	var wg sync.WaitGroup
	for i, val := range [][]byte{[]byte("v1"), []byte("v2")} {
		wg.Add(1)
		go func(i int, val []byte) {
			defer wg.Done()
			swapped, err := s.CompareAndSet(key, []byte("v0"), val)
			assert.Nil(t, err)
			results[i] = swapped
		}(i, val)
	}
	wg.Wait()

	require.NotEqual(t, results[0], results[1])

	winner := []byte("v1")
	if results[1] {
		winner = []byte("v2")
	}
	v, err := s.Get(key)
	require.Nil(t, err)
	assert.Equal(t, winner, v)
}

func TestStore_PersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	logger, _ := test.NewNullLogger()
	ctx := context.Background()

	s, err := Open(ctx, dir, logger)
	require.Nil(t, err)

	for i := 0; i < 100; i++ {
		_, err := s.Insert(fmt.Appendf(nil, "key-%03d", i),
			fmt.Appendf(nil, "val-%03d", i))
		require.Nil(t, err)
	}
	require.Nil(t, s.Close(ctx))

	s, err = Open(ctx, dir, logger)
	require.Nil(t, err)
	defer s.Close(ctx)

	for i := 0; i < 100; i++ {
		v, err := s.Get(fmt.Appendf(nil, "key-%03d", i))
		require.Nil(t, err)
		assert.Equal(t, fmt.Appendf(nil, "val-%03d", i), v)
	}

	count := 0
	it := s.Iter()
	defer it.Close()
	for it.Next() {
		count++
	}
	require.Nil(t, it.Err())
	assert.Equal(t, 100, count)
}

// an entry whose tail was torn off before its flush reached disk must
// vanish on reopen without poisoning the store
func TestStore_TornTailRecovery(t *testing.T) {
	dir := t.TempDir()
	logger, _ := test.NewNullLogger()
	ctx := context.Background()

	s, err := Open(ctx, dir, logger)
	require.Nil(t, err)

	for i := 0; i < 10; i++ {
		_, err := s.Insert(fmt.Appendf(nil, "stable-%d", i), []byte("stable-value"))
		require.Nil(t, err)
	}
	victim := []byte("victim-key")
	_, err = s.Insert(victim, make([]byte, 64))
	require.Nil(t, err)
	require.Nil(t, s.Close(ctx))

	shards, err := filepath.Glob(filepath.Join(dir, "shard-*"))
	require.Nil(t, err)
	require.Len(t, shards, 1)

	fi, err := os.Stat(shards[0])
	require.Nil(t, err)
	require.Nil(t, os.Truncate(shards[0], fi.Size()-16))

	s, err = Open(ctx, dir, logger)
	require.Nil(t, err)
	defer s.Close(ctx)

	_, err = s.Get(victim)
	assert.True(t, entities.IsNotFound(err))

	for i := 0; i < 10; i++ {
		v, err := s.Get(fmt.Appendf(nil, "stable-%d", i))
		require.Nil(t, err)
		assert.Equal(t, []byte("stable-value"), v)
	}

	// and the store keeps accepting writes
	_, err = s.Insert(victim, []byte("second try"))
	require.Nil(t, err)
	v, err := s.Get(victim)
	require.Nil(t, err)
	assert.Equal(t, []byte("second try"), v)
}

// a crash between writing split children and unlinking their parent
// leaves both on disk; the children were never published and must go
func TestStore_DropsUnpublishedSplitChildren(t *testing.T) {
	dir := t.TempDir()
	logger, _ := test.NewNullLogger()
	ctx := context.Background()

	s, err := Open(ctx, dir, logger)
	require.Nil(t, err)
	_, err = s.Insert([]byte("k"), []byte("v"))
	require.Nil(t, err)
	require.Nil(t, s.Close(ctx))

	child := filepath.Join(dir, shardFileName(0, 1<<15))
	require.Nil(t, os.WriteFile(child, []byte("half-written child"), 0o600))
	stale := filepath.Join(dir, shardFileName(0, 1<<16)+".tmp")
	require.Nil(t, os.WriteFile(stale, []byte("interrupted compaction"), 0o600))

	s, err = Open(ctx, dir, logger)
	require.Nil(t, err)
	defer s.Close(ctx)

	_, err = os.Stat(child)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(stale)
	assert.True(t, os.IsNotExist(err))

	v, err := s.Get([]byte("k"))
	require.Nil(t, err)
	assert.Equal(t, []byte("v"), v)
}

func TestStore_PeriodicFlush(t *testing.T) {
	s := testStore(t, WithFlushInterval(10*time.Millisecond))

	_, err := s.Insert([]byte("k"), []byte("v"))
	require.Nil(t, err)

	require.Eventually(t, func() bool {
		return s.flushCycle.Running()
	}, time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	v, err := s.Get([]byte("k"))
	require.Nil(t, err)
	assert.Equal(t, []byte("v"), v)
}

func TestStore_ClosedStoreRejectsOperations(t *testing.T) {
	logger, _ := test.NewNullLogger()
	s, err := Open(context.Background(), t.TempDir(), logger)
	require.Nil(t, err)
	require.Nil(t, s.Close(context.Background()))

	_, err = s.Get([]byte("k"))
	assert.NotNil(t, err)
	_, err = s.Insert([]byte("k"), []byte("v"))
	assert.NotNil(t, err)
	assert.NotNil(t, s.Flush(context.Background()))
}

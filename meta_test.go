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
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whalevietnamese/candystore/entities"
)

func TestMeta_SeedSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	logger, _ := test.NewNullLogger()
	ctx := context.Background()

	s, err := Open(ctx, dir, logger)
	require.Nil(t, err)
	seed := s.cfg.hashSeed
	require.Nil(t, s.Close(ctx))

	s, err = Open(ctx, dir, logger)
	require.Nil(t, err)
	defer s.Close(ctx)
	assert.Equal(t, seed, s.cfg.hashSeed)
}

func TestMeta_RejectsConflictingPinnedSeed(t *testing.T) {
	dir := t.TempDir()
	logger, _ := test.NewNullLogger()
	ctx := context.Background()

	s, err := Open(ctx, dir, logger, WithHashSeed(1))
	require.Nil(t, err)
	require.Nil(t, s.Close(ctx))

	_, err = Open(ctx, dir, logger, WithHashSeed(2))
	assert.ErrorIs(t, err, entities.Config)

	s, err = Open(ctx, dir, logger, WithHashSeed(1))
	require.Nil(t, err)
	s.Close(ctx)
}

func TestMeta_RejectsChangedLayout(t *testing.T) {
	dir := t.TempDir()
	logger, _ := test.NewNullLogger()
	ctx := context.Background()

	s, err := Open(ctx, dir, logger, WithRowsPerShard(4), WithSlotsPerRow(16))
	require.Nil(t, err)
	require.Nil(t, s.Close(ctx))

	_, err = Open(ctx, dir, logger, WithRowsPerShard(8), WithSlotsPerRow(16))
	assert.ErrorIs(t, err, entities.Config)
}

func TestMeta_RejectsGarbage(t *testing.T) {
	dir := t.TempDir()
	logger, _ := test.NewNullLogger()

	require.Nil(t, os.WriteFile(filepath.Join(dir, metaFileName),
		[]byte("not a meta file, definitely"), 0o600))

	_, err := Open(context.Background(), dir, logger)
	assert.ErrorIs(t, err, entities.Corrupt)
}

func TestConfigValidation(t *testing.T) {
	logger, _ := test.NewNullLogger()
	ctx := context.Background()

	for name, opts := range map[string][]Option{
		"zero rows":            {WithRowsPerShard(0)},
		"unaligned slots":      {WithSlotsPerRow(17)},
		"oversized key bound":  {WithMaxKeySize(1 << 17)},
		"entry exceeds packed": {WithMaxValueSize(1 << 24)},
		"file below header":    {WithMaxShardFileSize(1024)},
		"ratio of one":         {WithCompactionDeadBytesRatio(1)},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Open(ctx, t.TempDir(), logger, opts...)
			assert.ErrorIs(t, err, entities.Config)
		})
	}
}

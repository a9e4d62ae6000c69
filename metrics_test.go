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
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whalevietnamese/candystore/monitoring"
)

func TestMetrics_TrackStoreState(t *testing.T) {
	dir := t.TempDir()
	logger, _ := test.NewNullLogger()
	ctx := context.Background()

	prom := monitoring.NewPrometheusMetrics(prometheus.NewRegistry())

	s, err := Open(ctx, dir, logger,
		WithMetrics(prom),
		WithRowsPerShard(4),
		WithSlotsPerRow(16),
		WithMaxShardFileSize(16*1024))
	require.Nil(t, err)
	defer s.Close(ctx)

	store := filepath.Base(dir)
	assert.Equal(t, 1.0,
		testutil.ToFloat64(prom.ShardFiles.WithLabelValues(store)))

	for i := 0; i < 500; i++ {
		_, err := s.Insert(fmt.Appendf(nil, "key-%04d", i), make([]byte, 32))
		require.Nil(t, err)
	}

	// gauges refresh on maintenance events and flushes
	require.Nil(t, s.Flush(ctx))

	assert.Equal(t, 500.0,
		testutil.ToFloat64(prom.StoreEntries.WithLabelValues(store)))
	assert.Greater(t,
		testutil.ToFloat64(prom.ShardFiles.WithLabelValues(store)), 1.0)
	assert.Greater(t,
		testutil.ToFloat64(prom.ShardSplits.WithLabelValues(store)), 0.0)
	assert.Greater(t,
		testutil.ToFloat64(prom.DataBytes.WithLabelValues(store)), 0.0)
}

func TestMetrics_NilViewIsSafe(t *testing.T) {
	var m *Metrics

	m.ShardFiles(1)
	m.Entries(1)
	m.DataBytes(1)
	m.DeadBytes(1)
	m.Split()
	m.Compaction()

	assert.Nil(t, NewMetrics(nil, "unmetered"))
}

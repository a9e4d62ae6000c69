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
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/whalevietnamese/candystore/monitoring"
)

// Metrics is the per-store view of the shared collectors, curried with
// the store label. All methods tolerate a nil receiver so an unmetered
// store pays nothing.
type Metrics struct {
	shardFiles     prometheus.Gauge
	entries        prometheus.Gauge
	dataBytes      prometheus.Gauge
	deadBytes      prometheus.Gauge
	splits         prometheus.Counter
	compactions    prometheus.Counter
	flushDurations prometheus.Observer
}

func NewMetrics(prom *monitoring.PrometheusMetrics, storeName string) *Metrics {
	if prom == nil {
		return nil
	}

	labels := prometheus.Labels{"store": storeName}

	return &Metrics{
		shardFiles:     prom.ShardFiles.With(labels),
		entries:        prom.StoreEntries.With(labels),
		dataBytes:      prom.DataBytes.With(labels),
		deadBytes:      prom.DeadBytes.With(labels),
		splits:         prom.ShardSplits.With(labels),
		compactions:    prom.ShardCompactions.With(labels),
		flushDurations: prom.FlushDurations.With(labels),
	}
}

func (m *Metrics) ShardFiles(count float64) {
	if m == nil {
		return
	}
	m.shardFiles.Set(count)
}

func (m *Metrics) Entries(count float64) {
	if m == nil {
		return
	}
	m.entries.Set(count)
}

func (m *Metrics) DataBytes(count float64) {
	if m == nil {
		return
	}
	m.dataBytes.Set(count)
}

func (m *Metrics) DeadBytes(count float64) {
	if m == nil {
		return
	}
	m.deadBytes.Set(count)
}

func (m *Metrics) Split() {
	if m == nil {
		return
	}
	m.splits.Inc()
}

func (m *Metrics) Compaction() {
	if m == nil {
		return
	}
	m.compactions.Inc()
}

func (m *Metrics) FlushTook(start time.Time) {
	if m == nil {
		return
	}
	m.flushDurations.Observe(time.Since(start).Seconds())
}

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

package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusMetrics groups all collectors of the store. Per-store views
// are curried from these with a "store" label.
type PrometheusMetrics struct {
	ShardFiles       *prometheus.GaugeVec
	StoreEntries     *prometheus.GaugeVec
	DataBytes        *prometheus.GaugeVec
	DeadBytes        *prometheus.GaugeVec
	ShardSplits      *prometheus.CounterVec
	ShardCompactions *prometheus.CounterVec
	FlushDurations   prometheus.ObserverVec
}

func NewPrometheusMetrics(reg prometheus.Registerer) *PrometheusMetrics {
	out := &PrometheusMetrics{
		ShardFiles: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "candystore_shard_files",
			Help: "Number of live shard files",
		}, []string{"store"}),
		StoreEntries: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "candystore_entries",
			Help: "Number of live entries across all shards",
		}, []string{"store"}),
		DataBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "candystore_data_bytes",
			Help: "Bytes appended to data regions, live and dead",
		}, []string{"store"}),
		DeadBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "candystore_dead_bytes",
			Help: "Data-region bytes no longer referenced by any slot",
		}, []string{"store"}),
		ShardSplits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "candystore_shard_splits_total",
			Help: "Completed shard splits",
		}, []string{"store"}),
		ShardCompactions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "candystore_shard_compactions_total",
			Help: "Completed shard compactions",
		}, []string{"store"}),
		FlushDurations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "candystore_flush_duration_seconds",
			Help:    "Duration of full-store flushes",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		}, []string{"store"}),
	}

	if reg != nil {
		reg.MustRegister(out.ShardFiles, out.StoreEntries, out.DataBytes,
			out.DeadBytes, out.ShardSplits, out.ShardCompactions,
			out.FlushDurations)
	}

	return out
}

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

	"github.com/pkg/errors"

	"github.com/whalevietnamese/candystore/entities"
	"github.com/whalevietnamese/candystore/monitoring"
)

type config struct {
	rowsPerShard             int
	slotsPerRow              int
	maxShardFileSize         uint64
	hashSeed                 uint32
	hashSeedSet              bool
	compactionDeadBytesRatio float64
	maxKeySize               int
	maxValueSize             int
	flushInterval            time.Duration
	prom                     *monitoring.PrometheusMetrics
}

func defaultConfig() *config {
	return &config{
		rowsPerShard:             64,
		slotsPerRow:              512,
		maxShardFileSize:         64 * 1024 * 1024,
		compactionDeadBytesRatio: 0.5,
		maxKeySize:               16 * 1024,
		maxValueSize:             4 * 1024 * 1024,
	}
}

type Option func(s *Store) error

func WithRowsPerShard(rows int) Option {
	return func(s *Store) error {
		s.cfg.rowsPerShard = rows
		return nil
	}
}

func WithSlotsPerRow(slots int) Option {
	return func(s *Store) error {
		s.cfg.slotsPerRow = slots
		return nil
	}
}

// WithMaxShardFileSize sets the split trigger: a shard file whose next
// append would push it past this size is bisected.
func WithMaxShardFileSize(size uint64) Option {
	return func(s *Store) error {
		s.cfg.maxShardFileSize = size
		return nil
	}
}

// WithHashSeed pins the keyed-hash seed instead of generating a random
// one on first open. The seed is persisted in the store's meta file and
// must match on every reopen.
func WithHashSeed(seed uint32) Option {
	return func(s *Store) error {
		s.cfg.hashSeed = seed
		s.cfg.hashSeedSet = true
		return nil
	}
}

// WithCompactionDeadBytesRatio sets the fraction of dead data-region
// bytes at which a shard file is rewritten in place. Zero disables
// compaction.
func WithCompactionDeadBytesRatio(ratio float64) Option {
	return func(s *Store) error {
		s.cfg.compactionDeadBytesRatio = ratio
		return nil
	}
}

func WithMaxKeySize(size int) Option {
	return func(s *Store) error {
		s.cfg.maxKeySize = size
		return nil
	}
}

func WithMaxValueSize(size int) Option {
	return func(s *Store) error {
		s.cfg.maxValueSize = size
		return nil
	}
}

// WithFlushInterval enables a periodic background flush of all shard
// headers and data regions. Zero (the default) leaves durability to
// explicit Flush calls and kernel write-back.
func WithFlushInterval(interval time.Duration) Option {
	return func(s *Store) error {
		s.cfg.flushInterval = interval
		return nil
	}
}

func WithMetrics(prom *monitoring.PrometheusMetrics) Option {
	return func(s *Store) error {
		s.cfg.prom = prom
		return nil
	}
}

func (c *config) validate() error {
	if c.rowsPerShard < 1 || c.rowsPerShard > 65536 {
		return errors.Wrapf(entities.Config,
			"rows per shard %d outside [1, 65536]", c.rowsPerShard)
	}
	if c.slotsPerRow < 16 || c.slotsPerRow > 65536 || c.slotsPerRow%16 != 0 {
		return errors.Wrapf(entities.Config,
			"slots per row %d must be a multiple of 16 in [16, 65536]",
			c.slotsPerRow)
	}
	if c.maxKeySize < 1 || c.maxKeySize > 65535 {
		return errors.Wrapf(entities.Config,
			"max key size %d outside [1, 65535]", c.maxKeySize)
	}
	if c.maxValueSize < 0 {
		return errors.Wrapf(entities.Config,
			"max value size %d is negative", c.maxValueSize)
	}
	if entryHeaderLen+c.maxKeySize+c.maxValueSize > maxEntryLen {
		return errors.Wrapf(entities.Config,
			"max key size %d plus max value size %d exceeds the %d byte "+
				"entry bound imposed by the packed slot pointer",
			c.maxKeySize, c.maxValueSize, maxEntryLen)
	}
	if hdr := headerSize(c.rowsPerShard, c.slotsPerRow); c.maxShardFileSize <= hdr {
		return errors.Wrapf(entities.Config,
			"max shard file size %d does not even cover the %d byte header",
			c.maxShardFileSize, hdr)
	}
	if c.compactionDeadBytesRatio < 0 || c.compactionDeadBytesRatio >= 1 {
		return errors.Wrapf(entities.Config,
			"compaction dead-bytes ratio %f outside [0, 1)",
			c.compactionDeadBytesRatio)
	}
	if c.flushInterval < 0 {
		return errors.Wrapf(entities.Config,
			"flush interval %s is negative", c.flushInterval)
	}
	return nil
}

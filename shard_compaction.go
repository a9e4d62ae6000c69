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
	"os"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"

	"github.com/whalevietnamese/candystore/entities"
)

// a compaction copies live entries without holding row locks and
// re-checks the row dirty counters at swap time; a mutation that slipped
// in between loses the copy and the compaction retries
var errCompactionRaced = errors.New("compaction raced a concurrent mutation")

// maybeCompact rewrites the shard in place once the dead-byte ratio of
// its data region crosses the configured threshold.
func (s *Store) maybeCompact(sf *shardFile) {
	if s.cfg.compactionDeadBytesRatio <= 0 {
		return
	}
	if sf.deadBytes.Load() == 0 || sf.deadRatio() < s.cfg.compactionDeadBytesRatio {
		return
	}

	if !sf.compactionLock.TryLock() {
		// someone else is already rewriting this shard
		return
	}
	defer sf.compactionLock.Unlock()

	bo := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5)
	err := backoff.Retry(func() error {
		err := s.compactOnce(sf)
		if errors.Is(err, errCompactionRaced) {
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}, bo)
	if err != nil {
		s.logger.WithField("action", "candy_compaction").
			WithField("path", sf.path).
			WithError(err).Warn("compaction attempt abandoned")
	}
}

func (s *Store) compactOnce(sf *shardFile) error {
	sf.maintenanceLock.RLock()
	if sf.retired {
		sf.maintenanceLock.RUnlock()
		return nil
	}

	type rowSnapshot struct {
		slots []slotRef
		dirty uint32
	}
	snaps := make([]rowSnapshot, s.cfg.rowsPerShard)
	for row := range snaps {
		snaps[row].slots, snaps[row].dirty = sf.snapshotRow(row)
	}
	sf.maintenanceLock.RUnlock()

	tmpPath := sf.path + ".tmp"
	replacement, err := createShardFileAt(tmpPath, sf.rangeLo, sf.rangeHi,
		s.cfg, s.logger)
	if err != nil {
		return err
	}

	discard := func() {
		replacement.header.Unmap()
		replacement.f.Close()
		os.Remove(tmpPath)
	}

	for _, snap := range snaps {
		for _, ref := range snap.slots {
			key, value, err := sf.readEntry(ref.packed)
			if err != nil {
				if errors.Is(err, entities.Corrupt) {
					continue
				}
				discard()
				return err
			}

			fp := newFingerprint(s.cfg.hashSeed, key)
			if fp.sig != ref.sig || !sf.ownsSelector(fp.shard) {
				// the slot was reused between snapshot and copy
				discard()
				return errCompactionRaced
			}

			if _, err := replacement.put(fp, key, value, modeUpsert, nil); err != nil {
				discard()
				return err
			}
		}
	}

	if err := replacement.flush(); err != nil {
		discard()
		return err
	}

	sf.maintenanceLock.Lock()
	if sf.retired {
		sf.maintenanceLock.Unlock()
		discard()
		return nil
	}

	for row := range snaps {
		if sf.rowDirty(row) != snaps[row].dirty {
			sf.maintenanceLock.Unlock()
			discard()
			return errCompactionRaced
		}
	}

	if err := os.Rename(tmpPath, sf.path); err != nil {
		sf.maintenanceLock.Unlock()
		discard()
		return errors.Wrap(err, "install compacted shard file")
	}
	replacement.path = sf.path

	s.shards.swap(sf, replacement)
	sf.retired = true
	sf.maintenanceLock.Unlock()

	if err := sf.close(); err != nil {
		s.logger.WithField("action", "candy_compaction").
			WithField("path", sf.path).
			WithError(err).Warn("close compacted shard file")
	}

	s.logger.WithField("action", "candy_compaction").
		WithField("path", sf.path).
		WithField("reclaimed_bytes", sf.deadBytes.Load()).
		Debug("compacted shard file")
	s.metrics.Compaction()
	s.updateGauges()

	return nil
}

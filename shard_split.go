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

	"github.com/pkg/errors"

	"github.com/whalevietnamese/candystore/entities"
)

// split bisects a shard file whose data region outgrew the split
// threshold or whose row saturated. Routed operations wait on the
// maintenance lock and re-resolve the directory once the children are
// published.
func (s *Store) split(sf *shardFile) error {
	sf.maintenanceLock.Lock()

	if sf.retired {
		// someone else split or compacted it first, the caller's retry
		// will land on the replacement
		sf.maintenanceLock.Unlock()
		return nil
	}

	leaves, err := s.bisect(sf)
	if err != nil {
		for _, leaf := range leaves {
			leaf.header.Unmap()
			leaf.f.Close()
			os.Remove(leaf.path)
		}
		sf.maintenanceLock.Unlock()
		return err
	}

	for _, leaf := range leaves {
		if err := leaf.flush(); err != nil {
			sf.maintenanceLock.Unlock()
			return err
		}
	}

	s.shards.replace(sf, leaves)
	sf.retired = true
	sf.maintenanceLock.Unlock()

	if err := sf.close(); err != nil {
		s.logger.WithField("action", "candy_split").
			WithField("path", sf.path).
			WithError(err).Warn("close split parent")
	}
	if err := os.Remove(sf.path); err != nil {
		s.logger.WithField("action", "candy_split").
			WithField("path", sf.path).
			WithError(err).Warn("unlink split parent")
	}

	s.logger.WithField("action", "candy_split").
		WithField("path", sf.path).
		WithField("children", len(leaves)).
		Debug("split shard file")
	s.metrics.Split()
	s.updateGauges()

	return nil
}

// bisect redistributes the parent's live entries over two half-range
// children. A child that saturates during the walk is bisected in turn,
// so a pathologically skewed distribution produces more than two leaves.
// A range of width one cannot split further and fails the operation.
// Always returns the files created so far so the caller can clean up on
// error.
func (s *Store) bisect(src *shardFile) ([]*shardFile, error) {
	if src.rangeHi-src.rangeLo < 2 {
		return nil, errors.Wrapf(entities.CapacityExceeded,
			"shard range [%05x, %05x) cannot split further",
			src.rangeLo, src.rangeHi)
	}

	mid := src.rangeLo + (src.rangeHi-src.rangeLo)/2

	left, err := createShardFile(s.dir, src.rangeLo, mid, s.cfg, s.logger)
	if err != nil {
		return nil, err
	}
	right, err := createShardFile(s.dir, mid, src.rangeHi, s.cfg, s.logger)
	if err != nil {
		return []*shardFile{left}, err
	}

	leaves := []*shardFile{left, right}
	err = src.scanLive(func(key, value []byte) error {
		fp := newFingerprint(s.cfg.hashSeed, key)
		return s.insertIntoLeaves(&leaves, fp, key, value)
	})
	if err != nil {
		return leaves, err
	}

	return leaves, nil
}

func (s *Store) insertIntoLeaves(leaves *[]*shardFile, fp fingerprint,
	key, value []byte,
) error {
	for {
		var dst *shardFile
		var dstIdx int
		for i, leaf := range *leaves {
			if leaf.ownsSelector(fp.shard) {
				dst, dstIdx = leaf, i
				break
			}
		}
		if dst == nil {
			return errors.Wrapf(entities.Corrupt,
				"no split child owns selector %04x", fp.shard)
		}

		_, err := dst.put(fp, key, value, modeUpsert, nil)
		if err == nil {
			return nil
		}
		if !errors.Is(err, errRowFull) && !errors.Is(err, errShardFull) {
			return err
		}

		subs, err := s.bisect(dst)
		if err != nil {
			*leaves = append(*leaves, subs...)
			return err
		}

		next := make([]*shardFile, 0, len(*leaves)+1)
		next = append(next, (*leaves)[:dstIdx]...)
		next = append(next, subs...)
		next = append(next, (*leaves)[dstIdx+1:]...)
		*leaves = next

		dst.header.Unmap()
		dst.f.Close()
		os.Remove(dst.path)
	}
}

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
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/whalevietnamese/candystore/entities"
	"github.com/whalevietnamese/candystore/entities/cyclemanager"
)

const numCollectionLocks = 1024

var errClosed = errors.New("store already closed")

// Store is a persistent hash-sharded key-value store, it "owns" one
// folder on the file system. Keys route to a shard file by the high bits
// of their keyed 64-bit hash; each shard file holds a mapped header of
// signature rows and an append-only data region.
type Store struct {
	dir     string
	logger  logrus.FieldLogger
	cfg     *config
	metrics *Metrics

	shards *shardDirectory

	flushCycle cyclemanager.CycleManager
	flushLock  sync.Mutex

	collectionLocks [numCollectionLocks]sync.Mutex

	closed atomic.Bool
}

// Open creates or loads a store rooted at dir.
func Open(ctx context.Context, dir string, logger logrus.FieldLogger,
	opts ...Option,
) (*Store, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s := &Store{
		dir:    dir,
		logger: logger,
		cfg:    defaultConfig(),
	}

	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	if err := s.cfg.validate(); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, errors.Wrap(err, "init store directory")
	}

	if err := loadOrCreateMeta(dir, s.cfg); err != nil {
		return nil, err
	}
	s.metrics = NewMetrics(s.cfg.prom, filepath.Base(dir))

	files, err := s.recoverShardFiles()
	if err != nil {
		return nil, err
	}
	s.shards = newShardDirectory(files)

	if s.cfg.flushInterval > 0 {
		s.flushCycle = cyclemanager.New(s.cfg.flushInterval, s.flushCycleFunc)
	} else {
		s.flushCycle = cyclemanager.NewNoop()
	}
	s.flushCycle.Start()

	s.updateGauges()
	s.logger.WithField("action", "candy_startup").
		WithField("path", dir).
		WithField("shard_files", len(files)).
		Debug("opened store")

	return s, nil
}

// recoverShardFiles scans the store directory, discards leftovers of
// interrupted maintenance and opens the surviving shard files. An
// interrupted compaction leaves a .tmp file; an interrupted split leaves
// child files whose ranges are still covered by their parent, and since
// the parent was never unlinked the children are the ones to go.
func (s *Store) recoverShardFiles() ([]*shardFile, error) {
	list, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, errors.Wrap(err, "scan store directory")
	}

	type rangedFile struct {
		name   string
		lo, hi uint32
	}
	var ranged []rangedFile

	for _, entry := range list {
		name := entry.Name()
		if strings.HasSuffix(name, ".tmp") {
			if err := os.Remove(filepath.Join(s.dir, name)); err != nil {
				return nil, errors.Wrap(err, "remove interrupted temp file")
			}
			s.logger.WithField("action", "candy_startup").
				WithField("path", name).
				Debug("removed interrupted temp file")
			continue
		}

		lo, hi, ok := parseShardFileName(name)
		if !ok {
			continue
		}
		ranged = append(ranged, rangedFile{name: name, lo: lo, hi: hi})
	}

	// drop unpublished split children: any range contained in a wider one
	kept := make([]rangedFile, 0, len(ranged))
	for _, f := range ranged {
		contained := false
		for _, other := range ranged {
			if other.name == f.name {
				continue
			}
			if other.lo <= f.lo && f.hi <= other.hi {
				contained = true
				break
			}
		}
		if contained {
			if err := os.Remove(filepath.Join(s.dir, f.name)); err != nil {
				return nil, errors.Wrap(err, "remove unpublished split child")
			}
			s.logger.WithField("action", "candy_startup").
				WithField("path", f.name).
				Debug("removed unpublished split child")
			continue
		}
		kept = append(kept, f)
	}

	if len(kept) == 0 {
		initial, err := createShardFile(s.dir, 0, 1<<16, s.cfg, s.logger)
		if err != nil {
			return nil, err
		}
		return []*shardFile{initial}, nil
	}

	files := make([]*shardFile, 0, len(kept))
	for _, f := range kept {
		sf, err := openShardFile(filepath.Join(s.dir, f.name), f.lo, f.hi,
			s.cfg, s.logger)
		if err != nil {
			for _, open := range files {
				open.close()
			}
			return nil, err
		}
		files = append(files, sf)
	}

	return files, nil
}

func parseShardFileName(name string) (lo, hi uint32, ok bool) {
	var l, h uint32
	if n, err := fmt.Sscanf(name, "shard-%05x-%05x", &l, &h); n != 2 || err != nil {
		return 0, 0, false
	}
	if name != shardFileName(l, h) || l >= h || h > 1<<16 {
		return 0, 0, false
	}
	return l, h, true
}

func (s *Store) validateKey(key []byte) error {
	if len(key) > s.cfg.maxKeySize {
		return errors.Wrapf(entities.CapacityExceeded,
			"key of %d bytes exceeds the %d byte bound",
			len(key), s.cfg.maxKeySize)
	}
	return nil
}

func (s *Store) validateValue(value []byte) error {
	if len(value) > s.cfg.maxValueSize {
		return errors.Wrapf(entities.CapacityExceeded,
			"value of %d bytes exceeds the %d byte bound",
			len(value), s.cfg.maxValueSize)
	}
	return nil
}

// routed runs fn against the shard file currently owning fp. A shard
// retired by a concurrent split or compaction forces a directory
// re-resolve; a saturation signal from fn triggers the split escalation
// and a transparent retry.
func (s *Store) routed(fp fingerprint,
	fn func(sf *shardFile) ([]byte, error),
) ([]byte, *shardFile, error) {
	if s.closed.Load() {
		return nil, nil, errClosed
	}

	for {
		sf, err := s.shards.lookup(fp.shard)
		if err != nil {
			return nil, nil, err
		}

		sf.maintenanceLock.RLock()
		if sf.retired {
			sf.maintenanceLock.RUnlock()
			continue
		}
		out, err := fn(sf)
		sf.maintenanceLock.RUnlock()

		if errors.Is(err, errRowFull) || errors.Is(err, errShardFull) {
			if err := s.split(sf); err != nil {
				return nil, nil, err
			}
			continue
		}
		return out, sf, err
	}
}

// Get returns the value stored for key, or entities.NotFound.
func (s *Store) Get(key []byte) ([]byte, error) {
	if err := s.validateKey(key); err != nil {
		return nil, err
	}

	fp := newFingerprint(s.cfg.hashSeed, key)
	out, _, err := s.routed(fp, func(sf *shardFile) ([]byte, error) {
		return sf.get(fp, key)
	})
	return out, err
}

// Insert upserts key to value and returns the previous value, nil if the
// key was absent.
func (s *Store) Insert(key, value []byte) ([]byte, error) {
	if err := s.validateKey(key); err != nil {
		return nil, err
	}
	if err := s.validateValue(value); err != nil {
		return nil, err
	}

	fp := newFingerprint(s.cfg.hashSeed, key)
	old, sf, err := s.routed(fp, func(sf *shardFile) ([]byte, error) {
		return sf.put(fp, key, value, modeUpsert, nil)
	})
	if err != nil {
		return nil, err
	}

	s.maybeCompact(sf)
	return old, nil
}

// Replace overwrites the value of an existing key and returns the
// previous value, entities.NotFound if the key was absent.
func (s *Store) Replace(key, value []byte) ([]byte, error) {
	if err := s.validateKey(key); err != nil {
		return nil, err
	}
	if err := s.validateValue(value); err != nil {
		return nil, err
	}

	fp := newFingerprint(s.cfg.hashSeed, key)
	old, sf, err := s.routed(fp, func(sf *shardFile) ([]byte, error) {
		return sf.put(fp, key, value, modeReplace, nil)
	})
	if err != nil {
		return nil, err
	}

	s.maybeCompact(sf)
	return old, nil
}

// CompareAndSet installs value if the current value of key equals
// expected. A nil expected demands absence, turning the call into an
// insert-if-absent. Returns whether the swap happened; a missing key
// surfaces entities.NotFound alongside false.
func (s *Store) CompareAndSet(key, expected, value []byte) (bool, error) {
	if err := s.validateKey(key); err != nil {
		return false, err
	}
	if err := s.validateValue(value); err != nil {
		return false, err
	}

	mode := modeCompareAndSet
	if expected == nil {
		mode = modeCreate
	}

	fp := newFingerprint(s.cfg.hashSeed, key)
	_, sf, err := s.routed(fp, func(sf *shardFile) ([]byte, error) {
		return sf.put(fp, key, value, mode, expected)
	})
	switch {
	case err == nil:
		s.maybeCompact(sf)
		return true, nil
	case errors.Is(err, entities.CompareMismatch),
		errors.Is(err, entities.AlreadyExists):
		return false, nil
	default:
		return false, err
	}
}

// Remove deletes key and returns its last value, entities.NotFound if it
// was absent. Only the slot is zeroed, dead data-region bytes linger
// until the shard compacts.
func (s *Store) Remove(key []byte) ([]byte, error) {
	if err := s.validateKey(key); err != nil {
		return nil, err
	}

	fp := newFingerprint(s.cfg.hashSeed, key)
	old, sf, err := s.routed(fp, func(sf *shardFile) ([]byte, error) {
		return sf.remove(fp, key)
	})
	if err != nil {
		return nil, err
	}

	s.maybeCompact(sf)
	return old, nil
}

// Flush msyncs every shard header and fsyncs every data region. Write
// visibility never depends on it, only durability does.
func (s *Store) Flush(ctx context.Context) error {
	if s.closed.Load() {
		return errClosed
	}
	return s.flush(ctx)
}

func (s *Store) flush(ctx context.Context) error {
	s.flushLock.Lock()
	defer s.flushLock.Unlock()

	start := time.Now()

	eg, _ := errgroup.WithContext(ctx)
	for _, sf := range s.shards.snapshot() {
		sf := sf
		eg.Go(func() error {
			sf.maintenanceLock.RLock()
			defer sf.maintenanceLock.RUnlock()

			if sf.retired {
				return nil
			}
			return sf.flush()
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}

	s.metrics.FlushTook(start)
	s.updateGauges()
	return nil
}

func (s *Store) flushCycleFunc(shouldBreak cyclemanager.ShouldBreakFunc) bool {
	if shouldBreak() || s.closed.Load() {
		return false
	}
	if err := s.flush(context.Background()); err != nil {
		s.logger.WithField("action", "candy_flush").
			WithField("path", s.dir).
			WithError(err).Warn("periodic flush failed")
	}
	return true
}

// Close flushes and releases every shard file. The store must not be
// used afterwards.
func (s *Store) Close(ctx context.Context) error {
	if s.closed.Swap(true) {
		return errClosed
	}

	var out *multierror.Error

	if err := s.flushCycle.StopAndWait(ctx); err != nil {
		out = multierror.Append(out, errors.Wrap(err, "stop flush cycle"))
	}
	if err := s.flush(ctx); err != nil {
		out = multierror.Append(out, errors.Wrap(err, "final flush"))
	}

	for _, sf := range s.shards.snapshot() {
		if err := sf.close(); err != nil {
			out = multierror.Append(out, err)
		}
	}

	return out.ErrorOrNil()
}

func (s *Store) updateGauges() {
	if s.metrics == nil {
		return
	}

	var entries int64
	var dataBytes, deadBytes uint64
	files := s.shards.snapshot()
	for _, sf := range files {
		entries += sf.entryCount.Load()
		dataBytes += sf.dataBytes()
		deadBytes += sf.deadBytes.Load()
	}

	s.metrics.ShardFiles(float64(len(files)))
	s.metrics.Entries(float64(entries))
	s.metrics.DataBytes(float64(dataBytes))
	s.metrics.DeadBytes(float64(deadBytes))
}

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
	"bytes"

	"github.com/pkg/errors"

	"github.com/whalevietnamese/candystore/entities"
)

// Iterator is a weak scan over the store: shard files are visited in
// directory order, rows row-major, and each returned pair is internally
// consistent, but mutations in rows not yet visited may or may not
// appear.
//
// The iterator pins the shard file it is currently scanning, which
// defers splits and compactions of that file until it moves on. Always
// Close an iterator that is not run to exhaustion; and do not mutate the
// store from the goroutine driving an open iterator, a mutation that
// forces a split of the pinned shard would wait on the iterator itself.
type Iterator struct {
	store  *Store
	prefix []byte

	// next shard selector to visit; 1<<16 once the keyspace is done
	pos uint32
	// current shard file, maintenance read lock held while non-nil
	sf *shardFile

	row   int
	slots []slotRef

	key   []byte
	value []byte
	err   error
	done  bool
}

// Iter scans every live entry.
func (s *Store) Iter() *Iterator {
	return &Iterator{store: s}
}

// IterPrefix scans the live entries whose key starts with prefix.
func (s *Store) IterPrefix(prefix []byte) *Iterator {
	return &Iterator{store: s, prefix: prefix}
}

// Next advances to the next entry. It returns false once the scan is
// exhausted or failed; Err distinguishes the two.
func (it *Iterator) Next() bool {
	if it.done {
		return false
	}
	if it.store.closed.Load() {
		it.fail(errClosed)
		return false
	}

	for {
		if it.sf == nil {
			if it.pos >= 1<<16 {
				it.finish()
				return false
			}
			if !it.enterShard() {
				return false
			}
		}

		for len(it.slots) > 0 {
			ref := it.slots[0]
			it.slots = it.slots[1:]

			key, value, err := it.sf.readEntry(ref.packed)
			if err != nil {
				if errors.Is(err, entities.Corrupt) {
					continue
				}
				it.fail(err)
				return false
			}

			// confirm the slot still belongs to this key: a crash or a
			// concurrent delete-and-reuse can leave a stale pairing
			fp := newFingerprint(it.store.cfg.hashSeed, key)
			if fp.sig != ref.sig || !it.sf.ownsSelector(fp.shard) ||
				it.sf.rowIndex(fp.row) != it.row {
				continue
			}

			if it.prefix != nil && !bytes.HasPrefix(key, it.prefix) {
				continue
			}

			it.key, it.value = key, value
			return true
		}

		if it.row++; it.row < it.store.cfg.rowsPerShard {
			it.slots, _ = it.sf.snapshotRow(it.row)
			continue
		}

		it.leaveShard()
	}
}

// enterShard resolves and pins the shard file owning the scan position.
func (it *Iterator) enterShard() bool {
	for {
		sf, err := it.store.shards.lookup(uint16(it.pos))
		if err != nil {
			it.fail(err)
			return false
		}

		sf.maintenanceLock.RLock()
		if sf.retired {
			sf.maintenanceLock.RUnlock()
			continue
		}

		it.sf = sf
		it.row = 0
		it.slots, _ = sf.snapshotRow(0)
		return true
	}
}

func (it *Iterator) leaveShard() {
	it.pos = it.sf.rangeHi
	it.sf.maintenanceLock.RUnlock()
	it.sf = nil
	it.slots = nil
}

func (it *Iterator) finish() {
	it.done = true
	it.key, it.value = nil, nil
}

func (it *Iterator) fail(err error) {
	if it.sf != nil {
		it.sf.maintenanceLock.RUnlock()
		it.sf = nil
	}
	it.err = err
	it.finish()
}

// Key returns the key of the current entry. Only valid after a Next that
// returned true, and only until the following Next call.
func (it *Iterator) Key() []byte {
	return it.key
}

// Value returns the value of the current entry.
func (it *Iterator) Value() []byte {
	return it.value
}

func (it *Iterator) Err() error {
	return it.err
}

// Close releases the pinned shard file. Safe to call multiple times and
// after exhaustion.
func (it *Iterator) Close() {
	if it.sf != nil {
		it.sf.maintenanceLock.RUnlock()
		it.sf = nil
	}
	it.done = true
}

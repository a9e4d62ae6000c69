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
	"encoding/binary"
	"sync"

	"github.com/pkg/errors"

	"github.com/whalevietnamese/candystore/entities"
)

// Collections are ordered, named key-value maps stored entirely inside
// the KV substrate with composite keys. Every item owns two records, a
// payload and an adjacency record naming its previous and next neighbor
// keys; one list record per collection tracks head and tail. Same-
// collection mutations serialize on a keyed lock. Records of a new item
// are written before the neighbors start pointing at it, so a reader
// walking the chain treats a dangling pointer as end-of-list.

const (
	collectionListSuffix      = 'L'
	collectionPayloadSuffix   = 'P'
	collectionAdjacencySuffix = 'A'

	// 8-byte collection fingerprint plus the namespace byte
	collectionKeySuffixLen = 9
)

func collectionCompositeKey(colID uint64, key []byte, suffix byte) []byte {
	out := make([]byte, 0, len(key)+collectionKeySuffixLen)
	out = append(out, key...)
	out = binary.LittleEndian.AppendUint64(out, colID)
	return append(out, suffix)
}

// neighbors is the payload of adjacency and list records: two
// length-prefixed keys, empty meaning none.
func encodeNeighbors(prev, next []byte) []byte {
	out := make([]byte, 0, 4+len(prev)+len(next))
	out = binary.LittleEndian.AppendUint16(out, uint16(len(prev)))
	out = append(out, prev...)
	out = binary.LittleEndian.AppendUint16(out, uint16(len(next)))
	return append(out, next...)
}

func decodeNeighbors(buf []byte) (prev, next []byte, err error) {
	if len(buf) < 2 {
		return nil, nil, errors.Wrap(entities.Corrupt, "adjacency record too short")
	}
	prevLen := int(binary.LittleEndian.Uint16(buf))
	buf = buf[2:]
	if len(buf) < prevLen+2 {
		return nil, nil, errors.Wrap(entities.Corrupt, "adjacency record too short")
	}
	if prevLen > 0 {
		prev = buf[:prevLen]
	}
	buf = buf[prevLen:]
	nextLen := int(binary.LittleEndian.Uint16(buf))
	buf = buf[2:]
	if len(buf) != nextLen {
		return nil, nil, errors.Wrap(entities.Corrupt, "adjacency record length mismatch")
	}
	if nextLen > 0 {
		next = buf
	}
	return prev, next, nil
}

func (s *Store) collectionLock(colID uint64) *sync.Mutex {
	return &s.collectionLocks[colID&(numCollectionLocks-1)]
}

func (s *Store) validateCollectionKey(key []byte) error {
	if len(key)+collectionKeySuffixLen > s.cfg.maxKeySize {
		return errors.Wrapf(entities.CapacityExceeded,
			"collection item key of %d bytes exceeds the %d byte bound",
			len(key), s.cfg.maxKeySize-collectionKeySuffixLen)
	}
	return nil
}

// SetInCollection upserts key in the named collection. A fresh key is
// appended at the tail, an existing key keeps its position.
func (s *Store) SetInCollection(collection, key, value []byte) error {
	if err := s.validateCollectionKey(collection); err != nil {
		return err
	}
	if err := s.validateCollectionKey(key); err != nil {
		return err
	}
	if err := s.validateValue(value); err != nil {
		return err
	}

	colID := collectionFingerprint(s.cfg.hashSeed, collection)
	lock := s.collectionLock(colID)
	lock.Lock()
	defer lock.Unlock()

	payloadKey := collectionCompositeKey(colID, key, collectionPayloadSuffix)
	if _, err := s.Get(payloadKey); err == nil {
		_, err := s.Insert(payloadKey, value)
		return err
	} else if !entities.IsNotFound(err) {
		return err
	}

	listKey := collectionCompositeKey(colID, collection, collectionListSuffix)
	listBuf, err := s.Get(listKey)
	if entities.IsNotFound(err) {
		// first item: link records exist before the list points at them
		adjKey := collectionCompositeKey(colID, key, collectionAdjacencySuffix)
		if _, err := s.Insert(adjKey, encodeNeighbors(nil, nil)); err != nil {
			return err
		}
		if _, err := s.Insert(payloadKey, value); err != nil {
			return err
		}
		_, err = s.Insert(listKey, encodeNeighbors(key, key))
		return err
	}
	if err != nil {
		return err
	}

	head, tail, err := decodeNeighbors(listBuf)
	if err != nil {
		return errors.Wrapf(err, "list record of collection %q", collection)
	}
	if tail == nil {
		return errors.Wrapf(entities.Corrupt,
			"list record of collection %q has no tail", collection)
	}

	tailAdjKey := collectionCompositeKey(colID, tail, collectionAdjacencySuffix)
	tailAdjBuf, err := s.Get(tailAdjKey)
	if err != nil {
		return errors.Wrapf(err, "adjacency record of tail of collection %q",
			collection)
	}
	tailPrev, _, err := decodeNeighbors(tailAdjBuf)
	if err != nil {
		return errors.Wrapf(err, "adjacency record of tail of collection %q",
			collection)
	}

	// new item's records first, then the forward pointer, then the tail
	adjKey := collectionCompositeKey(colID, key, collectionAdjacencySuffix)
	if _, err := s.Insert(adjKey, encodeNeighbors(tail, nil)); err != nil {
		return err
	}
	if _, err := s.Insert(payloadKey, value); err != nil {
		return err
	}
	if _, err := s.Insert(tailAdjKey, encodeNeighbors(tailPrev, key)); err != nil {
		return err
	}
	_, err = s.Insert(listKey, encodeNeighbors(head, key))
	return err
}

// GetFromCollection returns the value of key in the named collection,
// entities.NotFound if either is absent.
func (s *Store) GetFromCollection(collection, key []byte) ([]byte, error) {
	if err := s.validateCollectionKey(collection); err != nil {
		return nil, err
	}
	if err := s.validateCollectionKey(key); err != nil {
		return nil, err
	}

	colID := collectionFingerprint(s.cfg.hashSeed, collection)
	return s.Get(collectionCompositeKey(colID, key, collectionPayloadSuffix))
}

// RemoveFromCollection unlinks key from the named collection and returns
// its last value, entities.NotFound if it was absent.
func (s *Store) RemoveFromCollection(collection, key []byte) ([]byte, error) {
	if err := s.validateCollectionKey(collection); err != nil {
		return nil, err
	}
	if err := s.validateCollectionKey(key); err != nil {
		return nil, err
	}

	colID := collectionFingerprint(s.cfg.hashSeed, collection)
	lock := s.collectionLock(colID)
	lock.Lock()
	defer lock.Unlock()

	adjKey := collectionCompositeKey(colID, key, collectionAdjacencySuffix)
	adjBuf, err := s.Get(adjKey)
	if err != nil {
		return nil, err
	}
	prev, next, err := decodeNeighbors(adjBuf)
	if err != nil {
		return nil, errors.Wrapf(err, "adjacency record of %q", key)
	}

	listKey := collectionCompositeKey(colID, collection, collectionListSuffix)
	listBuf, err := s.Get(listKey)
	if err != nil {
		return nil, errors.Wrapf(err, "list record of collection %q", collection)
	}
	head, tail, err := decodeNeighbors(listBuf)
	if err != nil {
		return nil, errors.Wrapf(err, "list record of collection %q", collection)
	}

	if err := s.patchNeighbor(colID, prev, next, true); err != nil {
		return nil, err
	}
	if err := s.patchNeighbor(colID, next, prev, false); err != nil {
		return nil, err
	}

	if prev == nil {
		head = next
	}
	if next == nil {
		tail = prev
	}
	if head == nil {
		if _, err := s.Remove(listKey); err != nil && !entities.IsNotFound(err) {
			return nil, err
		}
	} else {
		if _, err := s.Insert(listKey, encodeNeighbors(head, tail)); err != nil {
			return nil, err
		}
	}

	payloadKey := collectionCompositeKey(colID, key, collectionPayloadSuffix)
	old, err := s.Remove(payloadKey)
	if err != nil && !entities.IsNotFound(err) {
		return nil, err
	}
	if _, err := s.Remove(adjKey); err != nil {
		return nil, err
	}
	return old, nil
}

// patchNeighbor rewrites one side of a neighbor's adjacency record:
// forward patches the prev-neighbor's next pointer, otherwise the
// next-neighbor's prev pointer.
func (s *Store) patchNeighbor(colID uint64, neighbor, replacement []byte,
	forward bool,
) error {
	if neighbor == nil {
		return nil
	}

	adjKey := collectionCompositeKey(colID, neighbor, collectionAdjacencySuffix)
	buf, err := s.Get(adjKey)
	if err != nil {
		return errors.Wrapf(err, "adjacency record of %q", neighbor)
	}
	prev, next, err := decodeNeighbors(buf)
	if err != nil {
		return errors.Wrapf(err, "adjacency record of %q", neighbor)
	}

	if forward {
		next = replacement
	} else {
		prev = replacement
	}
	_, err = s.Insert(adjKey, encodeNeighbors(prev, next))
	return err
}

// DiscardCollection drops a whole collection and every item in it.
func (s *Store) DiscardCollection(collection []byte) error {
	if err := s.validateCollectionKey(collection); err != nil {
		return err
	}

	colID := collectionFingerprint(s.cfg.hashSeed, collection)
	lock := s.collectionLock(colID)
	lock.Lock()
	defer lock.Unlock()

	listKey := collectionCompositeKey(colID, collection, collectionListSuffix)
	listBuf, err := s.Get(listKey)
	if entities.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	cur, _, err := decodeNeighbors(listBuf)
	if err != nil {
		return errors.Wrapf(err, "list record of collection %q", collection)
	}

	for cur != nil {
		adjKey := collectionCompositeKey(colID, cur, collectionAdjacencySuffix)
		adjBuf, err := s.Get(adjKey)
		if entities.IsNotFound(err) {
			break
		}
		if err != nil {
			return err
		}
		_, next, err := decodeNeighbors(adjBuf)
		if err != nil {
			return errors.Wrapf(err, "adjacency record of %q", cur)
		}

		payloadKey := collectionCompositeKey(colID, cur, collectionPayloadSuffix)
		if _, err := s.Remove(payloadKey); err != nil && !entities.IsNotFound(err) {
			return err
		}
		if _, err := s.Remove(adjKey); err != nil && !entities.IsNotFound(err) {
			return err
		}
		cur = next
	}

	_, err = s.Remove(listKey)
	if entities.IsNotFound(err) {
		return nil
	}
	return err
}

// CollectionIterator walks a collection in insertion order (reversed for
// a backwards iterator). It holds no locks; hitting an item a concurrent
// removal already unlinked ends the scan early.
type CollectionIterator struct {
	store   *Store
	colID   uint64
	listKey []byte
	reverse bool

	started bool
	next    []byte
	key     []byte
	value   []byte
	err     error
	done    bool
}

// IterCollection iterates the named collection in insertion order.
func (s *Store) IterCollection(collection []byte) *CollectionIterator {
	return s.iterCollection(collection, false)
}

// IterCollectionBackwards iterates the named collection from its tail.
func (s *Store) IterCollectionBackwards(collection []byte) *CollectionIterator {
	return s.iterCollection(collection, true)
}

func (s *Store) iterCollection(collection []byte, reverse bool) *CollectionIterator {
	colID := collectionFingerprint(s.cfg.hashSeed, collection)
	return &CollectionIterator{
		store:   s,
		colID:   colID,
		listKey: collectionCompositeKey(colID, collection, collectionListSuffix),
		reverse: reverse,
	}
}

func (it *CollectionIterator) Next() bool {
	if it.done {
		return false
	}

	if !it.started {
		it.started = true
		listBuf, err := it.store.Get(it.listKey)
		if entities.IsNotFound(err) {
			it.done = true
			return false
		}
		if err != nil {
			it.fail(err)
			return false
		}
		head, tail, err := decodeNeighbors(listBuf)
		if err != nil {
			it.fail(err)
			return false
		}
		if it.reverse {
			it.next = tail
		} else {
			it.next = head
		}
	}

	if it.next == nil {
		it.done = true
		return false
	}

	cur := it.next
	payloadKey := collectionCompositeKey(it.colID, cur, collectionPayloadSuffix)
	value, err := it.store.Get(payloadKey)
	if entities.IsNotFound(err) {
		// unlinked underneath us, end of the scan
		it.done = true
		return false
	}
	if err != nil {
		it.fail(err)
		return false
	}

	adjKey := collectionCompositeKey(it.colID, cur, collectionAdjacencySuffix)
	adjBuf, err := it.store.Get(adjKey)
	if entities.IsNotFound(err) {
		it.done = true
		return false
	}
	if err != nil {
		it.fail(err)
		return false
	}
	prev, next, err := decodeNeighbors(adjBuf)
	if err != nil {
		it.fail(err)
		return false
	}

	if it.reverse {
		it.next = prev
	} else {
		it.next = next
	}
	it.key, it.value = cur, value
	return true
}

func (it *CollectionIterator) fail(err error) {
	it.err = err
	it.done = true
}

func (it *CollectionIterator) Key() []byte {
	return it.key
}

func (it *CollectionIterator) Value() []byte {
	return it.value
}

func (it *CollectionIterator) Err() error {
	return it.err
}

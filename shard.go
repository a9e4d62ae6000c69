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
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/edsrzf/mmap-go"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/whalevietnamese/candystore/entities"
)

// internal escalation signals, never surfaced to callers: the router
// reacts to both by splitting the shard and retrying
var (
	errRowFull   = errors.New("row has no empty slot")
	errShardFull = errors.New("shard file exceeds split threshold")
)

type insertMode int

const (
	modeUpsert insertMode = iota
	modeReplace
	modeCreate
	modeCompareAndSet
)

type slotRef struct {
	sig    uint32
	packed uint64
}

// shardFile owns the half-open shard selector range [rangeLo, rangeHi).
// The header (prefix + row table) is mapped into memory, the data region
// behind it is read and written positionally.
type shardFile struct {
	path    string
	rangeLo uint32
	rangeHi uint32
	cfg     *config
	logger  logrus.FieldLogger

	f      *os.File
	header mmap.MMap

	// Lock() for splits and compaction swaps, RLock() for normal operation
	maintenanceLock sync.RWMutex
	// set under maintenanceLock when the file was replaced by a split or
	// compaction; routed operations re-resolve the directory and retry
	retired bool

	rowLocks []sync.RWMutex

	writeOffset atomic.Uint64
	entryCount  atomic.Int64
	deadBytes   atomic.Uint64

	flushLock sync.Mutex
	// serializes compaction attempts, they share the .tmp sibling path
	compactionLock sync.Mutex

	prefix    uint64
	headerLen uint64
}

func shardFileName(lo, hi uint32) string {
	return fmt.Sprintf("shard-%05x-%05x", lo, hi)
}

func createShardFile(dir string, lo, hi uint32, cfg *config,
	logger logrus.FieldLogger,
) (*shardFile, error) {
	return createShardFileAt(filepath.Join(dir, shardFileName(lo, hi)),
		lo, hi, cfg, logger)
}

// createShardFileAt creates a zeroed shard file at an explicit path.
// Compactions build their replacement under a .tmp name and rename it
// into place at swap time.
func createShardFileAt(path string, lo, hi uint32, cfg *config,
	logger logrus.FieldLogger,
) (*shardFile, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, errors.Wrap(err, "create shard file")
	}

	s := &shardFile{
		path:      path,
		rangeLo:   lo,
		rangeHi:   hi,
		cfg:       cfg,
		logger:    logger,
		f:         f,
		rowLocks:  make([]sync.RWMutex, cfg.rowsPerShard),
		prefix:    prefixSize(cfg.rowsPerShard),
		headerLen: headerSize(cfg.rowsPerShard, cfg.slotsPerRow),
	}

	if err := f.Truncate(int64(s.headerLen)); err != nil {
		f.Close()
		return nil, errors.Wrap(err, "size shard header")
	}

	s.header, err = mmap.MapRegion(f, int(s.headerLen), mmap.RDWR, 0, 0)
	if err != nil {
		f.Close()
		return nil, errors.Wrap(err, "map shard header")
	}

	binary.LittleEndian.PutUint64(s.header[hdrOffMagic:], shardMagic)
	binary.LittleEndian.PutUint32(s.header[hdrOffVersion:], shardFormatVersion)
	binary.LittleEndian.PutUint32(s.header[hdrOffRangeLo:], lo)
	binary.LittleEndian.PutUint32(s.header[hdrOffRangeHi:], hi)
	binary.LittleEndian.PutUint32(s.header[hdrOffSeed:], cfg.hashSeed)
	binary.LittleEndian.PutUint64(s.header[hdrOffWriteOffset:], s.headerLen)
	s.writeOffset.Store(s.headerLen)

	if err := s.header.Flush(); err != nil {
		s.header.Unmap()
		f.Close()
		return nil, errors.Wrap(err, "flush fresh shard header")
	}

	return s, nil
}

// openShardFile validates an existing file and rebuilds the in-memory
// counters from its slots. The slots are authoritative: any pointer past
// the end of the file is an uncommitted tail and is dropped, and the
// write offset is advanced past the furthest referenced byte in case the
// advisory header counter was stale at crash time.
func openShardFile(path string, lo, hi uint32, cfg *config,
	logger logrus.FieldLogger,
) (*shardFile, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o600)
	if err != nil {
		return nil, errors.Wrap(err, "open shard file")
	}

	s := &shardFile{
		path:      path,
		rangeLo:   lo,
		rangeHi:   hi,
		cfg:       cfg,
		logger:    logger,
		f:         f,
		rowLocks:  make([]sync.RWMutex, cfg.rowsPerShard),
		prefix:    prefixSize(cfg.rowsPerShard),
		headerLen: headerSize(cfg.rowsPerShard, cfg.slotsPerRow),
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.Wrap(err, "stat shard file")
	}
	fileSize := uint64(fi.Size())

	if fileSize < s.headerLen {
		f.Close()
		return nil, errors.Wrapf(entities.Corrupt,
			"shard file %q is smaller than its header", path)
	}

	s.header, err = mmap.MapRegion(f, int(s.headerLen), mmap.RDWR, 0, 0)
	if err != nil {
		f.Close()
		return nil, errors.Wrap(err, "map shard header")
	}

	if err := s.validateHeader(lo, hi); err != nil {
		s.header.Unmap()
		f.Close()
		return nil, err
	}

	writeOffset := binary.LittleEndian.Uint64(s.header[hdrOffWriteOffset:])
	if writeOffset < s.headerLen {
		writeOffset = s.headerLen
	}
	if writeOffset > fileSize {
		// torn tail: bytes past the end were never slot-committed
		writeOffset = fileSize
	}

	var liveCount int64
	var liveBytes uint64
	for row := 0; row < cfg.rowsPerShard; row++ {
		for slot := 0; slot < cfg.slotsPerRow; slot++ {
			if s.slotSig(row, slot) == 0 {
				continue
			}
			offset, length := unpackSlotPointer(s.slotPacked(row, slot))
			if offset < s.headerLen || offset+uint64(length) > fileSize {
				// the slot commit raced the crash, drop it
				s.setSlotSig(row, slot, 0)
				continue
			}
			if end := offset + uint64(length); end > writeOffset {
				writeOffset = end
			}
			liveCount++
			liveBytes += uint64(length)
		}
	}

	s.writeOffset.Store(writeOffset)
	s.entryCount.Store(liveCount)
	if region := writeOffset - s.headerLen; liveBytes < region {
		s.deadBytes.Store(region - liveBytes)
	}

	return s, nil
}

func (s *shardFile) validateHeader(lo, hi uint32) error {
	if got := binary.LittleEndian.Uint64(s.header[hdrOffMagic:]); got != shardMagic {
		return errors.Wrapf(entities.Corrupt,
			"shard file %q has magic %x", s.path, got)
	}
	if got := binary.LittleEndian.Uint32(s.header[hdrOffVersion:]); got != shardFormatVersion {
		return errors.Wrapf(entities.Corrupt,
			"shard file %q has unsupported format version %d", s.path, got)
	}
	if got := binary.LittleEndian.Uint32(s.header[hdrOffRangeLo:]); got != lo {
		return errors.Wrapf(entities.Corrupt,
			"shard file %q header claims range start %x", s.path, got)
	}
	if got := binary.LittleEndian.Uint32(s.header[hdrOffRangeHi:]); got != hi {
		return errors.Wrapf(entities.Corrupt,
			"shard file %q header claims range end %x", s.path, got)
	}
	if got := binary.LittleEndian.Uint32(s.header[hdrOffSeed:]); got != s.cfg.hashSeed {
		return errors.Wrapf(entities.Corrupt,
			"shard file %q was written with a different hash seed", s.path)
	}
	return nil
}

func (s *shardFile) ownsSelector(sel uint16) bool {
	return uint32(sel) >= s.rangeLo && uint32(sel) < s.rangeHi
}

func (s *shardFile) rowIndex(rowSelector uint16) int {
	return int(rowSelector) % s.cfg.rowsPerShard
}

// header accessors. Slot mutations happen under the row's write lock,
// reads under at least its read lock.

func (s *shardFile) rowOffset(row int) uint64 {
	return s.prefix + uint64(row)*uint64(s.cfg.slotsPerRow)*slotSize
}

func (s *shardFile) slotSig(row, slot int) uint32 {
	off := s.rowOffset(row) + uint64(slot)*sigSize
	return binary.LittleEndian.Uint32(s.header[off:])
}

func (s *shardFile) setSlotSig(row, slot int, sig uint32) {
	off := s.rowOffset(row) + uint64(slot)*sigSize
	binary.LittleEndian.PutUint32(s.header[off:], sig)
}

func (s *shardFile) slotPacked(row, slot int) uint64 {
	off := s.rowOffset(row) + uint64(s.cfg.slotsPerRow)*sigSize +
		uint64(slot)*packedSize
	return binary.LittleEndian.Uint64(s.header[off:])
}

func (s *shardFile) setSlotPacked(row, slot int, packed uint64) {
	off := s.rowOffset(row) + uint64(s.cfg.slotsPerRow)*sigSize +
		uint64(slot)*packedSize
	binary.LittleEndian.PutUint64(s.header[off:], packed)
}

func (s *shardFile) rowDirty(row int) uint32 {
	return binary.LittleEndian.Uint32(s.header[hdrOffDirty+uint64(row)*4:])
}

func (s *shardFile) bumpRowDirty(row int) {
	off := hdrOffDirty + uint64(row)*4
	binary.LittleEndian.PutUint32(s.header[off:],
		binary.LittleEndian.Uint32(s.header[off:])+1)
}

// readEntry fetches and decodes the entry a slot points at. The slot
// length makes this a single exact-size positional read.
func (s *shardFile) readEntry(packed uint64) (key, value []byte, err error) {
	offset, length := unpackSlotPointer(packed)

	buf := make([]byte, length)
	if _, err := s.f.ReadAt(buf, int64(offset)); err != nil {
		return nil, nil, errors.Wrap(err, "read data region entry")
	}

	return decodeEntry(buf)
}

// findInRow scans the row's signature array for candidates and confirms
// each by comparing key bytes. Signature equality alone is tentative,
// distinct keys may share a signature. Caller holds the row lock.
func (s *shardFile) findInRow(row int, sig uint32, key []byte,
) (slot int, old []byte, err error) {
	for slot := 0; slot < s.cfg.slotsPerRow; slot++ {
		if s.slotSig(row, slot) != sig {
			continue
		}

		entryKey, entryValue, err := s.readEntry(s.slotPacked(row, slot))
		if err != nil {
			if errors.Is(err, entities.Corrupt) {
				// a crash can leave a stale signature over a foreign
				// pointer for one open, key verification rejects it
				continue
			}
			return 0, nil, err
		}

		if bytes.Equal(entryKey, key) {
			return slot, entryValue, nil
		}
	}

	return 0, nil, entities.NotFound
}

func (s *shardFile) get(fp fingerprint, key []byte) ([]byte, error) {
	row := s.rowIndex(fp.row)
	s.rowLocks[row].RLock()
	defer s.rowLocks[row].RUnlock()

	_, value, err := s.findInRow(row, fp.sig, key)
	if err != nil {
		return nil, err
	}
	return value, nil
}

// put implements upsert, replace, create and compare-and-set under the
// row's write lock. It returns the previous value if the key was
// present. errRowFull and errShardFull escalate to a split in the
// router.
func (s *shardFile) put(fp fingerprint, key, value []byte,
	mode insertMode, expected []byte,
) (old []byte, err error) {
	row := s.rowIndex(fp.row)
	s.rowLocks[row].Lock()
	defer s.rowLocks[row].Unlock()

	slot, old, err := s.findInRow(row, fp.sig, key)
	found := err == nil
	if err != nil && !errors.Is(err, entities.NotFound) {
		return nil, err
	}

	switch mode {
	case modeReplace:
		if !found {
			return nil, entities.NotFound
		}
	case modeCompareAndSet:
		if !found {
			return nil, entities.NotFound
		}
		if !bytes.Equal(old, expected) {
			return old, entities.CompareMismatch
		}
	case modeCreate:
		if found {
			return old, entities.AlreadyExists
		}
	}

	if found {
		_, oldLen := unpackSlotPointer(s.slotPacked(row, slot))

		packed, err := s.appendEntry(key, value)
		if err != nil {
			return nil, err
		}

		// the signature already matches, swapping the pointer commits
		s.setSlotPacked(row, slot, packed)
		s.bumpRowDirty(row)
		s.deadBytes.Add(uint64(oldLen))
		return old, nil
	}

	empty := -1
	for i := 0; i < s.cfg.slotsPerRow; i++ {
		if s.slotSig(row, i) == 0 {
			empty = i
			break
		}
	}
	if empty < 0 {
		return nil, errRowFull
	}

	packed, err := s.appendEntry(key, value)
	if err != nil {
		return nil, err
	}

	// pointer first, signature last: the signature write is the commit
	s.setSlotPacked(row, empty, packed)
	s.setSlotSig(row, empty, fp.sig)
	s.bumpRowDirty(row)
	s.entryCount.Add(1)

	return nil, nil
}

func (s *shardFile) remove(fp fingerprint, key []byte) ([]byte, error) {
	row := s.rowIndex(fp.row)
	s.rowLocks[row].Lock()
	defer s.rowLocks[row].Unlock()

	slot, old, err := s.findInRow(row, fp.sig, key)
	if err != nil {
		return nil, err
	}

	_, length := unpackSlotPointer(s.slotPacked(row, slot))

	// zero the signature only, the data region is never touched
	s.setSlotSig(row, slot, 0)
	s.bumpRowDirty(row)
	s.entryCount.Add(-1)
	s.deadBytes.Add(uint64(length))

	return old, nil
}

// appendEntry reserves space at the write offset, positionally writes
// the serialized entry and returns the packed pointer for the slot
// commit. Reservation via compare-and-swap keeps concurrent appends from
// different rows disjoint.
func (s *shardFile) appendEntry(key, value []byte) (uint64, error) {
	buf := encodeEntry(key, value)
	need := uint64(len(buf))

	var offset uint64
	for {
		cur := s.writeOffset.Load()
		if cur+need > s.cfg.maxShardFileSize {
			return 0, errShardFull
		}
		if s.writeOffset.CompareAndSwap(cur, cur+need) {
			offset = cur
			break
		}
	}

	if offset+need > maxEntryOffset {
		return 0, errors.Wrap(entities.CapacityExceeded,
			"data region outgrew the slot pointer width")
	}

	if _, err := s.f.WriteAt(buf, int64(offset)); err != nil {
		return 0, errors.Wrap(err, "append data region entry")
	}

	return packSlotPointer(offset, uint32(need)), nil
}

// snapshotRow copies the row's live slots under its read lock, together
// with the dirty counter the compactor re-checks at swap time.
func (s *shardFile) snapshotRow(row int) ([]slotRef, uint32) {
	s.rowLocks[row].RLock()
	defer s.rowLocks[row].RUnlock()

	var slots []slotRef
	for i := 0; i < s.cfg.slotsPerRow; i++ {
		if sig := s.slotSig(row, i); sig != 0 {
			slots = append(slots, slotRef{sig: sig, packed: s.slotPacked(row, i)})
		}
	}
	return slots, s.rowDirty(row)
}

// scanLive visits every decodable live entry. Only called while the
// caller excludes all row mutations via the maintenance lock.
func (s *shardFile) scanLive(fn func(key, value []byte) error) error {
	for row := 0; row < s.cfg.rowsPerShard; row++ {
		for slot := 0; slot < s.cfg.slotsPerRow; slot++ {
			if s.slotSig(row, slot) == 0 {
				continue
			}

			key, value, err := s.readEntry(s.slotPacked(row, slot))
			if err != nil {
				if errors.Is(err, entities.Corrupt) {
					continue
				}
				return err
			}

			if err := fn(key, value); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *shardFile) dataBytes() uint64 {
	return s.writeOffset.Load() - s.headerLen
}

func (s *shardFile) deadRatio() float64 {
	data := s.dataBytes()
	if data == 0 {
		return 0
	}
	return float64(s.deadBytes.Load()) / float64(data)
}

// flush persists the advisory counters into the header, msyncs it and
// fsyncs the data region.
func (s *shardFile) flush() error {
	s.flushLock.Lock()
	defer s.flushLock.Unlock()

	binary.LittleEndian.PutUint64(s.header[hdrOffEntryCount:],
		uint64(s.entryCount.Load()))
	binary.LittleEndian.PutUint64(s.header[hdrOffWriteOffset:],
		s.writeOffset.Load())
	binary.LittleEndian.PutUint64(s.header[hdrOffDeadBytes:],
		s.deadBytes.Load())

	if err := s.header.Flush(); err != nil {
		return errors.Wrapf(err, "msync header of %q", s.path)
	}
	if err := s.f.Sync(); err != nil {
		return errors.Wrapf(err, "fsync data region of %q", s.path)
	}
	return nil
}

// close waits out in-flight readers before unmapping. Retired files are
// closed by the split or compaction that replaced them.
func (s *shardFile) close() error {
	s.maintenanceLock.Lock()
	defer s.maintenanceLock.Unlock()

	if err := s.header.Unmap(); err != nil {
		return errors.Wrapf(err, "unmap header of %q", s.path)
	}
	return s.f.Close()
}

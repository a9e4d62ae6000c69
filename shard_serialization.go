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

	"github.com/pkg/errors"

	"github.com/whalevietnamese/candystore/entities"
)

// On-disk shard file layout. A fixed prefix is followed by the row table
// (per row: the contiguous signature array, then the packed pointer
// array) and the append-only data region. All integers little-endian.
const (
	shardMagic         = uint64(0x64687379646e6163) // "candyshd"
	shardFormatVersion = uint32(1)

	hdrOffMagic       = 0
	hdrOffVersion     = 8
	hdrOffRangeLo     = 12
	hdrOffRangeHi     = 16
	hdrOffSeed        = 20
	hdrOffEntryCount  = 24
	hdrOffWriteOffset = 32
	hdrOffDeadBytes   = 40
	hdrOffDirty       = 64 // R x uint32 row dirty counters

	sigSize    = 4
	packedSize = 8
	slotSize   = sigSize + packedSize

	// rows must start 64-byte aligned so the signature arrays can be
	// scanned as one contiguous cache-resident block
	headerAlignment = 64
)

// each data-region entry is [ keyLen:u16 | valueLen:u32 | key | value ]
const entryHeaderLen = 6

// a slot pointer packs the absolute file offset of an entry into the low
// 40 bits and the total entry length into the high 24
const (
	maxEntryOffset = (1 << 40) - 1
	maxEntryLen    = (1 << 24) - 1
)

func packSlotPointer(offset uint64, length uint32) uint64 {
	return offset | uint64(length)<<40
}

func unpackSlotPointer(packed uint64) (offset uint64, length uint32) {
	return packed & maxEntryOffset, uint32(packed >> 40)
}

func encodeEntry(key, value []byte) []byte {
	buf := make([]byte, entryHeaderLen+len(key)+len(value))
	binary.LittleEndian.PutUint16(buf[0:2], uint16(len(key)))
	binary.LittleEndian.PutUint32(buf[2:6], uint32(len(value)))
	copy(buf[entryHeaderLen:], key)
	copy(buf[entryHeaderLen+len(key):], value)
	return buf
}

// decodeEntry splits a raw entry read from the data region. The declared
// lengths must exactly cover the slot length, anything else means the
// slot points at bytes that were never committed for it.
func decodeEntry(buf []byte) (key, value []byte, err error) {
	if len(buf) < entryHeaderLen {
		return nil, nil, errors.Wrap(entities.Corrupt, "entry shorter than its header")
	}

	keyLen := int(binary.LittleEndian.Uint16(buf[0:2]))
	valueLen := int(binary.LittleEndian.Uint32(buf[2:6]))
	if entryHeaderLen+keyLen+valueLen != len(buf) {
		return nil, nil, errors.Wrapf(entities.Corrupt,
			"entry declares %d key and %d value bytes in a %d byte slot",
			keyLen, valueLen, len(buf))
	}

	key = buf[entryHeaderLen : entryHeaderLen+keyLen]
	value = buf[entryHeaderLen+keyLen:]
	return key, value, nil
}

func alignUp(n uint64, alignment uint64) uint64 {
	return (n + alignment - 1) / alignment * alignment
}

// prefixSize returns the byte size of the fixed header prefix including
// the row dirty counters, aligned so the first row starts on a cache
// line.
func prefixSize(rows int) uint64 {
	return alignUp(hdrOffDirty+uint64(rows)*4, headerAlignment)
}

func headerSize(rows, slots int) uint64 {
	return prefixSize(rows) + uint64(rows)*uint64(slots)*slotSize
}

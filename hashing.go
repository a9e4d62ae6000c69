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
	"github.com/spaolacci/murmur3"
)

// signatureSentinel replaces a raw signature of zero. The zero signature
// marks an empty slot, so it must never appear on a live one.
const signatureSentinel uint32 = 0x9e3779b9

// fingerprint is the 64-bit keyed hash of a key, partitioned into the
// owning shard selector (high 16 bits), the row within the shard (next 16
// bits) and the in-row signature (low 32 bits).
type fingerprint struct {
	shard uint16
	row   uint16
	sig   uint32
}

func newFingerprint(seed uint32, key []byte) fingerprint {
	h := murmur3.Sum64WithSeed(key, seed)

	sig := uint32(h)
	if sig == 0 {
		sig = signatureSentinel
	}

	return fingerprint{
		shard: uint16(h >> 48),
		row:   uint16(h >> 32),
		sig:   sig,
	}
}

// collectionFingerprint namespaces the composite keys of one collection.
// Only the full 64 bits matter, there is no routing component.
func collectionFingerprint(seed uint32, collection []byte) uint64 {
	return murmur3.Sum64WithSeed(collection, seed)
}

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
	crand "crypto/rand"
	"encoding/binary"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/spaolacci/murmur3"

	"github.com/whalevietnamese/candystore/entities"
)

// The meta file pins everything that must agree across opens of the same
// directory: magic, format version, the keyed-hash seed, and a
// fingerprint of the layout-affecting config values.
const (
	metaFileName      = "meta"
	metaMagic         = uint64(0x61746d79646e6163) // "candymta"
	metaFormatVersion = uint32(1)
	metaLen           = 24
)

// configFingerprint covers only the values baked into the on-disk
// layout. Tunables like the split threshold may vary between opens.
func configFingerprint(cfg *config) uint64 {
	buf := make([]byte, 32)
	binary.LittleEndian.PutUint64(buf[0:], uint64(cfg.rowsPerShard))
	binary.LittleEndian.PutUint64(buf[8:], uint64(cfg.slotsPerRow))
	binary.LittleEndian.PutUint64(buf[16:], uint64(cfg.maxKeySize))
	binary.LittleEndian.PutUint64(buf[24:], uint64(cfg.maxValueSize))
	return murmur3.Sum64(buf)
}

// loadOrCreateMeta resolves the store's hash seed. On first open a
// random seed is generated unless one was pinned via WithHashSeed; on
// reopen the persisted seed wins and a conflicting pinned seed or layout
// config is rejected.
func loadOrCreateMeta(dir string, cfg *config) error {
	path := filepath.Join(dir, metaFileName)

	buf, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return createMeta(path, cfg)
	}
	if err != nil {
		return errors.Wrap(err, "read meta file")
	}

	if len(buf) != metaLen {
		return errors.Wrapf(entities.Corrupt,
			"meta file is %d bytes, want %d", len(buf), metaLen)
	}
	if got := binary.LittleEndian.Uint64(buf[0:]); got != metaMagic {
		return errors.Wrapf(entities.Corrupt, "meta file has magic %x", got)
	}
	if got := binary.LittleEndian.Uint32(buf[8:]); got != metaFormatVersion {
		return errors.Wrapf(entities.Corrupt,
			"meta file has unsupported format version %d", got)
	}

	seed := binary.LittleEndian.Uint32(buf[12:])
	if cfg.hashSeedSet && cfg.hashSeed != seed {
		return errors.Wrap(entities.Config,
			"pinned hash seed differs from the persisted one")
	}
	cfg.hashSeed = seed

	if got := binary.LittleEndian.Uint64(buf[16:]); got != configFingerprint(cfg) {
		return errors.Wrap(entities.Config,
			"store was created with a different layout config")
	}

	return nil
}

func createMeta(path string, cfg *config) error {
	if !cfg.hashSeedSet {
		var raw [4]byte
		if _, err := crand.Read(raw[:]); err != nil {
			return errors.Wrap(err, "generate hash seed")
		}
		cfg.hashSeed = binary.LittleEndian.Uint32(raw[:])
	}

	buf := make([]byte, metaLen)
	binary.LittleEndian.PutUint64(buf[0:], metaMagic)
	binary.LittleEndian.PutUint32(buf[8:], metaFormatVersion)
	binary.LittleEndian.PutUint32(buf[12:], cfg.hashSeed)
	binary.LittleEndian.PutUint64(buf[16:], configFingerprint(cfg))

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return errors.Wrap(err, "create meta file")
	}
	if _, err := f.Write(buf); err != nil {
		f.Close()
		return errors.Wrap(err, "write meta file")
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return errors.Wrap(err, "fsync meta file")
	}
	if err := f.Close(); err != nil {
		return errors.Wrap(err, "close meta file")
	}

	return errors.Wrap(os.Rename(tmp, path), "install meta file")
}

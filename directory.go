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
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/whalevietnamese/candystore/entities"
)

// shardDirectory is the ordered map from shard-selector ranges to live
// shard files. The ranges tile [0, 65536) at all times; the entry flip
// performed by replace and swap is the linearization point for a split
// or compaction.
type shardDirectory struct {
	// Lock() for changing the currently active shard files, RLock() for
	// lookups
	maintenanceLock sync.RWMutex

	// sorted by rangeLo
	files []*shardFile
}

func newShardDirectory(files []*shardFile) *shardDirectory {
	sort.Slice(files, func(a, b int) bool {
		return files[a].rangeLo < files[b].rangeLo
	})
	return &shardDirectory{files: files}
}

// lookup resolves the file owning a shard selector. The returned
// reference stays usable after the directory lock is dropped: a
// concurrent split marks it retired rather than tearing it down under
// the caller.
func (d *shardDirectory) lookup(sel uint16) (*shardFile, error) {
	d.maintenanceLock.RLock()
	defer d.maintenanceLock.RUnlock()

	i := sort.Search(len(d.files), func(i int) bool {
		return d.files[i].rangeLo > uint32(sel)
	})
	if i == 0 {
		return nil, errors.Wrapf(entities.Corrupt,
			"no shard file owns selector %04x", sel)
	}

	f := d.files[i-1]
	if !f.ownsSelector(sel) {
		return nil, errors.Wrapf(entities.Corrupt,
			"no shard file owns selector %04x", sel)
	}
	return f, nil
}

// replace installs the children of a completed split in place of their
// parent.
func (d *shardDirectory) replace(parent *shardFile, children []*shardFile) {
	d.maintenanceLock.Lock()
	defer d.maintenanceLock.Unlock()

	out := make([]*shardFile, 0, len(d.files)+len(children)-1)
	for _, f := range d.files {
		if f != parent {
			out = append(out, f)
		}
	}
	out = append(out, children...)
	sort.Slice(out, func(a, b int) bool {
		return out[a].rangeLo < out[b].rangeLo
	})
	d.files = out
}

// swap exchanges a file for its compacted replacement covering the same
// range.
func (d *shardDirectory) swap(old, replacement *shardFile) {
	d.maintenanceLock.Lock()
	defer d.maintenanceLock.Unlock()

	for i, f := range d.files {
		if f == old {
			d.files[i] = replacement
			return
		}
	}
}

func (d *shardDirectory) snapshot() []*shardFile {
	d.maintenanceLock.RLock()
	defer d.maintenanceLock.RUnlock()

	out := make([]*shardFile, len(d.files))
	copy(out, d.files)
	return out
}

func (d *shardDirectory) count() int {
	d.maintenanceLock.RLock()
	defer d.maintenanceLock.RUnlock()

	return len(d.files)
}

/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Fri Mar 15 10:20:31 2019 mstenber
 * Last modified: Fri Mar 15 12:02:19 2019 mstenber
 * Edit time:     24 min
 *
 */

package wal

import (
	"github.com/fingon/go-lsfs/fserrors"
	"github.com/fingon/go-lsfs/journal"
	"github.com/fingon/go-lsfs/storage"
	"github.com/fingon/go-lsfs/util/cbor"
	"github.com/pkg/errors"
)

const SuperBlockVersion uint32 = 1

const (
	recordNamespace     = "j/"
	superBlockNamespace = "s/"
)

var superBlockKey = []byte("superblock")

// SuperBlock is where mount starts from.
//
// Records before EndCheckpoint are needed only for the objects listed
// in JournalFileOffsets (and only from the given offset on); records
// from EndCheckpoint on are replayed for everything.
type SuperBlock struct {
	Version    uint32 `codec:"v"`
	GUID       string `codec:"g"`
	Generation uint64 `codec:"n"`
	DeviceSize uint64 `codec:"ds"`

	RootParentStoreObjectID uint64 `codec:"rp"`
	RootStoreObjectID       uint64 `codec:"r"`
	AllocatorObjectID       uint64 `codec:"a"`

	JournalCheckpoint     journal.Checkpoint `codec:"jc"`
	EndCheckpoint         journal.Checkpoint `codec:"ec"`
	JournalFileOffsets    map[uint64]uint64  `codec:"o,omitempty"`
	BorrowedMetadataSpace uint64             `codec:"b"`
}

func (self *SuperBlock) needs(recordOffset, objectID uint64) bool {
	if recordOffset >= self.EndCheckpoint.FileOffset {
		return true
	}
	o, ok := self.JournalFileOffsets[objectID]
	return ok && recordOffset >= o
}

func decodeSuperBlock(b []byte) (sb SuperBlock, err error) {
	if err = cbor.Unmarshal(b, &sb); err != nil {
		return sb, errors.Wrapf(fserrors.ErrInconsistent, "superblock: %v", err)
	}
	if sb.Version != SuperBlockVersion {
		return sb, errors.Wrapf(fserrors.ErrInconsistent, "superblock version %d", sb.Version)
	}
	if sb.JournalCheckpoint.FileOffset > sb.EndCheckpoint.FileOffset {
		return sb, errors.Wrapf(fserrors.ErrInconsistent, "superblock journal start %v after end %v",
			sb.JournalCheckpoint, sb.EndCheckpoint)
	}
	return sb, nil
}

func readSuperBlock(backend storage.Backend) (sb SuperBlock, found bool, err error) {
	b, found, err := backend.Get(superBlockKey)
	if err != nil || !found {
		return
	}
	sb, err = decodeSuperBlock(b)
	return
}

// ReadSuperBlock reads the superblock of the journal within backend.
func ReadSuperBlock(backend storage.Backend) (SuperBlock, bool, error) {
	return readSuperBlock(storage.Namespace(backend, superBlockNamespace))
}

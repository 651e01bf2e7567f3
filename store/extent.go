/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Thu Mar 14 15:10:02 2019 mstenber
 * Last modified: Fri Mar 15 09:58:11 2019 mstenber
 * Edit time:     29 min
 *
 */

package store

import (
	"context"

	"github.com/fingon/go-lsfs/fserrors"
	"github.com/fingon/go-lsfs/journal"
	"github.com/fingon/go-lsfs/mlog"
	"github.com/fingon/go-lsfs/objmgr"
	"github.com/fingon/go-lsfs/transaction"
	"github.com/fingon/go-lsfs/util/cbor"
	"github.com/pkg/errors"
)

// Extent is where the data of a file lives on the device.
type Extent struct {
	Range     journal.DeviceRange `codec:"r"`
	Length    uint64              `codec:"l"`
	Checksums []uint64            `codec:"c"`
}

const blockSize = int(journal.BlockSize)

func blockChecksums(data []byte) []uint64 {
	checksums := make([]uint64, 0, len(data)/blockSize)
	for i := 0; i < len(data); i += blockSize {
		checksums = append(checksums, journal.Checksum(data[i:i+blockSize]))
	}
	return checksums
}

func (self *ObjectStore) extent(objectID uint64) (e Extent, found bool, err error) {
	b, found, err := self.Get(extentKey(objectID))
	if err != nil || !found {
		return
	}
	if err = cbor.Unmarshal(b, &e); err != nil {
		err = errors.Wrapf(fserrors.ErrInconsistent, "extent of %d: %v", objectID, err)
	}
	return
}

// WriteData replaces the content of the file. The data is on the
// device before the transaction commits; the old extent is freed by
// the transaction.
func (self *ObjectStore) WriteData(ctx context.Context, txn *transaction.Transaction, objectID uint64, data []byte) (journal.DeviceRange, error) {
	d, found, err := self.Object(objectID)
	if err != nil {
		return journal.DeviceRange{}, err
	}
	if !found {
		return journal.DeviceRange{}, errors.Wrapf(fserrors.ErrNotFound, "file %d", objectID)
	}
	if d != objmgr.DescriptorFile {
		return journal.DeviceRange{}, errors.Wrapf(fserrors.ErrInvalidArgument, "object %d is not file", objectID)
	}
	if len(data) == 0 {
		return journal.DeviceRange{}, self.DeleteData(txn, objectID)
	}
	old, hasOld, err := self.extent(objectID)
	if err != nil {
		return journal.DeviceRange{}, err
	}
	padded := make([]byte, (len(data)+blockSize-1)/blockSize*blockSize)
	copy(padded, data)
	checksums := blockChecksums(padded)
	r, err := self.env.Allocator.Allocate(txn, uint64(len(padded)), checksums)
	if err != nil {
		return r, err
	}
	if _, err = self.env.Device.WriteAt(padded, int64(r.Start)); err != nil {
		return r, errors.Wrapf(err, "write %v", r)
	}
	if hasOld {
		if err = self.env.Allocator.Deallocate(txn, old.Range); err != nil {
			return r, err
		}
	}
	b, err := cbor.Marshal(&Extent{Range: r, Length: uint64(len(data)), Checksums: checksums})
	if err != nil {
		return r, err
	}
	mlog.Printf2("store/extent", "s.WriteData %d/%d: %d bytes at %v", self.id, objectID, len(data), r)
	return r, self.Replace(txn, extentKey(objectID), b)
}

// ReadData returns the content of the file.
func (self *ObjectStore) ReadData(ctx context.Context, objectID uint64) ([]byte, error) {
	e, found, err := self.extent(objectID)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	buf := make([]byte, e.Range.Length())
	if _, err = self.env.Device.ReadAt(buf, int64(e.Range.Start)); err != nil {
		return nil, errors.Wrapf(err, "read %v", e.Range)
	}
	for i, cs := range blockChecksums(buf) {
		if i >= len(e.Checksums) || e.Checksums[i] != cs {
			return nil, errors.Wrapf(fserrors.ErrInconsistent, "checksum of block %d of %d", i, objectID)
		}
	}
	return buf[:e.Length], nil
}

// DeleteData frees the extent of the file, if any.
func (self *ObjectStore) DeleteData(txn *transaction.Transaction, objectID uint64) error {
	e, found, err := self.extent(objectID)
	if err != nil || !found {
		return err
	}
	if err = self.env.Allocator.Deallocate(txn, e.Range); err != nil {
		return err
	}
	return self.Remove(txn, extentKey(objectID))
}

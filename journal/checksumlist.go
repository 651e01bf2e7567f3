/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Mon Mar 11 12:02:40 2019 mstenber
 * Last modified: Tue Mar 12 09:22:55 2019 mstenber
 * Edit time:     35 min
 *
 */

package journal

import (
	"io"
	"sort"

	"github.com/fingon/go-lsfs/fserrors"
	"github.com/fingon/go-lsfs/mlog"
	"github.com/pkg/errors"
)

type checksumEntry struct {
	journalOffset uint64
	r             DeviceRange
	checksums     []uint64
	// deallocatedAt is the journal offset of a later Deallocate of
	// (part of) the range, or 0.
	deallocatedAt uint64
}

// ChecksumList accumulates block checksums seen while replaying the
// journal. They cannot be verified as they are encountered since a
// later record may deallocate (and something else overwrite) the
// blocks; Verify is called once replay has seen every record.
type ChecksumList struct {
	entries []*checksumEntry
}

// Push records checksums (one per BlockSize block) for the range
// allocated by the record at journalOffset.
func (self *ChecksumList) Push(journalOffset uint64, r DeviceRange, checksums []uint64) error {
	if !r.Valid() || uint64(len(checksums)) != r.Length()/BlockSize {
		return errors.Wrapf(fserrors.ErrInconsistent,
			"checksum count %d does not match range %v", len(checksums), r)
	}
	mlog.Printf2("journal/checksumlist", "cl.Push %d %v", journalOffset, r)
	self.entries = append(self.entries, &checksumEntry{journalOffset: journalOffset, r: r, checksums: checksums})
	return nil
}

// MarkDeallocated notes that the record at journalOffset freed r;
// earlier entries overlapping it are no longer verifiable.
func (self *ChecksumList) MarkDeallocated(journalOffset uint64, r DeviceRange) {
	mlog.Printf2("journal/checksumlist", "cl.MarkDeallocated %d %v", journalOffset, r)
	for _, e := range self.entries {
		if e.journalOffset < journalOffset && e.deallocatedAt == 0 && e.r.Overlaps(r) {
			e.deallocatedAt = journalOffset
		}
	}
}

func (self *ChecksumList) Len() int {
	return len(self.entries)
}

// Verify reads back every still-allocated range. On mismatch the
// journal offset of the earliest failing record is returned along
// with an ErrInconsistent error.
func (self *ChecksumList) Verify(device io.ReaderAt) (failedOffset uint64, err error) {
	entries := make([]*checksumEntry, len(self.entries))
	copy(entries, self.entries)
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].journalOffset < entries[j].journalOffset
	})
	buf := make([]byte, BlockSize)
	for _, e := range entries {
		if e.deallocatedAt != 0 {
			continue
		}
		for i, want := range e.checksums {
			off := e.r.Start + uint64(i)*BlockSize
			if _, err = device.ReadAt(buf, int64(off)); err != nil && err != io.EOF {
				return e.journalOffset, errors.Wrapf(err, "read %d", off)
			}
			err = nil
			if got := Checksum(buf); got != want {
				mlog.Printf2("journal/checksumlist", " mismatch at %d: %x != %x", off, got, want)
				return e.journalOffset, errors.Wrapf(fserrors.ErrInconsistent,
					"checksum mismatch for block %d (record %d)", off, e.journalOffset)
			}
		}
	}
	return 0, nil
}

/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Mon Mar 11 15:40:07 2019 mstenber
 * Last modified: Wed Mar 13 12:10:32 2019 mstenber
 * Edit time:     14 min
 *
 */

package objmgr

import (
	"github.com/fingon/go-lsfs/transaction"
	"github.com/fingon/go-lsfs/util"
)

// inner is the mutable state of ObjectManager; it is only touched
// with ObjectManager.lock held.
type inner struct {
	stores map[uint64]Store

	rootParentStoreObjectID uint64
	rootStoreObjectID       uint64
	allocatorObjectID       uint64
	allocator               Allocator

	// journalCheckpoints has entry for every object with unflushed
	// state in the journal.
	journalCheckpoints map[uint64]Checkpoints

	// reservations holds the temporary space each object may need
	// while flushing; only the maximum counts.
	reservations map[uint64]uint64

	lastEndOffset         uint64
	borrowedMetadataSpace uint64
	maxTxnSize            uint64

	journalUsageMultiplier uint64
	reservedSpace          uint64
}

func (self *inner) reservedSpaceFromJournalUsage(usage uint64) uint64 {
	return usage * self.journalUsageMultiplier
}

func (self *inner) requiredReservation() uint64 {
	var maxReservation uint64
	for _, v := range self.reservations {
		maxReservation = util.U64Max(maxReservation, v)
	}
	var journalSpace uint64
	first := true
	var minOffset uint64
	for _, cp := range self.journalCheckpoints {
		o := cp.Earliest().FileOffset
		if first || o < minOffset {
			minOffset = o
			first = false
		}
	}
	if !first {
		journalSpace = self.reservedSpaceFromJournalUsage(util.SaturatingSub(self.lastEndOffset, minOffset))
	}
	return maxReservation + journalSpace + self.reservedSpace
}

// object resolves the mutation target for objectID, or nil.
func (self *inner) object(objectID uint64) transaction.Mutations {
	if objectID == self.allocatorObjectID && self.allocator != nil {
		return self.allocator
	}
	if s, ok := self.stores[objectID]; ok {
		return s
	}
	return nil
}

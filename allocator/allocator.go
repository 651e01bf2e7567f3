/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Wed Mar 13 12:22:41 2019 mstenber
 * Last modified: Thu Mar 14 09:31:18 2019 mstenber
 * Edit time:     96 min
 *
 */

// allocator contains the simple first-fit block allocator of the
// device, and the reservations made from it.
package allocator

import (
	"context"

	"github.com/fingon/go-lsfs/fserrors"
	"github.com/fingon/go-lsfs/journal"
	"github.com/fingon/go-lsfs/mlog"
	"github.com/fingon/go-lsfs/objmgr"
	"github.com/fingon/go-lsfs/storage"
	"github.com/fingon/go-lsfs/transaction"
	"github.com/fingon/go-lsfs/util"
	"github.com/pkg/errors"
)

// SimpleAllocator hands out BlockSize aligned ranges of the device.
//
// Allocate records the range as pending in the transaction; it becomes
// allocated when the mutation is applied, and is released if the
// transaction is dropped instead. The allocated set is persisted
// (as start -> end records) on Flush.
type SimpleAllocator struct {
	Id      uint64
	Size    uint64
	Backend storage.Backend

	// Handler is used to commit the flush transactions.
	Handler transaction.Handler

	lock      util.MutexLocked
	allocated rangeSet
	pending   rangeSet
	flushing  rangeSet
	reserved  uint64
}

var _ objmgr.Allocator = &SimpleAllocator{}

func (self SimpleAllocator) Init() *SimpleAllocator {
	if self.Size%journal.BlockSize != 0 {
		mlog.Panicf("device size %d not multiple of block size", self.Size)
	}
	return &self
}

// Load reads the persisted allocated set.
func (self *SimpleAllocator) Load() error {
	var set rangeSet
	err := self.Backend.Iterate(nil, func(key, value []byte) error {
		r := journal.DeviceRange{Start: util.BytesUint64(key), End: util.BytesUint64(value)}
		if !r.Valid() || r.End > self.Size {
			return errors.Wrapf(fserrors.ErrInconsistent, "persisted allocator range %v", r)
		}
		set, _ = set.insert(r)
		return nil
	})
	if err != nil {
		return err
	}
	defer self.lock.Locked()()
	self.allocated = set
	mlog.Printf2("allocator/allocator", "a.Load %d ranges", len(set))
	return nil
}

func (self *SimpleAllocator) ObjectID() uint64 {
	return self.Id
}

func (self *SimpleAllocator) adjustReserved(delta int64) {
	defer self.lock.Locked()()
	if delta < 0 && uint64(-delta) > self.reserved {
		mlog.Panicf("allocator reserved underflow")
	}
	self.reserved = uint64(int64(self.reserved) + delta)
}

func (self *SimpleAllocator) free() uint64 {
	return util.SaturatingSub(self.Size, self.allocated.bytes()+self.pending.bytes()+self.reserved)
}

// Reserve returns reservation of amount bytes if that much is free.
func (self *SimpleAllocator) Reserve(amount uint64) (transaction.Reservation, bool) {
	defer self.lock.Locked()()
	if amount > self.free() {
		mlog.Printf2("allocator/allocator", "a.Reserve %d failed (free %d)", amount, self.free())
		return nil, false
	}
	self.reserved += amount
	mlog.Printf2("allocator/allocator", "a.Reserve %d", amount)
	return &Reservation{owner: self, amount: amount}, true
}

func roundUp(n uint64) uint64 {
	return (n + journal.BlockSize - 1) / journal.BlockSize * journal.BlockSize
}

// Allocate finds room for length bytes (rounded up to blocks); the
// allocation is added to the transaction. Space reserved by the
// transaction's allocator reservation may be used.
func (self *SimpleAllocator) Allocate(txn *transaction.Transaction, length uint64, checksums []uint64) (journal.DeviceRange, error) {
	length = roundUp(length)
	if length == 0 {
		return journal.DeviceRange{}, errors.Wrap(fserrors.ErrInvalidArgument, "zero length allocation")
	}
	var txnReserved uint64
	if txn.AllocatorReservation != nil {
		txnReserved = util.SaturatingSub(txn.AllocatorReservation.Amount(), txn.MetadataReservation.Hold)
	}
	r, err := func() (journal.DeviceRange, error) {
		defer self.lock.Locked()()
		if length > self.free()+txnReserved {
			return journal.DeviceRange{}, errors.Wrapf(fserrors.ErrNoSpace, "allocate %d", length)
		}
		r, ok := firstFit(self.Size, length, self.allocated, self.pending, self.flushing)
		if !ok {
			return r, errors.Wrapf(fserrors.ErrNoSpace, "no contiguous %d", length)
		}
		self.pending, _ = self.pending.insert(r)
		return r, nil
	}()
	if err != nil {
		return r, err
	}
	mlog.Printf2("allocator/allocator", "a.Allocate %v", r)
	txn.Add(self.Id, transaction.AllocateMutation(r, checksums))
	return r, nil
}

func (self *SimpleAllocator) Deallocate(txn *transaction.Transaction, r journal.DeviceRange) error {
	if !r.Valid() || r.End > self.Size {
		return errors.Wrapf(fserrors.ErrInvalidArgument, "deallocate %v", r)
	}
	mlog.Printf2("allocator/allocator", "a.Deallocate %v", r)
	txn.Add(self.Id, transaction.DeallocateMutation(r))
	return nil
}

func (self *SimpleAllocator) ApplyMutation(m transaction.Mutation, actx *transaction.ApplyContext, assoc transaction.AssociatedObject) {
	var used uint64
	func() {
		defer self.lock.Locked()()
		switch m.Kind {
		case transaction.KindAllocate:
			self.pending, _ = self.pending.remove(m.Range)
			self.allocated, used = self.allocated.insert(m.Range)
		case transaction.KindDeallocate:
			self.allocated, _ = self.allocated.remove(m.Range)
		case transaction.KindBeginFlush:
			self.flushing = append(rangeSet{}, self.allocated...)
		case transaction.KindEndFlush:
			self.flushing = nil
		default:
			mlog.Panicf("unexpected allocator mutation %v", m)
		}
	}()
	if used == 0 || actx.IsReplay() {
		return
	}
	txn := actx.Transaction
	if res := txn.AllocatorReservation; res != nil {
		avail := util.SaturatingSub(res.Amount(), txn.MetadataReservation.Hold)
		if used > avail {
			used = avail
		}
		if used > 0 {
			res.Commit(used)
		}
	}
}

func (self *SimpleAllocator) DropMutation(m transaction.Mutation, txn *transaction.Transaction) {
	if m.Kind != transaction.KindAllocate {
		return
	}
	mlog.Printf2("allocator/allocator", "a.DropMutation %v", m.Range)
	defer self.lock.Locked()()
	self.pending, _ = self.pending.remove(m.Range)
}

// ValidateMutation checks replayed allocator mutation; checksums of
// allocated ranges are queued for verification once replay is done.
func (self *SimpleAllocator) ValidateMutation(journalOffset uint64, m transaction.Mutation, cl *journal.ChecksumList) (bool, error) {
	switch m.Kind {
	case transaction.KindAllocate:
		if !m.Range.Valid() || m.Range.End > self.Size {
			return false, nil
		}
		if len(m.Checksums) > 0 {
			if err := cl.Push(journalOffset, m.Range, m.Checksums); err != nil {
				mlog.Printf2("allocator/allocator", "a.ValidateMutation %d: %v", journalOffset, err)
				return false, nil
			}
		}
		return true, nil
	case transaction.KindDeallocate:
		if !m.Range.Valid() || m.Range.End > self.Size {
			return false, nil
		}
		cl.MarkDeallocated(journalOffset, m.Range)
		return true, nil
	case transaction.KindBeginFlush, transaction.KindEndFlush:
		return true, nil
	}
	return false, nil
}

func (self *SimpleAllocator) commit(ctx context.Context, m transaction.Mutation) error {
	txn := transaction.New(self.Handler, transaction.MetadataReservation{Mode: transaction.Borrowed})
	defer txn.Close()
	txn.Add(self.Id, m)
	_, err := txn.Commit(ctx)
	return err
}

// Flush persists the allocated set as of BeginFlush.
func (self *SimpleAllocator) Flush(ctx context.Context) error {
	mlog.Printf2("allocator/allocator", "a.Flush")
	if err := self.commit(ctx, transaction.BeginFlush()); err != nil {
		return errors.Wrap(err, "allocator begin flush")
	}
	snapshot := func() rangeSet {
		defer self.lock.Locked()()
		return self.flushing
	}()
	var ops []storage.Op
	err := self.Backend.Iterate(nil, func(key, value []byte) error {
		ops = append(ops, storage.DeleteOp(key))
		return nil
	})
	if err != nil {
		return err
	}
	for _, r := range snapshot {
		ops = append(ops, storage.SetOp(util.Uint64Bytes(r.Start), util.Uint64Bytes(r.End)))
	}
	if err = self.Backend.Batch(ops); err != nil {
		return errors.Wrap(err, "allocator persist")
	}
	return errors.Wrap(self.commit(ctx, transaction.EndFlush()), "allocator end flush")
}

func (self *SimpleAllocator) Used() uint64 {
	defer self.lock.Locked()()
	return self.allocated.bytes()
}

func (self *SimpleAllocator) Reserved() uint64 {
	defer self.lock.Locked()()
	return self.reserved
}

func (self *SimpleAllocator) Free() uint64 {
	defer self.lock.Locked()()
	return self.free()
}

func (self *SimpleAllocator) IsAllocated(r journal.DeviceRange) bool {
	defer self.lock.Locked()()
	return self.allocated.overlaps(r)
}

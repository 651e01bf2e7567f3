/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Mon Mar 11 16:01:45 2019 mstenber
 * Last modified: Thu Mar 14 10:21:09 2019 mstenber
 * Edit time:     212 min
 *
 */

// objmgr keeps track of the object stores and the allocator of a
// filesystem instance. It routes mutations (live or replayed from the
// journal) to them, tracks which part of the journal each object
// still depends on, and accounts for the metadata space needed to
// eventually flush everything in the journal.
//
// At all times outside of a commit in progress,
//
//	metadata reservation + borrowed metadata space == required reservation
//
// where required reservation is the largest per-object flush
// reservation, plus the journal usage (since the earliest checkpoint
// still depended on) times multiplier, plus journal.ReservedSpace.
package objmgr

import (
	"context"
	"sort"
	"strconv"

	"github.com/fingon/go-lsfs/crypt"
	"github.com/fingon/go-lsfs/fserrors"
	"github.com/fingon/go-lsfs/journal"
	"github.com/fingon/go-lsfs/mlog"
	"github.com/fingon/go-lsfs/transaction"
	"github.com/fingon/go-lsfs/util"
	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"
)

// Paranoid enables the (more expensive) internal consistency checks.
var Paranoid = false

// DefaultJournalUsageMultiplier is the assumed worst case expansion
// of journal bytes once flushed to the layers, with compaction
// headroom.
const DefaultJournalUsageMultiplier = 4

type Options struct {
	// JournalUsageMultiplier; zero means default.
	JournalUsageMultiplier uint64

	// ReservedSpace always reserved for the journal; zero means
	// journal.ReservedSpace.
	ReservedSpace uint64
}

type ObjectManager struct {
	lock  util.RWMutexLocked
	inner inner

	metadataReservation util.Once[transaction.Reservation]
	volumeDirectory     util.Once[Directory]

	opens singleflight.Group
}

var _ transaction.ReservationTarget = &ObjectManager{}

func New(opts Options) *ObjectManager {
	if opts.JournalUsageMultiplier == 0 {
		opts.JournalUsageMultiplier = DefaultJournalUsageMultiplier
	}
	if opts.ReservedSpace == 0 {
		opts.ReservedSpace = journal.ReservedSpace
	}
	self := &ObjectManager{}
	self.inner = inner{
		stores:                  make(map[uint64]Store),
		rootParentStoreObjectID: InvalidObjectID,
		rootStoreObjectID:       InvalidObjectID,
		allocatorObjectID:       InvalidObjectID,
		journalCheckpoints:      make(map[uint64]Checkpoints),
		reservations:            make(map[uint64]uint64),
		journalUsageMultiplier:  opts.JournalUsageMultiplier,
		reservedSpace:           opts.ReservedSpace,
	}
	return self
}

// ReservedSpaceFromJournalUsage converts journal bytes to the
// metadata space their flush may need.
func (self *ObjectManager) ReservedSpaceFromJournalUsage(usage uint64) uint64 {
	defer self.lock.RLocked()()
	return self.inner.reservedSpaceFromJournalUsage(usage)
}

func (self *ObjectManager) StoreObjectIDs() []uint64 {
	defer self.lock.RLocked()()
	return util.SortedUint64s(self.inner.stores)
}

func (self *ObjectManager) RootParentStoreObjectID() uint64 {
	defer self.lock.RLocked()()
	return self.inner.rootParentStoreObjectID
}

func (self *ObjectManager) RootParentStore() Store {
	defer self.lock.RLocked()()
	s, ok := self.inner.stores[self.inner.rootParentStoreObjectID]
	if !ok {
		mlog.Panicf("root parent store not set")
	}
	return s
}

func (self *ObjectManager) SetRootParentStore(s Store) {
	defer self.lock.Locked()()
	id := s.StoreObjectID()
	in := &self.inner
	if in.rootParentStoreObjectID != InvalidObjectID {
		mlog.Panicf("root parent store set twice (%d, %d)", in.rootParentStoreObjectID, id)
	}
	if id == in.rootStoreObjectID || id == in.allocatorObjectID {
		mlog.Panicf("root parent store id %d collides", id)
	}
	in.stores[id] = s
	in.rootParentStoreObjectID = id
}

func (self *ObjectManager) RootStoreObjectID() uint64 {
	defer self.lock.RLocked()()
	return self.inner.rootStoreObjectID
}

func (self *ObjectManager) RootStore() Store {
	defer self.lock.RLocked()()
	s, ok := self.inner.stores[self.inner.rootStoreObjectID]
	if !ok {
		mlog.Panicf("root store not set")
	}
	return s
}

func (self *ObjectManager) SetRootStore(s Store) {
	defer self.lock.Locked()()
	id := s.StoreObjectID()
	in := &self.inner
	if in.rootStoreObjectID != InvalidObjectID {
		mlog.Panicf("root store set twice (%d, %d)", in.rootStoreObjectID, id)
	}
	if id == in.rootParentStoreObjectID || id == in.allocatorObjectID {
		mlog.Panicf("root store id %d collides", id)
	}
	in.stores[id] = s
	in.rootStoreObjectID = id
}

// LazyOpenStore returns the registered store, or registers a locked
// child of the root store. It is meant for replay, where the backing
// state of the store is not yet known.
func (self *ObjectManager) LazyOpenStore(storeObjectID uint64) Store {
	defer self.lock.Locked()()
	in := &self.inner
	if storeObjectID == in.allocatorObjectID {
		mlog.Panicf("LazyOpenStore called for allocator %d", storeObjectID)
	}
	if s, ok := in.stores[storeObjectID]; ok {
		return s
	}
	if storeObjectID == in.rootParentStoreObjectID || storeObjectID == in.rootStoreObjectID {
		mlog.Panicf("LazyOpenStore called for root store %d", storeObjectID)
	}
	root, ok := in.stores[in.rootStoreObjectID]
	if !ok {
		mlog.Panicf("LazyOpenStore %d without root store", storeObjectID)
	}
	mlog.Printf2("objmgr/objectmanager", "om.LazyOpenStore %d", storeObjectID)
	s := root.NewLockedChild(storeObjectID)
	in.stores[storeObjectID] = s
	return s
}

func (self *ObjectManager) Store(storeObjectID uint64) (Store, error) {
	defer self.lock.RLocked()()
	s, ok := self.inner.stores[storeObjectID]
	if !ok {
		return nil, errors.Wrapf(fserrors.ErrNotFound, "store %d", storeObjectID)
	}
	return s, nil
}

// OpenStore looks up the store and unlocks it. Concurrent opens of
// the same store share the single unlock; if the shared unlock fails,
// each caller retries with its own crypt.
func (self *ObjectManager) OpenStore(ctx context.Context, storeObjectID uint64, c crypt.Crypt) (Store, error) {
	s, err := self.Store(storeObjectID)
	if err != nil {
		return nil, err
	}
	_, err, shared := self.opens.Do(strconv.FormatUint(storeObjectID, 10), func() (interface{}, error) {
		mlog.Printf2("objmgr/objectmanager", "om.OpenStore %d", storeObjectID)
		return nil, s.Unlock(ctx, c)
	})
	if err != nil && shared {
		mlog.Printf2("objmgr/objectmanager", " shared unlock of %d failed, retrying: %v", storeObjectID, err)
		err = s.Unlock(ctx, c)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "unlock store %d", storeObjectID)
	}
	return s, nil
}

// OnReplayComplete finishes mount once the journal has been replayed:
// the volumes are found and loaded, and the metadata reservation is
// made.
func (self *ObjectManager) OnReplayComplete(ctx context.Context) error {
	root := self.RootStore()
	rootDirectory, err := root.OpenDirectory(ctx, root.RootDirectoryObjectID())
	if err != nil {
		return errors.Wrap(err, "unable to open root volume directory")
	}
	e, found, err := rootDirectory.Lookup(ctx, VolumesDirectory)
	if err != nil {
		return err
	}
	if !found {
		return errors.Wrap(fserrors.ErrNotFound, "volumes directory not found")
	}
	if e.Descriptor != DescriptorDirectory {
		return errors.Wrap(fserrors.ErrInconsistent, "unexpected type for volumes directory")
	}
	vd, err := root.OpenDirectory(ctx, e.ObjectID)
	if err != nil {
		return errors.Wrap(err, "unable to open volumes directory")
	}
	self.SetVolumeDirectory(vd)

	ids, err := ListVolumes(ctx, vd)
	if err != nil {
		return err
	}
	for _, id := range ids {
		s := self.LazyOpenStore(id)
		if err = s.OnReplayComplete(ctx); err != nil {
			return errors.Wrapf(err, "store %d failed to load after replay", id)
		}
	}
	self.InitMetadataReservation()
	return nil
}

func (self *ObjectManager) VolumeDirectory() Directory {
	return self.volumeDirectory.MustGet()
}

func (self *ObjectManager) SetVolumeDirectory(d Directory) {
	self.volumeDirectory.MustSet(d)
}

func (self *ObjectManager) AddStore(s Store) {
	defer self.lock.Locked()()
	id := s.StoreObjectID()
	in := &self.inner
	if id == in.rootParentStoreObjectID || id == in.rootStoreObjectID || id == in.allocatorObjectID {
		mlog.Panicf("AddStore with reserved id %d", id)
	}
	mlog.Printf2("objmgr/objectmanager", "om.AddStore %d", id)
	in.stores[id] = s
}

func (self *ObjectManager) ForgetStore(storeObjectID uint64) {
	defer self.lock.Locked()()
	in := &self.inner
	if storeObjectID == in.rootParentStoreObjectID || storeObjectID == in.rootStoreObjectID || storeObjectID == in.allocatorObjectID {
		mlog.Panicf("ForgetStore with reserved id %d", storeObjectID)
	}
	mlog.Printf2("objmgr/objectmanager", "om.ForgetStore %d", storeObjectID)
	delete(in.stores, storeObjectID)
	delete(in.reservations, storeObjectID)
}

func (self *ObjectManager) SetAllocator(a Allocator) {
	defer self.lock.Locked()()
	id := a.ObjectID()
	in := &self.inner
	if in.allocator != nil {
		mlog.Panicf("allocator set twice")
	}
	if _, ok := in.stores[id]; ok {
		mlog.Panicf("allocator id %d collides with store", id)
	}
	in.allocatorObjectID = id
	in.allocator = a
}

func (self *ObjectManager) Allocator() Allocator {
	defer self.lock.RLocked()()
	if self.inner.allocator == nil {
		mlog.Panicf("allocator not set")
	}
	return self.inner.allocator
}

func (self *ObjectManager) AllocatorObjectID() uint64 {
	defer self.lock.RLocked()()
	return self.inner.allocatorObjectID
}

// ValidateMutation is used during replay before the mutation is
// trusted. false means the mutation (and its record) is to be skipped.
func (self *ObjectManager) ValidateMutation(journalOffset, objectID uint64, m transaction.Mutation, cl *journal.ChecksumList) (bool, error) {
	a := func() Allocator {
		defer self.lock.RLocked()()
		if objectID == self.inner.allocatorObjectID {
			return self.inner.allocator
		}
		return nil
	}()
	if a != nil {
		return a.ValidateMutation(journalOffset, m, cl)
	}
	return ValidateStoreMutation(journalOffset, m, cl)
}

func (self *ObjectManager) applyMutation(objectID uint64, m transaction.Mutation, actx *transaction.ApplyContext, assoc transaction.AssociatedObject) {
	mlog.Printf2("objmgr/objectmanager", "applying mutation: %d: %v", objectID, m)
	object := func() transaction.Mutations {
		defer self.lock.Locked()()
		in := &self.inner
		cps, found := in.journalCheckpoints[objectID]
		switch m.Kind {
		case transaction.KindBeginFlush:
			if found {
				in.journalCheckpoints[objectID] = cps.beginFlush()
			}
		case transaction.KindEndFlush:
			if found {
				if cps, ok := cps.endFlush(); ok {
					in.journalCheckpoints[objectID] = cps
				} else {
					delete(in.journalCheckpoints, objectID)
				}
			}
		default:
			if objectID != in.rootParentStoreObjectID {
				if found {
					in.journalCheckpoints[objectID] = cps.dependOn(actx.Checkpoint)
				} else {
					in.journalCheckpoints[objectID] = Current(actx.Checkpoint)
				}
			}
		}
		return in.object(objectID)
	}()
	if object == nil {
		if !actx.IsReplay() {
			mlog.Panicf("no object %d for live mutation %v", objectID, m)
		}
		object = self.LazyOpenStore(objectID)
	}
	if assoc != nil {
		assoc.WillApplyMutation(m, objectID, self)
	}
	object.ApplyMutation(m, actx, assoc)
}

// ReplayMutations applies one historical transaction read from the
// journal. UpdateBorrowed is consumed here; it restores borrowed
// metadata space only if the record advances the journal end.
func (self *ObjectManager) ReplayMutations(mutations []transaction.TxnMutation, actx *transaction.ApplyContext, endOffset uint64) {
	mlog.Printf2("objmgr/objectmanager", "REPLAY %d", actx.Checkpoint.FileOffset)
	var txnSize uint64
	sized := func() bool {
		defer self.lock.Locked()()
		in := &self.inner
		if endOffset > in.lastEndOffset {
			txnSize = endOffset - in.lastEndOffset
			in.lastEndOffset = endOffset
			return true
		}
		return false
	}()
	for _, tm := range mutations {
		if tm.Mutation.Kind == transaction.KindUpdateBorrowed {
			if sized {
				func() {
					defer self.lock.Locked()()
					in := &self.inner
					in.borrowedMetadataSpace = tm.Mutation.Borrowed + in.reservedSpaceFromJournalUsage(txnSize)
				}()
			} else {
				mlog.Printf2("objmgr/objectmanager", " skipping unsized %v", tm.Mutation)
			}
			continue
		}
		self.applyMutation(tm.ObjectID, tm.Mutation, actx, nil)
	}
}

// ApplyTransaction applies the mutations of a live transaction. For
// Borrowed transactions the returned UpdateBorrowed mutation must be
// added to the journal record of the transaction.
func (self *ObjectManager) ApplyTransaction(txn *transaction.Transaction, checkpoint journal.Checkpoint) (transaction.Mutation, bool) {
	reservation := self.MetadataReservation()
	oldAmount := reservation.Amount()
	oldRequired := self.RequiredReservation()

	mlog.Printf2("objmgr/objectmanager", "BEGIN TXN %d", checkpoint.FileOffset)
	mutations := txn.Take()
	actx := &transaction.ApplyContext{Mode: transaction.Live, Transaction: txn, Checkpoint: checkpoint}
	for _, tm := range mutations {
		self.applyMutation(tm.ObjectID, tm.Mutation, actx, tm.Associated)
	}
	mlog.Printf2("objmgr/objectmanager", "END TXN")

	if txn.MetadataReservation.Mode == transaction.Borrowed {
		newAmount := reservation.Amount()
		defer self.lock.Locked()()
		in := &self.inner
		newRequired := in.requiredReservation()
		add := oldAmount + newRequired
		sub := newAmount + oldRequired
		if add >= sub {
			in.borrowedMetadataSpace += add - sub
		} else {
			in.borrowedMetadataSpace = util.SaturatingSub(in.borrowedMetadataSpace, sub-add)
		}
		return transaction.UpdateBorrowed(in.borrowedMetadataSpace), true
	}
	if Paranoid {
		if a := reservation.Amount(); a != oldAmount {
			mlog.Panicf("metadata reservation changed in non-borrowing transaction: %d != %d", a, oldAmount)
		}
		if r := self.RequiredReservation(); r != oldRequired {
			mlog.Panicf("required reservation changed in non-borrowing transaction: %d != %d", r, oldRequired)
		}
	}
	return transaction.Mutation{}, false
}

// DidCommitTransaction is called once the transaction is durably in
// the journal, ending at endOffset.
func (self *ObjectManager) DidCommitTransaction(txn *transaction.Transaction, checkpoint journal.Checkpoint, endOffset uint64) {
	reservation := self.MetadataReservation()
	defer self.lock.Locked()()
	in := &self.inner
	if Paranoid && endOffset < in.lastEndOffset {
		mlog.Panicf("journal end went backwards: %d < %d", endOffset, in.lastEndOffset)
	}
	journalUsage := util.SaturatingSub(endOffset, in.lastEndOffset)
	in.lastEndOffset = endOffset
	if journalUsage > in.maxTxnSize {
		in.maxTxnSize = journalUsage
		mlog.Printf2("objmgr/objectmanager", "max txn size: %d", journalUsage)
	}
	txnSpace := in.reservedSpaceFromJournalUsage(journalUsage)
	mr := &txn.MetadataReservation
	switch mr.Mode {
	case transaction.Borrowed:
		in.borrowedMetadataSpace += txnSpace
		toGiveBack := util.SaturatingSub(reservation.Amount()+in.borrowedMetadataSpace, in.requiredReservation())
		if toGiveBack > 0 {
			reservation.GiveBack(toGiveBack)
		}
	case transaction.Hold:
		txnReservation := txn.AllocatorReservation
		if txnReservation == nil {
			mlog.Panicf("Hold transaction without allocator reservation")
		}
		if txnReservation == reservation {
			mlog.Panicf("Borrowed should be used for metadata reservation")
		}
		if Paranoid && txnSpace > mr.Hold {
			mlog.Panicf("transaction used %d, more than held %d", txnSpace, mr.Hold)
		}
		txnReservation.Commit(txnSpace)
		mr.Hold = util.SaturatingSub(mr.Hold, txnSpace)
		reservation.Add(txnSpace)
	case transaction.ReservationMode:
		mr.Reservation.MoveTo(reservation, txnSpace)
	}
	if Paranoid {
		amount := reservation.Amount()
		required := in.requiredReservation()
		if amount+in.borrowedMetadataSpace != required {
			mlog.Panicf("txn_space: %d, reservation_amount: %d, borrowed: %d, required: %d",
				txnSpace, amount, in.borrowedMetadataSpace, required)
		}
	}
}

// DropTransaction rolls back mutations not yet applied.
func (self *ObjectManager) DropTransaction(txn *transaction.Transaction) {
	for _, tm := range txn.Take() {
		if o := self.object(tm.ObjectID); o != nil {
			o.DropMutation(tm.Mutation, txn)
		}
	}
}

// JournalFileOffsets returns the earliest journal offset each object
// depends on, and the minimum checkpoint (if any object does).
func (self *ObjectManager) JournalFileOffsets() (offsets map[uint64]uint64, minCheckpoint journal.Checkpoint, found bool) {
	defer self.lock.RLocked()()
	offsets = make(map[uint64]uint64, len(self.inner.journalCheckpoints))
	for id, cps := range self.inner.journalCheckpoints {
		cp := cps.Earliest()
		if !found || cp.FileOffset < minCheckpoint.FileOffset {
			minCheckpoint = cp
			found = true
		}
		offsets[id] = cp.FileOffset
	}
	return
}

func (self *ObjectManager) NeedsFlush(objectID uint64) bool {
	defer self.lock.RLocked()()
	_, ok := self.inner.journalCheckpoints[objectID]
	return ok
}

// JournalCheckpoints returns the tracked checkpoints of object.
func (self *ObjectManager) JournalCheckpoints(objectID uint64) (Checkpoints, bool) {
	defer self.lock.RLocked()()
	cps, ok := self.inner.journalCheckpoints[objectID]
	return cps, ok
}

// Flush flushes every object that depends on the journal, in
// descending object id order; root store (with smallest id) is last so
// that it picks up what flushing the others produced.
func (self *ObjectManager) Flush(ctx context.Context) error {
	ids := func() []uint64 {
		defer self.lock.RLocked()()
		ids := make([]uint64, 0, len(self.inner.journalCheckpoints))
		for id := range self.inner.journalCheckpoints {
			ids = append(ids, id)
		}
		return ids
	}()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	mlog.Printf2("objmgr/objectmanager", "om.Flush %v", ids)
	for i := len(ids) - 1; i >= 0; i-- {
		id := ids[i]
		o := self.object(id)
		if o == nil {
			return errors.Wrapf(fserrors.ErrNotFound, "flush of object %d", id)
		}
		if err := o.Flush(ctx); err != nil {
			return errors.Wrapf(err, "flush of object %d", id)
		}
	}
	return nil
}

func (self *ObjectManager) object(objectID uint64) transaction.Mutations {
	defer self.lock.RLocked()()
	return self.inner.object(objectID)
}

// InitMetadataReservation reserves what is required minus what is
// borrowed. Failure is fatal.
func (self *ObjectManager) InitMetadataReservation() {
	a, amount := func() (Allocator, uint64) {
		defer self.lock.RLocked()()
		in := &self.inner
		if in.allocator == nil {
			mlog.Panicf("InitMetadataReservation without allocator")
		}
		required := in.requiredReservation()
		if Paranoid && in.borrowedMetadataSpace > required {
			mlog.Panicf("borrowed %d exceeds required %d", in.borrowedMetadataSpace, required)
		}
		return in.allocator, util.SaturatingSub(required, in.borrowedMetadataSpace)
	}()
	r, ok := a.Reserve(amount)
	if !ok {
		mlog.Panicf("failed to reserve %d bytes of metadata space", amount)
	}
	mlog.Printf2("objmgr/objectmanager", "om.InitMetadataReservation %d", amount)
	self.metadataReservation.MustSet(r)
}

func (self *ObjectManager) MetadataReservation() transaction.Reservation {
	return self.metadataReservation.MustGet()
}

func (self *ObjectManager) HasMetadataReservation() bool {
	return self.metadataReservation.IsSet()
}

func (self *ObjectManager) UpdateReservation(objectID, amount uint64) {
	defer self.lock.Locked()()
	mlog.Printf2("objmgr/objectmanager", "om.UpdateReservation %d %d", objectID, amount)
	self.inner.reservations[objectID] = amount
}

func (self *ObjectManager) RequiredReservation() uint64 {
	defer self.lock.RLocked()()
	return self.inner.requiredReservation()
}

func (self *ObjectManager) LastEndOffset() uint64 {
	defer self.lock.RLocked()()
	return self.inner.lastEndOffset
}

func (self *ObjectManager) SetLastEndOffset(v uint64) {
	defer self.lock.Locked()()
	self.inner.lastEndOffset = v
}

func (self *ObjectManager) BorrowedMetadataSpace() uint64 {
	defer self.lock.RLocked()()
	return self.inner.borrowedMetadataSpace
}

func (self *ObjectManager) SetBorrowedMetadataSpace(v uint64) {
	defer self.lock.Locked()()
	self.inner.borrowedMetadataSpace = v
}

func (self *ObjectManager) MaxTxnSize() uint64 {
	defer self.lock.RLocked()()
	return self.inner.maxTxnSize
}

// EncryptMutation returns the journal form of the mutation if the
// owning store encrypts.
func (self *ObjectManager) EncryptMutation(objectID uint64, m transaction.Mutation) (transaction.Mutation, bool) {
	s := func() Store {
		defer self.lock.RLocked()()
		return self.inner.stores[objectID]
	}()
	if s == nil {
		return transaction.Mutation{}, false
	}
	return s.EncryptMutation(m)
}

func (self *ObjectManager) UnlockedStores() []Store {
	defer self.lock.RLocked()()
	stores := make([]Store, 0, len(self.inner.stores))
	for _, id := range util.SortedUint64s(self.inner.stores) {
		if s := self.inner.stores[id]; !s.IsLocked() {
			stores = append(stores, s)
		}
	}
	return stores
}

type Stats struct {
	Stores                int
	DependentObjects      int
	RequiredReservation   uint64
	MetadataReservation   uint64
	BorrowedMetadataSpace uint64
	LastEndOffset         uint64
	MaxTxnSize            uint64
}

func (self *ObjectManager) Stats() Stats {
	var amount uint64
	if r, ok := self.metadataReservation.Get(); ok {
		amount = r.Amount()
	}
	defer self.lock.RLocked()()
	in := &self.inner
	return Stats{
		Stores:                len(in.stores),
		DependentObjects:      len(in.journalCheckpoints),
		RequiredReservation:   in.requiredReservation(),
		MetadataReservation:   amount,
		BorrowedMetadataSpace: in.borrowedMetadataSpace,
		LastEndOffset:         in.lastEndOffset,
		MaxTxnSize:            in.maxTxnSize,
	}
}

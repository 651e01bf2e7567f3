/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Thu Mar 14 10:30:02 2019 mstenber
 * Last modified: Thu Mar 14 11:42:36 2019 mstenber
 * Edit time:     41 min
 *
 */

package objmgr

import (
	"context"
	"sort"
	"testing"

	"github.com/fingon/go-lsfs/crypt"
	"github.com/fingon/go-lsfs/fserrors"
	"github.com/fingon/go-lsfs/journal"
	"github.com/fingon/go-lsfs/transaction"
	"github.com/fingon/go-lsfs/util"
	"github.com/pkg/errors"
)

func init() {
	Paranoid = true
}

func expectPanic(t *testing.T, cb func()) {
	t.Helper()
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic")
		}
	}()
	cb()
}

// fakeLog records the order in which objects were flushed.
type fakeLog struct {
	lock    util.MutexLocked
	flushed []uint64
}

func (self *fakeLog) flush(id uint64) {
	defer self.lock.Locked()()
	self.flushed = append(self.flushed, id)
}

type fakeReservation struct {
	lock   util.MutexLocked
	amount uint64
}

func (self *fakeReservation) Amount() uint64 {
	defer self.lock.Locked()()
	return self.amount
}

func (self *fakeReservation) Add(amount uint64) {
	defer self.lock.Locked()()
	self.amount += amount
}

func (self *fakeReservation) take(amount uint64) {
	defer self.lock.Locked()()
	if amount > self.amount {
		panic("fakeReservation underflow")
	}
	self.amount -= amount
}

func (self *fakeReservation) GiveBack(amount uint64) { self.take(amount) }
func (self *fakeReservation) Commit(amount uint64)   { self.take(amount) }

func (self *fakeReservation) MoveTo(other transaction.Reservation, amount uint64) {
	self.take(amount)
	other.Add(amount)
}

type fakeAllocator struct {
	id      uint64
	log     *fakeLog
	applied []transaction.Mutation
	free    uint64
}

func (self *fakeAllocator) ObjectID() uint64 { return self.id }

func (self *fakeAllocator) Reserve(amount uint64) (transaction.Reservation, bool) {
	if amount > self.free {
		return nil, false
	}
	self.free -= amount
	return &fakeReservation{amount: amount}, true
}

func (self *fakeAllocator) ValidateMutation(off uint64, m transaction.Mutation, cl *journal.ChecksumList) (bool, error) {
	return m.Kind == transaction.KindAllocate && m.Range.Valid(), nil
}

func (self *fakeAllocator) ApplyMutation(m transaction.Mutation, actx *transaction.ApplyContext, assoc transaction.AssociatedObject) {
	self.applied = append(self.applied, m)
}

func (self *fakeAllocator) DropMutation(m transaction.Mutation, txn *transaction.Transaction) {}

func (self *fakeAllocator) Flush(ctx context.Context) error {
	self.log.flush(self.id)
	return nil
}

type fakeDirectory struct {
	id      uint64
	entries map[string]DirEntry
}

func (self *fakeDirectory) ObjectID() uint64 { return self.id }

func (self *fakeDirectory) Lookup(ctx context.Context, name string) (DirEntry, bool, error) {
	e, ok := self.entries[name]
	return e, ok, nil
}

func (self *fakeDirectory) Entries(ctx context.Context) ([]DirEntry, error) {
	var l []DirEntry
	for _, e := range self.entries {
		l = append(l, e)
	}
	sort.Slice(l, func(i, j int) bool { return l[i].Name < l[j].Name })
	return l, nil
}

// fakeWorld is shared by a fakeStore and the children it creates.
type fakeWorld struct {
	log         fakeLog
	dirs        map[uint64]*fakeDirectory
	replayError map[uint64]error
	children    map[uint64]*fakeStore
}

type fakeStore struct {
	world    *fakeWorld
	id       uint64
	locked   bool
	rootDir  uint64
	applied  []transaction.Mutation
	dropped  []transaction.Mutation
	unlocks  int
	replayed int
	encrypt  bool

	// If started is set, the next Unlock closes it and waits for gate
	lock    util.MutexLocked
	started chan struct{}
	gate    chan struct{}
}

var _ Store = &fakeStore{}

func (self *fakeStore) StoreObjectID() uint64 { return self.id }
func (self *fakeStore) IsLocked() bool        { return self.locked }

func (self *fakeStore) Unlock(ctx context.Context, c crypt.Crypt) error {
	defer self.lock.Locked()()
	if self.started != nil {
		close(self.started)
		self.started = nil
		<-self.gate
	}
	self.unlocks++
	if c == nil {
		return fserrors.ErrLocked
	}
	self.locked = false
	return nil
}

func (self *fakeStore) EncryptMutation(m transaction.Mutation) (transaction.Mutation, bool) {
	if !self.encrypt || m.Kind != transaction.KindObjectStore {
		return transaction.Mutation{}, false
	}
	return transaction.EncryptedObjectStoreMutation(m.Item.Key), true
}

func (self *fakeStore) OnReplayComplete(ctx context.Context) error {
	self.replayed++
	return self.world.replayError[self.id]
}

func (self *fakeStore) RootDirectoryObjectID() uint64 { return self.rootDir }

func (self *fakeStore) OpenDirectory(ctx context.Context, id uint64) (Directory, error) {
	d, ok := self.world.dirs[id]
	if !ok {
		return nil, errors.Wrapf(fserrors.ErrNotFound, "directory %d", id)
	}
	return d, nil
}

func (self *fakeStore) NewLockedChild(id uint64) Store {
	s := &fakeStore{world: self.world, id: id, locked: true}
	self.world.children[id] = s
	return s
}

func (self *fakeStore) ApplyMutation(m transaction.Mutation, actx *transaction.ApplyContext, assoc transaction.AssociatedObject) {
	self.applied = append(self.applied, m)
}

func (self *fakeStore) DropMutation(m transaction.Mutation, txn *transaction.Transaction) {
	self.dropped = append(self.dropped, m)
}

func (self *fakeStore) Flush(ctx context.Context) error {
	self.world.log.flush(self.id)
	return nil
}

const (
	testRootParent = 1
	testRoot       = 2
	testAllocator  = 3
)

func cp(off uint64) journal.Checkpoint {
	return journal.Checkpoint{FileOffset: off, Version: journal.LatestVersion}
}

type testEnv struct {
	world      *fakeWorld
	om         *ObjectManager
	rootParent *fakeStore
	root       *fakeStore
	allocator  *fakeAllocator
}

// ProdEnv returns object manager with root parent (1), root (2) and
// allocator (3) registered, and journal ending at lastEnd.
func ProdEnv(lastEnd uint64, reserve bool) *testEnv {
	w := &fakeWorld{dirs: make(map[uint64]*fakeDirectory),
		replayError: make(map[uint64]error),
		children:    make(map[uint64]*fakeStore)}
	e := &testEnv{world: w, om: New(Options{})}
	e.rootParent = &fakeStore{world: w, id: testRootParent}
	e.root = &fakeStore{world: w, id: testRoot, rootDir: 10}
	e.allocator = &fakeAllocator{id: testAllocator, log: &w.log, free: 1 << 40}
	e.om.SetRootParentStore(e.rootParent)
	e.om.SetRootStore(e.root)
	e.om.SetAllocator(e.allocator)
	e.om.SetLastEndOffset(lastEnd)
	if reserve {
		e.om.InitMetadataReservation()
	}
	return e
}

func (self *testEnv) store(id uint64) *fakeStore {
	s := &fakeStore{world: self.world, id: id}
	self.om.AddStore(s)
	return s
}

// commit does what journal does: apply, then pretend the record ended
// at endOffset.
func (self *testEnv) commit(txn *transaction.Transaction, endOffset uint64) (transaction.Mutation, bool) {
	c := cp(self.om.LastEndOffset())
	m, ok := self.om.ApplyTransaction(txn, c)
	self.om.DidCommitTransaction(txn, c, endOffset)
	return m, ok
}

func (self *testEnv) invariant() uint64 {
	return self.om.MetadataReservation().Amount() + self.om.BorrowedMetadataSpace()
}

func storeMutation(key string) transaction.Mutation {
	return transaction.ObjectStoreMutation(transaction.OpReplaceOrInsert, []byte(key), []byte("v"))
}

func borrowed(txnMutations ...transaction.TxnMutation) *transaction.Transaction {
	txn := transaction.New(nil, transaction.MetadataReservation{Mode: transaction.Borrowed})
	for _, m := range txnMutations {
		txn.AddWithObject(m.ObjectID, m.Mutation, m.Associated)
	}
	return txn
}

func op(id uint64, m transaction.Mutation) transaction.TxnMutation {
	return transaction.TxnMutation{ObjectID: id, Mutation: m}
}

/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Thu Mar 14 10:44:12 2019 mstenber
 * Last modified: Thu Mar 14 12:38:51 2019 mstenber
 * Edit time:     88 min
 *
 */

package objmgr

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fingon/go-lsfs/crypt"
	"github.com/fingon/go-lsfs/fserrors"
	"github.com/fingon/go-lsfs/journal"
	"github.com/fingon/go-lsfs/transaction"
	"github.com/pkg/errors"
	"github.com/stvp/assert"
)

const R = journal.ReservedSpace

func TestRoundTrip(t *testing.T) {
	t.Parallel()
	env := ProdEnv(100, true)
	assert.Equal(t, env.om.MetadataReservation().Amount(), uint64(R))
	assert.Equal(t, env.om.RequiredReservation(), uint64(R))

	ub, ok := env.commit(borrowed(op(testRoot, storeMutation("a"))), 140)
	assert.True(t, ok)
	assert.Equal(t, ub, transaction.UpdateBorrowed(0))
	cps, found := env.om.JournalCheckpoints(testRoot)
	assert.True(t, found)
	assert.Equal(t, cps, Current(cp(100)))
	assert.Equal(t, env.om.BorrowedMetadataSpace(), uint64(160))
	assert.Equal(t, env.om.RequiredReservation(), uint64(160+R))
	assert.Equal(t, env.invariant(), env.om.RequiredReservation())
	assert.Equal(t, env.om.MaxTxnSize(), uint64(40))
	assert.Equal(t, len(env.root.applied), 1)

	ub, ok = env.commit(borrowed(op(testRoot, storeMutation("b"))), 200)
	assert.True(t, ok)
	assert.Equal(t, ub, transaction.UpdateBorrowed(160))
	assert.Equal(t, env.om.BorrowedMetadataSpace(), uint64(400))
	assert.Equal(t, env.om.MaxTxnSize(), uint64(60))

	env.commit(borrowed(op(testRoot, transaction.BeginFlush())), 210)
	cps, _ = env.om.JournalCheckpoints(testRoot)
	assert.Equal(t, cps, Old(cp(100)))
	assert.Equal(t, env.invariant(), env.om.RequiredReservation())

	ub, _ = env.commit(borrowed(op(testRoot, transaction.EndFlush())), 220)
	assert.Equal(t, ub, transaction.UpdateBorrowed(0))
	assert.True(t, !env.om.NeedsFlush(testRoot))
	assert.Equal(t, env.om.RequiredReservation(), uint64(R))
	assert.Equal(t, env.invariant(), env.om.RequiredReservation())

	st := env.om.Stats()
	assert.Equal(t, st.Stores, 2)
	assert.Equal(t, st.DependentObjects, 0)
	assert.Equal(t, st.LastEndOffset, uint64(220))
	assert.Equal(t, st.RequiredReservation, uint64(R))
}

func TestCheckpointFloor(t *testing.T) {
	t.Parallel()
	env := ProdEnv(100, true)
	env.store(5)
	check := func(want Checkpoints) {
		t.Helper()
		cps, found := env.om.JournalCheckpoints(5)
		assert.True(t, found)
		assert.Equal(t, cps, want)
		assert.Equal(t, env.invariant(), env.om.RequiredReservation())
	}
	env.commit(borrowed(op(5, storeMutation("a"))), 200)
	check(Current(cp(100)))
	env.commit(borrowed(op(5, storeMutation("b"))), 300)
	check(Current(cp(100)))
	env.commit(borrowed(op(5, transaction.BeginFlush())), 400)
	check(Old(cp(100)))
	env.commit(borrowed(op(5, storeMutation("c"))), 500)
	check(Both(cp(100), cp(400)))
	env.commit(borrowed(op(5, storeMutation("d"))), 600)
	check(Both(cp(100), cp(400)))

	offsets, minCp, found := env.om.JournalFileOffsets()
	assert.True(t, found)
	assert.Equal(t, offsets, map[uint64]uint64{5: 100})
	assert.Equal(t, minCp, cp(100))

	env.commit(borrowed(op(5, transaction.EndFlush())), 700)
	check(Current(cp(400)))
	offsets, minCp, _ = env.om.JournalFileOffsets()
	assert.Equal(t, offsets, map[uint64]uint64{5: 400})
	assert.Equal(t, minCp, cp(400))
	assert.Equal(t, env.om.RequiredReservation(), uint64(4*300+R))
}

func TestRootParentNotTracked(t *testing.T) {
	t.Parallel()
	env := ProdEnv(0, true)
	env.commit(borrowed(op(testRootParent, storeMutation("a"))), 50)
	assert.True(t, !env.om.NeedsFlush(testRootParent))
	assert.Equal(t, len(env.rootParent.applied), 1)
	_, _, found := env.om.JournalFileOffsets()
	assert.True(t, !found)
	assert.Equal(t, env.invariant(), env.om.RequiredReservation())
}

func TestFlushOrder(t *testing.T) {
	t.Parallel()
	env := ProdEnv(0, true)
	env.store(5)
	env.store(7)
	env.commit(borrowed(op(7, storeMutation("a")), op(testRoot, storeMutation("b")),
		op(5, storeMutation("c"))), 100)
	assert.Nil(t, env.om.Flush(context.Background()))
	assert.Equal(t, env.world.log.flushed, []uint64{7, 5, 2})

	env.om.ForgetStore(5)
	err := env.om.Flush(context.Background())
	assert.True(t, fserrors.Is(err, fserrors.ErrNotFound))
	assert.Equal(t, env.world.log.flushed, []uint64{7, 5, 2, 7})
}

func TestReservations(t *testing.T) {
	t.Parallel()
	env := ProdEnv(0, true)
	env.store(5)
	env.store(7)
	env.om.UpdateReservation(5, 1000)
	env.om.UpdateReservation(7, 500)
	assert.Equal(t, env.om.RequiredReservation(), uint64(1000+R))
	env.om.ForgetStore(5)
	assert.Equal(t, env.om.RequiredReservation(), uint64(500+R))
	env.om.UpdateReservation(7, 0)
	assert.Equal(t, env.om.RequiredReservation(), uint64(R))
	assert.Equal(t, env.om.ReservedSpaceFromJournalUsage(10), uint64(40))
}

func TestReservationUpdate(t *testing.T) {
	t.Parallel()
	env := ProdEnv(100, true)
	txn := transaction.New(nil, transaction.MetadataReservation{Mode: transaction.Borrowed})
	txn.AddWithObject(testRoot, storeMutation("a"), NewReservationUpdate(1000))
	ub, ok := env.commit(txn, 140)
	assert.True(t, ok)
	assert.Equal(t, ub, transaction.UpdateBorrowed(1000))
	assert.Equal(t, env.om.RequiredReservation(), uint64(1000+160+R))
	assert.Equal(t, env.invariant(), env.om.RequiredReservation())
	assert.Equal(t, NewReservationUpdate(5).Amount(), uint64(5))
}

func TestHold(t *testing.T) {
	t.Parallel()
	env := ProdEnv(100, true)
	env.commit(borrowed(op(testRoot, storeMutation("a"))), 140)

	res := &fakeReservation{amount: 1000}
	txn := transaction.New(nil, transaction.MetadataReservation{Mode: transaction.Hold, Hold: 500})
	txn.AllocatorReservation = res
	txn.Add(testRoot, storeMutation("b"))
	_, ok := env.commit(txn, 240)
	assert.True(t, !ok)
	assert.Equal(t, res.Amount(), uint64(600))
	assert.Equal(t, txn.MetadataReservation.Hold, uint64(100))
	assert.Equal(t, env.om.MetadataReservation().Amount(), uint64(R+400))
	assert.Equal(t, env.invariant(), env.om.RequiredReservation())
}

func TestHoldMisuse(t *testing.T) {
	t.Parallel()
	env := ProdEnv(100, true)
	env.commit(borrowed(op(testRoot, storeMutation("a"))), 140)
	txn := transaction.New(nil, transaction.MetadataReservation{Mode: transaction.Hold, Hold: 500})
	txn.AllocatorReservation = env.om.MetadataReservation()
	txn.Add(testRoot, storeMutation("b"))
	expectPanic(t, func() { env.commit(txn, 150) })

	txn = transaction.New(nil, transaction.MetadataReservation{Mode: transaction.Hold, Hold: 500})
	txn.Add(testRoot, storeMutation("c"))
	expectPanic(t, func() { env.commit(txn, 160) })
}

func TestReservationMode(t *testing.T) {
	t.Parallel()
	env := ProdEnv(100, true)
	env.commit(borrowed(op(testRoot, storeMutation("a"))), 140)
	res := &fakeReservation{amount: 1000}
	txn := transaction.New(nil, transaction.MetadataReservation{Mode: transaction.ReservationMode, Reservation: res})
	txn.Add(testRoot, storeMutation("b"))
	env.commit(txn, 240)
	assert.Equal(t, res.Amount(), uint64(600))
	assert.Equal(t, env.om.MetadataReservation().Amount(), uint64(R+400))
	assert.Equal(t, env.invariant(), env.om.RequiredReservation())
}

func TestLazyOpen(t *testing.T) {
	t.Parallel()
	env := ProdEnv(0, false)
	actx := &transaction.ApplyContext{Mode: transaction.Replay, Checkpoint: cp(100)}
	env.om.ReplayMutations([]transaction.TxnMutation{op(16, storeMutation("a"))}, actx, 150)
	child, ok := env.world.children[16]
	assert.True(t, ok)
	assert.True(t, child.IsLocked())
	assert.Equal(t, len(child.applied), 1)

	s, err := env.om.Store(16)
	assert.Nil(t, err)
	assert.True(t, s == Store(child))
	assert.True(t, env.om.LazyOpenStore(16) == Store(child))
	assert.Equal(t, len(env.world.children), 1)
	assert.Equal(t, env.om.StoreObjectIDs(), []uint64{1, 2, 16})

	expectPanic(t, func() { env.om.LazyOpenStore(testAllocator) })

	_, err = env.om.Store(17)
	assert.True(t, fserrors.Is(err, fserrors.ErrNotFound))
}

func TestLiveUnknownObject(t *testing.T) {
	t.Parallel()
	env := ProdEnv(0, true)
	expectPanic(t, func() { env.commit(borrowed(op(99, storeMutation("a"))), 10) })
	_, ok := env.world.children[99]
	assert.True(t, !ok)
}

func TestReplayBorrowed(t *testing.T) {
	t.Parallel()
	env := ProdEnv(500, false)
	ub := op(InvalidObjectID, transaction.UpdateBorrowed(10))

	// Record ends before the known journal end; txn size unknown.
	env.om.ReplayMutations([]transaction.TxnMutation{ub},
		&transaction.ApplyContext{Mode: transaction.Replay, Checkpoint: cp(300)}, 400)
	assert.Equal(t, env.om.BorrowedMetadataSpace(), uint64(0))
	assert.Equal(t, env.om.LastEndOffset(), uint64(500))

	env.om.ReplayMutations([]transaction.TxnMutation{op(testRoot, storeMutation("a")), ub},
		&transaction.ApplyContext{Mode: transaction.Replay, Checkpoint: cp(550)}, 600)
	assert.Equal(t, env.om.BorrowedMetadataSpace(), uint64(10+4*100))
	assert.Equal(t, env.om.LastEndOffset(), uint64(600))
	assert.Equal(t, len(env.root.applied), 1)

	env.om.InitMetadataReservation()
	assert.Equal(t, env.om.RequiredReservation(), uint64(4*50+R))
	assert.Equal(t, env.invariant(), env.om.RequiredReservation())
	expectPanic(t, func() { env.om.InitMetadataReservation() })
}

func TestEmptyReplayRecord(t *testing.T) {
	t.Parallel()
	env := ProdEnv(100, false)
	env.om.ReplayMutations(nil, &transaction.ApplyContext{Mode: transaction.Replay, Checkpoint: cp(100)}, 130)
	assert.Equal(t, env.om.LastEndOffset(), uint64(130))
	_, _, found := env.om.JournalFileOffsets()
	assert.True(t, !found)
}

type dropHandler struct {
	om *ObjectManager
}

func (self *dropHandler) Commit(ctx context.Context, txn *transaction.Transaction) (uint64, error) {
	return 0, nil
}

func (self *dropHandler) DropTransaction(txn *transaction.Transaction) {
	self.om.DropTransaction(txn)
}

func TestDropTransaction(t *testing.T) {
	t.Parallel()
	env := ProdEnv(0, true)
	s := env.store(5)
	txn := transaction.New(&dropHandler{env.om}, transaction.MetadataReservation{Mode: transaction.Borrowed})
	txn.Add(5, storeMutation("a"))
	txn.Add(5, storeMutation("b"))
	txn.Add(42, storeMutation("c"))
	txn.Close()
	assert.Equal(t, len(s.dropped), 2)
	assert.Equal(t, len(s.applied), 0)
	assert.True(t, txn.IsEmpty())
	assert.True(t, !env.om.NeedsFlush(5))
}

func volumesWorld(env *testEnv) {
	env.world.dirs[10] = &fakeDirectory{id: 10, entries: map[string]DirEntry{
		VolumesDirectory: {Name: VolumesDirectory, ObjectID: 11, Descriptor: DescriptorDirectory}}}
	env.world.dirs[11] = &fakeDirectory{id: 11, entries: map[string]DirEntry{
		"a": {Name: "a", ObjectID: 17, Descriptor: DescriptorVolume},
		"b": {Name: "b", ObjectID: 16, Descriptor: DescriptorVolume},
		"f": {Name: "f", ObjectID: 18, Descriptor: DescriptorFile}}}
}

func TestOnReplayComplete(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	env := ProdEnv(0, false)
	volumesWorld(env)
	assert.Nil(t, env.om.OnReplayComplete(ctx))
	assert.Equal(t, env.om.StoreObjectIDs(), []uint64{1, 2, 16, 17})
	assert.Equal(t, env.world.children[16].replayed, 1)
	assert.Equal(t, env.world.children[17].replayed, 1)
	assert.Equal(t, env.om.VolumeDirectory().ObjectID(), uint64(11))
	assert.True(t, env.om.HasMetadataReservation())
	ids, err := ListVolumes(ctx, env.om.VolumeDirectory())
	assert.Nil(t, err)
	assert.Equal(t, ids, []uint64{16, 17})
}

func TestOnReplayCompleteErrors(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	env := ProdEnv(0, false)
	assert.True(t, fserrors.Is(env.om.OnReplayComplete(ctx), fserrors.ErrNotFound))

	env = ProdEnv(0, false)
	env.world.dirs[10] = &fakeDirectory{id: 10}
	assert.True(t, fserrors.Is(env.om.OnReplayComplete(ctx), fserrors.ErrNotFound))

	env = ProdEnv(0, false)
	env.world.dirs[10] = &fakeDirectory{id: 10, entries: map[string]DirEntry{
		VolumesDirectory: {Name: VolumesDirectory, ObjectID: 11, Descriptor: DescriptorFile}}}
	assert.True(t, fserrors.Is(env.om.OnReplayComplete(ctx), fserrors.ErrInconsistent))

	env = ProdEnv(0, false)
	volumesWorld(env)
	boom := errors.New("boom")
	env.world.replayError[17] = boom
	err := env.om.OnReplayComplete(ctx)
	assert.True(t, errors.Cause(err) == boom)
	assert.True(t, strings.Contains(err.Error(), "store 17 failed to load after replay"))
	assert.True(t, !env.om.HasMetadataReservation())
}

func TestOpenStore(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	env := ProdEnv(0, true)
	s := env.store(5)
	s.locked = true
	assert.Equal(t, len(env.om.UnlockedStores()), 2)

	_, err := env.om.OpenStore(ctx, 5, nil)
	assert.True(t, fserrors.Is(err, fserrors.ErrLocked))
	assert.True(t, strings.Contains(err.Error(), "unlock store 5"))

	c := crypt.PasswordCrypt{Password: "sekrit", Iterations: 1}.Init()
	s2, err := env.om.OpenStore(ctx, 5, c)
	assert.Nil(t, err)
	assert.True(t, s2 == Store(s))
	assert.Equal(t, s.unlocks, 2)
	assert.Equal(t, len(env.om.UnlockedStores()), 3)

	_, err = env.om.OpenStore(ctx, 6, c)
	assert.True(t, fserrors.Is(err, fserrors.ErrNotFound))
}

func TestOpenStoreConcurrent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	env := ProdEnv(0, true)
	s := env.store(5)
	s.locked = true
	s.started = make(chan struct{})
	s.gate = make(chan struct{})
	started := s.started

	var wg sync.WaitGroup
	var errNil, errGood error
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, errNil = env.om.OpenStore(ctx, 5, nil)
	}()
	<-started
	c := crypt.PasswordCrypt{Password: "sekrit", Iterations: 1}.Init()
	go func() {
		defer wg.Done()
		_, errGood = env.om.OpenStore(ctx, 5, c)
	}()
	// Give the second open time to join the in-flight unlock
	time.Sleep(20 * time.Millisecond)
	close(s.gate)
	wg.Wait()

	assert.True(t, fserrors.Is(errNil, fserrors.ErrLocked))
	assert.Nil(t, errGood)
	assert.True(t, !s.IsLocked())
	assert.Equal(t, len(env.om.UnlockedStores()), 3)
}

func TestRegistry(t *testing.T) {
	t.Parallel()
	env := ProdEnv(0, true)
	assert.Equal(t, env.om.RootParentStoreObjectID(), uint64(testRootParent))
	assert.Equal(t, env.om.RootStoreObjectID(), uint64(testRoot))
	assert.Equal(t, env.om.AllocatorObjectID(), uint64(testAllocator))
	assert.True(t, env.om.RootStore() == Store(env.root))
	assert.True(t, env.om.RootParentStore() == Store(env.rootParent))
	assert.True(t, env.om.Allocator() == Allocator(env.allocator))

	expectPanic(t, func() { env.om.SetRootStore(&fakeStore{id: 4}) })
	expectPanic(t, func() { env.om.SetRootParentStore(&fakeStore{id: 4}) })
	expectPanic(t, func() { env.om.SetAllocator(&fakeAllocator{id: 4}) })
	expectPanic(t, func() { env.om.AddStore(&fakeStore{id: testRoot}) })
	expectPanic(t, func() { env.om.ForgetStore(testAllocator) })

	om := New(Options{JournalUsageMultiplier: 2, ReservedSpace: 10})
	expectPanic(t, func() { om.RootStore() })
	expectPanic(t, func() { om.InitMetadataReservation() })
	om.SetRootParentStore(&fakeStore{id: 1})
	expectPanic(t, func() { om.SetRootStore(&fakeStore{id: 1}) })
	om.SetAllocator(&fakeAllocator{id: 3, free: 100})
	om.InitMetadataReservation()
	assert.Equal(t, om.RequiredReservation(), uint64(10))
	assert.Equal(t, om.ReservedSpaceFromJournalUsage(10), uint64(20))
}

func TestValidateAndEncrypt(t *testing.T) {
	t.Parallel()
	env := ProdEnv(0, true)
	s := env.store(5)
	s.encrypt = true
	cl := &journal.ChecksumList{}
	alloc := transaction.AllocateMutation(journal.DeviceRange{Start: 0, End: journal.BlockSize}, nil)

	ok, err := env.om.ValidateMutation(0, testAllocator, alloc, cl)
	assert.Nil(t, err)
	assert.True(t, ok)
	ok, err = env.om.ValidateMutation(0, 5, alloc, cl)
	assert.Nil(t, err)
	assert.True(t, !ok)
	ok, _ = env.om.ValidateMutation(0, 5, storeMutation("a"), cl)
	assert.True(t, ok)
	ok, _ = env.om.ValidateMutation(0, 5, transaction.ObjectStoreMutation(transaction.OpInsert, nil, nil), cl)
	assert.True(t, !ok)
	_, err = env.om.ValidateMutation(0, 5, transaction.Mutation{Kind: 42}, cl)
	assert.True(t, fserrors.Is(err, fserrors.ErrInconsistent))

	em, ok := env.om.EncryptMutation(5, storeMutation("a"))
	assert.True(t, ok)
	assert.Equal(t, em.Kind, transaction.KindEncryptedObjectStore)
	_, ok = env.om.EncryptMutation(5, transaction.BeginFlush())
	assert.True(t, !ok)
	_, ok = env.om.EncryptMutation(99, storeMutation("a"))
	assert.True(t, !ok)
}

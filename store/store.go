/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Thu Mar 14 13:05:31 2019 mstenber
 * Last modified: Fri Mar 15 10:12:47 2019 mstenber
 * Edit time:     187 min
 *
 */

// store contains the object stores: key/value records kept in a
// journal-backed mutable layer on top of a layer persisted in the
// storage backend.
//
// Child stores may be encrypted. Their mutations are written to the
// journal encrypted (see EncryptMutation); while such store is
// locked, the journaled mutations are kept as is, and they are
// decrypted and applied only once the store is unlocked.
package store

import (
	"context"
	"fmt"
	"io"
	"sort"

	"github.com/bluele/gcache"
	"github.com/fingon/go-lsfs/codec"
	"github.com/fingon/go-lsfs/crypt"
	"github.com/fingon/go-lsfs/fserrors"
	"github.com/fingon/go-lsfs/journal"
	"github.com/fingon/go-lsfs/mlog"
	"github.com/fingon/go-lsfs/objmgr"
	"github.com/fingon/go-lsfs/storage"
	"github.com/fingon/go-lsfs/transaction"
	"github.com/fingon/go-lsfs/util"
	"github.com/fingon/go-lsfs/util/cbor"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const defaultCacheSize = 1024

// ExtentAllocator is the part of the allocator stores use for data.
type ExtentAllocator interface {
	Allocate(txn *transaction.Transaction, length uint64, checksums []uint64) (journal.DeviceRange, error)
	Deallocate(txn *transaction.Transaction, r journal.DeviceRange) error
}

type Device interface {
	io.ReaderAt
	io.WriterAt
}

// Environment is shared by all stores of a filesystem instance.
type Environment struct {
	Handler     transaction.Handler
	Backend     storage.Backend
	Allocator   ExtentAllocator
	Device      Device
	CacheSize   int
	Compression codec.CompressionType
}

type LockState byte

const (
	Unencrypted LockState = iota + 1
	Unlocked
	Locked
)

func (self LockState) String() string {
	switch self {
	case Unencrypted:
		return "Unencrypted"
	case Unlocked:
		return "Unlocked"
	case Locked:
		return "Locked"
	}
	return fmt.Sprintf("LockState(%d)", self)
}

type entry struct {
	value   []byte
	deleted bool
}

type layer map[string]entry

func (self layer) bytes() (n uint64) {
	for k, e := range self {
		n += uint64(len(k) + len(e.value))
	}
	return
}

type ObjectStore struct {
	env    *Environment
	parent *ObjectStore
	id     uint64

	// flushLock serializes Flush and Unlock.
	flushLock util.MutexLocked

	lock         util.MutexLocked
	state        LockState
	info         StoreInfo
	infoLoaded   bool
	nextObjectID uint64
	generation   uint64

	mutable  layer
	flushing layer

	pending         []transaction.Mutation
	flushingPending []transaction.Mutation
	logSequence     uint64

	mutationCodec codec.Codec
	raw           storage.Backend
	records       storage.Backend
	log           storage.Backend
	cache         gcache.Cache
}

var _ objmgr.Store = &ObjectStore{}

func newStore(env *Environment, parent *ObjectStore, id uint64, state LockState) *ObjectStore {
	size := env.CacheSize
	if size == 0 {
		size = defaultCacheSize
	}
	prefix := fmt.Sprintf("o/%016x/", id)
	return &ObjectStore{env: env, parent: parent, id: id, state: state,
		nextObjectID: FirstObjectID,
		mutable:      make(layer),
		raw:          storage.Namespace(env.Backend, prefix+"r/"),
		log:          storage.Namespace(env.Backend, prefix+"m/"),
		cache:        gcache.New(size).LRU().Build(),
	}
}

// NewRoot returns unencrypted store without parent; it is used for
// the root parent store.
func NewRoot(env *Environment, storeObjectID uint64) (*ObjectStore, error) {
	self := newStore(env, nil, storeObjectID, Unencrypted)
	self.setupCodecs(nil)
	next, err := self.persistedNextObjectID()
	if err != nil {
		return nil, err
	}
	self.nextObjectID = next
	return self, nil
}

// OpenChild opens unencrypted child store, whose store info must be
// available in self.
func (self *ObjectStore) OpenChild(ctx context.Context, storeObjectID uint64) (*ObjectStore, error) {
	child := newStore(self.env, self, storeObjectID, Locked)
	if err := child.Unlock(ctx, nil); err != nil {
		return nil, err
	}
	return child, nil
}

// CreateChild creates new child store in the transaction; the child
// must be registered with the object manager before the commit.
// objectID zero allocates id from self. Non-nil crypt makes the
// store encrypted.
func (self *ObjectStore) CreateChild(txn *transaction.Transaction, objectID uint64, c crypt.Crypt) (*ObjectStore, error) {
	if objectID == 0 {
		id, err := self.NextObjectID(txn)
		if err != nil {
			return nil, err
		}
		objectID = id
	}
	child := newStore(self.env, self, objectID, Unencrypted)
	info := StoreInfo{GUID: uuid.NewString()}
	var key []byte
	if c != nil {
		wrapped, unwrapped, err := c.CreateKey(objectID)
		if err != nil {
			return nil, errors.Wrapf(err, "create key for store %d", objectID)
		}
		info.WrappedKey = wrapped
		key = unwrapped
		child.state = Unlocked
	}
	child.setupCodecs(key)
	rootDirectory, err := child.CreateDirectory(txn)
	if err != nil {
		return nil, err
	}
	info.RootDirectoryObjectID = rootDirectory.ObjectID()
	child.info = info
	child.infoLoaded = true
	b, err := cbor.Marshal(&info)
	if err != nil {
		return nil, err
	}
	txn.Add(self.id, transaction.ObjectStoreMutation(transaction.OpInsert, storeInfoKey(objectID), b))
	mlog.Printf2("store/store", "s.CreateChild %d -> %d (%v)", self.id, objectID, child.state)
	return child, nil
}

func (self *ObjectStore) NewLockedChild(storeObjectID uint64) objmgr.Store {
	return newStore(self.env, self, storeObjectID, Locked)
}

func (self *ObjectStore) setupCodecs(key []byte) {
	compressing := &codec.CompressingCodec{CompressionType: self.env.Compression}
	if key == nil {
		self.records = storage.WithCodec(self.raw, compressing)
		return
	}
	mutations, records := crypt.StoreCodecs(key)
	self.mutationCodec = mutations
	self.records = storage.WithCodec(self.raw, codec.CodecChain{}.Init(records, compressing))
}

func (self *ObjectStore) StoreObjectID() uint64 {
	return self.id
}

func (self *ObjectStore) State() LockState {
	defer self.lock.Locked()()
	return self.state
}

func (self *ObjectStore) IsLocked() bool {
	return self.State() == Locked
}

// Info is valid once the store has been loaded or created.
func (self *ObjectStore) Info() StoreInfo {
	defer self.lock.Locked()()
	return self.info
}

func (self *ObjectStore) RootDirectoryObjectID() uint64 {
	return self.Info().RootDirectoryObjectID
}

func (self *ObjectStore) loadInfo() error {
	if self.infoLoaded {
		return nil
	}
	if self.parent == nil {
		return errors.Wrapf(fserrors.ErrInconsistent, "store %d without parent", self.id)
	}
	b, found, err := self.parent.Get(storeInfoKey(self.id))
	if err != nil {
		return err
	}
	if !found {
		return errors.Wrapf(fserrors.ErrNotFound, "store info %d", self.id)
	}
	var info StoreInfo
	if err = cbor.Unmarshal(b, &info); err != nil {
		return errors.Wrapf(fserrors.ErrInconsistent, "store info %d: %v", self.id, err)
	}
	defer self.lock.Locked()()
	self.info = info
	self.infoLoaded = true
	return nil
}

func (self *ObjectStore) persistedNextObjectID() (uint64, error) {
	b, found, err := self.records.Get([]byte(nextObjectIDKey))
	if err != nil || !found {
		return FirstObjectID, err
	}
	_, v, err := storage.DecodeRecord(b)
	if err != nil {
		return 0, err
	}
	return util.U64Max(FirstObjectID, util.BytesUint64(v)), nil
}

// OnReplayComplete loads the store info of locked store; unencrypted
// stores are opened right away.
func (self *ObjectStore) OnReplayComplete(ctx context.Context) error {
	if !self.IsLocked() {
		return nil
	}
	if err := self.loadInfo(); err != nil {
		return err
	}
	if !self.Info().IsEncrypted() {
		return self.Unlock(ctx, nil)
	}
	var seq uint64
	err := self.log.Iterate(nil, func(key, value []byte) error {
		seq = util.BytesUint64(key) + 1
		return nil
	})
	if err != nil {
		return err
	}
	defer self.lock.Locked()()
	self.logSequence = seq
	mlog.Printf2("store/store", "s.OnReplayComplete %d: %d pending, %d logged", self.id, len(self.pending), seq)
	return nil
}

// Unlock opens locked store. Unencrypted stores need no crypt.
func (self *ObjectStore) Unlock(ctx context.Context, c crypt.Crypt) error {
	defer self.flushLock.Locked()()
	if !self.IsLocked() {
		return nil
	}
	if err := self.loadInfo(); err != nil {
		return err
	}
	info := self.Info()
	if !info.IsEncrypted() {
		return self.open(nil)
	}
	if c == nil {
		return errors.Wrapf(fserrors.ErrLocked, "store %d is encrypted", self.id)
	}
	key, err := c.UnwrapKey(self.id, info.WrappedKey)
	if err != nil {
		return err
	}
	return self.open(key)
}

func (self *ObjectStore) open(key []byte) error {
	self.setupCodecs(key)
	var logged []transaction.Mutation
	err := self.log.Iterate(nil, func(k, v []byte) error {
		logged = append(logged, transaction.EncryptedObjectStoreMutation(append([]byte(nil), v...)))
		return nil
	})
	if err != nil {
		return err
	}
	next, err := self.persistedNextObjectID()
	if err != nil {
		return errors.Wrapf(err, "store %d", self.id)
	}
	defer self.lock.Locked()()
	mutations := append(append(logged, self.flushingPending...), self.pending...)
	for i, m := range mutations {
		if m.Kind != transaction.KindEncryptedObjectStore {
			continue
		}
		dm, err := self.decryptMutation(m)
		if err != nil {
			return errors.Wrapf(fserrors.ErrInconsistent, "store %d: %v", self.id, err)
		}
		mutations[i] = dm
	}
	self.nextObjectID = util.U64Max(self.nextObjectID, next)
	for _, m := range mutations {
		self.applyItem(m)
	}
	self.pending = nil
	self.flushingPending = nil
	if key == nil {
		self.state = Unencrypted
	} else {
		self.state = Unlocked
	}
	mlog.Printf2("store/store", "s.open %d: %d mutations, %v", self.id, len(mutations), self.state)
	return nil
}

func (self *ObjectStore) ad() []byte {
	return util.Uint64Bytes(self.id)
}

func (self *ObjectStore) decryptMutation(m transaction.Mutation) (transaction.Mutation, error) {
	var dm transaction.Mutation
	if self.mutationCodec == nil {
		return dm, errors.New("encrypted mutation to unencrypted store")
	}
	b, err := self.mutationCodec.DecodeBytes(m.Encrypted, self.ad())
	if err != nil {
		return dm, err
	}
	if err = cbor.Unmarshal(b, &dm); err != nil {
		return dm, err
	}
	if dm.Kind != transaction.KindObjectStore || dm.Item == nil {
		return dm, errors.Errorf("unexpected decrypted mutation %v", dm)
	}
	return dm, nil
}

// EncryptMutation returns the journal form of record mutation of an
// unlocked encrypted store.
func (self *ObjectStore) EncryptMutation(m transaction.Mutation) (transaction.Mutation, bool) {
	if m.Kind != transaction.KindObjectStore {
		return transaction.Mutation{}, false
	}
	defer self.lock.Locked()()
	if self.state != Unlocked {
		return transaction.Mutation{}, false
	}
	b, err := cbor.Marshal(&m)
	if err != nil {
		mlog.Panicf("encoding mutation %v: %v", m, err)
	}
	enc, err := self.mutationCodec.EncodeBytes(b, self.ad())
	if err != nil {
		mlog.Panicf("encrypting mutation %v: %v", m, err)
	}
	return transaction.EncryptedObjectStoreMutation(enc), true
}

// applyItem must be called with lock held.
func (self *ObjectStore) applyItem(m transaction.Mutation) {
	k := string(m.Item.Key)
	switch m.Op {
	case transaction.OpInsert, transaction.OpReplaceOrInsert:
		self.mutable[k] = entry{value: m.Item.Value}
		if k == nextObjectIDKey {
			self.nextObjectID = util.U64Max(self.nextObjectID, util.BytesUint64(m.Item.Value))
		}
	case transaction.OpDelete:
		self.mutable[k] = entry{deleted: true}
	default:
		mlog.Panicf("unknown operation %v", m)
	}
}

func (self *ObjectStore) ApplyMutation(m transaction.Mutation, actx *transaction.ApplyContext, assoc transaction.AssociatedObject) {
	mlog.Printf2("store/store", "s.ApplyMutation %d %v", self.id, m)
	defer self.lock.Locked()()
	switch m.Kind {
	case transaction.KindBeginFlush:
		if self.state == Locked {
			self.flushingPending = append(self.flushingPending, self.pending...)
			self.pending = nil
			return
		}
		if self.flushing == nil {
			self.flushing = self.mutable
		} else {
			// Earlier flush did not finish
			for k, e := range self.mutable {
				self.flushing[k] = e
			}
		}
		self.mutable = make(layer)
	case transaction.KindEndFlush:
		self.flushing = nil
		self.flushingPending = nil
	case transaction.KindObjectStore, transaction.KindEncryptedObjectStore:
		if self.state == Locked {
			if !actx.IsReplay() {
				mlog.Panicf("live mutation to locked store %d", self.id)
			}
			self.pending = append(self.pending, m)
			return
		}
		if m.Kind == transaction.KindEncryptedObjectStore {
			dm, err := self.decryptMutation(m)
			if err != nil {
				mlog.Panicf("store %d: undecryptable mutation: %v", self.id, err)
			}
			m = dm
		}
		self.applyItem(m)
	default:
		mlog.Panicf("unexpected store mutation %v", m)
	}
}

func (self *ObjectStore) DropMutation(m transaction.Mutation, txn *transaction.Transaction) {
	mlog.Printf2("store/store", "s.DropMutation %d %v", self.id, m)
}

func (self *ObjectStore) unlocked() error {
	if self.state == Locked {
		return errors.Wrapf(fserrors.ErrLocked, "store %d", self.id)
	}
	return nil
}

// Get returns the current value of the record.
func (self *ObjectStore) Get(key []byte) ([]byte, bool, error) {
	k := string(key)
	value, found, done, err := func() ([]byte, bool, bool, error) {
		defer self.lock.Locked()()
		if err := self.unlocked(); err != nil {
			return nil, false, true, err
		}
		if e, ok := self.mutable[k]; ok {
			return e.value, !e.deleted, true, nil
		}
		if e, ok := self.flushing[k]; ok {
			return e.value, !e.deleted, true, nil
		}
		return nil, false, false, nil
	}()
	if done {
		return value, found, err
	}
	if v, err := self.cache.Get(k); err == nil {
		return v.([]byte), true, nil
	}
	b, found, err := self.records.Get(key)
	if err != nil || !found {
		return nil, found, err
	}
	_, value, err = storage.DecodeRecord(b)
	if err != nil {
		return nil, false, errors.Wrapf(err, "store %d record %x", self.id, key)
	}
	self.cache.Set(k, value)
	return value, true, nil
}

// Iterate calls cb for the current records with prefix, in key order.
func (self *ObjectStore) Iterate(prefix []byte, cb func(key, value []byte) error) error {
	err := func() error {
		defer self.lock.Locked()()
		return self.unlocked()
	}()
	if err != nil {
		return err
	}
	values := make(map[string][]byte)
	err = self.records.Iterate(prefix, func(key, b []byte) error {
		_, v, err := storage.DecodeRecord(b)
		if err != nil {
			return err
		}
		values[string(key)] = v
		return nil
	})
	if err != nil {
		return err
	}
	p := string(prefix)
	func() {
		defer self.lock.Locked()()
		for _, l := range []layer{self.flushing, self.mutable} {
			for k, e := range l {
				if len(k) < len(p) || k[:len(p)] != p {
					continue
				}
				if e.deleted {
					delete(values, k)
				} else {
					values[k] = e.value
				}
			}
		}
	}()
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err = cb([]byte(k), values[k]); err != nil {
			return err
		}
	}
	return nil
}

func (self *ObjectStore) add(txn *transaction.Transaction, op transaction.Operation, key, value []byte) error {
	err := func() error {
		defer self.lock.Locked()()
		return self.unlocked()
	}()
	if err != nil {
		return err
	}
	txn.Add(self.id, transaction.ObjectStoreMutation(op, key, value))
	return nil
}

// Insert adds new record in the transaction.
func (self *ObjectStore) Insert(txn *transaction.Transaction, key, value []byte) error {
	_, found, err := self.Get(key)
	if err != nil {
		return err
	}
	if found {
		return errors.Wrapf(fserrors.ErrAlreadyExists, "store %d record %x", self.id, key)
	}
	return self.add(txn, transaction.OpInsert, key, value)
}

func (self *ObjectStore) Replace(txn *transaction.Transaction, key, value []byte) error {
	return self.add(txn, transaction.OpReplaceOrInsert, key, value)
}

func (self *ObjectStore) Remove(txn *transaction.Transaction, key []byte) error {
	_, found, err := self.Get(key)
	if err != nil {
		return err
	}
	if !found {
		return errors.Wrapf(fserrors.ErrNotFound, "store %d record %x", self.id, key)
	}
	return self.add(txn, transaction.OpDelete, key, nil)
}

// NextObjectID allocates object id within the store; the allocation
// is persisted by the transaction.
func (self *ObjectStore) NextObjectID(txn *transaction.Transaction) (uint64, error) {
	id, err := func() (uint64, error) {
		defer self.lock.Locked()()
		if err := self.unlocked(); err != nil {
			return 0, err
		}
		id := self.nextObjectID
		self.nextObjectID++
		return id, nil
	}()
	if err != nil {
		return 0, err
	}
	txn.Add(self.id, transaction.ObjectStoreMutation(transaction.OpReplaceOrInsert,
		[]byte(nextObjectIDKey), util.Uint64Bytes(id+1)))
	return id, nil
}

// Flush persists the mutable layer (or, for locked store, the
// encrypted mutations) so that the journal is no longer needed for
// them.
func (self *ObjectStore) Flush(ctx context.Context) error {
	defer self.flushLock.Locked()()
	locked, estimate := func() (bool, uint64) {
		defer self.lock.Locked()()
		if self.state == Locked {
			var n uint64
			for _, m := range self.pending {
				n += uint64(len(m.Encrypted))
			}
			return true, n
		}
		return false, self.mutable.bytes()
	}()
	mlog.Printf2("store/store", "s.Flush %d locked:%v estimate:%d", self.id, locked, estimate)
	txn := transaction.New(self.env.Handler, transaction.MetadataReservation{Mode: transaction.Borrowed})
	defer txn.Close()
	txn.AddWithObject(self.id, transaction.BeginFlush(), objmgr.NewReservationUpdate(estimate))
	if _, err := txn.Commit(ctx); err != nil {
		return errors.Wrapf(err, "store %d begin flush", self.id)
	}
	var err error
	if locked {
		err = self.persistLog()
	} else {
		err = self.persistLayer()
	}
	if err != nil {
		return errors.Wrapf(err, "store %d flush", self.id)
	}
	txn.AddWithObject(self.id, transaction.EndFlush(), objmgr.NewReservationUpdate(0))
	_, err = txn.Commit(ctx)
	return errors.Wrapf(err, "store %d end flush", self.id)
}

func (self *ObjectStore) persistLayer() error {
	snapshot, generation := func() (layer, uint64) {
		defer self.lock.Locked()()
		self.generation++
		return self.flushing, self.generation
	}()
	md := storage.RecordMetadata{Version: storage.RecordVersion, Generation: generation}
	keys := make([]string, 0, len(snapshot))
	for k := range snapshot {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	ops := make([]storage.Op, 0, len(keys))
	for _, k := range keys {
		e := snapshot[k]
		if e.deleted {
			ops = append(ops, storage.DeleteOp([]byte(k)))
		} else {
			ops = append(ops, storage.SetOp([]byte(k), storage.EncodeRecord(md, e.value)))
		}
	}
	if err := self.records.Batch(ops); err != nil {
		return err
	}
	for _, k := range keys {
		self.cache.Remove(k)
	}

	// Log applied at unlock is now part of the persisted layer
	var logOps []storage.Op
	err := self.log.Iterate(nil, func(key, value []byte) error {
		logOps = append(logOps, storage.DeleteOp(key))
		return nil
	})
	if err != nil || len(logOps) == 0 {
		return err
	}
	return self.log.Batch(logOps)
}

func (self *ObjectStore) persistLog() error {
	snapshot, seq := func() ([]transaction.Mutation, uint64) {
		defer self.lock.Locked()()
		seq := self.logSequence
		self.logSequence += uint64(len(self.flushingPending))
		return self.flushingPending, seq
	}()
	ops := make([]storage.Op, len(snapshot))
	for i, m := range snapshot {
		ops[i] = storage.SetOp(util.Uint64Bytes(seq+uint64(i)), m.Encrypted)
	}
	return self.log.Batch(ops)
}

type Stats struct {
	State        LockState
	Mutable      int
	Pending      int
	Generation   uint64
	NextObjectID uint64
}

func (self *ObjectStore) Stats() Stats {
	defer self.lock.Locked()()
	return Stats{State: self.state,
		Mutable:      len(self.mutable) + len(self.flushing),
		Pending:      len(self.pending) + len(self.flushingPending),
		Generation:   self.generation,
		NextObjectID: self.nextObjectID,
	}
}

/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Fri Mar 15 15:20:12 2019 mstenber
 * Last modified: Sat Mar 16 11:02:45 2019 mstenber
 * Edit time:     118 min
 *
 */

// filesystem ties together the object manager, the journal, the
// allocator and the object stores of a filesystem instance.
//
// The object stores form a tree: the root parent store holds the
// store info of the root store, which in turn holds the store info
// of the volumes. Root store's root directory contains the volumes
// directory, which lists the volumes by name.
package filesystem

import (
	"context"

	"github.com/fingon/go-lsfs/allocator"
	"github.com/fingon/go-lsfs/codec"
	"github.com/fingon/go-lsfs/crypt"
	"github.com/fingon/go-lsfs/fserrors"
	"github.com/fingon/go-lsfs/journal"
	"github.com/fingon/go-lsfs/journal/wal"
	"github.com/fingon/go-lsfs/mlog"
	"github.com/fingon/go-lsfs/objmgr"
	"github.com/fingon/go-lsfs/storage"
	"github.com/fingon/go-lsfs/store"
	"github.com/fingon/go-lsfs/transaction"
	"github.com/fingon/go-lsfs/util"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Object ids used by Format.
const (
	RootParentStoreObjectID uint64 = 1
	RootStoreObjectID       uint64 = 2
	AllocatorObjectID       uint64 = 3
)

type Filesystem struct {
	backend    storage.Backend
	om         *objmgr.ObjectManager
	journal    *wal.Journal
	allocator  *allocator.SimpleAllocator
	device     *storage.Device
	env        *store.Environment
	crypt      crypt.Crypt
	rootParent *store.ObjectStore
	root       *store.ObjectStore

	// lock serializes volume creation
	lock util.MutexLocked
}

func setup(config Configuration, deviceSize, allocatorObjectID uint64) (*Filesystem, error) {
	ct, err := codec.ParseCompressionType(config.Compression)
	if err != nil {
		return nil, errors.Wrap(fserrors.ErrInvalidArgument, err.Error())
	}
	be, err := config.backend(ct)
	if err != nil {
		return nil, err
	}
	return build(config, be, ct, deviceSize, allocatorObjectID), nil
}

func build(config Configuration, be storage.Backend, ct codec.CompressionType, deviceSize, allocatorObjectID uint64) *Filesystem {
	self := &Filesystem{backend: be, crypt: config.crypt()}
	self.om = objmgr.New(objmgr.Options{
		JournalUsageMultiplier: config.JournalUsageMultiplier,
		ReservedSpace:          config.JournalReservedSpace})
	self.device = storage.NewDevice(storage.Namespace(be, "b/"), deviceSize, journal.BlockSize)
	self.journal = wal.New(self.om, be, self.device)
	self.allocator = allocator.SimpleAllocator{Id: allocatorObjectID,
		Size:    deviceSize,
		Backend: storage.Namespace(be, "a/"),
		Handler: self.journal}.Init()
	self.env = &store.Environment{Handler: self.journal,
		Backend:     be,
		Allocator:   self.allocator,
		Device:      self.device,
		CacheSize:   config.CacheSize,
		Compression: ct}
	return self
}

// Format creates new filesystem in the configured backend.
func Format(ctx context.Context, config Configuration) (*Filesystem, error) {
	size := config.DeviceSize
	if size == 0 {
		size = DefaultDeviceSize
	}
	if size%journal.BlockSize != 0 {
		return nil, errors.Wrapf(fserrors.ErrInvalidArgument, "device size %d", size)
	}
	self, err := setup(config, size, AllocatorObjectID)
	if err != nil {
		return nil, err
	}
	_, found, err := self.journal.ReadSuperBlock()
	if err == nil && found {
		err = errors.Wrap(fserrors.ErrAlreadyExists, "superblock")
	}
	if err != nil {
		self.backend.Close()
		return nil, err
	}
	if err = self.format(ctx, size); err != nil {
		self.backend.Close()
		return nil, errors.Wrap(err, "format")
	}
	return self, nil
}

func (self *Filesystem) format(ctx context.Context, size uint64) error {
	guid := uuid.NewString()
	mlog.Printf2("filesystem/filesystem", "Format %s size %d", guid, size)
	self.journal.Format(guid, size)
	rootParent, err := store.NewRoot(self.env, RootParentStoreObjectID)
	if err != nil {
		return err
	}
	self.rootParent = rootParent
	self.om.SetRootParentStore(rootParent)
	self.om.SetAllocator(self.allocator)
	self.om.InitMetadataReservation()

	txn := transaction.New(self.journal, transaction.MetadataReservation{Mode: transaction.Borrowed})
	defer txn.Close()
	root, err := rootParent.CreateChild(txn, RootStoreObjectID, nil)
	if err != nil {
		return err
	}
	self.root = root
	self.om.SetRootStore(root)
	vd, err := root.RootDirectory().CreateDirectory(txn, objmgr.VolumesDirectory)
	if err != nil {
		return err
	}
	if _, err = txn.Commit(ctx); err != nil {
		return err
	}
	self.om.SetVolumeDirectory(vd)
	return self.Flush(ctx)
}

// Mount opens existing filesystem, replaying its journal.
func Mount(ctx context.Context, config Configuration) (*Filesystem, error) {
	ct, err := codec.ParseCompressionType(config.Compression)
	if err != nil {
		return nil, errors.Wrap(fserrors.ErrInvalidArgument, err.Error())
	}
	be, err := config.backend(ct)
	if err != nil {
		return nil, err
	}
	sb, found, err := wal.ReadSuperBlock(be)
	if err == nil && !found {
		err = errors.Wrap(fserrors.ErrNotFound, "not formatted")
	}
	if err != nil {
		be.Close()
		return nil, err
	}
	self := build(config, be, ct, sb.DeviceSize, sb.AllocatorObjectID)
	if err = self.mount(ctx, sb); err != nil {
		be.Close()
		return nil, errors.Wrap(err, "mount")
	}
	return self, nil
}

func (self *Filesystem) mount(ctx context.Context, sb wal.SuperBlock) error {
	mlog.Printf2("filesystem/filesystem", "Mount %s #%d", sb.GUID, sb.Generation)
	rootParent, err := store.NewRoot(self.env, sb.RootParentStoreObjectID)
	if err != nil {
		return err
	}
	root, err := rootParent.OpenChild(ctx, sb.RootStoreObjectID)
	if err != nil {
		return errors.Wrap(err, "root store")
	}
	if err = self.allocator.Load(); err != nil {
		return err
	}
	self.rootParent = rootParent
	self.root = root
	self.om.SetRootParentStore(rootParent)
	self.om.SetRootStore(root)
	self.om.SetAllocator(self.allocator)
	return self.journal.Replay(ctx)
}

func (self *Filesystem) volumeDirectory() *store.Directory {
	return self.om.VolumeDirectory().(*store.Directory)
}

// CreateVolume creates new volume; encrypted ones use the configured
// password.
func (self *Filesystem) CreateVolume(ctx context.Context, name string, encrypted bool) (*store.ObjectStore, error) {
	defer self.lock.Locked()()
	var c crypt.Crypt
	if encrypted {
		if self.crypt == nil {
			return nil, errors.Wrap(fserrors.ErrInvalidArgument, "encrypted volume without password")
		}
		c = self.crypt
	}
	vd := self.volumeDirectory()
	_, found, err := vd.Lookup(ctx, name)
	if err != nil {
		return nil, err
	}
	if found {
		return nil, errors.Wrapf(fserrors.ErrAlreadyExists, "volume %q", name)
	}
	txn := transaction.New(self.journal, transaction.MetadataReservation{Mode: transaction.Borrowed})
	defer txn.Close()
	s, err := self.root.CreateChild(txn, 0, c)
	if err != nil {
		return nil, err
	}
	if err = vd.Insert(txn, name, s.StoreObjectID(), objmgr.DescriptorVolume); err != nil {
		return nil, err
	}
	self.om.AddStore(s)
	if _, err = txn.Commit(ctx); err != nil {
		self.om.ForgetStore(s.StoreObjectID())
		return nil, err
	}
	mlog.Printf2("filesystem/filesystem", "CreateVolume %q = %d", name, s.StoreObjectID())
	return s, nil
}

// OpenVolume returns the named volume, unlocking it if necessary.
func (self *Filesystem) OpenVolume(ctx context.Context, name string) (*store.ObjectStore, error) {
	e, found, err := self.volumeDirectory().Lookup(ctx, name)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, errors.Wrapf(fserrors.ErrNotFound, "volume %q", name)
	}
	if e.Descriptor != objmgr.DescriptorVolume {
		return nil, errors.Wrapf(fserrors.ErrInconsistent, "%q is not volume", name)
	}
	s, err := self.om.OpenStore(ctx, e.ObjectID, self.crypt)
	if err != nil {
		return nil, err
	}
	return s.(*store.ObjectStore), nil
}

func (self *Filesystem) Volumes(ctx context.Context) ([]objmgr.DirEntry, error) {
	return self.volumeDirectory().Entries(ctx)
}

// Flush makes the journal up to now unnecessary, and writes new
// superblock reflecting that.
func (self *Filesystem) Flush(ctx context.Context) error {
	if err := self.om.Flush(ctx); err != nil {
		return err
	}
	if err := self.rootParent.Flush(ctx); err != nil {
		return err
	}
	return self.journal.WriteSuperBlock(ctx)
}

// Close flushes and closes the backend.
func (self *Filesystem) Close(ctx context.Context) error {
	err := self.Flush(ctx)
	if cerr := self.backend.Close(); err == nil {
		err = cerr
	}
	return err
}

func (self *Filesystem) ObjectManager() *objmgr.ObjectManager {
	return self.om
}

func (self *Filesystem) Journal() *wal.Journal {
	return self.journal
}

func (self *Filesystem) Allocator() *allocator.SimpleAllocator {
	return self.allocator
}

func (self *Filesystem) RootStore() *store.ObjectStore {
	return self.root
}

type Stats struct {
	GUID              string
	ObjectManager     objmgr.Stats
	Journal           wal.Stats
	DeviceSize        uint64
	AllocatorUsed     uint64
	AllocatorReserved uint64
	AllocatorFree     uint64

	// Backend space, if the backend reports it
	BackendAvailable uint64
	BackendUsed      uint64
}

func (self *Filesystem) Stats() Stats {
	sb := self.journal.SuperBlock()
	available, used, _ := storage.ReportSpace(self.backend)
	return Stats{GUID: sb.GUID,
		BackendAvailable:  available,
		BackendUsed:       used,
		ObjectManager:     self.om.Stats(),
		Journal:           self.journal.Stats(),
		DeviceSize:        self.device.Size(),
		AllocatorUsed:     self.allocator.Used(),
		AllocatorReserved: self.allocator.Reserved(),
		AllocatorFree:     self.allocator.Free()}
}

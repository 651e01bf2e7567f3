/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Thu Mar 14 14:31:10 2019 mstenber
 * Last modified: Fri Mar 15 09:40:22 2019 mstenber
 * Edit time:     38 min
 *
 */

package store

import (
	"context"

	"github.com/fingon/go-lsfs/fserrors"
	"github.com/fingon/go-lsfs/objmgr"
	"github.com/fingon/go-lsfs/transaction"
	"github.com/fingon/go-lsfs/util/cbor"
	"github.com/pkg/errors"
)

// Directory is a name -> object mapping stored as records of the
// store it belongs to.
type Directory struct {
	store    *ObjectStore
	objectID uint64
}

var _ objmgr.Directory = &Directory{}

func (self *ObjectStore) createObject(txn *transaction.Transaction, d objmgr.ObjectDescriptor) (uint64, error) {
	id, err := self.NextObjectID(txn)
	if err != nil {
		return 0, err
	}
	b, err := cbor.Marshal(&objectRecord{Descriptor: d})
	if err != nil {
		return 0, err
	}
	txn.Add(self.id, transaction.ObjectStoreMutation(transaction.OpInsert, objectKey(id), b))
	return id, nil
}

// Object returns descriptor of the object.
func (self *ObjectStore) Object(objectID uint64) (objmgr.ObjectDescriptor, bool, error) {
	b, found, err := self.Get(objectKey(objectID))
	if err != nil || !found {
		return 0, found, err
	}
	var r objectRecord
	if err = cbor.Unmarshal(b, &r); err != nil {
		return 0, false, errors.Wrapf(fserrors.ErrInconsistent, "object %d: %v", objectID, err)
	}
	return r.Descriptor, true, nil
}

func (self *ObjectStore) CreateDirectory(txn *transaction.Transaction) (*Directory, error) {
	id, err := self.createObject(txn, objmgr.DescriptorDirectory)
	if err != nil {
		return nil, err
	}
	return &Directory{store: self, objectID: id}, nil
}

// RootDirectory returns the root directory of the store, which may
// not be committed yet.
func (self *ObjectStore) RootDirectory() *Directory {
	return &Directory{store: self, objectID: self.RootDirectoryObjectID()}
}

func (self *ObjectStore) Directory(ctx context.Context, objectID uint64) (*Directory, error) {
	d, found, err := self.Object(objectID)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, errors.Wrapf(fserrors.ErrNotFound, "directory %d in store %d", objectID, self.id)
	}
	if d != objmgr.DescriptorDirectory {
		return nil, errors.Wrapf(fserrors.ErrInconsistent, "object %d is not directory", objectID)
	}
	return &Directory{store: self, objectID: objectID}, nil
}

func (self *ObjectStore) OpenDirectory(ctx context.Context, objectID uint64) (objmgr.Directory, error) {
	return self.Directory(ctx, objectID)
}

func (self *Directory) ObjectID() uint64 {
	return self.objectID
}

func (self *Directory) Store() *ObjectStore {
	return self.store
}

func (self *Directory) Lookup(ctx context.Context, name string) (e objmgr.DirEntry, found bool, err error) {
	b, found, err := self.store.Get(entryKey(self.objectID, name))
	if err != nil || !found {
		return
	}
	var v entryValue
	if err = cbor.Unmarshal(b, &v); err != nil {
		return e, false, errors.Wrapf(fserrors.ErrInconsistent, "entry %q: %v", name, err)
	}
	return objmgr.DirEntry{Name: name, ObjectID: v.ObjectID, Descriptor: v.Descriptor}, true, nil
}

// Entries returns the entries sorted by name.
func (self *Directory) Entries(ctx context.Context) (entries []objmgr.DirEntry, err error) {
	prefix := entryKeyPrefix(self.objectID)
	err = self.store.Iterate(prefix, func(key, value []byte) error {
		var v entryValue
		if err := cbor.Unmarshal(value, &v); err != nil {
			return errors.Wrapf(fserrors.ErrInconsistent, "entry %x: %v", key, err)
		}
		entries = append(entries, objmgr.DirEntry{Name: string(key[len(prefix):]),
			ObjectID: v.ObjectID, Descriptor: v.Descriptor})
		return nil
	})
	return
}

func (self *Directory) Insert(txn *transaction.Transaction, name string, objectID uint64, d objmgr.ObjectDescriptor) error {
	if name == "" {
		return errors.Wrap(fserrors.ErrInvalidArgument, "empty name")
	}
	b, err := cbor.Marshal(&entryValue{ObjectID: objectID, Descriptor: d})
	if err != nil {
		return err
	}
	return self.store.Insert(txn, entryKey(self.objectID, name), b)
}

func (self *Directory) Remove(txn *transaction.Transaction, name string) error {
	return self.store.Remove(txn, entryKey(self.objectID, name))
}

// CreateDirectory creates subdirectory called name.
func (self *Directory) CreateDirectory(txn *transaction.Transaction, name string) (*Directory, error) {
	d, err := self.store.CreateDirectory(txn)
	if err != nil {
		return nil, err
	}
	if err = self.Insert(txn, name, d.objectID, objmgr.DescriptorDirectory); err != nil {
		return nil, err
	}
	return d, nil
}

// CreateFile creates empty file called name. Its data is written
// with ObjectStore.WriteData.
func (self *Directory) CreateFile(txn *transaction.Transaction, name string) (uint64, error) {
	id, err := self.store.createObject(txn, objmgr.DescriptorFile)
	if err != nil {
		return 0, err
	}
	if err = self.Insert(txn, name, id, objmgr.DescriptorFile); err != nil {
		return 0, err
	}
	return id, nil
}

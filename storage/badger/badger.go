/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2017 Markus Stenberg
 *
 * Created:       Sat Dec 23 15:10:01 2017 mstenber
 * Last modified: Tue Mar 12 16:41:07 2019 mstenber
 * Edit time:     171 min
 *
 */

package badger

import (
	"github.com/dgraph-io/badger"
	"github.com/fingon/go-lsfs/mlog"
	"github.com/fingon/go-lsfs/storage"
	"github.com/pkg/errors"
)

// badgerBackend provides on-disk storage.
type badgerBackend struct {
	storage.DirectoryBackendBase
	db *badger.DB
}

var _ storage.Backend = &badgerBackend{}

func NewBadgerBackend() storage.Backend {
	return &badgerBackend{}
}

func (self *badgerBackend) Init(config storage.BackendConfiguration) error {
	dir := config.Directory
	if err := (&self.DirectoryBackendBase).Init(config); err != nil {
		return err
	}
	opts := badger.DefaultOptions(dir)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return errors.Wrap(err, "badger.Open")
	}
	self.db = db
	return nil
}

func (self *badgerBackend) Close() error {
	return self.db.Close()
}

func (self *badgerBackend) Get(key []byte) (v []byte, found bool, err error) {
	err = self.db.View(func(txn *badger.Txn) error {
		i, err := txn.Get(key)
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err == nil {
			v, err = i.ValueCopy(nil)
			found = err == nil
		}
		return err
	})
	return
}

func (self *badgerBackend) Set(key, value []byte) error {
	mlog.Printf2("storage/badger/badger", "bad.Set %x (%d b)", key, len(value))
	return self.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, value)
	})
}

func (self *badgerBackend) Delete(key []byte) error {
	mlog.Printf2("storage/badger/badger", "bad.Delete %x", key)
	return self.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key)
	})
}

func (self *badgerBackend) Batch(ops []storage.Op) error {
	mlog.Printf2("storage/badger/badger", "bad.Batch %d", len(ops))
	return self.db.Update(func(txn *badger.Txn) error {
		for _, op := range ops {
			var err error
			if op.Delete {
				err = txn.Delete(op.Key)
			} else {
				err = txn.Set(op.Key, op.Value)
			}
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func (self *badgerBackend) Iterate(prefix []byte, cb func(key, value []byte) error) error {
	var keys, values [][]byte
	err := self.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			v, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			keys = append(keys, item.KeyCopy(nil))
			values = append(values, v)
		}
		return nil
	})
	if err != nil {
		return err
	}
	for i, k := range keys {
		if err = cb(k, values[i]); err != nil {
			return err
		}
	}
	return nil
}

/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2018 Markus Stenberg
 *
 * Created:       Wed Jan  3 22:49:15 2018 mstenber
 * Last modified: Tue Mar 12 16:20:52 2019 mstenber
 * Edit time:     57 min
 *
 */

package bolt

import (
	"bytes"
	"fmt"

	"github.com/fingon/go-lsfs/mlog"
	"github.com/fingon/go-lsfs/storage"
	"github.com/pkg/errors"
	bbolt "go.etcd.io/bbolt"
)

var bucketKey = []byte("lsfs")

// boltBackend provides on-disk storage; everything lives in single
// bucket.
type boltBackend struct {
	storage.DirectoryBackendBase

	db *bbolt.DB
}

var _ storage.Backend = &boltBackend{}

func NewBoltBackend() storage.Backend {
	self := &boltBackend{}
	return self
}

func (self *boltBackend) Init(config storage.BackendConfiguration) error {
	dir := config.Directory
	if err := (&self.DirectoryBackendBase).Init(config); err != nil {
		return err
	}
	db, err := bbolt.Open(fmt.Sprintf("%s/bbolt.db", dir), 0600, nil)
	if err != nil {
		return errors.Wrap(err, "bbolt.Open")
	}
	self.db = db
	return db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketKey)
		return err
	})
}

func (self *boltBackend) Close() error {
	return self.db.Close()
}

func (self *boltBackend) Get(key []byte) (v []byte, found bool, err error) {
	err = self.db.View(func(tx *bbolt.Tx) error {
		bv := tx.Bucket(bucketKey).Get(key)
		if bv != nil {
			v = append([]byte{}, bv...)
			found = true
		}
		return nil
	})
	return
}

func (self *boltBackend) Set(key, value []byte) error {
	mlog.Printf2("storage/bolt/bolt", "bbolt.Set %x (%d b)", key, len(value))
	return self.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketKey).Put(key, value)
	})
}

func (self *boltBackend) Delete(key []byte) error {
	mlog.Printf2("storage/bolt/bolt", "bbolt.Delete %x", key)
	return self.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketKey).Delete(key)
	})
}

func (self *boltBackend) Batch(ops []storage.Op) error {
	mlog.Printf2("storage/bolt/bolt", "bbolt.Batch %d", len(ops))
	return self.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketKey)
		for _, op := range ops {
			var err error
			if op.Delete {
				err = b.Delete(op.Key)
			} else {
				err = b.Put(op.Key, op.Value)
			}
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func (self *boltBackend) Iterate(prefix []byte, cb func(key, value []byte) error) error {
	// Collect first; cb may want to write
	var keys, values [][]byte
	err := self.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketKey).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			keys = append(keys, append([]byte{}, k...))
			values = append(values, append([]byte{}, v...))
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

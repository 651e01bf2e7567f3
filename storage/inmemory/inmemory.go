/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2017 Markus Stenberg
 *
 * Created:       Sun Dec 17 22:20:08 2017 mstenber
 * Last modified: Tue Mar 12 16:02:29 2019 mstenber
 * Edit time:     91 min
 *
 */

package inmemory

import (
	"sort"
	"strings"

	"github.com/fingon/go-lsfs/mlog"
	"github.com/fingon/go-lsfs/storage"
	"github.com/fingon/go-lsfs/util"
)

// inMemoryBackend provides In-memory storage; data is always
// assumed to be available and is just stored in maps.
type inMemoryBackend struct {
	kv   map[string][]byte
	lock util.RWMutexLocked
}

var _ storage.Backend = &inMemoryBackend{}

// NewInMemoryBackend is ready to use without Init.
func NewInMemoryBackend() storage.Backend {
	self := &inMemoryBackend{}
	self.kv = make(map[string][]byte)
	return self
}

func (self *inMemoryBackend) Init(config storage.BackendConfiguration) error {
	return nil
}

func (self *inMemoryBackend) Close() error {
	return nil
}

func copyBytes(b []byte) []byte {
	return append([]byte{}, b...)
}

func (self *inMemoryBackend) Get(key []byte) ([]byte, bool, error) {
	defer self.lock.RLocked()()
	v, ok := self.kv[string(key)]
	if !ok {
		return nil, false, nil
	}
	return copyBytes(v), true, nil
}

func (self *inMemoryBackend) Set(key, value []byte) error {
	defer self.lock.Locked()()
	mlog.Printf2("storage/inmemory/inmemory", "im.Set %x (%d b)", key, len(value))
	self.kv[string(key)] = copyBytes(value)
	return nil
}

func (self *inMemoryBackend) Delete(key []byte) error {
	defer self.lock.Locked()()
	mlog.Printf2("storage/inmemory/inmemory", "im.Delete %x", key)
	delete(self.kv, string(key))
	return nil
}

func (self *inMemoryBackend) Batch(ops []storage.Op) error {
	defer self.lock.Locked()()
	mlog.Printf2("storage/inmemory/inmemory", "im.Batch %d", len(ops))
	for _, op := range ops {
		if op.Delete {
			delete(self.kv, string(op.Key))
		} else {
			self.kv[string(op.Key)] = copyBytes(op.Value)
		}
	}
	return nil
}

func (self *inMemoryBackend) Iterate(prefix []byte, cb func(key, value []byte) error) error {
	// Snapshot so that cb may modify the backend
	type kv struct {
		k string
		v []byte
	}
	entries := func() []kv {
		defer self.lock.RLocked()()
		p := string(prefix)
		var entries []kv
		for k, v := range self.kv {
			if strings.HasPrefix(k, p) {
				entries = append(entries, kv{k, copyBytes(v)})
			}
		}
		return entries
	}()
	sort.Slice(entries, func(i, j int) bool { return entries[i].k < entries[j].k })
	for _, e := range entries {
		if err := cb([]byte(e.k), e.v); err != nil {
			return err
		}
	}
	return nil
}

/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2018 Markus Stenberg
 *
 * Created:       Fri Jan  5 11:30:07 2018 mstenber
 * Last modified: Tue Mar 12 15:02:47 2019 mstenber
 * Edit time:     27 min
 *
 */

package storage

import (
	"github.com/fingon/go-lsfs/util"
)

// proxyBackend passes everything to the underlying backend; the
// other wrappers embed it and override what they change.
type proxyBackend struct {
	backend Backend
}

var _ Backend = &proxyBackend{}

func (self *proxyBackend) Unwrap() Backend {
	return self.backend
}

func (self *proxyBackend) Init(config BackendConfiguration) error {
	return self.backend.Init(config)
}

func (self *proxyBackend) Close() error {
	return self.backend.Close()
}

func (self *proxyBackend) Get(key []byte) ([]byte, bool, error) {
	return self.backend.Get(key)
}

func (self *proxyBackend) Set(key, value []byte) error {
	return self.backend.Set(key, value)
}

func (self *proxyBackend) Delete(key []byte) error {
	return self.backend.Delete(key)
}

func (self *proxyBackend) Batch(ops []Op) error {
	return self.backend.Batch(ops)
}

func (self *proxyBackend) Iterate(prefix []byte, cb func(key, value []byte) error) error {
	return self.backend.Iterate(prefix, cb)
}

// prefixBackend is a namespace within a backend. Closing it does not
// close the underlying backend.
type prefixBackend struct {
	proxyBackend
	prefix []byte
}

var _ Backend = &prefixBackend{}

// Namespace returns view of the backend where every key has the
// prefix (invisible to the user).
func Namespace(backend Backend, prefix string) Backend {
	self := &prefixBackend{prefix: []byte(prefix)}
	self.backend = backend
	return self
}

func (self *prefixBackend) Init(config BackendConfiguration) error {
	return nil
}

func (self *prefixBackend) Close() error {
	return nil
}

func (self *prefixBackend) key(k []byte) []byte {
	return util.ConcatBytes(self.prefix, k)
}

func (self *prefixBackend) Get(key []byte) ([]byte, bool, error) {
	return self.backend.Get(self.key(key))
}

func (self *prefixBackend) Set(key, value []byte) error {
	return self.backend.Set(self.key(key), value)
}

func (self *prefixBackend) Delete(key []byte) error {
	return self.backend.Delete(self.key(key))
}

func (self *prefixBackend) Batch(ops []Op) error {
	nops := make([]Op, len(ops))
	for i, op := range ops {
		op.Key = self.key(op.Key)
		nops[i] = op
	}
	return self.backend.Batch(nops)
}

func (self *prefixBackend) Iterate(prefix []byte, cb func(key, value []byte) error) error {
	l := len(self.prefix)
	return self.backend.Iterate(self.key(prefix), func(key, value []byte) error {
		return cb(key[l:], value)
	})
}

/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2018 Markus Stenberg
 *
 * Created:       Fri Jan  5 16:40:05 2018 mstenber
 * Last modified: Tue Mar 12 15:10:30 2019 mstenber
 * Edit time:     18 min
 *
 */

package storage

import (
	"github.com/fingon/go-lsfs/codec"
	"github.com/pkg/errors"
)

// codecBackend encodes values with the codec; the key is used as the
// additional data so values cannot be moved around.
type codecBackend struct {
	proxyBackend
	codec codec.Codec
}

var _ Backend = &codecBackend{}

func WithCodec(backend Backend, c codec.Codec) Backend {
	self := &codecBackend{codec: c}
	self.backend = backend
	return self
}

func (self *codecBackend) Get(key []byte) ([]byte, bool, error) {
	data, found, err := self.backend.Get(key)
	if err != nil || !found {
		return nil, found, err
	}
	b, err := self.codec.DecodeBytes(data, key)
	if err != nil {
		return nil, false, errors.Wrapf(err, "decoding %x", key)
	}
	return b, true, nil
}

func (self *codecBackend) encode(key, value []byte) ([]byte, error) {
	b, err := self.codec.EncodeBytes(value, key)
	if err != nil {
		return nil, errors.Wrapf(err, "encoding %x", key)
	}
	return b, nil
}

func (self *codecBackend) Set(key, value []byte) error {
	b, err := self.encode(key, value)
	if err != nil {
		return err
	}
	return self.backend.Set(key, b)
}

func (self *codecBackend) Batch(ops []Op) error {
	nops := make([]Op, len(ops))
	for i, op := range ops {
		if !op.Delete {
			b, err := self.encode(op.Key, op.Value)
			if err != nil {
				return err
			}
			op.Value = b
		}
		nops[i] = op
	}
	return self.backend.Batch(nops)
}

func (self *codecBackend) Iterate(prefix []byte, cb func(key, value []byte) error) error {
	return self.backend.Iterate(prefix, func(key, value []byte) error {
		b, err := self.codec.DecodeBytes(value, key)
		if err != nil {
			return errors.Wrapf(err, "decoding %x", key)
		}
		return cb(key, b)
	})
}

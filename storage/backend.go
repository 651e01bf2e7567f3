/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2018 Markus Stenberg
 *
 * Created:       Fri Jan  5 11:14:11 2018 mstenber
 * Last modified: Tue Mar 12 14:40:21 2019 mstenber
 * Edit time:     31 min
 *
 */

// storage provides the key/value persistence the filesystem lives on:
// journal records, persisted object store layers, allocator state and
// the (emulated) block device are all namespaces of a single Backend.
package storage

import (
	"github.com/fingon/go-lsfs/codec"
)

// Backend is the shadow behind the throne; it actually handles the
// low-level operations. It provides an API that returns results that
// are consistent with the previous calls. How it does this in
// practise is left as an exercise to the implementor.
type Backend interface {
	// Init is called by the factory before anything else.
	Init(config BackendConfiguration) error

	// Close the backend
	Close() error

	// Get returns copy of the value, if any.
	Get(key []byte) (value []byte, found bool, err error)

	Set(key, value []byte) error

	// Delete removes the key; deleting non-existent key is nop.
	Delete(key []byte) error

	// Batch applies the operations atomically.
	Batch(ops []Op) error

	// Iterate calls cb for every key with prefix in ascending key
	// order. Error returned by cb stops the iteration and is
	// returned.
	Iterate(prefix []byte, cb func(key, value []byte) error) error
}

type Op struct {
	Key, Value []byte
	Delete     bool
}

func SetOp(key, value []byte) Op {
	return Op{Key: key, Value: value}
}

func DeleteOp(key []byte) Op {
	return Op{Key: key, Delete: true}
}

type BackendConfiguration struct {
	// Directory is where on-disk backends keep their files.
	Directory string

	// Codec, if set, is applied to every value (key is the
	// additional data).
	Codec codec.Codec
}

// SpaceReporter is implemented by backends that live on a local
// filesystem.
type SpaceReporter interface {
	GetBytesAvailable() uint64
	GetBytesUsed() uint64
}

// ReportSpace returns the space of the backend (or of the backend it
// wraps) if it knows it.
func ReportSpace(backend Backend) (available, used uint64, ok bool) {
	for {
		if sr, isReporter := backend.(SpaceReporter); isReporter {
			return sr.GetBytesAvailable(), sr.GetBytesUsed(), true
		}
		w, isWrapper := backend.(interface{ Unwrap() Backend })
		if !isWrapper {
			return 0, 0, false
		}
		backend = w.Unwrap()
	}
}

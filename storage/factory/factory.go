/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2018 Markus Stenberg
 *
 * Created:       Fri Jan  5 12:22:52 2018 mstenber
 * Last modified: Tue Mar 12 17:02:11 2019 mstenber
 * Edit time:     44 min
 *
 */

package factory

import (
	"sort"

	"github.com/fingon/go-lsfs/codec"
	"github.com/fingon/go-lsfs/fserrors"
	"github.com/fingon/go-lsfs/mlog"
	"github.com/fingon/go-lsfs/storage"
	"github.com/fingon/go-lsfs/storage/badger"
	"github.com/fingon/go-lsfs/storage/bolt"
	"github.com/fingon/go-lsfs/storage/inmemory"
	"github.com/pkg/errors"
)

type factoryCallback func() storage.Backend

var backendFactories = map[string]factoryCallback{
	"inmemory": func() storage.Backend {
		return inmemory.NewInMemoryBackend()
	},
	"badger": func() storage.Backend {
		return badger.NewBadgerBackend()
	},
	"bolt": func() storage.Backend {
		return bolt.NewBoltBackend()
	}}

func List() []string {
	keys := make([]string, 0, len(backendFactories))
	for k := range backendFactories {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func New(name, dir string) (storage.Backend, error) {
	var config storage.BackendConfiguration
	config.Directory = dir
	return NewWithConfig(name, config)
}

func NewWithConfig(name string, config storage.BackendConfiguration) (storage.Backend, error) {
	mlog.Printf2("storage/factory/factory", "f.NewWithConfig %v %v", name, config.Directory)
	cb, ok := backendFactories[name]
	if !ok {
		return nil, errors.Wrapf(fserrors.ErrInvalidArgument, "unknown backend %q", name)
	}
	be := cb()
	if err := be.Init(config); err != nil {
		return nil, errors.Wrapf(err, "init of %s backend", name)
	}
	if config.Codec != nil {
		be = storage.WithCodec(be, config.Codec)
	}
	return be, nil
}

type CodecBackendConfiguration struct {
	storage.BackendConfiguration
	BackendName     string
	Password, Salt  string
	Iterations      int
	CompressionType codec.CompressionType
}

// NewCodecBackend returns backend which compresses (and, given
// password, encrypts) every value.
func NewCodecBackend(config CodecBackendConfiguration) (storage.Backend, error) {
	mlog.Printf2("storage/factory/factory", "f.NewCodecBackend")
	iterations := config.Iterations
	if iterations == 0 {
		iterations = 12345
	}
	salt := config.Salt
	if salt == "" {
		salt = "asdf"
	}
	beconfig := config.BackendConfiguration
	c2 := &codec.CompressingCodec{CompressionType: config.CompressionType}
	if config.Password != "" {
		mlog.Printf2("storage/factory/factory", " with encryption + compression")
		c1 := codec.EncryptingCodec{}.Init([]byte(config.Password), []byte(salt), iterations)
		beconfig.Codec = codec.CodecChain{}.Init(c1, c2)
	} else {
		mlog.Printf2("storage/factory/factory", " only compression")
		beconfig.Codec = codec.CodecChain{}.Init(c2)
	}
	return NewWithConfig(config.BackendName, beconfig)
}

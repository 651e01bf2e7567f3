/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Tue Mar 12 12:01:19 2019 mstenber
 * Last modified: Tue Mar 12 13:15:02 2019 mstenber
 * Edit time:     38 min
 *
 */

// crypt provides the keys of encrypted object stores. Each store has
// its own random key which is kept wrapped (encrypted) with the key
// derived from the password.
package crypt

import (
	"crypto/rand"

	"github.com/fingon/go-lsfs/codec"
	"github.com/fingon/go-lsfs/fserrors"
	"github.com/fingon/go-lsfs/mlog"
	"github.com/fingon/go-lsfs/util"
	"github.com/minio/sha256-simd"
	"github.com/pkg/errors"
)

// KeySize of the unwrapped store key.
const KeySize = 64

type Crypt interface {
	// CreateKey returns new wrapped and unwrapped key for the store.
	CreateKey(storeObjectID uint64) (wrapped, unwrapped []byte, err error)

	// UnwrapKey returns the store key; failure means wrong
	// password (or tampered data).
	UnwrapKey(storeObjectID uint64, wrapped []byte) ([]byte, error)
}

const defaultIterations = 12345
const defaultSalt = "asdf"

type PasswordCrypt struct {
	Password   string
	Salt       string
	Iterations int

	codec codec.Codec
}

var _ Crypt = &PasswordCrypt{}

func (self PasswordCrypt) Init() *PasswordCrypt {
	if self.Iterations == 0 {
		self.Iterations = defaultIterations
	}
	if self.Salt == "" {
		self.Salt = defaultSalt
	}
	self.codec = codec.EncryptingCodec{}.Init([]byte(self.Password), []byte(self.Salt), self.Iterations)
	return &self
}

func (self *PasswordCrypt) CreateKey(storeObjectID uint64) (wrapped, unwrapped []byte, err error) {
	unwrapped = make([]byte, KeySize)
	if _, err = rand.Read(unwrapped); err != nil {
		return
	}
	wrapped, err = self.codec.EncodeBytes(unwrapped, util.Uint64Bytes(storeObjectID))
	mlog.Printf2("crypt/crypt", "pc.CreateKey %d", storeObjectID)
	return
}

func (self *PasswordCrypt) UnwrapKey(storeObjectID uint64, wrapped []byte) ([]byte, error) {
	key, err := self.codec.DecodeBytes(wrapped, util.Uint64Bytes(storeObjectID))
	if err != nil {
		return nil, errors.Wrapf(fserrors.ErrLocked, "unwrap key of store %d: %v", storeObjectID, err)
	}
	if len(key) != KeySize {
		return nil, errors.Wrapf(fserrors.ErrInconsistent, "store %d key size %d", storeObjectID, len(key))
	}
	return key, nil
}

// StoreCodecs returns the codecs derived from store key: the
// deterministic one for journaled mutations and the randomized one
// for persisted records.
func StoreCodecs(key []byte) (mutations codec.Codec, records codec.Codec) {
	mutations = codec.SIVCodec{}.Init(key)
	rk := sha256.Sum256(key)
	records = codec.EncryptingCodec{}.InitKey(rk[:])
	return
}

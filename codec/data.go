/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2017 Markus Stenberg
 *
 * Created:       Sun Dec 24 16:42:58 2017 mstenber
 * Last modified: Tue Mar 12 11:02:40 2019 mstenber
 * Edit time:     22 min
 *
 */

package codec

import (
	"github.com/glycerine/greenpack/msgp"
	"github.com/pkg/errors"
)

/////////////////////////////////////////////////////////////////////////////

// Codec layer

// This is responsible for hiding (and compressing) bytes in plain
// sight, so to speak. Both are encoded as msgpack arrays.

type EncryptedData struct {
	// nonce used for AES GCM
	Nonce []byte

	// EncryptedData is AES GCM encrypted CompressedData
	EncryptedData []byte
}

func (self *EncryptedData) MarshalMsg(b []byte) []byte {
	b = msgp.AppendArrayHeader(b, 2)
	b = msgp.AppendBytes(b, self.Nonce)
	return msgp.AppendBytes(b, self.EncryptedData)
}

func (self *EncryptedData) UnmarshalMsg(b []byte) (o []byte, err error) {
	var nbs msgp.NilBitsStack
	sz, o, err := nbs.ReadArrayHeaderBytes(b)
	if err != nil {
		return
	}
	if sz != 2 {
		return o, errors.Errorf("EncryptedData: unexpected size %d", sz)
	}
	if self.Nonce, o, err = nbs.ReadBytesBytes(o, nil); err != nil {
		return
	}
	self.EncryptedData, o, err = nbs.ReadBytesBytes(o, nil)
	return
}

type CompressionType byte

const (
	CompressionType_UNSET CompressionType = iota

	// The data has not been compressed.
	CompressionType_PLAIN

	// The data is compressed with Snappy.
	CompressionType_SNAPPY

	// The data is compressed with LZ4 (block format).
	CompressionType_LZ4

	// The data is compressed with zstd.
	CompressionType_ZSTD
)

var compressionTypeNames = map[string]CompressionType{
	"":       CompressionType_UNSET,
	"plain":  CompressionType_PLAIN,
	"snappy": CompressionType_SNAPPY,
	"lz4":    CompressionType_LZ4,
	"zstd":   CompressionType_ZSTD,
}

// ParseCompressionType maps configuration name to the type.
func ParseCompressionType(name string) (CompressionType, error) {
	ct, ok := compressionTypeNames[name]
	if !ok {
		return ct, errors.Errorf("unknown compression %q", name)
	}
	return ct, nil
}

type CompressedData struct {
	// CompressionType describes how the data has been compressed.
	CompressionType CompressionType

	// Size is the uncompressed size.
	Size uint64

	// RawData is the raw data of the client (whatever it is)
	RawData []byte
}

func (self *CompressedData) MarshalMsg(b []byte) []byte {
	b = msgp.AppendArrayHeader(b, 3)
	b = msgp.AppendByte(b, byte(self.CompressionType))
	b = msgp.AppendUint64(b, self.Size)
	return msgp.AppendBytes(b, self.RawData)
}

func (self *CompressedData) UnmarshalMsg(b []byte) (o []byte, err error) {
	var nbs msgp.NilBitsStack
	sz, o, err := nbs.ReadArrayHeaderBytes(b)
	if err != nil {
		return
	}
	if sz != 3 {
		return o, errors.Errorf("CompressedData: unexpected size %d", sz)
	}
	var ct byte
	if ct, o, err = nbs.ReadByteBytes(o); err != nil {
		return
	}
	self.CompressionType = CompressionType(ct)
	if self.Size, o, err = nbs.ReadUint64Bytes(o); err != nil {
		return
	}
	self.RawData, o, err = nbs.ReadBytesBytes(o, nil)
	return
}

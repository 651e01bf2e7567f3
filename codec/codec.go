/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2017 Markus Stenberg
 *
 * Created:       Sun Dec 24 16:42:12 2017 mstenber
 * Last modified: Tue Mar 12 11:32:01 2019 mstenber
 * Edit time:     121 min
 *
 */

// codec library is responsible for transforming data + additionalData
// to different kind of data. This means in practise either
// encrypting/decrypting, or compressing/uncompressing on case-by-case
// basis.
//
// CodecChain makes it possible to combine multiple Codecs that do the
// particular sub-EncodeBytes/DecodeBytes steps.
package codec

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"log"

	"github.com/golang/snappy"
	"github.com/jacobsa/crypto/siv"
	"github.com/klauspost/compress/zstd"
	"github.com/minio/sha256-simd"
	"github.com/pierrec/lz4/v4"
	"github.com/pkg/errors"
	"golang.org/x/crypto/pbkdf2"
)

// Codec
//
// Single transformation of byte slices.
type Codec interface {
	DecodeBytes(data, additionalData []byte) (ret []byte, err error)
	EncodeBytes(data, additionalData []byte) (ret []byte, err error)
}

// DeriveKey stretches password to key of the given length.
func DeriveKey(password, salt []byte, iter, length int) []byte {
	return pbkdf2.Key(password, salt, iter, length, sha256.New)
}

// EncryptingCodec
//
// AES GCM based encrypting/decrypting (+authenticating) Codec.
type EncryptingCodec struct {
	gcm cipher.AEAD
	// Main key
	mk []byte
}

var _ Codec = &EncryptingCodec{}

func (self EncryptingCodec) Init(password, salt []byte, iter int) *EncryptingCodec {
	return self.InitKey(DeriveKey(password, salt, iter, 32))
}

// InitKey initializes the codec with ready 16/24/32 byte key.
func (self EncryptingCodec) InitKey(key []byte) *EncryptingCodec {
	self.mk = key
	block, err := aes.NewCipher(self.mk)
	if err != nil {
		log.Panic(err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		log.Panic(err)
	}
	self.gcm = gcm
	return &self
}

func (self *EncryptingCodec) DecodeBytes(data, additionalData []byte) (ret []byte, err error) {
	var ed EncryptedData
	_, err = ed.UnmarshalMsg(data)
	if err != nil {
		return
	}
	ret, err = self.gcm.Open(nil, ed.Nonce, ed.EncryptedData, additionalData)
	return
}

func (self *EncryptingCodec) EncodeBytes(data, additionalData []byte) (ret []byte, err error) {
	nonce := make([]byte, self.gcm.NonceSize())
	if _, err = rand.Read(nonce); err != nil {
		return
	}
	ciphertext := self.gcm.Seal(nil, nonce, data, additionalData)
	ed := EncryptedData{Nonce: nonce, EncryptedData: ciphertext}
	ret = ed.MarshalMsg(nil)
	return
}

// SIVCodec is deterministic authenticated encryption (AES-SIV); same
// input encrypts always the same way. Key is 32, 48 or 64 bytes.
type SIVCodec struct {
	key []byte
}

var _ Codec = &SIVCodec{}

func (self SIVCodec) Init(key []byte) *SIVCodec {
	switch len(key) {
	case 32, 48, 64:
	default:
		log.Panicf("invalid SIV key length %d", len(key))
	}
	self.key = key
	return &self
}

func (self *SIVCodec) DecodeBytes(data, additionalData []byte) ([]byte, error) {
	return siv.Decrypt(self.key, data, [][]byte{additionalData})
}

func (self *SIVCodec) EncodeBytes(data, additionalData []byte) ([]byte, error) {
	return siv.Encrypt(nil, self.key, data, [][]byte{additionalData})
}

// CompressingCodec
//
// On-the-fly compressing Codec. If the result does not improve, the
// result is marked to be plaintext and passed as-is (at cost of few
// bytes).
type CompressingCodec struct {
	CompressionType CompressionType
}

var _ Codec = &CompressingCodec{}

// Largest single decode we are willing to do
const largestCompressionSize = 1024000000

var zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
var zstdDecoder, _ = zstd.NewReader(nil)

func (self *CompressingCodec) DecodeBytes(data, additionalData []byte) (ret []byte, err error) {
	var cd CompressedData
	_, err = cd.UnmarshalMsg(data)
	if err != nil {
		return
	}
	if cd.Size > largestCompressionSize {
		return nil, errors.Errorf("too large decode: %d", cd.Size)
	}
	switch cd.CompressionType {
	case CompressionType_PLAIN:
		ret = cd.RawData
	case CompressionType_SNAPPY:
		ret, err = snappy.Decode(nil, cd.RawData)
	case CompressionType_LZ4:
		ret = make([]byte, cd.Size)
		var n int
		n, err = lz4.UncompressBlock(cd.RawData, ret)
		if err == nil {
			ret = ret[:n]
		}
	case CompressionType_ZSTD:
		ret, err = zstdDecoder.DecodeAll(cd.RawData, make([]byte, 0, cd.Size))
	default:
		err = errors.Errorf("unsupported compression type %d", cd.CompressionType)
	}
	return
}

func (self *CompressingCodec) compress(data []byte) (ct CompressionType, rd []byte, err error) {
	ct = self.CompressionType
	switch ct {
	case CompressionType_UNSET, CompressionType_LZ4:
		ct = CompressionType_LZ4
		rd = make([]byte, lz4.CompressBlockBound(len(data)))
		var n int
		n, err = lz4.CompressBlock(data, rd, nil)
		rd = rd[:n]
	case CompressionType_SNAPPY:
		rd = snappy.Encode(nil, data)
	case CompressionType_ZSTD:
		rd = zstdEncoder.EncodeAll(data, nil)
	case CompressionType_PLAIN:
	default:
		err = errors.Errorf("unsupported compression type %d", ct)
	}
	return
}

func (self *CompressingCodec) EncodeBytes(data, additionalData []byte) (ret []byte, err error) {
	ct, rd, err := self.compress(data)
	if err != nil {
		return
	}
	if len(rd) == 0 || len(rd) >= len(data) {
		ct = CompressionType_PLAIN
		rd = data
	}
	cd := CompressedData{CompressionType: ct, Size: uint64(len(data)), RawData: rd}
	ret = cd.MarshalMsg(nil)
	return
}

type CodecChain struct {
	codecs, reverseCodecs []Codec
}

var _ Codec = &CodecChain{}

// Init method initializes the codec chain.
//
// codecs are given in decryption order, so e.g.
// encrypting one should be given before compressing one.
func (self CodecChain) Init(codecs ...Codec) *CodecChain {
	self.codecs = codecs
	// Reverse the codec slice for encryption purposes
	rc := make([]Codec, len(codecs))
	for i, c := range codecs {
		rc[len(codecs)-i-1] = c
	}
	self.reverseCodecs = rc
	return &self
}

func (self *CodecChain) DecodeBytes(data, additionalData []byte) (ret []byte, err error) {
	ret = data
	for _, c := range self.codecs {
		ret, err = c.DecodeBytes(data, additionalData)
		if err != nil {
			return
		}
		data = ret
	}
	return
}

func (self *CodecChain) EncodeBytes(data, additionalData []byte) (ret []byte, err error) {
	ret = data
	for _, c := range self.reverseCodecs {
		ret, err = c.EncodeBytes(data, additionalData)
		if err != nil {
			return
		}
		data = ret
	}
	return
}

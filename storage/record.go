/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Wed Mar 13 09:45:12 2019 mstenber
 * Last modified: Wed Mar 13 10:02:41 2019 mstenber
 * Edit time:     12 min
 *
 */

package storage

import (
	"github.com/glycerine/greenpack/msgp"
	"github.com/pkg/errors"
)

const RecordVersion = 1

// RecordMetadata precedes persisted record values.
type RecordMetadata struct {
	Version uint32

	// Generation of the flush that wrote the record.
	Generation uint64
}

func (self *RecordMetadata) MarshalMsg(b []byte) []byte {
	b = msgp.AppendArrayHeader(b, 2)
	b = msgp.AppendUint32(b, self.Version)
	return msgp.AppendUint64(b, self.Generation)
}

func (self *RecordMetadata) UnmarshalMsg(b []byte) (o []byte, err error) {
	var nbs msgp.NilBitsStack
	sz, o, err := nbs.ReadArrayHeaderBytes(b)
	if err != nil {
		return
	}
	if sz != 2 {
		return o, errors.Errorf("RecordMetadata: unexpected size %d", sz)
	}
	if self.Version, o, err = nbs.ReadUint32Bytes(o); err != nil {
		return
	}
	self.Generation, o, err = nbs.ReadUint64Bytes(o)
	return
}

// EncodeRecord prefixes value with the metadata.
func EncodeRecord(md RecordMetadata, value []byte) []byte {
	b := md.MarshalMsg(make([]byte, 0, len(value)+16))
	return append(b, value...)
}

func DecodeRecord(b []byte) (md RecordMetadata, value []byte, err error) {
	value, err = md.UnmarshalMsg(b)
	if err == nil && md.Version != RecordVersion {
		err = errors.Errorf("unsupported record version %d", md.Version)
	}
	return
}

/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Wed Mar 13 14:02:50 2019 mstenber
 * Last modified: Wed Mar 13 14:10:13 2019 mstenber
 * Edit time:     4 min
 *
 */

// cbor wraps ugorji codec CBOR handle for the structures that are
// written to the journal and the object stores.
package cbor

import (
	"github.com/ugorji/go/codec"
)

var handle codec.CborHandle

func Marshal(v interface{}) (b []byte, err error) {
	err = codec.NewEncoderBytes(&b, &handle).Encode(v)
	return
}

func Unmarshal(b []byte, v interface{}) error {
	return codec.NewDecoderBytes(b, &handle).Decode(v)
}

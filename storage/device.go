/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Tue Mar 12 15:30:11 2019 mstenber
 * Last modified: Wed Mar 13 09:40:58 2019 mstenber
 * Edit time:     29 min
 *
 */

package storage

import (
	"io"

	"github.com/fingon/go-lsfs/fserrors"
	"github.com/fingon/go-lsfs/mlog"
	"github.com/fingon/go-lsfs/util"
	"github.com/pkg/errors"
)

// Device emulates fixed size block device on top of a backend
// namespace: key is the big-endian block number. Blocks never written
// read as zeros.
type Device struct {
	backend   Backend
	size      uint64
	blockSize uint64
}

var _ io.ReaderAt = &Device{}
var _ io.WriterAt = &Device{}

func NewDevice(backend Backend, size, blockSize uint64) *Device {
	if blockSize == 0 || size%blockSize != 0 {
		mlog.Panicf("invalid device geometry %d/%d", size, blockSize)
	}
	return &Device{backend: backend, size: size, blockSize: blockSize}
}

func (self *Device) Size() uint64 {
	return self.size
}

func (self *Device) BlockSize() uint64 {
	return self.blockSize
}

func (self *Device) readBlock(n uint64) ([]byte, error) {
	b, found, err := self.backend.Get(util.Uint64Bytes(n))
	if err != nil {
		return nil, err
	}
	block := make([]byte, self.blockSize)
	if found {
		copy(block, b)
	}
	return block, nil
}

func (self *Device) ReadAt(p []byte, off int64) (n int, err error) {
	if off < 0 {
		return 0, errors.Wrapf(fserrors.ErrInvalidArgument, "offset %d", off)
	}
	o := uint64(off)
	for n < len(p) {
		if o >= self.size {
			return n, io.EOF
		}
		bn := o / self.blockSize
		block, err := self.readBlock(bn)
		if err != nil {
			return n, err
		}
		c := copy(p[n:], block[o-bn*self.blockSize:])
		n += c
		o += uint64(c)
	}
	return n, nil
}

func (self *Device) WriteAt(p []byte, off int64) (n int, err error) {
	if off < 0 || uint64(off)+uint64(len(p)) > self.size {
		return 0, errors.Wrapf(fserrors.ErrInvalidArgument, "write %d+%d beyond device", off, len(p))
	}
	mlog.Printf2("storage/device", "d.WriteAt %d (%d b)", off, len(p))
	o := uint64(off)
	ops := make([]Op, 0, uint64(len(p))/self.blockSize+1)
	for n < len(p) {
		bn := o / self.blockSize
		bo := o - bn*self.blockSize
		var block []byte
		if bo == 0 && uint64(len(p)-n) >= self.blockSize {
			block = p[n : uint64(n)+self.blockSize]
		} else {
			block, err = self.readBlock(bn)
			if err != nil {
				return n, err
			}
			copy(block[bo:], p[n:])
		}
		ops = append(ops, SetOp(util.Uint64Bytes(bn), block))
		c := self.blockSize - bo
		if rest := uint64(len(p) - n); rest < c {
			c = rest
		}
		n += int(c)
		o += c
	}
	return n, self.backend.Batch(ops)
}

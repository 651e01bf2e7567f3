/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Thu Mar 14 13:02:11 2019 mstenber
 * Last modified: Thu Mar 14 13:40:52 2019 mstenber
 * Edit time:     21 min
 *
 */

package store

import (
	"github.com/fingon/go-lsfs/objmgr"
	"github.com/fingon/go-lsfs/util"
)

// FirstObjectID is the first object id handed out by a new store;
// the ones below it are reserved for the filesystem itself.
const FirstObjectID uint64 = 16

// Record key prefixes within a store.
const (
	nextObjectIDKey = "\x00next"
	storeInfoPrefix = "i/"
	objectPrefix    = "o/"
	entryPrefix     = "d/"
	extentPrefix    = "x/"
)

// StoreInfo describes child store; it lives in the parent store so
// that it is available while the child is still locked.
type StoreInfo struct {
	GUID                  string `codec:"g"`
	RootDirectoryObjectID uint64 `codec:"r"`
	WrappedKey            []byte `codec:"k,omitempty"`
}

func (self StoreInfo) IsEncrypted() bool {
	return len(self.WrappedKey) > 0
}

type objectRecord struct {
	Descriptor objmgr.ObjectDescriptor `codec:"d"`
}

type entryValue struct {
	ObjectID   uint64                  `codec:"o"`
	Descriptor objmgr.ObjectDescriptor `codec:"d"`
}

func storeInfoKey(storeObjectID uint64) []byte {
	return util.ConcatBytes([]byte(storeInfoPrefix), util.Uint64Bytes(storeObjectID))
}

func objectKey(objectID uint64) []byte {
	return util.ConcatBytes([]byte(objectPrefix), util.Uint64Bytes(objectID))
}

func entryKeyPrefix(directoryObjectID uint64) []byte {
	return util.ConcatBytes([]byte(entryPrefix), util.Uint64Bytes(directoryObjectID), []byte("/"))
}

func entryKey(directoryObjectID uint64, name string) []byte {
	return util.ConcatBytes(entryKeyPrefix(directoryObjectID), []byte(name))
}

func extentKey(objectID uint64) []byte {
	return util.ConcatBytes([]byte(extentPrefix), util.Uint64Bytes(objectID))
}

/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Mon Mar 11 13:05:11 2019 mstenber
 * Last modified: Wed Mar 13 10:12:40 2019 mstenber
 * Edit time:     41 min
 *
 */

package transaction

import (
	"fmt"

	"github.com/fingon/go-lsfs/journal"
)

type MutationKind byte

const (
	KindUnset MutationKind = iota

	// KindObjectStore modifies a single record of an object store.
	KindObjectStore

	// KindEncryptedObjectStore is KindObjectStore mutation as
	// written into the journal for an encrypted store.
	KindEncryptedObjectStore

	// KindAllocate and KindDeallocate are allocator mutations.
	KindAllocate
	KindDeallocate

	// KindBeginFlush and KindEndFlush bracket flush of an object.
	KindBeginFlush
	KindEndFlush

	// KindUpdateBorrowed carries the borrowed metadata space as of
	// the transaction it is part of.
	KindUpdateBorrowed
)

var kindNames = map[MutationKind]string{
	KindUnset:                "Unset",
	KindObjectStore:          "ObjectStore",
	KindEncryptedObjectStore: "EncryptedObjectStore",
	KindAllocate:             "Allocate",
	KindDeallocate:           "Deallocate",
	KindBeginFlush:           "BeginFlush",
	KindEndFlush:             "EndFlush",
	KindUpdateBorrowed:       "UpdateBorrowed",
}

func (self MutationKind) String() string {
	if s, ok := kindNames[self]; ok {
		return s
	}
	return fmt.Sprintf("MutationKind(%d)", self)
}

type Operation byte

const (
	OpInsert Operation = iota + 1
	OpReplaceOrInsert
	OpDelete
)

// ObjectItem is a single record of an object store.
type ObjectItem struct {
	Key   []byte `codec:"k"`
	Value []byte `codec:"v,omitempty"`
}

// Mutation is a tagged union; only the fields of the Kind are
// meaningful.
type Mutation struct {
	Kind MutationKind `codec:"t"`

	// KindObjectStore
	Item *ObjectItem `codec:"i,omitempty"`
	Op   Operation   `codec:"op,omitempty"`

	// KindEncryptedObjectStore
	Encrypted []byte `codec:"x,omitempty"`

	// KindAllocate, KindDeallocate
	Range     journal.DeviceRange `codec:"r,omitempty"`
	Checksums []uint64            `codec:"c,omitempty"`

	// KindUpdateBorrowed
	Borrowed uint64 `codec:"b,omitempty"`
}

func ObjectStoreMutation(op Operation, key, value []byte) Mutation {
	return Mutation{Kind: KindObjectStore, Op: op, Item: &ObjectItem{Key: key, Value: value}}
}

func EncryptedObjectStoreMutation(data []byte) Mutation {
	return Mutation{Kind: KindEncryptedObjectStore, Encrypted: data}
}

func AllocateMutation(r journal.DeviceRange, checksums []uint64) Mutation {
	return Mutation{Kind: KindAllocate, Range: r, Checksums: checksums}
}

func DeallocateMutation(r journal.DeviceRange) Mutation {
	return Mutation{Kind: KindDeallocate, Range: r}
}

func BeginFlush() Mutation {
	return Mutation{Kind: KindBeginFlush}
}

func EndFlush() Mutation {
	return Mutation{Kind: KindEndFlush}
}

func UpdateBorrowed(amount uint64) Mutation {
	return Mutation{Kind: KindUpdateBorrowed, Borrowed: amount}
}

func (self Mutation) String() string {
	switch self.Kind {
	case KindObjectStore:
		if self.Item == nil {
			return "ObjectStore(nil)"
		}
		return fmt.Sprintf("ObjectStore(%d %x)", self.Op, self.Item.Key)
	case KindEncryptedObjectStore:
		return fmt.Sprintf("EncryptedObjectStore(%d b)", len(self.Encrypted))
	case KindAllocate, KindDeallocate:
		return fmt.Sprintf("%v%v", self.Kind, self.Range)
	case KindUpdateBorrowed:
		return fmt.Sprintf("UpdateBorrowed(%d)", self.Borrowed)
	}
	return self.Kind.String()
}

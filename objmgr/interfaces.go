/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Mon Mar 11 15:21:50 2019 mstenber
 * Last modified: Wed Mar 13 12:02:11 2019 mstenber
 * Edit time:     31 min
 *
 */

package objmgr

import (
	"context"
	"math"
	"sort"

	"github.com/fingon/go-lsfs/crypt"
	"github.com/fingon/go-lsfs/journal"
	"github.com/fingon/go-lsfs/transaction"
)

const InvalidObjectID uint64 = math.MaxUint64

// VolumesDirectory is the name of the directory within root store's
// root directory that lists the volumes.
const VolumesDirectory = "volumes"

// Store is an object store as seen by the object manager.
type Store interface {
	transaction.Mutations

	StoreObjectID() uint64
	IsLocked() bool

	// Unlock decrypts the store; unlocking unlocked store is nop.
	Unlock(ctx context.Context, c crypt.Crypt) error

	// EncryptMutation returns the form in which the mutation is
	// written to the journal, if it differs from the mutation.
	EncryptMutation(m transaction.Mutation) (transaction.Mutation, bool)

	OnReplayComplete(ctx context.Context) error

	RootDirectoryObjectID() uint64
	OpenDirectory(ctx context.Context, objectID uint64) (Directory, error)

	// NewLockedChild creates (but does not load) child store in
	// locked state.
	NewLockedChild(objectID uint64) Store
}

type Allocator interface {
	transaction.Mutations

	ObjectID() uint64

	Reserve(amount uint64) (transaction.Reservation, bool)

	ValidateMutation(journalOffset uint64, m transaction.Mutation, cl *journal.ChecksumList) (bool, error)
}

type ObjectDescriptor byte

const (
	DescriptorFile ObjectDescriptor = iota + 1
	DescriptorDirectory
	DescriptorVolume
)

type DirEntry struct {
	Name       string
	ObjectID   uint64
	Descriptor ObjectDescriptor
}

type Directory interface {
	ObjectID() uint64
	Lookup(ctx context.Context, name string) (e DirEntry, found bool, err error)
	Entries(ctx context.Context) ([]DirEntry, error)
}

// ListVolumes returns the object ids of the volume stores, in
// ascending order.
func ListVolumes(ctx context.Context, d Directory) ([]uint64, error) {
	entries, err := d.Entries(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]uint64, 0, len(entries))
	for _, e := range entries {
		if e.Descriptor == DescriptorVolume {
			ids = append(ids, e.ObjectID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

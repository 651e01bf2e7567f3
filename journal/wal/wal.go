/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Fri Mar 15 10:31:12 2019 mstenber
 * Last modified: Fri Mar 15 14:47:30 2019 mstenber
 * Edit time:     151 min
 *
 */

// wal is the journal: transactions are appended to it as records,
// and it is replayed on mount to recreate the state not yet flushed.
//
// Records are stored in backend namespace keyed by their (big endian)
// journal offset; the offset of the next record is the offset of the
// previous one plus its encoded length. Every record carries the
// checkpoint it starts at, including the running checksum of the
// records before it, so a torn or stale tail is detected on replay.
package wal

import (
	"context"
	"io"

	"github.com/fingon/go-lsfs/fserrors"
	"github.com/fingon/go-lsfs/journal"
	"github.com/fingon/go-lsfs/mlog"
	"github.com/fingon/go-lsfs/objmgr"
	"github.com/fingon/go-lsfs/storage"
	"github.com/fingon/go-lsfs/transaction"
	"github.com/fingon/go-lsfs/util"
	"github.com/fingon/go-lsfs/util/cbor"
	"github.com/pkg/errors"
)

type RecordMutation struct {
	ObjectID uint64               `codec:"o"`
	Mutation transaction.Mutation `codec:"m"`
}

type Record struct {
	Checkpoint journal.Checkpoint `codec:"c"`
	Mutations  []RecordMutation   `codec:"m"`
}

type Journal struct {
	om      *objmgr.ObjectManager
	records storage.Backend
	super   storage.Backend
	device  io.ReaderAt

	// lock serializes commits, and keeps superblock consistent
	// with them.
	lock       util.MutexLocked
	checkpoint journal.Checkpoint
	superBlock SuperBlock
	commits    uint64
}

var _ transaction.Handler = &Journal{}

// New returns journal stored within backend. device is read to verify
// the checksums of data allocated by replayed records.
func New(om *objmgr.ObjectManager, backend storage.Backend, device io.ReaderAt) *Journal {
	return &Journal{om: om,
		records:    storage.Namespace(backend, recordNamespace),
		super:      storage.Namespace(backend, superBlockNamespace),
		device:     device,
		checkpoint: journal.Checkpoint{Version: journal.LatestVersion},
		superBlock: SuperBlock{Version: SuperBlockVersion},
	}
}

// Format sets up the identity of a new filesystem; it is written with
// the first WriteSuperBlock.
func (self *Journal) Format(guid string, deviceSize uint64) {
	defer self.lock.Locked()()
	self.superBlock.GUID = guid
	self.superBlock.DeviceSize = deviceSize
}

func (self *Journal) ReadSuperBlock() (SuperBlock, bool, error) {
	return readSuperBlock(self.super)
}

// SuperBlock returns the last superblock read or written.
func (self *Journal) SuperBlock() SuperBlock {
	defer self.lock.Locked()()
	return self.superBlock
}

// Checkpoint is where the next record will start.
func (self *Journal) Checkpoint() journal.Checkpoint {
	defer self.lock.Locked()()
	return self.checkpoint
}

func (self *Journal) Commit(ctx context.Context, txn *transaction.Transaction) (uint64, error) {
	defer self.lock.Locked()()
	cp := self.checkpoint
	if txn.IsEmpty() {
		return cp.FileOffset, nil
	}
	rec := Record{Checkpoint: cp, Mutations: make([]RecordMutation, 0, len(txn.Mutations)+1)}
	for _, tm := range txn.Mutations {
		m := tm.Mutation
		if em, ok := self.om.EncryptMutation(tm.ObjectID, m); ok {
			m = em
		}
		rec.Mutations = append(rec.Mutations, RecordMutation{ObjectID: tm.ObjectID, Mutation: m})
	}
	if ub, ok := self.om.ApplyTransaction(txn, cp); ok {
		rec.Mutations = append(rec.Mutations, RecordMutation{ObjectID: objmgr.InvalidObjectID, Mutation: ub})
	}
	b, err := cbor.Marshal(&rec)
	if err != nil {
		mlog.Panicf("encoding record at %v: %v", cp, err)
	}
	// The transaction is applied already; failing to persist it
	// would leave memory and the journal out of sync.
	if err = self.records.Set(util.Uint64Bytes(cp.FileOffset), b); err != nil {
		mlog.Panicf("writing record at %v: %v", cp, err)
	}
	end := cp.FileOffset + uint64(len(b))
	self.checkpoint = journal.Checkpoint{FileOffset: end,
		Checksum: journal.RunningChecksum(cp.Checksum, b),
		Version:  journal.LatestVersion}
	self.commits++
	self.om.DidCommitTransaction(txn, cp, end)
	mlog.Printf2("journal/wal/wal", "j.Commit %v: %d mutations, end %d", cp, len(rec.Mutations), end)
	return end, nil
}

func (self *Journal) DropTransaction(txn *transaction.Transaction) {
	self.om.DropTransaction(txn)
}

// Replay replays the journal from the superblock, and finishes the
// mount with ObjectManager.OnReplayComplete.
func (self *Journal) Replay(ctx context.Context) error {
	sb, found, err := self.ReadSuperBlock()
	if err != nil {
		return err
	}
	if !found {
		return errors.Wrap(fserrors.ErrNotFound, "superblock")
	}
	self.om.SetBorrowedMetadataSpace(sb.BorrowedMetadataSpace)
	self.om.SetLastEndOffset(sb.EndCheckpoint.FileOffset)

	var cl journal.ChecksumList
	expected := sb.JournalCheckpoint
	var count int
	err = self.records.Iterate(nil, func(key, value []byte) error {
		off := util.BytesUint64(key)
		if off < sb.JournalCheckpoint.FileOffset {
			return nil
		}
		if off != expected.FileOffset {
			return io.EOF
		}
		var rec Record
		if err := cbor.Unmarshal(value, &rec); err != nil {
			mlog.Printf2("journal/wal/wal", " undecodable record at %d: %v", off, err)
			return io.EOF
		}
		if rec.Checkpoint.FileOffset != expected.FileOffset || rec.Checkpoint.Checksum != expected.Checksum {
			mlog.Printf2("journal/wal/wal", " stale record at %d: %v != %v", off, rec.Checkpoint, expected)
			return io.EOF
		}
		mutations, err := self.replayable(off, &sb, &rec, &cl)
		if err != nil {
			return err
		}
		end := off + uint64(len(value))
		self.om.ReplayMutations(mutations,
			&transaction.ApplyContext{Mode: transaction.Replay, Checkpoint: rec.Checkpoint}, end)
		expected = journal.Checkpoint{FileOffset: end,
			Checksum: journal.RunningChecksum(expected.Checksum, value),
			Version:  journal.LatestVersion}
		count++
		return nil
	})
	if err != nil && err != io.EOF {
		return errors.Wrap(err, "journal replay")
	}
	if expected.FileOffset < sb.EndCheckpoint.FileOffset {
		return errors.Wrapf(fserrors.ErrInconsistent, "journal ends at %v, before superblock end %v",
			expected, sb.EndCheckpoint)
	}
	if failed, err := cl.Verify(self.device); err != nil {
		return errors.Wrapf(err, "data of record %d", failed)
	}
	if err = self.dropTail(expected.FileOffset); err != nil {
		return err
	}
	mlog.Printf2("journal/wal/wal", "j.Replay %d records, %v - %v", count, sb.JournalCheckpoint, expected)
	func() {
		defer self.lock.Locked()()
		self.checkpoint = expected
		self.superBlock = sb
	}()
	return self.om.OnReplayComplete(ctx)
}

// dropTail removes records from offset on; they were not part of the
// valid journal, and must not be mistaken for one later.
func (self *Journal) dropTail(offset uint64) error {
	var ops []storage.Op
	err := self.records.Iterate(nil, func(key, value []byte) error {
		if util.BytesUint64(key) >= offset {
			ops = append(ops, storage.DeleteOp(key))
		}
		return nil
	})
	if err != nil || len(ops) == 0 {
		return err
	}
	mlog.Printf2("journal/wal/wal", " dropping %d records from %d", len(ops), offset)
	return self.records.Batch(ops)
}

// replayable returns the mutations of the record that are still
// needed. If any of them fails validation, the whole record is
// skipped.
func (self *Journal) replayable(off uint64, sb *SuperBlock, rec *Record, cl *journal.ChecksumList) ([]transaction.TxnMutation, error) {
	mutations := make([]transaction.TxnMutation, 0, len(rec.Mutations))
	for _, rm := range rec.Mutations {
		if rm.Mutation.Kind != transaction.KindUpdateBorrowed && !sb.needs(off, rm.ObjectID) {
			continue
		}
		ok, err := self.om.ValidateMutation(off, rm.ObjectID, rm.Mutation, cl)
		if err != nil {
			return nil, errors.Wrapf(err, "record %d", off)
		}
		if !ok {
			mlog.Printf2("journal/wal/wal", " skipping record %d: invalid %d %v", off, rm.ObjectID, rm.Mutation)
			return nil, nil
		}
		mutations = append(mutations, transaction.TxnMutation{ObjectID: rm.ObjectID, Mutation: rm.Mutation})
	}
	return mutations, nil
}

// WriteSuperBlock persists the current journal state; records that
// nothing depends on anymore are deleted.
func (self *Journal) WriteSuperBlock(ctx context.Context) error {
	defer self.lock.Locked()()
	offsets, minCheckpoint, found := self.om.JournalFileOffsets()
	sb := self.superBlock
	sb.Generation++
	sb.RootParentStoreObjectID = self.om.RootParentStoreObjectID()
	sb.RootStoreObjectID = self.om.RootStoreObjectID()
	sb.AllocatorObjectID = self.om.AllocatorObjectID()
	sb.EndCheckpoint = self.checkpoint
	sb.JournalCheckpoint = self.checkpoint
	if found {
		sb.JournalCheckpoint = minCheckpoint
	}
	sb.JournalFileOffsets = offsets
	sb.BorrowedMetadataSpace = self.om.BorrowedMetadataSpace()
	b, err := cbor.Marshal(&sb)
	if err != nil {
		return err
	}
	if err = self.super.Set(superBlockKey, b); err != nil {
		return errors.Wrap(err, "write superblock")
	}
	self.superBlock = sb

	var ops []storage.Op
	err = self.records.Iterate(nil, func(key, value []byte) error {
		if util.BytesUint64(key) >= sb.JournalCheckpoint.FileOffset {
			return io.EOF
		}
		ops = append(ops, storage.DeleteOp(key))
		return nil
	})
	if err != nil && err != io.EOF {
		return err
	}
	mlog.Printf2("journal/wal/wal", "j.WriteSuperBlock #%d %v - %v, dropping %d records",
		sb.Generation, sb.JournalCheckpoint, sb.EndCheckpoint, len(ops))
	if len(ops) == 0 {
		return nil
	}
	return errors.Wrap(self.records.Batch(ops), "journal truncate")
}

type Stats struct {
	Commits           uint64
	Checkpoint        journal.Checkpoint
	JournalCheckpoint journal.Checkpoint
	Generation        uint64
}

func (self *Journal) Stats() Stats {
	defer self.lock.Locked()()
	return Stats{Commits: self.commits, Checkpoint: self.checkpoint,
		JournalCheckpoint: self.superBlock.JournalCheckpoint,
		Generation:        self.superBlock.Generation}
}

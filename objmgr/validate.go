/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Tue Mar 12 10:11:02 2019 mstenber
 * Last modified: Wed Mar 13 09:12:12 2019 mstenber
 * Edit time:     8 min
 *
 */

package objmgr

import (
	"github.com/fingon/go-lsfs/fserrors"
	"github.com/fingon/go-lsfs/journal"
	"github.com/fingon/go-lsfs/transaction"
	"github.com/pkg/errors"
)

// ValidateStoreMutation checks mutation headed to an object store.
// Malformed but decodable mutations are skipped (false); unknown
// kinds mean the journal itself is broken.
func ValidateStoreMutation(journalOffset uint64, m transaction.Mutation, cl *journal.ChecksumList) (bool, error) {
	switch m.Kind {
	case transaction.KindObjectStore:
		if m.Item == nil || len(m.Item.Key) == 0 {
			return false, nil
		}
		switch m.Op {
		case transaction.OpInsert, transaction.OpReplaceOrInsert, transaction.OpDelete:
			return true, nil
		}
		return false, nil
	case transaction.KindEncryptedObjectStore:
		return len(m.Encrypted) > 0, nil
	case transaction.KindBeginFlush, transaction.KindEndFlush, transaction.KindUpdateBorrowed:
		return true, nil
	case transaction.KindAllocate, transaction.KindDeallocate:
		return false, nil
	}
	return false, errors.Wrapf(fserrors.ErrInconsistent, "mutation kind %v at %d", m.Kind, journalOffset)
}

/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Tue Mar 12 10:02:33 2019 mstenber
 * Last modified: Tue Mar 12 10:07:50 2019 mstenber
 * Edit time:     3 min
 *
 */

package objmgr

import "github.com/fingon/go-lsfs/transaction"

// ReservationUpdate sets the flush reservation of the object the
// mutation it is attached to targets.
type ReservationUpdate uint64

var _ transaction.AssociatedObject = ReservationUpdate(0)

func NewReservationUpdate(amount uint64) ReservationUpdate {
	return ReservationUpdate(amount)
}

func (self ReservationUpdate) Amount() uint64 {
	return uint64(self)
}

func (self ReservationUpdate) WillApplyMutation(m transaction.Mutation, objectID uint64, target transaction.ReservationTarget) {
	target.UpdateReservation(objectID, uint64(self))
}

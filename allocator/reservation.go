/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Wed Mar 13 11:02:05 2019 mstenber
 * Last modified: Wed Mar 13 11:40:21 2019 mstenber
 * Edit time:     24 min
 *
 */

package allocator

import (
	"github.com/fingon/go-lsfs/mlog"
	"github.com/fingon/go-lsfs/transaction"
	"github.com/fingon/go-lsfs/util"
)

// Reservation is space reserved from SimpleAllocator.
type Reservation struct {
	owner  *SimpleAllocator
	lock   util.MutexLocked
	amount uint64
}

var _ transaction.Reservation = &Reservation{}

func (self *Reservation) Amount() uint64 {
	defer self.lock.Locked()()
	return self.amount
}

func (self *Reservation) Add(amount uint64) {
	func() {
		defer self.lock.Locked()()
		self.amount += amount
	}()
	self.owner.adjustReserved(int64(amount))
}

func (self *Reservation) take(amount uint64) {
	defer self.lock.Locked()()
	if amount > self.amount {
		mlog.Panicf("reservation underflow: %d > %d", amount, self.amount)
	}
	self.amount -= amount
}

func (self *Reservation) GiveBack(amount uint64) {
	mlog.Printf2("allocator/reservation", "r.GiveBack %d", amount)
	self.take(amount)
	self.owner.adjustReserved(-int64(amount))
}

func (self *Reservation) Commit(amount uint64) {
	mlog.Printf2("allocator/reservation", "r.Commit %d", amount)
	self.take(amount)
	self.owner.adjustReserved(-int64(amount))
}

// MoveTo moves amount to other; the owner's total is unchanged if the
// other reservation is from the same allocator.
func (self *Reservation) MoveTo(other transaction.Reservation, amount uint64) {
	mlog.Printf2("allocator/reservation", "r.MoveTo %d", amount)
	o, ok := other.(*Reservation)
	if !ok || o.owner != self.owner {
		self.GiveBack(amount)
		other.Add(amount)
		return
	}
	self.take(amount)
	defer o.lock.Locked()()
	o.amount += amount
}

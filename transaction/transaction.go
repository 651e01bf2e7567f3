/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Mon Mar 11 13:44:02 2019 mstenber
 * Last modified: Wed Mar 13 10:40:18 2019 mstenber
 * Edit time:     57 min
 *
 */

// transaction contains the data produced by the callers of the
// object manager (mutations batched in transactions), and the
// capability interfaces that the objects receiving them implement.
package transaction

import (
	"context"

	"github.com/fingon/go-lsfs/journal"
	"github.com/fingon/go-lsfs/mlog"
)

// Reservation is a counted amount of reserved space.
type Reservation interface {
	Amount() uint64

	// Add grows the reservation (and what the owner has reserved).
	Add(amount uint64)

	// GiveBack returns amount to the owner.
	GiveBack(amount uint64)

	// MoveTo transfers amount to other reservation of same owner.
	MoveTo(other Reservation, amount uint64)

	// Commit removes amount from the reservation as it has been
	// used.
	Commit(amount uint64)
}

// ReservationTarget is the part of object manager an associated
// object may touch.
type ReservationTarget interface {
	UpdateReservation(objectID, amount uint64)
}

// AssociatedObject rides along with a mutation; WillApplyMutation is
// called just before the mutation is given to its object.
type AssociatedObject interface {
	WillApplyMutation(m Mutation, objectID uint64, target ReservationTarget)
}

type TxnMutation struct {
	ObjectID   uint64
	Mutation   Mutation
	Associated AssociatedObject
}

type MetadataReservationMode byte

const (
	// Borrowed transactions borrow the metadata space they need,
	// and the borrowing is journaled (UpdateBorrowed).
	Borrowed MetadataReservationMode = iota

	// Hold transactions pay for metadata out of Hold bytes of
	// AllocatorReservation.
	Hold

	// ReservationMode transactions pay out of Reservation.
	ReservationMode
)

type MetadataReservation struct {
	Mode        MetadataReservationMode
	Hold        uint64
	Reservation Reservation
}

// Handler commits transactions or discards them.
type Handler interface {
	Commit(ctx context.Context, txn *Transaction) (endOffset uint64, err error)
	DropTransaction(txn *Transaction)
}

type Transaction struct {
	Mutations            []TxnMutation
	MetadataReservation  MetadataReservation
	AllocatorReservation Reservation

	handler Handler
}

func New(handler Handler, mr MetadataReservation) *Transaction {
	return &Transaction{handler: handler, MetadataReservation: mr}
}

func (self *Transaction) Add(objectID uint64, m Mutation) {
	self.AddWithObject(objectID, m, nil)
}

func (self *Transaction) AddWithObject(objectID uint64, m Mutation, assoc AssociatedObject) {
	mlog.Printf2("transaction/transaction", "t.Add %d %v", objectID, m)
	self.Mutations = append(self.Mutations, TxnMutation{ObjectID: objectID, Mutation: m, Associated: assoc})
}

// Take empties the mutation list and returns the old one.
func (self *Transaction) Take() []TxnMutation {
	m := self.Mutations
	self.Mutations = nil
	return m
}

func (self *Transaction) IsEmpty() bool {
	return len(self.Mutations) == 0
}

// Commit writes the transaction. After a successful commit the
// mutation list is empty.
func (self *Transaction) Commit(ctx context.Context) (uint64, error) {
	return self.handler.Commit(ctx, self)
}

// Close rolls back whatever has not been committed.
func (self *Transaction) Close() {
	if len(self.Mutations) > 0 && self.handler != nil {
		self.handler.DropTransaction(self)
	}
}

type ApplyMode byte

const (
	Live ApplyMode = iota
	Replay
)

type ApplyContext struct {
	Mode ApplyMode

	// Transaction is set only for Live mode.
	Transaction *Transaction

	Checkpoint journal.Checkpoint
}

func (self *ApplyContext) IsReplay() bool {
	return self.Mode == Replay
}

// Mutations is implemented by everything that can be the target of a
// mutation: object stores and the allocator.
type Mutations interface {
	ApplyMutation(m Mutation, actx *ApplyContext, assoc AssociatedObject)
	DropMutation(m Mutation, txn *Transaction)
	Flush(ctx context.Context) error
}

/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Mon Mar 11 10:11:05 2019 mstenber
 * Last modified: Mon Mar 11 10:32:59 2019 mstenber
 * Edit time:     14 min
 *
 */

package util

import (
	"log"
	"sync/atomic"
)

// Once is a write-once cell. Set may succeed only once; reads before
// that see nothing (Get) or panic (MustGet). After Set the value is
// read-only and reads need no further synchronization.
type Once[T any] struct {
	value atomic.Pointer[T]
}

// Set stores the value; it returns false if the cell was already set.
func (self *Once[T]) Set(v T) bool {
	return self.value.CompareAndSwap(nil, &v)
}

// MustSet is Set that panics on double initialization.
func (self *Once[T]) MustSet(v T) {
	if !self.Set(v) {
		log.Panicf("util.Once set twice")
	}
}

func (self *Once[T]) Get() (v T, ok bool) {
	p := self.value.Load()
	if p == nil {
		return
	}
	return *p, true
}

func (self *Once[T]) MustGet() T {
	p := self.value.Load()
	if p == nil {
		log.Panicf("util.Once read before set")
	}
	return *p
}

func (self *Once[T]) IsSet() bool {
	return self.value.Load() != nil
}

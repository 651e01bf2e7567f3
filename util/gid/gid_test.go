/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Thu Jan  4 13:00:27 2018 mstenber
 * Last modified: Mon Mar 11 09:41:30 2019 mstenber
 * Edit time:     2 min
 *
 */

package gid

import (
	"testing"

	"github.com/stvp/assert"
)

func TestGetGoroutineID(t *testing.T) {
	id := GetGoroutineID()
	assert.True(t, id > 0)
	ch := make(chan uint64)
	go func() {
		ch <- GetGoroutineID()
	}()
	assert.NotEqual(t, <-ch, id)
}

func BenchmarkGetGoroutineID(b *testing.B) {
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		GetGoroutineID()
	}
}

/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Mon Mar 11 10:33:12 2019 mstenber
 * Last modified: Mon Mar 11 10:40:20 2019 mstenber
 * Edit time:     5 min
 *
 */

package util

import (
	"testing"

	"github.com/stvp/assert"
)

func panics(cb func()) (didPanic bool) {
	defer func() {
		didPanic = recover() != nil
	}()
	cb()
	return
}

func TestOnce(t *testing.T) {
	t.Parallel()
	var o Once[int]
	_, ok := o.Get()
	assert.False(t, ok)
	assert.False(t, o.IsSet())
	assert.True(t, panics(func() { o.MustGet() }))

	assert.True(t, o.Set(42))
	assert.False(t, o.Set(7))
	assert.True(t, panics(func() { o.MustSet(7) }))
	v, ok := o.Get()
	assert.True(t, ok)
	assert.Equal(t, v, 42)
	assert.Equal(t, o.MustGet(), 42)
}

/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Mon Mar 11 11:38:21 2019 mstenber
 * Last modified: Mon Mar 11 11:41:10 2019 mstenber
 * Edit time:     2 min
 *
 */

package fserrors

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stvp/assert"
)

func TestIs(t *testing.T) {
	t.Parallel()
	err := errors.Wrapf(ErrNotFound, "store %d", 42)
	assert.True(t, Is(err, ErrNotFound))
	assert.False(t, Is(err, ErrInconsistent))
	assert.False(t, Is(nil, ErrNotFound))
	err = errors.Wrap(errors.WithMessage(ErrLocked, "inner"), "outer")
	assert.True(t, Is(err, ErrLocked))
}

/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Mon Mar 11 11:20:44 2019 mstenber
 * Last modified: Mon Mar 11 11:38:02 2019 mstenber
 * Edit time:     9 min
 *
 */

// fserrors contains the error kinds shared by the filesystem
// packages. Errors are wrapped with context using pkg/errors; test
// the kind with errors.Is (or Is below).
package fserrors

import "github.com/pkg/errors"

var (
	ErrNotFound        = errors.New("not found")
	ErrInconsistent    = errors.New("filesystem inconsistent")
	ErrNoSpace         = errors.New("no space")
	ErrAlreadyExists   = errors.New("already exists")
	ErrLocked          = errors.New("store locked")
	ErrInvalidArgument = errors.New("invalid argument")
)

// Is reports whether err (or anything it wraps) is of the kind.
func Is(err, kind error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, kind) {
		return true
	}
	return errors.Cause(err) == kind
}

/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2018 Markus Stenberg
 *
 * Created:       Fri Jan  5 12:12:10 2018 mstenber
 * Last modified: Tue Mar 12 15:21:12 2019 mstenber
 * Edit time:     34 min
 *
 */

package storage

import (
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/fingon/go-lsfs/mlog"
)

type delayedUInt64ValueCallback func() uint64

// delayedUInt64Value caches expensive value, and refreshes it in
// background once it is older than interval.
type delayedUInt64Value struct {
	interval   time.Duration
	value      uint64
	valueTime  time.Time
	valueMutex sync.Mutex
	going      bool
	callback   delayedUInt64ValueCallback
}

func (self *delayedUInt64Value) Value() uint64 {
	self.valueMutex.Lock()
	defer self.valueMutex.Unlock()
	if self.valueTime.IsZero() {
		// First call is synchronous
		self.value = self.callback()
		self.valueTime = time.Now()
		return self.value
	}
	fun := func() {
		// Calculate value without mutex
		value := self.callback()

		self.valueMutex.Lock()
		defer self.valueMutex.Unlock()

		self.value = value
		self.valueTime = time.Now()
		self.going = false
	}
	if self.going || self.valueTime.Add(self.interval).After(time.Now()) {
		return self.value
	}
	self.going = true
	go fun()
	return self.value

}

// DirectoryBackendBase is embedded by backends which keep their data
// in a directory; it reports the space of that directory.
type DirectoryBackendBase struct {
	dir string

	// ValueUpdateInterval describes how often cached values (e.g.
	// statfs stuff) are updated _in background_.
	ValueUpdateInterval time.Duration

	available, used delayedUInt64Value
}

var _ SpaceReporter = &DirectoryBackendBase{}

func (self *DirectoryBackendBase) Init(config BackendConfiguration) error {
	dir := config.Directory
	self.dir = dir
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}
	minimumInterval := 5 * time.Second
	if self.ValueUpdateInterval < minimumInterval {
		self.ValueUpdateInterval = minimumInterval
	}
	self.available = delayedUInt64Value{interval: self.ValueUpdateInterval,
		callback: func() uint64 { return calculateAvailable(dir) }}
	self.used = delayedUInt64Value{interval: self.ValueUpdateInterval,
		callback: func() uint64 { return calculateUsed(dir) }}
	return nil
}

func (self *DirectoryBackendBase) Directory() string {
	return self.dir
}

func calculateAvailable(dir string) uint64 {
	var st syscall.Statfs_t
	err := syscall.Statfs(dir, &st)
	if err != nil {
		return 0
	}
	r := uint64(st.Bsize) * st.Bfree
	mlog.Printf2("storage/directory", "ba.GetBytesAvailable %v (%v * %v)", r, st.Bsize, st.Bfree)
	return r
}

func calculateUsed(dir string) (sum uint64) {
	filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err == nil && !info.IsDir() {
			sum += uint64(info.Size())
		}
		return nil
	})
	return sum
}

func (self *DirectoryBackendBase) GetBytesAvailable() uint64 {
	return self.available.Value()
}

func (self *DirectoryBackendBase) GetBytesUsed() uint64 {
	return self.used.Value()
}

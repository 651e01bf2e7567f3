/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Wed Mar 13 11:45:30 2019 mstenber
 * Last modified: Wed Mar 13 12:20:40 2019 mstenber
 * Edit time:     27 min
 *
 */

package allocator

import (
	"sort"

	"github.com/fingon/go-lsfs/journal"
)

// rangeSet is sorted list of non-overlapping, non-adjacent ranges.
type rangeSet []journal.DeviceRange

func (self rangeSet) bytes() (n uint64) {
	for _, r := range self {
		n += r.Length()
	}
	return
}

func (self rangeSet) overlaps(r journal.DeviceRange) bool {
	i := sort.Search(len(self), func(i int) bool { return self[i].End > r.Start })
	return i < len(self) && self[i].Start < r.End
}

// insert adds r; it returns the set and number of newly covered bytes.
func (self rangeSet) insert(r journal.DeviceRange) (rangeSet, uint64) {
	if r.Length() == 0 {
		return self, 0
	}
	before := self.bytes()
	i := sort.Search(len(self), func(i int) bool { return self[i].End >= r.Start })
	j := i
	for j < len(self) && self[j].Start <= r.End {
		if self[j].Start < r.Start {
			r.Start = self[j].Start
		}
		if self[j].End > r.End {
			r.End = self[j].End
		}
		j++
	}
	ns := make(rangeSet, 0, len(self)-(j-i)+1)
	ns = append(ns, self[:i]...)
	ns = append(ns, r)
	ns = append(ns, self[j:]...)
	return ns, ns.bytes() - before
}

// remove subtracts r; it returns the set and number of bytes removed.
func (self rangeSet) remove(r journal.DeviceRange) (rangeSet, uint64) {
	if r.Length() == 0 {
		return self, 0
	}
	var removed uint64
	ns := make(rangeSet, 0, len(self)+1)
	for _, e := range self {
		if !e.Overlaps(r) {
			ns = append(ns, e)
			continue
		}
		if e.Start < r.Start {
			ns = append(ns, journal.DeviceRange{Start: e.Start, End: r.Start})
		}
		if e.End > r.End {
			ns = append(ns, journal.DeviceRange{Start: r.End, End: e.End})
		}
		s, t := e.Start, e.End
		if r.Start > s {
			s = r.Start
		}
		if r.End < t {
			t = r.End
		}
		removed += t - s
	}
	return ns, removed
}

// firstFit returns the first gap of length within [0, size) that
// none of the sets overlaps.
func firstFit(size, length uint64, sets ...rangeSet) (journal.DeviceRange, bool) {
	var all rangeSet
	for _, s := range sets {
		for _, r := range s {
			all, _ = all.insert(r)
		}
	}
	var start uint64
	for _, r := range all {
		if r.Start >= start+length {
			break
		}
		if r.End > start {
			start = r.End
		}
	}
	if start+length > size {
		return journal.DeviceRange{}, false
	}
	return journal.DeviceRange{Start: start, End: start + length}, true
}

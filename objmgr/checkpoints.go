/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Mon Mar 11 15:02:19 2019 mstenber
 * Last modified: Wed Mar 13 11:30:44 2019 mstenber
 * Edit time:     26 min
 *
 */

package objmgr

import (
	"fmt"

	"github.com/fingon/go-lsfs/journal"
)

type checkpointsState byte

const (
	checkpointsCurrent checkpointsState = iota + 1
	checkpointsOld
	checkpointsBoth
)

// Checkpoints tracks the journal window an object depends on.
//
// Current(cp): object depends on journal starting at cp.
// Old(cp): flush in progress; it will retire cp.
// Both(old, current): flush in progress, and new mutations since it
// began pin current.
type Checkpoints struct {
	state   checkpointsState
	old     journal.Checkpoint
	current journal.Checkpoint
}

func Current(cp journal.Checkpoint) Checkpoints {
	return Checkpoints{state: checkpointsCurrent, current: cp}
}

func Old(cp journal.Checkpoint) Checkpoints {
	return Checkpoints{state: checkpointsOld, old: cp}
}

func Both(old, current journal.Checkpoint) Checkpoints {
	return Checkpoints{state: checkpointsBoth, old: old, current: current}
}

func (self Checkpoints) IsCurrent() bool { return self.state == checkpointsCurrent }
func (self Checkpoints) IsOld() bool     { return self.state == checkpointsOld }
func (self Checkpoints) IsBoth() bool    { return self.state == checkpointsBoth }

// Earliest returns old if present, current otherwise.
func (self Checkpoints) Earliest() journal.Checkpoint {
	if self.state == checkpointsCurrent {
		return self.current
	}
	return self.old
}

// Latest returns current if present, old otherwise.
func (self Checkpoints) Latest() journal.Checkpoint {
	if self.state == checkpointsOld {
		return self.old
	}
	return self.current
}

// beginFlush: Current(x) and Both(x, _) become Old(x).
func (self Checkpoints) beginFlush() Checkpoints {
	return Old(self.Earliest())
}

// endFlush: Old is retired altogether (ok=false), Both(_, x) becomes
// Current(x), Current stays as is.
func (self Checkpoints) endFlush() (result Checkpoints, ok bool) {
	switch self.state {
	case checkpointsOld:
		return Checkpoints{}, false
	case checkpointsBoth:
		return Current(self.current), true
	}
	return self, true
}

// dependOn records new dependency at cp. Only Old changes (to
// Both); the first checkpoint of a window is never replaced.
func (self Checkpoints) dependOn(cp journal.Checkpoint) Checkpoints {
	if self.state == checkpointsOld {
		return Both(self.old, cp)
	}
	return self
}

func (self Checkpoints) String() string {
	switch self.state {
	case checkpointsCurrent:
		return fmt.Sprintf("Current(%v)", self.current)
	case checkpointsOld:
		return fmt.Sprintf("Old(%v)", self.old)
	case checkpointsBoth:
		return fmt.Sprintf("Both(%v, %v)", self.old, self.current)
	}
	return "Checkpoints(invalid)"
}

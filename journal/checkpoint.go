/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Mon Mar 11 11:45:12 2019 mstenber
 * Last modified: Tue Mar 12 09:10:31 2019 mstenber
 * Edit time:     22 min
 *
 */

// journal contains the types shared between the journal writer
// (journal/wal) and its consumers: checkpoints, device ranges and the
// deferred checksum list used during replay.
package journal

import (
	"encoding/binary"
	"fmt"

	"github.com/zeebo/blake3"
)

const LatestVersion uint32 = 1

// ReservedSpace is the metadata space always kept reserved for the
// journal itself, on top of whatever the objects need.
const ReservedSpace uint64 = 1 << 20

// BlockSize is the device granularity.
const BlockSize uint64 = 4096

// Checkpoint identifies a position in the journal. Checksum is the
// running checksum of the record that ends at FileOffset.
type Checkpoint struct {
	FileOffset uint64 `codec:"o"`
	Checksum   uint64 `codec:"c"`
	Version    uint32 `codec:"v"`
}

func (self Checkpoint) String() string {
	return fmt.Sprintf("@%d/%x", self.FileOffset, self.Checksum)
}

// DeviceRange is a half-open [Start, End) byte range on the device.
type DeviceRange struct {
	Start uint64 `codec:"s"`
	End   uint64 `codec:"e"`
}

func (self DeviceRange) Length() uint64 {
	if self.End < self.Start {
		return 0
	}
	return self.End - self.Start
}

func (self DeviceRange) Overlaps(o DeviceRange) bool {
	return self.Start < o.End && o.Start < self.End
}

func (self DeviceRange) Valid() bool {
	return self.Start < self.End && self.Start%BlockSize == 0 && self.End%BlockSize == 0
}

func (self DeviceRange) String() string {
	return fmt.Sprintf("[%d-%d)", self.Start, self.End)
}

// Checksum is the 64-bit checksum of a single block; blake3 truncated.
func Checksum(data []byte) uint64 {
	sum := blake3.Sum256(data)
	return binary.LittleEndian.Uint64(sum[:8])
}

// RunningChecksum chains the checksum of a record onto the previous
// one.
func RunningChecksum(previous uint64, data []byte) uint64 {
	h := blake3.New()
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], previous)
	h.Write(b[:])
	h.Write(data)
	return binary.LittleEndian.Uint64(h.Sum(nil)[:8])
}

// Package binfmt implements the versioned binary container used for
// per-thread event logs, frequency logs, and aggregated report files.
//
// Layout: [magic:8][version:u32][checksum:u64][metadata][payload].
// All integers are little-endian. The checksum is an xxhash64 of the
// payload bytes exactly as they appear on disk (after compression, when
// enabled), so a reader can judge payload integrity before decoding it.
package binfmt

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

// Magic identifies a memscope binary file.
var Magic = [8]byte{'M', 'E', 'M', 'S', 'C', 'O', 'P', 'E'}

// CurrentVersion is the format version this package writes and the only
// one it decodes.
const CurrentVersion uint32 = 2

// File kinds stored in the metadata block.
const (
	KindEvents    uint8 = 1 // per-thread event log
	KindFrequency uint8 = 2 // per-thread frequency/hotspot log
	KindReport    uint8 = 3 // aggregated analysis report
)

// Section ids for optional advanced-metrics sections in report files.
const (
	SectionAnalysis      uint16 = 1
	SectionSourceDetail  uint16 = 2
	SectionContainer     uint16 = 3
	SectionFragmentation uint16 = 4
	SectionThreadContext uint16 = 5
	SectionDropChain     uint16 = 6
	SectionHealthScore   uint16 = 7
	SectionResources     uint16 = 8
	SectionInternerStats uint16 = 9
)

const (
	headerSize   = 8 + 4 + 8 // magic + version + checksum
	metadataSize = 1 + 16 + 8 + 8 + 4 + 1 + 4 + 1

	checksumOffset    = 8 + 4
	recordCountOffset = headerSize + 1 + 16 + 8 + 8

	// PayloadOffset is where the payload stream begins in every file.
	PayloadOffset = headerSize + metadataSize
)

// CountUnknown marks a streaming file whose final record count was not
// known when the metadata block was written.
const CountUnknown uint32 = 0xFFFFFFFF

// Metadata is the fixed-size block following the header.
type Metadata struct {
	Kind         uint8
	RunID        uuid.UUID
	CreatedAtNs  uint64
	ThreadID     uint64
	RecordCount  uint32
	MetricsLevel MetricsLevel
	SectionBits  uint32
	Compression  uint8 // 0 = none, 1 = gzip
}

func (m Metadata) encode() [metadataSize]byte {
	var b [metadataSize]byte
	b[0] = m.Kind
	copy(b[1:17], m.RunID[:])
	binary.LittleEndian.PutUint64(b[17:25], m.CreatedAtNs)
	binary.LittleEndian.PutUint64(b[25:33], m.ThreadID)
	binary.LittleEndian.PutUint32(b[33:37], m.RecordCount)
	b[37] = uint8(m.MetricsLevel)
	binary.LittleEndian.PutUint32(b[38:42], m.SectionBits)
	b[42] = m.Compression
	return b
}

func decodeMetadata(b []byte) (Metadata, error) {
	if len(b) < metadataSize {
		return Metadata{}, fmt.Errorf("metadata block truncated: %d of %d bytes", len(b), metadataSize)
	}
	var m Metadata
	m.Kind = b[0]
	copy(m.RunID[:], b[1:17])
	m.CreatedAtNs = binary.LittleEndian.Uint64(b[17:25])
	m.ThreadID = binary.LittleEndian.Uint64(b[25:33])
	m.RecordCount = binary.LittleEndian.Uint32(b[33:37])
	m.MetricsLevel = MetricsLevel(b[37])
	m.SectionBits = binary.LittleEndian.Uint32(b[38:42])
	m.Compression = b[42]
	return m, nil
}

// UnsupportedVersionError reports a file whose format version this
// package cannot decode. It is a structured outcome, not a panic: the
// aggregator skips such files, a report reader fails hard on them.
type UnsupportedVersionError struct {
	Found     uint32
	Supported uint32
}

func (e *UnsupportedVersionError) Error() string {
	return fmt.Sprintf("unsupported format version %d (supported: %d)", e.Found, e.Supported)
}

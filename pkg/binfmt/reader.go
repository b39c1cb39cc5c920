package binfmt

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/gzip"
)

// ValidationReport describes what a reader found before any record was
// trusted. It is produced independently from best-effort parsing, so a
// partially corrupt file can still yield partial data alongside an
// honest report.
type ValidationReport struct {
	FormatValid      bool     `json:"format_valid"`
	Version          uint32   `json:"version"`
	VersionSupported bool     `json:"version_supported"`
	ChecksumPresent  bool     `json:"checksum_present"`
	ChecksumOK       bool     `json:"checksum_ok"`
	StructureValid   bool     `json:"structure_valid"`
	Warnings         []string `json:"warnings,omitempty"`
}

// Trusted reports whether the record stream may be merged into an
// aggregate without reservation.
func (r ValidationReport) Trusted() bool {
	return r.FormatValid && r.VersionSupported && r.StructureValid &&
		(!r.ChecksumPresent || r.ChecksumOK)
}

// Reader decodes one memscope binary file. The whole file is read up
// front; per-thread logs are bounded by the sampling record cap.
type Reader struct {
	meta    Metadata
	version uint32
	stored  uint64 // checksum from the header
	payload []byte // decompressed payload
	raw     []byte // payload bytes as on disk
	badMeta bool
}

// OpenFile reads and structurally parses path. A file too short to hold
// a header is a hard error; everything beyond that is reported through
// Validate and best-effort accessors.
func OpenFile(path string) (*Reader, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %q: %w", path, err)
	}
	return NewReader(data)
}

// NewReader parses an in-memory file image.
func NewReader(data []byte) (*Reader, error) {
	if len(data) < headerSize {
		return nil, fmt.Errorf("file too short for header: %d bytes", len(data))
	}
	r := &Reader{
		version: binary.LittleEndian.Uint32(data[8:12]),
		stored:  binary.LittleEndian.Uint64(data[12:20]),
	}
	meta, err := decodeMetadata(data[headerSize:])
	if err != nil {
		r.badMeta = true
	} else {
		r.meta = meta
	}
	if !r.badMeta {
		r.raw = data[PayloadOffset:]
	}

	if !bytes.Equal(data[:8], Magic[:]) {
		r.badMeta = true
		return r, nil
	}

	if r.raw != nil && r.meta.Compression == 1 {
		gz, err := gzip.NewReader(bytes.NewReader(r.raw))
		if err == nil {
			r.payload, err = io.ReadAll(gz)
		}
		if err != nil {
			// Leave payload nil; Validate reports the structural issue.
			r.payload = nil
		}
	} else {
		r.payload = r.raw
	}
	return r, nil
}

// Metadata returns the decoded metadata block.
func (r *Reader) Metadata() Metadata { return r.meta }

// Version returns the format version found in the header.
func (r *Reader) Version() uint32 { return r.version }

// Validate checks header, version, checksum, and payload structure.
func (r *Reader) Validate() ValidationReport {
	rep := ValidationReport{Version: r.version}

	if r.badMeta {
		rep.Warnings = append(rep.Warnings, "bad magic or truncated metadata block")
		return rep
	}
	rep.FormatValid = true
	rep.VersionSupported = r.version == CurrentVersion
	if !rep.VersionSupported {
		rep.Warnings = append(rep.Warnings,
			(&UnsupportedVersionError{Found: r.version, Supported: CurrentVersion}).Error())
		return rep
	}

	rep.ChecksumPresent = r.stored != 0
	if rep.ChecksumPresent {
		rep.ChecksumOK = xxhash.Sum64(r.raw) == r.stored
		if !rep.ChecksumOK {
			rep.Warnings = append(rep.Warnings, "payload checksum mismatch")
		}
	} else {
		rep.Warnings = append(rep.Warnings, "checksum absent (non-seekable writer), integrity unverified")
	}

	rep.StructureValid = r.structureValid(&rep)
	return rep
}

func (r *Reader) structureValid(rep *ValidationReport) bool {
	if r.payload == nil {
		rep.Warnings = append(rep.Warnings, "compressed payload unreadable")
		return false
	}
	switch r.meta.Kind {
	case KindEvents:
		if len(r.payload)%EventSize != 0 {
			rep.Warnings = append(rep.Warnings,
				fmt.Sprintf("event stream length %d not a multiple of record size %d", len(r.payload), EventSize))
			return false
		}
	case KindFrequency:
		if len(r.payload)%FreqRecordSize != 0 {
			rep.Warnings = append(rep.Warnings,
				fmt.Sprintf("frequency stream length %d not a multiple of record size %d", len(r.payload), FreqRecordSize))
			return false
		}
	case KindReport:
		// Walk section frames.
		for off := 0; off < len(r.payload); {
			if off+6 > len(r.payload) {
				rep.Warnings = append(rep.Warnings, "truncated section frame")
				return false
			}
			n := int(binary.LittleEndian.Uint32(r.payload[off+2 : off+6]))
			if off+6+n > len(r.payload) {
				rep.Warnings = append(rep.Warnings, "section payload exceeds file")
				return false
			}
			off += 6 + n
		}
	default:
		rep.Warnings = append(rep.Warnings, fmt.Sprintf("unknown file kind %d", r.meta.Kind))
		return false
	}
	if c := r.meta.RecordCount; c != CountUnknown {
		if got := r.recordCount(); got != int(c) {
			rep.Warnings = append(rep.Warnings,
				fmt.Sprintf("metadata promises %d records, payload holds %d", c, got))
			return false
		}
	}
	return true
}

func (r *Reader) recordCount() int {
	switch r.meta.Kind {
	case KindEvents:
		return len(r.payload) / EventSize
	case KindFrequency:
		return len(r.payload) / FreqRecordSize
	case KindReport:
		n := 0
		for off := 0; off+6 <= len(r.payload); {
			n++
			off += 6 + int(binary.LittleEndian.Uint32(r.payload[off+2:off+6]))
		}
		return n
	}
	return 0
}

// Events decodes the event stream. An unsupported version or wrong file
// kind is a typed hard error; a structurally damaged tail yields the
// decodable prefix plus one annotation per problem.
func (r *Reader) Events() ([]Event, []string, error) {
	if r.badMeta {
		return nil, nil, fmt.Errorf("not a memscope file")
	}
	if r.version != CurrentVersion {
		return nil, nil, &UnsupportedVersionError{Found: r.version, Supported: CurrentVersion}
	}
	if r.meta.Kind != KindEvents {
		return nil, nil, fmt.Errorf("file kind %d is not an event log", r.meta.Kind)
	}
	if r.payload == nil {
		return nil, nil, fmt.Errorf("compressed payload unreadable")
	}

	var annotations []string
	events := make([]Event, 0, len(r.payload)/EventSize)
	for off := 0; off < len(r.payload); off += EventSize {
		end := off + EventSize
		if end > len(r.payload) {
			annotations = append(annotations,
				fmt.Sprintf("trailing %d bytes do not form a record", len(r.payload)-off))
			break
		}
		ev, err := decodeEvent(r.payload[off:end])
		if err != nil {
			annotations = append(annotations, fmt.Sprintf("record at offset %d: %v", off, err))
			continue
		}
		events = append(events, ev)
	}
	return events, annotations, nil
}

// Freqs decodes the frequency stream, with the same error contract as
// Events.
func (r *Reader) Freqs() ([]FreqRecord, []string, error) {
	if r.badMeta {
		return nil, nil, fmt.Errorf("not a memscope file")
	}
	if r.version != CurrentVersion {
		return nil, nil, &UnsupportedVersionError{Found: r.version, Supported: CurrentVersion}
	}
	if r.meta.Kind != KindFrequency {
		return nil, nil, fmt.Errorf("file kind %d is not a frequency log", r.meta.Kind)
	}
	if r.payload == nil {
		return nil, nil, fmt.Errorf("compressed payload unreadable")
	}

	var annotations []string
	recs := make([]FreqRecord, 0, len(r.payload)/FreqRecordSize)
	for off := 0; off < len(r.payload); off += FreqRecordSize {
		end := off + FreqRecordSize
		if end > len(r.payload) {
			annotations = append(annotations,
				fmt.Sprintf("trailing %d bytes do not form a record", len(r.payload)-off))
			break
		}
		fr, err := decodeFreq(r.payload[off:end])
		if err != nil {
			annotations = append(annotations, fmt.Sprintf("record at offset %d: %v", off, err))
			continue
		}
		recs = append(recs, fr)
	}
	return recs, annotations, nil
}

// Sections returns every optional section of a report file, in file
// order.
func (r *Reader) Sections() (map[uint16][]byte, error) {
	if r.badMeta {
		return nil, fmt.Errorf("not a memscope file")
	}
	if r.version != CurrentVersion {
		return nil, &UnsupportedVersionError{Found: r.version, Supported: CurrentVersion}
	}
	if r.meta.Kind != KindReport {
		return nil, fmt.Errorf("file kind %d is not a report", r.meta.Kind)
	}
	if r.payload == nil {
		return nil, fmt.Errorf("compressed payload unreadable")
	}

	sections := make(map[uint16][]byte)
	for off := 0; off+6 <= len(r.payload); {
		id := binary.LittleEndian.Uint16(r.payload[off : off+2])
		n := int(binary.LittleEndian.Uint32(r.payload[off+2 : off+6]))
		if off+6+n > len(r.payload) {
			return sections, fmt.Errorf("section %d payload exceeds file", id)
		}
		sections[id] = r.payload[off+6 : off+6+n]
		off += 6 + n
	}
	return sections, nil
}

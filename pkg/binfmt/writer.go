package binfmt

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
)

// Writer emits a memscope binary file incrementally. It is append-only
// and streaming-friendly: records may be written without knowing the
// final count, which is patched into the metadata block on Close when
// the destination supports random access.
type Writer struct {
	patcher io.WriterAt
	buf     *bufio.Writer
	gz      *gzip.Writer
	payload io.Writer
	digest  *xxhash.Digest

	meta   Metadata
	count  uint32
	closed bool

	// Warnings collected while normalizing the export config.
	Warnings []string

	scratch [EventSize]byte
}

// NewMetadata returns metadata for a new file of the given kind with a
// fresh run id.
func NewMetadata(kind uint8, threadID uint64) Metadata {
	return Metadata{
		Kind:        kind,
		RunID:       uuid.New(),
		CreatedAtNs: uint64(time.Now().UnixNano()),
		ThreadID:    threadID,
	}
}

// NewWriter writes the header and metadata block to w and returns a
// Writer for the payload stream. An inconsistent export config is
// auto-corrected; the corrections surface in the Writer's Warnings. If
// w also implements io.WriterAt, the checksum and record count are
// patched on Close; otherwise the checksum field stays zero, which
// readers report as "checksum absent".
func NewWriter(w io.Writer, meta Metadata, cfg ExportConfig) (*Writer, error) {
	warnings := cfg.ValidateAndFix()

	meta.RecordCount = CountUnknown
	meta.MetricsLevel = cfg.MetricsLevel
	meta.SectionBits = cfg.SectionBits()
	if cfg.CompressionLevel > 0 {
		meta.Compression = 1
	}

	bw := bufio.NewWriterSize(w, cfg.BufferSize)

	var header [headerSize]byte
	copy(header[:8], Magic[:])
	binary.LittleEndian.PutUint32(header[8:12], CurrentVersion)
	// Checksum bytes stay zero until Close.
	if _, err := bw.Write(header[:]); err != nil {
		return nil, fmt.Errorf("cannot write header: %w", err)
	}
	mb := meta.encode()
	if _, err := bw.Write(mb[:]); err != nil {
		return nil, fmt.Errorf("cannot write metadata: %w", err)
	}

	wr := &Writer{
		buf:      bw,
		digest:   xxhash.New(),
		meta:     meta,
		Warnings: warnings,
	}
	if pa, ok := w.(io.WriterAt); ok {
		wr.patcher = pa
	}

	// Payload bytes are hashed at the same level they reach the file, so
	// the digest sees compressed bytes when compression is on.
	bottom := io.MultiWriter(wr.digest, bw)
	if cfg.CompressionLevel > 0 {
		gz, err := gzip.NewWriterLevel(bottom, cfg.CompressionLevel)
		if err != nil {
			return nil, fmt.Errorf("cannot init compressor: %w", err)
		}
		wr.gz = gz
		wr.payload = gz
	} else {
		wr.payload = bottom
	}
	return wr, nil
}

// Create opens path and writes the file preamble.
func Create(path string, meta Metadata, cfg ExportConfig) (*Writer, *os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("cannot create %q: %w", path, err)
	}
	w, err := NewWriter(f, meta, cfg)
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	return w, f, nil
}

// Metadata returns the metadata block as written.
func (w *Writer) Metadata() Metadata { return w.meta }

// RecordCount returns the number of records written so far.
func (w *Writer) RecordCount() uint32 { return w.count }

// WriteEvent appends one event record. The file must be of KindEvents.
func (w *Writer) WriteEvent(ev Event) error {
	if w.closed {
		return fmt.Errorf("writer is closed")
	}
	if w.meta.Kind != KindEvents {
		return fmt.Errorf("event records not allowed in file kind %d", w.meta.Kind)
	}
	encodeEvent(w.scratch[:EventSize], ev)
	if _, err := w.payload.Write(w.scratch[:EventSize]); err != nil {
		return fmt.Errorf("cannot write event record: %w", err)
	}
	w.count++
	return nil
}

// WriteFreq appends one frequency record. The file must be of
// KindFrequency.
func (w *Writer) WriteFreq(fr FreqRecord) error {
	if w.closed {
		return fmt.Errorf("writer is closed")
	}
	if w.meta.Kind != KindFrequency {
		return fmt.Errorf("frequency records not allowed in file kind %d", w.meta.Kind)
	}
	encodeFreq(w.scratch[:FreqRecordSize], fr)
	if _, err := w.payload.Write(w.scratch[:FreqRecordSize]); err != nil {
		return fmt.Errorf("cannot write frequency record: %w", err)
	}
	w.count++
	return nil
}

// WriteSection appends one optional section, framed as
// [id:u16][length:u32][payload]. The file must be of KindReport.
func (w *Writer) WriteSection(id uint16, payload []byte) error {
	if w.closed {
		return fmt.Errorf("writer is closed")
	}
	if w.meta.Kind != KindReport {
		return fmt.Errorf("sections not allowed in file kind %d", w.meta.Kind)
	}
	var frame [6]byte
	binary.LittleEndian.PutUint16(frame[0:2], id)
	binary.LittleEndian.PutUint32(frame[2:6], uint32(len(payload)))
	if _, err := w.payload.Write(frame[:]); err != nil {
		return fmt.Errorf("cannot write section frame: %w", err)
	}
	if _, err := w.payload.Write(payload); err != nil {
		return fmt.Errorf("cannot write section %d: %w", id, err)
	}
	w.count++
	return nil
}

// Flush pushes buffered payload bytes to the destination without
// finishing the stream. Used by recorders that must bound the data at
// risk between explicit flush points.
func (w *Writer) Flush() error {
	if w.closed {
		return fmt.Errorf("writer is closed")
	}
	if w.gz != nil {
		if err := w.gz.Flush(); err != nil {
			return fmt.Errorf("cannot flush compressor: %w", err)
		}
	}
	if err := w.buf.Flush(); err != nil {
		return fmt.Errorf("cannot flush: %w", err)
	}
	return nil
}

// Close flushes the payload stream and, when the destination supports
// it, patches the checksum and final record count into the preamble.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true

	if w.gz != nil {
		if err := w.gz.Close(); err != nil {
			return fmt.Errorf("cannot finish compression: %w", err)
		}
	}
	if err := w.buf.Flush(); err != nil {
		return fmt.Errorf("cannot flush: %w", err)
	}

	if w.patcher == nil {
		return nil
	}
	var sum [8]byte
	binary.LittleEndian.PutUint64(sum[:], w.digest.Sum64())
	if _, err := w.patcher.WriteAt(sum[:], checksumOffset); err != nil {
		return fmt.Errorf("cannot patch checksum: %w", err)
	}
	var cnt [4]byte
	binary.LittleEndian.PutUint32(cnt[:], w.count)
	if _, err := w.patcher.WriteAt(cnt[:], recordCountOffset); err != nil {
		return fmt.Errorf("cannot patch record count: %w", err)
	}
	return nil
}

// Checksum returns the payload digest accumulated so far.
func (w *Writer) Checksum() uint64 { return w.digest.Sum64() }

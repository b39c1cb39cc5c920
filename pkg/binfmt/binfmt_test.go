package binfmt

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Timwood0x10/memscope-go/pkg/callstack"
)

func sampleEvents(threadID uint64, n int) []Event {
	events := make([]Event, 0, n)
	for i := 0; i < n; i++ {
		kind := EventAllocation
		if i%3 == 2 {
			kind = EventDeallocation
		}
		events = append(events, Event{
			Kind:      kind,
			Timestamp: uint64(1000 + i),
			Ptr:       uint64(0x10000 + i*16),
			Size:      uint64(64 * (i%8 + 1)),
			ThreadID:  threadID,
			Stack:     callstack.Ref{ID: uint32(i%5 + 1), Hash: uint64(i%5) * 0xabcdef, Depth: 4},
		})
	}
	return events
}

func writeEventFile(t *testing.T, path string, events []Event, cfg ExportConfig) {
	t.Helper()
	w, f, err := Create(path, NewMetadata(KindEvents, 7), cfg)
	require.NoError(t, err)
	for _, ev := range events {
		require.NoError(t, w.WriteEvent(ev))
	}
	require.NoError(t, w.Close())
	require.NoError(t, f.Close())
}

func TestEventRoundTrip(t *testing.T) {
	for _, cfg := range []ExportConfig{PerformanceFirst(), DebugComprehensive()} {
		path := filepath.Join(t.TempDir(), "thread-7.bin")
		events := sampleEvents(7, 100)
		writeEventFile(t, path, events, cfg)

		r, err := OpenFile(path)
		require.NoError(t, err)

		rep := r.Validate()
		assert.True(t, rep.FormatValid)
		assert.True(t, rep.VersionSupported)
		assert.True(t, rep.ChecksumPresent)
		assert.True(t, rep.ChecksumOK)
		assert.True(t, rep.StructureValid)
		assert.True(t, rep.Trusted())

		got, annotations, err := r.Events()
		require.NoError(t, err)
		assert.Empty(t, annotations)
		assert.Equal(t, events, got)
		assert.Equal(t, uint32(len(events)), r.Metadata().RecordCount)
	}
}

func TestFreqRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "thread-7.freq")
	w, f, err := Create(path, NewMetadata(KindFrequency, 7), Minimal())
	require.NoError(t, err)

	recs := []FreqRecord{
		{CallStackHash: 0x1111, Frequency: 400, TotalSize: 25600, ThreadID: 7},
		{CallStackHash: 0x2222, Frequency: 13, TotalSize: 832, ThreadID: 7},
	}
	for _, fr := range recs {
		require.NoError(t, w.WriteFreq(fr))
	}
	require.NoError(t, w.Close())
	require.NoError(t, f.Close())

	r, err := OpenFile(path)
	require.NoError(t, err)
	require.True(t, r.Validate().Trusted())

	got, annotations, err := r.Freqs()
	require.NoError(t, err)
	assert.Empty(t, annotations)
	assert.Equal(t, recs, got)
}

func TestUnsupportedVersionIsStructuredOutcome(t *testing.T) {
	path := filepath.Join(t.TempDir(), "thread-1.bin")
	writeEventFile(t, path, sampleEvents(1, 10), Minimal())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	binary.LittleEndian.PutUint32(data[8:12], 999)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	r, err := OpenFile(path)
	require.NoError(t, err)

	rep := r.Validate()
	assert.True(t, rep.FormatValid)
	assert.False(t, rep.VersionSupported)
	assert.False(t, rep.Trusted())
	assert.Equal(t, uint32(999), rep.Version)

	_, _, err = r.Events()
	var uv *UnsupportedVersionError
	require.ErrorAs(t, err, &uv)
	assert.Equal(t, uint32(999), uv.Found)
	assert.Equal(t, CurrentVersion, uv.Supported)
}

func TestBadMagicRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "junk.bin")
	writeEventFile(t, path, sampleEvents(1, 4), Minimal())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	copy(data[:8], "NOTMAGIC")
	require.NoError(t, os.WriteFile(path, data, 0o644))

	r, err := OpenFile(path)
	require.NoError(t, err)
	rep := r.Validate()
	assert.False(t, rep.FormatValid)
	assert.False(t, rep.Trusted())

	_, _, err = r.Events()
	assert.Error(t, err)
}

func TestCorruptTailYieldsPartialData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "thread-2.bin")
	events := sampleEvents(2, 20)
	writeEventFile(t, path, events, Minimal())

	// Chop the file mid-record and clear the checksum so only the
	// structural damage is under test.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data = data[:len(data)-EventSize/2]
	for i := checksumOffset; i < checksumOffset+8; i++ {
		data[i] = 0
	}
	binary.LittleEndian.PutUint32(data[recordCountOffset:], CountUnknown)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	r, err := OpenFile(path)
	require.NoError(t, err)

	rep := r.Validate()
	assert.False(t, rep.StructureValid)
	assert.False(t, rep.Trusted())

	got, annotations, err := r.Events()
	require.NoError(t, err)
	assert.Len(t, got, len(events)-1)
	assert.NotEmpty(t, annotations)
	assert.Equal(t, events[:len(events)-1], got)
}

func TestChecksumMismatchDetected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "thread-3.bin")
	writeEventFile(t, path, sampleEvents(3, 10), Minimal())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[len(data)-1] ^= 0xFF
	require.NoError(t, os.WriteFile(path, data, 0o644))

	r, err := OpenFile(path)
	require.NoError(t, err)
	rep := r.Validate()
	assert.True(t, rep.ChecksumPresent)
	assert.False(t, rep.ChecksumOK)
	assert.False(t, rep.Trusted())
}

func TestReportSections(t *testing.T) {
	path := filepath.Join(t.TempDir(), "report.msr")
	cfg := DebugComprehensive()
	w, f, err := Create(path, NewMetadata(KindReport, 0), cfg)
	require.NoError(t, err)

	require.NoError(t, w.WriteSection(SectionAnalysis, []byte(`{"summary":{}}`)))
	require.NoError(t, w.WriteSection(SectionHealthScore, []byte(`{"score":0.9}`)))
	require.NoError(t, w.Close())
	require.NoError(t, f.Close())

	r, err := OpenFile(path)
	require.NoError(t, err)
	require.True(t, r.Validate().Trusted())

	sections, err := r.Sections()
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"summary":{}}`), sections[SectionAnalysis])
	assert.Equal(t, []byte(`{"score":0.9}`), sections[SectionHealthScore])
}

func TestKindMismatchRejectedAtWriteTime(t *testing.T) {
	path := filepath.Join(t.TempDir(), "thread-9.bin")
	w, f, err := Create(path, NewMetadata(KindEvents, 9), Minimal())
	require.NoError(t, err)
	defer f.Close()
	defer w.Close()

	assert.Error(t, w.WriteFreq(FreqRecord{}))
	assert.Error(t, w.WriteSection(SectionAnalysis, nil))
}

func TestExportConfigAutoCorrection(t *testing.T) {
	cfg := ExportConfig{
		BufferSize:       16,
		CompressionLevel: 42,
		MetricsLevel:     LevelNone,
		SourceAnalysis:   true,
		HealthScoring:    true,
	}
	warnings := cfg.ValidateAndFix()

	assert.NotEmpty(t, warnings)
	assert.Equal(t, 1024, cfg.BufferSize)
	assert.Equal(t, 9, cfg.CompressionLevel)
	assert.False(t, cfg.SourceAnalysis)
	assert.False(t, cfg.HealthScoring)

	// A normalized config produces no further warnings.
	assert.Empty(t, cfg.ValidateAndFix())
}

func TestEssentialLevelDisablesExpensiveAnalyzers(t *testing.T) {
	cfg := PerformanceFirst()
	cfg.SourceAnalysis = true
	cfg.FragmentationAnalysis = true

	warnings := cfg.ValidateAndFix()
	assert.Len(t, warnings, 2)
	assert.False(t, cfg.SourceAnalysis)
	assert.False(t, cfg.FragmentationAnalysis)
	assert.True(t, cfg.ContainerAnalysis)
}

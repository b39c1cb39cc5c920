package export

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/pprof/profile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Timwood0x10/memscope-go/pkg/aggregate"
	"github.com/Timwood0x10/memscope-go/pkg/binfmt"
	"github.com/Timwood0x10/memscope-go/pkg/callstack"
	"github.com/Timwood0x10/memscope-go/pkg/resources"
)

type sampleRecord struct {
	Ptr  uint64 `json:"ptr"`
	Size uint64 `json:"size"`
}

func makeRecords(n int) []sampleRecord {
	out := make([]sampleRecord, n)
	for i := range out {
		out[i] = sampleRecord{Ptr: uint64(0x1000 + i), Size: uint64(i % 97)}
	}
	return out
}

func TestShardedEncodeMatchesSequential(t *testing.T) {
	const shardSize = 10
	for _, shards := range []int{1, 2, 50} {
		for _, workers := range []int{1, 2, 8} {
			t.Run(fmt.Sprintf("shards=%d/workers=%d", shards, workers), func(t *testing.T) {
				records := makeRecords(shards * shardSize)
				want, err := json.Marshal(records)
				require.NoError(t, err)

				enc := NewShardedEncoder[sampleRecord](ShardConfig{
					ShardSize:         shardSize,
					ParallelThreshold: 2, // shards=1 exercises the sequential path
					MaxWorkers:        workers,
				})
				var buf bytes.Buffer
				require.NoError(t, enc.Encode(context.Background(), records, &buf))
				assert.Equal(t, string(want), buf.String())
			})
		}
	}
}

func TestShardedEncodePartialLastShard(t *testing.T) {
	records := makeRecords(25) // 3 shards of 10, last holds 5
	want, err := json.Marshal(records)
	require.NoError(t, err)

	enc := NewShardedEncoder[sampleRecord](ShardConfig{ShardSize: 10, ParallelThreshold: 1, MaxWorkers: 4})
	var buf bytes.Buffer
	require.NoError(t, enc.Encode(context.Background(), records, &buf))
	assert.Equal(t, string(want), buf.String())
}

func TestShardedEncodeEmpty(t *testing.T) {
	enc := NewShardedEncoder[sampleRecord](DefaultShardConfig())
	var buf bytes.Buffer
	require.NoError(t, enc.Encode(context.Background(), nil, &buf))
	assert.Equal(t, "[]", buf.String())
}

func TestShardedEncodeCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	enc := NewShardedEncoder[sampleRecord](ShardConfig{ShardSize: 10, ParallelThreshold: 100})
	var buf bytes.Buffer
	err := enc.Encode(ctx, makeRecords(100), &buf)
	assert.ErrorIs(t, err, context.Canceled)
}

func sampleAnalysis() *aggregate.Analysis {
	a := aggregate.NewAnalysis()
	a.ThreadStats[1] = aggregate.ThreadStats{
		ThreadID: 1, TotalAllocations: 1000, TotalDeallocations: 900,
		PeakMemory: 1 << 20, TotalAllocated: 5 << 20, AvgAllocationSize: 5242.88,
	}
	a.ThreadStats[2] = aggregate.ThreadStats{
		ThreadID: 2, TotalAllocations: 10, TotalDeallocations: 10,
		PeakMemory: 4096, TotalAllocated: 8192, AvgAllocationSize: 819.2,
	}
	a.Summary = aggregate.Summary{
		TotalThreads: 2, TotalAllocations: 1010, TotalDeallocations: 910,
		PeakMemoryUsage: 1<<20 + 4096, TotalMemoryAllocated: 5<<20 + 8192,
		UniqueCallStacks: 2,
	}
	a.HottestCallStacks = []aggregate.HotCallStack{
		{CallStackHash: 0xdeadbeef, TotalFrequency: 800, TotalSize: 4 << 20},
		{CallStackHash: 0xcafe, TotalFrequency: 210, TotalSize: 1<<20 + 8192},
	}
	return a
}

func TestBinaryReportRoundTrip(t *testing.T) {
	for _, cfg := range []binfmt.ExportConfig{binfmt.PerformanceFirst(), binfmt.DebugComprehensive()} {
		t.Run(cfg.MetricsLevel.String(), func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "report.bin")
			analysis := sampleAnalysis()
			snap := resources.Capture()

			require.NoError(t, WriteBinaryReport(path, analysis, &snap, cfg))

			got, sections, err := ReadBinaryReport(path)
			require.NoError(t, err)
			assert.Equal(t, analysis, got)

			// Both levels carry thread context; only comprehensive
			// carries the expensive analyzers.
			assert.Contains(t, sections, binfmt.SectionThreadContext)
			assert.Contains(t, sections, binfmt.SectionResources)
			expensive := cfg.MetricsLevel == binfmt.LevelComprehensive
			assert.Equal(t, expensive, sectionPresent(sections, binfmt.SectionFragmentation))
			assert.Equal(t, expensive, sectionPresent(sections, binfmt.SectionDropChain))
			assert.Equal(t, expensive, sectionPresent(sections, binfmt.SectionHealthScore))
		})
	}
}

func sectionPresent(sections map[uint16][]byte, id uint16) bool {
	_, ok := sections[id]
	return ok
}

func TestJSONReport(t *testing.T) {
	path := filepath.Join(t.TempDir(), "report.json")
	require.NoError(t, WriteJSONReport(NewReport(sampleAnalysis()), path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var decoded Report
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, sampleAnalysis(), decoded.Analysis)
	assert.NotZero(t, decoded.Resources.NumCPU)
}

func TestHTMLReport(t *testing.T) {
	path := filepath.Join(t.TempDir(), "report.html")
	require.NoError(t, WriteHTMLReport(NewReport(sampleAnalysis()), path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	html := string(data)
	assert.Contains(t, html, "<td>1010</td>")
	assert.Contains(t, html, "00000000deadbeef")
	assert.True(t, strings.HasPrefix(html, "<!DOCTYPE html>"))
}

func TestHealthScore(t *testing.T) {
	balanced := aggregate.NewAnalysis()
	balanced.Summary = aggregate.Summary{TotalAllocations: 100, TotalDeallocations: 100}
	assert.Equal(t, 100, healthScore(balanced).Score)

	leaky := aggregate.NewAnalysis()
	leaky.Summary = aggregate.Summary{TotalAllocations: 100, TotalDeallocations: 10}
	got := healthScore(leaky)
	assert.True(t, got.LeakSuspected)
	assert.Equal(t, uint64(90), got.OutstandingAllocations)
	assert.Less(t, got.Score, 100)
}

func TestWriteProfile(t *testing.T) {
	interner := callstack.NewInterner()
	frames := []uint64{0x401000, 0x402000, 0x403000}
	ref := interner.Normalize(frames)

	analysis := aggregate.NewAnalysis()
	analysis.HottestCallStacks = []aggregate.HotCallStack{
		{CallStackHash: ref.Hash, TotalFrequency: 42, TotalSize: 84000},
		{CallStackHash: 0x1234, TotalFrequency: 7, TotalSize: 700}, // never interned
	}

	path := filepath.Join(t.TempDir(), "heap.pb.gz")
	require.NoError(t, WriteProfile(analysis, interner, path))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	p, err := profile.Parse(f)
	require.NoError(t, err)

	require.Len(t, p.Sample, 2)
	assert.Equal(t, []int64{42, 84000}, p.Sample[0].Value)
	require.Len(t, p.Sample[0].Location, 3)
	assert.Equal(t, uint64(0x401000), p.Sample[0].Location[0].Address)
	// The uninterned stack degrades to a single hash-addressed frame.
	require.Len(t, p.Sample[1].Location, 1)
	assert.Equal(t, uint64(0x1234), p.Sample[1].Location[0].Address)
}

package output

import (
	"bytes"
	"strings"
	"testing"

	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Timwood0x10/memscope-go/pkg/aggregate"
)

func testAnalysis() *aggregate.Analysis {
	a := aggregate.NewAnalysis()
	a.ThreadStats[7] = aggregate.ThreadStats{
		ThreadID: 7, TotalAllocations: 120, TotalDeallocations: 100,
		PeakMemory: 2048, TotalAllocated: 4096, AvgAllocationSize: 34.1,
	}
	a.Summary = aggregate.Summary{
		TotalThreads: 1, TotalAllocations: 120, TotalDeallocations: 100,
		PeakMemoryUsage: 2048, TotalMemoryAllocated: 4096, UniqueCallStacks: 1,
	}
	a.HottestCallStacks = []aggregate.HotCallStack{
		{CallStackHash: 0xabc, TotalFrequency: 120, TotalSize: 4096},
	}
	a.Warnings = []string{"thread 9 skipped: open thread-9.bin: no such file or directory"}
	return a
}

func TestRenderTable(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewFormatter(FormatTable, &buf).Render(testAnalysis()))

	out := buf.String()
	assert.Contains(t, out, "Memory Tracking Analysis")
	assert.Contains(t, out, "Allocations: 120")
	assert.Contains(t, out, "2.0 KiB")
	assert.Contains(t, out, "0000000000000abc")
	assert.Contains(t, out, "1 warnings")
}

func TestRenderJSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewFormatter(FormatJSON, &buf).Render(testAnalysis()))

	decoded := aggregate.NewAnalysis()
	require.NoError(t, jsoniter.Unmarshal(buf.Bytes(), decoded))
	assert.Equal(t, testAnalysis(), decoded)
}

func TestRenderTSV(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewFormatter(FormatTSV, &buf).Render(testAnalysis()))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "thread\tallocs\tdeallocs\tpeak\tavg_size", lines[0])
	assert.Equal(t, "7\t120\t100\t2048\t34.1", lines[1])
}

func TestHumanBytes(t *testing.T) {
	assert.Equal(t, "512 B", humanBytes(512))
	assert.Equal(t, "1.0 KiB", humanBytes(1024))
	assert.Equal(t, "1.5 MiB", humanBytes(1536*1024))
	assert.Equal(t, "2.0 GiB", humanBytes(2<<30))
}

// Package output provides terminal formatters for analysis results.
package output

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	jsoniter "github.com/json-iterator/go"

	"github.com/Timwood0x10/memscope-go/pkg/aggregate"
)

// Format represents the output format type.
type Format string

const (
	FormatTable Format = "table"
	FormatJSON  Format = "json"
	FormatTSV   Format = "tsv"
)

// Formatter handles output formatting.
type Formatter struct {
	format     Format
	writer     io.Writer
	maxThreads int
}

// NewFormatter creates a new formatter.
func NewFormatter(format Format, writer io.Writer) *Formatter {
	return &Formatter{
		format:     format,
		writer:     writer,
		maxThreads: 20,
	}
}

// SetMaxThreads caps how many threads the table formats show.
func (f *Formatter) SetMaxThreads(n int) {
	f.maxThreads = n
}

// Render outputs the analysis in the configured format.
func (f *Formatter) Render(analysis *aggregate.Analysis) error {
	switch f.format {
	case FormatJSON:
		return f.renderJSON(analysis)
	case FormatTSV:
		return f.renderTSV(analysis)
	default:
		return f.renderTable(analysis)
	}
}

// renderJSON outputs the analysis as JSON.
func (f *Formatter) renderJSON(analysis *aggregate.Analysis) error {
	enc := jsoniter.ConfigCompatibleWithStandardLibrary.NewEncoder(f.writer)
	enc.SetIndent("", "  ")
	return enc.Encode(analysis)
}

// renderTable outputs the analysis as styled tables.
func (f *Formatter) renderTable(analysis *aggregate.Analysis) error {
	headerStyle := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("15")).
		Background(lipgloss.Color("62")).
		Padding(0, 1)

	cellStyle := lipgloss.NewStyle().Padding(0, 1)

	titleStyle := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("12")).
		MarginBottom(1)

	warnStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("11")).Bold(true)

	fmt.Fprintln(f.writer, titleStyle.Render("Memory Tracking Analysis"))
	fmt.Fprintln(f.writer, strings.Repeat("═", 60))
	fmt.Fprintln(f.writer)

	s := analysis.Summary
	fmt.Fprintf(f.writer, "Threads: %d   Allocations: %d   Deallocations: %d\n",
		s.TotalThreads, s.TotalAllocations, s.TotalDeallocations)
	fmt.Fprintf(f.writer, "Peak memory: %s   Total allocated: %s   Unique stacks: %d\n",
		humanBytes(s.PeakMemoryUsage), humanBytes(s.TotalMemoryAllocated), s.UniqueCallStacks)
	fmt.Fprintln(f.writer)

	styled := func(headers []string, rows [][]string) *table.Table {
		return table.New().
			Border(lipgloss.NormalBorder()).
			BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("240"))).
			StyleFunc(func(row, col int) lipgloss.Style {
				if row == table.HeaderRow {
					return headerStyle
				}
				return cellStyle
			}).
			Headers(headers...).
			Rows(rows...)
	}

	threads := analysis.MostActiveThreads(f.maxThreads)
	rows := make([][]string, len(threads))
	for i, t := range threads {
		rows[i] = []string{
			fmt.Sprintf("%d", t.ThreadID),
			fmt.Sprintf("%d", t.TotalAllocations),
			fmt.Sprintf("%d", t.TotalDeallocations),
			humanBytes(t.PeakMemory),
			fmt.Sprintf("%.1f", t.AvgAllocationSize),
		}
	}
	fmt.Fprintln(f.writer, styled(
		[]string{"THREAD", "ALLOCS", "DEALLOCS", "PEAK", "AVG SIZE"}, rows))

	if len(analysis.HottestCallStacks) > 0 {
		rows = rows[:0]
		for _, hs := range analysis.HottestCallStacks {
			rows = append(rows, []string{
				fmt.Sprintf("%016x", hs.CallStackHash),
				fmt.Sprintf("%d", hs.TotalFrequency),
				humanBytes(hs.TotalSize),
			})
		}
		fmt.Fprintln(f.writer)
		fmt.Fprintln(f.writer, styled([]string{"STACK", "FREQ", "SIZE"}, rows))
	}

	if len(analysis.Warnings) > 0 {
		fmt.Fprintln(f.writer)
		fmt.Fprintln(f.writer, warnStyle.Render(fmt.Sprintf("%d warnings", len(analysis.Warnings))))
		for _, w := range analysis.Warnings {
			fmt.Fprintf(f.writer, "  %s\n", w)
		}
	}

	return nil
}

// renderTSV outputs one thread per line for scripting.
func (f *Formatter) renderTSV(analysis *aggregate.Analysis) error {
	fmt.Fprintln(f.writer, "thread\tallocs\tdeallocs\tpeak\tavg_size")
	for _, t := range analysis.MostActiveThreads(len(analysis.ThreadStats)) {
		fmt.Fprintf(f.writer, "%d\t%d\t%d\t%d\t%.1f\n",
			t.ThreadID, t.TotalAllocations, t.TotalDeallocations, t.PeakMemory, t.AvgAllocationSize)
	}
	return nil
}

// humanBytes formats a byte count using binary units.
func humanBytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := uint64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

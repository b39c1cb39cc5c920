package export

import (
	"fmt"
	"html/template"
	"os"
	"time"

	"github.com/Timwood0x10/memscope-go/pkg/aggregate"
	"github.com/Timwood0x10/memscope-go/pkg/binfmt"
	"github.com/Timwood0x10/memscope-go/pkg/resources"
)

// Report bundles an analysis with the run's resource snapshot for the
// JSON and HTML writers.
type Report struct {
	GeneratedAt time.Time           `json:"generated_at"`
	Analysis    *aggregate.Analysis `json:"analysis"`
	Resources   resources.Snapshot  `json:"resources"`
}

// NewReport wraps an analysis with a fresh resource snapshot.
func NewReport(analysis *aggregate.Analysis) *Report {
	return &Report{
		GeneratedAt: time.Now().UTC(),
		Analysis:    analysis,
		Resources:   resources.Capture(),
	}
}

// WriteJSONReport writes the report as indented JSON.
func WriteJSONReport(r *Report, path string) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	return nil
}

var htmlReport = template.Must(template.New("report").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>Memory Analysis Report</title>
<style>
body { font-family: sans-serif; margin: 2em; }
table { border-collapse: collapse; margin: 1em 0; }
th, td { border: 1px solid #ccc; padding: 4px 10px; text-align: right; }
th { background: #f0f0f0; }
.warn { color: #b36b00; }
</style>
</head>
<body>
<h1>Memory Analysis Report</h1>
<p>Generated {{.GeneratedAt.Format "2006-01-02 15:04:05 MST"}} on {{.Resources.Hostname}} ({{.Resources.NumCPU}} CPUs)</p>

<h2>Summary</h2>
<table>
<tr><th>Threads</th><td>{{.Analysis.Summary.TotalThreads}}</td></tr>
<tr><th>Allocations</th><td>{{.Analysis.Summary.TotalAllocations}}</td></tr>
<tr><th>Deallocations</th><td>{{.Analysis.Summary.TotalDeallocations}}</td></tr>
<tr><th>Peak memory (bytes)</th><td>{{.Analysis.Summary.PeakMemoryUsage}}</td></tr>
<tr><th>Total allocated (bytes)</th><td>{{.Analysis.Summary.TotalMemoryAllocated}}</td></tr>
<tr><th>Unique call stacks</th><td>{{.Analysis.Summary.UniqueCallStacks}}</td></tr>
</table>

<h2>Threads</h2>
<table>
<tr><th>Thread</th><th>Allocations</th><th>Deallocations</th><th>Peak (bytes)</th><th>Avg size</th></tr>
{{range .Analysis.MostActiveThreads 64}}<tr><td>{{.ThreadID}}</td><td>{{.TotalAllocations}}</td><td>{{.TotalDeallocations}}</td><td>{{.PeakMemory}}</td><td>{{printf "%.1f" .AvgAllocationSize}}</td></tr>
{{end}}</table>

<h2>Hottest call stacks</h2>
<table>
<tr><th>Stack hash</th><th>Frequency</th><th>Total size (bytes)</th></tr>
{{range .Analysis.HottestCallStacks}}<tr><td>{{printf "%016x" .CallStackHash}}</td><td>{{.TotalFrequency}}</td><td>{{.TotalSize}}</td></tr>
{{end}}</table>

{{if .Analysis.Warnings}}<h2>Warnings</h2>
<ul>{{range .Analysis.Warnings}}<li class="warn">{{.}}</li>{{end}}</ul>
{{end}}
</body>
</html>
`))

// WriteHTMLReport renders the report as a standalone HTML page.
func WriteHTMLReport(r *Report, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create report: %w", err)
	}
	if err := htmlReport.Execute(f, r); err != nil {
		f.Close()
		return fmt.Errorf("render report: %w", err)
	}
	return f.Close()
}

// threadContextSection captures which threads dominated the run.
type threadContextSection struct {
	MostActive    []aggregate.ThreadStats `json:"most_active"`
	HighestMemory []aggregate.ThreadStats `json:"highest_memory"`
}

// outstandingSection reports allocations never seen deallocated, per
// thread.
type outstandingSection struct {
	ThreadID    uint64 `json:"thread_id"`
	Outstanding uint64 `json:"outstanding_allocations"`
}

// fragmentationSection reports allocation-size shape per thread.
type fragmentationSection struct {
	ThreadID      uint64  `json:"thread_id"`
	AvgSize       float64 `json:"avg_allocation_size"`
	PeakOverTotal float64 `json:"peak_over_total_ratio"`
}

// dropChainSection reports how completely each thread released what it
// allocated.
type dropChainSection struct {
	ThreadID     uint64  `json:"thread_id"`
	ReleaseRatio float64 `json:"release_ratio"`
}

// healthSection is a coarse 0-100 score for the run.
type healthSection struct {
	Score                  int    `json:"score"`
	OutstandingAllocations uint64 `json:"outstanding_allocations"`
	LeakSuspected          bool   `json:"leak_suspected"`
}

// WriteBinaryReport writes the analysis as a binary report file. The
// full analysis always goes into its own section; the advanced
// analyzer sections are gated by cfg. snap may be nil to omit the
// resource section.
func WriteBinaryReport(path string, analysis *aggregate.Analysis, snap *resources.Snapshot, cfg binfmt.ExportConfig) error {
	w, f, err := binfmt.Create(path, binfmt.NewMetadata(binfmt.KindReport, 0), cfg)
	if err != nil {
		return err
	}
	defer f.Close()

	writeJSONSection := func(id uint16, v any) error {
		payload, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encode section %d: %w", id, err)
		}
		return w.WriteSection(id, payload)
	}

	if err := writeJSONSection(binfmt.SectionAnalysis, analysis); err != nil {
		return err
	}

	// The writer already normalized cfg; read back the effective
	// toggles so sections match the metadata's section bits.
	cfg = effectiveConfig(cfg)

	if cfg.ThreadContext {
		sec := threadContextSection{
			MostActive:    analysis.MostActiveThreads(5),
			HighestMemory: analysis.HighestMemoryThreads(5),
		}
		if err := writeJSONSection(binfmt.SectionThreadContext, sec); err != nil {
			return err
		}
	}
	if cfg.ContainerAnalysis {
		var secs []outstandingSection
		for _, st := range analysis.MostActiveThreads(len(analysis.ThreadStats)) {
			out := uint64(0)
			if st.TotalAllocations > st.TotalDeallocations {
				out = st.TotalAllocations - st.TotalDeallocations
			}
			secs = append(secs, outstandingSection{ThreadID: st.ThreadID, Outstanding: out})
		}
		if err := writeJSONSection(binfmt.SectionContainer, secs); err != nil {
			return err
		}
	}
	if cfg.FragmentationAnalysis {
		var secs []fragmentationSection
		for _, st := range analysis.MostActiveThreads(len(analysis.ThreadStats)) {
			fs := fragmentationSection{ThreadID: st.ThreadID, AvgSize: st.AvgAllocationSize}
			if st.TotalAllocated > 0 {
				fs.PeakOverTotal = float64(st.PeakMemory) / float64(st.TotalAllocated)
			}
			secs = append(secs, fs)
		}
		if err := writeJSONSection(binfmt.SectionFragmentation, secs); err != nil {
			return err
		}
	}
	if cfg.DropChainAnalysis {
		var secs []dropChainSection
		for _, st := range analysis.MostActiveThreads(len(analysis.ThreadStats)) {
			ds := dropChainSection{ThreadID: st.ThreadID}
			if st.TotalAllocations > 0 {
				ds.ReleaseRatio = float64(st.TotalDeallocations) / float64(st.TotalAllocations)
			}
			secs = append(secs, ds)
		}
		if err := writeJSONSection(binfmt.SectionDropChain, secs); err != nil {
			return err
		}
	}
	if cfg.HealthScoring {
		if err := writeJSONSection(binfmt.SectionHealthScore, healthScore(analysis)); err != nil {
			return err
		}
	}
	if cfg.SourceAnalysis {
		if err := writeJSONSection(binfmt.SectionSourceDetail, analysis.HottestCallStacks); err != nil {
			return err
		}
	}
	if snap != nil {
		if err := writeJSONSection(binfmt.SectionResources, snap); err != nil {
			return err
		}
	}

	return w.Close()
}

func effectiveConfig(cfg binfmt.ExportConfig) binfmt.ExportConfig {
	cfg.ValidateAndFix()
	return cfg
}

// healthScore grades the run: full release of all tracked memory with
// no warnings scores 100.
func healthScore(analysis *aggregate.Analysis) healthSection {
	s := healthSection{Score: 100}
	if analysis.Summary.TotalAllocations > analysis.Summary.TotalDeallocations {
		s.OutstandingAllocations = analysis.Summary.TotalAllocations - analysis.Summary.TotalDeallocations
		ratio := float64(s.OutstandingAllocations) / float64(analysis.Summary.TotalAllocations)
		s.Score -= int(ratio * 50)
		s.LeakSuspected = ratio > 0.5
	}
	s.Score -= 5 * len(analysis.Warnings)
	if s.Score < 0 {
		s.Score = 0
	}
	return s
}

// ReadBinaryReport decodes a binary report file, returning the
// analysis plus the raw payloads of any advanced sections present.
func ReadBinaryReport(path string) (*aggregate.Analysis, map[uint16][]byte, error) {
	r, err := binfmt.OpenFile(path)
	if err != nil {
		return nil, nil, err
	}
	rep := r.Validate()
	if !rep.Trusted() {
		return nil, nil, fmt.Errorf("report not trusted: %v", rep.Warnings)
	}
	sections, err := r.Sections()
	if err != nil {
		return nil, nil, err
	}
	payload, ok := sections[binfmt.SectionAnalysis]
	if !ok {
		return nil, nil, fmt.Errorf("report missing analysis section")
	}
	analysis := aggregate.NewAnalysis()
	if err := json.Unmarshal(payload, analysis); err != nil {
		return nil, nil, fmt.Errorf("decode analysis section: %w", err)
	}
	delete(sections, binfmt.SectionAnalysis)
	return analysis, sections, nil
}

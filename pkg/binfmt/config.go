package binfmt

import "fmt"

// MetricsLevel selects how much advanced analysis a report file carries.
type MetricsLevel uint8

const (
	// LevelNone writes only core records.
	LevelNone MetricsLevel = iota
	// LevelEssential adds low-overhead metric sections.
	LevelEssential
	// LevelComprehensive enables every metric section.
	LevelComprehensive
)

// String returns the level name used in configuration and reports.
func (l MetricsLevel) String() string {
	switch l {
	case LevelNone:
		return "none"
	case LevelEssential:
		return "essential"
	case LevelComprehensive:
		return "comprehensive"
	default:
		return "unknown"
	}
}

// ExportConfig controls binary export behaviour and which optional
// metric sections are produced.
type ExportConfig struct {
	// BufferSize for buffered I/O, clamped to [1KiB, 1MiB].
	BufferSize int `json:"buffer_size"`
	// CompressionLevel 0 disables compression; 1-9 select gzip levels.
	CompressionLevel int `json:"compression_level"`

	MetricsLevel MetricsLevel `json:"advanced_metrics_level"`

	SourceAnalysis        bool `json:"source_analysis"`
	ContainerAnalysis     bool `json:"container_analysis"`
	FragmentationAnalysis bool `json:"fragmentation_analysis"`
	ThreadContext         bool `json:"thread_context_tracking"`
	DropChainAnalysis     bool `json:"drop_chain_analysis"`
	HealthScoring         bool `json:"health_scoring"`
}

// PerformanceFirst returns the default export configuration: essential
// metrics, no compression, expensive analyzers off.
func PerformanceFirst() ExportConfig {
	return ExportConfig{
		BufferSize:        64 * 1024,
		CompressionLevel:  0,
		MetricsLevel:      LevelEssential,
		ContainerAnalysis: true,
		ThreadContext:     true,
	}
}

// DebugComprehensive returns a configuration with every analyzer on and
// light compression, for development sessions.
func DebugComprehensive() ExportConfig {
	return ExportConfig{
		BufferSize:            128 * 1024,
		CompressionLevel:      1,
		MetricsLevel:          LevelComprehensive,
		SourceAnalysis:        true,
		ContainerAnalysis:     true,
		FragmentationAnalysis: true,
		ThreadContext:         true,
		DropChainAnalysis:     true,
		HealthScoring:         true,
	}
}

// Minimal returns the fastest configuration: core records only.
func Minimal() ExportConfig {
	return ExportConfig{
		BufferSize:       32 * 1024,
		CompressionLevel: 0,
		MetricsLevel:     LevelNone,
	}
}

// ValidateAndFix auto-corrects inconsistent settings and returns one
// warning per correction. Toggles that contradict the chosen metrics
// level are corrected rather than silently accepted.
func (c *ExportConfig) ValidateAndFix() []string {
	var warnings []string

	if c.BufferSize < 1024 {
		warnings = append(warnings, fmt.Sprintf("buffer size %d below 1KiB minimum, raised", c.BufferSize))
		c.BufferSize = 1024
	} else if c.BufferSize > 1024*1024 {
		warnings = append(warnings, fmt.Sprintf("buffer size %d above 1MiB maximum, lowered", c.BufferSize))
		c.BufferSize = 1024 * 1024
	}

	if c.CompressionLevel < 0 {
		warnings = append(warnings, "negative compression level, disabled compression")
		c.CompressionLevel = 0
	} else if c.CompressionLevel > 9 {
		warnings = append(warnings, fmt.Sprintf("compression level %d above maximum 9, clamped", c.CompressionLevel))
		c.CompressionLevel = 9
	}

	switch c.MetricsLevel {
	case LevelNone:
		if c.SourceAnalysis || c.ContainerAnalysis || c.FragmentationAnalysis ||
			c.ThreadContext || c.DropChainAnalysis || c.HealthScoring {
			warnings = append(warnings, "metrics level none with advanced analyzers enabled, disabled them")
			c.SourceAnalysis = false
			c.ContainerAnalysis = false
			c.FragmentationAnalysis = false
			c.ThreadContext = false
			c.DropChainAnalysis = false
			c.HealthScoring = false
		}
	case LevelEssential:
		if c.SourceAnalysis {
			warnings = append(warnings, "source analysis is expensive at essential level, disabled; use comprehensive")
			c.SourceAnalysis = false
		}
		if c.FragmentationAnalysis {
			warnings = append(warnings, "fragmentation analysis is expensive at essential level, disabled; use comprehensive")
			c.FragmentationAnalysis = false
		}
		if c.DropChainAnalysis {
			warnings = append(warnings, "drop-chain analysis is expensive at essential level, disabled; use comprehensive")
			c.DropChainAnalysis = false
		}
	case LevelComprehensive:
		// Everything is allowed.
	default:
		warnings = append(warnings, fmt.Sprintf("unknown metrics level %d, using essential", uint8(c.MetricsLevel)))
		c.MetricsLevel = LevelEssential
	}

	return warnings
}

// SectionBits returns the bitmap of optional sections this configuration
// produces, written into the metadata block.
func (c ExportConfig) SectionBits() uint32 {
	var bits uint32
	set := func(id uint16, on bool) {
		if on {
			bits |= 1 << id
		}
	}
	set(SectionSourceDetail, c.SourceAnalysis)
	set(SectionContainer, c.ContainerAnalysis)
	set(SectionFragmentation, c.FragmentationAnalysis)
	set(SectionThreadContext, c.ThreadContext)
	set(SectionDropChain, c.DropChainAnalysis)
	set(SectionHealthScore, c.HealthScoring)
	return bits
}

// Command memscope analyzes per-thread memory tracking sessions and
// exports reports.
package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/Timwood0x10/memscope-go/pkg/aggregate"
	"github.com/Timwood0x10/memscope-go/pkg/binfmt"
	"github.com/Timwood0x10/memscope-go/pkg/export"
	"github.com/Timwood0x10/memscope-go/pkg/output"
	"github.com/Timwood0x10/memscope-go/pkg/resources"
)

var version = "dev"

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var verbose bool

	root := &cobra.Command{
		Use:           "memscope",
		Short:         "Analyze per-thread memory tracking sessions",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose {
				logrus.SetLevel(logrus.DebugLevel)
			} else {
				logrus.SetLevel(logrus.WarnLevel)
			}
		},
	}
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(analyzeCmd(), inspectCmd(), versionCmd())
	return root
}

func analyzeCmd() *cobra.Command {
	var (
		format     string
		topK       int
		jsonPath   string
		htmlPath   string
		pprofPath  string
		binaryPath string
		full       bool
	)

	cmd := &cobra.Command{
		Use:   "analyze <session-dir>",
		Short: "Aggregate a session directory and print a summary",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			analysis, err := aggregate.New(args[0], aggregate.Options{TopK: topK}).
				AggregateAllThreads(cmd.Context())
			if err != nil {
				return err
			}

			if err := output.NewFormatter(output.Format(format), cmd.OutOrStdout()).Render(analysis); err != nil {
				return err
			}

			var report *export.Report
			if jsonPath != "" || htmlPath != "" {
				report = export.NewReport(analysis)
			}
			if jsonPath != "" {
				if err := export.WriteJSONReport(report, jsonPath); err != nil {
					return err
				}
			}
			if htmlPath != "" {
				if err := export.WriteHTMLReport(report, htmlPath); err != nil {
					return err
				}
			}
			if binaryPath != "" {
				cfg := binfmt.PerformanceFirst()
				if full {
					cfg = binfmt.DebugComprehensive()
				}
				snap := resources.Capture()
				if err := export.WriteBinaryReport(binaryPath, analysis, &snap, cfg); err != nil {
					return err
				}
			}
			if pprofPath != "" {
				// Offline aggregation has no interner; hot stacks fall
				// back to hash-addressed frames.
				if err := export.WriteProfile(analysis, nil, pprofPath); err != nil {
					return err
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&format, "format", "f", string(output.FormatTable), "output format: table, json, tsv")
	cmd.Flags().IntVar(&topK, "top", 10, "number of hot call stacks to report")
	cmd.Flags().StringVar(&jsonPath, "json-report", "", "write a JSON report to this path")
	cmd.Flags().StringVar(&htmlPath, "html-report", "", "write an HTML report to this path")
	cmd.Flags().StringVar(&binaryPath, "binary-report", "", "write a binary report to this path")
	cmd.Flags().StringVar(&pprofPath, "pprof", "", "write a pprof profile to this path")
	cmd.Flags().BoolVar(&full, "comprehensive", false, "enable every analyzer section in the binary report")
	return cmd
}

func inspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <file>",
		Short: "Validate a tracking file and print its header",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := binfmt.OpenFile(args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			meta := r.Metadata()
			fmt.Fprintf(out, "version:       %d\n", r.Version())
			fmt.Fprintf(out, "kind:          %d\n", meta.Kind)
			fmt.Fprintf(out, "run id:        %s\n", meta.RunID)
			fmt.Fprintf(out, "thread id:     %d\n", meta.ThreadID)
			if meta.RecordCount == binfmt.CountUnknown {
				fmt.Fprintf(out, "records:       unknown\n")
			} else {
				fmt.Fprintf(out, "records:       %d\n", meta.RecordCount)
			}
			fmt.Fprintf(out, "metrics level: %s\n", meta.MetricsLevel)
			fmt.Fprintf(out, "compressed:    %v\n", meta.Compression > 0)

			rep := r.Validate()
			fmt.Fprintf(out, "format valid:      %v\n", rep.FormatValid)
			fmt.Fprintf(out, "version supported: %v\n", rep.VersionSupported)
			fmt.Fprintf(out, "checksum present:  %v\n", rep.ChecksumPresent)
			fmt.Fprintf(out, "checksum ok:       %v\n", rep.ChecksumOK)
			fmt.Fprintf(out, "structure valid:   %v\n", rep.StructureValid)
			for _, w := range rep.Warnings {
				fmt.Fprintf(out, "warning: %s\n", w)
			}
			if !rep.Trusted() {
				return fmt.Errorf("file is not fully trusted")
			}
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the memscope version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "memscope %s\n", version)
		},
	}
}

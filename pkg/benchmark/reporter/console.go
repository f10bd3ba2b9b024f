// Package reporter formats benchmark progress and results.
package reporter

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/syntrixbase/feedrelay/pkg/benchmark/types"
)

var errNilResult = errors.New("result cannot be nil")

// ConsoleReporter writes human readable output.
type ConsoleReporter struct {
	writer io.Writer
	colors bool
}

// NewConsoleReporter creates a new console reporter.
func NewConsoleReporter(writer io.Writer, colors bool) *ConsoleReporter {
	return &ConsoleReporter{
		writer: writer,
		colors: colors,
	}
}

// ReportProgress overwrites the current line with a one-line status.
func (r *ConsoleReporter) ReportProgress(elapsed time.Duration, metrics *types.AggregatedMetrics) {
	if metrics == nil {
		return
	}

	fmt.Fprintf(r.writer, "\r[%s] Ops: %d | Success: %.1f%% | Throughput: %.2f ops/s | P99: %s | Changes: %d (%.1f/s)",
		formatDuration(elapsed),
		metrics.TotalOperations,
		metrics.SuccessRate,
		metrics.Throughput,
		formatLatency(metrics.Latency.P99),
		metrics.ChangesReceived,
		metrics.ChangeRate,
	)
}

// ReportSummary writes the final report.
func (r *ConsoleReporter) ReportSummary(result *types.Result) error {
	if result == nil {
		return errNilResult
	}

	fmt.Fprintln(r.writer)
	r.printHeader("Benchmark Results")
	fmt.Fprintln(r.writer)

	r.printSection("Session Information")
	if result.Config != nil {
		fmt.Fprintf(r.writer, "  Name:         %s\n", result.Config.Name)
		fmt.Fprintf(r.writer, "  Target:       %s\n", result.Config.Target)
		fmt.Fprintf(r.writer, "  Subscription: %s (%s)\n", result.Config.Subscription.Collection, result.Config.Subscription.Mode)
	}
	fmt.Fprintf(r.writer, "  Connections:  %d\n", result.Connections)
	fmt.Fprintf(r.writer, "  Duration:     %s\n", formatDuration(time.Duration(result.Duration*float64(time.Second))))
	fmt.Fprintf(r.writer, "  Started:      %s\n", result.StartTime.Format(time.DateTime))
	fmt.Fprintf(r.writer, "  Finished:     %s\n", result.EndTime.Format(time.DateTime))
	fmt.Fprintln(r.writer)

	summary := result.Summary
	if summary == nil {
		r.printFooter()
		return nil
	}

	r.printSection("Overall Performance")
	r.printMetrics(summary)
	fmt.Fprintln(r.writer)

	if len(summary.Operations) > 0 {
		r.printSection("Per-Operation Metrics")
		for _, opType := range slices.Sorted(maps.Keys(summary.Operations)) {
			fmt.Fprintf(r.writer, "  %s:\n", r.colorize(opType, colorCyan))
			r.printOperationMetrics(summary.Operations[opType])
			fmt.Fprintln(r.writer)
		}
	}

	r.printSection("Change Feed")
	fmt.Fprintf(r.writer, "  Frames:   %d\n", summary.ChangeFrames)
	fmt.Fprintf(r.writer, "  Changes:  %d\n", summary.ChangesReceived)
	fmt.Fprintf(r.writer, "  Rate:     %.2f changes/s\n", summary.ChangeRate)
	fmt.Fprintln(r.writer)

	if summary.TotalErrors > 0 {
		r.printSection("Errors")
		fmt.Fprintf(r.writer, "  Total Errors: %s\n", r.colorize(fmt.Sprintf("%d", summary.TotalErrors), colorRed))
		if len(summary.ErrorsByType) > 0 {
			fmt.Fprintln(r.writer, "  By Type:")
			for _, errType := range slices.Sorted(maps.Keys(summary.ErrorsByType)) {
				fmt.Fprintf(r.writer, "    - %s: %d\n", errType, summary.ErrorsByType[errType])
			}
		}
		fmt.Fprintln(r.writer)
	}

	r.printFooter()
	return nil
}

// ReportJSON writes result as indented JSON.
func (r *ConsoleReporter) ReportJSON(result *types.Result) error {
	if result == nil {
		return errNilResult
	}

	encoder := json.NewEncoder(r.writer)
	encoder.SetIndent("", "  ")
	return encoder.Encode(result)
}

func (r *ConsoleReporter) printMetrics(metrics *types.AggregatedMetrics) {
	fmt.Fprintf(r.writer, "  Total Operations:  %s\n", r.colorize(fmt.Sprintf("%d", metrics.TotalOperations), colorGreen))
	fmt.Fprintf(r.writer, "  Success Rate:      %s\n", r.formatPercentage(metrics.SuccessRate))
	fmt.Fprintf(r.writer, "  Throughput:        %s\n", r.colorize(fmt.Sprintf("%.2f ops/s", metrics.Throughput), colorGreen))
	fmt.Fprintln(r.writer)

	fmt.Fprintf(r.writer, "  Latency:\n")
	fmt.Fprintf(r.writer, "    Min:     %s\n", formatLatency(metrics.Latency.Min))
	fmt.Fprintf(r.writer, "    Median:  %s\n", formatLatency(metrics.Latency.Median))
	fmt.Fprintf(r.writer, "    Mean:    %s\n", formatLatency(metrics.Latency.Mean))
	fmt.Fprintf(r.writer, "    Max:     %s\n", formatLatency(metrics.Latency.Max))
	fmt.Fprintf(r.writer, "    P90:     %s\n", formatLatency(metrics.Latency.P90))
	fmt.Fprintf(r.writer, "    P95:     %s\n", formatLatency(metrics.Latency.P95))
	fmt.Fprintf(r.writer, "    P99:     %s\n", formatLatency(metrics.Latency.P99))
}

func (r *ConsoleReporter) printOperationMetrics(metrics *types.AggregatedMetrics) {
	fmt.Fprintf(r.writer, "    Operations: %d | Success: %.1f%% | Throughput: %.2f ops/s\n",
		metrics.TotalOperations,
		metrics.SuccessRate,
		metrics.Throughput,
	)
	fmt.Fprintf(r.writer, "    Latency: Min=%s | Median=%s | P99=%s | Max=%s\n",
		formatLatency(metrics.Latency.Min),
		formatLatency(metrics.Latency.Median),
		formatLatency(metrics.Latency.P99),
		formatLatency(metrics.Latency.Max),
	)
}

func (r *ConsoleReporter) printHeader(title string) {
	line := strings.Repeat("=", 70)
	fmt.Fprintln(r.writer, r.colorize(line, colorBold))
	fmt.Fprintln(r.writer, r.colorize(centerString(title, 70), colorBold))
	fmt.Fprintln(r.writer, r.colorize(line, colorBold))
}

func (r *ConsoleReporter) printSection(title string) {
	fmt.Fprintln(r.writer, r.colorize(title, colorBold))
}

func (r *ConsoleReporter) printFooter() {
	fmt.Fprintln(r.writer, r.colorize(strings.Repeat("=", 70), colorBold))
}

func (r *ConsoleReporter) formatPercentage(p float64) string {
	color := colorGreen
	if p < 95.0 {
		color = colorYellow
	}
	if p < 90.0 {
		color = colorRed
	}
	return r.colorize(fmt.Sprintf("%.2f%%", p), color)
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	return fmt.Sprintf("%.1fs", d.Seconds())
}

func formatLatency(ms float64) string {
	return fmt.Sprintf("%.2fms", ms)
}

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorBold   = "\033[1m"
)

func (r *ConsoleReporter) colorize(text, color string) string {
	if !r.colors {
		return text
	}
	return color + text + colorReset
}

func centerString(s string, width int) string {
	if len(s) >= width {
		return s
	}
	return strings.Repeat(" ", (width-len(s))/2) + s
}

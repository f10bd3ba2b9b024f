// Package main is the command line entry point of the relay load tool.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/syntrixbase/feedrelay/pkg/benchmark/config"
	"github.com/syntrixbase/feedrelay/pkg/benchmark/metrics"
	"github.com/syntrixbase/feedrelay/pkg/benchmark/reporter"
	"github.com/syntrixbase/feedrelay/pkg/benchmark/runner"
	"github.com/syntrixbase/feedrelay/pkg/benchmark/types"
)

// Version is set at build time.
var Version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage(os.Stdout)
		os.Exit(1)
	}

	switch command := os.Args[1]; command {
	case "run":
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		err := runBenchmark(ctx, os.Args[2:], os.Stdout)
		stop()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	case "version":
		fmt.Printf("feedrelay-bench version %s\n", Version)
	case "help", "-h", "--help":
		printUsage(os.Stdout)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", command)
		printUsage(os.Stderr)
		os.Exit(1)
	}
}

type runFlags struct {
	configFile string
	target     string
	duration   string
	workers    int
	rate       float64
	rateSet    bool
	jsonOut    bool
	noColor    bool
	help       bool
}

func parseRunFlags(args []string) (*runFlags, error) {
	f := &runFlags{}
	value := func(i int) (string, error) {
		if i+1 >= len(args) {
			return "", fmt.Errorf("missing value for %s", args[i])
		}
		return args[i+1], nil
	}

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-c", "--config", "-t", "--target", "-d", "--duration", "-w", "--workers", "-r", "--rate":
			v, err := value(i)
			if err != nil {
				return nil, err
			}
			i++
			switch args[i-1] {
			case "-c", "--config":
				f.configFile = v
			case "-t", "--target":
				f.target = v
			case "-d", "--duration":
				f.duration = v
			case "-w", "--workers":
				n, err := strconv.Atoi(v)
				if err != nil {
					return nil, fmt.Errorf("invalid workers: %w", err)
				}
				f.workers = n
			case "-r", "--rate":
				r, err := strconv.ParseFloat(v, 64)
				if err != nil {
					return nil, fmt.Errorf("invalid rate: %w", err)
				}
				f.rate, f.rateSet = r, true
			}
		case "--json":
			f.jsonOut = true
		case "--no-color":
			f.noColor = true
		case "-h", "--help":
			f.help = true
		default:
			return nil, fmt.Errorf("unknown flag: %s", args[i])
		}
	}
	return f, nil
}

// loadRunConfig layers command line flags over the config file or defaults.
func loadRunConfig(f *runFlags) (*types.Config, error) {
	cfg := config.Default()
	if f.configFile != "" {
		loaded, err := config.Load(f.configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
		cfg = loaded
	}

	if f.target != "" {
		cfg.Target = f.target
	}
	if f.duration != "" {
		d, err := time.ParseDuration(f.duration)
		if err != nil {
			return nil, fmt.Errorf("invalid duration: %w", err)
		}
		cfg.Duration = d
	}
	if f.workers > 0 {
		cfg.Workers = f.workers
	}
	if f.rateSet {
		cfg.Find.Rate = f.rate
	}

	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func runBenchmark(ctx context.Context, args []string, out io.Writer) error {
	f, err := parseRunFlags(args)
	if err != nil {
		return err
	}
	if f.help {
		printRunUsage(out)
		return nil
	}

	cfg, err := loadRunConfig(f)
	if err != nil {
		return err
	}

	collector := metrics.NewCollector()
	rep := reporter.NewConsoleReporter(out, !f.noColor && !f.jsonOut)

	if !f.jsonOut {
		fmt.Fprintln(out, "Starting benchmark...")
		fmt.Fprintf(out, "Target:       %s\n", cfg.Target)
		fmt.Fprintf(out, "Duration:     %s\n", cfg.Duration)
		fmt.Fprintf(out, "Workers:      %d\n", cfg.Workers)
		fmt.Fprintf(out, "Subscription: %s (%s)\n", cfg.Subscription.Collection, cfg.Subscription.Mode)
		fmt.Fprintf(out, "Find rate:    %.2f/s per worker\n", cfg.Find.Rate)
		fmt.Fprintln(out)
	}

	type outcome struct {
		result *types.Result
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := runner.New(cfg, collector).Run(ctx)
		done <- outcome{result, err}
	}()

	start := time.Now()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case o := <-done:
			if o.err != nil {
				return o.err
			}
			if f.jsonOut {
				return rep.ReportJSON(o.result)
			}
			rep.ReportProgress(time.Since(start), o.result.Summary)
			fmt.Fprintln(out)
			return rep.ReportSummary(o.result)
		case <-ticker.C:
			if !f.jsonOut {
				rep.ReportProgress(time.Since(start), collector.GetSnapshot())
			}
		}
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Feedrelay Benchmark Tool")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  feedrelay-bench <command> [flags]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  run       Run a benchmark")
	fmt.Fprintln(w, "  version   Show version information")
	fmt.Fprintln(w, "  help      Show this help message")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Run 'feedrelay-bench run --help' for the run flags.")
}

func printRunUsage(w io.Writer) {
	fmt.Fprintln(w, "Run a benchmark")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  feedrelay-bench run [flags]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -c, --config <file>     Configuration file (YAML)")
	fmt.Fprintln(w, "  -t, --target <url>      Relay base URL")
	fmt.Fprintln(w, "  -d, --duration <time>   Benchmark duration (e.g., 10s, 1m)")
	fmt.Fprintln(w, "  -w, --workers <n>       Number of websocket connections")
	fmt.Fprintln(w, "  -r, --rate <n>          Finds per second per connection (0 disables)")
	fmt.Fprintln(w, "      --json              Print the result as JSON")
	fmt.Fprintln(w, "      --no-color          Disable colored output")
	fmt.Fprintln(w, "  -h, --help              Show this help message")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Examples:")
	fmt.Fprintln(w, "  feedrelay-bench run --config bench.yml")
	fmt.Fprintln(w, "  feedrelay-bench run --target http://localhost:8080 --duration 30s --workers 100 --rate 2")
}

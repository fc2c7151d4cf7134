package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rmax-ai/pulse/pkg/engine"
	"github.com/rmax-ai/pulse/pkg/reports"
)

type Options struct {
	Scenario    string // file path or preset id
	Destination string // file path
	Expect      string
	Run         engine.RunConfig
	Format      reports.ReportFormat
	OutputFile  string
	Timeout     time.Duration
	Quiet       bool
	Verbose     bool
}

func parseOptions(args []string, stderr io.Writer) (Options, error) {
	var (
		opts   Options
		format string
	)

	fs := flag.NewFlagSet("pulse-run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&opts.Scenario, "scenario", envOrDefault("PULSE_SCENARIO", ""), "scenario file (yaml/json) or preset id")
	fs.StringVar(&opts.Destination, "destination", envOrDefault("PULSE_DESTINATION", ""), "destination file (yaml/json)")
	fs.StringVar(&opts.Expect, "expect", "", "expectations file; default requires full delivery")
	fs.IntVar(&opts.Run.Workers, "workers", 4, "worker count")
	fs.Float64Var(&opts.Run.EPS, "eps", 100, "events per second ceiling")
	fs.Float64Var(&opts.Run.TimeCompression, "compression", 1, "virtual seconds per wall-clock second")
	fs.BoolVar(&opts.Run.TagPhase, "tag-phase", false, "add scenario.phase to events")
	fs.BoolVar(&opts.Run.TagTrace, "tag-trace", true, "add scenario.trace_id to events")
	fs.StringVar(&opts.Run.TraceID, "trace-id", "", "trace id (generated when empty)")
	fs.BoolVar(&opts.Run.GenerateNoise, "noise", false, "mix background noise into the run")
	fs.IntVar(&opts.Run.NoiseCount, "noise-count", 0, "noise events when -noise is set")
	fs.BoolVar(&opts.Run.Continuous, "continuous", false, "repeat the scenario until interrupted or -timeout")
	fs.Int64Var(&opts.Run.Seed, "seed", 0, "seed for deterministic timing and payloads")
	fs.StringVar(&format, "format", "text", "report format: text|json|csv")
	fs.StringVar(&opts.OutputFile, "out", "", "write the report to a file instead of stdout")
	fs.DurationVar(&opts.Timeout, "timeout", 0, "cancel the run after this long (0: no limit)")
	fs.BoolVar(&opts.Quiet, "quiet", false, "do not print progress lines")
	fs.BoolVar(&opts.Verbose, "v", false, "debug logging")

	if err := fs.Parse(args); err != nil {
		return Options{}, err
	}

	if opts.Scenario == "" {
		return Options{}, errors.New("-scenario is required")
	}
	if opts.Destination == "" {
		return Options{}, errors.New("-destination is required")
	}
	switch strings.ToLower(format) {
	case "text", "":
		opts.Format = ""
	case "json":
		opts.Format = reports.ReportFormatJSON
	case "csv":
		opts.Format = reports.ReportFormatCSV
	default:
		return Options{}, fmt.Errorf("unsupported format: %s", format)
	}
	if opts.Run.Continuous && opts.Timeout <= 0 {
		fmt.Fprintln(stderr, "continuous run without -timeout: stop it with Ctrl-C")
	}
	return opts, nil
}

func envOrDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

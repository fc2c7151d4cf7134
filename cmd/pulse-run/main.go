package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/rmax-ai/pulse/pkg/destination"
	"github.com/rmax-ai/pulse/pkg/engine"
	"github.com/rmax-ai/pulse/pkg/generator"
	"github.com/rmax-ai/pulse/pkg/reports"
	"github.com/rmax-ai/pulse/pkg/scenario"
	"github.com/rmax-ai/pulse/pkg/sink"
	"github.com/rmax-ai/pulse/pkg/store"
	"github.com/rmax-ai/pulse/pkg/verify"
)

func main() {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// run returns the process exit code: 0 when the run completed and met its
// expectations, 1 when it did not, 2 on usage or setup errors.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	opts, err := parseOptions(args, stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintf(stderr, "pulse-run: %v\n", err)
		return 2
	}

	level := zapcore.WarnLevel
	if opts.Verbose {
		level = zapcore.DebugLevel
	}
	zc := zap.NewDevelopmentConfig()
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.OutputPaths = []string{"stderr"}
	logger, err := zc.Build()
	if err != nil {
		fmt.Fprintf(stderr, "pulse-run: %v\n", err)
		return 2
	}
	defer logger.Sync()

	def, dest, exps, err := loadInputs(opts)
	if err != nil {
		fmt.Fprintf(stderr, "pulse-run: %v\n", err)
		return 2
	}

	catalog := store.NewMemory()
	if err := catalog.PutScenario(ctx, *def); err != nil {
		fmt.Fprintf(stderr, "pulse-run: %v\n", err)
		return 2
	}
	if err := catalog.PutDestination(ctx, *dest); err != nil {
		fmt.Fprintf(stderr, "pulse-run: %v\n", err)
		return 2
	}

	sinks := sink.NewRegistry(logger)
	defer sinks.Close()
	eng := engine.New(engine.DefaultConfig(), store.Resolver{Catalog: catalog}, sinks, generator.Builtins(), logger)

	rc := opts.Run
	rc.ScenarioID = def.ID
	rc.DestinationID = dest.ID
	r, lines, err := eng.Start(ctx, rc)
	if err != nil {
		fmt.Fprintf(stderr, "pulse-run: %v\n", err)
		return 2
	}
	fmt.Fprintf(stderr, "run %s: %s -> %s (%d events over %s)\n", r.ID(), def.ID, dest.ID, def.TotalEvents(), scenario.Duration(def.TotalDuration()))

	if opts.Timeout > 0 {
		timer := time.AfterFunc(opts.Timeout, r.Cancel)
		defer timer.Stop()
	}
	go func() {
		select {
		case <-ctx.Done():
			r.Cancel()
		case <-r.Done():
		}
	}()

	for line := range lines {
		if !opts.Quiet {
			fmt.Fprintln(stderr, line)
		}
	}
	<-r.Done()
	st := r.Status()

	results := verify.Evaluate(st, exps)
	if err := writeReport(ctx, eng, st, results, opts, stdout); err != nil {
		fmt.Fprintf(stderr, "pulse-run: %v\n", err)
		return 2
	}

	if st.Status != engine.StatusCompleted && !(opts.Run.Continuous && st.Status == engine.StatusCancelled) {
		return 1
	}
	if !verify.Passed(results) {
		return 1
	}
	return 0
}

func loadInputs(opts Options) (*scenario.Definition, *destination.Destination, []verify.Expectation, error) {
	var def *scenario.Definition
	if preset, ok := scenario.Preset(opts.Scenario); ok {
		def = &preset
	} else {
		loaded, err := scenario.LoadFile(opts.Scenario)
		if err != nil {
			return nil, nil, nil, err
		}
		def = loaded
	}
	if err := def.Validate(); err != nil {
		return nil, nil, nil, err
	}

	dest, err := destination.LoadFile(opts.Destination)
	if err != nil {
		return nil, nil, nil, err
	}

	exps := verify.Default()
	if opts.Expect != "" {
		exps, err = verify.LoadFile(opts.Expect)
		if err != nil {
			return nil, nil, nil, err
		}
	}
	return def, dest, exps, nil
}

// engineSource serves the finished run to the report generators.
type engineSource struct {
	eng *engine.Engine
}

func (s engineSource) Run(ctx context.Context, id string) (engine.RunState, error) {
	return s.eng.Status(id)
}

func (s engineSource) Runs(ctx context.Context) ([]engine.RunState, error) {
	return s.eng.Runs(), nil
}

func writeReport(ctx context.Context, eng *engine.Engine, st engine.RunState, results []verify.Result, opts Options, stdout io.Writer) error {
	var output []byte
	if opts.Format == "" {
		output = textReport(st, results)
	} else {
		gen, err := reports.NewReportGenerator(reports.ReportTypePhases, opts.Format, engineSource{eng: eng})
		if err != nil {
			return err
		}
		rd, err := gen.Generate(ctx, reports.ReportParams{RunID: st.RunID})
		if err != nil {
			return fmt.Errorf("failed to generate report: %w", err)
		}
		output, err = io.ReadAll(rd)
		if err != nil {
			return err
		}
	}

	if opts.OutputFile != "" {
		if err := os.WriteFile(opts.OutputFile, output, 0o644); err != nil {
			return fmt.Errorf("failed to write report to %s: %w", opts.OutputFile, err)
		}
		fmt.Fprintf(stdout, "Report written to %s\n", opts.OutputFile)
		return nil
	}
	_, err := stdout.Write(output)
	return err
}

func textReport(st engine.RunState, results []verify.Result) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "\n--- Run Report: %s ---\n", st.ScenarioID)
	fmt.Fprintf(&buf, "Run: %s  Trace: %s  Status: %s\n", st.RunID, st.TraceID, st.Status)
	if st.FinishedAt != nil {
		fmt.Fprintf(&buf, "Wall clock: %s\n", st.FinishedAt.Sub(st.StartedAt).Round(time.Millisecond))
	}
	fmt.Fprintf(&buf, "Emitted: %d | Failed: %d | Noise: %d/%d\n", st.EmittedCount, st.FailedCount, st.NoiseEmitted, st.NoiseEmitted+st.NoiseFailed)
	if st.Iteration > 0 {
		fmt.Fprintf(&buf, "Iterations: %d\n", st.Iteration+1)
	}
	if st.Error != "" {
		fmt.Fprintf(&buf, "Error: %s\n", st.Error)
	}

	buf.WriteString("\nPhases:\n")
	for _, p := range st.Phases {
		fmt.Fprintf(&buf, "  %-24s %6d/%-6d emitted  %6d failed\n", p.Name, p.Emitted, p.EventCount, p.Failed)
	}

	if len(results) > 0 {
		buf.WriteString("\nExpectations:\n")
		for _, r := range results {
			status := "FAIL"
			if r.Passed {
				status = "PASS"
			}
			fmt.Fprintf(&buf, "[%s] %s (%s): Expected %s, Got %s\n", status, r.Metric, r.Scope, r.Expected, r.Actual)
		}
	}
	return buf.Bytes()
}

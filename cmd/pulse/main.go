package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/rmax-ai/pulse/pkg/client"
)

var (
	Version   = "v1.0.0"
	Commit    = "unknown"
	BuildTime = "unknown"
)

const usage = `Usage:
  pulse scenarios
  pulse destinations
  pulse start <scenario> <destination> [-workers N] [-eps N] [-compression N] [-noise N] [-tag-phase] [-follow]
  pulse status <run-id>
  pulse runs [status]
  pulse cancel <run-id>
  pulse watch <run-id>
  pulse report <run-id> [json|csv]
  pulse version
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c := client.NewClient(os.Getenv("PULSE_API"))
	if err := dispatch(ctx, c, os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		var apiErr *client.APIError
		if !errors.As(err, &apiErr) && !errors.Is(err, errUsage) {
			fmt.Fprintln(os.Stderr, "Is pulse-d running?")
		}
		os.Exit(1)
	}
}

var errUsage = errors.New("invalid usage")

func dispatch(ctx context.Context, c *client.Client, args []string, out io.Writer) error {
	if len(args) == 0 {
		fmt.Fprint(out, usage)
		return errUsage
	}
	cmd, rest := args[0], args[1:]

	switch cmd {
	case "version":
		fmt.Fprintf(out, "pulse %s (%s, built %s)\n", Version, Commit, BuildTime)
		return nil

	case "scenarios":
		list, err := c.ListScenarios(ctx)
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tPHASES\tEVENTS\tNAME")
		for _, s := range list {
			events := 0
			for _, p := range s.Phases {
				events += p.EventCount
			}
			fmt.Fprintf(tw, "%s\t%d\t%d\t%s\n", s.ID, len(s.Phases), events, s.Name)
		}
		return tw.Flush()

	case "destinations":
		list, err := c.ListDestinations(ctx)
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tKIND\tNAME")
		for _, d := range list {
			fmt.Fprintf(tw, "%s\t%s\t%s\n", d.ID, d.Kind, d.Name)
		}
		return tw.Flush()

	case "start":
		return start(ctx, c, rest, out)

	case "status":
		if len(rest) != 1 {
			return usageError(out)
		}
		st, err := c.GetRun(ctx, rest[0])
		if err != nil {
			return err
		}
		printStatus(out, st)
		return nil

	case "runs":
		status := ""
		if len(rest) > 0 {
			status = rest[0]
		}
		runs, err := c.ListRuns(ctx, status)
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "RUN\tSCENARIO\tDESTINATION\tSTATUS\tEMITTED\tFAILED")
		for _, r := range runs {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d/%d\t%d\n", r.RunID, r.ScenarioID, r.DestinationID, r.Status, r.EmittedCount, r.Total(), r.FailedCount)
		}
		return tw.Flush()

	case "cancel":
		if len(rest) != 1 {
			return usageError(out)
		}
		h, err := c.CancelRun(ctx, rest[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Run %s: %s\n", h.RunID, h.Status)
		return nil

	case "watch":
		if len(rest) != 1 {
			return usageError(out)
		}
		return watch(ctx, c, rest[0], out)

	case "report":
		if len(rest) < 1 || len(rest) > 2 {
			return usageError(out)
		}
		format := "json"
		if len(rest) == 2 {
			format = rest[1]
		}
		data, err := c.Report(ctx, rest[0], format)
		if err != nil {
			return err
		}
		_, err = out.Write(data)
		return err
	}
	return usageError(out)
}

func usageError(out io.Writer) error {
	fmt.Fprint(out, usage)
	return errUsage
}

func start(ctx context.Context, c *client.Client, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	req := client.RunRequest{TagTrace: true}
	fs.IntVar(&req.Workers, "workers", 4, "")
	fs.Float64Var(&req.EPS, "eps", 100, "")
	fs.Float64Var(&req.TimeCompression, "compression", 1, "")
	fs.IntVar(&req.NoiseCount, "noise", 0, "")
	fs.BoolVar(&req.TagPhase, "tag-phase", false, "")
	fs.BoolVar(&req.Continuous, "continuous", false, "")
	fs.Int64Var(&req.Seed, "seed", 0, "")
	follow := fs.Bool("follow", false, "")

	// Positional arguments come first, flags after.
	var positional []string
	for len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		positional = append(positional, args[0])
		args = args[1:]
	}
	if err := fs.Parse(args); err != nil || len(positional) != 2 {
		return usageError(out)
	}
	req.ScenarioID, req.DestinationID = positional[0], positional[1]
	req.GenerateNoise = req.NoiseCount > 0

	h, err := c.StartRun(ctx, req)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Run Started: %s\nTrace: %s\n", h.RunID, h.TraceID)
	if *follow {
		return watch(ctx, c, h.RunID, out)
	}
	return nil
}

func watch(ctx context.Context, c *client.Client, runID string, out io.Writer) error {
	err := c.StreamProgress(ctx, runID, func(l client.ProgressLine) error {
		fmt.Fprintf(out, "%s %s\n", l.Time.Format("15:04:05"), l.Line)
		return nil
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	st, err := c.GetRun(context.Background(), runID)
	if err != nil {
		return err
	}
	printStatus(out, st)
	return nil
}

func printStatus(out io.Writer, st client.RunStatus) {
	fmt.Fprintf(out, "Run: %s\nScenario: %s -> %s\nStatus: %s\n", st.RunID, st.ScenarioID, st.DestinationID, st.Status)
	fmt.Fprintf(out, "Emitted: %d/%d  Failed: %d  Noise: %d\n", st.EmittedCount, st.Total(), st.FailedCount, st.NoiseEmitted)
	for _, p := range st.Phases {
		fmt.Fprintf(out, "  %-24s %d/%d (%d failed)\n", p.Name, p.Emitted, p.EventCount, p.Failed)
	}
	if st.Error != "" {
		fmt.Fprintf(out, "Error: %s\n", st.Error)
	}
}

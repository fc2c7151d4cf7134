package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rmax-ai/pulse/pkg/client"
)

// Server adapts pulse-d to the Model Context Protocol.
type Server struct {
	mcpServer *server.MCPServer
	apiClient *client.Client
}

// NewServer creates a new MCP server instance.
func NewServer(apiURL string) *Server {
	s := &Server{
		mcpServer: server.NewMCPServer(
			"pulse",
			"1.0.0",
		),
		apiClient: client.NewClient(apiURL),
	}
	s.registerResources()
	s.registerTools()
	s.registerPrompts()
	return s
}

// Serve starts the MCP server on stdio.
func (s *Server) Serve() error {
	return server.ServeStdio(s.mcpServer)
}

// --- Resources ---

func (s *Server) registerResources() {
	s.mcpServer.AddResource(mcp.NewResource(
		"pulse://runs",
		"Pulse Runs",
		mcp.WithResourceDescription("Current and recent scenario runs with per-phase progress"),
		mcp.WithMIMEType("application/json"),
	), s.handleReadRuns)

	s.mcpServer.AddResource(mcp.NewResource(
		"pulse://scenarios",
		"Pulse Scenario Catalog",
		mcp.WithResourceDescription("Attack scenarios available to run"),
		mcp.WithMIMEType("application/json"),
	), s.handleReadScenarios)
}

// --- Tools ---

func (s *Server) registerTools() {
	s.mcpServer.AddTool(mcp.NewTool(
		"start_run",
		mcp.WithDescription("Start replaying a scenario against a destination. Returns the run id."),
		mcp.WithString("scenario_id", mcp.Required(), mcp.Description("Catalog scenario id (see list_scenarios)")),
		mcp.WithString("destination_id", mcp.Required(), mcp.Description("Catalog destination id")),
		mcp.WithNumber("workers", mcp.Description("Worker count (default 4)")),
		mcp.WithNumber("eps", mcp.Description("Events per second ceiling (default 100)")),
		mcp.WithNumber("time_compression", mcp.Description("Virtual seconds per wall-clock second (default 1)")),
		mcp.WithBoolean("tag_phase", mcp.Description("Tag events with the phase name")),
		mcp.WithBoolean("generate_noise", mcp.Description("Mix background noise into the run")),
		mcp.WithNumber("noise_count", mcp.Description("Number of noise events when generate_noise is set")),
	), s.handleStartRun)

	s.mcpServer.AddTool(mcp.NewTool(
		"get_run_status",
		mcp.WithDescription("Report the status and per-phase counts of a run."),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("Run id returned by start_run")),
	), s.handleGetRunStatus)

	s.mcpServer.AddTool(mcp.NewTool(
		"cancel_run",
		mcp.WithDescription("Stop a run. In-flight deliveries get a short grace period."),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("Run id returned by start_run")),
	), s.handleCancelRun)

	s.mcpServer.AddTool(mcp.NewTool(
		"list_scenarios",
		mcp.WithDescription("List the scenarios in the catalog with their phases."),
	), s.handleListScenarios)
}

// --- Prompts ---

func (s *Server) registerPrompts() {
	s.mcpServer.AddPrompt(mcp.NewPrompt(
		"pulse-aware",
		mcp.WithPromptDescription("Provides context about Pulse concepts (Scenarios, Phases, Destinations, Runs)"),
	), s.handleGetPrompt)
}

// --- Handlers ---

func (s *Server) handleReadRuns(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	runs, err := s.apiClient.ListRuns(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("failed to fetch runs: %w", err)
	}
	return jsonResource(request.Params.URI, runs)
}

func (s *Server) handleReadScenarios(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	scenarios, err := s.apiClient.ListScenarios(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch scenarios: %w", err)
	}
	return jsonResource(request.Params.URI, scenarios)
}

func jsonResource(uri string, v interface{}) ([]mcp.ResourceContents, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s: %w", uri, err)
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (s *Server) handleStartRun(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	req := client.RunRequest{
		ScenarioID:      mcp.ParseString(request, "scenario_id", ""),
		DestinationID:   mcp.ParseString(request, "destination_id", ""),
		Workers:         mcp.ParseInt(request, "workers", 4),
		EPS:             mcp.ParseFloat64(request, "eps", 100),
		TimeCompression: mcp.ParseFloat64(request, "time_compression", 1),
		TagPhase:        mcp.ParseBoolean(request, "tag_phase", false),
		TagTrace:        true,
		GenerateNoise:   mcp.ParseBoolean(request, "generate_noise", false),
		NoiseCount:      mcp.ParseInt(request, "noise_count", 0),
	}

	h, err := s.apiClient.StartRun(ctx, req)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("API error: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Run: %s\nStatus: %s\nTrace: %s", h.RunID, h.Status, h.TraceID)), nil
}

func (s *Server) handleGetRunStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID := mcp.ParseString(request, "run_id", "")
	st, err := s.apiClient.GetRun(ctx, runID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("API error: %v", err)), nil
	}
	return mcp.NewToolResultText(formatStatus(st)), nil
}

func (s *Server) handleCancelRun(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID := mcp.ParseString(request, "run_id", "")
	h, err := s.apiClient.CancelRun(ctx, runID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("API error: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Run: %s\nStatus: %s", h.RunID, h.Status)), nil
}

func (s *Server) handleListScenarios(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	list, err := s.apiClient.ListScenarios(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("API error: %v", err)), nil
	}
	var b strings.Builder
	for _, sc := range list {
		fmt.Fprintf(&b, "%s (%s): %d phases\n", sc.ID, sc.Name, len(sc.Phases))
		for _, p := range sc.Phases {
			fmt.Fprintf(&b, "  - %s: %d events over %s starting at +%s\n", p.Name, p.EventCount, p.Duration, p.StartOffset)
		}
	}
	if b.Len() == 0 {
		b.WriteString("no scenarios\n")
	}
	return mcp.NewToolResultText(b.String()), nil
}

func formatStatus(st client.RunStatus) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Run: %s\nScenario: %s\nDestination: %s\nStatus: %s\n", st.RunID, st.ScenarioID, st.DestinationID, st.Status)
	fmt.Fprintf(&b, "Emitted: %d/%d  Failed: %d\n", st.EmittedCount, st.Total(), st.FailedCount)
	if st.NoiseEmitted+st.NoiseFailed > 0 {
		fmt.Fprintf(&b, "Noise: %d emitted, %d failed\n", st.NoiseEmitted, st.NoiseFailed)
	}
	for i, p := range st.Phases {
		marker := " "
		if p.Done {
			marker = "x"
		} else if i == st.PhaseIndex && !st.Terminal() {
			marker = ">"
		}
		fmt.Fprintf(&b, "[%s] %s: %d/%d emitted, %d failed\n", marker, p.Name, p.Emitted, p.EventCount, p.Failed)
	}
	if st.Error != "" {
		fmt.Fprintf(&b, "Error: %s\n", st.Error)
	}
	return b.String()
}

func (s *Server) handleGetPrompt(ctx context.Context, request mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
	name := request.Params.Name
	if name != "pulse-aware" {
		return nil, fmt.Errorf("prompt not found: %s", name)
	}

	promptText := `You are driving Pulse, a synthetic security-event generator used to test SIEM detections.

Concepts:
- Scenario: An attack narrative made of ordered phases (e.g., recon, lateral movement, exfiltration).
- Phase: A window of scenario time that emits a fixed number of events from one generator.
- Destination: Where events are delivered (Splunk HEC or syslog).
- Run: One execution of a scenario against a destination. Runs can compress days of scenario time into minutes.

Use 'list_scenarios' to see what can be replayed, 'start_run' to begin, and 'get_run_status' to follow progress.
Always cancel runs you no longer need with 'cancel_run'.
`

	return mcp.NewGetPromptResult(
		"pulse-aware",
		[]mcp.PromptMessage{
			mcp.NewPromptMessage(mcp.RoleUser, mcp.NewTextContent(promptText)),
		},
	), nil
}

package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/rmax-ai/pulse/pkg/client"
	"github.com/rmax-ai/pulse/pkg/forecast"
)

const (
	viewportHeight = 10
	barWidth       = 40
	requestTimeout = 2 * time.Second
)

// Styles
var (
	subtleStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))

	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("205")).
			Bold(true).
			BorderStyle(lipgloss.NormalBorder()).
			BorderBottom(true).
			Width(100)

	paneStyle = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("63")).
			Padding(0, 1).
			Width(100)

	phaseNameStyle = lipgloss.NewStyle().Width(24)
	selectedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("205")).Bold(true)
)

func statusStyle(status string) lipgloss.Style {
	switch status {
	case "completed":
		return okStyle
	case "failed":
		return errorStyle
	case "cancelling", "cancelled":
		return warnStyle
	default:
		return lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
	}
}

// runsAPI is the part of the SDK the dashboard uses.
type runsAPI interface {
	ListRuns(ctx context.Context, status string) ([]client.RunStatus, error)
	CancelRun(ctx context.Context, runID string) (client.RunHandle, error)
}

type tickMsg time.Time

type dataMsg struct {
	runs []client.RunStatus
	at   time.Time
	err  error
}

type cancelMsg struct {
	runID string
	err   error
}

type model struct {
	api  runsAPI
	poll time.Duration

	spinner  spinner.Model
	viewport viewport.Model
	bar      progress.Model

	runs     []client.RunStatus
	history  *forecast.Window
	selected string // run id
	notice   string
	err      error
	ready    bool
}

func initialModel(api runsAPI, runID string, poll time.Duration) model {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))

	if poll <= 0 {
		poll = time.Second
	}
	return model{
		api:      api,
		poll:     poll,
		spinner:  s,
		viewport: newViewport(100),
		bar:      progress.New(progress.WithDefaultGradient(), progress.WithWidth(barWidth)),
		history:  forecast.NewWindow(30),
		selected: runID,
	}
}

func newViewport(width int) viewport.Model {
	vp := viewport.New(width, viewportHeight)
	vp.Style = lipgloss.NewStyle().
		BorderStyle(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("62")).
		PaddingRight(2)
	return vp
}

func (m model) Init() tea.Cmd {
	return tea.Batch(
		m.spinner.Tick,
		m.fetch(),
		m.tick(),
	)
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var (
		cmd  tea.Cmd
		cmds []tea.Cmd
	)

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "j", "down":
			m.move(1)
			m.updateViewportContent()
			return m, nil
		case "k", "up":
			m.move(-1)
			m.updateViewportContent()
			return m, nil
		case "c":
			if run, ok := m.current(); ok && !run.Terminal() {
				m.notice = fmt.Sprintf("cancelling %s...", run.RunID)
				return m, m.cancel(run.RunID)
			}
			return m, nil
		}
		m.viewport, cmd = m.viewport.Update(msg)
		return m, cmd

	case spinner.TickMsg:
		m.spinner, cmd = m.spinner.Update(msg)
		cmds = append(cmds, cmd)

	case tickMsg:
		cmds = append(cmds, m.fetch(), m.tick())

	case dataMsg:
		if msg.err != nil {
			m.err = msg.err
		} else {
			m.err = nil
			m.runs = msg.runs
			m.observe(msg.at)
			if _, ok := m.current(); !ok && len(m.runs) > 0 {
				m.selected = m.runs[0].RunID
			}
			m.updateViewportContent()
		}
		m.ready = true

	case cancelMsg:
		if msg.err != nil {
			m.notice = fmt.Sprintf("cancel %s failed: %v", msg.runID, msg.err)
		} else {
			m.notice = fmt.Sprintf("cancel requested for %s", msg.runID)
		}
		cmds = append(cmds, m.fetch())

	case tea.WindowSizeMsg:
		m.viewport.Width = msg.Width
		m.viewport.Height = viewportHeight
		m.ready = true
	}

	return m, tea.Batch(cmds...)
}

func (m model) observe(at time.Time) {
	keep := make(map[string]bool, len(m.runs))
	for _, r := range m.runs {
		keep[r.RunID] = true
		if !r.Terminal() {
			m.history.Observe(r.RunID, forecast.Sample{Timestamp: at, Done: r.EmittedCount + r.FailedCount})
		}
	}
	m.history.Forget(keep)
}

// eta renders the estimated time left for a running run.
func (m model) eta(run client.RunStatus) string {
	if run.Terminal() || run.Total() == 0 {
		return ""
	}
	est, err := forecast.Predict(m.history.History(run.RunID), run.Total()-run.EmittedCount-run.FailedCount)
	switch {
	case err != nil:
		return subtleStyle.Render("ETA estimating...")
	case est.Stalled:
		return warnStyle.Render("ETA stalled")
	default:
		return fmt.Sprintf("ETA %s (p90 %s) at %.0f ev/s", est.P50.Round(time.Second), est.P90.Round(time.Second), est.Rate)
	}
}

func (m model) current() (client.RunStatus, bool) {
	for _, r := range m.runs {
		if r.RunID == m.selected {
			return r, true
		}
	}
	return client.RunStatus{}, false
}

func (m *model) move(delta int) {
	if len(m.runs) == 0 {
		return
	}
	idx := 0
	for i, r := range m.runs {
		if r.RunID == m.selected {
			idx = i
			break
		}
	}
	idx += delta
	if idx < 0 {
		idx = 0
	}
	if idx >= len(m.runs) {
		idx = len(m.runs) - 1
	}
	m.selected = m.runs[idx].RunID
}

func (m *model) updateViewportContent() {
	var sb strings.Builder
	for _, r := range m.runs {
		cursor := "  "
		id := r.RunID
		if r.RunID == m.selected {
			cursor = "> "
			id = selectedStyle.Render(id)
		}
		fmt.Fprintf(&sb, "%s%s %-22s %s %d/%d\n",
			cursor,
			id,
			r.ScenarioID,
			statusStyle(r.Status).Render(fmt.Sprintf("%-10s", r.Status)),
			r.EmittedCount,
			r.Total(),
		)
	}
	m.viewport.SetContent(sb.String())
}

func (m model) View() string {
	if !m.ready {
		return fmt.Sprintf("\n%s Connecting...", m.spinner.View())
	}

	var top strings.Builder
	run, ok := m.current()
	if !ok {
		top.WriteString(subtleStyle.Render("No runs yet. Start one with pulse-run, the API, or the MCP start_run tool."))
	} else {
		top.WriteString(lipgloss.NewStyle().Bold(true).Underline(true).Render(run.ScenarioID))
		fmt.Fprintf(&top, "  %s  trace %s  %s\n\n", statusStyle(run.Status).Render(run.Status), run.TraceID, m.eta(run))
		for i, p := range run.Phases {
			pct := 0.0
			if p.EventCount > 0 {
				pct = float64(p.Emitted+p.Failed) / float64(p.EventCount)
			}
			if pct > 1 {
				pct = 1
			}
			name := p.Name
			if i == run.PhaseIndex && !run.Terminal() {
				name = "▸ " + name
			}
			fmt.Fprintf(&top, "%s %s %d/%d", phaseNameStyle.Render(name), m.bar.ViewAs(pct), p.Emitted, p.EventCount)
			if p.Failed > 0 {
				top.WriteString(errorStyle.Render(fmt.Sprintf("  %d failed", p.Failed)))
			}
			top.WriteString("\n")
		}
		if run.NoiseEmitted+run.NoiseFailed > 0 {
			fmt.Fprintf(&top, "%s %d emitted, %d failed\n", phaseNameStyle.Render("noise"), run.NoiseEmitted, run.NoiseFailed)
		}
		if run.Degraded {
			top.WriteString(warnStyle.Render("destination degraded") + "\n")
		}
		if run.Error != "" {
			top.WriteString(errorStyle.Render(run.Error) + "\n")
		}
	}
	topPane := paneStyle.Render(top.String())

	header := headerStyle.Render(fmt.Sprintf("%s Runs", m.spinner.View()))

	var status string
	if m.err != nil {
		status = errorStyle.Render(fmt.Sprintf("Offline: %v", m.err))
	} else {
		active := 0
		for _, r := range m.runs {
			if !r.Terminal() {
				active++
			}
		}
		status = okStyle.Render(fmt.Sprintf("Online • %d Runs • %d Active", len(m.runs), active))
	}
	if m.notice != "" {
		status += "  " + subtleStyle.Render(m.notice)
	}
	footer := subtleStyle.Render(fmt.Sprintf("\n%s\nj/k select • c cancel • q quit", status))

	return lipgloss.JoinVertical(lipgloss.Left, topPane, header, m.viewport.View(), footer)
}

// Commands

func (m model) fetch() tea.Cmd {
	api := m.api
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		runs, err := api.ListRuns(ctx, "")
		return dataMsg{runs: runs, at: time.Now(), err: err}
	}
}

func (m model) cancel(runID string) tea.Cmd {
	api := m.api
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		_, err := api.CancelRun(ctx, runID)
		return cancelMsg{runID: runID, err: err}
	}
}

func (m model) tick() tea.Cmd {
	return tea.Tick(m.poll, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

package main

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"runwatch/internal/evaluation"
	"runwatch/internal/monitor"
	"runwatch/internal/runstate"
	"runwatch/internal/stream"
)

var (
	titleStyle    = lipgloss.NewStyle().Bold(true)
	dimStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	successStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	failureStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	runningStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	kickbackStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))
	bannerStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
)

type snapshotMsg monitor.Snapshot

type streamDoneMsg struct{}

type watchModel struct {
	runID    string
	cancel   context.CancelFunc
	spinner  spinner.Model
	snapshot monitor.Snapshot
	seen     bool
	done     bool
}

func newWatchModel(runID string, cancel context.CancelFunc) watchModel {
	sp := spinner.New(spinner.WithSpinner(spinner.Dot))
	return watchModel{runID: runID, cancel: cancel, spinner: sp}
}

func (m watchModel) Init() tea.Cmd {
	return m.spinner.Tick
}

func (m watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.cancel()
			return m, tea.Quit
		}
	case snapshotMsg:
		m.snapshot = monitor.Snapshot(msg)
		m.seen = true
		return m, nil
	case streamDoneMsg:
		m.done = true
		return m, tea.Quit
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m watchModel) View() string {
	var b strings.Builder

	name := m.snapshot.Run.WorkflowName
	if name == "" {
		name = "(waiting for workflow_start)"
	}
	fmt.Fprintf(&b, "%s %s\n", titleStyle.Render(name), dimStyle.Render(m.runID))
	fmt.Fprintf(&b, "status: %s   %s\n\n",
		workflowStatusView(m.snapshot.Run.WorkflowStatus),
		connectionView(m.snapshot.Connection, m.spinner.View()))

	if !m.seen {
		b.WriteString(dimStyle.Render("waiting for events...") + "\n")
		return b.String()
	}

	for _, step := range m.snapshot.Run.Steps {
		b.WriteString("  " + stepView(step) + "\n")
	}

	if edges := edgesView(m.snapshot); edges != "" {
		b.WriteString("\n" + edges)
	}
	if m.snapshot.Evaluation != nil {
		b.WriteString("\n" + evaluationView(*m.snapshot.Evaluation))
	}
	if m.snapshot.Run.LastError != "" {
		b.WriteString("\n" + bannerStyle.Render("stream error: "+m.snapshot.Run.LastError) + "\n")
	}

	if m.done {
		b.WriteString("\n" + dimStyle.Render("stream closed") + "\n")
	} else {
		b.WriteString("\n" + dimStyle.Render("q to quit") + "\n")
	}
	return b.String()
}

func workflowStatusView(status runstate.WorkflowStatus) string {
	switch status {
	case runstate.StatusSuccess:
		return successStyle.Render(string(status))
	case runstate.StatusFailure, runstate.StatusError:
		return failureStyle.Render(string(status))
	case runstate.StatusRunning, runstate.StatusEvaluating:
		return runningStyle.Render(string(status))
	default:
		return dimStyle.Render(string(status))
	}
}

func connectionView(status stream.Status, spin string) string {
	switch status.State {
	case stream.StateOpen:
		return dimStyle.Render("connected")
	case stream.StateConnecting:
		return spin + dimStyle.Render(" connecting")
	case stream.StateError:
		return failureStyle.Render(fmt.Sprintf("reconnecting (attempt %d)", status.Attempts))
	default:
		return dimStyle.Render(string(status.State))
	}
}

func stepView(step runstate.StepState) string {
	var status string
	switch step.Status {
	case runstate.StepSuccess:
		status = successStyle.Render("✔")
	case runstate.StepFailure:
		status = failureStyle.Render("✘")
	case runstate.StepRunning:
		status = runningStyle.Render("▶")
	case runstate.StepSkipped:
		status = dimStyle.Render("−")
	default:
		status = dimStyle.Render("·")
	}

	line := fmt.Sprintf("%s %-20s", status, step.Step)
	if step.Duration > 0 {
		line += dimStyle.Render(step.Duration.Truncate(time.Millisecond).String())
	}
	if step.ModelUsed != "" {
		model := step.ModelUsed
		if step.ModelInferred {
			model += "?"
		}
		line += dimStyle.Render("  " + model)
	}
	if step.TokensUsed > 0 {
		line += dimStyle.Render(fmt.Sprintf("  %d tok", step.TokensUsed))
	}
	return line
}

func edgesView(snapshot monitor.Snapshot) string {
	keys := make([]string, 0, len(snapshot.Traversals))
	for key := range snapshot.Traversals {
		keys = append(keys, key)
	}
	for key := range snapshot.Kickbacks {
		if _, counted := snapshot.Traversals[key]; !counted {
			keys = append(keys, key)
		}
	}
	if len(keys) == 0 {
		return ""
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(dimStyle.Render("edges:") + "\n")
	for _, key := range keys {
		line := fmt.Sprintf("  %-36s ×%d", key, snapshot.Traversals[key])
		if _, kick := snapshot.Kickbacks[key]; kick {
			line += "  " + kickbackStyle.Render("⟲ kickback")
		}
		b.WriteString(line + "\n")
	}
	return b.String()
}

func evaluationView(summary evaluation.Summary) string {
	var b strings.Builder
	verdict := failureStyle.Render("failed")
	if summary.Passed {
		verdict = successStyle.Render("passed")
	}
	fmt.Fprintf(&b, "%s %.1f (%s, threshold %.0f, %s)\n",
		titleStyle.Render("evaluation:"), summary.WeightedScore, summary.Grade,
		summary.PassThreshold, verdict)
	for _, c := range summary.Criteria {
		fmt.Fprintf(&b, "  %-20s %5.1f%%  %s\n",
			c.Criterion, c.Percent, dimStyle.Render(fmt.Sprintf("%.1f/%.1f ·%.1f", c.Score, c.MaxScore, c.Weight)))
	}
	return b.String()
}

func watchTUI(ctx context.Context, cancel context.CancelFunc, s *stream.Stream, m *monitor.RunMonitor, runID string) error {
	program := tea.NewProgram(newWatchModel(runID, cancel))

	go func() {
		_ = monitor.Follow(ctx, s, m, func(snapshot monitor.Snapshot) {
			program.Send(snapshotMsg(snapshot))
		})
		program.Send(streamDoneMsg{})
	}()

	_, err := program.Run()
	cancel()
	if err != nil {
		return fmt.Errorf("watch view: %w", err)
	}
	printFinal(m.Snapshot())
	return nil
}

// printFinal leaves the run's final state on the terminal after the TUI exits.
func printFinal(snapshot monitor.Snapshot) {
	fmt.Printf("final status: %s\n", statusColor(string(snapshot.Run.WorkflowStatus)))
	for _, step := range snapshot.Run.Steps {
		fmt.Printf("  %-20s %-10s %s\n", step.Step, step.Status,
			step.Duration.Truncate(time.Millisecond))
	}
	for key := range snapshot.Kickbacks {
		if count := snapshot.Traversals[key]; count > 0 {
			fmt.Printf("  rework loop %s traversed %d times\n", key, count)
		}
	}
}

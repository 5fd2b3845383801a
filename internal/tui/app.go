// Package tui is the read-only operator console: a live grid of runs by
// pipelines, refreshed from the state store on a timer. It follows The Elm
// Architecture used throughout the charmbracelet stack: model, update, view.
package tui

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/seqops/autoseq/internal/pipeline"
	"github.com/seqops/autoseq/internal/state"
)

const refreshInterval = 3 * time.Second

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#5B8DEF"))
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#AAAAAA"))
	runStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFFFFF"))
	footerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#888888"))
	errStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF6B6B"))
)

// StateReader is the snapshot interface the console needs; *state.Store
// satisfies it.
type StateReader interface {
	Runs() ([]string, error)
	Load(runID string) (map[pipeline.Key]state.Record, error)
}

// RunRow is one rendered line: a run and its per-pipeline records.
type RunRow struct {
	RunID   string
	Records map[pipeline.Key]state.Record
}

type refreshMsg struct {
	rows []RunRow
	err  error
}

type tickMsg struct{}

// App is the console model.
type App struct {
	reader  StateReader
	graph   *pipeline.Graph
	spinner spinner.Model
	rows    []RunRow
	err     error
	width   int
	loaded  bool
}

// NewApp creates the console against a state reader and the configured
// pipeline graph.
func NewApp(reader StateReader, graph *pipeline.Graph) App {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	return App{reader: reader, graph: graph, spinner: sp}
}

// Init starts the spinner and the first refresh.
func (a App) Init() tea.Cmd {
	return tea.Batch(a.spinner.Tick, a.refresh)
}

// Update handles key presses, refresh results, and the refresh timer.
func (a App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return a, tea.Quit
		case "r":
			return a, a.refresh
		}
	case tea.WindowSizeMsg:
		a.width = msg.Width
	case refreshMsg:
		a.rows = msg.rows
		a.err = msg.err
		a.loaded = true
		return a, tea.Tick(refreshInterval, func(time.Time) tea.Msg { return tickMsg{} })
	case tickMsg:
		return a, a.refresh
	case spinner.TickMsg:
		var cmd tea.Cmd
		a.spinner, cmd = a.spinner.Update(msg)
		return a, cmd
	}
	return a, nil
}

// View renders the status grid.
func (a App) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("autoseq — analysis status"))
	b.WriteString("\n\n")
	if !a.loaded {
		b.WriteString(a.spinner.View() + " loading state...\n")
		return b.String()
	}
	if a.err != nil {
		b.WriteString(errStyle.Render(fmt.Sprintf("state read error: %v", a.err)))
		b.WriteString("\n")
	}
	keys := a.graph.Keys()
	header := fmt.Sprintf("%-32s", "run")
	for _, key := range keys {
		header += fmt.Sprintf(" %-24s", shortLabel(key))
	}
	b.WriteString(headerStyle.Render(header))
	b.WriteString("\n")
	if len(a.rows) == 0 {
		b.WriteString("No runs tracked yet.\n")
	}
	for _, row := range a.rows {
		line := runStyle.Render(fmt.Sprintf("%-32s", row.RunID))
		for _, key := range keys {
			record, ok := row.Records[key]
			if !ok {
				record = state.Record{Status: state.StatusNotStarted}
			}
			line += fmt.Sprintf(" %-24s", statusCell(record))
		}
		b.WriteString(line)
		b.WriteString("\n")
	}
	b.WriteString("\n")
	b.WriteString(footerStyle.Render("r: refresh now • q: quit"))
	b.WriteString("\n")
	return b.String()
}

func (a App) refresh() tea.Msg {
	runIDs, err := a.reader.Runs()
	if err != nil {
		return refreshMsg{err: err}
	}
	sort.Strings(runIDs)
	rows := make([]RunRow, 0, len(runIDs))
	for _, runID := range runIDs {
		records, err := a.reader.Load(runID)
		if err != nil {
			return refreshMsg{err: err}
		}
		rows = append(rows, RunRow{RunID: runID, Records: records})
	}
	return refreshMsg{rows: rows}
}

func statusCell(record state.Record) string {
	icon := statusIcon(record.Status)
	label := string(record.Status)
	if record.Status == state.StatusFailed && record.ExitCode != nil {
		label = fmt.Sprintf("failed (%d)", *record.ExitCode)
	}
	return icon + " " + label
}

func statusIcon(status state.Status) string {
	switch status {
	case state.StatusComplete:
		return "✓"
	case state.StatusFailed:
		return "✗"
	case state.StatusInProgress:
		return "●"
	case state.StatusExcluded:
		return "○"
	default:
		return "·"
	}
}

func shortLabel(key pipeline.Key) string {
	name := key.Name
	if idx := strings.LastIndex(name, "/"); idx >= 0 {
		name = name[idx+1:]
	}
	return name + "@" + key.Version
}

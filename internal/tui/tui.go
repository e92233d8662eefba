// Package tui implements the interactive, full-screen progress view used
// when fleetctl's output is attached to a terminal. Non-interactive runs
// use internal/progress's quiet tabwriter sink instead.
package tui

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/v2/spinner"
	tea "github.com/charmbracelet/bubbletea/v2"
	"github.com/charmbracelet/lipgloss/v2"
	"golang.org/x/term"

	"github.com/skaphos/fleetctl/internal/progress"
)

var (
	styleDone    = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	styleFailed  = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	styleRunning = lipgloss.NewStyle().Foreground(lipgloss.Color("4"))
	styleMuted   = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	styleHeader  = lipgloss.NewStyle().Bold(true)
)

type rowState struct {
	repoID  string
	state   progress.RepoState
	detail  string
	started time.Time
}

type tickMsg time.Time

type updateMsg progress.RepoUpdate

type finishMsg struct{}

// model is the bubbletea.Model backing the live progress screen.
type model struct {
	total int
	rows  map[string]*rowState
	order []string
	done  int64
	quit  bool
	spin  spinner.Model
}

func newModel(total int) *model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = styleRunning
	return &model{total: total, rows: map[string]*rowState{}, spin: sp}
}

func (m *model) Init() tea.Cmd {
	return tea.Batch(m.spin.Tick, tickCmd())
}

func tickCmd() tea.Cmd {
	return tea.Tick(200*time.Millisecond, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m *model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "ctrl+c" || msg.String() == "q" {
			m.quit = true
			return m, tea.Quit
		}
	case updateMsg:
		row, ok := m.rows[msg.RepoID]
		if !ok {
			row = &rowState{repoID: msg.RepoID}
			m.rows[msg.RepoID] = row
			m.order = append(m.order, msg.RepoID)
		}
		row.state = msg.State
		row.detail = msg.Detail
		if msg.State == progress.RepoRunning {
			row.started = msg.Started
		}
		return m, nil
	case finishMsg:
		m.quit = true
		return m, tea.Quit
	case tickMsg:
		return m, tickCmd()
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m *model) View() string {
	sort.Strings(m.order)
	var b strings.Builder
	b.WriteString(styleHeader.Render(fmt.Sprintf("fleetctl — %d repos", m.total)))
	b.WriteString("\n")
	for _, id := range m.order {
		row := m.rows[id]
		b.WriteString(m.renderRow(row))
		b.WriteString("\n")
	}
	return b.String()
}

func (m *model) renderRow(row *rowState) string {
	switch row.state {
	case progress.RepoDone:
		return styleDone.Render("done    ") + row.repoID
	case progress.RepoFailed:
		return styleFailed.Render("failed  ") + row.repoID + " " + styleMuted.Render(row.detail)
	case progress.RepoSkipped:
		return styleMuted.Render("skipped ") + row.repoID
	case progress.RepoRateLimited:
		return styleFailed.Render("limited ") + row.repoID
	case progress.RepoRunning:
		return m.spin.View() + " " + styleRunning.Render("running ") + row.repoID
	default:
		return styleMuted.Render("pending ") + row.repoID
	}
}

// Sink is the bubbletea-backed implementation of progress.Sink used when
// stdout is an interactive terminal.
type Sink struct {
	mu      sync.Mutex
	program *tea.Program
	done    chan struct{}
}

// NewSink starts an interactive progress program in the background. Callers
// must call Finish to stop it and wait for its goroutine to exit.
func NewSink(total int) *Sink {
	m := newModel(total)
	program := tea.NewProgram(m, tea.WithAltScreen())
	s := &Sink{program: program, done: make(chan struct{})}
	go func() {
		_, _ = program.Run()
		close(s.done)
	}()
	return s
}

func (s *Sink) Begin(total int) {}

func (s *Sink) Tick(update progress.RepoUpdate) {
	s.program.Send(updateMsg(update))
}

func (s *Sink) Finish(stats *progress.Statistics) {
	s.program.Send(finishMsg{})
	<-s.done
}

// IsInteractive reports whether stdout is attached to a terminal, the
// signal used to decide between this package's Sink and the quiet one.
func IsInteractive() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// Run launches a no-op interactive session and exits immediately; it exists
// as a smoke-test entrypoint and is not used by the CLI command tree, which
// wires NewSink directly into its own lifecycle.
func Run() error {
	if !IsInteractive() {
		return nil
	}
	m := newModel(0)
	program := tea.NewProgram(m, tea.WithAltScreen())
	program.Send(finishMsg{})
	_, err := program.Run()
	return err
}

// Package progress draws a spinner on stderr while evaluations run.
//
// The program does not read the terminal or install signal handlers, so
// Ctrl-C still reaches the command's context.
package progress

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

var (
	spinnerStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("12"))
	okStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	failStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

// doneMsg reports one finished document.
type doneMsg struct {
	label string
	note  string
	err   error
}

// stopMsg ends the program.
type stopMsg struct{}

type model struct {
	spinner  spinner.Model
	total    int
	finished int
	failed   int
	started  time.Time
	now      func() time.Time
	quitting bool
}

func newModel(total int) model {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = spinnerStyle
	return model{spinner: s, total: total, started: time.Now(), now: time.Now}
}

func (m model) Init() tea.Cmd {
	return m.spinner.Tick
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case doneMsg:
		m.finished++
		line := okStyle.Render("✓") + " " + msg.label
		if msg.err != nil {
			m.failed++
			line = failStyle.Render("✗") + " " + msg.label + dimStyle.Render(": "+msg.err.Error())
		} else if msg.note != "" {
			line += dimStyle.Render(" " + msg.note)
		}
		return m, tea.Println(line)
	case stopMsg:
		m.quitting = true
		return m, tea.Quit
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m model) View() string {
	if m.quitting {
		return ""
	}
	elapsed := m.now().Sub(m.started).Round(time.Second)
	status := fmt.Sprintf("Evaluating %d/%d", m.finished, m.total)
	if m.total == 1 {
		status = "Evaluating"
	}
	if m.failed > 0 {
		status += failStyle.Render(fmt.Sprintf(" (%d failed)", m.failed))
	}
	return fmt.Sprintf("%s %s %s\n", m.spinner.View(), status, dimStyle.Render(elapsed.String()))
}

// Tracker owns a running spinner. A nil *Tracker is a valid no-op.
type Tracker struct {
	program *tea.Program
	done    chan struct{}
	once    sync.Once
}

// Start shows a spinner for total documents on out.
func Start(out io.Writer, total int) *Tracker {
	t := &Tracker{
		program: tea.NewProgram(newModel(total),
			tea.WithOutput(out),
			tea.WithInput(nil),
			tea.WithoutSignalHandler(),
		),
		done: make(chan struct{}),
	}
	go func() {
		defer close(t.done)
		_, _ = t.program.Run()
	}()
	return t
}

// Done records a finished document. note is shown after a success.
func (t *Tracker) Done(label, note string, err error) {
	if t == nil {
		return
	}
	t.program.Send(doneMsg{label: label, note: note, err: err})
}

// Stop removes the spinner and waits for the terminal to be restored.
func (t *Tracker) Stop() {
	if t == nil {
		return
	}
	t.once.Do(func() {
		t.program.Send(stopMsg{})
		<-t.done
	})
}

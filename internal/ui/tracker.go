package ui

import (
	"context"
	"io"

	tea "github.com/charmbracelet/bubbletea"
)

// StepMsg reports a step transition to the progress model
type StepMsg struct {
	Number  int
	Status  StepStatus
	Message string
}

// progressModel is a Bubble Tea model that redraws a Progress on every
// step transition and exits once every step has finished
type progressModel struct {
	progress *Progress
}

// Init implements tea.Model
func (m progressModel) Init() tea.Cmd {
	if m.progress.Done() {
		return tea.Quit
	}
	return nil
}

// Update implements tea.Model
func (m progressModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case StepMsg:
		m.progress.UpdateStep(msg.Number, msg.Status, msg.Message)
		if m.progress.Done() {
			return m, tea.Quit
		}
	case tea.WindowSizeMsg:
		width := msg.Width
		if width > MaxContentWidth {
			width = MaxContentWidth
		}
		if width >= MinTerminalWidth {
			m.progress.SetWidth(width)
		}
	}
	return m, nil
}

// View implements tea.Model
func (m progressModel) View() string {
	return m.progress.Render() + "\n"
}

// Tracker shows live per-device progress while a query runs. A nil Tracker
// is valid and does nothing, so callers can skip it when output is not a
// terminal.
type Tracker struct {
	program *tea.Program
	done    chan error
}

// NewTracker creates a tracker with one step per name. Keyboard input is not
// read, so SIGINT still reaches the caller's context.
func NewTracker(ctx context.Context, label string, names []string, out io.Writer) *Tracker {
	model := progressModel{progress: NewProgress(label, names)}
	return &Tracker{
		program: tea.NewProgram(model,
			tea.WithContext(ctx),
			tea.WithInput(nil),
			tea.WithOutput(out),
		),
		done: make(chan error, 1),
	}
}

// Start runs the display in the background
func (t *Tracker) Start() {
	if t == nil {
		return
	}
	go func() {
		_, err := t.program.Run()
		t.done <- err
	}()
}

// Update moves a step (1-based) to status. It returns once the display has
// taken the change, or immediately if the display already exited.
func (t *Tracker) Update(step int, status StepStatus, message string) {
	if t == nil {
		return
	}
	t.program.Send(StepMsg{Number: step, Status: status, Message: message})
}

// Wait blocks until the display exits. The display exits by itself after
// the last step finishes.
func (t *Tracker) Wait() error {
	if t == nil {
		return nil
	}
	return <-t.done
}

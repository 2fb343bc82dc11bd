package ui

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
)

func TestProgressUpdateStep(t *testing.T) {
	p := NewProgress("Querying 3 device(s)...", []string{"desk", "porch", "10.0.0.9"})

	tests := []struct {
		step        int
		status      StepStatus
		wantPercent float64
		wantCurrent int
		wantDone    bool
	}{
		{1, StepRunning, 0, 1, false},
		{2, StepRunning, 0, 2, false},
		{1, StepComplete, 1.0 / 3, 2, false},
		{7, StepComplete, 1.0 / 3, 2, false},
		{2, StepFailed, 2.0 / 3, 2, false},
		{3, StepComplete, 1, 2, true},
	}
	for _, tt := range tests {
		p.UpdateStep(tt.step, tt.status, "")
		if p.Percent != tt.wantPercent || p.Current != tt.wantCurrent || p.Done() != tt.wantDone {
			t.Errorf("after step %d -> %d: percent = %v current = %d done = %v, want %v %d %v",
				tt.step, tt.status, p.Percent, p.Current, p.Done(), tt.wantPercent, tt.wantCurrent, tt.wantDone)
		}
	}
}

func TestProgressRender(t *testing.T) {
	p := NewProgress("Querying 2 device(s)...", []string{"desk plug", "porch"}).SetWidth(80)
	p.UpdateStep(1, StepComplete, "84ms")
	p.UpdateStep(2, StepFailed, "10s")

	out := p.Render()
	for _, want := range []string{"Querying 2 device(s)...", "[1/2] ", "desk plug", "(84ms)", "porch", SuccessMarker, FailureMarker, "100%", "[2/2]"} {
		if !strings.Contains(out, want) {
			t.Errorf("render missing %q:\n%s", want, out)
		}
	}
	if p.String() != out {
		t.Error("String() should match Render()")
	}
}

func TestProgressModel(t *testing.T) {
	m := progressModel{progress: NewProgress("", []string{"a", "b"})}
	if cmd := m.Init(); cmd != nil {
		t.Error("Init() should wait for steps")
	}

	next, cmd := m.Update(StepMsg{Number: 1, Status: StepComplete})
	if cmd != nil {
		t.Error("model should keep running while a step is pending")
	}
	next, cmd = next.Update(StepMsg{Number: 2, Status: StepFailed, Message: "timeout"})
	if cmd == nil {
		t.Fatal("model should quit after the last step")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Error("final command should be tea.Quit")
	}
	if view := next.View(); !strings.Contains(view, "(timeout)") {
		t.Errorf("view missing step note:\n%s", view)
	}

	next.Update(tea.WindowSizeMsg{Width: 300, Height: 40})
	if m.progress.Width != MaxContentWidth {
		t.Errorf("width = %d, want capped at %d", m.progress.Width, MaxContentWidth)
	}
}

func TestTrackerRunsUntilLastStep(t *testing.T) {
	var out bytes.Buffer
	tr := NewTracker(context.Background(), "Querying", []string{"desk", "porch"}, &out)
	tr.Start()
	tr.Update(1, StepRunning, "")
	tr.Update(2, StepRunning, "")
	tr.Update(1, StepComplete, "5ms")
	tr.Update(2, StepComplete, "7ms")

	done := make(chan error, 1)
	go func() { done <- tr.Wait() }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Wait() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("tracker did not exit after the last step")
	}
	if !strings.Contains(out.String(), "porch") {
		t.Errorf("output missing step name:\n%s", out.String())
	}
}

func TestNilTracker(t *testing.T) {
	var tr *Tracker
	tr.Start()
	tr.Update(1, StepComplete, "")
	if err := tr.Wait(); err != nil {
		t.Errorf("Wait() = %v", err)
	}
}

package ui

import (
	"os"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
)

// Color palette for query output
var (
	PrimaryColor = lipgloss.Color("#7D56F4") // Purple - headers, borders
	SuccessColor = lipgloss.Color("#43BF6D") // Green - successful calls
	ErrorColor   = lipgloss.Color("#FF5555") // Red - failed calls
	WarningColor = lipgloss.Color("#FFA500") // Orange - retryable failures
	MutedColor   = lipgloss.Color("#626262") // Gray - secondary info
	TextColor    = lipgloss.Color("#FFFFFF") // White - main content
)

// Layout constants
const (
	MinTerminalWidth = 60
	MaxContentWidth  = 100
)

var (
	// HeaderTitleStyle is for the device alias or host
	HeaderTitleStyle = lipgloss.NewStyle().
				Foreground(TextColor).
				Bold(true).
				PaddingLeft(2)

	// HeaderParamKeyStyle is for parameter keys (e.g., "Transport:")
	HeaderParamKeyStyle = lipgloss.NewStyle().
				Foreground(MutedColor).
				PaddingLeft(2)

	HeaderParamValueStyle = lipgloss.NewStyle().
				Foreground(TextColor)

	// MethodOKStyle is for the name of a call that succeeded
	MethodOKStyle = lipgloss.NewStyle().
			Foreground(SuccessColor).
			Bold(true)

	// MethodFailedStyle is for the name of a call that failed
	MethodFailedStyle = lipgloss.NewStyle().
				Foreground(ErrorColor).
				Bold(true)

	// RetryableStyle marks failures the device may accept later
	RetryableStyle = lipgloss.NewStyle().
			Foreground(WarningColor).
			Italic(true)

	// ValueStyle is for the indented result body
	ValueStyle = lipgloss.NewStyle().
			Foreground(TextColor).
			PaddingLeft(4)

	// ErrorMessageStyle is for error message text
	ErrorMessageStyle = lipgloss.NewStyle().
				Foreground(ErrorColor).
				PaddingLeft(4)

	// MutedStyle is for hints and timestamps
	MutedStyle = lipgloss.NewStyle().
			Foreground(MutedColor)

	// ProgressLabelStyle is for "Querying 3 devices..."
	ProgressLabelStyle = lipgloss.NewStyle().
				Foreground(TextColor).
				PaddingLeft(2)

	StepCompleteStyle = lipgloss.NewStyle().
				Foreground(SuccessColor)

	StepRunningStyle = lipgloss.NewStyle().
				Foreground(WarningColor)

	StepFailedStyle = lipgloss.NewStyle().
			Foreground(ErrorColor)

	StepPendingStyle = lipgloss.NewStyle().
				Foreground(MutedColor)

	// StepNoteStyle is for the elapsed time or call summary after a step
	StepNoteStyle = lipgloss.NewStyle().
			Foreground(MutedColor).
			Italic(true)
)

// Markers
const (
	SuccessMarker = "✓"
	FailureMarker = "✗"

	StepMarkerRunning = "●"
	StepMarkerPending = "·"
)

// GetTerminalWidth returns the current terminal width, with fallback
func GetTerminalWidth() int {
	width, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || width < MinTerminalWidth {
		return MinTerminalWidth
	}
	if width > MaxContentWidth {
		return MaxContentWidth
	}
	return width
}

// BoxStyle returns the rounded border used around headers
func BoxStyle(width int) lipgloss.Style {
	return lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(PrimaryColor).
		Width(width - 2)
}

// ErrorBoxStyle returns the border style for whole-query failures
func ErrorBoxStyle(width int) lipgloss.Style {
	return lipgloss.NewStyle().
		Border(lipgloss.DoubleBorder()).
		BorderForeground(ErrorColor).
		Width(width - 2).
		Padding(0, 2)
}

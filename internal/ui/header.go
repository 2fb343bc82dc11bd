package ui

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Param is one line of a header. Params render in the order given.
type Param struct {
	Key   string
	Value string
}

// Header is the banner printed before a device's results
type Header struct {
	Title  string  // Alias or host
	Params []Param // e.g. Transport, Address, Methods
	Width  int
}

// NewHeader creates a header sized to the terminal
func NewHeader(title string, params ...Param) *Header {
	return &Header{
		Title:  title,
		Params: params,
		Width:  GetTerminalWidth(),
	}
}

// SetWidth sets the width for rendering
func (h *Header) SetWidth(width int) *Header {
	h.Width = width
	return h
}

// Render returns the styled header as a string
func (h *Header) Render() string {
	width := h.Width
	if width < MinTerminalWidth {
		width = MinTerminalWidth
	}

	title := HeaderTitleStyle.Render(h.Title)
	if len(h.Params) == 0 {
		return BoxStyle(width).Render(title)
	}

	keyWidth := 0
	for _, p := range h.Params {
		if len(p.Key) > keyWidth {
			keyWidth = len(p.Key)
		}
	}

	dividerWidth := width - 6
	if dividerWidth < 10 {
		dividerWidth = 10
	}
	divider := lipgloss.NewStyle().
		Foreground(PrimaryColor).
		Render(strings.Repeat("─", dividerWidth))

	lines := make([]string, 0, len(h.Params))
	for _, p := range h.Params {
		key := HeaderParamKeyStyle.Render(p.Key + ":" + strings.Repeat(" ", keyWidth-len(p.Key)))
		lines = append(lines, key+" "+HeaderParamValueStyle.Render(p.Value))
	}

	content := lipgloss.JoinVertical(lipgloss.Left, title, divider, strings.Join(lines, "\n"))
	return BoxStyle(width).Render(content)
}

// String implements fmt.Stringer
func (h *Header) String() string {
	return h.Render()
}

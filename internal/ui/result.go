package ui

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/muurk/kasalink/internal/kasaerr"
)

// Call is one rendered method result. Exactly one of Value and Err is set.
type Call struct {
	Method string
	Value  json.RawMessage
	Err    error
}

// RenderCalls renders method results in the order given
func RenderCalls(calls []Call) string {
	var b strings.Builder
	for i, c := range calls {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(renderCall(c))
	}
	return b.String()
}

func renderCall(c Call) string {
	if c.Err != nil {
		line := MethodFailedStyle.Render(FailureMarker + " " + c.Method)
		var kerr *kasaerr.Error
		if errors.As(c.Err, &kerr) && kerr.Retryable {
			line += " " + RetryableStyle.Render("(retryable)")
		}
		return line + "\n" + ErrorMessageStyle.Render(c.Err.Error())
	}

	line := MethodOKStyle.Render(SuccessMarker + " " + c.Method)
	return line + "\n" + ValueStyle.Render(Indent(c.Value))
}

// Indent pretty-prints a JSON value, falling back to the raw text
func Indent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "{}"
	}
	var out bytes.Buffer
	if err := json.Indent(&out, raw, "", "  "); err != nil {
		return string(raw)
	}
	return out.String()
}

// RenderFailure renders a whole-query failure with troubleshooting hints
func RenderFailure(title string, err error, width int) string {
	if width < MinTerminalWidth {
		width = MinTerminalWidth
	}

	lines := []string{
		MethodFailedStyle.Render(fmt.Sprintf("%s  %s", FailureMarker, title)),
		"",
		ErrorMessageStyle.UnsetPaddingLeft().Render(err.Error()),
	}
	if tips := Troubleshooting(err); len(tips) > 0 {
		lines = append(lines, "", MutedStyle.Bold(true).Render("Troubleshooting:"))
		for _, tip := range tips {
			lines = append(lines, MutedStyle.Render("  • "+tip))
		}
	}
	return ErrorBoxStyle(width).Render(strings.Join(lines, "\n"))
}

// Troubleshooting returns hints for the error category
func Troubleshooting(err error) []string {
	t, ok := kasaerr.TypeOf(err)
	if !ok {
		return nil
	}
	switch t {
	case kasaerr.ErrTypeAuth:
		return []string{
			"Check the cloud account username and password",
			"Devices that were never cloud-registered accept blank credentials",
		}
	case kasaerr.ErrTypeConnect:
		return []string{
			"Verify the device is powered on and reachable",
			"Check the port and the transport family",
		}
	case kasaerr.ErrTypeTimeout:
		return []string{
			"Increase --timeout for slow devices",
			"Reduce --batch-size if large batches stall",
		}
	case kasaerr.ErrTypeSessionExpired:
		return []string{"The device rejected the session twice; retry later"}
	case kasaerr.ErrTypeDecode:
		return []string{"The transport family may not match the device firmware"}
	}
	return nil
}

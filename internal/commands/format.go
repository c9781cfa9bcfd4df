package commands

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	apierrors "github.com/diogo/chatrelay/internal/errors"
)

var (
	colorText    = lipgloss.Color("#c0caf5")
	colorTextDim = lipgloss.Color("#565f89")
	colorSuccess = lipgloss.Color("#9ece6a")
	colorWarning = lipgloss.Color("#e0af68")
	colorError   = lipgloss.Color("#f7768e")
	colorPrimary = lipgloss.Color("#7aa2f7")
)

var (
	assistantLabelStyle = lipgloss.NewStyle().
				Foreground(colorPrimary).
				Bold(true)

	assistantBubbleStyle = lipgloss.NewStyle().
				BorderStyle(lipgloss.RoundedBorder()).
				BorderForeground(colorPrimary).
				Foreground(colorText).
				Padding(0, 1).
				MarginBottom(1)

	noteBubbleStyle = assistantBubbleStyle.
			BorderForeground(colorTextDim).
			Foreground(colorTextDim)

	dimStyle   = lipgloss.NewStyle().Foreground(colorTextDim)
	errorStyle = lipgloss.NewStyle().Foreground(colorError)
)

// renderBubble wraps text in the assistant bubble, sized to the terminal
func renderBubble(text string, note bool) string {
	width := getTerminalWidth() - 4
	if width < 40 {
		width = 40
	}
	if width > 120 {
		width = 120
	}

	style := assistantBubbleStyle
	if note {
		style = noteBubbleStyle
	}
	return assistantLabelStyle.Render("✦ Assistant") + "\n" + style.Width(width).Render(text)
}

// getTerminalWidth returns the terminal width or a default value
func getTerminalWidth() int {
	width, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || width <= 0 {
		return 80
	}
	return width
}

// isStdinTTY reports whether stdin is an interactive terminal
func isStdinTTY() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

// isStdoutTTY reports whether stdout is an interactive terminal
func isStdoutTTY() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// formatErrorMessage formats an error with the context the typed delivery
// errors carry
func formatErrorMessage(err error, context string) string {
	if err == nil {
		return ""
	}

	var sb strings.Builder
	sb.WriteString(errorStyle.Render(fmt.Sprintf("✗ %s: %s", context, apierrors.Describe(err))))

	var httpErr *apierrors.HTTPError
	var transportErr *apierrors.TransportError
	var openErr *apierrors.CircuitOpenError

	switch {
	case errors.As(err, &httpErr):
		sb.WriteString(dimStyle.Render(fmt.Sprintf("\n  HTTP Status: %d", httpErr.StatusCode)))
		if httpErr.Body != "" {
			sb.WriteString(dimStyle.Render("\n\n  " + strings.ReplaceAll(httpErr.Body, "\n", "\n  ")))
		}
	case errors.As(err, &transportErr):
		if transportErr.Endpoint != "" {
			sb.WriteString(dimStyle.Render(fmt.Sprintf("\n  Endpoint: %s", transportErr.Endpoint)))
		}
		sb.WriteString(dimStyle.Render(fmt.Sprintf("\n  %v", transportErr.Err)))
		sb.WriteString(dimStyle.Render("\n  Hint: check the webhook URL and your network, then run 'chatrelay flush'"))
	case errors.As(err, &openErr):
		sb.WriteString(dimStyle.Render(fmt.Sprintf("\n  Hint: the backend failed repeatedly; retry in %s", openErr.RetryAfter.Round(time.Second))))
	case apierrors.KindOf(err) == apierrors.KindOffline:
		sb.WriteString(dimStyle.Render("\n  Hint: queued messages are sent by 'chatrelay flush' or 'chatrelay watch'"))
	case apierrors.KindOf(err) == apierrors.KindTimeout:
		sb.WriteString(dimStyle.Render("\n  Hint: the backend is slow; raise text_timeout or attachment_timeout"))
	case apierrors.KindOf(err) == apierrors.KindUnknown:
		sb.WriteString(dimStyle.Render(fmt.Sprintf("\n  %v", err)))
	}

	return sb.String()
}

// truncate shortens s to maxLen runes, adding an ellipsis
func truncate(s string, maxLen int) string {
	s = strings.Join(strings.Fields(s), " ")
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "..."
}

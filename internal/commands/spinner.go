package commands

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
)

// Gradient colors for the pulse bar
var gradientColors = []lipgloss.Color{
	lipgloss.Color("#48dbfb"), // Cyan
	lipgloss.Color("#54a0ff"), // Blue
	lipgloss.Color("#5f27cd"), // Purple
	lipgloss.Color("#00d2d3"), // Teal
	lipgloss.Color("#1dd1a1"), // Green
}

var spinnerFrames = []string{"⣾", "⣽", "⣻", "⢿", "⡿", "⣟", "⣯", "⣷"}

// spinner draws a progress line on a terminal while a send is in flight
type spinner struct {
	out     io.Writer
	message string
	stop    chan struct{}
	done    chan struct{}
	mu      sync.Mutex
	frame   int
	stopped bool
}

func newSpinner(out io.Writer, message string) *spinner {
	return &spinner{
		out:     out,
		message: message,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// start begins the animation
func (s *spinner) start() {
	go func() {
		defer close(s.done)

		ticker := time.NewTicker(80 * time.Millisecond)
		defer ticker.Stop()

		// Hide cursor
		fmt.Fprint(s.out, "\033[?25l")

		for {
			select {
			case <-s.stop:
				// Clear line and show cursor
				fmt.Fprint(s.out, "\r\033[K\033[?25h")
				return
			case <-ticker.C:
				s.mu.Lock()
				s.render()
				s.frame++
				s.mu.Unlock()
			}
		}
	}()
}

// setMessage changes the label shown next to the animation
func (s *spinner) setMessage(message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.message = message
}

func (s *spinner) render() {
	spinColor := gradientColors[s.frame%len(gradientColors)]
	spinnerChar := lipgloss.NewStyle().Foreground(spinColor).Bold(true).
		Render(spinnerFrames[s.frame%len(spinnerFrames)])

	const barWidth = 12
	var bar strings.Builder
	for i := 0; i < barWidth; i++ {
		c := gradientColors[(i+s.frame)%len(gradientColors)]
		char := "░"
		if (i+s.frame/2)%barWidth < 4 {
			char = "█"
		}
		bar.WriteString(lipgloss.NewStyle().Foreground(c).Render(char))
	}

	msg := lipgloss.NewStyle().Foreground(colorText).Render(s.message)
	fmt.Fprintf(s.out, "\r\033[K%s %s %s", spinnerChar, bar.String(), msg)
}

// stopOnce safely closes the stop channel only once
func (s *spinner) stopOnce() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.stopped {
		close(s.stop)
		s.stopped = true
	}
}

// stopWith stops the animation and prints a mark and a message
func (s *spinner) stopWith(mark string, color lipgloss.Color, message string) {
	s.stopOnce()
	<-s.done

	style := lipgloss.NewStyle().Foreground(color)
	fmt.Fprintf(s.out, "%s %s\n", style.Bold(true).Render(mark), style.Render(message))
}

func (s *spinner) stopWithSuccess(message string) {
	s.stopWith("✓", colorSuccess, message)
}

func (s *spinner) stopWithWarning(message string) {
	s.stopWith("●", colorWarning, message)
}

// stopWithError stops the spinner; the caller prints the error
func (s *spinner) stopWithError() {
	s.stopOnce()
	<-s.done
}

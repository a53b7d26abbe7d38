// Package cli holds the terminal output helpers of the library command.
package cli

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// Color codes for terminal output
const (
	ColorReset  = "\033[0m"
	ColorRed    = "\033[31m"
	ColorGreen  = "\033[32m"
	ColorYellow = "\033[33m"
	ColorBlue   = "\033[34m"
	ColorCyan   = "\033[36m"
)

// Printer writes status lines, colored when the target is a terminal.
type Printer struct {
	w        io.Writer
	colorize bool
}

// NewPrinter returns a printer for w. Color is enabled only for character
// devices.
func NewPrinter(w io.Writer) *Printer {
	return &Printer{w: w, colorize: isTerminal(w)}
}

func (p *Printer) line(color, mark, message string) {
	if p.colorize {
		fmt.Fprintf(p.w, "%s%s%s %s\n", color, mark, ColorReset, message)
		return
	}
	fmt.Fprintf(p.w, "%s %s\n", mark, message)
}

// Success prints a success message
func (p *Printer) Success(format string, args ...interface{}) {
	p.line(ColorGreen, "✓", fmt.Sprintf(format, args...))
}

// Error prints an error message
func (p *Printer) Error(format string, args ...interface{}) {
	p.line(ColorRed, "✗", fmt.Sprintf(format, args...))
}

// Warning prints a warning message
func (p *Printer) Warning(format string, args ...interface{}) {
	p.line(ColorYellow, "⚠", fmt.Sprintf(format, args...))
}

// Info prints an info message
func (p *Printer) Info(format string, args ...interface{}) {
	p.line(ColorBlue, "ℹ", fmt.Sprintf(format, args...))
}

// Spinner shows progress for a long-running step. On non-terminal writers
// it prints nothing until Success or Error.
type Spinner struct {
	p       *Printer
	frames  []string
	current int
	prefix  string
	started time.Time

	mu     sync.Mutex
	active bool
	done   chan struct{}
}

// Spinner returns a spinner labelled prefix.
func (p *Printer) Spinner(prefix string) *Spinner {
	return &Spinner{
		p:      p,
		frames: []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"},
		prefix: prefix,
		done:   make(chan struct{}),
	}
}

// Start starts the spinner
func (s *Spinner) Start() {
	s.mu.Lock()
	if s.active {
		s.mu.Unlock()
		return
	}
	s.active = true
	s.started = time.Now()
	s.mu.Unlock()

	if !s.p.colorize {
		return
	}
	go func() {
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.mu.Lock()
				if s.active {
					fmt.Fprintf(s.p.w, "\r%s%s%s %s", ColorCyan, s.frames[s.current], ColorReset, s.prefix)
					s.current = (s.current + 1) % len(s.frames)
				}
				s.mu.Unlock()
			case <-s.done:
				return
			}
		}
	}()
}

// stop halts the animation and reports how long the spinner ran.
func (s *Spinner) stop() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return 0
	}
	s.active = false
	close(s.done)
	if s.p.colorize {
		fmt.Fprint(s.p.w, "\r"+strings.Repeat(" ", len(s.prefix)+4)+"\r")
	}
	return time.Since(s.started)
}

// Success stops the spinner and shows a success message
func (s *Spinner) Success(message string) {
	elapsed := s.stop()
	s.p.Success("%s (%s)", message, formatDuration(elapsed))
}

// Error stops the spinner and shows an error message
func (s *Spinner) Error(message string) {
	s.stop()
	s.p.Error("%s", message)
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}

// formatDuration formats a duration for display
func formatDuration(d time.Duration) string {
	if d < time.Second {
		return "< 1s"
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
}

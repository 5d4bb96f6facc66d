package util

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/briandowns/spinner"
	"github.com/fatih/color"
)

// UISpinner shows progress for a slow step. In verbose mode it prints plain
// lines instead so log output is not garbled.
type UISpinner struct {
	sp  *spinner.Spinner
	out io.Writer
}

// NewUISpinner starts a spinner with message on stderr.
func NewUISpinner(message string) *UISpinner {
	s := &UISpinner{out: os.Stderr}
	if IsVerbose() {
		fmt.Fprintf(s.out, "... %s\n", message)
		return s
	}
	s.sp = spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(s.out))
	s.sp.Prefix = "  "
	s.sp.Suffix = " " + message
	s.sp.Start()
	return s
}

// Success stops the spinner and prints a success message
func (s *UISpinner) Success(message string) {
	s.finish(color.GreenString("✓"), message)
}

// Fail stops the spinner and prints an error message
func (s *UISpinner) Fail(message string) {
	s.finish(color.RedString("✗"), message)
}

// Stop stops the spinner without printing anything
func (s *UISpinner) Stop() {
	if s.sp != nil {
		s.sp.Stop()
		fmt.Fprint(s.out, "\r\033[K")
	}
}

func (s *UISpinner) finish(mark, message string) {
	if s.sp != nil {
		s.sp.Stop()
		fmt.Fprintf(s.out, "\r\033[K  %s %s\n", mark, message)
		return
	}
	fmt.Fprintf(s.out, "%s %s\n", mark, message)
}

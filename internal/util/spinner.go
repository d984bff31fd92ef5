package util

import (
	"fmt"
	"time"

	"github.com/briandowns/spinner"
)

// UISpinner shows progress on the terminal, or plain lines in debug mode
type UISpinner struct {
	sp    *spinner.Spinner
	debug bool
}

// NewUISpinner creates a new spinner with the given message
func NewUISpinner(debug bool, message string) *UISpinner {
	s := &UISpinner{debug: debug}

	if !debug {
		// Use dots spinner style (CharSet 14)
		s.sp = spinner.New(spinner.CharSets[14], 100*time.Millisecond)
		s.sp.Prefix = "  "
		s.sp.Suffix = " " + message
		s.sp.Start()
	} else {
		fmt.Printf("[DEBUG] %s\n", message)
	}

	return s
}

// Success stops the spinner and prints a success message
func (s *UISpinner) Success(message string) {
	if !s.debug && s.sp != nil {
		s.sp.Stop()
		fmt.Printf("\r\033[K  ✓ %s\n", message) // \033[K clears the line
	} else if s.debug {
		fmt.Printf("[DEBUG] ✓ %s\n", message)
	}
}

// Fail stops the spinner and prints an error message
func (s *UISpinner) Fail(message string) {
	if !s.debug && s.sp != nil {
		s.sp.Stop()
		fmt.Printf("\r\033[K  ✗ %s\n", message)
	} else if s.debug {
		fmt.Printf("[DEBUG] ✗ %s\n", message)
	}
}

package browser

import (
	"fmt"
	"time"
)

// LaunchError means the browser process or its first page could not start.
type LaunchError struct {
	Driver string
	Err    error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("launch %s browser: %v", e.Driver, e.Err)
}

func (e *LaunchError) Unwrap() error {
	return e.Err
}

// NavigationTimeout means the entry page did not settle within the budget.
type NavigationTimeout struct {
	URL     string
	Timeout time.Duration
	Err     error
}

func (e *NavigationTimeout) Error() string {
	return fmt.Sprintf("navigate to %s: timed out after %s", e.URL, e.Timeout)
}

func (e *NavigationTimeout) Unwrap() error {
	return e.Err
}

// NavigationError covers navigation failures other than timeouts, including
// error statuses and bot walls.
type NavigationError struct {
	URL    string
	Status int
	Reason string
	Err    error
}

func (e *NavigationError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("navigate to %s: %v", e.URL, e.Err)
	case e.Status != 0:
		return fmt.Sprintf("navigate to %s: status %d", e.URL, e.Status)
	default:
		return fmt.Sprintf("navigate to %s: %s", e.URL, e.Reason)
	}
}

func (e *NavigationError) Unwrap() error {
	return e.Err
}

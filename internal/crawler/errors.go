package crawler

import (
	"errors"
	"fmt"

	"github.com/maltedev/bestseller-crawler/internal/browser"
)

// SectionAdvanceError means paginating a section failed. Items already
// collected for the section are kept.
type SectionAdvanceError struct {
	Section string
	Page    int
	Err     error
}

func (e *SectionAdvanceError) Error() string {
	return fmt.Sprintf("advance section %q past page %d: %v", e.Section, e.Page, e.Err)
}

func (e *SectionAdvanceError) Unwrap() error {
	return e.Err
}

// ItemParseError means a raw item could not be normalized and was dropped.
type ItemParseError struct {
	Field  string
	Value  string
	Reason string
	Err    error
}

func (e *ItemParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("parse %s %q: %s: %v", e.Field, e.Value, e.Reason, e.Err)
	}
	return fmt.Sprintf("parse %s %q: %s", e.Field, e.Value, e.Reason)
}

func (e *ItemParseError) Unwrap() error {
	return e.Err
}

// ErrorLabel maps an error to a low-cardinality metric label.
func ErrorLabel(err error) string {
	if err == nil {
		return "none"
	}
	var launch *browser.LaunchError
	if errors.As(err, &launch) {
		return "launch"
	}
	var navTimeout *browser.NavigationTimeout
	if errors.As(err, &navTimeout) {
		return "navigation_timeout"
	}
	var nav *browser.NavigationError
	if errors.As(err, &nav) {
		return "navigation"
	}
	var advance *SectionAdvanceError
	if errors.As(err, &advance) {
		return "section_advance"
	}
	var parse *ItemParseError
	if errors.As(err, &parse) {
		return "item_parse"
	}
	return "other"
}

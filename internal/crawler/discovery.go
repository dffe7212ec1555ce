package crawler

import (
	"context"
	"fmt"
	"strings"

	"github.com/maltedev/bestseller-crawler/internal/browser"
	"github.com/maltedev/bestseller-crawler/internal/catalog"
	"github.com/maltedev/bestseller-crawler/internal/profile"
)

// Section is one carousel on the entry page.
type Section struct {
	Handle browser.Element
	Name   string
	Index  int
}

// Discover returns the page's sections in document order with resolved
// display names. Sections whose heading is missing or blank are named
// catalog.UnknownCategory.
func Discover(ctx context.Context, page browser.Page, p profile.Profile) ([]Section, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	handles, err := page.LocateAll(p.SectionSelector)
	if err != nil {
		return nil, fmt.Errorf("locate sections: %w", err)
	}

	sections := make([]Section, 0, len(handles))
	for i, h := range handles {
		sections = append(sections, Section{
			Handle: h,
			Name:   sectionName(h, p),
			Index:  i,
		})
	}
	return sections, nil
}

func sectionName(h browser.Element, p profile.Profile) string {
	if p.SectionHeadingSelector == "" {
		return catalog.UnknownCategory
	}
	text, ok, err := h.Text(p.SectionHeadingSelector)
	if err != nil || !ok {
		return catalog.UnknownCategory
	}
	name := p.TrimHeading(collapseSpace(text))
	if name == "" {
		return catalog.UnknownCategory
	}
	return name
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

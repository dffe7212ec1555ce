package profile

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// DefaultCounterPattern matches localized "Página 2 de 7" counters.
const DefaultCounterPattern = `(?i)p[áa]gina\s+(\d+)\s+de\s+(\d+)`

// PlaceholderImage is the 1x1 transparent gif lazy-loaded cards carry before
// their real image is swapped in.
const PlaceholderImage = "data:image/gif;base64,R0lGODlhAQABAIAAAAAAAP///yH5BAEAAAAALAAAAAABAAEAAAIBRAA7"

// Price formats.
const (
	PriceFormatComma = "comma" // 1.234,56
	PriceFormatPoint = "point" // 1,234.56
)

// Fields holds card-relative selectors for each item field.
type Fields struct {
	Rank             string `yaml:"rank"`
	Title            string `yaml:"title"`
	Price            string `yaml:"price"`
	PriceFraction    string `yaml:"price_fraction"`
	OldPrice         string `yaml:"old_price"`
	OldPriceFraction string `yaml:"old_price_fraction"`
	Discount         string `yaml:"discount"`
	Link             string `yaml:"link"`
	LinkAttr         string `yaml:"link_attr"`
	Image            string `yaml:"image"`
	ImageAttr        string `yaml:"image_attr"`
}

// Profile describes how to crawl one provider's best-seller page.
type Profile struct {
	ID                     string   `yaml:"id"`
	EntryURL               string   `yaml:"entry_url"`
	Origin                 string   `yaml:"origin"`
	SectionSelector        string   `yaml:"section_selector"`
	SectionHeadingSelector string   `yaml:"section_heading_selector"`
	HeadingTrimPrefixes    []string `yaml:"heading_trim_prefixes"`
	ItemCardSelector       string   `yaml:"item_card_selector"`
	NextControlSelector    string   `yaml:"next_control_selector"`
	PageCounterSelector    string   `yaml:"page_counter_selector"`
	PageCounterPattern     string   `yaml:"page_counter_pattern"`
	PageCeiling            int      `yaml:"page_ceiling"`
	PriceFormat            string   `yaml:"price_format"`
	ImagePlaceholders      []string `yaml:"image_placeholders"`
	Fields                 Fields   `yaml:"fields"`
}

// HasCounter reports whether pagination is driven by a page counter.
func (p Profile) HasCounter() bool {
	return p.PageCounterSelector != ""
}

// CounterRegexp compiles the page counter pattern. The pattern must capture
// the current and total page numbers, in that order.
func (p Profile) CounterRegexp() (*regexp.Regexp, error) {
	pattern := p.PageCounterPattern
	if pattern == "" {
		pattern = DefaultCounterPattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("compile page counter pattern: %w", err)
	}
	if re.NumSubexp() < 2 {
		return nil, fmt.Errorf("page counter pattern %q needs two capture groups", pattern)
	}
	return re, nil
}

// OriginURL returns the base used to resolve relative links. It falls back
// to the entry URL's scheme and host.
func (p Profile) OriginURL() (*url.URL, error) {
	raw := p.Origin
	if raw == "" {
		raw = p.EntryURL
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse origin: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("origin %q is not absolute", raw)
	}
	return &url.URL{Scheme: u.Scheme, Host: u.Host}, nil
}

// Placeholders returns image values treated as missing.
func (p Profile) Placeholders() []string {
	out := []string{PlaceholderImage}
	return append(out, p.ImagePlaceholders...)
}

// TrimHeading strips the first matching localized prefix from a heading.
func (p Profile) TrimHeading(heading string) string {
	for _, prefix := range p.HeadingTrimPrefixes {
		if prefix != "" && strings.HasPrefix(heading, prefix) {
			return strings.TrimSpace(strings.TrimPrefix(heading, prefix))
		}
	}
	return heading
}

// Validate checks that the profile has everything a crawl needs.
func (p Profile) Validate() error {
	var errs []error

	if p.ID == "" {
		errs = append(errs, errors.New("id is required"))
	}
	if u, err := url.Parse(p.EntryURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("entry_url %q must be an absolute URL", p.EntryURL))
	}
	if _, err := p.OriginURL(); err != nil {
		errs = append(errs, err)
	}

	required := []struct{ name, value string }{
		{"section_selector", p.SectionSelector},
		{"item_card_selector", p.ItemCardSelector},
		{"next_control_selector", p.NextControlSelector},
		{"fields.title", p.Fields.Title},
		{"fields.price", p.Fields.Price},
		{"fields.link", p.Fields.Link},
		{"fields.image", p.Fields.Image},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			errs = append(errs, fmt.Errorf("%s is required", r.name))
		}
	}

	if p.HasCounter() {
		if _, err := p.CounterRegexp(); err != nil {
			errs = append(errs, err)
		}
	}
	if p.PageCeiling < 0 {
		errs = append(errs, errors.New("page_ceiling must not be negative"))
	}
	switch p.PriceFormat {
	case "", PriceFormatComma, PriceFormatPoint:
	default:
		errs = append(errs, fmt.Errorf("price_format %q must be %q or %q", p.PriceFormat, PriceFormatComma, PriceFormatPoint))
	}

	if len(errs) > 0 {
		return fmt.Errorf("profile %q: %w", p.ID, errors.Join(errs...))
	}
	return nil
}

// withDefaults fills attribute names and formats left empty in YAML.
func (p Profile) withDefaults() Profile {
	if p.Fields.LinkAttr == "" {
		p.Fields.LinkAttr = "href"
	}
	if p.Fields.ImageAttr == "" {
		p.Fields.ImageAttr = "src"
	}
	if p.PriceFormat == "" {
		p.PriceFormat = PriceFormatComma
	}
	if p.HasCounter() && p.PageCounterPattern == "" {
		p.PageCounterPattern = DefaultCounterPattern
	}
	return p
}

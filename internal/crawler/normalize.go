package crawler

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"github.com/maltedev/bestseller-crawler/internal/catalog"
	"github.com/maltedev/bestseller-crawler/internal/profile"
)

// Drop reasons reported by Normalize.
const (
	ReasonMissing     = "missing"
	ReasonPlaceholder = "placeholder_image"
	ReasonBadPrice    = "bad_price"
	ReasonBadURL      = "bad_url"
)

const missingMarker = "N/A"

// maxPriceDigits keeps parsed amounts well inside int64 cents.
const maxPriceDigits = 15

var (
	amountPattern = regexp.MustCompile(`\d[\d.,]*`)
	rankPattern   = regexp.MustCompile(`\d+`)
)

// Normalizer turns raw items into catalog items for one provider.
type Normalizer struct {
	origin       *url.URL
	decimalComma bool
	placeholders map[string]struct{}
}

// NewNormalizer builds a Normalizer from a profile's origin, price format and
// image placeholders.
func NewNormalizer(p profile.Profile) (*Normalizer, error) {
	origin, err := p.OriginURL()
	if err != nil {
		return nil, err
	}
	n := &Normalizer{
		origin:       origin,
		decimalComma: p.PriceFormat != profile.PriceFormatPoint,
		placeholders: make(map[string]struct{}),
	}
	for _, ph := range p.Placeholders() {
		n.placeholders[ph] = struct{}{}
	}
	return n, nil
}

// Normalize converts raw into an Item. position is the 1-based index of raw
// within its deduplicated section and is used when no rank marker exists.
// A dropped item yields an *ItemParseError.
func (n *Normalizer) Normalize(raw catalog.RawItem, position int) (catalog.Item, error) {
	title := collapseSpace(raw.Title)
	if missing(title) {
		return catalog.Item{}, &ItemParseError{Field: "title", Value: raw.Title, Reason: ReasonMissing}
	}

	if missing(raw.Price) {
		return catalog.Item{}, &ItemParseError{Field: "price", Value: raw.Price, Reason: ReasonMissing}
	}
	price, err := ParsePrice(raw.Price, n.decimalComma)
	if err != nil {
		return catalog.Item{}, &ItemParseError{Field: "price", Value: raw.Price, Reason: ReasonBadPrice, Err: err}
	}

	link, err := n.resolve("link", raw.Link)
	if err != nil {
		return catalog.Item{}, err
	}

	if _, ok := n.placeholders[strings.TrimSpace(raw.Image)]; ok {
		return catalog.Item{}, &ItemParseError{Field: "image", Value: raw.Image, Reason: ReasonPlaceholder}
	}
	image, err := n.resolve("image", raw.Image)
	if err != nil {
		return catalog.Item{}, err
	}

	item := catalog.Item{
		Rank:  rank(raw.Rank, position),
		Title: title,
		Price: price,
		Link:  link,
		Image: image,
	}
	if !missing(raw.OldPrice) {
		if old, err := ParsePrice(raw.OldPrice, n.decimalComma); err == nil {
			item.OldPrice = &old
		}
	}
	if d := collapseSpace(raw.Discount); !missing(d) {
		item.DiscountLabel = d
	}
	return item, nil
}

// NormalizeSection normalizes a deduplicated section. Dropped items are
// returned as errors in input order.
func (n *Normalizer) NormalizeSection(raws []catalog.RawItem) ([]catalog.Item, []error) {
	items := make([]catalog.Item, 0, len(raws))
	var dropped []error
	for i, raw := range raws {
		item, err := n.Normalize(raw, i+1)
		if err != nil {
			dropped = append(dropped, err)
			continue
		}
		items = append(items, item)
	}
	return items, dropped
}

func (n *Normalizer) resolve(field, raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if missing(raw) {
		return "", &ItemParseError{Field: field, Value: raw, Reason: ReasonMissing}
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", &ItemParseError{Field: field, Value: raw, Reason: ReasonBadURL, Err: err}
	}
	abs := n.origin.ResolveReference(u)
	switch abs.Scheme {
	case "http", "https", "data":
	default:
		return "", &ItemParseError{Field: field, Value: raw, Reason: ReasonBadURL}
	}
	return abs.String(), nil
}

func missing(s string) bool {
	s = strings.TrimSpace(s)
	return s == "" || strings.EqualFold(s, missingMarker)
}

func rank(marker string, position int) int {
	if m := rankPattern.FindString(marker); m != "" {
		if r, err := strconv.Atoi(m); err == nil && r > 0 {
			return r
		}
	}
	return position
}

// ParsePrice parses a localized price such as "R$ 1.234,56" into cents.
// With decimalComma the comma is the decimal separator and dots group
// thousands; otherwise the roles are swapped.
func ParsePrice(s string, decimalComma bool) (catalog.Cents, error) {
	compact := strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)

	loc := amountPattern.FindStringIndex(compact)
	if loc == nil {
		return 0, fmt.Errorf("no amount in %q", s)
	}
	if strings.Contains(compact[:loc[0]], "-") {
		return 0, fmt.Errorf("negative amount %q", s)
	}
	amount := compact[loc[0]:loc[1]]

	thousands, decimal := ".", ","
	if !decimalComma {
		thousands, decimal = ",", "."
	}
	amount = strings.ReplaceAll(amount, thousands, "")
	amount = strings.TrimSuffix(amount, decimal)

	whole, frac, hasFrac := strings.Cut(amount, decimal)
	if strings.Contains(frac, decimal) {
		return 0, fmt.Errorf("malformed amount %q", s)
	}
	if len(whole) == 0 || len(whole) > maxPriceDigits {
		return 0, fmt.Errorf("malformed amount %q", s)
	}

	units, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed amount %q: %w", s, err)
	}
	cents := units * 100

	if hasFrac {
		roundUp := false
		if len(frac) > 2 {
			roundUp = frac[2] >= '5'
			frac = frac[:2]
		}
		for len(frac) < 2 {
			frac += "0"
		}
		f, err := strconv.ParseInt(frac, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("malformed amount %q: %w", s, err)
		}
		cents += f
		if roundUp {
			cents++
		}
	}
	return catalog.Cents(cents), nil
}

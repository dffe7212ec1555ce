package catalog

import (
	"fmt"
	"strconv"
)

// UnknownCategory names a section whose heading could not be resolved.
const UnknownCategory = "unknown category"

// Cents is a non-negative fixed-point amount with two fractional digits.
type Cents int64

// String renders the amount as "1234.56".
func (c Cents) String() string {
	return fmt.Sprintf("%d.%02d", int64(c)/100, int64(c)%100)
}

// Float64 is lossy and only meant for display and metrics.
func (c Cents) Float64() float64 {
	return float64(c) / 100
}

// MarshalJSON encodes the amount as a JSON number with two decimals.
func (c Cents) MarshalJSON() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalJSON accepts the number form written by MarshalJSON.
func (c *Cents) UnmarshalJSON(data []byte) error {
	f, err := strconv.ParseFloat(string(data), 64)
	if err != nil {
		return fmt.Errorf("invalid amount %q: %w", data, err)
	}
	if f < 0 {
		return fmt.Errorf("negative amount %q", data)
	}
	*c = Cents(f*100 + 0.5)
	return nil
}

// RawItem is one card as read from the page, before normalization.
// Empty strings mean the field was absent in the markup.
type RawItem struct {
	Rank     string
	Title    string
	Price    string
	OldPrice string
	Discount string
	Link     string
	Image    string
}

// Complete reports whether the card carries every required field.
func (r RawItem) Complete() bool {
	return r.Title != "" && r.Price != "" && r.Link != "" && r.Image != ""
}

// Item is a normalized catalog entry.
type Item struct {
	Rank          int    `json:"rank"`
	Title         string `json:"title"`
	Price         Cents  `json:"price"`
	OldPrice      *Cents `json:"old_price,omitempty"`
	DiscountLabel string `json:"discount_label,omitempty"`
	Link          string `json:"link"`
	Image         string `json:"image"`
}

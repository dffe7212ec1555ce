package crawler

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/maltedev/bestseller-crawler/internal/browser"
	"github.com/maltedev/bestseller-crawler/internal/catalog"
	"github.com/maltedev/bestseller-crawler/internal/profile"
)

// readCard snapshots a card's markup and reads its fields offline, so one
// browser round trip covers every field.
func readCard(card browser.Element, f profile.Fields) (catalog.RawItem, error) {
	html, err := card.OuterHTML()
	if err != nil {
		return catalog.RawItem{}, err
	}
	return parseCard(html, f)
}

func parseCard(html string, f profile.Fields) (catalog.RawItem, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return catalog.RawItem{}, fmt.Errorf("parse card html: %w", err)
	}

	item := catalog.RawItem{
		Rank:     text(doc, f.Rank),
		Title:    text(doc, f.Title),
		Price:    withFraction(text(doc, f.Price), text(doc, f.PriceFraction)),
		OldPrice: withFraction(text(doc, f.OldPrice), text(doc, f.OldPriceFraction)),
		Discount: text(doc, f.Discount),
		Link:     attr(doc, f.Link, f.LinkAttr),
		Image:    attr(doc, f.Image, f.ImageAttr),
	}
	return item, nil
}

func text(doc *goquery.Document, selector string) string {
	if selector == "" {
		return ""
	}
	sel := doc.Find(selector).First()
	if sel.Length() == 0 {
		return ""
	}
	return collapseSpace(sel.Text())
}

func attr(doc *goquery.Document, selector, name string) string {
	if selector == "" {
		return ""
	}
	v, ok := doc.Find(selector).First().Attr(name)
	if !ok {
		return ""
	}
	return strings.TrimSpace(v)
}

// withFraction joins a whole amount with cents rendered in a separate node.
func withFraction(whole, fraction string) string {
	if whole == "" || fraction == "" {
		return whole
	}
	return whole + "," + fraction
}

package source

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
	"unicode"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"

	"github.com/kalambet/pricetrail/internal/features"
)

type htmlFileSource struct {
	path string
	opts Options
}

func (s *htmlFileSource) Describe() string { return "html:" + s.path }

func (s *htmlFileSource) Rows(ctx context.Context) ([]features.RawRecord, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("opening html source: %w", err)
	}
	defer f.Close()

	scrapedAt := s.opts.Now().UTC()
	if fi, err := f.Stat(); err == nil {
		scrapedAt = fi.ModTime().UTC()
	}
	return parseListing(f, scrapedAt)
}

const cardSelector = "[data-product], .product-card, .product-item"

// parseListing extracts rows from a listing page: product cards when the page
// has them, otherwise the body rows of every table with at least two cells.
func parseListing(r io.Reader, scrapedAt time.Time) ([]features.RawRecord, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil, fmt.Errorf("parsing listing page: %w", err)
	}

	var out []features.RawRecord
	doc.Find(cardSelector).Each(func(_ int, card *goquery.Selection) {
		out = append(out, features.RawRecord{
			Name:      firstOf(card, "data-name", "[data-name], .product-name, .name, h2, h3"),
			PriceText: firstOf(card, "data-price", "[data-price], .product-price, .price"),
			ScrapedAt: scrapedAt,
		})
	})
	if len(out) > 0 {
		return out, nil
	}

	doc.Find("table").Each(func(_ int, table *goquery.Selection) {
		nameCol, priceCol, header := tableColumnsFromHeader(table)
		table.Find("tr").Each(func(_ int, tr *goquery.Selection) {
			if header != nil && tr.Get(0) == header {
				return
			}
			cells := tr.Children().Filter("td")
			if cells.Length() < 2 || cells.Length() <= max(nameCol, priceCol) {
				return
			}
			out = append(out, features.RawRecord{
				Name:      text(cells.Get(nameCol)),
				PriceText: text(cells.Get(priceCol)),
				ScrapedAt: scrapedAt,
			})
		})
	})
	return out, nil
}

// firstOf returns the card's attr value, else the text of its first match for sel.
func firstOf(card *goquery.Selection, attr, sel string) string {
	if v, ok := card.Attr(attr); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	m := card.Find(sel).First()
	if m.Length() == 0 {
		return ""
	}
	if v, ok := m.Attr(attr); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return text(m.Get(0))
}

// tableColumnsFromHeader locates the name and price columns from the first
// row, defaulting to the first two columns. The first row is a header when it
// has th cells, or td cells with a column keyword and no digits; that row is
// returned so the caller can skip it.
func tableColumnsFromHeader(table *goquery.Selection) (int, int, *html.Node) {
	nameCol, priceCol := 0, 1
	first := table.Find("tr").First()
	if first.Length() == 0 {
		return nameCol, priceCol, nil
	}
	cells := first.Children().Filter("th")
	isTH := cells.Length() > 0
	if !isTH {
		cells = first.Children().Filter("td")
		if strings.IndexFunc(text(first.Get(0)), unicode.IsDigit) >= 0 {
			return nameCol, priceCol, nil
		}
	}

	matched := false
	cells.Each(func(i int, c *goquery.Selection) {
		h := strings.ToLower(text(c.Get(0)))
		switch {
		case containsWord(h, "price", "harga"):
			priceCol, matched = i, true
		case containsWord(h, "name", "nama", "product", "produk", "item"):
			nameCol, matched = i, true
		}
	})
	if !isTH && !matched {
		return 0, 1, nil
	}
	return nameCol, priceCol, first.Get(0)
}

func containsWord(s string, words ...string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}

// text returns the whitespace-collapsed text content of n.
func text(n *html.Node) string {
	var buf bytes.Buffer
	collectText(n, &buf)
	return strings.Join(strings.Fields(buf.String()), " ")
}

func collectText(n *html.Node, buf *bytes.Buffer) {
	if n == nil {
		return
	}
	switch n.Type {
	case html.TextNode:
		buf.WriteString(n.Data)
		return
	case html.ElementNode:
		if n.Data == "script" || n.Data == "style" {
			return
		}
		if n.Data == "br" {
			buf.WriteByte(' ')
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		collectText(c, buf)
	}
	if n.Type == html.ElementNode {
		buf.WriteByte(' ')
	}
}

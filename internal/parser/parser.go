// Package parser extracts listing records from result-table HTML using goquery.
package parser

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/listing-stream/internal/scrape"
)

// Column positions in a listing row.
const (
	colName = 1 + iota
	colLink
	colSize
	colDate
	colSeeders
	colLeechers

	minCells = 7
)

// DefaultSearchTemplate builds a web search link for a record name.
const DefaultSearchTemplate = "https://www.google.com/search?q=%s"

// Config controls optional record enrichment.
type Config struct {
	// SearchURLTemplate is a fmt template with one %s verb receiving the
	// query-escaped name. Empty disables SearchURL.
	SearchURLTemplate string
}

// TableParser implements scrape.Parser for tabular listing pages.
type TableParser struct {
	cfg Config
}

// New builds a TableParser.
func New(cfg Config) *TableParser {
	return &TableParser{cfg: cfg}
}

// Parse returns the records of every well-formed row in document order. Rows
// with fewer than seven cells are skipped; a non-numeric seeders or leechers
// cell fails the whole page with *scrape.ParseError.
func (p *TableParser) Parse(body []byte, pageURL string) ([]scrape.Record, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("load document: %w", err)
	}
	// An unparsable page URL only disables relative link resolution.
	base, _ := url.Parse(pageURL)

	records := []scrape.Record{}
	var rowErr error
	doc.Find("table tbody tr").EachWithBreak(func(i int, row *goquery.Selection) bool {
		cells := row.Find("td")
		if cells.Length() < minCells {
			return true
		}
		rec, err := p.parseRow(cells, base)
		if err != nil {
			var pe *scrape.ParseError
			if errors.As(err, &pe) {
				pe.Row = i
			}
			rowErr = err
			return false
		}
		records = append(records, rec)
		return true
	})
	if rowErr != nil {
		return nil, rowErr
	}
	return records, nil
}

func (p *TableParser) parseRow(cells *goquery.Selection, base *url.URL) (scrape.Record, error) {
	name := cellText(cells, colName)
	seeders, err := parseCount(cells, colSeeders, "seeders")
	if err != nil {
		return scrape.Record{}, err
	}
	leechers, err := parseCount(cells, colLeechers, "leechers")
	if err != nil {
		return scrape.Record{}, err
	}
	return scrape.Record{
		Name:      name,
		Link:      extractLink(cells.Eq(colLink), base),
		Size:      cellText(cells, colSize),
		Date:      cellText(cells, colDate),
		Seeders:   seeders,
		Leechers:  leechers,
		SearchURL: p.searchURL(name),
	}, nil
}

func (p *TableParser) searchURL(name string) string {
	if p.cfg.SearchURLTemplate == "" {
		return ""
	}
	return fmt.Sprintf(p.cfg.SearchURLTemplate, url.QueryEscape(name))
}

// extractLink prefers a magnet anchor verbatim, then the first href resolved
// against base. Unresolvable hrefs yield "".
func extractLink(cell *goquery.Selection, base *url.URL) string {
	if href, ok := cell.Find(`a[title="Magnet link"]`).Attr("href"); ok {
		return href
	}
	if href, ok := cell.Find(`a[href^="magnet:"]`).Attr("href"); ok {
		return href
	}
	href, ok := cell.Find("a[href]").First().Attr("href")
	if !ok {
		return ""
	}
	ref, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return ""
	}
	if base == nil {
		if ref.IsAbs() {
			return ref.String()
		}
		return ""
	}
	return base.ResolveReference(ref).String()
}

// cellText trims every text node in the cell and joins them without a
// separator, so markup whitespace between child elements never reaches a value.
func cellText(cells *goquery.Selection, idx int) string {
	var b strings.Builder
	appendText(&b, cells.Eq(idx))
	return b.String()
}

func appendText(b *strings.Builder, sel *goquery.Selection) {
	sel.Contents().Each(func(_ int, node *goquery.Selection) {
		if goquery.NodeName(node) == "#text" {
			b.WriteString(strings.TrimSpace(node.Text()))
			return
		}
		appendText(b, node)
	})
}

func parseCount(cells *goquery.Selection, idx int, field string) (int, error) {
	raw := cellText(cells, idx)
	n, err := strconv.Atoi(raw)
	if err == nil && n < 0 {
		err = errors.New("negative count")
	}
	if err != nil {
		return 0, &scrape.ParseError{Field: field, Value: raw, Err: err}
	}
	return n, nil
}

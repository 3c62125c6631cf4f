package crawler

import (
	"bytes"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
)

// HTMLParser extracts thread records from forum section pages. It targets
// the markup every section of the forum shares: one .thread-row element
// per thread with title link, author, reply count, and a datetime
// attribute.
type HTMLParser struct{}

// NewHTMLParser returns an HTMLParser.
func NewHTMLParser() *HTMLParser {
	return &HTMLParser{}
}

// ParsePage parses one section page. Rows missing a title link are
// skipped; a page with no thread rows at all yields an empty slice, which
// callers treat as the end of the section's pagination.
func (p *HTMLParser) ParsePage(body []byte, section Section, page int) ([]Record, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse section page: %w", err)
	}

	base, err := url.Parse(section.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse section url: %w", err)
	}

	var records []Record
	doc.Find(".thread-row").Each(func(_ int, row *goquery.Selection) {
		link := row.Find("a.thread-title").First()
		href, ok := link.Attr("href")
		if !ok || strings.TrimSpace(link.Text()) == "" {
			return
		}

		rec := Record{
			Section: section.Name,
			Page:    page,
			Title:   strings.TrimSpace(link.Text()),
			Author:  strings.TrimSpace(row.Find(".thread-author").First().Text()),
			URL:     resolveHref(base, href),
		}
		if n, err := strconv.Atoi(strings.TrimSpace(row.Find(".thread-replies").First().Text())); err == nil {
			rec.Replies = n
		}
		if dt, ok := row.Find("time").First().Attr("datetime"); ok {
			if ts, err := time.Parse(time.RFC3339, dt); err == nil {
				rec.PostedAt = ts
			}
		}
		records = append(records, rec)
	})
	return records, nil
}

func resolveHref(base *url.URL, href string) string {
	ref, err := url.Parse(href)
	if err != nil {
		return href
	}
	return base.ResolveReference(ref).String()
}

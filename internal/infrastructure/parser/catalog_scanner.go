package parser

import (
	"context"
	"fmt"
	"iter"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"CatalogPipeline/internal/domain"
	"CatalogPipeline/internal/scanner"
)

const (
	defaultUserAgent = "CatalogPipeline/1.0"
	defaultMaxPages  = 50
)

// Selector option keys read from SourceJob.Options.
const (
	OptItem         = "item"
	OptTitle        = "title"
	OptTitleAttr    = "title_attr"
	OptPrice        = "price"
	OptAvailability = "availability"
	OptImage        = "image"
	OptLink         = "link"
	OptDescription  = "description"
	OptNext         = "next"
	OptMaxPages     = "max_pages"
)

// defaultSelectors match the listing markup of books.toscrape.com.
var defaultSelectors = map[string]string{
	OptItem:         "article.product_pod",
	OptTitle:        "h3 a",
	OptTitleAttr:    "title",
	OptPrice:        ".price_color",
	OptAvailability: ".availability",
	OptImage:        "img",
	OptLink:         "h3 a",
	OptNext:         "li.next a",
}

// CatalogScanner walks server-rendered listing pages and extracts one raw
// record per product card, following "next" links page by page.
type CatalogScanner struct {
	client    *http.Client
	userAgent string
	now       func() time.Time
}

// NewCatalogScanner wires an HTTP client; a nil client gets a 30s timeout.
func NewCatalogScanner(client *http.Client, userAgent string) *CatalogScanner {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if userAgent == "" {
		userAgent = defaultUserAgent
	}
	return &CatalogScanner{client: client, userAgent: userAgent, now: time.Now}
}

// Name identifies the strategy inside the registry.
func (c *CatalogScanner) Name() string {
	return "catalog"
}

// Scan streams records from every entry page of the job. Pages of one job
// are fetched sequentially and the limiter is awaited before each fetch.
func (c *CatalogScanner) Scan(ctx context.Context, req scanner.Request) iter.Seq2[domain.RawRecord, error] {
	return func(yield func(domain.RawRecord, error) bool) {
		job := req.Job
		if job.Target == domain.TargetDynamic {
			yield(domain.RawRecord{}, fmt.Errorf("job %s: dynamic targets need a browser-backed scanner", job.ID))
			return
		}
		if len(job.Pages) == 0 {
			yield(domain.RawRecord{}, fmt.Errorf("no pages configured for job %s", job.ID))
			return
		}

		sel := selectors(job.Options)
		maxPages := maxPagesOption(job.Options)
		visited := map[string]struct{}{}

		for _, entry := range job.Pages {
			pageURL := entry
			for page := 0; pageURL != "" && page < maxPages; page++ {
				if _, ok := visited[pageURL]; ok {
					break
				}
				visited[pageURL] = struct{}{}

				if req.Limiter != nil {
					if err := req.Limiter.Wait(ctx); err != nil {
						yield(domain.RawRecord{}, err)
						return
					}
				}

				doc, base, err := c.fetchDocument(ctx, pageURL)
				if err != nil {
					yield(domain.RawRecord{}, fmt.Errorf("page %s: %w", pageURL, err))
					return
				}

				for _, rec := range c.extractRecords(doc, base, sel, job.Name) {
					if !yield(rec, nil) {
						return
					}
				}
				pageURL = nextPage(doc, base, sel[OptNext])
			}
		}
	}
}

func (c *CatalogScanner) fetchDocument(ctx context.Context, pageURL string) (*goquery.Document, *url.URL, error) {
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid page url: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("request document: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, nil, fmt.Errorf("upstream returned %s", resp.Status)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("parse document: %w", err)
	}
	return doc, base, nil
}

func (c *CatalogScanner) extractRecords(doc *goquery.Document, base *url.URL, sel map[string]string, source string) []domain.RawRecord {
	extractedAt := c.now().UTC()
	var records []domain.RawRecord

	doc.Find(sel[OptItem]).Each(func(_ int, card *goquery.Selection) {
		title := ""
		titleNode := card.Find(sel[OptTitle]).First()
		if attr := sel[OptTitleAttr]; attr != "" {
			title, _ = titleNode.Attr(attr)
		}
		if strings.TrimSpace(title) == "" {
			title = titleNode.Text()
		}

		rec := domain.RawRecord{
			Title:            strings.TrimSpace(title),
			PriceText:        text(card, sel[OptPrice]),
			AvailabilityText: text(card, sel[OptAvailability]),
			Description:      text(card, sel[OptDescription]),
			Source:           source,
			ExtractedAt:      extractedAt,
		}
		if src, ok := card.Find(sel[OptImage]).First().Attr("src"); ok {
			rec.ImageURL = resolve(base, src)
		}
		if href, ok := card.Find(sel[OptLink]).First().Attr("href"); ok {
			rec.SourceURL = resolve(base, href)
		}
		records = append(records, rec)
	})
	return records
}

func text(s *goquery.Selection, selector string) string {
	if selector == "" {
		return ""
	}
	return strings.TrimSpace(s.Find(selector).First().Text())
}

func nextPage(doc *goquery.Document, base *url.URL, selector string) string {
	if selector == "" {
		return ""
	}
	href, ok := doc.Find(selector).First().Attr("href")
	if !ok || strings.TrimSpace(href) == "" {
		return ""
	}
	return resolve(base, href)
}

func resolve(base *url.URL, ref string) string {
	ref = strings.TrimSpace(ref)
	parsed, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return base.ResolveReference(parsed).String()
}

func selectors(options map[string]string) map[string]string {
	out := make(map[string]string, len(defaultSelectors))
	for k, v := range defaultSelectors {
		out[k] = v
	}
	for k, v := range options {
		if _, known := defaultSelectors[k]; known || k == OptDescription {
			out[k] = v
		}
	}
	return out
}

func maxPagesOption(options map[string]string) int {
	if raw, ok := options[OptMaxPages]; ok {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			return n
		}
	}
	return defaultMaxPages
}

package scraper

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"listing_harvester/config"
	"listing_harvester/models"
)

var (
	digitsRegex = regexp.MustCompile(`[0-9][0-9,]*`)
	priceRegex  = regexp.MustCompile(`[0-9][0-9,]*(\.[0-9]+)?`)
)

// HTMLSource pages through a seller storefront rendered as HTML. Field
// locations come from the source's selector config.
type HTMLSource struct {
	cfg    *config.SourceConfig
	client *http.Client
}

func NewHTMLSource(cfg *config.SourceConfig, client *http.Client) *HTMLSource {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTMLSource{cfg: cfg, client: client}
}

func (s *HTMLSource) ID() string {
	return s.cfg.ID
}

func (s *HTMLSource) MaxPageSize() int {
	if s.cfg.MaxPageSize > 0 {
		return s.cfg.MaxPageSize
	}
	return defaultMaxPageSize
}

func (s *HTMLSource) FetchPage(ctx context.Context, f Filters, page, pageSize int) (*Page, error) {
	endpoint, err := url.Parse(strings.TrimRight(s.cfg.BaseURL, "/") + "/" + url.PathEscape(f.SellerID))
	if err != nil {
		return nil, fmt.Errorf("source %s: base url: %w", s.cfg.ID, err)
	}
	q := endpoint.Query()
	for k, v := range s.cfg.Params {
		q.Set(k, v)
	}
	q.Set("from", formatDate(f.DateStart))
	q.Set("to", formatDate(f.DateEnd))
	q.Set("page", strconv.Itoa(page))
	q.Set("ipp", strconv.Itoa(pageSize))
	if f.Keyword != "" {
		q.Set("q", f.Keyword)
	}
	if f.Status != "" {
		q.Set("status", f.Status)
	}
	if f.ListingType != "" {
		q.Set("format", f.ListingType)
	}
	endpoint.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36")
	req.Header.Set("Accept", "text/html")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, transportError(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transportError(ctx, err)
	}
	return s.ParseHTML(body, f.SellerID)
}

// ParseHTML extracts one page of listings from a storefront page.
func (s *HTMLSource) ParseHTML(body []byte, sellerID string) (*Page, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, &models.MalformedResponseError{Err: fmt.Errorf("parse html: %w", err)}
	}

	sel := s.cfg.Selectors
	totalText := strings.TrimSpace(doc.Find(sel.Total).First().Text())
	if sel.Total == "" || totalText == "" {
		return nil, &models.MalformedResponseError{Err: fmt.Errorf("result count not found")}
	}
	total, ok := parseCount(totalText)
	if !ok {
		return nil, &models.MalformedResponseError{Err: fmt.Errorf("result count %q", totalText)}
	}

	page := &Page{TotalCount: total, Raw: body}
	doc.Find(sel.Item).Each(func(i int, item *goquery.Selection) {
		listing := models.ListingItem{
			Title:     textOf(item, sel.Title),
			SellerID:  textOf(item, sel.Seller),
			Condition: textOf(item, sel.Condition),
			Category:  textOf(item, sel.Category),
		}
		if listing.SellerID == "" {
			listing.SellerID = sellerID
		}
		if sel.ExternalID != "" {
			listing.ExternalID, _ = item.Attr(sel.ExternalID)
		}
		if sel.Link != "" {
			listing.URL, _ = item.Find(sel.Link).First().Attr("href")
		}

		priceText := textOf(item, sel.Price)
		listing.Price = parsePrice(priceText)
		listing.Currency = parseCurrency(textOf(item, sel.Currency))

		data, _ := json.Marshal(listing)
		listing.Raw = data
		page.Items = append(page.Items, listing)
	})

	return page, nil
}

func textOf(s *goquery.Selection, selector string) string {
	if selector == "" {
		return ""
	}
	return strings.TrimSpace(s.Find(selector).First().Text())
}

func parseCount(text string) (int, bool) {
	m := digitsRegex.FindString(text)
	if m == "" {
		return 0, false
	}
	n, err := strconv.Atoi(strings.ReplaceAll(m, ",", ""))
	return n, err == nil
}

func parsePrice(text string) float64 {
	m := priceRegex.FindString(text)
	if m == "" {
		return 0
	}
	v, _ := strconv.ParseFloat(strings.ReplaceAll(m, ",", ""), 64)
	return v
}

func parseCurrency(text string) string {
	switch {
	case text == "":
		return ""
	case strings.Contains(text, "€"):
		return "EUR"
	case strings.Contains(text, "£"):
		return "GBP"
	case strings.Contains(text, "C $"), strings.Contains(text, "CA$"):
		return "CAD"
	case strings.Contains(text, "$"):
		return "USD"
	}
	if fields := strings.Fields(text); len(fields) > 0 && len(fields[0]) == 3 {
		return strings.ToUpper(fields[0])
	}
	return ""
}

package scraper

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"listing_harvester/config"
	"listing_harvester/models"
)

const defaultMaxPageSize = 100

// APISource searches a JSON listing API with bearer-token auth.
type APISource struct {
	cfg    *config.SourceConfig
	client *http.Client
}

func NewAPISource(cfg *config.SourceConfig, client *http.Client) *APISource {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &APISource{cfg: cfg, client: client}
}

func (s *APISource) ID() string {
	return s.cfg.ID
}

func (s *APISource) MaxPageSize() int {
	if s.cfg.MaxPageSize > 0 {
		return s.cfg.MaxPageSize
	}
	return defaultMaxPageSize
}

func (s *APISource) FetchPage(ctx context.Context, f Filters, page, pageSize int) (*Page, error) {
	endpoint, err := url.Parse(s.cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("source %s: base url: %w", s.cfg.ID, err)
	}

	q := endpoint.Query()
	for k, v := range s.cfg.Params {
		q.Set(k, v)
	}
	q.Set("seller_id", f.SellerID)
	q.Set("date_from", formatDate(f.DateStart))
	q.Set("date_to", formatDate(f.DateEnd))
	q.Set("page", strconv.Itoa(page))
	q.Set("per_page", strconv.Itoa(pageSize))
	if f.Keyword != "" {
		q.Set("q", f.Keyword)
	}
	if f.Status != "" {
		q.Set("status", f.Status)
	}
	if f.ListingType != "" {
		q.Set("listing_type", f.ListingType)
	}
	endpoint.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "listing-harvester/1.0")
	if token := s.cfg.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

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
	return parseSearchResponse(body)
}

type searchResponse struct {
	Total *int              `json:"total"`
	Items []json.RawMessage `json:"items"`
}

type searchItem struct {
	ID        flexString `json:"id"`
	Title     string     `json:"title"`
	SellerID  string     `json:"seller_id"`
	Price     flexString `json:"price"`
	Currency  string     `json:"currency"`
	Condition string     `json:"condition"`
	Category  string     `json:"category"`
	ListedAt  *time.Time `json:"listed_at"`
	EndsAt    *time.Time `json:"ends_at"`
	URL       string     `json:"url"`
}

func parseSearchResponse(body []byte) (*Page, error) {
	var resp searchResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &models.MalformedResponseError{Err: err}
	}
	if resp.Total == nil {
		return nil, &models.MalformedResponseError{Err: fmt.Errorf("missing total")}
	}
	if *resp.Total < 0 {
		return nil, &models.MalformedResponseError{Err: fmt.Errorf("negative total %d", *resp.Total)}
	}

	page := &Page{TotalCount: *resp.Total, Raw: body}
	for i, raw := range resp.Items {
		var it searchItem
		if err := json.Unmarshal(raw, &it); err != nil {
			return nil, &models.MalformedResponseError{Err: fmt.Errorf("item %d: %w", i, err)}
		}
		var price float64
		if it.Price != "" {
			p, err := strconv.ParseFloat(string(it.Price), 64)
			if err != nil {
				return nil, &models.MalformedResponseError{Err: fmt.Errorf("item %d price: %w", i, err)}
			}
			price = p
		}
		page.Items = append(page.Items, models.ListingItem{
			ExternalID: string(it.ID),
			Title:      it.Title,
			SellerID:   it.SellerID,
			Price:      price,
			Currency:   it.Currency,
			Condition:  it.Condition,
			Category:   it.Category,
			ListedAt:   it.ListedAt,
			EndsAt:     it.EndsAt,
			URL:        it.URL,
			Raw:        raw,
		})
	}
	return page, nil
}

// flexString accepts a JSON string or number. Sources disagree on whether
// ids and prices are quoted.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	if string(b) == "null" {
		*f = ""
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}

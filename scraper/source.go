package scraper

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"listing_harvester/config"
	"listing_harvester/models"
)

// Filters scope one listing search. Date bounds are inclusive calendar days.
type Filters struct {
	SellerID    string
	Keyword     string
	DateStart   time.Time
	DateEnd     time.Time
	Status      string
	ListingType string
}

// FiltersFor derives the search filters of a task.
func FiltersFor(t *models.Task) Filters {
	f := Filters{
		SellerID:    t.SellerID,
		DateStart:   t.DateStart,
		DateEnd:     t.DateEnd,
		Status:      t.StatusFilter,
		ListingType: t.ListingTypeFilter,
	}
	if t.Keyword != nil {
		f.Keyword = *t.Keyword
	}
	return f
}

// Page is one page of search results. TotalCount is the source's count of
// matching listings across all pages. Raw is the undecoded response body.
type Page struct {
	Items      []models.ListingItem
	TotalCount int
	Raw        []byte
}

// Source is an external listing search endpoint.
type Source interface {
	ID() string
	MaxPageSize() int
	FetchPage(ctx context.Context, f Filters, page, pageSize int) (*Page, error)
}

// NewSource builds the source described by cfg.
func NewSource(cfg *config.SourceConfig, api, scraping *http.Client) (Source, error) {
	switch cfg.Handler {
	case "api", "":
		return NewAPISource(cfg, api), nil
	case "html":
		return NewHTMLSource(cfg, scraping), nil
	case "mock":
		return NewMockSource(MockOptions{ID: cfg.ID, BaseURL: cfg.BaseURL, MaxPageSize: cfg.MaxPageSize}), nil
	default:
		return nil, fmt.Errorf("source %s: unknown handler %q", cfg.ID, cfg.Handler)
	}
}

// statusError maps a non-200 response onto the error taxonomy.
func statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	cause := fmt.Errorf("%s", strings.TrimSpace(string(body)))

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return &models.RateExceededError{RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), time.Now())}
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &models.TransportError{StatusCode: resp.StatusCode, Retryable: false, Err: cause}
	case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode >= 500:
		return &models.TransportError{StatusCode: resp.StatusCode, Retryable: true, Err: cause}
	default:
		return &models.TransportError{StatusCode: resp.StatusCode, Retryable: false, Err: cause}
	}
}

// transportError wraps a failed round trip. Context cancellation is passed
// through untouched so callers can tell it apart from network faults.
func transportError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return &models.TransportError{Retryable: true, Err: err}
}

func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil && t.After(now) {
		return t.Sub(now)
	}
	return 0
}

func formatDate(t time.Time) string {
	return t.Format("2006-01-02")
}

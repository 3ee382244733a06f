package scraper

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"net/url"
	"strings"
	"time"

	"listing_harvester/models"
)

// MockSource produces synthetic listings for demos and tests. Results are
// a pure function of the filters, so re-fetching a page returns the same
// items.
type MockSource struct {
	id          string
	baseURL     string
	maxPageSize int
	total       func(f Filters) int
}

type MockOptions struct {
	ID          string
	BaseURL     string // used only to synthesize URLs
	MaxPageSize int
	// Total overrides the synthetic result count for a search.
	Total func(f Filters) int
}

func NewMockSource(opts MockOptions) *MockSource {
	id := opts.ID
	if id == "" {
		id = "mock"
	}
	base := strings.TrimSpace(opts.BaseURL)
	if base == "" {
		base = "https://example-marketplace.invalid"
	}
	m := &MockSource{
		id:          id,
		baseURL:     strings.TrimRight(base, "/"),
		maxPageSize: opts.MaxPageSize,
		total:       opts.Total,
	}
	if m.maxPageSize <= 0 {
		m.maxPageSize = defaultMaxPageSize
	}
	if m.total == nil {
		m.total = func(f Filters) int { return int(fnv64(filterKey(f)) % 40) }
	}
	return m
}

func (m *MockSource) ID() string { return m.id }

func (m *MockSource) MaxPageSize() int { return m.maxPageSize }

func (m *MockSource) FetchPage(ctx context.Context, f Filters, page, pageSize int) (*Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if page <= 0 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = m.maxPageSize
	}

	total := m.total(f)
	out := &Page{TotalCount: total}
	first := (page - 1) * pageSize
	for i := first; i < total && i < first+pageSize; i++ {
		key := fmt.Sprintf("%s|%d", filterKey(f), i)
		id := fmt.Sprintf("%012x", fnv64(key)&0xffffffffffff)
		listed := f.DateStart.Add(time.Duration(i%24) * time.Hour)
		item := models.ListingItem{
			ExternalID: id,
			Title:      fmt.Sprintf("Synthetic listing %d for %s", i+1, f.SellerID),
			SellerID:   f.SellerID,
			Price:      float64(1000+(fnv64(key)%5000)) / 100,
			Currency:   "USD",
			Condition:  "used",
			Category:   "synthetic",
			ListedAt:   &listed,
			URL:        m.baseURL + "/listings/" + url.PathEscape(id),
		}
		item.Raw, _ = json.Marshal(item)
		out.Items = append(out.Items, item)
	}
	out.Raw, _ = json.Marshal(map[string]any{"total": total, "page": page, "items": out.Items})
	return out, nil
}

func filterKey(f Filters) string {
	return strings.Join([]string{
		f.SellerID, f.Keyword, formatDate(f.DateStart), formatDate(f.DateEnd), f.Status, f.ListingType,
	}, "|")
}

func fnv64(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return h.Sum64()
}

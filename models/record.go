package models

import (
	"encoding/json"
	"time"
)

// ListingItem is one listing as returned by a Listing Source page.
type ListingItem struct {
	ExternalID string          `json:"external_id"`
	Title      string          `json:"title"`
	SellerID   string          `json:"seller_id"`
	Price      float64         `json:"price"`
	Currency   string          `json:"currency"`
	Condition  string          `json:"condition"`
	Category   string          `json:"category"`
	ListedAt   *time.Time      `json:"listed_at,omitempty"`
	EndsAt     *time.Time      `json:"ends_at,omitempty"`
	URL        string          `json:"url,omitempty"`
	Raw        json.RawMessage `json:"raw,omitempty"`
}

// HarvestedRecord is the persisted form of a ListingItem.
// (TaskID, ExternalID) is the natural key.
type HarvestedRecord struct {
	TaskID      string          `json:"task_id" db:"task_id"`
	ExternalID  string          `json:"external_id" db:"external_id"`
	JobID       string          `json:"job_id" db:"job_id"`
	Title       string          `json:"title" db:"title"`
	SellerID    string          `json:"seller_id" db:"seller_id"`
	Price       float64         `json:"price" db:"price"`
	Currency    string          `json:"currency" db:"currency"`
	Condition   string          `json:"condition" db:"condition"`
	Category    string          `json:"category" db:"category"`
	ListedAt    *time.Time      `json:"listed_at" db:"listed_at"`
	EndsAt      *time.Time      `json:"ends_at" db:"ends_at"`
	URL         string          `json:"url" db:"url"`
	Raw         json.RawMessage `json:"raw" db:"raw"`
	PayloadHash string          `json:"payload_hash" db:"payload_hash"`
	HarvestedAt time.Time       `json:"harvested_at" db:"harvested_at"`
	UpdatedAt   time.Time       `json:"updated_at" db:"updated_at"`
}

// NewHarvestedRecord maps a source item onto a record owned by task.
func NewHarvestedRecord(task *Task, item *ListingItem, now time.Time) *HarvestedRecord {
	seller := item.SellerID
	if seller == "" {
		seller = task.SellerID
	}
	return &HarvestedRecord{
		TaskID:      task.ID,
		ExternalID:  item.ExternalID,
		JobID:       task.JobID,
		Title:       item.Title,
		SellerID:    seller,
		Price:       item.Price,
		Currency:    item.Currency,
		Condition:   item.Condition,
		Category:    item.Category,
		ListedAt:    item.ListedAt,
		EndsAt:      item.EndsAt,
		URL:         item.URL,
		Raw:         item.Raw,
		HarvestedAt: now,
		UpdatedAt:   now,
	}
}

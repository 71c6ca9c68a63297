package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Availability is the tri-state stock signal reported by a price search
type Availability string

const (
	AvailabilityInStock    Availability = "In Stock"
	AvailabilityOutOfStock Availability = "Out of Stock"
	AvailabilityUnsure     Availability = "Unsure"
)

// Catalog stock statuses
const (
	StockStatusInStock    = "in stock"
	StockStatusOutOfStock = "out of stock"
)

// StockStatus maps the availability to a catalog stock status.
// ok is false when the stock status should be left untouched.
func (a Availability) StockStatus() (status string, ok bool) {
	switch a {
	case AvailabilityInStock:
		return StockStatusInStock, true
	case AvailabilityOutOfStock:
		return StockStatusOutOfStock, true
	default:
		return "", false
	}
}

// SearchResult is one vendor offer stored inside a cache entry
type SearchResult struct {
	Vendor           string       `json:"vendor"`
	ProductName      string       `json:"product_name"`
	Price            *float64     `json:"price"`
	Currency         string       `json:"currency"`
	URL              string       `json:"url"`
	Availability     Availability `json:"availability"`
	Confidence       *float64     `json:"confidence,omitempty"`
	ExtractionMethod string       `json:"extraction_method,omitempty"`

	// DecodeErr is set when the stored element could not be read
	DecodeErr error `json:"-"`
}

// SearchResults decodes each stored element on its own, so one malformed
// offer does not hide the rest of the entry.
type SearchResults []SearchResult

func (r *SearchResults) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		*r = SearchResults{{DecodeErr: fmt.Errorf("results are not a list: %w", err)}}
		return nil
	}
	out := make(SearchResults, len(raw))
	for i, el := range raw {
		var res SearchResult
		if err := json.Unmarshal(el, &res); err != nil {
			res = SearchResult{DecodeErr: err}
		}
		out[i] = res
	}
	*r = out
	return nil
}

// CacheEntry is a stored price search awaiting reconciliation
type CacheEntry struct {
	ID              uuid.UUID      `json:"id" db:"id"`
	QueryNormalized string         `json:"query_normalized" db:"query_normalized"`
	Results         SearchResults  `json:"results" db:"results"`
	CreatedAt       time.Time      `json:"created_at" db:"created_at"`
	LastUpdated     *time.Time     `json:"last_updated" db:"last_updated"` // processed stamp
}

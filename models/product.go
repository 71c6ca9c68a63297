package models

import (
	"time"

	"github.com/google/uuid"
)

// CatalogProduct is the subset of a scraped_products row the sync job reads
type CatalogProduct struct {
	ID               uuid.UUID  `json:"id" db:"id"`
	URL              string     `json:"url" db:"url"`
	Price            *float64   `json:"price" db:"price"`
	OriginalPrice    *float64   `json:"original_price" db:"original_price"`
	StockStatus      *string    `json:"stock_status" db:"stock_status"`
	Vendor           *string    `json:"vendor" db:"vendor"`
	ScraperUpdatedAt *time.Time `json:"scraper_updated_at" db:"scraper_updated_at"`
}

// ProductUpdate is a partial update of a catalog product.
// Nil fields are left untouched.
type ProductUpdate struct {
	ScraperUpdatedAt time.Time `json:"scraper_updated_at"`
	Price            *float64  `json:"price,omitempty"`
	OriginalPrice    *float64  `json:"original_price,omitempty"`
	StockStatus      *string   `json:"stock_status,omitempty"`
}

// PendingModel is a pending_products row that still references a 3D model file
type PendingModel struct {
	ID        uuid.UUID `json:"id" db:"id"`
	ItemCode  string    `json:"item_code" db:"item_code"`
	GLBURL    string    `json:"glb_url" db:"glb_url"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// ModelCursor is the keyset position of the last model a cleanup pass saw.
// Listing resumes strictly after (UpdatedAt, ID).
type ModelCursor struct {
	UpdatedAt time.Time
	ID        uuid.UUID
}

// Cursor returns the keyset position of m
func (m PendingModel) Cursor() *ModelCursor {
	return &ModelCursor{UpdatedAt: m.UpdatedAt, ID: m.ID}
}

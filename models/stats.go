package models

// SyncStats aggregates the outcome of one sync run
type SyncStats struct {
	CacheEntriesProcessed    int `json:"cache_entries_processed" db:"cache_entries_processed"`
	ProductsChecked          int `json:"products_checked" db:"products_checked"`
	ProductsMatched          int `json:"products_matched" db:"products_matched"`
	ProductsUpdated          int `json:"products_updated" db:"products_updated"`
	PendingProductsTriggered int `json:"pending_products_triggered" db:"pending_products_triggered"`
	ProductsSkippedNoMatch   int `json:"products_skipped_no_match" db:"products_skipped_no_match"`
	ProductsSkippedUnsure    int `json:"products_skipped_unsure" db:"products_skipped_unsure"`
	Errors                   int `json:"errors" db:"errors"`
}

// Add accumulates other into s
func (s *SyncStats) Add(other SyncStats) {
	s.CacheEntriesProcessed += other.CacheEntriesProcessed
	s.ProductsChecked += other.ProductsChecked
	s.ProductsMatched += other.ProductsMatched
	s.ProductsUpdated += other.ProductsUpdated
	s.PendingProductsTriggered += other.PendingProductsTriggered
	s.ProductsSkippedNoMatch += other.ProductsSkippedNoMatch
	s.ProductsSkippedUnsure += other.ProductsSkippedUnsure
	s.Errors += other.Errors
}

// CleanupStats is the outcome of one 3D model cleanup pass
type CleanupStats struct {
	ProductsFound  int `json:"products_found"`
	FilesDeleted   int `json:"files_deleted"`
	FilesFailed    int `json:"files_failed"`
	RecordsUpdated int `json:"records_updated"`
}

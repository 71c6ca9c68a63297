package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"catalog_sync/models"
)

// ErrAmbiguousMatch means more than one catalog row carries the same URL
var ErrAmbiguousMatch = errors.New("more than one product matches url")

type PostgresStore struct {
	pool     *pgxpool.Pool
	claimTTL time.Duration
}

func NewPostgresStore(ctx context.Context, connString string, claimTTL time.Duration) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return newPostgresStore(ctx, config, claimTTL)
}

func newPostgresStore(ctx context.Context, config *pgxpool.Config, claimTTL time.Duration) (*PostgresStore, error) {
	config.MaxConns = 10
	config.MinConns = 2
	config.MaxConnLifetime = 30 * time.Minute
	config.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return &PostgresStore{pool: pool, claimTTL: claimTTL}, nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

func (s *PostgresStore) Pool() *pgxpool.Pool {
	return s.pool
}

// =============================================================================
// Price Comparison Cache
// =============================================================================

// FetchUnprocessedCacheEntries claims up to limit unprocessed rows, oldest
// first. Rows claimed by another run are skipped until their claim is older
// than the claim TTL, so a crashed run doesn't strand its batch.
func (s *PostgresStore) FetchUnprocessedCacheEntries(ctx context.Context, limit int) ([]models.CacheEntry, error) {
	query := `
		UPDATE price_comparison_cache SET claimed_at = NOW()
		WHERE id IN (
			SELECT id FROM price_comparison_cache
			WHERE last_updated IS NULL AND (claimed_at IS NULL OR claimed_at < $2)
			ORDER BY created_at
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, query_normalized, results, created_at, last_updated`

	staleClaim := time.Now().Add(-s.claimTTL)
	rows, err := s.pool.Query(ctx, query, limit, staleClaim)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []models.CacheEntry
	for rows.Next() {
		var e models.CacheEntry
		var results []byte
		if err := rows.Scan(&e.ID, &e.QueryNormalized, &results, &e.CreatedAt, &e.LastUpdated); err != nil {
			return nil, err
		}
		if len(results) > 0 {
			if err := json.Unmarshal(results, &e.Results); err != nil {
				log.Printf("Warning: cache entry %s has unreadable results: %v", e.ID, err)
			}
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// RETURNING does not keep the subquery order
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].CreatedAt.Before(entries[j].CreatedAt)
	})
	return entries, nil
}

func (s *PostgresStore) MarkCacheEntryProcessed(ctx context.Context, id uuid.UUID, at time.Time) error {
	query := `UPDATE price_comparison_cache SET last_updated = $2, claimed_at = NULL WHERE id = $1`
	_, err := s.pool.Exec(ctx, query, id, at)
	return err
}

// =============================================================================
// Catalog
// =============================================================================

func (s *PostgresStore) FindProductByURL(ctx context.Context, url string) (*models.CatalogProduct, error) {
	query := `
		SELECT id, url, price, original_price, stock_status, vendor, scraper_updated_at
		FROM scraped_products WHERE url = $1
		LIMIT 2`

	rows, err := s.pool.Query(ctx, query, url)
	if err != nil {
		return nil, err
	}
	products, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.CatalogProduct, error) {
		var p models.CatalogProduct
		err := row.Scan(&p.ID, &p.URL, &p.Price, &p.OriginalPrice, &p.StockStatus, &p.Vendor, &p.ScraperUpdatedAt)
		return p, err
	})
	if err != nil {
		return nil, err
	}

	switch len(products) {
	case 0:
		return nil, nil
	case 1:
		return &products[0], nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrAmbiguousMatch, url)
	}
}

func (s *PostgresStore) UpdateProduct(ctx context.Context, id uuid.UUID, u *models.ProductUpdate) error {
	query := `
		UPDATE scraped_products SET
			scraper_updated_at = $2,
			price = COALESCE($3, price),
			original_price = COALESCE($4, original_price),
			stock_status = COALESCE($5, stock_status)
		WHERE id = $1`

	tag, err := s.pool.Exec(ctx, query, id, u.ScraperUpdatedAt, u.Price, u.OriginalPrice, u.StockStatus)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("product %s no longer exists", id)
	}
	return nil
}

// =============================================================================
// Pending Products
// =============================================================================

func (s *PostgresStore) TouchPendingProduct(ctx context.Context, productID uuid.UUID, at time.Time) (bool, error) {
	query := `UPDATE pending_products SET updated_at = $2 WHERE scraped_product_id = $1`
	tag, err := s.pool.Exec(ctx, query, productID, at)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// ListExpiredModels pages through models older than olderThan in
// (updated_at, id) order. updated_at is also bumped by the sync marker touch,
// so a product the sync keeps matching never ages out.
func (s *PostgresStore) ListExpiredModels(ctx context.Context, olderThan time.Time, after *models.ModelCursor, limit int) ([]models.PendingModel, error) {
	query := `
		SELECT id, COALESCE(item_code, ''), glb_url, updated_at
		FROM pending_products
		WHERE glb_url IS NOT NULL AND glb_url LIKE '%3d-models%' AND updated_at < $1`
	args := []any{olderThan, limit}
	if after != nil {
		query += ` AND (updated_at, id) > ($3, $4)`
		args = append(args, after.UpdatedAt, after.ID)
	}
	query += `
		ORDER BY updated_at, id
		LIMIT $2`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.PendingModel
	for rows.Next() {
		var m models.PendingModel
		if err := rows.Scan(&m.ID, &m.ItemCode, &m.GLBURL, &m.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ClearModelURLs(ctx context.Context, ids []uuid.UUID) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	strIDs := make([]string, len(ids))
	for i, id := range ids {
		strIDs[i] = id.String()
	}

	tag, err := s.pool.Exec(ctx, `UPDATE pending_products SET glb_url = NULL WHERE id = ANY($1::uuid[])`, strIDs)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

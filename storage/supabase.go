package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"catalog_sync/config"
	"catalog_sync/models"
)

// SupabaseStore talks to the catalog through PostgREST. It is used when no
// direct database URL is configured.
type SupabaseStore struct {
	url        string
	serviceKey string
	client     *http.Client
	limiter    *rate.Limiter
}

func NewSupabaseStore(cfg *config.SupabaseConfig, client *http.Client) *SupabaseStore {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	s := &SupabaseStore{
		url:        strings.TrimRight(cfg.URL, "/"),
		serviceKey: cfg.ServiceKey,
		client:     client,
	}
	if cfg.RPS > 0 {
		burst := int(cfg.RPS)
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RPS), burst)
	}
	return s
}

// =============================================================================
// Price Comparison Cache
// =============================================================================

func (s *SupabaseStore) FetchUnprocessedCacheEntries(ctx context.Context, limit int) ([]models.CacheEntry, error) {
	q := url.Values{}
	q.Set("select", "id,query_normalized,results,created_at,last_updated")
	q.Set("last_updated", "is.null")
	q.Set("order", "created_at.asc")
	q.Set("limit", fmt.Sprint(limit))

	var entries []models.CacheEntry
	if err := s.do(ctx, http.MethodGet, "price_comparison_cache", q, nil, "", &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

func (s *SupabaseStore) MarkCacheEntryProcessed(ctx context.Context, id uuid.UUID, at time.Time) error {
	q := url.Values{}
	q.Set("id", "eq."+id.String())
	body := map[string]any{"last_updated": at}
	return s.do(ctx, http.MethodPatch, "price_comparison_cache", q, body, "return=minimal", nil)
}

// =============================================================================
// Catalog
// =============================================================================

func (s *SupabaseStore) FindProductByURL(ctx context.Context, productURL string) (*models.CatalogProduct, error) {
	q := url.Values{}
	q.Set("select", "id,url,price,original_price,stock_status,vendor,scraper_updated_at")
	q.Set("url", "eq."+productURL)
	q.Set("limit", "2")

	var products []models.CatalogProduct
	if err := s.do(ctx, http.MethodGet, "scraped_products", q, nil, "", &products); err != nil {
		return nil, err
	}

	switch len(products) {
	case 0:
		return nil, nil
	case 1:
		return &products[0], nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrAmbiguousMatch, productURL)
	}
}

func (s *SupabaseStore) UpdateProduct(ctx context.Context, id uuid.UUID, u *models.ProductUpdate) error {
	q := url.Values{}
	q.Set("id", "eq."+id.String())
	q.Set("select", "id")

	var updated []struct {
		ID uuid.UUID `json:"id"`
	}
	if err := s.do(ctx, http.MethodPatch, "scraped_products", q, u, "return=representation", &updated); err != nil {
		return err
	}
	if len(updated) == 0 {
		return fmt.Errorf("product %s no longer exists", id)
	}
	return nil
}

// =============================================================================
// Pending Products
// =============================================================================

func (s *SupabaseStore) TouchPendingProduct(ctx context.Context, productID uuid.UUID, at time.Time) (bool, error) {
	q := url.Values{}
	q.Set("scraped_product_id", "eq."+productID.String())
	q.Set("select", "id")

	var touched []struct {
		ID uuid.UUID `json:"id"`
	}
	body := map[string]any{"updated_at": at}
	if err := s.do(ctx, http.MethodPatch, "pending_products", q, body, "return=representation", &touched); err != nil {
		return false, err
	}
	return len(touched) > 0, nil
}

func (s *SupabaseStore) ListExpiredModels(ctx context.Context, olderThan time.Time, after *models.ModelCursor, limit int) ([]models.PendingModel, error) {
	q := url.Values{}
	q.Set("select", "id,item_code,glb_url,updated_at")
	q.Set("glb_url", "like.*3d-models*")
	q.Set("updated_at", "lt."+olderThan.UTC().Format(time.RFC3339))
	if after != nil {
		ts := after.UpdatedAt.UTC().Format(time.RFC3339Nano)
		q.Set("or", fmt.Sprintf("(updated_at.gt.%s,and(updated_at.eq.%s,id.gt.%s))", ts, ts, after.ID))
	}
	q.Set("order", "updated_at.asc,id.asc")
	q.Set("limit", fmt.Sprint(limit))

	var rows []struct {
		ID        uuid.UUID `json:"id"`
		ItemCode  *string   `json:"item_code"`
		GLBURL    string    `json:"glb_url"`
		UpdatedAt time.Time `json:"updated_at"`
	}
	if err := s.do(ctx, http.MethodGet, "pending_products", q, nil, "", &rows); err != nil {
		return nil, err
	}

	out := make([]models.PendingModel, 0, len(rows))
	for _, r := range rows {
		m := models.PendingModel{ID: r.ID, GLBURL: r.GLBURL, UpdatedAt: r.UpdatedAt}
		if r.ItemCode != nil {
			m.ItemCode = *r.ItemCode
		}
		out = append(out, m)
	}
	return out, nil
}

func (s *SupabaseStore) ClearModelURLs(ctx context.Context, ids []uuid.UUID) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	strIDs := make([]string, len(ids))
	for i, id := range ids {
		strIDs[i] = id.String()
	}

	q := url.Values{}
	q.Set("id", "in.("+strings.Join(strIDs, ",")+")")
	q.Set("select", "id")

	var cleared []struct {
		ID uuid.UUID `json:"id"`
	}
	body := map[string]any{"glb_url": nil}
	if err := s.do(ctx, http.MethodPatch, "pending_products", q, body, "return=representation", &cleared); err != nil {
		return 0, err
	}
	return len(cleared), nil
}

func (s *SupabaseStore) do(ctx context.Context, method, table string, query url.Values, body any, prefer string, out any) error {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	endpoint := s.url + "/rest/v1/" + table
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return err
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("apikey", s.serviceKey)
	req.Header.Set("Authorization", "Bearer "+s.serviceKey)
	if prefer != "" {
		req.Header.Set("Prefer", prefer)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("supabase error %d: %s", resp.StatusCode, string(data))
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

package services

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"catalog_sync/models"
	"catalog_sync/pricing"
)

type fakeStore struct {
	mu        sync.Mutex
	entries   []models.CacheEntry
	products  map[string]*models.CatalogProduct
	fetchErr  error
	lookupErr map[string]error
	updateErr map[uuid.UUID]error

	onLookup   func(url string)
	fetchLimit int
	updates    map[uuid.UUID][]*models.ProductUpdate
	processed  []uuid.UUID
	lookups    []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		products:  make(map[string]*models.CatalogProduct),
		lookupErr: make(map[string]error),
		updateErr: make(map[uuid.UUID]error),
		updates:   make(map[uuid.UUID][]*models.ProductUpdate),
	}
}

func (f *fakeStore) FetchUnprocessedCacheEntries(ctx context.Context, limit int) ([]models.CacheEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetchLimit = limit
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	var out []models.CacheEntry
	for _, e := range f.entries {
		if e.LastUpdated == nil && len(out) < limit {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeStore) FindProductByURL(ctx context.Context, url string) (*models.CatalogProduct, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookups = append(f.lookups, url)
	if f.onLookup != nil {
		f.onLookup(url)
	}
	if err := f.lookupErr[url]; err != nil {
		return nil, err
	}
	return f.products[url], nil
}

func (f *fakeStore) UpdateProduct(ctx context.Context, id uuid.UUID, update *models.ProductUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.updateErr[id]; err != nil {
		return err
	}
	f.updates[id] = append(f.updates[id], update)
	return nil
}

func (f *fakeStore) MarkCacheEntryProcessed(ctx context.Context, id uuid.UUID, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.processed = append(f.processed, id)
	for i := range f.entries {
		if f.entries[i].ID == id {
			t := at
			f.entries[i].LastUpdated = &t
		}
	}
	return nil
}

func (f *fakeStore) writes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := len(f.processed)
	for _, u := range f.updates {
		n += len(u)
	}
	return n
}

type fakeNotifier struct {
	markers map[uuid.UUID]bool
	err     error
	touched []uuid.UUID
}

func (n *fakeNotifier) TouchPendingProduct(ctx context.Context, productID uuid.UUID, at time.Time) (bool, error) {
	if n.err != nil {
		return false, n.err
	}
	if !n.markers[productID] {
		return false, nil
	}
	n.touched = append(n.touched, productID)
	return true, nil
}

type fakeRecorder struct {
	runs []models.SyncRun
	logs []models.SyncLog
}

func (r *fakeRecorder) CreateRun(run *models.SyncRun) (int64, error) {
	r.runs = append(r.runs, *run)
	return int64(len(r.runs)), nil
}

func (r *fakeRecorder) FinishRun(run *models.SyncRun) error {
	r.runs[run.ID-1] = *run
	return nil
}

func (r *fakeRecorder) CreateLog(entry *models.SyncLog) error {
	r.logs = append(r.logs, *entry)
	return nil
}

type fakeLocker struct {
	held     bool
	err      error
	released int
}

func (l *fakeLocker) Acquire(ctx context.Context) (bool, error) {
	if l.err != nil {
		return false, l.err
	}
	if l.held {
		return false, nil
	}
	l.held = true
	return true, nil
}

func (l *fakeLocker) Release(ctx context.Context) error {
	l.held = false
	l.released++
	return nil
}

func price(v float64) *float64 { return &v }

func threeResultEntry(matchURL string) models.CacheEntry {
	return models.CacheEntry{
		ID:              uuid.New(),
		QueryNormalized: "no7 protect perfect serum",
		CreatedAt:       time.Now().Add(-time.Hour),
		Results: []models.SearchResult{
			{Vendor: "Boots", URL: matchURL + "?srsltid=abc", Price: price(10), Currency: "GBP", Availability: models.AvailabilityInStock},
			{Vendor: "Competitor", URL: "https://competitor.example/p/9", Price: price(12), Currency: "GBP", Availability: models.AvailabilityInStock},
			{Vendor: "Other", URL: matchURL, Price: price(11), Currency: "GBP", Availability: models.AvailabilityUnsure},
		},
	}
}

func TestProcessEntry_MixedResults(t *testing.T) {
	store := newFakeStore()
	productID := uuid.New()
	store.products["https://boots.example/p/1"] = &models.CatalogProduct{ID: productID, URL: "https://boots.example/p/1"}
	notifier := &fakeNotifier{markers: map[uuid.UUID]bool{productID: true}}

	svc := NewSyncService(store, notifier, pricing.DefaultTable)
	entry := threeResultEntry("https://boots.example/p/1")

	stats := svc.ProcessEntry(context.Background(), &entry)

	want := models.SyncStats{
		CacheEntriesProcessed:    1,
		ProductsChecked:          3,
		ProductsMatched:          1,
		ProductsUpdated:          1,
		PendingProductsTriggered: 1,
		ProductsSkippedNoMatch:   1,
		ProductsSkippedUnsure:    1,
	}
	if stats != want {
		t.Fatalf("expected %+v, got %+v", want, stats)
	}

	if len(store.processed) != 1 || store.processed[0] != entry.ID {
		t.Fatalf("expected entry %s marked processed, got %v", entry.ID, store.processed)
	}

	updates := store.updates[productID]
	if len(updates) != 1 {
		t.Fatalf("expected 1 update, got %d", len(updates))
	}
	u := updates[0]
	if u.OriginalPrice == nil || *u.OriginalPrice != 10 {
		t.Fatalf("expected original price 10, got %v", u.OriginalPrice)
	}
	if u.Price == nil || *u.Price != 16 {
		t.Fatalf("expected sale price 16, got %v", u.Price)
	}
	if u.StockStatus == nil || *u.StockStatus != "in stock" {
		t.Fatalf("expected stock status in stock, got %v", u.StockStatus)
	}
	if u.ScraperUpdatedAt.IsZero() {
		t.Fatalf("expected scraper_updated_at to be set")
	}

	// the unsure result must not be looked up at all
	if len(store.lookups) != 2 {
		t.Fatalf("expected 2 lookups, got %v", store.lookups)
	}
}

func TestProcessEntry_WriteFailureContinues(t *testing.T) {
	store := newFakeStore()
	failing := uuid.New()
	healthy := uuid.New()
	store.products["https://shop.example/a"] = &models.CatalogProduct{ID: failing}
	store.products["https://shop.example/b"] = &models.CatalogProduct{ID: healthy}
	store.updateErr[failing] = errors.New("connection reset")

	svc := NewSyncService(store, nil, pricing.DefaultTable)
	entry := models.CacheEntry{
		ID: uuid.New(),
		Results: []models.SearchResult{
			{URL: "https://shop.example/a", Price: price(5), Availability: models.AvailabilityInStock},
			{URL: "https://shop.example/b", Price: price(5), Availability: models.AvailabilityOutOfStock},
		},
	}

	stats := svc.ProcessEntry(context.Background(), &entry)

	if stats.Errors != 1 {
		t.Fatalf("expected 1 error, got %d", stats.Errors)
	}
	if stats.ProductsMatched != 2 || stats.ProductsUpdated != 1 {
		t.Fatalf("expected 2 matched / 1 updated, got %+v", stats)
	}
	if len(store.updates[healthy]) != 1 {
		t.Fatalf("expected the second result to be written")
	}
	if len(store.processed) != 1 {
		t.Fatalf("expected entry to be marked processed despite the failure")
	}
}

func TestProcessEntry_LookupFailureCounted(t *testing.T) {
	store := newFakeStore()
	store.lookupErr["https://shop.example/a"] = errors.New("timeout")

	svc := NewSyncService(store, nil, nil)
	entry := models.CacheEntry{
		ID:      uuid.New(),
		Results: []models.SearchResult{{URL: "https://shop.example/a?x=1", Availability: models.AvailabilityInStock}},
	}

	stats := svc.ProcessEntry(context.Background(), &entry)
	if stats.Errors != 1 || stats.ProductsSkippedNoMatch != 0 || stats.ProductsMatched != 0 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if len(store.processed) != 1 {
		t.Fatalf("expected entry to be marked processed")
	}
}

func TestProcessEntry_NotifierFailureIsNotAnError(t *testing.T) {
	store := newFakeStore()
	id := uuid.New()
	store.products["https://shop.example/a"] = &models.CatalogProduct{ID: id}
	notifier := &fakeNotifier{err: errors.New("permission denied")}

	svc := NewSyncService(store, notifier, nil)
	entry := models.CacheEntry{
		ID:      uuid.New(),
		Results: []models.SearchResult{{URL: "https://shop.example/a", Availability: models.AvailabilityInStock}},
	}

	stats := svc.ProcessEntry(context.Background(), &entry)
	if stats.Errors != 0 || stats.ProductsUpdated != 1 || stats.PendingProductsTriggered != 0 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestBuildUpdate(t *testing.T) {
	svc := NewSyncService(newFakeStore(), nil, pricing.DefaultTable)
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	tests := []struct {
		name       string
		result     models.SearchResult
		wantPrice  *float64
		wantCost   *float64
		wantStatus *string
	}{
		{"in stock with price", models.SearchResult{Price: price(5), Availability: models.AvailabilityInStock}, price(8.75), price(5), strPtr("in stock")},
		{"out of stock no price", models.SearchResult{Availability: models.AvailabilityOutOfStock}, nil, nil, strPtr("out of stock")},
		{"zero price", models.SearchResult{Price: price(0), Availability: models.AvailabilityInStock}, nil, nil, strPtr("in stock")},
		{"negative price", models.SearchResult{Price: price(-3), Availability: "bogus"}, nil, nil, nil},
		{"large price", models.SearchResult{Price: price(1000), Availability: models.AvailabilityInStock}, price(2000), price(1000), strPtr("in stock")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u := svc.BuildUpdate(&tt.result, now)
			if !u.ScraperUpdatedAt.Equal(now) {
				t.Errorf("expected scraper_updated_at %s, got %s", now, u.ScraperUpdatedAt)
			}
			if !floatPtrEqual(u.Price, tt.wantPrice) {
				t.Errorf("price: got %v, want %v", deref(u.Price), deref(tt.wantPrice))
			}
			if !floatPtrEqual(u.OriginalPrice, tt.wantCost) {
				t.Errorf("original price: got %v, want %v", deref(u.OriginalPrice), deref(tt.wantCost))
			}
			if (u.StockStatus == nil) != (tt.wantStatus == nil) || (u.StockStatus != nil && *u.StockStatus != *tt.wantStatus) {
				t.Errorf("stock status: got %v, want %v", u.StockStatus, tt.wantStatus)
			}
		})
	}
}

func TestRun_AggregatesAndRecords(t *testing.T) {
	store := newFakeStore()
	productID := uuid.New()
	store.products["https://boots.example/p/1"] = &models.CatalogProduct{ID: productID}
	store.entries = []models.CacheEntry{
		threeResultEntry("https://boots.example/p/1"),
		threeResultEntry("https://boots.example/p/1"),
	}
	recorder := &fakeRecorder{}
	locker := &fakeLocker{}

	svc := NewSyncService(store, &fakeNotifier{}, pricing.DefaultTable)
	svc.SetRecorder(recorder)
	svc.SetLocker(locker)

	stats, err := svc.Run(context.Background(), 0, models.TriggerCLI)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if store.fetchLimit != 50 {
		t.Fatalf("expected default batch size 50, got %d", store.fetchLimit)
	}
	if stats.CacheEntriesProcessed != 2 || stats.ProductsChecked != 6 || stats.ProductsUpdated != 2 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if stats.PendingProductsTriggered != 0 {
		t.Fatalf("expected no pending products triggered without markers, got %d", stats.PendingProductsTriggered)
	}

	if len(recorder.runs) != 1 {
		t.Fatalf("expected 1 recorded run, got %d", len(recorder.runs))
	}
	run := recorder.runs[0]
	if run.Status != models.RunStatusCompleted || run.FinishedAt == nil {
		t.Fatalf("expected completed run, got %+v", run)
	}
	if run.Stats != *stats {
		t.Fatalf("expected recorded stats %+v, got %+v", *stats, run.Stats)
	}
	if len(recorder.logs) == 0 {
		t.Fatalf("expected run logs")
	}
	if locker.held || locker.released != 1 {
		t.Fatalf("expected lock released once, held=%v released=%d", locker.held, locker.released)
	}
}

func TestRun_Idempotent(t *testing.T) {
	store := newFakeStore()
	store.products["https://boots.example/p/1"] = &models.CatalogProduct{ID: uuid.New()}
	store.entries = []models.CacheEntry{threeResultEntry("https://boots.example/p/1")}

	svc := NewSyncService(store, nil, nil)
	if _, err := svc.Run(context.Background(), 10, models.TriggerCLI); err != nil {
		t.Fatalf("first run failed: %v", err)
	}
	writes := store.writes()

	stats, err := svc.Run(context.Background(), 10, models.TriggerCLI)
	if err != nil {
		t.Fatalf("second run failed: %v", err)
	}
	if *stats != (models.SyncStats{}) {
		t.Fatalf("expected all-zero stats, got %+v", stats)
	}
	if store.writes() != writes {
		t.Fatalf("expected no writes on second run")
	}
}

func TestRun_FetchErrorIsFatal(t *testing.T) {
	store := newFakeStore()
	store.fetchErr = errors.New("relation does not exist")
	recorder := &fakeRecorder{}

	svc := NewSyncService(store, nil, nil)
	svc.SetRecorder(recorder)

	stats, err := svc.Run(context.Background(), 5, models.TriggerHTTP)
	if err == nil {
		t.Fatalf("expected error")
	}
	if !errors.Is(err, store.fetchErr) {
		t.Fatalf("expected wrapped fetch error, got %v", err)
	}
	if stats != nil {
		t.Fatalf("expected nil stats, got %+v", stats)
	}
	if recorder.runs[0].Status != models.RunStatusFailed || recorder.runs[0].ErrorMessage == "" {
		t.Fatalf("expected failed run with message, got %+v", recorder.runs[0])
	}
}

func TestRun_LockHeld(t *testing.T) {
	store := newFakeStore()
	locker := &fakeLocker{held: true}

	svc := NewSyncService(store, nil, nil)
	svc.SetLocker(locker)

	if _, err := svc.Run(context.Background(), 5, models.TriggerSchedule); !errors.Is(err, ErrSyncInProgress) {
		t.Fatalf("expected ErrSyncInProgress, got %v", err)
	}
	if store.fetchLimit != 0 {
		t.Fatalf("expected no fetch while locked")
	}
	if locker.released != 0 {
		t.Fatalf("must not release a lock it does not hold")
	}
}

func TestRun_LockError(t *testing.T) {
	svc := NewSyncService(newFakeStore(), nil, nil)
	svc.SetLocker(&fakeLocker{err: errors.New("redis down")})

	if _, err := svc.Run(context.Background(), 5, models.TriggerSchedule); err == nil || errors.Is(err, ErrSyncInProgress) {
		t.Fatalf("expected lock error, got %v", err)
	}
}

func TestRun_InProcessOverlap(t *testing.T) {
	svc := NewSyncService(newFakeStore(), nil, nil)
	svc.running.Store(true)

	if _, err := svc.Run(context.Background(), 5, models.TriggerHTTP); !errors.Is(err, ErrSyncInProgress) {
		t.Fatalf("expected ErrSyncInProgress, got %v", err)
	}
}

func strPtr(s string) *string { return &s }

func deref(p *float64) any {
	if p == nil {
		return nil
	}
	return *p
}

func floatPtrEqual(a, b *float64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func TestProcessEntry_UnreadableResultCountsAsError(t *testing.T) {
	store := newFakeStore()
	productID := uuid.New()
	store.products["https://shop.example/a"] = &models.CatalogProduct{ID: productID, URL: "https://shop.example/a"}

	var entry models.CacheEntry
	raw := `{"id":"` + uuid.NewString() + `","query_normalized":"serum","created_at":"2026-01-01T00:00:00Z",
		"results":[{"url":"https://shop.example/a","price":"12.99","availability":"In Stock"},
			{"url":"https://shop.example/a","price":9.5,"availability":"In Stock"}]}`
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		t.Fatalf("decode entry: %v", err)
	}

	svc := NewSyncService(store, nil, nil)
	stats := svc.ProcessEntry(context.Background(), &entry)

	if stats.ProductsChecked != 2 || stats.Errors != 1 || stats.ProductsUpdated != 1 {
		t.Fatalf("expected 2 checked, 1 error, 1 updated, got %+v", stats)
	}
	if len(store.lookups) != 1 {
		t.Fatalf("unreadable result must not be looked up, got %v", store.lookups)
	}
	if got := store.updates[productID][0].OriginalPrice; got == nil || *got != 9.5 {
		t.Fatalf("expected readable result applied, got %v", got)
	}
	if len(store.processed) != 1 {
		t.Fatalf("entry must still be stamped processed")
	}
}

func TestRun_CancelledMidBatchRecordedAsFailed(t *testing.T) {
	store := newFakeStore()
	for i := 0; i < 3; i++ {
		store.entries = append(store.entries, models.CacheEntry{
			ID:        uuid.New(),
			CreatedAt: time.Now().Add(time.Duration(i) * time.Minute),
			Results:   []models.SearchResult{{URL: "https://shop.example/a", Availability: models.AvailabilityInStock}},
		})
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store.onLookup = func(string) { cancel() }
	recorder := &fakeRecorder{}

	svc := NewSyncService(store, nil, nil)
	svc.SetRecorder(recorder)

	stats, err := svc.Run(ctx, 5, models.TriggerHTTP)
	if !errors.Is(err, ErrSyncInterrupted) || !errors.Is(err, context.Canceled) {
		t.Fatalf("expected interrupted error, got %v", err)
	}
	if stats == nil || stats.CacheEntriesProcessed != 1 {
		t.Fatalf("expected partial stats for 1 entry, got %+v", stats)
	}
	run := recorder.runs[0]
	if run.Status != models.RunStatusFailed || !strings.Contains(run.ErrorMessage, "after 1 of 3 entries") {
		t.Fatalf("expected failed run with interruption message, got %+v", run)
	}
	if run.Stats.CacheEntriesProcessed != 1 {
		t.Fatalf("expected partial stats recorded, got %+v", run.Stats)
	}
}

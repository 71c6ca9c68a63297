package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"catalog_sync/config"
	"catalog_sync/identity"
	"catalog_sync/logging"
	"catalog_sync/metrics"
	"catalog_sync/models"
	"catalog_sync/pricing"
)

// ErrSyncInProgress is returned when another run holds the sync lock
var ErrSyncInProgress = errors.New("sync already in progress")

// ErrFetchEntries wraps a failure to load the batch of cache entries
var ErrFetchEntries = errors.New("fetch unprocessed cache entries")

// ErrSyncInterrupted is returned when the context ends before the batch is done
var ErrSyncInterrupted = errors.New("sync interrupted")

// CatalogStore is the persistence the sync job reads and writes
type CatalogStore interface {
	FetchUnprocessedCacheEntries(ctx context.Context, limit int) ([]models.CacheEntry, error)
	// FindProductByURL returns nil, nil when no catalog row has the URL
	FindProductByURL(ctx context.Context, url string) (*models.CatalogProduct, error)
	UpdateProduct(ctx context.Context, id uuid.UUID, update *models.ProductUpdate) error
	MarkCacheEntryProcessed(ctx context.Context, id uuid.UUID, at time.Time) error
}

// ResyncNotifier signals the downstream ERP sync that a product changed.
// touched is false when there is no marker row for the product.
type ResyncNotifier interface {
	TouchPendingProduct(ctx context.Context, productID uuid.UUID, at time.Time) (touched bool, err error)
}

// Locker guards a whole run against overlapping invocations
type Locker interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// RunRecorder keeps the history of sync runs
type RunRecorder interface {
	CreateRun(run *models.SyncRun) (int64, error)
	FinishRun(run *models.SyncRun) error
	CreateLog(entry *models.SyncLog) error
}

// SyncService reconciles price comparison cache entries into the catalog
type SyncService struct {
	store    CatalogStore
	notifier ResyncNotifier
	markup   pricing.Table
	locker   Locker
	recorder RunRecorder
	running  atomic.Bool
	now      func() time.Time
}

// NewSyncService creates a SyncService. notifier may be nil.
func NewSyncService(store CatalogStore, notifier ResyncNotifier, markup pricing.Table) *SyncService {
	if markup == nil {
		markup = pricing.DefaultTable
	}
	return &SyncService{
		store:    store,
		notifier: notifier,
		markup:   markup,
		now:      time.Now,
	}
}

// SetLocker installs a cross-process run lock
func (s *SyncService) SetLocker(l Locker) {
	s.locker = l
}

// SetRecorder installs the run history store
func (s *SyncService) SetRecorder(r RunRecorder) {
	s.recorder = r
}

// Run fetches up to batchSize unprocessed cache entries, oldest first, and
// processes them one by one. A failed fetch is returned as an error and so is
// a cancelled context, together with the stats gathered so far. Per-result
// failures are only counted in the stats.
func (s *SyncService) Run(ctx context.Context, batchSize int, trigger models.RunTrigger) (*models.SyncStats, error) {
	batchSize = config.ClampBatchSize(batchSize)
	started := s.now()

	if !s.running.CompareAndSwap(false, true) {
		s.observe(trigger, models.RunStatusSkipped, nil, started)
		return nil, ErrSyncInProgress
	}
	defer s.running.Store(false)

	if s.locker != nil {
		ok, err := s.locker.Acquire(ctx)
		if err != nil {
			s.observe(trigger, models.RunStatusFailed, nil, started)
			return nil, fmt.Errorf("acquire sync lock: %w", err)
		}
		if !ok {
			s.observe(trigger, models.RunStatusSkipped, nil, started)
			return nil, ErrSyncInProgress
		}
		defer func() {
			if err := s.locker.Release(context.WithoutCancel(ctx)); err != nil {
				log.Printf("Sync: failed to release lock: %v", err)
			}
		}()
	}

	run := &models.SyncRun{
		Trigger:   trigger,
		BatchSize: batchSize,
		StartedAt: started,
		Status:    models.RunStatusRunning,
	}
	runID := s.startRun(run)

	entries, err := s.store.FetchUnprocessedCacheEntries(ctx, batchSize)
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrFetchEntries, err)
		s.log(runID, models.LogLevelError, err.Error())
		s.finishRun(run, models.RunStatusFailed, err)
		s.observe(trigger, models.RunStatusFailed, nil, started)
		return nil, err
	}

	stats := &models.SyncStats{}
	if len(entries) == 0 {
		s.log(runID, models.LogLevelInfo, "No unprocessed cache entries")
		s.finishRun(run, models.RunStatusCompleted, nil)
		s.observe(trigger, models.RunStatusCompleted, stats, started)
		return stats, nil
	}

	s.log(runID, models.LogLevelInfo, fmt.Sprintf("Processing %d cache entries", len(entries)))

	var interrupted error
	for i := range entries {
		if ctx.Err() != nil {
			interrupted = fmt.Errorf("%w after %d of %d entries: %w", ErrSyncInterrupted, i, len(entries), ctx.Err())
			s.log(runID, models.LogLevelWarn, fmt.Sprintf("Stopping early: %v", interrupted))
			break
		}
		stats.Add(s.processEntry(ctx, runID, &entries[i]))
	}

	run.Stats = *stats
	if interrupted != nil {
		s.finishRun(run, models.RunStatusFailed, interrupted)
		s.observe(trigger, models.RunStatusFailed, stats, started)
		return stats, interrupted
	}
	s.log(runID, models.LogLevelInfo, fmt.Sprintf(
		"Done: %d entries, %d checked, %d matched, %d updated, %d pending triggered, %d no match, %d unsure, %d errors",
		stats.CacheEntriesProcessed, stats.ProductsChecked, stats.ProductsMatched, stats.ProductsUpdated,
		stats.PendingProductsTriggered, stats.ProductsSkippedNoMatch, stats.ProductsSkippedUnsure, stats.Errors,
	))
	s.finishRun(run, models.RunStatusCompleted, nil)
	s.observe(trigger, models.RunStatusCompleted, stats, started)

	return stats, nil
}

// ProcessEntry reconciles the search results of a single cache entry and
// stamps it processed. Failed results are counted, never retried.
func (s *SyncService) ProcessEntry(ctx context.Context, entry *models.CacheEntry) models.SyncStats {
	return s.processEntry(ctx, nil, entry)
}

func (s *SyncService) processEntry(ctx context.Context, runID *int64, entry *models.CacheEntry) models.SyncStats {
	var stats models.SyncStats

	for i := range entry.Results {
		s.processResult(ctx, runID, &entry.Results[i], &stats)
	}

	if err := s.store.MarkCacheEntryProcessed(ctx, entry.ID, s.now()); err != nil {
		s.log(runID, models.LogLevelError, fmt.Sprintf("Failed to mark cache entry %s processed: %v", entry.ID, err))
		stats.Errors++
	}
	stats.CacheEntriesProcessed++

	return stats
}

func (s *SyncService) processResult(ctx context.Context, runID *int64, result *models.SearchResult, stats *models.SyncStats) {
	stats.ProductsChecked++

	if result.DecodeErr != nil {
		s.log(runID, models.LogLevelError, fmt.Sprintf("Unreadable search result: %v", result.DecodeErr))
		stats.Errors++
		return
	}

	if result.Availability == models.AvailabilityUnsure {
		stats.ProductsSkippedUnsure++
		return
	}

	url := identity.NormalizeURL(result.URL)
	product, err := s.store.FindProductByURL(ctx, url)
	if err != nil {
		s.log(runID, models.LogLevelError, fmt.Sprintf("Lookup failed for %s: %v", url, err))
		stats.Errors++
		return
	}
	if product == nil {
		logging.Debugf("Sync: no catalog product for %s", url)
		stats.ProductsSkippedNoMatch++
		return
	}
	stats.ProductsMatched++
	logging.Debugf("Sync: %s matched product %s", url, product.ID)

	now := s.now()
	update := s.BuildUpdate(result, now)
	if err := s.store.UpdateProduct(ctx, product.ID, update); err != nil {
		s.log(runID, models.LogLevelError, fmt.Sprintf("Update failed for product %s: %v", product.ID, err))
		stats.Errors++
		return
	}
	stats.ProductsUpdated++

	if s.notifier == nil {
		return
	}
	touched, err := s.notifier.TouchPendingProduct(ctx, product.ID, now)
	if err != nil {
		log.Printf("Sync: pending product not triggered for %s: %v", product.ID, err)
		return
	}
	if touched {
		stats.PendingProductsTriggered++
	}
}

// BuildUpdate turns a search result into a partial catalog update. Prices are
// only included when positive; stock status only when availability is definitive.
func (s *SyncService) BuildUpdate(result *models.SearchResult, now time.Time) *models.ProductUpdate {
	update := &models.ProductUpdate{ScraperUpdatedAt: now}

	if p := result.Price; p != nil && *p > 0 && !math.IsInf(*p, 0) {
		cost := *p
		sale := s.markup.Apply(cost)
		update.OriginalPrice = &cost
		update.Price = &sale
	}

	if status, ok := result.Availability.StockStatus(); ok {
		update.StockStatus = &status
	}

	return update
}

func (s *SyncService) startRun(run *models.SyncRun) *int64 {
	if s.recorder == nil {
		return nil
	}
	id, err := s.recorder.CreateRun(run)
	if err != nil {
		log.Printf("Sync: failed to record run: %v", err)
		return nil
	}
	run.ID = id
	return &id
}

func (s *SyncService) finishRun(run *models.SyncRun, status models.RunStatus, runErr error) {
	if s.recorder == nil || run.ID == 0 {
		return
	}
	finished := s.now()
	run.FinishedAt = &finished
	run.Status = status
	if runErr != nil {
		run.ErrorMessage = runErr.Error()
	}
	if err := s.recorder.FinishRun(run); err != nil {
		log.Printf("Sync: failed to finish run %d: %v", run.ID, err)
	}
}

func (s *SyncService) log(runID *int64, level models.LogLevel, msg string) {
	log.Printf("Sync: %s", msg)
	if s.recorder == nil || runID == nil {
		return
	}
	entry := &models.SyncLog{
		RunID:     runID,
		Timestamp: s.now(),
		Level:     level,
		Message:   msg,
		Source:    "sync",
	}
	if err := s.recorder.CreateLog(entry); err != nil {
		log.Printf("Sync: failed to persist log: %v", err)
	}
}

func (s *SyncService) observe(trigger models.RunTrigger, status models.RunStatus, stats *models.SyncStats, started time.Time) {
	metrics.ObserveSync(trigger, status, stats, s.now().Sub(started))
}

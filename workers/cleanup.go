package workers

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"catalog_sync/metrics"
	"catalog_sync/models"
)

// storageBatchSize is the most keys sent in one delete call
const storageBatchSize = 100

// ErrCleanupInProgress is returned when a cleanup pass is already running
var ErrCleanupInProgress = errors.New("cleanup already in progress")

// ModelStore finds pending products whose 3D model file has expired.
// ListExpiredModels orders by (updated_at, id) and, when after is set,
// returns only rows past that position.
type ModelStore interface {
	ListExpiredModels(ctx context.Context, olderThan time.Time, after *models.ModelCursor, limit int) ([]models.PendingModel, error)
	ClearModelURLs(ctx context.Context, ids []uuid.UUID) (int, error)
}

// ObjectRemover deletes object keys from the model bucket
type ObjectRemover interface {
	Remove(ctx context.Context, keys []string) (int, error)
}

// CleanupWorker deletes 3D model files that have been sitting in the
// product-files bucket longer than maxAge and clears the glb_url that
// pointed at them.
type CleanupWorker struct {
	store     ModelStore
	remover   ObjectRemover
	bucket    string
	maxAge    time.Duration
	batchSize int
	pause     time.Duration
	now       func() time.Time
	running   atomic.Bool
	triggerCh chan struct{}
	logFunc   LogFunc
}

func NewCleanupWorker(store ModelStore, remover ObjectRemover, bucket string, maxAge time.Duration, batchSize int) *CleanupWorker {
	if bucket == "" {
		bucket = "product-files"
	}
	if batchSize <= 0 {
		batchSize = 1000
	}
	return &CleanupWorker{
		store:     store,
		remover:   remover,
		bucket:    bucket,
		maxAge:    maxAge,
		batchSize: batchSize,
		pause:     300 * time.Millisecond,
		now:       time.Now,
		triggerCh: make(chan struct{}, 1),
		logFunc:   NoOpLogger,
	}
}

func (w *CleanupWorker) SetLogger(fn LogFunc) {
	w.logFunc = fn
}

// Trigger causes the worker to run immediately
func (w *CleanupWorker) Trigger() {
	select {
	case w.triggerCh <- struct{}{}:
	default:
	}
}

// Run starts the cleanup loop
func (w *CleanupWorker) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("Cleanup worker stopping")
			return
		case <-ticker.C:
			w.runLogged(ctx)
		case <-w.triggerCh:
			log.Println("Cleanup worker triggered manually")
			w.runLogged(ctx)
		}
	}
}

func (w *CleanupWorker) runLogged(ctx context.Context) {
	if _, err := w.RunOnce(ctx); err != nil {
		log.Printf("Cleanup: %v", err)
	}
}

// RunOnce removes every expired model it can find, one batch at a time.
// Each batch starts after the last row of the previous one, so rows that
// cannot be cleared are passed over instead of being listed again.
func (w *CleanupWorker) RunOnce(ctx context.Context) (*models.CleanupStats, error) {
	if !w.running.CompareAndSwap(false, true) {
		return nil, ErrCleanupInProgress
	}
	defer w.running.Store(false)

	cutoff := w.now().Add(-w.maxAge)
	stats := &models.CleanupStats{}
	var after *models.ModelCursor

	for batch := 1; ; batch++ {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		found, err := w.store.ListExpiredModels(ctx, cutoff, after, w.batchSize)
		if err != nil {
			w.logFunc(models.LogLevelError, "cleanup", fmt.Sprintf("query failed: %v", err))
			return stats, fmt.Errorf("list expired models: %w", err)
		}
		if len(found) == 0 {
			break
		}

		w.processBatch(ctx, batch, found, stats)
		if len(found) < w.batchSize {
			break
		}
		after = found[len(found)-1].Cursor()
	}

	log.Printf("Cleanup: found %d, deleted %d files, %d failed, %d records cleared",
		stats.ProductsFound, stats.FilesDeleted, stats.FilesFailed, stats.RecordsUpdated)
	if stats.ProductsFound > 0 {
		w.logFunc(models.LogLevelInfo, "cleanup", fmt.Sprintf("deleted %d files, %d failed, %d records cleared",
			stats.FilesDeleted, stats.FilesFailed, stats.RecordsUpdated))
	}
	metrics.ObserveCleanup(stats)

	return stats, nil
}

// processBatch deletes the files of one batch. Records are only cleared once
// their file is gone.
func (w *CleanupWorker) processBatch(ctx context.Context, batch int, found []models.PendingModel, stats *models.CleanupStats) {
	stats.ProductsFound += len(found)

	var paths []string
	var ids []uuid.UUID
	for _, m := range found {
		p := w.extractFilePath(m.GLBURL)
		if p == "" {
			log.Printf("Cleanup: no bucket path in %s (product %s)", m.GLBURL, m.ID)
			continue
		}
		paths = append(paths, p)
		ids = append(ids, m.ID)
	}
	if len(paths) == 0 {
		return
	}

	var clear []uuid.UUID
	for i := 0; i < len(paths); i += storageBatchSize {
		end := min(i+storageBatchSize, len(paths))

		deleted, err := w.remover.Remove(ctx, paths[i:end])
		stats.FilesDeleted += deleted
		if err != nil {
			stats.FilesFailed += end - i - deleted
			log.Printf("Cleanup: batch %d storage delete failed: %v", batch, err)
			w.logFunc(models.LogLevelWarn, "cleanup", fmt.Sprintf("storage delete failed: %v", err))
		} else {
			clear = append(clear, ids[i:end]...)
		}

		if end < len(paths) && w.pause > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.pause):
			}
		}
	}

	if len(clear) == 0 {
		return
	}
	n, err := w.store.ClearModelURLs(ctx, clear)
	if err != nil {
		log.Printf("Cleanup: batch %d database update failed: %v", batch, err)
		return
	}
	stats.RecordsUpdated += n
	log.Printf("Cleanup: batch %d deleted files for %d products", batch, n)
}

// extractFilePath returns the object key of a public storage URL, the part
// after /<bucket>/. It returns "" when the URL is not in the bucket.
func (w *CleanupWorker) extractFilePath(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	parts := strings.SplitN(u.Path, "/"+w.bucket+"/", 2)
	if len(parts) != 2 || parts[1] == "" {
		return ""
	}
	return parts[1]
}

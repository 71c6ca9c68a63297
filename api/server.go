package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"catalog_sync/config"
	"catalog_sync/models"
	"catalog_sync/services"
	"catalog_sync/workers"
)

const (
	defaultRunsLimit = 20
	maxRunsLimit     = 200
)

// SyncRunner runs one sync batch
type SyncRunner interface {
	Run(ctx context.Context, batchSize int, trigger models.RunTrigger) (*models.SyncStats, error)
}

// CleanupRunner runs one 3D model cleanup pass
type CleanupRunner interface {
	RunOnce(ctx context.Context) (*models.CleanupStats, error)
}

// RunHistory lists recorded sync runs
type RunHistory interface {
	GetRecentRuns(limit int) ([]models.SyncRun, error)
}

// Server exposes the sync job over HTTP. Any dependency may be nil; the
// matching endpoint then reports a configuration error.
type Server struct {
	cfg     *config.Config
	sync    SyncRunner
	cleanup CleanupRunner
	runs    RunHistory
	router  *gin.Engine
	now     func() time.Time
}

type syncRequest struct {
	BatchSize int `json:"batchSize"`
}

type syncResponse struct {
	Success    bool              `json:"success"`
	Message    string            `json:"message"`
	Stats      *models.SyncStats `json:"stats"`
	DurationMS int64             `json:"duration_ms"`
}

type errorResponse struct {
	Success    bool   `json:"success"`
	Error      string `json:"error"`
	Details    string `json:"details,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}

func NewServer(cfg *config.Config, sync SyncRunner, cleanup CleanupRunner, runs RunHistory) *Server {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(gin.Recovery())
	r.Use(RequestLogger())
	r.Use(cors.New(cors.Config{
		AllowAllOrigins:           true,
		AllowMethods:              []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:              []string{"Authorization", "X-Client-Info", "Apikey", "Content-Type"},
		MaxAge:                    12 * time.Hour,
		OptionsResponseStatusCode: http.StatusOK,
	}))

	s := &Server{
		cfg:     cfg,
		sync:    sync,
		cleanup: cleanup,
		runs:    runs,
		router:  r,
		now:     time.Now,
	}
	s.registerRoutes()
	return s
}

// Router exposes the HTTP handler
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) registerRoutes() {
	s.router.NoMethod(func(c *gin.Context) {
		c.JSON(http.StatusMethodNotAllowed, gin.H{"error": "Method not allowed"})
	})
	s.router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Not found"})
	})

	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	s.router.GET("/healthz", s.handleHealthz)

	for _, path := range []string{"/sync-price-cache", "/functions/v1/sync-price-cache"} {
		s.router.POST(path, s.handleSync)
		s.router.OPTIONS(path, handlePreflight)
	}

	s.router.POST("/cleanup-models", s.handleCleanup)
	s.router.OPTIONS("/cleanup-models", handlePreflight)
	s.router.GET("/runs", s.handleRuns)
}

// handlePreflight answers OPTIONS requests that carry no Origin header;
// real preflights are answered by the CORS middleware.
func handlePreflight(c *gin.Context) {
	c.String(http.StatusOK, "ok")
}

func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleSync(c *gin.Context) {
	start := s.now()

	if s.sync == nil {
		s.fail(c, http.StatusInternalServerError, start, "Server configuration error", "")
		return
	}

	var req syncRequest
	// a missing or malformed body falls back to the default batch size
	_ = c.ShouldBindJSON(&req)
	if req.BatchSize <= 0 {
		req.BatchSize = s.cfg.Sync.BatchSize
	}

	stats, err := s.sync.Run(c.Request.Context(), req.BatchSize, models.TriggerHTTP)
	switch {
	case errors.Is(err, services.ErrSyncInProgress):
		s.fail(c, http.StatusConflict, start, "Sync already in progress", "")
		return
	case errors.Is(err, services.ErrFetchEntries):
		s.fail(c, http.StatusInternalServerError, start, "Failed to fetch cache entries", err.Error())
		return
	case err != nil:
		s.fail(c, http.StatusInternalServerError, start, "Internal server error", err.Error())
		return
	}

	message := "No unprocessed cache entries"
	if stats.CacheEntriesProcessed > 0 {
		message = fmt.Sprintf("Processed %d cache entries, updated %d products",
			stats.CacheEntriesProcessed, stats.ProductsUpdated)
	}

	c.JSON(http.StatusOK, syncResponse{
		Success:    true,
		Message:    message,
		Stats:      stats,
		DurationMS: s.since(start),
	})
}

func (s *Server) handleCleanup(c *gin.Context) {
	start := s.now()

	if s.cleanup == nil {
		s.fail(c, http.StatusInternalServerError, start, "Server configuration error", "storage credentials are not set")
		return
	}

	stats, err := s.cleanup.RunOnce(c.Request.Context())
	if errors.Is(err, workers.ErrCleanupInProgress) {
		s.fail(c, http.StatusConflict, start, "Cleanup already in progress", "")
		return
	}
	if err != nil {
		s.fail(c, http.StatusInternalServerError, start, "Cleanup failed", err.Error())
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":     true,
		"message":     fmt.Sprintf("Deleted %d files, cleared %d records", stats.FilesDeleted, stats.RecordsUpdated),
		"stats":       stats,
		"duration_ms": s.since(start),
	})
}

func (s *Server) handleRuns(c *gin.Context) {
	if s.runs == nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Server configuration error"})
		return
	}

	limit := defaultRunsLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = min(n, maxRunsLimit)
	}

	runs, err := s.runs.GetRecentRuns(limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load runs", "details": err.Error()})
		return
	}
	if runs == nil {
		runs = []models.SyncRun{}
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs})
}

func (s *Server) fail(c *gin.Context, status int, start time.Time, msg, details string) {
	c.JSON(status, errorResponse{
		Success:    false,
		Error:      msg,
		Details:    details,
		DurationMS: s.since(start),
	})
}

func (s *Server) since(start time.Time) int64 {
	return s.now().Sub(start).Milliseconds()
}

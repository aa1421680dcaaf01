// Package httpapi serves the HTTP control and status API of the results
// client: session state, view and cell control, and the recorded batches.
package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"liveresults/internal/results"
	"liveresults/internal/store"
	"liveresults/internal/util"
)

const (
	defaultBatchLimit = 50
	maxBatchLimit     = 1000
	snapshotTimeout   = 2 * time.Second
	maxTriggerWait    = 30 * time.Second
)

// Controller is the part of the results client the API drives.
type Controller interface {
	Snapshot(ctx context.Context) (results.Snapshot, error)
	ChangeView(name string)
	Pause()
	Resume()
	RequestViews()
	TriggerImmediateUpdate()
	SetCellUpdateMode(gridName string, rowID, colID int64, mode results.CellMode)
}

// Server serves the control API.
type Server struct {
	ctl     Controller
	journal store.BatchJournal
	archive store.DeltaArchive // nil when archiving is off
	limiter *util.RateLimiter  // nil means unlimited triggers
	log     *slog.Logger
	engine  *gin.Engine
}

// NewServer creates the API. archive and limiter may be nil.
func NewServer(ctl Controller, journal store.BatchJournal, archive store.DeltaArchive, limiter *util.RateLimiter, log *slog.Logger) *Server {
	s := &Server{
		ctl:     ctl,
		journal: journal,
		archive: archive,
		limiter: limiter,
		log:     log,
		engine:  gin.New(),
	}
	s.engine.Use(gin.Recovery(), s.requestLogger(), corsMiddleware())
	s.setupRoutes()
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) setupRoutes() {
	api := s.engine.Group("/api")
	api.GET("/health", s.getHealth)
	api.GET("/state", s.getState)

	api.GET("/views", s.getViews)
	api.POST("/views", s.refreshViews)
	api.POST("/views/:name", s.changeView)

	api.POST("/pause", s.command(s.ctl.Pause))
	api.POST("/resume", s.command(s.ctl.Resume))
	api.POST("/trigger", s.trigger)

	api.PUT("/cells/:grid/:row/:col", s.cellMode(results.CellModeFull))
	api.DELETE("/cells/:grid/:row/:col", s.cellMode(results.CellModeSummary))

	api.GET("/batches", s.listBatches)
	api.GET("/batches/:id/:stream", s.batchDeltas)
	api.GET("/status", s.latestStatus)

	api.GET("/archive", s.archiveViews)
	api.GET("/archive/:view/:stream", s.archiveDeltas)
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug("http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"elapsed", time.Since(start))
	}
}

func writeError(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, gin.H{"error": msg})
}

func (s *Server) getHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) snapshot(c *gin.Context) (results.Snapshot, bool) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), snapshotTimeout)
	defer cancel()
	snap, err := s.ctl.Snapshot(ctx)
	if err != nil {
		s.log.Warn("reading client state", "error", err)
		writeError(c, http.StatusServiceUnavailable, "client state unavailable")
		return results.Snapshot{}, false
	}
	return snap, true
}

func (s *Server) getState(c *gin.Context) {
	if snap, ok := s.snapshot(c); ok {
		c.JSON(http.StatusOK, snap)
	}
}

func (s *Server) getViews(c *gin.Context) {
	snap, ok := s.snapshot(c)
	if !ok {
		return
	}
	views := snap.Views
	if views == nil {
		views = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"current": snap.View, "available": views})
}

func (s *Server) refreshViews(c *gin.Context) {
	s.ctl.RequestViews()
	c.Status(http.StatusAccepted)
}

func (s *Server) changeView(c *gin.Context) {
	name := c.Param("name")
	s.log.Info("view change requested over http", "view", name)
	s.ctl.ChangeView(name)
	c.JSON(http.StatusAccepted, gin.H{"view": name})
}

func (s *Server) command(fn func()) gin.HandlerFunc {
	return func(c *gin.Context) {
		fn()
		c.Status(http.StatusAccepted)
	}
}

// trigger requests an immediate update. With ?wait=<duration> a
// rate-limited request queues for a token for up to that long.
func (s *Server) trigger(c *gin.Context) {
	var wait time.Duration
	if v := c.Query("wait"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 || d > maxTriggerWait {
			writeError(c, http.StatusBadRequest, "wait must be a duration up to "+maxTriggerWait.String())
			return
		}
		wait = d
	}

	if s.limiter != nil {
		allowed := s.limiter.Allow()
		if !allowed && wait > 0 {
			ctx, cancel := context.WithTimeout(c.Request.Context(), wait)
			allowed = s.limiter.Wait(ctx) == nil
			cancel()
		}
		if !allowed {
			writeError(c, http.StatusTooManyRequests, "trigger rate exceeded")
			return
		}
	}
	s.ctl.TriggerImmediateUpdate()
	c.Status(http.StatusAccepted)
}

func (s *Server) cellMode(mode results.CellMode) gin.HandlerFunc {
	return func(c *gin.Context) {
		grid := c.Param("grid")
		if !validStream(grid) {
			writeError(c, http.StatusBadRequest, "unknown grid "+grid)
			return
		}
		row, err := strconv.ParseInt(c.Param("row"), 10, 64)
		if err != nil {
			writeError(c, http.StatusBadRequest, "invalid row id")
			return
		}
		col, err := strconv.ParseInt(c.Param("col"), 10, 64)
		if err != nil {
			writeError(c, http.StatusBadRequest, "invalid column id")
			return
		}
		s.ctl.SetCellUpdateMode(grid, row, col, mode)
		c.JSON(http.StatusAccepted, gin.H{"grid": grid, "row": row, "col": col, "mode": mode})
	}
}

func validStream(s string) bool {
	return s == store.StreamPortfolio || s == store.StreamPrimitives
}

func (s *Server) listBatches(c *gin.Context) {
	limit := defaultBatchLimit
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(c, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = min(n, maxBatchLimit)
	}

	batches, err := s.journal.ListBatches(c.Request.Context(), limit)
	if err != nil {
		s.log.Error("listing batches", "error", err)
		writeError(c, http.StatusInternalServerError, "listing batches failed")
		return
	}
	if batches == nil {
		batches = []store.BatchSummary{}
	}
	c.JSON(http.StatusOK, batches)
}

func (s *Server) batchDeltas(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		writeError(c, http.StatusBadRequest, "invalid batch id")
		return
	}
	stream := c.Param("stream")
	if !validStream(stream) {
		writeError(c, http.StatusBadRequest, "unknown stream "+stream)
		return
	}

	deltas, err := s.journal.BatchDeltas(c.Request.Context(), id, stream)
	if errors.Is(err, store.ErrNotFound) {
		writeError(c, http.StatusNotFound, "batch not found")
		return
	}
	if err != nil {
		s.log.Error("reading batch deltas", "batch", id, "error", err)
		writeError(c, http.StatusInternalServerError, "reading batch failed")
		return
	}
	c.JSON(http.StatusOK, deltas)
}

func (s *Server) latestStatus(c *gin.Context) {
	st, err := s.journal.LatestStatus(c.Request.Context())
	if errors.Is(err, store.ErrNotFound) {
		writeError(c, http.StatusNotFound, "no status recorded")
		return
	}
	if err != nil {
		s.log.Error("reading latest status", "error", err)
		writeError(c, http.StatusInternalServerError, "reading status failed")
		return
	}
	c.JSON(http.StatusOK, st)
}

func (s *Server) archiveViews(c *gin.Context) {
	if s.archive == nil {
		writeError(c, http.StatusNotFound, "archive disabled")
		return
	}
	views, err := s.archive.ListViews(c.Request.Context())
	if err != nil {
		s.log.Error("listing archived views", "error", err)
		writeError(c, http.StatusInternalServerError, "listing archive failed")
		return
	}
	if views == nil {
		views = []string{}
	}
	c.JSON(http.StatusOK, views)
}

// archiveDeltas serves archived deltas for a view and stream. from and to
// are dates (YYYY-MM-DD, inclusive) and default to today.
func (s *Server) archiveDeltas(c *gin.Context) {
	if s.archive == nil {
		writeError(c, http.StatusNotFound, "archive disabled")
		return
	}
	stream := c.Param("stream")
	if !validStream(stream) {
		writeError(c, http.StatusBadRequest, "unknown stream "+stream)
		return
	}

	today := time.Now().UTC().Format("2006-01-02")
	from, err := time.Parse("2006-01-02", c.DefaultQuery("from", today))
	if err != nil {
		writeError(c, http.StatusBadRequest, "invalid from date")
		return
	}
	to, err := time.Parse("2006-01-02", c.DefaultQuery("to", today))
	if err != nil {
		writeError(c, http.StatusBadRequest, "invalid to date")
		return
	}
	end := to.Add(24*time.Hour - time.Millisecond)

	records, err := s.archive.ReadDeltas(c.Request.Context(), c.Param("view"), stream, from, end)
	if err != nil {
		s.log.Error("reading archive", "error", err)
		writeError(c, http.StatusInternalServerError, "reading archive failed")
		return
	}
	if records == nil {
		records = []store.DeltaRecord{}
	}
	c.JSON(http.StatusOK, records)
}

// Package httpapi is the daemon's HTTP surface: the ingest and status
// API, the websocket event feed, and a small embedded dashboard.
package httpapi

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/unheardhq/ctxsync/internal/ctxsync"
	"github.com/unheardhq/ctxsync/internal/remotesync"
)

const correlationHeader = "X-Correlation-Id"

type Config struct {
	AuthToken    string
	MaxBodyBytes string
	Logger       *zerolog.Logger
}

// Reconciler is the optional drift-repair hook behind POST /v1/reconcile.
type Reconciler interface {
	ReconcileOnce(ctx context.Context) (remotesync.Report, error)
}

type Server struct {
	echo       *echo.Echo
	store      *ctxsync.Store
	reconciler Reconciler
	cfg        Config
	log        zerolog.Logger
}

func NewServer(store *ctxsync.Store, reconciler Reconciler, cfg Config) *Server {
	log := zerolog.Nop()
	if cfg.Logger != nil {
		log = *cfg.Logger
	}
	if strings.TrimSpace(cfg.MaxBodyBytes) == "" {
		cfg.MaxBodyBytes = "1M"
	}

	s := &Server{
		echo:       echo.New(),
		store:      store,
		reconciler: reconciler,
		cfg:        cfg,
		log:        log,
	}
	s.echo.HideBanner = true
	s.echo.HidePort = true
	s.echo.HTTPErrorHandler = s.errorHandler
	s.echo.Use(middleware.Recover())
	s.echo.Use(middleware.BodyLimit(cfg.MaxBodyBytes))
	s.echo.Use(s.correlationMiddleware)

	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/dashboard", s.handleDashboard)

	v1 := s.echo.Group("/v1", s.authMiddleware)
	v1.POST("/ingest", s.handleIngest)
	v1.GET("/items", s.handleListItems)
	v1.GET("/items/:id", s.handleGetItem)
	v1.DELETE("/items/:id", s.handleRemoveItem)
	v1.POST("/items/clear-completed", s.handleClearCompleted)
	v1.GET("/retry", s.handleRetrySnapshot)
	v1.POST("/retry/tick", s.handleRetryTick)
	v1.DELETE("/retry/:id", s.handleRetryDiscard)
	v1.POST("/reconcile", s.handleReconcile)
	v1.GET("/stats", s.handleStats)
	v1.GET("/events/ws", s.handleEventsWS)

	return s
}

// Handler exposes the underlying mux for http.Server wiring and tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}

// correlationMiddleware mints a correlation id for reads that arrive
// without one and rejects mutating requests that omit the header.
func (s *Server) correlationMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		correlationID := strings.TrimSpace(c.Request().Header.Get(correlationHeader))
		if correlationID == "" {
			if c.Request().Method != http.MethodGet && strings.HasPrefix(c.Path(), "/v1") {
				c.Set("correlationId", uuid.NewString())
				return apiError(http.StatusBadRequest, "missing_correlation_id", correlationHeader+" header is required for mutating requests")
			}
			correlationID = uuid.NewString()
		}
		c.Set("correlationId", correlationID)
		c.Response().Header().Set(correlationHeader, correlationID)
		return next(c)
	}
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

type ingestRequest struct {
	ProjectID   string   `json:"projectId"`
	ProjectRoot string   `json:"projectRoot"`
	Paths       []string `json:"paths"`
}

func (s *Server) handleIngest(c echo.Context) error {
	var req ingestRequest
	if err := c.Bind(&req); err != nil {
		return apiError(http.StatusBadRequest, "bad_request", "invalid JSON body")
	}
	result, err := s.store.Submit(req.ProjectID, req.ProjectRoot, req.Paths)
	if err != nil {
		if errorsIs(err, ctxsync.ErrQueueFull) {
			c.Response().Header().Set("Retry-After", "30")
			return apiErrorWithDetails(http.StatusTooManyRequests, "queue_full", "ingest backlog is full", err.Error())
		}
		if errorsIs(err, ctxsync.ErrInvalidInput) {
			return apiError(http.StatusBadRequest, "invalid_input", err.Error())
		}
		if errorsIs(err, ctxsync.ErrInvalidState) {
			return apiError(http.StatusConflict, "invalid_state", err.Error())
		}
		return err
	}
	return c.JSON(http.StatusAccepted, result)
}

func (s *Server) handleListItems(c echo.Context) error {
	filter := ctxsync.UploadStatus(strings.TrimSpace(c.QueryParam("status")))
	items := s.store.List(filter)
	return c.JSON(http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleGetItem(c echo.Context) error {
	item, err := s.store.Get(c.Param("id"))
	if err != nil {
		return apiError(http.StatusNotFound, "not_found", "no such item: "+c.Param("id"))
	}
	return c.JSON(http.StatusOK, item)
}

func (s *Server) handleRemoveItem(c echo.Context) error {
	if err := s.store.Remove(c.Param("id")); err != nil {
		return apiError(http.StatusNotFound, "not_found", "no such item: "+c.Param("id"))
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleClearCompleted(c echo.Context) error {
	removed := s.store.ClearCompleted()
	return c.JSON(http.StatusOK, map[string]int{"removed": removed})
}

func (s *Server) handleRetrySnapshot(c echo.Context) error {
	items, err := s.store.RetryItems()
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{
		"depth":    len(items),
		"capacity": s.store.Stats().QueueCapacity,
		"items":    items,
	})
}

func (s *Server) handleRetryTick(c echo.Context) error {
	report, err := s.store.Tick(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, report)
}

func (s *Server) handleRetryDiscard(c echo.Context) error {
	if err := s.store.Discard(c.Param("id")); err != nil {
		return apiError(http.StatusNotFound, "not_found", "no queued item: "+c.Param("id"))
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleReconcile(c echo.Context) error {
	if s.reconciler == nil {
		return apiError(http.StatusServiceUnavailable, "no_reconciler", "no remote sync client is configured")
	}
	report, err := s.reconciler.ReconcileOnce(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, report)
}

func (s *Server) handleStats(c echo.Context) error {
	return c.JSON(http.StatusOK, s.store.Stats())
}

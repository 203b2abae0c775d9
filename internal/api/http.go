// Package api exposes the queue over HTTP and streams queue events over a
// WebSocket.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/Witriol/tapedeck/internal/events"
	"github.com/Witriol/tapedeck/internal/model"
	"github.com/Witriol/tapedeck/internal/queue"
	"github.com/Witriol/tapedeck/internal/settings"
)

type Queue interface {
	Add(ctx context.Context, req queue.AddRequest) (*model.Item, error)
	Get(ctx context.Context, id string) (*model.Item, error)
	List(ctx context.Context, status string, page, perPage int) (*queue.Page, error)
	Retry(ctx context.Context, id string) (*model.Item, error)
	Remove(ctx context.Context, id string) error
	Reorder(ctx context.Context, updates []queue.PriorityUpdate) error
	Counts(ctx context.Context) (map[model.Status]int, error)
}

type Server struct {
	Queue    Queue
	Settings *settings.Store
	Bus      *events.Bus
	// Stats reports pool occupancy for /health. Optional.
	Stats       func() queue.PoolStats
	CORSOrigins []string
}

func (s *Server) Handler() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger())
	r.Use(corsMiddleware(s.CORSOrigins))

	r.GET("/health", s.handleHealth)
	r.GET("/ws", s.handleWS)

	api := r.Group("/api")
	{
		api.GET("/queue", s.handleList)
		api.POST("/queue", s.handleAdd)
		api.POST("/queue/reorder", s.handleReorder)
		api.GET("/queue/:id", s.handleGet)
		api.DELETE("/queue/:id", s.handleRemove)
		api.POST("/queue/:id/retry", s.handleRetry)

		api.GET("/settings", s.handleListSettings)
		api.PATCH("/settings", s.handleUpdateSettings)
		api.GET("/settings/:key", s.handleGetSetting)
		api.PUT("/settings/:key", s.handlePutSetting)
	}
	return r
}

func (s *Server) handleHealth(c *gin.Context) {
	body := gin.H{
		"status":    "ok",
		"service":   "tapedeck",
		"timestamp": time.Now().Unix(),
	}
	if s.Stats != nil {
		body["pool"] = s.Stats()
	}
	if counts, err := s.Queue.Counts(c.Request.Context()); err == nil {
		body["queue"] = counts
	}
	if s.Bus != nil {
		body["subscribers"] = s.Bus.Subscribers()
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) handleList(c *gin.Context) {
	page := queryInt(c, "page", 1)
	perPage := queryInt(c, "per_page", queue.DefaultPerPage)
	out, err := s.Queue.List(c.Request.Context(), c.Query("status"), page, perPage)
	if err != nil {
		writeErr(c, statusForQueueErr(err), err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleAdd(c *gin.Context) {
	var req queue.AddRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeErr(c, http.StatusBadRequest, err)
		return
	}
	it, err := s.Queue.Add(c.Request.Context(), req)
	if err != nil {
		writeErr(c, statusForQueueErr(err), err)
		return
	}
	c.JSON(http.StatusCreated, it)
}

func (s *Server) handleGet(c *gin.Context) {
	it, err := s.Queue.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeErr(c, statusForQueueErr(err), err)
		return
	}
	c.JSON(http.StatusOK, it)
}

func (s *Server) handleRemove(c *gin.Context) {
	if err := s.Queue.Remove(c.Request.Context(), c.Param("id")); err != nil {
		writeErr(c, statusForQueueErr(err), err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleRetry(c *gin.Context) {
	it, err := s.Queue.Retry(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeErr(c, statusForQueueErr(err), err)
		return
	}
	c.JSON(http.StatusOK, it)
}

type reorderRequest struct {
	Items []queue.PriorityUpdate `json:"items"`
}

func (s *Server) handleReorder(c *gin.Context) {
	var req reorderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeErr(c, http.StatusBadRequest, err)
		return
	}
	if err := s.Queue.Reorder(c.Request.Context(), req.Items); err != nil {
		writeErr(c, statusForQueueErr(err), err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func queryInt(c *gin.Context, key string, def int) int {
	v := c.Query(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func statusForQueueErr(err error) int {
	switch {
	case errors.Is(err, queue.ErrNotFound), errors.Is(err, settings.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, queue.ErrConflict), errors.Is(err, queue.ErrNotRetryable):
		return http.StatusConflict
	case errors.Is(err, queue.ErrInvalidRequest):
		return http.StatusBadRequest
	}
	var verr *settings.ValidationError
	if errors.As(err, &verr) {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func writeErr(c *gin.Context, code int, err error) {
	if code >= http.StatusInternalServerError {
		log.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
	}
	c.AbortWithStatusJSON(code, gin.H{"error": err.Error()})
}

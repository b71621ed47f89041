package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/roach88/runrecorder/internal/concurrency"
	"github.com/roach88/runrecorder/internal/store"
)

type limitHandlers struct {
	limits *concurrency.Service
	logger *slog.Logger
}

func (h *limitHandlers) create(c *gin.Context) {
	var req CreateLimitRequest
	if !bindJSON(c, &req) {
		return
	}
	lim, created, err := h.limits.Create(c.Request.Context(), req.Tag, req.ConcurrencyLimit)
	if err != nil {
		h.writeError(c, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, lim)
}

func (h *limitHandlers) filter(c *gin.Context) {
	var req FilterRequest
	if c.Request.ContentLength != 0 && !bindJSON(c, &req) {
		return
	}
	limits, err := h.limits.List(c.Request.Context(), req.Limit, req.Offset)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, limits)
}

func (h *limitHandlers) read(c *gin.Context) {
	lim, err := h.limits.Read(c.Request.Context(), c.Param("tag"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, lim)
}

func (h *limitHandlers) reset(c *gin.Context) {
	var req ResetRequest
	if c.Request.ContentLength != 0 && !bindJSON(c, &req) {
		return
	}
	lim, err := h.limits.Reset(c.Request.Context(), c.Param("tag"), req.SlotOverride)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, lim)
}

func (h *limitHandlers) delete(c *gin.Context) {
	if err := h.limits.Delete(c.Request.Context(), c.Param("tag")); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{})
}

func (h *limitHandlers) releases(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			c.JSON(http.StatusUnprocessableEntity, ErrorResponse{Detail: "limit must be an integer"})
			return
		}
		limit = n
	}
	releases, err := h.limits.Releases(c.Request.Context(), c.Param("tag"), limit)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, releases)
}

func (h *limitHandlers) increment(c *gin.Context) {
	var req IncrementRequest
	if !bindJSON(c, &req) {
		return
	}
	res, err := h.limits.Increment(c.Request.Context(), req.Names, req.TaskRunID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if !res.Acquired {
		c.JSON(http.StatusLocked, ErrorResponse{
			Detail: "Concurrency limit reached for tags: " + strings.Join(res.Blocking, ", "),
		})
		return
	}
	c.JSON(http.StatusOK, res.Limits)
}

func (h *limitHandlers) decrement(c *gin.Context) {
	var req DecrementRequest
	if !bindJSON(c, &req) {
		return
	}
	limits, err := h.limits.Decrement(c.Request.Context(), req.Names, req.TaskRunID, req.OccupancySeconds)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, limits)
}

// bindJSON decodes the body into req, answering 422 on failure.
func bindJSON(c *gin.Context, req any) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		c.JSON(http.StatusUnprocessableEntity, ErrorResponse{Detail: "invalid request body: " + err.Error()})
		return false
	}
	return true
}

func (h *limitHandlers) writeError(c *gin.Context, err error) {
	var (
		ve *concurrency.ValidationError
		nf *concurrency.NotFoundError
	)
	switch {
	case errors.As(err, &ve):
		c.JSON(http.StatusUnprocessableEntity, ErrorResponse{Detail: ve.Error()})
	case errors.As(err, &nf):
		c.JSON(http.StatusNotFound, ErrorResponse{Detail: "Concurrency limit not found"})
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Detail: "Concurrency limit not found"})
	case errors.Is(err, store.ErrAlreadyExists):
		c.JSON(http.StatusConflict, ErrorResponse{Detail: "Concurrency limit already exists"})
	default:
		h.logger.Error("request failed",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"error", err,
		)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Detail: "internal server error"})
	}
}

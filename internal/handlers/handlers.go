package handlers

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"attendance/internal/attendance"
	"attendance/internal/milestones"
	"attendance/internal/session"
	"attendance/internal/store"
	"attendance/internal/swr"
	"attendance/pkg/models"
)

const defaultPerPage = 5

// AttendanceHandler exposes the attendance service over HTTP
type AttendanceHandler struct {
	service *attendance.Service
	store   store.Store
	logger  *zap.Logger
	loc     *time.Location
}

// NewAttendanceHandler creates a new handler
func NewAttendanceHandler(service *attendance.Service, s store.Store, logger *zap.Logger) *AttendanceHandler {
	return &AttendanceHandler{
		service: service,
		store:   s,
		logger:  logger,
		loc:     time.Local,
	}
}

// Register mounts every route on router
func (h *AttendanceHandler) Register(router gin.IRouter, checkinLimit gin.HandlerFunc) {
	router.GET("/health", h.Health)
	router.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "pong"})
	})

	api := router.Group("/api/v1")
	{
		api.GET("/events", h.GetEvents)
		api.GET("/leaderboard", h.GetLeaderboard)
		api.GET("/rankings", h.GetRankings)
		api.GET("/history", h.GetHistory)
		api.GET("/stats", h.GetStats)

		if checkinLimit != nil {
			api.POST("/checkin", checkinLimit, h.CheckIn)
		} else {
			api.POST("/checkin", h.CheckIn)
		}

		sess := api.Group("/session")
		{
			sess.GET("", h.GetSession)
			sess.PUT("", h.PutSession)
			sess.DELETE("", h.DeleteSession)
			sess.GET("/watch", h.WatchSession)
		}

		api.DELETE("/cache/:key", h.InvalidateCache)
	}
}

// GetEvents handles GET /events
func (h *AttendanceHandler) GetEvents(c *gin.Context) {
	respond(c, h.service.Events(c.Request.Context()), identity[[]string])
}

// GetLeaderboard handles GET /leaderboard?event=
func (h *AttendanceHandler) GetLeaderboard(c *gin.Context) {
	updates := h.service.Leaderboard(c.Request.Context(), c.Query("event"))
	respond(c, updates, identity[[]models.LeaderboardItem])
}

// GetRankings handles GET /rankings?event=
func (h *AttendanceHandler) GetRankings(c *gin.Context) {
	updates := h.service.Rankings(c.Request.Context(), c.Query("event"))
	respond(c, updates, identity[[]models.TitleResult])
}

// HistoryRow is one visit as shown on the history screen
type HistoryRow struct {
	models.HistoryItem
	CheckinAt  string `json:"checkin_at"`
	CheckoutAt string `json:"checkout_at"`
	Duration   string `json:"duration"`
}

// HistoryPage is a page of visits
type HistoryPage struct {
	Rows       []HistoryRow `json:"rows"`
	Page       int          `json:"page"`
	PerPage    int          `json:"per_page"`
	TotalPages int          `json:"total_pages"`
	Total      int          `json:"total"`
}

// GetHistory handles GET /history?name=&page=&per_page=
func (h *AttendanceHandler) GetHistory(c *gin.Context) {
	name, ok := h.userName(c)
	if !ok {
		return
	}

	page, perPage, err := pagination(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	updates := h.service.History(c.Request.Context(), name)
	respond(c, updates, func(items []models.HistoryItem) HistoryPage {
		return h.paginate(items, page, perPage)
	})
}

// GetStats handles GET /stats?name=&event=
func (h *AttendanceHandler) GetStats(c *gin.Context) {
	name, ok := h.userName(c)
	if !ok {
		return
	}

	view, err := h.service.Stats(c.Request.Context(), name, c.Query("event"))
	if err != nil {
		h.logger.Debug("stats abandoned", zap.Error(err))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"stats":            view,
		"visit_milestones": milestones.Visits,
		"time_milestones":  milestones.Time,
	})
}

// CheckIn handles POST /checkin
func (h *AttendanceHandler) CheckIn(c *gin.Context) {
	var request struct {
		Event string `json:"event" binding:"required"`
	}

	if err := c.ShouldBindJSON(&request); err != nil {
		h.logger.Warn("invalid request body", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	result, err := h.service.CheckIn(c.Request.Context(), request.Event)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, result)
	case errors.Is(err, attendance.ErrEmptyCode):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, attendance.ErrScanSuppressed):
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "scan ignored, try again in a moment"})
	case errors.Is(err, session.ErrNotRegistered):
		c.JSON(http.StatusConflict, gin.H{"error": "register a name before scanning"})
	default:
		c.JSON(http.StatusBadGateway, gin.H{"error": "check-in failed, please retry"})
	}
}

// GetSession handles GET /session
func (h *AttendanceHandler) GetSession(c *gin.Context) {
	name := h.service.Session().Name()
	c.JSON(http.StatusOK, gin.H{
		"name":       name,
		"registered": name != "",
	})
}

// PutSession handles PUT /session
func (h *AttendanceHandler) PutSession(c *gin.Context) {
	var request struct {
		Name string `json:"name"`
	}

	if err := c.ShouldBindJSON(&request); err != nil {
		h.logger.Warn("invalid request body", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	name, err := h.service.Session().Register(c.Request.Context(), request.Name)
	if err != nil {
		if errors.Is(err, session.ErrInvalidName) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		h.logger.Error("failed to register user", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save name"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"name": name, "registered": true})
}

// DeleteSession handles DELETE /session
func (h *AttendanceHandler) DeleteSession(c *gin.Context) {
	if err := h.service.Session().Clear(c.Request.Context()); err != nil {
		h.logger.Error("failed to clear session", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to clear session"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"registered": false})
}

// WatchSession handles GET /session/watch, streaming name changes as SSE
func (h *AttendanceHandler) WatchSession(c *gin.Context) {
	changes := make(chan string, 8)
	unsubscribe := h.service.Session().Subscribe(func(name string) {
		select {
		case changes <- name:
		default:
			h.logger.Warn("session watcher is lagging, dropping change")
		}
	})
	defer unsubscribe()

	c.SSEvent("session", gin.H{"name": h.service.Session().Name()})
	c.Writer.Flush()

	ctx := c.Request.Context()
	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case name := <-changes:
			c.SSEvent("session", gin.H{"name": name})
			return true
		}
	})
}

// InvalidateCache handles DELETE /cache/:key
func (h *AttendanceHandler) InvalidateCache(c *gin.Context) {
	key := c.Param("key")
	h.service.Invalidate(c.Request.Context(), key)
	h.logger.Debug("cache item invalidated via API", zap.String("key", key))
	c.JSON(http.StatusOK, gin.H{"message": "item invalidated"})
}

// Health handles GET /health
func (h *AttendanceHandler) Health(c *gin.Context) {
	if err := h.store.Ping(c.Request.Context()); err != nil {
		h.logger.Error("health check failed", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "unhealthy",
			"error":  err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now(),
	})
}

// userName picks ?name= or falls back to the registered user
func (h *AttendanceHandler) userName(c *gin.Context) (string, bool) {
	if name := c.Query("name"); name != "" {
		return name, true
	}
	name, err := h.service.Session().Require()
	if err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": "no user registered"})
		return "", false
	}
	return name, true
}

func (h *AttendanceHandler) paginate(items []models.HistoryItem, page, perPage int) HistoryPage {
	total := len(items)
	totalPages := (total + perPage - 1) / perPage
	if totalPages == 0 {
		totalPages = 1
	}

	start := (page - 1) * perPage
	if start > total {
		start = total
	}
	end := start + perPage
	if end > total {
		end = total
	}

	rows := make([]HistoryRow, 0, end-start)
	for _, item := range items[start:end] {
		checkin := item.Checkin
		rows = append(rows, HistoryRow{
			HistoryItem: item,
			CheckinAt:   milestones.FormatTimestamp(&checkin, h.loc),
			CheckoutAt:  milestones.FormatTimestamp(item.Checkout, h.loc),
			Duration:    milestones.FormatDuration(item.Checkin, item.Checkout),
		})
	}

	return HistoryPage{
		Rows:       rows,
		Page:       page,
		PerPage:    perPage,
		TotalPages: totalPages,
		Total:      total,
	}
}

func pagination(c *gin.Context) (page, perPage int, err error) {
	page, err = strconv.Atoi(c.DefaultQuery("page", "1"))
	if err != nil || page < 1 {
		return 0, 0, errors.New("invalid page")
	}
	perPage, err = strconv.Atoi(c.DefaultQuery("per_page", strconv.Itoa(defaultPerPage)))
	if err != nil || perPage < 1 || perPage > 100 {
		return 0, 0, errors.New("invalid per_page")
	}
	return page, perPage, nil
}

func identity[T any](v T) T { return v }

// respond writes the settled update as JSON, or every update as an SSE
// event when ?stream=true
func respond[T, V any](c *gin.Context, updates <-chan swr.Update[T], view func(T) V) {
	convert := func(u swr.Update[T]) swr.Update[V] {
		return swr.Update[V]{
			Value:      view(u.Value),
			Source:     u.Source,
			Loading:    u.Loading,
			Refreshing: u.Refreshing,
			Stale:      u.Stale,
		}
	}

	if c.Query("stream") == "true" {
		c.Stream(func(w io.Writer) bool {
			u, ok := <-updates
			if !ok {
				return false
			}
			event := "update"
			if !u.Refreshing {
				event = "settled"
			}
			c.SSEvent(event, convert(u))
			return true
		})
		return
	}

	final, ok := swr.Resolve(updates)
	if !ok {
		// client went away
		return
	}
	c.JSON(http.StatusOK, convert(final))
}

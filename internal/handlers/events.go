package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"timelines/internal/service"

	"github.com/gin-gonic/gin"
)

const (
	errFromInvalid  = "invalid 'from' time; use RFC3339 or YYYY-MM-DD"
	errToInvalid    = "invalid 'to' time; use RFC3339 or YYYY-MM-DD"
	errAfterInvalid = "invalid 'after'; expected a non-negative integer"
	errLimitInvalid = "invalid 'limit'; expected a positive integer"

	layoutDateTime = "2006-01-02 15:04:05"
	layoutDate     = "2006-01-02"
)

type ingestRequest struct {
	EventType string         `json:"event_type" binding:"required"`
	Payload   map[string]any `json:"payload"`
}

// @Summary      Ingest event
// @Description  Appends an event to the log. The timestamp is assigned by the server (UTC, millisecond precision).
// @Tags         events
// @Accept       json
// @Produce      json
// @Param        body  body      ingestRequest  true  "Event"
// @Success      201   {object}  models.EventRecord
// @Failure      400   {object}  map[string]string
// @Failure      500   {object}  map[string]string
// @Router       /api/v1/events [post]
func (h *Handler) ingestEvent(c *gin.Context) {
	var req ingestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logAndJSONError(c, http.StatusBadRequest, "ingest_bad_request", "invalid body; expected {event_type, payload}", err)
		return
	}

	ev, err := h.services.EventLog.Ingest(c.Request.Context(), req.EventType, req.Payload)
	if err != nil {
		if errors.Is(err, service.ErrEmptyEventType) {
			h.logAndJSONError(c, http.StatusBadRequest, "ingest_bad_request", err.Error(), err)
			return
		}
		h.logAndJSONError(c, http.StatusInternalServerError, "ingest_failed", "failed to store event", err, "event_type", req.EventType)
		return
	}
	c.JSON(http.StatusCreated, ev)
}

// isDateOnly reports whether the query string represents a date without time component.
func isDateOnly(s string) bool {
	return !strings.ContainsAny(s, "T ")
}

// @Summary      List events
// @Description  Events in log order. Filter by type, recorded time (RFC3339, 'YYYY-MM-DD HH:MM:SS', or 'YYYY-MM-DD') and position. If 'to' is date-only, it is treated as end-of-day inclusive.
// @Tags         events
// @Produce      json
// @Param        type   query   string  false  "Event type"  example(DEHUMIDIFIER)
// @Param        from   query   string  false  "Start of range"  example(2025-08-01)
// @Param        to     query   string  false  "End of range. Date-only treated as end of day."  example(2025-08-31)
// @Param        after  query   int     false  "Only events with a greater position"
// @Param        limit  query   int     false  "Page size (default 100, max 1000)"
// @Success      200    {object}  map[string]interface{}  "count, events"
// @Failure      400    {object}  map[string]string
// @Failure      500    {object}  map[string]string
// @Router       /api/v1/events [get]
func (h *Handler) listEvents(c *gin.Context) {
	ctx := c.Request.Context()
	var (
		from time.Time
		to   time.Time
		err  error
	)
	if qs := c.Query("from"); qs != "" {
		from, err = parseQueryTime(qs)
		if err != nil {
			h.logAndJSONError(c, http.StatusBadRequest, "events_bad_request", errFromInvalid, err)
			return
		}
	}
	// If only a date is provided, make it end-of-day inclusive.
	if qs := c.Query("to"); qs != "" {
		to, err = parseQueryTime(qs)
		if err != nil {
			h.logAndJSONError(c, http.StatusBadRequest, "events_bad_request", errToInvalid, err)
			return
		}
		if isDateOnly(qs) {
			to = to.Add(24*time.Hour - time.Nanosecond).UTC()
		}
	}
	if !from.IsZero() && !to.IsZero() && from.After(to) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "'from' must be <= 'to'"})
		return
	}

	after, ok := queryInt64(c, "after", 0)
	if !ok || after < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": errAfterInvalid})
		return
	}
	limit, ok := queryInt(c, "limit")
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": errLimitInvalid})
		return
	}

	eventType := c.Query("type")
	events, err := h.services.EventLog.List(ctx, service.LogFilter{
		From:  from,
		To:    to,
		Type:  eventType,
		After: after,
		Limit: limit,
	})
	if err != nil {
		h.logAndJSONError(c, http.StatusInternalServerError, "events_list_failed", "failed to load events", err,
			"from", from, "to", to, "type", eventType)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"count":  len(events),
		"events": events,
	})
}

func parseQueryTime(s string) (time.Time, error) {
	// Try multiple accepted formats, normalizing to UTC.
	for _, layout := range []string{time.RFC3339Nano, layoutDateTime, layoutDate} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf(
		"invalid time format %q, expected one of: "+
			"RFC3339 (e.g. 2025-08-27T15:04:05Z), "+
			"'YYYY-MM-DD HH:MM:SS', "+
			"'YYYY-MM-DD'",
		s,
	)
}

func queryInt64(c *gin.Context, key string, def int64) (int64, bool) {
	qs := c.Query(key)
	if qs == "" {
		return def, true
	}
	v, err := strconv.ParseInt(qs, 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// queryInt reads an optional positive integer; absent means 0.
func queryInt(c *gin.Context, key string) (int, bool) {
	qs := c.Query(key)
	if qs == "" {
		return 0, true
	}
	v, err := strconv.Atoi(qs)
	if err != nil || v <= 0 {
		return 0, false
	}
	return v, true
}

package handlers

import (
	"errors"
	"net/http"

	"timelines/internal/models"
	"timelines/internal/repository"
	"timelines/internal/service"

	"github.com/gin-gonic/gin"
)

// @Summary      List device states
// @Tags         views
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "count, device_states"
// @Failure      500  {object}  map[string]string
// @Router       /api/v1/device-states [get]
func (h *Handler) listDeviceStates(c *gin.Context) {
	states, err := h.services.Monitoring.ListDeviceStates(c.Request.Context())
	if err != nil {
		h.logAndJSONError(c, http.StatusInternalServerError, "device_states_list_failed", "failed to load device states", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"count":         len(states),
		"device_states": states,
	})
}

// @Summary      Get device state
// @Tags         views
// @Produce      json
// @Param        entity_id  path      string  true  "Entity id"  example(switch.shellyplus1pm_fce8c0fdc4e0_switch_0)
// @Success      200        {object}  models.DeviceState
// @Failure      404        {object}  map[string]string
// @Failure      500        {object}  map[string]string
// @Router       /api/v1/device-states/{entity_id} [get]
func (h *Handler) getDeviceState(c *gin.Context) {
	entityID := c.Param("entity_id")
	st, err := h.services.Monitoring.GetDeviceState(c.Request.Context(), entityID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "device state not found"})
			return
		}
		h.logAndJSONError(c, http.StatusInternalServerError, "device_state_get_failed", "failed to load device state", err, "entity_id", entityID)
		return
	}
	c.JSON(http.StatusOK, st)
}

// @Summary      List dehumidifier runs
// @Description  Runs newest first, optionally filtered by entity and status.
// @Tags         views
// @Produce      json
// @Param        entity_id  query     string  false  "Entity id"
// @Param        status     query     string  false  "Run status"  Enums(running,finished,error)
// @Param        limit      query     int     false  "Page size (default 50, max 500)"
// @Success      200        {object}  map[string]interface{}  "count, runs"
// @Failure      400        {object}  map[string]string
// @Failure      500        {object}  map[string]string
// @Router       /api/v1/runs [get]
func (h *Handler) listRuns(c *gin.Context) {
	limit, ok := queryInt(c, "limit")
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": errLimitInvalid})
		return
	}

	runs, err := h.services.Monitoring.ListRuns(c.Request.Context(), service.RunFilter{
		EntityID: c.Query("entity_id"),
		Status:   models.RunStatus(c.Query("status")),
		Limit:    limit,
	})
	if err != nil {
		if errors.Is(err, service.ErrInvalidRunStatus) {
			h.logAndJSONError(c, http.StatusBadRequest, "runs_bad_request", "invalid 'status'; use running, finished or error", err)
			return
		}
		h.logAndJSONError(c, http.StatusInternalServerError, "runs_list_failed", "failed to load runs", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"count": len(runs),
		"runs":  runs,
	})
}

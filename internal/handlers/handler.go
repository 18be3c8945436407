package handlers

import (
	"net/http"

	"timelines/internal/logger"
	"timelines/internal/metrics"
	"timelines/internal/notify"
	"timelines/internal/service"

	"github.com/gin-gonic/gin"

	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
)

// Handler wires HTTP layer to services and logging.
type Handler struct {
	services *service.Service
	hub      *notify.Hub
	metrics  *metrics.Metrics
	log      *logger.Logger
}

// NewHandler constructs a new HTTP handler with dependencies.
// hub and m may be nil; the live stream and /metrics are then unavailable.
func NewHandler(services *service.Service, hub *notify.Hub, m *metrics.Metrics, log *logger.Logger) *Handler {
	return &Handler{services: services, hub: hub, metrics: m, log: log.Named("http")}
}

// InitRoutes builds and returns the Gin router with all routes registered.
func (h *Handler) InitRoutes() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), h.requestLogger, h.metrics.Instrument())

	router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	// Health endpoint
	router.GET("/health", h.health)
	router.GET("/metrics", gin.WrapH(h.metrics.Handler()))

	h.registerAPIRoutes(router)

	// Live updates over WebSocket, same port
	router.GET("/ws", h.wsConnect)

	return router
}

func (h *Handler) registerAPIRoutes(r *gin.Engine) {
	api := r.Group("/api/v1")
	{
		h.registerEventRoutes(api)
		h.registerViewRoutes(api)
		api.GET("/processor/status", h.processorStatus)
	}
}

func (h *Handler) registerEventRoutes(api *gin.RouterGroup) {
	events := api.Group("/events")
	{
		// Body example: {"event_type":"DEHUMIDIFIER","payload":{"entity_id":"switch.x","from_state":"off","to_state":"on"}}
		events.POST("", h.ingestEvent)
		events.GET("", h.listEvents)
	}
}

func (h *Handler) registerViewRoutes(api *gin.RouterGroup) {
	states := api.Group("/device-states")
	{
		states.GET("", h.listDeviceStates)
		states.GET("/:entity_id", h.getDeviceState)
	}
	api.GET("/runs", h.listRuns)
}

// @Summary      Health check
// @Tags         system
// @Produce      json
// @Success      200  {object}  map[string]string
// @Router       /health [get]
func (h *Handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// @Summary      Processor status
// @Description  Whether the dispatcher is consuming the change feed, and how many projections are registered.
// @Tags         processor
// @Produce      json
// @Success      200  {object}  dispatcher.Status
// @Router       /api/v1/processor/status [get]
func (h *Handler) processorStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.services.Processor.Status())
}

// logAndJSONError logs err under event (when set) and writes {"error": msg}.
func (h *Handler) logAndJSONError(c *gin.Context, status int, event, msg string, err error, kv ...any) {
	if err != nil {
		fields := append([]any{"err", err}, kv...)
		if status >= http.StatusInternalServerError {
			h.log.Errorw(event, fields...)
		} else {
			h.log.Debugw(event, fields...)
		}
	}
	c.JSON(status, gin.H{"error": msg})
}

package handlers

import (
	"context"
	"net/http"
	"strings"
	"time"

	"timelines/internal/notify"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// Send/receive timing configuration and message size limits.
const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	maxMsgSize = 1 << 12 // 4 KB
)

var knownTopics = map[string]struct{}{
	notify.TopicDeviceStateChanged: {},
	notify.TopicRunChanged:         {},
	notify.TopicEventAdded:         {},
}

// Envelope used for WebSocket messages.
type wsEnvelope struct {
	Type  string `json:"type"`
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

type wsSnapshot struct {
	Topics       []string `json:"topics"`
	DeviceStates any      `json:"device_states"`
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true }, // TODO: restrict origins once the dashboard host is fixed
}

// @Summary      Live updates
// @Description  WebSocket stream of {type, data} envelopes. The first message is a snapshot of all device states.
// @Tags         live
// @Param        topics  query  string  false  "Comma-separated topics"  example(deviceStateChanged,dehumidifierRunChanged)
// @Router       /ws [get]
func (h *Handler) wsConnect(c *gin.Context) {
	if h.hub == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "live updates disabled"})
		return
	}
	topics, bad := parseTopics(c.Query("topics"))
	if bad != "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown topic " + bad})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Errorw("ws_upgrade_failed", "err", err)
		return
	}
	defer func() { _ = conn.Close() }()

	// Subscribe before the snapshot so no change between the two is lost.
	sub := h.hub.Subscribe(topics...)
	defer sub.Close()

	// Configure read limits and pong handler to extend read deadline.
	conn.SetReadLimit(maxMsgSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	// Reader goroutine to handle control frames and detect disconnects.
	done := make(chan struct{})
	go h.startReader(conn, done)

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	if err := h.sendSnapshot(c.Request.Context(), conn, topics); err != nil {
		h.log.Infow("ws_write_failed_initial", "err", err)
		return
	}

	for {
		select {
		case <-done:
			return
		case <-c.Request.Context().Done():
			return
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.log.Infow("ws_ping_failed", "err", err)
				return
			}
		case msg, ok := <-sub.C():
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(wsEnvelope{Type: msg.Type, Data: msg.Data}); err != nil {
				h.log.Infow("ws_write_failed", "err", err)
				return
			}
		}
	}
}

// parseTopics splits ?topics=a,b. It returns the first unknown topic, if any.
// An empty value subscribes to every topic.
func parseTopics(raw string) ([]string, string) {
	var topics []string
	for _, t := range strings.Split(raw, ",") {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if _, ok := knownTopics[t]; !ok {
			return nil, t
		}
		topics = append(topics, t)
	}
	return topics, ""
}

// Helper: startReader drains incoming messages to handle control frames and detect closure.
func (h *Handler) startReader(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			h.log.Debugw("ws_read_closed", "err", err)
			return
		}
	}
}

// Helper: sendSnapshot writes the current device states with a write deadline.
func (h *Handler) sendSnapshot(ctx context.Context, conn *websocket.Conn, topics []string) error {
	states, err := h.services.Monitoring.ListDeviceStates(ctx)
	if err != nil {
		h.log.Errorw("ws_snapshot_failed", "err", err)
		return err
	}
	if topics == nil {
		topics = []string{}
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(wsEnvelope{Type: "snapshot", Data: wsSnapshot{Topics: topics, DeviceStates: states}})
}

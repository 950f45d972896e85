package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/tempo/backend/internal/events"
	"github.com/MarcoPoloResearchLab/tempo/backend/internal/hub"
)

const (
	realtimeEventChange    = "event-change"
	realtimeEventHeartbeat = "heartbeat"
	heartbeatInterval      = 25 * time.Second
)

type realtimePayload struct {
	EventID       string   `json:"eventId"`
	VersionNumber int64    `json:"versionNumber"`
	Kind          string   `json:"kind"`
	AuthorID      string   `json:"authorId"`
	ChangedFields []string `json:"changedFields"`
	BatchID       string   `json:"batchId,omitempty"`
	OccurredAtS   int64    `json:"occurredAtS"`
}

// handleStream serves committed-change notifications over SSE. The scope is
// either ?events=<id,id,...> or the default of everything visible to the
// caller. A dropped (slow) connection sees its stream end and is expected to
// reconnect and resynchronize through the history endpoints.
func (h *httpHandler) handleStream(c *gin.Context) {
	actorID, ok := h.actor(c)
	if !ok {
		return
	}

	scope := hub.Scope{UserID: actorID, AllVisible: true}
	if rawEvents := strings.TrimSpace(c.Query("events")); rawEvents != "" {
		scope.AllVisible = false
		for _, rawID := range strings.Split(rawEvents, ",") {
			eventID, err := events.NewEventID(rawID)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_event_id"})
				return
			}
			if err := h.gate.Authorize(c.Request.Context(), actorID, eventID, events.RoleViewer); err != nil {
				h.respondCoreError(c, err, nil)
				return
			}
			scope.EventIDs = append(scope.EventIDs, eventID)
		}
	}

	connectionID, err := h.ids.NewID()
	if err != nil {
		h.logger.Error("connection id generation failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}

	stream, cancel := h.hub.Subscribe(c.Request.Context(), connectionID, scope)
	defer cancel()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Flush()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case <-heartbeat.C:
			c.SSEvent(realtimeEventHeartbeat, gin.H{"ts": time.Now().UTC().Unix()})
			c.Writer.Flush()
		case notification, open := <-stream:
			if !open {
				// Closed by a slow-consumer drop or unsubscribe.
				return
			}
			c.SSEvent(realtimeEventChange, realtimePayload{
				EventID:       notification.EventID.String(),
				VersionNumber: notification.VersionNumber,
				Kind:          string(notification.Kind),
				AuthorID:      notification.AuthorID.String(),
				ChangedFields: notification.ChangedFields,
				BatchID:       notification.BatchID,
				OccurredAtS:   notification.OccurredAtSeconds,
			})
			c.Writer.Flush()
		}
	}
}

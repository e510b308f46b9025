package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/Frowell/Flowforge-sub002/internal/apperr"
	"github.com/Frowell/Flowforge-sub002/internal/query"
	"github.com/Frowell/Flowforge-sub002/internal/store"
	"github.com/Frowell/Flowforge-sub002/internal/tenant"
	"github.com/Frowell/Flowforge-sub002/internal/widget"
)

// ─── Widget reads ───

func (s *Server) getWidgetData(c *gin.Context) {
	opts, ok := readOptions(c)
	if !ok {
		return
	}
	data, err := s.widgets.GetWidgetData(c.Request.Context(), c.Param("id"), opts)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, data)
}

// readOptions parses the optional from/to RFC3339 query parameters. Both or
// neither must be given.
func readOptions(c *gin.Context) (widget.ReadOptions, bool) {
	rawFrom, rawTo := c.Query("from"), c.Query("to")
	if rawFrom == "" && rawTo == "" {
		return widget.ReadOptions{}, true
	}
	if rawFrom == "" || rawTo == "" {
		badRequest(c, "from and to must be given together")
		return widget.ReadOptions{}, false
	}
	from, err := time.Parse(time.RFC3339, rawFrom)
	if err != nil {
		badRequest(c, "invalid from: "+err.Error())
		return widget.ReadOptions{}, false
	}
	to, err := time.Parse(time.RFC3339, rawTo)
	if err != nil {
		badRequest(c, "invalid to: "+err.Error())
		return widget.ReadOptions{}, false
	}
	if !to.After(from) {
		badRequest(c, "to must be after from")
		return widget.ReadOptions{}, false
	}
	return widget.ReadOptions{Range: &query.TimeRange{From: from, To: to}}, true
}

// ─── Live channel ───

// liveMessage is pushed to websocket viewers. It carries no rows; viewers
// re-fetch the widget data.
type liveMessage struct {
	Type      string `json:"type"`
	WidgetID  string `json:"widget_id"`
	Reason    string `json:"reason"`
	Timestamp int64  `json:"timestamp"`
}

func (s *Server) liveWidget(c *gin.Context) {
	tenantID, _ := tenant.FromContext(c.Request.Context())
	widgetID := c.Param("id")

	// Resolve first so unknown widgets fail with a status instead of a
	// silent socket.
	if _, err := s.widgets.GetWidgetData(c.Request.Context(), widgetID, widget.ReadOptions{}); err != nil &&
		apperr.KindOf(err) != apperr.KindDataUnavailable {
		s.writeError(c, err)
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warnw("Failed to upgrade live connection", "widget_id", widgetID, "error", err)
		return
	}
	defer conn.Close()

	sub := s.watcher.Subscribe(tenantID, widgetID)
	defer sub.Close()
	s.logger.Debugw("Live viewer connected", "tenant_id", tenantID, "widget_id", widgetID)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		// Drain client frames so pongs and close frames are processed.
		defer cancel()
		conn.SetReadLimit(4096)
		_ = conn.SetReadDeadline(time.Now().Add(2 * s.cfg.PingPeriod))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(2 * s.cfg.PingPeriod))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(s.cfg.PingPeriod)
	defer ticker.Stop()
	for {
		select {
		case evt, ok := <-sub.C:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			msg := liveMessage{Type: "refresh", WidgetID: evt.WidgetID, Reason: evt.Reason, Timestamp: evt.Timestamp}
			if err := conn.WriteJSON(msg); err != nil {
				s.logger.Debugw("Live viewer write failed", "widget_id", widgetID, "error", err)
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.cfg.WriteTimeout)); err != nil {
				return
			}
		case <-ctx.Done():
			return
		case <-s.stop:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(s.cfg.WriteTimeout))
			return
		}
	}
}

// ─── Hooks ───

type graphChangedRequest struct {
	WorkflowID     string   `json:"workflow_id" binding:"required"`
	ChangedNodeIDs []string `json:"changed_node_ids"`
}

type schemaChangedRequest struct {
	SourceRef string `json:"source_ref" binding:"required"`
}

type invalidatedResponse struct {
	Widgets []string `json:"widgets"`
}

func (s *Server) graphChanged(c *gin.Context) {
	var req graphChangedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	widgets, err := s.widgets.HandleGraphChange(c.Request.Context(), req.WorkflowID, req.ChangedNodeIDs)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, invalidatedResponse{Widgets: nonNil(widgets)})
}

func (s *Server) schemaChanged(c *gin.Context) {
	var req schemaChangedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	widgets, err := s.widgets.HandleSchemaChange(c.Request.Context(), req.SourceRef)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, invalidatedResponse{Widgets: nonNil(widgets)})
}

// ─── Ingestion ───

type ingestResponse struct {
	Accepted int `json:"accepted"`
	Inserted int `json:"inserted"`
}

func (s *Server) ingestEvents(c *gin.Context) {
	var events []store.RawEvent
	if err := c.ShouldBindJSON(&events); err != nil {
		badRequest(c, err.Error())
		return
	}
	if len(events) > s.cfg.MaxIngestBatch {
		badRequest(c, "too many events in one batch")
		return
	}

	tenantID, _ := tenant.FromContext(c.Request.Context())
	for i := range events {
		// Events inherit the request tenant; an explicit other tenant is refused
		// by the maintainer.
		if events[i].TenantID == uuid.Nil {
			events[i].TenantID = tenantID
		}
		events[i].EventTime = events[i].EventTime.UTC()
	}

	n, err := s.ingester.Ingest(c.Request.Context(), events)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, ingestResponse{Accepted: len(events), Inserted: n})
}

func nonNil(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}

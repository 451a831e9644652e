package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/kingrea/reconflow/internal/eventbridge"
	"github.com/kingrea/reconflow/internal/workflow/lifecycle"
)

// StreamEvents streams a run's lifecycle events as Server-Sent Events. Live
// runs replay from the first event and the stream ends after
// workflow_finished; runs known only to history replay what was recorded.
// GET /v1/runs/:id/events
func (s *Server) StreamEvents(c echo.Context) error {
	ctx := c.Request().Context()
	runID := c.Param("id")

	sub, stored, err := s.eventSource(c, runID)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: err.Error()})
	}
	if sub == nil && stored == nil {
		return c.JSON(http.StatusNotFound, errorResponse{Error: "run not found"})
	}

	resp := c.Response()
	resp.Header().Set(echo.HeaderContentType, "text/event-stream")
	resp.Header().Set("Cache-Control", "no-cache")
	resp.Header().Set("Connection", "keep-alive")
	resp.Header().Set("X-Accel-Buffering", "no")
	// Streams outlive the server's write timeout.
	_ = http.NewResponseController(resp.Writer).SetWriteDeadline(time.Time{})
	resp.WriteHeader(http.StatusOK)
	resp.Flush()

	if sub == nil {
		for _, event := range stored {
			if err := writeSSE(resp, event); err != nil {
				return nil
			}
		}
		return nil
	}
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-sub.Events:
			if !ok {
				return nil
			}
			if err := writeSSE(resp, event); err != nil {
				s.logger.Debug("sse write failed", "run_id", runID, "error", err)
				return nil
			}
		}
	}
}

// StreamWebSocket delivers the same stream as StreamEvents over a WebSocket.
// Each event is one JSON text message; the server closes the connection
// normally after workflow_finished.
// GET /v1/runs/:id/ws
func (s *Server) StreamWebSocket(c echo.Context) error {
	runID := c.Param("id")
	sub, stored, err := s.eventSource(c, runID)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: err.Error()})
	}
	if sub == nil && stored == nil {
		return c.JSON(http.StatusNotFound, errorResponse{Error: "run not found"})
	}
	if sub != nil {
		defer sub.Close()
	}

	ws, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "run_id", runID, "error", err)
		return nil
	}
	defer ws.Close()

	// The read side only watches for the client going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	writeTimeout := s.settings.WriteTimeout
	send := func(event lifecycle.Event) error {
		_ = ws.SetWriteDeadline(time.Now().Add(writeTimeout))
		return ws.WriteJSON(event)
	}
	closeNormal := func() {
		_ = ws.SetWriteDeadline(time.Now().Add(writeTimeout))
		_ = ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "run finished"))
	}

	if sub == nil {
		for _, event := range stored {
			if err := send(event); err != nil {
				return nil
			}
		}
		closeNormal()
		return nil
	}

	ticker := time.NewTicker(s.settings.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-gone:
			return nil
		case event, ok := <-sub.Events:
			if !ok {
				closeNormal()
				return nil
			}
			if err := send(event); err != nil {
				s.logger.Debug("websocket write failed", "run_id", runID, "error", err)
				return nil
			}
		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return nil
			}
		}
	}
}

// eventSource returns a live subscription, or stored events for runs whose
// stream the engine no longer holds. Both are nil when the run is unknown.
func (s *Server) eventSource(c echo.Context, runID string) (*eventbridge.Subscription, []lifecycle.Event, error) {
	h, lookupErr := s.engine.Lookup(runID)
	if lookupErr == nil && (s.history == nil || s.engine.Router().Known(runID)) {
		sub := s.engine.Subscribe(h)
		return &sub, nil, nil
	}
	if s.history == nil {
		return nil, nil, nil
	}
	events, err := s.history.Events(c.Request().Context(), runID, 0, 0)
	if err != nil {
		return nil, nil, err
	}
	if len(events) == 0 {
		if lookupErr == nil {
			sub := s.engine.Subscribe(h)
			return &sub, nil, nil
		}
		return nil, nil, nil
	}
	return nil, events, nil
}

func writeSSE(resp *echo.Response, event lifecycle.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("api: encode event: %w", err)
	}
	if _, err := fmt.Fprintf(resp, "id: %d\nevent: %s\ndata: %s\n\n", event.Seq, event.Kind, data); err != nil {
		return err
	}
	resp.Flush()
	return nil
}

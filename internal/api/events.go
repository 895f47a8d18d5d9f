package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"connector-orchestrator/internal/apperrors"
	"connector-orchestrator/internal/auth"
	"connector-orchestrator/internal/events"
	"connector-orchestrator/internal/models"
	"connector-orchestrator/internal/store"
	"connector-orchestrator/internal/telemetry"
)

// eventFilter reads the shared event query parameters. Only admins may read another
// tenant's events through tenant_id.
func eventFilter(r *http.Request) (store.EventFilter, error) {
	q := r.URL.Query()
	p := principal(r)
	f := store.EventFilter{
		TenantID: p.Tenant(),
		Type:     q.Get("type"),
		Severity: q.Get("severity"),
		TraceID:  q.Get("trace_id"),
	}
	if t := q.Get("tenant_id"); t != "" && t != f.TenantID {
		if !p.Has(auth.ScopeAdmin) {
			return f, apperrors.NewForbidden("forbidden", "forbidden")
		}
		f.TenantID = t
	}
	if v := q.Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return f, apperrors.NewValidation("invalid_since", "invalid_since", map[string]any{"since": v})
		}
		f.Since = &since
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return f, apperrors.NewValidation("invalid_limit", "invalid_limit", map[string]any{"limit": v})
		}
		f.Limit = n
	}
	return f, nil
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	f, err := eventFilter(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	list, err := s.deps.Events.Query(r.Context(), f)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": list})
}

// handleStreamEvents tails the event log as server-sent events until the client leaves.
func (s *Server) handleStreamEvents(w http.ResponseWriter, r *http.Request) {
	f, err := eventFilter(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	lastID := r.Header.Get("Last-Event-ID")
	if lastID == "" {
		lastID = r.URL.Query().Get("last_event_id")
	}

	rc := http.NewResponseController(w)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		telemetry.FromContext(r.Context()).Warn("event stream cannot flush", "error", err)
		return
	}

	err = s.deps.Tailer.Tail(r.Context(), events.TailFilter{EventFilter: f, LastEventID: lastID}, func(e models.Event) error {
		data, err := json.Marshal(events.NewStreamPayload(e))
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "id: %s\ndata: %s\n\n", e.ID, data); err != nil {
			return err
		}
		return rc.Flush()
	})
	if err != nil {
		telemetry.FromContext(r.Context()).Info("event stream closed", "error", err)
	}
}

// handleEventsWS tails the event log over a WebSocket. Client frames are ignored.
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	f, err := eventFilter(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.opts.WSAllowedOrigins})
	if err != nil {
		telemetry.FromContext(r.Context()).Warn("websocket accept failed", "error", err)
		return
	}
	defer conn.CloseNow()

	ctx := conn.CloseRead(r.Context())
	err = s.deps.Tailer.Tail(ctx, events.TailFilter{EventFilter: f, LastEventID: r.URL.Query().Get("last_event_id")}, func(e models.Event) error {
		return wsjson.Write(ctx, conn, events.NewStreamPayload(e))
	})
	if err != nil {
		telemetry.FromContext(r.Context()).Info("event websocket closed", "error", err)
		conn.Close(websocket.StatusInternalError, "stream failed")
		return
	}
	conn.Close(websocket.StatusNormalClosure, "")
}

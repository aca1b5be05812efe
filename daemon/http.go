package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cochaviz/tavalid/internal/validation"
)

const writeWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type errorBody struct {
	Error     string `json:"error"`
	ErrorKind string `json:"error_kind,omitempty"`
}

// Handler returns the HTTP API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/validations", s.handleSubmit)
	mux.HandleFunc("GET /v1/validations", s.handleList)
	mux.HandleFunc("GET /v1/validations/{id}", s.handleStatus)
	mux.HandleFunc("POST /v1/validations/{id}/cancel", s.handleCancel)
	mux.HandleFunc("GET /v1/validations/{id}/events", s.handleEvents)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return mux
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var in validation.SubmitRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&in); err != nil {
		s.writeError(w, fmt.Errorf("%w: decode body: %v", validation.ErrInvalid, err))
		return
	}
	res, err := s.engine.Submit(r.Context(), in)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !res.Admitted && res.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(res.RetryAfter.Seconds()))))
	}
	w.Header().Set("Location", "/v1/validations/"+res.Request.ID)
	writeJSON(w, http.StatusAccepted, res)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	view, err := s.engine.Status(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.engine.Cancel(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	in := ListRequest{Status: r.URL.Query().Get("status")}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			s.writeError(w, fmt.Errorf("%w: limit must be a non-negative integer", validation.ErrInvalid))
			return
		}
		in.Limit = limit
	}
	filter, err := parseFilter(in)
	if err != nil {
		s.writeError(w, err)
		return
	}
	views, err := s.engine.List(r.Context(), filter)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if views == nil {
		views = []validation.StatusView{}
	}
	writeJSON(w, http.StatusOK, views)
}

// handleEvents streams a request's events over a websocket. The first message
// is the current status; the connection closes after a terminal status.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ctx := r.Context()

	// Subscribe before reading the snapshot so no transition slips between.
	events, unsubscribe := s.events.Subscribe(64)
	defer unsubscribe()

	view, err := s.engine.Status(ctx, id)
	if err != nil {
		s.writeError(w, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "request_id", id, "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	snapshot := validation.Event{
		RequestID: view.ID,
		Type:      validation.EventStatus,
		Status:    view.Status,
		Stage:     view.Stage,
		ErrorKind: view.ErrorKind,
		Detail:    view.ErrorDetail,
		Time:      time.Now().UTC(),
	}
	if err := writeEvent(conn, snapshot); err != nil || snapshot.Terminal() {
		closeNormal(conn)
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				closeNormal(conn)
				return
			}
			if ev.RequestID != id {
				continue
			}
			if err := writeEvent(conn, ev); err != nil {
				s.logger.Debug("websocket write failed", "request_id", id, "error", err)
				return
			}
			if ev.Terminal() {
				closeNormal(conn)
				return
			}
		}
	}
}

func writeEvent(conn *websocket.Conn, ev validation.Event) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(ev)
}

func closeNormal(conn *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := statusCode(err)
	if code >= http.StatusInternalServerError {
		s.logger.Error("http request failed", "error", err)
	}
	body := errorBody{Error: err.Error()}
	if kind := validation.KindOf(err); kind != validation.KindInternal {
		body.ErrorKind = string(kind)
	}
	writeJSON(w, code, body)
}

func statusCode(err error) int {
	switch {
	case errors.Is(err, validation.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, validation.ErrTerminal), errors.Is(err, validation.ErrNotRunning), errors.Is(err, validation.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, validation.ErrInvalid):
		return http.StatusBadRequest
	case errors.Is(err, validation.ErrClosed), errors.Is(err, validation.ErrShutdown):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"
)

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{
		"error":  message,
		"status": status,
	})
}

// readJSONBody tolerates absent, empty, and malformed bodies; any of
// those decode to an empty object.
func readJSONBody(r *http.Request) map[string]any {
	body := map[string]any{}
	raw, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil || len(raw) == 0 {
		return body
	}
	var parsed map[string]any
	if err := json.Unmarshal(raw, &parsed); err != nil || parsed == nil {
		return body
	}
	return parsed
}

// clampedQueryInt parses a query parameter into [minValue, maxValue],
// falling back to def when absent or unparseable.
func clampedQueryInt(r *http.Request, name string, def, minValue, maxValue int64) int64 {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	if v < minValue {
		return minValue
	}
	if v > maxValue {
		return maxValue
	}
	return v
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"instance_id": s.instanceID,
	})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"sessions": s.manager.ListSessions(),
	})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	body := readJSONBody(r)

	sessionID := ""
	if raw, present := body["session_id"]; present && raw != nil {
		str, ok := raw.(string)
		if !ok {
			writeError(w, http.StatusBadRequest, "session_id 必须是字符串。")
			return
		}
		sessionID = str
	}

	session, err := s.manager.CreateSession(sessionID)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"session_id": session.ID,
		"session":    session.Status(),
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	session, err := s.manager.GetSession(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": session.Status()})
}

func (s *Server) handleSubmitTurn(w http.ResponseWriter, r *http.Request) {
	session, err := s.manager.GetSession(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	body := readJSONBody(r)
	input, ok := body["input"].(string)
	if !ok {
		writeError(w, http.StatusBadRequest, "input 字段必须是字符串。")
		return
	}

	turnID, err := session.SubmitTurn(input)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"session_id": session.ID,
		"turn_id":    turnID,
	})
}

func (s *Server) handleClearSession(w http.ResponseWriter, r *http.Request) {
	session, err := s.manager.GetSession(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	ok, message := session.Clear()
	status := http.StatusOK
	if !ok {
		status = http.StatusConflict
	}
	writeJSON(w, status, map[string]any{"ok": ok, "message": message})
}

func (s *Server) handleCancelSession(w http.ResponseWriter, r *http.Request) {
	session, err := s.manager.GetSession(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, session.Cancel())
}

func (s *Server) handleGetEvents(w http.ResponseWriter, r *http.Request) {
	session, err := s.manager.GetSession(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	after := clampedQueryInt(r, "after", 0, 0, 1_000_000_000_000)
	waitMs := clampedQueryInt(r, "wait_ms", 0, 0, 30_000)
	limit := clampedQueryInt(r, "limit", 200, 1, 1_000)

	page := session.GetEvents(after, int(waitMs), int(limit))
	writeJSON(w, http.StatusOK, page)
}

// handleShutdown acknowledges with an empty object, flushes it, and
// tears the server down from a separate goroutine so the response is
// delivered before the listener closes.
func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{})
	if flusher, ok := w.(http.Flusher); ok {
		flusher.Flush()
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.Shutdown(ctx)
	}()
}

package api

import (
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/hewigovens/vibetunnel/internal/db"
	"github.com/hewigovens/vibetunnel/internal/stream"
	"github.com/hewigovens/vibetunnel/internal/ws"
)

const streamFile = "stream.cast"

type healthBody struct {
	Status   string `json:"status"`
	Sessions int    `json:"sessions"`
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.sessionRepo.List(r.Context())
	if err != nil {
		jsonError(w, http.StatusInternalServerError, err.Error())
		return
	}
	jsonResponse(w, http.StatusOK, healthBody{Status: "ok", Sessions: len(sessions)})
}

type createSessionRequest struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	StreamPath string `json:"stream_path"`
	Cols       int    `json:"cols"`
	Rows       int    `json:"rows"`
}

func (h *handler) createSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.ID) == "" {
		jsonError(w, http.StatusBadRequest, "id is required")
		return
	}
	streamPath := req.StreamPath
	if streamPath == "" {
		streamPath = filepath.Join(h.controlDir, req.ID, streamFile)
	}

	sess := &db.Session{
		ID:         req.ID,
		Name:       req.Name,
		StreamPath: streamPath,
		Cols:       req.Cols,
		Rows:       req.Rows,
	}
	if err := h.sessionRepo.Create(r.Context(), sess); err != nil {
		jsonError(w, http.StatusConflict, err.Error())
		return
	}
	jsonResponse(w, http.StatusCreated, sess)
}

func (h *handler) listSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.sessionRepo.List(r.Context())
	if err != nil {
		jsonError(w, http.StatusInternalServerError, err.Error())
		return
	}
	jsonResponse(w, http.StatusOK, sessions)
}

func (h *handler) getSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.sessionRepo.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		jsonError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if sess == nil {
		jsonError(w, http.StatusNotFound, "session not found")
		return
	}
	jsonResponse(w, http.StatusOK, sess)
}

func (h *handler) deleteSession(w http.ResponseWriter, r *http.Request) {
	if err := h.sessionRepo.Delete(r.Context(), r.PathValue("id")); err != nil {
		jsonError(w, http.StatusInternalServerError, err.Error())
		return
	}
	jsonResponse(w, http.StatusNoContent, nil)
}

// resolveStreamPath maps a session id onto its recording file: the
// index row when the session is registered, the conventional control
// directory layout otherwise. Unregistered sessions are still
// streamable; the watcher picks the file up when the spawner creates
// it.
func (h *handler) resolveStreamPath(r *http.Request, sessionID string) string {
	if sess, err := h.sessionRepo.Get(r.Context(), sessionID); err == nil && sess != nil {
		return sess.StreamPath
	}
	return filepath.Join(h.controlDir, sessionID, streamFile)
}

func (h *handler) streamSession(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	streamPath := h.resolveStreamPath(r, sessionID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}

	sink := stream.NewSSESink(w)
	if err := h.registry.Attach(sessionID, streamPath, sink); err != nil {
		slog.Error("failed to attach subscriber", "session", sessionID, "error", err)
		return
	}
	defer h.registry.Detach(sessionID, sink)

	select {
	case <-r.Context().Done():
	case <-sink.Done():
	}
}

func (h *handler) streamSessionWS(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	streamPath := h.resolveStreamPath(r, sessionID)
	ws.Serve(w, r, h.registry, sessionID, streamPath)
}

// Package api exposes the HTTP surface: session index CRUD plus the
// SSE and WebSocket stream endpoints backed by the stream registry.
package api

import (
	"database/sql"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/hewigovens/vibetunnel/internal/db"
	"github.com/hewigovens/vibetunnel/internal/info"
	"github.com/hewigovens/vibetunnel/internal/stream"
)

type handler struct {
	sessionRepo *db.SessionRepo
	registry    *stream.Registry
	store       *info.Store
	controlDir  string
}

func NewRouter(conn *sql.DB, registry *stream.Registry, store *info.Store, controlDir, token string) http.Handler {
	handler := &handler{
		sessionRepo: db.NewSessionRepo(conn),
		registry:    registry,
		store:       store,
		controlDir:  controlDir,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", handler.health)

	mux.HandleFunc("POST /api/sessions", handler.createSession)
	mux.HandleFunc("GET /api/sessions", handler.listSessions)
	mux.HandleFunc("GET /api/sessions/{id}", handler.getSession)
	mux.HandleFunc("DELETE /api/sessions/{id}", handler.deleteSession)
	mux.HandleFunc("GET /api/sessions/{id}/stream", handler.streamSession)
	mux.HandleFunc("GET /api/sessions/{id}/ws", handler.streamSessionWS)

	return authMiddleware(token)(corsMiddleware(mux))
}

func authMiddleware(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				next.ServeHTTP(w, r)
				return
			}

			if r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}

			authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
			if strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
				if strings.TrimSpace(authHeader[7:]) == token {
					next.ServeHTTP(w, r)
					return
				}
			}

			if r.URL.Query().Get("token") == token {
				next.ServeHTTP(w, r)
				return
			}

			jsonError(w, http.StatusUnauthorized, "unauthorized")
		})
	}
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,DELETE,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization,Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func decodeJSON(r *http.Request, dst any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return io.ErrUnexpectedEOF
	}
	return nil
}

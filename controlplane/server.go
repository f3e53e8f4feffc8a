// Package controlplane implements C6: the HTTP surface that issues
// short-lived capability tokens for session allocate/join/modify and lists
// live sessions, plus the supplemental admin observability endpoints.
package controlplane

import (
	"io"
	"net/http"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/gosuda/kcprelay/relay"
)

// Server wires a chi router over a relay.RelayCore.
type Server struct {
	core *relay.RelayCore
	hub  *relay.EventHub
	log  zerolog.Logger

	router chi.Router
}

// New builds the router. hub may be nil to disable the /session/stream
// admin feed.
func New(core *relay.RelayCore, hub *relay.EventHub, log zerolog.Logger) *Server {
	s := &Server{core: core, hub: hub, log: log}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/session/list", s.handleList)
	r.Post("/session/allocate", s.handleAllocate)
	r.Post("/session/join", s.handleJoin)
	r.Post("/session/modify", s.handleModify)
	if hub != nil {
		r.Get("/session/stream", s.handleStream)
	}

	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.router.ServeHTTP(w, r) }

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	previews := s.core.ListSessions()
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(EncodeSessionPreviewArray(previews))
}

func (s *Server) handleAllocate(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 4096))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	info, err := DecodeSessionInfo(body)
	if err != nil {
		http.Error(w, "malformed session info", http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	if !info.IsValid() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(EncodeTokenError("name must be non-empty and maxMembers must be positive"))
		return
	}

	token := s.core.AllocateSession(info)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(EncodeTokenSuccess(token))
}

func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 4096))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	sessionId, err := DecodeSessionId(body)
	if err != nil {
		http.Error(w, "malformed session id", http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	token, ok, joinErr := s.core.RequestJoin(sessionId)
	if !ok {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(EncodeTokenError(joinErr.Error()))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(EncodeTokenSuccess(token))
}

func (s *Server) handleModify(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 4096))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	info, err := DecodeSessionInfo(body)
	if err != nil {
		http.Error(w, "malformed session info", http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	if !info.IsValid() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(EncodeTokenError("name must be non-empty and maxMembers must be positive"))
		return
	}

	token := s.core.RequestModify(info)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(EncodeTokenSuccess(token))
}

// handleStream upgrades to a websocket and feeds the caller every session
// lifecycle event until it disconnects. Read-only: the admin side never
// sends anything meaningful back, so any inbound frame is simply drained.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	s.hub.Register(conn)
	defer func() {
		s.hub.Unregister(conn)
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}()

	ctx := r.Context()
	for {
		if _, _, err := conn.Read(ctx); err != nil {
			return
		}
	}
}

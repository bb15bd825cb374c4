// Package api exposes the HTTP surface: the peer-facing federation
// protocol endpoints and the local administrative API.
package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"commune/pkg/federation"
	"commune/pkg/registry"
	"commune/pkg/store"
)

// Server serves the federation protocol and admin endpoints.
type Server struct {
	svc      *federation.Service
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

// NewServer builds the HTTP layer over a federation service.
func NewServer(svc *federation.Service, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		svc:    svc,
		logger: logger,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: 10 * time.Second,
		},
	}
}

// Router assembles all routes. The /federation/v1 tree is what remote
// servers call; /api/v1/federation is for local operators.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(s.requestLogging)

	r.Route("/federation/v1", func(r chi.Router) {
		r.Get("/discovery", s.handleDiscovery)
		r.Post("/requests", s.handleReceiveRequest)
		r.Post("/requests/{id}/approved", s.handleApprovalNotice)
		r.Post("/requests/{id}/rejected", s.handleRejectionNotice)
		r.Post("/disconnect", s.handleDisconnectNotice)
		r.Post("/remove", s.handleRemoveNotice)
		r.Get("/socket", s.handleSocket)
	})

	r.Route("/api/v1/federation", func(r chi.Router) {
		r.Get("/peers", s.handleListPeers)
		r.Post("/peers/{identity}/disconnect", s.handlePeerDisconnect)
		r.Post("/peers/{identity}/sync", s.handlePeerSync)
		r.Delete("/peers/{identity}", s.handlePeerRemove)
		r.Get("/requests", s.handlePendingRequests)
		r.Post("/requests", s.handleInitiate)
		r.Post("/requests/{id}/approve", s.handleApprove)
		r.Post("/requests/{id}/reject", s.handleReject)
		r.Get("/preview", s.handlePreview)
		r.Post("/channels/{federatedID}/sync", s.handleChannelSync)
	})

	return r
}

func (s *Server) requestLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)))
	})
}

// authenticatePeer validates the signed token header and returns the
// sender's identity.
func (s *Server) authenticatePeer(r *http.Request) (string, error) {
	token := r.Header.Get(federation.TokenHeader)
	if token == "" {
		return "", federation.ErrAuthFailed
	}
	return s.svc.AuthenticateSocket(token)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("response encoding failed", zap.Error(err))
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	s.writeJSON(w, statusFor(err), errorResponse{Error: err.Error()})
}

func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(v); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "malformed request body"})
		return false
	}
	return true
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, federation.ErrAuthFailed):
		return http.StatusUnauthorized
	case errors.Is(err, federation.ErrFederationDisabled):
		return http.StatusForbidden
	case errors.Is(err, registry.ErrCapacityExceeded):
		return http.StatusTooManyRequests
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, federation.ErrRequestClosed), errors.Is(err, store.ErrStatusConflict):
		return http.StatusConflict
	case errors.Is(err, federation.ErrFederationNotSupported), errors.Is(err, federation.ErrPeerUnreachable):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

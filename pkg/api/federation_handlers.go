package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"commune/pkg/federation"
)

// handleDiscovery serves the public federation document. It stays
// reachable even when federation is disabled so prospective peers get
// an honest federation_enabled=false instead of a 404.
func (s *Server) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	info, err := s.svc.Discovery()
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleReceiveRequest(w http.ResponseWriter, r *http.Request) {
	var payload federation.RequestPayload
	if !s.decodeBody(w, r, &payload) {
		return
	}

	resp, err := s.svc.ReceiveRequest(r.Context(), &payload)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleApprovalNotice(w http.ResponseWriter, r *http.Request) {
	var notice federation.ApprovalNotice
	if !s.decodeBody(w, r, &notice) {
		return
	}
	// The URL names the request; the body cannot redirect the notice to
	// a different one.
	notice.RequestID = chi.URLParam(r, "id")

	if err := s.svc.HandleApprovalNotice(r.Context(), &notice); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusNoContent, nil)
}

func (s *Server) handleRejectionNotice(w http.ResponseWriter, r *http.Request) {
	var notice federation.RejectionNotice
	if !s.decodeBody(w, r, &notice) {
		return
	}
	notice.RequestID = chi.URLParam(r, "id")

	if err := s.svc.HandleRejectionNotice(r.Context(), &notice); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusNoContent, nil)
}

func (s *Server) handleDisconnectNotice(w http.ResponseWriter, r *http.Request) {
	sender, err := s.authenticatePeer(r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	var notice federation.DisconnectNotice
	if !s.decodeBody(w, r, &notice) {
		return
	}
	// A peer may only disconnect itself.
	if notice.Identity != sender {
		s.writeError(w, federation.ErrAuthFailed)
		return
	}

	s.svc.HandleDisconnectNotice(sender, notice.Reason)
	s.writeJSON(w, http.StatusNoContent, nil)
}

func (s *Server) handleRemoveNotice(w http.ResponseWriter, r *http.Request) {
	sender, err := s.authenticatePeer(r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	var notice federation.RemoveNotice
	if !s.decodeBody(w, r, &notice) {
		return
	}
	if notice.Identity != sender {
		s.writeError(w, federation.ErrAuthFailed)
		return
	}

	if err := s.svc.HandleRemoveNotice(sender); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusNoContent, nil)
}

// handleSocket upgrades an authenticated peer to the duplex event
// connection. Auth happens before the upgrade so a bad token costs a
// plain 401, not a torn-down websocket.
func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	peerIdentity, err := s.authenticatePeer(r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("socket upgrade failed",
			zap.String("peer", peerIdentity), zap.Error(err))
		return
	}

	s.logger.Info("peer socket accepted", zap.String("peer", peerIdentity))
	s.svc.AcceptSocket(peerIdentity, ws)
}

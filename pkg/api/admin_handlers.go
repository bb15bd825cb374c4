package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"commune/pkg/store"
)

func (s *Server) handleListPeers(w http.ResponseWriter, r *http.Request) {
	peers, err := s.svc.ListPeers()
	if err != nil {
		s.writeError(w, err)
		return
	}

	// The shared secret never leaves the process, so peers are projected
	// into an explicit view instead of serialized directly.
	type peerView struct {
		Identity       string           `json:"identity"`
		Name           string           `json:"name"`
		HTTPEndpoint   string           `json:"http_endpoint"`
		SocketEndpoint string           `json:"socket_endpoint"`
		Status         store.PeerStatus `json:"status"`
		IsInitiator    bool             `json:"is_initiator"`
		LastHeartbeat  time.Time        `json:"last_heartbeat"`
		CreatedAt      time.Time        `json:"created_at"`
		Connected      bool             `json:"connected"`
	}
	views := make([]peerView, 0, len(peers))
	for _, p := range peers {
		views = append(views, peerView{
			Identity:       p.Identity,
			Name:           p.Name,
			HTTPEndpoint:   p.HTTPEndpoint,
			SocketEndpoint: p.SocketEndpoint,
			Status:         p.Status,
			IsInitiator:    p.IsInitiator,
			LastHeartbeat:  p.LastHeartbeat,
			CreatedAt:      p.CreatedAt,
			Connected:      s.svc.Connected(p.Identity),
		})
	}
	s.writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleInitiate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Endpoint string `json:"endpoint"`
	}
	if !s.decodeBody(w, r, &body) {
		return
	}
	if body.Endpoint == "" {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "endpoint is required"})
		return
	}

	req, err := s.svc.Initiate(r.Context(), body.Endpoint)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, req)
}

func (s *Server) handlePendingRequests(w http.ResponseWriter, r *http.Request) {
	requests, err := s.svc.PendingRequests()
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, requests)
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ReviewedBy string                  `json:"reviewed_by"`
		Overrides  []store.ChannelConflict `json:"overrides,omitempty"`
		Notes      string                  `json:"notes,omitempty"`
	}
	if !s.decodeBody(w, r, &body) {
		return
	}

	err := s.svc.Approve(r.Context(), chi.URLParam(r, "id"), body.ReviewedBy, body.Overrides, body.Notes)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusNoContent, nil)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ReviewedBy string `json:"reviewed_by"`
		Reason     string `json:"reason"`
	}
	if !s.decodeBody(w, r, &body) {
		return
	}

	err := s.svc.Reject(r.Context(), chi.URLParam(r, "id"), body.ReviewedBy, body.Reason)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusNoContent, nil)
}

// handlePreview runs conflict analysis against a prospective peer
// without creating a request.
func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	endpoint := r.URL.Query().Get("endpoint")
	if endpoint == "" {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "endpoint query parameter is required"})
		return
	}

	conflicts, err := s.svc.PreviewConflicts(r.Context(), endpoint)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"conflicts": conflicts})
}

func (s *Server) handlePeerDisconnect(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason,omitempty"`
		Notify bool   `json:"notify,omitempty"`
	}
	if !s.decodeBody(w, r, &body) {
		return
	}

	err := s.svc.Disconnect(r.Context(), chi.URLParam(r, "identity"), body.Reason, body.Notify)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusNoContent, nil)
}

func (s *Server) handlePeerRemove(w http.ResponseWriter, r *http.Request) {
	notify := r.URL.Query().Get("notify") == "true"
	if err := s.svc.Remove(r.Context(), chi.URLParam(r, "identity"), notify); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusNoContent, nil)
}

func (s *Server) handlePeerSync(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.SyncPeer(chi.URLParam(r, "identity")); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusNoContent, nil)
}

func (s *Server) handleChannelSync(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Peer    string `json:"peer"`
		Enabled bool   `json:"enabled"`
	}
	if !s.decodeBody(w, r, &body) {
		return
	}
	if body.Peer == "" {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "peer is required"})
		return
	}

	err := s.svc.SetChannelSync(chi.URLParam(r, "federatedID"), body.Peer, body.Enabled)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusNoContent, nil)
}

// Package health serves the router's status document, its admin routes and
// Prometheus metrics on a loopback HTTP port.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ehrlich-b/opencode-router/internal/bridge"
	"github.com/ehrlich-b/opencode-router/internal/config"
	"github.com/ehrlich-b/opencode-router/internal/logger"
	"github.com/ehrlich-b/opencode-router/internal/pairing"
	"github.com/ehrlich-b/opencode-router/internal/store"
)

// Control is the subset of bridge.Control the server exposes.
type Control interface {
	Status(ctx context.Context) bridge.Status
	GroupsEnabled() bool
	SetGroupsEnabled(enabled bool) error
	ListIdentities(channel string) []bridge.IdentityView
	UpsertIdentity(ctx context.Context, in config.Identity) (bridge.IdentityView, error)
	UpsertLegacyToken(ctx context.Context, channel, token, appToken string) (bridge.IdentityView, error)
	DeleteIdentity(ctx context.Context, channel, id string) error
	ListBindings(channel, identityID string) ([]*store.Binding, error)
	SetBinding(channel, identityID, peerID, directory string) (string, error)
	ClearBinding(channel, identityID, peerID string) error
	Send(ctx context.Context, req bridge.SendRequest) (bridge.SendResult, error)
}

type Server struct {
	ctl Control
	mux *http.ServeMux
}

// NewServer wires the routes. gatherer may be nil to omit /metrics.
func NewServer(ctl Control, gatherer prometheus.Gatherer) *Server {
	s := &Server{ctl: ctl, mux: http.NewServeMux()}
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /identities", s.handleListIdentities)
	s.mux.HandleFunc("PUT /identities/{channel}/{id}", s.handleUpsertIdentity)
	s.mux.HandleFunc("DELETE /identities/{channel}/{id}", s.handleDeleteIdentity)
	s.mux.HandleFunc("PUT /tokens/{channel}", s.handleLegacyToken)
	s.mux.HandleFunc("GET /groups", s.handleGetGroups)
	s.mux.HandleFunc("PUT /groups", s.handleSetGroups)
	s.mux.HandleFunc("GET /bindings", s.handleListBindings)
	s.mux.HandleFunc("POST /bindings", s.handleSetBinding)
	s.mux.HandleFunc("DELETE /bindings/{channel}/{id}/{peer}", s.handleClearBinding)
	s.mux.HandleFunc("POST /send", s.handleSend)
	if gatherer != nil {
		s.mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// ListenAndServe serves on 127.0.0.1:port until ctx ends.
func (s *Server) ListenAndServe(ctx context.Context, port int) error {
	ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{Handler: s, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	logger.With("health").Info("listening", "addr", ln.Addr().String())
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	writeJSON(w, http.StatusOK, s.ctl.Status(ctx))
}

func (s *Server) handleListIdentities(w http.ResponseWriter, r *http.Request) {
	items := s.ctl.ListIdentities(r.URL.Query().Get("channel"))
	if items == nil {
		items = []bridge.IdentityView{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

type identityRequest struct {
	Token       string `json:"token"`
	AppToken    string `json:"appToken"`
	Directory   string `json:"directory"`
	Access      string `json:"access"`
	PairingCode string `json:"pairingCode"`
	Enabled     *bool  `json:"enabled"`
}

func (s *Server) handleUpsertIdentity(w http.ResponseWriter, r *http.Request) {
	var req identityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	in := config.Identity{
		Channel:   r.PathValue("channel"),
		ID:        r.PathValue("id"),
		Token:     req.Token,
		AppToken:  req.AppToken,
		Directory: req.Directory,
		Access:    req.Access,
		Enabled:   req.Enabled,
	}
	if req.PairingCode != "" {
		if pairing.Normalize(req.PairingCode) == "" {
			writeError(w, http.StatusBadRequest, "pairing code is empty after normalization")
			return
		}
		in.PairingCodeHash = pairing.Hash(req.PairingCode)
	}
	view, err := s.ctl.UpsertIdentity(r.Context(), in)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleDeleteIdentity(w http.ResponseWriter, r *http.Request) {
	if err := s.ctl.DeleteIdentity(r.Context(), r.PathValue("channel"), r.PathValue("id")); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleLegacyToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token    string `json:"token"`
		AppToken string `json:"appToken"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	view, err := s.ctl.UpsertLegacyToken(r.Context(), r.PathValue("channel"), req.Token, req.AppToken)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleGetGroups(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"groupsEnabled": s.ctl.GroupsEnabled()})
}

func (s *Server) handleSetGroups(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled *bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Enabled == nil {
		writeError(w, http.StatusBadRequest, "enabled is required")
		return
	}
	if err := s.ctl.SetGroupsEnabled(*req.Enabled); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"groupsEnabled": *req.Enabled})
}

type bindingView struct {
	Channel    string `json:"channel"`
	IdentityID string `json:"identityId"`
	PeerID     string `json:"peerId"`
	Directory  string `json:"directory"`
	UpdatedAt  string `json:"updatedAt"`
}

func (s *Server) handleListBindings(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	bindings, err := s.ctl.ListBindings(q.Get("channel"), q.Get("identityId"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	items := make([]bindingView, 0, len(bindings))
	for _, b := range bindings {
		items = append(items, bindingView{
			Channel:    b.Channel,
			IdentityID: b.IdentityID,
			PeerID:     b.PeerID,
			Directory:  b.Directory,
			UpdatedAt:  b.UpdatedAt.Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleSetBinding(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Channel    string `json:"channel"`
		IdentityID string `json:"identityId"`
		PeerID     string `json:"peerId"`
		Directory  string `json:"directory"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if !config.ValidChannel(req.Channel) {
		writeError(w, http.StatusBadRequest, "unknown channel")
		return
	}
	dir, err := s.ctl.SetBinding(req.Channel, req.IdentityID, req.PeerID, req.Directory)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"directory": dir})
}

func (s *Server) handleClearBinding(w http.ResponseWriter, r *http.Request) {
	err := s.ctl.ClearBinding(r.PathValue("channel"), r.PathValue("id"), r.PathValue("peer"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req bridge.SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	res, err := s.ctl.Send(r.Context(), req)
	if err != nil {
		var ip *bridge.InvalidPeerError
		if errors.As(err, &ip) {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error(), "peerId": ip.PeerID})
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

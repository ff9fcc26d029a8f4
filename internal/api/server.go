// Package api provides a read-only HTTP+JSON surface over the proxy's
// live state: registrations, dialogs, media sessions, and the message
// tracker's recent history. There is no RPC surface for mutating
// state; the proxy's behavior is driven entirely by SIP traffic.
package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	types "github.com/relaysip/sipproxy/api/types/v1"
	"github.com/relaysip/sipproxy/internal/media"
	"github.com/relaysip/sipproxy/internal/proxycore"
	"github.com/relaysip/sipproxy/internal/registration"
	"github.com/relaysip/sipproxy/internal/tracker"
)

// RegistrationProvider is implemented by registration.Store.
type RegistrationProvider interface {
	All() map[string][]*registration.Binding
	LookupAll(aor string) []*registration.Binding
	Len() int
}

// DialogProvider is implemented by proxycore.Proxy.
type DialogProvider interface {
	Dialogs() []*proxycore.Dialog
	Dialog(callID string) (*proxycore.Dialog, bool)
}

// MediaProvider is implemented by media.Manager.
type MediaProvider interface {
	Sessions() []*media.Session
	Len() int
}

// TrackerProvider is implemented by tracker.Tracker.
type TrackerProvider interface {
	Recent(n int) []tracker.Snapshot
}

// Server serves the read-only monitoring API.
type Server struct {
	addr          string
	httpServer    *http.Server
	registrations RegistrationProvider
	dialogs       DialogProvider
	media         MediaProvider
	tracker       TrackerProvider
	startTime     time.Time
}

// NewServer builds a Server ready to Start. Any provider may be nil;
// its endpoints then report an empty result rather than failing.
func NewServer(addr string, registrations RegistrationProvider, dialogs DialogProvider, mediaMgr MediaProvider, trk TrackerProvider) *Server {
	s := &Server{
		addr:          addr,
		registrations: registrations,
		dialogs:       dialogs,
		media:         mediaMgr,
		tracker:       trk,
		startTime:     time.Now(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/health", s.handleHealth)
	mux.HandleFunc("/api/v1/stats", s.handleStats)
	mux.HandleFunc("/api/v1/registrations", s.handleRegistrations)
	mux.HandleFunc("/api/v1/registrations/", s.handleRegistrationByAOR)
	mux.HandleFunc("/api/v1/dialogs", s.handleDialogs)
	mux.HandleFunc("/api/v1/dialogs/", s.handleDialogByID)
	mux.HandleFunc("/api/v1/sessions", s.handleSessions)
	mux.HandleFunc("/api/v1/tracker", s.handleTracker)

	s.httpServer = &http.Server{Addr: addr, Handler: mux}
	return s
}

// Start begins listening for HTTP requests in the background.
func (s *Server) Start() error {
	slog.Info("[API] starting HTTP API server", "addr", s.addr)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("[API] server error", "error", err)
		}
	}()
	return nil
}

// Stop shuts the server down immediately.
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Close()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, types.HealthResponse{
		Status: "ok",
		Uptime: int64(time.Since(s.startTime).Seconds()),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	var stats types.StatsResponse
	if s.registrations != nil {
		stats.TotalRegistrations = s.registrations.Len()
	}
	if s.dialogs != nil {
		stats.ActiveDialogs = len(s.dialogs.Dialogs())
	}
	if s.media != nil {
		stats.ActiveMediaSessions = s.media.Len()
	}
	s.writeJSON(w, stats)
}

type bindingResponse struct {
	AOR          string `json:"aor"`
	ContactURI   string `json:"contact_uri"`
	Transport    string `json:"transport"`
	Expires      int    `json:"expires"`
	ExpiresAt    string `json:"expires_at"`
	RegisteredAt string `json:"registered_at"`
}

func toBindingResponse(b *registration.Binding) bindingResponse {
	return bindingResponse{
		AOR:          b.AOR,
		ContactURI:   b.ContactURI,
		Transport:    b.Transport,
		Expires:      b.Expires,
		ExpiresAt:    b.ExpiresAt.Format(time.RFC3339),
		RegisteredAt: b.RegisteredAt.Format(time.RFC3339),
	}
}

func (s *Server) handleRegistrations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	out := make([]bindingResponse, 0)
	if s.registrations != nil {
		for _, bindings := range s.registrations.All() {
			for _, b := range bindings {
				out = append(out, toBindingResponse(b))
			}
		}
	}
	s.writeJSON(w, out)
}

func (s *Server) handleRegistrationByAOR(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.registrations == nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	path := strings.TrimPrefix(r.URL.Path, "/api/v1/registrations/")
	aor, err := url.PathUnescape(path)
	if err != nil || aor == "" {
		http.Error(w, "invalid aor", http.StatusBadRequest)
		return
	}
	bindings := s.registrations.LookupAll(aor)
	if len(bindings) == 0 {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	out := make([]bindingResponse, 0, len(bindings))
	for _, b := range bindings {
		out = append(out, toBindingResponse(b))
	}
	s.writeJSON(w, out)
}

type dialogResponse struct {
	CallID           string `json:"call_id"`
	State            string `json:"state"`
	CallerRequestURI string `json:"caller_request_uri"`
	CalleeContact    string `json:"callee_contact,omitempty"`
	CreatedAt        string `json:"created_at"`
	UpdatedAt        string `json:"updated_at"`
}

func toDialogResponse(d *proxycore.Dialog) dialogResponse {
	return dialogResponse{
		CallID:           d.CallID,
		State:            d.State.String(),
		CallerRequestURI: d.CallerRequestURI,
		CalleeContact:    d.CalleeContact,
		CreatedAt:        d.CreatedAt.Format(time.RFC3339),
		UpdatedAt:        d.UpdatedAt.Format(time.RFC3339),
	}
}

func (s *Server) handleDialogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	out := make([]dialogResponse, 0)
	if s.dialogs != nil {
		for _, d := range s.dialogs.Dialogs() {
			out = append(out, toDialogResponse(d))
		}
	}
	s.writeJSON(w, out)
}

func (s *Server) handleDialogByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.dialogs == nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	path := strings.TrimPrefix(r.URL.Path, "/api/v1/dialogs/")
	callID, err := url.PathUnescape(path)
	if err != nil || callID == "" {
		http.Error(w, "invalid call id", http.StatusBadRequest)
		return
	}
	d, ok := s.dialogs.Dialog(callID)
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	s.writeJSON(w, toDialogResponse(d))
}

type sessionResponse struct {
	CallID          string `json:"call_id"`
	AudioRTPPort    int    `json:"audio_rtp_port"`
	VideoRTPPort    int    `json:"video_rtp_port,omitempty"`
	CreatedAt       string `json:"created_at"`
	CallerToCallee  int64  `json:"caller_to_callee_packets"`
	CalleeToCaller  int64  `json:"callee_to_caller_packets"`
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	out := make([]sessionResponse, 0)
	if s.media != nil {
		for _, sess := range s.media.Sessions() {
			resp := sessionResponse{
				CallID:       sess.CallID,
				AudioRTPPort: sess.AudioRTPPort,
				VideoRTPPort: sess.VideoRTPPort,
				CreatedAt:    sess.CreatedAt.Format(time.RFC3339),
			}
			if st, ok := sess.Stats(); ok {
				resp.CallerToCallee = st.CallerToCallee
				resp.CalleeToCaller = st.CalleeToCaller
			}
			out = append(out, resp)
		}
	}
	s.writeJSON(w, out)
}

func (s *Server) handleTracker(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	n := 100
	if q := r.URL.Query().Get("n"); q != "" {
		if parsed, err := parsePositiveInt(q); err == nil {
			n = parsed
		}
	}
	out := []tracker.Snapshot{}
	if s.tracker != nil {
		out = s.tracker.Recent(n)
	}
	s.writeJSON(w, out)
}

func parsePositiveInt(s string) (int, error) {
	var n int
	if _, err := fmt.Sscanf(s, "%d", &n); err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, fmt.Errorf("must be positive")
	}
	return n, nil
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("[API] failed to encode JSON", "error", err)
	}
}

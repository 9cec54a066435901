// Package server exposes the gateway and the oversight API over HTTP.
// Ordinary callers see only /v1/chat; everything else is operator
// surface for inspecting and steering the loop.
package server

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/bastion-ai/bastion/internal/audit"
	"github.com/bastion-ai/bastion/internal/loop"
	"github.com/bastion-ai/bastion/internal/policy"
	"github.com/bastion-ai/bastion/internal/provider"
	"github.com/bastion-ai/bastion/internal/store"
	"github.com/bastion-ai/bastion/internal/synthesis"
	"github.com/bastion-ai/bastion/internal/warden"
)

// Server wraps the HTTP surface for bastion.
type Server struct {
	mux      *http.ServeMux
	gateway  *warden.Gateway
	store    *store.Store
	deployer *synthesis.Deployer
	coord    *loop.Coordinator
	mem      *audit.MemorySink
	version  string
}

// New registers all routes.
func New(gw *warden.Gateway, st *store.Store, dep *synthesis.Deployer, coord *loop.Coordinator, mem *audit.MemorySink, version string) *Server {
	s := &Server{
		mux:      http.NewServeMux(),
		gateway:  gw,
		store:    st,
		deployer: dep,
		coord:    coord,
		mem:      mem,
		version:  version,
	}

	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.HandleFunc("/v1/chat", s.handleChat)
	s.mux.HandleFunc("/v1/probe", s.handleProbe)
	s.mux.HandleFunc("/v1/policies", s.handlePolicies)
	s.mux.HandleFunc("/v1/policies/current", s.handleCurrentSnapshot)
	s.mux.HandleFunc("/v1/policies/", s.handlePolicyByID)
	s.mux.HandleFunc("/v1/verdicts", s.handleVerdicts)
	s.mux.HandleFunc("/v1/breaches", s.handleBreaches)
	s.mux.HandleFunc("/v1/loop/status", s.handleLoopStatus)
	s.mux.HandleFunc("/v1/loop/cycle", s.handleLoopCycle)
	return s
}

func (s *Server) Handler() http.Handler { return s.mux }

type apiErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

type apiErrorBody struct {
	Error apiErrorDetail `json:"error"`
}

// writeAPIError writes an error JSON body.
func writeAPIError(w http.ResponseWriter, status int, message, typ string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(apiErrorBody{
		Error: apiErrorDetail{Message: message, Type: typ},
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("failed to write response: %v", err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"status":           "ok",
		"version":          s.version,
		"snapshot_version": s.store.Current().Version,
	})
}

type chatRequest struct {
	Prompt string `json:"prompt"`
	System string `json:"system,omitempty"`
}

type chatResponse struct {
	Response        string `json:"response"`
	Action          string `json:"action"`
	PolicyID        string `json:"policy_id,omitempty"`
	Flagged         bool   `json:"flagged,omitempty"`
	SnapshotVersion uint64 `json:"snapshot_version"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	s.serveThroughGateway(w, r, false)
}

// handleProbe is the operator entry for manual adversarial inputs; the
// exchange is recorded in the audit trail like a loop probe.
func (s *Server) handleProbe(w http.ResponseWriter, r *http.Request) {
	s.serveThroughGateway(w, r, true)
}

func (s *Server) serveThroughGateway(w http.ResponseWriter, r *http.Request, isProbe bool) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIError(w, http.StatusBadRequest, "invalid JSON body", "invalid_request")
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		writeAPIError(w, http.StatusBadRequest, "missing prompt", "invalid_request")
		return
	}

	res, err := s.gateway.Serve(r.Context(), warden.Request{
		Prompt: req.Prompt,
		System: req.System,
		Probe:  isProbe,
	})
	if err != nil {
		if errors.Is(err, provider.ErrServiceUnavailable) {
			writeAPIError(w, http.StatusServiceUnavailable, "upstream model unavailable", "service_error")
			return
		}
		log.Printf("gateway error: %v", err)
		writeAPIError(w, http.StatusBadGateway, "upstream model error", "provider_error")
		return
	}

	writeJSON(w, chatResponse{
		Response:        res.Response,
		Action:          string(res.Action),
		PolicyID:        res.PolicyID,
		Flagged:         res.Flagged,
		SnapshotVersion: res.SnapshotVersion,
	})
}

func (s *Server) handlePolicies(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	status := r.URL.Query().Get("status")
	cur := s.store.Current()

	out := make([]policy.Policy, 0, len(cur.Policies))
	for _, p := range cur.Policies {
		if status != "" && string(p.Status) != status {
			continue
		}
		out = append(out, p)
	}
	writeJSON(w, map[string]any{
		"snapshot_version": cur.Version,
		"policies":         out,
	})
}

func (s *Server) handleCurrentSnapshot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, s.store.Current())
}

// handlePolicyByID covers GET /v1/policies/{id} and
// POST /v1/policies/{id}/retire.
func (s *Server) handlePolicyByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/policies/")
	if rest == "" || rest == "current" {
		http.NotFound(w, r)
		return
	}

	if id, ok := strings.CutSuffix(rest, "/retire"); ok {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		version, err := s.deployer.Retire(r.Context(), id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				writeAPIError(w, http.StatusNotFound, "no active policy with that id", "not_found")
				return
			}
			log.Printf("retire %s: %v", id, err)
			writeAPIError(w, http.StatusInternalServerError, "retire failed", "internal_error")
			return
		}
		writeJSON(w, map[string]any{
			"retired":          id,
			"snapshot_version": version,
		})
		return
	}

	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	p, err := s.store.Get(rest)
	if err != nil {
		writeAPIError(w, http.StatusNotFound, "no active policy with that id", "not_found")
		return
	}
	writeJSON(w, p)
}

func (s *Server) handleVerdicts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, s.mem.Verdicts())
}

func (s *Server) handleBreaches(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, s.mem.Breaches())
}

func (s *Server) handleLoopStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, s.coord.Status())
}

// handleLoopCycle runs one cycle synchronously and returns its result.
func (s *Server) handleLoopCycle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	res := s.coord.RunCycle(r.Context())
	writeJSON(w, res)
}

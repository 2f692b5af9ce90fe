// Package httpserver exposes the deployment API: trigger runs, read run
// state, and resolve approval gates.
package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/nexusmarkets/nexus-deploy/internal/approval"
	"github.com/nexusmarkets/nexus-deploy/internal/auth"
	"github.com/nexusmarkets/nexus-deploy/internal/config"
	"github.com/nexusmarkets/nexus-deploy/internal/engine"
	"github.com/nexusmarkets/nexus-deploy/internal/pipeline"
	"github.com/nexusmarkets/nexus-deploy/internal/store"
)

type Server struct {
	cfg      config.Config
	engine   *engine.Engine
	store    store.Store
	verifier *auth.Verifier
}

// New builds the API server. verifier may be nil only when the debug token
// is enabled; otherwise every write is refused.
func New(cfg config.Config, eng *engine.Engine, st store.Store, verifier *auth.Verifier) *Server {
	return &Server{cfg: cfg, engine: eng, store: st, verifier: verifier}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", s.handleHealth)

	r.Route("/deploy", func(r chi.Router) {
		r.Get("/runs", s.handleListRuns)
		r.Get("/runs/{runID}", s.handleGetRun)
		r.Get("/approvals", s.handleListApprovals)

		r.Group(func(r chi.Router) {
			r.Use(s.requireScope(auth.ScopeTrigger))
			r.Post("/trigger", s.handleTrigger)
		})
		r.Group(func(r chi.Router) {
			r.Use(s.requireScope(auth.ScopeApprove))
			r.Post("/approvals", s.handleResolveApproval)
		})
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{
		"ok":   true,
		"time": time.Now().UTC(),
	}
	if err := s.store.Ping(r.Context()); err != nil {
		status["ok"] = false
		status["store"] = err.Error()
		respondJSON(w, http.StatusServiceUnavailable, status)
		return
	}
	respondJSON(w, http.StatusOK, status)
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	var req engine.TriggerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	rec, err := s.engine.Trigger(r.Context(), req)
	switch {
	case err == nil:
		respondJSON(w, http.StatusAccepted, rec)
	case errors.Is(err, engine.ErrInvalidTrigger):
		respondError(w, http.StatusBadRequest, err.Error())
	default:
		respondError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	records, err := s.store.ListRuns(r.Context(), store.ListFilter{Limit: limit, Offset: offset})
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if records == nil {
		records = []store.RunRecord{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"runs": records})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	rec, err := s.store.GetRun(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondError(w, http.StatusNotFound, "run not found")
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

func (s *Server) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	pending := s.engine.PendingApprovals()
	if pending == nil {
		pending = []approval.PendingGate{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"pending": pending})
}

type resolveApprovalRequest struct {
	RunID    string `json:"runId"`
	StageID  string `json:"stageId"`
	Approved bool   `json:"approved"`
	Actor    string `json:"actor"`
	Reason   string `json:"reason,omitempty"`
}

func (s *Server) handleResolveApproval(w http.ResponseWriter, r *http.Request) {
	var req resolveApprovalRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.RunID == "" || req.StageID == "" || req.Actor == "" {
		respondError(w, http.StatusBadRequest, "runId, stageId, and actor are required")
		return
	}

	err := s.engine.ResolveApproval(req.RunID, req.StageID, pipeline.Resolution{
		Approved: req.Approved,
		Actor:    req.Actor,
		Reason:   req.Reason,
	})
	switch {
	case err == nil:
		respondJSON(w, http.StatusOK, map[string]interface{}{
			"runId":    req.RunID,
			"stageId":  req.StageID,
			"approved": req.Approved,
		})
	case errors.Is(err, approval.ErrGateNotFound):
		respondError(w, http.StatusNotFound, "no pending approval for that run and stage")
	case errors.Is(err, approval.ErrAlreadyResolved):
		respondError(w, http.StatusConflict, "approval already resolved")
	default:
		respondError(w, http.StatusInternalServerError, err.Error())
	}
}

// requireScope guards write endpoints. The debug token is a development
// bypass, mirroring how the rest of the platform gates writes locally.
func (s *Server) requireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if s.cfg.AllowDebugToken {
				if token := r.Header.Get("X-Debug-Token"); token != "" && token == s.cfg.DebugToken {
					next.ServeHTTP(w, r)
					return
				}
			}
			if s.verifier == nil {
				respondError(w, http.StatusUnauthorized, "authentication not configured")
				return
			}
			if err := s.verifier.VerifyRequest(r, scope); err != nil {
				respondError(w, http.StatusUnauthorized, err.Error())
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}

// Package api exposes submissions, ledger evidence and the security score
// over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/witnz/auditsync/internal/consensus"
	"github.com/witnz/auditsync/internal/dispatch"
	"github.com/witnz/auditsync/internal/integrity"
	"github.com/witnz/auditsync/internal/ledger"
	"github.com/witnz/auditsync/internal/orchestrator"
	"github.com/witnz/auditsync/internal/score"
	"github.com/witnz/auditsync/internal/storage"
	"github.com/witnz/auditsync/internal/verify"
)

const maxBodyBytes = 1 << 20

// Cluster is the raft membership surface. Nil in single-node mode.
type Cluster interface {
	IsLeader() bool
	Leader() string
	Stats() map[string]string
	AddPeer(id, addr string) error
	RemovePeer(id string) error
}

type Config struct {
	Orchestrator *orchestrator.Orchestrator
	Auditor      *verify.Auditor
	Metrics      score.Source
	Organization string
	Cluster      Cluster
	// BatchConcurrency bounds POST /v1/sync. Zero uses the orchestrator default.
	BatchConcurrency int
	Logger           *slog.Logger
}

type Server struct {
	orch             *orchestrator.Orchestrator
	auditor          *verify.Auditor
	metrics          score.Source
	organization     string
	cluster          Cluster
	batchConcurrency int
	logger           *slog.Logger
}

func NewServer(cfg Config) (*Server, error) {
	if cfg.Orchestrator == nil {
		return nil, fmt.Errorf("orchestrator is required")
	}
	if cfg.Auditor == nil {
		return nil, fmt.Errorf("auditor is required")
	}
	if cfg.Metrics == nil {
		return nil, fmt.Errorf("metrics source is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Server{
		orch:             cfg.Orchestrator,
		auditor:          cfg.Auditor,
		metrics:          cfg.Metrics,
		organization:     cfg.Organization,
		cluster:          cfg.Cluster,
		batchConcurrency: cfg.BatchConcurrency,
		logger:           logger,
	}, nil
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/v1", func(r chi.Router) {
		r.Post("/sync", s.handleSubmitBatch)
		r.Post("/sync/{module}", s.handleSubmit)
		r.Get("/modules", s.handleModules)

		r.Route("/ledger/{module}", func(r chi.Router) {
			r.Get("/", s.handleExport)
			r.Get("/verify", s.handleVerify)
			r.Get("/proof/{position}", s.handleProof)
		})

		r.Get("/score", s.handleGetScore)
		r.Post("/score", s.handleComputeScore)

		if s.cluster != nil {
			r.Route("/cluster", func(r chi.Router) {
				r.Get("/", s.handleClusterStatus)
				r.Post("/peers", s.handleAddPeer)
				r.Delete("/peers/{id}", s.handleRemovePeer)
			})
		}
	})

	return r
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	module := chi.URLParam(r, "module")

	var payload integrity.Payload
	if err := decodeBody(w, r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := s.orch.Submit(r.Context(), module, payload)
	status := submitStatus(result, err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("Submission failed",
			"module", module,
			"request_id", middleware.GetReqID(r.Context()),
			"state", result.State,
			"error", err,
		)
	}
	writeJSON(w, status, result)
}

func submitStatus(result *orchestrator.Result, err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case orchestrator.IsValidationError(err):
		return http.StatusUnprocessableEntity
	case errors.Is(err, dispatch.ErrUnknownModule):
		return http.StatusNotFound
	case errors.Is(err, consensus.ErrNotLeader):
		return http.StatusServiceUnavailable
	case result.State == orchestrator.StateDispatchFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleSubmitBatch(w http.ResponseWriter, r *http.Request) {
	var items []orchestrator.Submission
	if err := decodeBody(w, r, &items); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	results := s.orch.SubmitBatch(r.Context(), items, s.batchConcurrency)
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

func (s *Server) handleModules(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"modules": s.orch.Modules()})
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	export, err := s.auditor.Export(chi.URLParam(r, "module"))
	if err != nil {
		s.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, export)
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	report, err := s.auditor.VerifyModule(chi.URLParam(r, "module"))
	if err != nil {
		s.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleProof(w http.ResponseWriter, r *http.Request) {
	position, err := strconv.ParseUint(chi.URLParam(r, "position"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "position must be a non-negative integer")
		return
	}

	proof, err := s.auditor.Proof(chi.URLParam(r, "module"), position)
	if err != nil {
		s.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, proof)
}

func (s *Server) writeLedgerError(w http.ResponseWriter, r *http.Request, err error) {
	if te := ledger.AsTamperError(err); te != nil {
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":    te.Error(),
			"module":   te.Module,
			"position": te.Position,
			"reason":   te.Reason,
		})
		return
	}
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	s.logger.Error("Ledger request failed",
		"path", r.URL.Path,
		"request_id", middleware.GetReqID(r.Context()),
		"error", err,
	)
	writeError(w, http.StatusInternalServerError, "internal error")
}

type scoreResponse struct {
	Organization string         `json:"organization,omitempty"`
	Score        float64        `json:"score"`
	Metrics      *score.Metrics `json:"metrics,omitempty"`
}

func (s *Server) handleGetScore(w http.ResponseWriter, r *http.Request) {
	organization := r.URL.Query().Get("organization")
	if organization == "" {
		organization = s.organization
	}

	metrics, err := s.metrics.Snapshot(r.Context(), organization)
	if errors.Is(err, score.ErrNoMetrics) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		s.logger.Warn("Security metrics unavailable", "organization", organization, "error", err)
		writeError(w, http.StatusBadGateway, "metrics unavailable")
		return
	}

	writeJSON(w, http.StatusOK, scoreResponse{
		Organization: organization,
		Score:        score.Score(metrics),
		Metrics:      &metrics,
	})
}

func (s *Server) handleComputeScore(w http.ResponseWriter, r *http.Request) {
	var metrics score.Metrics
	if err := decodeBody(w, r, &metrics); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if metrics.FailedLogins < 0 || metrics.AuditViolations < 0 || metrics.EncryptedFields < 0 || metrics.TotalChecks < 0 {
		writeError(w, http.StatusBadRequest, "metric counts must be non-negative")
		return
	}

	writeJSON(w, http.StatusOK, scoreResponse{Score: score.Score(metrics)})
}

func (s *Server) handleClusterStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"leader":    s.cluster.Leader(),
		"is_leader": s.cluster.IsLeader(),
		"stats":     s.cluster.Stats(),
	})
}

type peerRequest struct {
	ID      string `json:"id"`
	Address string `json:"address"`
}

func (s *Server) handleAddPeer(w http.ResponseWriter, r *http.Request) {
	var req peerRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.ID == "" || req.Address == "" {
		writeError(w, http.StatusBadRequest, "id and address are required")
		return
	}

	if err := s.cluster.AddPeer(req.ID, req.Address); err != nil {
		s.writeClusterError(w, err)
		return
	}
	s.logger.Info("Peer added", "peer_id", req.ID, "address", req.Address)
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleRemovePeer(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.cluster.RemovePeer(id); err != nil {
		s.writeClusterError(w, err)
		return
	}
	s.logger.Info("Peer removed", "peer_id", id)
	w.WriteHeader(http.StatusNoContent)
}

// Membership changes only succeed on the leader; callers retry there.
func (s *Server) writeClusterError(w http.ResponseWriter, err error) {
	if !s.cluster.IsLeader() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error":  err.Error(),
			"leader": s.cluster.Leader(),
		})
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}

// decodeBody keeps numbers as json.Number so payload fields reach the
// ledger with the digits that were submitted.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

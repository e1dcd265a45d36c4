package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/hashicorp/go-hclog"
	"github.com/pixperk/latch/pkg/authority"
	"github.com/pixperk/latch/pkg/fsm"
	"github.com/pixperk/latch/pkg/types"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// leadership view of the node the server runs on; nil in single-node mode
type ClusterInfo interface {
	IsLeader() bool
	GetLeader() string
}

// Server exposes the lock authority over a JSON HTTP API.
// It is a thin shim : deserialize, call the authority, serialize.
type Server struct {
	httpServer *http.Server
	auth       *authority.Authority
	cluster    ClusterInfo
	log        hclog.Logger
}

func NewServer(addr string, auth *authority.Authority, cluster ClusterInfo, logger hclog.Logger) *Server {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	s := &Server{
		auth:    auth,
		cluster: cluster,
		log:     logger.Named("http"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/locks/acquire", s.handleAcquire)
	mux.HandleFunc("POST /v1/locks/release", s.handleRelease)
	mux.HandleFunc("POST /v1/locks/renew", s.handleRenew)
	mux.HandleFunc("POST /v1/locks/force-release", s.handleForceRelease)
	mux.HandleFunc("GET /v1/locks/get", s.handleGet)
	mux.HandleFunc("GET /v1/locks", s.handleList)
	mux.HandleFunc("GET /v1/stats", s.handleStats)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	return s
}

func (s *Server) Start() error {
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the mux for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("failed to encode response", "error", err)
	}
}

// mutating routes must land on the leader in clustered mode
func (s *Server) requireLeader(w http.ResponseWriter) bool {
	if s.cluster == nil || s.cluster.IsLeader() {
		return true
	}
	s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{
		"error":  "not leader",
		"leader": s.cluster.GetLeader(),
	})
	return false
}

type acquireResponse struct {
	Acquired     bool        `json:"acquired"`
	Lock         *types.Lock `json:"lock,omitempty"`
	FenceToken   uint64      `json:"fence_token,omitempty"`
	CurrentOwner string      `json:"current_owner,omitempty"`
	Error        string      `json:"error,omitempty"`
}

func (s *Server) handleAcquire(w http.ResponseWriter, r *http.Request) {
	if !s.requireLeader(w) {
		return
	}

	var req authority.AcquireRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, acquireResponse{Error: "invalid request body"})
		return
	}

	res, err := s.auth.Acquire(r.Context(), req)
	resp := acquireResponse{
		Acquired:     res.Acquired,
		Lock:         res.Lock,
		FenceToken:   res.FenceToken,
		CurrentOwner: res.CurrentOwner,
	}
	if err != nil {
		resp.Error = err.Error()
		s.writeJSON(w, statusForError(err), resp)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

type releaseResponse struct {
	Released bool   `json:"released"`
	Error    string `json:"error,omitempty"`
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	if !s.requireLeader(w) {
		return
	}

	var req authority.ReleaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, releaseResponse{Error: "invalid request body"})
		return
	}

	res, err := s.auth.Release(r.Context(), req)
	if err != nil {
		s.writeJSON(w, statusForError(err), releaseResponse{Error: err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, releaseResponse{Released: res.Released})
}

type renewResponse struct {
	Renewed      bool   `json:"renewed"`
	ExpiresAtMs  int64  `json:"expires_at_ms,omitempty"`
	RenewalCount int64  `json:"renewal_count"`
	Error        string `json:"error,omitempty"`
}

func (s *Server) handleRenew(w http.ResponseWriter, r *http.Request) {
	if !s.requireLeader(w) {
		return
	}

	var req authority.RenewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, renewResponse{Error: "invalid request body"})
		return
	}

	res, err := s.auth.Renew(r.Context(), req)
	if err != nil {
		s.writeJSON(w, statusForError(err), renewResponse{Error: err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, renewResponse{
		Renewed:      res.Renewed,
		ExpiresAtMs:  res.ExpiresAtMs,
		RenewalCount: res.RenewalCount,
	})
}

type forceReleaseRequest struct {
	Namespace string `json:"namespace"`
	Name      string `json:"name"`
}

func (s *Server) handleForceRelease(w http.ResponseWriter, r *http.Request) {
	if !s.requireLeader(w) {
		return
	}

	var req forceReleaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, releaseResponse{Error: "invalid request body"})
		return
	}

	released, err := s.auth.ForceRelease(r.Context(), req.Namespace, req.Name)
	if err != nil {
		s.writeJSON(w, statusForError(err), releaseResponse{Error: err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, releaseResponse{Released: released})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	namespace := r.URL.Query().Get("namespace")
	name := r.URL.Query().Get("name")
	if namespace == "" || name == "" {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "namespace and name are required"})
		return
	}

	lk := s.auth.Get(namespace, name)
	if lk == nil {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": types.ErrLockNotFound.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, lk)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	qv := r.URL.Query()
	if qv.Get("namespace") == "" {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": types.ErrInvalidNamespace.Error()})
		return
	}

	q := fsm.ListQuery{
		Namespace: qv.Get("namespace"),
		Name:      qv.Get("name"),
		Owner:     qv.Get("owner"),
		State:     types.LockState(qv.Get("state")),
	}
	q.IncludeExpired, _ = strconv.ParseBool(qv.Get("include_expired"))
	q.Limit, _ = strconv.Atoi(qv.Get("limit"))

	locks := s.auth.List(q)
	if locks == nil {
		locks = []*types.Lock{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"locks": locks})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.auth.Stats())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"quorumkv/pkg/coordinator"
	"quorumkv/pkg/kverrors"
	"quorumkv/pkg/replication"
	"quorumkv/pkg/shardmap"
	"quorumkv/pkg/types"
)

const (
	contentTypeJSON        = "application/json"
	defaultHTTPPort        = "8080"
	defaultShutdownTimeout = time.Second * 5
)

type iCoordinator interface {
	Put(ctx context.Context, key, value types.Key, d replication.Durability) (types.Version, error)
	Delete(ctx context.Context, key types.Key, d replication.Durability) (types.Version, error)
	Get(ctx context.Context, key types.Key, policy coordinator.Consistency) (types.Value, types.Version, error)
}

type iLocalStore interface {
	ApplyReplicated(key, value types.Key, version types.Version, tombstone bool) error
	Peek(key types.Key) (types.Value, types.Version, bool, bool)
	LastApplied() types.Version
}

type iDetector interface {
	Observe(node types.NodeID, ts types.TimestampMs)
}

type iShardMap interface {
	Current() *shardmap.View
}

type iReplStatus interface {
	InFlight() int
}

// Server exposes the client-facing KV API and the internal node-to-node
// endpoints (replication, heartbeats, local reads).
type Server struct {
	node              types.NodeID
	coord             iCoordinator
	store             iLocalStore
	detector          iDetector
	shards            iShardMap
	repl              iReplStatus
	defaultDurability replication.Durability

	httpServer *http.Server
	URL        string
	addr       string
}

func NewServer(
	node types.NodeID,
	coord iCoordinator,
	store iLocalStore,
	detector iDetector,
	shards iShardMap,
	repl iReplStatus,
	defaultDurability replication.Durability,
	port string,
) *Server {
	if port == "" {
		port = defaultHTTPPort
	}
	return &Server{
		node:              node,
		coord:             coord,
		store:             store,
		detector:          detector,
		shards:            shards,
		repl:              repl,
		defaultDurability: defaultDurability,
		URL:               "http://localhost:" + port,
		addr:              ":" + port,
	}
}

// Start starts the server.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.createRouter(),
		ReadHeaderTimeout: time.Second,
	}

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
		}
	}()

	slog.Info("HTTP server started", "addr", s.URL, "node", s.node)
	return nil
}

// Stop stops the server.
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}
	return nil
}

// createRouter builds chi router
func (s *Server) createRouter() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", s.handleHealth)

	r.Put("/api/kv", s.handlePut)
	r.Get("/api/kv", s.handleGet)
	r.Delete("/api/kv", s.handleDelete)

	r.Post("/internal/replicate", s.handleReplicate)
	r.Post("/internal/heartbeat", s.handleHeartbeat)
	r.Get("/internal/kv", s.handleReadLocal)
	r.Get("/internal/status", s.handleStatus)

	return r
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Warn("Error encoding response", "error", err)
	}
}

// writeKVError maps the error taxonomy onto HTTP statuses. Indeterminate is
// 202: the write was accepted by the primary, its replication outcome is
// unknown.
func (s *Server) writeKVError(w http.ResponseWriter, version types.Version, err error) {
	switch {
	case errors.Is(err, kverrors.ErrNotFound):
		s.writeJSON(w, http.StatusNotFound, NewErrorResponse("Key not found"))
	case errors.Is(err, kverrors.ErrIndeterminate):
		s.writeJSON(w, http.StatusAccepted, NewIndeterminateResponse(uint64(version), err.Error()))
	case errors.Is(err, kverrors.ErrUnavailable):
		s.writeJSON(w, http.StatusServiceUnavailable, NewErrorResponse(err.Error()))
	case errors.Is(err, kverrors.ErrStaleView):
		s.writeJSON(w, http.StatusConflict, NewErrorResponse(err.Error()))
	default:
		s.writeJSON(w, http.StatusInternalServerError, NewErrorResponse(err.Error()))
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, NewOKResponse())
}

func (s *Server) durabilityOf(r *http.Request) (replication.Durability, error) {
	raw := r.FormValue("durability")
	if raw == "" {
		return s.defaultDurability, nil
	}
	return replication.ParseDurability(raw)
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Failed to parse form"))
		return
	}

	key := r.FormValue("key")
	if key == "" {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Missing key"))
		return
	}
	// пустое значение допустимо: value - непрозрачные байты
	if !r.PostForm.Has("value") {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Missing value"))
		return
	}
	value := r.PostForm.Get("value")

	durability, err := s.durabilityOf(r)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse(err.Error()))
		return
	}

	version, err := s.coord.Put(r.Context(), []byte(key), []byte(value), durability)
	if err != nil {
		s.writeKVError(w, version, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewVersionResponse(uint64(version)))
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if key == "" {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Missing key"))
		return
	}

	policy := coordinator.ReadPrimaryOnly
	if raw := r.URL.Query().Get("consistency"); raw != "" {
		var err error
		policy, err = coordinator.ParseConsistency(raw)
		if err != nil {
			s.writeJSON(w, http.StatusBadRequest, NewErrorResponse(err.Error()))
			return
		}
	}

	value, version, err := s.coord.Get(r.Context(), []byte(key), policy)
	if err != nil {
		s.writeKVError(w, 0, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewValueResponse(string(value), uint64(version)))
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if key == "" {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Missing key"))
		return
	}

	durability, err := s.durabilityOf(r)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse(err.Error()))
		return
	}

	version, err := s.coord.Delete(r.Context(), []byte(key), durability)
	if err != nil {
		s.writeKVError(w, version, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewVersionResponse(uint64(version)))
}

func (s *Server) handleReplicate(w http.ResponseWriter, r *http.Request) {
	var req ReplicateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse(err.Error()))
		return
	}
	if len(req.Key) == 0 || req.Version == 0 {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Missing key or version"))
		return
	}

	// a stale version is a silent no-op inside ApplyReplicated, so a
	// retransmitted shipment still gets a clean ack
	if err := s.store.ApplyReplicated(req.Key, req.Value, types.Version(req.Version), req.Tombstone); err != nil {
		s.writeKVError(w, 0, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewVersionResponse(req.Version))
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req HeartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse(err.Error()))
		return
	}
	if req.Node == "" {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Missing node"))
		return
	}

	s.detector.Observe(types.NodeID(req.Node), types.TimestampMs(req.Ts))
	s.writeJSON(w, http.StatusOK, NewOKResponse())
}

func (s *Server) handleReadLocal(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if key == "" {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Missing key"))
		return
	}

	value, version, tombstone, ok := s.store.Peek([]byte(key))
	s.writeJSON(w, http.StatusOK, RecordResponse{
		Value:     value,
		Version:   uint64(version),
		Tombstone: tombstone,
		Exists:    ok,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, StatusResponse{
		Node:        string(s.node),
		LastApplied: uint64(s.store.LastApplied()),
		ViewVersion: s.shards.Current().Version,
		InFlight:    s.repl.InFlight(),
	})
}

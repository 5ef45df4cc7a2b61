// Package server is the node's HTTP surface (spec §6): the external API
// client applications call, and the internal RPC surface peer nodes call.
// It replaces the teacher's raw TCP text protocol (internal/raft's Consensus
// wire format, read with bufio.Scanner over net.Conn) with the spec's
// HTTP+JSON boundary, routed with github.com/gorilla/mux the way
// redbco-redb-open's clientapi package routes its REST surface.
package server

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/mathdee/coordnode/internal/cache"
	"github.com/mathdee/coordnode/internal/consensus"
	"github.com/mathdee/coordnode/internal/failuredetector"
	"github.com/mathdee/coordnode/internal/lock"
	"github.com/mathdee/coordnode/internal/metrics"
	"github.com/mathdee/coordnode/internal/queue"
)

// Server wires every node component to the HTTP surface.
type Server struct {
	engine *consensus.Engine
	locks  *lock.StateMachine
	cache  *cache.Cache
	queue  *queue.Service
	fd     *failuredetector.Detector
	met    *metrics.Registry
	log    zerolog.Logger
}

// New builds a Server. Call Router to get an http.Handler to serve.
func New(engine *consensus.Engine, locks *lock.StateMachine, c *cache.Cache, q *queue.Service, fd *failuredetector.Detector, met *metrics.Registry, log zerolog.Logger) *Server {
	return &Server{engine: engine, locks: locks, cache: c, queue: q, fd: fd, met: met, log: log.With().Str("component", "server").Logger()}
}

// Router builds the full route table: the client-facing API plus the
// inter-node RPC surface (spec §6).
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()

	// Client-facing API.
	r.HandleFunc("/lock/acquire", s.handleLockAcquire).Methods(http.MethodPost)
	r.HandleFunc("/lock/release", s.handleLockRelease).Methods(http.MethodPost)
	r.HandleFunc("/cache/{key}", s.handleCacheGet).Methods(http.MethodGet)
	r.HandleFunc("/cache/set", s.handleCacheSet).Methods(http.MethodPost)
	r.HandleFunc("/queue/push", s.handleQueuePush).Methods(http.MethodPost)
	r.HandleFunc("/queue/pop/{topic}/{consumer_id}", s.handleQueuePop).Methods(http.MethodGet)
	r.HandleFunc("/queue/ack/{topic}", s.handleQueueAck).Methods(http.MethodPost)
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(s.met.Prometheus(), promhttp.HandlerOpts{})).Methods(http.MethodGet)
	r.HandleFunc("/metrics/summary", s.handleMetricsSummary).Methods(http.MethodGet)

	// Inter-node RPC surface.
	r.HandleFunc("/request_vote", s.handleRequestVote).Methods(http.MethodPost)
	r.HandleFunc("/append_entries", s.handleAppendEntries).Methods(http.MethodPost)
	r.HandleFunc("/cache/invalidate", s.handleInvalidate).Methods(http.MethodPost)
	r.HandleFunc("/queue/internal/push", s.handleInternalPush).Methods(http.MethodPost)
	r.HandleFunc("/queue/internal/pop/{topic}/{consumer_id}", s.handleInternalPop).Methods(http.MethodPost)
	r.HandleFunc("/queue/internal/ack/{topic}", s.handleInternalAck).Methods(http.MethodPost)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodPost)

	return r
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func decodeJSON(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

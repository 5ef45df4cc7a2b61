package server

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/mathdee/coordnode/internal/cache"
	"github.com/mathdee/coordnode/internal/consensus"
	"github.com/mathdee/coordnode/internal/lock"
	"github.com/mathdee/coordnode/internal/rpcclient"
)

// lockRequest is the body of POST /lock/acquire and /lock/release.
type lockRequest struct {
	ResourceID string `json:"resource_id"`
	ClientID   string `json:"client_id"`
	LockType   string `json:"lock_type,omitempty"`
}

type lockResponse struct {
	Result    string `json:"result"`
	Committed bool   `json:"committed"`
	LeaderID  string `json:"leader_id,omitempty"`
}

func (s *Server) handleLockAcquire(w http.ResponseWriter, r *http.Request) {
	var req lockRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed request body"})
		return
	}
	s.submitLockCommand(w, r, rpcclient.CommandWire{
		Action: "acquire", ResourceID: req.ResourceID, ClientID: req.ClientID, LockType: req.LockType,
	})
}

func (s *Server) handleLockRelease(w http.ResponseWriter, r *http.Request) {
	var req lockRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed request body"})
		return
	}
	s.submitLockCommand(w, r, rpcclient.CommandWire{
		Action: "release", ResourceID: req.ResourceID, ClientID: req.ClientID,
	})
}

func (s *Server) submitLockCommand(w http.ResponseWriter, r *http.Request, cmd rpcclient.CommandWire) {
	res, err := s.engine.Submit(r.Context(), cmd)
	if err != nil {
		if leaderID, ok := consensus.AsNotLeader(err); ok {
			writeJSON(w, http.StatusConflict, lockResponse{Result: "NOT_LEADER", LeaderID: leaderID})
			return
		}
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	}
	if res.Result == lock.RejectedDeadlock {
		s.met.LockDeadlocks.Inc()
	}
	if cmd.Action == "acquire" {
		s.met.LockAcquires.Inc()
	}
	writeJSON(w, http.StatusOK, lockResponse{Result: string(res.Result), Committed: res.Committed})
}

func (s *Server) handleCacheGet(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	val, err := s.cache.Get(key)
	if errors.Is(err, cache.ErrMiss) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "cache miss"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"key": key, "value": val})
}

type cacheSetRequest struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

func (s *Server) handleCacheSet(w http.ResponseWriter, r *http.Request) {
	var req cacheSetRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed request body"})
		return
	}
	s.cache.Set(req.Key, req.Value)
	writeJSON(w, http.StatusOK, rpcclient.SimpleReply{Success: true})
}

func (s *Server) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	var args rpcclient.InvalidateArgs
	if err := decodeJSON(r, &args); err != nil {
		writeJSON(w, http.StatusBadRequest, rpcclient.SimpleReply{Success: false, Message: "malformed request"})
		return
	}
	s.cache.Invalidate(args.Key)
	writeJSON(w, http.StatusOK, rpcclient.SimpleReply{Success: true})
}

type queuePushRequest struct {
	Topic   string `json:"topic"`
	Message string `json:"message"`
}

func (s *Server) handleQueuePush(w http.ResponseWriter, r *http.Request) {
	var req queuePushRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, rpcclient.SimpleReply{Success: false, Message: "malformed request"})
		return
	}
	if err := s.queue.Push(r.Context(), req.Topic, req.Message); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, rpcclient.SimpleReply{Success: false, Message: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, rpcclient.SimpleReply{Success: true})
}

func (s *Server) handleQueuePop(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	message, ok, err := s.queue.Pop(r.Context(), vars["topic"], vars["consumer_id"])
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	}
	if !ok {
		writeJSON(w, http.StatusNoContent, nil)
		return
	}
	writeJSON(w, http.StatusOK, rpcclient.QueuePopReply{Found: true, Message: message})
}

type queueAckRequest struct {
	ConsumerID string `json:"consumer_id"`
	MessageID  string `json:"message_id"`
}

func (s *Server) handleQueueAck(w http.ResponseWriter, r *http.Request) {
	topic := mux.Vars(r)["topic"]
	var req queueAckRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, rpcclient.SimpleReply{Success: false, Message: "malformed request"})
		return
	}
	ok, err := s.queue.Ack(r.Context(), topic, req.ConsumerID, req.MessageID)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, rpcclient.SimpleReply{Success: false, Message: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, rpcclient.SimpleReply{Success: ok})
}

func (s *Server) handleInternalPush(w http.ResponseWriter, r *http.Request) {
	var args rpcclient.QueuePushArgs
	if err := decodeJSON(r, &args); err != nil {
		writeJSON(w, http.StatusBadRequest, rpcclient.SimpleReply{Success: false, Message: "malformed request"})
		return
	}
	if err := s.queue.LocalStore().Push(r.Context(), args.Topic, args.Message); err != nil {
		writeJSON(w, http.StatusInternalServerError, rpcclient.SimpleReply{Success: false, Message: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, rpcclient.SimpleReply{Success: true})
}

func (s *Server) handleInternalPop(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	message, ok, err := s.queue.LocalStore().Pop(r.Context(), vars["topic"], vars["consumer_id"])
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, rpcclient.QueuePopReply{Found: false})
		return
	}
	writeJSON(w, http.StatusOK, rpcclient.QueuePopReply{Found: ok, Message: message})
}

func (s *Server) handleInternalAck(w http.ResponseWriter, r *http.Request) {
	topic := mux.Vars(r)["topic"]
	var body rpcclient.QueueAckBody
	if err := decodeJSON(r, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, rpcclient.SimpleReply{Success: false})
		return
	}
	ok, err := s.queue.LocalStore().Ack(r.Context(), topic, body.ConsumerID, body.MessageID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, rpcclient.SimpleReply{Success: false, Message: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, rpcclient.SimpleReply{Success: ok})
}

func (s *Server) handleRequestVote(w http.ResponseWriter, r *http.Request) {
	var args rpcclient.RequestVoteArgs
	if err := decodeJSON(r, &args); err != nil {
		writeJSON(w, http.StatusBadRequest, rpcclient.RequestVoteReply{})
		return
	}
	writeJSON(w, http.StatusOK, s.engine.HandleRequestVote(args))
}

func (s *Server) handleAppendEntries(w http.ResponseWriter, r *http.Request) {
	var args rpcclient.AppendEntriesArgs
	if err := decodeJSON(r, &args); err != nil {
		writeJSON(w, http.StatusBadRequest, rpcclient.AppendEntriesReply{})
		return
	}
	writeJSON(w, http.StatusOK, s.engine.HandleAppendEntries(args))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, rpcclient.HealthReply{Status: "ok"})
}

type statusResponse struct {
	NodeID      string          `json:"node_id"`
	State       string          `json:"state"`
	Term        uint64          `json:"term"`
	LeaderID    string          `json:"leader_id,omitempty"`
	LogLength   int             `json:"log_length"`
	CommitIndex int             `json:"commit_index"`
	CacheSize   int             `json:"cache_size"`
	Peers       map[string]bool `json:"peers"`
	Locks       statusLocks     `json:"locks"`
}

type statusLocks struct {
	ActiveLocks map[string]statusLock `json:"active_locks"`
	WaitList    map[string][]string   `json:"wait_list"`
}

type statusLock struct {
	Type   string   `json:"type"`
	Owners []string `json:"owners"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := s.engine.Status()
	snap := s.locks.Snapshot()
	active := make(map[string]statusLock, len(snap.Locks))
	for id, rec := range snap.Locks {
		active[id] = statusLock{Type: string(rec.Mode), Owners: rec.Owners}
	}
	writeJSON(w, http.StatusOK, statusResponse{
		NodeID:      st.NodeID,
		State:       string(st.State),
		Term:        st.Term,
		LeaderID:    st.LeaderID,
		LogLength:   st.LogLength,
		CommitIndex: st.CommitIndex,
		CacheSize:   s.cache.Len(),
		Peers:       s.fd.Snapshot(),
		Locks:       statusLocks{ActiveLocks: active, WaitList: snap.Waits},
	})
}

func (s *Server) handleMetricsSummary(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.met.Snapshot())
}

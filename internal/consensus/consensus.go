// Package consensus is the leader-based replication engine (spec §4.1): a
// simplified single-round Raft that elects a leader, replicates a command
// log to a majority, and applies committed commands to the lock state
// machine in strict log order.
//
// It generalizes the teacher's internal/raft.Consensus (mutex-guarded
// struct, goroutine-per-role loop, nextIndex/matchIndex bookkeeping) from a
// toy TCP text protocol to the spec's HTTP+JSON RPC surface and its
// two-outcome commit model: a client command either commits in one
// synchronous replication round, or is rolled back (spec §9, "Consensus
// simplification").
package consensus

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mathdee/coordnode/internal/lock"
	"github.com/mathdee/coordnode/internal/rpcclient"
)

// Role is the node's current consensus role.
type Role string

const (
	Follower  Role = "FOLLOWER"
	Candidate Role = "CANDIDATE"
	Leader    Role = "LEADER"
)

const (
	electionMin      = 1500 * time.Millisecond
	electionMax      = 3000 * time.Millisecond
	heartbeatEvery   = 500 * time.Millisecond
)

func randomElectionTimeout() time.Duration {
	span := int64(electionMax - electionMin)
	return electionMin + time.Duration(rand.Int63n(span+1))
}

// LogEntry is a (term, command) pair (spec §3).
type LogEntry struct {
	Term    uint64
	Command rpcclient.CommandWire
	ID      string      // node-local id, not replicated; Submit compares it to recognise its own entry
	Applied bool        // set once this entry has been handed to the state machine
	Result  lock.Result // result of applying Command, valid once Applied is true
}

// Peer is a reachable cluster member (spec §3).
type Peer struct {
	ID      string
	BaseURL string
}

// Engine is the per-node consensus state (spec §4.1 "State per node").
type Engine struct {
	selfID string
	peers  map[string]string // node_id -> base URL, excludes self
	client *rpcclient.Client
	sm     *lock.StateMachine
	log    zerolog.Logger

	mu          sync.Mutex
	currentTerm uint64
	votedFor    string
	role        Role
	leaderID    string
	entries     []LogEntry
	commitIndex int // -1 means nothing committed
	lastApplied int // -1 means nothing applied

	resetCh chan struct{} // signals the election timer to restart
}

// New builds an Engine in the Follower role.
func New(selfID string, peers map[string]string, sm *lock.StateMachine, log zerolog.Logger) *Engine {
	return &Engine{
		selfID:      selfID,
		peers:       peers,
		client:      rpcclient.New(),
		sm:          sm,
		log:         log.With().Str("component", "consensus").Str("node", selfID).Logger(),
		role:        Follower,
		commitIndex: -1,
		lastApplied: -1,
		resetCh:     make(chan struct{}, 1),
	}
}

func (e *Engine) resetElectionTimer() {
	select {
	case e.resetCh <- struct{}{}:
	default:
	}
}

// Start launches the election-timeout/heartbeat loop. It returns when ctx
// is cancelled.
func (e *Engine) Start(ctx context.Context) {
	go e.loop(ctx)
}

func (e *Engine) loop(ctx context.Context) {
	for {
		e.mu.Lock()
		role := e.role
		e.mu.Unlock()

		switch role {
		case Follower, Candidate:
			if !e.waitForTimeoutOrReset(ctx, randomElectionTimeout()) {
				return
			}
			e.onElectionTimeout(ctx)
		case Leader:
			if !e.waitForTimeoutOrReset(ctx, heartbeatEvery) {
				return
			}
			e.broadcastHeartbeat(ctx)
		}
	}
}

// waitForTimeoutOrReset blocks until d elapses, a reset is requested, or ctx
// is cancelled. It returns false only on cancellation.
func (e *Engine) waitForTimeoutOrReset(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-e.resetCh:
		return true
	case <-timer.C:
		return true
	}
}

func (e *Engine) onElectionTimeout(ctx context.Context) {
	e.mu.Lock()
	if e.role == Leader {
		e.mu.Unlock()
		return
	}
	e.currentTerm++
	term := e.currentTerm
	e.votedFor = e.selfID
	e.role = Candidate
	lastIndex, lastTerm := e.lastLogLocked()
	e.mu.Unlock()

	e.log.Info().Uint64("term", term).Msg("election timeout, starting election")

	votes := 1 // vote for self
	var mu sync.Mutex
	var wg sync.WaitGroup
	for id, url := range e.peers {
		wg.Add(1)
		go func(id, url string) {
			defer wg.Done()
			var reply rpcclient.RequestVoteReply
			err := e.client.Call(ctx, url, "/request_vote", rpcclient.RequestVoteArgs{
				Term: term, CandidateID: e.selfID, LastLogIndex: lastIndex, LastLogTerm: lastTerm,
			}, &reply)
			if err != nil {
				return // non-ack, treated as no vote
			}
			if reply.Term > term {
				e.mu.Lock()
				if reply.Term > e.currentTerm {
					e.stepDown(reply.Term)
				}
				e.mu.Unlock()
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if reply.VoteGranted {
				votes++
			}
		}(id, url)
	}
	wg.Wait()

	quorum := (len(e.peers)+1)/2 + 1 // strict majority of the full cluster, including self
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.role != Candidate || e.currentTerm != term {
		return // stepped down or term moved on while votes were in flight
	}
	if votes >= quorum {
		e.role = Leader
		e.leaderID = e.selfID
		e.log.Info().Uint64("term", term).Int("votes", votes).Msg("won election")
	} else {
		e.role = Follower
	}
}

func (e *Engine) lastLogLocked() (int, uint64) {
	if len(e.entries) == 0 {
		return -1, 0
	}
	last := e.entries[len(e.entries)-1]
	return len(e.entries) - 1, last.Term
}

// stepDown adopts a higher term and reverts to follower. Callers must hold
// e.mu.
func (e *Engine) stepDown(term uint64) {
	e.currentTerm = term
	e.role = Follower
	e.votedFor = ""
}

func (e *Engine) broadcastHeartbeat(ctx context.Context) {
	e.mu.Lock()
	if e.role != Leader {
		e.mu.Unlock()
		return
	}
	term := e.currentTerm
	commitIndex := e.commitIndex
	prevIndex, prevTerm := e.lastLogLocked()
	e.mu.Unlock()

	var wg sync.WaitGroup
	for id, url := range e.peers {
		wg.Add(1)
		go func(id, url string) {
			defer wg.Done()
			var reply rpcclient.AppendEntriesReply
			_ = e.client.Call(ctx, url, "/append_entries", rpcclient.AppendEntriesArgs{
				Term: term, LeaderID: e.selfID, PrevLogIndex: prevIndex, PrevLogTerm: prevTerm,
				Entries: nil, LeaderCommit: commitIndex,
			}, &reply)
			if reply.Term > term {
				e.mu.Lock()
				if reply.Term > e.currentTerm {
					e.stepDown(reply.Term)
				}
				e.mu.Unlock()
			}
		}(id, url)
	}
	wg.Wait()
}

// HandleRequestVote implements spec §4.1 "Vote granting".
func (e *Engine) HandleRequestVote(args rpcclient.RequestVoteArgs) rpcclient.RequestVoteReply {
	e.mu.Lock()
	defer e.mu.Unlock()

	if args.Term < e.currentTerm {
		return rpcclient.RequestVoteReply{Term: e.currentTerm, VoteGranted: false}
	}
	if args.Term > e.currentTerm {
		e.currentTerm = args.Term
		e.role = Follower
		e.votedFor = ""
	}

	lastIndex, lastTerm := e.lastLogLocked()
	logOK := args.LastLogTerm > lastTerm ||
		(args.LastLogTerm == lastTerm && args.LastLogIndex >= lastIndex)

	if (e.votedFor == "" || e.votedFor == args.CandidateID) && logOK {
		e.votedFor = args.CandidateID
		e.resetElectionTimer()
		return rpcclient.RequestVoteReply{Term: e.currentTerm, VoteGranted: true}
	}
	return rpcclient.RequestVoteReply{Term: e.currentTerm, VoteGranted: false}
}

// HandleAppendEntries implements spec §4.1 "Append-entries handling".
func (e *Engine) HandleAppendEntries(args rpcclient.AppendEntriesArgs) rpcclient.AppendEntriesReply {
	e.mu.Lock()

	if args.Term < e.currentTerm {
		reply := rpcclient.AppendEntriesReply{Term: e.currentTerm, Success: false}
		e.mu.Unlock()
		return reply
	}

	e.resetElectionTimer()
	if args.Term > e.currentTerm {
		e.currentTerm = args.Term
		e.votedFor = ""
	}
	e.role = Follower
	e.leaderID = args.LeaderID

	if args.PrevLogIndex >= 0 {
		if len(e.entries) < args.PrevLogIndex+1 || e.entries[args.PrevLogIndex].Term != args.PrevLogTerm {
			reply := rpcclient.AppendEntriesReply{Term: e.currentTerm, Success: false}
			e.mu.Unlock()
			return reply
		}
	}

	if len(args.Entries) > 0 {
		e.entries = e.entries[:args.PrevLogIndex+1]
		for _, w := range args.Entries {
			e.entries = append(e.entries, LogEntry{Term: w.Term, Command: w.Command, ID: uuid.NewString()})
		}
	}

	if args.LeaderCommit > e.commitIndex {
		lastIndex, _ := e.lastLogLocked()
		newCommit := args.LeaderCommit
		if lastIndex < newCommit {
			newCommit = lastIndex
		}
		e.commitIndex = newCommit
	}
	e.mu.Unlock()

	e.applyCommitted()
	return rpcclient.AppendEntriesReply{Term: e.currentTerm, Success: true}
}

// CommandResult is returned to the caller of Submit.
type CommandResult struct {
	Committed bool
	Result    lock.Result
	LeaderID  string
}

// notLeaderError is returned by Submit when this node is not the leader.
type notLeaderError struct{ leaderID string }

func (e *notLeaderError) Error() string { return fmt.Sprintf("not leader, try %q", e.leaderID) }

// AsNotLeader reports whether err is a not-leader rejection from Submit, and
// if so the known leader id (which may be empty if no leader is known yet).
func AsNotLeader(err error) (leaderID string, ok bool) {
	var nl *notLeaderError
	if errors.As(err, &nl) {
		return nl.leaderID, true
	}
	return "", false
}

// Submit replicates one lock command through the leader's single
// synchronous round (spec §4.1 "Leader-side commit on client command").
// Non-leaders return an error carrying the known leader id, per spec §7
// NotLeader.
func (e *Engine) Submit(ctx context.Context, cmd rpcclient.CommandWire) (CommandResult, error) {
	e.mu.Lock()
	if e.role != Leader {
		leaderID := e.leaderID
		e.mu.Unlock()
		return CommandResult{}, &notLeaderError{leaderID: leaderID}
	}
	term := e.currentTerm
	entry := LogEntry{Term: term, Command: cmd, ID: uuid.NewString()}
	e.entries = append(e.entries, entry)
	index := len(e.entries) - 1
	prevIndex := index - 1
	prevTerm := uint64(0)
	if prevIndex >= 0 {
		prevTerm = e.entries[prevIndex].Term
	}
	commitIndex := e.commitIndex
	peers := make(map[string]string, len(e.peers))
	for k, v := range e.peers {
		peers[k] = v
	}
	e.mu.Unlock()

	acked := 1 // self
	var mu sync.Mutex
	var wg sync.WaitGroup
	for id, url := range peers {
		wg.Add(1)
		go func(id, url string) {
			defer wg.Done()
			var reply rpcclient.AppendEntriesReply
			err := e.client.Call(ctx, url, "/append_entries", rpcclient.AppendEntriesArgs{
				Term: term, LeaderID: e.selfID, PrevLogIndex: prevIndex, PrevLogTerm: prevTerm,
				Entries: []rpcclient.LogWire{{Term: entry.Term, Command: entry.Command}}, LeaderCommit: commitIndex,
			}, &reply)
			if err != nil || !reply.Success {
				return
			}
			mu.Lock()
			acked++
			mu.Unlock()
		}(id, url)
	}
	wg.Wait()

	quorum := (len(peers)+1)/2 + 1
	e.mu.Lock()

	// Someone else may have appended concurrently; only roll back the entry
	// we actually added, and only if it is still the last one.
	stillOurs := index == len(e.entries)-1 && e.entries[index].ID == entry.ID

	if acked < quorum {
		if stillOurs {
			e.entries = e.entries[:index]
		}
		e.mu.Unlock()
		return CommandResult{Committed: false, LeaderID: e.selfID}, fmt.Errorf("consensus failed: no majority (%d/%d)", acked, quorum)
	}

	if e.commitIndex < index {
		e.commitIndex = index
	}
	e.mu.Unlock()

	e.applyCommitted()

	e.mu.Lock()
	result := e.entries[index].Result
	e.mu.Unlock()
	return CommandResult{Committed: true, Result: result, LeaderID: e.selfID}, nil
}

// applyCommitted walks lastApplied+1..commitIndex and applies each entry to
// the lock state machine in order (spec §4.1 "Applying"), recording each
// entry's result so callers of Submit can read back their own outcome.
func (e *Engine) applyCommitted() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for e.lastApplied < e.commitIndex {
		idx := e.lastApplied + 1
		if !e.entries[idx].Applied {
			e.entries[idx].Result = e.applyOne(e.entries[idx].Command)
			e.entries[idx].Applied = true
		}
		e.lastApplied = idx
	}
}

// applyOne hands a single command to the lock state machine. An unknown
// action is reported but does not panic the node (spec §4.1 "Failure
// semantics").
func (e *Engine) applyOne(cmd rpcclient.CommandWire) lock.Result {
	switch cmd.Action {
	case "acquire":
		return e.sm.Acquire(cmd.ResourceID, lock.Mode(cmd.LockType), cmd.ClientID)
	case "release":
		return e.sm.Release(cmd.ResourceID, cmd.ClientID)
	default:
		return lock.Result("UNKNOWN_ACTION")
	}
}

// Status is the externally observable node status (spec §6 "/status").
type Status struct {
	NodeID      string
	State       Role
	Term        uint64
	LeaderID    string
	LogLength   int
	CommitIndex int
}

func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Status{
		NodeID:      e.selfID,
		State:       e.role,
		Term:        e.currentTerm,
		LeaderID:    e.leaderID,
		LogLength:   len(e.entries),
		CommitIndex: e.commitIndex,
	}
}

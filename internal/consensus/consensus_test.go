package consensus

import (
	"context"
	"testing"

	"github.com/rs/zerolog"

	"github.com/mathdee/coordnode/internal/lock"
	"github.com/mathdee/coordnode/internal/rpcclient"
)

func newTestEngine(id string, peers map[string]string) *Engine {
	return New(id, peers, lock.New(), zerolog.Nop())
}

func TestRequestVoteDeniesOlderTerm(t *testing.T) {
	e := newTestEngine("n1", nil)
	e.currentTerm = 5
	reply := e.HandleRequestVote(rpcclient.RequestVoteArgs{Term: 3, CandidateID: "n2"})
	if reply.VoteGranted {
		t.Fatalf("must not grant a vote for an older term")
	}
	if reply.Term != 5 {
		t.Fatalf("expected current term 5 back, got %d", reply.Term)
	}
}

func TestRequestVoteGrantsOncePerTerm(t *testing.T) {
	e := newTestEngine("n1", nil)
	r1 := e.HandleRequestVote(rpcclient.RequestVoteArgs{Term: 1, CandidateID: "n2"})
	if !r1.VoteGranted {
		t.Fatalf("expected first vote in term 1 to be granted")
	}
	r2 := e.HandleRequestVote(rpcclient.RequestVoteArgs{Term: 1, CandidateID: "n3"})
	if r2.VoteGranted {
		t.Fatalf("must not grant a second vote in the same term to a different candidate")
	}
}

func TestRequestVoteRejectsStaleLog(t *testing.T) {
	e := newTestEngine("n1", nil)
	e.entries = []LogEntry{{Term: 2}, {Term: 2}}
	reply := e.HandleRequestVote(rpcclient.RequestVoteArgs{Term: 3, CandidateID: "n2", LastLogIndex: 0, LastLogTerm: 1})
	if reply.VoteGranted {
		t.Fatalf("must not grant vote to a candidate with an older log")
	}
}

func TestAppendEntriesRejectsTermMismatchAtPrevIndex(t *testing.T) {
	e := newTestEngine("n1", nil)
	e.entries = []LogEntry{{Term: 1}}
	reply := e.HandleAppendEntries(rpcclient.AppendEntriesArgs{
		Term: 1, LeaderID: "n2", PrevLogIndex: 0, PrevLogTerm: 2, Entries: nil, LeaderCommit: -1,
	})
	if reply.Success {
		t.Fatalf("expected rejection on prev-log term mismatch")
	}
}

func TestAppendEntriesTruncatesConflictingSuffix(t *testing.T) {
	e := newTestEngine("n1", nil)
	e.entries = []LogEntry{{Term: 1}, {Term: 1}, {Term: 1}}
	reply := e.HandleAppendEntries(rpcclient.AppendEntriesArgs{
		Term: 2, LeaderID: "n2", PrevLogIndex: 0, PrevLogTerm: 1,
		Entries: []rpcclient.LogWire{{Term: 2, Command: rpcclient.CommandWire{Action: "acquire", ResourceID: "r", ClientID: "c", LockType: "exclusive"}}},
		LeaderCommit: -1,
	})
	if !reply.Success {
		t.Fatalf("expected success, got failure")
	}
	if len(e.entries) != 2 {
		t.Fatalf("expected log truncated to 2 entries, got %d", len(e.entries))
	}
	if e.entries[1].Term != 2 {
		t.Fatalf("expected new entry term 2, got %d", e.entries[1].Term)
	}
}

func TestAppendEntriesAppliesOnCommitAdvance(t *testing.T) {
	e := newTestEngine("n1", nil)
	reply := e.HandleAppendEntries(rpcclient.AppendEntriesArgs{
		Term: 1, LeaderID: "n2", PrevLogIndex: -1, PrevLogTerm: 0,
		Entries: []rpcclient.LogWire{{Term: 1, Command: rpcclient.CommandWire{Action: "acquire", ResourceID: "r", ClientID: "c", LockType: "exclusive"}}},
		LeaderCommit: 0,
	})
	if !reply.Success {
		t.Fatalf("expected success")
	}
	snap := e.sm.Snapshot()
	if _, ok := snap.Locks["r"]; !ok {
		t.Fatalf("expected committed entry to be applied to the lock state machine")
	}
}

func TestSubmitOnNonLeaderReturnsNotLeader(t *testing.T) {
	e := newTestEngine("n1", map[string]string{"n2": "http://unused"})
	_, err := e.Submit(context.Background(), rpcclient.CommandWire{Action: "acquire", ResourceID: "r", ClientID: "c", LockType: "exclusive"})
	if err == nil {
		t.Fatalf("expected NotLeader error on a fresh follower")
	}
}

func TestSubmitSingleNodeClusterCommitsImmediately(t *testing.T) {
	e := newTestEngine("n1", nil) // no peers: quorum is self alone
	e.role = Leader
	res, err := e.Submit(context.Background(), rpcclient.CommandWire{Action: "acquire", ResourceID: "r", ClientID: "c", LockType: "exclusive"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Committed {
		t.Fatalf("expected commit with zero peers (self-only quorum)")
	}
	if res.Result != lock.GrantedNew {
		t.Fatalf("expected GRANTED_NEW, got %s", res.Result)
	}
}

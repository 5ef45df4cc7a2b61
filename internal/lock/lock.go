// Package lock implements the deterministic lock state machine applied to
// the committed consensus log (spec §4.2): shared/exclusive grant and
// release, FIFO wait lists, and wait-for-graph deadlock detection.
//
// StateMachine is single-threaded with respect to Apply: the consensus
// engine serializes every call through its apply path (spec §5, "Lock and
// wait tables: mutated only from the consensus apply path"). Status/ observer
// reads use Snapshot, which takes the same lock briefly and copies out a
// deterministic view.
package lock

import (
	"sort"
	"sync"
	"time"
)

// Mode is the grant mode of a lock record.
type Mode string

const (
	Shared    Mode = "shared"
	Exclusive Mode = "exclusive"
)

// Result is the outcome of an Acquire or Release call (spec §4.2, §7).
type Result string

const (
	GrantedNew       Result = "GRANTED_NEW"
	GrantedReentrant Result = "GRANTED_REENTRANT"
	GrantedJoined    Result = "GRANTED_JOINED"
	Waiting          Result = "WAITING"
	AlreadyWaiting   Result = "ALREADY_WAITING"
	RejectedDeadlock Result = "REJECTED_DEADLOCK"
	NotOwner         Result = "NOT_OWNER"
	ReleasedFinal    Result = "RELEASED_FINAL"
	ReleasedPartial  Result = "RELEASED_PARTIAL"
)

// Record is the externally observable state of one resource.
type Record struct {
	Mode   Mode
	Owners []string // snapshot copy, lexicographically sorted
}

// AuditEvent is one completed acquire/release (spec §4.2 "Audit trail").
type AuditEvent struct {
	Operation  string // "acquire" | "release"
	Client     string
	Resource   string
	LockType   string // only set for acquire
	Result     Result
	Timestamp  time.Time
}

// AuditSink observes completed operations. Implementations must not block
// or fail the apply path: StateMachine calls sinks synchronously but never
// lets a sink error abort a mutation that already happened (spec §4.2).
type AuditSink interface {
	Record(AuditEvent)
}

// NopSink discards every event.
type NopSink struct{}

func (NopSink) Record(AuditEvent) {}

type lockRecord struct {
	mode   Mode
	owners map[string]bool
}

// StateMachine holds the lock table and wait lists.
type StateMachine struct {
	mu    sync.Mutex
	locks map[string]*lockRecord
	waits map[string][]string // resource -> FIFO ordered waiter client ids
	sinks []AuditSink
}

// New builds an empty state machine with the given audit sinks (zero or more).
func New(sinks ...AuditSink) *StateMachine {
	return &StateMachine{
		locks: make(map[string]*lockRecord),
		waits: make(map[string][]string),
		sinks: sinks,
	}
}

func (sm *StateMachine) audit(ev AuditEvent) {
	for _, s := range sm.sinks {
		s.Record(ev)
	}
}

// removeFromWaitLocked deletes client from resource's wait list, if present.
func (sm *StateMachine) removeFromWaitLocked(resourceID, client string) {
	w := sm.waits[resourceID]
	for i, c := range w {
		if c == client {
			sm.waits[resourceID] = append(w[:i], w[i+1:]...)
			break
		}
	}
	if len(sm.waits[resourceID]) == 0 {
		delete(sm.waits, resourceID)
	}
}

func (sm *StateMachine) inWaitLocked(resourceID, client string) bool {
	for _, c := range sm.waits[resourceID] {
		if c == client {
			return true
		}
	}
	return false
}

// Acquire applies an acquire command (spec §4.2 "Acquire"). It must be
// called under the consensus engine's apply serialization.
func (sm *StateMachine) Acquire(resourceID string, lockType Mode, clientID string) Result {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	rec, exists := sm.locks[resourceID]

	// 1. No record: first grant, clear any stray wait-list membership.
	if !exists {
		sm.locks[resourceID] = &lockRecord{mode: lockType, owners: map[string]bool{clientID: true}}
		for waitRes := range sm.waits {
			sm.removeFromWaitLocked(waitRes, clientID)
		}
		sm.audit(AuditEvent{Operation: "acquire", Client: clientID, Resource: resourceID, LockType: string(lockType), Result: GrantedNew, Timestamp: time.Now()})
		return GrantedNew
	}

	// 2. Already an owner.
	if rec.owners[clientID] {
		if rec.mode == Exclusive || lockType == Shared {
			sm.audit(AuditEvent{Operation: "acquire", Client: clientID, Resource: resourceID, LockType: string(lockType), Result: GrantedReentrant, Timestamp: time.Now()})
			return GrantedReentrant
		}
		// Held shared, requesting exclusive: treated as conflict (no upgrade, spec §9).
		return sm.handleConflict(resourceID, lockType, clientID)
	}

	// 3. Not an owner: shared-over-shared joins, anything else conflicts.
	conflict := rec.mode == Exclusive || lockType == Exclusive
	if !conflict {
		rec.owners[clientID] = true
		sm.removeFromWaitLocked(resourceID, clientID)
		sm.audit(AuditEvent{Operation: "acquire", Client: clientID, Resource: resourceID, LockType: string(lockType), Result: GrantedJoined, Timestamp: time.Now()})
		return GrantedJoined
	}

	return sm.handleConflict(resourceID, lockType, clientID)
}

func (sm *StateMachine) handleConflict(resourceID string, lockType Mode, clientID string) Result {
	if sm.inWaitLocked(resourceID, clientID) {
		return AlreadyWaiting
	}
	sm.waits[resourceID] = append(sm.waits[resourceID], clientID)

	if sm.hasCycleFromLocked(clientID) {
		sm.removeFromWaitLocked(resourceID, clientID)
		sm.audit(AuditEvent{Operation: "acquire", Client: clientID, Resource: resourceID, LockType: string(lockType), Result: RejectedDeadlock, Timestamp: time.Now()})
		return RejectedDeadlock
	}
	sm.audit(AuditEvent{Operation: "acquire", Client: clientID, Resource: resourceID, LockType: string(lockType), Result: Waiting, Timestamp: time.Now()})
	return Waiting
}

// Release applies a release command (spec §4.2 "Release"). Waiters are
// never auto-granted the resource; they must retry (spec §9).
func (sm *StateMachine) Release(resourceID, clientID string) Result {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	rec, exists := sm.locks[resourceID]
	if !exists || !rec.owners[clientID] {
		return NotOwner
	}

	delete(rec.owners, clientID)
	if len(rec.owners) == 0 {
		delete(sm.locks, resourceID)
		delete(sm.waits, resourceID)
		sm.audit(AuditEvent{Operation: "release", Client: clientID, Resource: resourceID, Result: ReleasedFinal, Timestamp: time.Now()})
		return ReleasedFinal
	}
	sm.audit(AuditEvent{Operation: "release", Client: clientID, Resource: resourceID, Result: ReleasedPartial, Timestamp: time.Now()})
	return ReleasedPartial
}

// hasCycleFromLocked runs an iterative DFS over the wait-for graph starting
// at start, rebuilding the graph fresh from authoritative state each time
// (spec §4.2 "Deadlock detection"): waiter -> holder, for every resource
// with a non-empty wait list that is currently held.
func (sm *StateMachine) hasCycleFromLocked(start string) bool {
	type frame struct {
		node     string
		children []string
		idx      int
	}

	edges := func(waiter string) []string {
		var out []string
		for resourceID, waiters := range sm.waits {
			rec, held := sm.locks[resourceID]
			if !held {
				continue
			}
			for _, w := range waiters {
				if w == waiter {
					for owner := range rec.owners {
						out = append(out, owner)
					}
				}
			}
		}
		return out
	}

	onStack := map[string]bool{start: true}
	visited := map[string]bool{}
	stack := []*frame{{node: start, children: edges(start)}}

	for len(stack) > 0 {
		top := stack[len(stack)-1]
		if top.idx >= len(top.children) {
			onStack[top.node] = false
			visited[top.node] = true
			stack = stack[:len(stack)-1]
			continue
		}
		next := top.children[top.idx]
		top.idx++
		if onStack[next] {
			return true // back-edge to a node currently on the DFS stack
		}
		if visited[next] {
			continue
		}
		onStack[next] = true
		stack = append(stack, &frame{node: next, children: edges(next)})
	}
	return false
}

// Snapshot returns a deterministic, copy-on-read view of the lock and wait
// tables for the /status endpoint (spec §5: "/status reads must see a
// consistent snapshot").
type Snapshot struct {
	Locks map[string]Record
	Waits map[string][]string
}

func (sm *StateMachine) Snapshot() Snapshot {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	locks := make(map[string]Record, len(sm.locks))
	for resourceID, rec := range sm.locks {
		owners := make([]string, 0, len(rec.owners))
		for o := range rec.owners {
			owners = append(owners, o)
		}
		sort.Strings(owners) // deterministic ordering, spec §4.2
		locks[resourceID] = Record{Mode: rec.mode, Owners: owners}
	}

	waits := make(map[string][]string, len(sm.waits))
	for resourceID, w := range sm.waits {
		cp := make([]string, len(w))
		copy(cp, w)
		waits[resourceID] = cp
	}

	return Snapshot{Locks: locks, Waits: waits}
}

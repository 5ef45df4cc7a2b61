// Package rpcclient is the thin HTTP+JSON transport shared by every
// inter-node RPC in the node: consensus (request_vote/append_entries),
// cache invalidation, queue forwarding, and health checks (spec §4.6).
// Every call is a suspension point (spec §5) with the 1-second per-request
// timeout named in spec §5.
package rpcclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Timeout is the fixed per-RPC deadline (spec §5).
const Timeout = 1 * time.Second

// ErrTransport wraps any network/timeout failure. Per spec §7, RpcTimeout
// and RpcTransport are silent at the transport layer: callers treat this as
// a non-acknowledgement, never as a logical failure to surface verbatim.
var ErrTransport = errors.New("rpc transport error")

// Client issues JSON RPCs against peer base URLs.
type Client struct {
	http *http.Client
}

// New builds a Client using the standard per-RPC timeout.
func New() *Client {
	return &Client{http: &http.Client{Timeout: Timeout}}
}

// Call POSTs body as JSON to baseURL+path and decodes the JSON response into
// out. A nil out is valid for fire-and-forget style calls that still want
// error reporting.
func (c *Client) Call(ctx context.Context, baseURL, path string, body, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, Timeout)
	defer cancel()

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("%w: encode request: %v", ErrTransport, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%w: build request: %v", ErrTransport, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: peer status %d", ErrTransport, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode response: %v", ErrTransport, err)
	}
	return nil
}

// RequestVoteArgs is the body of POST /request_vote (spec §6).
type RequestVoteArgs struct {
	Term         uint64 `json:"term"`
	CandidateID  string `json:"candidate_id"`
	LastLogIndex int    `json:"last_log_index"`
	LastLogTerm  uint64 `json:"last_log_term"`
}

// RequestVoteReply is the response to POST /request_vote.
type RequestVoteReply struct {
	Term        uint64 `json:"term"`
	VoteGranted bool   `json:"vote_granted"`
}

// AppendEntriesArgs is the body of POST /append_entries (spec §6).
type AppendEntriesArgs struct {
	Term         uint64    `json:"term"`
	LeaderID     string    `json:"leader_id"`
	PrevLogIndex int       `json:"prev_log_index"`
	PrevLogTerm  uint64    `json:"prev_log_term"`
	Entries      []LogWire `json:"entries"`
	LeaderCommit int       `json:"leader_commit"`
}

// LogWire is the wire form of a log entry, tagged per spec §9 "dynamic JSON
// payloads at the RPC boundary become tagged records".
type LogWire struct {
	Term    uint64      `json:"term"`
	Command CommandWire `json:"command"`
}

// CommandWire is the tagged record for a lock command understood by the
// state machine (spec §4.2).
type CommandWire struct {
	Action     string `json:"action"`
	ResourceID string `json:"resource_id"`
	ClientID   string `json:"client_id"`
	LockType   string `json:"lock_type,omitempty"`
}

// AppendEntriesReply is the response to POST /append_entries.
type AppendEntriesReply struct {
	Term    uint64 `json:"term"`
	Success bool   `json:"success"`
}

// InvalidateArgs is the body of POST /cache/invalidate.
type InvalidateArgs struct {
	Key string `json:"key"`
}

// SimpleReply is the common {success, message} envelope (spec §6).
type SimpleReply struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// QueuePushArgs is the body of POST /queue/internal/push.
type QueuePushArgs struct {
	Topic   string `json:"topic"`
	Message string `json:"message"`
}

// QueuePopReply is the response to POST
// /queue/internal/pop/{topic}/{consumer_id}. Message doubles as the message
// ID (spec §4.4: "message_id is the message content itself").
type QueuePopReply struct {
	Found   bool   `json:"found"`
	Message string `json:"message,omitempty"`
}

// QueueAckBody is the body of POST /queue/internal/ack/{topic}; topic itself
// is a path parameter, matching the external /queue/ack/{topic} route.
type QueueAckBody struct {
	ConsumerID string `json:"consumer_id"`
	MessageID  string `json:"message_id"`
}

// HealthArgs is the body of POST /health.
type HealthArgs struct {
	From string `json:"from"`
}

// HealthReply is the response to POST /health.
type HealthReply struct {
	Status string `json:"status"`
}

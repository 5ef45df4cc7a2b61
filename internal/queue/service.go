package queue

import (
	"context"
	"fmt"
	url2 "net/url"
	"time"

	"github.com/rs/zerolog"

	"github.com/mathdee/coordnode/internal/hashring"
	"github.com/mathdee/coordnode/internal/metrics"
	"github.com/mathdee/coordnode/internal/rpcclient"
)

// Service is the partitioned queue front door (spec §4.4): it routes every
// topic to its owning node on the consistent-hash ring and either serves
// the request locally against Store or forwards it over RPC.
type Service struct {
	selfID string
	peers  map[string]string // node_id -> base URL, excludes self
	ring   *hashring.Ring
	store  Store
	client *rpcclient.Client
	met    *metrics.Registry
	log    zerolog.Logger
}

// New builds a Service. nodeIDs must include selfID; it is the full cluster
// membership used to build the hash ring (spec §4.4 "consistent hashing
// over the set of node IDs").
func New(selfID string, peers map[string]string, nodeIDs []string, store Store, met *metrics.Registry, log zerolog.Logger) *Service {
	ring := hashring.New(hashring.DefaultVirtualNodes)
	for _, id := range nodeIDs {
		ring.AddNode(id)
	}
	return &Service{
		selfID: selfID,
		peers:  peers,
		ring:   ring,
		store:  store,
		client: rpcclient.New(),
		met:    met,
		log:    log.With().Str("component", "queue").Logger(),
	}
}

// owner returns the node ID that owns topic, and whether that is this node.
func (s *Service) owner(topic string) (id string, isSelf bool, err error) {
	id, ok := s.ring.Get(topic)
	if !ok {
		return "", false, fmt.Errorf("queue: no nodes on hash ring")
	}
	return id, id == s.selfID, nil
}

// Push appends message to topic's queue, forwarding to the owning node if
// it isn't this one (spec §4.4 "push(topic, message)").
func (s *Service) Push(ctx context.Context, topic, message string) error {
	start := time.Now()
	id, isSelf, err := s.owner(topic)
	if err != nil {
		return err
	}
	if isSelf {
		if err := s.store.Push(ctx, topic, message); err != nil {
			return err
		}
		s.met.QueuePushes.Inc()
		s.met.Observe("queue_push", time.Since(start))
		return nil
	}

	url, ok := s.peers[id]
	if !ok {
		return fmt.Errorf("queue: unknown peer base URL for owner %s", id)
	}
	var reply rpcclient.SimpleReply
	if err := s.client.Call(ctx, url, "/queue/internal/push", rpcclient.QueuePushArgs{Topic: topic, Message: message}, &reply); err != nil {
		return fmt.Errorf("queue: forward push to %s: %w", id, err)
	}
	if !reply.Success {
		return fmt.Errorf("queue: push rejected by owner %s: %s", id, reply.Message)
	}
	s.met.QueuePushes.Inc()
	s.met.Observe("queue_push", time.Since(start))
	return nil
}

// Pop removes and returns the head message for (topic, consumerID),
// forwarding to the owning node if needed (spec §4.4 "pop(topic,
// consumer_id)"). ok is false on an empty queue.
func (s *Service) Pop(ctx context.Context, topic, consumerID string) (string, bool, error) {
	start := time.Now()
	id, isSelf, err := s.owner(topic)
	if err != nil {
		return "", false, err
	}
	if isSelf {
		message, ok, err := s.store.Pop(ctx, topic, consumerID)
		if err != nil {
			return "", false, err
		}
		if ok {
			s.met.QueuePops.Inc()
		}
		s.met.Observe("queue_pop", time.Since(start))
		return message, ok, nil
	}

	url, ok := s.peers[id]
	if !ok {
		return "", false, fmt.Errorf("queue: unknown peer base URL for owner %s", id)
	}
	var reply rpcclient.QueuePopReply
	path := "/queue/internal/pop/" + url2.PathEscape(topic) + "/" + url2.PathEscape(consumerID)
	if err := s.client.Call(ctx, url, path, struct{}{}, &reply); err != nil {
		return "", false, fmt.Errorf("queue: forward pop to %s: %w", id, err)
	}
	if reply.Found {
		s.met.QueuePops.Inc()
	}
	s.met.Observe("queue_pop", time.Since(start))
	return reply.Message, reply.Found, nil
}

// Ack acknowledges messageID for (topic, consumerID), forwarding to the
// owning node if needed (spec §4.4 "ack(topic, consumer_id, message_id)").
func (s *Service) Ack(ctx context.Context, topic, consumerID, messageID string) (bool, error) {
	id, isSelf, err := s.owner(topic)
	if err != nil {
		return false, err
	}
	if isSelf {
		return s.store.Ack(ctx, topic, consumerID, messageID)
	}

	url, ok := s.peers[id]
	if !ok {
		return false, fmt.Errorf("queue: unknown peer base URL for owner %s", id)
	}
	var reply rpcclient.SimpleReply
	path := "/queue/internal/ack/" + url2.PathEscape(topic)
	if err := s.client.Call(ctx, url, path, rpcclient.QueueAckBody{ConsumerID: consumerID, MessageID: messageID}, &reply); err != nil {
		return false, fmt.Errorf("queue: forward ack to %s: %w", id, err)
	}
	return reply.Success, nil
}

// LocalStore exposes the underlying Store for the HTTP server's internal RPC
// handlers, which always serve local requests forwarded by a peer's
// Service and so must bypass routing.
func (s *Service) LocalStore() Store { return s.store }

// Monitor builds the visibility-timeout monitor for this service's store
// and ring, ready to run in its own goroutine.
func (s *Service) Monitor() *Monitor {
	return NewMonitor(s.store, s, s.met, s.log)
}

package queue

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/mathdee/coordnode/internal/metrics"
)

// Monitor periodically sweeps every processing list this node owns for
// messages that have outlived ProcessingTimeout and redelivers them (spec
// §4.4, §5 "background goroutine... runs independently of request
// handling").
type Monitor struct {
	store Store
	ring  ownerChecker
	met   *metrics.Registry
	log   zerolog.Logger
}

// ownerChecker lets Monitor ask whether this node still owns a topic
// without holding a *Service directly (Service.Monitor builds the Monitor).
type ownerChecker interface {
	isOwnedByThisNode(topic string) bool
}

func (s *Service) isOwnedByThisNode(topic string) bool {
	_, isSelf, err := s.owner(topic)
	return err == nil && isSelf
}

// NewMonitor builds a Monitor that only sweeps keys owned by this node
// according to svc's current ring (topics route to whichever node holds
// them, so a node must never redeliver another node's in-flight messages).
func NewMonitor(store Store, svc *Service, met *metrics.Registry, log zerolog.Logger) *Monitor {
	return &Monitor{store: store, ring: svc, met: met, log: log.With().Str("component", "queue.monitor").Logger()}
}

// Start runs the sweep loop until ctx is cancelled.
func (m *Monitor) Start(ctx context.Context) {
	ticker := time.NewTicker(MonitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweepOnce(ctx)
		}
	}
}

func (m *Monitor) sweepOnce(ctx context.Context) {
	keys, err := m.store.ProcessingKeys(ctx)
	if err != nil {
		m.log.Warn().Err(err).Msg("failed to enumerate processing keys")
		return
	}
	now := time.Now()
	for _, k := range keys {
		if !m.ring.isOwnedByThisNode(k.Topic) {
			continue
		}
		n, err := m.store.SweepExpired(ctx, k.Topic, k.ConsumerID, ProcessingTimeout, now)
		if err != nil {
			m.log.Warn().Err(err).Str("topic", k.Topic).Str("consumer", k.ConsumerID).Msg("sweep failed")
			continue
		}
		if n > 0 {
			m.met.QueueRedeliver.Add(float64(n))
			m.log.Info().Str("topic", k.Topic).Str("consumer", k.ConsumerID).Int("count", n).Msg("redelivered timed-out messages")
		}
	}
}

// Package failuredetector is the advisory peer health monitor (spec §4.5).
// It is grounded on the ticker-driven HealthChecker in
// redbco-redb-open/services/mesh/internal/monitoring/health.go: a mutex-
// guarded per-peer status map, refreshed on a context-cancellable ticker.
// Consensus and the queue never gate on this; it exists for operators.
package failuredetector

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mathdee/coordnode/internal/metrics"
	"github.com/mathdee/coordnode/internal/rpcclient"
)

// CheckInterval is how often each peer is probed (spec §5).
const CheckInterval = 2 * time.Second

// DownAfter is how stale the last successful reply must be before a peer is
// marked down (spec §4.5).
const DownAfter = 5 * time.Second

type peerStatus struct {
	lastOK time.Time
	up     bool
}

// Detector polls peers with a health RPC and tracks liveness.
type Detector struct {
	selfID string
	peers  map[string]string // node_id -> base URL
	client *rpcclient.Client
	met    *metrics.Registry
	log    zerolog.Logger

	mu     sync.RWMutex
	status map[string]*peerStatus
}

// New builds a Detector for the given peer map (node_id -> base URL).
func New(selfID string, peers map[string]string, met *metrics.Registry, log zerolog.Logger) *Detector {
	d := &Detector{
		selfID: selfID,
		peers:  peers,
		client: rpcclient.New(),
		met:    met,
		log:    log.With().Str("component", "failuredetector").Logger(),
		status: make(map[string]*peerStatus, len(peers)),
	}
	for id := range peers {
		d.status[id] = &peerStatus{}
	}
	return d
}

// Start launches the polling loop; it returns when ctx is cancelled.
func (d *Detector) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(CheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				d.probeAll(ctx)
			}
		}
	}()
}

func (d *Detector) probeAll(ctx context.Context) {
	var wg sync.WaitGroup
	for id, url := range d.peers {
		wg.Add(1)
		go func(id, url string) {
			defer wg.Done()
			d.probe(ctx, id, url)
		}(id, url)
	}
	wg.Wait()
}

func (d *Detector) probe(ctx context.Context, id, url string) {
	var reply rpcclient.HealthReply
	err := d.client.Call(ctx, url, "/health", rpcclient.HealthArgs{From: d.selfID}, &reply)

	d.mu.Lock()
	st, ok := d.status[id]
	if !ok {
		st = &peerStatus{}
		d.status[id] = st
	}
	wasUp := st.up
	if err == nil && reply.Status == "ok" {
		st.lastOK = time.Now()
		st.up = true
	} else {
		st.up = time.Since(st.lastOK) < DownAfter
	}
	nowUp := st.up
	d.mu.Unlock()

	gaugeVal := 0.0
	if nowUp {
		gaugeVal = 1.0
	}
	d.met.PeerUp.WithLabelValues(id).Set(gaugeVal)

	if wasUp != nowUp {
		d.log.Info().Str("peer", id).Bool("up", nowUp).Msg("peer health changed")
	}
}

// IsUp reports the last known liveness of a peer. Unknown peers are
// reported down.
func (d *Detector) IsUp(id string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	st, ok := d.status[id]
	if !ok {
		return false
	}
	return st.up
}

// Snapshot returns a copy of peer -> up for /status reporting.
func (d *Detector) Snapshot() map[string]bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[string]bool, len(d.status))
	for id, st := range d.status {
		out[id] = st.up
	}
	return out
}

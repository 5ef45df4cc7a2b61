package failuredetector

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/mathdee/coordnode/internal/metrics"
)

func healthServer(t *testing.T, status string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": status})
	}))
}

func TestProbeMarksPeerUpOnOkReply(t *testing.T) {
	srv := healthServer(t, "ok")
	defer srv.Close()

	d := New("n1", map[string]string{"n2": srv.URL}, metrics.New(), zerolog.Nop())
	d.probe(context.Background(), "n2", srv.URL)

	if !d.IsUp("n2") {
		t.Fatalf("expected peer to be marked up after a healthy probe")
	}
}

func TestProbeKeepsPeerUpWithinGracePeriod(t *testing.T) {
	d := New("n1", map[string]string{"n2": "http://127.0.0.1:0"}, metrics.New(), zerolog.Nop())
	d.status["n2"].lastOK = time.Now()
	d.status["n2"].up = true

	// Probe against an address nothing listens on: the RPC itself fails,
	// but the peer was healthy moments ago so it must still read up.
	d.probe(context.Background(), "n2", "http://127.0.0.1:0")

	if !d.IsUp("n2") {
		t.Fatalf("expected peer to stay up within the grace period despite a failed probe")
	}
}

func TestProbeMarksPeerDownAfterGracePeriodElapses(t *testing.T) {
	d := New("n1", map[string]string{"n2": "http://127.0.0.1:0"}, metrics.New(), zerolog.Nop())
	d.status["n2"].lastOK = time.Now().Add(-2 * DownAfter)
	d.status["n2"].up = true

	d.probe(context.Background(), "n2", "http://127.0.0.1:0")

	if d.IsUp("n2") {
		t.Fatalf("expected peer to be marked down once the grace period has elapsed")
	}
}

func TestIsUpUnknownPeerReportsDown(t *testing.T) {
	d := New("n1", nil, metrics.New(), zerolog.Nop())
	if d.IsUp("never-heard-of-it") {
		t.Fatalf("expected an unknown peer to report down")
	}
}

func TestSnapshotReflectsAllKnownPeers(t *testing.T) {
	d := New("n1", map[string]string{"n2": "http://a", "n3": "http://b"}, metrics.New(), zerolog.Nop())
	snap := d.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("expected 2 peers in snapshot, got %d", len(snap))
	}
}

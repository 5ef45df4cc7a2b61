package queue

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/mathdee/coordnode/internal/metrics"
)

func newTestService(t *testing.T, nodeIDs []string, selfID string) (*Service, *MemStore) {
	t.Helper()
	store := NewMemStore()
	svc := New(selfID, nil, nodeIDs, store, metrics.New(), zerolog.Nop())
	return svc, store
}

func TestPushPopRoundTrip(t *testing.T) {
	svc, _ := newTestService(t, []string{"n1"}, "n1")
	ctx := context.Background()

	require.NoError(t, svc.Push(ctx, "topic-a", "hello"))
	msg, ok, err := svc.Pop(ctx, "topic-a", "c1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "hello", msg)
}

func TestPopEmptyQueueReturnsNotOk(t *testing.T) {
	svc, _ := newTestService(t, []string{"n1"}, "n1")
	_, ok, err := svc.Pop(context.Background(), "empty-topic", "c1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatalf("expected no message on an empty queue")
	}
}

func TestAckRemovesFromProcessing(t *testing.T) {
	svc, store := newTestService(t, []string{"n1"}, "n1")
	ctx := context.Background()
	svc.Push(ctx, "t", "m1")
	msg, _, _ := svc.Pop(ctx, "t", "c1")

	ok, err := svc.Ack(ctx, "t", "c1", msg)
	if err != nil || !ok {
		t.Fatalf("expected ack to succeed, got ok=%v err=%v", ok, err)
	}

	keys, _ := store.ProcessingKeys(ctx)
	if len(keys) != 0 {
		t.Fatalf("expected no processing keys left after ack, got %v", keys)
	}
}

func TestAckUnknownMessageReturnsFalse(t *testing.T) {
	svc, _ := newTestService(t, []string{"n1"}, "n1")
	ok, err := svc.Ack(context.Background(), "t", "c1", "never-popped")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatalf("expected ack of a message never popped to report false")
	}
}

func TestUnackedMessageIsRedeliveredAfterTimeout(t *testing.T) {
	svc, store := newTestService(t, []string{"n1"}, "n1")
	ctx := context.Background()
	svc.Push(ctx, "t", "m1")
	svc.Pop(ctx, "t", "c1")

	future := time.Now().Add(ProcessingTimeout + time.Second)
	n, err := store.SweepExpired(ctx, "t", "c1", ProcessingTimeout, future)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 redelivery, got %d", n)
	}

	msg, ok, err := svc.Pop(ctx, "t", "c2")
	if err != nil || !ok || msg != "m1" {
		t.Fatalf("expected redelivered message to be poppable again, got msg=%q ok=%v err=%v", msg, ok, err)
	}
}

func TestAckAfterRedeliveryDoesNotDoubleRemove(t *testing.T) {
	// Simulates a consumer acking just as the timeout monitor redelivers:
	// the original processing-list entry is gone, ack must report false
	// rather than removing the redelivered copy from the main queue.
	svc, store := newTestService(t, []string{"n1"}, "n1")
	ctx := context.Background()
	svc.Push(ctx, "t", "m1")
	svc.Pop(ctx, "t", "c1")

	future := time.Now().Add(ProcessingTimeout + time.Second)
	store.SweepExpired(ctx, "t", "c1", ProcessingTimeout, future)

	ok, err := svc.Ack(ctx, "t", "c1", "m1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatalf("expected ack on an already-redelivered message to report false")
	}

	msg, ok, err := svc.Pop(ctx, "t", "c2")
	if err != nil || !ok || msg != "m1" {
		t.Fatalf("expected redelivered message still sitting in the queue")
	}
}

func TestPushRoutesToOwningNode(t *testing.T) {
	store := NewMemStore()
	// n2 is not in the cluster's node list as self, so every topic that
	// hashes to n2 must be forwarded rather than served locally.
	svc := New("n1", map[string]string{"n2": "http://n2.invalid"}, []string{"n1", "n2"}, store, metrics.New(), zerolog.Nop())

	// Find a topic owned by n2 deterministically via the same ring logic
	// the service uses, then confirm Push returns a transport error
	// instead of silently writing to the local store.
	var ownedByPeer string
	for i := 0; i < 1000; i++ {
		topic := "probe-" + string(rune('a'+i%26)) + string(rune('0'+i/26))
		if id, isSelf, err := svc.owner(topic); err == nil && !isSelf && id == "n2" {
			ownedByPeer = topic
			break
		}
	}
	if ownedByPeer == "" {
		t.Skip("could not find a topic owned by the peer in this probe budget")
	}

	err := svc.Push(context.Background(), ownedByPeer, "x")
	if err == nil {
		t.Fatalf("expected forwarding to an invalid peer URL to fail")
	}
	if store.queues[ownedByPeer] != nil {
		t.Fatalf("message must not be written to the local store when owned by a peer")
	}
}

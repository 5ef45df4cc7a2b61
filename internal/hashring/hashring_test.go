package hashring

import "testing"

func TestGetIsDeterministic(t *testing.T) {
	r := New(DefaultVirtualNodes)
	r.AddNode("n1")
	r.AddNode("n2")
	r.AddNode("n3")

	owner, ok := r.Get("topic-a")
	if !ok {
		t.Fatalf("expected a ring with nodes to resolve an owner")
	}
	for i := 0; i < 100; i++ {
		got, _ := r.Get("topic-a")
		if got != owner {
			t.Fatalf("Get must be a pure function of ring state and key, got %s then %s", owner, got)
		}
	}
}

func TestGetEmptyRing(t *testing.T) {
	r := New(DefaultVirtualNodes)
	if _, ok := r.Get("anything"); ok {
		t.Fatalf("expected no owner on an empty ring")
	}
}

func TestAddNodeIsIdempotent(t *testing.T) {
	r := New(DefaultVirtualNodes)
	r.AddNode("n1")
	before := len(r.points)
	r.AddNode("n1")
	if len(r.points) != before {
		t.Fatalf("re-adding a node must not duplicate its ring points")
	}
}

func TestRebalanceMovesOnlyAMinorityOfKeys(t *testing.T) {
	r := New(DefaultVirtualNodes)
	r.AddNode("n1")
	r.AddNode("n2")
	r.AddNode("n3")

	const numKeys = 2000
	before := make(map[string]string, numKeys)
	for i := 0; i < numKeys; i++ {
		key := keyFor(i)
		owner, _ := r.Get(key)
		before[key] = owner
	}

	r.AddNode("n4")

	moved := 0
	for i := 0; i < numKeys; i++ {
		key := keyFor(i)
		owner, _ := r.Get(key)
		if owner != before[key] {
			moved++
		}
	}

	// Adding a 4th of 4 equal-weight nodes should move roughly 1/4 of
	// keys; generously bound it at half to keep this test robust to
	// hash-function variance while still catching a gross regression
	// (e.g. accidentally rehashing every key on every AddNode).
	if moved > numKeys/2 {
		t.Fatalf("expected a minority of keys to move on rebalance, got %d/%d", moved, numKeys)
	}
	if moved == 0 {
		t.Fatalf("expected at least some keys to move to the new node")
	}
}

func keyFor(i int) string {
	return "topic-" + string(rune('a'+i%26)) + string(rune('0'+i%10)) + string(rune('A'+(i/10)%26))
}

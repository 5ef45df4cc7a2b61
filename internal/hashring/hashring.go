// Package hashring implements the consistent-hash ring used to route queue
// topics to owning nodes (spec §4.4). Lookup is a pure function of ring
// state and key: the same (ring, key) pair always returns the same owner.
package hashring

import (
	"fmt"
	"sort"
	"sync"

	"github.com/spaolacci/murmur3"
)

// DefaultVirtualNodes is the number of ring points placed per real node.
// The spec allows 3-50; 50 gives a flatter distribution at a modest memory
// cost, which is what we want for the "<60 moves on rebalance" property.
const DefaultVirtualNodes = 50

type point struct {
	hash uint32
	node string
}

// Ring is a consistent-hash ring mapping arbitrary string keys to node ids.
// It is safe for concurrent use; Get is read-mostly and AddNode/RemoveNode
// rebuild the sorted index under the write lock.
type Ring struct {
	mu            sync.RWMutex
	virtualNodes  int
	points        []point // sorted by hash
	nodes         map[string]bool
}

// New creates an empty ring. virtualNodes <= 0 selects DefaultVirtualNodes.
func New(virtualNodes int) *Ring {
	if virtualNodes <= 0 {
		virtualNodes = DefaultVirtualNodes
	}
	return &Ring{
		virtualNodes: virtualNodes,
		nodes:        make(map[string]bool),
	}
}

func hash32(s string) uint32 {
	return murmur3.Sum32([]byte(s))
}

// AddNode inserts virtualNodes points for node and rebuilds the sorted index.
// Re-adding a node already present is a no-op.
func (r *Ring) AddNode(node string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.nodes[node] {
		return
	}
	r.nodes[node] = true
	for i := 0; i < r.virtualNodes; i++ {
		h := hash32(fmt.Sprintf("%s:%d", node, i))
		r.points = append(r.points, point{hash: h, node: node})
	}
	r.rebuildLocked()
}

// RemoveNode deletes all of node's virtual points and rebuilds the index.
func (r *Ring) RemoveNode(node string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.nodes[node] {
		return
	}
	delete(r.nodes, node)
	kept := r.points[:0]
	for _, p := range r.points {
		if p.node != node {
			kept = append(kept, p)
		}
	}
	r.points = kept
	r.rebuildLocked()
}

func (r *Ring) rebuildLocked() {
	sort.Slice(r.points, func(i, j int) bool { return r.points[i].hash < r.points[j].hash })
}

// Get returns the node owning key, via binary search for the first point
// whose hash is >= the key's hash, wrapping to index 0 past the end.
// Returns ("", false) if the ring has no nodes.
func (r *Ring) Get(key string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.points) == 0 {
		return "", false
	}
	h := hash32(key)
	idx := sort.Search(len(r.points), func(i int) bool { return r.points[i].hash >= h })
	if idx == len(r.points) {
		idx = 0
	}
	return r.points[idx].node, true
}

// Nodes returns the set of member node ids, in no particular order.
func (r *Ring) Nodes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.nodes))
	for n := range r.nodes {
		out = append(out, n)
	}
	return out
}

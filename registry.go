package resilientmq

import (
	"math/rand"
	"sync"
)

// nodeStatus tracks one configured broker URL's health, per spec §3.
type nodeStatus struct {
	url          string
	healthy      bool
	failureCount int
}

// nodeRegistry tracks the set of configured broker URLs, their
// health, and the round-robin cursor used by the failover strategy,
// per spec §2 item 2.
type nodeRegistry struct {
	mu       sync.Mutex
	nodes    []*nodeStatus
	cursor   int
	priority []string
	strategy FailoverStrategy
}

func newNodeRegistry(urls []string, priority []string, strategy FailoverStrategy) *nodeRegistry {
	nodes := make([]*nodeStatus, 0, len(urls))
	for _, u := range urls {
		nodes = append(nodes, &nodeStatus{url: u, healthy: true})
	}
	return &nodeRegistry{nodes: nodes, priority: priority, strategy: strategy}
}

// MarkSuccess records a successful probe/connect for url: it becomes
// healthy and its failure count resets to 0.
func (r *nodeRegistry) MarkSuccess(url string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, n := range r.nodes {
		if n.url == url {
			n.healthy = true
			n.failureCount = 0
			return
		}
	}
}

// MarkFailure records a failed probe/connect for url. failureCount>=3
// clears healthy, per spec §3's node status invariant.
func (r *nodeRegistry) MarkFailure(url string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, n := range r.nodes {
		if n.url == url {
			n.failureCount++
			if n.failureCount >= 3 {
				n.healthy = false
			}
			return
		}
	}
}

// SelectionOrder computes the URL attempt order for a single connect
// cycle, per spec §4.1 "URL selection for a single connect attempt":
//  1. start from healthy nodes, falling back to all nodes if none are healthy
//  2. place priority nodes first, preserving their relative order
//  3. apply the failover strategy to the remainder (random shuffles;
//     round-robin rotates by the monotonic cursor, advancing it after)
func (r *nodeRegistry) SelectionOrder() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	candidates := make([]string, 0, len(r.nodes))
	for _, n := range r.nodes {
		if n.healthy {
			candidates = append(candidates, n.url)
		}
	}
	if len(candidates) == 0 {
		for _, n := range r.nodes {
			candidates = append(candidates, n.url)
		}
	}

	var prioritized []string
	remainder := make([]string, 0, len(candidates))
	inPriority := map[string]bool{}
	for _, p := range r.priority {
		for _, c := range candidates {
			if c == p && !inPriority[c] {
				prioritized = append(prioritized, c)
				inPriority[c] = true
			}
		}
	}
	for _, c := range candidates {
		if !inPriority[c] {
			remainder = append(remainder, c)
		}
	}

	switch r.strategy {
	case Random:
		rand.Shuffle(len(remainder), func(i, j int) {
			remainder[i], remainder[j] = remainder[j], remainder[i]
		})
	case RoundRobin:
		if len(remainder) > 0 {
			offset := r.cursor % len(remainder)
			remainder = append(remainder[offset:], remainder[:offset]...)
			r.cursor++
		}
	}

	return append(prioritized, remainder...)
}

// AllURLs returns every configured URL, for the cluster-node health sweep.
func (r *nodeRegistry) AllURLs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	urls := make([]string, len(r.nodes))
	for i, n := range r.nodes {
		urls[i] = n.url
	}
	return urls
}

// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package router implements topic-based message routing with a trie
// keyed by topic levels. Lookups walk one branch per level plus the
// wildcard branches, so matching cost follows topic depth rather than
// the number of subscriptions.
package router

import (
	"strings"
	"sync"
)

// Subscriber identifies a subscription entry stored in the trie.
type Subscriber struct {
	ClientID          string
	QoS               byte
	NoLocal           bool
	RetainAsPublished bool
	RetainHandling    byte
}

// node is a single trie level. subscribers holds the entries whose
// filter ends at this node.
type node struct {
	children    map[string]*node
	subscribers []Subscriber
}

func newNode() *node {
	return &node{children: make(map[string]*node)}
}

// TrieRouter routes published topics to subscribers.
type TrieRouter struct {
	mu    sync.RWMutex
	root  *node
	count int
}

// NewTrieRouter creates an empty router.
func NewTrieRouter() *TrieRouter {
	return &TrieRouter{root: newNode()}
}

// Subscribe adds a subscription entry for the filter. A second
// subscription from the same client to the same filter replaces the
// stored entry, it never duplicates it.
func (r *TrieRouter) Subscribe(filter string, sub Subscriber) {
	levels := strings.Split(filter, "/")

	r.mu.Lock()
	defer r.mu.Unlock()

	n := r.root
	for _, level := range levels {
		child, ok := n.children[level]
		if !ok {
			child = newNode()
			n.children[level] = child
		}
		n = child
	}

	for i, existing := range n.subscribers {
		if existing.ClientID == sub.ClientID {
			n.subscribers[i] = sub
			return
		}
	}
	n.subscribers = append(n.subscribers, sub)
	r.count++
}

// Unsubscribe removes the client's entry for the filter and prunes any
// branch left empty. It reports whether the entry existed.
func (r *TrieRouter) Unsubscribe(filter, clientID string) bool {
	levels := strings.Split(filter, "/")

	r.mu.Lock()
	defer r.mu.Unlock()

	removed, _ := r.remove(r.root, levels, clientID)
	if removed {
		r.count--
	}
	return removed
}

// remove walks down to the filter's node, drops the entry and reports
// (removed, node now empty) so parents can prune dead branches.
func (r *TrieRouter) remove(n *node, levels []string, clientID string) (bool, bool) {
	if len(levels) == 0 {
		for i, sub := range n.subscribers {
			if sub.ClientID == clientID {
				n.subscribers = append(n.subscribers[:i], n.subscribers[i+1:]...)
				return true, len(n.subscribers) == 0 && len(n.children) == 0
			}
		}
		return false, false
	}

	child, ok := n.children[levels[0]]
	if !ok {
		return false, false
	}
	removed, empty := r.remove(child, levels[1:], clientID)
	if empty {
		delete(n.children, levels[0])
	}
	return removed, removed && len(n.subscribers) == 0 && len(n.children) == 0
}

// Match returns the subscription entries whose filters match the topic.
// Overlapping filters from the same client yield one entry each; the
// caller collapses them per client. The returned slice comes from a
// pool, release it with ReleaseMatches when done.
func (r *TrieRouter) Match(topic string) []Subscriber {
	levels := strings.Split(topic, "/")
	// Topics under $ (e.g. $SYS) are never matched by wildcards at the
	// first level.
	system := strings.HasPrefix(topic, "$")

	result := getSubscriberSlice()

	r.mu.RLock()
	r.matchLevel(r.root, levels, system, &result)
	r.mu.RUnlock()

	return result
}

func (r *TrieRouter) matchLevel(n *node, levels []string, system bool, result *[]Subscriber) {
	if len(levels) == 0 {
		*result = append(*result, n.subscribers...)
		// "sport/#" also matches "sport" itself.
		if hash, ok := n.children["#"]; ok {
			*result = append(*result, hash.subscribers...)
		}
		return
	}

	if !system {
		if hash, ok := n.children["#"]; ok {
			*result = append(*result, hash.subscribers...)
		}
		if plus, ok := n.children["+"]; ok {
			r.matchLevel(plus, levels[1:], false, result)
		}
	}
	if child, ok := n.children[levels[0]]; ok {
		r.matchLevel(child, levels[1:], false, result)
	}
}

// ReleaseMatches returns a slice obtained from Match to the pool.
func (r *TrieRouter) ReleaseMatches(subs []Subscriber) {
	putSubscriberSlice(subs)
}

// Count returns the number of subscription entries in the trie.
func (r *TrieRouter) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.count
}

// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"strings"
	"sync"

	"github.com/absmach/routemq/storage"
)

var _ storage.SubscriptionStore = (*SubscriptionStore)(nil)

// SubscriptionStore is an in-memory implementation of
// storage.SubscriptionStore backed by a topic-level trie. Branches left
// empty by Remove/RemoveAll are pruned on the spot.
type SubscriptionStore struct {
	mu    sync.RWMutex
	root  *trieNode
	count int
	// byClient gives O(1) access to a client's subscriptions.
	byClient map[string]map[string]*storage.Subscription // clientID -> filter -> subscription
}

type trieNode struct {
	children map[string]*trieNode
	subs     map[string]*storage.Subscription // clientID -> subscription at this level
}

func newTrieNode() *trieNode {
	return &trieNode{
		children: make(map[string]*trieNode),
		subs:     make(map[string]*storage.Subscription),
	}
}

// NewSubscriptionStore creates a new in-memory subscription store.
func NewSubscriptionStore() *SubscriptionStore {
	return &SubscriptionStore{
		root:     newTrieNode(),
		byClient: make(map[string]map[string]*storage.Subscription),
	}
}

// Add adds or replaces the (clientID, filter) subscription.
func (s *SubscriptionStore) Add(sub *storage.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	isNew := true
	if clientSubs, ok := s.byClient[sub.ClientID]; ok {
		if _, exists := clientSubs[sub.Filter]; exists {
			isNew = false
		}
	}

	levels := strings.Split(sub.Filter, "/")
	node := s.root
	for _, level := range levels {
		child, ok := node.children[level]
		if !ok {
			child = newTrieNode()
			node.children[level] = child
		}
		node = child
	}

	subCopy := storage.CopySubscription(sub)
	node.subs[sub.ClientID] = subCopy

	if s.byClient[sub.ClientID] == nil {
		s.byClient[sub.ClientID] = make(map[string]*storage.Subscription)
	}
	s.byClient[sub.ClientID][sub.Filter] = subCopy

	if isNew {
		s.count++
	}
	return nil
}

// Remove removes a subscription. Unknown (clientID, filter) is a no-op.
func (s *SubscriptionStore) Remove(clientID, filter string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	clientSubs, ok := s.byClient[clientID]
	if !ok {
		return nil
	}
	if _, exists := clientSubs[filter]; !exists {
		return nil
	}

	s.removeFromTrie(s.root, strings.Split(filter, "/"), 0, clientID)

	delete(clientSubs, filter)
	if len(clientSubs) == 0 {
		delete(s.byClient, clientID)
	}
	s.count--
	return nil
}

// removeFromTrie deletes the client's entry at the filter's leaf and
// reports whether the node became empty so the parent can prune it.
func (s *SubscriptionStore) removeFromTrie(node *trieNode, levels []string, index int, clientID string) bool {
	if index == len(levels) {
		delete(node.subs, clientID)
	} else {
		child, ok := node.children[levels[index]]
		if ok && s.removeFromTrie(child, levels, index+1, clientID) {
			delete(node.children, levels[index])
		}
	}
	return len(node.subs) == 0 && len(node.children) == 0
}

// RemoveAll removes all subscriptions for a client.
func (s *SubscriptionStore) RemoveAll(clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	clientSubs, ok := s.byClient[clientID]
	if !ok {
		return nil
	}

	for filter := range clientSubs {
		s.removeFromTrie(s.root, strings.Split(filter, "/"), 0, clientID)
		s.count--
	}
	delete(s.byClient, clientID)
	return nil
}

// GetForClient returns all subscriptions for a client.
func (s *SubscriptionStore) GetForClient(clientID string) ([]*storage.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	clientSubs, ok := s.byClient[clientID]
	if !ok {
		return nil, nil
	}

	result := make([]*storage.Subscription, 0, len(clientSubs))
	for _, sub := range clientSubs {
		result = append(result, storage.CopySubscription(sub))
	}
	return result, nil
}

// Match returns all subscriptions matching a topic, one entry per
// (clientID, filter) pair. Filters starting with a wildcard never match
// topics whose first level starts with '$'.
func (s *SubscriptionStore) Match(topic string) ([]*storage.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	levels := strings.Split(topic, "/")
	system := strings.HasPrefix(topic, "$")

	var matched []*storage.Subscription
	s.matchLevel(s.root, levels, 0, system, &matched)
	return matched, nil
}

func (s *SubscriptionStore) matchLevel(node *trieNode, levels []string, index int, system bool, matched *[]*storage.Subscription) {
	if index == len(levels) {
		for _, sub := range node.subs {
			*matched = append(*matched, storage.CopySubscription(sub))
		}
		// A trailing '#' also covers the parent level.
		if wild, ok := node.children["#"]; ok {
			for _, sub := range wild.subs {
				*matched = append(*matched, storage.CopySubscription(sub))
			}
		}
		return
	}

	// Root-level wildcards are excluded for '$' topics.
	skipWildcards := system && index == 0

	if child, ok := node.children[levels[index]]; ok {
		s.matchLevel(child, levels, index+1, system, matched)
	}

	if skipWildcards {
		return
	}

	if child, ok := node.children["+"]; ok {
		s.matchLevel(child, levels, index+1, system, matched)
	}

	if child, ok := node.children["#"]; ok {
		for _, sub := range child.subs {
			*matched = append(*matched, storage.CopySubscription(sub))
		}
	}
}

// Count returns total subscription count.
func (s *SubscriptionStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.count
}

// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package router

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clientIDs(subs []Subscriber) []string {
	ids := make([]string, 0, len(subs))
	for _, s := range subs {
		ids = append(ids, s.ClientID)
	}
	return ids
}

func TestMatchExactAndWildcards(t *testing.T) {
	r := NewTrieRouter()
	r.Subscribe("sport/tennis", Subscriber{ClientID: "exact"})
	r.Subscribe("sport/+", Subscriber{ClientID: "plus"})
	r.Subscribe("sport/#", Subscriber{ClientID: "hash"})
	r.Subscribe("news/#", Subscriber{ClientID: "other"})

	subs := r.Match("sport/tennis")
	assert.ElementsMatch(t, []string{"exact", "plus", "hash"}, clientIDs(subs))
	r.ReleaseMatches(subs)
}

func TestMatchHashCoversParent(t *testing.T) {
	r := NewTrieRouter()
	r.Subscribe("sport/#", Subscriber{ClientID: "hash"})

	subs := r.Match("sport")
	assert.Equal(t, []string{"hash"}, clientIDs(subs))
}

func TestMatchSystemTopics(t *testing.T) {
	r := NewTrieRouter()
	r.Subscribe("#", Subscriber{ClientID: "all"})
	r.Subscribe("+/broker", Subscriber{ClientID: "plus"})
	r.Subscribe("$SYS/#", Subscriber{ClientID: "sys"})

	// Wildcards at the first level never see $-topics.
	subs := r.Match("$SYS/broker")
	assert.Equal(t, []string{"sys"}, clientIDs(subs))

	subs = r.Match("normal/broker")
	assert.ElementsMatch(t, []string{"all", "plus"}, clientIDs(subs))
}

func TestResubscribeReplaces(t *testing.T) {
	r := NewTrieRouter()
	r.Subscribe("a/b", Subscriber{ClientID: "c1", QoS: 0})
	r.Subscribe("a/b", Subscriber{ClientID: "c1", QoS: 2})

	subs := r.Match("a/b")
	require.Len(t, subs, 1)
	assert.Equal(t, byte(2), subs[0].QoS)
	assert.Equal(t, 1, r.Count())
}

func TestUnsubscribePrunes(t *testing.T) {
	r := NewTrieRouter()
	r.Subscribe("a/b/c", Subscriber{ClientID: "c1"})
	r.Subscribe("a/x", Subscriber{ClientID: "c2"})

	assert.True(t, r.Unsubscribe("a/b/c", "c1"))
	assert.False(t, r.Unsubscribe("a/b/c", "c1"))
	assert.Equal(t, 1, r.Count())

	// The a/b branch is gone, a/x survives.
	_, ok := r.root.children["a"].children["b"]
	assert.False(t, ok)
	_, ok = r.root.children["a"].children["x"]
	assert.True(t, ok)

	assert.Empty(t, r.Match("a/b/c"))
	assert.Len(t, r.Match("a/x"), 1)
}

func TestUnsubscribeKeepsSharedPrefix(t *testing.T) {
	r := NewTrieRouter()
	r.Subscribe("a/b", Subscriber{ClientID: "c1"})
	r.Subscribe("a/b/c", Subscriber{ClientID: "c2"})

	require.True(t, r.Unsubscribe("a/b/c", "c2"))
	assert.Len(t, r.Match("a/b"), 1)
}

func TestOverlappingFiltersYieldOneEntryEach(t *testing.T) {
	r := NewTrieRouter()
	r.Subscribe("a/#", Subscriber{ClientID: "c1", QoS: 0})
	r.Subscribe("a/+", Subscriber{ClientID: "c1", QoS: 1})

	subs := r.Match("a/b")
	assert.Len(t, subs, 2)
}

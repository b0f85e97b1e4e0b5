// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package router

import "sync"

// subscriberSlicePool recycles match result slices. Routing runs on
// every publish, so the allocations add up quickly without it.
var subscriberSlicePool = sync.Pool{
	New: func() any {
		s := make([]Subscriber, 0, 8)
		return &s
	},
}

func getSubscriberSlice() []Subscriber {
	return (*subscriberSlicePool.Get().(*[]Subscriber))[:0]
}

func putSubscriberSlice(s []Subscriber) {
	if cap(s) > 1024 {
		return
	}
	s = s[:0]
	subscriberSlicePool.Put(&s)
}

// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"hash/fnv"
	"sync"
)

const keyLockShards = 128

// keyLock serializes connect, takeover and destroy for one client ID
// without a global lock. Different client IDs may share a shard; that
// only costs contention, never correctness.
type keyLock struct {
	locks [keyLockShards]sync.Mutex
}

// lock acquires the shard for the key and returns its unlock func.
func (k *keyLock) lock(key string) func() {
	h := fnv.New32a()
	h.Write([]byte(key))
	m := &k.locks[h.Sum32()%keyLockShards]
	m.Lock()
	return m.Unlock
}

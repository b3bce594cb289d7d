// Package syncutil provides keyed locking primitives.
package syncutil

import (
	"context"
	"hash/fnv"
)

// keyLockShards is the fixed number of lock shards. Distinct keys may
// share a shard; that costs contention, never correctness.
const keyLockShards = 256

// ContextShardedMutex is a pool of channel-based mutexes keyed by string.
// Acquisition waits on the caller's context, so a waiter whose deadline
// expires gives up instead of queueing behind the current holder.
type ContextShardedMutex struct {
	shards []chan struct{}
}

// NewContextShardedMutex returns a sharded mutex with every shard unlocked.
func NewContextShardedMutex() *ContextShardedMutex {
	m := &ContextShardedMutex{shards: make([]chan struct{}, keyLockShards)}
	for i := range m.shards {
		ch := make(chan struct{}, 1)
		ch <- struct{}{}
		m.shards[i] = ch
	}
	return m
}

// LockContext acquires the shard for key. On success it returns an unlock
// function the caller must invoke exactly once. If the context is done
// before the lock is acquired, it returns the context's error instead.
func (m *ContextShardedMutex) LockContext(ctx context.Context, key string) (func(), error) {
	ch := m.shards[shardFor(key)]
	select {
	case <-ch:
		return func() { ch <- struct{}{} }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func shardFor(key string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(key))
	return h.Sum32() % keyLockShards
}

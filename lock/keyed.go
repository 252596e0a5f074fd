/*
Package lock provides stock.Locker implementations.

  Keyed:  in-process, one channel per key. Enough for a single server.
  Redis:  SET NX PX per key with a random token. For several servers
          sharing one database.

Both take keys in the order given. stock.LockKeys sorts them, so two
entries touching the same pairs always lock in the same order.
*/
package lock

import (
	"context"
	"sync"
)

// Keyed is an in-process per-key lock.
type Keyed struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ch   chan struct{}
	refs int
}

func NewKeyed() *Keyed {
	return &Keyed{slots: make(map[string]*slot)}
}

// Acquire blocks until every key is held or ctx is done. On failure the
// keys already taken are released.
func (k *Keyed) Acquire(ctx context.Context, keys []string) (func(), error) {
	held := make([]string, 0, len(keys))
	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			k.unlock(held[i])
		}
	}

	for _, key := range keys {
		s := k.ref(key)
		select {
		case s.ch <- struct{}{}:
			held = append(held, key)
		case <-ctx.Done():
			k.unref(key)
			release()
			return nil, ctx.Err()
		}
	}

	var once sync.Once
	return func() { once.Do(release) }, nil
}

func (k *Keyed) ref(key string) *slot {
	k.mu.Lock()
	defer k.mu.Unlock()
	s, ok := k.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		k.slots[key] = s
	}
	s.refs++
	return s
}

func (k *Keyed) unref(key string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	s := k.slots[key]
	s.refs--
	if s.refs == 0 {
		delete(k.slots, key)
	}
}

func (k *Keyed) unlock(key string) {
	k.mu.Lock()
	s := k.slots[key]
	k.mu.Unlock()
	<-s.ch
	k.unref(key)
}

// Package ratelimit wraps golang.org/x/time/rate with an injectable clock so
// limits can be exercised deterministically.
package ratelimit

import (
	"container/list"
	"sync"

	"golang.org/x/time/rate"

	"github.com/wilsonzlin/aero/proxy/session-relay/internal/clock"
)

// MessageLimiter bounds inbound frames on one participant connection. The
// burst equals the per-second rate, so a full second's allowance may arrive
// at once.
type MessageLimiter struct {
	clock clock.Clock
	lim   *rate.Limiter
}

// NewMessageLimiter returns a limiter admitting perSecond messages per second.
// perSecond <= 0 disables limiting.
func NewMessageLimiter(c clock.Clock, perSecond int) *MessageLimiter {
	if perSecond <= 0 {
		return &MessageLimiter{clock: clock.Or(c), lim: rate.NewLimiter(rate.Inf, 0)}
	}
	return &MessageLimiter{clock: clock.Or(c), lim: rate.NewLimiter(rate.Limit(perSecond), perSecond)}
}

func (l *MessageLimiter) Allow() bool {
	return l.lim.AllowN(l.clock.Now(), 1)
}

// KeyedLimiter keeps one token bucket per key (e.g. client IP). At most
// maxKeys buckets are retained; the least recently used one is evicted.
type KeyedLimiter struct {
	clock   clock.Clock
	limit   rate.Limit
	burst   int
	maxKeys int

	mu      sync.Mutex
	buckets map[string]*list.Element
	lru     *list.List

	onEvict func()
}

type keyedEntry struct {
	key string
	lim *rate.Limiter
}

// NewKeyedLimiter admits perMinute events per key per minute with the given
// burst. onEvict, if set, is called for every evicted bucket.
func NewKeyedLimiter(c clock.Clock, perMinute, burst, maxKeys int, onEvict func()) *KeyedLimiter {
	if burst <= 0 {
		burst = 1
	}
	if maxKeys <= 0 {
		maxKeys = 1024
	}
	limit := rate.Inf
	if perMinute > 0 {
		limit = rate.Limit(float64(perMinute) / 60)
	}
	return &KeyedLimiter{
		clock:   clock.Or(c),
		limit:   limit,
		burst:   burst,
		maxKeys: maxKeys,
		buckets: make(map[string]*list.Element),
		lru:     list.New(),
		onEvict: onEvict,
	}
}

func (k *KeyedLimiter) Allow(key string) bool {
	now := k.clock.Now()

	k.mu.Lock()
	defer k.mu.Unlock()

	if el, ok := k.buckets[key]; ok {
		k.lru.MoveToFront(el)
		return el.Value.(*keyedEntry).lim.AllowN(now, 1)
	}

	for k.lru.Len() >= k.maxKeys {
		oldest := k.lru.Back()
		k.lru.Remove(oldest)
		delete(k.buckets, oldest.Value.(*keyedEntry).key)
		if k.onEvict != nil {
			k.onEvict()
		}
	}
	e := &keyedEntry{key: key, lim: rate.NewLimiter(k.limit, k.burst)}
	k.buckets[key] = k.lru.PushFront(e)
	return e.lim.AllowN(now, 1)
}

// Len reports the number of retained buckets.
func (k *KeyedLimiter) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.lru.Len()
}

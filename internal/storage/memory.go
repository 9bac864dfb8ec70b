package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Memory is an in-process implementation of Client and PubSub. It backs
// tests and Redis-less development runs. TTLs are honored lazily on read.
type Memory struct {
	mu sync.Mutex

	kv      map[string]memVal
	sets    map[string]map[string]struct{}
	zsets   map[string]map[string]float64
	subs    map[string][]chan []byte
	counter map[string]int64

	// Now is the clock used for TTL expiry. Tests may replace it.
	Now func() time.Time
}

type memVal struct {
	data      []byte
	expiresAt time.Time // zero = no expiry
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		kv:      make(map[string]memVal),
		sets:    make(map[string]map[string]struct{}),
		zsets:   make(map[string]map[string]float64),
		subs:    make(map[string][]chan []byte),
		counter: make(map[string]int64),
		Now:     time.Now,
	}
}

func (m *Memory) expired(v memVal) bool {
	return !v.expiresAt.IsZero() && m.Now().After(v.expiresAt)
}

func (m *Memory) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v := memVal{data: append([]byte(nil), value...)}
	if ttl > 0 {
		v.expiresAt = m.Now().Add(ttl)
	}
	m.kv[key] = v
	return nil
}

func (m *Memory) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.kv[key]
	if !ok || m.expired(v) {
		delete(m.kv, key)
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return append([]byte(nil), v.data...), nil
}

func (m *Memory) Del(ctx context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.kv, k)
		delete(m.sets, k)
		delete(m.zsets, k)
	}
	return nil
}

func (m *Memory) Exists(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok := m.kv[key]; ok && !m.expired(v) {
		return true, nil
	}
	if s, ok := m.sets[key]; ok && len(s) > 0 {
		return true, nil
	}
	if z, ok := m.zsets[key]; ok && len(z) > 0 {
		return true, nil
	}
	return false, nil
}

func (m *Memory) Incr(ctx context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counter[key]++
	return m.counter[key], nil
}

func (m *Memory) SAdd(ctx context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sets[key]
	if !ok {
		s = make(map[string]struct{})
		m.sets[key] = s
	}
	for _, mem := range members {
		s[mem] = struct{}{}
	}
	return nil
}

func (m *Memory) SRem(ctx context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.sets[key]
	for _, mem := range members {
		delete(s, mem)
	}
	return nil
}

func (m *Memory) SMembers(ctx context.Context, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.sets[key]
	out := make([]string, 0, len(s))
	for mem := range s {
		out = append(out, mem)
	}
	sort.Strings(out)
	return out, nil
}

func (m *Memory) ZAdd(ctx context.Context, key string, score float64, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	z, ok := m.zsets[key]
	if !ok {
		z = make(map[string]float64)
		m.zsets[key] = z
	}
	z[member] = score
	return nil
}

func (m *Memory) ZScore(ctx context.Context, key, member string) (float64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	score, ok := m.zsets[key][member]
	return score, ok, nil
}

func (m *Memory) ZRem(ctx context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	z := m.zsets[key]
	for _, mem := range members {
		delete(z, mem)
	}
	return nil
}

func (m *Memory) ZRangeWithScores(ctx context.Context, key string) ([]ZMember, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	z := m.zsets[key]
	out := make([]ZMember, 0, len(z))
	for mem, score := range z {
		out = append(out, ZMember{Member: mem, Score: score})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score < out[j].Score
		}
		return out[i].Member < out[j].Member
	})
	return out, nil
}

func (m *Memory) Publish(ctx context.Context, channel string, message []byte) error {
	m.mu.Lock()
	chans := append([]chan []byte(nil), m.subs[channel]...)
	m.mu.Unlock()

	msg := append([]byte(nil), message...)
	for _, ch := range chans {
		ch <- msg
	}
	return nil
}

func (m *Memory) Subscribe(ctx context.Context, channel string, handler func([]byte)) (func(), error) {
	ch := make(chan []byte, 64)
	m.mu.Lock()
	m.subs[channel] = append(m.subs[channel], ch)
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					return
				}
				handler(msg)
			case <-done:
				return
			}
		}
	}()

	unsub := func() {
		m.mu.Lock()
		chans := m.subs[channel]
		for i, c := range chans {
			if c == ch {
				m.subs[channel] = append(chans[:i], chans[i+1:]...)
				break
			}
		}
		m.mu.Unlock()
		close(done)
	}
	return unsub, nil
}

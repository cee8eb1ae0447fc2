package kv

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/loomworks/loom/errors"
)

// Memory is an in-process Client used by tests and single-node
// development. Expiry is enforced lazily on access. The clock is
// injectable so window and lease tests do not sleep.
type Memory struct {
	mu      sync.Mutex
	values  map[string]string
	hashes  map[string]map[string]string
	lists   map[string][]string
	expires map[string]time.Time
	timeNow func() time.Time
}

var _ Client = (*Memory)(nil)

// NewMemory creates an in-memory client with the real clock.
func NewMemory() *Memory {
	return NewMemoryWithClock(time.Now)
}

// NewMemoryWithClock creates an in-memory client with an injectable
// clock for testing.
func NewMemoryWithClock(timeNow func() time.Time) *Memory {
	return &Memory{
		values:  make(map[string]string),
		hashes:  make(map[string]map[string]string),
		lists:   make(map[string][]string),
		expires: make(map[string]time.Time),
		timeNow: timeNow,
	}
}

// SetClock swaps the clock. Intended for tests that advance time.
func (m *Memory) SetClock(timeNow func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.timeNow = timeNow
}

// expireLocked drops the key if its TTL has elapsed. Caller holds mu.
func (m *Memory) expireLocked(key string) {
	if deadline, ok := m.expires[key]; ok && !m.timeNow().Before(deadline) {
		delete(m.values, key)
		delete(m.hashes, key)
		delete(m.lists, key)
		delete(m.expires, key)
	}
}

func (m *Memory) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(key)

	val, ok := m.values[key]
	if !ok {
		return "", errors.Wrapf(errors.ErrNotFound, "key %s", key)
	}
	return val, nil
}

func (m *Memory) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.values[key] = value
	if ttl > 0 {
		m.expires[key] = m.timeNow().Add(ttl)
	} else {
		delete(m.expires, key)
	}
	return nil
}

func (m *Memory) Del(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, key := range keys {
		delete(m.values, key)
		delete(m.hashes, key)
		delete(m.lists, key)
		delete(m.expires, key)
	}
	return nil
}

func (m *Memory) Incr(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(key)

	n := int64(0)
	if cur, ok := m.values[key]; ok {
		parsed, err := strconv.ParseInt(cur, 10, 64)
		if err != nil {
			return 0, errors.Newf("value at %s is not an integer", key)
		}
		n = parsed
	}
	n++
	m.values[key] = strconv.FormatInt(n, 10)
	return n, nil
}

func (m *Memory) Expire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(key)

	if !m.existsLocked(key) {
		return false, nil
	}
	m.expires[key] = m.timeNow().Add(ttl)
	return true, nil
}

func (m *Memory) HIncrBy(_ context.Context, key, field string, incr int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(key)

	h, ok := m.hashes[key]
	if !ok {
		h = make(map[string]string)
		m.hashes[key] = h
	}
	n := int64(0)
	if cur, ok := h[field]; ok {
		parsed, err := strconv.ParseInt(cur, 10, 64)
		if err != nil {
			return 0, errors.Newf("hash field %s.%s is not an integer", key, field)
		}
		n = parsed
	}
	n += incr
	h[field] = strconv.FormatInt(n, 10)
	return n, nil
}

func (m *Memory) HGetAll(_ context.Context, key string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(key)

	out := make(map[string]string, len(m.hashes[key]))
	for k, v := range m.hashes[key] {
		out[k] = v
	}
	return out, nil
}

func (m *Memory) LPush(_ context.Context, key string, values ...string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(key)

	list := m.lists[key]
	for _, v := range values {
		list = append([]string{v}, list...)
	}
	m.lists[key] = list
	return int64(len(list)), nil
}

func (m *Memory) LRange(_ context.Context, key string, start, stop int64) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(key)

	list := m.lists[key]
	lo, hi, ok := normalizeRange(start, stop, int64(len(list)))
	if !ok {
		return nil, nil
	}
	out := make([]string, hi-lo+1)
	copy(out, list[lo:hi+1])
	return out, nil
}

func (m *Memory) LTrim(_ context.Context, key string, start, stop int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(key)

	list := m.lists[key]
	lo, hi, ok := normalizeRange(start, stop, int64(len(list)))
	if !ok {
		delete(m.lists, key)
		return nil
	}
	m.lists[key] = append([]string(nil), list[lo:hi+1]...)
	return nil
}

func (m *Memory) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(key)

	if _, ok := m.values[key]; ok {
		return false, nil
	}
	m.values[key] = value
	if ttl > 0 {
		m.expires[key] = m.timeNow().Add(ttl)
	}
	return true, nil
}

func (m *Memory) CompareAndDelete(_ context.Context, key, expected string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(key)

	cur, ok := m.values[key]
	if !ok || cur != expected {
		return false, nil
	}
	delete(m.values, key)
	delete(m.expires, key)
	return true, nil
}

func (m *Memory) Close() error { return nil }

func (m *Memory) existsLocked(key string) bool {
	if _, ok := m.values[key]; ok {
		return true
	}
	if _, ok := m.hashes[key]; ok {
		return true
	}
	if _, ok := m.lists[key]; ok {
		return true
	}
	return false
}

// normalizeRange converts Redis-style [start, stop] with negative
// indexes into a concrete [lo, hi] slice window. ok is false when the
// window is empty.
func normalizeRange(start, stop, length int64) (lo, hi int64, ok bool) {
	if length == 0 {
		return 0, 0, false
	}
	if start < 0 {
		start = length + start
	}
	if stop < 0 {
		stop = length + stop
	}
	if start < 0 {
		start = 0
	}
	if stop >= length {
		stop = length - 1
	}
	if start > stop || start >= length || stop < 0 {
		return 0, 0, false
	}
	return start, stop, true
}

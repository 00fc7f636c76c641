package redisstream

import (
	"context"
	"fmt"
	"sync"
	"time"
)

type fakePending struct {
	consumer  string
	delivered time.Time
	count     int64
}

type fakeStream struct {
	entries []Entry
	next    int
	order   []string
	pending map[string]*fakePending
	deleted map[string]bool
}

// fakeRedis is an in-memory consumer-group stream store with a single group.
type fakeRedis struct {
	mu      sync.Mutex
	streams map[string]*fakeStream
	acked   []string
	maxLens []int64
	closes  int
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{streams: make(map[string]*fakeStream)}
}

func (f *fakeRedis) stream(name string) *fakeStream {
	s, ok := f.streams[name]
	if !ok {
		s = &fakeStream{pending: make(map[string]*fakePending), deleted: make(map[string]bool)}
		f.streams[name] = s
	}
	return s
}

func (f *fakeRedis) EnsureGroup(_ context.Context, stream, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stream(stream)
	return nil
}

func (f *fakeRedis) ReadGroup(_ context.Context, stream, _, consumer string, count int64) ([]Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.readLocked(stream, consumer, count), nil
}

func (f *fakeRedis) readLocked(stream, consumer string, count int64) []Entry {
	s := f.stream(stream)
	var out []Entry
	for s.next < len(s.entries) && int64(len(out)) < count {
		e := s.entries[s.next]
		s.next++
		s.pending[e.ID] = &fakePending{consumer: consumer, delivered: time.Now(), count: 1}
		s.order = append(s.order, e.ID)
		out = append(out, e)
	}
	return out
}

func (f *fakeRedis) Pending(_ context.Context, stream, _ string, count int64) ([]PendingEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.stream(stream)
	var out []PendingEntry
	for _, id := range s.order {
		p, ok := s.pending[id]
		if !ok {
			continue
		}
		out = append(out, PendingEntry{ID: id, Consumer: p.consumer, Idle: time.Since(p.delivered), RetryCount: p.count})
		if int64(len(out)) == count {
			break
		}
	}
	return out, nil
}

func (f *fakeRedis) Claim(_ context.Context, stream, _, consumer string, minIdle time.Duration, ids ...string) ([]Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.stream(stream)
	var out []Entry
	for _, id := range ids {
		p, ok := s.pending[id]
		if !ok || time.Since(p.delivered) < minIdle {
			continue
		}
		p.consumer = consumer
		p.delivered = time.Now()
		p.count++
		if s.deleted[id] {
			out = append(out, Entry{ID: id})
			continue
		}
		for _, e := range s.entries {
			if e.ID == id {
				out = append(out, e)
			}
		}
	}
	return out, nil
}

func (f *fakeRedis) Ack(_ context.Context, stream, _ string, ids ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.stream(stream)
	for _, id := range ids {
		if _, ok := s.pending[id]; ok {
			delete(s.pending, id)
			f.acked = append(f.acked, id)
		}
	}
	return nil
}

func (f *fakeRedis) Add(_ context.Context, stream string, maxLen int64, values map[string]any) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.stream(stream)
	id := fmt.Sprintf("%d-0", len(s.entries)+1)
	s.entries = append(s.entries, Entry{ID: id, Values: values})
	f.maxLens = append(f.maxLens, maxLen)
	return id, nil
}

func (f *fakeRedis) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	return nil
}

// deliverTo hands the next entries to another consumer, as if it crashed
// before acknowledging them.
func (f *fakeRedis) deliverTo(stream, consumer string, count int64) []Entry {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.readLocked(stream, consumer, count)
}

func (f *fakeRedis) deleteEntry(stream, id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stream(stream).deleted[id] = true
}

func (f *fakeRedis) pendingCount(stream string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.stream(stream).pending)
}

func (f *fakeRedis) isAcked(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, acked := range f.acked {
		if acked == id {
			return true
		}
	}
	return false
}

package broker

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Memory is an in-process Queue with the same at-least-once semantics as the
// redis implementation, for tests and local development without redis.
type Memory struct {
	visibility time.Duration

	sync.Mutex
	topics map[string]*memTopic
	nextID int64
	closed bool

	// now can be overridden in tests to advance the visibility clock.
	now func() time.Time
}

type memTopic struct {
	entries []*memEntry
	groups  map[string]map[string]*memPending // Group name to entry id to pending state.
	cursors map[string]int                    // Per group, index of the next new entry.
}

type memEntry struct {
	id   string
	body []byte
}

type memPending struct {
	entry      *memEntry
	delivered  time.Time
	deliveries int64
}

var _ Queue = (*Memory)(nil)

// NewMemory returns an empty in-process queue with the given visibility
// timeout.
func NewMemory(visibility time.Duration) *Memory {
	return &Memory{
		visibility: visibility,
		topics:     map[string]*memTopic{},
		now:        time.Now,
	}
}

// SetNow replaces the clock, letting tests expire visibility timeouts without
// sleeping.
func (m *Memory) SetNow(now func() time.Time) {
	m.Lock()
	defer m.Unlock()
	m.now = now
}

func (m *Memory) topic(name string) *memTopic {
	t := m.topics[name]
	if t == nil {
		t = &memTopic{
			groups:  map[string]map[string]*memPending{},
			cursors: map[string]int{},
		}
		m.topics[name] = t
	}
	return t
}

func (m *Memory) Publish(ctx context.Context, topic string, body []byte) (string, error) {
	m.Lock()
	defer m.Unlock()
	if m.closed {
		return "", fmt.Errorf("queue closed")
	}
	m.nextID++
	e := &memEntry{id: fmt.Sprintf("%d-0", m.nextID), body: append([]byte{}, body...)}
	m.topic(topic).entries = append(m.topic(topic).entries, e)
	return e.id, nil
}

func (m *Memory) Consume(ctx context.Context, topic, group, consumer string, max int, block time.Duration) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.Lock()
	defer m.Unlock()
	if m.closed {
		return nil, fmt.Errorf("queue closed")
	}
	t := m.topic(topic)
	pending := t.groups[group]
	if pending == nil {
		pending = map[string]*memPending{}
		t.groups[group] = pending
	}

	now := m.now()
	var msgs []Message

	// Redeliver entries past the visibility timeout first.
	for _, p := range pending {
		if len(msgs) >= max {
			break
		}
		if now.Sub(p.delivered) >= m.visibility {
			p.delivered = now
			p.deliveries++
			msgs = append(msgs, Message{ID: p.entry.id, Topic: topic, Body: p.entry.body, Deliveries: p.deliveries})
		}
	}

	// Then new entries.
	for t.cursors[group] < len(t.entries) && len(msgs) < max {
		e := t.entries[t.cursors[group]]
		t.cursors[group]++
		p := &memPending{entry: e, delivered: now, deliveries: 1}
		pending[e.id] = p
		msgs = append(msgs, Message{ID: e.id, Topic: topic, Body: e.body, Deliveries: 1})
	}
	return msgs, nil
}

func (m *Memory) Ack(ctx context.Context, topic, group string, ids ...string) error {
	m.Lock()
	defer m.Unlock()
	pending := m.topic(topic).groups[group]
	for _, id := range ids {
		delete(pending, id)
	}
	return nil
}

func (m *Memory) Close() error {
	m.Lock()
	defer m.Unlock()
	m.closed = true
	return nil
}

// Depth returns the number of entries not yet consumed as new by the group,
// for tests asserting nothing was published.
func (m *Memory) Depth(topic, group string) int {
	m.Lock()
	defer m.Unlock()
	t := m.topic(topic)
	return len(t.entries) - t.cursors[group]
}

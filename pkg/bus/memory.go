package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"go.uber.org/atomic"
)

// partition is one topic's append-only log. Appends are serialized by the
// partition lock (single-writer discipline); reads take the read lock and
// copy out. Offsets are dense starting at 1, so the message with offset o
// lives at log[o-1].
type partition struct {
	mtx       sync.RWMutex
	offsetGen int64
	log       []Message
}

func (p *partition) append(msgs []Message) []Message {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	out := make([]Message, 0, len(msgs))
	for _, msg := range msgs {
		p.offsetGen++
		msg.Offset = p.offsetGen
		if msg.Timestamp.IsZero() {
			msg.Timestamp = time.Now().UTC()
		}
		p.log = append(p.log, msg)
		out = append(out, msg)
	}
	return out
}

// readAfter returns up to max messages with offset > after.
func (p *partition) readAfter(after int64, max int) []Message {
	p.mtx.RLock()
	defer p.mtx.RUnlock()

	if after < 0 {
		after = 0
	}
	if after >= p.offsetGen || max <= 0 {
		return nil
	}

	start := int(after)
	end := start + max
	if end > len(p.log) {
		end = len(p.log)
	}

	out := make([]Message, end-start)
	copy(out, p.log[start:end])
	return out
}

func (p *partition) len() int64 {
	p.mtx.RLock()
	defer p.mtx.RUnlock()
	return p.offsetGen
}

// groupState tracks one consumer group: its subscriptions in subscription
// order, committed offsets, and a round-robin cursor for poll fairness.
type groupState struct {
	mtx       sync.Mutex
	topics    []string
	committed map[string]int64
	rrNext    int
}

// MemoryBroker is the in-process broker. The partition log is retained for
// the life of the process, so it never lags a live group's committed offset.
type MemoryBroker struct {
	logger log.Logger

	mtx        sync.RWMutex
	partitions map[string]*partition
	groups     map[string]*groupState

	published atomic.Int64
}

var _ Broker = (*MemoryBroker)(nil)

func NewMemoryBroker(logger log.Logger) *MemoryBroker {
	return &MemoryBroker{
		logger:     log.With(logger, "component", "broker"),
		partitions: map[string]*partition{},
		groups:     map[string]*groupState{},
	}
}

func (b *MemoryBroker) Publish(_ context.Context, msg Message) (Message, error) {
	if msg.Topic == "" {
		return Message{}, ErrEmptyTopic
	}

	out := b.partitionFor(msg.Topic).append([]Message{msg})
	b.published.Inc()
	metricPublishedMessages.WithLabelValues(msg.Topic).Inc()
	return out[0], nil
}

func (b *MemoryBroker) PublishBatch(_ context.Context, msgs []Message) ([]Message, error) {
	if len(msgs) == 0 {
		return []Message{}, nil
	}

	// Group messages by topic, preserving input order within each topic, so
	// same-topic messages are appended contiguously under one lock
	// acquisition.
	topicOrder := make([]string, 0, 1)
	byTopic := map[string][]int{}
	for i, msg := range msgs {
		if msg.Topic == "" {
			return nil, ErrEmptyTopic
		}
		if _, ok := byTopic[msg.Topic]; !ok {
			topicOrder = append(topicOrder, msg.Topic)
		}
		byTopic[msg.Topic] = append(byTopic[msg.Topic], i)
	}

	out := make([]Message, len(msgs))
	for _, topic := range topicOrder {
		idxs := byTopic[topic]
		in := make([]Message, 0, len(idxs))
		for _, i := range idxs {
			in = append(in, msgs[i])
		}
		appended := b.partitionFor(topic).append(in)
		for j, i := range idxs {
			out[i] = appended[j]
		}
		metricPublishedMessages.WithLabelValues(topic).Add(float64(len(idxs)))
	}

	b.published.Add(int64(len(msgs)))
	return out, nil
}

func (b *MemoryBroker) Subscribe(groupID string, topics ...string) error {
	if groupID == "" {
		return fmt.Errorf("consumer group id must not be empty")
	}
	if len(topics) == 0 {
		return fmt.Errorf("consumer group %q must subscribe to at least one topic", groupID)
	}
	for _, t := range topics {
		if t == "" {
			return ErrEmptyTopic
		}
	}

	b.mtx.Lock()
	g, ok := b.groups[groupID]
	if !ok {
		g = &groupState{committed: map[string]int64{}}
		b.groups[groupID] = g
	}
	b.mtx.Unlock()

	g.mtx.Lock()
	defer g.mtx.Unlock()
	for _, t := range topics {
		if _, ok := g.committed[t]; ok {
			continue
		}
		g.topics = append(g.topics, t)
		g.committed[t] = 0
	}

	level.Debug(b.logger).Log("msg", "group subscribed", "group", groupID, "topics", len(g.topics))
	return nil
}

func (b *MemoryBroker) Poll(_ context.Context, groupID string, maxMessages int) (MessageBatch, error) {
	g, err := b.group(groupID)
	if err != nil {
		return MessageBatch{}, err
	}
	if maxMessages <= 0 {
		return newMessageBatch("", groupID, 0, nil), nil
	}

	g.mtx.Lock()
	defer g.mtx.Unlock()

	// Round-robin over the group's topics starting at the cursor; take the
	// first topic with uncommitted messages.
	for i := 0; i < len(g.topics); i++ {
		idx := (g.rrNext + i) % len(g.topics)
		topic := g.topics[idx]

		p := b.lookupPartition(topic)
		if p == nil {
			continue
		}

		msgs := p.readAfter(g.committed[topic], maxMessages)
		if len(msgs) == 0 {
			continue
		}

		g.rrNext = (idx + 1) % len(g.topics)
		return newMessageBatch(topic, groupID, 0, msgs), nil
	}

	return newMessageBatch("", groupID, 0, nil), nil
}

func (b *MemoryBroker) Commit(_ context.Context, groupID, topic string, offset int64) error {
	g, err := b.group(groupID)
	if err != nil {
		return err
	}

	g.mtx.Lock()
	defer g.mtx.Unlock()

	current, ok := g.committed[topic]
	if !ok {
		return fmt.Errorf("consumer group %q is not subscribed to topic %q", groupID, topic)
	}
	if offset > current {
		g.committed[topic] = offset
	}
	return nil
}

func (b *MemoryBroker) Stats() BrokerStats {
	b.mtx.RLock()
	defer b.mtx.RUnlock()

	stats := BrokerStats{
		Topics:        len(b.partitions),
		Groups:        len(b.groups),
		TotalMessages: b.published.Load(),
		TopicMessages: make(map[string]int64, len(b.partitions)),
		GroupOffsets:  make(map[string]map[string]int64, len(b.groups)),
	}
	for topic, p := range b.partitions {
		stats.TopicMessages[topic] = p.len()
	}
	for id, g := range b.groups {
		g.mtx.Lock()
		committed := make(map[string]int64, len(g.committed))
		for t, o := range g.committed {
			committed[t] = o
		}
		g.mtx.Unlock()
		stats.GroupOffsets[id] = committed
	}
	return stats
}

func (b *MemoryBroker) partitionFor(topic string) *partition {
	b.mtx.RLock()
	p, ok := b.partitions[topic]
	b.mtx.RUnlock()
	if ok {
		return p
	}

	b.mtx.Lock()
	defer b.mtx.Unlock()
	if p, ok = b.partitions[topic]; ok {
		return p
	}
	p = &partition{}
	b.partitions[topic] = p
	return p
}

func (b *MemoryBroker) lookupPartition(topic string) *partition {
	b.mtx.RLock()
	defer b.mtx.RUnlock()
	return b.partitions[topic]
}

func (b *MemoryBroker) group(groupID string) (*groupState, error) {
	b.mtx.RLock()
	defer b.mtx.RUnlock()
	g, ok := b.groups[groupID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownGroup, groupID)
	}
	return g, nil
}

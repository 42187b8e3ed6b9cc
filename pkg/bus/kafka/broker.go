package kafka

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/grafana/dskit/multierror"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kotel"
	"github.com/twmb/franz-go/plugin/kprom"
	"go.opentelemetry.io/otel"

	"github.com/catalogkit/conveyor/pkg/bus"
)

// Record headers that carry message identity across the wire. Everything else
// in a record's header list belongs to the message itself.
const (
	recordHeaderID        = "bus-message-id"
	recordHeaderEventType = "bus-event-type"
)

// Broker adapts the bus contract onto a Kafka cluster. One shared client
// produces; each subscribed group gets its own consuming client pinned to the
// configured partition at the group's committed offset, so the offset
// arithmetic stays identical to the in-process broker: bus offsets are
// 1-based, and a committed bus offset N is Kafka's next-to-consume offset N.
//
// Stats reports this process's view: messages it produced and the offsets its
// groups committed.
type Broker struct {
	cfg    Config
	logger log.Logger
	reg    prometheus.Registerer

	producer *kgo.Client
	adm      *kadm.Client

	mtx      sync.Mutex
	readers  map[string]*reader
	produced map[string]int64
	closed   bool
}

var _ bus.Broker = (*Broker)(nil)

type reader struct {
	groupID string
	client  *kgo.Client

	mtx       sync.Mutex
	topics    []string
	pending   map[string][]bus.Message
	committed map[string]int64
	rrNext    int
}

func NewBroker(cfg Config, reg prometheus.Registerer, logger log.Logger) (*Broker, error) {
	logger = log.With(logger, "component", "kafka-broker")

	b := &Broker{
		cfg:      cfg,
		logger:   logger,
		reg:      reg,
		readers:  map[string]*reader{},
		produced: map[string]int64{},
	}

	opts := append(b.commonClientOptions("producer", ""),
		kgo.RecordPartitioner(kgo.ManualPartitioner()),
	)
	producer, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, errors.Wrap(err, "creating kafka produce client")
	}
	b.producer = producer
	b.adm = kadm.NewClient(producer)

	level.Info(logger).Log("msg", "kafka broker ready", "brokers", cfg.Brokers, "partition", cfg.Partition)
	return b, nil
}

func (b *Broker) commonClientOptions(clientName, group string) []kgo.Opt {
	tracerOpts := []kotel.TracerOpt{
		kotel.TracerProvider(otel.GetTracerProvider()),
		kotel.TracerPropagator(otel.GetTextMapPropagator()),
		kotel.LinkSpans(),
	}
	if group != "" {
		tracerOpts = append(tracerOpts, kotel.ConsumerGroup(group))
	}

	metrics := kprom.NewMetrics("conveyor_bus_kafka",
		kprom.Registerer(prometheus.WrapRegistererWith(prometheus.Labels{"client": clientName}, b.reg)),
		kprom.FetchAndProduceDetail(kprom.Batches, kprom.Records))

	opts := []kgo.Opt{
		kgo.SeedBrokers(b.cfg.brokerList()...),
		kgo.WithLogger(newKgoLogger(b.logger)),
		kgo.WithHooks(metrics, kotel.NewTracer(tracerOpts...)),
	}
	if b.cfg.AutoCreateTopics {
		opts = append(opts, kgo.AllowAutoTopicCreation())
	}
	return opts
}

func (b *Broker) Publish(ctx context.Context, msg bus.Message) (bus.Message, error) {
	if msg.Topic == "" {
		return bus.Message{}, bus.ErrEmptyTopic
	}

	rec := b.toRecord(msg)
	if err := b.producer.ProduceSync(ctx, rec).FirstErr(); err != nil {
		return bus.Message{}, errors.Wrapf(err, "producing to %s", msg.Topic)
	}

	msg.Offset = rec.Offset + 1
	b.countProduced(msg.Topic, 1)
	return msg, nil
}

func (b *Broker) PublishBatch(ctx context.Context, msgs []bus.Message) ([]bus.Message, error) {
	if len(msgs) == 0 {
		return []bus.Message{}, nil
	}

	recs := make([]*kgo.Record, len(msgs))
	for i, msg := range msgs {
		if msg.Topic == "" {
			return nil, bus.ErrEmptyTopic
		}
		recs[i] = b.toRecord(msg)
	}

	// same-topic records share the partition, so franz-go batches them into
	// one produce request and the append stays contiguous
	if err := b.producer.ProduceSync(ctx, recs...).FirstErr(); err != nil {
		return nil, errors.Wrap(err, "producing batch")
	}

	out := make([]bus.Message, len(msgs))
	for i, msg := range msgs {
		msg.Offset = recs[i].Offset + 1
		out[i] = msg
		b.countProduced(msg.Topic, 1)
	}
	return out, nil
}

func (b *Broker) Subscribe(groupID string, topics ...string) error {
	if groupID == "" {
		return fmt.Errorf("consumer group id must not be empty")
	}
	if len(topics) == 0 {
		return fmt.Errorf("consumer group %q must subscribe to at least one topic", groupID)
	}
	for _, t := range topics {
		if t == "" {
			return bus.ErrEmptyTopic
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.RequestTimeout)
	defer cancel()

	b.mtx.Lock()
	defer b.mtx.Unlock()
	if b.closed {
		return fmt.Errorf("kafka broker is closed")
	}

	r, ok := b.readers[groupID]
	if !ok {
		client, err := kgo.NewClient(b.consumeClientOptions(groupID)...)
		if err != nil {
			return errors.Wrapf(err, "creating kafka consume client for group %s", groupID)
		}
		r = &reader{
			groupID:   groupID,
			client:    client,
			pending:   map[string][]bus.Message{},
			committed: map[string]int64{},
		}
		b.readers[groupID] = r
	}

	r.mtx.Lock()
	defer r.mtx.Unlock()

	assignments := map[string]map[int32]kgo.Offset{}
	for _, t := range topics {
		if _, seen := r.committed[t]; seen {
			continue
		}
		committed, err := b.fetchCommittedOffset(ctx, groupID, t)
		if err != nil {
			return err
		}
		r.topics = append(r.topics, t)
		r.committed[t] = committed

		start := kgo.NewOffset().AtStart()
		if committed > 0 {
			start = kgo.NewOffset().At(committed)
		}
		assignments[t] = map[int32]kgo.Offset{int32(b.cfg.Partition): start}
	}
	if len(assignments) > 0 {
		r.client.AddConsumePartitions(assignments)
	}

	level.Debug(b.logger).Log("msg", "group subscribed", "group", groupID, "topics", len(r.topics))
	return nil
}

func (b *Broker) consumeClientOptions(groupID string) []kgo.Opt {
	return append(b.commonClientOptions(groupID, groupID),
		kgo.FetchMinBytes(1),
		kgo.FetchMaxBytes(int32(b.cfg.FetchMaxBytes)),
		kgo.FetchMaxWait(b.cfg.PollTimeout),
		kgo.BrokerMaxReadBytes(2*int32(b.cfg.FetchMaxBytes)),
	)
}

// fetchCommittedOffset reads the group's committed offset for the topic. A
// group or topic Kafka has never seen commits for reads as zero.
func (b *Broker) fetchCommittedOffset(ctx context.Context, groupID, topic string) (int64, error) {
	offsets, err := b.adm.FetchOffsets(ctx, groupID)
	if errors.Is(err, kerr.GroupIDNotFound) || errors.Is(err, kerr.UnknownTopicOrPartition) {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrapf(err, "fetching committed offsets for group %s", groupID)
	}

	offset, found := offsets.Lookup(topic, int32(b.cfg.Partition))
	if !found || offset.At < 0 {
		return 0, nil
	}
	return offset.At, nil
}

func (b *Broker) Poll(ctx context.Context, groupID string, maxMessages int) (bus.MessageBatch, error) {
	r, err := b.reader(groupID)
	if err != nil {
		return bus.MessageBatch{}, err
	}
	if maxMessages <= 0 {
		return b.emptyBatch(groupID), nil
	}

	r.mtx.Lock()
	defer r.mtx.Unlock()

	if !r.hasPendingLocked() {
		if err := r.refillLocked(ctx, maxMessages, b.cfg.PollTimeout); err != nil {
			return bus.MessageBatch{}, err
		}
	}

	// round-robin over the group's topics starting at the cursor; take the
	// first topic with buffered messages
	for i := 0; i < len(r.topics); i++ {
		idx := (r.rrNext + i) % len(r.topics)
		topic := r.topics[idx]

		queue := r.pending[topic]
		if len(queue) == 0 {
			continue
		}

		take := maxMessages
		if take > len(queue) {
			take = len(queue)
		}
		msgs := append([]bus.Message(nil), queue[:take]...)
		r.pending[topic] = queue[take:]
		r.rrNext = (idx + 1) % len(r.topics)

		batch := b.emptyBatch(groupID)
		batch.Topic = topic
		batch.Messages = msgs
		batch.StartOffset = msgs[0].Offset
		batch.EndOffset = msgs[len(msgs)-1].Offset
		return batch, nil
	}

	return b.emptyBatch(groupID), nil
}

func (r *reader) hasPendingLocked() bool {
	for _, queue := range r.pending {
		if len(queue) > 0 {
			return true
		}
	}
	return false
}

func (r *reader) refillLocked(ctx context.Context, maxMessages int, wait time.Duration) error {
	pollCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	fetches := r.client.PollRecords(pollCtx, maxMessages)
	if err := collectFetchErrs(fetches); err != nil {
		return errors.Wrapf(err, "polling group %s", r.groupID)
	}

	fetches.EachRecord(func(rec *kgo.Record) {
		r.pending[rec.Topic] = append(r.pending[rec.Topic], fromRecord(rec))
	})
	return nil
}

// collectFetchErrs gathers fetch errors, ignoring the context expiry that
// ends every empty poll.
func collectFetchErrs(fetches kgo.Fetches) error {
	mErr := multierror.New()
	fetches.EachError(func(_ string, _ int32, err error) {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return
		}
		mErr.Add(err)
	})
	return mErr.Err()
}

func (b *Broker) Commit(ctx context.Context, groupID, topic string, offset int64) error {
	r, err := b.reader(groupID)
	if err != nil {
		return err
	}

	r.mtx.Lock()
	defer r.mtx.Unlock()

	current, ok := r.committed[topic]
	if !ok {
		return fmt.Errorf("consumer group %q is not subscribed to topic %q", groupID, topic)
	}
	if offset <= current {
		return nil
	}

	commitCtx, cancel := context.WithTimeout(ctx, b.cfg.RequestTimeout)
	defer cancel()

	offsets := make(kadm.Offsets)
	offsets.Add(kadm.Offset{
		Topic:     topic,
		Partition: int32(b.cfg.Partition),
		At:        offset,
	})
	if err := b.adm.CommitAllOffsets(commitCtx, groupID, offsets); err != nil {
		return errors.Wrapf(err, "committing offset %d for group %s", offset, groupID)
	}

	r.committed[topic] = offset
	return nil
}

func (b *Broker) Stats() bus.BrokerStats {
	b.mtx.Lock()
	stats := bus.BrokerStats{
		Topics:        len(b.produced),
		Groups:        len(b.readers),
		TopicMessages: make(map[string]int64, len(b.produced)),
		GroupOffsets:  make(map[string]map[string]int64, len(b.readers)),
	}
	for topic, n := range b.produced {
		stats.TopicMessages[topic] = n
		stats.TotalMessages += n
	}
	readers := make([]*reader, 0, len(b.readers))
	for _, r := range b.readers {
		readers = append(readers, r)
	}
	b.mtx.Unlock()

	// reader locks are taken after the broker lock is released: a poll
	// sitting in its fetch wait must not stall publishes during a scrape
	for _, r := range readers {
		r.mtx.Lock()
		committed := make(map[string]int64, len(r.committed))
		for t, o := range r.committed {
			committed[t] = o
		}
		r.mtx.Unlock()
		stats.GroupOffsets[r.groupID] = committed
	}
	return stats
}

// Close tears down every client. The broker is unusable afterwards.
func (b *Broker) Close() {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	if b.closed {
		return
	}
	b.closed = true

	for _, r := range b.readers {
		r.client.Close()
	}
	b.producer.Close()

	level.Info(b.logger).Log("msg", "kafka broker closed")
}

func (b *Broker) reader(groupID string) (*reader, error) {
	b.mtx.Lock()
	defer b.mtx.Unlock()

	r, ok := b.readers[groupID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", bus.ErrUnknownGroup, groupID)
	}
	return r, nil
}

func (b *Broker) countProduced(topic string, n int64) {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	b.produced[topic] += n
}

func (b *Broker) emptyBatch(groupID string) bus.MessageBatch {
	return bus.MessageBatch{
		BatchID:       uuid.NewString(),
		ConsumerGroup: groupID,
		PartitionID:   int32(b.cfg.Partition),
		CreatedAt:     time.Now().UTC(),
	}
}

func (b *Broker) toRecord(msg bus.Message) *kgo.Record {
	headers := make([]kgo.RecordHeader, 0, len(msg.Headers)+2)
	headers = append(headers,
		kgo.RecordHeader{Key: recordHeaderID, Value: []byte(msg.ID)},
		kgo.RecordHeader{Key: recordHeaderEventType, Value: []byte(msg.EventType)},
	)
	for k, v := range msg.Headers {
		headers = append(headers, kgo.RecordHeader{Key: k, Value: []byte(v)})
	}

	ts := msg.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return &kgo.Record{
		Key:       []byte(msg.PartitionKey),
		Value:     msg.Payload,
		Headers:   headers,
		Topic:     msg.Topic,
		Partition: int32(b.cfg.Partition),
		Timestamp: ts,
	}
}

func fromRecord(rec *kgo.Record) bus.Message {
	msg := bus.Message{
		Topic:        rec.Topic,
		Payload:      rec.Value,
		PartitionKey: string(rec.Key),
		Timestamp:    rec.Timestamp,
		Offset:       rec.Offset + 1,
		Headers:      make(map[string]string, len(rec.Headers)),
	}
	for _, h := range rec.Headers {
		switch h.Key {
		case recordHeaderID:
			msg.ID = string(h.Value)
		case recordHeaderEventType:
			msg.EventType = string(h.Value)
		default:
			msg.Headers[h.Key] = string(h.Value)
		}
	}
	// records from foreign producers still need an identity
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.EventType == "" {
		msg.EventType = msg.Headers[bus.HeaderEventType]
	}
	return msg
}

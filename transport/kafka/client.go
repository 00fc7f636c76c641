package kafka

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	configpkg "github.com/drblury/eventflow/internal/runtime/config"
	errspkg "github.com/drblury/eventflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/eventflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/eventflow/internal/runtime/metadata"
)

// ErrPartitionNotOwned is returned by StoreOffsets for partitions that were
// revoked or lost.
var ErrPartitionNotOwned = errspkg.ErrPartitionNotOwned

// TopicPartition identifies one partition of a topic.
type TopicPartition struct {
	Topic     string
	Partition int32
}

func (tp TopicPartition) String() string {
	return tp.Topic + "/" + strconv.FormatInt(int64(tp.Partition), 10)
}

// Record is a consumed Kafka record.
type Record struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Headers   metadatapkg.Metadata
	Timestamp time.Time
}

// TopicPartition returns the partition the record was read from.
func (r Record) TopicPartition() TopicPartition {
	return TopicPartition{Topic: r.Topic, Partition: r.Partition}
}

// RebalanceListener is notified about consumer group partition changes.
// Callbacks block the rebalance until they return.
type RebalanceListener interface {
	Assigned(ctx context.Context, partitions []TopicPartition)
	Revoked(ctx context.Context, partitions []TopicPartition)
	Lost(ctx context.Context, partitions []TopicPartition)
}

// Client is the consumer group client the Manager drives.
type Client interface {
	// Poll blocks until records are available, ctx is done or the client
	// is closed (kgo.ErrClientClosed).
	Poll(ctx context.Context) ([]Record, error)
	// StoreOffsets records the next offsets to commit. Partitions that are
	// no longer owned yield ErrPartitionNotOwned; the rest are stored.
	StoreOffsets(offsets map[TopicPartition]int64) error
	Commit(ctx context.Context) error
	SetRebalanceListener(listener RebalanceListener)
	Close()
}

// FranzClient implements Client on a franz-go consumer group client.
type FranzClient struct {
	client *kgo.Client

	mu       sync.Mutex
	listener RebalanceListener
	owned    map[TopicPartition]struct{}
}

// NewFranzClient joins cfg.ConsumerGroup and consumes topics. Offsets are
// committed only as marked through StoreOffsets.
func NewFranzClient(cfg configpkg.KafkaConfig, topics []string, logger loggingpkg.ServiceLogger, extra ...kgo.Opt) (*FranzClient, error) {
	c := &FranzClient{owned: make(map[TopicPartition]struct{})}

	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ClientID(cfg.ClientID),
		kgo.ConsumerGroup(cfg.ConsumerGroup),
		kgo.ConsumeTopics(topics...),
		kgo.ConsumeResetOffset(resetOffset(cfg.AutoOffsetReset)),
		kgo.AutoCommitMarks(),
		kgo.OnPartitionsAssigned(c.onAssigned),
		kgo.OnPartitionsRevoked(c.onRevoked),
		kgo.OnPartitionsLost(c.onLost),
		kgo.WithLogger(newKgoLogger(logger)),
	}
	opts = append(opts, extra...)

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("create kafka consumer: %w", err)
	}
	c.client = client
	return c, nil
}

func resetOffset(reset string) kgo.Offset {
	if reset == "latest" {
		return kgo.NewOffset().AtEnd()
	}
	return kgo.NewOffset().AtStart()
}

func (c *FranzClient) Poll(ctx context.Context) ([]Record, error) {
	fetches := c.client.PollFetches(ctx)
	if fetches.IsClientClosed() {
		return nil, kgo.ErrClientClosed
	}

	var errs []error
	fetches.EachError(func(topic string, partition int32, err error) {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return
		}
		errs = append(errs, fmt.Errorf("fetch %s/%d: %w", topic, partition, err))
	})

	records := make([]Record, 0, fetches.NumRecords())
	fetches.EachRecord(func(r *kgo.Record) {
		records = append(records, fromKgo(r))
	})
	return records, errors.Join(errs...)
}

func (c *FranzClient) StoreOffsets(offsets map[TopicPartition]int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	marks := make(map[string]map[int32]kgo.EpochOffset)
	var errs []error
	for tp, offset := range offsets {
		if _, ok := c.owned[tp]; !ok {
			errs = append(errs, fmt.Errorf("store offset for %s: %w", tp, ErrPartitionNotOwned))
			continue
		}
		if marks[tp.Topic] == nil {
			marks[tp.Topic] = make(map[int32]kgo.EpochOffset)
		}
		marks[tp.Topic][tp.Partition] = kgo.EpochOffset{Epoch: -1, Offset: offset}
	}
	if len(marks) > 0 {
		c.client.MarkCommitOffsets(marks)
	}
	return errors.Join(errs...)
}

func (c *FranzClient) Commit(ctx context.Context) error {
	if err := c.client.CommitMarkedOffsets(ctx); err != nil {
		return fmt.Errorf("commit offsets: %w", err)
	}
	return nil
}

func (c *FranzClient) SetRebalanceListener(listener RebalanceListener) {
	c.mu.Lock()
	c.listener = listener
	c.mu.Unlock()
}

// Close leaves the group. The revoke callback runs for partitions still owned.
func (c *FranzClient) Close() {
	c.client.Close()
}

func (c *FranzClient) currentListener() RebalanceListener {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.listener
}

func (c *FranzClient) setOwned(partitions []TopicPartition, owned bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, tp := range partitions {
		if owned {
			c.owned[tp] = struct{}{}
		} else {
			delete(c.owned, tp)
		}
	}
}

func (c *FranzClient) onAssigned(ctx context.Context, _ *kgo.Client, assigned map[string][]int32) {
	partitions := toTopicPartitions(assigned)
	c.setOwned(partitions, true)
	if l := c.currentListener(); l != nil {
		l.Assigned(ctx, partitions)
	}
}

// Revoked partitions stay owned until the listener has stored their offsets.
func (c *FranzClient) onRevoked(ctx context.Context, _ *kgo.Client, revoked map[string][]int32) {
	partitions := toTopicPartitions(revoked)
	if l := c.currentListener(); l != nil {
		l.Revoked(ctx, partitions)
	}
	c.setOwned(partitions, false)
}

func (c *FranzClient) onLost(ctx context.Context, _ *kgo.Client, lost map[string][]int32) {
	partitions := toTopicPartitions(lost)
	c.setOwned(partitions, false)
	if l := c.currentListener(); l != nil {
		l.Lost(ctx, partitions)
	}
}

func toTopicPartitions(m map[string][]int32) []TopicPartition {
	var out []TopicPartition
	for topic, partitions := range m {
		for _, p := range partitions {
			out = append(out, TopicPartition{Topic: topic, Partition: p})
		}
	}
	return out
}

func fromKgo(r *kgo.Record) Record {
	headers := make(metadatapkg.Metadata, len(r.Headers))
	for _, h := range r.Headers {
		headers[h.Key] = string(h.Value)
	}
	return Record{
		Topic:     r.Topic,
		Partition: r.Partition,
		Offset:    r.Offset,
		Key:       r.Key,
		Value:     r.Value,
		Headers:   headers,
		Timestamp: r.Timestamp,
	}
}

// kgoLogger forwards franz-go client logs to a ServiceLogger.
type kgoLogger struct {
	logger loggingpkg.ServiceLogger
}

func newKgoLogger(logger loggingpkg.ServiceLogger) kgo.Logger {
	return kgoLogger{logger: loggingpkg.OrNop(logger)}
}

func (l kgoLogger) Level() kgo.LogLevel {
	return kgo.LogLevelInfo
}

func (l kgoLogger) Log(level kgo.LogLevel, msg string, keyvals ...any) {
	fields := make(loggingpkg.LogFields, len(keyvals)/2)
	var err error
	for i := 0; i+1 < len(keyvals); i += 2 {
		key := fmt.Sprint(keyvals[i])
		if e, ok := keyvals[i+1].(error); ok && key == "err" {
			err = e
			continue
		}
		fields[key] = keyvals[i+1]
	}
	switch level {
	case kgo.LogLevelError:
		l.logger.Error("kafka: "+msg, err, fields)
	case kgo.LogLevelWarn, kgo.LogLevelInfo:
		if err != nil {
			fields["error"] = err.Error()
		}
		l.logger.Info("kafka: "+msg, fields)
	default:
		l.logger.Debug("kafka: "+msg, fields)
	}
}

package kafka

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"golang.org/x/sync/errgroup"

	configpkg "github.com/drblury/eventflow/internal/runtime/config"
	deliverypkg "github.com/drblury/eventflow/internal/runtime/delivery"
	dispatchpkg "github.com/drblury/eventflow/internal/runtime/dispatch"
	errspkg "github.com/drblury/eventflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/eventflow/internal/runtime/logging"
	telemetrypkg "github.com/drblury/eventflow/internal/runtime/telemetry"
)

const pollErrorBackoff = 100 * time.Millisecond

// ManagerConfig tunes a Manager.
type ManagerConfig struct {
	PubSub string
	// MaxInFlight bounds enqueued records per partition; <= 0 is unbounded.
	MaxInFlight    int
	CommitInterval time.Duration
}

// Manager consumes a consumer group through Client. Every owned partition
// has its own ordered dispatch queue; the commit loop stores each queue's
// checkpoint as the next offset to read.
type Manager struct {
	client    Client
	cfg       ManagerConfig
	processor *deliverypkg.Processor
	logger    loggingpkg.ServiceLogger
	tel       *telemetrypkg.Telemetry

	mu         sync.Mutex
	partitions map[TopicPartition]*dispatchpkg.Queue
	// assignedAt is the generation in which each owned partition was assigned.
	assignedAt map[TopicPartition]uint64
	generation uint64
	closed     bool
	queues     sync.WaitGroup
}

// NewManager creates a Manager and registers it as the client's rebalance
// listener.
func NewManager(client Client, cfg ManagerConfig, processor *deliverypkg.Processor, logger loggingpkg.ServiceLogger, tel *telemetrypkg.Telemetry) *Manager {
	if cfg.CommitInterval <= 0 {
		cfg.CommitInterval = configpkg.DefaultCommitInterval
	}
	m := &Manager{
		client:     client,
		cfg:        cfg,
		processor:  processor,
		logger:     loggingpkg.OrNop(logger).With(loggingpkg.LogFields{"pubsub": cfg.PubSub}),
		tel:        telemetrypkg.OrNop(tel),
		partitions: make(map[TopicPartition]*dispatchpkg.Queue),
		assignedAt: make(map[TopicPartition]uint64),
	}
	client.SetRebalanceListener(m)
	return m
}

// Run polls and commits until ctx is done or committing fails, then drains
// every queue, commits their checkpoints and closes the client.
func (m *Manager) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		m.pollLoop(gctx)
		return nil
	})
	g.Go(func() error {
		return m.commitLoop(gctx)
	})
	err := g.Wait()

	if serr := m.shutdown(context.WithoutCancel(ctx)); serr != nil {
		err = errors.Join(err, serr)
	}
	return err
}

// Close leaves the group without consuming. Use it only when Run was never
// called.
func (m *Manager) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.client.Close()
	return nil
}

// Assigned creates a queue for every newly owned partition.
func (m *Manager) Assigned(_ context.Context, partitions []TopicPartition) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.generation++
	for _, tp := range partitions {
		if _, ok := m.partitions[tp]; ok {
			continue
		}
		queue := m.newQueue(tp)
		m.partitions[tp] = queue
		m.assignedAt[tp] = m.generation
		m.queues.Add(1)
		go func() {
			defer m.queues.Done()
			queue.Run()
		}()
		m.logger.Info("Partition assigned", loggingpkg.LogFields{"topic": tp.Topic, "partition": tp.Partition})
	}
}

// Revoked drains the revoked partitions and commits their checkpoints before
// the rebalance proceeds.
func (m *Manager) Revoked(ctx context.Context, partitions []TopicPartition) {
	removed := m.remove(partitions)
	if len(removed) == 0 {
		return
	}

	drainCtx := context.WithoutCancel(ctx)
	for tp, queue := range removed {
		if err := queue.Stop(drainCtx); err != nil {
			m.logger.Error("Failed to drain revoked partition", err, loggingpkg.LogFields{"topic": tp.Topic, "partition": tp.Partition})
		}
	}

	if offsets := checkpoints(removed); len(offsets) > 0 {
		if err := m.client.StoreOffsets(offsets); err != nil {
			m.logger.Error("Failed to store offsets of revoked partitions", err, nil)
		}
		if err := m.client.Commit(ctx); err != nil {
			m.logger.Error("Failed to commit offsets of revoked partitions", err, nil)
		}
	}
	m.forget(removed, "Partition revoked")
}

// Lost abandons the lost partitions without waiting for in-flight handlers.
// Nothing is stored; records after the last committed offset are redelivered
// to the new owner. Run still waits for the abandoned handlers on shutdown.
func (m *Manager) Lost(_ context.Context, partitions []TopicPartition) {
	removed := m.remove(partitions)
	for _, queue := range removed {
		queue.Abandon()
	}
	m.forget(removed, "Partition lost")
}

// Partitions returns the currently owned partitions.
func (m *Manager) Partitions() []TopicPartition {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]TopicPartition, 0, len(m.partitions))
	for tp := range m.partitions {
		out = append(out, tp)
	}
	return out
}

func (m *Manager) newQueue(tp TopicPartition) *dispatchpkg.Queue {
	metrics := m.tel.Metrics
	pubsub := m.cfg.PubSub
	name := telemetrypkg.QueueName(tp.Topic, tp.Partition)
	return dispatchpkg.NewQueue(name, m.cfg.MaxInFlight,
		dispatchpkg.WithDepthFunc(func(n int) { metrics.SetQueueDepth(pubsub, name, n) }),
		dispatchpkg.WithCheckpointFunc(func(pos dispatchpkg.Position) { metrics.SetCheckpoint(pubsub, name, pos.Offset) }),
	)
}

func (m *Manager) remove(partitions []TopicPartition) map[TopicPartition]*dispatchpkg.Queue {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := make(map[TopicPartition]*dispatchpkg.Queue, len(partitions))
	for _, tp := range partitions {
		if queue, ok := m.partitions[tp]; ok {
			removed[tp] = queue
			delete(m.partitions, tp)
			delete(m.assignedAt, tp)
		}
	}
	return removed
}

func (m *Manager) forget(removed map[TopicPartition]*dispatchpkg.Queue, msg string) {
	for tp, queue := range removed {
		m.tel.Metrics.ForgetQueue(m.cfg.PubSub, queue.Name())
		m.logger.Info(msg, loggingpkg.LogFields{"topic": tp.Topic, "partition": tp.Partition})
	}
}

func (m *Manager) lookup(tp TopicPartition) (*dispatchpkg.Queue, uint64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	queue, ok := m.partitions[tp]
	return queue, m.assignedAt[tp], ok
}

func (m *Manager) currentGeneration() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.generation
}

func (m *Manager) pollLoop(ctx context.Context) {
	for ctx.Err() == nil {
		records, err := m.client.Poll(ctx)
		if errors.Is(err, kgo.ErrClientClosed) {
			return
		}
		if err != nil && ctx.Err() == nil {
			m.logger.Error("Kafka poll failed", err, nil)
			if len(records) == 0 {
				select {
				case <-ctx.Done():
					return
				case <-time.After(pollErrorBackoff):
				}
			}
		}
		// assignments made after this point did not exist when the batch was fetched
		fetchedAt := m.currentGeneration()
		for _, record := range records {
			if !m.dispatch(ctx, record, fetchedAt) {
				return
			}
		}
	}
}

// dispatch enqueues record on its partition queue and starts it. Records
// fetched in an earlier generation than the partition's assignment are
// skipped: the client refetches from the committed offset, and enqueueing
// them would move the checkpoint backwards. It reports false when ctx is done.
func (m *Manager) dispatch(ctx context.Context, record Record, fetchedAt uint64) bool {
	tp := record.TopicPartition()
	queue, assignedAt, ok := m.lookup(tp)
	if !ok || assignedAt > fetchedAt {
		m.logger.Debug("Skipping record of unowned partition", loggingpkg.LogFields{
			"topic":     tp.Topic,
			"partition": tp.Partition,
			"offset":    record.Offset,
			"stale":     ok,
		})
		return true
	}

	d := deliverypkg.Delivery{
		PubSub:    m.cfg.PubSub,
		Topic:     record.Topic,
		Partition: record.Partition,
		Offset:    record.Offset,
		Key:       record.Key,
		Payload:   record.Value,
		Headers:   record.Headers,
	}
	item := dispatchpkg.NewWorkItem(ctx, d.Position(), m.processor.Func(d))
	if err := queue.Enqueue(ctx, item); err != nil {
		if errors.Is(err, errspkg.ErrQueueStopped) {
			// revoked or lost while polling
			return true
		}
		return false
	}
	item.Start()
	return true
}

func (m *Manager) commitLoop(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.CommitInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := m.commit(ctx); err != nil {
				return err
			}
		}
	}
}

func (m *Manager) commit(ctx context.Context) error {
	m.mu.Lock()
	offsets := checkpoints(m.partitions)
	m.mu.Unlock()
	if len(offsets) == 0 {
		return nil
	}

	if err := m.client.StoreOffsets(offsets); err != nil {
		if !onlyNotOwned(err) {
			m.logger.Error("Failed to store offsets", err, nil)
			return err
		}
		m.logger.Debug("Skipped offsets of partitions no longer owned", loggingpkg.LogFields{"error": err.Error()})
	}
	if err := m.client.Commit(ctx); err != nil && ctx.Err() == nil {
		m.logger.Error("Failed to commit offsets", err, nil)
	}
	return nil
}

func (m *Manager) shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	partitions := m.partitions
	m.partitions = make(map[TopicPartition]*dispatchpkg.Queue)
	m.assignedAt = make(map[TopicPartition]uint64)
	m.mu.Unlock()

	for tp, queue := range partitions {
		if err := queue.Stop(ctx); err != nil {
			m.logger.Error("Failed to drain partition", err, loggingpkg.LogFields{"topic": tp.Topic, "partition": tp.Partition})
		}
	}
	m.queues.Wait()

	var errs []error
	if offsets := checkpoints(partitions); len(offsets) > 0 {
		if err := m.client.StoreOffsets(offsets); err != nil && !onlyNotOwned(err) {
			errs = append(errs, err)
		}
		if err := m.client.Commit(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	m.client.Close()
	m.forget(partitions, "Partition released")
	return errors.Join(errs...)
}

// checkpoints maps every queue with progress to its next offset to read.
func checkpoints(queues map[TopicPartition]*dispatchpkg.Queue) map[TopicPartition]int64 {
	offsets := make(map[TopicPartition]int64, len(queues))
	for tp, queue := range queues {
		if pos, ok := queue.Checkpoint(); ok {
			offsets[tp] = pos.Offset + 1
		}
	}
	return offsets
}

func onlyNotOwned(err error) bool {
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		for _, e := range joined.Unwrap() {
			if !onlyNotOwned(e) {
				return false
			}
		}
		return true
	}
	return errors.Is(err, ErrPartitionNotOwned)
}

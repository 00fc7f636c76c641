package redisstream

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	deliverypkg "github.com/drblury/eventflow/internal/runtime/delivery"
	dispatchpkg "github.com/drblury/eventflow/internal/runtime/dispatch"
	loggingpkg "github.com/drblury/eventflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/eventflow/internal/runtime/metadata"
	telemetrypkg "github.com/drblury/eventflow/internal/runtime/telemetry"
)

// Entry field names.
const (
	FieldData = "data"
	FieldKey  = "key"
)

const reasonOrphaned = "orphaned"

// ManagerConfig tunes a Manager.
type ManagerConfig struct {
	PubSub            string
	Group             string
	Consumer          string
	BatchSize         int64
	PollInterval      time.Duration
	ProcessingTimeout time.Duration
	// MaxInFlight bounds enqueued entries per topic; <= 0 is unbounded.
	MaxInFlight int
}

// Manager consumes topics as one consumer of a stream consumer group. Each
// topic has an ordered dispatch queue fed by a new-entry loop and a reclaim
// loop; entries are acknowledged once their outcome is settled.
type Manager struct {
	client    Client
	topics    []string
	cfg       ManagerConfig
	processor *deliverypkg.Processor
	logger    loggingpkg.ServiceLogger
	tel       *telemetrypkg.Telemetry
}

// NewManager creates a Manager. The manager closes client when Run returns.
func NewManager(client Client, topics []string, cfg ManagerConfig, processor *deliverypkg.Processor, logger loggingpkg.ServiceLogger, tel *telemetrypkg.Telemetry) *Manager {
	return &Manager{
		client:    client,
		topics:    topics,
		cfg:       cfg,
		processor: processor,
		logger: loggingpkg.OrNop(logger).With(loggingpkg.LogFields{
			"pubsub":   cfg.PubSub,
			"group":    cfg.Group,
			"consumer": cfg.Consumer,
		}),
		tel: telemetrypkg.OrNop(tel),
	}
}

// Run consumes until ctx is done, drains every queue and closes the client.
func (m *Manager) Run(ctx context.Context) error {
	defer func() {
		if err := m.client.Close(); err != nil {
			m.logger.Error("Failed to close stream client", err, nil)
		}
	}()

	for _, topic := range m.topics {
		if err := m.client.EnsureGroup(ctx, topic, m.cfg.Group); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, topic := range m.topics {
		tc := m.newTopicConsumer(topic, context.WithoutCancel(ctx))
		g.Go(func() error {
			return tc.run(gctx)
		})
	}
	return g.Wait()
}

// Close releases the client of a manager whose Run was never called.
func (m *Manager) Close() error {
	return m.client.Close()
}

type topicConsumer struct {
	m     *Manager
	topic string
	queue *dispatchpkg.Queue
	// ackCtx outlives the loops so completions during the drain are acked.
	ackCtx context.Context
}

func (m *Manager) newTopicConsumer(topic string, ackCtx context.Context) *topicConsumer {
	tc := &topicConsumer{
		m:      m,
		topic:  topic,
		ackCtx: ackCtx,
	}
	metrics := m.tel.Metrics
	pubsub := m.cfg.PubSub
	tc.queue = dispatchpkg.NewQueue(topic, m.cfg.MaxInFlight,
		dispatchpkg.WithDepthFunc(func(n int) { metrics.SetQueueDepth(pubsub, topic, n) }),
		dispatchpkg.WithCompletionFunc(tc.complete),
	)
	return tc
}

func (tc *topicConsumer) run(ctx context.Context) error {
	go tc.queue.Run()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		tc.readLoop(gctx)
		return nil
	})
	g.Go(func() error {
		tc.reclaimLoop(gctx)
		return nil
	})
	err := g.Wait()

	if serr := tc.queue.Stop(tc.ackCtx); serr != nil {
		err = errors.Join(err, fmt.Errorf("drain %s: %w", tc.topic, serr))
	}
	tc.m.tel.Metrics.ForgetQueue(tc.m.cfg.PubSub, tc.topic)
	return err
}

func (tc *topicConsumer) readLoop(ctx context.Context) {
	m := tc.m
	for ctx.Err() == nil {
		entries, err := m.client.ReadGroup(ctx, tc.topic, m.cfg.Group, m.cfg.Consumer, m.cfg.BatchSize)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.logger.Error("Stream read failed", err, loggingpkg.LogFields{"topic": tc.topic})
		}
		if len(entries) == 0 {
			sleep(ctx, m.cfg.PollInterval)
			continue
		}
		for _, entry := range entries {
			if !tc.dispatch(ctx, entry, 1) {
				return
			}
		}
	}
}

func (tc *topicConsumer) reclaimLoop(ctx context.Context) {
	for ctx.Err() == nil {
		if tc.reclaim(ctx) == 0 {
			sleep(ctx, tc.m.cfg.PollInterval)
		}
	}
}

// reclaim claims pending entries idle for at least ProcessingTimeout and
// dispatches them, including entries this consumer is still handling: an
// entry idle past the timeout counts as abandoned. It returns the number of
// claimed entries.
func (tc *topicConsumer) reclaim(ctx context.Context) int {
	m := tc.m
	pending, err := m.client.Pending(ctx, tc.topic, m.cfg.Group, m.cfg.BatchSize)
	if err != nil {
		if ctx.Err() == nil {
			m.logger.Error("Listing pending entries failed", err, loggingpkg.LogFields{"topic": tc.topic})
		}
		return 0
	}

	deliveries := make(map[string]int64, len(pending))
	ids := make([]string, 0, len(pending))
	for _, p := range pending {
		if p.Idle < m.cfg.ProcessingTimeout {
			continue
		}
		ids = append(ids, p.ID)
		deliveries[p.ID] = p.RetryCount
	}
	if len(ids) == 0 {
		return 0
	}

	claimed, err := m.client.Claim(ctx, tc.topic, m.cfg.Group, m.cfg.Consumer, m.cfg.ProcessingTimeout, ids...)
	if err != nil {
		if ctx.Err() == nil {
			m.logger.Error("Claiming pending entries failed", err, loggingpkg.LogFields{"topic": tc.topic})
		}
		return 0
	}
	for _, entry := range claimed {
		if len(entry.Values) == 0 {
			tc.handleOrphan(ctx, entry.ID, deliveries[entry.ID]+1)
			continue
		}
		// the claim counted as one more delivery
		if !tc.dispatch(ctx, entry, deliveries[entry.ID]+1) {
			break
		}
	}
	return len(claimed)
}

// handleOrphan deals with a pending entry whose content is gone. It is
// claimed once more; if still empty it is acknowledged unprocessed.
func (tc *topicConsumer) handleOrphan(ctx context.Context, id string, deliveries int64) {
	m := tc.m
	fields := loggingpkg.LogFields{"topic": tc.topic, "message_id": id}

	again, err := m.client.Claim(ctx, tc.topic, m.cfg.Group, m.cfg.Consumer, 0, id)
	if err != nil {
		m.logger.Error("Re-claiming orphaned entry failed", err, fields)
		return
	}
	for _, entry := range again {
		if entry.ID == id && len(entry.Values) > 0 {
			tc.dispatch(ctx, entry, deliveries+1)
			return
		}
	}

	if err := m.client.Ack(ctx, tc.topic, m.cfg.Group, id); err != nil {
		m.logger.Error("Acknowledging orphaned entry failed", err, fields)
		return
	}
	m.logger.Info("Acknowledged orphaned entry", fields)
	m.tel.Metrics.RecordDropped(m.cfg.PubSub, tc.topic, reasonOrphaned)
}

// dispatch enqueues entry and starts it. It reports false when ctx is done.
func (tc *topicConsumer) dispatch(ctx context.Context, entry Entry, deliveries int64) bool {
	d := tc.delivery(entry, deliveries)
	item := dispatchpkg.NewWorkItem(ctx, d.Position(), tc.m.processor.Func(d))
	if err := tc.queue.Enqueue(ctx, item); err != nil {
		return false
	}
	item.Start()
	return true
}

func (tc *topicConsumer) delivery(entry Entry, deliveries int64) deliverypkg.Delivery {
	headers := make(metadatapkg.Metadata, len(entry.Values))
	for k, v := range entry.Values {
		if k == FieldData {
			continue
		}
		headers[k] = stringValue(v)
	}
	var key []byte
	if k := headers[FieldKey]; k != "" {
		key = []byte(k)
	}
	return deliverypkg.Delivery{
		PubSub:        tc.m.cfg.PubSub,
		Topic:         tc.topic,
		ID:            entry.ID,
		Key:           key,
		Payload:       []byte(stringValue(entry.Values[FieldData])),
		Headers:       headers,
		DeliveryCount: deliveries,
	}
}

// complete acknowledges settled entries. Failed entries stay pending for
// the reclaim loop.
func (tc *topicConsumer) complete(item *dispatchpkg.WorkItem) {
	id := item.Position().ID
	if !item.Outcome().Settled() {
		return
	}
	if err := tc.m.client.Ack(tc.ackCtx, tc.topic, tc.m.cfg.Group, id); err != nil {
		tc.m.logger.Error("Acknowledging entry failed", err, loggingpkg.LogFields{
			"topic":      tc.topic,
			"message_id": id,
		})
	}
}

func stringValue(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case []byte:
		return string(s)
	default:
		return fmt.Sprint(s)
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

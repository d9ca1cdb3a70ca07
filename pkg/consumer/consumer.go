package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"hash/fnv"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/veridian-labs/trustplane/pkg/audit"
)

// Mode selects the event source.
type Mode string

const (
	// ModeBus consumes the durable Redis stream.
	ModeBus Mode = "bus"
	// ModePoll polls the audit chain's search endpoint from the last seen
	// position.
	ModePoll Mode = "poll"
)

// DefaultStream is the Redis stream carrying committed audit events.
const DefaultStream = "audit-events"

// Consumer runs a single producer (stream reader or chain poller) feeding a
// bounded pool of workers. Events sharing a subject key always land on the
// same worker, so same-subject processing stays in order.
type Consumer struct {
	handler *Handler
	chain   *audit.Chain
	rdb     *redis.Client
	mode    Mode

	stream       string
	group        string
	name         string
	workers      int
	buffer       int
	pollInterval time.Duration
	logger       *slog.Logger
}

// ConsumerOption configures a Consumer.
type ConsumerOption func(*Consumer)

// WithWorkers sets the worker pool size.
func WithWorkers(n int) ConsumerOption {
	return func(c *Consumer) { c.workers = n }
}

// WithBuffer sets the per-worker channel capacity; a full channel blocks the
// producer, which is the backpressure mechanism.
func WithBuffer(n int) ConsumerOption {
	return func(c *Consumer) { c.buffer = n }
}

// WithPollInterval sets the poll-mode interval.
func WithPollInterval(d time.Duration) ConsumerOption {
	return func(c *Consumer) { c.pollInterval = d }
}

// WithGroup names the Redis consumer group and this member.
func WithGroup(group, name string) ConsumerOption {
	return func(c *Consumer) { c.group = group; c.name = name }
}

// WithStream overrides the stream key.
func WithStream(stream string) ConsumerOption {
	return func(c *Consumer) { c.stream = stream }
}

// New builds a consumer. rdb may be nil in poll mode.
func New(handler *Handler, chain *audit.Chain, rdb *redis.Client, mode Mode, opts ...ConsumerOption) *Consumer {
	c := &Consumer{
		handler:      handler,
		chain:        chain,
		rdb:          rdb,
		mode:         mode,
		stream:       DefaultStream,
		group:        "trustplane-consumers",
		name:         "consumer-1",
		workers:      4,
		buffer:       64,
		pollInterval: time.Second,
		logger:       slog.Default().With("component", "consumer", "mode", string(mode)),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run blocks until ctx is cancelled. Handler errors are logged and the event
// skipped; dedup by content hash downstream makes redelivery harmless.
func (c *Consumer) Run(ctx context.Context) error {
	shards := make([]chan *audit.Event, c.workers)
	var wg sync.WaitGroup
	for i := range shards {
		shards[i] = make(chan *audit.Event, c.buffer)
		wg.Add(1)
		go func(ch <-chan *audit.Event) {
			defer wg.Done()
			for ev := range ch {
				if err := c.handler.Handle(ctx, ev); err != nil {
					c.logger.Error("event handling failed, skipping",
						"event_id", ev.ID, "event_type", ev.EventType, "error", err)
				}
			}
		}(shards[i])
	}

	dispatch := func(ev *audit.Event, subject string) bool {
		select {
		case shards[shardFor(subject, c.workers)] <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	var err error
	switch c.mode {
	case ModeBus:
		err = c.runBus(ctx, dispatch)
	default:
		err = c.runPoll(ctx, dispatch)
	}

	for _, ch := range shards {
		close(ch)
	}
	wg.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func shardFor(subject string, workers int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(subject))
	return int(h.Sum32() % uint32(workers))
}

// runPoll reads committed events past the last seen sequence number. The
// sequence cursor is strictly increasing, so a poll never replays what a
// previous poll already dispatched.
func (c *Consumer) runPoll(ctx context.Context, dispatch func(*audit.Event, string) bool) error {
	var lastSeq uint64
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		events, err := c.chain.Search(ctx, audit.SearchQuery{AfterSeq: lastSeq})
		if err != nil {
			c.logger.Warn("poll failed", "error", err)
		}
		for _, ev := range events {
			if !dispatch(ev, subjectOf(ev)) {
				return ctx.Err()
			}
			lastSeq = ev.Seq
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// runBus consumes the durable stream with a consumer group. Entries are
// acknowledged after dispatch; a handler failure is a skip, not a redelivery.
func (c *Consumer) runBus(ctx context.Context, dispatch func(*audit.Event, string) bool) error {
	err := c.rdb.XGroupCreateMkStream(ctx, c.stream, c.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		res, err := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    c.group,
			Consumer: c.name,
			Streams:  []string{c.stream, ">"},
			Count:    32,
			Block:    5 * time.Second,
		}).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Warn("stream read failed", "error", err)
			continue
		}

		for _, stream := range res {
			for _, msg := range stream.Messages {
				ev, subject, err := decodeMessage(msg)
				if err != nil {
					c.logger.Error("undecodable stream entry, acking and skipping",
						"stream_id", msg.ID, "error", err)
				} else if !dispatch(ev, subject) {
					return ctx.Err()
				}
				if err := c.rdb.XAck(ctx, c.stream, c.group, msg.ID).Err(); err != nil {
					c.logger.Warn("ack failed", "stream_id", msg.ID, "error", err)
				}
			}
		}
	}
}

func decodeMessage(msg redis.XMessage) (*audit.Event, string, error) {
	raw, ok := msg.Values["event"].(string)
	if !ok {
		return nil, "", errors.New("stream entry missing event field")
	}
	var ev audit.Event
	if err := json.Unmarshal([]byte(raw), &ev); err != nil {
		return nil, "", err
	}
	subject, _ := msg.Values["subject"].(string)
	if subject == "" {
		subject = subjectOf(&ev)
	}
	return &ev, subject, nil
}

// subjectOf picks the ordering key: an explicit payload subject when the
// producer set one, otherwise the event type.
func subjectOf(ev *audit.Event) string {
	if s, ok := ev.Payload["subject"].(string); ok && s != "" {
		return s
	}
	return ev.EventType
}

// Publisher mirrors committed audit events onto the Redis stream. Register
// Publish as a chain handler.
type Publisher struct {
	rdb    *redis.Client
	stream string
	logger *slog.Logger
}

// NewPublisher builds a stream publisher.
func NewPublisher(rdb *redis.Client, stream string) *Publisher {
	if stream == "" {
		stream = DefaultStream
	}
	return &Publisher{
		rdb:    rdb,
		stream: stream,
		logger: slog.Default().With("component", "consumer.publisher"),
	}
}

// Publish appends the event to the stream. Failures are logged; the chain
// commit already happened and poll mode can always catch up from the store.
func (p *Publisher) Publish(ev *audit.Event) {
	raw, err := json.Marshal(ev)
	if err != nil {
		p.logger.Error("event marshal failed", "event_id", ev.ID, "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = p.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		Values: map[string]any{"event": string(raw), "subject": subjectOf(ev)},
	}).Err()
	if err != nil {
		p.logger.Error("stream publish failed", "event_id", ev.ID, "error", err)
	}
}

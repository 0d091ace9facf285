package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/valkey-io/valkey-go"
)

const (
	StreamName   = "opinionmap:sessions"
	GroupName    = "opinionmap-workers"
	MaxRetries   = 3
	ClaimTimeout = 5 * time.Minute

	// VectorizeStream distributes embedding backfill batches to workers.
	VectorizeStream    = "opinionmap:vectorize"
	VectorizeGroupName = "opinionmap-vectorizers"
	VectorizeBatchSize = 500
)

// SessionMessage is the payload enqueued when a map session should run.
type SessionMessage struct {
	SessionID uuid.UUID `json:"session_id"`
	ZoneID    uuid.UUID `json:"zone_id"`
	Trigger   string    `json:"trigger"` // "manual", "schedule"
}

// VectorizeMessage is a batch of posts whose embeddings should be
// backfilled ahead of session demand.
type VectorizeMessage struct {
	ZoneID  uuid.UUID   `json:"zone_id"`
	PostIDs []uuid.UUID `json:"post_ids"`
}

// Producer enqueues session and vectorize jobs to the Valkey streams.
type Producer struct {
	client valkey.Client
}

func NewProducer(client valkey.Client) *Producer {
	return &Producer{client: client}
}

func (p *Producer) Enqueue(ctx context.Context, msg SessionMessage) (string, error) {
	return xadd(ctx, p.client, StreamName, msg)
}

func (p *Producer) EnqueueVectorize(ctx context.Context, msg VectorizeMessage) (string, error) {
	return xadd(ctx, p.client, VectorizeStream, msg)
}

func xadd(ctx context.Context, client valkey.Client, stream string, msg any) (string, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("marshal message: %w", err)
	}

	resp := client.Do(ctx, client.B().Xadd().
		Key(stream).Id("*").
		FieldValue().FieldValue("data", string(data)).
		Build())
	if err := resp.Error(); err != nil {
		return "", fmt.Errorf("xadd %s: %w", stream, err)
	}

	id, err := resp.ToString()
	if err != nil {
		return "", fmt.Errorf("parse xadd response: %w", err)
	}
	return id, nil
}

// Consumer reads session jobs from the Valkey stream.
type Consumer struct {
	client     valkey.Client
	consumerID string
	logger     *slog.Logger
}

func NewConsumer(client valkey.Client, consumerID string, logger *slog.Logger) *Consumer {
	return &Consumer{client: client, consumerID: consumerID, logger: logger}
}

// EnsureGroup creates the consumer group if it doesn't exist.
func (c *Consumer) EnsureGroup(ctx context.Context) error {
	return ensureGroup(ctx, c.client, StreamName, GroupName)
}

// Consume blocks until a message is available, processes it via handler, and ACKs.
// On startup, it first drains any pending messages from a previous crash.
func (c *Consumer) Consume(ctx context.Context, handler func(context.Context, SessionMessage) error) error {
	// Id "0" returns messages delivered to this consumer but never ACKed
	c.drainPending(ctx, handler)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		resp := c.client.Do(ctx, c.client.B().Xreadgroup().
			Group(GroupName, c.consumerID).
			Count(1).Block(5000).
			Streams().Key(StreamName).Id(">").
			Build())

		if err := resp.Error(); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// Timeout is normal for BLOCK reads
			continue
		}

		results, err := resp.AsXRead()
		if err != nil {
			continue
		}

		for _, messages := range results {
			for _, msg := range messages {
				c.processMessage(ctx, msg, handler)
			}
		}
	}
}

func (c *Consumer) drainPending(ctx context.Context, handler func(context.Context, SessionMessage) error) {
	resp := c.client.Do(ctx, c.client.B().Xreadgroup().
		Group(GroupName, c.consumerID).
		Count(10).
		Streams().Key(StreamName).Id("0").
		Build())

	if err := resp.Error(); err != nil {
		c.logger.Warn("drain pending failed", slog.String("error", err.Error()))
		return
	}

	results, err := resp.AsXRead()
	if err != nil {
		return
	}

	for _, messages := range results {
		for _, msg := range messages {
			c.logger.Info("recovering pending session", slog.String("id", msg.ID))
			c.processMessage(ctx, msg, handler)
		}
	}
}

func (c *Consumer) processMessage(ctx context.Context, msg valkey.XRangeEntry, handler func(context.Context, SessionMessage) error) {
	dataStr, ok := msg.FieldValues["data"]
	if !ok {
		c.logger.Warn("message missing data field", slog.String("id", msg.ID))
		c.ack(ctx, msg.ID)
		return
	}

	var sessionMsg SessionMessage
	if err := json.Unmarshal([]byte(dataStr), &sessionMsg); err != nil {
		c.logger.Error("unmarshal message", slog.String("error", err.Error()), slog.String("id", msg.ID))
		c.ack(ctx, msg.ID)
		return
	}

	if err := handler(ctx, sessionMsg); err != nil {
		c.logger.Error("handle session", slog.String("error", err.Error()),
			slog.String("id", msg.ID),
			slog.String("session_id", sessionMsg.SessionID.String()))
	} else {
		c.ack(ctx, msg.ID)
	}
}

func (c *Consumer) ack(ctx context.Context, msgID string) {
	resp := c.client.Do(ctx, c.client.B().Xack().
		Key(StreamName).Group(GroupName).Id(msgID).Build())
	if err := resp.Error(); err != nil {
		c.logger.Error("xack failed", slog.String("error", err.Error()), slog.String("id", msgID))
	}
}

// VectorizeConsumer reads embedding backfill batches from the Valkey stream.
type VectorizeConsumer struct {
	client     valkey.Client
	consumerID string
	logger     *slog.Logger
}

func NewVectorizeConsumer(client valkey.Client, consumerID string, logger *slog.Logger) *VectorizeConsumer {
	return &VectorizeConsumer{client: client, consumerID: consumerID, logger: logger}
}

// EnsureGroup creates the vectorize consumer group if it doesn't exist.
func (c *VectorizeConsumer) EnsureGroup(ctx context.Context) error {
	return ensureGroup(ctx, c.client, VectorizeStream, VectorizeGroupName)
}

// Consume blocks reading vectorize batches, processing each via handler, and ACKs.
func (c *VectorizeConsumer) Consume(ctx context.Context, handler func(context.Context, VectorizeMessage) error) error {
	c.drainPending(ctx, handler)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		resp := c.client.Do(ctx, c.client.B().Xreadgroup().
			Group(VectorizeGroupName, c.consumerID).
			Count(1).Block(5000).
			Streams().Key(VectorizeStream).Id(">").
			Build())

		if err := resp.Error(); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			continue
		}

		results, err := resp.AsXRead()
		if err != nil {
			continue
		}

		for _, messages := range results {
			for _, msg := range messages {
				c.processBatch(ctx, msg, handler)
			}
		}
	}
}

func (c *VectorizeConsumer) drainPending(ctx context.Context, handler func(context.Context, VectorizeMessage) error) {
	resp := c.client.Do(ctx, c.client.B().Xreadgroup().
		Group(VectorizeGroupName, c.consumerID).
		Count(10).
		Streams().Key(VectorizeStream).Id("0").
		Build())

	if err := resp.Error(); err != nil {
		c.logger.Warn("drain vectorize pending failed", slog.String("error", err.Error()))
		return
	}

	results, err := resp.AsXRead()
	if err != nil {
		return
	}

	for _, messages := range results {
		for _, msg := range messages {
			c.logger.Info("recovering pending vectorize batch", slog.String("id", msg.ID))
			c.processBatch(ctx, msg, handler)
		}
	}
}

func (c *VectorizeConsumer) processBatch(ctx context.Context, msg valkey.XRangeEntry, handler func(context.Context, VectorizeMessage) error) {
	dataStr, ok := msg.FieldValues["data"]
	if !ok {
		c.logger.Warn("vectorize batch missing data field", slog.String("id", msg.ID))
		c.ackBatch(ctx, msg.ID)
		return
	}

	var batch VectorizeMessage
	if err := json.Unmarshal([]byte(dataStr), &batch); err != nil {
		c.logger.Error("unmarshal vectorize batch", slog.String("error", err.Error()), slog.String("id", msg.ID))
		c.ackBatch(ctx, msg.ID)
		return
	}

	if err := handler(ctx, batch); err != nil {
		c.logger.Error("handle vectorize batch", slog.String("error", err.Error()),
			slog.String("id", msg.ID),
			slog.String("zone_id", batch.ZoneID.String()),
			slog.Int("post_count", len(batch.PostIDs)))
	} else {
		c.ackBatch(ctx, msg.ID)
	}
}

func (c *VectorizeConsumer) ackBatch(ctx context.Context, msgID string) {
	resp := c.client.Do(ctx, c.client.B().Xack().
		Key(VectorizeStream).Group(VectorizeGroupName).Id(msgID).Build())
	if err := resp.Error(); err != nil {
		c.logger.Error("xack vectorize failed", slog.String("error", err.Error()), slog.String("id", msgID))
	}
}

func ensureGroup(ctx context.Context, client valkey.Client, stream, group string) error {
	resp := client.Do(ctx, client.B().XgroupCreate().
		Key(stream).Group(group).Id("0").Mkstream().Build())
	if err := resp.Error(); err != nil {
		// BUSYGROUP means group already exists — that's fine
		if err.Error() != "BUSYGROUP Consumer Group name already exists" {
			return fmt.Errorf("xgroup create %s: %w", stream, err)
		}
	}
	return nil
}

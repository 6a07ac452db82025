package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"media-refinery/internal/models"
)

// LogAppender persists progress events to the durable job log.
type LogAppender interface {
	AppendLog(ctx context.Context, ev models.ProgressEvent) error
}

// Bus fans progress events out to live subscribers over Redis pub/sub.
// Every event is appended to the durable log before it is published, so a
// reader can never observe a live event for state that was not committed.
type Bus struct {
	client *redis.Client
	logs   LogAppender
}

func NewBus(client *redis.Client, logs LogAppender) *Bus {
	return &Bus{client: client, logs: logs}
}

func channelFor(jobID string) string {
	return "progress:" + jobID
}

// Publish appends the event durably, then broadcasts it. A pub/sub failure
// is degraded live delivery, not a job error; the durable log already holds
// the event.
func (b *Bus) Publish(ctx context.Context, jobID, level, message string) error {
	ev := models.ProgressEvent{
		JobID:     jobID,
		Timestamp: time.Now().UTC(),
		Level:     level,
		Message:   message,
	}
	if err := b.logs.AppendLog(ctx, ev); err != nil {
		return fmt.Errorf("append job log: %w", err)
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal progress event: %w", err)
	}
	if err := b.client.Publish(ctx, channelFor(jobID), payload).Err(); err != nil {
		slog.Warn("progress publish failed", "job_id", jobID, "error", err)
	}
	return nil
}

// Subscribe returns a stream of live events for a job plus a stop function.
// Delivery is at-most-once per subscriber: events published before the
// subscription, or while the subscriber's buffer is full, are dropped. The
// full history is always available from the durable log.
func (b *Bus) Subscribe(ctx context.Context, jobID string) (<-chan models.ProgressEvent, func()) {
	sub := b.client.Subscribe(ctx, channelFor(jobID))
	out := make(chan models.ProgressEvent, 64)

	go func() {
		defer close(out)
		for msg := range sub.Channel() {
			var ev models.ProgressEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				slog.Warn("drop malformed progress event", "job_id", jobID, "error", err)
				continue
			}
			select {
			case out <- ev:
			default:
				// Slow subscriber; drop rather than block other consumers.
			}
		}
	}()

	return out, func() { _ = sub.Close() }
}

package delayq

import (
	"context"
	"fmt"
	"time"

	"delayq/internal/metrics"
	"delayq/internal/shard"
	"delayq/internal/store"
)

// PutMessage writes one message due at due into the producer's current shard.
// It does not retry; a failed put writes nothing.
func (c *Client) PutMessage(ctx context.Context, queue string, due time.Time, payload string) (*store.Row, error) {
	if queue == "" {
		return nil, &OpError{Op: OpPut, Err: ErrEmptyQueueName}
	}

	now := c.producerClock.Now()
	label := shard.Label(c.calc.ProducerShardAt(now))

	id, err := c.ids()
	if err != nil {
		return nil, &OpError{Op: OpPut, Queue: queue, Shard: label, Err: fmt.Errorf("generate id: %w", err)}
	}

	// Millisecond precision is the coarsest any backend keeps; rounding here
	// keeps the key read back by a consumer identical to the one written.
	due = due.UTC().Truncate(time.Millisecond)

	row := &store.Row{
		Queue:     queue,
		Shard:     label,
		Due:       due,
		ID:        id,
		Message:   payload,
		ExpiresAt: c.expiry(due),
	}

	c.logger.Debug("putting message", "queue", queue, "shard", label, "due", due, "id", id)

	if err := c.store.Insert(ctx, row); err != nil {
		metrics.PutsTotal.WithLabelValues(queue, label, metrics.ResultFailure).Inc()
		return nil, &OpError{Op: OpPut, Queue: queue, Shard: label, Err: err}
	}

	metrics.PutsTotal.WithLabelValues(queue, label, metrics.ResultSuccess).Inc()
	return row, nil
}

// Put is PutMessage for poll loops: it logs a failure and reports false.
func (c *Client) Put(ctx context.Context, queue string, due time.Time, payload string) bool {
	if _, err := c.PutMessage(ctx, queue, due, payload); err != nil {
		c.logger.Error("unable to put message", "error", err, "queue", queue)
		return false
	}
	return true
}

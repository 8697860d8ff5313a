package delayq

import (
	"context"

	"delayq/internal/metrics"
	"delayq/internal/shard"
)

// TakeMessage removes and returns the earliest due message in the consumer's
// current shard. It returns nil, nil when nothing is due.
//
// The read and the delete are two storage calls with no claim in between:
// another consumer on the same shard can read the same row before the delete
// lands, and both will deliver it. If the delete fails the message stays and is
// delivered again on a later poll. Once the delete succeeds the message is gone,
// so a caller that crashes before processing it loses it.
func (c *Client) TakeMessage(ctx context.Context, queue string) (*Delivery, error) {
	if queue == "" {
		return nil, &OpError{Op: OpTake, Err: ErrEmptyQueueName}
	}

	now := c.consumerClock.Now()
	label := shard.Label(c.calc.ConsumerShardAt(now))

	c.logger.Debug("trying to take one message", "queue", queue, "shard", label)

	row, err := c.store.FirstDue(ctx, queue, label, now)
	if err != nil {
		metrics.TakesTotal.WithLabelValues(queue, label, metrics.ResultFailure).Inc()
		return nil, &OpError{Op: OpTake, Queue: queue, Shard: label, Err: err}
	}
	if row == nil {
		metrics.TakesTotal.WithLabelValues(queue, label, metrics.ResultEmpty).Inc()
		return nil, nil
	}

	c.logger.Debug("got message", "queue", queue, "shard", label, "due", row.Due, "id", row.ID)

	if err := c.store.Delete(ctx, row.Key()); err != nil {
		metrics.TakesTotal.WithLabelValues(queue, label, metrics.ResultFailure).Inc()
		return nil, &OpError{Op: OpDelete, Queue: queue, Shard: label, Err: err}
	}

	metrics.TakesTotal.WithLabelValues(queue, label, metrics.ResultSuccess).Inc()
	metrics.DeliveryLag.WithLabelValues(queue).Observe(now.Sub(row.Due).Seconds())

	return &Delivery{
		Queue:   row.Queue,
		Shard:   row.Shard,
		Due:     row.Due,
		ID:      row.ID,
		Message: row.Message,
		TakenAt: now,
	}, nil
}

// Take is TakeMessage for poll loops. ok is false when nothing was due or the
// storage call failed; failures are logged.
func (c *Client) Take(ctx context.Context, queue string) (payload string, ok bool) {
	d, err := c.TakeMessage(ctx, queue)
	if err != nil {
		c.logger.Error("unable to take message", "error", err, "queue", queue)
		return "", false
	}
	if d == nil {
		return "", false
	}
	return d.Message, true
}

package delayq

import (
	"context"
)

// Unknown is the count reported when the store could not be read.
const Unknown int64 = -1

// ShardBacklog is one row of the observer table.
type ShardBacklog struct {
	Shard int   `json:"shard"`
	Due   int64 `json:"due"`
	Total int64 `json:"total"`
}

// CountAllRows returns the number of stored rows in one shard of queue.
func (c *Client) CountAllRows(ctx context.Context, queue string, shardIdx int) (int64, error) {
	return c.count(ctx, OpCountAll, queue, shardIdx)
}

// CountDueRows returns the number of rows in one shard of queue already due.
func (c *Client) CountDueRows(ctx context.Context, queue string, shardIdx int) (int64, error) {
	return c.count(ctx, OpCountDue, queue, shardIdx)
}

func (c *Client) count(ctx context.Context, op Op, queue string, shardIdx int) (int64, error) {
	if queue == "" {
		return 0, &OpError{Op: op, Err: ErrEmptyQueueName}
	}
	label, err := c.label(shardIdx)
	if err != nil {
		return 0, &OpError{Op: op, Queue: queue, Err: err}
	}

	// Observers have no shard of their own; the consumer clock decides what is due.
	now := c.consumerClock.Now()

	var n int64
	if op == OpCountDue {
		n, err = c.store.CountDue(ctx, queue, label, now)
	} else {
		n, err = c.store.CountAll(ctx, queue, label, now)
	}
	if err != nil {
		return 0, &OpError{Op: op, Queue: queue, Shard: label, Err: err}
	}
	return n, nil
}

// CountAll is CountAllRows for dashboards: it logs a failure and returns -1.
func (c *Client) CountAll(ctx context.Context, queue string, shardIdx int) int64 {
	n, err := c.CountAllRows(ctx, queue, shardIdx)
	if err != nil {
		c.logger.Error("unable to read count all", "error", err, "queue", queue, "shard", shardIdx)
		return Unknown
	}
	return n
}

// CountDue is CountDueRows for dashboards: it logs a failure and returns -1.
func (c *Client) CountDue(ctx context.Context, queue string, shardIdx int) int64 {
	n, err := c.CountDueRows(ctx, queue, shardIdx)
	if err != nil {
		c.logger.Error("unable to read count due", "error", err, "queue", queue, "shard", shardIdx)
		return Unknown
	}
	return n
}

// Backlog returns due/total counts for every shard of queue, in shard order.
func (c *Client) Backlog(ctx context.Context, queue string) []ShardBacklog {
	backlog := make([]ShardBacklog, c.calc.Count())
	for i := range backlog {
		backlog[i] = ShardBacklog{
			Shard: i,
			Due:   c.CountDue(ctx, queue, i),
			Total: c.CountAll(ctx, queue, i),
		}
	}
	return backlog
}

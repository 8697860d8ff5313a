package runner

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"delayq/internal/delayq"
	"delayq/internal/metrics"
)

// ObserverConfig configures an Observer.
type ObserverConfig struct {
	Queue    string
	Interval time.Duration
	// Out receives the table. Nil disables printing; gauges are still updated.
	Out io.Writer
}

// Observer reports due/total counts per shard.
type Observer struct {
	client *delayq.Client
	cfg    ObserverConfig
	logger *slog.Logger
}

// NewObserver creates an observer loop.
func NewObserver(client *delayq.Client, cfg ObserverConfig, logger *slog.Logger) *Observer {
	return &Observer{client: client, cfg: cfg, logger: logger}
}

// Run prints the table header and refreshes the counts once per interval
// until ctx is canceled. Each refresh overwrites the previous line.
func (o *Observer) Run(ctx context.Context) error {
	o.logger.Info("starting observer", "queue", o.cfg.Queue, "interval", o.cfg.Interval)
	if o.cfg.Out != nil {
		fmt.Fprint(o.cfg.Out, Header(o.client.Shards().Count()))
	}

	every(ctx, o.cfg.Interval, func(ctx context.Context) {
		line := FormatBacklog(o.cfg.Queue, o.Observe(ctx))
		if o.cfg.Out != nil {
			fmt.Fprint(o.cfg.Out, line+"\r")
		}
	})

	if o.cfg.Out != nil {
		fmt.Fprintln(o.cfg.Out)
	}
	return nil
}

// Observe reads the backlog of every shard and publishes it as gauges.
func (o *Observer) Observe(ctx context.Context) []delayq.ShardBacklog {
	backlog := o.client.Backlog(ctx, o.cfg.Queue)
	for _, b := range backlog {
		label := strconv.Itoa(b.Shard)
		metrics.BacklogDue.WithLabelValues(o.cfg.Queue, label).Set(float64(b.Due))
		metrics.BacklogTotal.WithLabelValues(o.cfg.Queue, label).Set(float64(b.Total))
	}
	return backlog
}

// Header returns the table header for n shards.
func Header(n int) string {
	var b strings.Builder
	b.WriteString("Showing Number-Of-Pending/Number-Of-Messages per shard\n\n")
	b.WriteString("Name")
	for i := 0; i < n; i++ {
		fmt.Fprintf(&b, " Shard %-4d", i)
	}
	b.WriteString("\n")
	return b.String()
}

// FormatBacklog renders one table row: the queue name followed by
// due/total per shard. Unknown counts print as -001.
func FormatBacklog(queue string, backlog []delayq.ShardBacklog) string {
	var b strings.Builder
	b.WriteString(queue)
	for _, s := range backlog {
		fmt.Fprintf(&b, " %04d/%04d", s.Due, s.Total)
	}
	return b.String()
}

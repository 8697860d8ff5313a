// Package runner holds the long-running loops behind the three roles: a
// producer that writes messages, a consumer that takes and forwards them, an
// observer that reports per-shard backlog, and a sweeper that purges expired
// rows from stores without native expiry.
package runner

import (
	"context"
	"time"
)

// every calls fn immediately and then once per interval until ctx is done.
func every(ctx context.Context, interval time.Duration, fn func(ctx context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		fn(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

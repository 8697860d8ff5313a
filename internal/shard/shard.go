// Package shard maps wall-clock time to shard indices.
// Producers and consumers use different formulas on purpose: the consumer trails
// the producer by two shards so that a message written up to a minute earlier
// (under clock skew) is found in the shard the consumer is polling once it is due.
package shard

import (
	"errors"
	"fmt"
	"strconv"
	"time"
)

// MinShardCount is the smallest shard count for which the consumer offset cannot
// alias onto a shard still receiving writes inside the one-minute skew window.
const MinShardCount = 4

// ConsumerOffset is how many shards the consumer trails the producer.
const ConsumerOffset = 2

// ErrUnsafeShardCount is returned for shard counts below MinShardCount.
var ErrUnsafeShardCount = errors.New("shard count must be at least 4")

// TimestampFormat selects how a time is reduced to a minute timestamp.
type TimestampFormat string

const (
	// FormatCalendar encodes year·10⁷ + dayOfYear·10⁴ + hour·10² + minute.
	// The encoding skips values at every boundary: +41 at an hour end, +7641 at
	// a day end, more at a year end. Each jump minus one is a multiple of 40, so
	// shard progression advances by one per minute only when the shard count
	// divides 40.
	FormatCalendar TimestampFormat = "calendar"
	// FormatEpoch uses whole minutes since the Unix epoch and has no jumps.
	FormatEpoch TimestampFormat = "epoch"
)

// IsValid returns true if the format is known.
func (f TimestampFormat) IsValid() bool {
	return f == FormatCalendar || f == FormatEpoch
}

// Calculator computes producer and consumer shards for a fixed shard count.
type Calculator struct {
	count  int
	format TimestampFormat
}

// New creates a calculator. An empty format means FormatCalendar.
func New(count int, format TimestampFormat) (*Calculator, error) {
	if count < MinShardCount {
		return nil, fmt.Errorf("%w: got %d", ErrUnsafeShardCount, count)
	}
	if format == "" {
		format = FormatCalendar
	}
	if !format.IsValid() {
		return nil, fmt.Errorf("unknown timestamp format %q", format)
	}
	return &Calculator{count: count, format: format}, nil
}

// Count returns the number of shards.
func (c *Calculator) Count() int {
	return c.count
}

// Format returns the minute timestamp format in use.
func (c *Calculator) Format() TimestampFormat {
	return c.format
}

// MinuteTimestamp reduces t to its minute timestamp.
func (c *Calculator) MinuteTimestamp(t time.Time) int64 {
	if c.format == FormatEpoch {
		return EpochMinutes(t)
	}
	return CalendarMinutes(t)
}

// ProducerShard returns the shard a producer writes to at minute timestamp mts.
func (c *Calculator) ProducerShard(mts int64) int {
	return ProducerShard(mts, c.count)
}

// ConsumerShard returns the shard a consumer polls at minute timestamp mts.
func (c *Calculator) ConsumerShard(mts int64) int {
	return ConsumerShard(mts, c.count)
}

// ProducerShardAt is ProducerShard for the minute containing t.
func (c *Calculator) ProducerShardAt(t time.Time) int {
	return c.ProducerShard(c.MinuteTimestamp(t))
}

// ConsumerShardAt is ConsumerShard for the minute containing t.
func (c *Calculator) ConsumerShardAt(t time.Time) int {
	return c.ConsumerShard(c.MinuteTimestamp(t))
}

// Rotation is how long a consumer takes to come back to the same shard.
func (c *Calculator) Rotation() time.Duration {
	return time.Duration(c.count) * time.Minute
}

// Labels returns the partition labels of every shard in index order.
func (c *Calculator) Labels() []string {
	labels := make([]string, c.count)
	for i := range labels {
		labels[i] = Label(i)
	}
	return labels
}

// Label is the string encoding of a shard index used in partition keys.
func Label(shard int) string {
	return strconv.Itoa(shard)
}

// CalendarMinutes encodes t (in UTC) as YYYYDDDHHMM.
func CalendarMinutes(t time.Time) int64 {
	t = t.UTC()
	return int64(t.Year())*10_000_000 +
		int64(t.YearDay())*10_000 +
		int64(t.Hour())*100 +
		int64(t.Minute())
}

// EpochMinutes returns whole minutes since the Unix epoch.
func EpochMinutes(t time.Time) int64 {
	return t.Unix() / 60
}

// ProducerShard is mts mod n.
func ProducerShard(mts int64, n int) int {
	return normalize(mts, n)
}

// ConsumerShard is ((mts mod n) - 2) mod n, normalized into [0, n).
func ConsumerShard(mts int64, n int) int {
	return normalize(mts%int64(n)-ConsumerOffset, n)
}

// Aliases reports whether, for n shards, a consumer can poll a shard that a
// producer within one minute of skew (either direction) is currently writing.
func Aliases(n int) bool {
	for mts := int64(0); mts < int64(n); mts++ {
		c := ConsumerShard(mts, n)
		for skew := int64(-1); skew <= 1; skew++ {
			if ProducerShard(mts+skew, n) == c {
				return true
			}
		}
	}
	return false
}

func normalize(s int64, n int) int {
	m := int64(n)
	return int((s%m + m) % m)
}

package delayq

import (
	"context"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"delayq/internal/clock"
	"delayq/internal/shard"
	"delayq/internal/store"
	"delayq/internal/store/memory"
)

// delivery records what a consumer saw when it took a message.
type delivery struct {
	message string
	at      time.Time
	shard   string
}

// pollUntil advances wall in steps, taking from consumer at each step, until
// the limit is reached. It returns every delivery made.
func pollUntil(ctx context.Context, consumer *Client, wall *clock.Manual, consumerClock clock.Clock, step, limit time.Duration) []delivery {
	var got []delivery
	end := wall.Now().Add(limit)
	for wall.Now().Before(end) {
		wall.Advance(step)
		d, err := consumer.TakeMessage(ctx, "foo")
		Expect(err).NotTo(HaveOccurred())
		if d != nil {
			got = append(got, delivery{message: d.Message, at: consumerClock.Now(), shard: d.Shard})
		}
	}
	return got
}

var _ = Describe("Delay queue protocol", func() {
	var (
		ctx  context.Context
		s    *memory.MessageStore
		calc *shard.Calculator
		wall *clock.Manual
	)

	BeforeEach(func() {
		ctx = context.Background()
		s = memory.NewMessageStore()
		calc = fourShards()
		wall = clock.NewManual(base)
	})

	Describe("clock skew between producer and consumer", func() {
		It("delivers a message written 59s behind the consumer on the first visit", func() {
			producerClock := wall
			consumerClock := clock.Skewed{Base: wall, Offset: 59 * time.Second}

			producer := New(s, calc, WithProducerClock(producerClock), WithLogger(testLogger()))
			consumer := New(s, calc, WithConsumerClock(consumerClock), WithLogger(testLogger()))

			By("writing at producer time 12:02:00")
			row, err := producer.PutMessage(ctx, "foo", base, "skewed")
			Expect(err).NotTo(HaveOccurred())
			Expect(row.Shard).To(Equal("2"))

			By("polling at consumer time 12:02:59, which reads shard 0")
			Expect(calc.ConsumerShardAt(consumerClock.Now())).To(Equal(0))
			Expect(consumer.TakeMessage(ctx, "foo")).To(BeNil())

			By("polling at consumer time 12:03:59, which reads shard 1")
			wall.Advance(time.Minute)
			Expect(calc.ConsumerShardAt(consumerClock.Now())).To(Equal(1))
			Expect(consumer.TakeMessage(ctx, "foo")).To(BeNil())

			By("polling at consumer time 12:04:00, which reads shard 2")
			wall.Set(base.Add(2*time.Minute - 59*time.Second))
			Expect(calc.ConsumerShardAt(consumerClock.Now())).To(Equal(2))
			d, err := consumer.TakeMessage(ctx, "foo")
			Expect(err).NotTo(HaveOccurred())
			Expect(d).NotTo(BeNil())
			Expect(d.Message).To(Equal("skewed"))
		})

		DescribeTable("delivers exactly once, on the first visit to the shard",
			func(skew time.Duration) {
				for _, writeSecond := range []int{0, 1, 29, 58, 59} {
					s.Clear()
					wall.Set(base.Add(time.Duration(writeSecond) * time.Second))
					consumerClock := clock.Skewed{Base: wall, Offset: skew}

					producer := New(s, calc, WithProducerClock(wall), WithLogger(testLogger()))
					consumer := New(s, calc, WithConsumerClock(consumerClock), WithLogger(testLogger()))

					due := wall.Now().Add(60 * time.Second)
					row, err := producer.PutMessage(ctx, "foo", due, "m")
					Expect(err).NotTo(HaveOccurred())

					got := pollUntil(ctx, consumer, wall, consumerClock, 5*time.Second, 10*time.Minute)
					Expect(got).To(HaveLen(1), "skew %v, written at second %d", skew, writeSecond)

					Expect(got[0].shard).To(Equal(row.Shard))
					Expect(got[0].at).To(BeTemporally(">", row.Due))
					Expect(got[0].at).To(BeTemporally("<", row.ExpiresAt))

					// The producer wrote during 12:02; the first consumer minute reading
					// its shard is 12:04.
					Expect(got[0].at).To(BeTemporally(">=", base.Add(2*time.Minute)))
					Expect(got[0].at).To(BeTemporally("<", base.Add(3*time.Minute)))
				}
			},
			Entry("consumer 59s behind", -59*time.Second),
			Entry("consumer 30s behind", -30*time.Second),
			Entry("consumer 1s behind", -time.Second),
			Entry("clocks agree", time.Duration(0)),
			Entry("consumer 1s ahead", time.Second),
			Entry("consumer 30s ahead", 30*time.Second),
			Entry("consumer 59s ahead", 59*time.Second),
		)
	})

	DescribeTable("delivers long delays within one rotation of due",
		func(delay time.Duration) {
			producer := New(s, calc, WithClock(wall), WithLogger(testLogger()))
			row, err := producer.PutMessage(ctx, "foo", base.Add(delay), "later")
			Expect(err).NotTo(HaveOccurred())

			got := pollUntil(ctx, producer, wall, wall, 5*time.Second, 30*time.Minute)
			Expect(got).To(HaveLen(1))
			Expect(got[0].at).To(BeTemporally(">", row.Due))
			Expect(got[0].at).To(BeTemporally("<=", row.Due.Add(calc.Rotation())))
		},
		Entry("90 seconds", 90*time.Second),
		Entry("5 minutes", 5*time.Minute),
		Entry("10 minutes", 10*time.Minute),
		Entry("17m30s", 17*time.Minute+30*time.Second),
	)

	Describe("at-least-once delivery", func() {
		It("delivers twice when two consumers read before either deletes", func() {
			barrier := newBarrierStore(s, 2)
			client := New(barrier, calc, WithClock(wall), WithLogger(testLogger()))

			Expect(client.Put(ctx, "foo", base, "dup")).To(BeTrue())
			wall.Set(base.Add(2 * time.Minute))

			var (
				wg  sync.WaitGroup
				mu  sync.Mutex
				got []string
			)
			for i := 0; i < 2; i++ {
				wg.Add(1)
				go func() {
					defer GinkgoRecover()
					defer wg.Done()
					if msg, ok := client.Take(ctx, "foo"); ok {
						mu.Lock()
						got = append(got, msg)
						mu.Unlock()
					}
				}()
			}
			wg.Wait()

			Expect(got).To(Equal([]string{"dup", "dup"}))
			Expect(s.Len()).To(Equal(0))
		})

		It("delivers at least once to racing consumers", func() {
			client := New(s, calc, WithClock(wall), WithLogger(testLogger()))
			Expect(client.Put(ctx, "foo", base, "race")).To(BeTrue())
			wall.Set(base.Add(2 * time.Minute))

			const consumers = 8
			var (
				wg        sync.WaitGroup
				mu        sync.Mutex
				delivered int
			)
			for i := 0; i < consumers; i++ {
				wg.Add(1)
				go func() {
					defer GinkgoRecover()
					defer wg.Done()
					if _, ok := client.Take(ctx, "foo"); ok {
						mu.Lock()
						delivered++
						mu.Unlock()
					}
				}()
			}
			wg.Wait()

			Expect(delivered).To(BeNumerically(">=", 1))
			Expect(delivered).To(BeNumerically("<=", consumers))
			Expect(client.CountAll(ctx, "foo", 2)).To(BeZero())
		})

		It("redelivers when the delete fails", func() {
			failing := newFailingStore(s)
			client := New(failing, calc, WithClock(wall), WithLogger(testLogger()))

			Expect(client.Put(ctx, "foo", base, "again")).To(BeTrue())
			wall.Set(base.Add(2 * time.Minute))

			failing.failOnce(store.OpDelete)
			_, ok := client.Take(ctx, "foo")
			Expect(ok).To(BeFalse())
			Expect(client.CountAll(ctx, "foo", 2)).To(Equal(int64(1)))

			msg, ok := client.Take(ctx, "foo")
			Expect(ok).To(BeTrue())
			Expect(msg).To(Equal("again"))
		})

		It("loses a message whose consumer stops after the delete", func() {
			client := New(s, calc, WithClock(wall), WithLogger(testLogger()))
			Expect(client.Put(ctx, "foo", base, "gone")).To(BeTrue())
			wall.Set(base.Add(2 * time.Minute))

			_, ok := client.Take(ctx, "foo")
			Expect(ok).To(BeTrue())

			// Nothing is left to redeliver over the next two rotations.
			for i := 0; i < 8; i++ {
				wall.Advance(time.Minute)
				_, ok := client.Take(ctx, "foo")
				Expect(ok).To(BeFalse())
			}
			Expect(s.Len()).To(Equal(0))
		})
	})

	Describe("shard count", func() {
		It("rejects fewer than four shards", func() {
			for _, n := range []int{0, 1, 2, 3} {
				_, err := shard.New(n, shard.FormatCalendar)
				Expect(err).To(MatchError(shard.ErrUnsafeShardCount))
			}
		})

		It("never lets a consumer read the shard being written within the skew window", func() {
			for _, n := range []int{4, 5, 8, 16} {
				Expect(shard.Aliases(n)).To(BeFalse(), "n=%d", n)
			}
			Expect(shard.Aliases(3)).To(BeTrue())
		})
	})
})

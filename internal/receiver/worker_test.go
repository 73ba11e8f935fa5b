package receiver_test

import (
	"context"
	"log/slog"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"procodus.dev/sensor-ingest/internal/queue"
	"procodus.dev/sensor-ingest/internal/receiver"
	"procodus.dev/sensor-ingest/internal/storage/mock"
	"procodus.dev/sensor-ingest/pkg/logger"
	"procodus.dev/sensor-ingest/pkg/metrics"
	"procodus.dev/sensor-ingest/pkg/reading"
)

var _ = Describe("Worker", func() {
	var (
		log   *slog.Logger
		q     *queue.WorkQueue
		store *mock.Store
	)

	BeforeEach(func() {
		log = logger.Discard()
		q = queue.New()
		store = mock.New()
	})

	Describe("NewWorker", func() {
		It("should reject a nil config", func() {
			w, err := receiver.NewWorker(nil)
			Expect(err).To(MatchError(ContainSubstring("config cannot be nil")))
			Expect(w).To(BeNil())
		})

		It("should reject missing dependencies", func() {
			_, err := receiver.NewWorker(&receiver.WorkerConfig{Queue: q, Store: store})
			Expect(err).To(MatchError(ContainSubstring("logger")))

			_, err = receiver.NewWorker(&receiver.WorkerConfig{Logger: log, Store: store})
			Expect(err).To(MatchError(ContainSubstring("queue")))

			_, err = receiver.NewWorker(&receiver.WorkerConfig{Logger: log, Queue: q})
			Expect(err).To(MatchError(ContainSubstring("store")))
		})

		It("should reject a negative item delay", func() {
			_, err := receiver.NewWorker(&receiver.WorkerConfig{Logger: log, Queue: q, Store: store, ItemDelay: -time.Second})
			Expect(err).To(MatchError(ContainSubstring("negative")))
		})
	})

	Describe("Run", func() {
		var (
			ctx    context.Context
			cancel context.CancelFunc
		)

		BeforeEach(func() {
			ctx, cancel = context.WithCancel(context.Background())
		})

		AfterEach(func() {
			cancel()
		})

		start := func(delay time.Duration, m *metrics.IngestMetrics) *receiver.Worker {
			w, err := receiver.NewWorker(&receiver.WorkerConfig{
				Logger:    log,
				Queue:     q,
				Store:     store,
				ItemDelay: delay,
				Metrics:   m,
			})
			Expect(err).NotTo(HaveOccurred())
			go w.Run(ctx)
			return w
		}

		It("should write readings one row at a time in arrival order", func() {
			start(0, nil)
			for i := int64(1); i <= 5; i++ {
				q.Push(sample(i))
			}

			Eventually(store.Rows).Should(HaveLen(5))
			Expect(store.Rows()).To(Equal([]reading.Reading{
				sample(1), sample(2), sample(3), sample(4), sample(5),
			}))

			inserts, batches := store.Calls()
			Expect(inserts).To(Equal(5))
			Expect(batches).To(BeZero())
		})

		It("should wait the item delay before writing", func() {
			start(200*time.Millisecond, nil)
			q.Push(sample(1))

			Eventually(q.Len).Should(BeZero())
			Consistently(store.Rows, 100*time.Millisecond).Should(BeEmpty())
			Eventually(store.Rows).Should(ConsistOf(sample(1)))
		})

		It("should keep going after a failed insert", func() {
			store.FailInsert = func(r reading.Reading) error {
				if r.SensorID == 2 {
					return mock.ErrInjected
				}
				return nil
			}
			m := metrics.NewIngestMetrics("test", prometheus.NewRegistry())
			start(0, m)

			q.Push(sample(1))
			q.Push(sample(2))
			q.Push(sample(3))

			Eventually(store.Rows).Should(Equal([]reading.Reading{sample(1), sample(3)}))
			inserts, _ := store.Calls()
			Expect(inserts).To(Equal(3))
			Expect(testutil.ToFloat64(m.WriteFailures.WithLabelValues(metrics.PathWorker))).To(Equal(1.0))
			Expect(testutil.ToFloat64(m.ReadingsStored.WithLabelValues(metrics.PathWorker))).To(Equal(2.0))
		})

		It("should stop when the context is cancelled", func() {
			w := start(0, nil)
			cancel()
			Eventually(w.Done()).Should(BeClosed())
			Expect(store.Rows()).To(BeEmpty())
		})

		It("should still write a reading it already removed when cancelled", func() {
			w := start(time.Hour, nil)
			q.Push(sample(7))
			Eventually(q.Len).Should(BeZero())

			cancel()
			Eventually(w.Done()).Should(BeClosed())
			Expect(store.Rows()).To(ConsistOf(sample(7)))
		})
	})
})

package receiver_test

import (
	"context"
	"log/slog"
	"net"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"procodus.dev/sensor-ingest/internal/queue"
	"procodus.dev/sensor-ingest/internal/receiver"
	"procodus.dev/sensor-ingest/pkg/logger"
	"procodus.dev/sensor-ingest/pkg/metrics"
	"procodus.dev/sensor-ingest/pkg/reading"
)

var _ = Describe("Listener", func() {
	var (
		log *slog.Logger
		q   *queue.WorkQueue
	)

	BeforeEach(func() {
		log = logger.Discard()
		q = queue.New()
	})

	Describe("NewListener", func() {
		It("should reject invalid configuration", func() {
			_, err := receiver.NewListener(nil)
			Expect(err).To(MatchError(ContainSubstring("config cannot be nil")))

			_, err = receiver.NewListener(&receiver.ListenerConfig{Addr: "127.0.0.1:0", Queue: q})
			Expect(err).To(MatchError(ContainSubstring("logger")))

			_, err = receiver.NewListener(&receiver.ListenerConfig{Logger: log, Queue: q})
			Expect(err).To(MatchError(ContainSubstring("address")))

			_, err = receiver.NewListener(&receiver.ListenerConfig{Logger: log, Addr: "127.0.0.1:0"})
			Expect(err).To(MatchError(ContainSubstring("queue")))
		})

		It("should fail to serve before Listen", func() {
			l, err := receiver.NewListener(&receiver.ListenerConfig{Logger: log, Addr: "127.0.0.1:0", Queue: q})
			Expect(err).NotTo(HaveOccurred())
			Expect(l.Addr()).To(BeNil())
			Expect(l.Serve(context.Background())).To(MatchError(ContainSubstring("not bound")))
		})
	})

	Describe("Serve", func() {
		var (
			l      *receiver.Listener
			m      *metrics.IngestMetrics
			ctx    context.Context
			cancel context.CancelFunc
			served chan error
			exited chan struct{}
			conn   net.Conn
		)

		BeforeEach(func() {
			m = metrics.NewIngestMetrics("test", prometheus.NewRegistry())

			var err error
			l, err = receiver.NewListener(&receiver.ListenerConfig{
				Logger:  log,
				Addr:    "127.0.0.1:0",
				Queue:   q,
				Metrics: m,
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(l.Listen()).To(Succeed())

			ctx, cancel = context.WithCancel(context.Background())
			served = make(chan error, 1)
			exited = make(chan struct{})
			go func(l *receiver.Listener, ctx context.Context, served chan<- error, exited chan<- struct{}) {
				defer close(exited)
				served <- l.Serve(ctx)
			}(l, ctx, served, exited)

			conn, err = net.Dial("udp", l.Addr().String())
			Expect(err).NotTo(HaveOccurred())
		})

		AfterEach(func() {
			cancel()
			Eventually(exited).Should(BeClosed())
			_ = conn.Close()
		})

		send := func(data []byte) {
			_, err := conn.Write(data)
			Expect(err).NotTo(HaveOccurred())
		}

		It("should queue one reading per datagram", func() {
			for i := int64(1); i <= 3; i++ {
				data, err := reading.Encode(sample(i))
				Expect(err).NotTo(HaveOccurred())
				send(data)
			}

			Eventually(q.Len).Should(Equal(3))
			Expect(q.Drain()).To(ConsistOf(sample(1), sample(2), sample(3)))
			Expect(testutil.ToFloat64(m.MessagesReceived.WithLabelValues(receiver.SourceUDP))).To(Equal(3.0))
		})

		It("should drop malformed datagrams and keep serving", func() {
			send([]byte("not json"))
			send([]byte(`{"sensor_id":1}`))

			data, err := reading.Encode(sample(4))
			Expect(err).NotTo(HaveOccurred())
			send(data)

			Eventually(q.Len).Should(Equal(1))
			Eventually(func() float64 {
				return testutil.ToFloat64(m.DecodeFailures.WithLabelValues(receiver.SourceUDP))
			}).Should(Equal(2.0))
			r, ok := q.TryPop()
			Expect(ok).To(BeTrue())
			Expect(r).To(Equal(sample(4)))
		})

		It("should return nil when the context is cancelled", func() {
			cancel()
			Eventually(served).Should(Receive(BeNil()))
		})

		It("should return nil when closed and tolerate a second Close", func() {
			Expect(l.Close()).To(Succeed())
			Eventually(served).Should(Receive(BeNil()))
			Expect(l.Close()).To(Succeed())
		})
	})
})

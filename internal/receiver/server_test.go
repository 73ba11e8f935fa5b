package receiver_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"procodus.dev/sensor-ingest/internal/receiver"
	"procodus.dev/sensor-ingest/internal/storage/mock"
	"procodus.dev/sensor-ingest/pkg/logger"
	"procodus.dev/sensor-ingest/pkg/reading"
)

func freePort() int {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	Expect(err).NotTo(HaveOccurred())
	defer lis.Close()
	return lis.Addr().(*net.TCPAddr).Port
}

var _ = Describe("Receiver Server", func() {
	var (
		log *slog.Logger
	)

	BeforeEach(func() {
		log = logger.Discard()
	})

	Describe("NewServer", func() {
		Context("with valid configuration", func() {
			It("should create a server backed by PostgreSQL", func() {
				server, err := receiver.NewServer(&receiver.ServerConfig{
					Logger:     log,
					ListenAddr: "127.0.0.1:5005",
					ItemDelay:  time.Second,
					DBHost:     "localhost",
					DBPort:     5432,
					DBUser:     "test",
					DBPassword: "password",
					DBName:     "testdb",
					DBSSLMode:  "disable",
				})
				Expect(err).NotTo(HaveOccurred())
				Expect(server).NotTo(BeNil())
				Expect(server.ListenAddr()).To(BeNil())
			})

			It("should create a server with an injected store and no database settings", func() {
				server, err := receiver.NewServer(&receiver.ServerConfig{
					Logger:     log,
					ListenAddr: "127.0.0.1:0",
					Store:      mock.New(),
				})
				Expect(err).NotTo(HaveOccurred())
				Expect(server).NotTo(BeNil())
			})
		})

		Context("with invalid configuration", func() {
			DescribeTable("should reject",
				func(cfg *receiver.ServerConfig, msg string) {
					if cfg != nil && cfg.Logger == nil && msg != "logger" {
						cfg.Logger = log
					}
					server, err := receiver.NewServer(cfg)
					Expect(err).To(MatchError(ContainSubstring(msg)))
					Expect(server).To(BeNil())
				},
				Entry("nil config", nil, "config cannot be nil"),
				Entry("nil logger", &receiver.ServerConfig{ListenAddr: ":0", Store: mock.New()}, "logger"),
				Entry("empty listen address", &receiver.ServerConfig{Store: mock.New()}, "listen address"),
				Entry("negative item delay", &receiver.ServerConfig{ListenAddr: ":0", Store: mock.New(), ItemDelay: -1}, "negative"),
				Entry("missing database host", &receiver.ServerConfig{ListenAddr: ":0", DBPort: 5432, DBUser: "u", DBName: "d"}, "database host"),
				Entry("invalid database port", &receiver.ServerConfig{ListenAddr: ":0", DBHost: "h", DBUser: "u", DBName: "d"}, "database port"),
				Entry("missing database user", &receiver.ServerConfig{ListenAddr: ":0", DBHost: "h", DBPort: 5432, DBName: "d"}, "database user"),
				Entry("missing database name", &receiver.ServerConfig{ListenAddr: ":0", DBHost: "h", DBPort: 5432, DBUser: "u"}, "database name"),
				Entry("rabbitmq without queue", &receiver.ServerConfig{ListenAddr: ":0", Store: mock.New(), RabbitMQURL: "amqp://localhost"}, "queue name"),
				Entry("negative port", &receiver.ServerConfig{ListenAddr: ":0", Store: mock.New(), GRPCPort: -1}, "ports"),
			)
		})
	})

	Describe("Run", func() {
		var (
			store  *mock.Store
			server *receiver.Server
			ctx    context.Context
			cancel context.CancelFunc
			result chan error
		)

		run := func(cfg *receiver.ServerConfig) {
			var err error
			server, err = receiver.NewServer(cfg)
			Expect(err).NotTo(HaveOccurred())

			ctx, cancel = context.WithCancel(context.Background())
			result = make(chan error, 1)
			go func(server *receiver.Server, ctx context.Context, result chan<- error) {
				result <- server.Run(ctx)
			}(server, ctx, result)
			Eventually(server.Ready(), 5*time.Second).Should(BeClosed())
		}

		sendAll := func(rs ...reading.Reading) {
			conn, err := net.Dial("udp", server.ListenAddr().String())
			Expect(err).NotTo(HaveOccurred())
			defer conn.Close()

			for _, r := range rs {
				data, err := reading.Encode(r)
				Expect(err).NotTo(HaveOccurred())
				_, err = conn.Write(data)
				Expect(err).NotTo(HaveOccurred())
			}
		}

		BeforeEach(func() {
			store = mock.New()
		})

		AfterEach(func() {
			if cancel != nil {
				cancel()
			}
		})

		It("should persist every received reading exactly once when stopped early", func() {
			run(&receiver.ServerConfig{
				Logger:     log,
				ListenAddr: "127.0.0.1:0",
				ItemDelay:  time.Hour,
				Store:      store,
			})

			sendAll(sample(1), sample(2), sample(3))
			Eventually(func() uint64 {
				pushed, _ := server.Queue().Stats()
				return pushed
			}).Should(Equal(uint64(3)))

			cancel()
			Eventually(result, 10*time.Second).Should(Receive(BeNil()))

			Expect(store.Rows()).To(ConsistOf(sample(1), sample(2), sample(3)))
			Expect(server.Queue().Len()).To(BeZero())

			// At most one reading reaches the worker before the hour-long delay
			// is cut short; the rest go out in the single shutdown batch.
			inserts, batches := store.Calls()
			Expect(inserts).To(BeNumerically("<=", 1))
			Expect(batches).To(Equal(1))
			Expect(store.Closed).To(BeTrue())
		})

		It("should not issue a batch when the worker has already drained the queue", func() {
			run(&receiver.ServerConfig{
				Logger:     log,
				ListenAddr: "127.0.0.1:0",
				Store:      store,
			})

			sendAll(sample(1), sample(2))
			Eventually(store.Rows).Should(HaveLen(2))

			cancel()
			Eventually(result, 10*time.Second).Should(Receive(BeNil()))

			inserts, batches := store.Calls()
			Expect(inserts).To(Equal(2))
			Expect(batches).To(BeZero())
		})

		It("should serve gRPC health and metrics while running", func() {
			grpcPort := freePort()
			metricsPort := freePort()
			run(&receiver.ServerConfig{
				Logger:      log,
				ListenAddr:  "127.0.0.1:0",
				Store:       store,
				GRPCPort:    grpcPort,
				MetricsPort: metricsPort,
			})

			conn, err := grpc.NewClient(fmt.Sprintf("127.0.0.1:%d", grpcPort),
				grpc.WithTransportCredentials(insecure.NewCredentials()))
			Expect(err).NotTo(HaveOccurred())
			defer conn.Close()

			client := healthpb.NewHealthClient(conn)
			Eventually(func() healthpb.HealthCheckResponse_ServingStatus {
				resp, err := client.Check(context.Background(), &healthpb.HealthCheckRequest{Service: receiver.HealthService})
				if err != nil {
					return healthpb.HealthCheckResponse_UNKNOWN
				}
				return resp.GetStatus()
			}, 5*time.Second).Should(Equal(healthpb.HealthCheckResponse_SERVING))

			Eventually(func() int {
				resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/metrics", metricsPort))
				if err != nil {
					return 0
				}
				defer resp.Body.Close()
				_, _ = io.Copy(io.Discard, resp.Body)
				return resp.StatusCode
			}, 5*time.Second).Should(Equal(http.StatusOK))

			cancel()
			Eventually(result, 10*time.Second).Should(Receive(BeNil()))
		})

		It("should fail when the listen address is taken", func() {
			taken, err := net.ListenPacket("udp", "127.0.0.1:0")
			Expect(err).NotTo(HaveOccurred())
			defer taken.Close()

			server, err := receiver.NewServer(&receiver.ServerConfig{
				Logger:     log,
				ListenAddr: taken.LocalAddr().String(),
				Store:      store,
			})
			Expect(err).NotTo(HaveOccurred())

			err = server.Run(context.Background())
			Expect(err).To(MatchError(ContainSubstring("failed to listen")))
			Expect(store.Closed).To(BeTrue())
		})
	})
})

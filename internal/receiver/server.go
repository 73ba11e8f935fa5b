package receiver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"

	"procodus.dev/sensor-ingest/internal/queue"
	"procodus.dev/sensor-ingest/internal/storage"
	"procodus.dev/sensor-ingest/pkg/logger"
	"procodus.dev/sensor-ingest/pkg/metrics"
	"procodus.dev/sensor-ingest/pkg/mq"
)

// drainTimeout bounds the shutdown hook's batch insert and row count.
const drainTimeout = 30 * time.Second

// ServerConfig holds the configuration for the receiver Server.
type ServerConfig struct {
	Logger *slog.Logger

	// ListenAddr is the UDP host:port readings arrive on.
	ListenAddr string
	// ItemDelay is the worker's pause between dequeue and insert.
	ItemDelay time.Duration

	// Store, when set, is used instead of connecting to PostgreSQL.
	Store storage.Store

	// Database configuration
	DBHost     string
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string
	DBPort     int

	// RabbitMQ configuration. When RabbitMQURL is empty no AMQP source runs.
	RabbitMQURL string
	QueueName   string

	// GRPCPort serves the gRPC health service; 0 disables it.
	GRPCPort int
	// MetricsPort serves /metrics over HTTP; 0 disables it.
	MetricsPort int

	// Metrics and MQMetrics are optional.
	Metrics   *metrics.IngestMetrics
	MQMetrics *metrics.MQMetrics
}

// Server wires the listener, work queue, persistence worker and shutdown hook.
type Server struct {
	logger *slog.Logger
	config *ServerConfig
	queue  *queue.WorkQueue
	ready  chan struct{}

	store      storage.Store
	listener   *Listener
	mqSource   *MQSource
	worker     *Worker
	hook       *ShutdownHook
	grpcServer *grpc.Server
	health     *health.Server
	httpServer *http.Server
}

// NewServer validates cfg and creates a Server.
func NewServer(cfg *ServerConfig) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("server config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.ListenAddr == "" {
		return nil, errors.New("listen address cannot be empty")
	}

	if cfg.ItemDelay < 0 {
		return nil, errors.New("item delay cannot be negative")
	}

	if cfg.Store == nil {
		if cfg.DBHost == "" {
			return nil, errors.New("database host cannot be empty")
		}

		if cfg.DBPort <= 0 {
			return nil, errors.New("database port must be positive")
		}

		if cfg.DBUser == "" {
			return nil, errors.New("database user cannot be empty")
		}

		if cfg.DBName == "" {
			return nil, errors.New("database name cannot be empty")
		}
	}

	if cfg.RabbitMQURL != "" && cfg.QueueName == "" {
		return nil, errors.New("queue name cannot be empty when rabbitmq URL is set")
	}

	if cfg.GRPCPort < 0 || cfg.MetricsPort < 0 {
		return nil, errors.New("ports cannot be negative")
	}

	return &Server{
		logger: cfg.Logger,
		config: cfg,
		queue:  queue.New(),
		ready:  make(chan struct{}),
	}, nil
}

// Queue exposes the work queue.
func (s *Server) Queue() *queue.WorkQueue {
	return s.queue
}

// Ready is closed once the UDP socket is bound and the worker is running.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// ListenAddr returns the bound UDP address once Ready is closed.
func (s *Server) ListenAddr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Run starts the receiver and blocks until SIGINT/SIGTERM or ctx is done,
// then shuts down: intake stops, the worker finishes its current reading and
// the shutdown hook writes whatever is still queued.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("starting receiver")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	if err := s.openStore(); err != nil {
		return err
	}

	if err := s.build(); err != nil {
		return errors.Join(err, s.store.Close())
	}

	if err := s.listener.Listen(); err != nil {
		return errors.Join(err, s.store.Close())
	}

	go s.worker.Run(ctx)

	listenErr := make(chan error, 1)
	go func() {
		listenErr <- s.listener.Serve(ctx)
	}()

	if s.mqSource != nil {
		if err := s.mqSource.Start(ctx); err != nil {
			cancel()
			return errors.Join(err, s.shutdown(listenErr))
		}
	}

	if err := s.startSidecars(); err != nil {
		cancel()
		return errors.Join(err, s.shutdown(listenErr))
	}

	close(s.ready)
	s.logger.Info("receiver started", "addr", s.ListenAddr().String())

	select {
	case sig := <-sigChan:
		s.logger.Info("received shutdown signal", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context canceled")
	case err := <-listenErr:
		// Serve only returns early on a read failure; put the result back
		// for shutdown to collect.
		listenErr <- err
		s.logger.Error("listener stopped unexpectedly", "error", err)
	}

	cancel()
	return s.shutdown(listenErr)
}

func (s *Server) openStore() error {
	if s.config.Store != nil {
		s.store = s.config.Store
		return nil
	}

	db, err := storage.NewDB(&storage.DBConfig{
		Logger:   s.logger,
		Host:     s.config.DBHost,
		Port:     s.config.DBPort,
		User:     s.config.DBUser,
		Password: s.config.DBPassword,
		DBName:   s.config.DBName,
		SSLMode:  s.config.DBSSLMode,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	store, err := storage.NewGormStore(db, s.logger, s.config.Metrics)
	if err != nil {
		_ = storage.CloseDB(db, s.logger)
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	s.store = store
	return nil
}

func (s *Server) build() error {
	var err error

	s.listener, err = NewListener(&ListenerConfig{
		Logger:  logger.WithComponent(s.logger, "listener"),
		Addr:    s.config.ListenAddr,
		Queue:   s.queue,
		Metrics: s.config.Metrics,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize listener: %w", err)
	}

	s.worker, err = NewWorker(&WorkerConfig{
		Logger:    logger.WithComponent(s.logger, "persistence-worker"),
		Queue:     s.queue,
		Store:     s.store,
		ItemDelay: s.config.ItemDelay,
		Metrics:   s.config.Metrics,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize worker: %w", err)
	}

	s.hook, err = NewShutdownHook(logger.WithComponent(s.logger, "shutdown-hook"), s.queue, s.store, s.config.Metrics)
	if err != nil {
		return fmt.Errorf("failed to initialize shutdown hook: %w", err)
	}

	if s.config.RabbitMQURL != "" {
		mqLogger := logger.WithComponent(s.logger, "amqp-source")
		client := mq.NewWithMetrics(s.config.QueueName, s.config.RabbitMQURL, mqLogger, s.config.MQMetrics)
		s.mqSource, err = NewMQSource(mqLogger, client, s.queue, s.config.Metrics)
		if err != nil {
			_ = client.Close()
			return fmt.Errorf("failed to initialize amqp source: %w", err)
		}
	}

	return nil
}

// startSidecars starts the gRPC health and metrics endpoints when enabled.
func (s *Server) startSidecars() error {
	if s.config.GRPCPort > 0 {
		addr := fmt.Sprintf(":%d", s.config.GRPCPort)
		lis, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", addr, err)
		}

		s.grpcServer = grpc.NewServer()
		s.health = newHealthServer(s.grpcServer)
		setServing(s.health, true)

		go func() {
			if err := s.grpcServer.Serve(lis); err != nil {
				s.logger.Error("gRPC server error", "error", err)
			}
		}()
		s.logger.Info("gRPC health server started", "address", addr)
	}

	if s.config.MetricsPort > 0 {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())

		s.httpServer = &http.Server{
			Addr:              fmt.Sprintf(":%d", s.config.MetricsPort),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}

		go func() {
			if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Error("metrics server error", "error", err)
			}
		}()
		s.logger.Info("metrics server started", "address", s.httpServer.Addr)
	}

	return nil
}

// shutdown runs after the run context is cancelled. The order matters: intake
// stops first, then the worker, and only then does the hook drain the queue,
// so no reading is removed by both the worker and the hook.
func (s *Server) shutdown(listenErr <-chan error) error {
	s.logger.Info("shutting down receiver")

	var errs []error

	if s.health != nil {
		s.health.Shutdown()
	}

	if s.listener != nil {
		_ = s.listener.Close()
		if err := <-listenErr; err != nil {
			errs = append(errs, fmt.Errorf("listener error: %w", err))
		}
	}

	if s.mqSource != nil {
		if err := s.mqSource.Stop(); err != nil {
			s.logger.Error("failed to stop amqp source", "error", err)
			errs = append(errs, err)
		}
	}

	if s.worker != nil {
		<-s.worker.Done()
	}

	if s.hook != nil {
		drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
		if _, err := s.hook.Run(drainCtx); err != nil {
			s.logger.Error("shutdown hook failed", "error", err)
			errs = append(errs, err)
		}
		cancel()
	}

	if s.grpcServer != nil {
		s.grpcServer.GracefulStop()
	}

	if s.httpServer != nil {
		httpCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.httpServer.Shutdown(httpCtx); err != nil {
			errs = append(errs, fmt.Errorf("metrics server shutdown: %w", err))
		}
		cancel()
	}

	if err := s.store.Close(); err != nil {
		s.logger.Error("failed to close store", "error", err)
		errs = append(errs, err)
	}

	if err := errors.Join(errs...); err != nil {
		s.logger.Error("receiver shutdown completed with errors", "error", err)
		return err
	}

	s.logger.Info("receiver shutdown completed successfully")
	return nil
}

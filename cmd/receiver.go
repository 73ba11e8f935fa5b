package main

import (
	"context"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"procodus.dev/sensor-ingest/internal/receiver"
	"procodus.dev/sensor-ingest/pkg/metrics"
)

var receiverCmd = &cobra.Command{
	Use:   "receiver",
	Short: "Run the reading receiver",
	Long: `Run the reading receiver that:
- Listens for readings on a UDP socket (and optionally RabbitMQ)
- Queues readings in memory and persists them one at a time to PostgreSQL
- Writes any still-queued readings in one batch on shutdown
- Serves gRPC health checks and Prometheus metrics`,
	RunE: runReceiver,
}

func init() {
	rootCmd.AddCommand(receiverCmd)

	receiverCmd.Flags().String("addr", defaultEndpoint, "UDP address to listen on")
	receiverCmd.Flags().Duration("item-delay", defaultItemDelay, "Pause before writing each dequeued reading")
	receiverCmd.Flags().String("db-host", "localhost", "PostgreSQL host")
	receiverCmd.Flags().Int("db-port", 5432, "PostgreSQL port")
	receiverCmd.Flags().String("db-user", "postgres", "PostgreSQL user")
	receiverCmd.Flags().String("db-password", "", "PostgreSQL password")
	receiverCmd.Flags().String("db-name", "sensors", "PostgreSQL database name")
	receiverCmd.Flags().String("db-sslmode", "disable", "PostgreSQL SSL mode")
	receiverCmd.Flags().String("rabbitmq-url", "", "RabbitMQ URL; empty disables the AMQP source")
	receiverCmd.Flags().String("queue-name", "sensor-readings", "RabbitMQ queue name")
	receiverCmd.Flags().Int("grpc-port", 9090, "gRPC health server port (0 disables)")
	receiverCmd.Flags().Int("metrics-port", 9100, "Prometheus metrics port (0 disables)")

	_ = viper.BindPFlag("receiver.addr", receiverCmd.Flags().Lookup("addr"))
	_ = viper.BindPFlag("receiver.item_delay", receiverCmd.Flags().Lookup("item-delay"))
	_ = viper.BindPFlag("receiver.db.host", receiverCmd.Flags().Lookup("db-host"))
	_ = viper.BindPFlag("receiver.db.port", receiverCmd.Flags().Lookup("db-port"))
	_ = viper.BindPFlag("receiver.db.user", receiverCmd.Flags().Lookup("db-user"))
	_ = viper.BindPFlag("receiver.db.password", receiverCmd.Flags().Lookup("db-password"))
	_ = viper.BindPFlag("receiver.db.name", receiverCmd.Flags().Lookup("db-name"))
	_ = viper.BindPFlag("receiver.db.sslmode", receiverCmd.Flags().Lookup("db-sslmode"))
	_ = viper.BindPFlag("receiver.rabbitmq.url", receiverCmd.Flags().Lookup("rabbitmq-url"))
	_ = viper.BindPFlag("receiver.rabbitmq.queue_name", receiverCmd.Flags().Lookup("queue-name"))
	_ = viper.BindPFlag("receiver.grpc.port", receiverCmd.Flags().Lookup("grpc-port"))
	_ = viper.BindPFlag("receiver.metrics.port", receiverCmd.Flags().Lookup("metrics-port"))
}

func runReceiver(_ *cobra.Command, _ []string) error {
	logger := GetLogger()
	logger.Info("starting receiver service")

	config := &receiver.ServerConfig{
		Logger:      logger,
		ListenAddr:  viper.GetString("receiver.addr"),
		ItemDelay:   viper.GetDuration("receiver.item_delay"),
		DBHost:      viper.GetString("receiver.db.host"),
		DBPort:      viper.GetInt("receiver.db.port"),
		DBUser:      viper.GetString("receiver.db.user"),
		DBPassword:  viper.GetString("receiver.db.password"),
		DBName:      viper.GetString("receiver.db.name"),
		DBSSLMode:   viper.GetString("receiver.db.sslmode"),
		RabbitMQURL: viper.GetString("receiver.rabbitmq.url"),
		QueueName:   viper.GetString("receiver.rabbitmq.queue_name"),
		GRPCPort:    viper.GetInt("receiver.grpc.port"),
		MetricsPort: viper.GetInt("receiver.metrics.port"),
		Metrics:     metrics.NewIngestMetrics(metrics.Namespace, nil),
		MQMetrics:   metrics.NewMQMetrics(metrics.Namespace, nil),
	}

	server, err := receiver.NewServer(config)
	if err != nil {
		logger.Error("failed to create receiver server", "error", err)
		return err
	}

	logger.Info("receiver server configuration",
		"addr", config.ListenAddr,
		"item_delay", config.ItemDelay,
		"db_host", config.DBHost,
		"db_port", config.DBPort,
		"db_name", config.DBName,
		"amqp_enabled", config.RabbitMQURL != "",
		"grpc_port", config.GRPCPort,
		"metrics_port", config.MetricsPort,
	)

	if err := server.Run(context.Background()); err != nil {
		logger.Error("receiver server error", "error", err)
		return err
	}

	logger.Info("receiver server stopped")
	return nil
}

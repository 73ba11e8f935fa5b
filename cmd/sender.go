package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"procodus.dev/sensor-ingest/internal/sender"
	"procodus.dev/sensor-ingest/pkg/logger"
	"procodus.dev/sensor-ingest/pkg/metrics"
	"procodus.dev/sensor-ingest/pkg/mq"
)

var senderCmd = &cobra.Command{
	Use:   "sender",
	Short: "Run the reading sender",
	Long: `Run the reading sender that:
- Generates synthetic temperature/humidity readings
- Sends each reading as one UDP datagram (or AMQP message)
- Waits a fixed interval between sends until interrupted`,
	RunE: runSender,
}

func init() {
	rootCmd.AddCommand(senderCmd)

	senderCmd.Flags().String("addr", defaultEndpoint, "Receiver UDP address")
	senderCmd.Flags().Duration("interval", defaultInterval, "Interval between readings")
	senderCmd.Flags().Int("sensor-count", 5, "Number of simulated sensors")
	senderCmd.Flags().String("transport", sender.TransportUDP, "Transport to send readings over (udp, amqp)")
	senderCmd.Flags().String("rabbitmq-url", "amqp://localhost:5672", "RabbitMQ URL (amqp transport)")
	senderCmd.Flags().String("queue-name", "sensor-readings", "RabbitMQ queue name (amqp transport)")

	_ = viper.BindPFlag("sender.addr", senderCmd.Flags().Lookup("addr"))
	_ = viper.BindPFlag("sender.interval", senderCmd.Flags().Lookup("interval"))
	_ = viper.BindPFlag("sender.sensor_count", senderCmd.Flags().Lookup("sensor-count"))
	_ = viper.BindPFlag("sender.transport", senderCmd.Flags().Lookup("transport"))
	_ = viper.BindPFlag("sender.rabbitmq.url", senderCmd.Flags().Lookup("rabbitmq-url"))
	_ = viper.BindPFlag("sender.rabbitmq.queue_name", senderCmd.Flags().Lookup("queue-name"))
}

func newTransport(name string) (sender.Transport, error) {
	switch name {
	case sender.TransportUDP:
		return sender.NewUDPTransport(viper.GetString("sender.addr"))
	case sender.TransportAMQP:
		l := logger.WithComponent(GetLogger(), "mq-client")
		client := mq.NewWithMetrics(
			viper.GetString("sender.rabbitmq.queue_name"),
			viper.GetString("sender.rabbitmq.url"),
			l,
			metrics.NewMQMetrics(metrics.Namespace, nil),
		)
		return sender.NewMQTransport(client)
	default:
		return nil, fmt.Errorf("unknown transport %q", name)
	}
}

func runSender(_ *cobra.Command, _ []string) error {
	log := GetLogger()
	log.Info("starting sender")

	transportName := viper.GetString("sender.transport")
	transport, err := newTransport(transportName)
	if err != nil {
		log.Error("failed to create transport", "transport", transportName, "error", err)
		return err
	}

	config := &sender.Config{
		Logger:      log,
		Transport:   transport,
		Interval:    viper.GetDuration("sender.interval"),
		SensorCount: viper.GetInt("sender.sensor_count"),
		Metrics:     metrics.NewSenderMetrics(metrics.Namespace, nil),
	}

	s, err := sender.New(config)
	if err != nil {
		_ = transport.Close()
		log.Error("failed to create sender", "error", err)
		return err
	}

	log.Info("sender configuration",
		"transport", transportName,
		"addr", viper.GetString("sender.addr"),
		"interval", config.Interval,
		"sensor_ids", s.SensorIDs(),
	)

	if err := s.Run(context.Background()); err != nil {
		log.Error("sender error", "error", err)
		return err
	}

	return nil
}

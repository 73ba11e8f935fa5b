package sender_test

import (
	"context"
	"errors"
	"net"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"procodus.dev/sensor-ingest/internal/sender"
	"procodus.dev/sensor-ingest/pkg/mq/mock"
)

var _ = Describe("Transports", func() {
	Describe("UDPTransport", func() {
		var (
			server net.PacketConn
			t      *sender.UDPTransport
		)

		BeforeEach(func() {
			var err error
			server, err = net.ListenPacket("udp", "127.0.0.1:0")
			Expect(err).NotTo(HaveOccurred())

			t, err = sender.NewUDPTransport(server.LocalAddr().String())
			Expect(err).NotTo(HaveOccurred())
		})

		AfterEach(func() {
			_ = t.Close()
			_ = server.Close()
		})

		It("should deliver each payload as one datagram", func() {
			Expect(t.Send(context.Background(), []byte("one"))).To(Succeed())
			Expect(t.Send(context.Background(), []byte("two"))).To(Succeed())

			buf := make([]byte, 64)
			Expect(server.SetReadDeadline(time.Now().Add(2 * time.Second))).To(Succeed())

			n, _, err := server.ReadFrom(buf)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(buf[:n])).To(Equal("one"))

			n, _, err = server.ReadFrom(buf)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(buf[:n])).To(Equal("two"))
		})

		It("should report its name and destination", func() {
			Expect(t.Name()).To(Equal(sender.TransportUDP))
			Expect(t.RemoteAddr().String()).To(Equal(server.LocalAddr().String()))
		})

		It("should refuse to send after Close and tolerate a second Close", func() {
			Expect(t.Close()).To(Succeed())
			Expect(t.Close()).To(Succeed())
			Expect(t.Send(context.Background(), []byte("late"))).To(MatchError(ContainSubstring("closed")))
		})

		It("should not send on a cancelled context", func() {
			ctx, cancel := context.WithCancel(context.Background())
			cancel()
			Expect(t.Send(ctx, []byte("x"))).To(MatchError(context.Canceled))
		})

		It("should reject an empty address", func() {
			_, err := sender.NewUDPTransport("")
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("MQTransport", func() {
		It("should publish without confirmation", func() {
			client := mock.NewClient()
			t, err := sender.NewMQTransport(client)
			Expect(err).NotTo(HaveOccurred())

			Expect(t.Send(context.Background(), []byte("payload"))).To(Succeed())
			Expect(client.Payloads()).To(Equal([][]byte{[]byte("payload")}))
			Expect(client.Confirmed).To(BeZero())
			Expect(t.Name()).To(Equal(sender.TransportAMQP))

			Expect(t.Close()).To(Succeed())
			Expect(client.CloseCalls).To(Equal(1))
		})

		It("should wrap publish errors", func() {
			client := mock.NewClient()
			client.PushError = errors.New("not connected")
			t, err := sender.NewMQTransport(client)
			Expect(err).NotTo(HaveOccurred())

			Expect(t.Send(context.Background(), []byte("x"))).To(MatchError(ContainSubstring("not connected")))
		})

		It("should reject a nil client", func() {
			_, err := sender.NewMQTransport(nil)
			Expect(err).To(HaveOccurred())
		})
	})
})

package transport_test

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/luma/tether/transport"
)

var _ = Describe("transport", func() {
	Describe("TCP", func() {
		It("refuses to start without a connect func", func() {
			tcp := transport.NewTCP(transport.Options{Host: "127.0.0.1"})
			Expect(tcp.Start(context.Background())).To(MatchError(transport.ErrNoConnectFunc))
		})

		It("listens on a free port", func() {
			tcp, _ := makeTCPServer(false)
			defer func() {
				Expect(tcp.Close()).To(Succeed())
			}()

			conn, err := net.Dial("tcp", tcp.Addr().String())
			Expect(err).To(Succeed())
			conn.Close()
		})

		It("shares the port between listeners with reuseport", func() {
			tcp, receivers := makeTCPServer(true)
			defer func() {
				Expect(tcp.Close()).To(Succeed())
			}()

			for i := 0; i < 4; i++ {
				conn, err := net.Dial("tcp", tcp.Addr().String())
				Expect(err).To(Succeed())

				_, err = conn.Write([]byte("hi"))
				Expect(err).To(Succeed())
				conn.Close()
			}

			Eventually(receivers.Count).Should(Equal(4))
		})

		It("delivers what the client sends and sends replies back", func() {
			tcp, receivers := makeTCPServer(false)
			defer func() {
				Expect(tcp.Close()).To(Succeed())
			}()

			conn, err := net.Dial("tcp", tcp.Addr().String())
			Expect(err).To(Succeed())
			defer conn.Close()

			_, err = conn.Write([]byte("hello"))
			Expect(err).To(Succeed())

			Eventually(receivers.Count).Should(Equal(1))
			server := receivers.Get(0)
			Eventually(server.Received).Should(Equal("hello"))

			Expect(server.stream.Send([]byte("world"))).To(Succeed())

			reply := make([]byte, 5)
			Expect(conn.SetReadDeadline(time.Now().Add(time.Second))).To(Succeed())
			_, err = io.ReadFull(conn, reply)
			Expect(err).To(Succeed())
			Expect(string(reply)).To(Equal("world"))
		})

		It("closes connections the connect func rejects", func() {
			log, err := zap.NewDevelopment()
			Expect(err).To(Succeed())

			tcp := transport.NewTCP(transport.Options{
				Host: "127.0.0.1",
				Log:  log,
				OnConnect: func(*transport.Stream) transport.Receiver {
					return nil
				},
			})
			Expect(tcp.Start(context.Background())).To(Succeed())
			defer tcp.Close()

			conn, err := net.Dial("tcp", tcp.Addr().String())
			Expect(err).To(Succeed())
			defer conn.Close()

			waitForClose(conn)
		})

		It("closes every client connection on Close", func() {
			tcp, receivers := makeTCPServer(false)

			conn, err := net.Dial("tcp", tcp.Addr().String())
			Expect(err).To(Succeed())
			defer conn.Close()

			Eventually(receivers.Count).Should(Equal(1))

			Expect(tcp.Close()).To(Succeed())

			waitForClose(conn)
			Eventually(receivers.Get(0).disconnected).Should(Receive(MatchError(transport.ErrClosed)))
		})

		It("stops when its context is cancelled", func() {
			ctx, cancel := context.WithCancel(context.Background())
			receivers := &receiverList{}

			tcp := transport.NewTCP(transport.Options{
				Host:      "127.0.0.1",
				OnConnect: receivers.Connect,
			})
			Expect(tcp.Start(ctx)).To(Succeed())
			defer tcp.Close()

			conn, err := net.Dial("tcp", tcp.Addr().String())
			Expect(err).To(Succeed())
			defer conn.Close()

			Eventually(receivers.Count).Should(Equal(1))
			cancel()

			waitForClose(conn)
		})

		It("dials servers", func() {
			tcp, receivers := makeTCPServer(false)
			defer func() {
				Expect(tcp.Close()).To(Succeed())
			}()

			stream, err := transport.Dial(context.Background(), tcp.Addr().String(), transport.StreamOptions{}, nil)
			Expect(err).To(Succeed())

			client := newRecorder(stream)
			stream.Start(client)
			Expect(stream.Send([]byte("ping"))).To(Succeed())

			Eventually(receivers.Count).Should(Equal(1))
			Eventually(receivers.Get(0).Received).Should(Equal("ping"))

			Expect(receivers.Get(0).stream.Send([]byte("pong"))).To(Succeed())
			Eventually(client.Received).Should(Equal("pong"))

			Expect(stream.Close()).To(Succeed())
			stream.Wait()
			Expect(client.disconnected).To(Receive(MatchError(transport.ErrClosed)))
		})
	})
})

// recorder is a Receiver that keeps everything it is given.
type recorder struct {
	stream *transport.Stream

	mu   sync.Mutex
	data []byte

	disconnected chan error
}

func newRecorder(stream *transport.Stream) *recorder {
	return &recorder{
		stream:       stream,
		disconnected: make(chan error, 1),
	}
}

func (r *recorder) OnReceived(chunk []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.data = append(r.data, chunk...)
}

func (r *recorder) OnDisconnected(err error) {
	r.disconnected <- err
}

func (r *recorder) Received() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	return string(r.data)
}

// receiverList records a recorder for every accepted Stream.
type receiverList struct {
	mu        sync.Mutex
	receivers []*recorder
}

func (l *receiverList) Connect(stream *transport.Stream) transport.Receiver {
	l.mu.Lock()
	defer l.mu.Unlock()

	r := newRecorder(stream)
	l.receivers = append(l.receivers, r)
	return r
}

func (l *receiverList) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return len(l.receivers)
}

func (l *receiverList) Get(i int) *recorder {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.receivers[i]
}

func waitForClose(conn net.Conn) {
	timeout := time.After(5 * time.Second)

waitForClose:
	for {
		select {
		case <-timeout:
			Fail("The client was never closed by the server")
			break waitForClose

		case <-time.After(10 * time.Millisecond):
			one := make([]byte, 1)
			Expect(conn.SetReadDeadline(time.Now().Add(10 * time.Millisecond))).To(Succeed())
			_, err := conn.Read(one)

			if errors.Is(err, io.EOF) {
				break waitForClose
			}
		}
	}
}

func makeTCPServer(reuseport bool) (*transport.TCP, *receiverList) {
	log, err := zap.NewDevelopment()
	Expect(err).To(Succeed())

	receivers := &receiverList{}

	tcp := transport.NewTCP(transport.Options{
		Host:         "127.0.0.1",
		Port:         0,
		Reuseport:    reuseport,
		NumListeners: 2,
		OnConnect:    receivers.Connect,
		Log:          log,
	})

	Expect(tcp.Start(context.Background())).To(Succeed())
	Expect(tcp.Addr()).NotTo(BeNil())

	return tcp, receivers
}

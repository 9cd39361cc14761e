package service_test

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/luma/tether/client"
	"github.com/luma/tether/rpc"
	"github.com/luma/tether/service"
	"github.com/luma/tether/storage"
	"github.com/luma/tether/transport"
)

var _ = Describe("Server", func() {
	var (
		server *service.Server
		store  *storage.InmemoryStore
		ctx    context.Context
		cancel context.CancelFunc
	)

	connect := func() *client.Conn {
		conn := client.New(zap.NewNop(), client.Options{
			Conn: rpc.Options{KeepAliveInterval: rpc.Infinite},
		})
		ExpectWithOffset(1, conn.Connect(ctx, server.Addr().String())).To(Succeed())

		return conn
	}

	BeforeEach(func() {
		ctx, cancel = context.WithTimeout(context.Background(), 10*time.Second)

		log, err := zap.NewDevelopment()
		Expect(err).To(Succeed())

		store = storage.NewInmemoryStore()
		server = service.NewServer(service.ServerOptions{
			Transport: transport.Options{Host: "127.0.0.1"},
			Conn:      rpc.Options{KeepAliveInterval: rpc.Infinite},
			Store:     store,
			Log:       log,
		})
		Expect(server.Start(ctx)).To(Succeed())
	})

	AfterEach(func() {
		Expect(server.Close()).To(Succeed())
		cancel()
	})

	It("stores and returns values", func() {
		conn := connect()
		defer conn.Disconnect()

		Expect(conn.Set(ctx, "user.name", []byte(`"rolly"`))).To(Succeed())

		value, err := conn.Get(ctx, "user.name")
		Expect(err).To(Succeed())
		Expect(string(value)).To(Equal(`"rolly"`))

		value, err = conn.Get(ctx, "user")
		Expect(err).To(Succeed())
		Expect(string(value)).To(MatchJSON(`{"name":"rolly"}`))

		backup, err := store.Backup()
		Expect(err).To(Succeed())
		Expect(backup).To(MatchJSON(`{"user":{"name":"rolly"}}`))
	})

	It("reports missing keys", func() {
		conn := connect()
		defer conn.Disconnect()

		_, err := conn.Get(ctx, "nope")
		Expect(errors.Is(err, client.ErrNotFound)).To(BeTrue())
	})

	It("rejects values that are not JSON", func() {
		conn := connect()
		defer conn.Disconnect()

		err := conn.Set(ctx, "foo", []byte("{not json"))

		var remote *rpc.RemoteError
		Expect(errors.As(err, &remote)).To(BeTrue())
		Expect(remote.Code).To(Equal(rpc.CodeHandlerException))
		Expect(remote.Message).To(ContainSubstring(storage.ErrInvalidValue.Error()))

		_, err = conn.Get(ctx, "foo")
		Expect(errors.Is(err, client.ErrNotFound)).To(BeTrue())
	})

	It("pushes every change to every client", func() {
		writer := connect()
		defer writer.Disconnect()

		watcher := connect()
		defer watcher.Disconnect()

		Eventually(server.Conns).Should(HaveLen(2))

		Expect(writer.Set(ctx, "foo", []byte(`1`))).To(Succeed())

		for _, conn := range []*client.Conn{writer, watcher} {
			var update *client.Update
			Eventually(conn.UpdateChan()).Should(Receive(&update))
			Expect(update.Key).To(Equal("foo"))
			Expect(string(update.Value)).To(Equal("1"))
			Expect(update.Deleted).To(BeFalse())
		}

		Expect(writer.Delete(ctx, "foo")).To(Succeed())

		for _, conn := range []*client.Conn{writer, watcher} {
			var update *client.Update
			Eventually(conn.UpdateChan()).Should(Receive(&update))
			Expect(update.Key).To(Equal("foo"))
			Expect(update.Deleted).To(BeTrue())
		}

		_, err := watcher.Get(ctx, "foo")
		Expect(errors.Is(err, client.ErrNotFound)).To(BeTrue())
	})

	It("lists and forgets connections", func() {
		conn := connect()

		Eventually(server.Conns).Should(HaveLen(1))

		info := server.Conns()[0]
		Expect(info.ID).NotTo(BeEmpty())
		Expect(info.State).To(Equal(rpc.StateConnected.String()))
		Expect(info.Pending).To(BeZero())
		Expect(info.Handlers).To(ContainElement(rpc.TypeName[service.GetRequest]()))

		Expect(conn.Disconnect()).To(Succeed())
		Eventually(server.Conns).Should(BeEmpty())
	})

	It("refuses clients with an incompatible version", func() {
		newer := rpc.DefaultVersion
		newer.Major++

		conn := client.New(zap.NewNop(), client.Options{
			Conn: rpc.Options{KeepAliveInterval: rpc.Infinite, Version: newer},
		})

		err := conn.Connect(ctx, server.Addr().String())
		Expect(errors.Is(err, client.ErrVersionMismatch)).To(BeTrue())
		Expect(err.Error()).To(ContainSubstring(rpc.VersionTooUpper.String()))

		Eventually(server.Conns).Should(BeEmpty())
	})

	Context("with a client that stops reading", func() {
		BeforeEach(func() {
			Expect(server.Close()).To(Succeed())

			store = storage.NewInmemoryStore()
			server = service.NewServer(service.ServerOptions{
				Transport: transport.Options{
					Host: "127.0.0.1",
					Stream: transport.StreamOptions{
						QueueTimeout: 200 * time.Millisecond,
						WriteTimeout: 500 * time.Millisecond,
					},
				},
				Conn:  rpc.Options{KeepAliveInterval: rpc.Infinite},
				Store: store,
				Log:   zap.NewNop(),
			})
			Expect(server.Start(ctx)).To(Succeed())
		})

		It("keeps serving everyone else and drops the stalled client", func() {
			stalled, err := net.Dial("tcp", server.Addr().String())
			Expect(err).To(Succeed())
			defer stalled.Close()

			conn := connect()
			defer conn.Disconnect()

			Eventually(server.Conns).Should(HaveLen(2))

			value := []byte(`"` + strings.Repeat("x", 64*1024) + `"`)
			for n := 0; n < 300; n++ {
				setCtx, done := context.WithTimeout(ctx, 2*time.Second)
				err := conn.Set(setCtx, "blob", value)
				done()

				Expect(err).To(Succeed(), "set %d", n)
			}

			Eventually(server.Conns, 5*time.Second).Should(HaveLen(1))
			Expect(conn.RPC().Done()).NotTo(BeClosed())

			got, err := conn.Get(ctx, "blob")
			Expect(err).To(Succeed())
			Expect(got).To(HaveLen(len(value)))
		})
	})

	It("disconnects clients when it closes", func() {
		conn := connect()
		defer conn.Disconnect()

		Eventually(server.Conns).Should(HaveLen(1))
		Expect(server.Close()).To(Succeed())

		Eventually(conn.UpdateChan()).Should(BeClosed())
		Eventually(conn.RPC().Done()).Should(BeClosed())
	})
})

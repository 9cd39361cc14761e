package discovery_test

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/luma/tether/discovery"
)

var _ = Describe("Registry", func() {
	It("needs at least one endpoint", func() {
		_, err := discovery.NewRegistry(discovery.Options{})
		Expect(err).To(MatchError(discovery.ErrNoEndpoints))
	})

	It("keys instances by service and address", func() {
		Expect(discovery.Key("kv", "10.0.0.1:7363")).To(Equal("/tether/kv/10.0.0.1:7363"))
		Expect(discovery.Key("/kv/", "10.0.0.1:7363")).To(Equal("/tether/kv/10.0.0.1:7363"))
	})

	It("sorts instances by address", func() {
		instances := []discovery.Instance{
			{Addr: "10.0.0.3:7363"},
			{Addr: "10.0.0.1:7363"},
			{Addr: "10.0.0.2:7363"},
		}

		discovery.SortInstances(instances)
		Expect(instances).To(Equal([]discovery.Instance{
			{Addr: "10.0.0.1:7363"},
			{Addr: "10.0.0.2:7363"},
			{Addr: "10.0.0.3:7363"},
		}))
	})

	Context("against etcd", func() {
		var (
			ctx      context.Context
			cancel   context.CancelFunc
			registry *discovery.Registry
			observer *discovery.Registry
		)

		newRegistry := func() *discovery.Registry {
			r, err := discovery.NewRegistry(discovery.Options{Endpoints: []string{endpoint}})
			Expect(err).NotTo(HaveOccurred())
			return r
		}

		BeforeEach(func() {
			ctx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
			registry = newRegistry()
			observer = newRegistry()
		})

		AfterEach(func() {
			observer.Close()
			cancel()
		})

		It("registers and discovers instances", func() {
			_, err := registry.Register(ctx, "registered", discovery.Instance{Addr: "10.0.0.2:7363", Version: "1.0.0", Protocol: "1.0.0"}, time.Minute)
			Expect(err).NotTo(HaveOccurred())

			_, err = registry.Register(ctx, "registered", discovery.Instance{Addr: "10.0.0.1:7363", Version: "1.0.0", Protocol: "1.0.0"}, time.Minute)
			Expect(err).NotTo(HaveOccurred())

			_, err = registry.Register(ctx, "registered-elsewhere", discovery.Instance{Addr: "10.0.0.9:7363"}, time.Minute)
			Expect(err).NotTo(HaveOccurred())

			instances, err := observer.Discover(ctx, "registered")
			Expect(err).NotTo(HaveOccurred())
			Expect(instances).To(Equal([]discovery.Instance{
				{Addr: "10.0.0.1:7363", Version: "1.0.0", Protocol: "1.0.0"},
				{Addr: "10.0.0.2:7363", Version: "1.0.0", Protocol: "1.0.0"},
			}))

			Expect(registry.Close()).To(Succeed())
		})

		It("forgets a revoked instance", func() {
			registration, err := registry.Register(ctx, "revoked", discovery.Instance{Addr: "10.0.0.1:7363"}, time.Minute)
			Expect(err).NotTo(HaveOccurred())

			Expect(observer.Discover(ctx, "revoked")).To(HaveLen(1))

			Expect(registration.Revoke(ctx)).To(Succeed())
			Expect(observer.Discover(ctx, "revoked")).To(BeEmpty())

			Expect(registry.Close()).To(Succeed())
		})

		It("deregisters after the registering context is gone", func() {
			registerCtx, stop := context.WithCancel(ctx)

			registration, err := registry.Register(registerCtx, "shutdown", discovery.Instance{Addr: "10.0.0.1:7363"}, time.Minute)
			Expect(err).NotTo(HaveOccurred())
			Expect(observer.Discover(ctx, "shutdown")).To(HaveLen(1))

			stop()

			shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()

			Expect(registry.Deregister(shutdownCtx, registration)).To(Succeed())
			Expect(observer.Discover(ctx, "shutdown")).To(BeEmpty())

			_, err = registry.Discover(ctx, "shutdown")
			Expect(err).To(HaveOccurred())
		})

		It("closes the registry when there is nothing to revoke", func() {
			Expect(registry.Deregister(ctx, nil)).To(Succeed())

			_, err := registry.Discover(ctx, "nothing")
			Expect(err).To(HaveOccurred())
		})

		It("skips malformed instances", func() {
			client, err := clientv3.New(clientv3.Config{Endpoints: []string{endpoint}, DialTimeout: 5 * time.Second})
			Expect(err).NotTo(HaveOccurred())
			defer client.Close()

			_, err = client.Put(ctx, discovery.Key("malformed", "10.0.0.2:7363"), "{not json")
			Expect(err).NotTo(HaveOccurred())

			_, err = registry.Register(ctx, "malformed", discovery.Instance{Addr: "10.0.0.1:7363"}, time.Minute)
			Expect(err).NotTo(HaveOccurred())

			Expect(observer.Discover(ctx, "malformed")).To(Equal([]discovery.Instance{{Addr: "10.0.0.1:7363"}}))

			Expect(registry.Close()).To(Succeed())
		})
	})
})

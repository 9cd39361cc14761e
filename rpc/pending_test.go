package rpc_test

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/luma/tether/rpc"
)

var _ = Describe("PendingTable", func() {
	var (
		table    *rpc.PendingTable
		expected *rpc.Type
	)

	BeforeEach(func() {
		table = rpc.NewPendingTable()
		expected = rpc.TypeOf[pong]()
	})

	It("completes a request with its response", func() {
		var got interface{}
		Expect(table.Add(1, expected, rpc.Infinite, func(res interface{}, err error) {
			Expect(err).To(Succeed())
			got = res
		})).To(Succeed())

		Expect(table.Len()).To(Equal(1))
		Expect(table.Complete(1, &pong{N: 3}, nil)).To(BeTrue())
		Expect(got).To(Equal(&pong{N: 3}))
		Expect(table.Len()).To(BeZero())
	})

	It("refuses a second request with the same id", func() {
		Expect(table.Add(1, expected, rpc.Infinite, nil)).To(Succeed())

		err := table.Add(1, expected, rpc.Infinite, nil)
		Expect(errors.Is(err, rpc.ErrDuplicateID)).To(BeTrue())
	})

	It("ignores completions nobody is waiting for", func() {
		Expect(table.Complete(42, &pong{}, nil)).To(BeFalse())
		Expect(table.Fail(42, errors.New("nope"))).To(BeFalse())
	})

	It("fails a request with CodeTimeout once its timeout passes", func() {
		errs := make(chan error, 1)
		Expect(table.Add(7, expected, 20*time.Millisecond, func(_ interface{}, err error) {
			errs <- err
		})).To(Succeed())

		var err error
		Eventually(errs).Should(Receive(&err))
		Expect(errors.Is(err, rpc.CodeTimeout)).To(BeTrue())
		Expect(err.Error()).To(ContainSubstring("Request 7"))
		Expect(table.Len()).To(BeZero())
	})

	It("never times out an Infinite request", func() {
		Expect(table.Add(1, expected, rpc.Infinite, func(interface{}, error) {
			defer GinkgoRecover()
			Fail("completed")
		})).To(Succeed())

		Consistently(table.Len, 100*time.Millisecond).Should(Equal(1))
	})

	It("does not let a late timer fail a request that reused the id", func() {
		calls := make(chan error, 2)
		Expect(table.Add(1, expected, 10*time.Millisecond, func(_ interface{}, err error) {
			calls <- err
		})).To(Succeed())

		p, ok := table.Take(1)
		Expect(ok).To(BeTrue())
		Expect(p.ID).To(Equal(int32(1)))

		Expect(table.Add(1, expected, rpc.Infinite, func(interface{}, error) {
			defer GinkgoRecover()
			Fail("the new request timed out")
		})).To(Succeed())

		Consistently(calls, 50*time.Millisecond).ShouldNot(Receive())
		Expect(table.IDs()).To(Equal([]int32{1}))
	})

	It("fails everything in id order and refuses new requests", func() {
		var (
			mu    sync.Mutex
			order []int32
		)

		for _, id := range []int32{3, 1, 2} {
			id := id
			Expect(table.Add(id, expected, time.Minute, func(_ interface{}, err error) {
				Expect(errors.Is(err, rpc.CodeDisconnected)).To(BeTrue())

				mu.Lock()
				order = append(order, id)
				mu.Unlock()
			})).To(Succeed())
		}

		Expect(table.IDs()).To(Equal([]int32{1, 2, 3}))
		Expect(table.FailAll(rpc.CodeDisconnected)).To(Equal(3))
		Expect(order).To(Equal([]int32{1, 2, 3}))

		err := table.Add(4, expected, rpc.Infinite, nil)
		Expect(errors.Is(err, rpc.CodeDisconnected)).To(BeTrue())
		Expect(table.FailAll(rpc.CodeDisconnected)).To(BeZero())
	})

	It("completes exactly once when a response races the timeout", func() {
		const n = 200

		var calls [n]int32
		for i := 0; i < n; i++ {
			i := i
			Expect(table.Add(int32(i), expected, time.Millisecond, func(interface{}, error) {
				atomic.AddInt32(&calls[i], 1)
			})).To(Succeed())
		}

		time.Sleep(time.Millisecond)

		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(id int32) {
				defer wg.Done()
				table.Complete(id, &pong{}, nil)
			}(int32(i))
		}
		wg.Wait()

		Eventually(table.Len).Should(BeZero())
		time.Sleep(20 * time.Millisecond)

		for i := range calls {
			Expect(atomic.LoadInt32(&calls[i])).To(Equal(int32(1)), "request %d", i)
		}
	})
})

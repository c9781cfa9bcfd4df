package delivery

import (
	"context"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("replay handover", func() {
	var c *Coordinator

	BeforeEach(func() {
		c = New(nil, nil, nil)
		DeferCleanup(c.Close)
	})

	It("starts a replay cancelled when a send already waits for the worker", func() {
		// A send that arrived after the flush loop checked busy()
		c.mu.Lock()
		c.waiting = 1
		c.mu.Unlock()

		attemptCtx, release := c.beginReplay(context.Background())
		defer release()

		Expect(attemptCtx.Err()).To(MatchError(context.Canceled))
		Expect(c.Cancel()).To(BeFalse())
	})

	It("registers a running replay so Cancel reaches it", func() {
		attemptCtx, release := c.beginReplay(context.Background())
		defer release()
		Expect(attemptCtx.Err()).NotTo(HaveOccurred())

		Expect(c.Cancel()).To(BeTrue())
		Expect(attemptCtx.Err()).To(MatchError(context.Canceled))
	})

	It("does not clear an attempt it no longer owns", func() {
		_, release := c.beginReplay(context.Background())

		newer := &attempt{cancel: func() {}}
		c.mu.Lock()
		c.inflight = newer
		c.mu.Unlock()

		release()

		c.mu.Lock()
		defer c.mu.Unlock()
		Expect(c.inflight).To(BeIdenticalTo(newer))
	})
})

package delivery_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/diogo/chatrelay/internal/breaker"
	"github.com/diogo/chatrelay/internal/clock"
	"github.com/diogo/chatrelay/internal/connectivity"
	"github.com/diogo/chatrelay/internal/delivery"
	apierrors "github.com/diogo/chatrelay/internal/errors"
	"github.com/diogo/chatrelay/internal/history"
	"github.com/diogo/chatrelay/internal/models"
	"github.com/diogo/chatrelay/internal/outbox"
	"github.com/diogo/chatrelay/internal/transport"
)

var _ = Describe("Coordinator", func() {
	var (
		ctx     context.Context
		clk     *clock.Fake
		convs   *history.Store
		box     *outbox.Store
		brk     *breaker.Breaker
		sl      *sleeper
		online  *connectivity.Static
		ft      *fakeTransport
		coord   *delivery.Coordinator
		refused error
	)

	messages := func(id string) []models.Message {
		conv, err := convs.GetConversation(id)
		Expect(err).NotTo(HaveOccurred())
		return conv.Messages
	}

	queued := func() int {
		n, err := box.Count()
		Expect(err).NotTo(HaveOccurred())
		return n
	}

	pdf := func() models.Attachment {
		att, ok := models.NewAttachment("report.pdf", []byte("%PDF-1.4"))
		Expect(ok).To(BeTrue())
		return att
	}

	send := func(text string, atts ...models.Attachment) *delivery.Result {
		res, err := coord.Send(ctx, delivery.SendRequest{Text: text, Attachments: atts})
		Expect(err).NotTo(HaveOccurred())
		return res
	}

	BeforeEach(func() {
		ctx = context.Background()
		refused = apierrors.NewTransportError("hook", errors.New("connection refused"))

		dir, err := os.MkdirTemp("", "delivery-test-")
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(os.RemoveAll, dir)

		clk = clock.NewFake(time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC))
		convs, err = history.NewStore(dir, history.WithClock(clk))
		Expect(err).NotTo(HaveOccurred())
		box, err = outbox.NewStore(dir)
		Expect(err).NotTo(HaveOccurred())

		brk = breaker.New(breaker.DefaultSettings(), breaker.WithClock(clk))
		sl = &sleeper{}
		online = connectivity.NewStatic(true)
		ft = &fakeTransport{}

		coord = delivery.New(convs, box, ft,
			delivery.WithClock(clk),
			delivery.WithBreaker(brk),
			delivery.WithRetry(retryWith(sl)),
			delivery.WithConnectivity(online),
			delivery.WithIDGenerator(sequentialIDs()),
		)
		DeferCleanup(coord.Close)
	})

	Describe("validation", func() {
		It("ignores an empty send", func() {
			res := send("   ")

			Expect(res.Outcome).To(Equal(delivery.OutcomeSkipped))
			Expect(ft.Calls()).To(BeEmpty())
			list, _ := convs.ListConversations()
			Expect(list).To(BeEmpty())
		})

		It("skips sends while a capture is active", func() {
			Expect(coord.BeginCapture()).To(Succeed())
			Expect(coord.BeginCapture()).To(MatchError(apierrors.ErrCaptureActive))

			res := send("hello")
			Expect(res.Outcome).To(Equal(delivery.OutcomeSkipped))
			Expect(ft.Calls()).To(BeEmpty())

			coord.EndCapture()
			coord.Wait()
			Expect(send("hello").Outcome).To(Equal(delivery.OutcomeResolved))
		})
	})

	Describe("online delivery", func() {
		It("replaces the placeholder with the extracted reply", func() {
			ft.Script(reply(`{"reply":"Hi there"}`))

			res := send("hello")
			coord.Wait()

			Expect(res.Outcome).To(Equal(delivery.OutcomeResolved))
			Expect(res.Message.Content).To(Equal("Hi there"))

			msgs := messages(res.ConversationID)
			Expect(msgs).To(HaveLen(2))
			Expect(msgs[0].Role).To(Equal(models.RoleUser))
			Expect(msgs[0].Content).To(Equal("hello"))
			Expect(msgs[1].Role).To(Equal(models.RoleAssistant))
			Expect(msgs[1].Content).To(Equal("Hi there"))
			Expect(msgs[1].IsPlaceholder()).To(BeFalse())
			Expect(msgs[1].CorrelationID).To(BeEmpty())
		})

		It("sends history without placeholders and with the user message", func() {
			ft.Script(reply("ok"))
			send("first")
			coord.Wait()
			send("second")
			coord.Wait()

			calls := ft.Calls()
			Expect(calls).To(HaveLen(2))
			last := calls[1]
			Expect(last.Message).To(Equal("second"))
			contents := []string{}
			for _, h := range last.History {
				contents = append(contents, h.Content)
				Expect(h.Content).NotTo(Equal(delivery.SendingNote))
				Expect(h.Attachments).NotTo(BeNil())
			}
			Expect(contents).To(Equal([]string{"first", "ok", "second"}))
		})

		It("caps history at the configured limit", func() {
			ft.Script(reply("ok"))
			for i := 0; i < 15; i++ {
				send("msg")
				coord.Wait()
			}
			calls := ft.Calls()
			Expect(calls[len(calls)-1].History).To(HaveLen(models.DefaultHistoryLimit))
		})

		It("uses the text timeout and falls back to a fixed reply for an empty body", func() {
			ft.Script(reply(""))

			res := send("hello")
			coord.Wait()

			Expect(res.Message.Content).To(Equal(transport.NoResponse))
			Expect(ft.Timeouts()).To(Equal([]time.Duration{20 * time.Second}))
		})

		It("uses the attachment timeout and records attachment metadata", func() {
			ft.Script(reply("got it"))

			res := send("", pdf())
			coord.Wait()

			Expect(res.Outcome).To(Equal(delivery.OutcomeResolved))
			Expect(ft.Timeouts()).To(Equal([]time.Duration{45 * time.Second}))
			Expect(ft.Calls()[0].Attachments).To(HaveLen(1))

			user := messages(res.ConversationID)[0]
			Expect(user.Content).To(Equal(delivery.AttachmentOnlyContent))
			Expect(user.Attachments).To(ConsistOf(models.AttachmentMeta{
				Kind: models.KindPDF, Name: "report.pdf", Type: "application/pdf", Size: 8,
			}))
		})

		It("titles a new conversation from the first message", func() {
			ft.Script(reply("ok"))
			res := send("Plan a weekend trip to the mountains with friends")
			coord.Wait()

			conv, _ := convs.GetConversation(res.ConversationID)
			Expect(conv.Title).To(Equal("Plan a weekend trip to the mountains wit..."))
		})

		It("titles an attachment-only conversation after the first attachment", func() {
			ft.Script(reply("ok"))
			res := send("", pdf())
			coord.Wait()

			conv, _ := convs.GetConversation(res.ConversationID)
			Expect(conv.Title).To(Equal("report.pdf"))
		})

		It("sends the message without surrounding whitespace", func() {
			ft.Script(reply("ok"))
			res := send("  hello there \n")
			coord.Wait()

			Expect(ft.Calls()[0].Message).To(Equal("hello there"))
			Expect(messages(res.ConversationID)[0].Content).To(Equal("hello there"))
		})

		It("recovers within the retry budget", func() {
			ft.Script(fail(refused), fail(apierrors.NewTimeoutError(time.Second, "")), reply("late"))

			res := send("hello")
			coord.Wait()

			Expect(res.Outcome).To(Equal(delivery.OutcomeResolved))
			Expect(ft.Calls()).To(HaveLen(3))
			Expect(sl.waits).To(HaveLen(2))
			Expect(brk.Snapshot().ConsecutiveFailures).To(Equal(0))
		})
	})

	Describe("offline", func() {
		BeforeEach(func() {
			online.Set(false)
		})

		It("queues a text send without calling the network", func() {
			res := send("hello")

			Expect(res.Outcome).To(Equal(delivery.OutcomeQueued))
			Expect(apierrors.KindOf(res.Err)).To(Equal(apierrors.KindOffline))
			Expect(ft.Calls()).To(BeEmpty())

			msgs := messages(res.ConversationID)
			Expect(msgs).To(HaveLen(2))
			placeholder := msgs[1]
			Expect(placeholder.State).To(Equal(models.StateQueued))
			Expect(placeholder.CorrelationID).To(Equal(res.CorrelationID))
			Expect(placeholder.Content).To(ContainSubstring("No internet connection"))

			items, _ := box.List()
			Expect(items).To(HaveLen(1))
			Expect(items[0].Message).To(Equal("hello"))
			Expect(items[0].CorrelationID).To(Equal(res.CorrelationID))
			Expect(items[0].ConversationID).To(Equal(res.ConversationID))
			Expect(items[0].History).To(HaveLen(1))

			Expect(coord.Status()).To(Equal("Pending: 1"))
		})

		It("fails a send with a PDF immediately and never queues it", func() {
			res := send("see attached", pdf())

			Expect(res.Outcome).To(Equal(delivery.OutcomeFailed))
			Expect(ft.Calls()).To(BeEmpty())
			Expect(queued()).To(Equal(0))

			placeholder := messages(res.ConversationID)[1]
			Expect(placeholder.IsPlaceholder()).To(BeFalse())
			Expect(placeholder.Content).To(ContainSubstring("PDF/audio"))
		})
	})

	Describe("failure handling", func() {
		It("queues a text send after exhausting retries", func() {
			ft.Script(fail(refused))
			before := brk.Snapshot().ConsecutiveFailures

			res := send("hello")

			Expect(ft.Calls()).To(HaveLen(3))
			Expect(res.Outcome).To(Equal(delivery.OutcomeQueued))
			Expect(queued()).To(Equal(1))
			Expect(brk.Snapshot().ConsecutiveFailures).To(Equal(before + 1))

			placeholder := messages(res.ConversationID)[1]
			Expect(placeholder.State).To(Equal(models.StateQueued))
			Expect(placeholder.Content).To(ContainSubstring("Could not send now"))
			Expect(placeholder.Content).To(ContainSubstring("Queued for automatic retry"))
		})

		It("reports an attachment failure with classification, detail and hint", func() {
			ft.Script(fail(refused))

			res := send("", pdf())

			Expect(ft.Calls()).To(HaveLen(3))
			Expect(res.Outcome).To(Equal(delivery.OutcomeFailed))
			Expect(queued()).To(Equal(0))
			Expect(res.Message.Content).To(ContainSubstring("Could not connect"))
			Expect(res.Message.Content).To(ContainSubstring("connection refused"))
			Expect(res.Message.Content).To(ContainSubstring("Hint:"))
		})

		It("includes the server body for an HTTP error", func() {
			ft.Script(fail(apierrors.NewHTTPError(500, "500 Internal Server Error", "workflow crashed")))

			res := send("", pdf())

			Expect(res.Message.Content).To(ContainSubstring("The server returned an error."))
			Expect(res.Message.Content).To(ContainSubstring("workflow crashed"))
			Expect(res.Message.Content).NotTo(ContainSubstring("Hint:"))
		})

		It("queues without a network call while the breaker is open", func() {
			for i := 0; i < breaker.DefaultThreshold; i++ {
				brk.OnFail()
			}

			res := send("hello")

			Expect(ft.Calls()).To(BeEmpty())
			Expect(res.Outcome).To(Equal(delivery.OutcomeQueued))
			var open *apierrors.CircuitOpenError
			Expect(errors.As(res.Err, &open)).To(BeTrue())
			Expect(open.RetryAfter).To(Equal(breaker.DefaultCooldown))
		})

		It("opens the breaker after three failed sends", func() {
			ft.Script(fail(refused))

			for i := 0; i < 3; i++ {
				send("x")
			}
			Expect(brk.Snapshot().Mode).To(Equal(breaker.Open))
			Expect(ft.Calls()).To(HaveLen(9))

			send("y")
			Expect(ft.Calls()).To(HaveLen(9))
			Expect(queued()).To(Equal(4))
		})
	})

	Describe("cancellation", func() {
		It("records a cancellation note when stopped mid-retry", func() {
			ft.Script(fail(refused))
			sl.onSleep = func() { coord.Cancel() }
			before := brk.Snapshot()

			res := send("hello")

			Expect(res.Outcome).To(Equal(delivery.OutcomeCancelled))
			Expect(ft.Calls()).To(HaveLen(1))
			Expect(queued()).To(Equal(0))
			Expect(brk.Snapshot()).To(Equal(before))

			placeholder := messages(res.ConversationID)[1]
			Expect(placeholder.Content).To(Equal(delivery.CancelledNote))
			Expect(placeholder.IsPlaceholder()).To(BeFalse())
		})

		It("cancels a send that has not reached the network yet", func() {
			hooked := &hookedStore{Store: convs}
			early := delivery.New(hooked, box, ft,
				delivery.WithClock(clk),
				delivery.WithBreaker(brk),
				delivery.WithRetry(retryWith(sl)),
				delivery.WithConnectivity(online),
			)
			DeferCleanup(early.Close)

			var cancelled bool
			hooked.onAppend = func(msg models.Message) {
				if msg.Role == models.RoleUser {
					cancelled = early.Cancel()
				}
			}
			ft.Script(reply("too late"))

			res, err := early.Send(ctx, delivery.SendRequest{Text: "hello"})
			Expect(err).NotTo(HaveOccurred())

			Expect(cancelled).To(BeTrue())
			Expect(res.Outcome).To(Equal(delivery.OutcomeCancelled))
			Expect(ft.Calls()).To(BeEmpty())
			Expect(messages(res.ConversationID)[1].Content).To(Equal(delivery.CancelledNote))
		})

		It("returns false when nothing is in flight", func() {
			Expect(coord.Cancel()).To(BeFalse())
		})

		It("lets the latest send win", func() {
			ft.Script(block(), reply("second reply"))

			firstDone := make(chan *delivery.Result, 1)
			go func() {
				defer GinkgoRecover()
				firstDone <- send("first")
			}()
			Eventually(ft.Calls).Should(HaveLen(1))

			second := send("second")
			first := <-firstDone
			coord.Wait()

			Expect(first.Outcome).To(Equal(delivery.OutcomeCancelled))
			Expect(second.Outcome).To(Equal(delivery.OutcomeResolved))
			Expect(second.Message.Content).To(Equal("second reply"))

			contents := []string{}
			for _, m := range messages(second.ConversationID) {
				contents = append(contents, m.Content)
			}
			Expect(contents).To(Equal([]string{"first", delivery.CancelledNote, "second", "second reply"}))
		})

		It("returns a half-open trial taken by a cancelled send", func() {
			for i := 0; i < breaker.DefaultThreshold; i++ {
				brk.OnFail()
			}
			clk.Advance(breaker.DefaultCooldown)
			ft.Script(block(), reply("ok"))

			done := make(chan *delivery.Result, 1)
			go func() {
				defer GinkgoRecover()
				done <- send("trial")
			}()
			Eventually(ft.Calls).Should(HaveLen(1))
			Expect(coord.Cancel()).To(BeTrue())
			Expect((<-done).Outcome).To(Equal(delivery.OutcomeCancelled))

			state := brk.Snapshot()
			Expect(state.Mode).To(Equal(breaker.HalfOpen))
			Expect(state.HalfOpenTrialsRemaining).To(Equal(1))

			Expect(send("again").Outcome).To(Equal(delivery.OutcomeResolved))
			coord.Wait()
			Expect(brk.Snapshot().Mode).To(Equal(breaker.Closed))
		})
	})

	Describe("flush", func() {
		queueOffline := func(texts ...string) []*delivery.Result {
			online.Set(false)
			var results []*delivery.Result
			for _, t := range texts {
				results = append(results, send(t))
			}
			online.Set(true)
			return results
		}

		It("replays the outbox in order against each placeholder", func() {
			results := queueOffline("a", "b", "c")
			ft.Script(echo())

			report, err := coord.Flush(ctx)
			Expect(err).NotTo(HaveOccurred())

			Expect(report.Delivered).To(Equal(3))
			Expect(report.Remaining).To(Equal(0))
			Expect(queued()).To(Equal(0))

			order := []string{}
			for _, c := range ft.Calls() {
				order = append(order, c.Message)
			}
			Expect(order).To(Equal([]string{"a", "b", "c"}))

			msgs := messages(results[0].ConversationID)
			Expect(msgs).To(HaveLen(6))
			Expect(msgs[1].Content).To(Equal("re: a"))
			Expect(msgs[3].Content).To(Equal("re: b"))
			Expect(msgs[5].Content).To(Equal("re: c"))
			for _, m := range msgs {
				Expect(m.IsPlaceholder()).To(BeFalse())
			}
			Expect(coord.Status()).To(BeEmpty())
		})

		It("halts on the first failure and keeps the item at the head", func() {
			results := queueOffline("a", "b")
			ft.Script(fail(refused))

			report, err := coord.Flush(ctx)
			Expect(err).NotTo(HaveOccurred())

			Expect(report.Delivered).To(Equal(0))
			Expect(apierrors.KindOf(report.Halted)).To(Equal(apierrors.KindTransport))
			Expect(ft.Calls()).To(HaveLen(3))

			head, ok, _ := box.Peek()
			Expect(ok).To(BeTrue())
			Expect(head.CorrelationID).To(Equal(results[0].CorrelationID))
			Expect(queued()).To(Equal(2))
		})

		It("does nothing while offline", func() {
			queueOffline("a")
			online.Set(false)

			report, err := coord.Flush(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(report.Skipped).To(BeTrue())
			Expect(report.Remaining).To(Equal(1))
			Expect(ft.Calls()).To(BeEmpty())
		})

		It("does not start during a capture", func() {
			queueOffline("a")
			Expect(coord.BeginCapture()).To(Succeed())

			report, _ := coord.Flush(ctx)
			Expect(report.Skipped).To(BeTrue())
			Expect(ft.Calls()).To(BeEmpty())

			ft.Script(reply("ok"))
			coord.EndCapture()
			coord.Wait()
			Expect(queued()).To(Equal(0))
		})

		It("drops items whose conversation no longer exists", func() {
			results := queueOffline("a")
			Expect(convs.DeleteConversation(results[0].ConversationID)).To(Succeed())

			report, err := coord.Flush(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(report.Dropped).To(Equal(1))
			Expect(ft.Calls()).To(BeEmpty())
			Expect(queued()).To(Equal(0))
		})

		It("runs after a successful foreground send", func() {
			results := queueOffline("queued one")
			ft.Script(echo())

			send("live one")
			coord.Wait()

			Expect(queued()).To(Equal(0))
			msgs := messages(results[0].ConversationID)
			Expect(msgs[1].Content).To(Equal("re: queued one"))
			Expect(msgs[1].IsPlaceholder()).To(BeFalse())
		})

		It("runs when connectivity is restored", func() {
			queueOffline("a")
			ft.Script(reply("ok"))

			coord.OnConnectivityRestored(ctx)
			coord.Wait()

			Expect(queued()).To(Equal(0))
		})

		It("survives a restart of the process", func() {
			results := queueOffline("persisted")

			reopened, err := outbox.NewStore(filepath.Dir(box.Path()))
			Expect(err).NotTo(HaveOccurred())
			other := delivery.New(convs, reopened, ft, delivery.WithClock(clk), delivery.WithRetry(retryWith(sl)))
			DeferCleanup(other.Close)
			ft.Script(reply("after restart"))

			report, err := other.Flush(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(report.Delivered).To(Equal(1))
			Expect(messages(results[0].ConversationID)[1].Content).To(Equal("after restart"))
		})
	})

	Describe("conversation intents", func() {
		It("cascades delete to queued messages", func() {
			online.Set(false)
			a := send("in a")
			b, _ := coord.NewConversation()
			_, err := coord.Send(ctx, delivery.SendRequest{ConversationID: b.ID, Text: "in b"})
			Expect(err).NotTo(HaveOccurred())
			Expect(queued()).To(Equal(2))

			Expect(coord.DeleteConversation(a.ConversationID)).To(Succeed())

			items, _ := box.List()
			Expect(items).To(HaveLen(1))
			Expect(items[0].ConversationID).To(Equal(b.ID))
		})

		It("keeps other conversations' items when deleting during a replay", func() {
			online.Set(false)
			a := send("in a")
			b, _ := coord.NewConversation()
			_, err := coord.Send(ctx, delivery.SendRequest{ConversationID: b.ID, Text: "in b"})
			Expect(err).NotTo(HaveOccurred())
			online.Set(true)
			ft.Script(block(), echo())

			flushed := make(chan delivery.FlushReport, 1)
			go func() {
				defer GinkgoRecover()
				report, err := coord.Flush(ctx)
				Expect(err).NotTo(HaveOccurred())
				flushed <- report
			}()
			Eventually(ft.Calls).Should(HaveLen(1))

			Expect(coord.DeleteConversation(a.ConversationID)).To(Succeed())
			Expect(apierrors.IsCancelled((<-flushed).Halted)).To(BeTrue())
			coord.Wait()

			Expect(queued()).To(Equal(0))
			calls := ft.Calls()
			Expect(calls).To(HaveLen(2))
			Expect(calls[1].Message).To(Equal("in b"))

			placeholder := messages(b.ID)[1]
			Expect(placeholder.Content).To(Equal("re: in b"))
			Expect(placeholder.IsPlaceholder()).To(BeFalse())
		})

		It("creates a fresh active conversation when the last one is deleted", func() {
			conv, _ := coord.NewConversation()
			Expect(coord.DeleteConversation(conv.ID)).To(Succeed())

			active, err := coord.ActiveConversation()
			Expect(err).NotTo(HaveOccurred())
			Expect(active.ID).NotTo(Equal(conv.ID))
			Expect(active.Title).To(Equal(history.DefaultTitle))
		})

		It("renames and switches conversations", func() {
			a, _ := coord.NewConversation()
			_, _ = coord.NewConversation()

			Expect(coord.RenameConversation(a.ID, "  ")).To(Succeed())
			Expect(coord.SetActive(a.ID)).To(Succeed())

			active, _ := coord.ActiveConversation()
			Expect(active.ID).To(Equal(a.ID))
			Expect(active.Title).To(Equal(history.FallbackTitle))
		})

		It("rejects a send to an unknown conversation", func() {
			_, err := coord.Send(ctx, delivery.SendRequest{ConversationID: "conv-missing", Text: "hi"})
			Expect(err).To(MatchError(apierrors.ErrConversationNotFound))
		})
	})

	Describe("NewOutboxItem", func() {
		It("refuses requests with attachments", func() {
			_, err := delivery.NewOutboxItem(transport.Request{
				ConversationID: "c",
				Attachments:    []models.Attachment{pdf()},
			}, "corr", clk.Now())
			Expect(err).To(MatchError(apierrors.ErrBinaryNotQueueable))
		})

		It("defaults history to an empty list", func() {
			item, err := delivery.NewOutboxItem(transport.Request{ConversationID: "c", Message: "m"}, "corr", clk.Now())
			Expect(err).NotTo(HaveOccurred())
			Expect(item.History).NotTo(BeNil())
			Expect(item.CreatedAt).To(Equal(clk.Now()))
		})
	})
})

package delivery

import (
	"context"
	"log/slog"

	apierrors "github.com/diogo/chatrelay/internal/errors"
	"github.com/diogo/chatrelay/internal/logger"
	"github.com/diogo/chatrelay/internal/transport"
)

// Flush replays the outbox head to tail. It does not start while a
// foreground operation or a capture is active, and gives way as soon as
// one arrives. The first failure halts the pass with the item still at the
// head.
func (c *Coordinator) Flush(ctx context.Context) (FlushReport, error) {
	var report FlushReport

	if c.busy() || !c.connectivity.Online(ctx) {
		report.Skipped = true
		report.Remaining, _ = c.outbox.Count()
		return report, nil
	}

	c.worker.Lock()
	defer c.worker.Unlock()

	ctx = logger.WithLogFields(ctx, logger.LogFields{Component: "delivery.flush"})
	sc := logger.StartSpan(ctx, "delivery.flush")
	defer sc.End()
	ctx = sc.Context()

	for {
		if c.busy() {
			slog.DebugContext(ctx, "flush yielding to foreground send")
			break
		}

		item, ok, err := c.outbox.Peek()
		if err != nil {
			return report, err
		}
		if !ok {
			break
		}

		itemCtx := logger.WithLogFields(ctx, logger.LogFields{
			ConversationID: item.ConversationID,
			CorrelationID:  item.CorrelationID,
		})

		if !c.conversations.Exists(item.ConversationID) {
			if _, err := c.outbox.Remove(item.CorrelationID); err != nil {
				return report, err
			}
			report.Dropped++
			slog.WarnContext(itemCtx, "dropping queued message for missing conversation")
			continue
		}

		req := transport.Request{
			ConversationID: item.ConversationID,
			Message:        item.Message,
			History:        item.History,
		}

		attemptCtx, release := c.beginReplay(itemCtx)
		raw, sendErr := c.deliver(attemptCtx, req)
		release()

		if sendErr != nil {
			report.Halted = sendErr
			sc.RecordError(sendErr)
			if apierrors.IsCancelled(sendErr) {
				slog.InfoContext(itemCtx, "flush interrupted")
			} else {
				slog.WarnContext(itemCtx, "flush halted", "kind", apierrors.KindOf(sendErr), "error", sendErr)
			}
			break
		}

		if err := c.resolve(itemCtx, item.ConversationID, item.CorrelationID, c.terminal(transport.ExtractReply(raw))); err != nil {
			return report, err
		}
		if _, err := c.outbox.Remove(item.CorrelationID); err != nil {
			return report, err
		}
		report.Delivered++
		slog.InfoContext(itemCtx, "queued message delivered")
	}

	report.Remaining, _ = c.outbox.Count()
	return report, nil
}

package delivery

import (
	"fmt"
	"strings"

	apierrors "github.com/diogo/chatrelay/internal/errors"
	"github.com/diogo/chatrelay/internal/history"
	"github.com/diogo/chatrelay/internal/models"
)

// Texts written into the conversation log
const (
	SendingNote           = "Sending…"
	CancelledNote         = "Send stopped."
	AttachmentOnlyContent = history.AttachmentOnlyContent

	offlineQueuedNote     = "No internet connection. Saved to send later."
	offlineAttachmentNote = "You are offline. PDF/audio cannot be sent until the connection returns."
	transportHint         = "Hint: check the webhook URL, its TLS certificate and any proxy in front of the backend."
)

// Outcome is how a send or replay ended
type Outcome string

const (
	OutcomeSkipped   Outcome = "skipped"
	OutcomeResolved  Outcome = "resolved"
	OutcomeQueued    Outcome = "queued"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
)

// SendRequest is one user send
type SendRequest struct {
	// ConversationID selects the conversation; empty means the active one.
	ConversationID string
	Text           string
	Attachments    []models.Attachment
}

// Empty reports whether there is nothing to send
func (r SendRequest) Empty() bool {
	return strings.TrimSpace(r.Text) == "" && len(r.Attachments) == 0
}

// Result describes what happened to a send
type Result struct {
	Outcome        Outcome
	ConversationID string
	CorrelationID  string
	// Message is the placeholder's state after the send: the terminal
	// message, or the queued placeholder.
	Message models.Message
	// Err is the delivery failure behind a queued, failed or cancelled outcome.
	Err error
}

// FlushReport summarises one flush pass
type FlushReport struct {
	Delivered int
	Dropped   int
	Remaining int
	// Skipped is set when the pass did not run: offline, busy or empty.
	Skipped bool
	// Halted is the failure that stopped the pass, leaving its item at the head.
	Halted error
}

func queuedNote(cause error) string {
	if apierrors.KindOf(cause) == apierrors.KindOffline {
		return offlineQueuedNote
	}
	return fmt.Sprintf("Could not send now (%s).\nQueued for automatic retry.", apierrors.Describe(cause))
}

func failureNote(cause error, withAttachments bool) string {
	if withAttachments && apierrors.KindOf(cause) == apierrors.KindOffline {
		return offlineAttachmentNote
	}

	var b strings.Builder
	b.WriteString("Error calling the backend:\n")
	b.WriteString(apierrors.Describe(cause))
	b.WriteString("\n")
	b.WriteString(cause.Error())
	if apierrors.KindOf(cause) == apierrors.KindTransport {
		b.WriteString("\n")
		b.WriteString(transportHint)
	}
	return b.String()
}

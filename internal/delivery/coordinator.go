// Package delivery coordinates sends: it owns placeholder lifecycle,
// decides between delivering, queueing and failing, and drains the outbox
// when the backend becomes reachable again.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/diogo/chatrelay/internal/breaker"
	"github.com/diogo/chatrelay/internal/clock"
	"github.com/diogo/chatrelay/internal/connectivity"
	apierrors "github.com/diogo/chatrelay/internal/errors"
	"github.com/diogo/chatrelay/internal/history"
	"github.com/diogo/chatrelay/internal/logger"
	"github.com/diogo/chatrelay/internal/models"
	"github.com/diogo/chatrelay/internal/outbox"
	"github.com/diogo/chatrelay/internal/retry"
	"github.com/diogo/chatrelay/internal/transport"
)

// Transport performs one bounded attempt and returns the raw reply body
type Transport interface {
	Post(ctx context.Context, req transport.Request, timeout time.Duration) (string, error)
}

// ConversationStore is the conversation log the coordinator writes to
type ConversationStore interface {
	CreateConversation() (*history.Conversation, error)
	GetConversation(id string) (*history.Conversation, error)
	ActiveConversation() (*history.Conversation, error)
	SetActive(id string) error
	Exists(id string) bool
	AppendMessage(id string, msg models.Message) (*history.Conversation, error)
	ReplaceMessage(id, correlationID string, msg models.Message) (bool, error)
	UpdateTitle(id, title string) error
	DeleteConversation(id string) error
}

// Outbox is the durable queue of text-only sends
type Outbox interface {
	Enqueue(item outbox.Item) error
	Peek() (outbox.Item, bool, error)
	Remove(correlationID string) (bool, error)
	Count() (int, error)
	RemoveConversation(conversationID string) (int, error)
}

// Settings holds the per-send limits
type Settings struct {
	TextTimeout       time.Duration
	AttachmentTimeout time.Duration
	TextRetries       int
	AttachmentRetries int
	HistoryLimit      int
}

// DefaultSettings returns the default send limits
func DefaultSettings() Settings {
	return Settings{
		TextTimeout:       20 * time.Second,
		AttachmentTimeout: 45 * time.Second,
		TextRetries:       3,
		AttachmentRetries: 3,
		HistoryLimit:      models.DefaultHistoryLimit,
	}
}

// Coordinator runs at most one task at a time: a foreground send, a
// conversation delete or a flush pass. A new send cancels whatever attempt
// is in flight and then waits for the worker.
type Coordinator struct {
	conversations ConversationStore
	outbox        Outbox
	transport     Transport
	breaker       *breaker.Breaker
	retry         *retry.Executor
	connectivity  connectivity.Checker
	clock         clock.Clock
	settings      Settings
	newID         func() string

	worker sync.Mutex // held for the duration of a task

	mu        sync.Mutex // guards the fields below
	inflight  *attempt
	waiting   int // foreground operations running or waiting for the worker
	capturing bool

	bgCtx    context.Context
	bgCancel context.CancelFunc
	bg       sync.WaitGroup
}

// attempt is the cancellable work that Cancel and newer sends reach
type attempt struct {
	cancel context.CancelFunc
	replay bool
}

// Option configures a Coordinator
type Option func(*Coordinator)

// WithClock sets the clock used for message timestamps
func WithClock(c clock.Clock) Option {
	return func(co *Coordinator) {
		co.clock = c
	}
}

// WithBreaker sets the circuit breaker
func WithBreaker(b *breaker.Breaker) Option {
	return func(co *Coordinator) {
		co.breaker = b
	}
}

// WithRetry sets the retry executor
func WithRetry(e *retry.Executor) Option {
	return func(co *Coordinator) {
		co.retry = e
	}
}

// WithConnectivity sets the connectivity checker
func WithConnectivity(c connectivity.Checker) Option {
	return func(co *Coordinator) {
		co.connectivity = c
	}
}

// WithSettings sets the send limits
func WithSettings(s Settings) Option {
	return func(co *Coordinator) {
		co.settings = s
	}
}

// WithIDGenerator replaces the correlation id generator
func WithIDGenerator(fn func() string) Option {
	return func(co *Coordinator) {
		co.newID = fn
	}
}

// New creates a Coordinator. Unset collaborators get defaults: a default
// breaker and executor, the system clock, and an always-online checker.
func New(conversations ConversationStore, box Outbox, t Transport, opts ...Option) *Coordinator {
	c := &Coordinator{
		conversations: conversations,
		outbox:        box,
		transport:     t,
		settings:      DefaultSettings(),
		newID:         uuid.NewString,
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.clock == nil {
		c.clock = clock.System{}
	}
	if c.breaker == nil {
		c.breaker = breaker.New(breaker.DefaultSettings(), breaker.WithClock(c.clock))
	}
	if c.retry == nil {
		c.retry = retry.New()
	}
	if c.connectivity == nil {
		c.connectivity = connectivity.NewStatic(true)
	}
	if c.settings.TextRetries < 1 {
		c.settings.TextRetries = 1
	}
	if c.settings.AttachmentRetries < 1 {
		c.settings.AttachmentRetries = 1
	}

	c.bgCtx, c.bgCancel = context.WithCancel(context.Background())
	return c
}

// Breaker exposes the circuit breaker for status reporting
func (c *Coordinator) Breaker() *breaker.Breaker {
	return c.breaker
}

// Send records req in the conversation log and tries to deliver it. The
// returned error reports store failures only; delivery failures are
// described by the Result.
func (c *Coordinator) Send(ctx context.Context, req SendRequest) (*Result, error) {
	if req.Empty() {
		return &Result{Outcome: OutcomeSkipped, ConversationID: req.ConversationID}, nil
	}

	c.mu.Lock()
	if c.capturing {
		c.mu.Unlock()
		slog.InfoContext(ctx, "send skipped while a capture is active")
		return &Result{Outcome: OutcomeSkipped, ConversationID: req.ConversationID, Err: apierrors.ErrCaptureActive}, nil
	}
	// Last send wins: stop whatever is in flight and take its place, so
	// Cancel reaches this send while it still waits for the worker
	if c.inflight != nil {
		c.inflight.cancel()
	}
	ctx, cancel := context.WithCancel(ctx)
	own := &attempt{cancel: cancel}
	c.inflight = own
	c.waiting++
	c.mu.Unlock()

	res, err := c.runSend(ctx, req)

	c.mu.Lock()
	c.waiting--
	if c.inflight == own {
		c.inflight = nil
	}
	c.mu.Unlock()
	cancel()

	if err == nil && res.Outcome == OutcomeResolved {
		c.kickFlush()
	}
	return res, err
}

func (c *Coordinator) runSend(ctx context.Context, req SendRequest) (*Result, error) {
	c.worker.Lock()
	defer c.worker.Unlock()

	conv, err := c.resolveConversation(req.ConversationID)
	if err != nil {
		return nil, err
	}

	ctx = logger.WithLogFields(ctx, logger.LogFields{Component: "delivery", ConversationID: conv.ID})
	sc := logger.StartSpan(ctx, "delivery.send")
	defer sc.End()
	ctx = sc.Context()

	metas := models.Metas(req.Attachments)
	text := strings.TrimSpace(req.Text)
	content := text
	if content == "" {
		content = AttachmentOnlyContent
	}

	if _, err := c.conversations.AppendMessage(conv.ID, models.Message{
		Role:        models.RoleUser,
		Content:     content,
		Timestamp:   c.clock.Now(),
		Attachments: metas,
	}); err != nil {
		return nil, fmt.Errorf("failed to record message: %w", err)
	}

	correlationID := c.newID()
	ctx = logger.WithLogFields(ctx, logger.LogFields{CorrelationID: correlationID})

	updated, err := c.conversations.AppendMessage(conv.ID, models.Message{
		Role:          models.RoleAssistant,
		Content:       SendingNote,
		Timestamp:     c.clock.Now(),
		CorrelationID: correlationID,
		State:         models.StatePending,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to record placeholder: %w", err)
	}

	hist := models.BuildHistory(updated.Messages, c.settings.HistoryLimit)
	treq := transport.Request{
		ConversationID: conv.ID,
		Message:        text,
		History:        hist,
		Attachments:    req.Attachments,
	}

	raw, sendErr := c.deliver(ctx, treq)

	res := &Result{ConversationID: conv.ID, CorrelationID: correlationID, Err: sendErr}
	if sendErr != nil {
		sc.RecordError(sendErr)
	}

	switch {
	case sendErr == nil:
		res.Outcome = OutcomeResolved
		res.Message = c.terminal(transport.ExtractReply(raw))
		slog.InfoContext(ctx, "message delivered")

	case apierrors.IsCancelled(sendErr):
		res.Outcome = OutcomeCancelled
		res.Message = c.terminal(CancelledNote)
		slog.InfoContext(ctx, "send cancelled")

	case !treq.HasAttachments():
		queued, err := c.queue(ctx, treq, correlationID, sendErr)
		if err == nil {
			res.Outcome = OutcomeQueued
			res.Message = queued
			break
		}
		slog.ErrorContext(ctx, "failed to queue message", "error", err)
		res.Outcome = OutcomeFailed
		res.Message = c.terminal(failureNote(sendErr, false))

	default:
		res.Outcome = OutcomeFailed
		res.Message = c.terminal(failureNote(sendErr, true))
		slog.WarnContext(ctx, "send with attachments failed", "kind", apierrors.KindOf(sendErr), "error", sendErr)
	}

	if res.Outcome == OutcomeQueued {
		return res, nil
	}
	if err := c.resolve(ctx, conv.ID, correlationID, res.Message); err != nil {
		return res, err
	}
	return res, nil
}

// deliver runs the online check, the breaker gate and the retried transport
// call. The breaker sees exactly one outcome per logical send.
func (c *Coordinator) deliver(ctx context.Context, req transport.Request) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", apierrors.NewCancelledError(err)
	}
	if !c.connectivity.Online(ctx) {
		return "", apierrors.NewOfflineError("")
	}
	if !c.breaker.CanAttempt() {
		return "", apierrors.NewCircuitOpenError(c.breaker.RetryAfter())
	}

	timeout, attempts := c.settings.TextTimeout, c.settings.TextRetries
	if req.HasAttachments() {
		timeout, attempts = c.settings.AttachmentTimeout, c.settings.AttachmentRetries
	}

	var raw string
	err := c.retry.Do(ctx, attempts, func(ctx context.Context, attempt int) error {
		body, err := c.transport.Post(ctx, req, timeout)
		if err != nil {
			slog.DebugContext(ctx, "attempt failed", "attempt", attempt, "kind", apierrors.KindOf(err), "error", err)
			return err
		}
		raw = body
		return nil
	})

	switch {
	case err == nil:
		c.breaker.OnSuccess()
	case apierrors.IsCancelled(err):
		c.breaker.Release()
	default:
		c.breaker.OnFail()
	}
	return raw, err
}

// queue stores a failed text-only send in the outbox and marks its
// placeholder as queued. The outbox write comes first so a queued
// placeholder always has an item behind it.
func (c *Coordinator) queue(ctx context.Context, req transport.Request, correlationID string, cause error) (models.Message, error) {
	item, err := NewOutboxItem(req, correlationID, c.clock.Now())
	if err != nil {
		return models.Message{}, err
	}
	if err := c.outbox.Enqueue(item); err != nil {
		return models.Message{}, err
	}

	msg := models.Message{
		Role:          models.RoleAssistant,
		Content:       queuedNote(cause),
		Timestamp:     c.clock.Now(),
		CorrelationID: correlationID,
		State:         models.StateQueued,
	}
	if _, err := c.conversations.ReplaceMessage(req.ConversationID, correlationID, msg); err != nil {
		slog.WarnContext(ctx, "failed to mark placeholder queued", "error", err)
	}

	slog.InfoContext(ctx, "message queued", "kind", apierrors.KindOf(cause))
	return msg, nil
}

// NewOutboxItem builds an outbox item for req. Requests carrying
// attachments are refused.
func NewOutboxItem(req transport.Request, correlationID string, now time.Time) (outbox.Item, error) {
	if req.HasAttachments() {
		return outbox.Item{}, apierrors.ErrBinaryNotQueueable
	}

	hist := req.History
	if hist == nil {
		hist = []models.HistoryEntry{}
	}
	return outbox.Item{
		ConversationID: req.ConversationID,
		Message:        req.Message,
		History:        hist,
		CorrelationID:  correlationID,
		CreatedAt:      now,
	}, nil
}

// resolve replaces the placeholder with its terminal message
func (c *Coordinator) resolve(ctx context.Context, conversationID, correlationID string, msg models.Message) error {
	ok, err := c.conversations.ReplaceMessage(conversationID, correlationID, msg)
	if errors.Is(err, apierrors.ErrConversationNotFound) {
		slog.WarnContext(ctx, "conversation deleted before its placeholder resolved")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to resolve placeholder: %w", err)
	}
	if !ok {
		slog.WarnContext(ctx, "placeholder no longer present")
	}
	return nil
}

func (c *Coordinator) terminal(content string) models.Message {
	return models.Message{
		Role:      models.RoleAssistant,
		Content:   content,
		Timestamp: c.clock.Now(),
	}
}

func (c *Coordinator) resolveConversation(id string) (*history.Conversation, error) {
	if id == "" {
		return c.conversations.ActiveConversation()
	}
	return c.conversations.GetConversation(id)
}

// beginReplay registers a flush attempt as in flight. When a foreground
// operation or a capture is already waiting the attempt starts cancelled,
// so the worker changes hands without spending a retry budget.
func (c *Coordinator) beginReplay(ctx context.Context) (context.Context, func()) {
	attemptCtx, cancel := context.WithCancel(ctx)
	own := &attempt{cancel: cancel, replay: true}

	c.mu.Lock()
	if c.waiting > 0 || c.capturing {
		cancel()
	} else {
		c.inflight = own
	}
	c.mu.Unlock()

	return attemptCtx, func() {
		c.mu.Lock()
		if c.inflight == own {
			c.inflight = nil
		}
		c.mu.Unlock()
		cancel()
	}
}

// Cancel aborts the in-flight send or replay, if any. A send is reachable
// from the moment Send is called. Queued items are unaffected.
func (c *Coordinator) Cancel() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.inflight == nil {
		return false
	}
	c.inflight.cancel()
	return true
}

// BeginCapture marks an exclusive capture (e.g. audio recording) as active.
// Sends are skipped and flushes do not start until EndCapture.
func (c *Coordinator) BeginCapture() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.capturing {
		return apierrors.ErrCaptureActive
	}
	c.capturing = true
	return nil
}

// EndCapture ends the capture and lets pending items flush
func (c *Coordinator) EndCapture() {
	c.mu.Lock()
	was := c.capturing
	c.capturing = false
	c.mu.Unlock()

	if was {
		c.kickFlush()
	}
}

// Status returns "Pending: N" while the outbox is not empty, else ""
func (c *Coordinator) Status() string {
	n, err := c.outbox.Count()
	if err != nil || n == 0 {
		return ""
	}
	return fmt.Sprintf("Pending: %d", n)
}

// OnConnectivityRestored starts a background flush
func (c *Coordinator) OnConnectivityRestored(context.Context) {
	c.kickFlush()
}

// Run flushes once and then on every offline to online transition until
// ctx is done.
func (c *Coordinator) Run(ctx context.Context, interval time.Duration) {
	if _, err := c.Flush(ctx); err != nil {
		slog.WarnContext(ctx, "initial flush failed", "error", err)
	}
	connectivity.Watch(ctx, c.connectivity, interval, c.OnConnectivityRestored)
}

// Wait blocks until background flushes have finished
func (c *Coordinator) Wait() {
	c.bg.Wait()
}

// Close cancels background flushes and waits for them
func (c *Coordinator) Close() {
	c.bgCancel()
	c.bg.Wait()
}

func (c *Coordinator) kickFlush() {
	if c.bgCtx.Err() != nil {
		return
	}

	c.bg.Add(1)
	go func() {
		defer c.bg.Done()
		if _, err := c.Flush(c.bgCtx); err != nil {
			slog.Warn("background flush failed", "error", err)
		}
	}()
}

// busy reports whether a foreground operation or a capture blocks flushing
func (c *Coordinator) busy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.waiting > 0 || c.capturing
}

// Package transport posts messages to the webhook backend and classifies
// every failure into the typed delivery errors.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	fhttp "github.com/bogdanfinn/fhttp"
	tls_client "github.com/bogdanfinn/tls-client"
	"github.com/bogdanfinn/tls-client/profiles"
	"go.opentelemetry.io/otel/attribute"

	apierrors "github.com/diogo/chatrelay/internal/errors"
	"github.com/diogo/chatrelay/internal/logger"
	"github.com/diogo/chatrelay/internal/models"
)

// AuthHeader carries the optional shared token
const AuthHeader = "X-Auth"

// maxResponseSize bounds how much of a reply body is read
const maxResponseSize = 8 * 1024 * 1024

// Doer performs one HTTP round trip. tls_client.HttpClient satisfies it.
type Doer interface {
	Do(req *fhttp.Request) (*fhttp.Response, error)
}

// Request is one logical send
type Request struct {
	ConversationID string
	Message        string
	History        []models.HistoryEntry
	Attachments    []models.Attachment
}

// HasAttachments reports whether the request needs the multipart encoding
func (r Request) HasAttachments() bool {
	return len(r.Attachments) > 0
}

// Client posts requests to a single webhook endpoint
type Client struct {
	endpoint string
	token    string
	doer     Doer
}

// ClientOption is a function that configures the client
type ClientOption func(*Client)

// WithToken sets the shared token sent in the X-Auth header
func WithToken(token string) ClientOption {
	return func(c *Client) {
		c.token = token
	}
}

// WithDoer replaces the underlying HTTP client
func WithDoer(d Doer) ClientOption {
	return func(c *Client) {
		c.doer = d
	}
}

// NewClient creates a Client for endpoint
func NewClient(endpoint string, opts ...ClientOption) (*Client, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("webhook endpoint is required")
	}

	c := &Client{endpoint: endpoint}
	for _, opt := range opts {
		opt(c)
	}

	if c.doer == nil {
		// Per-attempt deadlines come from the request context; the client
		// timeout only guards against a stuck connection.
		options := []tls_client.HttpClientOption{
			tls_client.WithTimeoutSeconds(300),
			tls_client.WithClientProfile(profiles.Chrome_120),
		}

		httpClient, err := tls_client.NewHttpClient(tls_client.NewNoopLogger(), options...)
		if err != nil {
			return nil, fmt.Errorf("failed to create HTTP client: %w", err)
		}
		c.doer = httpClient
	}

	return c, nil
}

// Endpoint returns the webhook URL
func (c *Client) Endpoint() string {
	return c.endpoint
}

// Post performs one attempt bounded by timeout and returns the raw body.
//
// A deadline hit by this attempt is a TimeoutError; cancellation of ctx is a
// CancelledError; a non-2xx status is an HTTPError; anything else reaching
// the network is a TransportError.
func (c *Client) Post(ctx context.Context, req Request, timeout time.Duration) (string, error) {
	sc := logger.StartSpan(ctx, "transport.post")
	defer sc.End()
	sc.Span().SetAttributes(
		attribute.String("chatrelay.conversation_id", req.ConversationID),
		attribute.Int("chatrelay.attachments", len(req.Attachments)),
	)

	raw, err := c.post(sc.Context(), req, timeout)
	if err != nil {
		sc.RecordError(err)
	}
	return raw, err
}

func (c *Client) post(ctx context.Context, req Request, timeout time.Duration) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", apierrors.NewCancelledError(err)
	}

	body, contentType, err := encode(req)
	if err != nil {
		return "", err
	}

	attemptCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	httpReq, err := fhttp.NewRequestWithContext(attemptCtx, fhttp.MethodPost, c.endpoint, body)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", contentType)
	httpReq.Header.Set("Accept", "application/json, text/plain, */*")
	if c.token != "" {
		httpReq.Header.Set(AuthHeader, c.token)
	}

	resp, err := c.doer.Do(httpReq)
	if err != nil {
		return "", c.classify(ctx, attemptCtx, timeout, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil && resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return "", c.classify(ctx, attemptCtx, timeout, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", apierrors.NewHTTPError(resp.StatusCode, resp.Status, string(data))
	}

	return string(data), nil
}

// classify maps a round-trip failure onto the delivery error taxonomy
func (c *Client) classify(parent, attempt context.Context, timeout time.Duration, err error) error {
	if parent.Err() != nil {
		return apierrors.NewCancelledError(parent.Err())
	}
	if errors.Is(attempt.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return apierrors.NewTimeoutError(timeout, "")
	}
	return apierrors.NewTransportError(c.endpoint, err)
}

package delivery_test

import (
	"context"
	"fmt"
	"sync"
	"time"

	apierrors "github.com/diogo/chatrelay/internal/errors"
	"github.com/diogo/chatrelay/internal/history"
	"github.com/diogo/chatrelay/internal/models"
	"github.com/diogo/chatrelay/internal/retry"
	"github.com/diogo/chatrelay/internal/transport"
)

type postFunc func(ctx context.Context, req transport.Request) (string, error)

// fakeTransport answers calls from a script; the last entry repeats
type fakeTransport struct {
	mu       sync.Mutex
	script   []postFunc
	calls    []transport.Request
	timeouts []time.Duration
}

func (f *fakeTransport) Post(ctx context.Context, req transport.Request, timeout time.Duration) (string, error) {
	f.mu.Lock()
	n := len(f.calls)
	f.calls = append(f.calls, req)
	f.timeouts = append(f.timeouts, timeout)
	var fn postFunc
	switch {
	case len(f.script) == 0:
		fn = reply("")
	case n < len(f.script):
		fn = f.script[n]
	default:
		fn = f.script[len(f.script)-1]
	}
	f.mu.Unlock()

	return fn(ctx, req)
}

func (f *fakeTransport) Script(fns ...postFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.script = fns
	f.calls = nil
	f.timeouts = nil
}

func (f *fakeTransport) Calls() []transport.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]transport.Request(nil), f.calls...)
}

func (f *fakeTransport) Timeouts() []time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Duration(nil), f.timeouts...)
}

func reply(body string) postFunc {
	return func(context.Context, transport.Request) (string, error) {
		return body, nil
	}
}

// echo replies with the message text so replay order is visible
func echo() postFunc {
	return func(_ context.Context, req transport.Request) (string, error) {
		return fmt.Sprintf(`{"reply":"re: %s"}`, req.Message), nil
	}
}

func fail(err error) postFunc {
	return func(context.Context, transport.Request) (string, error) {
		return "", err
	}
}

// block waits for the attempt to be cancelled
func block() postFunc {
	return func(ctx context.Context, _ transport.Request) (string, error) {
		<-ctx.Done()
		return "", apierrors.NewCancelledError(ctx.Err())
	}
}

// sleeper records backoff waits without sleeping
type sleeper struct {
	mu      sync.Mutex
	waits   []time.Duration
	onSleep func()
}

func (s *sleeper) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.waits = append(s.waits, d)
	hook := s.onSleep
	s.mu.Unlock()
	if hook != nil {
		hook()
	}
	return ctx.Err()
}

func sequentialIDs() func() string {
	var mu sync.Mutex
	n := 0
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("corr-%d", n)
	}
}

func retryWith(s *sleeper) *retry.Executor {
	return retry.New(retry.WithSleep(s.sleep))
}

// hookedStore runs onAppend before each message is written
type hookedStore struct {
	*history.Store
	onAppend func(msg models.Message)
}

func (s *hookedStore) AppendMessage(id string, msg models.Message) (*history.Conversation, error) {
	if s.onAppend != nil {
		s.onAppend(msg)
	}
	return s.Store.AppendMessage(id, msg)
}

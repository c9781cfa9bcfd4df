// Package connectivity decides whether the backend is reachable and reports
// offline to online transitions.
package connectivity

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"sync/atomic"
	"time"
)

// Checker reports current connectivity
type Checker interface {
	Online(ctx context.Context) bool
}

// Static is a Checker with a fixed, settable answer
type Static struct {
	online atomic.Bool
}

// NewStatic creates a Static checker
func NewStatic(online bool) *Static {
	s := &Static{}
	s.online.Store(online)
	return s
}

// Online returns the current value
func (s *Static) Online(context.Context) bool {
	return s.online.Load()
}

// Set changes the answer
func (s *Static) Set(online bool) {
	s.online.Store(online)
}

// Prober decides connectivity by opening a TCP connection
type Prober struct {
	address string
	timeout time.Duration
	dialer  func(ctx context.Context, network, address string) (net.Conn, error)
}

// NewProber creates a Prober dialing address (host:port)
func NewProber(address string, timeout time.Duration) *Prober {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	d := &net.Dialer{}
	return &Prober{
		address: address,
		timeout: timeout,
		dialer:  d.DialContext,
	}
}

// Address returns the probed address
func (p *Prober) Address() string {
	return p.address
}

// Online reports whether a connection could be opened within the timeout
func (p *Prober) Online(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	conn, err := p.dialer(ctx, "tcp", p.address)
	if err != nil {
		slog.Debug("connectivity probe failed", "address", p.address, "error", err)
		return false
	}
	_ = conn.Close()
	return true
}

// ProbeAddress derives host:port from a webhook URL
func ProbeAddress(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid webhook url: %w", err)
	}
	if u.Hostname() == "" {
		return "", fmt.Errorf("webhook url has no host: %q", rawURL)
	}

	port := u.Port()
	if port == "" {
		switch u.Scheme {
		case "http":
			port = "80"
		default:
			port = "443"
		}
	}
	return net.JoinHostPort(u.Hostname(), port), nil
}

// Watch polls checker every interval until ctx is done and calls onRestore
// each time connectivity goes from offline to online. The first observation
// only sets the baseline.
func Watch(ctx context.Context, checker Checker, interval time.Duration, onRestore func(ctx context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	online := checker.Online(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		now := checker.Online(ctx)
		if now && !online {
			slog.InfoContext(ctx, "connectivity restored")
			onRestore(ctx)
		} else if !now && online {
			slog.InfoContext(ctx, "connectivity lost")
		}
		online = now
	}
}

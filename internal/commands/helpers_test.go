package commands

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"
	"testing"

	fhttp "github.com/bogdanfinn/fhttp"
	"github.com/spf13/cobra"

	"github.com/diogo/chatrelay/internal/connectivity"
	"github.com/diogo/chatrelay/internal/transport"
)

const testWebhook = "https://hooks.example.com/chat"

// withHome points the data directory at a temp dir and resets the
// package-level flags and test seams
func withHome(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("CHATRELAY_HOME", dir)
	t.Setenv("CHATRELAY_ENV", "test")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")

	sendFiles, sendConversation, sendOffline, sendRaw = nil, "", false, false
	watchInterval = 0
	verboseFlag = false
	testChecker = nil
	testClientOptions = nil
	t.Cleanup(func() {
		sendFiles, sendConversation, sendOffline, sendRaw = nil, "", false, false
		testChecker = nil
		testClientOptions = nil
	})
	return dir
}

// withWebhook configures a webhook answered by doer, always online
func withWebhook(t *testing.T, doer *stubDoer) {
	t.Helper()
	t.Setenv("CHATRELAY_WEBHOOK_URL", testWebhook)
	t.Setenv("CHATRELAY_BACKOFF_BASE_MS", "1")
	testChecker = connectivity.NewStatic(true)
	testClientOptions = []transport.ClientOption{transport.WithDoer(doer)}
}

// newTestCmd returns a bare command with captured output
func newTestCmd() (*cobra.Command, *bytes.Buffer, *bytes.Buffer) {
	cmd := &cobra.Command{}
	out, errOut := &bytes.Buffer{}, &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(errOut)
	cmd.SetIn(strings.NewReader(""))
	cmd.SetContext(context.Background())
	return cmd, out, errOut
}

// stubDoer answers every request with the same response
type stubDoer struct {
	mu       sync.Mutex
	status   int
	body     string
	err      error
	messages []string
}

func (d *stubDoer) Do(req *fhttp.Request) (*fhttp.Response, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	payload, _ := io.ReadAll(req.Body)
	d.messages = append(d.messages, string(payload))

	if d.err != nil {
		return nil, d.err
	}
	status := d.status
	if status == 0 {
		status = 200
	}
	return &fhttp.Response{
		StatusCode: status,
		Status:     fhttp.StatusText(status),
		Body:       io.NopCloser(strings.NewReader(d.body)),
	}, nil
}

func (d *stubDoer) calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.messages)
}

// outboxCount runs "outbox count" and returns its output
func outboxCount(t *testing.T) string {
	t.Helper()
	cmd, out, _ := newTestCmd()
	if err := runOutboxCount(cmd, nil); err != nil {
		t.Fatalf("outbox count failed: %v", err)
	}
	return strings.TrimSpace(out.String())
}

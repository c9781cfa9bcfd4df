package commands

import (
	"bytes"
	"strings"
	"testing"
)

func TestRootCommand_Help(t *testing.T) {
	cmd := rootCmd
	if cmd.Use != "chatrelay" {
		t.Errorf("Expected use 'chatrelay', got %s", cmd.Use)
	}

	if cmd.Short == "" {
		t.Error("Short description should not be empty")
	}

	if cmd.Long == "" {
		t.Error("Long description should not be empty")
	}
}

func TestRootCommand_Subcommands(t *testing.T) {
	expected := []string{"send", "flush", "watch", "outbox", "history", "config"}
	for _, name := range expected {
		found := false
		for _, cmd := range rootCmd.Commands() {
			if cmd.Name() == name {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("Subcommand %s not found", name)
		}
	}
}

func TestRootCommand_VersionFlag(t *testing.T) {
	out := &bytes.Buffer{}
	rootCmd.SetOut(out)
	rootCmd.SetArgs([]string{"--version"})
	defer func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
		_ = rootCmd.Flags().Set("version", "false")
	}()

	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if !strings.Contains(out.String(), "chatrelay "+Version) {
		t.Errorf("output = %q", out.String())
	}
}

func TestSendCommand_Flags(t *testing.T) {
	for _, name := range []string{"file", "conversation", "offline", "raw"} {
		if sendCmd.Flags().Lookup(name) == nil {
			t.Errorf("flag --%s not registered", name)
		}
	}
	if sendCmd.Args == nil {
		t.Error("Args validation should be configured")
	}
}

func TestOutboxList(t *testing.T) {
	withHome(t)
	withWebhook(t, &stubDoer{})

	cmd, out, _ := newTestCmd()
	if err := runOutboxList(cmd, nil); err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if !strings.Contains(out.String(), "Outbox is empty.") {
		t.Errorf("output = %q", out.String())
	}

	sendOffline = true
	for _, msg := range []string{"first queued", "second queued"} {
		cmd, _, _ = newTestCmd()
		if err := runSend(cmd, []string{msg}); err != nil {
			t.Fatalf("send failed: %v", err)
		}
	}

	cmd, out, _ = newTestCmd()
	if err := runOutboxList(cmd, nil); err != nil {
		t.Fatalf("list failed: %v", err)
	}
	got := out.String()
	first, second := strings.Index(got, "first queued"), strings.Index(got, "second queued")
	if first == -1 || second == -1 || first > second {
		t.Errorf("items missing or out of order: %q", got)
	}
}

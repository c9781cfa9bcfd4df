package commands

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/atotto/clipboard"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/diogo/chatrelay/internal/delivery"
	"github.com/diogo/chatrelay/internal/history"
	"github.com/diogo/chatrelay/internal/models"
)

var (
	sendFiles        []string
	sendConversation string
	sendOffline      bool
	sendRaw          bool
)

var sendCmd = &cobra.Command{
	Use:   "send [message]",
	Short: "Send a message to the webhook",
	Long: `Send a message, optionally with PDF or audio attachments.

The message is read from the argument, or from stdin when it is piped.
Text-only messages that cannot be delivered are queued and sent later;
messages with attachments are never queued. Press Ctrl-C to stop a send.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runSend,
}

func init() {
	sendCmd.Flags().StringArrayVarP(&sendFiles, "file", "f", nil, "Attach a PDF or audio file (repeatable)")
	sendCmd.Flags().StringVarP(&sendConversation, "conversation", "c", "", "Conversation reference (default: the active one)")
	sendCmd.Flags().BoolVar(&sendOffline, "offline", false, "Treat the network as unavailable")
	sendCmd.Flags().BoolVarP(&sendRaw, "raw", "r", false, "Print only the reply text")
}

func runSend(cmd *cobra.Command, args []string) error {
	text, err := readMessage(cmd, args)
	if err != nil {
		return err
	}
	attachments, err := loadAttachments(sendFiles)
	if err != nil {
		return err
	}

	deps, err := loadDependencies(cmd, sendOffline)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt)
	defer stop()
	defer deps.Close(ctx)

	if err := deps.RequireWebhook(); err != nil {
		return err
	}
	coord := deps.Coordinator

	req := delivery.SendRequest{Text: text, Attachments: attachments}
	if sendConversation != "" {
		id, err := history.NewResolver(deps.Conversations).Resolve(sendConversation)
		if err != nil {
			return err
		}
		req.ConversationID = id
	}
	if req.Empty() {
		return fmt.Errorf("message cannot be empty")
	}

	var spin *spinner
	if !sendRaw && isStdoutTTY() {
		spin = newSpinner(cmd.ErrOrStderr(), "Sending")
		spin.start()
	}

	res, err := coord.Send(ctx, req)
	if err != nil {
		if spin != nil {
			spin.stopWithError()
		}
		return err
	}

	return printResult(cmd, deps, res, spin)
}

// printResult reports the outcome of a send. Failed sends return an error
// so the exit status reflects them.
func printResult(cmd *cobra.Command, deps *Dependencies, res *delivery.Result, spin *spinner) error {
	out, errOut := cmd.OutOrStdout(), cmd.ErrOrStderr()
	content := res.Message.Content

	if spin != nil {
		switch res.Outcome {
		case delivery.OutcomeResolved:
			spin.stopWithSuccess("Delivered")
		case delivery.OutcomeQueued:
			spin.stopWithWarning("Queued")
		default:
			spin.stopWithError()
		}
	}

	if sendRaw {
		if res.Outcome == delivery.OutcomeResolved {
			fmt.Fprint(out, content)
		} else {
			fmt.Fprintln(errOut, content)
		}
	} else {
		note := res.Outcome != delivery.OutcomeResolved
		if isStdoutTTY() {
			fmt.Fprintln(out, renderBubble(content, note))
		} else {
			fmt.Fprintln(out, content)
		}
	}

	if res.Outcome == delivery.OutcomeResolved && deps.Config.CopyToClipboard {
		copyToClipboard(errOut, content)
	}

	if status := deps.Coordinator.Status(); status != "" && !sendRaw {
		fmt.Fprintln(errOut, dimStyle.Render(status))
	}

	if res.Outcome == delivery.OutcomeFailed {
		return fmt.Errorf("send failed: %w", res.Err)
	}
	return nil
}

// readMessage takes the message from args, or from stdin when it is piped
func readMessage(cmd *cobra.Command, args []string) (string, error) {
	if len(args) > 0 {
		return args[0], nil
	}
	if isStdinTTY() {
		return "", nil
	}

	data, err := io.ReadAll(cmd.InOrStdin())
	if err != nil {
		return "", fmt.Errorf("failed to read stdin: %w", err)
	}
	return strings.TrimRight(string(data), "\n"), nil
}

// loadAttachments reads each path into memory. Only PDF and audio files
// are accepted.
func loadAttachments(paths []string) ([]models.Attachment, error) {
	var attachments []models.Attachment
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read attachment: %w", err)
		}
		att, ok := models.NewAttachment(path, data)
		if !ok {
			return nil, fmt.Errorf("unsupported attachment %s: only PDF and audio files can be sent", path)
		}
		attachments = append(attachments, att)
	}
	return attachments, nil
}

func copyToClipboard(w io.Writer, text string) {
	if err := clipboard.WriteAll(text); err != nil {
		// Log warning but don't fail
		warn := lipgloss.NewStyle().Foreground(colorError).Render(
			fmt.Sprintf("⚠ Failed to copy to clipboard: %v", err),
		)
		fmt.Fprintln(w, warn)
		return
	}
	fmt.Fprintln(w, lipgloss.NewStyle().Foreground(colorSuccess).Render("✓ Copied to clipboard"))
}

package commands

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/diogo/chatrelay/internal/history"
	"github.com/diogo/chatrelay/internal/models"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Manage conversation history",
	Long: `View and manage your local conversation history.

` + history.ListAliases(),
}

var historyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all conversations",
	Args:  cobra.NoArgs,
	RunE:  runHistoryList,
}

var historyShowCmd = &cobra.Command{
	Use:   "show [ref]",
	Short: "Show a conversation (default: the active one)",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runHistoryShow,
}

var historyNewCmd = &cobra.Command{
	Use:   "new",
	Short: "Start a new conversation and make it active",
	Args:  cobra.NoArgs,
	RunE:  runHistoryNew,
}

var historyRenameCmd = &cobra.Command{
	Use:   "rename <ref> <title>",
	Short: "Rename a conversation",
	Args:  cobra.ExactArgs(2),
	RunE:  runHistoryRename,
}

var historyDeleteCmd = &cobra.Command{
	Use:   "delete <ref>",
	Short: "Delete a conversation and its queued messages",
	Args:  cobra.ExactArgs(1),
	RunE:  runHistoryDelete,
}

var historyUseCmd = &cobra.Command{
	Use:   "use <ref>",
	Short: "Make a conversation active",
	Args:  cobra.ExactArgs(1),
	RunE:  runHistoryUse,
}

func init() {
	historyCmd.AddCommand(historyListCmd)
	historyCmd.AddCommand(historyShowCmd)
	historyCmd.AddCommand(historyNewCmd)
	historyCmd.AddCommand(historyRenameCmd)
	historyCmd.AddCommand(historyDeleteCmd)
	historyCmd.AddCommand(historyUseCmd)
}

func runHistoryList(cmd *cobra.Command, args []string) error {
	deps, err := loadDependencies(cmd, false)
	if err != nil {
		return err
	}
	defer deps.Close(commandContext(cmd))

	conversations, err := deps.Conversations.ListConversations()
	if err != nil {
		return fmt.Errorf("failed to list conversations: %w", err)
	}

	out := cmd.OutOrStdout()
	if len(conversations) == 0 {
		fmt.Fprintln(out, "No conversations found.")
		return nil
	}

	active := deps.Conversations.ActiveID()

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, " \t#\tID\tTITLE\tMESSAGES\tUPDATED")
	_, _ = fmt.Fprintln(w, " \t-\t--\t-----\t--------\t-------")

	for i, conv := range conversations {
		marker := " "
		if conv.ID == active {
			marker = "*"
		}
		_, _ = fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%d\t%s\n",
			marker, i+1, conv.ID, truncate(conv.Title, 40), len(conv.Messages),
			conv.UpdatedAt.Local().Format("2006-01-02 15:04"))
	}

	return w.Flush()
}

func runHistoryShow(cmd *cobra.Command, args []string) error {
	deps, err := loadDependencies(cmd, false)
	if err != nil {
		return err
	}
	defer deps.Close(commandContext(cmd))

	var conv *history.Conversation
	if len(args) == 0 {
		conv, err = deps.Coordinator.ActiveConversation()
	} else {
		conv, err = history.NewResolver(deps.Conversations).ResolveWithInfo(args[0])
	}
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "ID: %s\n", conv.ID)
	fmt.Fprintf(out, "Title: %s\n", conv.Title)
	fmt.Fprintf(out, "Created: %s\n", conv.CreatedAt.Local().Format("2006-01-02 15:04:05"))
	fmt.Fprintf(out, "Updated: %s\n", conv.UpdatedAt.Local().Format("2006-01-02 15:04:05"))
	fmt.Fprintf(out, "Messages: %d\n", len(conv.Messages))
	fmt.Fprintln(out)

	for i, msg := range conv.Messages {
		fmt.Fprintf(out, "[%d] %s (%s):\n", i+1, speaker(msg), msg.Timestamp.Local().Format("15:04"))
		for _, att := range msg.Attachments {
			fmt.Fprintf(out, "  📎 %s (%s, %d bytes)\n", att.Name, att.Kind, att.Size)
		}
		fmt.Fprintf(out, "  %s\n\n", msg.Content)
	}

	return nil
}

// speaker labels a message, marking placeholders that still wait for delivery
func speaker(msg models.Message) string {
	if msg.Role == models.RoleUser {
		return "You"
	}
	switch msg.State {
	case models.StateQueued:
		return "Assistant [queued]"
	case models.StatePending:
		return "Assistant [sending]"
	}
	return "Assistant"
}

func runHistoryNew(cmd *cobra.Command, args []string) error {
	deps, err := loadDependencies(cmd, false)
	if err != nil {
		return err
	}
	defer deps.Close(commandContext(cmd))

	conv, err := deps.Coordinator.NewConversation()
	if err != nil {
		return fmt.Errorf("failed to create conversation: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Started conversation: %s\n", conv.ID)
	return nil
}

func runHistoryRename(cmd *cobra.Command, args []string) error {
	deps, err := loadDependencies(cmd, false)
	if err != nil {
		return err
	}
	defer deps.Close(commandContext(cmd))

	id, err := history.NewResolver(deps.Conversations).Resolve(args[0])
	if err != nil {
		return err
	}
	if err := deps.Coordinator.RenameConversation(id, args[1]); err != nil {
		return fmt.Errorf("failed to rename: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Renamed conversation: %s\n", id)
	return nil
}

func runHistoryDelete(cmd *cobra.Command, args []string) error {
	deps, err := loadDependencies(cmd, false)
	if err != nil {
		return err
	}
	defer deps.Close(commandContext(cmd))

	id, err := history.NewResolver(deps.Conversations).Resolve(args[0])
	if err != nil {
		return err
	}
	if err := deps.Coordinator.DeleteConversation(id); err != nil {
		return fmt.Errorf("failed to delete: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Deleted conversation: %s\n", id)
	return nil
}

func runHistoryUse(cmd *cobra.Command, args []string) error {
	deps, err := loadDependencies(cmd, false)
	if err != nil {
		return err
	}
	defer deps.Close(commandContext(cmd))

	id, err := history.NewResolver(deps.Conversations).Resolve(args[0])
	if err != nil {
		return err
	}
	if err := deps.Coordinator.SetActive(id); err != nil {
		return fmt.Errorf("failed to switch conversation: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Active conversation: %s\n", id)
	return nil
}

package commands

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var outboxCmd = &cobra.Command{
	Use:   "outbox",
	Short: "Inspect queued messages",
	Long:  `Show the text messages waiting for delivery, in replay order.`,
}

var outboxListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued messages",
	Args:  cobra.NoArgs,
	RunE:  runOutboxList,
}

var outboxCountCmd = &cobra.Command{
	Use:   "count",
	Short: "Print the number of queued messages",
	Args:  cobra.NoArgs,
	RunE:  runOutboxCount,
}

func init() {
	outboxCmd.AddCommand(outboxListCmd)
	outboxCmd.AddCommand(outboxCountCmd)
}

func runOutboxList(cmd *cobra.Command, args []string) error {
	deps, err := loadDependencies(cmd, false)
	if err != nil {
		return err
	}
	defer deps.Close(commandContext(cmd))

	items, err := deps.Outbox.List()
	if err != nil {
		return fmt.Errorf("failed to read outbox: %w", err)
	}

	if len(items) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "Outbox is empty.")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "#\tCONVERSATION\tQUEUED\tMESSAGE")
	_, _ = fmt.Fprintln(w, "-\t------------\t------\t-------")

	for i, item := range items {
		_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%s\n",
			i+1, item.ConversationID, item.CreatedAt.Local().Format("2006-01-02 15:04"), truncate(item.Message, 50))
	}

	return w.Flush()
}

func runOutboxCount(cmd *cobra.Command, args []string) error {
	deps, err := loadDependencies(cmd, false)
	if err != nil {
		return err
	}
	defer deps.Close(commandContext(cmd))

	n, err := deps.Outbox.Count()
	if err != nil {
		return fmt.Errorf("failed to read outbox: %w", err)
	}

	fmt.Fprintln(cmd.OutOrStdout(), n)
	return nil
}

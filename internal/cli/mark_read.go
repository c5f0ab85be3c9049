package cli

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

type markReadClient interface {
	MarkAsRead(ctx context.Context, id int64) error
}

type markAllReadClient interface {
	MarkAllAsRead(ctx context.Context) error
}

// NewMarkReadCmd creates the mark-read command.
func NewMarkReadCmd(client markReadClient) *cobra.Command {
	if client == nil {
		panic("NewMarkReadCmd: client dependency cannot be nil")
	}

	return &cobra.Command{
		Use:   "mark-read <id>",
		Short: "Mark a notification as read",
		Long: `Mark a notification as read.

USAGE:
    notify-console mark-read <id>

Marking an already read notification is not an error.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || id <= 0 {
				return fmt.Errorf("mark-read: invalid notification id %q", args[0])
			}
			if err := client.MarkAsRead(cmd.Context(), id); err != nil {
				return fmt.Errorf("mark-read: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Notification %d marked as read\n", id)
			return nil
		},
	}
}

// NewMarkAllReadCmd creates the mark-all-read command.
func NewMarkAllReadCmd(client markAllReadClient) *cobra.Command {
	if client == nil {
		panic("NewMarkAllReadCmd: client dependency cannot be nil")
	}

	return &cobra.Command{
		Use:   "mark-all-read",
		Short: "Mark every notification as read",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := client.MarkAllAsRead(cmd.Context()); err != nil {
				return fmt.Errorf("mark-all-read: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "All notifications marked as read")
			return nil
		},
	}
}

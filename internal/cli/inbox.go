package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/schoolconsole/notify-engine/types"
	"github.com/spf13/cobra"
)

type inboxClient interface {
	ListNotifications(ctx context.Context, page, limit int) (*types.NotificationPage, error)
}

// NewInboxCmd creates the inbox command.
func NewInboxCmd(client inboxClient) *cobra.Command {
	if client == nil {
		panic("NewInboxCmd: client dependency cannot be nil")
	}

	var (
		page       int
		limit      int
		unreadOnly bool
		asJSON     bool
	)
	cmd := &cobra.Command{
		Use:   "inbox",
		Short: "List notifications",
		Long: `List one page of notifications, newest first.

USAGE:
    notify-console inbox [--page N] [--limit N] [--unread] [--json]`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if page < 1 {
				return fmt.Errorf("inbox: page must be at least 1")
			}
			result, err := client.ListNotifications(cmd.Context(), page, limit)
			if err != nil {
				return fmt.Errorf("inbox: %w", err)
			}
			if unreadOnly {
				filtered := result.Notifications[:0:0]
				for _, n := range result.Notifications {
					if !n.Read {
						filtered = append(filtered, n)
					}
				}
				result.Notifications = filtered
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(result)
			}
			printInbox(cmd.OutOrStdout(), result)
			return nil
		},
	}
	cmd.Flags().IntVar(&page, "page", 1, "Page number, starting at 1")
	cmd.Flags().IntVar(&limit, "limit", 0, "Page size (default: API.PAGE_SIZE)")
	cmd.Flags().BoolVar(&unreadOnly, "unread", false, "Only show unread notifications")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the page as JSON")
	return cmd
}

func printInbox(out io.Writer, result *types.NotificationPage) {
	if len(result.Notifications) == 0 {
		fmt.Fprintln(out, "No notifications found")
		return
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tTYPE\tCREATED\tTITLE")
	for _, n := range result.Notifications {
		status := "unread"
		if n.Read {
			status = "read"
		}
		title := n.Title
		if title == "" {
			title = n.Message
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n", n.ID, status, n.Type, n.CreatedAt.Local().Format("2006-01-02 15:04"), title)
	}
	_ = w.Flush()
	p := result.Pagination
	fmt.Fprintf(out, "page %d, %d of %d shown\n", p.Page, len(result.Notifications), p.Total)
}

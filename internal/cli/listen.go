package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/schoolconsole/notify-engine/internal/events"
	"github.com/schoolconsole/notify-engine/types"
	"github.com/spf13/cobra"
)

type listenSession interface {
	Start(ctx context.Context) error
	Stop()
	Subscribe(event string, handler events.Handler) func()
}

// listenEvents are printed by listen, in subscription order.
var listenEvents = []string{
	events.ConnectionStatus,
	events.ConnectionError,
	events.NewNotification,
	events.SessionAction,
	events.ParticipationAction,
	events.ScheduleAction,
	events.ScheduleNavigation,
	events.NotificationAction,
	events.NotificationRead,
	events.UnreadCountUpdate,
	events.SystemAnnouncement,
	events.Message,
	events.CommandFailed,
}

// NewListenCmd creates the listen command. newSession is called once per run.
func NewListenCmd(newSession func() (listenSession, error)) *cobra.Command {
	if newSession == nil {
		panic("NewListenCmd: session factory cannot be nil")
	}

	var asJSON bool
	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Stream push events until interrupted",
		Long: `Open the push connection and print every event as it arrives.

The connection is retried after unexpected drops. A deliberate server
disconnect ends the stream's connection but not the command; press Ctrl+C
to exit.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := newSession()
			if err != nil {
				return fmt.Errorf("listen: %w", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			p := &eventPrinter{out: cmd.OutOrStdout(), json: asJSON}
			for _, name := range listenEvents {
				name := name
				unsubscribe := sess.Subscribe(name, func(payload interface{}) {
					p.print(name, payload)
				})
				defer unsubscribe()
			}

			if err := sess.Start(ctx); err != nil {
				return fmt.Errorf("listen: %w", err)
			}
			<-ctx.Done()
			sess.Stop()
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print one JSON object per event")
	return cmd
}

// eventPrinter serializes output from dispatcher goroutines.
type eventPrinter struct {
	mu   sync.Mutex
	out  io.Writer
	json bool
}

func (p *eventPrinter) print(event string, payload interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.json {
		if err, ok := payload.(error); ok {
			payload = err.Error()
		}
		line, err := json.Marshal(struct {
			Event   string      `json:"event"`
			Payload interface{} `json:"payload"`
		}{event, payload})
		if err != nil {
			return
		}
		fmt.Fprintln(p.out, string(line))
		return
	}
	fmt.Fprintf(p.out, "%s %-22s %s\n", time.Now().Format("15:04:05"), event, describe(payload))
}

func describe(payload interface{}) string {
	switch v := payload.(type) {
	case types.ConnectionStatus:
		if v.Connected {
			return "connected"
		}
		if v.Reason != "" {
			return "disconnected (" + v.Reason + ")"
		}
		return "disconnected"
	case *types.Notification:
		return describeNotification(v)
	case *types.ActionEnvelope:
		if v.Notification != nil {
			return v.Action + ": " + describeNotification(v.Notification)
		}
		return v.Action
	case types.ReadAck:
		return fmt.Sprintf("#%d read", v.NotificationID)
	case types.UnreadCountUpdate:
		return fmt.Sprintf("%d unread", v.UnreadCount)
	case types.Announcement:
		if v.Title != "" {
			return fmt.Sprintf("[%s] %s: %s", v.Type, v.Title, v.Message)
		}
		return fmt.Sprintf("[%s] %s", v.Type, v.Message)
	case types.RawMessage:
		return string(v.Data)
	case types.CommandFailure:
		return fmt.Sprintf("%s failed: %s", v.Command, v.Message)
	case error:
		return v.Error()
	default:
		return fmt.Sprintf("%v", v)
	}
}

func describeNotification(n *types.Notification) string {
	marker := "*"
	if n.Read {
		marker = " "
	}
	text := n.Title
	if text == "" {
		text = n.Message
	}
	return fmt.Sprintf("%s #%d [%s] %s", marker, n.ID, n.Type, text)
}

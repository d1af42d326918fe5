package cli

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/mbeoliero/marketchat/internal/entity"
	"github.com/mbeoliero/marketchat/internal/store"
)

func newConversationsCommand() *cobra.Command {
	var filter store.Filter

	cmd := &cobra.Command{
		Use:     "conversations",
		Aliases: []string{"ls"},
		Short:   "List your conversations, most recent first",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			id, err := a.signIn()
			if err != nil {
				return err
			}

			list := store.NewConversationStore(a.api)
			if err := list.Load(cmd.Context()); err != nil {
				return err
			}
			printConversations(cmd.OutOrStdout(), id.UserId, list.Filter(filter))
			return nil
		},
	}
	cmd.Flags().StringVarP(&filter.SearchTerm, "search", "s", "", "only conversations whose user or last message matches")
	cmd.Flags().BoolVar(&filter.UnreadOnly, "unread", false, "only conversations with unread messages")
	return cmd
}

func printConversations(out io.Writer, selfId string, convs []*entity.Conversation) {
	if len(convs) == 0 {
		fmt.Fprintln(out, "no conversations")
		return
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tWITH\tUNREAD\tLAST ACTIVITY\tLAST MESSAGE")
	for _, c := range convs {
		with := "?"
		if other := c.Counterpart(selfId); other != nil {
			with = displayName(other.Name, other.Id)
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", c.Id, with, c.UnreadCount, formatTime(c.LastActivity), preview(c.LastMessage, selfId))
	}
	_ = w.Flush()
}

func preview(m *entity.MessagePreview, selfId string) string {
	if m == nil {
		return ""
	}
	text := strings.ReplaceAll(m.Content, "\n", " ")
	if len([]rune(text)) > 40 {
		text = string([]rune(text)[:40]) + "..."
	}
	if m.Sender.Id == selfId {
		return "you: " + text
	}
	return text
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04")
}

package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mbeoliero/marketchat/internal/dispatcher"
)

func newSendCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "send <conversation-id> <message>...",
		Short: "Send a message into a conversation",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			s, err := a.startSession(ctx, nil)
			if err != nil {
				return err
			}
			defer s.Close()

			if err := a.waitConnected(ctx, s); err != nil {
				return err
			}
			if _, err := s.OpenThread(ctx, args[0]); err != nil {
				return err
			}
			out, err := s.Send(ctx, strings.Join(args[1:], " "))
			return reportSend(cmd.OutOrStdout(), out, err)
		},
	}
}

func newStartCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "start <user-id> [message]...",
		Short: "Start a conversation with a user, optionally sending a first message",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			s, err := a.startSession(ctx, nil)
			if err != nil {
				return err
			}
			defer s.Close()

			if len(args) == 1 {
				conv, err := s.StartConversation(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "conversation %s\n", conv.Id)
				return nil
			}

			if err := a.waitConnected(ctx, s); err != nil {
				return err
			}
			out, err := s.MessageUser(ctx, args[0], strings.Join(args[1:], " "))
			if err == nil {
				fmt.Fprintf(cmd.OutOrStdout(), "conversation %s\n", s.OpenID())
			}
			return reportSend(cmd.OutOrStdout(), out, err)
		},
	}
}

func reportSend(w io.Writer, out *dispatcher.Outcome, err error) error {
	if err != nil {
		if out != nil && out.Draft != "" {
			fmt.Fprintf(w, "not sent: %q\n", out.Draft)
		}
		return err
	}
	fmt.Fprintf(w, "sent %s at %s\n", out.Message.Id, formatTime(out.Message.Timestamp))
	return nil
}

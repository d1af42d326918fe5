package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/mbeoliero/kit/log"
	"github.com/spf13/cobra"

	"github.com/mbeoliero/marketchat/internal/chat"
	"github.com/mbeoliero/marketchat/internal/entity"
	"github.com/mbeoliero/marketchat/internal/store"
)

// sessionView is the part of a session the printer reads
type sessionView interface {
	Identity() *entity.Identity
	Messages() []*entity.Message
	Conversations(f store.Filter) []*entity.Conversation
}

// printer renders session updates as lines of text
type printer struct {
	chat.NopListener

	mu      sync.Mutex
	out     io.Writer
	session sessionView
	printed map[string]bool
	unread  map[string]int
}

func newPrinter(out io.Writer) *printer {
	return &printer{
		out:     out,
		printed: make(map[string]bool),
		unread:  make(map[string]int),
	}
}

func (p *printer) attach(s sessionView) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.session = s
	for _, c := range s.Conversations(store.Filter{}) {
		p.unread[c.Id] = c.UnreadCount
	}
}

func (p *printer) OnNotice(n chat.Notice) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, "! %s\n", n.Message)
}

func (p *printer) OnConnectionStateChanged(state entity.ConnState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, "* %s\n", strings.ToLower(state.String()))
}

func (p *printer) OnBannerChanged(visible bool) {
	if !visible {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.out, "* cannot reach the chat server, still trying")
}

// OnThreadChanged prints the messages of the open thread not printed yet
func (p *printer) OnThreadChanged(string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.session == nil {
		return
	}
	self := selfId(p.session)
	for _, m := range p.session.Messages() {
		if m.IsTemporary || p.printed[m.Id] {
			continue
		}
		p.printed[m.Id] = true
		p.printMessage(m, self)
	}
}

// OnConversationsChanged announces conversations that gained unread messages
func (p *printer) OnConversationsChanged() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.session == nil {
		return
	}
	self := selfId(p.session)
	for _, c := range p.session.Conversations(store.Filter{}) {
		if c.UnreadCount > p.unread[c.Id] {
			with := c.Id
			if other := c.Counterpart(self); other != nil {
				with = displayName(other.Name, other.Id)
			}
			fmt.Fprintf(p.out, "* %s: %s (%d unread)\n", with, preview(c.LastMessage, self), c.UnreadCount)
		}
		p.unread[c.Id] = c.UnreadCount
	}
}

func (p *printer) printMessage(m *entity.Message, self string) {
	who := displayName(m.Sender.Name, m.Sender.Id)
	if m.Sender.Id == self {
		who = "you"
	}
	fmt.Fprintf(p.out, "[%s] %s: %s\n", m.Timestamp.Local().Format("15:04"), who, m.Content)
}

func newWatchCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "watch [conversation-id]",
		Short: "Follow your conversations live and chat from stdin",
		Long: `watch stays connected and prints incoming messages. Lines typed on stdin are sent
to the open conversation; "/open <id>" switches conversation, "/close" leaves it and
"/quit" exits.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			p := newPrinter(cmd.OutOrStdout())
			s, err := a.startSession(ctx, p)
			if err != nil {
				return err
			}
			defer s.Close()
			p.attach(s)

			a.serveMetrics(ctx)
			if a.cfg.Auth.Token == "" {
				go func() {
					if err := a.resolver.Watch(ctx, a.tokens); err != nil {
						log.CtxWarn(ctx, "credential watch stopped: %v", err)
					}
				}()
			}

			if len(args) == 1 {
				_, _ = s.OpenThread(ctx, args[0])
			} else {
				printConversations(cmd.OutOrStdout(), selfId(s), s.Conversations(store.Filter{}))
			}
			return chatLoop(ctx, s, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
}

// chatLoop sends stdin lines until ctx ends, stdin closes or the user quits
func chatLoop(ctx context.Context, s *chat.Session, in io.Reader, out io.Writer) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := runLine(ctx, s, strings.TrimSpace(line), out); quit {
				return nil
			}
		}
	}
}

func runLine(ctx context.Context, s *chat.Session, line string, out io.Writer) (quit bool) {
	switch {
	case line == "":
	case line == "/quit":
		return true
	case line == "/close":
		s.CloseThread()
	case line == "/list":
		printConversations(out, selfId(s), s.Conversations(store.Filter{}))
	case strings.HasPrefix(line, "/open "):
		_, _ = s.OpenThread(ctx, strings.TrimSpace(strings.TrimPrefix(line, "/open ")))
	default:
		// failures arrive as notices; the draft is the line itself
		_, _ = s.Send(ctx, line)
	}
	return false
}

func selfId(s sessionView) string {
	if id := s.Identity(); id != nil {
		return id.UserId
	}
	return ""
}

package main

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/go-go-golems/chatsync/pkg/chat"
	"github.com/go-go-golems/chatsync/pkg/messagelog"
	"github.com/go-go-golems/chatsync/pkg/updates"
)

// directory resolves names for rendering. *chatlist.Store implements it.
type directory interface {
	DisplayName(chatID int64) string
	Users() map[int64]chat.Identity
}

// printer renders the update feed as terminal lines.
type printer struct {
	out     io.Writer
	names   directory
	current func() int64
	me      func() int64

	mu sync.Mutex
}

func (p *printer) Print(u updates.Update) {
	line := p.format(u)
	if line == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	_, _ = fmt.Fprintln(p.out, line)
}

// Messages prints a whole chat log, used after opening a chat.
func (p *printer) Messages(chatID int64, msgs []chat.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, _ = fmt.Fprintf(p.out, "== %s ==\n", p.names.DisplayName(chatID))
	if len(msgs) == 0 {
		_, _ = fmt.Fprintln(p.out, "(no messages)")
	}
	for _, m := range msgs {
		_, _ = fmt.Fprintln(p.out, p.message(m))
	}
}

func (p *printer) format(u updates.Update) string {
	switch u.Kind {
	case updates.KindSession:
		return "* session " + u.State
	case updates.KindChannel:
		return "* channel " + u.State
	case updates.KindChatsLoaded:
		return fmt.Sprintf("* %d chats loaded, /chats to list them", u.Count)
	case updates.KindLoadFailed:
		if u.ChatID != 0 {
			return fmt.Sprintf("! could not load %s: %s", p.names.DisplayName(u.ChatID), u.Error)
		}
		return "! could not load chats: " + u.Error + " (/retry)"
	case updates.KindChatCreated:
		return fmt.Sprintf("* joined %s (#%d)", p.names.DisplayName(u.ChatID), u.ChatID)
	case updates.KindMessageDropped:
		return "! message not sent: " + u.Error
	case updates.KindMessage:
		if u.Message == nil || u.Outcome == messagelog.Promoted.String() {
			return ""
		}
		if u.ChatID != p.current() {
			return fmt.Sprintf("* new message in %s (#%d)", p.names.DisplayName(u.ChatID), u.ChatID)
		}
		return p.message(*u.Message)
	default:
		return ""
	}
}

func (p *printer) message(m chat.Message) string {
	who := "me"
	if !m.Outgoing(p.me()) {
		who = fmt.Sprintf("user %d", m.CreatedBy)
		if u, ok := p.names.Users()[m.CreatedBy]; ok && u.DisplayName != "" {
			who = u.DisplayName
		}
	}
	var b strings.Builder
	b.WriteString(who)
	b.WriteString(": ")
	b.WriteString(m.Content.Text)
	if m.Content.Image != nil {
		if m.Content.Text != "" {
			b.WriteString(" ")
		}
		b.WriteString("[image " + *m.Content.Image + "]")
	}
	if m.State == chat.Pending {
		b.WriteString(" (sending)")
	}
	return b.String()
}

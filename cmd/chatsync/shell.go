package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/go-go-golems/chatsync/pkg/chat"
	"github.com/go-go-golems/chatsync/pkg/chatlist"
	"github.com/go-go-golems/chatsync/pkg/coordinator"
)

const shellHelp = `commands:
  /chats                 list chats
  /open <id>             open a chat and show its history
  /back                  leave the current chat
  /new <name> <emails>   create a chat with comma-separated member emails
  /img <url> [text]      send an image
  /retry                 retry a failed chat load
  /logout                end the session
  /quit                  exit
anything else is sent to the open chat`

var (
	errQuit   = errors.New("quit")
	errLogout = errors.New("logout")
)

type command struct {
	// name is empty for plain text.
	name string
	args []string
	rest string
}

func parseLine(line string) command {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "/") {
		return command{rest: line}
	}
	fields := strings.Fields(line[1:])
	if len(fields) == 0 {
		return command{name: "help"}
	}
	rest := strings.TrimSpace(strings.TrimPrefix(line[1:], fields[0]))
	return command{name: strings.ToLower(fields[0]), args: fields[1:], rest: rest}
}

type shell struct {
	coord   *coordinator.Coordinator
	chats   *chatlist.Store
	printer *printer
	out     io.Writer
}

// exec runs one input line. errQuit and errLogout end the shell; other errors are shown and the
// shell continues.
func (s *shell) exec(ctx context.Context, c command) error {
	switch c.name {
	case "":
		if c.rest == "" {
			return nil
		}
		return s.send(ctx, chat.Content{Text: c.rest})
	case "help", "h", "?":
		_, _ = fmt.Fprintln(s.out, shellHelp)
		return nil
	case "chats", "ls":
		for _, ch := range s.chats.Chats() {
			marker := " "
			if ch.ID == s.coord.CurrentChat() {
				marker = ">"
			}
			_, _ = fmt.Fprintf(s.out, "%s %4d  %s\n", marker, ch.ID, s.chats.DisplayName(ch.ID))
		}
		return nil
	case "open":
		if len(c.args) != 1 {
			return errors.New("usage: /open <id>")
		}
		id, err := strconv.ParseInt(strings.TrimPrefix(c.args[0], "#"), 10, 64)
		if err != nil {
			return errors.Errorf("invalid chat id %q", c.args[0])
		}
		if err := s.coord.OpenChat(ctx, id); err != nil {
			return err
		}
		chatID, msgs := s.coord.VisibleMessages()
		s.printer.Messages(chatID, msgs)
		return nil
	case "back":
		s.coord.CloseChat()
		return nil
	case "new":
		if len(c.args) < 2 {
			return errors.New("usage: /new <name> <email>[,<email>...]")
		}
		created, err := s.coord.CreateChat(ctx, c.args[0], strings.Join(c.args[1:], ""))
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintf(s.out, "created #%d, /open %d to start\n", created.ID, created.ID)
		return nil
	case "img":
		if len(c.args) < 1 {
			return errors.New("usage: /img <url> [text]")
		}
		img := c.args[0]
		text := strings.TrimSpace(strings.TrimPrefix(c.rest, img))
		return s.send(ctx, chat.Content{Text: text, Image: &img})
	case "retry":
		return s.coord.RetryLoad(ctx)
	case "logout":
		if err := s.coord.Logout(ctx); err != nil {
			return err
		}
		return errLogout
	case "quit", "q", "exit":
		return errQuit
	default:
		return errors.Errorf("unknown command /%s, /help lists commands", c.name)
	}
}

func (s *shell) send(ctx context.Context, content chat.Content) error {
	chatID := s.coord.CurrentChat()
	if chatID == 0 {
		return errors.New("no chat open, use /open <id>")
	}
	_, err := s.coord.SendMessage(ctx, chatID, content)
	return err
}

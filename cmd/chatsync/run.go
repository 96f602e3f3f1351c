package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	input "github.com/tcnksm/go-input"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/chatsync/pkg/chat"
	"github.com/go-go-golems/chatsync/pkg/config"
	"github.com/go-go-golems/chatsync/pkg/coordinator"
)

type credentials struct {
	email         string
	password      string
	displayName   string
	createAccount bool
}

func newRunCommand(cfg *config.Config) *cobra.Command {
	var creds credentials
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Log in and chat interactively",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			return runClient(ctx, *cfg, creds, os.Stdin, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&creds.email, "email", "", "Login email (prompted when empty)")
	cmd.Flags().StringVar(&creds.password, "password", "", "Login password (prompted when empty)")
	cmd.Flags().StringVar(&creds.displayName, "display-name", "", "Display name for --create-account")
	cmd.Flags().BoolVar(&creds.createAccount, "create-account", false, "Register a new account instead of logging in")
	return cmd
}

func runClient(ctx context.Context, cfg config.Config, creds credentials, in *os.File, out io.Writer) error {
	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	eg, gctx := errgroup.WithContext(ctx)
	feed, err := a.feed.Subscribe(gctx)
	if err != nil {
		return err
	}

	p := &printer{
		out:     out,
		names:   a.chats,
		current: a.coord.CurrentChat,
		me: func() int64 {
			id, _ := a.session.Identity()
			return id.ID
		},
	}
	eg.Go(func() error {
		for u := range feed {
			p.Print(u)
		}
		return nil
	})

	eg.Go(func() error {
		// ending the session stops the printer as well
		defer a.Close()
		return runSession(gctx, a, creds, in, &shell{coord: a.coord, chats: a.chats, printer: p, out: out})
	})

	err = eg.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, errQuit) {
		return nil
	}
	return err
}

// runSession restores a persisted session or logs in, then runs the shell until the user quits
// or logs out. Prompts read stdin before the shell starts consuming it.
func runSession(ctx context.Context, a *app, creds credentials, in *os.File, sh *shell) error {
	if err := a.coord.Start(ctx); err != nil {
		_, _ = fmt.Fprintf(sh.out, "! %v (/retry)\n", err)
	}
	if a.coord.State() == coordinator.LoggedOut {
		if err := login(ctx, a, creds, in, sh.out); err != nil {
			return err
		}
	}
	err := runShell(ctx, sh, readLines(ctx, in))
	if errors.Is(err, errLogout) {
		_, _ = fmt.Fprintln(sh.out, "logged out")
		return nil
	}
	return err
}

func runShell(ctx context.Context, sh *shell, lines <-chan string) error {
	_, _ = fmt.Fprintln(sh.out, "type /help for commands")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				return errQuit
			}
			err := sh.exec(ctx, parseLine(line))
			switch {
			case err == nil:
			case errors.Is(err, errQuit), errors.Is(err, errLogout):
				return err
			default:
				_, _ = fmt.Fprintln(sh.out, "!", err)
			}
		}
	}
}

const maxLoginAttempts = 3

func login(ctx context.Context, a *app, creds credentials, in *os.File, out io.Writer) error {
	interactive := isatty.IsTerminal(in.Fd())
	ui := &input.UI{Writer: out, Reader: in}

	for attempt := 1; ; attempt++ {
		c, err := completeCredentials(ui, creds, interactive)
		if err != nil {
			return err
		}
		if c.createAccount {
			_, err = a.coord.CreateAccount(ctx, c.displayName, c.email, c.password)
		} else {
			_, err = a.coord.Login(ctx, c.email, c.password)
		}
		switch {
		case err == nil:
			return nil
		case a.coord.State() == coordinator.ChatsLoading:
			// logged in, the chat list can be retried from the shell
			_, _ = fmt.Fprintf(out, "! %v (/retry)\n", err)
			return nil
		case errors.Is(err, chat.ErrAuth) && interactive && attempt < maxLoginAttempts:
			_, _ = fmt.Fprintln(out, "! wrong email or password")
			creds = credentials{createAccount: c.createAccount}
		default:
			return err
		}
	}
}

func completeCredentials(ui *input.UI, c credentials, interactive bool) (credentials, error) {
	if c.email != "" && c.password != "" && (!c.createAccount || c.displayName != "") {
		return c, nil
	}
	if !interactive {
		return c, errors.New("not logged in: pass --email and --password or run in a terminal")
	}
	var err error
	if !c.createAccount && c.email == "" {
		choice, err := ui.Select("Log in or create an account?", []string{"login", "create-account"}, &input.Options{
			Default: "login",
			Loop:    true,
		})
		if err != nil {
			return c, errors.Wrap(err, "prompt")
		}
		c.createAccount = choice == "create-account"
	}
	if c.createAccount && c.displayName == "" {
		if c.displayName, err = ui.Ask("Display name", &input.Options{Required: true, Loop: true, HideOrder: true}); err != nil {
			return c, errors.Wrap(err, "prompt")
		}
	}
	if c.email == "" {
		if c.email, err = ui.Ask("Email", &input.Options{
			Required:  true,
			Loop:      true,
			HideOrder: true,
			ValidateFunc: func(s string) error {
				if !strings.Contains(s, "@") {
					return errors.New("not an email address")
				}
				return nil
			},
		}); err != nil {
			return c, errors.Wrap(err, "prompt")
		}
	}
	if c.password == "" {
		if c.password, err = ui.Ask("Password", &input.Options{Required: true, Loop: true, Mask: true, HideOrder: true}); err != nil {
			return c, errors.Wrap(err, "prompt")
		}
	}
	return c, nil
}

// readLines feeds stdin lines to the shell. The reader goroutine outlives ctx while blocked on
// input; it exits at EOF.
func readLines(ctx context.Context, in io.Reader) <-chan string {
	out := make(chan string)
	go func() {
		defer close(out)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case out <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil {
			log.Debug().Err(err).Msg("stdin closed")
		}
	}()
	return out
}

package main

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/chatsync/pkg/config"
	"github.com/go-go-golems/chatsync/pkg/persistence/identitystore"
	"github.com/go-go-golems/chatsync/pkg/session"
)

func openSession(cfg config.Config) (*session.Store, identitystore.Store, error) {
	client, err := newClient(cfg)
	if err != nil {
		return nil, nil, err
	}
	persisted, err := identitystore.Open(cfg.IdentityStore, cfg.IdentityPath)
	if err != nil {
		return nil, nil, errors.Wrap(err, "open identity store")
	}
	return session.NewStore(client, persisted), persisted, nil
}

func newWhoamiCommand(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the persisted session and check it with the server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, persisted, err := openSession(*cfg)
			if err != nil {
				return err
			}
			defer func() { _ = persisted.Close() }()

			out := cmd.OutOrStdout()
			id, err := s.Bootstrap(cmd.Context())
			if err != nil {
				return err
			}
			if id == nil {
				_, _ = fmt.Fprintln(out, "not logged in")
				return nil
			}
			ok, err := s.VerifySession(cmd.Context())
			switch {
			case err != nil:
				_, _ = fmt.Fprintf(out, "%s <%s> (server unreachable: %v)\n", id.DisplayName, id.Email, err)
			case ok:
				_, _ = fmt.Fprintf(out, "%s <%s> id=%d\n", id.DisplayName, id.Email, id.ID)
			default:
				_, _ = fmt.Fprintln(out, "session expired, log in again")
			}
			return nil
		},
	}
}

func newLogoutCommand(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the persisted session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, persisted, err := openSession(*cfg)
			if err != nil {
				return err
			}
			defer func() { _ = persisted.Close() }()
			if _, err := s.Bootstrap(cmd.Context()); err != nil {
				return err
			}
			if err := s.Logout(cmd.Context()); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "logged out")
			return nil
		},
	}
}

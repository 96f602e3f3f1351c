package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/go-go-golems/chatsync/pkg/config"
)

func main() {
	// a missing .env is fine
	_ = godotenv.Load()

	if err := newRootCommand().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var (
		configFile string
		cfg        config.Config
	)
	root := &cobra.Command{
		Use:           "chatsync",
		Short:         "Terminal client for the chat server with live message sync",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := config.Load(viper.New(), cmd.Flags(), configFile)
			if err != nil {
				return err
			}
			if err := initLogger(loaded, os.Stderr); err != nil {
				return err
			}
			cfg = loaded
			log.Debug().Str("server", cfg.ServerURL).Str("channel", cfg.ChannelURL).Msg("configuration loaded")
			return nil
		},
	}
	root.PersistentFlags().StringVar(&configFile, "config", "", "YAML config file")
	config.AddFlags(root.PersistentFlags())

	root.AddCommand(
		newRunCommand(&cfg),
		newWhoamiCommand(&cfg),
		newLogoutCommand(&cfg),
	)
	return root
}

func initLogger(cfg config.Config, out *os.File) error {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		return errors.Wrapf(err, "parse log level %q", cfg.LogLevel)
	}
	var w io.Writer = out
	if cfg.LogFormat == "console" || (cfg.LogFormat == "auto" && isatty.IsTerminal(out.Fd())) {
		w = zerolog.ConsoleWriter{Out: out, TimeFormat: time.Kitchen}
	}
	ctx := zerolog.New(w).With().Timestamp()
	if cfg.WithCaller {
		ctx = ctx.Caller()
	}
	log.Logger = ctx.Logger()
	zerolog.SetGlobalLevel(level)
	return nil
}

// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Command chatlink runs a chat bot on a Mattermost account. It keeps the
// connection alive across drops, resolves anonymized user ids to direct
// channels and persists its session in a local SQLite database.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"maunium.net/go/mautrix/bridgev2/status"

	"github.com/aiku/chatlink/pkg/bot"
	"github.com/aiku/chatlink/pkg/message"
	"github.com/aiku/chatlink/pkg/store"
	"github.com/aiku/chatlink/pkg/transport/mattermost"
)

// These are filled at build time with -ldflags.
var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	var echo bool

	root := &cobra.Command{
		Use:          "chatlink",
		Short:        "A resilient Mattermost chat bot",
		Version:      fmt.Sprintf("%s (commit %s, built %s)", Tag, Commit, BuildTime),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), configPath, echo)
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to the config file")
	root.Flags().BoolVar(&echo, "echo", false, "reply to every incoming message with its text")

	root.AddCommand(&cobra.Command{
		Use:   "logout",
		Short: "Log the bot out and wipe the stored session",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return logout(cmd.Context(), configPath)
		},
	})
	return root
}

func setup(configPath string) (*bot.Config, zerolog.Logger, *store.SQLite, error) {
	cfg, err := bot.LoadConfig(configPath)
	if err != nil {
		return nil, zerolog.Nop(), nil, err
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(cfg.Level()).
		With().Timestamp().Logger()
	kv, err := store.NewSQLite(cfg.DatabasePath)
	if err != nil {
		return nil, log, nil, fmt.Errorf("open database: %w", err)
	}
	return cfg, log, kv, nil
}

func newBot(cfg *bot.Config, log zerolog.Logger, kv *store.SQLite) *bot.Bot {
	dial := mattermost.NewDialer(mattermost.Options{
		ServerURL: cfg.ServerURL,
		Token:     cfg.AccessToken,
	})
	return bot.New(cfg, kv, dial,
		bot.WithLogger(log),
		bot.WithStateReporter(func(st status.BridgeState) {
			log.Info().
				Str("state_event", string(st.StateEvent)).
				Str("error", string(st.Error)).
				Str("message", st.Message).
				Msg("Bot state changed")
		}),
	)
}

func run(ctx context.Context, configPath string, echo bool) error {
	cfg, log, kv, err := setup(configPath)
	if err != nil {
		return err
	}
	defer kv.Close()

	b := newBot(cfg, log, kv)
	defer b.Close()

	if echo {
		b.OnMessage(func(msg *message.Message) {
			if msg.Failed() || msg.Text == "" {
				return
			}
			reply := message.New(msg.Chat, msg.Text)
			reply.ReplyTo = msg.ID
			if msg.ReplyTo != "" {
				reply.ReplyTo = msg.ReplyTo
			}
			sendCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.ConnectTimeout)*time.Second)
			defer cancel()
			if _, err := b.Send(sendCtx, reply); err != nil {
				log.Warn().Err(err).Str("chat", msg.Chat).Msg("Failed to echo message")
			}
		})
	} else {
		b.OnMessage(func(msg *message.Message) {
			log.Info().Str("chat", msg.Chat).Str("sender", msg.Sender).Str("message_id", msg.ID).Msg("Received message")
		})
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := b.Start(ctx); err != nil {
		return fmt.Errorf("start bot: %w", err)
	}
	log.Info().Str("bot_id", b.State().BotID).Msg("Bot running")

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	b.Stop(stopCtx)
	return nil
}

func logout(ctx context.Context, configPath string) error {
	cfg, log, kv, err := setup(configPath)
	if err != nil {
		return err
	}
	defer kv.Close()

	b := newBot(cfg, log, kv)
	defer b.Close()
	if err := b.Start(ctx); err != nil {
		return fmt.Errorf("start bot: %w", err)
	}
	if err := b.Logout(ctx); err != nil {
		return fmt.Errorf("logout: %w", err)
	}
	log.Info().Msg("Logged out")
	return nil
}

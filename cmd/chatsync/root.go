package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"go-chatsync/internal/api"
	"go-chatsync/internal/config"
	"go-chatsync/internal/logger"
	"go-chatsync/internal/session"
	"go-chatsync/internal/uistate"
)

var (
	tokenFlag string
	cfg       *config.Config
	log       *logrus.Logger
)

var rootCmd = &cobra.Command{
	Use:   "chatsync",
	Short: "Terminal client for the chat sync layer",
	Long: `chatsync logs in with a session token, keeps conversations and notifications
in sync over the websocket channel and prints them as they change.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_ = godotenv.Load(".env")
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c
		log = logger.New(cfg.Logging.Level, cfg.Logging.Format)
		if tokenFlag == "" {
			tokenFlag = os.Getenv("CHATSYNC_TOKEN")
		}
		return nil
	},
}

// Execute runs the root command and exits non-zero on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.PersistentFlags().StringVar(&tokenFlag, "token", "", "session token (default $CHATSYNC_TOKEN)")

	rootCmd.AddCommand(chatCmd, conversationsCmd, notificationsCmd, tokenCmd)
}

var errNoToken = errors.New("no session token: pass --token or set CHATSYNC_TOKEN")

func restClient() (*api.Client, error) {
	if tokenFlag == "" {
		return nil, errNoToken
	}
	return api.NewClient(cfg.API.URL, tokenFlag, cfg.API.Timeout), nil
}

// login starts a full session, sharing UI state through Redis when configured.
func login(ctx context.Context) (*session.Session, func(), error) {
	if tokenFlag == "" {
		return nil, nil, errNoToken
	}
	opts := session.OptionsFromConfig(cfg)
	cleanup := func() {}
	if cfg.UIState.RedisURL != "" {
		cache, err := uistate.NewRedisCache(ctx, cfg.UIState.RedisURL)
		if err != nil {
			log.WithError(err).Warn("redis unavailable, keeping ui state in memory")
		} else {
			opts.Cache = cache
			cleanup = func() { _ = cache.Close() }
		}
	}

	sess, err := session.Login(tokenFlag, opts, logger.Component(log, "session"))
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	return sess, func() {
		sess.Logout()
		cleanup()
	}, nil
}

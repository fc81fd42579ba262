// Command consultctl drives the patient request flow and the doctor inbox
// from a terminal.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/hackgods/consultation-signaling/internal/auth"
	"github.com/hackgods/consultation-signaling/internal/client"
	"github.com/hackgods/consultation-signaling/internal/config"
	"github.com/hackgods/consultation-signaling/internal/logging"
	"github.com/hackgods/consultation-signaling/internal/push"
)

type env struct {
	cfg    config.Config
	log    zerolog.Logger
	tokens auth.TokenProvider
	client *client.Client
}

func main() {
	rootCmd := &cobra.Command{
		Use:           "consultctl",
		Short:         "Request and answer video consultations",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().String("token", "", "session token (defaults to AUTH_TOKEN / AUTH_TOKEN_FILE)")
	rootCmd.PersistentFlags().Bool("verbose", false, "debug logging")

	rootCmd.AddCommand(doctorsCmd())
	rootCmd.AddCommand(requestCmd())
	rootCmd.AddCommand(inboxCmd())
	rootCmd.AddCommand(completeCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func setup(cmd *cobra.Command) (*env, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	token, _ := cmd.Flags().GetString("token")
	if token == "" {
		token = cfg.AuthToken
	}
	tokens := auth.ProviderFor(token, cfg.AuthTokenFile)

	logger := logging.NewWithWriter(os.Stderr, cfg.Env, "consultctl").Level(zerolog.InfoLevel)
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		logger = logger.Level(zerolog.DebugLevel)
	}

	c := client.New(cfg.APIBaseURL, tokens,
		client.WithScheme(cfg.AuthScheme),
		client.WithHTTPClient(&http.Client{Timeout: cfg.RequestTimeout}),
	)

	return &env{cfg: cfg, log: logger, tokens: tokens, client: c}, nil
}

// subscribe nudges on every push event until ctx ends. It is a no-op unless
// PUSH_ENABLED is set; polling keeps working either way.
func (e *env) subscribe(ctx context.Context, nudge func()) {
	if !e.cfg.PushEnabled {
		return
	}
	wsURL, err := push.URLFor(e.cfg.APIBaseURL)
	if err != nil {
		e.log.Warn().Err(err).Msg("push disabled")
		return
	}
	sub := push.NewSubscriber(wsURL, e.cfg.AuthScheme, e.tokens, e.log)
	go func() {
		if err := sub.Run(ctx, func(ev push.Event) {
			e.log.Debug().Str("type", ev.Type).Str("consultation_id", ev.ConsultationID.String()).Msg("push")
			nudge()
		}); err != nil && ctx.Err() == nil {
			e.log.Warn().Err(err).Msg("push subscription ended")
		}
	}()
}

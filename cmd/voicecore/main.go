package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/nebulachat/voicecore/internal/adapters/httpapi"
	"github.com/nebulachat/voicecore/internal/adapters/ident"
	"github.com/nebulachat/voicecore/internal/adapters/profile"
	"github.com/nebulachat/voicecore/internal/adapters/rtc"
	"github.com/nebulachat/voicecore/internal/adapters/store"
	"github.com/nebulachat/voicecore/internal/app/policy"
	"github.com/nebulachat/voicecore/internal/app/roster"
	"github.com/nebulachat/voicecore/internal/app/session"
	"github.com/nebulachat/voicecore/internal/config"
	"github.com/nebulachat/voicecore/internal/domain"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if cfg.Mode == "debug" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	localUser := domain.UserID(cfg.LocalUser)
	if err := domain.ValidateUserID(localUser); err != nil {
		log.Fatal().Err(err).Str("local_user", cfg.LocalUser).Msg("invalid local user id")
	}

	policyStore, err := store.NewFileStore(cfg.StateDir)
	if err != nil {
		log.Fatal().Err(err).Str("dir", cfg.StateDir).Msg("policy store init")
	}
	scope := domain.PolicyScope{ServerID: cfg.ServerID, ChannelID: cfg.ChannelID}
	engine := policy.NewEngine(scope, policyStore)

	profiles := profile.NewClient(cfg.ProfileEndpoint)
	dir := roster.NewDirectory(profiles)
	tokens := ident.NewClient(cfg.TokenEndpoint, cfg.StaticToken)
	media := rtc.NewClient(rtc.Options{
		GatewayURL:     cfg.GatewayURL,
		VolumeInterval: cfg.VolumeInterval,
		// The host shell replaces this with real device capture.
		MicSource: func() (rtc.SampleSource, error) { return rtc.NewSilenceSource(), nil },
	})

	ctrl := session.NewController(session.Options{
		Channel:   cfg.ChannelID,
		LocalUser: localUser,
		Retry: session.RetryPolicy{
			MaxAttempts: cfg.RetryAttempts,
			Backoff:     session.LinearBackoff(cfg.RetryBackoff),
			Retryable:   session.IsIdentityConflict,
		},
		SpeakingThreshold: cfg.SpeakingThreshold,
	}, media, tokens, engine, dir)
	ctrl.OnLeave(func() {
		log.Info().Str("module", "main").Msg("session ended")
	})

	r := httpapi.SetupRouter(cfg, ctrl)
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Str("channel", cfg.ChannelID).Msg("voicecore control plane started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	ctrl.Leave()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	log.Info().Msg("Server exited gracefully")
}

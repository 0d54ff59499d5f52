package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/chadiek/meetbridge/internal/capture"
	"github.com/chadiek/meetbridge/internal/config"
	"github.com/chadiek/meetbridge/internal/httpserver"
	"github.com/chadiek/meetbridge/internal/infra/storage"
	xlog "github.com/chadiek/meetbridge/internal/log"
	"github.com/chadiek/meetbridge/internal/metrics"
	"github.com/chadiek/meetbridge/internal/session"
	"github.com/chadiek/meetbridge/internal/speech"
	"github.com/chadiek/meetbridge/internal/telephony"
	"github.com/chadiek/meetbridge/internal/tts"
)

const shutdownGrace = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		xlog.Base().Fatal().Err(err).Msg("load config")
	}
	xlog.Configure(xlog.Config{Level: cfg.Logging.Level, Pretty: cfg.Logging.Pretty})
	logger := xlog.WithComponent("main")

	m := metrics.New()
	tel := telephony.New(cfg.Telephony())
	tel.OnRetry(m.RecordTransportRetry)

	sink, err := captureSink(cfg.Capture)
	if err != nil {
		logger.Fatal().Err(err).Msg("capture storage")
	}

	registry := session.NewRegistry(session.Options{
		Navigation:     cfg.Navigation.Config(),
		Mode:           speech.Mode(cfg.Speech.Mode),
		PerWord:        cfg.Turn.PerWord,
		Overhead:       cfg.Turn.Overhead,
		CaptureSeconds: cfg.Capture.Seconds,
	}, session.Deps{
		Telephony: tel,
		Speech:    cfg.Speech.Endpoint().Factory(),
		Synth:     synthesizer(cfg.TTS),
		Captures:  sink,
		Metrics:   m,
	})

	srv := httpserver.New(httpserver.Deps{
		HTTP:      cfg.HTTP,
		AuthToken: cfg.Twilio.AuthToken,
		Meeting:   cfg.Meeting,
		DialFrom:  cfg.Twilio.FromNumber,
		Registry:  registry,
		KeepAlive: tel,
		Metrics:   m,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(gctx, shutdownGrace) })
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down sessions")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		registry.Shutdown(shutdownCtx)
		return nil
	})

	if cfg.Meeting.AutoJoin {
		autoJoin(registry, cfg, logger)
	}

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("server stopped")
		os.Exit(1)
	}
	logger.Info().Msg("bye")
}

// autoJoin starts one session into the configured meeting at boot.
func autoJoin(registry *session.Registry, cfg config.Config, logger zerolog.Logger) {
	s, err := registry.Start(cfg.Meeting.Target(cfg.Twilio.FromNumber))
	if err != nil {
		logger.Error().Err(err).Msg("auto-join")
		return
	}
	logger.Info().Str("session_id", s.ID).Str("meeting_id", s.Target.MeetingID).Msg("auto-join started")
}

func synthesizer(cfg config.TTSConfig) tts.Synthesizer {
	switch cfg.Provider {
	case "deepgram":
		return tts.NewDeepgramClient(cfg.Deepgram())
	case "elevenlabs":
		return tts.NewElevenLabsClient(cfg.ElevenLabsKey, cfg.ElevenLabsVoiceID)
	default:
		return nil
	}
}

// captureSink prefers Supabase Storage, then a local directory. Without
// either, captures are only available through the operator API.
func captureSink(cfg config.CaptureConfig) (capture.Sink, error) {
	switch {
	case cfg.SupabaseURL != "":
		return storage.NewSupabaseStorage(storage.Config{
			URL:            cfg.SupabaseURL,
			ServiceRoleKey: cfg.SupabaseKey,
			Bucket:         cfg.SupabaseBucket,
			Prefix:         "captures",
		})
	case cfg.Dir != "":
		return capture.FileSink{Dir: cfg.Dir}, nil
	default:
		return nil, nil
	}
}

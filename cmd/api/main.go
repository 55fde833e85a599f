package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/kasparov112000/learnbytesting-video-transcription/internal/captions"
	"github.com/kasparov112000/learnbytesting-video-transcription/internal/companion"
	"github.com/kasparov112000/learnbytesting-video-transcription/internal/config"
	"github.com/kasparov112000/learnbytesting-video-transcription/internal/download"
	"github.com/kasparov112000/learnbytesting-video-transcription/internal/extractor"
	"github.com/kasparov112000/learnbytesting-video-transcription/internal/logger"
	"github.com/kasparov112000/learnbytesting-video-transcription/internal/media"
	"github.com/kasparov112000/learnbytesting-video-transcription/internal/objectstore"
	"github.com/kasparov112000/learnbytesting-video-transcription/internal/pipeline"
	"github.com/kasparov112000/learnbytesting-video-transcription/internal/processor"
	"github.com/kasparov112000/learnbytesting-video-transcription/internal/router"
	"github.com/kasparov112000/learnbytesting-video-transcription/internal/sweeper"
	"github.com/kasparov112000/learnbytesting-video-transcription/internal/transcribe"
	"github.com/kasparov112000/learnbytesting-video-transcription/internal/types"
	"github.com/kasparov112000/learnbytesting-video-transcription/internal/workdir"
)

func main() {
	_ = godotenv.Load() // loads .env

	log := logger.New()
	log.WithField("service", "video-transcription").Info("starting service")

	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("invalid configuration")
	}

	resolver, err := router.NewResolver(cfg.ProductionCIDRs, cfg.ProductionHosts)
	if err != nil {
		log.WithError(err).Fatal("invalid production network settings")
	}
	stores, err := router.Open(context.Background(), resolver, router.Options{
		LocalDSN:      cfg.LocalDatabaseURL,
		ProductionDSN: cfg.ProductionDatabaseURL,
		Timeout:       cfg.DBConnectTimeout,
	})
	if err != nil {
		log.WithError(err).Fatal("could not connect datastores")
	}
	defer stores.Close()

	dir, err := workdir.New(cfg.WorkDir)
	if err != nil {
		log.WithError(err).Fatal("could not prepare work dir")
	}

	ext := extractor.NewClient(cfg.ExtractorURL)
	caps := captions.NewSource(ext)

	var objects objectstore.Store
	if cfg.TempBucket != "" {
		s3, err := objectstore.Dial(cfg.AWSRegion, cfg.TempBucket, cfg.TempPrefix)
		if err != nil {
			log.WithError(err).Fatal("could not set up temporary audio storage")
		}
		objects = s3
	}

	provider, err := transcribe.New(cfg, transcribe.Deps{Captions: caps, Objects: objects})
	if err != nil {
		log.WithError(err).Fatal("could not set up transcription provider")
	}
	log.WithField("provider", provider.Name()).WithField("workflow_mode", cfg.WorkflowMode).Info("transcription configured")

	var comp pipeline.CompanionCreator
	if cfg.CompanionURL != "" {
		comp = companion.NewClient(cfg.CompanionURL, cfg.CompanionAPIKey)
	}

	proc := processor.New(processor.Deps{
		Stores: stores,
		Info:   ext,
		Runner: pipeline.New(pipeline.Deps{
			Captions:   caps,
			Normalizer: media.NewNormalizer(cfg.FFmpegPath, dir),
			Provider:   provider,
			Companion:  comp,
			Dir:        dir,
		}),
		Downloader: download.New(ext, dir, download.Options{
			PollInterval: cfg.PollInterval,
			Budget:       cfg.PollBudget,
			SharedDir:    cfg.SharedAudioDir,
		}),
		Mode: cfg.WorkflowMode,
	})

	sw := sweeper.New(dir, stores.Local(), cfg.SweepInterval, cfg.Retention)
	sw.Start()

	api := &server{
		svc: proc,
		resolve: func(r *http.Request) types.Origin {
			return stores.Resolve(router.MetaFromRequest(r, cfg.OriginHeader))
		},
		uploads:   dir,
		sharedDir: cfg.SharedAudioDir,
	}

	addr := fmt.Sprintf(":%s", cfg.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      withCORS(api.routes(), cfg.CORSOrigins),
		ReadTimeout:  15 * time.Minute,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		log.WithField("addr", addr).Info("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("server terminated")
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http shutdown incomplete")
	}
	sw.Stop(5 * time.Second)

	done := make(chan struct{})
	go func() {
		proc.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		log.Warn("background transcriptions still running at exit")
	}
}

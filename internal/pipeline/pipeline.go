// Package pipeline runs the stages that turn one record into a transcript.
package pipeline

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kasparov112000/learnbytesting-video-transcription/internal/companion"
	"github.com/kasparov112000/learnbytesting-video-transcription/internal/logger"
	"github.com/kasparov112000/learnbytesting-video-transcription/internal/stem"
	"github.com/kasparov112000/learnbytesting-video-transcription/internal/transcribe"
	"github.com/kasparov112000/learnbytesting-video-transcription/internal/types"
	"github.com/kasparov112000/learnbytesting-video-transcription/internal/workdir"
)

// Progress reported after each stage.
const (
	ProgressStarted     = 10
	ProgressAcquired    = 30
	ProgressNormalized  = 50
	ProgressTranscribed = 90
	ProgressDone        = 100
)

// Store is the record write the pipeline needs.
type Store interface {
	Update(ctx context.Context, rec *types.TranscriptRecord) error
}

type CaptionSource interface {
	Fetch(ctx context.Context, videoURL, lang string) (string, error)
}

type Downloader interface {
	DownloadAudio(ctx context.Context, videoURL, externalID string) (string, error)
}

type Normalizer interface {
	Convert(ctx context.Context, in string) (string, error)
}

type CompanionCreator interface {
	Create(ctx context.Context, p companion.Payload) (string, error)
}

// Acquisition is how a run obtains its audio.
type Acquisition struct {
	name     string
	captions bool
	acquire  func(ctx context.Context, rec *types.TranscriptRecord) (string, error)
}

func (a Acquisition) String() string { return a.name }

// DownloadByURL tries captions first, then pulls audio through the
// extraction service.
func DownloadByURL(d Downloader) Acquisition {
	return Acquisition{
		name:     "download",
		captions: true,
		acquire: func(ctx context.Context, rec *types.TranscriptRecord) (string, error) {
			return d.DownloadAudio(ctx, rec.SourceURL, rec.ExternalVideoID)
		},
	}
}

// ProvidedFile uses audio supplied by an operator and starts at conversion.
func ProvidedFile(path string) Acquisition {
	return Acquisition{
		name: "provided",
		acquire: func(context.Context, *types.TranscriptRecord) (string, error) {
			return path, nil
		},
	}
}

type Deps struct {
	Captions   CaptionSource
	Normalizer Normalizer
	Provider   transcribe.Provider
	// Companion may be nil.
	Companion CompanionCreator
	Dir       *workdir.Dir
}

// Runner executes pipeline runs. It is safe for concurrent use; each run owns
// its record.
type Runner struct {
	Deps
	log *logrus.Entry
	now func() time.Time
}

func New(deps Deps) *Runner {
	return &Runner{Deps: deps, log: logger.Component("pipeline"), now: time.Now}
}

// Run drives rec from processing to completed or failed. Stage errors end up
// on the record, never in the caller.
func (r *Runner) Run(ctx context.Context, st Store, rec *types.TranscriptRecord, acq Acquisition) {
	log := r.log.WithFields(logrus.Fields{
		"transcript_id": rec.ID,
		"video_id":      rec.ExternalVideoID,
		"acquisition":   acq.name,
	})
	started := r.now()

	rec.Status = types.StatusProcessing
	rec.ProgressPercent = ProgressStarted
	rec.ErrorMessage = ""
	rec.CompletedAt = nil
	rec.ProcessingStartedAt = &started
	if err := st.Update(ctx, rec); err != nil {
		log.WithError(err).Error("could not mark record processing")
		return
	}

	if acq.captions {
		if text := r.tryCaptions(ctx, rec, log); text != "" {
			r.complete(ctx, st, rec, text, types.ProviderCaptions, log)
			return
		}
	}

	var temps []string
	text, err := r.fromAudio(ctx, st, rec, acq, &temps)
	r.cleanup(rec, temps)
	if err != nil {
		r.fail(ctx, st, rec, err, log)
		return
	}
	r.complete(ctx, st, rec, text, r.Provider.Name(), log)
	log.WithField("took", time.Since(started).String()).Info("pipeline finished")
}

// tryCaptions never fails the run; errors count as no captions.
func (r *Runner) tryCaptions(ctx context.Context, rec *types.TranscriptRecord, log *logrus.Entry) string {
	if r.Captions == nil {
		return ""
	}
	text, err := r.Captions.Fetch(ctx, rec.SourceURL, rec.Language)
	if err != nil {
		log.WithError(err).Info("caption lookup failed, falling back to audio")
		return ""
	}
	return text
}

func (r *Runner) fromAudio(ctx context.Context, st Store, rec *types.TranscriptRecord, acq Acquisition, temps *[]string) (string, error) {
	// A captions-only deployment has no audio stage to fall back to.
	if r.Provider.Name() == transcribe.NameCaptions {
		res, err := r.Provider.Transcribe(ctx, rec.SourceURL, rec.Language)
		return res.Text, err
	}

	audio, err := acq.acquire(ctx, rec)
	if err != nil {
		return "", err
	}
	*temps = append(*temps, audio)
	rec.AudioFilePath = audio
	if err := r.advance(ctx, st, rec, ProgressAcquired); err != nil {
		return "", err
	}

	normalized, err := r.Normalizer.Convert(ctx, audio)
	if err != nil {
		return "", err
	}
	if normalized != audio {
		*temps = append(*temps, normalized)
	}
	if err := r.advance(ctx, st, rec, ProgressNormalized); err != nil {
		return "", err
	}

	res, err := r.Provider.Transcribe(ctx, normalized, rec.Language)
	if err != nil {
		return "", err
	}
	if rec.DurationSeconds == 0 && res.Duration > 0 {
		rec.DurationSeconds = int(res.Duration.Seconds())
	}
	if err := r.advance(ctx, st, rec, ProgressTranscribed); err != nil {
		return "", err
	}
	return res.Text, nil
}

// advance persists a higher progress value. Progress never moves backwards
// during a run.
func (r *Runner) advance(ctx context.Context, st Store, rec *types.TranscriptRecord, pct int) error {
	if pct <= rec.ProgressPercent {
		return nil
	}
	rec.ProgressPercent = pct
	return st.Update(ctx, rec)
}

func (r *Runner) complete(ctx context.Context, st Store, rec *types.TranscriptRecord, text, provider string, log *logrus.Entry) {
	done := r.now()
	rec.Status = types.StatusCompleted
	rec.ProgressPercent = ProgressDone
	rec.TranscriptText = text
	rec.WordCount = types.WordCount(text)
	rec.SearchableText = stem.Line(text)
	rec.Provider = provider
	rec.ErrorMessage = ""
	rec.CompletedAt = &done
	if err := st.Update(ctx, rec); err != nil {
		r.fail(ctx, st, rec, err, log)
		return
	}
	log.WithFields(logrus.Fields{"provider": provider, "words": rec.WordCount}).Info("transcript completed")

	r.linkCompanion(ctx, st, rec, log)
}

func (r *Runner) linkCompanion(ctx context.Context, st Store, rec *types.TranscriptRecord, log *logrus.Entry) {
	if r.Companion == nil {
		return
	}
	id, err := r.Companion.Create(ctx, companion.Payload{
		Ref:             rec.CompanionRef,
		TranscriptID:    rec.ID,
		ExternalVideoID: rec.ExternalVideoID,
		SourceURL:       rec.SourceURL,
		Title:           rec.Title,
		Language:        rec.Language,
		WordCount:       rec.WordCount,
		Text:            rec.TranscriptText,
	})
	if err != nil {
		log.WithError(err).Warn("companion record not created")
		return
	}
	rec.LinkedCompanionID = id
	if err := st.Update(ctx, rec); err != nil {
		log.WithError(err).WithField("companion_id", id).Warn("could not store companion id")
	}
}

func (r *Runner) fail(ctx context.Context, st Store, rec *types.TranscriptRecord, cause error, log *logrus.Entry) {
	msg := cause.Error()
	if msg == "" {
		msg = "transcription failed"
	}
	rec.Status = types.StatusFailed
	rec.ErrorMessage = msg
	rec.ProgressPercent = 0
	rec.CompletedAt = nil
	log.WithError(cause).Warn("pipeline failed")
	if err := st.Update(ctx, rec); err != nil {
		log.WithError(err).Error("could not record pipeline failure")
	}
}

// cleanup removes temp files the work dir owns. Operator supplied audio
// outside the work dir is left alone.
func (r *Runner) cleanup(rec *types.TranscriptRecord, temps []string) {
	for _, p := range temps {
		if r.Dir == nil || !r.Dir.Owns(p) {
			continue
		}
		r.Dir.Remove(p)
		if rec.AudioFilePath == p {
			rec.AudioFilePath = ""
		}
	}
}

// Fail marks rec failed from outside a run, e.g. after a recovered panic.
func (r *Runner) Fail(ctx context.Context, st Store, rec *types.TranscriptRecord, cause error) {
	r.fail(ctx, st, rec, cause, r.log.WithField("transcript_id", rec.ID))
}

// Package processor owns the transcript lifecycle: submission, dedup,
// background pipeline runs and the operator actions around them.
package processor

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/kasparov112000/learnbytesting-video-transcription/internal/aggregator"
	"github.com/kasparov112000/learnbytesting-video-transcription/internal/config"
	"github.com/kasparov112000/learnbytesting-video-transcription/internal/errs"
	"github.com/kasparov112000/learnbytesting-video-transcription/internal/extractor"
	"github.com/kasparov112000/learnbytesting-video-transcription/internal/logger"
	"github.com/kasparov112000/learnbytesting-video-transcription/internal/pipeline"
	"github.com/kasparov112000/learnbytesting-video-transcription/internal/stem"
	"github.com/kasparov112000/learnbytesting-video-transcription/internal/store"
	"github.com/kasparov112000/learnbytesting-video-transcription/internal/types"
)

// Stores picks the store for an origin. *router.Router implements it.
type Stores interface {
	Store(origin types.Origin) store.Store
}

type VideoInfoSource interface {
	VideoInfo(ctx context.Context, videoURL string) (extractor.VideoInfo, error)
}

type SubmitRequest struct {
	URL          string `json:"url"`
	Language     string `json:"language,omitempty"`
	CompanionRef string `json:"companion_ref,omitempty"`
}

type SubmitResult struct {
	ID     string       `json:"id"`
	Status types.Status `json:"status"`
	// Existing is set when the video already had an active record.
	Existing bool `json:"existing"`
}

type Deps struct {
	Stores     Stores
	Info       VideoInfoSource
	Runner     *pipeline.Runner
	Downloader pipeline.Downloader
	Mode       config.WorkflowMode
	// DefaultLanguage applies when a submission names none.
	DefaultLanguage string
}

type Processor struct {
	Deps

	videos keyedMutex

	mu sync.Mutex
	// running maps transcript ids of live runs to their video keys.
	running map[string]string
	wg      sync.WaitGroup

	log *logrus.Entry
}

func New(d Deps) *Processor {
	if d.Mode == "" {
		d.Mode = config.WorkflowAuto
	}
	if d.DefaultLanguage == "" {
		d.DefaultLanguage = "en"
	}
	return &Processor{
		Deps:    d,
		running: make(map[string]string),
		log:     logger.Component("processor"),
	}
}

// Submit registers a video for transcription. A video that already has an
// active record gets that record back and no new work is started.
func (p *Processor) Submit(ctx context.Context, origin types.Origin, req SubmitRequest) (SubmitResult, error) {
	const op = "processor.submit"
	rawURL := strings.TrimSpace(req.URL)
	if u, err := url.Parse(rawURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return SubmitResult{}, errs.E(errs.Validation, op, "url must be an absolute http(s) url")
	}
	lang := strings.TrimSpace(req.Language)
	if lang == "" {
		lang = p.DefaultLanguage
	}
	st := p.Stores.Store(origin)
	log := p.log.WithField("origin", origin)

	var info *extractor.VideoInfo
	videoID, ok := ExternalVideoID(rawURL)
	if !ok {
		resolved, err := p.Info.VideoInfo(ctx, rawURL)
		if err != nil {
			return SubmitResult{}, err
		}
		videoID, info = resolved.ExternalID, &resolved
	}
	log = log.WithField("video_id", videoID)

	key := videoKey(origin, videoID)
	unlock := p.videos.Lock(key)
	defer unlock()

	if existing, err := st.FindActiveByVideoID(ctx, videoID); err == nil {
		log.WithField("transcript_id", existing.ID).WithField("status", existing.Status).Info("video already submitted")
		return SubmitResult{ID: existing.ID, Status: existing.Status, Existing: true}, nil
	} else if !errs.Is(err, errs.NotFound) {
		return SubmitResult{}, err
	}
	// The record is gone but its run has not returned yet.
	if p.videoRunning(key) {
		return SubmitResult{}, errs.E(errs.StateConflict, op, "a previous run for video %s is still finishing", videoID)
	}

	if info == nil {
		// Title and duration are cosmetic, a failed lookup does not block submission.
		if resolved, err := p.Info.VideoInfo(ctx, rawURL); err != nil {
			log.WithError(err).Warn("video info lookup failed")
		} else {
			info = &resolved
		}
	}

	rec := &types.TranscriptRecord{
		ID:              uuid.NewString(),
		SourceURL:       rawURL,
		ExternalVideoID: videoID,
		Language:        lang,
		Status:          types.StatusPending,
		CompanionRef:    strings.TrimSpace(req.CompanionRef),
		RequestOrigin:   origin,
	}
	if info != nil {
		rec.Title = info.Title
		rec.DurationSeconds = info.DurationSeconds
	}
	if p.Mode == config.WorkflowManual {
		rec.Status = types.StatusPendingDownload
	}

	if err := st.Create(ctx, rec); err != nil {
		if !errors.Is(err, store.ErrDuplicateVideo) {
			return SubmitResult{}, err
		}
		// Another process created the record between our lookup and insert.
		winner, ferr := st.FindActiveByVideoID(ctx, videoID)
		if ferr != nil {
			return SubmitResult{}, err
		}
		return SubmitResult{ID: winner.ID, Status: winner.Status, Existing: true}, nil
	}

	res := SubmitResult{ID: rec.ID, Status: rec.Status}
	log.WithField("transcript_id", rec.ID).WithField("status", rec.Status).Info("transcript created")
	if p.Mode == config.WorkflowAuto {
		p.launch(st, rec, key, pipeline.DownloadByURL(p.Downloader))
	}
	return res, nil
}

// ProcessWithAudioFile starts a run from operator supplied audio. Only
// records waiting in pending_download accept audio.
func (p *Processor) ProcessWithAudioFile(ctx context.Context, origin types.Origin, id, audioPath string) error {
	const op = "processor.audio"
	if strings.TrimSpace(audioPath) == "" {
		return errs.E(errs.Validation, op, "audio path is required")
	}
	if fi, err := os.Stat(audioPath); err != nil || fi.IsDir() {
		return errs.E(errs.Validation, op, "audio file %q is not readable", audioPath)
	}
	st := p.Stores.Store(origin)

	rec, unlock, err := p.lockRecord(ctx, st, id)
	if err != nil {
		return err
	}
	defer unlock()

	if rec.Status != types.StatusPendingDownload {
		return errs.E(errs.StateConflict, op, "transcript %s is %s, audio is only accepted in %s", id, rec.Status, types.StatusPendingDownload)
	}

	now := time.Now()
	rec.Status = types.StatusProcessing
	rec.ProgressPercent = pipeline.ProgressStarted
	rec.ProcessingStartedAt = &now
	rec.AudioFilePath = audioPath
	if err := st.Update(ctx, rec); err != nil {
		return err
	}
	p.launch(st, rec, videoKey(rec.RequestOrigin, rec.ExternalVideoID), pipeline.ProvidedFile(audioPath))
	return nil
}

func (p *Processor) GetStatus(ctx context.Context, origin types.Origin, id string) (types.StatusView, error) {
	rec, err := p.Stores.Store(origin).Get(ctx, id)
	if err != nil {
		return types.StatusView{}, err
	}
	return rec.StatusView(), nil
}

// GetTranscript returns the text of a completed record, or a not-ready view
// carrying the current progress.
func (p *Processor) GetTranscript(ctx context.Context, origin types.Origin, id string) (types.TranscriptView, error) {
	rec, err := p.Stores.Store(origin).Get(ctx, id)
	if err != nil {
		return types.TranscriptView{}, err
	}
	view := types.TranscriptView{
		ID:              rec.ID,
		Status:          rec.Status,
		ProgressPercent: rec.ProgressPercent,
	}
	if rec.Status != types.StatusCompleted {
		return view, nil
	}
	view.Ready = true
	view.Text = rec.TranscriptText
	view.WordCount = rec.WordCount
	view.Provider = rec.Provider
	view.Language = rec.Language
	return view, nil
}

// ListPending returns records waiting for operator supplied audio.
func (p *Processor) ListPending(ctx context.Context, origin types.Origin) ([]types.StatusView, error) {
	recs, err := p.Stores.Store(origin).ListByStatus(ctx, types.StatusPendingDownload)
	if err != nil {
		return nil, err
	}
	return views(recs), nil
}

// Reset rewinds a record to pending_download so it can be given audio again.
// Resetting a pending_download record changes nothing. A record whose run is
// still active in this process cannot be reset.
func (p *Processor) Reset(ctx context.Context, origin types.Origin, id string) (types.StatusView, error) {
	const op = "processor.reset"
	st := p.Stores.Store(origin)

	rec, unlock, err := p.lockRecord(ctx, st, id)
	if err != nil {
		return types.StatusView{}, err
	}
	defer unlock()

	if rec.Status == types.StatusPendingDownload {
		return rec.StatusView(), nil
	}
	if p.isRunning(rec.ID) {
		return types.StatusView{}, errs.E(errs.StateConflict, op, "transcript %s is still being processed", id)
	}

	p.discardAudio(rec.AudioFilePath)
	rec.Status = types.StatusPendingDownload
	rec.ProgressPercent = 0
	rec.ErrorMessage = ""
	rec.AudioFilePath = ""
	rec.TranscriptText = ""
	rec.SearchableText = ""
	rec.WordCount = 0
	rec.Provider = ""
	rec.ProcessingStartedAt = nil
	rec.CompletedAt = nil
	if err := st.Update(ctx, rec); err != nil {
		return types.StatusView{}, err
	}
	p.log.WithField("transcript_id", id).Info("transcript reset")
	return rec.StatusView(), nil
}

// Delete removes the record in any state except while its run is active in
// this process.
func (p *Processor) Delete(ctx context.Context, origin types.Origin, id string) error {
	st := p.Stores.Store(origin)
	rec, unlock, err := p.lockRecord(ctx, st, id)
	if err != nil {
		return err
	}
	defer unlock()

	if p.isRunning(rec.ID) {
		return errs.E(errs.StateConflict, "processor.delete", "transcript %s is still being processed", id)
	}
	if err := st.Delete(ctx, id); err != nil {
		return err
	}
	p.discardAudio(rec.AudioFilePath)
	p.log.WithField("transcript_id", id).Info("transcript deleted")
	return nil
}

// Search finds completed transcripts containing every word of query, matched
// on word stems.
func (p *Processor) Search(ctx context.Context, origin types.Origin, query string) ([]types.StatusView, error) {
	words := stem.Words(query)
	if len(words) == 0 {
		return nil, errs.E(errs.Validation, "processor.search", "query has no words")
	}
	recs, err := p.Stores.Store(origin).SearchCompleted(ctx, words)
	if err != nil {
		return nil, err
	}
	return views(recs), nil
}

func (p *Processor) Stats(ctx context.Context, origin types.Origin) (aggregator.Stats, error) {
	counts, err := p.Stores.Store(origin).CountByStatusAndProvider(ctx)
	if err != nil {
		return aggregator.Stats{}, err
	}
	return aggregator.Aggregate(counts), nil
}

// Wait blocks until every background run has finished.
func (p *Processor) Wait() {
	p.wg.Wait()
}

// lockRecord loads a record under its video lock and reloads it so the
// caller sees the latest state.
func (p *Processor) lockRecord(ctx context.Context, st store.Store, id string) (*types.TranscriptRecord, func(), error) {
	rec, err := st.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	unlock := p.videos.Lock(videoKey(rec.RequestOrigin, rec.ExternalVideoID))
	rec, err = st.Get(ctx, id)
	if err != nil {
		unlock()
		return nil, nil, err
	}
	return rec, unlock, nil
}

// launch runs the pipeline detached from the request. The run owns rec from
// here on; a panic marks it failed.
func (p *Processor) launch(st store.Store, rec *types.TranscriptRecord, key string, acq pipeline.Acquisition) {
	p.mu.Lock()
	p.running[rec.ID] = key
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		ctx := context.Background()
		defer p.wg.Done()
		defer func() {
			p.mu.Lock()
			delete(p.running, rec.ID)
			p.mu.Unlock()
		}()
		defer func() {
			if r := recover(); r != nil {
				p.log.WithFields(logrus.Fields{
					"transcript_id": rec.ID,
					"panic":         r,
					"stack":         string(debug.Stack()),
				}).Error("pipeline panicked")
				p.Runner.Fail(ctx, st, rec, fmt.Errorf("internal error: %v", r))
			}
		}()
		p.Runner.Run(ctx, st, rec, acq)
	}()
}

func (p *Processor) isRunning(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.running[id]
	return ok
}

func (p *Processor) videoRunning(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, k := range p.running {
		if k == key {
			return true
		}
	}
	return false
}

// discardAudio removes an audio file left behind by an interrupted run. Files
// outside the work dir belong to the operator and are kept.
func (p *Processor) discardAudio(path string) {
	if path == "" || p.Runner == nil || p.Runner.Dir == nil || !p.Runner.Dir.Owns(path) {
		return
	}
	p.Runner.Dir.Remove(path)
}

func videoKey(origin types.Origin, videoID string) string {
	return string(origin) + "/" + videoID
}

func views(recs []*types.TranscriptRecord) []types.StatusView {
	out := make([]types.StatusView, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.StatusView())
	}
	return out
}

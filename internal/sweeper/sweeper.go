// Package sweeper periodically removes stale temporary audio.
package sweeper

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kasparov112000/learnbytesting-video-transcription/internal/logger"
	"github.com/kasparov112000/learnbytesting-video-transcription/internal/types"
	"github.com/kasparov112000/learnbytesting-video-transcription/internal/workdir"
)

// Store is the part of the local record store the sweeper touches.
type Store interface {
	ListStale(ctx context.Context, status types.Status, before time.Time) ([]*types.TranscriptRecord, error)
	Update(ctx context.Context, rec *types.TranscriptRecord) error
}

// Result counts what one sweep removed.
type Result struct {
	Files   int
	Records int
}

type Sweeper struct {
	dir       *workdir.Dir
	store     Store
	interval  time.Duration
	retention time.Duration
	started   uint32
	stopCh    chan chan struct{}
	log       *logrus.Entry
	now       func() time.Time
}

func New(dir *workdir.Dir, st Store, interval, retention time.Duration) *Sweeper {
	if interval <= 0 {
		interval = time.Hour
	}
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	return &Sweeper{
		dir:       dir,
		store:     st,
		interval:  interval,
		retention: retention,
		stopCh:    make(chan chan struct{}, 1),
		log:       logger.Component("sweeper"),
		now:       time.Now,
	}
}

func (s *Sweeper) Started() bool {
	return atomic.LoadUint32(&s.started) != 0
}

// Start sweeps once immediately and then every interval until Stop.
func (s *Sweeper) Start() {
	if atomic.SwapUint32(&s.started, 1) == 1 {
		return
	}
	go func() {
		defer atomic.StoreUint32(&s.started, 0)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			s.SweepOnce(context.Background())
			select {
			case ch := <-s.stopCh:
				ch <- struct{}{}
				return
			case <-ticker.C:
			}
		}
	}()
}

// Stop asks the loop to exit and waits up to wait for it.
func (s *Sweeper) Stop(wait time.Duration) {
	if s.Started() {
		ch := make(chan struct{}, 1)
		s.stopCh <- ch
		select {
		case <-ch:
		case <-time.After(wait):
		}
	}
}

// SweepOnce deletes work files older than the retention window and drops
// the audio of failed records that have sat untouched as long. Errors are
// logged, never returned.
func (s *Sweeper) SweepOnce(ctx context.Context) Result {
	var res Result
	cutoff := s.now().Add(-s.retention)

	n, err := s.dir.RemoveOlderThan(cutoff)
	if err != nil {
		s.log.WithError(err).Warn("work dir sweep incomplete")
	}
	res.Files = n

	stale, err := s.store.ListStale(ctx, types.StatusFailed, cutoff)
	if err != nil {
		s.log.WithError(err).Warn("could not list stale failed records")
		return res
	}
	for _, rec := range stale {
		if rec.AudioFilePath == "" {
			continue
		}
		if s.dir.Owns(rec.AudioFilePath) {
			s.dir.Remove(rec.AudioFilePath)
		}
		rec.AudioFilePath = ""
		if err := s.store.Update(ctx, rec); err != nil {
			s.log.WithError(err).WithField("transcript_id", rec.ID).Warn("could not clear audio path")
			continue
		}
		res.Records++
	}

	if res.Files > 0 || res.Records > 0 {
		s.log.WithFields(logrus.Fields{"files": res.Files, "records": res.Records}).Info("sweep finished")
	}
	return res
}

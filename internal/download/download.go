// Package download acquires a video's audio track through the remote
// extraction service's submit/poll/fetch protocol.
package download

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kasparov112000/learnbytesting-video-transcription/internal/errs"
	"github.com/kasparov112000/learnbytesting-video-transcription/internal/extractor"
	"github.com/kasparov112000/learnbytesting-video-transcription/internal/logger"
	"github.com/kasparov112000/learnbytesting-video-transcription/internal/workdir"
)

// Service is the part of the extraction service the client drives.
type Service interface {
	StartExtraction(ctx context.Context, videoURL, externalID string) (string, error)
	JobStatus(ctx context.Context, jobID string) (extractor.Job, error)
	FetchArtifact(ctx context.Context, jobID, dest string) error
}

type Options struct {
	PollInterval time.Duration
	Budget       time.Duration
	// SharedDir is where a same-host extraction service drops finished audio
	// as <externalID>.<ext>. Empty disables the shortcut.
	SharedDir string
}

type Client struct {
	svc  Service
	dir  *workdir.Dir
	opts Options
	log  *logrus.Entry
}

func New(svc Service, dir *workdir.Dir, opts Options) *Client {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.Budget <= 0 {
		opts.Budget = 10 * time.Minute
	}
	return &Client{svc: svc, dir: dir, opts: opts, log: logger.Component("download")}
}

var safeID = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// DownloadAudio returns a local path holding the audio for the video.
func (c *Client) DownloadAudio(ctx context.Context, videoURL, externalID string) (string, error) {
	log := c.log.WithField("video_id", externalID)

	if p := c.localCopy(externalID); p != "" {
		log.WithField("path", p).Info("using audio already on this host")
		return p, nil
	}

	jobID, err := c.svc.StartExtraction(ctx, videoURL, externalID)
	if err != nil {
		return "", err
	}
	log = log.WithField("job_id", jobID)

	deadline := time.Now().Add(c.opts.Budget)
	ticker := time.NewTicker(c.opts.PollInterval)
	defer ticker.Stop()

	polls := 0
	for {
		select {
		case <-ctx.Done():
			return "", errs.Wrap(errs.Timeout, "download.poll", ctx.Err())
		case <-ticker.C:
		}

		polls++
		job, err := c.svc.JobStatus(ctx, jobID)
		switch {
		case errors.Is(err, extractor.ErrJobNotFound):
			return "", err
		case err != nil:
			log.WithError(err).WithField("poll", polls).Warn("status poll failed, will retry")
		case job.Status == extractor.JobCompleted:
			log.WithField("polls", polls).Info("extraction completed, fetching audio")
			return c.fetch(ctx, jobID, externalID)
		case job.Status == extractor.JobFailed:
			reason := job.Error
			if reason == "" {
				reason = "no reason given"
			}
			return "", errs.E(errs.UpstreamRejected, "download", "extraction job %s failed: %s", jobID, reason)
		default:
			log.WithFields(logrus.Fields{"poll": polls, "status": job.Status}).Debug("extraction in progress")
		}

		if !time.Now().Before(deadline) {
			return "", errs.E(errs.Timeout, "download", "extraction job %s not finished after %s", jobID, c.opts.Budget)
		}
	}
}

func (c *Client) fetch(ctx context.Context, jobID, externalID string) (string, error) {
	dest := c.dir.Path(externalID, ".audio")
	if err := c.svc.FetchArtifact(ctx, jobID, dest); err != nil {
		c.dir.Remove(dest)
		return "", err
	}
	return dest, nil
}

func (c *Client) localCopy(externalID string) string {
	if c.opts.SharedDir == "" || !safeID.MatchString(externalID) {
		return ""
	}
	matches, err := filepath.Glob(filepath.Join(c.opts.SharedDir, externalID+".*"))
	if err != nil {
		return ""
	}
	for _, m := range matches {
		if info, err := os.Stat(m); err == nil && info.Mode().IsRegular() && info.Size() > 0 {
			return m
		}
	}
	return ""
}

// Package extractor talks to the remote video/audio extraction service.
package extractor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/kasparov112000/learnbytesting-video-transcription/internal/errs"
	"github.com/kasparov112000/learnbytesting-video-transcription/internal/logger"
)

// JobStatus is the state of a remote extraction job.
type JobStatus string

const (
	JobPending     JobStatus = "pending"
	JobDownloading JobStatus = "downloading"
	JobCompleted   JobStatus = "completed"
	JobFailed      JobStatus = "failed"
)

// Job is one status report for a remote extraction job.
type Job struct {
	ID     string    `json:"job_id"`
	Status JobStatus `json:"status"`
	Error  string    `json:"error,omitempty"`
}

// VideoInfo describes a source video.
type VideoInfo struct {
	ExternalID      string `json:"video_id"`
	Title           string `json:"title"`
	DurationSeconds int    `json:"duration"`
}

// ErrJobNotFound is the definitive answer that the service has no such job.
var ErrJobNotFound = errors.New("extraction job not found")

type startRequest struct {
	URL     string `json:"url"`
	VideoID string `json:"video_id"`
}

type startResponse struct {
	JobID string `json:"job_id"`
}

// Client is the HTTP implementation of the extraction service.
type Client struct {
	baseURL    string
	httpClient *http.Client
	retryFor   time.Duration
	log        *logrus.Entry
}

// NewClient returns a client for the service at baseURL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		retryFor:   15 * time.Second,
		log:        logger.Component("extractor"),
	}
}

// VideoInfo resolves the external id, title and duration of url.
func (c *Client) VideoInfo(ctx context.Context, videoURL string) (VideoInfo, error) {
	endpoint := c.baseURL + "/info?" + url.Values{"url": {videoURL}}.Encode()
	var info VideoInfo
	err := c.doJSON(ctx, func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	}, &info)
	if err != nil {
		var se *statusError
		if errors.As(err, &se) && (se.code == http.StatusBadRequest || se.code == http.StatusNotFound) {
			return VideoInfo{}, errs.E(errs.Validation, "extractor.info", "cannot resolve video %q: %s", videoURL, se.body)
		}
		return VideoInfo{}, errs.Wrap(errs.UpstreamUnavailable, "extractor.info", err)
	}
	if info.ExternalID == "" {
		return VideoInfo{}, errs.E(errs.Validation, "extractor.info", "no video id for %q", videoURL)
	}
	return info, nil
}

// StartExtraction submits an audio extraction job and returns its id without
// waiting for the job.
func (c *Client) StartExtraction(ctx context.Context, videoURL, externalID string) (string, error) {
	body, err := json.Marshal(startRequest{URL: videoURL, VideoID: externalID})
	if err != nil {
		return "", err
	}
	var resp startResponse
	err = c.doJSON(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/jobs", bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	}, &resp)
	if err != nil {
		var se *statusError
		if errors.As(err, &se) && se.code < 500 {
			return "", errs.Wrap(errs.UpstreamRejected, "extractor.start", err)
		}
		return "", errs.Wrap(errs.UpstreamUnavailable, "extractor.start", err)
	}
	if resp.JobID == "" {
		return "", errs.E(errs.UpstreamRejected, "extractor.start", "service returned no job id")
	}
	c.log.WithFields(logrus.Fields{"video_id": externalID, "job_id": resp.JobID}).Info("extraction job started")
	return resp.JobID, nil
}

// JobStatus performs a single status call. Retrying is the caller's business.
func (c *Client) JobStatus(ctx context.Context, jobID string) (Job, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/jobs/"+url.PathEscape(jobID), nil)
	if err != nil {
		return Job{}, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Job{}, errs.Wrap(errs.UpstreamUnavailable, "extractor.status", err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return Job{}, errs.Wrap(errs.UpstreamRejected, "extractor.status", fmt.Errorf("job %s: %w", jobID, ErrJobNotFound))
	case resp.StatusCode >= 300:
		return Job{}, errs.Wrap(errs.UpstreamUnavailable, "extractor.status", &statusError{code: resp.StatusCode, body: string(data)})
	}

	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return Job{}, errs.Wrap(errs.UpstreamUnavailable, "extractor.status", fmt.Errorf("json decode error: %v body=%s", err, data))
	}
	job.ID = jobID
	return job, nil
}

// FetchArtifact downloads the finished job's audio to dest.
func (c *Client) FetchArtifact(ctx context.Context, jobID, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/jobs/"+url.PathEscape(jobID)+"/audio", nil)
	if err != nil {
		return err
	}
	// Audio can be large, rely on ctx rather than the client timeout.
	resp, err := (&http.Client{Transport: c.httpClient.Transport}).Do(req)
	if err != nil {
		return errs.Wrap(errs.UpstreamUnavailable, "extractor.fetch", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return errs.Wrap(errs.UpstreamRejected, "extractor.fetch", &statusError{code: resp.StatusCode, body: string(b)})
	}

	f, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("create %s: %w", dest, err)
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		os.Remove(dest)
		return errs.Wrap(errs.UpstreamUnavailable, "extractor.fetch", err)
	}
	return f.Close()
}

// Subtitles returns the raw subtitle track for videoURL. ok is false when the
// video has none.
func (c *Client) Subtitles(ctx context.Context, videoURL, lang string) (raw string, ok bool, err error) {
	endpoint := c.baseURL + "/subtitles?" + url.Values{"url": {videoURL}, "lang": {lang}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", false, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", false, errs.Wrap(errs.UpstreamUnavailable, "extractor.subtitles", err)
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusNoContent:
		return "", false, nil
	case resp.StatusCode >= 300:
		b, _ := io.ReadAll(resp.Body)
		return "", false, errs.Wrap(errs.UpstreamUnavailable, "extractor.subtitles", &statusError{code: resp.StatusCode, body: string(b)})
	}
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", false, errs.Wrap(errs.UpstreamUnavailable, "extractor.subtitles", err)
	}
	return string(b), len(bytes.TrimSpace(b)) > 0, nil
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("http %d: %s", e.code, e.body)
}

// doJSON retries transport errors and 5xx responses with exponential backoff.
// 4xx responses are permanent.
func (c *Client) doJSON(ctx context.Context, newReq func() (*http.Request, error), target any) error {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = c.retryFor

	op := func() error {
		req, err := newReq()
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		if resp.StatusCode >= 500 {
			return &statusError{code: resp.StatusCode, body: string(body)}
		}
		if resp.StatusCode >= 300 {
			return backoff.Permanent(&statusError{code: resp.StatusCode, body: string(body)})
		}
		if len(body) == 0 {
			return fmt.Errorf("empty body")
		}
		if err := json.Unmarshal(body, target); err != nil {
			return backoff.Permanent(fmt.Errorf("json decode error: %v body=%s", err, string(body)))
		}
		return nil
	}
	notify := func(err error, wait time.Duration) {
		c.log.WithError(err).WithField("retry_in", wait).Warn("extractor call failed, retrying")
	}
	return backoff.RetryNotify(op, backoff.WithContext(bo, ctx), notify)
}

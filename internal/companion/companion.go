// Package companion creates the linked record in the learning platform once
// a transcript is ready.
package companion

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/kasparov112000/learnbytesting-video-transcription/internal/logger"
)

// Payload describes the finished transcript.
type Payload struct {
	Ref             string `json:"ref,omitempty"`
	TranscriptID    string `json:"transcript_id"`
	ExternalVideoID string `json:"external_video_id"`
	SourceURL       string `json:"source_url"`
	Title           string `json:"title,omitempty"`
	Language        string `json:"language"`
	WordCount       int    `json:"word_count"`
	Text            string `json:"text"`
}

type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	retryFor   time.Duration
	log        *logrus.Entry
}

func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 12 * time.Second},
		retryFor:   30 * time.Second,
		log:        logger.Component("companion"),
	}
}

// Create posts the payload and returns the id of the new companion record.
func (c *Client) Create(ctx context.Context, p Payload) (string, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return "", err
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = c.retryFor

	var out struct {
		ID string `json:"id"`
	}
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/companions", bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		if c.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.apiKey)
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		b, _ := io.ReadAll(resp.Body)
		if resp.StatusCode >= 500 {
			return fmt.Errorf("companion service error %d: %s", resp.StatusCode, string(b))
		}
		if resp.StatusCode >= 300 {
			return backoff.Permanent(fmt.Errorf("companion rejected %d: %s", resp.StatusCode, string(b)))
		}
		if err := json.Unmarshal(b, &out); err != nil {
			return backoff.Permanent(fmt.Errorf("json decode error: %v body=%s", err, string(b)))
		}
		if out.ID == "" {
			return backoff.Permanent(fmt.Errorf("companion response has no id"))
		}
		return nil
	}
	notify := func(err error, wait time.Duration) {
		c.log.WithError(err).WithField("retry_in", wait).Warn("companion create failed, retrying")
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(bo, ctx), notify); err != nil {
		return "", err
	}
	return out.ID, nil
}

package transcribe

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kasparov112000/learnbytesting-video-transcription/internal/errs"
	"github.com/kasparov112000/learnbytesting-video-transcription/internal/logger"
)

// SelfHosted talks to the in-house whisper service. Long recordings can take
// many minutes, so requests only end with the caller's context.
type SelfHosted struct {
	baseURL string
	http    *http.Client
	log     *logrus.Entry
}

func NewSelfHosted(baseURL string) *SelfHosted {
	return &SelfHosted{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{},
		log:     logger.Component("transcribe.selfhosted"),
	}
}

func (s *SelfHosted) Name() string { return NameSelfHosted }

type whisperResponse struct {
	Transcript     string   `json:"transcript"`
	Language       string   `json:"language"`
	Duration       float64  `json:"duration"`
	ProcessingTime *float64 `json:"processing_time"`
}

func (s *SelfHosted) Transcribe(ctx context.Context, audioRef, language string) (Result, error) {
	const op = "selfhosted.transcribe"
	if language == "" {
		language = "en"
	}

	resp, err := uploadFile(ctx, s.http, s.baseURL+"/transcribe", "audio", audioRef,
		map[string]string{"language": language}, nil)
	if err != nil {
		return Result{}, errs.Wrap(errs.UpstreamUnavailable, op, err)
	}
	var out whisperResponse
	if err := decodeResponse(op, resp, &out); err != nil {
		return Result{}, err
	}

	res := Result{Text: strings.TrimSpace(out.Transcript)}
	// Builds without processing_time report elapsed time as duration.
	if out.ProcessingTime != nil {
		res.Duration = time.Duration(out.Duration * float64(time.Second))
	}
	s.log.WithFields(logrus.Fields{
		"language":      out.Language,
		"audio_seconds": res.Duration.Seconds(),
	}).Info("whisper transcription finished")
	return res, nil
}

// Health reports whether the whisper service answers its health check.
func (s *SelfHosted) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return errs.Wrap(errs.UpstreamUnavailable, "selfhosted.health", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errs.E(errs.UpstreamUnavailable, "selfhosted.health", "status %d", resp.StatusCode)
	}
	return nil
}

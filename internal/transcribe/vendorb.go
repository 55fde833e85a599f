package transcribe

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/kasparov112000/learnbytesting-video-transcription/internal/errs"
)

// VendorB posts audio to an OpenAI-style transcription endpoint, which
// refuses payloads above a fixed size.
type VendorB struct {
	url      string
	apiKey   string
	model    string
	maxBytes int64
	http     *http.Client
}

func NewVendorB(url, apiKey, model string, maxBytes int64) *VendorB {
	if model == "" {
		model = "whisper-1"
	}
	if maxBytes <= 0 {
		maxBytes = 25 << 20
	}
	return &VendorB{
		url:      url,
		apiKey:   apiKey,
		model:    model,
		maxBytes: maxBytes,
		http:     &http.Client{Timeout: 10 * time.Minute},
	}
}

func (v *VendorB) Name() string { return NameVendorB }

func (v *VendorB) Transcribe(ctx context.Context, audioRef, language string) (Result, error) {
	const op = "vendor-b.transcribe"
	fi, err := os.Stat(audioRef)
	if err != nil {
		return Result{}, fmt.Errorf("stat audio: %w", err)
	}
	if fi.Size() > v.maxBytes {
		return Result{}, errs.E(errs.UpstreamRejected, op, "audio is %d bytes, limit is %d", fi.Size(), v.maxBytes)
	}

	fields := map[string]string{"model": v.model, "response_format": "json"}
	if language != "" {
		fields["language"] = language
	}
	header := http.Header{"Authorization": {"Bearer " + v.apiKey}}
	resp, err := uploadFile(ctx, v.http, v.url, "file", audioRef, fields, header)
	if err != nil {
		return Result{}, errs.Wrap(errs.UpstreamUnavailable, op, err)
	}

	var out struct {
		Text string `json:"text"`
	}
	if err := decodeResponse(op, resp, &out); err != nil {
		return Result{}, err
	}
	return Result{Text: strings.TrimSpace(out.Text), Duration: audioDuration(fi.Size())}, nil
}

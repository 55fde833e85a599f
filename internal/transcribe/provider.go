// Package transcribe turns audio into text through one of several
// interchangeable providers.
package transcribe

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/kasparov112000/learnbytesting-video-transcription/internal/captions"
	"github.com/kasparov112000/learnbytesting-video-transcription/internal/config"
	"github.com/kasparov112000/learnbytesting-video-transcription/internal/errs"
	"github.com/kasparov112000/learnbytesting-video-transcription/internal/objectstore"
)

// Provider names, as configured with TRANSCRIPTION_PROVIDER and stored on
// completed records.
const (
	NameCaptions   = "captions"
	NameSelfHosted = "selfhosted"
	NameVendorA    = "vendor-a"
	NameVendorB    = "vendor-b"
	NameMock       = "mock"
)

// Result is a finished transcription.
type Result struct {
	Text     string
	Duration time.Duration
}

// Provider transcribes the audio at audioRef. For audio providers audioRef is
// a local file path; the captions provider takes the video URL instead.
type Provider interface {
	Name() string
	Transcribe(ctx context.Context, audioRef, language string) (Result, error)
}

// Deps are the collaborators some providers need.
type Deps struct {
	Captions *captions.Source
	Objects  objectstore.Store
}

// New returns the provider selected by cfg.Provider. With
// cfg.UseMockTranscribe set the mock is returned instead and the configured
// variant is never built, so its keys and collaborators are not required.
func New(cfg config.Config, deps Deps) (Provider, error) {
	if cfg.UseMockTranscribe {
		name := cfg.Provider
		if name == "" {
			name = NameSelfHosted
		}
		return mockInPlaceOf(name, cfg.MockDelay), nil
	}

	var p Provider
	switch cfg.Provider {
	case NameCaptions:
		if deps.Captions == nil {
			return nil, fmt.Errorf("provider %s needs a caption source", cfg.Provider)
		}
		p = NewCaptions(deps.Captions)
	case NameSelfHosted, "":
		p = NewSelfHosted(cfg.WhisperServiceURL)
	case NameVendorA:
		if cfg.VendorAAPIKey == "" {
			return nil, fmt.Errorf("VENDOR_A_API_KEY not set")
		}
		p = NewVendorA(VendorAOptions{
			BaseURL:     cfg.VendorAURL,
			APIKey:      cfg.VendorAAPIKey,
			MaxBytes:    cfg.VendorAMaxBytes,
			MaxDuration: cfg.VendorAMaxDuration,
			Objects:     deps.Objects,
		})
	case NameVendorB:
		if cfg.VendorBAPIKey == "" {
			return nil, fmt.Errorf("VENDOR_B_API_KEY not set")
		}
		p = NewVendorB(cfg.VendorBURL, cfg.VendorBAPIKey, cfg.VendorBModel, cfg.VendorBMaxBytes)
	case NameMock:
		p = NewMock(cfg.MockDelay)
	default:
		return nil, fmt.Errorf("unknown TRANSCRIPTION_PROVIDER %q", cfg.Provider)
	}
	return p, nil
}

// WithMockOverride returns a mock provider in place of p when force is set.
func WithMockOverride(p Provider, force bool, delay time.Duration) Provider {
	if !force {
		return p
	}
	if _, ok := p.(*Mock); ok {
		return p
	}
	return mockInPlaceOf(p.Name(), delay)
}

func mockInPlaceOf(configured string, delay time.Duration) Provider {
	if configured == NameMock {
		return NewMock(delay)
	}
	return &override{configured: configured, Mock: NewMock(delay)}
}

// override keeps the configured name for logging while producing mock text.
type override struct {
	configured string
	*Mock
}

func (o *override) Configured() string { return o.configured }

// uploadFile streams path as a multipart form with the given extra fields.
func uploadFile(ctx context.Context, client *http.Client, url, fileField, path string, fields map[string]string, header http.Header) (*http.Response, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open audio: %w", err)
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		defer f.Close()
		for k, v := range fields {
			if err := mw.WriteField(k, v); err != nil {
				pw.CloseWithError(err)
				return
			}
		}
		part, err := mw.CreateFormFile(fileField, filepath.Base(path))
		if err == nil {
			_, err = io.Copy(part, f)
		}
		if err == nil {
			err = mw.Close()
		}
		pw.CloseWithError(err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, pr)
	if err != nil {
		pr.Close()
		return nil, err
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return client.Do(req)
}

// decodeResponse maps status codes onto error kinds and decodes a 2xx body
// into out. 4xx means the provider refused this input; anything else is
// treated as the provider being unavailable.
func decodeResponse(op string, resp *http.Response, out any) error {
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return errs.E(errs.UpstreamRejected, op, "status %d: %s", resp.StatusCode, errorText(body))
	default:
		return errs.E(errs.UpstreamUnavailable, op, "status %d: %s", resp.StatusCode, errorText(body))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return errs.Wrap(errs.UpstreamUnavailable, op, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

// errorText pulls a message out of the common {"error": ...} shapes.
func errorText(body []byte) string {
	var e struct {
		Error json.RawMessage `json:"error"`
	}
	if json.Unmarshal(body, &e) == nil && len(e.Error) > 0 {
		var s string
		if json.Unmarshal(e.Error, &s) == nil {
			return s
		}
		var obj struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(e.Error, &obj) == nil && obj.Message != "" {
			return obj.Message
		}
	}
	if len(body) > 200 {
		body = body[:200]
	}
	return string(body)
}

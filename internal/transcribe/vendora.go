package transcribe

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/kasparov112000/learnbytesting-video-transcription/internal/errs"
	"github.com/kasparov112000/learnbytesting-video-transcription/internal/logger"
	"github.com/kasparov112000/learnbytesting-video-transcription/internal/objectstore"
)

// Normalized audio is 16-bit mono PCM at 16 kHz behind a 44 byte header.
const (
	wavHeaderBytes  = 44
	wavBytesPerSec  = 16000 * 2
	defaultOpBudget = 2 * time.Hour
)

type VendorAOptions struct {
	BaseURL     string
	APIKey      string
	MaxBytes    int64
	MaxDuration time.Duration
	// Objects holds audio too large for the synchronous endpoint.
	Objects objectstore.Store
	// OperationBudget bounds how long a long-running operation is polled.
	OperationBudget time.Duration
	PollInterval    time.Duration
}

// VendorA is a cloud speech API with a synchronous endpoint for short audio
// and a long-running operation that reads audio from a URL.
type VendorA struct {
	opts VendorAOptions
	http *http.Client
	log  *logrus.Entry
}

func NewVendorA(opts VendorAOptions) *VendorA {
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = 10 << 20
	}
	if opts.MaxDuration <= 0 {
		opts.MaxDuration = time.Minute
	}
	if opts.OperationBudget <= 0 {
		opts.OperationBudget = defaultOpBudget
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	return &VendorA{
		opts: opts,
		http: &http.Client{Timeout: 2 * time.Minute},
		log:  logger.Component("transcribe.vendor-a"),
	}
}

func (v *VendorA) Name() string { return NameVendorA }

type recognitionConfig struct {
	Encoding                   string `json:"encoding"`
	SampleRateHertz            int    `json:"sampleRateHertz"`
	LanguageCode               string `json:"languageCode"`
	EnableAutomaticPunctuation bool   `json:"enableAutomaticPunctuation"`
}

type recognitionAudio struct {
	Content string `json:"content,omitempty"`
	URI     string `json:"uri,omitempty"`
}

type recognizeRequest struct {
	Config recognitionConfig `json:"config"`
	Audio  recognitionAudio  `json:"audio"`
}

type recognizeResponse struct {
	Results []struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"results"`
}

func (r recognizeResponse) text() string {
	parts := make([]string, 0, len(r.Results))
	for _, res := range r.Results {
		if len(res.Alternatives) > 0 {
			if t := strings.TrimSpace(res.Alternatives[0].Transcript); t != "" {
				parts = append(parts, t)
			}
		}
	}
	return strings.Join(parts, " ")
}

type operation struct {
	Name  string `json:"name"`
	Done  bool   `json:"done"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
	Response *recognizeResponse `json:"response,omitempty"`
}

// audioDuration estimates playback time from the size of a normalized WAV.
func audioDuration(size int64) time.Duration {
	if size <= wavHeaderBytes {
		return 0
	}
	return time.Duration(size-wavHeaderBytes) * time.Second / wavBytesPerSec
}

func (v *VendorA) Transcribe(ctx context.Context, audioRef, language string) (Result, error) {
	fi, err := os.Stat(audioRef)
	if err != nil {
		return Result{}, fmt.Errorf("stat audio: %w", err)
	}
	dur := audioDuration(fi.Size())
	cfg := recognitionConfig{
		Encoding:                   "LINEAR16",
		SampleRateHertz:            16000,
		LanguageCode:               language,
		EnableAutomaticPunctuation: true,
	}

	if fi.Size() <= v.opts.MaxBytes && dur <= v.opts.MaxDuration {
		text, err := v.recognize(ctx, cfg, audioRef)
		return Result{Text: text, Duration: dur}, err
	}

	v.log.WithFields(logrus.Fields{"bytes": fi.Size(), "duration": dur.String()}).
		Info("audio above sync limits, using long-running recognition")
	text, err := v.recognizeLong(ctx, cfg, audioRef, fi.Size())
	return Result{Text: text, Duration: dur}, err
}

func (v *VendorA) recognize(ctx context.Context, cfg recognitionConfig, path string) (string, error) {
	const op = "vendor-a.recognize"
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read audio: %w", err)
	}
	var out recognizeResponse
	err = v.call(ctx, op, http.MethodPost, "/v1/speech:recognize", recognizeRequest{
		Config: cfg,
		Audio:  recognitionAudio{Content: base64.StdEncoding.EncodeToString(data)},
	}, &out)
	if err != nil {
		return "", err
	}
	return out.text(), nil
}

// recognizeLong stages the audio in object storage for the duration of the
// operation. The staged object is removed however the operation ends.
func (v *VendorA) recognizeLong(ctx context.Context, cfg recognitionConfig, path string, size int64) (string, error) {
	const op = "vendor-a.longrunning"
	if v.opts.Objects == nil {
		return "", errs.E(errs.UpstreamRejected, op, "audio exceeds the synchronous limit and no temporary storage is configured")
	}

	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open audio: %w", err)
	}
	id, err := v.opts.Objects.Put(ctx, uuid.NewString()+".wav", f, size, "audio/wav")
	f.Close()
	if err != nil {
		return "", errs.Wrap(errs.UpstreamUnavailable, op, err)
	}
	defer func() {
		// The request context may already be done here.
		dctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := v.opts.Objects.Delete(dctx, id); err != nil {
			v.log.WithError(err).WithField("object", id).Warn("could not delete temporary audio object")
		}
	}()

	audioURL, err := v.opts.Objects.ExpiringURL(id, v.opts.OperationBudget)
	if err != nil {
		return "", errs.Wrap(errs.UpstreamUnavailable, op, err)
	}

	var started operation
	if err := v.call(ctx, op, http.MethodPost, "/v1/speech:longrunningrecognize", recognizeRequest{
		Config: cfg,
		Audio:  recognitionAudio{URI: audioURL},
	}, &started); err != nil {
		return "", err
	}
	if started.Name == "" {
		return "", errs.E(errs.UpstreamUnavailable, op, "operation has no name")
	}

	done, err := v.waitOperation(ctx, started.Name)
	if err != nil {
		return "", err
	}
	if done.Error != nil {
		return "", errs.E(errs.UpstreamRejected, op, "operation failed: %s", done.Error.Message)
	}
	if done.Response == nil {
		return "", nil
	}
	return done.Response.text(), nil
}

var errOperationRunning = errors.New("operation still running")

func (v *VendorA) waitOperation(ctx context.Context, name string) (operation, error) {
	const op = "vendor-a.operation"
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = v.opts.PollInterval
	bo.MaxInterval = 6 * v.opts.PollInterval
	bo.MaxElapsedTime = v.opts.OperationBudget

	var last operation
	err := backoff.Retry(func() error {
		var cur operation
		if err := v.call(ctx, op, http.MethodGet, "/v1/operations/"+url.PathEscape(name), nil, &cur); err != nil {
			if errs.Is(err, errs.UpstreamRejected) {
				return backoff.Permanent(err)
			}
			return err
		}
		last = cur
		if !cur.Done {
			return errOperationRunning
		}
		return nil
	}, backoff.WithContext(bo, ctx))
	if errors.Is(err, errOperationRunning) {
		return operation{}, errs.E(errs.Timeout, op, "operation %s not done after %s", name, v.opts.OperationBudget)
	}
	if err != nil {
		if ctx.Err() != nil {
			return operation{}, errs.Wrap(errs.Timeout, op, err)
		}
		return operation{}, err
	}
	return last, nil
}

func (v *VendorA) call(ctx context.Context, op, method, path string, in, out any) error {
	var body *bytes.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	} else {
		body = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, v.opts.BaseURL+path, body)
	if err != nil {
		return err
	}
	q := req.URL.Query()
	q.Set("key", v.opts.APIKey)
	req.URL.RawQuery = q.Encode()
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := v.http.Do(req)
	if err != nil {
		return errs.Wrap(errs.UpstreamUnavailable, op, err)
	}
	return decodeResponse(op, resp, out)
}

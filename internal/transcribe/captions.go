package transcribe

import (
	"context"

	"github.com/kasparov112000/learnbytesting-video-transcription/internal/captions"
	"github.com/kasparov112000/learnbytesting-video-transcription/internal/errs"
)

// Captions "transcribes" by looking up the video's existing subtitle track.
type Captions struct {
	src *captions.Source
}

func NewCaptions(src *captions.Source) *Captions {
	return &Captions{src: src}
}

func (c *Captions) Name() string { return NameCaptions }

// Transcribe expects audioRef to be the video URL.
func (c *Captions) Transcribe(ctx context.Context, audioRef, language string) (Result, error) {
	text, err := c.src.Fetch(ctx, audioRef, language)
	if err != nil {
		return Result{}, errs.Wrap(errs.UpstreamUnavailable, "captions.fetch", err)
	}
	if text == "" {
		return Result{}, errs.E(errs.UpstreamRejected, "captions.fetch", "no captions available for %s", language)
	}
	return Result{Text: text}, nil
}

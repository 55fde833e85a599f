package transcribe

import (
	"context"
	"time"

	"github.com/kasparov112000/learnbytesting-video-transcription/internal/errs"
)

// MockText is what the mock provider returns for every input.
const MockText = "MOCK TRANSCRIPT: this lesson covers the opening, the middlegame and the endgame."

// Mock returns canned text after a short delay. It never calls out.
type Mock struct {
	Text  string
	Delay time.Duration
}

func NewMock(delay time.Duration) *Mock {
	return &Mock{Text: MockText, Delay: delay}
}

func (m *Mock) Name() string { return NameMock }

func (m *Mock) Transcribe(ctx context.Context, audioRef, language string) (Result, error) {
	if m.Delay > 0 {
		t := time.NewTimer(m.Delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return Result{}, errs.Wrap(errs.Timeout, "mock.transcribe", ctx.Err())
		case <-t.C:
		}
	}
	return Result{Text: m.Text, Duration: m.Delay}, nil
}

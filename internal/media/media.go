// Package media normalizes downloaded audio into the format the speech
// providers expect.
package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/kasparov112000/learnbytesting-video-transcription/internal/logger"
	"github.com/kasparov112000/learnbytesting-video-transcription/internal/workdir"
)

type commandResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

type commandRunner interface {
	Run(ctx context.Context, name string, args ...string) (commandResult, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) (commandResult, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := commandResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		res.ExitCode = -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
		}
		return res, err
	}
	return res, nil
}

// Normalizer converts arbitrary audio into mono 16 kHz WAV with ffmpeg.
type Normalizer struct {
	ffmpegPath string
	dir        *workdir.Dir
	runner     commandRunner
	log        *logrus.Entry
}

func NewNormalizer(ffmpegPath string, dir *workdir.Dir) *Normalizer {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	return &Normalizer{ffmpegPath: ffmpegPath, dir: dir, runner: execRunner{}, log: logger.Component("media")}
}

// Convert writes a normalized copy of in to the work dir and returns its path.
// The input is left in place.
func (n *Normalizer) Convert(ctx context.Context, in string) (string, error) {
	out := n.dir.Path("normalized", ".wav")

	res, err := n.runner.Run(ctx, n.ffmpegPath,
		"-y", "-hide_banner", "-loglevel", "error",
		"-i", in,
		"-vn", "-ac", "1", "-ar", "16000",
		"-f", "wav",
		out,
	)
	if err != nil {
		n.dir.Remove(out)
		return "", fmt.Errorf("ffmpeg exited %d: %s: %w", res.ExitCode, tail(res.Stderr), err)
	}
	n.log.WithFields(logrus.Fields{"in": in, "out": out}).Debug("audio normalized")
	return out, nil
}

// tail keeps the last line of ffmpeg's stderr, which carries the reason.
func tail(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}

// Package workdir manages the temporary file area shared by concurrent jobs.
package workdir

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/kasparov112000/learnbytesting-video-transcription/internal/logger"
)

// Dir is a working directory. Every path it hands out embeds a fresh uuid so
// concurrent jobs never collide.
type Dir struct {
	root string
	log  *logrus.Entry
}

func New(root string) (*Dir, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create work dir %s: %w", root, err)
	}
	return &Dir{root: root, log: logger.Component("workdir")}, nil
}

func (d *Dir) Root() string {
	return d.root
}

// Path returns a unique, not yet created path like <root>/<prefix>-<uuid><ext>.
func (d *Dir) Path(prefix, ext string) string {
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return filepath.Join(d.root, fmt.Sprintf("%s-%s%s", sanitize(prefix), uuid.NewString(), ext))
}

// Owns reports whether path lives inside the work dir.
func (d *Dir) Owns(path string) bool {
	rel, err := filepath.Rel(d.root, path)
	return err == nil && rel != "." && !strings.HasPrefix(rel, "..")
}

// Remove deletes paths, ignoring ones that are already gone. Other failures
// are logged and otherwise ignored.
func (d *Dir) Remove(paths ...string) {
	for _, p := range paths {
		if p == "" {
			continue
		}
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			d.log.WithError(err).WithField("path", p).Warn("could not delete temp file")
		}
	}
}

// RemoveOlderThan deletes regular files last modified before cutoff and
// returns how many were removed.
func (d *Dir) RemoveOlderThan(cutoff time.Time) (int, error) {
	entries, err := os.ReadDir(d.root)
	if err != nil {
		return 0, fmt.Errorf("read work dir: %w", err)
	}
	removed := 0
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			p := filepath.Join(d.root, e.Name())
			if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
				d.log.WithError(err).WithField("path", p).Warn("could not delete stale file")
				continue
			}
			removed++
		}
	}
	return removed, nil
}

func sanitize(s string) string {
	if s == "" {
		return "audio"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, s)
}

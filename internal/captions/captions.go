// Package captions fetches existing subtitle tracks and flattens them to
// plain text.
package captions

import (
	"context"
	"encoding/xml"
	"html"
	"regexp"
	"strings"
)

// Fetcher returns the raw subtitle track of a video. ok is false when none
// exists.
type Fetcher interface {
	Subtitles(ctx context.Context, videoURL, lang string) (raw string, ok bool, err error)
}

// Source is the caption collaborator used by the pipeline.
type Source struct {
	fetcher Fetcher
}

func NewSource(f Fetcher) *Source {
	return &Source{fetcher: f}
}

// Fetch returns the plain text of the video's captions, "" when there are none.
func (s *Source) Fetch(ctx context.Context, videoURL, lang string) (string, error) {
	raw, ok, err := s.fetcher.Subtitles(ctx, videoURL, lang)
	if err != nil || !ok {
		return "", err
	}
	return ToPlainText(raw), nil
}

// timedText is the XML caption format served by YouTube.
type timedText struct {
	Entries []struct {
		Text  string  `xml:",chardata"`
		Start float64 `xml:"start,attr"`
		Dur   float32 `xml:"dur,attr"`
	} `xml:"text"`
}

var (
	inlineTag  = regexp.MustCompile(`<[^>]*>`)
	cueIndex   = regexp.MustCompile(`^\d+$`)
	whitespace = regexp.MustCompile(`\s+`)
)

// ToPlainText strips cue indices, timestamps and markup from an SRT, WebVTT
// or timedtext XML track and joins the spoken lines with single spaces.
func ToPlainText(raw string) string {
	raw = strings.TrimPrefix(raw, "\uFEFF")
	trimmed := strings.TrimSpace(raw)
	if strings.HasPrefix(trimmed, "<?xml") || strings.HasPrefix(trimmed, "<transcript") {
		if text, ok := fromTimedText(trimmed); ok {
			return text
		}
	}

	var lines []string
	skipBlock := false
	all := strings.Split(strings.ReplaceAll(raw, "\r\n", "\n"), "\n")
	for i, line := range all {
		line = strings.TrimSpace(line)
		if line == "" {
			skipBlock = false
			continue
		}
		if skipBlock {
			continue
		}
		switch {
		case strings.HasPrefix(line, "WEBVTT"),
			strings.HasPrefix(line, "Kind:"),
			strings.HasPrefix(line, "Language:"):
			continue
		case strings.HasPrefix(line, "NOTE"), line == "STYLE", line == "REGION":
			skipBlock = true
			continue
		case strings.Contains(line, "-->"):
			continue
		case cueIndex.MatchString(line) && i+1 < len(all) && strings.Contains(all[i+1], "-->"):
			continue
		}

		text := cleanLine(line)
		// Rolling auto captions repeat the previous line.
		if text == "" || (len(lines) > 0 && lines[len(lines)-1] == text) {
			continue
		}
		lines = append(lines, text)
	}
	return strings.Join(lines, " ")
}

func fromTimedText(raw string) (string, bool) {
	var tt timedText
	if err := xml.Unmarshal([]byte(raw), &tt); err != nil || len(tt.Entries) == 0 {
		return "", false
	}
	parts := make([]string, 0, len(tt.Entries))
	for _, e := range tt.Entries {
		if text := cleanLine(html.UnescapeString(e.Text)); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, " "), true
}

func cleanLine(line string) string {
	line = inlineTag.ReplaceAllString(line, "")
	line = html.UnescapeString(line)
	return strings.TrimSpace(whitespace.ReplaceAllString(line, " "))
}

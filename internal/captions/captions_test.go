package captions

import (
	"context"
	"errors"
	"testing"
)

func TestToPlainTextSRT(t *testing.T) {
	raw := "1\r\n00:00:01,000 --> 00:00:03,000\r\nWelcome to the\r\nSicilian Defense\r\n\r\n2\r\n00:00:03,500 --> 00:00:05,000\r\n<i>e4 c5</i> &amp; more\r\n"
	want := "Welcome to the Sicilian Defense e4 c5 & more"
	if got := ToPlainText(raw); got != want {
		t.Fatalf("ToPlainText() = %q, want %q", got, want)
	}
}

func TestToPlainTextLeadingBOM(t *testing.T) {
	raw := "\uFEFF1\n00:00:01,000 --> 00:00:02,000\nCastle early\n"
	if got := ToPlainText(raw); got != "Castle early" {
		t.Fatalf("ToPlainText() = %q", got)
	}
	if got := ToPlainText("\uFEFFWEBVTT\n\n00:00.000 --> 00:01.000\nrooks connect\n"); got != "rooks connect" {
		t.Fatalf("vtt ToPlainText() = %q", got)
	}
}

func TestToPlainTextKeepsSpokenNumbers(t *testing.T) {
	raw := "1\n00:00:01,000 --> 00:00:02,000\nThe answer is\n42\n\n2\n00:00:02,000 --> 00:00:03,000\nmoves deep\n"
	want := "The answer is 42 moves deep"
	if got := ToPlainText(raw); got != want {
		t.Fatalf("ToPlainText() = %q, want %q", got, want)
	}
}

func TestToPlainTextVTT(t *testing.T) {
	raw := `WEBVTT
Kind: captions
Language: en

NOTE this block
is ignored

STYLE
::cue { color: lime }

00:00:00.000 --> 00:00:02.000 align:start position:0%
hello<00:00:00.500><c> world</c>

00:00:02.000 --> 00:00:04.000
hello world

00:00:04.000 --> 00:00:06.000
again
`
	if got := ToPlainText(raw); got != "hello world again" {
		t.Fatalf("ToPlainText() = %q", got)
	}
}

func TestToPlainTextTimedText(t *testing.T) {
	raw := `<?xml version="1.0" encoding="utf-8" ?><transcript><text start="0.5" dur="1.2">castle &amp;#39;early&amp;#39;</text><text start="2" dur="1">control the center</text></transcript>`
	if got := ToPlainText(raw); got != "castle 'early' control the center" {
		t.Fatalf("ToPlainText() = %q", got)
	}
}

func TestToPlainTextEmpty(t *testing.T) {
	if got := ToPlainText("WEBVTT\n\n"); got != "" {
		t.Fatalf("ToPlainText() = %q, want empty", got)
	}
}

type fakeFetcher struct {
	raw string
	ok  bool
	err error
}

func (f fakeFetcher) Subtitles(ctx context.Context, videoURL, lang string) (string, bool, error) {
	return f.raw, f.ok, f.err
}

func TestSourceFetch(t *testing.T) {
	text, err := NewSource(fakeFetcher{raw: "1\n00:00:00,000 --> 00:00:01,000\nhi\n", ok: true}).Fetch(context.Background(), "u", "en")
	if err != nil || text != "hi" {
		t.Fatalf("Fetch() = %q, %v", text, err)
	}
	text, err = NewSource(fakeFetcher{}).Fetch(context.Background(), "u", "en")
	if err != nil || text != "" {
		t.Fatalf("no captions = %q, %v", text, err)
	}
	if _, err := NewSource(fakeFetcher{err: errors.New("down")}).Fetch(context.Background(), "u", "en"); err == nil {
		t.Fatal("expected fetch error")
	}
}

package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/kasparov112000/learnbytesting-video-transcription/internal/companion"
	"github.com/kasparov112000/learnbytesting-video-transcription/internal/transcribe"
	"github.com/kasparov112000/learnbytesting-video-transcription/internal/types"
	"github.com/kasparov112000/learnbytesting-video-transcription/internal/workdir"
)

type snapshot struct {
	status   types.Status
	progress int
}

type recordingStore struct {
	mu      sync.Mutex
	history []snapshot
	last    types.TranscriptRecord
	failAt  int
}

func (s *recordingStore) Update(ctx context.Context, rec *types.TranscriptRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAt > 0 && len(s.history)+1 == s.failAt {
		s.failAt = 0
		return errors.New("database is locked")
	}
	s.history = append(s.history, snapshot{rec.Status, rec.ProgressPercent})
	s.last = *rec
	return nil
}

type fakeCaptions struct {
	text  string
	err   error
	calls int
}

func (f *fakeCaptions) Fetch(ctx context.Context, videoURL, lang string) (string, error) {
	f.calls++
	return f.text, f.err
}

type fakeDownloader struct {
	path  string
	err   error
	calls int
}

func (f *fakeDownloader) DownloadAudio(ctx context.Context, videoURL, externalID string) (string, error) {
	f.calls++
	return f.path, f.err
}

type passthrough struct{ calls int }

func (p *passthrough) Convert(ctx context.Context, in string) (string, error) {
	p.calls++
	return in, nil
}

type fakeProvider struct {
	name  string
	text  string
	err   error
	calls int
	got   string
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Transcribe(ctx context.Context, audioRef, language string) (transcribe.Result, error) {
	f.calls++
	f.got = audioRef
	return transcribe.Result{Text: f.text, Duration: 3 * time.Second}, f.err
}

type fakeCompanion struct {
	id  string
	err error
	got companion.Payload
}

func (f *fakeCompanion) Create(ctx context.Context, p companion.Payload) (string, error) {
	f.got = p
	return f.id, f.err
}

func newRecord() *types.TranscriptRecord {
	return &types.TranscriptRecord{
		ID:              "t-1",
		SourceURL:       "https://www.youtube.com/watch?v=video-A",
		ExternalVideoID: "video-A",
		Language:        "en",
		Status:          types.StatusPending,
		CompanionRef:    "lesson-1",
	}
}

func assertMonotonic(t *testing.T, history []snapshot) {
	t.Helper()
	prev := 0
	for _, s := range history {
		if s.status == types.StatusFailed {
			continue
		}
		if s.progress < prev {
			t.Fatalf("progress went backwards: %v", history)
		}
		prev = s.progress
	}
}

func TestCaptionsShortCircuitAudio(t *testing.T) {
	caps := &fakeCaptions{text: "already captioned lesson"}
	dl := &fakeDownloader{}
	prov := &fakeProvider{name: "selfhosted"}
	st := &recordingStore{}
	r := New(Deps{Captions: caps, Normalizer: &passthrough{}, Provider: prov})

	r.Run(context.Background(), st, newRecord(), DownloadByURL(dl))

	if dl.calls != 0 || prov.calls != 0 {
		t.Fatalf("audio stages ran: download=%d transcribe=%d", dl.calls, prov.calls)
	}
	got := st.last
	if got.Status != types.StatusCompleted || got.Provider != types.ProviderCaptions || got.WordCount != 3 || got.ProgressPercent != 100 {
		t.Fatalf("record = %+v", got)
	}
	if got.CompletedAt == nil || got.ErrorMessage != "" {
		t.Fatalf("completed invariants broken: %+v", got)
	}
	want := []snapshot{{types.StatusProcessing, 10}, {types.StatusCompleted, 100}}
	if len(st.history) != 2 || st.history[0] != want[0] || st.history[1] != want[1] {
		t.Fatalf("history = %v", st.history)
	}
}

func TestAudioPathEndToEnd(t *testing.T) {
	caps := &fakeCaptions{err: errors.New("subtitle service down")}
	dl := &fakeDownloader{path: "/shared/video-A.m4a"}
	norm := &passthrough{}
	prov := &fakeProvider{name: "selfhosted", text: "hello world"}
	comp := &fakeCompanion{id: "cmp-1"}
	st := &recordingStore{}
	r := New(Deps{Captions: caps, Normalizer: norm, Provider: prov, Companion: comp})

	r.Run(context.Background(), st, newRecord(), DownloadByURL(dl))

	got := st.last
	if got.Status != types.StatusCompleted || got.TranscriptText != "hello world" || got.WordCount != 2 || got.ProgressPercent != 100 {
		t.Fatalf("record = %+v", got)
	}
	if got.Provider != "selfhosted" || got.SearchableText != "hello world" || got.DurationSeconds != 3 {
		t.Fatalf("record = %+v", got)
	}
	if got.LinkedCompanionID != "cmp-1" || comp.got.Ref != "lesson-1" || comp.got.TranscriptID != "t-1" {
		t.Fatalf("companion link = %q payload %+v", got.LinkedCompanionID, comp.got)
	}
	if prov.got != "/shared/video-A.m4a" {
		t.Fatalf("provider got %q", prov.got)
	}

	var progress []int
	for _, s := range st.history {
		progress = append(progress, s.progress)
	}
	want := []int{10, 30, 50, 90, 100, 100}
	if len(progress) != len(want) {
		t.Fatalf("progress = %v, want %v", progress, want)
	}
	for i := range want {
		if progress[i] != want[i] {
			t.Fatalf("progress = %v, want %v", progress, want)
		}
	}
	assertMonotonic(t, st.history)
}

func TestFailureRecordsCauseAndCleansTempFiles(t *testing.T) {
	dir, err := workdir.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	audio := dir.Path("video-A", ".audio")
	if err := os.WriteFile(audio, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	prov := &fakeProvider{name: "vendor-b", err: errors.New("audio is 30000000 bytes, limit is 26214400")}
	st := &recordingStore{}
	r := New(Deps{Captions: &fakeCaptions{}, Normalizer: &passthrough{}, Provider: prov, Dir: dir})

	r.Run(context.Background(), st, newRecord(), DownloadByURL(&fakeDownloader{path: audio}))

	got := st.last
	if got.Status != types.StatusFailed || got.ProgressPercent != 0 || got.CompletedAt != nil {
		t.Fatalf("record = %+v", got)
	}
	if got.ErrorMessage != prov.err.Error() {
		t.Fatalf("error message = %q", got.ErrorMessage)
	}
	if _, err := os.Stat(audio); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("temp audio should be removed, stat err = %v", err)
	}
	if got.AudioFilePath != "" {
		t.Fatalf("audio path = %q, want cleared", got.AudioFilePath)
	}
	assertMonotonic(t, st.history)
}

func TestProvidedFileSkipsCaptionsAndKeepsOperatorFile(t *testing.T) {
	dir, err := workdir.New(filepath.Join(t.TempDir(), "work"))
	if err != nil {
		t.Fatal(err)
	}
	supplied := filepath.Join(t.TempDir(), "upload.mp3")
	if err := os.WriteFile(supplied, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	caps := &fakeCaptions{text: "should not be used"}
	prov := &fakeProvider{name: "selfhosted", text: "manual audio"}
	st := &recordingStore{}
	r := New(Deps{Captions: caps, Normalizer: &passthrough{}, Provider: prov, Dir: dir})

	rec := newRecord()
	rec.Status = types.StatusPendingDownload
	r.Run(context.Background(), st, rec, ProvidedFile(supplied))

	if caps.calls != 0 {
		t.Fatal("provided audio must not consult captions")
	}
	if st.last.Status != types.StatusCompleted || st.last.TranscriptText != "manual audio" {
		t.Fatalf("record = %+v", st.last)
	}
	if _, err := os.Stat(supplied); err != nil {
		t.Fatalf("operator file removed: %v", err)
	}
	if st.last.AudioFilePath != supplied {
		t.Fatalf("audio path = %q", st.last.AudioFilePath)
	}
}

func TestCompanionFailureDoesNotFailJob(t *testing.T) {
	st := &recordingStore{}
	r := New(Deps{
		Captions:  &fakeCaptions{text: "some words"},
		Provider:  &fakeProvider{name: "selfhosted"},
		Companion: &fakeCompanion{err: errors.New("503")},
	})
	r.Run(context.Background(), st, newRecord(), DownloadByURL(&fakeDownloader{}))
	if st.last.Status != types.StatusCompleted || st.last.LinkedCompanionID != "" {
		t.Fatalf("record = %+v", st.last)
	}
}

func TestCaptionsOnlyProviderFailsWithoutCaptions(t *testing.T) {
	dl := &fakeDownloader{}
	prov := &fakeProvider{name: transcribe.NameCaptions, err: errors.New("no captions available for en")}
	st := &recordingStore{}
	r := New(Deps{Captions: &fakeCaptions{}, Provider: prov})

	r.Run(context.Background(), st, newRecord(), DownloadByURL(dl))

	if dl.calls != 0 {
		t.Fatal("captions-only deployment must not download audio")
	}
	if st.last.Status != types.StatusFailed || prov.got != newRecord().SourceURL {
		t.Fatalf("record = %+v, provider got %q", st.last, prov.got)
	}
}

func TestStoreErrorMidRunFailsRecord(t *testing.T) {
	st := &recordingStore{failAt: 2}
	r := New(Deps{Captions: &fakeCaptions{}, Normalizer: &passthrough{}, Provider: &fakeProvider{name: "selfhosted", text: "x"}})
	r.Run(context.Background(), st, newRecord(), DownloadByURL(&fakeDownloader{path: "/a"}))
	if st.last.Status != types.StatusFailed || st.last.ErrorMessage != "database is locked" {
		t.Fatalf("record = %+v", st.last)
	}
}

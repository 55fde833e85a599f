package sweeper

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/kasparov112000/learnbytesting-video-transcription/internal/types"
	"github.com/kasparov112000/learnbytesting-video-transcription/internal/workdir"
)

type fakeStore struct {
	mu      sync.Mutex
	stale   []*types.TranscriptRecord
	listErr error
	updated []string
	before  time.Time
}

func (f *fakeStore) ListStale(ctx context.Context, status types.Status, before time.Time) ([]*types.TranscriptRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if status != types.StatusFailed {
		return nil, errors.New("unexpected status")
	}
	f.before = before
	return f.stale, f.listErr
}

func (f *fakeStore) Update(ctx context.Context, rec *types.TranscriptRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updated = append(f.updated, rec.ID+":"+rec.AudioFilePath)
	return nil
}

func touch(t *testing.T, path string, age time.Duration) {
	t.Helper()
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	old := time.Now().Add(-age)
	if err := os.Chtimes(path, old, old); err != nil {
		t.Fatal(err)
	}
}

func TestSweepOnce(t *testing.T) {
	dir, err := workdir.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	oldFile := dir.Path("old", ".audio")
	freshFile := dir.Path("fresh", ".audio")
	failedAudio := dir.Path("failed", ".audio")
	touch(t, oldFile, 48*time.Hour)
	touch(t, freshFile, time.Minute)
	touch(t, failedAudio, time.Minute)

	st := &fakeStore{stale: []*types.TranscriptRecord{
		{ID: "a", Status: types.StatusFailed, AudioFilePath: failedAudio},
		{ID: "b", Status: types.StatusFailed},
		{ID: "c", Status: types.StatusFailed, AudioFilePath: "/operator/upload.mp3"},
	}}
	now := time.Now()
	s := New(dir, st, time.Hour, 24*time.Hour)
	s.now = func() time.Time { return now }

	res := s.SweepOnce(context.Background())
	if res.Files != 1 || res.Records != 2 {
		t.Fatalf("result = %+v", res)
	}
	if !st.before.Equal(now.Add(-24 * time.Hour)) {
		t.Fatalf("cutoff = %s", st.before)
	}
	for _, p := range []string{oldFile, failedAudio} {
		if _, err := os.Stat(p); !errors.Is(err, os.ErrNotExist) {
			t.Errorf("%s should be gone, stat err = %v", p, err)
		}
	}
	if _, err := os.Stat(freshFile); err != nil {
		t.Fatalf("fresh file removed: %v", err)
	}
	if len(st.updated) != 2 || st.updated[0] != "a:" || st.updated[1] != "c:" {
		t.Fatalf("updated = %v", st.updated)
	}
}

func TestSweepOnceSurvivesStoreErrors(t *testing.T) {
	dir, err := workdir.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	s := New(dir, &fakeStore{listErr: errors.New("database is closed")}, time.Hour, time.Hour)
	if res := s.SweepOnce(context.Background()); res.Records != 0 {
		t.Fatalf("result = %+v", res)
	}
}

func TestStartStop(t *testing.T) {
	dir, err := workdir.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	s := New(dir, &fakeStore{}, time.Hour, time.Hour)
	s.Start()
	s.Start()
	if !s.Started() {
		t.Fatal("sweeper should be running")
	}
	s.Stop(time.Second)

	deadline := time.Now().Add(time.Second)
	for s.Started() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if s.Started() {
		t.Fatal("sweeper still running after Stop")
	}
}

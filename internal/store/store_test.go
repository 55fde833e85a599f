package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/kasparov112000/learnbytesting-video-transcription/internal/errs"
	"github.com/kasparov112000/learnbytesting-video-transcription/internal/types"
)

func openTestStore(t *testing.T) *DB {
	t.Helper()
	s, err := Open(context.Background(), types.OriginLocal, "file:"+filepath.Join(t.TempDir(), "transcripts.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newRecord(videoID string, status types.Status) *types.TranscriptRecord {
	return &types.TranscriptRecord{
		ID:              uuid.NewString(),
		SourceURL:       "https://www.youtube.com/watch?v=" + videoID,
		ExternalVideoID: videoID,
		Language:        "en",
		Status:          status,
	}
}

func TestCreateGetRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rec := newRecord("vid-1", types.StatusPending)
	rec.Title = "Opening principles"
	rec.CompanionRef = "lesson-42"
	if err := s.Create(ctx, rec); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	got, err := s.Get(ctx, rec.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Title != "Opening principles" || got.Status != types.StatusPending || got.CompanionRef != "lesson-42" {
		t.Fatalf("got %+v", got)
	}
	if got.RequestOrigin != types.OriginLocal {
		t.Fatalf("origin = %q, want local", got.RequestOrigin)
	}
	if got.CompletedAt != nil || got.ProcessingStartedAt != nil {
		t.Fatal("timestamps should be unset for a new record")
	}
}

func TestGetUnknownIsNotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Get(context.Background(), "missing")
	if !errs.Is(err, errs.NotFound) {
		t.Fatalf("err = %v, want not found", err)
	}
	if err := s.Delete(context.Background(), "missing"); !errs.Is(err, errs.NotFound) {
		t.Fatalf("delete err = %v, want not found", err)
	}
}

func TestActiveVideoIsUnique(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first := newRecord("vid-2", types.StatusProcessing)
	if err := s.Create(ctx, first); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	err := s.Create(ctx, newRecord("vid-2", types.StatusPending))
	if !errors.Is(err, ErrDuplicateVideo) || !errs.Is(err, errs.StateConflict) {
		t.Fatalf("second create err = %v, want duplicate", err)
	}

	first.Status = types.StatusFailed
	first.ErrorMessage = "boom"
	if err := s.Update(ctx, first); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if _, err := s.FindActiveByVideoID(ctx, "vid-2"); !errs.Is(err, errs.NotFound) {
		t.Fatalf("find after failure err = %v, want not found", err)
	}

	again := newRecord("vid-2", types.StatusPending)
	if err := s.Create(ctx, again); err != nil {
		t.Fatalf("create after failure error = %v", err)
	}
	active, err := s.FindActiveByVideoID(ctx, "vid-2")
	if err != nil {
		t.Fatalf("FindActiveByVideoID() error = %v", err)
	}
	if active.ID != again.ID {
		t.Fatalf("active id = %s, want %s", active.ID, again.ID)
	}
}

func TestUpdateCompletedFields(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rec := newRecord("vid-3", types.StatusProcessing)
	started := time.Now()
	rec.ProcessingStartedAt = &started
	if err := s.Create(ctx, rec); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	done := time.Now()
	rec.Status = types.StatusCompleted
	rec.ProgressPercent = 100
	rec.TranscriptText = "knights before bishops"
	rec.WordCount = 3
	rec.SearchableText = "knight befor bishop"
	rec.Provider = "selfhosted"
	rec.CompletedAt = &done
	if err := s.Update(ctx, rec); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	got, err := s.Get(ctx, rec.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.CompletedAt == nil || got.ProgressPercent != 100 || got.WordCount != 3 {
		t.Fatalf("got %+v", got)
	}
	if !got.CompletedAt.Equal(timestamp(done)) {
		t.Fatalf("completed_at = %s, want %s", got.CompletedAt, timestamp(done))
	}

	found, err := s.SearchCompleted(ctx, []string{"knight", "bishop"})
	if err != nil {
		t.Fatalf("SearchCompleted() error = %v", err)
	}
	if len(found) != 1 || found[0].ID != rec.ID {
		t.Fatalf("search = %v", found)
	}
	if found, _ := s.SearchCompleted(ctx, []string{"queen"}); len(found) != 0 {
		t.Fatalf("unexpected match %v", found)
	}
}

func TestListsAndCounts(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i, status := range []types.Status{types.StatusPendingDownload, types.StatusPendingDownload, types.StatusFailed} {
		rec := newRecord(uuid.NewString()[:8], status)
		rec.CreatedAt = time.Now().Add(time.Duration(i) * time.Second)
		if err := s.Create(ctx, rec); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
	}

	pending, err := s.ListByStatus(ctx, types.StatusPendingDownload)
	if err != nil {
		t.Fatalf("ListByStatus() error = %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("pending = %d, want 2", len(pending))
	}

	stale, err := s.ListStale(ctx, types.StatusFailed, time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("ListStale() error = %v", err)
	}
	if len(stale) != 1 {
		t.Fatalf("stale = %d, want 1", len(stale))
	}
	if fresh, _ := s.ListStale(ctx, types.StatusFailed, time.Now().Add(-time.Hour)); len(fresh) != 0 {
		t.Fatalf("records updated now should not be stale: %v", fresh)
	}

	counts, err := s.CountByStatusAndProvider(ctx)
	if err != nil {
		t.Fatalf("CountByStatusAndProvider() error = %v", err)
	}
	total := 0
	for _, c := range counts {
		total += c.N
	}
	if total != 3 {
		t.Fatalf("total = %d, want 3", total)
	}
}

func TestRebindForPostgres(t *testing.T) {
	s := &DB{dialect: Postgres}
	got := s.rebind("SELECT a FROM t WHERE b = ? AND c LIKE ?")
	if got != "SELECT a FROM t WHERE b = $1 AND c LIKE $2" {
		t.Fatalf("rebind = %q", got)
	}
	lite := &DB{dialect: SQLite}
	if q := "x = ?"; lite.rebind(q) != q {
		t.Fatal("sqlite queries must not be rewritten")
	}
}

func TestDialectFor(t *testing.T) {
	cases := map[string]Dialect{
		"postgres://u:p@db/transcripts":   Postgres,
		"postgresql://u:p@db/transcripts": Postgres,
		"file:local.db":                   SQLite,
		"/var/lib/transcripts.db":         SQLite,
	}
	for dsn, want := range cases {
		if got := DialectFor(dsn); got != want {
			t.Errorf("DialectFor(%q) = %q, want %q", dsn, got, want)
		}
	}
}

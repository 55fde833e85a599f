// Package store persists TranscriptRecords in a SQL database. The same schema
// backs both the local (SQLite) and production (PostgreSQL) stores.
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"
	"github.com/sirupsen/logrus"

	"github.com/kasparov112000/learnbytesting-video-transcription/internal/errs"
	"github.com/kasparov112000/learnbytesting-video-transcription/internal/logger"
	"github.com/kasparov112000/learnbytesting-video-transcription/internal/types"
)

//go:embed migrations/*.sql
var migrations embed.FS

// ErrDuplicateVideo is returned by Create when another non-failed record
// already exists for the same external video id.
var ErrDuplicateVideo = errors.New("active record already exists for video")

// Store is the record persistence contract used by the orchestrator.
type Store interface {
	Create(ctx context.Context, rec *types.TranscriptRecord) error
	Get(ctx context.Context, id string) (*types.TranscriptRecord, error)
	// FindActiveByVideoID returns the non-failed record for the video, or a
	// NotFound error.
	FindActiveByVideoID(ctx context.Context, externalVideoID string) (*types.TranscriptRecord, error)
	Update(ctx context.Context, rec *types.TranscriptRecord) error
	Delete(ctx context.Context, id string) error
	ListByStatus(ctx context.Context, status types.Status) ([]*types.TranscriptRecord, error)
	// ListStale returns records in status last updated before the cutoff.
	ListStale(ctx context.Context, status types.Status, before time.Time) ([]*types.TranscriptRecord, error)
	// SearchCompleted returns completed records whose searchable text
	// contains every word.
	SearchCompleted(ctx context.Context, words []string) ([]*types.TranscriptRecord, error)
	CountByStatusAndProvider(ctx context.Context) ([]Count, error)
	Close() error
}

// Count is one group of CountByStatusAndProvider.
type Count struct {
	Status   types.Status
	Provider string
	N        int
}

// Dialect is a goose dialect name and database/sql driver name.
type Dialect string

const (
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite3"
)

// DialectFor infers the dialect from a connection string.
func DialectFor(dsn string) Dialect {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return Postgres
	}
	return SQLite
}

// DB is the SQL implementation of Store.
type DB struct {
	db      *sql.DB
	dialect Dialect
	origin  types.Origin
	log     *logrus.Entry
}

var _ Store = (*DB)(nil)

// Open connects, pings and migrates a store. It respects ctx for the ping.
func Open(ctx context.Context, origin types.Origin, dsn string) (*DB, error) {
	dialect := DialectFor(dsn)
	db, err := sql.Open(string(dialect), dsn)
	if err != nil {
		return nil, fmt.Errorf("opening %s store: %w", origin, err)
	}
	if dialect == SQLite {
		// SQLite serializes writers, a single connection avoids SQLITE_BUSY.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging %s store: %w", origin, err)
	}

	s := New(db, dialect, origin)
	if err := s.Migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an already open database. The schema is expected to exist.
func New(db *sql.DB, dialect Dialect, origin types.Origin) *DB {
	return &DB{
		db:      db,
		dialect: dialect,
		origin:  origin,
		log:     logger.Component("store").WithField("origin", origin),
	}
}

// goose keeps its dialect and filesystem in package globals.
var gooseMu sync.Mutex

// Migrate applies the embedded migrations.
func (s *DB) Migrate() error {
	gooseMu.Lock()
	defer gooseMu.Unlock()

	goose.SetBaseFS(migrations)
	goose.SetLogger(s.log)
	if err := goose.SetDialect(string(s.dialect)); err != nil {
		return fmt.Errorf("goose dialect: %w", err)
	}
	if err := goose.Up(s.db, "migrations"); err != nil {
		return fmt.Errorf("migrating %s store: %w", s.origin, err)
	}
	return nil
}

func (s *DB) Close() error {
	return s.db.Close()
}

const columns = `id, source_url, external_video_id, title, duration_seconds, language,
	status, progress_percent, transcript_text, word_count, provider, error_message,
	audio_file_path, linked_companion_id, companion_ref, searchable_text, request_origin,
	created_at, updated_at, processing_started_at, completed_at`

func (s *DB) Create(ctx context.Context, rec *types.TranscriptRecord) error {
	now := timestamp(time.Now())
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	if rec.RequestOrigin == "" {
		rec.RequestOrigin = s.origin
	}

	_, err := s.db.ExecContext(ctx, s.rebind(`INSERT INTO transcripts (`+columns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		rec.ID, rec.SourceURL, rec.ExternalVideoID, rec.Title, rec.DurationSeconds, rec.Language,
		string(rec.Status), rec.ProgressPercent, rec.TranscriptText, rec.WordCount, rec.Provider, rec.ErrorMessage,
		rec.AudioFilePath, rec.LinkedCompanionID, rec.CompanionRef, rec.SearchableText, string(rec.RequestOrigin),
		timestamp(rec.CreatedAt), rec.UpdatedAt, nullTime(rec.ProcessingStartedAt), nullTime(rec.CompletedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return errs.Wrap(errs.StateConflict, "store.create", fmt.Errorf("video %q: %w", rec.ExternalVideoID, ErrDuplicateVideo))
		}
		return errs.Wrap(errs.UpstreamUnavailable, "store.create", err)
	}
	return nil
}

func (s *DB) Get(ctx context.Context, id string) (*types.TranscriptRecord, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+columns+` FROM transcripts WHERE id = ?`), id)
	rec, err := scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.E(errs.NotFound, "store.get", "transcript %q not found", id)
	}
	if err != nil {
		return nil, errs.Wrap(errs.UpstreamUnavailable, "store.get", err)
	}
	return rec, nil
}

func (s *DB) FindActiveByVideoID(ctx context.Context, externalVideoID string) (*types.TranscriptRecord, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+columns+` FROM transcripts
		WHERE external_video_id = ? AND status <> ?`), externalVideoID, string(types.StatusFailed))
	rec, err := scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.E(errs.NotFound, "store.find", "no active transcript for video %q", externalVideoID)
	}
	if err != nil {
		return nil, errs.Wrap(errs.UpstreamUnavailable, "store.find", err)
	}
	return rec, nil
}

func (s *DB) Update(ctx context.Context, rec *types.TranscriptRecord) error {
	rec.UpdatedAt = timestamp(time.Now())
	res, err := s.db.ExecContext(ctx, s.rebind(`UPDATE transcripts SET
		title = ?, duration_seconds = ?, language = ?, status = ?, progress_percent = ?,
		transcript_text = ?, word_count = ?, provider = ?, error_message = ?, audio_file_path = ?,
		linked_companion_id = ?, searchable_text = ?, updated_at = ?, processing_started_at = ?, completed_at = ?
		WHERE id = ?`),
		rec.Title, rec.DurationSeconds, rec.Language, string(rec.Status), rec.ProgressPercent,
		rec.TranscriptText, rec.WordCount, rec.Provider, rec.ErrorMessage, rec.AudioFilePath,
		rec.LinkedCompanionID, rec.SearchableText, rec.UpdatedAt, nullTime(rec.ProcessingStartedAt), nullTime(rec.CompletedAt),
		rec.ID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return errs.Wrap(errs.StateConflict, "store.update", fmt.Errorf("video %q: %w", rec.ExternalVideoID, ErrDuplicateVideo))
		}
		return errs.Wrap(errs.UpstreamUnavailable, "store.update", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return errs.E(errs.NotFound, "store.update", "transcript %q not found", rec.ID)
	}
	return nil
}

func (s *DB) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM transcripts WHERE id = ?`), id)
	if err != nil {
		return errs.Wrap(errs.UpstreamUnavailable, "store.delete", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return errs.E(errs.NotFound, "store.delete", "transcript %q not found", id)
	}
	return nil
}

func (s *DB) ListByStatus(ctx context.Context, status types.Status) ([]*types.TranscriptRecord, error) {
	return s.query(ctx, "store.list", `SELECT `+columns+` FROM transcripts WHERE status = ? ORDER BY created_at`, string(status))
}

func (s *DB) ListStale(ctx context.Context, status types.Status, before time.Time) ([]*types.TranscriptRecord, error) {
	return s.query(ctx, "store.stale", `SELECT `+columns+` FROM transcripts
		WHERE status = ? AND updated_at < ? ORDER BY updated_at`, string(status), timestamp(before))
}

func (s *DB) SearchCompleted(ctx context.Context, words []string) ([]*types.TranscriptRecord, error) {
	if len(words) == 0 {
		return nil, nil
	}
	query := `SELECT ` + columns + ` FROM transcripts WHERE status = ?`
	args := []any{string(types.StatusCompleted)}
	for _, word := range words {
		query += ` AND searchable_text LIKE ?`
		args = append(args, "%"+word+"%")
	}
	return s.query(ctx, "store.search", query+` ORDER BY completed_at DESC`, args...)
}

func (s *DB) CountByStatusAndProvider(ctx context.Context) ([]Count, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, provider, COUNT(*) FROM transcripts GROUP BY status, provider`)
	if err != nil {
		return nil, errs.Wrap(errs.UpstreamUnavailable, "store.count", err)
	}
	defer rows.Close()

	var out []Count
	for rows.Next() {
		var c Count
		var status string
		if err := rows.Scan(&status, &c.Provider, &c.N); err != nil {
			return nil, errs.Wrap(errs.UpstreamUnavailable, "store.count", err)
		}
		c.Status = types.Status(status)
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Wrap(errs.UpstreamUnavailable, "store.count", err)
	}
	return out, nil
}

func (s *DB) query(ctx context.Context, op, query string, args ...any) ([]*types.TranscriptRecord, error) {
	start := time.Now()
	defer func() {
		s.log.WithField("op", op).WithField("took", time.Since(start)).Debug("query finished")
	}()

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, errs.Wrap(errs.UpstreamUnavailable, op, err)
	}
	defer rows.Close()

	var items []*types.TranscriptRecord
	for rows.Next() {
		rec, err := scan(rows)
		if err != nil {
			return nil, errs.Wrap(errs.UpstreamUnavailable, op, err)
		}
		items = append(items, rec)
	}
	if err := rows.Close(); err != nil {
		return nil, errs.Wrap(errs.UpstreamUnavailable, op, err)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Wrap(errs.UpstreamUnavailable, op, err)
	}
	return items, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scan(row scanner) (*types.TranscriptRecord, error) {
	var (
		rec               types.TranscriptRecord
		status, origin    string
		started, finished sql.NullTime
	)
	if err := row.Scan(
		&rec.ID,
		&rec.SourceURL,
		&rec.ExternalVideoID,
		&rec.Title,
		&rec.DurationSeconds,
		&rec.Language,
		&status,
		&rec.ProgressPercent,
		&rec.TranscriptText,
		&rec.WordCount,
		&rec.Provider,
		&rec.ErrorMessage,
		&rec.AudioFilePath,
		&rec.LinkedCompanionID,
		&rec.CompanionRef,
		&rec.SearchableText,
		&origin,
		&rec.CreatedAt,
		&rec.UpdatedAt,
		&started,
		&finished,
	); err != nil {
		return nil, err
	}
	rec.Status = types.Status(status)
	rec.RequestOrigin = types.Origin(origin)
	if started.Valid {
		t := started.Time.UTC()
		rec.ProcessingStartedAt = &t
	}
	if finished.Valid {
		t := finished.Time.UTC()
		rec.CompletedAt = &t
	}
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	return &rec, nil
}

// rebind rewrites ? placeholders into the $n form PostgreSQL expects.
func (s *DB) rebind(query string) string {
	if s.dialect != Postgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for _, ch := range query {
		if ch == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(ch)
	}
	return b.String()
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return false
}

// timestamp normalizes to UTC at the precision both databases keep.
func timestamp(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: timestamp(*t), Valid: true}
}

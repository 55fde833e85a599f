package types

import (
	"strings"
	"time"
)

// Status is the lifecycle state of a TranscriptRecord.
type Status string

const (
	StatusPending         Status = "pending"
	StatusPendingDownload Status = "pending_download"
	StatusProcessing      Status = "processing"
	StatusCompleted       Status = "completed"
	StatusFailed          Status = "failed"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusPendingDownload, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Origin names one of the two isolated datastores.
type Origin string

const (
	OriginLocal      Origin = "local"
	OriginProduction Origin = "production"
)

// Provider tags which strategy produced a transcript.
const (
	ProviderCaptions = "captions"
)

// TranscriptRecord is the durable entity, one per submitted video.
type TranscriptRecord struct {
	ID                  string     `json:"id"`
	SourceURL           string     `json:"source_url"`
	ExternalVideoID     string     `json:"external_video_id"`
	Title               string     `json:"title,omitempty"`
	DurationSeconds     int        `json:"duration_seconds,omitempty"`
	Language            string     `json:"language"`
	Status              Status     `json:"status"`
	ProgressPercent     int        `json:"progress_percent"`
	TranscriptText      string     `json:"transcript_text,omitempty"`
	WordCount           int        `json:"word_count"`
	Provider            string     `json:"provider,omitempty"`
	ErrorMessage        string     `json:"error_message,omitempty"`
	AudioFilePath       string     `json:"-"`
	LinkedCompanionID   string     `json:"linked_companion_id,omitempty"`
	CompanionRef        string     `json:"companion_ref,omitempty"`
	SearchableText      string     `json:"-"`
	RequestOrigin       Origin     `json:"request_origin"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
	ProcessingStartedAt *time.Time `json:"processing_started_at,omitempty"`
	CompletedAt         *time.Time `json:"completed_at,omitempty"`
}

// Active reports whether the record blocks a new submission of the same video.
func (r *TranscriptRecord) Active() bool {
	return r.Status != StatusFailed
}

// StatusView is the consistent snapshot returned by status queries.
type StatusView struct {
	ID              string     `json:"id"`
	ExternalVideoID string     `json:"external_video_id"`
	Title           string     `json:"title,omitempty"`
	Status          Status     `json:"status"`
	ProgressPercent int        `json:"progress_percent"`
	Provider        string     `json:"provider,omitempty"`
	ErrorMessage    string     `json:"error_message,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

func (r *TranscriptRecord) StatusView() StatusView {
	return StatusView{
		ID:              r.ID,
		ExternalVideoID: r.ExternalVideoID,
		Title:           r.Title,
		Status:          r.Status,
		ProgressPercent: r.ProgressPercent,
		Provider:        r.Provider,
		ErrorMessage:    r.ErrorMessage,
		CreatedAt:       r.CreatedAt,
		CompletedAt:     r.CompletedAt,
	}
}

// TranscriptView answers transcript queries. Ready is false until the record
// is completed, in which case only Status and ProgressPercent are meaningful.
type TranscriptView struct {
	ID              string `json:"id"`
	Ready           bool   `json:"ready"`
	Status          Status `json:"status"`
	ProgressPercent int    `json:"progress_percent"`
	Text            string `json:"text,omitempty"`
	WordCount       int    `json:"word_count,omitempty"`
	Provider        string `json:"provider,omitempty"`
	Language        string `json:"language,omitempty"`
}

// WordCount counts whitespace separated words.
func WordCount(text string) int {
	return len(strings.Fields(text))
}

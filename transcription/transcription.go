package transcription

import (
	"fmt"
	"maps"
	"time"

	"voxscribe/failure"
)

// Snapshot is the persisted shape of a Transcription. Repositories read and
// write snapshots; everything else goes through the transition methods.
type Snapshot struct {
	ID            string           `json:"id"`
	UserID        string           `json:"user_id"`
	Source        AudioSource      `json:"audio_source"`
	Language      Language         `json:"language"`
	Status        Status           `json:"status"`
	Text          *TranscribedText `json:"text,omitempty"`
	FailureReason string           `json:"failure_reason,omitempty"`
	FailureCode   string           `json:"failure_code,omitempty"`
	ContentHash   string           `json:"content_hash,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
	StartedAt     *time.Time       `json:"started_at,omitempty"`
	CompletedAt   *time.Time       `json:"completed_at,omitempty"`
	Metadata      Metadata         `json:"metadata,omitempty"`
}

// Transcription is the aggregate that owns a transcription's lifecycle.
type Transcription struct {
	s      Snapshot
	events []Event
}

// New creates a pending transcription owned by userID.
func New(id, userID string, src AudioSource, lang Language) (*Transcription, error) {
	if id == "" {
		return nil, fmt.Errorf("new transcription: empty id")
	}
	if userID == "" {
		return nil, fmt.Errorf("new transcription: empty user id")
	}
	if err := src.Validate(); err != nil {
		return nil, fmt.Errorf("new transcription: %w", err)
	}

	t := &Transcription{s: Snapshot{
		ID:        id,
		UserID:    userID,
		Source:    src,
		Language:  lang,
		Status:    StatusPending,
		CreatedAt: now(),
		Metadata:  Metadata{},
	}}
	t.record(EventCreated, map[string]any{
		"user_id":  userID,
		"origin":   string(src.Origin),
		"language": lang.Code,
	})
	return t, nil
}

// Rehydrate rebuilds an aggregate from storage without recording events.
func Rehydrate(s Snapshot) *Transcription {
	if s.Metadata == nil {
		s.Metadata = Metadata{}
	}
	return &Transcription{s: s}
}

// Snapshot returns a copy of the current state.
func (t *Transcription) Snapshot() Snapshot {
	s := t.s
	s.Metadata = maps.Clone(t.s.Metadata)
	if t.s.Text != nil {
		text := *t.s.Text
		s.Text = &text
	}
	return s
}

func (t *Transcription) ID() string                 { return t.s.ID }
func (t *Transcription) UserID() string             { return t.s.UserID }
func (t *Transcription) Source() AudioSource        { return t.s.Source }
func (t *Transcription) Language() Language         { return t.s.Language }
func (t *Transcription) Status() Status             { return t.s.Status }
func (t *Transcription) Text() *TranscribedText     { return t.s.Text }
func (t *Transcription) FailureReason() string      { return t.s.FailureReason }
func (t *Transcription) FailureCode() string        { return t.s.FailureCode }
func (t *Transcription) ContentHash() string        { return t.s.ContentHash }
func (t *Transcription) CreatedAt() time.Time       { return t.s.CreatedAt }
func (t *Transcription) StartedAt() *time.Time      { return t.s.StartedAt }
func (t *Transcription) CompletedAt() *time.Time    { return t.s.CompletedAt }
func (t *Transcription) Metadata() Metadata         { return maps.Clone(t.s.Metadata) }
func (t *Transcription) IsRemote() bool             { return t.s.Source.Origin == OriginRemoteVideo }
func (t *Transcription) IsFinished() bool           { return isFinished(t.s.Status) }
func (t *Transcription) ProcessingDuration() *int64 { return elapsed(t.s.StartedAt, t.s.CompletedAt) }

// SetContentHash records the blake3 digest of a local source.
func (t *Transcription) SetContentHash(h string) {
	t.s.ContentHash = h
}

// StartProcessing moves Pending to Processing. A non-empty preprocessedPath is
// stored on the audio source.
func (t *Transcription) StartProcessing(preprocessedPath string) error {
	if t.s.Status != StatusPending {
		return failure.InvalidState("transcription", "start processing", string(t.s.Status))
	}
	ts := now()
	t.s.Status = StatusProcessing
	t.s.StartedAt = &ts
	if preprocessedPath != "" {
		t.s.Source.PreprocessedPath = preprocessedPath
	}
	t.record(EventStartedProcessing, map[string]any{"preprocessed_path": preprocessedPath})
	return nil
}

// RecordAcquisition writes what the acquisition pipeline learned back onto
// the audio source. Only legal while processing.
func (t *Transcription) RecordAcquisition(path string, size int64, preprocessedPath string, duration *float64) error {
	if t.s.Status != StatusProcessing {
		return failure.InvalidState("transcription", "record acquisition", string(t.s.Status))
	}
	if path != "" {
		t.s.Source.Path = path
	}
	if size > 0 {
		t.s.Source.Size = size
	}
	if preprocessedPath != "" {
		t.s.Source.PreprocessedPath = preprocessedPath
	}
	if duration != nil {
		d := *duration
		t.s.Source.Duration = &d
	}
	return nil
}

// Complete stores the text and metadata. Only legal from Processing.
func (t *Transcription) Complete(text TranscribedText, md Metadata) error {
	if t.s.Status != StatusProcessing {
		return failure.InvalidState("transcription", "complete", string(t.s.Status))
	}
	ts := now()
	t.s.Status = StatusCompleted
	t.s.Text = &text
	maps.Copy(t.s.Metadata, md)
	t.s.CompletedAt = &ts
	if t.s.Source.Duration == nil && text.Duration > 0 {
		d := text.Duration
		t.s.Source.Duration = &d
	}

	data := map[string]any{
		"word_count": text.WordCount(),
		"duration":   text.Duration,
	}
	if p := t.ProcessingDuration(); p != nil {
		data["processing_seconds"] = *p
	}
	t.record(EventCompleted, data)
	return nil
}

// Fail stores a failure reason and category code. Only legal from Processing.
func (t *Transcription) Fail(reason, code string, context map[string]any) error {
	if t.s.Status != StatusProcessing {
		return failure.InvalidState("transcription", "fail", string(t.s.Status))
	}
	if code == "" {
		code = string(failure.KindUnknown)
	}
	ts := now()
	t.s.Status = StatusFailed
	t.s.FailureReason = reason
	t.s.FailureCode = code
	t.s.CompletedAt = &ts
	t.record(EventFailed, map[string]any{
		"reason":  reason,
		"code":    code,
		"context": context,
	})
	return nil
}

// Retry returns a failed transcription to Pending and wipes what the previous
// attempt produced.
func (t *Transcription) Retry() error {
	if t.s.Status != StatusFailed {
		return failure.InvalidState("transcription", "retry", string(t.s.Status))
	}
	t.s.Status = StatusPending
	t.s.Text = nil
	t.s.FailureReason = ""
	t.s.FailureCode = ""
	t.s.StartedAt = nil
	t.s.CompletedAt = nil
	t.s.Metadata = Metadata{}
	t.record(EventRetried, nil)
	return nil
}

// Cancel is legal from Pending or Processing and is terminal.
func (t *Transcription) Cancel() error {
	if t.s.Status != StatusPending && t.s.Status != StatusProcessing {
		return failure.InvalidState("transcription", "cancel", string(t.s.Status))
	}
	ts := now()
	t.s.Status = StatusCancelled
	t.s.CompletedAt = &ts
	t.record(EventCancelled, nil)
	return nil
}

func isFinished(s Status) bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

func elapsed(from, to *time.Time) *int64 {
	if from == nil || to == nil {
		return nil
	}
	secs := int64(to.Sub(*from) / time.Second)
	return &secs
}

var now = func() time.Time { return time.Now().UTC() }

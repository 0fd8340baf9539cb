package translation

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"voxscribe/failure"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// ErrorUserCancelled is the error log type recorded by Cancel.
const ErrorUserCancelled = "user_cancelled"

type (
	ErrorEntry struct {
		Type    string    `json:"type"`
		Message string    `json:"message"`
		At      time.Time `json:"at"`
	}

	ProjectSnapshot struct {
		ID              string          `json:"id"`
		UserID          string          `json:"user_id"`
		TranscriptionID string          `json:"transcription_id"`
		SourceLanguage  string          `json:"source_language"`
		TargetLanguage  string          `json:"target_language"`
		Provider        string          `json:"provider"`
		Config          Config          `json:"config"`
		Status          Status          `json:"status"`
		Segments        []Segment       `json:"segments,omitempty"`
		QualityScore    *float64        `json:"quality_score,omitempty"`
		EstimatedCost   decimal.Decimal `json:"estimated_cost"`
		ActualCost      decimal.Decimal `json:"actual_cost"`
		Version         int             `json:"version"`
		Errors          []ErrorEntry    `json:"errors,omitempty"`
		CreatedAt       time.Time       `json:"created_at"`
		StartedAt       *time.Time      `json:"started_at,omitempty"`
		CompletedAt     *time.Time      `json:"completed_at,omitempty"`
	}

	// Project tracks one translation of a completed transcription. Its
	// lifecycle is independent of the transcription's.
	Project struct {
		s ProjectSnapshot
	}
)

// NewProject creates a pending project.
func NewProject(id, userID, transcriptionID, sourceLang, targetLang, provider string, cfg Config, estimated decimal.Decimal) (*Project, error) {
	switch {
	case id == "":
		return nil, fmt.Errorf("new project: empty id")
	case transcriptionID == "":
		return nil, fmt.Errorf("new project: empty transcription id")
	case targetLang == "":
		return nil, fmt.Errorf("new project: empty target language")
	case sourceLang != "" && sourceLang == targetLang:
		return nil, fmt.Errorf("new project: source and target language are both %q", targetLang)
	}
	cfg = cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("new project: %w", err)
	}
	return &Project{s: ProjectSnapshot{
		ID:              id,
		UserID:          userID,
		TranscriptionID: transcriptionID,
		SourceLanguage:  sourceLang,
		TargetLanguage:  targetLang,
		Provider:        provider,
		Config:          cfg,
		Status:          StatusPending,
		EstimatedCost:   estimated,
		CreatedAt:       now(),
	}}, nil
}

func RehydrateProject(s ProjectSnapshot) *Project {
	return &Project{s: s}
}

func (p *Project) Snapshot() ProjectSnapshot {
	s := p.s
	s.Segments = append([]Segment(nil), p.s.Segments...)
	s.Errors = append([]ErrorEntry(nil), p.s.Errors...)
	return s
}

func (p *Project) ID() string                  { return p.s.ID }
func (p *Project) UserID() string              { return p.s.UserID }
func (p *Project) TranscriptionID() string     { return p.s.TranscriptionID }
func (p *Project) TargetLanguage() string      { return p.s.TargetLanguage }
func (p *Project) Provider() string            { return p.s.Provider }
func (p *Project) Config() Config              { return p.s.Config }
func (p *Project) Status() Status              { return p.s.Status }
func (p *Project) Segments() []Segment         { return p.s.Segments }
func (p *Project) Errors() []ErrorEntry        { return p.s.Errors }
func (p *Project) Version() int                { return p.s.Version }
func (p *Project) QualityScore() *float64      { return p.s.QualityScore }
func (p *Project) ActualCost() decimal.Decimal { return p.s.ActualCost }

// Start moves Pending to Processing.
func (p *Project) Start() error {
	if p.s.Status != StatusPending {
		return failure.InvalidState("translation project", "start", string(p.s.Status))
	}
	ts := now()
	p.s.Status = StatusProcessing
	p.s.StartedAt = &ts
	return nil
}

// Complete stores a new segment version with its score and cost.
func (p *Project) Complete(segs []Segment, score float64, actual decimal.Decimal) error {
	if p.s.Status != StatusProcessing {
		return failure.InvalidState("translation project", "complete", string(p.s.Status))
	}
	ts := now()
	p.s.Status = StatusCompleted
	p.s.Segments = segs
	p.s.QualityScore = &score
	p.s.ActualCost = actual
	p.s.Version++
	p.s.CompletedAt = &ts
	return nil
}

// Fail records the error and moves Processing to Failed.
func (p *Project) Fail(errType, msg string) error {
	if p.s.Status != StatusProcessing {
		return failure.InvalidState("translation project", "fail", string(p.s.Status))
	}
	ts := now()
	p.s.Status = StatusFailed
	p.s.CompletedAt = &ts
	p.appendError(errType, msg)
	return nil
}

// Cancel stops a pending or processing project and logs it as user_cancelled.
func (p *Project) Cancel() error {
	if p.s.Status != StatusPending && p.s.Status != StatusProcessing {
		return failure.InvalidState("translation project", "cancel", string(p.s.Status))
	}
	ts := now()
	p.s.Status = StatusCancelled
	p.s.CompletedAt = &ts
	p.appendError(ErrorUserCancelled, "Translation stopped by user")
	return nil
}

// Retry puts a failed project back in the queue. Earlier versions and the
// error log are kept.
func (p *Project) Retry() error {
	if p.s.Status != StatusFailed {
		return failure.InvalidState("translation project", "retry", string(p.s.Status))
	}
	p.s.Status = StatusPending
	p.s.StartedAt = nil
	p.s.CompletedAt = nil
	return nil
}

func (p *Project) appendError(typ, msg string) {
	p.s.Errors = append(p.s.Errors, ErrorEntry{Type: typ, Message: msg, At: now()})
}

var now = func() time.Time { return time.Now().UTC() }

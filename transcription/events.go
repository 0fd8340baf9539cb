package transcription

import "time"

type EventType string

const (
	EventCreated           EventType = "transcription.created"
	EventStartedProcessing EventType = "transcription.started_processing"
	EventCompleted         EventType = "transcription.completed"
	EventFailed            EventType = "transcription.failed"
	EventRetried           EventType = "transcription.retried"
	EventCancelled         EventType = "transcription.cancelled"
)

// Event is one domain event recorded by a successful transition.
type Event struct {
	Type            EventType      `json:"type"`
	TranscriptionID string         `json:"transcription_id"`
	UserID          string         `json:"user_id"`
	Status          Status         `json:"status"`
	At              time.Time      `json:"at"`
	Data            map[string]any `json:"data,omitempty"`
}

func (t *Transcription) record(typ EventType, data map[string]any) {
	t.events = append(t.events, Event{
		Type:            typ,
		TranscriptionID: t.s.ID,
		UserID:          t.s.UserID,
		Status:          t.s.Status,
		At:              now(),
		Data:            data,
	})
}

// PullEvents returns and clears the events recorded since the last pull.
func (t *Transcription) PullEvents() []Event {
	ev := t.events
	t.events = nil
	return ev
}

// Package notify fans domain events out to in-process subscribers and
// websocket clients.
package notify

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"voxscribe/transcription"
	"voxscribe/translation"
)

var log = logrus.WithField("component", "notify")

type Subject string

const (
	SubjectTranscription Subject = "transcription"
	SubjectTranslation   Subject = "translation"
)

// Message is one sequenced event as seen by subscribers.
type Message struct {
	Seq     int64          `json:"seq"`
	At      time.Time      `json:"at"`
	Subject Subject        `json:"subject"`
	ID      string         `json:"id"`
	UserID  string         `json:"user_id,omitempty"`
	Type    string         `json:"type"`
	Status  string         `json:"status"`
	Data    map[string]any `json:"data,omitempty"`
}

// FromTranscription converts a recorded aggregate event.
func FromTranscription(e transcription.Event) Message {
	return Message{
		At:      e.At,
		Subject: SubjectTranscription,
		ID:      e.TranscriptionID,
		UserID:  e.UserID,
		Type:    string(e.Type),
		Status:  string(e.Status),
		Data:    e.Data,
	}
}

// FromProject describes a project's current state under typ.
func FromProject(p *translation.Project, typ string) Message {
	data := map[string]any{
		"target_language": p.TargetLanguage(),
		"version":         p.Version(),
	}
	if q := p.QualityScore(); q != nil {
		data["quality_score"] = *q
	}
	if errs := p.Errors(); len(errs) > 0 {
		data["error"] = errs[len(errs)-1].Message
	}
	return Message{
		Subject: SubjectTranslation,
		ID:      p.ID(),
		UserID:  p.UserID(),
		Type:    typ,
		Status:  string(p.Status()),
		Data:    data,
	}
}

type subscriber struct {
	id string
	ch chan Message
}

// Bus keeps a bounded history and pushes each message to the subscribers of
// its entity id. Slow subscribers lose messages instead of blocking Publish.
type Bus struct {
	mu        sync.RWMutex
	nextSeq   int64
	maxEvents int
	events    []Message
	subs      map[*subscriber]struct{}
}

func NewBus(maxEvents int) *Bus {
	if maxEvents <= 0 {
		maxEvents = 500
	}
	return &Bus{
		maxEvents: maxEvents,
		events:    make([]Message, 0, maxEvents),
		subs:      make(map[*subscriber]struct{}),
	}
}

// Publish assigns the sequence number and timestamp and delivers m.
func (b *Bus) Publish(m Message) Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextSeq++
	m.Seq = b.nextSeq
	if m.At.IsZero() {
		m.At = time.Now().UTC()
	}

	b.events = append(b.events, m)
	if len(b.events) > b.maxEvents {
		trim := len(b.events) - b.maxEvents
		b.events = append([]Message(nil), b.events[trim:]...)
	}

	for s := range b.subs {
		if s.id != "" && s.id != m.ID {
			continue
		}
		select {
		case s.ch <- m:
		default:
			log.WithFields(logrus.Fields{"id": m.ID, "seq": m.Seq}).Warn("subscriber channel full, dropping message")
		}
	}
	return m
}

// Since returns retained messages with a sequence strictly greater than seq.
func (b *Bus) Since(seq int64) []Message {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]Message, 0, len(b.events))
	for _, m := range b.events {
		if m.Seq > seq {
			out = append(out, m)
		}
	}
	return out
}

// Subscribe returns a channel of messages for id, or for every entity when
// id is empty. The returned func unsubscribes and closes the channel.
func (b *Bus) Subscribe(id string, buffer int) (<-chan Message, func()) {
	s := &subscriber{id: id, ch: make(chan Message, buffer)}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, s)
			b.mu.Unlock()
			close(s.ch)
		})
	}
}

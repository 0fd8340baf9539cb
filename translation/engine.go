// Package translation produces dubbing-grade translations: one translated
// segment per source segment, with the source timestamps carried over
// unchanged.
package translation

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"

	"voxscribe/failure"
	"voxscribe/transcription"
)

// MaxBatch is the largest segment count accepted by one Translate call.
const MaxBatch = 100

var log = logrus.WithField("component", "translation")

type (
	// Provider is the translation model boundary. It returns the raw JSON
	// body produced by the model.
	Provider interface {
		Translate(ctx context.Context, req Request) ([]byte, error)
		Name() string
	}

	Request struct {
		Target       string
		Instructions string
		Content      string
		MaxTokens    int
	}

	Engine struct {
		provider Provider
		cache    Cache
	}
)

// NewEngine builds an engine. A nil cache disables caching.
func NewEngine(p Provider, c Cache) *Engine {
	return &Engine{provider: p, cache: c}
}

func (e *Engine) ProviderName() string {
	return e.provider.Name()
}

// Translate translates one batch of at most MaxBatch segments into target.
// A cache hit returns the same bytes a fresh call stored, decoded the same
// way.
func (e *Engine) Translate(ctx context.Context, segs []transcription.Segment, target string, cfg Config) ([]Segment, error) {
	if len(segs) == 0 {
		return nil, failure.New(failure.KindInput, "translate", "", failure.ErrNoSegments)
	}
	if len(segs) > MaxBatch {
		return nil, failure.New(failure.KindInput, "translate",
			fmt.Sprintf("batch of %d segments exceeds %d", len(segs), MaxBatch), nil)
	}
	if target == "" {
		return nil, failure.New(failure.KindInput, "translate", "empty target language", nil)
	}
	cfg = cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, failure.New(failure.KindInput, "translate", "invalid config", err)
	}

	l := log.WithFields(logrus.Fields{"target": target, "segments": len(segs), "provider": e.provider.Name()})

	useCache := e.cache != nil && cfg.EnableCache
	var key string
	if useCache {
		k, err := CacheKey(segs, target, cfg)
		if err != nil {
			return nil, err
		}
		key = k
		data, ok, err := e.cache.Get(ctx, key)
		if err != nil {
			l.WithError(err).Warn("translation cache read failed")
		}
		if ok {
			l.Debug("translation cache hit")
			return decodeSegments(data)
		}
	}

	raw, err := e.provider.Translate(ctx, Request{
		Target:       target,
		Instructions: Instructions(target, cfg),
		Content:      FormatSegments(segs),
		MaxTokens:    MaxTokens(segs),
	})
	if err != nil {
		return nil, failure.TranslationProvider("translate", e.provider.Name(), err)
	}

	out, err := validate(segs, raw)
	if err != nil {
		l.WithError(err).Warn("provider response rejected")
		return nil, err
	}

	data, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("translate: encoding result: %w", err)
	}
	if useCache {
		if err := e.cache.Put(ctx, key, data); err != nil {
			l.WithError(err).Warn("translation cache write failed")
		}
	}
	l.Info("batch translated")
	return decodeSegments(data)
}

func decodeSegments(data []byte) ([]Segment, error) {
	var out []Segment
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("translate: decoding result: %w", err)
	}
	return out, nil
}

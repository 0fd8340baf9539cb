package translation

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"voxscribe/b3"
	"voxscribe/transcription"
)

// Cache stores encoded translation results by content key.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, value []byte) error
}

// CacheKey hashes the batch, the target language and the normalized config.
func CacheKey(segs []transcription.Segment, target string, cfg Config) (string, error) {
	type keySegment struct {
		ID    int                  `json:"id"`
		Text  string               `json:"text"`
		Start float64              `json:"start"`
		End   float64              `json:"end"`
		Words []transcription.Word `json:"words,omitempty"`
	}
	k := struct {
		Segments []keySegment `json:"segments"`
		Target   string       `json:"target"`
		Config   Config       `json:"config"`
	}{
		Segments: make([]keySegment, len(segs)),
		Target:   target,
		Config:   cfg.Normalize(),
	}
	for i, s := range segs {
		k.Segments[i] = keySegment{ID: s.ID, Text: s.Text, Start: s.Start, End: s.End, Words: s.Words}
	}
	data, err := json.Marshal(k)
	if err != nil {
		return "", fmt.Errorf("cache key: %w", err)
	}
	return "translation:" + b3.Sum(data), nil
}

// MemoryCache is a process-local Cache.
type MemoryCache struct {
	mu sync.RWMutex
	m  map[string][]byte
}

var _ Cache = (*MemoryCache)(nil)

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{m: make(map[string][]byte)}
}

func (c *MemoryCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.m[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (c *MemoryCache) Put(_ context.Context, key string, value []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[key] = append([]byte(nil), value...)
	return nil
}

func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.m)
}

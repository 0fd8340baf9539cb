package whisperx

import (
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const result = `{
  "language": "fr",
  "segments": [
    {"text": " Bonjour à tous.", "start": 0.031, "end": 1.2519,
     "words": [
       {"word": "Bonjour", "start": 0.031, "end": 0.6, "score": 0.9},
       {"word": "à", "start": 0.62, "end": 0.7, "score": 0.7},
       {"word": "tous.", "start": 0.75, "end": 1.25, "score": 0.8}
     ]},
    {"text": " 2024 arrive", "start": 1.5, "end": 3.0,
     "words": [
       {"word": "2024"},
       {"word": "arrive", "start": 2.1, "end": 3.0, "score": 0.5}
     ]}
  ]
}`

func TestDecode(t *testing.T) {
	rec, err := decode(strings.NewReader(result))
	require.NoError(t, err)

	assert.Equal(t, "fr", rec.Language)
	assert.Equal(t, "Bonjour à tous. 2024 arrive", rec.Text)
	assert.Equal(t, 3.0, rec.Duration)
	require.Len(t, rec.Segments, 2)

	s0 := rec.Segments[0]
	assert.Equal(t, 0, s0.ID)
	assert.Equal(t, 0.031, s0.Start)
	assert.Equal(t, 1.252, s0.End)
	assert.Len(t, s0.Words, 3)
	require.NotNil(t, s0.AvgLogProb)
	assert.InDelta(t, math.Log(0.8), *s0.AvgLogProb, 1e-9)
	assert.InDelta(t, 0.8, s0.Confidence(), 1e-9)

	s1 := rec.Segments[1]
	require.Len(t, s1.Words, 1, "unaligned words are dropped")
	assert.Equal(t, "arrive", s1.Words[0].Word)
	assert.True(t, rec.HasWordTimestamps())
}

func TestDecodeWithoutScores(t *testing.T) {
	rec, err := decode(strings.NewReader(`{"segments":[{"text":"hi","start":0,"end":1,"words":[]}]}`))
	require.NoError(t, err)
	assert.Nil(t, rec.Segments[0].AvgLogProb)
}

func TestModelName(t *testing.T) {
	assert.Equal(t, "whisperx", Transcriber{}.Model())
	assert.Equal(t, "whisperx:large-v3", Transcriber{ModelName: "large-v3"}.Model())
}

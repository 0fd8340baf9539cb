package quality

import (
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voxscribe/transcription"
)

func lp(v float64) *float64 { return &v }

func TestCleanRemovesBrandingRegardlessOfConfidence(t *testing.T) {
	in := []transcription.Segment{
		{ID: 0, Start: 595, End: 598, Text: "transcribed by example.com", AvgLogProb: lp(-0.1)},
	}
	res := Clean(in, 600)

	assert.Empty(t, res.Segments)
	assert.Equal(t, "", res.Text)
	assert.Equal(t, 1, res.Removed)
	assert.Equal(t, 0.0, res.Confidence)
}

func TestCleanKeepsOrdinarySegment(t *testing.T) {
	in := []transcription.Segment{
		{ID: 0, Start: 0, End: 2, Text: "Hello world", AvgLogProb: lp(-0.2)},
	}
	res := Clean(in, 600)

	require.Len(t, res.Segments, 1)
	assert.Equal(t, in[0], res.Segments[0])
	assert.Equal(t, "Hello world", res.Text)
	assert.Equal(t, 0, res.Removed)
	assert.InDelta(t, math.Exp(-0.2), res.Confidence, 1e-12)
}

func TestCleanTailNoise(t *testing.T) {
	tests := []struct {
		name string
		seg  transcription.Segment
		keep bool
	}{
		{"short low confidence tail", transcription.Segment{Start: 590, End: 592, Text: "you", AvgLogProb: lp(-2)}, false},
		{"short low confidence early", transcription.Segment{Start: 100, End: 102, Text: "you", AvgLogProb: lp(-2)}, true},
		{"short confident tail", transcription.Segment{Start: 590, End: 592, Text: "Thanks.", AvgLogProb: lp(-0.1)}, true},
		{"long low confidence tail", transcription.Segment{Start: 590, End: 599, Text: "this sentence is clearly longer than thirty characters", AvgLogProb: lp(-2)}, true},
		{"missing logprob tail", transcription.Segment{Start: 595, End: 596, Text: "bye"}, false},
		{"exactly at ninety percent", transcription.Segment{Start: 540, End: 541, Text: "ok", AvgLogProb: lp(-3)}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Clean([]transcription.Segment{tt.seg}, 600)
			assert.Equal(t, tt.keep, len(res.Segments) == 1)
		})
	}
}

func TestCleanIsIdempotent(t *testing.T) {
	in := []transcription.Segment{
		{ID: 0, Start: 0, End: 4, Text: "  Welcome to the show. ", AvgLogProb: lp(-0.3)},
		{ID: 1, Start: 4, End: 9, Text: "Powered by Acme", AvgLogProb: lp(-0.1)},
		{ID: 2, Start: 9, End: 15, Text: "Today we talk about Go.", AvgLogProb: lp(-0.4)},
		{ID: 3, Start: 580, End: 585, Text: "uh", AvgLogProb: lp(-1.5)},
	}
	first := Clean(in, 600)
	require.Len(t, first.Segments, 2)
	assert.Equal(t, "Welcome to the show. Today we talk about Go.", first.Text)
	assert.Equal(t, 2, first.Removed)

	second := Clean(first.Segments, 600)
	assert.Equal(t, first.Segments, second.Segments)
	assert.Equal(t, first.Text, second.Text)
	assert.Equal(t, 0, second.Removed)
	assert.Equal(t, first.Confidence, second.Confidence)
}

func TestIsBranding(t *testing.T) {
	for _, s := range []string{
		"Transcribed by https://otter.ai",
		"transcribed by rev.com",
		"Generated by Whisper",
		"Made with Love",
	} {
		assert.True(t, IsBranding(s), s)
	}
	assert.False(t, IsBranding("powered by"))
	assert.False(t, IsBranding("Hello world"))
}

func TestPunctuationRatioPerWord(t *testing.T) {
	assert.Equal(t, 0.0, PunctuationRatio(""))
	assert.Equal(t, 0.0, PunctuationRatio("no marks here"))
	assert.InDelta(t, 0.5, PunctuationRatio("Hello, world."), 1e-9)
	assert.InDelta(t, 0.6, PunctuationRatio(`Il a dit "oui" ici.`), 1e-9)
	assert.InDelta(t, 1.0, PunctuationRatio("J'ai fini."), 1e-9)

	// one mark in twenty words is over the 3% bar
	long := strings.Repeat("word ", 19) + "end."
	assert.Equal(t, long, SelectText(long, Result{Text: "cleaned"}))
}

func TestSelectText(t *testing.T) {
	res := Result{Text: "hello world", Removed: 0}
	assert.Equal(t, "Hello, world. How are you?", SelectText("Hello, world. How are you?", res))
	assert.Equal(t, "hello world", SelectText("hello world without any marks at all here", res))

	res.Removed = 1
	assert.Equal(t, "hello world", SelectText("Hello, world. Transcribed by x.com", res))
}

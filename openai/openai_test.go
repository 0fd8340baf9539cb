package openai

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voxscribe/failure"
	"voxscribe/transcription"
	"voxscribe/translation"
)

const verboseJSON = `{
  "text": "Hello world. Again.",
  "language": "english",
  "duration": 3.5,
  "segments": [
    {"id": 0, "start": 0.0, "end": 1.5, "text": " Hello world.", "avg_logprob": -0.21},
    {"id": 1, "start": 2.0, "end": 3.0, "text": " Again.", "avg_logprob": -0.4}
  ],
  "words": [
    {"word": "Hello", "start": 0.0, "end": 0.6},
    {"word": "world", "start": 0.7, "end": 1.4},
    {"word": "Again", "start": 2.1, "end": 2.9}
  ]
}`

func audioFile(t *testing.T) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "clip.mp3")
	require.NoError(t, os.WriteFile(p, []byte("ID3 fake mp3"), 0o644))
	return p
}

func TestWhisperRecognize(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/audio/transcriptions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "whisper-1", r.FormValue("model"))
		assert.Equal(t, "verbose_json", r.FormValue("response_format"))
		assert.Equal(t, []string{"segment", "word"}, r.MultipartForm.Value["timestamp_granularities[]"])
		assert.Equal(t, "en", r.FormValue("language"))
		assert.Equal(t, "use punctuation", r.FormValue("prompt"))

		f, hdr, err := r.FormFile("file")
		require.NoError(t, err)
		defer f.Close()
		assert.Equal(t, "clip.mp3", hdr.Filename)
		b, _ := io.ReadAll(f)
		assert.Equal(t, "ID3 fake mp3", string(b))

		w.Write([]byte(verboseJSON))
	}))
	defer srv.Close()

	wh := NewWhisper(NewClient(srv.URL+"/v1", "sk-test", srv.Client()), "")
	rec, err := wh.Recognize(context.Background(), transcription.RecognizeRequest{
		Path: audioFile(t), Size: 12, MimeType: "audio/mpeg", LanguageHint: "en", Prompt: "use punctuation",
	})
	require.NoError(t, err)

	assert.Equal(t, "Hello world. Again.", rec.Text)
	assert.Equal(t, "en", rec.Language)
	assert.Equal(t, 3.5, rec.Duration)
	require.Len(t, rec.Segments, 2)
	assert.Equal(t, "Hello world.", rec.Segments[0].Text)
	require.NotNil(t, rec.Segments[0].AvgLogProb)
	assert.Equal(t, -0.21, *rec.Segments[0].AvgLogProb)
	assert.Len(t, rec.Segments[0].Words, 2)
	assert.Len(t, rec.Segments[1].Words, 1)
	assert.True(t, rec.HasWordTimestamps())
	assert.Equal(t, "whisper-1", wh.Model())
}

func TestWhisperMissingLogProbStaysUnset(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"text":"you","duration":10,"segments":[{"id":0,"start":9.5,"end":10,"text":" you"}]}`))
	}))
	defer srv.Close()

	wh := NewWhisper(NewClient(srv.URL, "k", srv.Client()), "")
	rec, err := wh.Recognize(context.Background(), transcription.RecognizeRequest{Path: audioFile(t), Size: 12})
	require.NoError(t, err)
	require.Len(t, rec.Segments, 1)
	assert.Nil(t, rec.Segments[0].AvgLogProb)
	assert.Zero(t, rec.Segments[0].Confidence())
}

func TestWhisperProviderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"message":"Invalid file format.","type":"invalid_request_error"}}`))
	}))
	defer srv.Close()

	wh := NewWhisper(NewClient(srv.URL, "k", srv.Client()), "whisper-1")
	_, err := wh.Recognize(context.Background(), transcription.RecognizeRequest{Path: audioFile(t), Size: 12})
	require.Error(t, err)
	assert.Equal(t, failure.KindTranscriptionProvider, failure.KindOf(err))
	assert.ErrorContains(t, err, "Invalid file format.")

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.False(t, apiErr.Retryable())
}

func TestWhisperRefusesOversizedFile(t *testing.T) {
	wh := NewWhisper(NewClient("http://unused", "k", nil), "")
	_, err := wh.Recognize(context.Background(), transcription.RecognizeRequest{
		Path: "/x.mp3", Size: transcription.MaxRecognitionBytes + 1,
	})
	assert.Equal(t, failure.KindTranscriptionProvider, failure.KindOf(err))
}

func TestChatTranslate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "gpt-4o-mini", req.Model)
		assert.Equal(t, "json_object", req.ResponseFormat.Type)
		assert.Equal(t, 0.3, req.Temperature)
		assert.Equal(t, 1010, req.MaxTokens)
		require.Len(t, req.Messages, 2)
		assert.Equal(t, "system", req.Messages[0].Role)
		assert.Equal(t, "instructions", req.Messages[0].Content)
		assert.Equal(t, "segments", req.Messages[1].Content)

		w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"{\"segments\":[]}"},"finish_reason":"stop"}]}`))
	}))
	defer srv.Close()

	ch := NewChat(NewClient(srv.URL, "k", srv.Client()), "")
	out, err := ch.Translate(context.Background(), translation.Request{
		Target: "fr", Instructions: "instructions", Content: "segments", MaxTokens: 1010,
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"segments":[]}`, string(out))
}

func TestChatTruncated(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"{\"segm"},"finish_reason":"length"}]}`))
	}))
	defer srv.Close()

	_, err := NewChat(NewClient(srv.URL, "k", srv.Client()), "").Translate(context.Background(), translation.Request{MaxTokens: 10})
	assert.ErrorContains(t, err, "truncated")
}

func TestChatRateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := NewChat(NewClient(srv.URL, "k", srv.Client()), "").Translate(context.Background(), translation.Request{})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.True(t, apiErr.Retryable())
}

func TestLanguageCode(t *testing.T) {
	assert.Equal(t, "fr", LanguageCode("French"))
	assert.Equal(t, "fr", LanguageCode("fr"))
	assert.Equal(t, "klingon", LanguageCode("Klingon"))
}

package main

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voxscribe/notify"
	"voxscribe/pipeline"
	"voxscribe/store"
	"voxscribe/transcription"
	"voxscribe/translation"
)

type testServer struct {
	*httptest.Server
	repo      store.SQLiteRepo
	uploadDir string
}

func newTestServer(t *testing.T) testServer {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, store.Migrate(context.Background(), db))

	repo := store.NewSQLiteRepo(db)
	bus := notify.NewBus(100)
	svc := pipeline.NewService(repo, repo, nil, bus, "gpt-4o-mini")
	uploads := t.TempDir()
	srv := httptest.NewServer(newRouter(svc, notify.NewHub(bus), uploads))
	t.Cleanup(srv.Close)
	return testServer{Server: srv, repo: repo, uploadDir: uploads}
}

func (s testServer) do(t *testing.T, method, path, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, s.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		_ = json.NewDecoder(resp.Body).Decode(&out)
	}
	return resp, out
}

func (s testServer) completedTranscription(t *testing.T) string {
	t.Helper()
	tr, err := transcription.New(s.repo.NextID(), "u1", transcription.AudioSource{
		Origin: transcription.OriginLocal, Path: "/a.mp3", MimeType: "audio/mpeg", Size: 10,
	}, transcription.AutoDetect)
	require.NoError(t, err)
	require.NoError(t, tr.StartProcessing(""))
	require.NoError(t, tr.Complete(transcription.TranscribedText{
		Text:     "Hello. Bye.",
		Segments: []transcription.Segment{{ID: 0, Text: "Hello.", Start: 0, End: 1}, {ID: 1, Text: "Bye.", Start: 1, End: 2.5}},
		Duration: 2.5,
	}, transcription.Metadata{"detected_language": "en"}))
	require.NoError(t, s.repo.CreateTranscription(context.Background(), tr))
	return tr.ID()
}

func TestCreateRemoteTranscription(t *testing.T) {
	s := newTestServer(t)

	resp, body := s.do(t, http.MethodPost, "/transcriptions", `{"user_id":"u1","language":"fr","video_url":"https://youtu.be/dQw4w9WgXcQ"}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "pending", body["status"])
	id := body["id"].(string)

	resp, body = s.do(t, http.MethodGet, "/transcriptions/"+id, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "u1", body["user_id"])

	resp, body = s.do(t, http.MethodPost, "/transcriptions/"+id+"/retry", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "INVALID_STATE", body["code"])

	resp, body = s.do(t, http.MethodPost, "/transcriptions/"+id+"/cancel", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "cancelled", body["status"])

	resp, _ = s.do(t, http.MethodGet, "/transcriptions/"+id+"/export/srt", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestCreateTranscriptionRejectsBadInput(t *testing.T) {
	s := newTestServer(t)

	resp, body := s.do(t, http.MethodPost, "/transcriptions", `{"user_id":"u1","video_url":"https://example.com/v"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "INVALID_INPUT", body["code"])

	resp, _ = s.do(t, http.MethodPost, "/transcriptions", `{`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = s.do(t, http.MethodGet, "/transcriptions/nope", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "NOT_FOUND", body["code"])

	resp, _ = s.do(t, http.MethodGet, "/transcriptions", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func upload(t *testing.T, s testServer, name string, content []byte) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("user_id", "u1"))
	require.NoError(t, mw.WriteField("language", "en"))
	fw, err := mw.CreateFormFile("file", name)
	require.NoError(t, err)
	_, err = fw.Write(content)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	resp, err := http.Post(s.URL+"/transcriptions", mw.FormDataContentType(), &buf)
	require.NoError(t, err)
	return resp
}

func TestUploadDeduplicates(t *testing.T) {
	s := newTestServer(t)

	first := upload(t, s, "talk.mp3", []byte("same bytes"))
	defer first.Body.Close()
	require.Equal(t, http.StatusAccepted, first.StatusCode)
	var a transcription.Snapshot
	require.NoError(t, json.NewDecoder(first.Body).Decode(&a))
	assert.Equal(t, "talk.mp3", a.Source.OriginalName)

	second := upload(t, s, "copy.mp3", []byte("same bytes"))
	defer second.Body.Close()
	var b transcription.Snapshot
	require.NoError(t, json.NewDecoder(second.Body).Decode(&b))
	assert.Equal(t, a.ID, b.ID)

	files, err := os.ReadDir(s.uploadDir)
	require.NoError(t, err)
	assert.Len(t, files, 1)
	assert.Equal(t, a.Source.Path, filepath.Join(s.uploadDir, files[0].Name()))

	bad := upload(t, s, "notes.txt", []byte("x"))
	defer bad.Body.Close()
	assert.Equal(t, http.StatusBadRequest, bad.StatusCode)
}

func TestTranslationEndpoints(t *testing.T) {
	s := newTestServer(t)
	id := s.completedTranscription(t)

	resp, _ := s.do(t, http.MethodGet, "/transcriptions/"+id+"/export/vtt", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/vtt", resp.Header.Get("Content-Type"))

	resp, body := s.do(t, http.MethodPost, "/transcriptions/"+id+"/translations", `{"user_id":"u1","target_language":"fr","preset":"dubbing"}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	pid := body["id"].(string)
	assert.Equal(t, "en", body["source_language"])

	resp, _ = s.do(t, http.MethodPost, "/transcriptions/"+id+"/translations", `{"user_id":"u1","target_language":"fr","preset":"poetic"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = s.do(t, http.MethodGet, "/translations/"+pid+"/export/srt", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, body = s.do(t, http.MethodPost, "/translations/"+pid+"/cancel", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, string(translation.StatusCancelled), body["status"])

	resp, _ = s.do(t, http.MethodDelete, "/translations/"+pid, "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, _ = s.do(t, http.MethodGet, "/translations/"+pid, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestInitDB(t *testing.T) {
	db, err := initDB(context.Background(), filepath.Join(t.TempDir(), "data", "voxscribe.db"))
	require.NoError(t, err)
	defer db.Close()

	ok, err := store.NewSQLiteRepo(db).TranscriptionExists(context.Background(), "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

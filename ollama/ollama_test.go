package ollama

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voxscribe/translation"
)

func TestTranslate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/generate", r.URL.Path)
		var req generateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "llama3", req.Model)
		assert.Equal(t, "json", req.Format)
		assert.False(t, req.Stream)
		assert.Equal(t, "system block", req.System)
		assert.Equal(t, "segments", req.Prompt)

		json.NewEncoder(w).Encode(generateResponse{Response: ` {"segments":[{"id":1}]} `})
	}))
	defer srv.Close()

	p := NewProvider(srv.URL+"/", "llama3")
	out, err := p.Translate(context.Background(), translation.Request{Instructions: "system block", Content: "segments", MaxTokens: 600})
	require.NoError(t, err)
	assert.Equal(t, `{"segments":[{"id":1}]}`, string(out))
	assert.Equal(t, "ollama:llama3", p.Name())
}

func TestTranslateErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := NewProvider(srv.URL, "missing").Translate(context.Background(), translation.Request{})
	assert.ErrorContains(t, err, "status 404")

	empty := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"response":"   "}`))
	}))
	defer empty.Close()
	_, err = NewProvider(empty.URL, "m").Translate(context.Background(), translation.Request{})
	assert.ErrorContains(t, err, "empty translation")
}

func TestEnsureModel(t *testing.T) {
	pulled := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/tags":
			w.Write([]byte(`{"models":[{"name":"mistral:latest"}]}`))
		case "/api/pull":
			pulled = true
			w.Write([]byte(`{"status":"success"}`))
		}
	}))
	defer srv.Close()

	require.NoError(t, NewProvider(srv.URL, "mistral").EnsureModel(context.Background()))
	assert.False(t, pulled)

	require.NoError(t, NewProvider(srv.URL, "llama3").EnsureModel(context.Background()))
	assert.True(t, pulled)
}

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"voxscribe/export"
	"voxscribe/failure"
	"voxscribe/notify"
	"voxscribe/pipeline"
	"voxscribe/transcription"
	"voxscribe/translation"
)

const maxUploadMemory = 32 << 20

type api struct {
	svc       *pipeline.Service
	hub       *notify.Hub
	uploadDir string
}

func newRouter(svc *pipeline.Service, hub *notify.Hub, uploadDir string) *mux.Router {
	a := &api{svc: svc, hub: hub, uploadDir: uploadDir}
	r := mux.NewRouter()

	r.HandleFunc("/transcriptions", a.createTranscription).Methods(http.MethodPost)
	r.HandleFunc("/transcriptions", a.listTranscriptions).Methods(http.MethodGet)
	r.HandleFunc("/transcriptions/{id}", a.getTranscription).Methods(http.MethodGet)
	r.HandleFunc("/transcriptions/{id}/retry", a.retryTranscription).Methods(http.MethodPost)
	r.HandleFunc("/transcriptions/{id}/cancel", a.cancelTranscription).Methods(http.MethodPost)
	r.HandleFunc("/transcriptions/{id}/export/{format}", a.exportTranscription).Methods(http.MethodGet)
	r.HandleFunc("/transcriptions/{id}/translations", a.createTranslation).Methods(http.MethodPost)
	r.HandleFunc("/transcriptions/{id}/translations", a.listTranslations).Methods(http.MethodGet)

	r.HandleFunc("/translations/{id}", a.getTranslation).Methods(http.MethodGet)
	r.HandleFunc("/translations/{id}", a.deleteTranslation).Methods(http.MethodDelete)
	r.HandleFunc("/translations/{id}/cancel", a.cancelTranslation).Methods(http.MethodPost)
	r.HandleFunc("/translations/{id}/retry", a.retryTranslation).Methods(http.MethodPost)
	r.HandleFunc("/translations/{id}/export/{format}", a.exportTranslation).Methods(http.MethodGet)

	r.HandleFunc("/ws/transcriptions/{id}", a.watch)
	r.HandleFunc("/ws/translations/{id}", a.watch)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })

	r.Use(logRequests)
	return r
}

// runServer serves until ctx is cancelled, then shuts down gracefully.
func runServer(ctx context.Context, addr string, h http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logrus.WithField("addr", addr).Info("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- fmt.Errorf("http listen and serve: %w", err)
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown server: %w", err)
	}
	return nil
}

type createTranscriptionRequest struct {
	UserID   string `json:"user_id"`
	Language string `json:"language"`
	VideoURL string `json:"video_url"`
}

// createTranscription accepts either a JSON body with a video_url or a
// multipart upload with a "file" part.
func (a *api) createTranscription(w http.ResponseWriter, r *http.Request) {
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/") {
		a.upload(w, r)
		return
	}

	var req createTranscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, failure.New(failure.KindInput, "create transcription", "invalid json body", err))
		return
	}
	if req.UserID == "" || req.VideoURL == "" {
		writeError(w, failure.New(failure.KindInput, "create transcription", "user_id and video_url are required", nil))
		return
	}
	t, err := a.svc.StartRemote(r.Context(), req.UserID, req.VideoURL, req.Language)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, t.Snapshot())
}

func (a *api) upload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		writeError(w, failure.New(failure.KindInput, "upload", "invalid multipart body", err))
		return
	}
	userID := r.FormValue("user_id")
	if userID == "" {
		writeError(w, failure.New(failure.KindInput, "upload", "user_id is required", nil))
		return
	}
	f, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, failure.New(failure.KindInput, "upload", "file part is required", err))
		return
	}
	defer f.Close()

	if mt := transcription.MimeTypeFromName(header.Filename); !transcription.IsAllowedMimeType(mt) {
		writeError(w, failure.New(failure.KindInput, "upload", fmt.Sprintf("unsupported file type %q", filepath.Ext(header.Filename)), nil))
		return
	}
	path := filepath.Join(a.uploadDir, uuid.NewString()+strings.ToLower(filepath.Ext(header.Filename)))
	if err := saveUpload(path, f); err != nil {
		writeError(w, err)
		return
	}

	t, err := a.svc.StartLocal(r.Context(), userID, path, header.Filename, r.FormValue("language"))
	if err != nil {
		os.Remove(path)
		writeError(w, err)
		return
	}
	if t.Source().Path != path {
		// duplicate of an earlier upload
		os.Remove(path)
	}
	writeJSON(w, http.StatusAccepted, t.Snapshot())
}

func saveUpload(path string, src io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating upload dir: %w", err)
	}
	dst, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating upload file: %w", err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		os.Remove(path)
		return fmt.Errorf("writing upload: %w", err)
	}
	return dst.Close()
}

func (a *api) listTranscriptions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var (
		list []*transcription.Transcription
		err  error
	)
	switch {
	case q.Get("user_id") != "":
		list, err = a.svc.TranscriptionsByUser(r.Context(), q.Get("user_id"))
	case q.Get("status") != "":
		list, err = a.svc.TranscriptionsByStatus(r.Context(), transcription.Status(q.Get("status")))
	default:
		err = failure.New(failure.KindInput, "list transcriptions", "user_id or status is required", nil)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]transcription.Snapshot, len(list))
	for i, t := range list {
		out[i] = t.Snapshot()
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *api) getTranscription(w http.ResponseWriter, r *http.Request) {
	t, err := a.svc.Transcription(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t.Snapshot())
}

func (a *api) retryTranscription(w http.ResponseWriter, r *http.Request) {
	t, err := a.svc.Retry(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, t.Snapshot())
}

func (a *api) cancelTranscription(w http.ResponseWriter, r *http.Request) {
	t, err := a.svc.Cancel(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t.Snapshot())
}

func (a *api) exportTranscription(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	t, err := a.svc.Transcription(r.Context(), vars["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	doc, err := export.FromTranscription(t)
	if err != nil {
		writeError(w, failure.InvalidState("transcription", "export", string(t.Status())))
		return
	}
	writeExport(w, doc, vars["format"])
}

type createTranslationRequest struct {
	UserID         string              `json:"user_id"`
	TargetLanguage string              `json:"target_language"`
	Preset         string              `json:"preset"`
	Config         *translation.Config `json:"config"`
}

func (a *api) createTranslation(w http.ResponseWriter, r *http.Request) {
	var req createTranslationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, failure.New(failure.KindInput, "create translation", "invalid json body", err))
		return
	}
	if req.UserID == "" || req.TargetLanguage == "" {
		writeError(w, failure.New(failure.KindInput, "create translation", "user_id and target_language are required", nil))
		return
	}
	cfg, err := presetConfig(req.Preset, req.TargetLanguage)
	if err != nil {
		writeError(w, err)
		return
	}
	if req.Config != nil {
		cfg = *req.Config
	}
	p, err := a.svc.StartTranslation(r.Context(), req.UserID, mux.Vars(r)["id"], req.TargetLanguage, cfg)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, p.Snapshot())
}

func presetConfig(name, target string) (translation.Config, error) {
	switch name {
	case "", "default":
		return translation.DefaultConfig(), nil
	case "dubbing":
		return translation.DubbingPreset(target), nil
	case "technical":
		return translation.TechnicalPreset(nil), nil
	case "emotional":
		return translation.EmotionalPreset(nil, nil), nil
	default:
		return translation.Config{}, failure.New(failure.KindInput, "create translation", fmt.Sprintf("unknown preset %q", name), nil)
	}
}

func (a *api) listTranslations(w http.ResponseWriter, r *http.Request) {
	list, err := a.svc.ProjectsByTranscription(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]translation.ProjectSnapshot, len(list))
	for i, p := range list {
		out[i] = p.Snapshot()
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *api) getTranslation(w http.ResponseWriter, r *http.Request) {
	p, err := a.svc.Project(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p.Snapshot())
}

func (a *api) cancelTranslation(w http.ResponseWriter, r *http.Request) {
	p, err := a.svc.CancelProject(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p.Snapshot())
}

func (a *api) retryTranslation(w http.ResponseWriter, r *http.Request) {
	p, err := a.svc.RetryProject(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, p.Snapshot())
}

func (a *api) deleteTranslation(w http.ResponseWriter, r *http.Request) {
	if err := a.svc.DeleteProject(r.Context(), mux.Vars(r)["id"]); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) exportTranslation(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	p, err := a.svc.Project(r.Context(), vars["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	doc, err := export.FromProject(p)
	if err != nil {
		writeError(w, failure.InvalidState("translation project", "export", string(p.Status())))
		return
	}
	writeExport(w, doc, vars["format"])
}

func (a *api) watch(w http.ResponseWriter, r *http.Request) {
	a.hub.Serve(w, r, mux.Vars(r)["id"])
}

func writeExport(w http.ResponseWriter, doc export.Document, format string) {
	f, err := export.ParseFormat(format)
	if err != nil {
		writeError(w, failure.New(failure.KindInput, "export", "", err))
		return
	}
	w.Header().Set("Content-Type", f.ContentType())
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", doc.ID+"."+f.Extension()))
	if err := export.Write(w, doc, f); err != nil {
		logrus.WithError(err).WithField("id", doc.ID).Error("writing export")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logrus.WithError(err).Error("encoding response")
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	kind := failure.KindOf(err)
	switch {
	case errors.Is(err, failure.ErrNotFound):
		status, kind = http.StatusNotFound, failure.KindNotFound
	case failure.IsInvalidState(err):
		status, kind = http.StatusConflict, failure.KindInvalidState
	case kind == failure.KindInput:
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		logrus.WithError(err).Error("request failed")
	}
	writeJSON(w, status, errorResponse{Error: err.Error(), Code: string(kind)})
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logrus.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"duration": time.Since(start).String(),
		}).Debug("request")
	})
}

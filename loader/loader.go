// Package loader is a client for the remote-video download service: submit a
// video URL, poll its conversion progress, then fetch the resulting audio.
package loader

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "loader")

type (
	Client struct {
		apiURL      string
		progressURL string
		apiKey      string
		hc          *http.Client
	}

	// Submission identifies a conversion job on the download service.
	Submission struct {
		ID          string
		ProgressURL string
	}

	// Progress is one poll of a conversion job. Progress runs 0 to 1000.
	Progress struct {
		Progress    int
		Success     bool
		DownloadURL string
		Text        string
	}

	// StatusError is a non-200 answer from the download service.
	StatusError struct {
		Code     int
		Category string
		Body     string
	}

	submitResponse struct {
		Success     flexBool `json:"success"`
		ID          string   `json:"id"`
		ProgressURL string   `json:"progress_url"`
		Error       string   `json:"error"`
	}

	progressResponse struct {
		Success     flexBool `json:"success"`
		Progress    int      `json:"progress"`
		DownloadURL *string  `json:"download_url"`
		Text        string   `json:"text"`
	}

	flexBool bool
)

func (e *StatusError) Error() string {
	return fmt.Sprintf("download service returned %d (%s)", e.Code, e.Category)
}

// New builds a client. progressURL is used when the service does not return
// a per-job progress URL. A nil hc gets a client with a 30s timeout.
func New(apiURL, progressURL, apiKey string, hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{apiURL: apiURL, progressURL: progressURL, apiKey: apiKey, hc: hc}
}

// Submit starts a conversion of videoURL to the given audio format.
func (c *Client) Submit(ctx context.Context, videoURL, format string) (Submission, error) {
	q := url.Values{}
	q.Set("format", format)
	q.Set("url", videoURL)
	q.Set("api", c.apiKey)

	var res submitResponse
	if err := c.getJSON(ctx, c.apiURL+"?"+q.Encode(), &res); err != nil {
		return Submission{}, fmt.Errorf("submit %s: %w", videoURL, err)
	}
	if !res.Success {
		msg := res.Error
		if msg == "" {
			msg = "invalid response"
		}
		return Submission{}, fmt.Errorf("submit %s: %s", videoURL, msg)
	}
	if res.ID == "" {
		return Submission{}, fmt.Errorf("submit %s: empty download id", videoURL)
	}

	sub := Submission{ID: res.ID, ProgressURL: res.ProgressURL}
	if sub.ProgressURL == "" {
		sub.ProgressURL = c.progressURL + "?id=" + url.QueryEscape(res.ID)
	}
	log.WithFields(logrus.Fields{"download_id": sub.ID, "url": videoURL}).Debug("download submitted")
	return sub, nil
}

// Poll reads the job's progress once.
func (c *Client) Poll(ctx context.Context, progressURL string) (Progress, error) {
	var res progressResponse
	if err := c.getJSON(ctx, progressURL, &res); err != nil {
		return Progress{}, fmt.Errorf("poll progress: %w", err)
	}
	p := Progress{Progress: res.Progress, Success: bool(res.Success), Text: res.Text}
	if res.DownloadURL != nil {
		p.DownloadURL = *res.DownloadURL
	}
	return p, nil
}

// Fetch streams the converted file into w and returns the byte count.
func (c *Client) Fetch(ctx context.Context, downloadURL string, w io.Writer) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, downloadURL, nil)
	if err != nil {
		return 0, fmt.Errorf("fetch audio: %w", err)
	}
	// downloads are not bound by the API timeout
	hc := *c.hc
	hc.Timeout = 0
	resp, err := hc.Do(req)
	if err != nil {
		return 0, fmt.Errorf("fetch audio: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("fetch audio: %w", statusError(resp))
	}
	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return n, fmt.Errorf("fetch audio: copying body: %w", err)
	}
	return n, nil
}

func (c *Client) getJSON(ctx context.Context, u string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return statusError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func statusError(resp *http.Response) *StatusError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	cat := "api"
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		cat = "quota"
	case resp.StatusCode == http.StatusNotFound:
		cat = "not_found"
	case resp.StatusCode == http.StatusForbidden:
		cat = "access_denied"
	case resp.StatusCode >= 500:
		cat = "network"
	}
	return &StatusError{Code: resp.StatusCode, Category: cat, Body: string(body)}
}

func (b *flexBool) UnmarshalJSON(data []byte) error {
	s := string(bytes.Trim(data, `"`))
	switch strings.ToLower(s) {
	case "true", "1":
		*b = true
	case "false", "0", "null", "":
		*b = false
	default:
		return fmt.Errorf("invalid boolean %s", data)
	}
	return nil
}

var videoURLPattern = regexp.MustCompile(`^(https?://)?(www\.)?(youtube\.com/watch\?v=|youtube\.com/shorts/|youtube\.com/v/|youtube\.com/embed/|youtu\.be/)([a-zA-Z0-9_-]{11})(\S*)?$`)

// ParseVideoURL extracts the 11-character video id and returns a normalized
// watch URL.
func ParseVideoURL(raw string) (id, normalized string, err error) {
	u := strings.TrimSpace(raw)
	if u == "" {
		return "", "", fmt.Errorf("empty video url")
	}
	u = strings.Replace(u, "m.youtube.com", "www.youtube.com", 1)
	u = strings.Replace(u, "youtu.be/", "www.youtube.com/watch?v=", 1)

	m := videoURLPattern.FindStringSubmatch(u)
	if m == nil {
		return "", "", fmt.Errorf("unrecognized video url %q", raw)
	}
	return m[4], "https://www.youtube.com/watch?v=" + m[4], nil
}

// Package whisperx runs the whisperx CLI as a local recognition provider.
package whisperx

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"voxscribe/failure"
	"voxscribe/transcription"
)

var log = logrus.WithField("component", "whisperx")

type (
	transcribeResult struct {
		Language string    `json:"language"`
		Segments []segment `json:"segments"`
	}

	segment struct {
		Text  string          `json:"text"`
		Start decimal.Decimal `json:"start"`
		End   decimal.Decimal `json:"end"`
		Words []word          `json:"words"`
	}

	word struct {
		Text  string           `json:"word"`
		Start *decimal.Decimal `json:"start"`
		End   *decimal.Decimal `json:"end"`
		Score *float64         `json:"score"`
	}
)

type Transcriber struct {
	Bin       string
	ModelName string
}

var _ transcription.Recognizer = Transcriber{}

func (w Transcriber) Model() string {
	if w.ModelName == "" {
		return "whisperx"
	}
	return "whisperx:" + w.ModelName
}

func (w Transcriber) Recognize(ctx context.Context, req transcription.RecognizeRequest) (transcription.Recognition, error) {
	outDir, err := os.MkdirTemp("", "whisperx-*")
	if err != nil {
		return transcription.Recognition{}, failure.TranscriptionProvider("whisperx", "creating output dir", err)
	}
	defer os.RemoveAll(outDir)

	bin := w.Bin
	if bin == "" {
		bin = "whisperx"
	}
	args := []string{req.Path, "--output_format", "json", "--output_dir", outDir}
	if w.ModelName != "" {
		args = append(args, "--model", w.ModelName)
	}
	if req.LanguageHint != "" {
		args = append(args, "--language", req.LanguageHint)
	}
	if req.Prompt != "" {
		args = append(args, "--initial_prompt", req.Prompt)
	}
	cmd := exec.CommandContext(ctx, bin, args...)

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return transcription.Recognition{}, failure.TranscriptionProvider("whisperx", "stderr pipe", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return transcription.Recognition{}, failure.TranscriptionProvider("whisperx", "stdout pipe", err)
	}
	if err := cmd.Start(); err != nil {
		return transcription.Recognition{}, failure.TranscriptionProvider("whisperx", "starting", err)
	}

	l := log.WithField("path", req.Path)
	go streamLines(stderr, l)
	go streamLines(stdout, l)

	if err := cmd.Wait(); err != nil {
		return transcription.Recognition{}, failure.TranscriptionProvider("whisperx", "transcribing with whisperx", err)
	}

	base := filepath.Base(req.Path)
	resultPath := filepath.Join(outDir, strings.TrimSuffix(base, filepath.Ext(base))+".json")
	f, err := os.Open(resultPath)
	if err != nil {
		return transcription.Recognition{}, failure.TranscriptionProvider("whisperx", "opening whisperx transcribe result", err)
	}
	defer f.Close()

	rec, err := decode(f)
	if err != nil {
		return transcription.Recognition{}, failure.TranscriptionProvider("whisperx", "decoding whisperx json result", err)
	}
	return rec, nil
}

func streamLines(r io.Reader, l *logrus.Entry) {
	scanner := bufio.NewScanner(r)
	scanner.Split(bufio.ScanLines)
	for scanner.Scan() {
		l.Debug(scanner.Text())
	}
}

func decode(r io.Reader) (transcription.Recognition, error) {
	var tr transcribeResult
	if err := json.NewDecoder(r).Decode(&tr); err != nil {
		return transcription.Recognition{}, err
	}

	res := transcription.Recognition{
		Language: tr.Language,
		Segments: make([]transcription.Segment, len(tr.Segments)),
	}
	texts := make([]string, 0, len(tr.Segments))
	for n, s := range tr.Segments {
		text := strings.TrimSpace(s.Text)
		res.Segments[n] = transcription.Segment{
			ID:         n,
			Text:       text,
			Start:      seconds(s.Start),
			End:        seconds(s.End),
			Words:      wordsFromResult(s.Words),
			AvgLogProb: meanLogScore(s.Words),
		}
		texts = append(texts, text)
		if end := seconds(s.End); end > res.Duration {
			res.Duration = end
		}
	}
	res.Text = strings.Join(texts, " ")
	return res, nil
}

// seconds rounds to the millisecond.
func seconds(d decimal.Decimal) float64 {
	return d.Round(3).InexactFloat64()
}

// wordsFromResult keeps words that carry timing; whisperx leaves numerals
// and symbols it could not align without start/end.
func wordsFromResult(words []word) []transcription.Word {
	res := make([]transcription.Word, 0, len(words))
	for _, w := range words {
		if w.Start == nil || w.End == nil {
			continue
		}
		res = append(res, transcription.Word{
			Word:  strings.TrimSpace(w.Text),
			Start: seconds(*w.Start),
			End:   seconds(*w.End),
		})
	}
	return res
}

// meanLogScore turns the mean word alignment score into a log-probability so
// the quality filter can treat it like Whisper's avg_logprob.
func meanLogScore(words []word) *float64 {
	var sum float64
	n := 0
	for _, w := range words {
		if w.Score != nil && *w.Score > 0 {
			sum += *w.Score
			n++
		}
	}
	if n == 0 {
		return nil
	}
	lp := math.Log(sum / float64(n))
	return &lp
}

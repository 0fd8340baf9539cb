package acquire

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"voxscribe/b3"
	"voxscribe/failure"
)

type (
	// Compressor shrinks an audio file below the recognition ceiling.
	Compressor interface {
		Compress(ctx context.Context, in string) (string, error)
	}

	commandResult struct {
		Stdout   string
		Stderr   string
		ExitCode int
	}

	commandRunner interface {
		Run(ctx context.Context, name string, args ...string) (commandResult, error)
	}

	execRunner struct{}

	// FFmpeg re-encodes to mono 22.05kHz 128k MP3 under outDir.
	FFmpeg struct {
		bin    string
		outDir string
		runner commandRunner
		stat   func(name string) (os.FileInfo, error)
	}
)

var _ Compressor = (*FFmpeg)(nil)

func (r execRunner) Run(ctx context.Context, name string, args ...string) (commandResult, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := commandResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		res.ExitCode = -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
		}
		return res, err
	}
	return res, nil
}

// NewFFmpeg uses bin, or "ffmpeg" from PATH when empty. Output files go to
// outDir, which must not be a watched inbox or upload directory.
func NewFFmpeg(bin, outDir string) *FFmpeg {
	if bin == "" {
		bin = "ffmpeg"
	}
	return &FFmpeg{bin: bin, outDir: outDir, runner: execRunner{}, stat: os.Stat}
}

// CompressedPrefix starts the name of every file Compress writes.
const CompressedPrefix = "compressed_"

// CompressedPath is where Compress writes the output for in. The name
// carries a digest of the input path so inputs sharing a base name in
// different directories do not collide.
func CompressedPath(outDir, in string) string {
	name := filepath.Base(in)
	base := strings.TrimSuffix(name, filepath.Ext(name))
	return filepath.Join(outDir, CompressedPrefix+b3.Sum([]byte(in))[:12]+"_"+base+".mp3")
}

func (f *FFmpeg) Compress(ctx context.Context, in string) (string, error) {
	if err := os.MkdirAll(f.outDir, 0o755); err != nil {
		return "", failure.Compression("compress", "creating output dir", err)
	}
	out := CompressedPath(f.outDir, in)
	res, err := f.runner.Run(ctx, f.bin,
		"-y", "-i", in,
		"-c:a", "libmp3lame", "-b:a", "128k", "-ac", "1", "-ar", "22050",
		out,
	)
	if err != nil || res.ExitCode != 0 {
		msg := fmt.Sprintf("ffmpeg exited with code %d", res.ExitCode)
		if tail := lastLine(res.Stderr); tail != "" {
			msg += ": " + tail
		}
		return "", failure.Compression("compress", msg, err)
	}
	fi, err := f.stat(out)
	if err != nil {
		return "", failure.Compression("compress", "missing output "+out, err)
	}
	if fi.Size() == 0 {
		return "", failure.Compression("compress", "empty output "+out, nil)
	}
	return out, nil
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}

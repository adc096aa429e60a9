package ytdlp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os/exec"
	"strings"
)

const unknownTitle = "Unknown"

// Metadata is the descriptive information returned by a probe run.
type Metadata struct {
	Title     string
	Duration  string
	Thumbnail string
}

// Probe runs yt-dlp in metadata-only mode and parses its JSON document once the
// process has exited.
func (c *Client) Probe(ctx context.Context, url string) (Metadata, error) {
	if c.probeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.probeTimeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, c.bin, "--dump-json", "--no-playlist", url)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = c.waitDelay

	c.logger.Debug("probing metadata", "url", url)
	if err := cmd.Run(); err != nil && !errors.Is(err, exec.ErrWaitDelay) {
		if ctx.Err() != nil {
			return Metadata{}, &ProbeError{Err: ctx.Err()}
		}
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return Metadata{}, &SpawnError{Bin: c.bin, Err: err}
		}
		return Metadata{}, &ProbeError{Detail: strings.TrimSpace(stderr.String()), Err: err}
	}

	return parseMetadata(stdout.Bytes())
}

type metadataDocument struct {
	Title     string   `json:"title"`
	Duration  *float64 `json:"duration"`
	Thumbnail string   `json:"thumbnail"`
}

func parseMetadata(data []byte) (Metadata, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return Metadata{}, &ProbeError{Detail: "empty metadata document"}
	}

	var doc metadataDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return Metadata{}, &ProbeError{Detail: fmt.Sprintf("invalid metadata document: %v", err), Err: err}
	}

	meta := Metadata{
		Title:     doc.Title,
		Thumbnail: doc.Thumbnail,
	}
	if meta.Title == "" {
		meta.Title = unknownTitle
	}
	if doc.Duration != nil && *doc.Duration > 0 {
		meta.Duration = FormatDuration(int(math.Floor(*doc.Duration)))
	}
	return meta, nil
}

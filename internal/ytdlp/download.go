package ytdlp

import (
	"context"
	"errors"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"
)

const (
	maxDiagnosticLines = 40
	maxLineBytes       = 1024 * 1024
	// how long output may stay open after the process exits or is killed, for example
	// when a post-processing child inherited the pipes
	defaultWaitDelay = 5 * time.Second
)

// Download runs yt-dlp with args and sends every parsed progress value on ticks. It
// returns after the process has exited and both output streams are drained; the caller
// owns ticks and closes it afterwards.
func (c *Client) Download(ctx context.Context, args []string, ticks chan<- int) error {
	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()

	cmd := exec.CommandContext(ctx, c.bin, args...)
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW
	cmd.WaitDelay = c.waitDelay

	c.logger.Debug("starting download", "bin", c.bin, "args", args)
	if err := cmd.Start(); err != nil {
		return &SpawnError{Bin: c.bin, Err: err}
	}

	// yt-dlp prints [download] lines on stdout; errors and warnings go to stderr.
	diag := &tailBuffer{max: maxDiagnosticLines}
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for p := range ScanProgress(stdoutR) {
			ticks <- p
		}
		drain(stdoutR)
	}()
	go func() {
		defer wg.Done()
		scanDiagnostics(stderrR, ticks, diag)
	}()

	err := cmd.Wait()
	_ = stdoutW.Close()
	_ = stderrW.Close()
	wg.Wait()

	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, exec.ErrWaitDelay) {
			c.logger.Warn("yt-dlp exited but its output stayed open", "wait_delay", c.waitDelay)
			return nil
		}
		return &DownloadError{Detail: diag.String(), Err: err}
	}
	return nil
}

func scanDiagnostics(r io.Reader, ticks chan<- int, diag *tailBuffer) {
	for line := range scanLines(r) {
		if raw, ok := ParseProgress(line); ok {
			ticks <- ScaleProgress(raw)
			continue
		}
		diag.add(line)
	}
	drain(r)
}

// drain keeps the pipe empty so the writer never blocks after the scanner gave up.
func drain(r io.Reader) {
	_, _ = io.Copy(io.Discard, r)
}

// tailBuffer keeps the last max lines written to it.
type tailBuffer struct {
	mu    sync.Mutex
	max   int
	lines []string
}

func (b *tailBuffer) add(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lines = append(b.lines, line)
	if len(b.lines) > b.max {
		b.lines = b.lines[len(b.lines)-b.max:]
	}
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.Join(b.lines, "\n")
}

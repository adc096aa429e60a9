package ytdlp

import (
	"bufio"
	"io"
	"iter"
	"math"
	"regexp"
	"strconv"
	"strings"
)

// Progress bounds reserved around the download phase: 0-20 covers metadata and 95-100
// covers post-processing and artifact resolution.
const (
	ProgressFloor   = 20
	ProgressCeiling = 95
)

var progressRe = regexp.MustCompile(`\[download\]\s+(\d+(?:\.\d+)?)%`)

// ParseProgress extracts the raw percentage from a yt-dlp output line.
func ParseProgress(line string) (float64, bool) {
	m := progressRe.FindStringSubmatch(line)
	if m == nil {
		return 0, false
	}
	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// ScaleProgress maps a raw 0-100 value into the 20-95 global range.
func ScaleProgress(raw float64) int {
	raw = math.Max(0, math.Min(100, raw))
	return int(math.Round(ProgressFloor + raw*float64(ProgressCeiling-ProgressFloor)/100))
}

// ScanProgress yields a scaled value for every matching line read from r. Each call
// starts a fresh scan with no state carried between runs.
func ScanProgress(r io.Reader) iter.Seq[int] {
	return func(yield func(int) bool) {
		for line := range scanLines(r) {
			raw, ok := ParseProgress(line)
			if !ok {
				continue
			}
			if !yield(ScaleProgress(raw)) {
				return
			}
		}
	}
}

// scanLines yields trimmed, non-empty lines up to maxLineBytes long.
func scanLines(r io.Reader) iter.Seq[string] {
	return func(yield func(string) bool) {
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			if !yield(line) {
				return
			}
		}
	}
}

package ytdlp

import (
	"path/filepath"

	"mediagrab/internal/models"
)

// Options describes one download invocation.
type Options struct {
	URL       string
	OutputDir string
	MediaKind models.MediaKind
	Quality   models.Quality
	Format    models.Format
	// Tag is embedded in the output filename so the produced file can be attributed to
	// its job. Empty keeps the plain title-based name.
	Tag string
}

// bestAudioQuality is yt-dlp's VBR scale where 0 is best.
const bestAudioQuality = "0"

var videoSelectors = map[models.Quality]string{
	models.QualityHighest: "bestvideo",
	models.Quality4K:      "bestvideo[height<=2160]",
	models.Quality1080p:   "bestvideo[height<=1080]",
	models.Quality720p:    "bestvideo[height<=720]",
	models.Quality360p:    "bestvideo[height<=360]",
	models.Quality144p:    "worstvideo",
	models.QualityLowest:  "worstvideo",
}

// BuildArgs maps the request options to the yt-dlp argument vector. It performs no I/O.
func BuildArgs(opts Options) []string {
	format := opts.Format
	if format == "" {
		format = models.FormatMP4
	}

	args := []string{
		"--no-playlist",
		"--newline",
		"--progress",
		"-o", OutputTemplate(opts.OutputDir, opts.Tag),
	}

	switch {
	case opts.MediaKind == models.MediaAudio:
		args = append(args, "-x", "--audio-format", string(format), "--audio-quality", bestAudioQuality)
	case opts.Quality == models.QualityHighest || opts.Quality == "":
		args = append(args, "-f", "bestvideo+bestaudio/best", "--merge-output-format", string(format))
	default:
		args = append(args, "-f", FormatSelector(opts.Quality), "--merge-output-format", string(format))
	}

	return append(args, opts.URL)
}

// FormatSelector returns the video+audio selector for a quality; unknown qualities fall back
// to the best available video.
func FormatSelector(q models.Quality) string {
	video, ok := videoSelectors[q]
	if !ok {
		video = "bestvideo"
	}
	return video + "+bestaudio/best"
}

func OutputTemplate(dir, tag string) string {
	name := "%(title)s.%(ext)s"
	if tag != "" {
		name = "%(title)s [" + tag + "].%(ext)s"
	}
	return filepath.Join(dir, name)
}

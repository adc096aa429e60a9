package models

import (
	"strings"
	"time"
)

// JobStatus represents the current state of a download job.
type JobStatus string

const (
	StatusPending     JobStatus = "pending"
	StatusDownloading JobStatus = "downloading"
	StatusCompleted   JobStatus = "completed"
	StatusFailed      JobStatus = "failed"
)

// IsTerminal reports whether no further transition is possible.
func (s JobStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransitionTo reports whether moving from s to next keeps the lifecycle forward-only.
// Staying in the same status is always allowed.
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	if s == next {
		return true
	}
	switch s {
	case StatusPending:
		return next == StatusDownloading || next == StatusFailed
	case StatusDownloading:
		return next == StatusCompleted || next == StatusFailed
	default:
		return false
	}
}

// ParseStatus validates a status coming from a query string.
func ParseStatus(v string) (JobStatus, bool) {
	switch s := JobStatus(strings.ToLower(strings.TrimSpace(v))); s {
	case StatusPending, StatusDownloading, StatusCompleted, StatusFailed:
		return s, true
	default:
		return "", false
	}
}

type MediaKind string

const (
	MediaVideo MediaKind = "video"
	MediaAudio MediaKind = "audio"
)

func ParseMediaKind(v string) (MediaKind, bool) {
	switch k := MediaKind(strings.ToLower(strings.TrimSpace(v))); k {
	case MediaVideo, MediaAudio:
		return k, true
	default:
		return "", false
	}
}

type Quality string

const (
	QualityAuto    Quality = "auto"
	QualityHighest Quality = "highest"
	QualityLowest  Quality = "lowest"
	Quality144p    Quality = "144p"
	Quality360p    Quality = "360p"
	Quality720p    Quality = "720p"
	Quality1080p   Quality = "1080p"
	Quality4K      Quality = "4k"
)

// ParseQuality returns QualityHighest for an empty value.
func ParseQuality(v string) (Quality, bool) {
	q := Quality(strings.ToLower(strings.TrimSpace(v)))
	switch q {
	case "":
		return QualityHighest, true
	case QualityAuto, QualityHighest, QualityLowest, Quality144p, Quality360p, Quality720p, Quality1080p, Quality4K:
		return q, true
	default:
		return "", false
	}
}

type Format string

const (
	FormatMP4  Format = "mp4"
	FormatWebM Format = "webm"
	FormatMP3  Format = "mp3"
	FormatM4A  Format = "m4a"
	FormatAVI  Format = "avi"
	FormatMOV  Format = "mov"
)

// ParseFormat returns FormatMP4 for an empty value.
func ParseFormat(v string) (Format, bool) {
	f := Format(strings.ToLower(strings.TrimPrefix(strings.TrimSpace(v), ".")))
	switch f {
	case "":
		return FormatMP4, true
	case FormatMP4, FormatWebM, FormatMP3, FormatM4A, FormatAVI, FormatMOV:
		return f, true
	default:
		return "", false
	}
}

// Job stores the immutable request and the runtime state of a single URL download.
type Job struct {
	ID           string     `json:"id"`
	URL          string     `json:"url"`
	MediaKind    MediaKind  `json:"mediaType"`
	Quality      Quality    `json:"quality"`
	Format       Format     `json:"format"`
	Title        string     `json:"title"`
	Duration     string     `json:"duration"`
	Thumbnail    string     `json:"thumbnail"`
	Status       JobStatus  `json:"status"`
	Progress     int        `json:"progress"`
	ArtifactPath string     `json:"-"`
	FileName     string     `json:"fileName,omitempty"`
	DownloadPath string     `json:"downloadPath,omitempty"`
	ErrorMessage string     `json:"errorMessage,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`
}

// Clone returns a deep copy safe to hand to other goroutines.
func (j *Job) Clone() Job {
	c := *j
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	return c
}

// DownloadRequest is the intake payload: one job is created per URL.
type DownloadRequest struct {
	URLs      []string `json:"urls"`
	MediaKind string   `json:"mediaType"`
	Quality   string   `json:"quality,omitempty"`
	Format    string   `json:"format,omitempty"`
}

// JobEvent is pushed to real-time subscribers.
type JobEvent struct {
	Event string `json:"event"`
	Job   Job    `json:"job"`
}

const EventJobUpdate = "job-update"

package ytdlp

import "fmt"

// ProbeError means the metadata run exited non-zero or produced an unreadable document.
type ProbeError struct {
	Detail string
	Err    error
}

func (e *ProbeError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("metadata probe failed: %s", e.Detail)
	}
	return fmt.Sprintf("metadata probe failed: %v", e.Err)
}

func (e *ProbeError) Unwrap() error { return e.Err }

// SpawnError means the tool could not be started at all.
type SpawnError struct {
	Bin string
	Err error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("failed to start %s: %v", e.Bin, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// DownloadError means the download run exited non-zero. Detail holds the captured
// diagnostic output.
type DownloadError struct {
	Detail string
	Err    error
}

func (e *DownloadError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("download failed: %s", e.Detail)
	}
	return fmt.Sprintf("download failed: %v", e.Err)
}

func (e *DownloadError) Unwrap() error { return e.Err }

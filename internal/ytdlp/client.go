package ytdlp

import (
	"log/slog"
	"time"
)

const defaultBin = "yt-dlp"

// Client wraps yt-dlp invocations: metadata probing and downloads.
type Client struct {
	logger       *slog.Logger
	bin          string
	probeTimeout time.Duration
	waitDelay    time.Duration
}

func NewClient(logger *slog.Logger, bin string, probeTimeout time.Duration) *Client {
	if bin == "" {
		bin = defaultBin
	}
	return &Client{logger: logger, bin: bin, probeTimeout: probeTimeout, waitDelay: defaultWaitDelay}
}

func (c *Client) Bin() string {
	return c.bin
}

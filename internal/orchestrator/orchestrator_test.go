package orchestrator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mediagrab/internal/artifact"
	"mediagrab/internal/models"
	"mediagrab/internal/registry"
	"mediagrab/internal/ytdlp"
)

type fakeProber struct {
	meta  ytdlp.Metadata
	err   error
	calls int
	mu    sync.Mutex
}

func (p *fakeProber) Probe(ctx context.Context, url string) (ytdlp.Metadata, error) {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()
	return p.meta, p.err
}

type downloadFunc func(ctx context.Context, args []string, ticks chan<- int) error

func (f downloadFunc) Download(ctx context.Context, args []string, ticks chan<- int) error {
	return f(ctx, args, ticks)
}

type recorder struct {
	mu     sync.Mutex
	events []models.Job
}

func (r *recorder) Publish(job models.Job) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, job)
}

func (r *recorder) forJob(id string) []models.Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.Job
	for _, e := range r.events {
		if e.ID == id {
			out = append(out, e)
		}
	}
	return out
}

// writeOutput creates the file yt-dlp would produce for the -o template in args.
func writeOutput(t *testing.T, args []string, title, ext string) string {
	t.Helper()
	var tmpl string
	for i, a := range args {
		if a == "-o" {
			tmpl = args[i+1]
		}
	}
	require.NotEmpty(t, tmpl)
	path := strings.NewReplacer("%(title)s", title, "%(ext)s", ext).Replace(tmpl)
	require.NoError(t, os.WriteFile(path, []byte("media"), 0o644))
	return path
}

type harness struct {
	orch   *Orchestrator
	reg    *registry.Registry
	pub    *recorder
	prober *fakeProber
	dir    string
}

func newHarness(t *testing.T, prober *fakeProber, dl Downloader, cfg Config) *harness {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "downloads")
	reg := registry.New()
	pub := &recorder{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	o := New(logger, reg, prober, dl, artifact.NewResolver(dir, 10*time.Millisecond), pub, cfg)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = o.Shutdown(ctx)
	})
	return &harness{orch: o, reg: reg, pub: pub, prober: prober, dir: dir}
}

func (h *harness) waitTerminal(t *testing.T, id string) models.Job {
	t.Helper()
	var job models.Job
	require.Eventually(t, func() bool {
		job, _ = h.orch.Get(id)
		return job.Status.IsTerminal()
	}, 5*time.Second, 5*time.Millisecond)
	return job
}

func videoRequest(urls ...string) models.DownloadRequest {
	return models.DownloadRequest{URLs: urls, MediaKind: "video", Quality: "720p", Format: "mp4"}
}

func TestSubmit_CreatesOnePendingJobPerURL(t *testing.T) {
	prober := &fakeProber{meta: ytdlp.Metadata{Title: "Clip"}}
	dl := downloadFunc(func(ctx context.Context, args []string, ticks chan<- int) error {
		writeOutput(t, args, "Clip", "mp4")
		return nil
	})
	h := newHarness(t, prober, dl, Config{})

	jobs, err := h.orch.Submit(videoRequest("https://host/a", "https://host/b", "https://host/c"))
	require.NoError(t, err)
	require.Len(t, jobs, 3)

	ids := map[string]struct{}{}
	for _, j := range jobs {
		assert.Equal(t, models.StatusPending, j.Status)
		assert.Equal(t, 0, j.Progress)
		assert.Equal(t, models.Quality720p, j.Quality)
		ids[j.ID] = struct{}{}
	}
	assert.Len(t, ids, 3)

	for _, j := range jobs {
		h.waitTerminal(t, j.ID)
	}
	assert.Len(t, h.orch.List(""), 3)
}

func TestSubmit_DefaultsQualityAndFormat(t *testing.T) {
	h := newHarness(t, &fakeProber{err: errors.New("boom")}, downloadFunc(nil), Config{})

	jobs, err := h.orch.Submit(models.DownloadRequest{URLs: []string{"https://host/a"}, MediaKind: "video"})
	require.NoError(t, err)
	assert.Equal(t, models.QualityHighest, jobs[0].Quality)
	assert.Equal(t, models.FormatMP4, jobs[0].Format)
	h.waitTerminal(t, jobs[0].ID)
}

func TestSubmit_RejectsInvalidBatch(t *testing.T) {
	h := newHarness(t, &fakeProber{}, downloadFunc(nil), Config{})

	tests := []models.DownloadRequest{
		{MediaKind: "video"},
		{URLs: []string{"https://host/a", "  "}, MediaKind: "video"},
		{URLs: []string{"https://host/a"}, MediaKind: "image"},
		{URLs: []string{"https://host/a"}, MediaKind: "video", Quality: "8k"},
		{URLs: []string{"https://host/a"}, MediaKind: "audio", Format: "flac"},
	}
	for _, req := range tests {
		_, err := h.orch.Submit(req)
		require.ErrorIs(t, err, ErrInvalidRequest)
	}
	assert.Equal(t, 0, h.reg.Len())
}

func TestPipeline_Completes(t *testing.T) {
	prober := &fakeProber{meta: ytdlp.Metadata{Title: "Song", Duration: "3:05", Thumbnail: "t.jpg"}}
	var gotArgs []string
	dl := downloadFunc(func(ctx context.Context, args []string, ticks chan<- int) error {
		gotArgs = args
		for _, p := range []int{20, 54, 95} {
			ticks <- p
		}
		writeOutput(t, args, "Song", "mp4")
		return nil
	})
	h := newHarness(t, prober, dl, Config{})

	jobs, err := h.orch.Submit(videoRequest("https://host/x"))
	require.NoError(t, err)
	job := h.waitTerminal(t, jobs[0].ID)

	assert.Equal(t, models.StatusCompleted, job.Status)
	assert.Equal(t, 100, job.Progress)
	assert.Equal(t, "Song", job.Title)
	assert.Equal(t, "3:05", job.Duration)
	assert.Equal(t, "t.jpg", job.Thumbnail)
	require.NotNil(t, job.CompletedAt)
	assert.Empty(t, job.ErrorMessage)

	tag := tagFor(job.ID)
	assert.Equal(t, "Song ["+tag+"].mp4", job.FileName)
	assert.Equal(t, filepath.Join(h.dir, job.FileName), job.ArtifactPath)
	assert.Equal(t, "/downloads/Song%20%5B"+tag+"%5D.mp4", job.DownloadPath)
	assert.Contains(t, gotArgs, "bestvideo[height<=720]+bestaudio/best")
	assert.Equal(t, "https://host/x", gotArgs[len(gotArgs)-1])

	events := h.pub.forJob(job.ID)
	statuses := make([]models.JobStatus, 0, len(events))
	progress := make([]int, 0, len(events))
	for _, e := range events {
		statuses = append(statuses, e.Status)
		progress = append(progress, e.Progress)
	}
	assert.Equal(t, []models.JobStatus{
		models.StatusPending, models.StatusDownloading, models.StatusDownloading,
		models.StatusDownloading, models.StatusDownloading, models.StatusCompleted,
	}, statuses)
	assert.Equal(t, []int{0, 10, 20, 54, 95, 100}, progress)
}

func TestPipeline_ProgressNeverDecreases(t *testing.T) {
	prober := &fakeProber{meta: ytdlp.Metadata{Title: "Two streams"}}
	dl := downloadFunc(func(ctx context.Context, args []string, ticks chan<- int) error {
		// video stream then audio stream, each reported from 0%
		for _, p := range []int{20, 60, 95, 20, 40, 95} {
			ticks <- p
		}
		writeOutput(t, args, "Two streams", "mp4")
		return nil
	})
	h := newHarness(t, prober, dl, Config{})

	jobs, err := h.orch.Submit(videoRequest("https://host/x"))
	require.NoError(t, err)
	h.waitTerminal(t, jobs[0].ID)

	last := -1
	for _, e := range h.pub.forJob(jobs[0].ID) {
		if e.Status != models.StatusDownloading {
			continue
		}
		assert.GreaterOrEqual(t, e.Progress, last)
		last = e.Progress
	}
	assert.Equal(t, 95, last)
}

func TestPipeline_ProbeFailureSkipsDownload(t *testing.T) {
	prober := &fakeProber{err: &ytdlp.ProbeError{Detail: "ERROR: Unsupported URL"}}
	called := false
	dl := downloadFunc(func(ctx context.Context, args []string, ticks chan<- int) error {
		called = true
		return nil
	})
	h := newHarness(t, prober, dl, Config{})

	jobs, err := h.orch.Submit(videoRequest("https://host/x"))
	require.NoError(t, err)
	job := h.waitTerminal(t, jobs[0].ID)

	assert.Equal(t, models.StatusFailed, job.Status)
	assert.Contains(t, job.ErrorMessage, "Unsupported URL")
	assert.Nil(t, job.CompletedAt)
	assert.Empty(t, job.ArtifactPath)
	assert.False(t, called)
}

func TestPipeline_DownloadFailure(t *testing.T) {
	prober := &fakeProber{meta: ytdlp.Metadata{Title: "x"}}
	dl := downloadFunc(func(ctx context.Context, args []string, ticks chan<- int) error {
		ticks <- 35
		return &ytdlp.DownloadError{Detail: "ERROR: network unreachable", Err: errors.New("exit status 1")}
	})
	h := newHarness(t, prober, dl, Config{})

	jobs, err := h.orch.Submit(videoRequest("https://host/x"))
	require.NoError(t, err)
	job := h.waitTerminal(t, jobs[0].ID)

	assert.Equal(t, models.StatusFailed, job.Status)
	assert.Contains(t, job.ErrorMessage, "network unreachable")
	assert.Equal(t, 35, job.Progress)
	assert.Nil(t, job.CompletedAt)
}

func TestPipeline_UnresolvedArtifactStillCompletes(t *testing.T) {
	prober := &fakeProber{meta: ytdlp.Metadata{Title: "x"}}
	dl := downloadFunc(func(ctx context.Context, args []string, ticks chan<- int) error {
		writeOutput(t, args, "x", "mp4.part")
		return nil
	})
	h := newHarness(t, prober, dl, Config{})

	jobs, err := h.orch.Submit(videoRequest("https://host/x"))
	require.NoError(t, err)
	job := h.waitTerminal(t, jobs[0].ID)

	assert.Equal(t, models.StatusCompleted, job.Status)
	assert.Equal(t, 100, job.Progress)
	assert.Empty(t, job.ArtifactPath)
	assert.Empty(t, job.DownloadPath)
}

func TestPipeline_PanicBecomesFailure(t *testing.T) {
	prober := &fakeProber{meta: ytdlp.Metadata{Title: "x"}}
	dl := downloadFunc(func(ctx context.Context, args []string, ticks chan<- int) error {
		panic("unexpected")
	})
	h := newHarness(t, prober, dl, Config{})

	jobs, err := h.orch.Submit(videoRequest("https://host/x", "https://host/y"))
	require.NoError(t, err)
	for _, j := range jobs {
		job := h.waitTerminal(t, j.ID)
		assert.Equal(t, models.StatusFailed, job.Status)
		assert.Contains(t, job.ErrorMessage, "unexpected")
	}
}

func blockingDownload(started chan<- string) downloadFunc {
	return func(ctx context.Context, args []string, ticks chan<- int) error {
		started <- args[len(args)-1]
		<-ctx.Done()
		return ctx.Err()
	}
}

func TestCancel(t *testing.T) {
	started := make(chan string, 1)
	h := newHarness(t, &fakeProber{meta: ytdlp.Metadata{Title: "x"}}, blockingDownload(started), Config{})

	jobs, err := h.orch.Submit(videoRequest("https://host/x"))
	require.NoError(t, err)
	<-started

	require.NoError(t, h.orch.Cancel(jobs[0].ID))
	job := h.waitTerminal(t, jobs[0].ID)
	assert.Equal(t, models.StatusFailed, job.Status)
	assert.Equal(t, "download canceled", job.ErrorMessage)

	require.ErrorIs(t, h.orch.Cancel(jobs[0].ID), ErrAlreadyFinished)
	require.ErrorIs(t, h.orch.Cancel("missing"), ErrNotFound)
}

func TestMaxConcurrentKeepsExtraJobsPending(t *testing.T) {
	started := make(chan string, 2)
	h := newHarness(t, &fakeProber{meta: ytdlp.Metadata{Title: "x"}}, blockingDownload(started), Config{MaxConcurrent: 1})

	jobs, err := h.orch.Submit(videoRequest("https://host/a", "https://host/b"))
	require.NoError(t, err)

	first := <-started
	var running, waiting models.Job
	for _, j := range jobs {
		if j.URL == first {
			running = j
		} else {
			waiting = j
		}
	}

	select {
	case <-started:
		t.Fatal("second download started despite the limit")
	case <-time.After(50 * time.Millisecond):
	}
	w, _ := h.orch.Get(waiting.ID)
	assert.Equal(t, models.StatusPending, w.Status)

	require.NoError(t, h.orch.Cancel(running.ID))
	h.waitTerminal(t, running.ID)

	assert.Equal(t, waiting.URL, <-started)
	require.NoError(t, h.orch.Cancel(waiting.ID))
	h.waitTerminal(t, waiting.ID)
}

func TestShutdownCancelsRunningJobs(t *testing.T) {
	started := make(chan string, 1)
	h := newHarness(t, &fakeProber{meta: ytdlp.Metadata{Title: "x"}}, blockingDownload(started), Config{})

	jobs, err := h.orch.Submit(videoRequest("https://host/x"))
	require.NoError(t, err)
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.orch.Shutdown(ctx))

	job, _ := h.orch.Get(jobs[0].ID)
	assert.Equal(t, models.StatusFailed, job.Status)
	assert.Equal(t, "download canceled", job.ErrorMessage)
}

func TestDownloadTimeout(t *testing.T) {
	started := make(chan string, 1)
	h := newHarness(t, &fakeProber{meta: ytdlp.Metadata{Title: "x"}}, blockingDownload(started), Config{DownloadTimeout: 50 * time.Millisecond})

	jobs, err := h.orch.Submit(videoRequest("https://host/x"))
	require.NoError(t, err)
	job := h.waitTerminal(t, jobs[0].ID)

	assert.Equal(t, models.StatusFailed, job.Status)
	assert.Contains(t, job.ErrorMessage, "timed out")
}

func TestProgressThrottle(t *testing.T) {
	prober := &fakeProber{meta: ytdlp.Metadata{Title: "x"}}
	dl := downloadFunc(func(ctx context.Context, args []string, ticks chan<- int) error {
		for p := 21; p <= 95; p++ {
			ticks <- p
		}
		writeOutput(t, args, "x", "mp4")
		return nil
	})
	h := newHarness(t, prober, dl, Config{ProgressInterval: time.Hour})

	jobs, err := h.orch.Submit(videoRequest("https://host/x"))
	require.NoError(t, err)
	job := h.waitTerminal(t, jobs[0].ID)
	assert.Equal(t, models.StatusCompleted, job.Status)

	// pending, downloading at 10, first tick, completed
	assert.Len(t, h.pub.forJob(job.ID), 4)
}

func TestCleanupRemovesOldTerminalJobs(t *testing.T) {
	prober := &fakeProber{meta: ytdlp.Metadata{Title: "old"}}
	var produced string
	dl := downloadFunc(func(ctx context.Context, args []string, ticks chan<- int) error {
		produced = writeOutput(t, args, "old", "mp3")
		return nil
	})
	h := newHarness(t, prober, dl, Config{})

	jobs, err := h.orch.Submit(models.DownloadRequest{URLs: []string{"https://host/x"}, MediaKind: "audio", Format: "mp3"})
	require.NoError(t, err)
	h.waitTerminal(t, jobs[0].ID)

	h.orch.now = func() time.Time { return time.Now().Add(48 * time.Hour) }
	h.orch.cleanup(24 * time.Hour)

	_, ok := h.orch.Get(jobs[0].ID)
	assert.False(t, ok)
	_, statErr := os.Stat(produced)
	assert.True(t, os.IsNotExist(statErr))
}

func TestTagFor(t *testing.T) {
	assert.Equal(t, "1b4e28ba", tagFor("1b4e28ba-2fa1-11d2-883f-0016d3cca427"))
	assert.Equal(t, "abc", tagFor("abc"))
}

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"mediagrab/internal/artifact"
	"mediagrab/internal/models"
	"mediagrab/internal/registry"
	"mediagrab/internal/ytdlp"
)

const (
	// progress reported once metadata is known and the download is about to start
	progressMetadataDone = 10
	progressBuffer       = 16
	tagLength            = 8
	// DownloadRoute prefixes artifact names in the downloadPath field.
	DownloadRoute = "/downloads/"
)

var (
	ErrInvalidRequest  = errors.New("invalid download request")
	ErrNotFound        = registry.ErrNotFound
	ErrAlreadyFinished = errors.New("job already finished")
	errCanceled        = errors.New("download canceled")
)

// Prober fetches descriptive metadata without downloading.
type Prober interface {
	Probe(ctx context.Context, url string) (ytdlp.Metadata, error)
}

// Downloader runs the external tool and sends scaled progress values on ticks until the
// process exits.
type Downloader interface {
	Download(ctx context.Context, args []string, ticks chan<- int) error
}

type Config struct {
	// MaxConcurrent bounds pipelines running at once; zero means unbounded.
	MaxConcurrent int64
	// DownloadTimeout caps a single download run; zero means no limit.
	DownloadTimeout time.Duration
	// ProgressInterval throttles progress publishes; zero publishes every tick.
	ProgressInterval time.Duration
}

// Orchestrator creates jobs and drives each one through probe, download and artifact
// resolution, publishing every change.
type Orchestrator struct {
	logger     *slog.Logger
	registry   *registry.Registry
	prober     Prober
	downloader Downloader
	resolver   *artifact.Resolver
	publisher  Publisher

	sem              *semaphore.Weighted
	downloadTimeout  time.Duration
	progressInterval time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	cancels map[string]context.CancelFunc

	now func() time.Time
}

func New(
	logger *slog.Logger,
	reg *registry.Registry,
	prober Prober,
	downloader Downloader,
	resolver *artifact.Resolver,
	publisher Publisher,
	cfg Config,
) *Orchestrator {
	if publisher == nil {
		publisher = Discard
	}
	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		logger:           logger,
		registry:         reg,
		prober:           prober,
		downloader:       downloader,
		resolver:         resolver,
		publisher:        publisher,
		downloadTimeout:  cfg.DownloadTimeout,
		progressInterval: cfg.ProgressInterval,
		ctx:              ctx,
		cancel:           cancel,
		cancels:          make(map[string]context.CancelFunc),
		now:              time.Now,
	}
	if cfg.MaxConcurrent > 0 {
		o.sem = semaphore.NewWeighted(cfg.MaxConcurrent)
	}
	return o
}

// Submit creates one pending job per URL, starts every pipeline in the background and
// returns the pending snapshots. The whole batch is rejected if any field is invalid.
func (o *Orchestrator) Submit(req models.DownloadRequest) ([]models.Job, error) {
	kind, quality, format, err := validate(req)
	if err != nil {
		return nil, err
	}

	jobs := make([]models.Job, 0, len(req.URLs))
	for _, rawURL := range req.URLs {
		job := models.Job{
			ID:        uuid.NewString(),
			URL:       strings.TrimSpace(rawURL),
			MediaKind: kind,
			Quality:   quality,
			Format:    format,
			Status:    models.StatusPending,
			CreatedAt: o.now(),
		}
		if err := o.registry.Insert(job); err != nil {
			return jobs, fmt.Errorf("registering job: %w", err)
		}
		o.logger.Info("job created", "job_id", job.ID, "url", job.URL, "media_type", kind, "quality", quality, "format", format)
		o.publisher.Publish(job.Clone())
		o.start(job)
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func validate(req models.DownloadRequest) (models.MediaKind, models.Quality, models.Format, error) {
	if len(req.URLs) == 0 {
		return "", "", "", fmt.Errorf("%w: urls must not be empty", ErrInvalidRequest)
	}
	for i, u := range req.URLs {
		if strings.TrimSpace(u) == "" {
			return "", "", "", fmt.Errorf("%w: urls[%d] is blank", ErrInvalidRequest, i)
		}
	}
	kind, ok := models.ParseMediaKind(req.MediaKind)
	if !ok {
		return "", "", "", fmt.Errorf("%w: unknown mediaType %q", ErrInvalidRequest, req.MediaKind)
	}
	quality, ok := models.ParseQuality(req.Quality)
	if !ok {
		return "", "", "", fmt.Errorf("%w: unknown quality %q", ErrInvalidRequest, req.Quality)
	}
	format, ok := models.ParseFormat(req.Format)
	if !ok {
		return "", "", "", fmt.Errorf("%w: unknown format %q", ErrInvalidRequest, req.Format)
	}
	return kind, quality, format, nil
}

func (o *Orchestrator) Get(id string) (models.Job, bool) {
	return o.registry.Get(id)
}

// List returns jobs newest first; an empty status returns all of them.
func (o *Orchestrator) List(status models.JobStatus) []models.Job {
	return o.registry.List(status)
}

// Cancel stops a pending or downloading job. The pipeline records the failure.
func (o *Orchestrator) Cancel(id string) error {
	job, ok := o.registry.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if job.Status.IsTerminal() {
		return fmt.Errorf("%w: %s", ErrAlreadyFinished, id)
	}

	o.mu.Lock()
	cancel, ok := o.cancels[id]
	o.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrAlreadyFinished, id)
	}
	o.logger.Info("cancel requested", "job_id", id)
	cancel()
	return nil
}

// Shutdown cancels every running job and waits for the pipelines to record it.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.cancel()
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) start(job models.Job) {
	ctx, cancel := context.WithCancel(o.ctx)
	o.mu.Lock()
	o.cancels[job.ID] = cancel
	o.mu.Unlock()

	o.wg.Add(1)
	go o.run(ctx, job)
}

func (o *Orchestrator) run(ctx context.Context, job models.Job) {
	defer o.wg.Done()
	defer func() {
		o.mu.Lock()
		cancel := o.cancels[job.ID]
		delete(o.cancels, job.ID)
		o.mu.Unlock()
		if cancel != nil {
			cancel()
		}
	}()
	defer func() {
		if r := recover(); r != nil {
			o.fail(job.ID, fmt.Errorf("internal error: %v", r))
		}
	}()

	if o.sem != nil {
		if err := o.sem.Acquire(ctx, 1); err != nil {
			o.fail(job.ID, errCanceled)
			return
		}
		defer o.sem.Release(1)
	}

	if err := o.execute(ctx, job); err != nil {
		if ctx.Err() != nil {
			err = errCanceled
		}
		o.fail(job.ID, err)
	}
}

func (o *Orchestrator) execute(ctx context.Context, job models.Job) error {
	dir := o.resolver.Dir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create output dir: %w", err)
	}

	meta, err := o.prober.Probe(ctx, job.URL)
	if err != nil {
		return err
	}

	if err := o.update(job.ID, func(j *models.Job) {
		j.Title = meta.Title
		j.Duration = meta.Duration
		j.Thumbnail = meta.Thumbnail
		j.Status = models.StatusDownloading
		j.Progress = progressMetadataDone
	}); err != nil {
		return err
	}

	before, err := o.resolver.Snapshot()
	if err != nil {
		return err
	}

	tag := tagFor(job.ID)
	args := ytdlp.BuildArgs(ytdlp.Options{
		URL:       job.URL,
		OutputDir: dir,
		MediaKind: job.MediaKind,
		Quality:   job.Quality,
		Format:    job.Format,
		Tag:       tag,
	})

	o.logger.Info("download started", "job_id", job.ID, "title", meta.Title)
	if err := o.download(ctx, job.ID, args); err != nil {
		return err
	}

	path, err := o.resolver.Resolve(ctx, before, tag)
	switch {
	case errors.Is(err, artifact.ErrUnresolved):
		o.logger.Warn("download finished but no artifact was found", "job_id", job.ID, "dir", dir)
	case err != nil:
		return err
	}

	completedAt := o.now()
	if err := o.update(job.ID, func(j *models.Job) {
		j.Status = models.StatusCompleted
		j.Progress = 100
		j.CompletedAt = &completedAt
		if path != "" {
			name := filepath.Base(path)
			j.ArtifactPath = path
			j.FileName = name
			j.DownloadPath = DownloadRoute + url.PathEscape(name)
		}
	}); err != nil {
		return err
	}
	o.logger.Info("job completed", "job_id", job.ID, "artifact", path)
	return nil
}

// download runs the tool and consumes its progress on this goroutine so a job's
// publishes stay ordered.
func (o *Orchestrator) download(ctx context.Context, id string, args []string) error {
	dlCtx := ctx
	if o.downloadTimeout > 0 {
		var cancel context.CancelFunc
		dlCtx, cancel = context.WithTimeout(ctx, o.downloadTimeout)
		defer cancel()
	}

	ticks := make(chan int, progressBuffer)
	done := make(chan error, 1)
	go func() {
		defer close(ticks)
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("internal error: %v", r)
			}
		}()
		done <- o.downloader.Download(dlCtx, args, ticks)
	}()

	var throttle *rate.Sometimes
	if o.progressInterval > 0 {
		throttle = &rate.Sometimes{Interval: o.progressInterval}
	}
	for p := range ticks {
		o.tick(id, p, throttle)
	}

	err := <-done
	if err != nil && ctx.Err() == nil && errors.Is(dlCtx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("download timed out after %s", o.downloadTimeout)
	}
	return err
}

func (o *Orchestrator) tick(id string, progress int, throttle *rate.Sometimes) {
	advanced := false
	job, err := o.registry.Update(id, func(j *models.Job) {
		if j.Status == models.StatusDownloading && progress > j.Progress {
			j.Progress = progress
			advanced = true
		}
	})
	if err != nil || !advanced {
		return
	}
	if throttle == nil {
		o.publisher.Publish(job)
		return
	}
	throttle.Do(func() { o.publisher.Publish(job) })
}

func (o *Orchestrator) update(id string, fn func(*models.Job)) error {
	job, err := o.registry.Update(id, fn)
	if err != nil {
		return err
	}
	o.publisher.Publish(job)
	return nil
}

func (o *Orchestrator) fail(id string, err error) {
	o.logger.Error("job failed", "job_id", id, "error", err)
	job, updErr := o.registry.Update(id, func(j *models.Job) {
		j.Status = models.StatusFailed
		j.ErrorMessage = err.Error()
	})
	if updErr != nil {
		o.logger.Warn("could not record failure", "job_id", id, "error", updErr)
		return
	}
	o.publisher.Publish(job)
}

// StartCleanupLoop periodically evicts terminal jobs older than ttl and removes their
// artifacts. Retention is unbounded unless this is started.
func (o *Orchestrator) StartCleanupLoop(ctx context.Context, interval, ttl time.Duration) {
	if interval <= 0 || ttl <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				o.cleanup(ttl)
			}
		}
	}()
}

func (o *Orchestrator) cleanup(ttl time.Duration) {
	removed := o.registry.Prune(o.now().Add(-ttl))
	for _, job := range removed {
		if job.ArtifactPath != "" {
			_ = os.Remove(job.ArtifactPath)
		}
	}
	if len(removed) > 0 {
		o.logger.Info("cleanup completed", "removed_jobs", len(removed))
	}
}

func tagFor(id string) string {
	tag := strings.ReplaceAll(id, "-", "")
	if len(tag) > tagLength {
		tag = tag[:tagLength]
	}
	return tag
}

// Package artifact finds the file a download produced by diffing the shared output
// directory before and after the run.
//
// The diff assumes nothing else writes into the directory between the two listings.
// Concurrent jobs finishing in overlapping windows can be misattributed; passing the job
// tag embedded in the output template narrows the candidates to the job's own files.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"
)

// ErrUnresolved is returned when no finished file appeared, even after the retry.
// It does not fail the job.
var ErrUnresolved = errors.New("artifact not resolved")

const DefaultRetryDelay = time.Second

var (
	transientSuffixes = []string{".part", ".temp", ".tmp", ".ytdl"}
	transientMarkers  = []string{".part-Frag", ".temp."}
	// intermediate per-format streams such as "clip.f137.mp4" or "clip.f625"
	formatStreamRe = regexp.MustCompile(`\.f\d+(\.[A-Za-z0-9]+)?$`)
)

// IsTransient reports whether name is a partial, temporary or fragment file left by
// yt-dlp during a multi-segment download.
func IsTransient(name string) bool {
	if strings.HasPrefix(name, "tmp_") {
		return true
	}
	for _, s := range transientSuffixes {
		if strings.HasSuffix(name, s) {
			return true
		}
	}
	for _, m := range transientMarkers {
		if strings.Contains(name, m) {
			return true
		}
	}
	return formatStreamRe.MatchString(name)
}

// Snapshot is a set of file names present in the directory at one instant.
type Snapshot map[string]struct{}

// List returns the regular file names in dir.
func List(dir string) (Snapshot, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", dir, err)
	}
	snap := make(Snapshot, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		snap[e.Name()] = struct{}{}
	}
	return snap, nil
}

type Resolver struct {
	dir        string
	retryDelay time.Duration
}

func NewResolver(dir string, retryDelay time.Duration) *Resolver {
	if retryDelay < 0 {
		retryDelay = DefaultRetryDelay
	}
	return &Resolver{dir: dir, retryDelay: retryDelay}
}

func (r *Resolver) Dir() string {
	return r.dir
}

// Snapshot lists the directory; take it right before spawning the download.
func (r *Resolver) Snapshot() (Snapshot, error) {
	return List(r.dir)
}

// Resolve returns the full path of the newest finished file that appeared since before.
// When only transient files are visible it waits once for the retry delay and looks
// again. tag, when non-empty, restricts candidates to names carrying "[tag]" if any do.
func (r *Resolver) Resolve(ctx context.Context, before Snapshot, tag string) (string, error) {
	name, err := r.pick(before, tag)
	if err != nil || name != "" {
		return r.path(name), err
	}

	timer := time.NewTimer(r.retryDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-timer.C:
	}

	name, err = r.pick(before, tag)
	if err != nil {
		return "", err
	}
	if name == "" {
		return "", ErrUnresolved
	}
	return r.path(name), nil
}

func (r *Resolver) path(name string) string {
	if name == "" {
		return ""
	}
	return filepath.Join(r.dir, name)
}

type candidate struct {
	name    string
	modTime time.Time
}

func (r *Resolver) pick(before Snapshot, tag string) (string, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return "", fmt.Errorf("listing %s: %w", r.dir, err)
	}

	var all, tagged []candidate
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if _, seen := before[name]; seen || IsTransient(name) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			// removed between listing and stat, e.g. a renamed fragment
			continue
		}
		c := candidate{name: name, modTime: info.ModTime()}
		all = append(all, c)
		if tag != "" && strings.Contains(name, "["+tag+"]") {
			tagged = append(tagged, c)
		}
	}

	if len(tagged) > 0 {
		all = tagged
	}
	if len(all) == 0 {
		return "", nil
	}

	sort.Slice(all, func(i, j int) bool {
		if !all[i].modTime.Equal(all[j].modTime) {
			return all[i].modTime.After(all[j].modTime)
		}
		return all[i].name < all[j].name
	})
	return all[0].name, nil
}

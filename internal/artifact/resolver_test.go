package artifact

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func touch(t *testing.T, dir, name string, mod time.Time) {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
	require.NoError(t, os.Chtimes(path, mod, mod))
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name     string
		expected bool
	}{
		{"a.mp4.part", true},
		{"a.mp4.ytdl", true},
		{"a.temp", true},
		{"a.temp.mp4", true},
		{"a.mp4.part-Frag12", true},
		{"a.f625", true},
		{"a.f625.mp4", true},
		{"a.f137.webm", true},
		{"tmp_a.mp4", true},
		{"a.mp4", false},
		{"song.mp3", false},
		{"best of 2024 [1a2b3c4d].mkv", false},
		{"format.fun.mp4", false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, IsTransient(tt.name), tt.name)
	}
}

func TestResolve_IgnoresPreexistingAndTransient(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()
	touch(t, dir, "a.mp4.part", now)

	r := NewResolver(dir, 10*time.Millisecond)
	before, err := r.Snapshot()
	require.NoError(t, err)

	touch(t, dir, "a.mp4", now)

	got, err := r.Resolve(context.Background(), before, "")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "a.mp4"), got)
}

func TestResolve_PicksNewest(t *testing.T) {
	dir := t.TempDir()
	r := NewResolver(dir, 10*time.Millisecond)
	before, err := r.Snapshot()
	require.NoError(t, err)

	now := time.Now()
	touch(t, dir, "older.mp4", now.Add(-time.Minute))
	touch(t, dir, "newer.mp4", now)
	touch(t, dir, "newer.mp4.part", now.Add(time.Minute))

	got, err := r.Resolve(context.Background(), before, "")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "newer.mp4"), got)
}

func TestResolve_PrefersTaggedCandidate(t *testing.T) {
	dir := t.TempDir()
	r := NewResolver(dir, 10*time.Millisecond)
	before, err := r.Snapshot()
	require.NoError(t, err)

	now := time.Now()
	touch(t, dir, "mine [aaaa1111].mp4", now.Add(-time.Minute))
	touch(t, dir, "other [bbbb2222].mp4", now)

	got, err := r.Resolve(context.Background(), before, "aaaa1111")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "mine [aaaa1111].mp4"), got)
}

func TestResolve_RetriesOnce(t *testing.T) {
	dir := t.TempDir()
	r := NewResolver(dir, 200*time.Millisecond)
	before, err := r.Snapshot()
	require.NoError(t, err)

	touch(t, dir, "late.mp3.part", time.Now())
	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = os.Rename(filepath.Join(dir, "late.mp3.part"), filepath.Join(dir, "late.mp3"))
	}()

	got, err := r.Resolve(context.Background(), before, "")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "late.mp3"), got)
}

func TestResolve_Unresolved(t *testing.T) {
	dir := t.TempDir()
	r := NewResolver(dir, 10*time.Millisecond)
	before, err := r.Snapshot()
	require.NoError(t, err)

	touch(t, dir, "only.mp4.part", time.Now())

	got, err := r.Resolve(context.Background(), before, "")
	require.ErrorIs(t, err, ErrUnresolved)
	assert.Empty(t, got)
}

func TestResolve_CanceledDuringRetry(t *testing.T) {
	dir := t.TempDir()
	r := NewResolver(dir, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.Resolve(ctx, Snapshot{}, "")
	require.ErrorIs(t, err, context.Canceled)
}

func TestList_SkipsDirectories(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0o755))
	touch(t, dir, "a.mp4", time.Now())

	snap, err := List(dir)
	require.NoError(t, err)
	assert.Equal(t, Snapshot{"a.mp4": {}}, snap)
}

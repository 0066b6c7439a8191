package cache

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mediasweep/internal/common"
)

const helloSHA1 = "aaf4c61ddcc5e8a2dabede0f3b482cd9aea9434d"

// countingStore wraps the store's opener so tests can observe file reads.
func countingStore(t *testing.T, s *DigestStore) *int64 {
	t.Helper()
	var reads int64
	open := s.open
	s.open = func(name string) (io.ReadCloser, error) {
		atomic.AddInt64(&reads, 1)
		return open(name)
	}
	return &reads
}

func writeFile(t *testing.T, path, content string, mtime time.Time) IdentityKey {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	require.NoError(t, os.Chtimes(path, mtime, mtime))
	info, err := os.Stat(path)
	require.NoError(t, err)
	return KeyFromInfo(path, info)
}

func TestDigestStore_HitSkipsRead(t *testing.T) {
	dir := t.TempDir()
	key := writeFile(t, filepath.Join(dir, "a.jpg"), "hello", time.Now().Add(-time.Hour))

	s := NewDigestStore("", SHA1)
	reads := countingStore(t, s)

	d1, err := s.GetOrCompute(key)
	require.NoError(t, err)
	assert.Equal(t, helloSHA1, d1)
	assert.EqualValues(t, 1, *reads)

	d2, err := s.GetOrCompute(key)
	require.NoError(t, err)
	assert.Equal(t, d1, d2)
	assert.EqualValues(t, 1, *reads, "unchanged identity key must not re-read the file")

	stats := s.Stats()
	assert.Equal(t, 1, stats.Hits)
	assert.Equal(t, 1, stats.Misses)
}

func TestDigestStore_IdentityChangeInvalidates(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.jpg")
	base := time.Now().Add(-time.Hour)
	key := writeFile(t, path, "hello", base)

	s := NewDigestStore("", SHA1)
	reads := countingStore(t, s)
	_, err := s.GetOrCompute(key)
	require.NoError(t, err)

	t.Run("mtime change", func(t *testing.T) {
		touched := key
		touched.ModTime = base.Add(time.Nanosecond)
		_, err := s.GetOrCompute(touched)
		require.NoError(t, err)
		assert.EqualValues(t, 2, *reads)
	})

	t.Run("size change", func(t *testing.T) {
		newKey := writeFile(t, path, "hello world", base)
		d, err := s.GetOrCompute(newKey)
		require.NoError(t, err)
		assert.NotEqual(t, helloSHA1, d)
		assert.EqualValues(t, 3, *reads)
	})
}

func TestDigestStore_SaveAndReload(t *testing.T) {
	dir := t.TempDir()
	cachePath := filepath.Join(dir, "state", "archive.sha1")
	mtime := time.Date(2024, 5, 1, 10, 0, 0, 123456789, time.UTC)
	keyA := writeFile(t, filepath.Join(dir, "media", "b.jpg"), "hello", mtime)
	keyB := writeFile(t, filepath.Join(dir, "media", "a b.jpg"), "other", mtime)

	s, err := LoadDigestStore(cachePath, SHA1)
	require.NoError(t, err)
	for _, k := range []IdentityKey{keyA, keyB} {
		_, err := s.GetOrCompute(k)
		require.NoError(t, err)
	}
	require.NoError(t, s.Save())

	data, err := os.ReadFile(cachePath)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 5)
	assert.Equal(t, "#mediasweep-digests v2 sha1", lines[0])
	require.NotZero(t, keyA.Inode)
	assert.Equal(t, fmt.Sprintf("#id 1714557600123456789 5 %d %d", keyA.Device, keyA.Inode), lines[3])
	assert.Equal(t, helloSHA1+"  "+keyA.Path, lines[4], "records are sorted by path and sha1sum compatible")

	reloaded, err := LoadDigestStore(cachePath, SHA1)
	require.NoError(t, err)
	reads := countingStore(t, reloaded)
	d, err := reloaded.GetOrCompute(keyA)
	require.NoError(t, err)
	assert.Equal(t, helloSHA1, d)
	assert.EqualValues(t, 0, *reads, "reloaded cache must serve unchanged files")

	// the file id survives the round trip, so a move after reload is relinked
	moved := filepath.Join(dir, "media", "sorted", "b.jpg")
	require.NoError(t, os.MkdirAll(filepath.Dir(moved), 0755))
	require.NoError(t, os.Rename(keyA.Path, moved))
	info, err := os.Stat(moved)
	require.NoError(t, err)
	assert.Equal(t, 1, reloaded.Relink([]IdentityKey{KeyFromInfo(moved, info), keyB}))
}

func TestDigestStore_IdentityWithoutFileIDUpgraded(t *testing.T) {
	dir := t.TempDir()
	mtime := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	key := writeFile(t, filepath.Join(dir, "a.jpg"), "hello", mtime)

	cachePath := filepath.Join(dir, "archive.sha1")
	content := fmt.Sprintf("#mediasweep-digests v2 sha1\n#id %d 5\n%s  %s\n", mtime.UnixNano(), helloSHA1, key.Path)
	require.NoError(t, os.WriteFile(cachePath, []byte(content), 0600))

	s, err := LoadDigestStore(cachePath, SHA1)
	require.NoError(t, err)
	reads := countingStore(t, s)
	_, err = s.GetOrCompute(key)
	require.NoError(t, err)
	assert.EqualValues(t, 0, *reads)
	require.NoError(t, s.Save())

	data, err := os.ReadFile(cachePath)
	require.NoError(t, err)
	assert.Contains(t, string(data), fmt.Sprintf("#id %d 5 %d %d\n", mtime.UnixNano(), key.Device, key.Inode))
}

func TestDigestStore_SaveWithoutChangesIsNoop(t *testing.T) {
	cachePath := filepath.Join(t.TempDir(), "empty.sha1")
	s, err := LoadDigestStore(cachePath, SHA1)
	require.NoError(t, err)
	require.NoError(t, s.Save())
	_, err = os.Stat(cachePath)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestDigestStore_LegacyFormat(t *testing.T) {
	dir := t.TempDir()
	old := writeFile(t, filepath.Join(dir, "old.jpg"), "hello", time.Now().Add(-2*time.Hour))
	fresh := writeFile(t, filepath.Join(dir, "fresh.jpg"), "hello", time.Now().Add(time.Hour))

	cachePath := filepath.Join(dir, "legacy.sha1")
	legacy := helloSHA1 + "  " + old.Path + "\n" + helloSHA1 + " *" + fresh.Path + "\n"
	require.NoError(t, os.WriteFile(cachePath, []byte(legacy), 0600))
	now := time.Now()
	require.NoError(t, os.Chtimes(cachePath, now, now))

	s, err := LoadDigestStore(cachePath, SHA1)
	require.NoError(t, err)
	assert.Equal(t, 2, s.Len())
	reads := countingStore(t, s)

	_, err = s.GetOrCompute(old)
	require.NoError(t, err)
	assert.EqualValues(t, 0, *reads, "file older than the cache is trusted")

	_, err = s.GetOrCompute(fresh)
	require.NoError(t, err)
	assert.EqualValues(t, 1, *reads, "file modified after the cache was written is re-hashed")
}

func TestDigestStore_MalformedLinesSkipped(t *testing.T) {
	dir := t.TempDir()
	cachePath := filepath.Join(dir, "bad.sha1")
	content := strings.Join([]string{
		"#mediasweep-digests v2 sha1",
		"#id notanumber 5",
		helloSHA1 + "  /media/a.jpg",
		"zzzz  /media/b.jpg",
		helloSHA1 + "/media/c.jpg",
		helloSHA1 + "  relative/d.jpg",
		"#id 1 5",
		helloSHA1 + "  /media/e.jpg",
	}, "\n")
	require.NoError(t, os.WriteFile(cachePath, []byte(content), 0600))

	s, err := LoadDigestStore(cachePath, SHA1)
	require.NoError(t, err)
	assert.Equal(t, 4, s.Stats().Skipped)
	assert.Equal(t, 2, s.Len())

	d, ok := s.Lookup("/media/e.jpg")
	assert.True(t, ok)
	assert.Equal(t, helloSHA1, d)
}

func TestDigestStore_UnreadableFile(t *testing.T) {
	s := NewDigestStore("", SHA1)
	_, err := s.GetOrCompute(IdentityKey{Path: filepath.Join(t.TempDir(), "gone.jpg"), ModTime: time.Now(), Size: 3})
	require.Error(t, err)
	assert.True(t, errors.Is(err, common.ErrIOUnreadable))
	assert.True(t, errors.Is(err, os.ErrNotExist))
	assert.Equal(t, 1, s.Stats().Failures)
	assert.Equal(t, 0, s.Len())
}

func TestDigestStore_Prune(t *testing.T) {
	dir := t.TempDir()
	s := NewDigestStore("", SHA1)
	keep := writeFile(t, filepath.Join(dir, "keep.jpg"), "hello", time.Now())
	drop := writeFile(t, filepath.Join(dir, "drop.jpg"), "bye", time.Now())
	for _, k := range []IdentityKey{keep, drop} {
		_, err := s.GetOrCompute(k)
		require.NoError(t, err)
	}

	removed := s.Prune(map[string]struct{}{keep.Path: {}})
	assert.Equal(t, 1, removed)
	_, ok := s.Lookup(drop.Path)
	assert.False(t, ok)
	_, ok = s.Lookup(keep.Path)
	assert.True(t, ok)
}

func TestDigestStore_RelinkMovedFile(t *testing.T) {
	dir := t.TempDir()
	mtime := time.Date(2024, 5, 1, 10, 0, 0, 123, time.UTC)
	old := writeFile(t, filepath.Join(dir, "inbox", "a.jpg"), "hello", mtime)
	twinA := writeFile(t, filepath.Join(dir, "twin1.jpg"), "bye", mtime)
	twinB := writeFile(t, filepath.Join(dir, "twin2.jpg"), "bye", mtime)

	s := NewDigestStore("", SHA1)
	for _, k := range []IdentityKey{old, twinA, twinB} {
		_, err := s.GetOrCompute(k)
		require.NoError(t, err)
	}

	moved := filepath.Join(dir, "sorted", "a.jpg")
	require.NoError(t, os.MkdirAll(filepath.Dir(moved), 0755))
	require.NoError(t, os.Rename(old.Path, moved))
	info, err := os.Stat(moved)
	require.NoError(t, err)
	newKey := KeyFromInfo(moved, info)

	reads := countingStore(t, s)
	assert.Equal(t, 1, s.Relink([]IdentityKey{newKey, twinA, twinB}))
	digest, err := s.GetOrCompute(newKey)
	require.NoError(t, err)
	assert.Equal(t, helloSHA1, digest)
	assert.EqualValues(t, 0, *reads, "moved file must not be re-read")
	_, ok := s.Lookup(old.Path)
	assert.False(t, ok)
}

func TestDigestStore_RelinkRequiresSameFile(t *testing.T) {
	dir := t.TempDir()
	mtime := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	gone := writeFile(t, filepath.Join(dir, "IMG_1.CR2"), "hello", mtime)

	s := NewDigestStore("", SHA1)
	_, err := s.GetOrCompute(gone)
	require.NoError(t, err)

	// a different file with the same size and mtime replaces the old one;
	// it is created first so the inode cannot be reused
	other := writeFile(t, filepath.Join(dir, "IMG_2.CR2"), "12345", mtime)
	require.NoError(t, os.Remove(gone.Path))
	require.NotEqual(t, gone.Inode, other.Inode)

	assert.Equal(t, 0, s.Relink([]IdentityKey{other}))
	digest, err := s.GetOrCompute(other)
	require.NoError(t, err)
	assert.Equal(t, "8cb2237d0679ca88db6464eac60da96345513964", digest)
	assert.Equal(t, 2, s.Stats().Misses)
}

func TestDigestStore_RelinkWithoutFileID(t *testing.T) {
	dir := t.TempDir()
	mtime := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	a := writeFile(t, filepath.Join(dir, "a.jpg"), "hello", mtime)

	s := NewDigestStore("", SHA1)
	_, err := s.GetOrCompute(a)
	require.NoError(t, err)

	c := IdentityKey{Path: filepath.Join(dir, "c.jpg"), ModTime: mtime, Size: 5}
	assert.Equal(t, 0, s.Relink([]IdentityKey{c}))
	assert.Equal(t, 1, s.Len())
}

func TestParseAlgorithm(t *testing.T) {
	t.Parallel()

	a, err := ParseAlgorithm("")
	require.NoError(t, err)
	assert.Equal(t, SHA1, a)
	assert.Equal(t, "sha1sum", a.ColumnName())

	a, err = ParseAlgorithm("SHA256")
	require.NoError(t, err)
	assert.Equal(t, SHA256, a)
	assert.Equal(t, 64, a.HexLen())

	_, err = ParseAlgorithm("md5")
	assert.Error(t, err)
}

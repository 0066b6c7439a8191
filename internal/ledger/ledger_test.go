package ledger

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mediasweep/internal/cache"
	"mediasweep/internal/common"
	"mediasweep/internal/scan"
)

const (
	digestA = "aaf4c61ddcc5e8a2dabede0f3b482cd9aea9434d" // "hello"
	digestB = "8cb2237d0679ca88db6464eac60da96345513964" // "12345"
)

type fakeNamer map[string]string

func (f fakeNamer) LookupOriginalName(_ context.Context, digest string) (string, bool, error) {
	name, ok := f[digest]
	return name, ok, nil
}

type env struct {
	archive    string
	ledgerPath string
	cachePath  string
}

func newEnv(t *testing.T) *env {
	t.Helper()
	state := t.TempDir()
	return &env{
		archive:    t.TempDir(),
		ledgerPath: filepath.Join(state, "ledger.csv"),
		cachePath:  filepath.Join(state, "archive.sha1"),
	}
}

func (e *env) put(t *testing.T, rel, content string) string {
	t.Helper()
	path := filepath.Join(e.archive, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	mtime := time.Date(2024, 6, 1, 12, 0, 0, 500, time.UTC)
	require.NoError(t, os.Chtimes(path, mtime, mtime))
	return path
}

// rebuild runs a rebuild with a fresh store loaded from disk, like a new run.
func (e *env) rebuild(t *testing.T, names OriginalNamer) (*RebuildResult, *cache.DigestStore) {
	t.Helper()
	store, err := cache.LoadDigestStore(e.cachePath, cache.SHA1)
	require.NoError(t, err)
	r := NewRebuilder(scan.New(store, scan.Options{}), e.ledgerPath, names)
	r.born = func(string) (time.Time, bool) { return time.Time{}, false }
	res, err := r.Rebuild(context.Background(), e.archive)
	require.NoError(t, err)
	return res, store
}

func TestRebuild_FirstBuild(t *testing.T) {
	e := newEnv(t)
	a := e.put(t, "2024-06-01/IMG_0001.jpg", "hello")
	b := e.put(t, "2024-06-01/renamed, \"quoted\".jpg", "12345")

	res, _ := e.rebuild(t, fakeNamer{digestA: "PXL_20240601.jpg"})
	assert.Equal(t, 2, res.Added)
	assert.Equal(t, 0, res.Carried)
	assert.Nil(t, res.Previous)

	snap := res.Snapshot
	require.Equal(t, 2, snap.Len())
	ea, ok := snap.ByPath(a)
	require.True(t, ok)
	assert.Equal(t, digestA, ea.Digest)
	assert.Equal(t, "PXL_20240601.jpg", ea.OriginalName)
	assert.Equal(t, int64(5), ea.Size)
	assert.Equal(t, time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC), ea.Created, "created falls back to mtime")
	assert.False(t, ea.Archived.IsZero(), "archived falls back to parent mtime")

	eb, ok := snap.ByPath(b)
	require.True(t, ok)
	assert.Empty(t, eb.OriginalName)

	data, err := os.ReadFile(e.ledgerPath)
	require.NoError(t, err)
	lines := strings.Split(string(data), "\n")
	assert.Equal(t, "sha1sum,absolute_path,original_filename,created_date,archived_date,modification_time,size", lines[0])
	assert.Contains(t, string(data), `"`+strings.ReplaceAll(b, `"`, `""`)+`"`, "paths with commas and quotes are CSV quoted")
}

func TestRebuild_Idempotent(t *testing.T) {
	e := newEnv(t)
	e.put(t, "a/one.jpg", "hello")
	e.put(t, "b/two.jpg", "12345")
	e.put(t, "b/dup.jpg", "hello")

	first, _ := e.rebuild(t, nil)
	second, store := e.rebuild(t, nil)

	assert.Equal(t, first.Current, second.Current, "second rebuild must be byte-identical")
	assert.False(t, second.Changed())
	assert.Equal(t, 3, second.Carried)
	assert.Equal(t, 0, second.Added)
	assert.Equal(t, 0, store.Stats().Misses, "no file is re-hashed")
}

// Scenario B: a deleted archive file disappears from the ledger.
func TestRebuild_DropsDeletedFiles(t *testing.T) {
	e := newEnv(t)
	e.put(t, "keep.jpg", "hello")
	gone := e.put(t, "gone.jpg", "12345")

	first, _ := e.rebuild(t, nil)
	require.True(t, first.Snapshot.Has(digestB))

	require.NoError(t, os.Remove(gone))
	second, _ := e.rebuild(t, nil)

	assert.Equal(t, 1, second.Dropped)
	assert.False(t, second.Snapshot.Has(digestB))
	_, ok := second.Snapshot.ByPath(gone)
	assert.False(t, ok)
	assert.True(t, second.Changed())
}

// Scenario D: renaming inside the archive replaces the entry, no duplicate.
func TestRebuild_RenameInsideArchive(t *testing.T) {
	e := newEnv(t)
	oldPath := e.put(t, "inbox/IMG_1.jpg", "hello")

	first, _ := e.rebuild(t, fakeNamer{digestA: "IMG_1.jpg"})
	require.Equal(t, 1, first.Snapshot.Len())

	newPath := filepath.Join(e.archive, "sorted", "holiday.jpg")
	require.NoError(t, os.MkdirAll(filepath.Dir(newPath), 0755))
	require.NoError(t, os.Rename(oldPath, newPath))

	second, store := e.rebuild(t, fakeNamer{digestA: "IMG_1.jpg"})
	assert.Equal(t, 0, store.Stats().Misses, "moved file is not re-hashed")
	snap := second.Snapshot
	require.Equal(t, 1, snap.Len(), "rename must not leave a duplicate entry")
	entries := snap.Lookup(digestA)
	require.Len(t, entries, 1)
	assert.Equal(t, newPath, entries[0].Path)
	assert.Equal(t, "IMG_1.jpg", entries[0].OriginalName)
	assert.Equal(t, 1, second.Added)
	assert.Equal(t, 1, second.Dropped)
}

func TestRebuild_RenameKeepsNameWhenNamerForgets(t *testing.T) {
	e := newEnv(t)
	oldPath := e.put(t, "inbox/x.jpg", "hello")

	first, _ := e.rebuild(t, fakeNamer{digestA: "PXL_1.jpg"})
	require.Equal(t, 1, first.Snapshot.Len())

	newPath := filepath.Join(e.archive, "sorted", "holiday.jpg")
	require.NoError(t, os.MkdirAll(filepath.Dir(newPath), 0755))
	require.NoError(t, os.Rename(oldPath, newPath))

	// the staged copy was swept, so nothing resolves the digest any more
	second, _ := e.rebuild(t, fakeNamer{})
	got, ok := second.Snapshot.ByPath(newPath)
	require.True(t, ok)
	assert.Equal(t, "PXL_1.jpg", got.OriginalName)
}

// A different file with the same size and mtime must be hashed, not inherit
// the digest of the file it replaced.
func TestRebuild_ReplacementWithSameSizeAndMtime(t *testing.T) {
	e := newEnv(t)
	oldPath := e.put(t, "IMG_1.CR2", "hello")
	first, _ := e.rebuild(t, nil)
	require.True(t, first.Snapshot.Has(digestA))

	// created before the removal so the inode is not reused
	newPath := e.put(t, "IMG_2.CR2", "12345")
	require.NoError(t, os.Remove(oldPath))

	second, store := e.rebuild(t, nil)
	got, ok := second.Snapshot.ByPath(newPath)
	require.True(t, ok)
	assert.Equal(t, digestB, got.Digest)
	assert.GreaterOrEqual(t, store.Stats().Misses, 1)
	assert.False(t, second.Snapshot.Has(digestA))
}

func TestRebuild_ChangedContent(t *testing.T) {
	e := newEnv(t)
	path := e.put(t, "a.jpg", "hello")
	e.rebuild(t, nil)

	require.NoError(t, os.WriteFile(path, []byte("12345"), 0644))
	res, _ := e.rebuild(t, nil)

	got, ok := res.Snapshot.ByPath(path)
	require.True(t, ok)
	assert.Equal(t, digestB, got.Digest)
	assert.False(t, res.Snapshot.Has(digestA))
}

func TestRebuild_UnreadableArchiveKeepsLedger(t *testing.T) {
	e := newEnv(t)
	e.put(t, "a.jpg", "hello")
	e.rebuild(t, nil)
	before, err := os.ReadFile(e.ledgerPath)
	require.NoError(t, err)

	store := cache.NewDigestStore("", cache.SHA1)
	r := NewRebuilder(scan.New(store, scan.Options{}), e.ledgerPath, nil)
	_, err = r.Rebuild(context.Background(), filepath.Join(e.archive, "missing"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, common.ErrIOUnreadable))

	after, err := os.ReadFile(e.ledgerPath)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestRebuild_BirthTimes(t *testing.T) {
	e := newEnv(t)
	path := e.put(t, "batch-7/a.jpg", "hello")

	store := cache.NewDigestStore("", cache.SHA1)
	r := NewRebuilder(scan.New(store, scan.Options{}), e.ledgerPath, nil)
	fileBorn := time.Date(2023, 1, 2, 3, 4, 5, 999, time.UTC)
	dirBorn := time.Date(2023, 2, 1, 0, 0, 0, 0, time.UTC)
	r.born = func(p string) (time.Time, bool) {
		switch p {
		case path:
			return fileBorn, true
		case filepath.Dir(path):
			return dirBorn, true
		}
		return time.Time{}, false
	}

	res, err := r.Rebuild(context.Background(), e.archive)
	require.NoError(t, err)
	got, _ := res.Snapshot.ByPath(path)
	assert.Equal(t, fileBorn.Truncate(time.Second), got.Created)
	assert.Equal(t, dirBorn, got.Archived)
}

func TestLoad_Preconditions(t *testing.T) {
	dir := t.TempDir()

	_, err := Load(filepath.Join(dir, "missing.csv"), cache.SHA1)
	assert.True(t, errors.Is(err, common.ErrPreconditionMissing))

	empty := filepath.Join(dir, "empty.csv")
	require.NoError(t, os.WriteFile(empty, []byte("\n"), 0644))
	_, err = Load(empty, cache.SHA1)
	assert.True(t, errors.Is(err, common.ErrPreconditionMissing))
}

func TestDecode_LegacyColumnsAndMalformedRows(t *testing.T) {
	legacy := strings.Join([]string{
		"sha1sum,absolute_path,original_filename,created_date",
		digestA + ",/archive/a.jpg,IMG_1.jpg,2021-03-04 05:06:07",
		"nothex,/archive/b.jpg,,",
		digestB + ",relative.jpg,,",
		digestB + ",/archive/c.jpg,,1614834367",
		digestB + ",/archive/c.jpg,,",
		digestB + ",/archive/d.jpg,,yesterday",
	}, "\n")

	snap, skipped, err := Decode(strings.NewReader(legacy), cache.SHA1)
	require.NoError(t, err)
	assert.Equal(t, 4, skipped)
	require.Equal(t, 2, snap.Len())

	a, ok := snap.ByPath("/archive/a.jpg")
	require.True(t, ok)
	assert.Equal(t, "IMG_1.jpg", a.OriginalName)
	assert.Equal(t, time.Date(2021, 3, 4, 5, 6, 7, 0, time.UTC), a.Created)
	assert.False(t, a.HasIdentity(), "legacy rows lack mtime and size")

	c, ok := snap.ByPath("/archive/c.jpg")
	require.True(t, ok)
	assert.Equal(t, time.Unix(1614834367, 0).UTC(), c.Created)
}

func TestDecode_HeaderErrors(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"empty", ""},
		{"missing path column", "sha1sum,original_filename\n"},
		{"missing digest column", "absolute_path,size\n"},
		{"algorithm mismatch", "sha256sum,absolute_path\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := Decode(strings.NewReader(tt.input), cache.SHA1)
			require.Error(t, err)
			assert.True(t, errors.Is(err, common.ErrMalformedRecord))
		})
	}
}

func TestEncodeDecode_ColumnOrderIndependent(t *testing.T) {
	reordered := "size,absolute_path,modification_time,sha1sum\n" +
		"5,/archive/x.jpg,2024-06-01T12:00:00.0000005Z," + digestA + "\n"
	snap, skipped, err := Decode(strings.NewReader(reordered), cache.SHA1)
	require.NoError(t, err)
	assert.Equal(t, 0, skipped)

	e, ok := snap.ByPath("/archive/x.jpg")
	require.True(t, ok)
	assert.True(t, e.HasIdentity())
	assert.Equal(t, int64(5), e.Size)

	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, snap))
	assert.Equal(t,
		"sha1sum,absolute_path,original_filename,created_date,archived_date,modification_time,size\n"+
			digestA+",/archive/x.jpg,,,,2024-06-01T12:00:00.0000005Z,5\n",
		buf.String())
}

func TestSnapshot_Queries(t *testing.T) {
	snap := NewSnapshot(cache.SHA1, []Entry{
		{Digest: digestA, Path: "/archive/b.jpg", Size: 5},
		{Digest: digestA, Path: "/archive/a.jpg", Size: 5, OriginalName: "x.jpg"},
		{Digest: digestB, Path: "/archive/c.jpg", Size: 7},
	})

	assert.Equal(t, 3, snap.Len())
	assert.True(t, snap.Has(digestA))
	assert.False(t, snap.Has("0000000000000000000000000000000000000000"))
	lookup := snap.Lookup(digestA)
	require.Len(t, lookup, 2)
	assert.Equal(t, "/archive/a.jpg", lookup[0].Path)
	assert.Len(t, snap.Digests(), 2)

	st := snap.Stats()
	assert.Equal(t, Stats{Entries: 3, UniqueDigests: 2, DuplicateFiles: 1, TotalBytes: 17, WithOriginal: 1}, st)
}

func TestUnifiedDiff(t *testing.T) {
	before := []byte("h\n" + digestA + ",/a.jpg\n")
	after := []byte("h\n" + digestB + ",/b.jpg\n")

	diff, err := UnifiedDiff(before, after, "ledger.csv")
	require.NoError(t, err)
	assert.Contains(t, diff, "-"+digestA+",/a.jpg")
	assert.Contains(t, diff, "+"+digestB+",/b.jpg")

	same, err := UnifiedDiff(before, before, "ledger.csv")
	require.NoError(t, err)
	assert.Empty(t, same)
}

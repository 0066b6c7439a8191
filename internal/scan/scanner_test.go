package scan

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	. "github.com/onsi/gomega"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mediasweep/internal/cache"
	"mediasweep/internal/common"
)

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		path := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	}
}

func paths(entries []Entry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Path)
	}
	return out
}

func TestInventory_SortedAndHashed(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"b.jpg":         "hello",
		"a/z.jpg":       "z",
		"a.jpg":         "hello",
		"2024/03/x.mp4": "video",
	})

	s := New(cache.NewDigestStore("", cache.SHA1), Options{})
	inv, err := s.Inventory(context.Background(), root)
	require.NoError(t, err)

	assert.Equal(t, []string{
		filepath.Join(root, "2024/03/x.mp4"),
		filepath.Join(root, "a.jpg"),
		filepath.Join(root, "a/z.jpg"),
		filepath.Join(root, "b.jpg"),
	}, paths(inv.Entries))
	assert.Empty(t, inv.Failures)
	assert.Equal(t, 4, inv.Total())
	assert.Equal(t, inv.Entries[1].Digest, inv.Entries[3].Digest, "identical bytes share a digest")
	assert.Equal(t, "aaf4c61ddcc5e8a2dabede0f3b482cd9aea9434d", inv.Entries[1].Digest)
}

func TestInventory_EmptyRoot(t *testing.T) {
	s := New(cache.NewDigestStore("", cache.SHA1), Options{})
	inv, err := s.Inventory(context.Background(), t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, 0, inv.Total())
}

func TestInventory_MissingRoot(t *testing.T) {
	s := New(cache.NewDigestStore("", cache.SHA1), Options{})
	_, err := s.Inventory(context.Background(), filepath.Join(t.TempDir(), "nope"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, common.ErrIOUnreadable))
}

func TestInventory_SecondRunUsesCache(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{"a.jpg": "a", "b.jpg": "b"})
	cachePath := filepath.Join(t.TempDir(), "cache.sha1")

	store, err := cache.LoadDigestStore(cachePath, cache.SHA1)
	require.NoError(t, err)
	first, err := New(store, Options{}).Inventory(context.Background(), root)
	require.NoError(t, err)
	assert.Equal(t, 2, store.Stats().Misses)

	store, err = cache.LoadDigestStore(cachePath, cache.SHA1)
	require.NoError(t, err)
	second, err := New(store, Options{}).Inventory(context.Background(), root)
	require.NoError(t, err)

	assert.Equal(t, first.Entries, second.Entries)
	assert.Equal(t, 0, store.Stats().Misses)
	assert.Equal(t, 2, store.Stats().Hits)
}

func TestInventory_PrunesRemovedFiles(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{"a.jpg": "a", "b.jpg": "b"})
	store := cache.NewDigestStore("", cache.SHA1)
	s := New(store, Options{})

	_, err := s.Inventory(context.Background(), root)
	require.NoError(t, err)
	require.NoError(t, os.Remove(filepath.Join(root, "b.jpg")))

	_, err = s.Inventory(context.Background(), root)
	require.NoError(t, err)
	assert.Equal(t, 1, store.Len())
}

func TestInventory_ParallelMatchesSequential(t *testing.T) {
	root := t.TempDir()
	files := map[string]string{}
	for i := 0; i < 40; i++ {
		files[fmt.Sprintf("d%d/f%02d.jpg", i%5, i)] = fmt.Sprintf("content %d", i%7)
	}
	writeTree(t, root, files)

	seq, err := New(cache.NewDigestStore("", cache.SHA1), Options{}).Inventory(context.Background(), root)
	require.NoError(t, err)
	par, err := New(cache.NewDigestStore("", cache.SHA1), Options{Workers: 8}).Inventory(context.Background(), root)
	require.NoError(t, err)

	assert.Equal(t, seq.Entries, par.Entries)
}

func TestInventory_Symlinks(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	writeTree(t, root, map[string]string{"real/a.jpg": "a"})
	writeTree(t, outside, map[string]string{"b.jpg": "b"})
	require.NoError(t, os.Symlink(filepath.Join(outside, "b.jpg"), filepath.Join(root, "link.jpg")))
	require.NoError(t, os.Symlink(outside, filepath.Join(root, "linkdir")))
	require.NoError(t, os.Symlink(root, filepath.Join(root, "real", "loop")))
	require.NoError(t, os.Symlink(filepath.Join(root, "missing"), filepath.Join(root, "dangling.jpg")))

	t.Run("not followed by default", func(t *testing.T) {
		inv, err := New(cache.NewDigestStore("", cache.SHA1), Options{}).Inventory(context.Background(), root)
		require.NoError(t, err)
		assert.Equal(t, []string{filepath.Join(root, "real/a.jpg")}, paths(inv.Entries))
		assert.Empty(t, inv.Failures)
	})

	t.Run("followed with cycle detection", func(t *testing.T) {
		g := NewWithT(t)
		inv, err := New(cache.NewDigestStore("", cache.SHA1), Options{FollowSymlinks: true}).Inventory(context.Background(), root)
		g.Expect(err).NotTo(HaveOccurred())
		g.Expect(paths(inv.Entries)).To(ConsistOf(
			filepath.Join(root, "link.jpg"),
			filepath.Join(root, "linkdir/b.jpg"),
			filepath.Join(root, "real/a.jpg"),
		))
		g.Expect(inv.Failures).To(HaveLen(1))
		g.Expect(inv.Failures[0].Path).To(Equal(filepath.Join(root, "dangling.jpg")))
		g.Expect(errors.Is(inv.Failures[0].Err, common.ErrIOUnreadable)).To(BeTrue())
	})
}

func TestInventory_Excludes(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"a.jpg":                 "a",
		"a.tmp":                 "tmp",
		".thumbnails/t.jpg":     "t",
		".mediasweep/state":     "s",
		"sub/.mediasweepignore": "*.xmp\n",
		"sub/b.jpg":             "b",
		"sub/b.xmp":             "sidecar",
		"other/c.xmp":           "kept",
	})

	inv, err := New(cache.NewDigestStore("", cache.SHA1), Options{Excludes: []string{"*.tmp", ".thumbnails/"}}).
		Inventory(context.Background(), root)
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(root, "a.jpg"),
		filepath.Join(root, "other/c.xmp"),
		filepath.Join(root, "sub/b.jpg"),
	}, paths(inv.Entries))
}

func TestEntries_LazyAndStoppable(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{"a.jpg": "a", "b.jpg": "b", "c.jpg": "c"})
	store := cache.NewDigestStore("", cache.SHA1)
	s := New(store, Options{})

	var seen []string
	for e, err := range s.Entries(context.Background(), root) {
		require.NoError(t, err)
		seen = append(seen, filepath.Base(e.Path))
		if len(seen) == 2 {
			break
		}
	}
	assert.Equal(t, []string{"a.jpg", "b.jpg"}, seen)
	assert.Equal(t, 2, store.Stats().Misses, "files after the break are never hashed")

	var again []string
	for e, err := range s.Entries(context.Background(), root) {
		require.NoError(t, err)
		again = append(again, filepath.Base(e.Path))
	}
	assert.Equal(t, []string{"a.jpg", "b.jpg", "c.jpg"}, again, "sequence is restartable")
}

func TestEntries_MissingRootYieldsError(t *testing.T) {
	s := New(cache.NewDigestStore("", cache.SHA1), Options{})
	var errs []error
	for _, err := range s.Entries(context.Background(), filepath.Join(t.TempDir(), "nope")) {
		errs = append(errs, err)
	}
	require.Len(t, errs, 1)
	assert.True(t, errors.Is(errs[0], common.ErrIOUnreadable))
}

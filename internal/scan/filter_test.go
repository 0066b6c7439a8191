package scan

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildFilter(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "raw"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "raw", IgnoreFileName), []byte("*.dng\n"), 0644))

	filter := BuildFilter(root, []string{"*.tmp", "cache/"})

	tests := []struct {
		rel   string
		isDir bool
		want  bool
	}{
		{"IMG_1.jpg", false, true},
		{".mediasweep", true, false},
		{".mediasweep/ledger.csv", false, false},
		{"x.tmp", false, false},
		{"deep/x.tmp", false, false},
		{"cache", true, false},
		{"raw/a.dng", false, false},
		{"a.dng", false, true},
		{"raw/" + IgnoreFileName, false, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, filter(tt.rel, tt.isDir), "filter(%q, %v)", tt.rel, tt.isDir)
	}
}

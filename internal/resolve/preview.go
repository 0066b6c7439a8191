package resolve

import (
	"fmt"
	"io"
	"path/filepath"

	"github.com/disiqueira/gotree/v3"
	"github.com/dustin/go-humanize"
)

type previewTree struct {
	tree gotree.Tree
	dirs map[string]gotree.Tree
}

func newPreviewTree(label string) previewTree {
	return previewTree{tree: gotree.New(label), dirs: make(map[string]gotree.Tree)}
}

func (t previewTree) dir(dirPath string) gotree.Tree {
	if dirPath == "." || dirPath == "" {
		return t.tree
	}
	d := t.dirs[dirPath]
	if d == nil {
		d = t.dir(filepath.Dir(dirPath)).Add(filepath.Base(dirPath))
		t.dirs[dirPath] = d
	}
	return d
}

func (t previewTree) insert(relPath, label string) {
	t.dir(filepath.Dir(relPath)).Add(label)
}

// Preview renders the delete set of res as a tree below its root, followed
// by the counts. Kept files are listed only when verbose is set.
func Preview(w io.Writer, res *Resolution, verbose bool) error {
	label := fmt.Sprintf("%s (%d to delete, %s)", res.Root, len(res.ToDelete), humanize.Bytes(uint64(res.DeleteBytes())))
	tree := newPreviewTree(label)
	for _, c := range res.ToDelete {
		tree.insert(relOrAbs(res.Root, c.Path), "- "+filepath.Base(c.Path)+" ["+humanize.Bytes(uint64(c.Size))+"]")
	}
	if verbose {
		for _, c := range res.ToKeep {
			tree.insert(relOrAbs(res.Root, c.Path), "= "+filepath.Base(c.Path))
		}
	}
	if _, err := io.WriteString(w, tree.tree.Print()); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "total %d, delete %d, keep %d, unreadable %d\n",
		res.Total(), len(res.ToDelete), len(res.ToKeep), len(res.Failures))
	return err
}

func relOrAbs(root, p string) string {
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return p
	}
	return rel
}

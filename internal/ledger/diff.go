package ledger

import (
	"github.com/pmezard/go-difflib/difflib"
)

// UnifiedDiff renders the difference between two ledger revisions.
// It returns an empty string when they are identical.
func UnifiedDiff(previous, current []byte, path string) (string, error) {
	return difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(string(previous)),
		B:        difflib.SplitLines(string(current)),
		FromFile: path + " (before)",
		ToFile:   path + " (after)",
		Context:  1,
	})
}

package merge

import (
	"path"
	"sort"
	"strings"

	"github.com/mtiwari1/pairmerge/internal/repository"
)

// SelectPair returns the two oldest selectable records, ordered by
// (timestamp, filename). ok is false when fewer than two are selectable.
func SelectPair(records []*repository.FileRecord) (pair [2]*repository.FileRecord, ok bool) {
	candidates := make([]*repository.FileRecord, 0, len(records))
	for _, r := range records {
		if !r.Processed && r.Status == repository.StatusPending {
			candidates = append(candidates, r)
		}
	}
	if len(candidates) < 2 {
		return pair, false
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp)
		}
		return a.Filename < b.Filename
	})
	return [2]*repository.FileRecord{candidates[0], candidates[1]}, true
}

// ArtifactKey derives the merged object key from both source filenames.
// Folders are kept so same-named pairs in different folders never share an
// artifact.
func ArtifactKey(prefix, suffix, first, second string) string {
	return prefix + stem(first) + "_" + stem(second) + suffix
}

// stem is the key with its last segment cut at the first dot.
// "2024-01/sales.tar.gz" becomes "2024-01/sales".
func stem(filename string) string {
	dir, base := path.Split(filename)
	if i := strings.IndexByte(base, '.'); i > 0 {
		base = base[:i]
	}
	return dir + base
}

// Package diff computes added/modified/deleted/unchanged record sets between
// two delimited-text snapshots, keyed by each record's leading field.
package diff

import (
	"sort"
	"strings"
	"time"

	"github.com/licensedb/engine/internal/crypto"
)

// Options controls snapshot parsing and carries version metadata through to
// the result.
type Options struct {
	Delimiter  string
	SkipHeader bool
	OldVersion string
	NewVersion string
	// OldHash, when non-empty and equal to the new content's hash, lets the
	// differ skip the line-by-line pass entirely. Hash equality implies
	// byte-identical content, so this is an optimization, not an
	// approximation.
	OldHash string
}

// Summary holds the change counts.
type Summary struct {
	Added     int `json:"added"`
	Modified  int `json:"modified"`
	Deleted   int `json:"deleted"`
	Unchanged int `json:"unchanged"`
}

// Metadata identifies the snapshots the diff was computed over.
type Metadata struct {
	OldVersion string    `json:"oldVersion,omitempty"`
	NewVersion string    `json:"newVersion"`
	OldHash    string    `json:"oldHash,omitempty"`
	NewHash    string    `json:"newHash"`
	Timestamp  time.Time `json:"timestamp"`
}

// Result is one computed diff. Unchanged records are only counted, not
// listed, to bound result size.
type Result struct {
	Added          []string `json:"added"`
	Modified       []string `json:"modified"`
	Deleted        []string `json:"deleted"`
	UnchangedCount int      `json:"unchangedCount"`
	Summary        Summary  `json:"summary"`
	Metadata       Metadata `json:"metadata"`
}

// HasChanges reports whether any record was added, modified or deleted.
func (r *Result) HasChanges() bool {
	return len(r.Added)+len(r.Modified)+len(r.Deleted) > 0
}

// Compute diffs newContent against oldContent. An empty oldContent (first
// run) yields every new record as added.
func Compute(oldContent, newContent string, opts Options) *Result {
	newHash := crypto.HashSHA256([]byte(newContent))

	result := &Result{
		Added:    []string{},
		Modified: []string{},
		Deleted:  []string{},
		Metadata: Metadata{
			OldVersion: opts.OldVersion,
			NewVersion: opts.NewVersion,
			OldHash:    opts.OldHash,
			NewHash:    newHash,
			Timestamp:  time.Now().UTC(),
		},
	}

	newRecords := ParseRecords(newContent, opts.Delimiter, opts.SkipHeader)

	if opts.OldHash != "" && opts.OldHash == newHash {
		result.UnchangedCount = len(newRecords)
		result.Summary.Unchanged = len(newRecords)
		return result
	}

	oldRecords := ParseRecords(oldContent, opts.Delimiter, opts.SkipHeader)

	for key, newLine := range newRecords {
		oldLine, existed := oldRecords[key]
		switch {
		case !existed:
			result.Added = append(result.Added, key)
		case oldLine != newLine:
			result.Modified = append(result.Modified, key)
		default:
			result.UnchangedCount++
		}
	}

	for key := range oldRecords {
		if _, exists := newRecords[key]; !exists {
			result.Deleted = append(result.Deleted, key)
		}
	}

	sort.Strings(result.Added)
	sort.Strings(result.Modified)
	sort.Strings(result.Deleted)

	result.Summary = Summary{
		Added:     len(result.Added),
		Modified:  len(result.Modified),
		Deleted:   len(result.Deleted),
		Unchanged: result.UnchangedCount,
	}

	return result
}

// ParseRecords splits content into a key -> raw line map. The key is the
// trimmed substring before the first delimiter occurrence; a line with no
// delimiter is keyed by its whole trimmed text (fallback for malformed rows).
func ParseRecords(content, delimiter string, skipHeader bool) map[string]string {
	records := make(map[string]string)

	lines := strings.Split(content, "\n")
	first := true
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		if first && skipHeader {
			first = false
			continue
		}
		first = false

		key := line
		if idx := strings.Index(line, delimiter); idx >= 0 {
			key = line[:idx]
		}
		records[strings.TrimSpace(key)] = line
	}

	return records
}

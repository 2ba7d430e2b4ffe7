// Package patch converts diff results into typed operations and applies them
// to the primary store in bounded, ordered batches.
package patch

import (
	"strings"

	"github.com/licensedb/engine/internal/sync/diff"
)

// OpType is the kind of one patch operation.
type OpType string

const (
	OpInsert OpType = "insert"
	OpUpdate OpType = "update"
	OpDelete OpType = "delete"
)

// Operation is one insert/update/delete instruction targeting one record key.
// Keys are unique within a generated batch.
type Operation struct {
	Type   OpType            `json:"type"`
	Key    string            `json:"key"`
	Fields map[string]string `json:"fields"`
}

// Generate produces one operation per changed key. Added and modified lines
// are re-parsed from the new content, deleted lines from the old content.
// Columns are zipped positionally against the schema fields; extra or missing
// columns are truncated to the shorter length, since upstream validation
// already guaranteed shape.
func Generate(d *diff.Result, oldContent, newContent, delimiter string, fields []string, skipHeader bool) []Operation {
	newRecords := diff.ParseRecords(newContent, delimiter, skipHeader)
	oldRecords := diff.ParseRecords(oldContent, delimiter, skipHeader)

	ops := make([]Operation, 0, len(d.Added)+len(d.Modified)+len(d.Deleted))

	for _, key := range d.Added {
		ops = append(ops, Operation{
			Type:   OpInsert,
			Key:    key,
			Fields: parseFields(newRecords[key], delimiter, fields),
		})
	}
	for _, key := range d.Modified {
		ops = append(ops, Operation{
			Type:   OpUpdate,
			Key:    key,
			Fields: parseFields(newRecords[key], delimiter, fields),
		})
	}
	for _, key := range d.Deleted {
		ops = append(ops, Operation{
			Type:   OpDelete,
			Key:    key,
			Fields: parseFields(oldRecords[key], delimiter, fields),
		})
	}

	return ops
}

func parseFields(line, delimiter string, fields []string) map[string]string {
	values := strings.Split(line, delimiter)

	n := len(fields)
	if len(values) < n {
		n = len(values)
	}

	out := make(map[string]string, n)
	for i := 0; i < n; i++ {
		out[fields[i]] = strings.TrimSpace(values[i])
	}
	return out
}

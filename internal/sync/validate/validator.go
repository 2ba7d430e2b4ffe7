// Package validate checks delimited text against the declared field schema
// and, optionally, an expected content hash.
package validate

import (
	"fmt"
	"strings"

	"github.com/licensedb/engine/internal/crypto"
)

// Input is one validation request.
type Input struct {
	Content        string
	Delimiter      string
	HasHeader      bool
	ExpectedFields []string
	// ExpectedHash, when non-empty, is compared against the recomputed
	// content hash. Hash and schema checks are independent; both can fail
	// in the same validation.
	ExpectedHash string
}

// Metadata summarizes what the validator observed.
type Metadata struct {
	HashMatch   *bool `json:"hashMatch,omitempty"`
	SchemaMatch *bool `json:"schemaMatch,omitempty"`
	RecordCount int   `json:"recordCount"`
}

// Result is the validation outcome. Validation never panics; parse failures
// surface as error entries.
type Result struct {
	Success  bool     `json:"success"`
	Errors   []string `json:"errors"`
	Warnings []string `json:"warnings"`
	Metadata Metadata `json:"metadata"`
}

// Validate runs schema and integrity checks over the content.
func Validate(in Input) (result *Result) {
	result = &Result{}

	defer func() {
		if r := recover(); r != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("validation panic: %v", r))
			result.Success = false
		}
	}()

	lines := nonEmptyLines(in.Content)

	if in.HasHeader {
		validateWithHeader(in, lines, result)
	} else {
		validateColumnCounts(in, lines, result)
	}

	if in.ExpectedHash != "" {
		actual := crypto.HashSHA256([]byte(in.Content))
		match := actual == in.ExpectedHash
		result.Metadata.HashMatch = &match
		if !match {
			result.Errors = append(result.Errors, fmt.Sprintf(
				"content hash mismatch: expected %s, got %s", in.ExpectedHash, actual))
		}
	}

	if result.Metadata.RecordCount == 0 && len(result.Errors) == 0 {
		result.Warnings = append(result.Warnings, "data contains zero records")
	}

	result.Success = len(result.Errors) == 0
	return result
}

func validateWithHeader(in Input, lines []string, result *Result) {
	if len(lines) == 0 {
		result.Errors = append(result.Errors, "content is empty, header row expected")
		falseVal := false
		result.Metadata.SchemaMatch = &falseVal
		return
	}

	actual := make(map[string]bool)
	headers := strings.Split(lines[0], in.Delimiter)
	for _, h := range headers {
		actual[strings.TrimSpace(h)] = true
	}

	expected := make(map[string]bool, len(in.ExpectedFields))
	missing := 0
	for _, field := range in.ExpectedFields {
		expected[field] = true
		if !actual[field] {
			missing++
			result.Errors = append(result.Errors, fmt.Sprintf("missing expected field %q in header", field))
		}
	}

	// Missing-field errors and extra-field warnings are independent; a header
	// can trigger both in the same validation.
	extra := 0
	for _, h := range headers {
		if !expected[strings.TrimSpace(h)] {
			extra++
		}
	}
	if extra > 0 {
		result.Warnings = append(result.Warnings, fmt.Sprintf(
			"header contains %d unexpected extra field(s)", extra))
	}

	match := missing == 0
	result.Metadata.SchemaMatch = &match
	result.Metadata.RecordCount = len(lines) - 1
}

func validateColumnCounts(in Input, lines []string, result *Result) {
	expected := len(in.ExpectedFields)
	bad := 0
	for _, line := range lines {
		if len(strings.Split(line, in.Delimiter)) != expected {
			bad++
		}
	}

	if bad > 0 {
		result.Errors = append(result.Errors, fmt.Sprintf(
			"%d row(s) do not have the expected %d column(s)", bad, expected))
	}

	match := bad == 0
	result.Metadata.SchemaMatch = &match
	result.Metadata.RecordCount = len(lines)
}

func nonEmptyLines(content string) []string {
	var lines []string
	for _, line := range strings.Split(content, "\n") {
		if strings.TrimSpace(line) != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

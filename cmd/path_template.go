package cmd

import (
	"fmt"
	"strings"
	"time"
)

// PathTemplate provides functionality to generate remote repository paths from templates
type PathTemplate struct {
	template string
}

// NewPathTemplate creates a new PathTemplate instance
func NewPathTemplate(template string) *PathTemplate {
	return &PathTemplate{template: template}
}

// Generate replaces placeholders in the template with actual values.
// Supports: {month}, {shard}, {YYYY}, {MM}
func (pt *PathTemplate) Generate(scope string) string {
	result := pt.template

	result = strings.ReplaceAll(result, "{month}", scope)
	result = strings.ReplaceAll(result, "{shard}", scope)

	// Date placeholders resolve only when the scope parses as a month bucket
	if ts, ok := monthTime(scope); ok {
		result = strings.ReplaceAll(result, "{YYYY}", ts.Format("2006"))
		result = strings.ReplaceAll(result, "{MM}", ts.Format("01"))
	}

	return result
}

// monthTime converts a YYMM month bucket into a time.Time.
// arXiv identifiers start in 1991, so two-digit years below 91 are 20xx.
func monthTime(month string) (time.Time, bool) {
	if len(month) != 4 {
		return time.Time{}, false
	}

	var yy, mm int
	if _, err := fmt.Sscanf(month, "%02d%02d", &yy, &mm); err != nil {
		return time.Time{}, false
	}
	if mm < 1 || mm > 12 {
		return time.Time{}, false
	}

	year := 1900 + yy
	if yy < 91 {
		year = 2000 + yy
	}

	return time.Date(year, time.Month(mm), 1, 0, 0, 0, 0, time.UTC), true
}

// GenerateArchiveName creates the archive filename for a scope (month bucket
// or single shard ID), e.g. "1501_tex.tar.gz"
func GenerateArchiveName(scope string, compressionExt string) string {
	filename := scope + "_tex.tar"

	// Add compression extension if not "none"
	if compressionExt != "" {
		filename += compressionExt
	}

	return filename
}

package publish

import (
	"path/filepath"
	"strings"
	"time"
)

// PathTemplate builds object keys from a template
type PathTemplate struct {
	template string
}

// NewPathTemplate creates a new PathTemplate instance
func NewPathTemplate(template string) *PathTemplate {
	return &PathTemplate{template: template}
}

// Generate replaces placeholders in the template with actual values.
// Supports: {dir}, {file}, {YYYY}, {MM}, {DD}. When the template has no
// {file} placeholder the file name is appended as the last path segment.
func (pt *PathTemplate) Generate(dir, file string, asOf time.Time) string {
	result := pt.template

	result = strings.ReplaceAll(result, "{dir}", dir)
	result = strings.ReplaceAll(result, "{YYYY}", asOf.Format("2006"))
	result = strings.ReplaceAll(result, "{MM}", asOf.Format("01"))
	result = strings.ReplaceAll(result, "{DD}", asOf.Format("02"))

	if strings.Contains(result, "{file}") {
		result = strings.ReplaceAll(result, "{file}", file)
	} else {
		result = strings.TrimSuffix(result, "/") + "/" + file
	}

	return strings.TrimPrefix(filepath.ToSlash(result), "/")
}

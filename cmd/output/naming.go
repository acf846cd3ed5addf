package output

import (
	"fmt"
	"time"
)

// Date layouts used in file names and manifest lines
const (
	CompactDate = "20060102"
	ISODate     = "2006-01-02"
)

const manifestBase = "manifest"

// FileName returns the JSON output name for a category: {category}-{YYYYMMDD}.json
func FileName(category string, asOf time.Time) string {
	return fmt.Sprintf("%s-%s.json", category, asOf.Format(CompactDate))
}

// ManifestName returns manifest.txt, or manifest-{YYYYMMDD}.txt when dated
func ManifestName(asOf time.Time, dated bool) string {
	if !dated {
		return manifestBase + ".txt"
	}
	return fmt.Sprintf("%s-%s.txt", manifestBase, asOf.Format(CompactDate))
}

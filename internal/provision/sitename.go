package provision

import (
	"regexp"
	"strings"
)

const maxLabelLen = 63

var (
	separators   = regexp.MustCompile(`[\s_]+`)
	invalidChars = regexp.MustCompile(`[^a-z0-9-]+`)
	hyphenRuns   = regexp.MustCompile(`-{2,}`)
)

// SiteLabel turns a company name into a DNS label: lowercase, whitespace and
// underscores become hyphens, everything outside [a-z0-9-] is dropped and the
// result is cut to 63 characters. It returns "" when nothing usable remains.
func SiteLabel(company string) string {
	label := strings.ToLower(strings.TrimSpace(company))
	label = separators.ReplaceAllString(label, "-")
	label = invalidChars.ReplaceAllString(label, "")
	label = hyphenRuns.ReplaceAllString(label, "-")
	label = strings.Trim(label, "-")
	if len(label) > maxLabelLen {
		label = strings.TrimRight(label[:maxLabelLen], "-")
	}
	return label
}

// SiteName derives the full site name of a company under domain.
func SiteName(company, domain string) string {
	label := SiteLabel(company)
	if label == "" {
		return ""
	}
	return label + "." + strings.Trim(strings.ToLower(domain), ".")
}

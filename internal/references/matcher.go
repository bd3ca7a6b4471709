package references

import (
	"regexp"
	"strconv"
)

// Pattern describes how a file uid is embedded in free text: Prefix, the
// decimal uid, then Suffix. Prefixes match case-insensitively.
type Pattern struct {
	Prefix string `yaml:"prefix" json:"prefix"`
	Suffix string `yaml:"suffix,omitempty" json:"suffix,omitempty"`
}

// ImageAttributePattern is the attribute a rich-text editor image plugin
// writes for embedded file images
var ImageAttributePattern = Pattern{Prefix: `data-htmlarea-file-uid="`, Suffix: `"`}

// LinkPatterns turns link prefixes such as "t3://file?uid=" into patterns
func LinkPatterns(prefixes []string) []Pattern {
	patterns := make([]Pattern, 0, len(prefixes))
	for _, p := range prefixes {
		if p == "" {
			continue
		}
		patterns = append(patterns, Pattern{Prefix: p})
	}
	return patterns
}

// ReplaceUID rewrites every occurrence of oldUID embedded with one of the
// patterns to newUID and returns the new text and the number of replacements.
// An occurrence only matches if it is followed by a non-digit or the end of
// the text, so uid 5 never matches inside "uid=55".
func ReplaceUID(text string, patterns []Pattern, oldUID, newUID int64) (string, int) {
	total := 0
	for _, p := range patterns {
		var n int
		text, n = replaceOne(text, p, strconv.FormatInt(oldUID, 10), strconv.FormatInt(newUID, 10))
		total += n
	}
	return text, total
}

// CountUID returns how many occurrences ReplaceUID would rewrite
func CountUID(text string, patterns []Pattern, uid int64) int {
	_, n := ReplaceUID(text, patterns, uid, uid)
	return n
}

func replaceOne(text string, p Pattern, oldID, newID string) (string, int) {
	re := regexp.MustCompile(`(?i)` + regexp.QuoteMeta(p.Prefix+oldID+p.Suffix))
	matches := re.FindAllStringIndex(text, -1)
	if len(matches) == 0 {
		return text, 0
	}

	out := make([]byte, 0, len(text))
	last := 0
	count := 0
	for _, m := range matches {
		end := m[1]
		if end < len(text) && isDigit(text[end]) {
			continue
		}
		// Keep the matched prefix and suffix as written, swap only the digits
		uidStart := end - len(p.Suffix) - len(oldID)
		out = append(out, text[last:uidStart]...)
		out = append(out, newID...)
		out = append(out, text[end-len(p.Suffix):end]...)
		last = end
		count++
	}
	out = append(out, text[last:]...)
	return string(out), count
}

func isDigit(b byte) bool {
	return b >= '0' && b <= '9'
}

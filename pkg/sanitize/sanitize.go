// Package sanitize provides small text and timestamp utilities shared by the
// scraper normalizer and the queue worker.
package sanitize

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/araddon/dateparse"
)

const maxErrorLen = 1000

var tokenQueryParam = regexp.MustCompile(`(?i)(token|api[_-]?key|secret)=[^&\s]+`)

// SanitizeError scrubs scraping-provider tokens and token/api_key/secret query
// parameters from an error message before it is persisted to a queue row, and
// truncates the result to 1000 characters.
func SanitizeError(err error) string {
	if err == nil {
		return ""
	}
	msg := tokenQueryParam.ReplaceAllString(err.Error(), "$1=***")
	if len(msg) > maxErrorLen {
		msg = msg[:maxErrorLen]
	}
	return msg
}

// Text removes control characters except tab/newline/CR and trims surrounding
// whitespace.
func Text(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r == '\n' || r == '\r' || r == '\t' || (r >= 32 && r != 127) {
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}

// ExtractHashtags returns the distinct #tags found in text, in first-seen order,
// with the leading '#' stripped.
func ExtractHashtags(text string) []string {
	return extractPrefixed(text, '#')
}

// ExtractMentions returns the distinct @mentions found in text, in first-seen
// order, with the leading '@' stripped.
func ExtractMentions(text string) []string {
	return extractPrefixed(text, '@')
}

func extractPrefixed(text string, prefix rune) []string {
	if text == "" {
		return nil
	}
	seen := make(map[string]struct{})
	var out []string
	for _, w := range strings.Fields(text) {
		r := []rune(w)
		if len(r) < 2 || r[0] != prefix {
			continue
		}
		tag := string(r[1:])
		if _, ok := seen[tag]; ok {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}
	return out
}

// ParseTimestamp accepts a raw scraper field that may be a unix timestamp
// (seconds or milliseconds, as a string or number) or a free-form date string,
// and normalizes it to UTC: numeric epoch first, then best-effort date
// parsing.
func ParseTimestamp(raw any) (time.Time, bool) {
	switch v := raw.(type) {
	case nil:
		return time.Time{}, false
	case float64:
		return epochToTime(v), true
	case int64:
		return epochToTime(float64(v)), true
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return time.Time{}, false
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return epochToTime(f), true
		}
		t, err := dateparse.ParseAny(s)
		if err != nil {
			return time.Time{}, false
		}
		return t.UTC(), true
	default:
		return time.Time{}, false
	}
}

func epochToTime(ts float64) time.Time {
	if ts > 1_000_000_000_000 {
		ts = ts / 1000.0
	}
	sec := int64(ts)
	nsec := int64((ts - float64(sec)) * 1e9)
	return time.Unix(sec, nsec).UTC()
}

// FirstNonEmpty returns the first non-blank string among candidates.
func FirstNonEmpty(candidates ...string) string {
	for _, c := range candidates {
		if strings.TrimSpace(c) != "" {
			return c
		}
	}
	return ""
}

// Package links detects reddit post URLs in free text and rewrites them to
// the rxddit.com mirror host. All functions are pure; the compiled patterns
// below are the only package state and are never mutated after init.
package links

import (
	"regexp"
	"strings"
)

// TargetHost is the canonical replacement host.
const TargetHost = "rxddit.com"

// Only post links (/r/<subreddit>/...) qualify. Profile and bare-host URLs do
// not. The tail class accepts every RFC 3986 path/query character, so
// punctuation glued to the end of a URL (a trailing "." or ",") is carried
// into the match rather than risking an under-match that splits the URL.
var (
	postPattern = regexp.MustCompile(`(?i)https?://(?:(?:www|old|new|np)\.)?reddit\.com/r/[A-Za-z0-9_]+[A-Za-z0-9\-._~!$&'()*+,;=:@%/?#]*`)
	hostPattern = regexp.MustCompile(`(?i)^https?://(?:(?:www|old|new|np)\.)?reddit\.com`)
)

// Detect returns every recognized reddit post link in text, in order of first
// appearance, with exact duplicates collapsed to a single entry. A nil slice
// means no matches.
func Detect(text string) []string {
	if text == "" {
		return nil
	}
	found := postPattern.FindAllString(text, -1)
	if len(found) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(found))
	out := make([]string, 0, len(found))
	for _, m := range found {
		if _, dup := seen[m]; dup {
			continue
		}
		seen[m] = struct{}{}
		out = append(out, m)
	}
	return out
}

// ConvertOne rewrites the scheme and host of a single reddit link to
// https://rxddit.com, leaving the path, query, and any trailing slash
// byte-for-byte intact (subreddit case included). Input that does not look
// like a reddit URL is returned unchanged.
func ConvertOne(link string) string {
	loc := hostPattern.FindStringIndex(link)
	if loc == nil {
		return link
	}
	return "https://" + TargetHost + link[loc[1]:]
}

// ConvertAll replaces every recognized reddit post link in text in place.
// Unlike Detect, replacement is per occurrence: a link appearing twice is
// rewritten at both positions. All non-matching bytes are preserved.
func ConvertAll(text string) string {
	if !strings.Contains(strings.ToLower(text), "reddit.com") {
		return text
	}
	return postPattern.ReplaceAllStringFunc(text, ConvertOne)
}

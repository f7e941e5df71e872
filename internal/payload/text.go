package payload

import (
	"regexp"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"golang.org/x/net/html"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/austindbirch/bus_relay/internal/content"
)

var (
	shortcodeRe = regexp.MustCompile(`\[/?[A-Za-z_][\w-]*(?:\s[^\]]*)?/?\]`)
	ellipsisRe  = regexp.MustCompile(`\[&?hellip;\]|\[…\]|\(\.\.\.\)`)
	slugDashRe  = regexp.MustCompile(`[^a-z0-9]+`)
)

// Truncate keeps at most n code points of s.
func Truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}

// StripTags removes markup, including the bodies of script and style
// elements. Entities are left encoded.
func StripTags(s string) string {
	if !strings.ContainsAny(s, "<>") {
		return strings.TrimSpace(s)
	}
	var b strings.Builder
	z := html.NewTokenizer(strings.NewReader(s))
	skip := 0
	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			return strings.TrimSpace(b.String())
		case html.StartTagToken:
			name, _ := z.TagName()
			if n := string(name); n == "script" || n == "style" {
				skip++
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			if n := string(name); (n == "script" || n == "style") && skip > 0 {
				skip--
			}
		case html.TextToken:
			if skip == 0 {
				b.Write(z.Raw())
			}
		}
	}
}

// StripShortcodes removes bracketed CMS shortcodes such as [caption id="1"].
func StripShortcodes(s string) string {
	return shortcodeRe.ReplaceAllString(s, "")
}

// RawContent is the body with markup and shortcodes removed.
func RawContent(s string) string {
	return StripShortcodes(StripTags(s))
}

// DecodedContent is RawContent with entities decoded and excerpt ellipsis
// markers removed.
func DecodedContent(s string) string {
	return ellipsisRe.ReplaceAllString(html.UnescapeString(RawContent(s)), "")
}

// WordCount counts runs of letters, apostrophes and hyphens.
func WordCount(s string) int {
	return len(strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && r != '\'' && r != '-'
	}))
}

// FormatDate converts a CMS "2006-01-02 15:04:05" UTC timestamp to RFC 3339.
// Values in any other shape are returned unchanged.
func FormatDate(s string) string {
	t, err := time.ParseInLocation(content.DateLayout, s, time.UTC)
	if err != nil {
		return s
	}
	return t.Format(time.RFC3339)
}

// Slugify lowercases s, folds accents and joins the remaining alphanumeric
// runs with dashes.
func Slugify(s string) string {
	folded, _, err := transform.String(transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC), s)
	if err != nil {
		folded = s
	}
	return strings.Trim(slugDashRe.ReplaceAllString(strings.ToLower(folded), "-"), "-")
}

package normalizer

import "regexp"

// The upstream site logs JSON-like payloads that are frequently not valid
// JSON: single-quoted strings, unquoted keys, trailing commas. The repair
// pass is regex-based and best-effort; anything it cannot salvage degrades
// to an unknown event downstream, never an error.
var (
	reSingleQuoted  = regexp.MustCompile(`'([^'\\]*(?:\\.[^'\\]*)*)'`)
	reUnquotedKey   = regexp.MustCompile(`([{,]\s*)([A-Za-z_][A-Za-z0-9_]*)\s*:`)
	reTrailingComma = regexp.MustCompile(`,\s*([}\]])`)
)

// RepairJSON rewrites common JSON-ish defects into strict JSON.
func RepairJSON(s string) string {
	s = reSingleQuoted.ReplaceAllString(s, `"$1"`)
	s = reUnquotedKey.ReplaceAllString(s, `$1"$2":`)
	s = reTrailingComma.ReplaceAllString(s, `$1`)
	return s
}

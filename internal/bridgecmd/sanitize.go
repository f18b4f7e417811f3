package bridgecmd

import "unicode/utf8"

// MaxOutputBytes caps stdout/stderr captured from a bridge command result.
const MaxOutputBytes = 32 * 1024

// truncateUTF8 cuts s to at most limit bytes without splitting a multi-byte
// rune. It reports whether anything was cut.
func truncateUTF8(s string, limit int) (string, bool) {
	if len(s) <= limit {
		return s, false
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut], true
}

// sanitizeResult enforces the output caps on a result in place and returns
// whether any field was truncated.
func sanitizeResult(r *Result) bool {
	truncated := false
	if out, cut := truncateUTF8(r.Stdout, MaxOutputBytes); cut {
		r.Stdout = out
		truncated = true
	}
	if out, cut := truncateUTF8(r.Stderr, MaxOutputBytes); cut {
		r.Stderr = out
		truncated = true
	}
	if truncated {
		r.Truncated = true
	}
	return truncated
}

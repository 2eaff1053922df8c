package capability

// separator is the character '*' and '?' refuse to match across, per spec
// §4.1: "'*' matches any run of non-separator characters". Patterns for
// resource kinds that don't use '/' at all (network endpoints, storage
// namespaces) are unaffected by this restriction in practice.
const separator = '/'

// globMatch reports whether pattern matches s using the two wildcards this
// system supports: '*' matches any run of characters other than separator
// (including none) and '?' matches exactly one character other than
// separator. There is no recursive '**': two adjacent '*' behave exactly
// like one, since neither can cross a separator.
//
// Implemented by hand (not a third-party glob library) because every match
// in this system is a flat string comparison of a known, small alphabet -
// see DESIGN.md for why no library in the retrieved corpus fits this
// narrower semantic without pulling in unwanted path-aware behavior.
func globMatch(pattern, s string) bool {
	return globMatchBytes([]byte(pattern), []byte(s))
}

// globMatchBytes is a classic two-pointer wildcard matcher with backtracking
// on '*', iterative rather than recursive so a pathological pattern like
// "*a*a*a*a*a*a*" cannot blow the stack.
func globMatchBytes(pattern, s []byte) bool {
	var pIdx, sIdx int
	starIdx := -1
	sTmp := -1

	for sIdx < len(s) {
		switch {
		case pIdx < len(pattern) && pattern[pIdx] == '?' && s[sIdx] != separator:
			pIdx++
			sIdx++
		case pIdx < len(pattern) && pattern[pIdx] == s[sIdx]:
			pIdx++
			sIdx++
		case pIdx < len(pattern) && pattern[pIdx] == '*':
			starIdx = pIdx
			sTmp = sIdx
			pIdx++
		case starIdx != -1 && s[sTmp] != separator:
			pIdx = starIdx + 1
			sTmp++
			sIdx = sTmp
		default:
			return false
		}
	}

	for pIdx < len(pattern) && pattern[pIdx] == '*' {
		pIdx++
	}
	return pIdx == len(pattern)
}

// validatePattern rejects invalid glob patterns at parse time (never at
// check time, per spec §4.1/§4.5): empty patterns and patterns containing
// a literal '*' in a network port position are caught by the caller, which
// knows the resource kind. This function only enforces the universal rule
// that a pattern must be non-empty.
func validatePattern(pattern string) error {
	if pattern == "" {
		return &InvalidPatternError{Pattern: pattern, Reason: "pattern is empty"}
	}
	return nil
}

// InvalidPatternError reports a structurally invalid capability pattern.
type InvalidPatternError struct {
	Pattern string
	Reason  string
}

func (e *InvalidPatternError) Error() string {
	return "invalid pattern " + quote(e.Pattern) + ": " + e.Reason
}

func quote(s string) string {
	return "\"" + s + "\""
}

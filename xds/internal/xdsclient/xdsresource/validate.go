package xdsresource

// CheckDuplicates reports the first name that appears more than once
// among names, and true if one was found. Per spec.md §6: "two
// resources with equal name in one response is a protocol error and
// produces a NACK of the whole response."
func CheckDuplicates(names []string) (string, bool) {
	seen := make(map[string]bool, len(names))
	for _, n := range names {
		if seen[n] {
			return n, true
		}
		seen[n] = true
	}
	return "", false
}

// CheckTypeURLs reports the first resource whose typeURL doesn't match
// want, and true if one was found (spec.md §4.B "Resource name validation").
func CheckTypeURLs(want string, got []string) (string, bool) {
	for _, g := range got {
		if g != want {
			return g, true
		}
	}
	return "", false
}

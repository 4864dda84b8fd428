package session

import (
	"fmt"
	"regexp"
	"strconv"
)

// Continued sessions carry a bracketed counter suffix: "Name" -> "Name [2]"
// -> "Name [3]". A name without suffix counts as continuation 0.
var nameSuffixRe = regexp.MustCompile(`^(.*?) \[(\d+)\]$`)

// BaseName strips a trailing " [<n>]" continuation suffix.
func BaseName(name string) string {
	if m := nameSuffixRe.FindStringSubmatch(name); m != nil {
		return m[1]
	}
	return name
}

// ContinuationNumber extracts the bracketed counter, 0 when absent.
func ContinuationNumber(name string) int {
	m := nameSuffixRe.FindStringSubmatch(name)
	if m == nil {
		return 0
	}
	n, err := strconv.Atoi(m[2])
	if err != nil {
		return 0
	}
	return n
}

// NextName produces the display name for a continued session.
func NextName(name string) string {
	cur := ContinuationNumber(name)
	next := cur + 1
	if cur == 0 {
		next = 2
	}
	return fmt.Sprintf("%s [%d]", BaseName(name), next)
}

package regex

import (
	"fmt"
	"regexp"
	"strings"
)

// CombinePatterns joins patterns into one alternation. An empty list yields a
// nil regexp and no error.
func CombinePatterns(patterns []string) (*regexp.Regexp, error) {
	if len(patterns) == 0 {
		return nil, nil
	}
	combined := "(?:" + strings.Join(patterns, ")|(?:") + ")"
	re, err := regexp.Compile(combined)
	if err != nil {
		return nil, fmt.Errorf("invalid pattern list %q: %w", patterns, err)
	}
	return re, nil
}
